package tunnel

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cometkim/dotunnel/proto"
)

type wsStreamState int32

const (
	wsAwaitingUpgrade wsStreamState = iota
	wsOpen
	wsClosing
	wsClosed
)

// wsStream is one promoted, bidirectional WebSocket relay (spec §3,
// §4.4). public is the paired socket facing the original client; outCh
// is drained by the one goroutine allowed to write to it (runPublicWriter),
// the same pattern as Session.outbox, so handleWSFrameLocked can
// enqueue without ever blocking Session.mu on a slow public reader
// (spec §5, tunnel/doc.go).
type wsStream struct {
	id     uint32
	state  wsStreamState
	public PublicSocket
	outCh  *orderedQueue[wsOutItem]
}

// wsOutItem is one item on a wsStream's outCh: either a data frame to
// relay to the public socket, or (closeAfter) the close handshake that
// retires it.
type wsOutItem struct {
	messageType int
	data        []byte
	closeAfter  bool
	closeCode   int
	closeDetail string
}

// runPublicWriter is the only goroutine allowed to call WriteMessage or
// Close on a promoted stream's public socket, mirroring runWriter on
// the agent side.
func (s *Session) runPublicWriter(ws *wsStream) {
	for {
		item, ok := ws.outCh.pop()
		if !ok {
			return
		}
		if item.closeAfter {
			ws.public.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(item.closeCode, item.closeDetail),
				time.Now().Add(time.Second))
			ws.public.Close()
			return
		}
		ws.public.WriteMessage(item.messageType, item.data)
	}
}

var upgrader = websocket.Upgrader{
	// The agent decides accept/reject; the relay never inspects the
	// subprotocol or origin itself (spec §4.4 is agent-driven).
	CheckOrigin: func(r *http.Request) bool { return true },
}

// serveUpgrade is the §4.4 entry point: pair the public socket
// synchronously (so the client sees 101) before the agent has even
// been asked, then wait for the agent's decision.
func (s *Session) serveUpgrade(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	offline := s.agent == nil
	s.mu.Unlock()
	if offline {
		s.respondStreamError(w, ErrNoAgent)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote its own error response.
		return
	}

	st, startErr := s.beginHTTPStreamLocked(r, true)
	if startErr != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, startErr.Error()),
			time.Now().Add(time.Second))
		conn.Close()
		return
	}

	s.mu.Lock()
	st.pending = &pendingUpgrade{public: conn}
	s.mu.Unlock()
}

// handleUpgradeResponseLocked consumes the agent's decision for a
// pending-upgrade HTTP stream (spec §4.4 "Upon agent response").
func (s *Session) handleUpgradeResponseLocked(st *httpStream, msg *proto.HTTPMessage) {
	switch msg.Kind {
	case proto.HTTPResponseInit:
		if msg.Status == 101 {
			s.promoteLocked(st)
			return
		}
		s.rejectUpgradeLocked(st, websocket.CloseProtocolError,
			fmt.Sprintf("upstream status %d", msg.Status))
	case proto.HTTPResponseAbort:
		s.rejectUpgradeLocked(st, websocket.CloseInternalServerErr, msg.Detail)
	default:
		s.protocolErrorLocked("unexpected HTTP frame kind %d on pending-upgrade stream %d", msg.Kind, st.id)
	}
}

func (s *Session) promoteLocked(st *httpStream) {
	delete(s.http, st.id)
	if st.deadline != nil {
		st.deadline.Stop()
	}
	ws := &wsStream{id: st.id, state: wsOpen, public: st.pending.public, outCh: newOrderedQueue[wsOutItem]()}
	s.ws[st.id] = ws
	go s.relayFromPublic(ws)
	go s.runPublicWriter(ws)
}

func (s *Session) rejectUpgradeLocked(st *httpStream, code int, detail string) {
	delete(s.http, st.id)
	if st.deadline != nil {
		st.deadline.Stop()
	}
	public := st.pending.public
	go func() {
		public.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, detail),
			time.Now().Add(time.Second))
		public.Close()
	}()
}

func (s *Session) onUpgradeDeadline(id uint32) {
	s.mu.Lock()
	st, ok := s.http[id]
	if !ok || st.pending == nil {
		s.mu.Unlock()
		return
	}
	delete(s.http, id)
	s.mu.Unlock()
	public := st.pending.public
	public.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "WebSocket upgrade timeout"),
		time.Now().Add(time.Second))
	public.Close()
}

// relayFromPublic is the one goroutine allowed to read the public
// socket and emit ws frames for this stream (spec §4.4 "From public →
// agent").
func (s *Session) relayFromPublic(ws *wsStream) {
	for {
		mt, data, err := ws.public.ReadMessage()
		if err != nil {
			s.closeWSLocal(ws.id, closeCodeFromErr(err), "")
			return
		}
		var opcode proto.WSOpcode
		switch mt {
		case websocket.TextMessage:
			opcode = proto.WSText
		case websocket.BinaryMessage:
			opcode = proto.WSBinary
		default:
			continue
		}
		s.mu.Lock()
		if _, ok := s.ws[ws.id]; ok {
			s.sendWSLocked(ws.id, &proto.WSMessage{Opcode: opcode, Fin: true, Payload: data})
		}
		s.mu.Unlock()
	}
}

func closeCodeFromErr(err error) uint16 {
	if ce, ok := err.(*websocket.CloseError); ok {
		return uint16(ce.Code)
	}
	return websocket.CloseAbnormalClosure
}

// closeWSLocal handles the public side closing: emit a final
// ws{CLOSE} to the agent and remove the stream (spec §4.4).
func (s *Session) closeWSLocal(id uint32, code uint16, detail string) {
	s.mu.Lock()
	ws, ok := s.ws[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.ws, id)
	ws.state = wsClosed
	s.sendWSLocked(id, &proto.WSMessage{Opcode: proto.WSClose, Fin: true, CloseCode: code})
	ws.outCh.close()
	s.mu.Unlock()
	ws.public.Close()
}

// handleWSFrameLocked relays one agent → public frame for an already
// promoted WebSocket stream (spec §4.4 "From agent → public").
func (s *Session) handleWSFrameLocked(streamID uint32, msg *proto.WSMessage) {
	ws, ok := s.ws[streamID]
	if !ok {
		return
	}
	switch msg.Opcode {
	case proto.WSText:
		ws.outCh.push(wsOutItem{messageType: websocket.TextMessage, data: msg.Payload})
	case proto.WSBinary:
		ws.outCh.push(wsOutItem{messageType: websocket.BinaryMessage, data: msg.Payload})
	case proto.WSClose:
		delete(s.ws, streamID)
		ws.state = wsClosed
		closeCode := int(msg.CloseCode)
		if closeCode == 0 {
			closeCode = websocket.CloseNormalClosure
		}
		ws.outCh.push(wsOutItem{closeAfter: true, closeCode: closeCode})
		ws.outCh.close()
	case proto.WSPing:
		ws.public.WriteControl(websocket.PongMessage, msg.Payload, time.Now().Add(5*time.Second))
	case proto.WSPong:
		// ignored (spec §4.4)
	default:
		s.protocolErrorLocked("unexpected WS opcode %d on stream %d", msg.Opcode, streamID)
	}
}

// closeLocked tears down a promoted stream when the agent disconnects
// entirely (spec §4.7 "Agent closes mid-stream": WS → close(1001)).
// Routed through outCh, same as the normal WSClose path, so it can
// never race runPublicWriter's in-flight drain of earlier data frames.
func (ws *wsStream) closeLocked(code int, detail string) {
	ws.outCh.push(wsOutItem{closeAfter: true, closeCode: code, closeDetail: detail})
	ws.outCh.close()
}
