package tunnel

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cometkim/dotunnel/proto"
)

// Limits is the subset of appConfig.Server a Session needs; kept as an
// interface so tunnel never imports appConfig directly (spec §6
// tunable parameters).
type Limits interface {
	RequestTimeout() time.Duration
	StreamLimit() int
}

// Registry is the status half of the registry interface consumed by
// the core (spec §6); lookup-by-subdomain lives at the front door, not
// here. Session only needs to report online/offline.
type Registry interface {
	MarkTunnelStatus(ctx context.Context, publicID, status string, at time.Time) error
}

// Session is the per-tunnel actor described in doc.go. Exactly one
// Session exists per tunnel for its lifetime (spec §3).
type Session struct {
	mu sync.Mutex

	tunnelID  string
	tunnelURL string

	limits   Limits
	registry Registry
	metrics  *Metrics
	log      *zap.Logger

	agent        AgentSocket
	connectionID uint64
	nextStreamID uint32
	globalMsgSeq uint32
	generation   uint64 // bumped on every attach; guards stale writer goroutines
	goAwaySeen   bool   // set when the agent sends a goAway; refuses new streams until the next attach (spec §9 Open Questions)

	outbox *orderedQueue[outboxFrame]

	http map[uint32]*httpStream
	ws   map[uint32]*wsStream

	destroyed bool
}

// NewSession constructs an idle session for one tunnel. No agent is
// attached yet; ServeHTTP answers 502, for plain and upgrade requests
// alike, until AttachAgent succeeds.
func NewSession(tunnelID, tunnelURL string, limits Limits, registry Registry, metrics *Metrics, log *zap.Logger) *Session {
	return &Session{
		tunnelID:  tunnelID,
		tunnelURL: tunnelURL,
		limits:    limits,
		registry:  registry,
		metrics:   metrics,
		log:       log.With(zap.String("tunnelId", tunnelID)),
		http:      make(map[uint32]*httpStream),
		ws:        make(map[uint32]*wsStream),
	}
}

// outboxFrame is one item on a Session's outbox queue: either a data
// frame to relay, or (closeAfter) the close handshake that retires the
// agent socket. Routing the close write through the same queue keeps
// runWriter the only goroutine that ever writes to the agent socket
// for a given generation (spec §4.7/§8: no concurrent writers).
type outboxFrame struct {
	messageType int
	data        []byte
	closeAfter  bool
}

// enqueueLocked stamps an envelope with the current connectionId and
// the next msgSeq and hands its wire bytes to the writer goroutine.
// Must be called while holding mu; never blocks (spec §5 suspension
// points exclude holding the serialization primitive across I/O).
func (s *Session) enqueueLocked(env *proto.Envelope) {
	env.ConnectionID = s.connectionID
	env.MsgSeq = s.globalMsgSeq
	env.TimestampMs = uint64(time.Now().UnixMilli())
	s.globalMsgSeq++

	s.outbox.push(outboxFrame{messageType: wsBinaryMessage, data: env.Marshal()})
	if s.metrics != nil {
		s.metrics.framesSent.Inc()
	}
}

func (s *Session) sendHTTPLocked(streamID uint32, msg *proto.HTTPMessage) {
	s.enqueueLocked(&proto.Envelope{StreamID: streamID, Kind: proto.EnvelopeHTTP, HTTP: msg})
}

func (s *Session) sendWSLocked(streamID uint32, msg *proto.WSMessage) {
	s.enqueueLocked(&proto.Envelope{StreamID: streamID, Kind: proto.EnvelopeWS, WS: msg})
}

func (s *Session) sendControlLocked(msg *proto.ControlMessage) {
	s.enqueueLocked(&proto.Envelope{Kind: proto.EnvelopeControl, Control: msg})
}

// runWriter drains outbox onto the wire for exactly one agent
// generation: the only goroutine allowed to call agent.WriteMessage or
// agent.Close for that generation, so frames and the final close
// handshake always land on the wire in enqueue order. It exits as
// soon as a write fails or the queue is retired.
func (s *Session) runWriter(agent AgentSocket, outbox *orderedQueue[outboxFrame], generation uint64) {
	for {
		frame, ok := outbox.pop()
		if !ok {
			return
		}
		if err := agent.WriteMessage(frame.messageType, frame.data); err != nil {
			s.onAgentGone(generation, err)
			return
		}
		if frame.closeAfter {
			agent.Close()
			return
		}
	}
}

// runReader is the session's single agent-read loop: the actor
// described in doc.go. Every envelope it decodes is dispatched while
// holding mu, so handlers never race each other.
func (s *Session) runReader(agent AgentSocket, generation uint64) {
	for {
		msgType, payload, err := agent.ReadMessage()
		if err != nil {
			s.onAgentGone(generation, err)
			return
		}
		if msgType != wsBinaryMessage {
			continue
		}
		env, err := proto.Unmarshal(payload)
		if err != nil {
			s.log.Warn("malformed frame from agent, closing control socket", zap.Error(err))
			s.onAgentGone(generation, err)
			return
		}
		s.dispatch(generation, env)
	}
}

func (s *Session) dispatch(generation uint64, env *proto.Envelope) {
	s.mu.Lock()
	if s.generation != generation {
		s.mu.Unlock()
		return
	}
	switch env.Kind {
	case proto.EnvelopeHTTP:
		s.handleHTTPFrameLocked(env.StreamID, env.HTTP)
	case proto.EnvelopeWS:
		s.handleWSFrameLocked(env.StreamID, env.WS)
	case proto.EnvelopeControl:
		s.handleControlLocked(env.Control)
	}
	s.mu.Unlock()
}

// onAgentGone handles transport loss and malformed-frame closure alike
// (spec §7: both end with "treat as agent disconnect" once the socket
// is unusable). generation prevents a stale reader/writer from a
// since-displaced agent from tearing down the current one.
func (s *Session) onAgentGone(generation uint64, cause error) {
	s.mu.Lock()
	if s.generation != generation || s.agent == nil {
		s.mu.Unlock()
		return
	}
	agent := s.agent
	s.agent = nil
	s.failAllStreamsLocked(proto.AbortConnectionLost, "CLI disconnected")
	s.mu.Unlock()

	agent.Close()
	if cause != nil {
		s.log.Info("agent disconnected", zap.Error(cause))
	}
	if s.registry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.registry.MarkTunnelStatus(ctx, s.tunnelID, "offline", time.Now()); err != nil {
			s.log.Warn("registry status update failed", zap.Error(err))
		}
		cancel()
	}
	if s.metrics != nil {
		s.metrics.agentAttached.Dec()
	}
}

// failAllStreamsLocked fails every in-flight stream with the given
// abort reason/detail and empties both tables (spec §3 invariant 7,
// spec §4.7 "agent closes mid-stream").
func (s *Session) failAllStreamsLocked(reason proto.AbortReason, detail string) {
	err := &StreamAbortError{Reason: reason, Detail: detail}
	for id, st := range s.http {
		delete(s.http, id)
		st.finalize(err)
	}
	for id, st := range s.ws {
		delete(s.ws, id)
		st.closeLocked(1001, detail)
	}
}

// AttachAgent adopts a new agent control socket for this tunnel (spec
// §4.6 Attach). It writes the one-shot textual handshake itself (spec
// §4.6 "the session emits the handshake") before starting the
// reader/writer goroutines, so nothing can race a binary envelope onto
// the socket ahead of it or write to it concurrently with the
// handshake write.
func (s *Session) AttachAgent(ctx context.Context, agent AgentSocket) error {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return ErrSessionClosed
	}

	if s.agent != nil {
		// Queue the goAway frame and the close handshake on the same
		// outbox so the displaced generation's own runWriter sends both,
		// in order, and closes the socket itself (spec §3 "sent a goAway
		// control frame and closed with code 1000") instead of racing a
		// second goroutine against runWriter's drain (tunnel/queue.go).
		s.sendControlLocked(&proto.ControlMessage{
			Kind:   proto.ControlGoAway,
			Reason: "Replaced by new connection",
		})
		closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		s.outbox.push(outboxFrame{messageType: wsCloseMessage, data: closeMsg, closeAfter: true})
		s.outbox.close()
		s.failAllStreamsLocked(proto.AbortResetByPeer, "CLI reconnected")
		if s.metrics != nil {
			s.metrics.agentAttached.Dec()
		}
	}

	s.generation++
	generation := s.generation
	s.connectionID = uint64(time.Now().UnixNano())
	s.nextStreamID = 1
	s.globalMsgSeq = 0
	s.goAwaySeen = false
	s.agent = agent
	s.outbox = newOrderedQueue[outboxFrame]()
	outbox := s.outbox

	handshake := proto.NewHandshake(s.connectionID, s.tunnelURL)
	s.mu.Unlock()

	buf, err := json.Marshal(handshake)
	if err != nil {
		s.abandonFailedAttach(generation)
		agent.Close()
		return err
	}
	if err := agent.WriteMessage(wsTextMessage, buf); err != nil {
		s.abandonFailedAttach(generation)
		agent.Close()
		return err
	}

	go s.runWriter(agent, outbox, generation)
	go s.runReader(agent, generation)

	if s.registry != nil {
		if err := s.registry.MarkTunnelStatus(ctx, s.tunnelID, "online", time.Now()); err != nil {
			s.log.Warn("registry status update failed", zap.Error(err))
		}
	}
	if s.metrics != nil {
		s.metrics.agentAttached.Inc()
		s.metrics.attachTotal.Inc()
	}
	return nil
}

// abandonFailedAttach undoes the in-memory half of an attach whose
// handshake write never made it onto the wire, so the dead agent isn't
// left installed as s.agent with no reader/writer draining its outbox.
func (s *Session) abandonFailedAttach(generation uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generation != generation || s.agent == nil {
		return
	}
	s.agent = nil
	s.failAllStreamsLocked(proto.AbortConnectionLost, "handshake write failed")
	s.outbox.close()
}

// Destroy tears the session down permanently (tunnel deleted from the
// registry, spec §3 Lifecycle). No further ServeHTTP or AttachAgent
// call will succeed afterward.
func (s *Session) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return
	}
	s.destroyed = true
	if s.agent != nil {
		agent := s.agent
		s.agent = nil
		s.failAllStreamsLocked(proto.AbortConnectionLost, "tunnel destroyed")
		s.outbox.close()
		go func() { agent.Close() }()
		if s.metrics != nil {
			s.metrics.agentAttached.Dec()
		}
	}
}

// isWebSocketUpgrade mirrors the teacher's header-sniffing helper.
func isWebSocketUpgrade(r *http.Request) bool {
	return headerContains(r.Header, "Connection", "upgrade") &&
		headerContains(r.Header, "Upgrade", "websocket")
}

func headerContains(h http.Header, name, token string) bool {
	for _, v := range h.Values(name) {
		for _, part := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(part), token) {
				return true
			}
		}
	}
	return false
}
