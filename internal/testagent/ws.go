package testagent

import (
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cometkim/dotunnel/proto"
)

var hopHeaders = []string{
	"Upgrade", "Connection",
	"Sec-WebSocket-Key", "Sec-WebSocket-Version",
	"Sec-WebSocket-Extensions", "Sec-WebSocket-Protocol",
}

func forwardableHeaders(h http.Header) http.Header {
	out := h.Clone()
	for _, k := range hopHeaders {
		out.Del(k)
	}
	return out
}

func originWSURL(originURL, uri string) string {
	u, err := url.Parse(originURL)
	if err != nil {
		return originURL
	}
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	if req, err := url.Parse(uri); err == nil {
		u.Path = req.Path
		u.RawQuery = req.RawQuery
	} else {
		u.Path = uri
	}
	return u.String()
}

// proxyUpgrade dials the origin's WebSocket endpoint and, once
// connected, decides the upgrade by sending responseInit{status:101}
// — mirroring the real agent's half of spec §4.4. It then owns the
// "from origin" relay direction for the lifetime of the stream; the
// "from session" direction runs on the control socket's read loop via
// handleWS.
func (a *Agent) proxyUpgrade(ex *exchange, streamID uint32, msg *proto.HTTPMessage, header http.Header) {
	target := originWSURL(a.origin.URL, msg.URI)
	conn, resp, err := websocket.DefaultDialer.Dial(target, forwardableHeaders(header))
	if err != nil {
		if resp != nil {
			a.sendHTTP(streamID, &proto.HTTPMessage{Kind: proto.HTTPResponseInit, Status: uint16(resp.StatusCode), HasBody: false})
		} else {
			a.sendHTTP(streamID, &proto.HTTPMessage{Kind: proto.HTTPResponseAbort, Reason: proto.AbortConnectionLost, Detail: err.Error()})
		}
		return
	}
	defer conn.Close()

	ex.mu.Lock()
	ex.wsConn = conn
	ex.mu.Unlock()

	a.sendHTTP(streamID, &proto.HTTPMessage{Kind: proto.HTTPResponseInit, Status: 101, HasBody: false})

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			code := uint16(websocket.CloseAbnormalClosure)
			if ce, ok := err.(*websocket.CloseError); ok {
				code = uint16(ce.Code)
			}
			a.sendWS(streamID, &proto.WSMessage{Opcode: proto.WSClose, Fin: true, CloseCode: code})
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
		a.sendWS(streamID, &proto.WSMessage{Opcode: opcode, Fin: true, Payload: data})
	}
}

// handleWS relays one session → origin frame for an already promoted
// stream (spec §4.4 "From agent → public", from the agent's vantage
// point "public" is the origin it dialed).
func (a *Agent) handleWS(exchanges map[uint32]*exchange, streamID uint32, msg *proto.WSMessage) {
	ex, ok := exchanges[streamID]
	if !ok {
		return
	}
	ex.mu.Lock()
	conn := ex.wsConn
	ex.mu.Unlock()
	if conn == nil {
		return
	}

	switch msg.Opcode {
	case proto.WSText:
		conn.WriteMessage(websocket.TextMessage, msg.Payload)
	case proto.WSBinary:
		conn.WriteMessage(websocket.BinaryMessage, msg.Payload)
	case proto.WSClose:
		delete(exchanges, streamID)
		code := int(msg.CloseCode)
		if code == 0 {
			code = websocket.CloseNormalClosure
		}
		conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""), time.Now().Add(time.Second))
		conn.Close()
	case proto.WSPing:
		conn.WriteControl(websocket.PongMessage, msg.Payload, time.Now().Add(5*time.Second))
	case proto.WSPong:
		// ignored, matches the session's own handling (tunnel/ws_stream.go)
	}
}
