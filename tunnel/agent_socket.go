package tunnel

import "time"

// AgentSocket is the subset of *websocket.Conn the session needs from
// the agent control connection. *websocket.Conn satisfies it directly;
// tests substitute a fake that never touches the network.
type AgentSocket interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetReadDeadline(t time.Time) error
}

// Wire message types, numbered exactly as gorilla/websocket's
// TextMessage/BinaryMessage/CloseMessage constants so an AgentSocket
// backed by *websocket.Conn needs no translation layer.
const (
	wsTextMessage   = 1
	wsBinaryMessage = 2
	wsCloseMessage  = 8
)

// PublicSocket is the subset of *websocket.Conn needed on the public
// (client-facing) side of a promoted WebSocket stream.
type PublicSocket interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}
