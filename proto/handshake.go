package proto

import "strconv"

// Handshake is the single textual JSON message a session sends
// immediately after accepting a new agent socket (spec §4.5, §6).
// Every frame after it is a binary Envelope.
type Handshake struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connectionId"`
	TunnelURL    string `json:"tunnelUrl"`
}

// NewHandshake builds the tunnel_ready handshake for a given
// connection id, encoding it as a decimal string per spec §6.
func NewHandshake(connectionID uint64, tunnelURL string) *Handshake {
	return &Handshake{
		Type:         "tunnel_ready",
		ConnectionID: strconv.FormatUint(connectionID, 10),
		TunnelURL:    tunnelURL,
	}
}
