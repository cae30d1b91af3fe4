// Package testagent is a minimal stand-in for the real CLI agent
// (spec §1's "Out of scope" external collaborator): it speaks the
// wire protocol well enough to drive the core's end-to-end scenarios
// (spec §8) against a real net/http origin, and reconnects with the
// same exponential backoff schedule the original implementation uses
// (original_source/dotunnel-cli/src/command/tunnel.rs).
package testagent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"
	"github.com/koding/logging"

	"github.com/cometkim/dotunnel/proto"
)

// Backoff schedule constants, taken verbatim from the original
// implementation's reconnect logic.
const (
	initialBackoff   = 1000 * time.Millisecond
	maxBackoff       = 60000 * time.Millisecond
	backoffMultipler = 2.0
)

func newReconnectBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initialBackoff
	b.MaxInterval = maxBackoff
	b.Multiplier = backoffMultipler
	b.MaxElapsedTime = 0 // retry forever, matching a long-lived CLI agent
	return b
}

// Agent is a fake tunnel CLI: it attaches to a session's control
// socket and proxies every requestInit it receives to a local origin
// server it owns. Concurrent exchanges share one control socket, so
// every write to it goes through writeMu — the same reason the core's
// own Session serializes writes onto a single outbox (tunnel/doc.go).
type Agent struct {
	ServerURL string // http(s) base, e.g. "http://127.0.0.1:PORT"; dialed as ws(s)
	TunnelID  string

	log    logging.Logger
	origin *httptest.Server

	writeMu sync.Mutex
	conn    *websocket.Conn
}

// NewAgent constructs an Agent proxying to origin, with a default
// textual logger in the teacher's koding/logging style (used by its
// CLI binaries, client/client.go).
func NewAgent(serverURL, tunnelID string, origin http.Handler) *Agent {
	return &Agent{
		ServerURL: serverURL,
		TunnelID:  tunnelID,
		log:       logging.NewLogger("testagent"),
		origin:    httptest.NewServer(origin),
	}
}

// Close stops the local origin server.
func (a *Agent) Close() {
	a.origin.Close()
}

// Run connects and serves until ctx is cancelled, reconnecting with
// exponential backoff on transport loss.
func (a *Agent) Run(ctx context.Context) error {
	b := newReconnectBackoff()
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := a.connectAndServe(ctx); err != nil {
			a.log.Warning("agent session ended: %s", err)
		} else {
			return nil
		}

		wait := b.NextBackOff()
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (a *Agent) connectAndServe(ctx context.Context) error {
	u, err := url.Parse(a.ServerURL)
	if err != nil {
		return fmt.Errorf("testagent: parse server url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/_api/tunnel/connect"
	q := u.Query()
	q.Set("tunnelId", a.TunnelID)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("testagent: dial: %w", err)
	}
	a.conn = conn
	defer conn.Close()

	mt, payload, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("testagent: read handshake: %w", err)
	}
	if mt != websocket.TextMessage {
		return fmt.Errorf("testagent: expected text handshake, got message type %d", mt)
	}
	var hs proto.Handshake
	if err := json.Unmarshal(payload, &hs); err != nil {
		return fmt.Errorf("testagent: decode handshake: %w", err)
	}
	a.log.Info("attached, connectionId=%s tunnelUrl=%s", hs.ConnectionID, hs.TunnelURL)

	exchanges := make(map[uint32]*exchange)
	for {
		mt, payload, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("testagent: read: %w", err)
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		env, err := proto.Unmarshal(payload)
		if err != nil {
			return fmt.Errorf("testagent: decode envelope: %w", err)
		}
		a.handle(exchanges, env)
	}
}

// exchange tracks one in-flight request: its body pipe (fed by
// requestBodyChunk frames as they arrive), or, once promoted, the
// dialed origin WebSocket connection relayed frames are written to.
type exchange struct {
	bodyW   *io.PipeWriter
	upgrade bool

	mu     sync.Mutex
	wsConn *websocket.Conn
}

func (a *Agent) handle(exchanges map[uint32]*exchange, env *proto.Envelope) {
	switch env.Kind {
	case proto.EnvelopeHTTP:
		a.handleHTTP(exchanges, env.StreamID, env.HTTP)
	case proto.EnvelopeWS:
		a.handleWS(exchanges, env.StreamID, env.WS)
	case proto.EnvelopeControl:
		a.handleControl(env.Control)
	}
}

func (a *Agent) handleControl(msg *proto.ControlMessage) {
	switch msg.Kind {
	case proto.ControlPing:
		a.sendControl(&proto.ControlMessage{Kind: proto.ControlPong, Data: msg.Data})
	case proto.ControlGoAway:
		a.log.Info("received goAway: %s", msg.Reason)
	}
}

func (a *Agent) send(env *proto.Envelope) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	return a.conn.WriteMessage(websocket.BinaryMessage, env.Marshal())
}

func (a *Agent) sendControl(msg *proto.ControlMessage) error {
	return a.send(&proto.Envelope{Kind: proto.EnvelopeControl, Control: msg})
}

func (a *Agent) sendHTTP(streamID uint32, msg *proto.HTTPMessage) error {
	return a.send(&proto.Envelope{StreamID: streamID, Kind: proto.EnvelopeHTTP, HTTP: msg})
}

func (a *Agent) sendWS(streamID uint32, msg *proto.WSMessage) error {
	return a.send(&proto.Envelope{StreamID: streamID, Kind: proto.EnvelopeWS, WS: msg})
}
