package tunnel

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/cometkim/dotunnel/proto"
)

// fakeAgentSocket is an AgentSocket that never touches the network: it
// feeds ReadMessage from a channel and records everything written to
// it, so tests can drive a Session's reader/writer goroutines directly.
type fakeAgentSocket struct {
	mu       sync.Mutex
	closed   bool
	closedCh chan struct{}
	readCh   chan []byte
	writeCh  chan []byte
}

func newFakeAgentSocket() *fakeAgentSocket {
	return &fakeAgentSocket{
		closedCh: make(chan struct{}),
		readCh:   make(chan []byte),
		writeCh:  make(chan []byte, 64),
	}
}

func (f *fakeAgentSocket) ReadMessage() (int, []byte, error) {
	p, ok := <-f.readCh
	if !ok {
		return 0, nil, io.EOF
	}
	return wsBinaryMessage, p, nil
}

func (f *fakeAgentSocket) WriteMessage(_ int, data []byte) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return errors.New("fakeAgentSocket: write on closed socket")
	}
	f.mu.Unlock()
	f.writeCh <- data
	return nil
}

func (f *fakeAgentSocket) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.readCh)
		close(f.closedCh)
	}
	return nil
}

func (f *fakeAgentSocket) SetReadDeadline(time.Time) error { return nil }

type fakeLimits struct {
	timeout time.Duration
	max     int
}

func (l fakeLimits) RequestTimeout() time.Duration { return l.timeout }
func (l fakeLimits) StreamLimit() int              { return l.max }

type fakeRegistry struct {
	mu       sync.Mutex
	statuses []string
}

func (r *fakeRegistry) MarkTunnelStatus(_ context.Context, _, status string, _ time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, status)
	return nil
}

func newTestSession() *Session {
	return NewSession("t1", "https://t1.example", fakeLimits{timeout: time.Second, max: 10}, &fakeRegistry{}, nil, zap.NewNop())
}

// attachTestAgent attaches agent and drains the handshake frame
// AttachAgent writes directly to it, so callers can then read
// agent.writeCh and see only the envelopes their test triggers.
func attachTestAgent(t *testing.T, s *Session, agent *fakeAgentSocket) {
	t.Helper()
	if err := s.AttachAgent(context.Background(), agent); err != nil {
		t.Fatalf("AttachAgent: %v", err)
	}
	select {
	case <-agent.writeCh:
	case <-time.After(time.Second):
		t.Fatal("session never wrote the handshake to the agent socket")
	}
}

func TestAttachAgentDisplacesOldAgent(t *testing.T) {
	s := newTestSession()
	ctx := context.Background()

	agent1 := newFakeAgentSocket()
	if err := s.AttachAgent(ctx, agent1); err != nil {
		t.Fatalf("AttachAgent #1: %v", err)
	}

	var hs1 proto.Handshake
	select {
	case buf := <-agent1.writeCh:
		if err := json.Unmarshal(buf, &hs1); err != nil {
			t.Fatalf("unmarshal handshake: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("session never wrote the handshake to the new agent socket")
	}
	if hs1.ConnectionID == "" {
		t.Fatal("handshake missing connectionId")
	}

	s.mu.Lock()
	generation1 := s.generation
	s.mu.Unlock()

	agent2 := newFakeAgentSocket()
	if err := s.AttachAgent(ctx, agent2); err != nil {
		t.Fatalf("AttachAgent #2: %v", err)
	}

	s.mu.Lock()
	generation2 := s.generation
	current := s.agent
	s.mu.Unlock()

	if generation2 != generation1+1 {
		t.Fatalf("generation went from %d to %d, want +1", generation1, generation2)
	}
	if current != agent2 {
		t.Fatal("session did not adopt the new agent")
	}

	select {
	case <-agent1.closedCh:
	case <-time.After(time.Second):
		t.Fatal("old agent socket was never closed after displacement")
	}
}

func TestHandleControlLockedPing(t *testing.T) {
	s := newTestSession()
	agent := newFakeAgentSocket()
	attachTestAgent(t, s, agent)

	s.mu.Lock()
	s.handleControlLocked(&proto.ControlMessage{Kind: proto.ControlPing, Data: []byte("x")})
	s.mu.Unlock()

	select {
	case frame := <-agent.writeCh:
		env, err := proto.Unmarshal(frame)
		if err != nil {
			t.Fatalf("Unmarshal: %v", err)
		}
		if env.Kind != proto.EnvelopeControl || env.Control.Kind != proto.ControlPong {
			t.Fatalf("got envelope %+v, want a controlPong reply", env)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for pong")
	}
}

func TestHandleControlLockedGoAway(t *testing.T) {
	s := newTestSession()
	agent := newFakeAgentSocket()
	attachTestAgent(t, s, agent)

	s.mu.Lock()
	s.handleControlLocked(&proto.ControlMessage{Kind: proto.ControlGoAway, Reason: "bye"})
	seen := s.goAwaySeen
	s.mu.Unlock()

	if !seen {
		t.Fatal("goAwaySeen was not set after receiving a goAway frame")
	}
}

func TestIsWebSocketUpgrade(t *testing.T) {
	cases := []struct {
		name    string
		headers map[string][]string
		want    bool
	}{
		{"both headers present", map[string][]string{"Connection": {"Upgrade"}, "Upgrade": {"websocket"}}, true},
		{"connection list", map[string][]string{"Connection": {"keep-alive, Upgrade"}, "Upgrade": {"websocket"}}, true},
		{"wrong upgrade value", map[string][]string{"Connection": {"Upgrade"}, "Upgrade": {"h2c"}}, false},
		{"missing upgrade header", map[string][]string{"Connection": {"Upgrade"}}, false},
		{"missing connection header", map[string][]string{"Upgrade": {"websocket"}}, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			h := http.Header(c.headers)
			got := isWebSocketUpgrade(&http.Request{Header: h})
			if got != c.want {
				t.Fatalf("got %v, want %v", got, c.want)
			}
		})
	}
}
