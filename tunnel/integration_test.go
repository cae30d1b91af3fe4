package tunnel_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/cometkim/dotunnel/internal/frontdoor"
	"github.com/cometkim/dotunnel/internal/testagent"
	"github.com/cometkim/dotunnel/registry"
	"github.com/cometkim/dotunnel/tunnel"
)

// fakeLimits is a minimal tunnel.Limits so each test server can use a
// request timeout tuned to what that test actually needs.
type fakeLimits struct {
	timeout time.Duration
	max     int
}

func (l fakeLimits) RequestTimeout() time.Duration { return l.timeout }
func (l fakeLimits) StreamLimit() int              { return l.max }

func newTestServer(limits tunnel.Limits) (*httptest.Server, func()) {
	reg := prometheus.NewRegistry()
	metrics := tunnel.NewMetrics(reg)
	backend := registry.NewMemory()
	mux := frontdoor.New("*.tunnel.test", backend, limits, metrics, zap.NewNop())
	server := httptest.NewServer(mux)
	return server, server.Close
}

type connectResponse struct {
	TunnelID  string `json:"tunnelId"`
	TunnelURL string `json:"tunnelUrl"`
	Subdomain string `json:"subdomain"`
}

// withReady wraps an origin handler with a /_ready endpoint so tests
// can tell when the agent has attached without guessing at timing —
// even for handlers (the deadline test) that never answer "/".
func withReady(h http.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/_ready", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.Handle("/", h)
	return mux
}

func createTunnel(t *testing.T, serverURL string) connectResponse {
	t.Helper()
	resp, err := http.Post(serverURL+"/_api/tunnel/connect", "application/json", nil)
	if err != nil {
		t.Fatalf("create tunnel: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("create tunnel: status %d", resp.StatusCode)
	}
	var cr connectResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		t.Fatalf("decode connect response: %v", err)
	}
	return cr
}

func attachAgent(t *testing.T, serverURL, tunnelID, subdomain string, origin http.Handler) (*testagent.Agent, func()) {
	t.Helper()
	agent := testagent.NewAgent(serverURL, tunnelID, withReady(origin))
	ctx, cancel := context.WithCancel(context.Background())
	go agent.Run(ctx)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		req, _ := http.NewRequest(http.MethodGet, serverURL+"/_ready", nil)
		req.Host = subdomain + ".tunnel.test"
		resp, err := http.DefaultClient.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusNoContent {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
	}

	return agent, func() {
		cancel()
		agent.Close()
	}
}

func TestServeHTTPHappyPath(t *testing.T) {
	server, stop := newTestServer(fakeLimits{timeout: 5 * time.Second, max: 10})
	defer stop()

	cr := createTunnel(t, server.URL)
	origin := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "hello %s", r.URL.Query().Get("name"))
	})
	_, cleanup := attachAgent(t, server.URL, cr.TunnelID, cr.Subdomain, origin)
	defer cleanup()

	req, _ := http.NewRequest(http.MethodGet, server.URL+"/greet?name=world", nil)
	req.Host = cr.Subdomain + ".tunnel.test"
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(body) != "hello world" {
		t.Fatalf("got status %d body %q", resp.StatusCode, body)
	}
}

func TestServeHTTPStreamingUpload(t *testing.T) {
	server, stop := newTestServer(fakeLimits{timeout: 5 * time.Second, max: 10})
	defer stop()

	cr := createTunnel(t, server.URL)
	origin := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Write(data)
	})
	_, cleanup := attachAgent(t, server.URL, cr.TunnelID, cr.Subdomain, origin)
	defer cleanup()

	payload := bytes.Repeat([]byte("dotunnel-payload-"), 5000) // > one 32KB chunk
	req, _ := http.NewRequest(http.MethodPost, server.URL+"/upload", bytes.NewReader(payload))
	req.Host = cr.Subdomain + ".tunnel.test"
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || !bytes.Equal(body, payload) {
		t.Fatalf("echoed body mismatch: got %d bytes, want %d bytes", len(body), len(payload))
	}
}

func TestServeHTTPRequestTimeout(t *testing.T) {
	server, stop := newTestServer(fakeLimits{timeout: 200 * time.Millisecond, max: 10})
	defer stop()

	cr := createTunnel(t, server.URL)
	origin := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second)
	})
	_, cleanup := attachAgent(t, server.URL, cr.TunnelID, cr.Subdomain, origin)
	defer cleanup()

	req, _ := http.NewRequest(http.MethodGet, server.URL+"/slow", nil)
	req.Host = cr.Subdomain + ".tunnel.test"
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("got status %d, want 502", resp.StatusCode)
	}
}

func dialerTo(serverURL string) *websocket.Dialer {
	u, _ := url.Parse(serverURL)
	return &websocket.Dialer{
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return net.Dial(network, u.Host)
		},
	}
}

func TestServeUpgradeAccepted(t *testing.T) {
	server, stop := newTestServer(fakeLimits{timeout: 5 * time.Second, max: 10})
	defer stop()

	cr := createTunnel(t, server.URL)
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	origin := http.NewServeMux()
	origin.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		conn.WriteMessage(mt, data)
	})
	_, cleanup := attachAgent(t, server.URL, cr.TunnelID, cr.Subdomain, origin)
	defer cleanup()

	conn, _, err := dialerTo(server.URL).Dial(fmt.Sprintf("ws://%s.tunnel.test/ws", cr.Subdomain), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, []byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "ping" {
		t.Fatalf("got %q, want %q", data, "ping")
	}
}

func TestServeUpgradeRejected(t *testing.T) {
	server, stop := newTestServer(fakeLimits{timeout: 5 * time.Second, max: 10})
	defer stop()

	cr := createTunnel(t, server.URL)
	origin := http.NewServeMux()
	origin.HandleFunc("/reject", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	})
	_, cleanup := attachAgent(t, server.URL, cr.TunnelID, cr.Subdomain, origin)
	defer cleanup()

	conn, _, err := dialerTo(server.URL).Dial(fmt.Sprintf("ws://%s.tunnel.test/reject", cr.Subdomain), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	_, _, err = conn.ReadMessage()
	if err == nil {
		t.Fatal("expected the session to close the socket after the agent rejected the upgrade")
	}
	closeErr, ok := err.(*websocket.CloseError)
	if !ok {
		t.Fatalf("expected *websocket.CloseError, got %T: %v", err, err)
	}
	if closeErr.Code != websocket.CloseProtocolError {
		t.Fatalf("got close code %d, want %d", closeErr.Code, websocket.CloseProtocolError)
	}
}
