// Package frontdoor is the minimal HTTP front door that exercises the
// core through a real net/http listener: hostname→tunnel routing,
// agent attach, and ephemeral-tunnel creation. Production routing,
// auth, and admin surfaces are the external collaborators spec.md
// scopes out of the core (§1); this package exists to give
// integration tests (and cmd/dotunneld) something real to drive.
package frontdoor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cometkim/dotunnel/registry"
	"github.com/cometkim/dotunnel/tunnel"
)

// Backend is the registry surface a Mux needs: subdomain lookup for
// public routing, plus status updates and creation for the connect
// flow (spec §6).
type Backend interface {
	registry.Lookup
	tunnel.Registry
	Put(ctx context.Context, t *registry.Tunnel) error
}

// Mux routes public traffic by hostname to the right Session and
// serves the two agent-facing connect endpoints (spec §6).
type Mux struct {
	hostPattern string // "*.<domain>"
	backend     Backend
	limits      tunnel.Limits
	metrics     *tunnel.Metrics
	log         *zap.Logger

	mu       sync.Mutex
	sessions map[string]*tunnel.Session // keyed by tunnel publicId

	upgrader websocket.Upgrader
}

// New builds a Mux. hostPattern is of the form "*.<domain>" (spec §6).
func New(hostPattern string, backend Backend, limits tunnel.Limits, metrics *tunnel.Metrics, log *zap.Logger) *Mux {
	return &Mux{
		hostPattern: hostPattern,
		backend:     backend,
		limits:      limits,
		metrics:     metrics,
		log:         log,
		sessions:    make(map[string]*tunnel.Session),
		upgrader:    websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}
}

func (m *Mux) baseDomain() string {
	return strings.TrimPrefix(m.hostPattern, "*.")
}

func (m *Mux) tunnelURL(subdomain string) string {
	return fmt.Sprintf("https://%s.%s", subdomain, m.baseDomain())
}

// ServeHTTP dispatches the two agent-facing endpoints and otherwise
// routes by Host header to the matching session (spec §6 "Public-facing
// surface").
func (m *Mux) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/_api/tunnel/connect" && r.Method == http.MethodPost:
		m.handleConnectCreate(w, r)
		return
	case r.URL.Path == "/_api/tunnel/connect" && r.Method == http.MethodGet:
		m.handleConnectUpgrade(w, r)
		return
	}

	subdomain, ok := m.subdomainOf(r.Host)
	if !ok {
		http.Error(w, "Unknown host", http.StatusNotFound)
		return
	}
	t, err := m.backend.FindTunnelBySubdomain(r.Context(), subdomain)
	if err != nil {
		http.Error(w, "Tunnel not found", http.StatusNotFound)
		return
	}
	session := m.sessionFor(t.PublicID, m.tunnelURL(t.Subdomain))
	session.ServeHTTP(w, r)
}

func (m *Mux) subdomainOf(host string) (string, bool) {
	host = strings.SplitN(host, ":", 2)[0]
	suffix := "." + m.baseDomain()
	if !strings.HasSuffix(host, suffix) {
		return "", false
	}
	return strings.TrimSuffix(host, suffix), true
}

// sessionFor returns the session for a tunnel, creating an idle one on
// first reference. A session is created lazily because the registry
// row, not the in-memory session, is the source of truth for a
// tunnel's existence (spec §3 Lifecycle).
func (m *Mux) sessionFor(publicID, tunnelURL string) *tunnel.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[publicID]; ok {
		return s
	}
	s := tunnel.NewSession(publicID, tunnelURL, m.limits, m.backend, m.metrics, m.log)
	m.sessions[publicID] = s
	return s
}

type connectRequest struct {
	Subdomain string `json:"subdomain,omitempty"`
}

type connectResponse struct {
	TunnelID  string `json:"tunnelId"`
	TunnelURL string `json:"tunnelUrl"`
	Subdomain string `json:"subdomain"`
}

// handleConnectCreate implements POST /_api/tunnel/connect (spec §6):
// creates an ephemeral tunnel when no subdomain is requested.
func (m *Mux) handleConnectCreate(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}

	subdomain := req.Subdomain
	if subdomain == "" {
		subdomain = uuid.NewString()[:8]
	}
	publicID := uuid.NewString()
	tunnelURL := m.tunnelURL(subdomain)

	if err := m.backend.Put(r.Context(), &registry.Tunnel{
		PublicID:  publicID,
		Subdomain: subdomain,
		Status:    "offline",
	}); err != nil {
		http.Error(w, "failed to create tunnel", http.StatusInternalServerError)
		return
	}
	// Register the session eagerly so the agent's upcoming GET
	// …/connect?tunnelId=… (racing this response over the wire) finds
	// it, rather than relying on a public request to create it lazily.
	m.sessionFor(publicID, tunnelURL)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(connectResponse{
		TunnelID:  publicID,
		TunnelURL: tunnelURL,
		Subdomain: subdomain,
	})
}

// handleConnectUpgrade implements GET /_api/tunnel/connect?tunnelId=…
// (spec §6): establishes the agent control socket and hands it to the
// matching session's AttachAgent.
func (m *Mux) handleConnectUpgrade(w http.ResponseWriter, r *http.Request) {
	tunnelID := r.URL.Query().Get("tunnelId")
	if tunnelID == "" {
		http.Error(w, "missing tunnelId", http.StatusBadRequest)
		return
	}

	m.mu.Lock()
	session, ok := m.sessions[tunnelID]
	m.mu.Unlock()
	if !ok {
		http.Error(w, "unknown tunnelId", http.StatusNotFound)
		return
	}

	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	// Session.AttachAgent writes the handshake itself (spec §4.6); the
	// front door only owns the HTTP-level upgrade.
	if err := session.AttachAgent(r.Context(), conn); err != nil {
		conn.Close()
		return
	}
}
