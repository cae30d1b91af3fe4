// Package appConfig defines the JSON-file configuration structs for
// the relay, in the same flat-struct-with-json-tags style the teacher
// uses for its Server/Client configs.
package appConfig

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Server holds the tunable parameters from spec §6, plus the listener
// and observability settings a running relay needs.
type Server struct {
	Debug bool `json:"debug"`

	Listen        string `json:"listen"`
	MetricsListen string `json:"metricsListen"`

	// TunnelHostPattern is of the form "*.<domain>", e.g. "*.tunnel.io".
	// It drives front-door routing and is echoed into tunnelUrl; the
	// core only ever sees the result (a tunnelUrl string), never the
	// pattern itself.
	TunnelHostPattern string `json:"tunnelHostPattern"`

	// MaxConcurrentStreams caps |HTTP streams| + |WS streams| per
	// session. Zero means "use the default" (100).
	MaxConcurrentStreams int `json:"maxConcurrentStreams"`

	// RequestTimeoutMs bounds both the HTTP response deadline and the
	// WebSocket-upgrade deadline. Zero means "use the default" (30000).
	RequestTimeoutMs int `json:"requestTimeoutMs"`

	RedisAddr string `json:"redisAddr"`
}

// Default tunable values from spec §6.
const (
	DefaultMaxConcurrentStreams = 100
	DefaultRequestTimeoutMs     = 30000
)

// RequestTimeout returns RequestTimeoutMs as a time.Duration, applying
// the default when unset.
func (s *Server) RequestTimeout() time.Duration {
	ms := s.RequestTimeoutMs
	if ms <= 0 {
		ms = DefaultRequestTimeoutMs
	}
	return time.Duration(ms) * time.Millisecond
}

// StreamLimit returns MaxConcurrentStreams, applying the default when
// unset.
func (s *Server) StreamLimit() int {
	if s.MaxConcurrentStreams <= 0 {
		return DefaultMaxConcurrentStreams
	}
	return s.MaxConcurrentStreams
}

// Load reads and parses a JSON config file, the way tunnel.GetConfig
// does for the teacher's client/server binaries.
func Load(path string) (*Server, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("appConfig: open %s: %w", path, err)
	}
	defer f.Close()

	var cfg Server
	if err := json.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("appConfig: parse %s: %w", path, err)
	}
	return &cfg, nil
}
