package tunnel

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the per-process counters a session reports into. A
// Session given a nil *Metrics reports nothing; in the relay,
// NewMetrics is called once at startup and the result shared by every session the process
// hosts (spec §2 Session supervisor "Share" column: observability is
// ambient, not core behavior).
type Metrics struct {
	attachTotal   prometheus.Counter
	agentAttached prometheus.Gauge
	streamsOpened prometheus.Counter
	framesSent    prometheus.Counter
}

// NewMetrics registers the tunnel package's collectors on reg and
// returns the handle sessions report into.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		attachTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dotunnel",
			Subsystem: "session",
			Name:      "agent_attach_total",
			Help:      "Total number of agent control-socket attaches across all sessions.",
		}),
		agentAttached: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dotunnel",
			Subsystem: "session",
			Name:      "agents_attached",
			Help:      "Number of sessions, across the process, that currently have an open agent socket.",
		}),
		streamsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dotunnel",
			Subsystem: "session",
			Name:      "streams_opened_total",
			Help:      "Total HTTP and WebSocket streams opened across all sessions.",
		}),
		framesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dotunnel",
			Subsystem: "session",
			Name:      "frames_sent_total",
			Help:      "Total envelopes enqueued for write to an agent socket.",
		}),
	}
	reg.MustRegister(m.attachTotal, m.agentAttached, m.streamsOpened, m.framesSent)
	return m
}
