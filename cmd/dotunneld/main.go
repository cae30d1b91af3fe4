// Command dotunneld runs the tunnel relay: the public-facing HTTP/WS
// front door, the agent attach endpoint, and a Prometheus metrics
// endpoint, wired the way the teacher's own server binary wires
// tunnel.Server (server/server.go).
package main

import (
	"fmt"
	"net/http"
	"os"

	"github.com/KimMachineGun/automemlimit/memlimit"
	"github.com/alecthomas/kong"
	"github.com/koding/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/cometkim/dotunnel/appConfig"
	"github.com/cometkim/dotunnel/internal/frontdoor"
	"github.com/cometkim/dotunnel/registry"
	"github.com/cometkim/dotunnel/tunnel"
)

var startupLog = logging.NewLogger("dotunneld")

type cli struct {
	Config string `short:"c" default:"config.json" help:"Path to the JSON relay config file."`
}

func main() {
	var c cli
	kong.Parse(&c,
		kong.Name("dotunneld"),
		kong.Description("DOtunnel relay server: multiplexes public HTTP/WS traffic over one agent control socket."),
	)

	if _, err := memlimit.SetGoMemLimitWithOpts(memlimit.WithLogger(nil)); err != nil {
		startupLog.Warning("automemlimit: %s", err)
	}

	cfg, err := appConfig.Load(c.Config)
	if err != nil {
		startupLog.Error("%s", err)
		os.Exit(1)
	}

	var logger *zap.Logger
	if cfg.Debug {
		logger = zap.Must(zap.NewDevelopment())
	} else {
		logger = zap.Must(zap.NewProduction())
	}
	defer logger.Sync()

	reg := prometheus.NewRegistry()
	metrics := tunnel.NewMetrics(reg)

	backend := newBackend(cfg)

	mux := frontdoor.New(cfg.TunnelHostPattern, backend, cfg, metrics, logger)

	if cfg.MetricsListen != "" {
		go serveMetrics(cfg.MetricsListen, reg, logger)
	}

	startupLog.Info("dotunneld listening on %s for host pattern %s", cfg.Listen, cfg.TunnelHostPattern)
	logger.Info("server starting",
		zap.String("listen", cfg.Listen),
		zap.String("tunnelHostPattern", cfg.TunnelHostPattern),
	)
	if err := http.ListenAndServe(cfg.Listen, mux); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func newBackend(cfg *appConfig.Server) frontdoor.Backend {
	if cfg.RedisAddr == "" {
		return registry.NewMemory()
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	return registry.NewRedis(client, "dotunnel:")
}

func serveMetrics(addr string, reg *prometheus.Registry, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics server failed", zap.Error(err))
		fmt.Fprintf(os.Stderr, "dotunneld: metrics server failed: %s\n", err)
	}
}
