// Command broker is the standalone multi-tenant broker process (spec
// §4.8): it loads the pool/broker configuration, starts an inner
// fixed-shape worker pool, accepts HMAC-authenticated client
// connections on its listen address, and optionally serves /ready,
// /status, /workers and /metrics over HTTP.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/compilerpool/compilerpool/internal/broker"
	"github.com/compilerpool/compilerpool/internal/config"
	"github.com/compilerpool/compilerpool/internal/httpapi"
	"github.com/compilerpool/compilerpool/internal/metrics"
)

func main() {
	configPath := flag.String("config", "configs/broker.yaml", "path to configuration file")
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Printf("compiler pool broker starting...")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	log.Printf("configuration loaded from %s (listen=%s pool_size=%d)", *configPath, cfg.Broker.ListenAddr, cfg.Broker.PoolSize)

	m := metrics.New()

	b, err := broker.New(context.Background(), cfg.Broker, cfg.Pool, m)
	if err != nil {
		log.Fatalf("failed to start broker: %v", err)
	}

	var httpServer *httpapi.Server
	if cfg.Broker.MetricsAddr != "" {
		httpServer = httpapi.NewServer(b, m)
		if err := httpServer.Start(cfg.Broker.MetricsAddr); err != nil {
			log.Fatalf("failed to start HTTP status server: %v", err)
		}
	}

	configWatcher, err := config.NewWatcher(*configPath, func(newCfg *config.Config) {
		log.Printf("config changed on disk; broker does not hot-reload pool topology, restart to apply")
	})
	if err != nil {
		log.Printf("warning: config hot-reload not available: %v", err)
	}

	log.Printf("broker ready, listening on %s", b.Addr())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received signal %s, shutting down...", sig)

	if configWatcher != nil {
		configWatcher.Stop()
	}
	if httpServer != nil {
		httpServer.Stop()
	}
	b.Close()

	log.Printf("broker stopped")
}
