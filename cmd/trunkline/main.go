package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/antoniostano/trunkline/internal/agent"
	"github.com/antoniostano/trunkline/internal/bridge"
	"github.com/antoniostano/trunkline/internal/cdr"
	"github.com/antoniostano/trunkline/internal/config"
	"github.com/antoniostano/trunkline/internal/httpapi"
	"github.com/antoniostano/trunkline/internal/observability"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	store, err := cdr.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("call record store init failed: %v", err)
	}
	defer store.Close()

	if cfg.ElevenLabsAPIKey == "" || cfg.ElevenLabsAgentID == "" {
		log.Printf("warning: agent credentials not set; calls will fail their handshake")
	}
	dialer := agent.NewElevenLabsDialer(agent.ElevenLabsConfig{
		APIKey:           cfg.ElevenLabsAPIKey,
		AgentID:          cfg.ElevenLabsAgentID,
		APIBaseURL:       cfg.ElevenLabsAPIBaseURL,
		HandshakeTimeout: cfg.HandshakeTimeout,
	})

	relay := bridge.New(bridge.Options{
		Dialer:       dialer,
		Store:        store,
		Metrics:      metrics,
		ChunkSize:    cfg.ChunkSize,
		RecordingDir: cfg.RecordingDir,
	})

	api := httpapi.New(cfg, relay, store, metrics)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	go func() {
		log.Printf("relay listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	log.Printf("shutdown complete")
}
