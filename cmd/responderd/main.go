package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/SPRIME01/homelab-infra/internal/actions"
	"github.com/SPRIME01/homelab-infra/internal/api"
	"github.com/SPRIME01/homelab-infra/internal/bus"
	"github.com/SPRIME01/homelab-infra/internal/config"
	"github.com/SPRIME01/homelab-infra/internal/ingest"
	"github.com/SPRIME01/homelab-infra/internal/metrics"
	"github.com/SPRIME01/homelab-infra/internal/notify"
	"github.com/SPRIME01/homelab-infra/internal/orchestrator"
	"github.com/SPRIME01/homelab-infra/internal/store"
)

func main() {
	configPath := flag.String("config", os.Getenv("RESPONDER_CONFIG"), "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.New(slog.NewJSONHandler(os.Stderr, nil)).Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(logger)

	logger.Info("Starting security responder service",
		"http_addr", cfg.Service.HTTPAddr,
		"nats_url", cfg.Service.NATSURL,
		"event_subject", cfg.Service.EventSubject,
		"store_backend", cfg.Store.Backend,
		"dry_run", cfg.General.DryRun)

	natsConn, err := nats.Connect(cfg.Service.NATSURL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second))
	if err != nil {
		logger.Error("Failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer natsConn.Close()
	logger.Info("Connected to NATS")

	st, err := store.Open(cfg, logger)
	if err != nil {
		logger.Error("Failed to open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	m := metrics.New()
	dispatcher := notify.NewDispatcher(cfg, natsConn, m, logger)
	orch := orchestrator.New(cfg, st, dispatcher, actions.ExecRunner{}, m, logger)

	decoder, err := ingest.NewDecoder()
	if err != nil {
		logger.Error("Failed to compile event schema", "error", err)
		os.Exit(1)
	}

	httpAPI := api.NewHTTPAPI(orch, decoder, natsConn, logger)
	server := &http.Server{
		Addr:    cfg.Service.HTTPAddr,
		Handler: httpAPI.Router(),
	}

	go func() {
		logger.Info("Starting HTTP server", "addr", cfg.Service.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server failed", "error", err)
			os.Exit(1)
		}
	}()

	subCtx, subCancel := context.WithCancel(context.Background())
	defer subCancel()

	subscriber := bus.NewSubscriber(natsConn, orch, decoder, cfg.Service.EventSubject, cfg.Service.Queue, logger)
	go func() {
		if err := subscriber.Subscribe(subCtx); err != nil {
			logger.Error("Event subscriber stopped", "error", err)
		}
	}()

	logger.Info("Responder service started successfully")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down responder service")
	subCancel()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown failed", "error", err)
	}

	logger.Info("Responder service stopped")
}
