package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/flowpbx/voicerelay/internal/api"
	"github.com/flowpbx/voicerelay/internal/call"
	"github.com/flowpbx/voicerelay/internal/config"
	"github.com/flowpbx/voicerelay/internal/database"
	"github.com/flowpbx/voicerelay/internal/database/pgstore"
	"github.com/flowpbx/voicerelay/internal/extract"
	"github.com/flowpbx/voicerelay/internal/metrics"
	"github.com/flowpbx/voicerelay/internal/openai"
	"github.com/flowpbx/voicerelay/internal/relay"
	"github.com/flowpbx/voicerelay/internal/session"
	"github.com/flowpbx/voicerelay/internal/settings"
	"github.com/flowpbx/voicerelay/internal/twilio"
	"github.com/flowpbx/voicerelay/internal/webhook"
)

// recordCleanupInterval is how often stale call records are swept.
const recordCleanupInterval = 10 * time.Minute

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging.
	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	slog.Info("starting voicerelay",
		"http_port", cfg.HTTPPort,
		"environment", cfg.Environment,
		"timezone", cfg.Timezone,
	)

	// Application context for background goroutines.
	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	// Project store: PostgreSQL when a DSN is configured, SQLite otherwise.
	projects, closeStore, err := openProjectStore(cfg)
	if err != nil {
		slog.Error("failed to open project store", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	loadCtx, loadCancel := context.WithTimeout(appCtx, 30*time.Second)
	svcSettings, err := settings.Load(loadCtx, projects, cfg.Location(), logger)
	loadCancel()
	if err != nil {
		slog.Error("failed to load settings", "error", err)
		os.Exit(1)
	}

	store := session.NewStore(logger)
	session.StartCleanupTicker(appCtx, store, recordCleanupInterval, cfg.RecordMaxAge)

	// Webhook ID tokens are only minted for the hosted deployment.
	var tokens webhook.TokenSource
	if !cfg.IsLocal() {
		tokens = webhook.NewTokenCache(webhook.NewIDTokenFetcher(cfg.GoogleCredentials))
	}
	dispatcher := webhook.NewDispatcher(cfg.WebhookURLCallResult(), cfg.WebhookURLCallStatus(), tokens, cfg.Location(), logger)

	twilioClient := twilio.NewClient(cfg.TwilioAPIBase, cfg.TwilioAccountSID, cfg.TwilioAuthToken, cfg.TwilioPhoneNumber)
	chat := openai.NewChatClient(cfg.OpenAIChatURL, cfg.OpenAIChatModel, cfg.OpenAIAPIKey)
	realtime := openai.NewRealtimeDialer(cfg.OpenAIRealtimeURL, cfg.OpenAIRealtimeModel, cfg.OpenAIAPIKey)

	pipeline := extract.NewPipeline(store, chat, svcSettings, dispatcher, logger)

	registry := relay.NewRegistry(logger)
	engine := relay.NewEngine(store, registry, relay.WebsocketDialer(realtime), twilioClient, pipeline, svcSettings, relay.Options{
		IdleTimeout:    cfg.RelayIdleTimeout,
		CloseCallDelay: svcSettings.CloseCallDelay,
	}, logger)

	calls := call.NewService(store, twilioClient, svcSettings, dispatcher, call.Options{
		CountryCode:      cfg.CountryCode,
		Voice:            svcSettings.Voice,
		InboundVoice:     svcSettings.InboundVoice,
		InboundGreeting:  svcSettings.InboundGreeting,
		InboundPrompt:    svcSettings.InboundPrompt,
		InboundProjectID: strconv.FormatInt(settings.InboundProjectID, 10),
	}, logger)

	// Prometheus metrics.
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		metrics.NewCollector(registry, store, engine, pipeline, dispatcher, time.Now()),
	)

	handler := api.NewServer(cfg, calls, engine, reg, logger)
	defer handler.Close()

	// No WriteTimeout: media stream connections live for the whole call.
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Start server in goroutine.
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for interrupt or server error.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("http server error", "error", err)
	}

	// Graceful shutdown with timeout.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down")

	// Hijacked media stream connections are not tracked by Shutdown.
	registry.StopAll()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown error", "error", err)
	}
	appCancel()

	// Stopped relays still hand their transcripts to extraction.
	done := make(chan struct{})
	go func() {
		engine.Wait()
		calls.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		slog.Warn("pending transcripts and status notifications abandoned")
	}

	slog.Info("voicerelay stopped")
}

// openProjectStore opens the configured project store and returns it with
// its close function.
func openProjectStore(cfg *config.Config) (settings.ProjectSource, func(), error) {
	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return pg, func() { pg.Close() }, nil
	}

	db, err := database.Open(cfg.DataDir)
	if err != nil {
		return nil, nil, err
	}
	return database.NewProjectConfigRepository(db), func() { db.Close() }, nil
}
