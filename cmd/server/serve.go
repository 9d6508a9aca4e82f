package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ashureev/sketch-duel/internal/api"
	"github.com/ashureev/sketch-duel/internal/blocklist"
	"github.com/ashureev/sketch-duel/internal/challenge"
	"github.com/ashureev/sketch-duel/internal/classifier"
	"github.com/ashureev/sketch-duel/internal/config"
	"github.com/ashureev/sketch-duel/internal/duel"
	"github.com/ashureev/sketch-duel/internal/notify"
	"github.com/ashureev/sketch-duel/internal/presence"
	"github.com/ashureev/sketch-duel/internal/ratelimit"
	"github.com/ashureev/sketch-duel/internal/realtime"
	"github.com/ashureev/sketch-duel/internal/store"
	"github.com/ashureev/sketch-duel/internal/telemetry"
	"github.com/ashureev/sketch-duel/internal/worker"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
)

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func applyFlags(cfg *config.Config, fs *pflag.FlagSet, f flags) {
	if fs.Changed("port") {
		cfg.Port = f.port
	}
	if fs.Changed("db-path") {
		cfg.DBPath = f.dbPath
	}
	if fs.Changed("classifier-addr") {
		cfg.Classifier.Addr = f.classifierAddr
	}
	if fs.Changed("log-level") {
		cfg.LogLevel = f.logLevel
	}
}

//nolint:gocognit,funlen // Startup wiring is intentionally sequential to keep dependency setup explicit.
func run(parent context.Context, fs *pflag.FlagSet, f flags) error {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	applyFlags(cfg, fs, f)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, "sketchduel", cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("setup telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			slog.Warn("Failed to flush traces", "error", err)
		}
	}()

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()
	slog.Info("Database connected", "path", cfg.DBPath)

	var clf classifier.Classifier = classifier.Disabled{}
	classifierEnabled := false
	if cfg.Classifier.Addr != "" {
		slog.Info("Connecting to classifier service via gRPC", "address", cfg.Classifier.Addr)
		client, err := classifier.NewGrpcClient(classifier.DefaultGrpcClientConfig(cfg.Classifier.Addr), logger)
		if err != nil {
			slog.Warn("Failed to connect to classifier, submissions will be unscored", "error", err)
		} else {
			defer client.Close()
			clf = client
			classifierEnabled = true
		}
	} else {
		slog.Info("Classifier disabled (CLASSIFIER_ADDR not set)")
	}

	// Initialize services.
	bus := notify.NewBus()
	reg := presence.NewRegistry(repo, bus, presence.WithTTL(cfg.Duel.PresenceTTL))
	blocks := blocklist.NewService(repo, bus)
	limiter := ratelimit.New(cfg.RateLimit.Max, cfg.RateLimit.Window)
	duels := duel.NewManager(repo, reg, classifier.NewRetrying(clf, cfg.Classifier.Timeout), bus, duel.Config{
		RoundDuration: cfg.Duel.RoundDuration,
		Countdown:     cfg.Duel.Countdown,
		PromptCount:   cfg.Duel.PromptCount,
	})
	broker := challenge.NewBroker(challenge.Deps{
		Store:    repo,
		Presence: reg,
		Blocks:   blocks,
		Limiter:  limiter,
		Sessions: duels,
		Bus:      bus,
	}, challenge.WithTTL(cfg.Duel.ChallengeTTL))

	hub := realtime.NewHub()

	// Initialize handlers.
	router := api.NewRouter(api.Routes{
		Health: api.NewHealthHandler(repo),
		Lobby: api.NewLobbyHandler(reg, blocks, hub, api.ClientConfig{
			PresenceTTL:       cfg.Duel.PresenceTTL,
			ChallengeTTL:      cfg.Duel.ChallengeTTL,
			RoundDuration:     cfg.Duel.RoundDuration,
			Countdown:         cfg.Duel.Countdown,
			PromptCount:       cfg.Duel.PromptCount,
			ClassifierEnabled: classifierEnabled,
		}),
		Challenges:     api.NewChallengeHandler(broker, cfg.ShareBaseURL()),
		Duels:          api.NewDuelHandler(duels, cfg.Duel.MaxImageBytes),
		Realtime:       realtime.NewHandler(hub, bus, reg, cfg.FrontendURL, cfg.IsDevelopment()),
		AllowedOrigins: cfg.AllowedOrigins(),
		IsDev:          cfg.IsDevelopment(),
	})

	// Start sweep worker.
	sched, err := worker.Start(ctx, &worker.Sweeper{
		Challenges: broker,
		Presence:   reg,
		Rounds:     duels,
		Limiter:    limiter,
	}, worker.Intervals{
		ChallengeExpiry: cfg.Sweep.ChallengeExpiry,
		PresencePrune:   cfg.Sweep.PresencePrune,
		OverdueRounds:   cfg.Sweep.OverdueRounds,
		LimiterPrune:    cfg.Sweep.LimiterPrune,
	})
	if err != nil {
		return fmt.Errorf("start sweep worker: %w", err)
	}
	defer func() {
		if err := sched.Shutdown(); err != nil {
			slog.Warn("Failed to stop sweep worker", "error", err)
		}
	}()

	// Websocket connections are long-lived, so no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// Wait for shutdown signal.
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	slog.Info("Server stopped successfully", "open_connections", hub.Connections())
	return nil
}
