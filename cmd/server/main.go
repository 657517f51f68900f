package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/ghostspeak/relay/internal/api"
	"github.com/ghostspeak/relay/internal/config"
	"github.com/ghostspeak/relay/internal/delivery"
	"github.com/ghostspeak/relay/internal/handlers"
	"github.com/ghostspeak/relay/internal/ledger"
	"github.com/ghostspeak/relay/internal/models"
	"github.com/ghostspeak/relay/internal/offline"
	"github.com/ghostspeak/relay/internal/presence"
	"github.com/ghostspeak/relay/internal/registry"
	"github.com/ghostspeak/relay/internal/relay"
	"github.com/ghostspeak/relay/internal/router"
	"github.com/ghostspeak/relay/internal/storage"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	var logger zerolog.Logger
	if cfg.IsDevelopment() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	} else {
		logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Logger()
	}

	ctx := context.Background()

	// Initialize storage backends; memory is always available
	var backends storage.Backends

	if cfg.SQLitePath != "" {
		sqlite, err := storage.NewSQLiteAdapter(ctx, cfg.SQLitePath)
		if err != nil {
			logger.Fatal().Err(err).Msg("sqlite open failed")
		}
		defer sqlite.Close()
		backends.SQLite = sqlite
		logger.Info().Str("path", cfg.SQLitePath).Msg("sqlite storage ready")
	}

	if cfg.DatabaseURL != "" {
		postgres, err := storage.NewPostgresAdapter(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("postgres connection failed")
		}
		defer postgres.Close()
		backends.Postgres = postgres
		logger.Info().Msg("connected to PostgreSQL")
	}

	if cfg.RedisURL != "" {
		redis, err := storage.NewRedisAdapter(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis connection failed")
		}
		defer redis.Close()
		backends.Redis = redis
		logger.Info().Msg("connected to Redis")
	}

	// Assemble the pipeline
	pres := presence.NewTracker(logger)
	rules := router.New(nil, logger) // routing rules come from config in a later release
	factory := storage.NewFactory(backends)

	var svc *relay.Service
	manager := offline.NewManager(factory, func(ctx context.Context, agent string, msg *models.Message) error {
		return svc.DeliverSynced(ctx, agent, msg)
	}, logger)

	reg := registry.New(
		registry.Options{
			PingInterval:         cfg.PingInterval,
			MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		},
		registry.Hooks{
			OnAck:     func(agent, id string) { svc.HandleAck(agent, id) },
			OnRead:    func(agent, id string) { svc.HandleRead(agent, id) },
			OnMessage: func(agent string, payload []byte) { svc.HandleInbound(agent, payload) },
			OnSendFailure: func(agent, id, reason string) {
				svc.HandleSendFailure(agent, id, reason)
			},
			OnDisconnect: func(agent, reason string) {
				svc.HandleDisconnect(agent, reason)
			},
		},
		logger,
	)

	svc = relay.New(relay.Deps{
		Registry: reg,
		Presence: pres,
		Router:   rules,
		Offline:  manager,
		Ledger:   ledger.NewNoop(logger),
	}, logger)

	tracker := delivery.NewTracker(svc.Resend, svc.ReportFailure, func(now time.Time) []string {
		expired := reg.CollectExpiredAcks(now)
		ids := make([]string, len(expired))
		for i, e := range expired {
			ids[i] = e.MessageID
		}
		return ids
	}, logger)
	svc.BindTracker(tracker)

	// Background loops, each cancellable on shutdown
	loopCtx, cancelLoops := context.WithCancel(ctx)
	go manager.MonitorSessions(loopCtx, cfg.SessionMonitorInterval)
	go manager.PurgeResolutions(loopCtx, cfg.ResolutionPurgeInterval)
	go manager.SampleAnalytics(loopCtx, cfg.AnalyticsInterval)
	go tracker.Run(loopCtx, cfg.DeliveryTickInterval)

	// Create router
	h := handlers.NewHandler(svc, manager, pres, reg, backends)
	mux := api.NewRouter(logger, h)

	// Create server
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("env", cfg.Env).
			Msg("starting relay server")

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server...")
	cancelLoops()

	// Graceful shutdown with 30 second timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server forced to shutdown")
	}

	logger.Info().Msg("server stopped")
}
