package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/robfig/cron/v3"

	"github.com/meridianbank/alertpipeline/internal/breaker"
	"github.com/meridianbank/alertpipeline/internal/channel"
	"github.com/meridianbank/alertpipeline/internal/config"
	"github.com/meridianbank/alertpipeline/internal/database"
	"github.com/meridianbank/alertpipeline/internal/dispatch"
	"github.com/meridianbank/alertpipeline/internal/escalation"
	"github.com/meridianbank/alertpipeline/internal/handlers"
	"github.com/meridianbank/alertpipeline/internal/kafka"
	"github.com/meridianbank/alertpipeline/internal/lifecycle"
	"github.com/meridianbank/alertpipeline/internal/metrics"
	"github.com/meridianbank/alertpipeline/internal/routing"
)

const (
	serviceName = "alertpipeline"
	version     = "1.0.0"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogging(cfg)
	logger.Info("Starting alert pipeline",
		"service", serviceName,
		"version", version,
		"environment", cfg.Environment)

	db, err := database.Connect(cfg.Database)
	if err != nil {
		logger.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Error("Failed to close database connection", "error", err)
		}
	}()

	if err := database.RunMigrations(cfg.Database); err != nil {
		logger.Error("Failed to run database migrations", "error", err)
		os.Exit(1)
	}

	alertRepo := database.NewAlertRepository(db, logger)
	scheduleRepo := database.NewScheduleRepository(db, logger)
	auditRepo := database.NewAuditRepository(db, logger)
	routingRepo := database.NewRoutingRepository(db, logger)
	healthRepo := database.NewHealthRepository(db, logger)

	collectors := metrics.New()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rules, err := routingRepo.ListEnabled(ctx)
	if err != nil {
		logger.Error("Failed to load routing rules", "error", err)
		os.Exit(1)
	}
	router, err := routing.NewEngine(cfg.Routing, logger, rules)
	if err != nil {
		logger.Error("Failed to compile routing rules", "error", err)
		os.Exit(1)
	}
	logger.Info("Routing rules loaded", "count", len(rules))

	tracker := breaker.New(cfg.Breaker, logger)

	registry := channel.Registry{}
	if cfg.Channels.Email.Enabled {
		registry.Register(channel.NewEmailAdapter(cfg.Channels.Email, logger))
	}
	if cfg.Channels.SMS.Enabled {
		registry.Register(channel.NewSMSAdapter(cfg.Channels.SMS, logger))
	}
	if cfg.Channels.Webhook.Enabled {
		registry.Register(channel.NewWebhookAdapter(cfg.Channels.Webhook, logger))
	}
	if cfg.Channels.Slack.Enabled {
		registry.Register(channel.NewSlackAdapter(cfg.Channels.Slack, logger))
	}

	dispatcher := dispatch.New(cfg.Dispatch, logger, registry, tracker, auditRepo, collectors)
	dispatcher.SetRateLimit("email", cfg.Channels.Email.RateLimit)
	dispatcher.SetRateLimit("sms", cfg.Channels.SMS.RateLimit)
	dispatcher.SetRateLimit("webhook", cfg.Channels.Webhook.RateLimit)
	dispatcher.SetRateLimit("slack", cfg.Channels.Slack.RateLimit)

	var events lifecycle.Events
	var producer *kafka.Producer
	if cfg.Kafka.Enabled {
		producer = kafka.NewProducer(cfg, logger)
		events = producer
		defer func() {
			if err := producer.Close(); err != nil {
				logger.Error("Failed to close Kafka producer", "error", err)
			}
		}()
	}

	manager := lifecycle.NewManager(
		cfg,
		logger,
		alertRepo,
		router,
		nil, // scheduler wired below, after it exists
		dispatcher,
		lifecycle.NewRenderer(cfg.Routing),
		events,
		collectors,
	)

	escalator := escalation.New(cfg, logger, scheduleRepo, manager, collectors)
	manager.SetScheduler(escalator)

	if err := escalator.Start(ctx); err != nil {
		logger.Error("Failed to start escalation scheduler", "error", err)
		os.Exit(1)
	}
	defer escalator.Stop()

	maintenance := startMaintenance(ctx, cfg, logger, alertRepo, healthRepo, tracker, collectors)
	defer func() { <-maintenance.Stop().Done() }()

	var consumer *kafka.Consumer
	if cfg.Kafka.Enabled {
		consumer = kafka.NewConsumer(cfg, logger, manager, collectors)
		consumer.Start(ctx)
		defer consumer.Stop()
	}

	httpRouter := mux.NewRouter()
	handlers.NewHTTPHandler(logger, manager, auditRepo, tracker).RegisterRoutes(httpRouter)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      httpRouter,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info("Starting HTTP server", "port", cfg.Server.HTTPPort)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server failed", "error", err)
			cancel()
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", "signal", sig)
	case <-ctx.Done():
		logger.Info("Context cancelled, shutting down")
	}

	logger.Info("Shutting down services")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Failed to shutdown HTTP server gracefully", "error", err)
	}

	// Let in-flight notification fan-outs finish before the deferred closes.
	manager.Close()
	wg.Wait()

	logger.Info("Service shutdown complete")
}

// startMaintenance runs the retention sweep and the periodic channel-health
// snapshot on one cron.
func startMaintenance(
	ctx context.Context,
	cfg *config.Config,
	logger *slog.Logger,
	alertRepo *database.AlertRepository,
	healthRepo *database.HealthRepository,
	tracker *breaker.Tracker,
	collectors *metrics.Metrics,
) *cron.Cron {
	c := cron.New(cron.WithSeconds(), cron.WithLocation(time.UTC))

	_, err := c.AddFunc(cfg.Retention.CleanupSchedule, func() {
		now := time.Now().UTC()
		closed, err := alertRepo.CloseResolved(ctx, now.Add(-cfg.Retention.CloseAfter))
		if err != nil {
			logger.Error("Retention close sweep failed", "error", err)
		} else if closed > 0 {
			logger.Info("Closed resolved alerts", "count", closed)
		}

		purged, err := alertRepo.Purge(ctx, now.Add(-cfg.Retention.PurgeAfter))
		if err != nil {
			logger.Error("Retention purge failed", "error", err)
		} else if purged > 0 {
			logger.Info("Purged closed alerts", "count", purged)
		}
	})
	if err != nil {
		logger.Error("Failed to register retention sweep", "error", err)
	}

	_, err = c.AddFunc("*/30 * * * * *", func() {
		snapshots := tracker.Snapshot()
		if err := healthRepo.UpsertSnapshot(ctx, snapshots); err != nil {
			logger.Error("Failed to persist channel health", "error", err)
		}
		for _, s := range snapshots {
			var v float64
			switch s.State {
			case breaker.StateHalfOpen:
				v = 1
			case breaker.StateOpen:
				v = 2
			}
			collectors.SetBreakerState(string(s.Channel), v)
		}

		if active, err := alertRepo.CountActive(ctx); err == nil {
			collectors.SetActiveAlerts(active)
		}
	})
	if err != nil {
		logger.Error("Failed to register health snapshot", "error", err)
	}

	c.Start()
	return c
}

// setupLogging configures structured logging.
func setupLogging(cfg *config.Config) *slog.Logger {
	logLevel := slog.LevelInfo
	if cfg.Debug {
		logLevel = slog.LevelDebug
	}

	handlerOptions := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: cfg.Debug,
	}

	var handler slog.Handler
	if cfg.Environment == "production" {
		handler = slog.NewJSONHandler(os.Stdout, handlerOptions)
	} else {
		handler = slog.NewTextHandler(os.Stdout, handlerOptions)
	}

	logger := slog.New(handler)
	logger = logger.With(
		"service", serviceName,
		"version", version,
		"environment", cfg.Environment,
	)

	slog.SetDefault(logger)
	return logger
}
