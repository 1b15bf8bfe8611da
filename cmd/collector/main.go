package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/quarve/tickstream-go/internal/api"
	"github.com/quarve/tickstream-go/internal/config"
	"github.com/quarve/tickstream-go/internal/database"
	"github.com/quarve/tickstream-go/internal/health"
	"github.com/quarve/tickstream-go/internal/logging"
	"github.com/quarve/tickstream-go/internal/ratelimit"
	"github.com/quarve/tickstream-go/internal/services"
	"github.com/quarve/tickstream-go/internal/telemetry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Application failed: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// .env is a local development convenience; its absence is not an error.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	if cfg.Telemetry.Enabled && cfg.Telemetry.LogExport {
		hook, err := logging.NewOTLPHook(logging.OTLPConfig{
			Endpoint:       cfg.Telemetry.Endpoint,
			ServiceName:    cfg.Telemetry.ServiceName,
			ServiceVersion: telemetry.ServiceVersion,
			Environment:    cfg.Environment,
		})
		if err != nil {
			logger.WithError(err).Warn("OTLP log export unavailable, keeping stdout only")
		} else {
			logger.AddHook(hook)
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := hook.Shutdown(ctx); err != nil {
					logger.WithError(err).Error("OTLP log hook shutdown failed")
				}
			}()
		}
	}

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: telemetry.ServiceVersion,
		Environment:    cfg.Environment,
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		SampleRatio:    cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(ctx); err != nil {
			logger.WithError(err).Error("Telemetry shutdown failed")
		}
	}()

	db, err := database.NewPostgresConnection(cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	redis, err := database.NewRedisConnection(cfg.Redis)
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	defer redis.Close()

	store := database.NewMarketStore(db.Pool, logger)
	state := database.NewStateStore(redis, logger)

	healthReg := health.NewRegistry(health.Config{
		FailureThreshold: cfg.Health.FailureThreshold,
		FailureWindow:    config.Duration(cfg.Health.FailureWindow, 0),
		Cooldown:         config.Duration(cfg.Health.Cooldown, 0),
	}, logger)
	limits := ratelimit.NewRegistry(ratelimit.Config{
		Window:         config.Duration(cfg.RateLimit.Window, 0),
		FloorRatio:     cfg.RateLimit.FloorRatio,
		RecoveryRatio:  cfg.RateLimit.RecoveryRatio,
		RecoveryStreak: cfg.RateLimit.RecoveryStreak,
	}, logger)

	collector, err := services.NewCollector(cfg, store, state, healthReg, limits, logger)
	if err != nil {
		return fmt.Errorf("failed to build pipeline: %w", err)
	}
	if err := collector.Start(); err != nil {
		return fmt.Errorf("failed to start pipeline: %w", err)
	}
	defer collector.Stop()

	retention := services.NewRetention(cfg.Retention, store, healthReg, logger)
	retention.Start()
	defer retention.Stop()

	monitor := services.NewResourceMonitor(30*time.Second, logger)
	monitor.Start()
	defer monitor.Stop()

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(cfg.Telemetry.ServiceName))
	api.SetupRoutes(router, api.Deps{
		Collector: collector,
		Monitor:   monitor,
		Health:    healthReg,
		Limits:    limits,
		DB:        db,
		Redis:     redis,
		Version:   telemetry.ServiceVersion,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       15 * time.Second,
	}
	go func() {
		logger.WithField("addr", srv.Addr).Info("Ops server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("Ops server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("Server exited gracefully")
	return nil
}
