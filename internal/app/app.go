// Package app wires the engine components and boots the HTTP server.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/quotaguard/quotaguard/internal/alerts"
	"github.com/quotaguard/quotaguard/internal/autopause"
	"github.com/quotaguard/quotaguard/internal/config"
	"github.com/quotaguard/quotaguard/internal/db"
	"github.com/quotaguard/quotaguard/internal/events"
	"github.com/quotaguard/quotaguard/internal/http/api"
	"github.com/quotaguard/quotaguard/internal/limiter"
	"github.com/quotaguard/quotaguard/internal/metrics"
	"github.com/quotaguard/quotaguard/internal/queue"
	"github.com/quotaguard/quotaguard/internal/quota"
	"github.com/quotaguard/quotaguard/internal/ratelimit"
	"github.com/quotaguard/quotaguard/internal/settings"
)

// Migrate opens the database and runs migrations.
func Migrate(ctx context.Context, cfg config.AppConfig) error {
	configPath := config.ResolveConfigPath(cfg.ConfigPath)
	dsn, errDSN := config.LoadDatabaseDSN(configPath)
	if errDSN != nil {
		return errDSN
	}
	conn, errOpen := db.Open(dsn)
	if errOpen != nil {
		return errOpen
	}
	return db.Migrate(conn)
}

// RunServer boots the resilience engine with database-backed components.
func RunServer(ctx context.Context, cfg config.AppConfig, defaultPort int) error {
	configPath := config.ResolveConfigPath(cfg.ConfigPath)
	dsn, errDSN := config.LoadDatabaseDSN(configPath)
	if errDSN != nil {
		return errDSN
	}
	conn, errOpen := db.Open(dsn)
	if errOpen != nil {
		return errOpen
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		return errMigrate
	}

	engineCfg, errEngine := config.LoadEngineConfig(configPath)
	if errEngine != nil {
		return errEngine
	}

	metrics.Register()
	bus := events.NewBus(metrics.EventDropped)
	defer bus.Close()

	tracker := quota.NewTracker(conn, bus)
	detector := ratelimit.NewDetector(conn, bus, ratelimit.Config{
		CapSeconds:     engineCfg.BackoffCapSeconds,
		JitterFraction: engineCfg.JitterFraction,
		MaxAttempts:    engineCfg.MaxAttempts,
	})

	limiterMgr := limiter.NewManager(func() limiter.SettingsConfig {
		return limiter.LoadSettingsConfig(conn)
	}, nil, nil)

	q := queue.New(conn, bus, tracker, limiterMgr, queue.Config{
		Capacity:                 engineCfg.QueueCapacity,
		ThrottleThresholdPercent: engineCfg.ThrottleThresholdPercent,
	})
	q.SetLimitFn(func() int { return limiter.LoadSettingsConfig(conn).Limit })
	q.SetThresholdFn(func() float64 {
		return queue.LoadThrottleThreshold(conn, engineCfg.ThrottleThresholdPercent)
	})

	alertEngine := alerts.NewEngine(conn, bus)
	controller := autopause.NewController(conn, bus, tracker, autopause.Config{
		PauseThresholdPercent:  settings.DefaultEmergencyThresholdPercent,
		ResumeThresholdPercent: engineCfg.ResumeThresholdPercent,
	})
	tracker.AddListener(alertEngine.Listener())
	tracker.AddListener(controller.Listener())

	pool := queue.NewPool(conn, q, queue.NewHTTPDispatcher(30*time.Second), detector, tracker, queue.PoolConfig{
		Workers:      engineCfg.WorkerCount,
		PollInterval: engineCfg.PollInterval,
	})
	go func() {
		if errPool := pool.Run(ctx); errPool != nil {
			log.WithError(errPool).Error("worker pool stopped")
		}
	}()
	go alertEngine.RunEscalation(ctx, engineCfg.EscalationSweepInterval)
	go alertEngine.RunRateLimitWatch(ctx, bus)

	engine := gin.New()
	engine.Use(gin.Recovery())
	api.RegisterRoutes(engine, api.Dependencies{
		DB:        conn,
		Tracker:   tracker,
		Detector:  detector,
		Queue:     q,
		Alerts:    alertEngine,
		AutoPause: controller,
		Limiter:   limiterMgr,
	})

	if defaultPort <= 0 {
		defaultPort = 8319
	}
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", defaultPort),
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if errShutdown := server.Shutdown(shutdownCtx); errShutdown != nil {
			log.WithError(errShutdown).Warn("server shutdown failed")
		}
	}()

	log.Infof("starting engine with config=%s port=%d dialect=%s", configPath, defaultPort, db.DialectName(conn))
	if errServe := server.ListenAndServe(); errServe != nil && !errors.Is(errServe, http.ErrServerClosed) {
		return errServe
	}
	return nil
}
