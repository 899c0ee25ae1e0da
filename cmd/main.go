package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/satriahrh/callbridge/adapters/lms"
	"github.com/satriahrh/callbridge/adapters/mongo"
	"github.com/satriahrh/callbridge/domain/entities"
	"github.com/satriahrh/callbridge/internal/adapter"
	"github.com/satriahrh/callbridge/internal/api"
	"github.com/satriahrh/callbridge/internal/audio"
	"github.com/satriahrh/callbridge/internal/auth"
	"github.com/satriahrh/callbridge/internal/callleg"
	"github.com/satriahrh/callbridge/internal/config"
	"github.com/satriahrh/callbridge/internal/connector"
	"github.com/satriahrh/callbridge/internal/logger"
	"github.com/satriahrh/callbridge/internal/metrics"
	"github.com/satriahrh/callbridge/internal/registry"
)

func main() {
	configPath := flag.String("config", os.Getenv("BRIDGE_CONFIG"), "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Error("Bridge stopped with error", zap.Error(err))
		_ = log.Sync()
		os.Exit(1)
	}
	log.Info("Server exited")
}

func run(cfg config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(cfg.Metrics.Namespace, promRegistry, log)

	sessions := registry.New(registry.Config{
		DefaultAgent: cfg.Session.DefaultAgent,
		HistoryLimit: cfg.Session.HistoryLimit,
	}, log)

	// Ended sessions go to MongoDB and the lead service when configured
	sinkCfg := registry.SinkConfig{LeadSource: cfg.LMS.Source, Timeout: cfg.LMS.Timeout}
	checks := make(map[string]api.HealthCheck)
	if cfg.Mongo.URI != "" {
		client, err := mongo.NewClient(ctx, cfg.Mongo, log)
		if err != nil {
			return err
		}
		defer client.Close(context.Background())

		archive := mongo.NewSessionArchive(client.Database, cfg.Mongo.Collection)
		if err := archive.EnsureIndexes(ctx); err != nil {
			log.Warn("Session archive indexes not created", zap.Error(err))
		}
		sinkCfg.Archive = archive
		checks["mongo"] = client.Ping
	} else {
		log.Info("Session archive disabled, MONGODB_URI not set")
	}
	if cfg.LMS.URL != "" {
		pusher, err := lms.NewClient(lms.Config{URL: cfg.LMS.URL, APIKey: cfg.LMS.APIKey, Timeout: cfg.LMS.Timeout}, log)
		if err != nil {
			return err
		}
		sinkCfg.Leads = pusher
	}
	sink := registry.NewEndedSessionSink(sinkCfg, collector, log)
	sessions.OnSessionEnded(sink.Handle)

	pipeline := audio.NewPipeline(log)

	connCfg := connector.DefaultConfig(cfg.Backend.URL)
	connCfg.Source = cfg.Backend.Source
	connCfg.ConnectTimeout = cfg.Backend.ConnectTimeout
	connCfg.ReconnectBaseDelay = cfg.Backend.ReconnectBaseDelay
	connCfg.MaxReconnectAttempts = cfg.Backend.MaxReconnectAttempts

	hub := callleg.NewHub(callleg.HubConfig{
		BackendURL:   cfg.Backend.URL,
		StartTimeout: cfg.Session.StartTimeout,
		Adapter: adapter.Config{
			Protocol:     entities.ProtocolTelephony,
			SetupTimeout: cfg.Session.SetupTimeout,
			Connector:    connCfg,
		},
	}, sessions, pipeline, collector, log)

	var tokens *auth.TokenIssuer
	if cfg.Auth.JWTSecret != "" {
		var err error
		tokens, err = auth.NewTokenIssuer(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
		if err != nil {
			return err
		}
	} else {
		log.Warn("Call-leg authentication disabled, BRIDGE_JWT_SECRET not set")
	}

	// Create Echo instance
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			log.Debug("HTTP request",
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency))
			return nil
		},
	}))
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	api.InitRoutes(e, api.Dependencies{
		Sessions: sessions,
		Hub:      hub,
		Archive:  sinkCfg.Archive,
		Pipeline: pipeline,
		Tokens:   tokens,
		APIKey:   cfg.Auth.APIKey,
		Gatherer: promRegistry,
		Checks:   checks,
		Logger:   log,
	})

	cleanup := registry.NewCleanupService(sessions, cfg.Session.CleanupInterval, cfg.Session.MaxAge, log)
	cleanup.Start()
	defer cleanup.Stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return hub.Run(gctx)
	})

	g.Go(func() error {
		log.Info("Server started",
			zap.String("port", cfg.Server.Port),
			zap.String("backend", cfg.Backend.URL))
		if err := e.Start(":" + cfg.Server.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	// Graceful shutdown
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Server is shutting down...")

		hub.StopAll(entities.EndReasonShutdown)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := e.Shutdown(shutdownCtx); err != nil {
			log.Error("Server forced to shutdown", zap.Error(err))
		}
		if err := sink.Wait(shutdownCtx); err != nil {
			log.Warn("Session writes still in flight", zap.Error(err))
		}
		return nil
	})

	return g.Wait()
}
