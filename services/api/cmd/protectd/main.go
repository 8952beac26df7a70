package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"webprotect/pkg/bus"
	"webprotect/pkg/config"
	"webprotect/pkg/db"
	"webprotect/pkg/metrics"
	"webprotect/pkg/telemetry"
	"webprotect/services/api"
	"webprotect/services/ledger"
	"webprotect/services/protect"
)

const serviceName = "protectd"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	_ = godotenv.Load()

	cfg, err := config.Load(ctx)
	if err != nil {
		bootLogger().Fatal().Err(err).Msg("load config")
	}

	tel, err := telemetry.Init(ctx, serviceName, telemetry.Options{Endpoint: cfg.OTLPEndpoint})
	if err != nil {
		bootLogger().Fatal().Err(err).Msg("init telemetry")
	}
	logger := tel.Logger
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("shutdown telemetry")
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(reg)
	if err != nil {
		logger.Fatal().Err(err).Msg("register metrics")
	}

	protector, err := protect.FromConfig(ctx, cfg, protect.Deps{Logger: logger, Metrics: m})
	if err != nil {
		logger.Fatal().Err(err).Msg("configure protector")
	}

	opts := api.Options{
		Protector:  protector,
		Metrics:    m,
		Gatherer:   reg,
		Logger:     logger,
		Middleware: tel.Middleware,
		Host:       hostname(),
	}

	var store *ledger.Store
	if cfg.DatabaseURL != "" {
		handle, err := db.Connect(ctx, cfg.DatabaseURL, true)
		if err != nil {
			logger.Fatal().Err(err).Msg("connect database")
		}
		defer handle.Close()

		store, err = ledger.NewStore(handle.ORM, handle.Pool)
		if err != nil {
			logger.Fatal().Err(err).Msg("init ledger")
		}
		opts.Runs = store
		opts.Recorder = store
	}

	if cfg.NATSURL != "" {
		b, err := bus.New(cfg.NATSURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("connect nats")
		}
		defer b.Close()

		if err := b.EnsureStream(ctx); err != nil {
			logger.Fatal().Err(err).Msg("ensure run stream")
		}
		opts.Events = b

		if store != nil {
			ingester, err := ledger.NewIngester(store, b, logger)
			if err != nil {
				logger.Fatal().Err(err).Msg("init ingester")
			}
			if err := ingester.Start(ctx); err != nil {
				logger.Fatal().Err(err).Msg("start ingester")
			}
			defer ingester.Close()
		}
	}

	server, err := api.New(opts)
	if err != nil {
		logger.Fatal().Err(err).Msg("init api")
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.Addr).Str("tool_version", cfg.ToolVersion).Msg("starting protectd")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown server")
	}
}

func bootLogger() *zerolog.Logger {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Str("service", serviceName).Logger()
	return &logger
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil {
		return ""
	}
	return name
}
