package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/dunamismax/portraitflow/internal/api"
	"github.com/dunamismax/portraitflow/internal/auth"
	"github.com/dunamismax/portraitflow/internal/bootstrap"
	"github.com/dunamismax/portraitflow/internal/config"
	"github.com/dunamismax/portraitflow/internal/orchestrator"
	"github.com/dunamismax/portraitflow/internal/queue"
	"github.com/dunamismax/portraitflow/internal/ratelimit"
	"github.com/dunamismax/portraitflow/internal/status"
	"github.com/dunamismax/portraitflow/internal/storage"
	"github.com/dunamismax/portraitflow/internal/telemetry"
)

func main() {
	cfg := config.Load()
	logger := telemetry.NewLogger(cfg.App.Env, cfg.App.LogLevel, "api")

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("api exited")
	}
}

func run(cfg config.Config, logger zerolog.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	startCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	shutdownTracing, err := telemetry.SetupTracing(startCtx, telemetry.TraceConfig{
		ServiceName:  cfg.Telemetry.ServiceName + "-api",
		Exporter:     cfg.Telemetry.TraceExporter,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure: cfg.Telemetry.OTLPInsecure,
	}, logger)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			logger.Warn().Err(err).Msg("tracing shutdown")
		}
	}()

	backends, err := bootstrap.Open(startCtx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := backends.Close(); err != nil {
			logger.Warn().Err(err).Msg("close backends")
		}
	}()

	buckets, err := storage.New(storage.Config{
		Endpoint:     cfg.Storage.Endpoint,
		Access:       cfg.Storage.AccessKey,
		Secret:       cfg.Storage.SecretKey,
		UploadBucket: cfg.Storage.UploadBucket,
		ResultBucket: cfg.Storage.ResultBucket,
		UseSSL:       cfg.Storage.UseSSL,
	})
	if err != nil {
		return err
	}
	if err := buckets.EnsureBuckets(startCtx); err != nil {
		return err
	}

	queueClient := queue.NewClient(cfg.Queue.RedisClientOpt(), queue.Options{
		Queue:    cfg.Queue.Name,
		MaxRetry: cfg.Queue.MaxRetry,
		Timeout:  cfg.Queue.TaskTimeout,
	})
	defer func() {
		if err := queueClient.Close(); err != nil {
			logger.Warn().Err(err).Msg("queue client close")
		}
	}()

	metrics := api.NewMetrics()
	orc, err := orchestrator.New(
		orchestrator.Config{DailyLimit: cfg.Quota.DailyLimit},
		backends.Ledger,
		backends.Jobs,
		buckets.Uploads,
		queueClient,
		logger,
		orchestrator.WithObserver(metrics),
	)
	if err != nil {
		return err
	}

	statusSvc, err := status.NewService(status.Config{
		DailyLimit:     cfg.Quota.DailyLimit,
		StatusURLTTL:   cfg.Storage.StatusURLTTL,
		DownloadURLTTL: cfg.Storage.DownloadURLTTL,
	}, backends.Jobs, backends.Ledger, buckets.Results)
	if err != nil {
		return err
	}

	authn, err := auth.New(auth.Config{
		JWTSecret:         cfg.Auth.JWTSecret,
		JWTIssuer:         cfg.Auth.JWTIssuer,
		TrustedUserHeader: cfg.Auth.TrustedUserHeader,
	})
	if err != nil {
		return err
	}

	opts := []api.Option{api.WithMetrics(metrics)}
	if cfg.RateLimit.Enabled {
		client, err := backends.Redis(startCtx)
		if err != nil {
			return err
		}
		limiter, err := ratelimit.NewRedisTokenBucket(client, cfg.RateLimit.Capacity, cfg.RateLimit.Window, "")
		if err != nil {
			return err
		}
		opts = append(opts, api.WithRateLimiter(limiter))
	}

	app, err := api.NewServer(api.Config{
		UploadURLTTL:   cfg.Storage.UploadURLTTL,
		MaxUploadBytes: cfg.Storage.MaxUploadBytes,
	}, logger, orc, statusSvc, buckets.Uploads, authn, opts...)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:         cfg.API.Addr,
		Handler:      app.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info().
			Str("addr", cfg.API.Addr).
			Int("daily_limit", cfg.Quota.DailyLimit).
			Str("job_store", cfg.Database.JobBackend).
			Str("quota_backend", cfg.Quota.Backend).
			Msg("listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-stop:
	case err := <-serveErr:
		if err != nil {
			return err
		}
	}

	ctx, cancelShutdown := context.WithTimeout(context.Background(), cfg.API.ShutdownTimeout)
	defer cancelShutdown()

	logger.Info().Msg("shutting down")
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
	return nil
}
