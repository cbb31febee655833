package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/dunamismax/portraitflow/internal/bootstrap"
	"github.com/dunamismax/portraitflow/internal/config"
	"github.com/dunamismax/portraitflow/internal/generation"
	"github.com/dunamismax/portraitflow/internal/pipeline"
	"github.com/dunamismax/portraitflow/internal/queue"
	"github.com/dunamismax/portraitflow/internal/storage"
	"github.com/dunamismax/portraitflow/internal/store"
	"github.com/dunamismax/portraitflow/internal/telemetry"
	"github.com/dunamismax/portraitflow/internal/webhook"
	"github.com/dunamismax/portraitflow/internal/worker"
)

func main() {
	cfg := config.Load()
	logger := telemetry.NewLogger(cfg.App.Env, cfg.App.LogLevel, "worker")

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("worker exited")
	}
}

func run(cfg config.Config, logger zerolog.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := pipeline.Startup(); err != nil {
		return err
	}
	defer pipeline.Shutdown()

	startCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	shutdownTracing, err := telemetry.SetupTracing(startCtx, telemetry.TraceConfig{
		ServiceName:  cfg.Telemetry.ServiceName + "-worker",
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

	generator, err := generation.New(generation.Options{
		Provider: cfg.Generation.Provider,
		APIKey:   cfg.Generation.APIKey,
		BaseURL:  cfg.Generation.BaseURL,
		Model:    cfg.Generation.Model,
		Timeout:  cfg.Generation.Timeout,
	}, logger)
	if err != nil {
		return err
	}

	pipe, err := pipeline.NewProcessor(
		pipeline.ObjectStoreFetcher{Uploads: buckets.Uploads},
		generator,
		pipeline.ObjectStoreEmitter{Results: buckets.Results},
		cfg.Worker.MaxInputWidth,
	)
	if err != nil {
		return err
	}

	notifier := webhook.NewClient(webhook.Config{
		Endpoint:       cfg.Webhook.URL,
		SigningSecret:  cfg.Webhook.Secret,
		Timeout:        cfg.Webhook.Timeout,
		MaxAttempts:    3,
		InitialBackoff: time.Second,
		MaxBackoff:     5 * time.Second,
	})

	metrics := worker.NewMetrics()
	processor, err := worker.NewProcessor(backends.Jobs, pipe, logger,
		worker.WithNotifier(notifier),
		worker.WithObserver(metrics),
	)
	if err != nil {
		return err
	}

	srv, err := worker.NewServer(logger, cfg.Queue, cfg.Worker, processor, metrics)
	if err != nil {
		return err
	}

	inspector := asynq.NewInspector(cfg.Queue.RedisClientOpt())
	defer inspector.Close()

	reconcilerOpts := []worker.ReconcilerOption{
		worker.WithReconcilerNotifier(notifier),
		worker.WithReconcilerObserver(metrics),
	}
	if purger, ok := backends.Purger(); ok {
		reconcilerOpts = append(reconcilerOpts, worker.WithPurger(purger))
	}
	if stale, ok := backends.Jobs.(store.StaleLister); ok {
		requeuer := queue.NewClient(cfg.Queue.RedisClientOpt(), queue.Options{
			Queue:    cfg.Queue.Name,
			MaxRetry: cfg.Queue.MaxRetry,
			Timeout:  cfg.Queue.TaskTimeout,
		})
		defer func() {
			if err := requeuer.Close(); err != nil {
				logger.Warn().Err(err).Msg("queue client close")
			}
		}()
		reconcilerOpts = append(reconcilerOpts, worker.WithPendingRecovery(stale, requeuer, cfg.Worker.PendingRecoveryAge))
	}
	reconciler := worker.NewReconciler(inspector, backends.Jobs, worker.ReconcilerConfig{
		Queue:    cfg.Queue.Name,
		Interval: cfg.Worker.DeadLetterInterval,
	}, logger, reconcilerOpts...)

	runCtx, stopRun := context.WithCancel(context.Background())
	defer stopRun()
	go reconciler.Run(runCtx)

	metricsServer := &http.Server{
		Addr:              cfg.Worker.MetricsAddr,
		Handler:           srv.MetricsHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics server failed")
		}
	}()

	logger.Info().
		Int("concurrency", cfg.Worker.Concurrency).
		Int("max_active_jobs", cfg.Worker.MaxActiveJobs).
		Int("max_retry", cfg.Queue.MaxRetry).
		Str("queue", cfg.Queue.Name).
		Str("redis", cfg.Queue.RedisAddr).
		Str("generation_provider", cfg.Generation.Provider).
		Bool("webhook", notifier.Enabled()).
		Msg("starting worker")

	if err := srv.Start(); err != nil {
		return err
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info().Msg("shutting down")
	stopRun()
	srv.Shutdown()

	ctx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := metricsServer.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("metrics server shutdown")
	}
	return nil
}
