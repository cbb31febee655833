package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/dunamismax/portraitflow/internal/config"
	"github.com/dunamismax/portraitflow/internal/queue"
)

type Server struct {
	logger    zerolog.Logger
	server    *asynq.Server
	sem       chan struct{}
	processor *Processor
	metrics   *Metrics
	maxRetry  int
}

func NewServer(
	logger zerolog.Logger,
	queueCfg config.QueueConfig,
	workerCfg config.WorkerConfig,
	processor *Processor,
	metrics *Metrics,
) (*Server, error) {
	if processor == nil {
		return nil, errors.New("worker processor is required")
	}
	if metrics == nil {
		metrics = NewMetrics()
	}

	logger = logger.With().Str("component", "worker_server").Logger()
	s := &Server{
		logger:    logger,
		sem:       make(chan struct{}, max(1, workerCfg.MaxActiveJobs)),
		processor: processor,
		metrics:   metrics,
		maxRetry:  queueCfg.MaxRetry,
	}
	s.server = asynq.NewServer(
		queueCfg.RedisClientOpt(),
		asynq.Config{
			Concurrency: workerCfg.Concurrency,
			Queues: map[string]int{
				queueCfg.Name: 1,
			},
			Logger:          asynqLogger{logger: logger},
			LogLevel:        asynq.InfoLevel,
			ShutdownTimeout: workerCfg.ShutdownTimeout,
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				retried, _ := asynq.GetRetryCount(ctx)
				maxRetry, _ := asynq.GetMaxRetry(ctx)
				taskID, _ := asynq.GetTaskID(ctx)
				logger.Warn().
					Err(err).
					Str("task_type", task.Type()).
					Str("task_id", taskID).
					Int("retry", retried).
					Int("max_retry", maxRetry).
					Msg("task failed")
			}),
		},
	)
	return s, nil
}

func (s *Server) mux() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TypeGenerate, s.handleGenerate)
	return mux
}

// Start begins consuming in the background; Shutdown stops it.
func (s *Server) Start() error {
	return s.server.Start(s.mux())
}

func (s *Server) Shutdown() {
	s.server.Shutdown()
}

func (s *Server) MetricsHandler() http.Handler {
	return s.metrics.Handler()
}

func (s *Server) handleGenerate(ctx context.Context, task *asynq.Task) error {
	payload, err := queue.ParseGenerationPayload(task)
	if err != nil {
		return fmt.Errorf("parse payload: %v: %w", err, asynq.SkipRetry)
	}

	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.metrics.activeJobs.Inc()
	defer func() {
		<-s.sem
		s.metrics.activeJobs.Dec()
	}()

	err = s.processor.Process(ctx, payload.JobID, attemptFromContext(ctx, s.maxRetry))
	if errors.Is(err, ErrPermanent) {
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}
	return err
}

// attemptFromContext reads the delivery count asynq stores on the handler
// context, falling back to a first attempt under the configured bound.
func attemptFromContext(ctx context.Context, defaultMaxRetry int) Attempt {
	retried, ok := asynq.GetRetryCount(ctx)
	if !ok {
		retried = 0
	}
	maxRetry, ok := asynq.GetMaxRetry(ctx)
	if !ok {
		maxRetry = defaultMaxRetry
	}
	return Attempt{Number: retried + 1, Max: max(0, maxRetry) + 1}
}
