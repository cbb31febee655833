package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/dunamismax/portraitflow/internal/auth"
	"github.com/dunamismax/portraitflow/internal/domain"
	"github.com/dunamismax/portraitflow/internal/ratelimit"
	"github.com/dunamismax/portraitflow/internal/status"
	"github.com/dunamismax/portraitflow/internal/storage"
	"github.com/dunamismax/portraitflow/internal/store"
)

type Submitter interface {
	Submit(ctx context.Context, req domain.SubmitRequest) (domain.SubmitResult, error)
}

type StatusReader interface {
	GetStatus(ctx context.Context, jobID, callerUserID string) (status.Snapshot, error)
	ListJobs(ctx context.Context, userID string, filter store.ListFilter) ([]domain.Job, error)
	DownloadURL(ctx context.Context, jobID, callerUserID string) (status.Download, error)
	Quota(ctx context.Context, userID string) (status.QuotaSummary, error)
}

type UploadSigner interface {
	PresignedPutURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error)
}

type Authenticator interface {
	Authenticate(r *http.Request) (string, error)
}

type Config struct {
	UploadURLTTL   time.Duration
	MaxUploadBytes int64
}

type Server struct {
	logger      zerolog.Logger
	submitter   Submitter
	status      StatusReader
	uploads     UploadSigner
	auth        Authenticator
	rateLimiter ratelimit.Limiter
	metrics     *Metrics
	tracer      trace.Tracer
	cfg         Config
	router      chi.Router
}

type Option func(*Server)

func WithRateLimiter(l ratelimit.Limiter) Option {
	return func(s *Server) {
		s.rateLimiter = l
	}
}

func WithMetrics(m *Metrics) Option {
	return func(s *Server) {
		if m != nil {
			s.metrics = m
		}
	}
}

func NewServer(
	cfg Config,
	logger zerolog.Logger,
	submitter Submitter,
	statusReader StatusReader,
	uploads UploadSigner,
	authn Authenticator,
	opts ...Option,
) (*Server, error) {
	if submitter == nil || statusReader == nil || uploads == nil || authn == nil {
		return nil, errors.New("api server requires a submitter, status reader, upload signer and authenticator")
	}
	if cfg.UploadURLTTL <= 0 {
		cfg.UploadURLTTL = 15 * time.Minute
	}

	s := &Server{
		logger:    logger.With().Str("component", "api").Logger(),
		submitter: submitter,
		status:    statusReader,
		uploads:   uploads,
		auth:      authn,
		tracer:    otel.Tracer("portraitflow/api"),
		cfg:       cfg,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = NewMetrics()
	}
	s.routes()
	return s, nil
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Metrics() *Metrics {
	return s.metrics
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, s.withAccessLog, middleware.Recoverer)
	r.Use(s.withTracing, s.metrics.withHTTPMetrics)

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.withAuth)

		r.With(s.withRateLimit).Post("/jobs", s.handleSubmitJob)
		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Get("/jobs/{id}/download", s.handleDownload)
		r.With(s.withRateLimit).Post("/uploads", s.handleCreateUpload)
		r.Get("/me/quota", s.handleQuota)
	})

	s.router = r
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type submitJobRequest struct {
	InputRef    string `json:"inputRef"`
	Instruction string `json:"instruction"`
	Style       string `json:"style"`
}

type submitJobResponse struct {
	JobID          string        `json:"jobId"`
	Status         domain.Status `json:"status"`
	RemainingQuota int           `json:"remainingQuota"`
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var body submitJobRequest
	if err := decodeJSON(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	userID, _ := auth.UserID(r.Context())
	result, err := s.submitter.Submit(r.Context(), domain.SubmitRequest{
		UserID:      userID,
		InputRef:    body.InputRef,
		Instruction: body.Instruction,
		Style:       body.Style,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusAccepted, submitJobResponse{
		JobID:          result.JobID,
		Status:         result.Status,
		RemainingQuota: result.RemainingQuota,
	})
}

type jobView struct {
	JobID                     string        `json:"jobId"`
	Status                    domain.Status `json:"status"`
	Style                     string        `json:"style"`
	InputRef                  string        `json:"inputRef"`
	OutputRef                 *string       `json:"outputRef,omitempty"`
	OutputURL                 string        `json:"outputUrl,omitempty"`
	FailureReason             *string       `json:"failureReason,omitempty"`
	Attempts                  int           `json:"attempts"`
	ProcessingDurationSeconds *float64      `json:"processingDurationSeconds,omitempty"`
	CreatedAt                 time.Time     `json:"createdAt"`
	UpdatedAt                 time.Time     `json:"updatedAt"`
}

func newJobView(job domain.Job) jobView {
	return jobView{
		JobID:                     job.ID,
		Status:                    job.Status,
		Style:                     job.Style,
		InputRef:                  job.InputRef,
		OutputRef:                 job.OutputRef,
		FailureReason:             job.FailureReason,
		Attempts:                  job.Attempts,
		ProcessingDurationSeconds: job.ProcessingSeconds,
		CreatedAt:                 job.CreatedAt,
		UpdatedAt:                 job.UpdatedAt,
	}
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserID(r.Context())
	snap, err := s.status.GetStatus(r.Context(), chi.URLParam(r, "id"), userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	view := newJobView(snap.Job)
	view.OutputURL = snap.OutputURL
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	filter := store.ListFilter{}
	if raw := r.URL.Query().Get("status"); raw != "" {
		st, err := domain.ParseStatus(raw)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		filter.Status = st
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		filter.Limit = limit
	}
	filter = filter.Normalize()

	userID, _ := auth.UserID(r.Context())
	jobs, err := s.status.ListJobs(r.Context(), userID, filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	views := make([]jobView, 0, len(jobs))
	for _, job := range jobs {
		views = append(views, newJobView(job))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":  views,
		"total": len(views),
		"limit": filter.Limit,
	})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserID(r.Context())
	download, err := s.status.DownloadURL(r.Context(), chi.URLParam(r, "id"), userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"jobId":       download.JobID,
		"downloadUrl": download.URL,
		"expiresIn":   int(download.ExpiresIn.Seconds()),
	})
}

type createUploadRequest struct {
	FileName    string `json:"fileName"`
	ContentType string `json:"contentType"`
	FileSize    int64  `json:"fileSize"`
}

func (s *Server) handleCreateUpload(w http.ResponseWriter, r *http.Request) {
	var body createUploadRequest
	if err := decodeJSON(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	userID, _ := auth.UserID(r.Context())
	key, err := storage.UploadKey(userID, body.ContentType, body.FileSize, s.cfg.MaxUploadBytes)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	url, err := s.uploads.PresignedPutURL(r.Context(), key, s.cfg.UploadURLTTL)
	if err != nil {
		s.writeError(w, r, fmt.Errorf("presign upload: %w", err))
		return
	}

	s.logger.Debug().Str("user_id", userID).Str("file_key", key).Str("file_name", truncate(body.FileName, 128)).Msg("upload url issued")
	writeJSON(w, http.StatusOK, map[string]any{
		"uploadUrl": url,
		"fileKey":   key,
		"expiresIn": int(s.cfg.UploadURLTTL.Seconds()),
	})
}

func (s *Server) handleQuota(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserID(r.Context())
	summary, err := s.status.Quota(r.Context(), userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"dailyLimit":     summary.DailyLimit,
		"usedToday":      summary.UsedToday,
		"remainingQuota": summary.RemainingQuota,
		"day":            summary.Day,
	})
}

func (s *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := s.auth.Authenticate(r)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "authentication required"})
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithUserID(r.Context(), userID)))
	})
}

func (s *Server) withAccessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Info().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("route", routeLabel(r)).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

// writeError maps domain errors to status codes. Anything unrecognised is
// logged and reported as a bare 500.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrQuotaExceeded):
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":          "daily quota exceeded",
			"remainingQuota": 0,
		})
	case errors.Is(err, domain.ErrInputNotFound):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "input not found"})
	case errors.Is(err, domain.ErrInvalidRequest):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, domain.ErrJobNotCompleted):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "job is not completed"})
	case errors.Is(err, domain.ErrJobNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "job not found"})
	case errors.Is(err, domain.ErrForbidden):
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "access denied"})
	case errors.Is(err, domain.ErrEnqueueFailure):
		s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("enqueue failure")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to enqueue job"})
	default:
		s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func decodeJSON(r *http.Request, into any) error {
	const maxBodyBytes = 1 << 20
	limited := io.LimitReader(r.Body, maxBodyBytes)
	decoder := json.NewDecoder(limited)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(into); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return errors.New("invalid JSON body: multiple JSON values are not allowed")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// truncate keeps at most n runes of s.
func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}
