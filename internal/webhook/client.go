package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dunamismax/portraitflow/internal/domain"
)

const (
	HeaderSignature = "X-Portraitflow-Signature"
	HeaderTimestamp = "X-Portraitflow-Timestamp"
	HeaderEvent     = "X-Portraitflow-Event"
)

const (
	EventJobCompleted = "job.completed"
	EventJobFailed    = "job.failed"
)

type Config struct {
	Endpoint       string
	SigningSecret  string
	Timeout        time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// JobEvent is the body posted when a job reaches a terminal status.
type JobEvent struct {
	JobID                     string        `json:"jobId"`
	UserID                    string        `json:"userId"`
	Status                    domain.Status `json:"status"`
	Style                     string        `json:"style"`
	OutputRef                 string        `json:"outputRef,omitempty"`
	FailureReason             string        `json:"failureReason,omitempty"`
	Attempts                  int           `json:"attempts"`
	ProcessingDurationSeconds float64       `json:"processingDurationSeconds,omitempty"`
	OccurredAt                time.Time     `json:"occurredAt"`
}

type Client struct {
	httpClient     *http.Client
	endpoint       string
	signingSecret  string
	maxAttempts    int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	maxAttempts := cfg.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	initialBackoff := cfg.InitialBackoff
	if initialBackoff <= 0 {
		initialBackoff = 1 * time.Second
	}

	maxBackoff := cfg.MaxBackoff
	if maxBackoff < initialBackoff {
		maxBackoff = initialBackoff
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		endpoint:       strings.TrimSpace(cfg.Endpoint),
		signingSecret:  cfg.SigningSecret,
		maxAttempts:    maxAttempts,
		initialBackoff: initialBackoff,
		maxBackoff:     maxBackoff,
	}
}

func (c *Client) Enabled() bool {
	return c != nil && c.endpoint != ""
}

// NotifyJob posts a job.completed or job.failed event for a terminal job.
// Non-terminal jobs are ignored.
func (c *Client) NotifyJob(ctx context.Context, job domain.Job) error {
	if !c.Enabled() {
		return nil
	}

	var event string
	switch job.Status {
	case domain.StatusCompleted:
		event = EventJobCompleted
	case domain.StatusFailed:
		event = EventJobFailed
	default:
		return nil
	}

	body := JobEvent{
		JobID:      job.ID,
		UserID:     job.UserID,
		Status:     job.Status,
		Style:      job.Style,
		Attempts:   job.Attempts,
		OccurredAt: job.UpdatedAt,
	}
	if job.OutputRef != nil {
		body.OutputRef = *job.OutputRef
	}
	if job.FailureReason != nil {
		body.FailureReason = *job.FailureReason
	}
	if job.ProcessingSeconds != nil {
		body.ProcessingDurationSeconds = *job.ProcessingSeconds
	}
	return c.Send(ctx, c.endpoint, event, body)
}

func (c *Client) Send(ctx context.Context, endpoint, event string, payload any) error {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	timestamp := strconv.FormatInt(time.Now().UTC().Unix(), 10)
	signature := Sign(c.signingSecret, timestamp, body)

	backoff := c.initialBackoff
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build webhook request: %w", err)
		}

		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(HeaderTimestamp, timestamp)
		req.Header.Set(HeaderSignature, signature)
		req.Header.Set(HeaderEvent, event)

		resp, err := c.httpClient.Do(req)
		if err == nil && resp != nil {
			resp.Body.Close()
		}

		if err == nil && resp != nil && resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}

		lastErr = classifyWebhookError(err, resp)
		if attempt == c.maxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff = min(backoff*2, c.maxBackoff)
	}

	return fmt.Errorf("webhook delivery failed after %d attempts: %w", c.maxAttempts, lastErr)
}

// Sign returns the signature header value for a timestamp and body:
// sha256=hex(HMAC-SHA256(secret, timestamp + "." + body)).
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a received signature in constant time.
func Verify(secret, timestamp string, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, timestamp, body)), []byte(signature))
}

func classifyWebhookError(err error, resp *http.Response) error {
	if err != nil {
		return err
	}
	if resp == nil {
		return fmt.Errorf("webhook request failed: no response")
	}
	return fmt.Errorf("webhook returned status=%d", resp.StatusCode)
}
