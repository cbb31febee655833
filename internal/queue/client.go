package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

type Options struct {
	Queue    string
	MaxRetry int
	Timeout  time.Duration
}

type taskEnqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
	Close() error
}

type Client struct {
	client taskEnqueuer
	opts   Options
}

func NewClient(redisOpt asynq.RedisConnOpt, opts Options) *Client {
	return newClient(asynq.NewClient(redisOpt), opts)
}

func newClient(enqueuer taskEnqueuer, opts Options) *Client {
	if opts.Queue == "" {
		opts.Queue = "default"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Minute
	}
	if opts.MaxRetry < 0 {
		opts.MaxRetry = 0
	}
	return &Client{client: enqueuer, opts: opts}
}

// Enqueue publishes a generation task for jobID and returns the queue message
// id. The task id is the job id, so enqueuing the same job twice is reported
// as success without creating a second task.
func (c *Client) Enqueue(ctx context.Context, jobID string) (string, error) {
	task, err := NewGenerationTask(jobID)
	if err != nil {
		return "", err
	}

	info, err := c.client.EnqueueContext(
		ctx,
		task,
		asynq.TaskID(jobID),
		asynq.Queue(c.opts.Queue),
		asynq.MaxRetry(c.opts.MaxRetry),
		asynq.Timeout(c.opts.Timeout),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return jobID, nil
	}
	if err != nil {
		return "", fmt.Errorf("enqueue generation task: %w", err)
	}
	return info.ID, nil
}

func (c *Client) Close() error {
	return c.client.Close()
}
