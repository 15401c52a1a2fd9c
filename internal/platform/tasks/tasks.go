package tasks

import (
	"errors"
	"time"

	"rankengine/internal/platform/redis"

	"github.com/hibiken/asynq"
)

const (
	TaskTypeRankJob = "rank:job"

	QueueDefault = "default"
)

// ErrDuplicate is returned when a task with the same id is already queued.
var ErrDuplicate = errors.New("tasks: duplicate task id")

type EnqueueOptions struct {
	Queue      string
	MaxRetries int
	// TaskID makes the submission idempotent when set.
	TaskID string
	// Timeout bounds a single attempt. Zero keeps asynq's default.
	Timeout time.Duration
}

type Client struct{ c *asynq.Client }

func New(r *redis.Service) *Client { return &Client{c: asynq.NewClient(r.AsynqRedisOpt())} }

func (t *Client) Close() error { return t.c.Close() }

func (t *Client) Enqueue(task *asynq.Task, o EnqueueOptions) error {
	opts := []asynq.Option{asynq.MaxRetry(o.MaxRetries)}
	if o.Queue != "" {
		opts = append(opts, asynq.Queue(o.Queue))
	}
	if o.TaskID != "" {
		opts = append(opts, asynq.TaskID(o.TaskID))
	}
	if o.Timeout > 0 {
		opts = append(opts, asynq.Timeout(o.Timeout))
	}
	_, err := t.c.Enqueue(task, opts...)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return ErrDuplicate
	}
	return err
}
