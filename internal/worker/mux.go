package worker

import (
	"context"
	"time"

	"rankengine/internal/logger"

	"github.com/hibiken/asynq"
)

type Mux struct {
	mux *asynq.ServeMux
	log *logger.Logger
}

func NewMux() *Mux {
	m := &Mux{mux: asynq.NewServeMux(), log: logger.New("Worker")}
	m.mux.Use(m.logging)
	return m
}

func (m *Mux) HandleFunc(t string, h func(ctx context.Context, task *asynq.Task) error) {
	m.mux.HandleFunc(t, h)
}

func (m *Mux) Mux() *asynq.ServeMux { return m.mux }

func (m *Mux) logging(next asynq.Handler) asynq.Handler {
	return asynq.HandlerFunc(func(ctx context.Context, task *asynq.Task) error {
		start := time.Now()
		id, _ := asynq.GetTaskID(ctx)
		retried, _ := asynq.GetRetryCount(ctx)
		m.log.Info().Str("type", task.Type()).Str("task_id", id).Int("retry", retried).Msg("task started")
		err := next.ProcessTask(ctx, task)
		if err != nil {
			m.log.Error().Err(err).Str("type", task.Type()).Str("task_id", id).Dur("took", time.Since(start)).Msg("task failed")
			return err
		}
		m.log.Info().Str("type", task.Type()).Str("task_id", id).Dur("took", time.Since(start)).Msg("task done")
		return nil
	})
}
