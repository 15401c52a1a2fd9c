package rank

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"rankengine/internal/config"
	"rankengine/internal/core/job"
	"rankengine/internal/core/keyword"
	"rankengine/internal/core/serp"
	"rankengine/internal/logger"
	"rankengine/internal/platform/tasks"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

// ValidationError is a rejected start request.
type ValidationError struct{ Msg string }

func (e *ValidationError) Error() string { return e.Msg }

var (
	ErrUnknownClient    = errors.New("unknown client")
	ErrAlreadyTerminal  = errors.New("job already finished")
	ErrUnknownScope     = errors.New("unknown scope")
	errMissingJobTarget = errors.New("task payload has no targets")
)

type Enqueuer interface {
	Enqueue(task *asynq.Task, opts tasks.EnqueueOptions) error
}

type RankingLister interface {
	List(ctx context.Context, clientCode string, locationCode int) ([]keyword.Record, error)
}

type StartRequest struct {
	ClientCode     string   `json:"clientCode"`
	Keywords       []string `json:"keywords"`
	SelectedDomain string   `json:"selectedDomain"`
}

// TaskPayload is the body of a rank:job task.
type TaskPayload struct {
	JobID   string        `json:"jobId"`
	Targets []ScopeTarget `json:"targets"`
}

type ServiceOptions struct {
	MaxRetries int
	// JobTimeout bounds one run attempt of a job.
	JobTimeout time.Duration
}

type Service struct {
	jobs     *job.Store
	rankings RankingLister
	clients  *config.Clients
	tasks    Enqueuer
	runner   *Runner
	opts     ServiceOptions
	log      *logger.Logger

	finalAttempt func(ctx context.Context) bool
}

func NewService(jobs *job.Store, rankings RankingLister, clients *config.Clients, t Enqueuer, runner *Runner, opts ServiceOptions) *Service {
	return &Service{
		jobs:         jobs,
		rankings:     rankings,
		clients:      clients,
		tasks:        t,
		runner:       runner,
		opts:         opts,
		log:          logger.New("RankService"),
		finalAttempt: isFinalAttempt,
	}
}

// isFinalAttempt reports whether the task behind ctx has no retries left.
func isFinalAttempt(ctx context.Context) bool {
	retried, ok := asynq.GetRetryCount(ctx)
	if !ok {
		return false
	}
	maxRetry, ok := asynq.GetMaxRetry(ctx)
	return ok && retried >= maxRetry
}

// CleanKeywords trims and collapses whitespace, drops empties and removes
// case-insensitive duplicates, keeping the first spelling seen.
func CleanKeywords(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, kw := range in {
		kw = strings.Join(strings.Fields(kw), " ")
		if kw == "" {
			continue
		}
		key := strings.ToLower(kw)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, kw)
	}
	return out
}

func targetsFor(c config.Client) []ScopeTarget {
	out := make([]ScopeTarget, 0, len(job.Scopes))
	for _, scope := range job.Scopes {
		out = append(out, ScopeTarget{Scope: scope, LocationCode: c.Locations[string(scope)], LanguageCode: c.LanguageCode})
	}
	return out
}

// Enqueue validates req, creates the job record and queues its run. It
// returns as soon as the task is queued.
func (s *Service) Enqueue(ctx context.Context, req StartRequest) (string, error) {
	code := strings.TrimSpace(req.ClientCode)
	if code == "" {
		return "", &ValidationError{Msg: "clientCode is required"}
	}
	keywords := CleanKeywords(req.Keywords)
	if len(keywords) == 0 {
		return "", &ValidationError{Msg: "keywords are required"}
	}
	client, ok := s.clients.Lookup(code)
	if !ok {
		return "", &ValidationError{Msg: fmt.Sprintf("unknown clientCode %q", code)}
	}
	domain := serp.NormalizeDomain(req.SelectedDomain)
	if domain == "" {
		domain = serp.NormalizeDomain(client.Domain)
	}

	id := uuid.New().String()
	if _, err := s.jobs.Create(ctx, job.Job{
		JobID:          id,
		ClientCode:     client.Code,
		SelectedDomain: domain,
		Keywords:       keywords,
	}); err != nil {
		return "", err
	}

	payload, _ := json.Marshal(TaskPayload{JobID: id, Targets: targetsFor(client)})
	task := asynq.NewTask(tasks.TaskTypeRankJob, payload)
	err := s.tasks.Enqueue(task, tasks.EnqueueOptions{
		Queue:      tasks.QueueDefault,
		MaxRetries: s.opts.MaxRetries,
		TaskID:     id,
		Timeout:    s.opts.JobTimeout,
	})
	if errors.Is(err, tasks.ErrDuplicate) {
		s.log.LogWarnf("rank job %s already queued", id)
		err = nil
	}
	if err != nil {
		now := time.Now().UTC()
		if _, uerr := s.jobs.Update(ctx, id, job.Update{
			Status:       job.StatusPtr(job.StatusFailed),
			Stage:        job.StagePtr(job.StageDone),
			AppendErrors: []string{fmt.Sprintf("enqueue: %v", err)},
			CompletedAt:  &now,
		}); uerr != nil {
			s.log.LogErrorf("mark job %s failed after enqueue error: %v", id, uerr)
		}
		return "", fmt.Errorf("enqueue job %s: %w", id, err)
	}
	s.log.LogInfof("enqueued rank job %s for client %s with %d keywords", id, client.Code, len(keywords))
	return id, nil
}

func (s *Service) Get(ctx context.Context, id string) (*job.Job, error) {
	return s.jobs.Get(ctx, id)
}

// Cancel marks a queued or running job CANCELLED. The runner notices at its
// next checkpoint.
func (s *Service) Cancel(ctx context.Context, id string) (*job.Job, error) {
	j, err := s.jobs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if j.Status.Terminal() {
		return j, ErrAlreadyTerminal
	}
	j, err = s.jobs.Cancel(ctx, id)
	if errors.Is(err, job.ErrInvalidTransition) {
		return nil, ErrAlreadyTerminal
	}
	if err != nil {
		return nil, err
	}
	s.log.LogInfof("job %s cancellation requested", id)
	return j, nil
}

// Rankings lists the stored rankings of a client for one scope.
func (s *Service) Rankings(ctx context.Context, clientCode string, scope job.Scope) ([]keyword.Record, error) {
	client, ok := s.clients.Lookup(clientCode)
	if !ok {
		return nil, ErrUnknownClient
	}
	loc, ok := client.Locations[string(scope)]
	if !ok {
		return nil, ErrUnknownScope
	}
	recs, err := s.rankings.List(ctx, client.Code, loc)
	if err != nil {
		return nil, err
	}
	if recs == nil {
		recs = []keyword.Record{}
	}
	return recs, nil
}

// HandleRankTask runs a queued job. Orchestration faults are not retried
// since the job is already FAILED. Other errors are returned as-is so the
// queue redelivers the task and the run resumes, unless this was the last
// attempt: then the job is marked FAILED. A shutdown (context.Canceled) never
// spends an attempt, so it always leaves the job to be resumed.
func (s *Service) HandleRankTask(ctx context.Context, task *asynq.Task) error {
	var p TaskPayload
	if err := json.Unmarshal(task.Payload(), &p); err != nil {
		return fmt.Errorf("decode rank task: %v: %w", err, asynq.SkipRetry)
	}
	if p.JobID == "" || len(p.Targets) == 0 {
		return fmt.Errorf("rank task %q: %v: %w", p.JobID, errMissingJobTarget, asynq.SkipRetry)
	}
	s.log.LogInfof("processing rank job %s", p.JobID)

	err := s.runner.Run(ctx, p.JobID, p.Targets)
	var fault *FaultError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &fault):
		return fmt.Errorf("rank job %s: %v: %w", p.JobID, err, asynq.SkipRetry)
	case errors.Is(err, context.Canceled):
		return err
	case s.finalAttempt(ctx):
		cause := fmt.Errorf("no attempts left: %w", err)
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), flushTimeout)
		defer cancel()
		s.runner.fail(fctx, p.JobID, cause)
		return fmt.Errorf("rank job %s: %v: %w", p.JobID, cause, asynq.SkipRetry)
	}
	return err
}
