package rank

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"rankengine/internal/core/job"
	"rankengine/internal/core/keyword"
	"rankengine/internal/core/serp"
	"rankengine/internal/logger"
	"rankengine/internal/platform/rankapi"
	"rankengine/internal/utils/chunk"

	"golang.org/x/sync/errgroup"
)

// flushTimeout bounds the end-of-scope flush, which runs even after
// fetching was stopped.
const flushTimeout = 30 * time.Second

var errJobGone = errors.New("job record no longer exists")

// FaultError is an orchestration failure. The job has been marked FAILED.
type FaultError struct{ Err error }

func (e *FaultError) Error() string { return e.Err.Error() }
func (e *FaultError) Unwrap() error { return e.Err }

type TaskAPI interface {
	Submit(ctx context.Context, keywords []string, locationCode, resultLimit int, jc rankapi.JobContext) ([]rankapi.Task, error)
	AwaitResults(ctx context.Context, tasks []rankapi.Task, jc rankapi.JobContext, onResult func(rankapi.Resolution)) error
}

type JobStore interface {
	Get(ctx context.Context, id string) (*job.Job, error)
	Update(ctx context.Context, id string, u job.Update) (*job.Job, error)
}

type KeywordStore interface {
	BatchWriter
	Load(ctx context.Context, clientCode string, locationCode int, keywords []string) (map[string]keyword.Record, error)
}

// ScopeTarget binds a scope to the provider location it fetches.
type ScopeTarget struct {
	Scope        job.Scope `json:"scope"`
	LocationCode int       `json:"locationCode"`
	LanguageCode string    `json:"languageCode,omitempty"`
}

type RunnerOptions struct {
	ChunkSize      int
	FlushThreshold int
	ProgressEvery  int
	ResultLimit    int
}

// Runner drives one job from QUEUED (or an interrupted RUNNING) to a
// terminal state.
type Runner struct {
	api      TaskAPI
	jobs     JobStore
	keywords KeywordStore
	opts     RunnerOptions
	now      func() time.Time
	log      *logger.Logger
}

func NewRunner(api TaskAPI, jobs JobStore, keywords KeywordStore, opts RunnerOptions) *Runner {
	if opts.ChunkSize < 1 {
		opts.ChunkSize = chunk.DefaultSize
	}
	if opts.ProgressEvery < 1 {
		opts.ProgressEvery = 5
	}
	if opts.ResultLimit < 1 {
		opts.ResultLimit = 100
	}
	return &Runner{
		api:      api,
		jobs:     jobs,
		keywords: keywords,
		opts:     opts,
		now:      func() time.Time { return time.Now().UTC() },
		log:      logger.New("RankRunner"),
	}
}

// Run fetches every target scope concurrently. Per-chunk, per-task and
// per-flush failures are recorded on the job and do not stop it. An
// orchestration fault marks the job FAILED and is returned as *FaultError.
// Any other error (ctx done, job store unreachable before start) leaves the
// job resumable.
func (r *Runner) Run(ctx context.Context, jobID string, targets []ScopeTarget) error {
	j, err := r.jobs.Get(ctx, jobID)
	if errors.Is(err, job.ErrNotFound) {
		r.log.LogWarnf("job %s not found; nothing to run", jobID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load job %s: %w", jobID, err)
	}
	if j.Status.Terminal() {
		r.log.LogInfof("job %s already %s; skipping", jobID, j.Status)
		return nil
	}

	start := job.Update{Status: job.StatusPtr(job.StatusRunning), Stage: job.StagePtr(job.StagePrepare)}
	if j.StartedAt == nil {
		start.StartedAt = job.TimePtr(r.now())
	}
	if _, err := r.jobs.Update(ctx, jobID, start); err != nil {
		if errors.Is(err, job.ErrInvalidTransition) || errors.Is(err, job.ErrNotFound) {
			r.log.LogInfof("job %s changed before start; skipping", jobID)
			return nil
		}
		return fmt.Errorf("start job %s: %w", jobID, err)
	}
	r.log.LogInfof("job %s running: %d keywords, %d scopes", jobID, len(j.Keywords), len(targets))

	fetchCtx, stopFetching := context.WithCancel(ctx)
	defer stopFetching()
	g, gctx := errgroup.WithContext(fetchCtx)
	stages := &stageTracker{active: make(map[job.Scope]bool, len(targets))}
	for _, t := range targets {
		sr := &scopeRun{
			r:         r,
			job:       j,
			target:    t,
			stages:    stages,
			stopAll:   stopFetching,
			persister: NewPersister(r.keywords, r.opts.FlushThreshold),
		}
		g.Go(func() error { return sr.run(ctx, gctx) })
	}
	runErr := g.Wait()

	if ctx.Err() != nil {
		r.log.LogWarnf("job %s interrupted: %v", jobID, ctx.Err())
		return ctx.Err()
	}
	if errors.Is(runErr, errJobGone) {
		r.log.LogWarnf("job %s disappeared mid-run", jobID)
		return nil
	}
	if runErr != nil {
		r.fail(ctx, jobID, runErr)
		return &FaultError{Err: runErr}
	}
	r.finish(ctx, jobID)
	return nil
}

func (r *Runner) finish(ctx context.Context, jobID string) {
	now := r.now()
	_, err := r.jobs.Update(ctx, jobID, job.Update{
		Status:      job.StatusPtr(job.StatusCompleted),
		Stage:       job.StagePtr(job.StageDone),
		CompletedAt: &now,
	})
	if errors.Is(err, job.ErrInvalidTransition) {
		// cancelled while running: keep the status, close out the stage
		_, err = r.jobs.Update(ctx, jobID, job.Update{Stage: job.StagePtr(job.StageDone), CompletedAt: &now})
	}
	if err != nil {
		r.log.LogErrorf("finish job %s: %v", jobID, err)
		return
	}
	r.log.LogSuccessf("job %s done", jobID)
}

func (r *Runner) fail(ctx context.Context, jobID string, cause error) {
	now := r.now()
	_, err := r.jobs.Update(ctx, jobID, job.Update{
		Status:       job.StatusPtr(job.StatusFailed),
		Stage:        job.StagePtr(job.StageDone),
		AppendErrors: []string{cause.Error()},
		CompletedAt:  &now,
	})
	if errors.Is(err, job.ErrInvalidTransition) {
		_, err = r.jobs.Update(ctx, jobID, job.Update{
			Stage:        job.StagePtr(job.StageDone),
			AppendErrors: []string{cause.Error()},
			CompletedAt:  &now,
		})
	}
	if err != nil {
		r.log.LogErrorf("mark job %s failed (%v): %v", jobID, cause, err)
		return
	}
	r.log.LogErrorf("job %s failed: %v", jobID, cause)
}

// stageTracker derives the job stage from the set of scopes still fetching.
// Stage writes happen under its lock so they land in order.
type stageTracker struct {
	mu     sync.Mutex
	active map[job.Scope]bool
}

func (t *stageTracker) stage() job.Stage {
	for _, s := range job.Scopes {
		if t.active[s] {
			return s.Stage()
		}
	}
	return job.StageDone
}

func (t *stageTracker) set(scope job.Scope, active bool, write func(job.Stage) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	before := t.stage()
	if active {
		t.active[scope] = true
	} else {
		delete(t.active, scope)
	}
	after := t.stage()
	if after == before || after == job.StageDone {
		return nil
	}
	return write(after)
}

// scopeRun is one scope's pipeline. Store writes use the job context; remote
// calls use the fetch context, which is cancelled once the job is cancelled
// or a sibling scope faults.
type scopeRun struct {
	r         *Runner
	job       *job.Job
	target    ScopeTarget
	stages    *stageTracker
	stopAll   func()
	persister *Persister

	done      int
	processed int
	cancelled bool
	fault     error
}

func (s *scopeRun) jc() rankapi.JobContext {
	return rankapi.JobContext{JobID: s.job.JobID, Scope: string(s.target.Scope), LanguageCode: s.target.LanguageCode}
}

func (s *scopeRun) progress(current string) map[job.Scope]job.Progress {
	return map[job.Scope]job.Progress{s.target.Scope: {Done: s.done, Total: len(s.job.Keywords), Current: current}}
}

func (s *scopeRun) run(ctx, fetchCtx context.Context) (err error) {
	scope, loc := s.target.Scope, s.target.LocationCode
	log := s.r.log.With("job", s.job.JobID).With("scope", string(scope))

	stored, err := s.r.keywords.Load(ctx, s.job.ClientCode, loc, s.job.Keywords)
	if err != nil {
		return fmt.Errorf("scope %s: load stored rankings: %w", scope, err)
	}
	todo := make([]string, 0, len(s.job.Keywords))
	for _, kw := range s.job.Keywords {
		if rec, ok := stored[kw]; ok && rec.HasResults() {
			s.done++
			continue
		}
		todo = append(todo, kw)
	}
	chunks := chunk.Split(todo, s.r.opts.ChunkSize)
	log.LogInfof("%d stored, %d to fetch in %d chunks", s.done, len(todo), len(chunks))

	if err := s.write(ctx, job.Update{Progress: s.progress("")}); err != nil {
		return err
	}
	if err := s.stages.set(scope, true, func(st job.Stage) error {
		return s.write(ctx, job.Update{Stage: &st})
	}); err != nil {
		return err
	}
	defer func() {
		if ferr := s.flush(ctx); ferr != nil && err == nil {
			err = ferr
		}
		if serr := s.stages.set(scope, false, func(st job.Stage) error {
			return s.write(ctx, job.Update{Stage: &st})
		}); serr != nil && err == nil {
			err = serr
		}
	}()

	for i, batch := range chunks {
		if fetchCtx.Err() != nil {
			return nil
		}
		cancelled, err := s.r.isCancelled(ctx, s.job.JobID)
		if err != nil {
			return err
		}
		if cancelled {
			log.LogInfof("cancelled before chunk %d/%d", i+1, len(chunks))
			s.stopAll()
			return nil
		}

		tasks, err := s.r.api.Submit(fetchCtx, batch, loc, s.r.opts.ResultLimit, s.jc())
		if err != nil {
			if fetchCtx.Err() != nil {
				return nil
			}
			log.LogWarnf("chunk %d/%d rejected: %v", i+1, len(chunks), err)
			if werr := s.write(ctx, job.Update{
				AppendErrors: []string{fmt.Sprintf("scope %s chunk %d/%d (%d keywords): %v", scope, i+1, len(chunks), len(batch), err)},
			}); werr != nil {
				return werr
			}
			continue
		}

		sctx, stop := context.WithCancel(fetchCtx)
		awaitErr := s.r.api.AwaitResults(sctx, tasks, s.jc(), func(res rankapi.Resolution) {
			s.onResult(ctx, stop, res)
		})
		stop()
		if s.fault != nil {
			return s.fault
		}
		if s.cancelled {
			log.LogInfof("cancelled during chunk %d/%d", i+1, len(chunks))
			return nil
		}
		if awaitErr != nil && fetchCtx.Err() != nil {
			return nil
		}
		if err := s.write(ctx, job.Update{Progress: s.progress("")}); err != nil {
			return err
		}
	}
	return nil
}

// onResult handles one resolved task. AwaitResults serializes calls, so the
// counters need no lock.
func (s *scopeRun) onResult(ctx context.Context, stop func(), res rankapi.Resolution) {
	if s.cancelled || s.fault != nil {
		return
	}
	cancelled, err := s.r.isCancelled(ctx, s.job.JobID)
	if err != nil {
		s.fault = err
		stop()
		s.stopAll()
		return
	}
	if cancelled {
		s.cancelled = true
		stop()
		s.stopAll()
		return
	}

	var errs []string
	if res.Status == rankapi.StatusCompleted {
		entries := serp.ExtractRankingEntries(res.Payload)
		rec := keyword.NewRecord(s.job.ClientCode, res.Keyword, s.target.LocationCode, s.job.SelectedDomain, s.job.JobID, entries)
		if err := s.persister.Add(ctx, rec); err != nil {
			errs = append(errs, fmt.Sprintf("scope %s: %v", s.target.Scope, err))
		}
	} else {
		errs = append(errs, fmt.Sprintf("scope %s keyword %q: task %s %s: %v", s.target.Scope, res.Keyword, res.TaskID, res.Status, res.Err))
	}
	s.done++
	s.processed++

	if len(errs) == 0 && s.processed%s.r.opts.ProgressEvery != 0 {
		return
	}
	if err := s.write(ctx, job.Update{Progress: s.progress(res.Keyword), AppendErrors: errs}); err != nil {
		s.fault = err
		stop()
		s.stopAll()
	}
}

func (s *scopeRun) flush(ctx context.Context) error {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), flushTimeout)
	defer cancel()
	err := s.persister.Flush(fctx)
	if err == nil {
		return nil
	}
	s.r.log.LogWarnf("job %s scope %s: %v", s.job.JobID, s.target.Scope, err)
	return s.write(fctx, job.Update{AppendErrors: []string{fmt.Sprintf("scope %s: %v", s.target.Scope, err)}})
}

func (s *scopeRun) write(ctx context.Context, u job.Update) error {
	if _, err := s.r.jobs.Update(ctx, s.job.JobID, u); err != nil {
		if errors.Is(err, job.ErrNotFound) {
			return errJobGone
		}
		return fmt.Errorf("scope %s: update job: %w", s.target.Scope, err)
	}
	return nil
}

func (r *Runner) isCancelled(ctx context.Context, jobID string) (bool, error) {
	j, err := r.jobs.Get(ctx, jobID)
	if errors.Is(err, job.ErrNotFound) {
		return false, errJobGone
	}
	if err != nil {
		return false, fmt.Errorf("check job status: %w", err)
	}
	return j.Status == job.StatusCancelled, nil
}
