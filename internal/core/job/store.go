package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"rankengine/internal/logger"
	rds "rankengine/internal/platform/redis"
)

// EventUpdated is published on a job's channel after every write.
const EventUpdated = "updated"

// Backend is the key/value layer under Store; *redis.Service implements it.
type Backend interface {
	CacheGet(ctx context.Context, key string, dest interface{}) error
	CacheSet(ctx context.Context, key string, val interface{}, ttl time.Duration) error
	CacheTransform(ctx context.Context, key string, ttl time.Duration, fn func(raw []byte) ([]byte, error)) error
	Publish(ctx context.Context, channel, msg string) error
}

// Store is the durable job record store. Every operation on a job id runs
// under that id's lock, and updates are applied in a redis transaction on the
// record, so read-merge-write updates never interleave within a process or
// across processes sharing the same redis.
type Store struct {
	backend Backend
	locks   *KeyedMutex
	ttl     time.Duration
	now     func() time.Time
	log     *logger.Logger
}

func NewStore(backend Backend, ttl time.Duration) *Store {
	return &Store{
		backend: backend,
		locks:   NewKeyedMutex(),
		ttl:     ttl,
		now:     func() time.Time { return time.Now().UTC() },
		log:     logger.New("JobStore"),
	}
}

func Key(id string) string { return "rankjob:" + id }

// Create stores a new QUEUED job. Status, stage, progress, errors and
// timestamps on j are reset.
func (s *Store) Create(ctx context.Context, j Job) (*Job, error) {
	if j.JobID == "" {
		return nil, fmt.Errorf("create job: empty id")
	}
	unlock := s.locks.Lock(j.JobID)
	defer unlock()

	var existing Job
	err := s.backend.CacheGet(ctx, Key(j.JobID), &existing)
	if err == nil {
		return nil, fmt.Errorf("create job %s: already exists", j.JobID)
	}
	if !errors.Is(err, rds.ErrCacheMiss) {
		return nil, fmt.Errorf("create job %s: %w", j.JobID, err)
	}

	now := s.now()
	j.Status = StatusQueued
	j.Stage = StagePrepare
	j.Progress = make(map[Scope]Progress, len(Scopes))
	for _, scope := range Scopes {
		j.Progress[scope] = Progress{Total: len(j.Keywords)}
	}
	j.Errors = []string{}
	j.CreatedAt = now
	j.UpdatedAt = now
	j.StartedAt = nil
	j.CompletedAt = nil
	if err := s.write(ctx, &j); err != nil {
		return nil, fmt.Errorf("create job %s: %w", j.JobID, err)
	}
	return &j, nil
}

// Get returns ErrNotFound when the job does not exist or has expired.
func (s *Store) Get(ctx context.Context, id string) (*Job, error) {
	unlock := s.locks.Lock(id)
	defer unlock()
	return s.read(ctx, id)
}

// Update applies u to the stored job and returns the new snapshot. A status
// change not allowed by CanTransition returns ErrInvalidTransition and
// leaves the record untouched.
func (s *Store) Update(ctx context.Context, id string, u Update) (*Job, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	var out *Job
	err := s.backend.CacheTransform(ctx, Key(id), s.ttl, func(raw []byte) ([]byte, error) {
		var j Job
		if err := json.Unmarshal(raw, &j); err != nil {
			return nil, err
		}
		if err := u.apply(&j, s.now()); err != nil {
			return nil, err
		}
		out = &j
		return json.Marshal(&j)
	})
	if errors.Is(err, rds.ErrCacheMiss) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("update job %s: %w", id, err)
	}
	s.publish(ctx, id)
	return out, nil
}

// Cancel requests cooperative cancellation of a queued or running job.
func (s *Store) Cancel(ctx context.Context, id string) (*Job, error) {
	return s.Update(ctx, id, Update{Status: StatusPtr(StatusCancelled)})
}

func (s *Store) read(ctx context.Context, id string) (*Job, error) {
	var j Job
	if err := s.backend.CacheGet(ctx, Key(id), &j); err != nil {
		if errors.Is(err, rds.ErrCacheMiss) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return &j, nil
}

func (s *Store) write(ctx context.Context, j *Job) error {
	if err := s.backend.CacheSet(ctx, Key(j.JobID), j, s.ttl); err != nil {
		return err
	}
	s.publish(ctx, j.JobID)
	return nil
}

func (s *Store) publish(ctx context.Context, id string) {
	if err := s.backend.Publish(ctx, Key(id), EventUpdated); err != nil {
		s.log.LogWarnf("publish update for job %s: %v", id, err)
	}
}
