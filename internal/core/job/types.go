package job

import (
	"errors"
	"time"
)

var (
	ErrNotFound          = errors.New("job not found")
	ErrInvalidTransition = errors.New("invalid job status transition")
)

type Status string

const (
	StatusQueued    Status = "QUEUED"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether no further status change is allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// CanTransition reports whether a job may move from s to next.
// RUNNING -> RUNNING is allowed so an interrupted run can resume, and
// QUEUED -> FAILED covers a job whose task could not be queued.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusQueued:
		return next == StatusQueued || next == StatusRunning || next == StatusFailed || next == StatusCancelled
	case StatusRunning:
		return next == StatusRunning || next == StatusCompleted || next == StatusFailed || next == StatusCancelled
	default:
		return s == next
	}
}

type Stage string

const (
	StagePrepare        Stage = "PREPARE"
	StageFetchingScopeA Stage = "FETCHING_SCOPE_A"
	StageFetchingScopeB Stage = "FETCHING_SCOPE_B"
	StageDone           Stage = "DONE"
)

// Scope identifies one of the two location contexts a job fetches.
type Scope string

const (
	ScopeA Scope = "A"
	ScopeB Scope = "B"
)

var Scopes = []Scope{ScopeA, ScopeB}

func (s Scope) Stage() Stage {
	if s == ScopeB {
		return StageFetchingScopeB
	}
	return StageFetchingScopeA
}

type Progress struct {
	Done    int    `json:"done"`
	Total   int    `json:"total"`
	Current string `json:"current"`
}

// merge folds an update into p: Done never decreases and never exceeds Total.
func (p Progress) merge(next Progress) Progress {
	out := next
	if p.Done > out.Done {
		out.Done = p.Done
	}
	if out.Total == 0 {
		out.Total = p.Total
	}
	if out.Done > out.Total {
		out.Done = out.Total
	}
	return out
}

// Job is the persisted record of one ranking collection run.
type Job struct {
	JobID          string             `json:"jobId"`
	ClientCode     string             `json:"clientCode"`
	SelectedDomain string             `json:"selectedDomain"`
	Keywords       []string           `json:"keywords"`
	Status         Status             `json:"status"`
	Stage          Stage              `json:"stage"`
	Progress       map[Scope]Progress `json:"progress"`
	Errors         []string           `json:"errors"`
	CreatedAt      time.Time          `json:"createdAt"`
	StartedAt      *time.Time         `json:"startedAt"`
	CompletedAt    *time.Time         `json:"completedAt"`
	UpdatedAt      time.Time          `json:"updatedAt"`
}

// Update is a partial change applied by Store.Update. Nil fields are left
// untouched; Progress is merged per scope; AppendErrors is appended.
type Update struct {
	Status       *Status
	Stage        *Stage
	Progress     map[Scope]Progress
	AppendErrors []string
	StartedAt    *time.Time
	CompletedAt  *time.Time
}

func (u Update) apply(j *Job, now time.Time) error {
	if u.Status != nil {
		if !j.Status.CanTransition(*u.Status) {
			return ErrInvalidTransition
		}
		j.Status = *u.Status
	}
	if u.Stage != nil {
		j.Stage = *u.Stage
	}
	if len(u.Progress) > 0 {
		if j.Progress == nil {
			j.Progress = make(map[Scope]Progress, len(u.Progress))
		}
		for scope, p := range u.Progress {
			j.Progress[scope] = j.Progress[scope].merge(p)
		}
	}
	j.Errors = append(j.Errors, u.AppendErrors...)
	if u.StartedAt != nil {
		t := *u.StartedAt
		j.StartedAt = &t
	}
	if u.CompletedAt != nil {
		t := *u.CompletedAt
		j.CompletedAt = &t
	}
	j.UpdatedAt = now
	return nil
}

func StatusPtr(s Status) *Status { return &s }
func StagePtr(s Stage) *Stage    { return &s }
func TimePtr(t time.Time) *time.Time {
	return &t
}
