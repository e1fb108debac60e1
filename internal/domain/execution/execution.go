// Package execution models JobExecution and JobAttempt, the durable record
// of one idempotent run of a named job for one tenant.
//
// Shape and status-enum style are carried over from the prior generation's
// internal/domain/job.Job, generalized so a single execution row is keyed by
// (job_type, idempotency_key) instead of a bare job id, and so attempts are
// tracked as their own append-only entity rather than a single attempts
// counter on the job row.
package execution

import (
	"errors"
	"fmt"
	"time"

	"github.com/pipelinehq/workfabric/internal/clockid"
)

var (
	ErrNotFound          = errors.New("execution: not found")
	ErrInvalidTransition = errors.New("execution: invalid status transition")
)

// Status is the JobExecution lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusStarted   Status = "started"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusRetrying  Status = "retrying"
)

// ActiveStatuses is the subset counted by the per-tenant capacity gate.
var ActiveStatuses = []Status{StatusStarted, StatusPending, StatusRetrying}

func (s Status) valid() bool {
	switch s {
	case StatusPending, StatusStarted, StatusCompleted, StatusFailed, StatusRetrying:
		return true
	default:
		return false
	}
}

// allowedTransitions enumerates the monotonic-forward rule: every transition
// is forward except failed->retrying, which is the one permitted backstep.
var allowedTransitions = map[Status]map[Status]bool{
	StatusPending:   {StatusStarted: true, StatusFailed: true},
	StatusStarted:   {StatusCompleted: true, StatusFailed: true, StatusRetrying: true},
	StatusRetrying:  {StatusStarted: true, StatusCompleted: true, StatusFailed: true},
	StatusFailed:    {StatusRetrying: true},
	StatusCompleted: {},
}

// JobExecution is the durable, idempotency-keyed record of one job run.
// Unique on (JobType, IdempotencyKey).
type JobExecution struct {
	ID             string
	JobType        string
	EntityID       string // org id
	IdempotencyKey string
	Status         Status
	StartedAt      *time.Time
	CompletedAt    *time.Time
	Error          *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// New constructs a pending JobExecution for the given job/entity/idempotency
// triple. Callers are responsible for enforcing the unique constraint at the
// storage layer (insert-or-detect-conflict), not here.
func New(jobType, entityID, idempotencyKey string) JobExecution {
	now := clockid.System.Now()
	return JobExecution{
		ID:             clockid.NewID(),
		JobType:        jobType,
		EntityID:       entityID,
		IdempotencyKey: idempotencyKey,
		Status:         StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// TransitionTo validates and applies a status change, stamping timestamps
// appropriate to the destination state. It never mutates e on an invalid
// transition.
func (e *JobExecution) TransitionTo(next Status) error {
	if !next.valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, next)
	}
	if !allowedTransitions[e.Status][next] {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, e.Status, next)
	}

	now := clockid.System.Now()
	switch next {
	case StatusStarted:
		if e.StartedAt == nil {
			e.StartedAt = &now
		}
	case StatusCompleted, StatusFailed:
		e.CompletedAt = &now
	}
	e.Status = next
	e.UpdatedAt = now
	return nil
}

// IsActive reports whether e counts against the tenant capacity gate.
func (e JobExecution) IsActive() bool {
	for _, s := range ActiveStatuses {
		if e.Status == s {
			return true
		}
	}
	return false
}

// AttemptStatus is the terminal outcome of one JobAttempt.
type AttemptStatus string

const (
	AttemptSuccess AttemptStatus = "success"
	AttemptFailure AttemptStatus = "failure"
)

// JobAttempt is an append-only record of one try at an execution, ordered by
// AttemptNumber within an execution.
type JobAttempt struct {
	ID            string
	ExecutionID   string
	AttemptNumber int
	Status        AttemptStatus
	Error         *string
	CreatedAt     time.Time
}

// NewAttempt constructs the next attempt for an execution. attemptNumber
// must be >= 1 and is supplied by the caller (typically len(priorAttempts)+1)
// rather than derived here, since attempt ordering is a storage-layer concern.
func NewAttempt(executionID string, attemptNumber int, status AttemptStatus, attemptErr *string) (JobAttempt, error) {
	if attemptNumber < 1 {
		return JobAttempt{}, fmt.Errorf("execution: attempt_number must be >= 1, got %d", attemptNumber)
	}
	return JobAttempt{
		ID:            clockid.NewID(),
		ExecutionID:   executionID,
		AttemptNumber: attemptNumber,
		Status:        status,
		Error:         attemptErr,
		CreatedAt:     clockid.System.Now(),
	}, nil
}
