// Package publish models the saga entities driven by internal/publishsaga:
// PublishIntent (the thing a tenant asked to publish), PublishExecution (the
// record of one committed external publish attempt), and PublishAttempt
// (append-only history).
//
// Grounded on the prior generation's events_repo.go MarkPublished flow: an
// event row moved directly from draft to published with an external id
// attached. That single UPDATE is generalized here into three entities so a
// saga can recover mid-flight after a crash instead of assuming the external
// call and the DB write happened atomically.
package publish

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/pipelinehq/workfabric/internal/clockid"
)

var (
	ErrAlreadyPublished = errors.New("publish: intent already published")
	ErrInvalidState     = errors.New("publish: invalid state for operation")
)

// IntentStatus is the PublishIntent lifecycle state.
type IntentStatus string

const (
	IntentDraft     IntentStatus = "draft"
	IntentPending   IntentStatus = "pending"
	IntentPublished IntentStatus = "published"
)

// PublishIntent is the tenant-owned record of something that should be
// published to an external system exactly once.
type PublishIntent struct {
	ID          string
	OrgID       string
	Status      IntentStatus
	ExternalID  *string
	PublishedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// NewIntent constructs a draft intent for org.
func NewIntent(orgID string) PublishIntent {
	now := clockid.System.Now()
	return PublishIntent{
		ID:        clockid.NewID(),
		OrgID:     orgID,
		Status:    IntentDraft,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// MarkPublished transitions the intent to published, recording the external
// id the adapter returned. It refuses to reapply on an already-published
// intent so a caller cannot accidentally overwrite an earlier external id.
func (p *PublishIntent) MarkPublished(externalID string) error {
	if p.Status == IntentPublished {
		return ErrAlreadyPublished
	}
	now := clockid.System.Now()
	p.Status = IntentPublished
	p.ExternalID = &externalID
	p.PublishedAt = &now
	p.UpdatedAt = now
	return nil
}

// ExecutionStatus is the PublishExecution outcome.
type ExecutionStatus string

const (
	ExecutionSuccess ExecutionStatus = "success"
	ExecutionFailed  ExecutionStatus = "failed"
)

// PublishExecution is the record of one external publish call's outcome.
// Storage enforces at most one row per IntentID with Status=success via a
// partial unique index — this type does not and cannot enforce that
// invariant in process, since two saga workers racing on the same intent
// are, by definition, two different PublishExecution values.
type PublishExecution struct {
	ID          string
	IntentID    string
	Status      ExecutionStatus
	ExternalID  *string
	ExternalURL *string
	Metadata    json.RawMessage
	CompletedAt *time.Time
	FailedAt    *time.Time
	Error       *string
}

// NewSuccess builds a committed success row.
func NewSuccess(intentID, externalID, externalURL string, metadata json.RawMessage) PublishExecution {
	now := clockid.System.Now()
	return PublishExecution{
		ID:          clockid.NewID(),
		IntentID:    intentID,
		Status:      ExecutionSuccess,
		ExternalID:  &externalID,
		ExternalURL: &externalURL,
		Metadata:    metadata,
		CompletedAt: &now,
	}
}

// NewFailure builds a failed attempt row.
func NewFailure(intentID string, cause error) PublishExecution {
	now := clockid.System.Now()
	msg := cause.Error()
	return PublishExecution{
		ID:       clockid.NewID(),
		IntentID: intentID,
		Status:   ExecutionFailed,
		FailedAt: &now,
		Error:    &msg,
	}
}

// AttemptStatus mirrors execution.AttemptStatus but is kept distinct since
// the two entities evolve independently (a publish attempt records HTTP/adapter
// detail an execution attempt never needs).
type AttemptStatus string

const (
	AttemptSuccess AttemptStatus = "success"
	AttemptFailure AttemptStatus = "failure"
)

// PublishAttempt is an append-only record of one external-call try.
type PublishAttempt struct {
	ID          string
	IntentID    string
	AttemptNum  int
	Status      AttemptStatus
	Error       *string
	CreatedAt   time.Time
}

// NewAttempt records one try at publishing intentID.
func NewAttempt(intentID string, attemptNum int, status AttemptStatus, attemptErr *string) PublishAttempt {
	return PublishAttempt{
		ID:         clockid.NewID(),
		IntentID:   intentID,
		AttemptNum: attemptNum,
		Status:     status,
		Error:      attemptErr,
		CreatedAt:  clockid.System.Now(),
	}
}
