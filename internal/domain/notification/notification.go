// Package notification models the entities driven by the notification
// dispatcher's two-transaction state machine: Notification itself, the
// per-user per-channel NotificationPreference, append-only
// NotificationAttempt history, and the NotificationDLQ sink for exhausted
// retries.
//
// The pending->sending->delivered|failed state machine and its deliberately
// asymmetric failed->pending reset (performed by a SQL UPDATE at the
// repository layer, not by this type, since it is not a domain transition
// the entity itself should expose) follow directly from the prior
// generation's Job.Status handling in internal/domain/job.Job, extended
// with the delivery_token / delivery_committed_at idempotency witness that
// job had no equivalent of.
package notification

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pipelinehq/workfabric/internal/clockid"
)

var (
	ErrInvalidTransition = errors.New("notification: invalid status transition")
	ErrAlreadyClaimed    = errors.New("notification: delivery already claimed")
)

// Status is the Notification lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSending   Status = "sending"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
)

// Notification is one queued delivery to a user over a channel.
type Notification struct {
	ID                  string
	OrgID               string
	UserID              string
	Channel             string
	Template            string
	Payload             json.RawMessage
	Status              Status
	DeliveryToken       *string
	DeliveryCommittedAt *time.Time
	UpdatedAt           time.Time
}

// New constructs a pending notification.
func New(orgID, userID, channel, template string, payload json.RawMessage) Notification {
	return Notification{
		ID:        clockid.NewID(),
		OrgID:     orgID,
		UserID:    userID,
		Channel:   channel,
		Template:  template,
		Payload:   payload,
		Status:    StatusPending,
		UpdatedAt: clockid.System.Now(),
	}
}

// Start transitions pending->sending. failed->sending is rejected here by
// design: the dispatcher's TX1 must first reset a failed row to pending
// (via repository UPDATE, not this method) before calling Start again, so
// that reset remains an explicit, auditable storage-layer step.
func (n *Notification) Start() error {
	if n.Status != StatusPending {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, n.Status, StatusSending)
	}
	n.Status = StatusSending
	n.UpdatedAt = clockid.System.Now()
	return nil
}

// Succeed transitions sending->delivered and stamps the idempotency witness.
func (n *Notification) Succeed() error {
	if n.Status != StatusSending {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, n.Status, StatusDelivered)
	}
	now := clockid.System.Now()
	n.Status = StatusDelivered
	n.DeliveryCommittedAt = &now
	n.UpdatedAt = now
	return nil
}

// Fail transitions sending->failed.
func (n *Notification) Fail() error {
	if n.Status != StatusSending {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, n.Status, StatusFailed)
	}
	n.Status = StatusFailed
	n.UpdatedAt = clockid.System.Now()
	return nil
}

// Claim sets DeliveryToken if unset. Callers perform the actual
// compare-and-swap at the storage layer (`UPDATE ... WHERE delivery_token IS
// NULL`); this in-memory guard only prevents a second Claim call against the
// same already-hydrated struct from clobbering an existing token.
func (n *Notification) Claim(token string) error {
	if n.DeliveryToken != nil {
		return ErrAlreadyClaimed
	}
	n.DeliveryToken = &token
	return nil
}

// Delivered reports whether the idempotency witness has been stamped.
func (n Notification) Delivered() bool {
	return n.DeliveryCommittedAt != nil
}

// Frequency is how often a user wants a given channel's notifications batched.
type Frequency string

const (
	FrequencyImmediate Frequency = "immediate"
	FrequencyDaily     Frequency = "daily"
	FrequencyWeekly    Frequency = "weekly"
)

// NotificationPreference is unique on (UserID, Channel) — that pair, not the
// surrogate ID, is the upsert conflict target at the storage layer.
type NotificationPreference struct {
	ID        string
	UserID    string
	Channel   string
	Enabled   bool
	Frequency Frequency
}

// NewPreference constructs a preference row with sensible defaults.
func NewPreference(userID, channel string) NotificationPreference {
	return NotificationPreference{
		ID:        clockid.NewID(),
		UserID:    userID,
		Channel:   channel,
		Enabled:   true,
		Frequency: FrequencyImmediate,
	}
}

// AttemptStatus is the terminal outcome of one delivery attempt.
type AttemptStatus string

const (
	AttemptSuccess AttemptStatus = "success"
	AttemptFailure AttemptStatus = "failure"
)

// NotificationAttempt is an append-only delivery attempt record.
type NotificationAttempt struct {
	ID             string
	NotificationID string
	AttemptNumber  int
	Status         AttemptStatus
	Error          *string
	CreatedAt      time.Time
}

// NewAttempt records one delivery try.
func NewAttempt(notificationID string, attemptNumber int, status AttemptStatus, attemptErr *string) NotificationAttempt {
	return NotificationAttempt{
		ID:             clockid.NewID(),
		NotificationID: notificationID,
		AttemptNumber:  attemptNumber,
		Status:         status,
		Error:          attemptErr,
		CreatedAt:      clockid.System.Now(),
	}
}

const maxDLQReasonLen = 1000

// NotificationDLQ is a dead-letter row for a notification that exhausted
// retries. Reason is truncated to maxDLQReasonLen so a verbose adapter error
// can never blow out storage.
type NotificationDLQ struct {
	ID             string
	NotificationID string
	Channel        string
	Reason         string
	CreatedAt      time.Time
}

// NewDLQ constructs a DLQ row, truncating reason to the configured cap.
func NewDLQ(notificationID, channel, reason string) NotificationDLQ {
	if len(reason) > maxDLQReasonLen {
		reason = reason[:maxDLQReasonLen]
	}
	return NotificationDLQ{
		ID:             clockid.NewID(),
		NotificationID: notificationID,
		Channel:        channel,
		Reason:         reason,
		CreatedAt:      clockid.System.Now(),
	}
}
