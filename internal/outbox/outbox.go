// Package outbox implements the transactional outbox pattern: an envelope
// is written inside the same database transaction that records a job's or
// notification's terminal state, so a separate relayer (out of scope here,
// per spec.md 1) can publish to the event bus strictly after the state
// change that produced it is durable. Writing the envelope after COMMIT
// instead would let a crash between commit and publish silently drop the
// event; writing it inside the same transaction makes that window
// impossible.
//
// Grounded on internal/repo/postgres/jobs_repo.go's tx-accepting method
// style (CreateTx taking a pgx.Tx) generalized into a dedicated emitter
// type, since the teacher never modeled an outbox.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pipelinehq/workfabric/internal/clockid"
)

// Meta carries cross-cutting envelope metadata. Source identifies which
// component emitted the event; CorrelationID and DomainID are optional.
type Meta struct {
	CorrelationID string `json:"correlation_id,omitempty"`
	Source        string `json:"source"`
	DomainID      string `json:"domain_id,omitempty"`
}

// Envelope is the outbox row shape per spec.md 6.
type Envelope struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Version     int             `json:"version"`
	OccurredAt  time.Time       `json:"occurred_at"`
	Payload     json.RawMessage `json:"payload"`
	Meta        Meta            `json:"meta"`
}

// NewEnvelope constructs an envelope with a fresh id and OccurredAt=now,
// marshaling payload to JSON.
func NewEnvelope(name string, version int, payload any, meta Meta) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("outbox: marshal payload: %w", err)
	}
	return Envelope{
		ID:         clockid.NewID(),
		Name:       name,
		Version:    version,
		OccurredAt: clockid.System.Now(),
		Payload:    raw,
		Meta:       meta,
	}, nil
}

// Emitter writes envelopes to the outbox table.
type Emitter struct{}

// NewEmitter constructs an Emitter. It holds no state of its own — every
// write is parameterized by the caller's transaction, never a pool, since
// an outbox write outside the state-changing transaction defeats the
// pattern's entire purpose.
func NewEmitter() *Emitter { return &Emitter{} }

// Write inserts envelope into the outbox table as part of tx. Callers must
// call this before tx.Commit() for the same transaction that recorded the
// terminal state the envelope describes.
func (e *Emitter) Write(ctx context.Context, tx pgx.Tx, envelope Envelope) error {
	metaJSON, err := json.Marshal(envelope.Meta)
	if err != nil {
		return fmt.Errorf("outbox: marshal meta: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO outbox (id, name, version, occurred_at, payload, meta)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, envelope.ID, envelope.Name, envelope.Version, envelope.OccurredAt, envelope.Payload, metaJSON)
	if err != nil {
		return fmt.Errorf("outbox: insert: %w", err)
	}
	return nil
}
