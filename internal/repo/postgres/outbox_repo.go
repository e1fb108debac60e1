package postgres

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pipelinehq/workfabric/internal/clockid"
	"github.com/pipelinehq/workfabric/internal/observability"
	"github.com/pipelinehq/workfabric/internal/outbox"
)

// OutboxRepo is the admin/operational read-side for the outbox table.
// internal/outbox.Emitter owns every write (always inside the caller's
// state-changing transaction); this repo exists only so an operator or a
// future relayer can see what is sitting unpublished. A real relayer that
// drains this table into a message broker is out of scope here (spec.md 1
// excludes the event-bus integration itself), so MarkProcessed is provided
// for whatever out-of-tree process eventually claims that job.
type OutboxRepo struct {
	pool *pgxpool.Pool
	prom *observability.Prom
}

// NewOutboxRepo constructs an OutboxRepo. prom may be nil.
func NewOutboxRepo(pool *pgxpool.Pool, prom *observability.Prom) *OutboxRepo {
	return &OutboxRepo{pool: pool, prom: prom}
}

func (r *OutboxRepo) observe(op string, fn func() error) error {
	if r.prom != nil {
		return r.prom.ObserveDB(op, fn)
	}
	return fn()
}

// ListUnprocessed returns up to limit outbox rows not yet marked processed,
// oldest first.
func (r *OutboxRepo) ListUnprocessed(ctx context.Context, limit int) ([]outbox.Envelope, error) {
	op := "outbox.list_unprocessed"
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var out []outbox.Envelope
	err := r.observe(op, func() error {
		rows, err := r.pool.Query(ctx, `
			SELECT id, name, version, occurred_at, payload, meta
			FROM outbox
			WHERE processed_at IS NULL
			ORDER BY occurred_at ASC
			LIMIT $1
		`, limit)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var env outbox.Envelope
			var metaJSON []byte
			if err := rows.Scan(&env.ID, &env.Name, &env.Version, &env.OccurredAt, &env.Payload, &metaJSON); err != nil {
				return err
			}
			if err := json.Unmarshal(metaJSON, &env.Meta); err != nil {
				return err
			}
			out = append(out, env)
		}
		return rows.Err()
	})
	return out, err
}

// MarkProcessed stamps processed_at for id, so a relayer does not redeliver
// it on the next poll.
func (r *OutboxRepo) MarkProcessed(ctx context.Context, id string) error {
	op := "outbox.mark_processed"
	return r.observe(op, func() error {
		_, err := r.pool.Exec(ctx, `
			UPDATE outbox SET processed_at = $2 WHERE id = $1
		`, id, clockid.System.Now())
		return err
	})
}
