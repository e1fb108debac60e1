package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pipelinehq/workfabric/internal/domain/execution"
	"github.com/pipelinehq/workfabric/internal/domain/publish"
	"github.com/pipelinehq/workfabric/internal/observability"
)

// PublishRepo implements internal/publishsaga.Store. It is generalized from
// events_repo.go's single draft->published UPDATE (MarkPublished) into the
// three-table shape internal/domain/publish describes, so a saga can
// recover mid-flight instead of assuming the external call and the DB
// write happened atomically. Every method takes the caller's pgx.Tx
// explicitly, mirroring jobs_repo.go's CreateTx convention, since the saga
// itself owns transaction boundaries.
type PublishRepo struct {
	pool *pgxpool.Pool
	prom *observability.Prom
}

// NewPublishRepo constructs a PublishRepo. prom may be nil.
func NewPublishRepo(pool *pgxpool.Pool, prom *observability.Prom) *PublishRepo {
	return &PublishRepo{pool: pool, prom: prom}
}

func (r *PublishRepo) observe(op string, fn func() error) error {
	if r.prom != nil {
		return r.prom.ObserveDB(op, fn)
	}
	return fn()
}

// LockIntent implements publishsaga.Store.
func (r *PublishRepo) LockIntent(ctx context.Context, tx pgx.Tx, intentID string) (publish.PublishIntent, error) {
	op := "publish.lock_intent"
	var p publish.PublishIntent
	var status string
	err := r.observe(op, func() error {
		return tx.QueryRow(ctx, `
			SELECT id, org_id, status, external_id, published_at, created_at, updated_at
			FROM publish_intents
			WHERE id = $1
			FOR UPDATE
		`, intentID).Scan(&p.ID, &p.OrgID, &status, &p.ExternalID, &p.PublishedAt, &p.CreatedAt, &p.UpdatedAt)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return publish.PublishIntent{}, fmt.Errorf("publish_repo: intent %s not found", intentID)
		}
		return publish.PublishIntent{}, err
	}
	p.Status = publish.IntentStatus(status)
	return p, nil
}

// FindExecution implements publishsaga.Store.
func (r *PublishRepo) FindExecution(ctx context.Context, tx pgx.Tx, jobType, idempotencyKey string) (execution.JobExecution, bool, error) {
	op := "publish.find_execution"
	var e execution.JobExecution
	var status string
	err := r.observe(op, func() error {
		return tx.QueryRow(ctx, fmt.Sprintf(`
			SELECT %s FROM job_executions
			WHERE job_type = $1 AND idempotency_key = $2
			FOR UPDATE
		`, executionColumns), jobType, idempotencyKey).Scan(
			&e.ID, &e.JobType, &e.EntityID, &e.IdempotencyKey, &status,
			&e.StartedAt, &e.CompletedAt, &e.Error, &e.CreatedAt, &e.UpdatedAt,
		)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return execution.JobExecution{}, false, nil
		}
		return execution.JobExecution{}, false, err
	}
	e.Status = execution.Status(status)
	return e, true, nil
}

// FindPublishExecutionSuccess implements publishsaga.Store.
func (r *PublishRepo) FindPublishExecutionSuccess(ctx context.Context, tx pgx.Tx, intentID string) (publish.PublishExecution, bool, error) {
	op := "publish.find_execution_success"
	var pe publish.PublishExecution
	var status string
	err := r.observe(op, func() error {
		return tx.QueryRow(ctx, `
			SELECT id, intent_id, status, external_id, external_url, metadata, completed_at, failed_at, error
			FROM publish_executions
			WHERE intent_id = $1 AND status = 'success'
		`, intentID).Scan(&pe.ID, &pe.IntentID, &status, &pe.ExternalID, &pe.ExternalURL, &pe.Metadata, &pe.CompletedAt, &pe.FailedAt, &pe.Error)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return publish.PublishExecution{}, false, nil
		}
		return publish.PublishExecution{}, false, err
	}
	pe.Status = publish.ExecutionStatus(status)
	return pe, true, nil
}

// InsertExecution implements publishsaga.Store.
func (r *PublishRepo) InsertExecution(ctx context.Context, tx pgx.Tx, e execution.JobExecution) error {
	op := "publish.insert_execution"
	return r.observe(op, func() error {
		_, err := tx.Exec(ctx, fmt.Sprintf(`
			INSERT INTO job_executions (%s)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		`, executionColumns),
			e.ID, e.JobType, e.EntityID, e.IdempotencyKey, string(e.Status),
			e.StartedAt, e.CompletedAt, e.Error, e.CreatedAt, e.UpdatedAt)
		return err
	})
}

// UpdateExecutionStatus implements publishsaga.Store. started_at is
// stamped on first transition into 'started'; completed_at is stamped on
// transition into 'completed' or 'failed'. Both are no-ops if already set,
// so a retried transition into the same terminal status cannot clobber an
// earlier timestamp.
func (r *PublishRepo) UpdateExecutionStatus(ctx context.Context, tx pgx.Tx, executionID string, status execution.Status) error {
	op := "publish.update_execution_status"
	return r.observe(op, func() error {
		_, err := tx.Exec(ctx, `
			UPDATE job_executions
			SET status = $2,
			    started_at = CASE WHEN $2 = 'started' AND started_at IS NULL THEN NOW() ELSE started_at END,
			    completed_at = CASE WHEN $2 IN ('completed', 'failed') AND completed_at IS NULL THEN NOW() ELSE completed_at END,
			    updated_at = NOW()
			WHERE id = $1
		`, executionID, string(status))
		return err
	})
}

// UpsertPublishExecutionSuccess implements publishsaga.Store. The ON
// CONFLICT target is the partial unique index on (intent_id) WHERE
// status='success' spec.md 4.4 describes, so two saga workers racing on the
// same intent after a crash commit at most one success row.
func (r *PublishRepo) UpsertPublishExecutionSuccess(ctx context.Context, tx pgx.Tx, pe publish.PublishExecution) error {
	op := "publish.upsert_execution_success"
	return r.observe(op, func() error {
		_, err := tx.Exec(ctx, `
			INSERT INTO publish_executions (id, intent_id, status, external_id, external_url, metadata, completed_at)
			VALUES ($1, $2, 'success', $3, $4, $5, $6)
			ON CONFLICT (intent_id) WHERE status = 'success' DO NOTHING
		`, pe.ID, pe.IntentID, pe.ExternalID, pe.ExternalURL, pe.Metadata, pe.CompletedAt)
		return err
	})
}

// InsertPublishExecutionFailure implements publishsaga.Store.
func (r *PublishRepo) InsertPublishExecutionFailure(ctx context.Context, tx pgx.Tx, pe publish.PublishExecution) error {
	op := "publish.insert_execution_failure"
	return r.observe(op, func() error {
		_, err := tx.Exec(ctx, `
			INSERT INTO publish_executions (id, intent_id, status, failed_at, error)
			VALUES ($1, $2, 'failed', $3, $4)
		`, pe.ID, pe.IntentID, pe.FailedAt, pe.Error)
		return err
	})
}

// MarkIntentPublished implements publishsaga.Store.
func (r *PublishRepo) MarkIntentPublished(ctx context.Context, tx pgx.Tx, intent publish.PublishIntent) error {
	op := "publish.mark_intent_published"
	return r.observe(op, func() error {
		tag, err := tx.Exec(ctx, `
			UPDATE publish_intents
			SET status = 'published', external_id = $2, published_at = $3, updated_at = $4
			WHERE id = $1
		`, intent.ID, intent.ExternalID, intent.PublishedAt, intent.UpdatedAt)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("publish_repo: intent %s not found", intent.ID)
		}
		return nil
	})
}
