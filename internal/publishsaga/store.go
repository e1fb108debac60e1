package publishsaga

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/pipelinehq/workfabric/internal/domain/execution"
	"github.com/pipelinehq/workfabric/internal/domain/publish"
)

// Store is the transaction-scoped persistence contract the saga drives.
// Every method takes the caller's pgx.Tx explicitly — mirroring
// internal/capacity's Querier/TxBeginner convention — so phase 1 and phase
// 3 can each run their reads and writes inside one transaction without the
// saga package importing a concrete repo implementation. Implemented by
// internal/repo/postgres.
type Store interface {
	// LockIntent runs SELECT ... FOR UPDATE on publish_intents by id.
	LockIntent(ctx context.Context, tx pgx.Tx, intentID string) (publish.PublishIntent, error)

	// FindExecution looks up a job_executions row by (job_type,
	// idempotency_key). ok is false if no row exists.
	FindExecution(ctx context.Context, tx pgx.Tx, jobType, idempotencyKey string) (exec execution.JobExecution, ok bool, err error)

	// FindPublishExecutionSuccess looks up a committed success row for
	// intentID, used by the saga-recovery path.
	FindPublishExecutionSuccess(ctx context.Context, tx pgx.Tx, intentID string) (pe publish.PublishExecution, ok bool, err error)

	// InsertExecution records a fresh 'started' job_executions row.
	InsertExecution(ctx context.Context, tx pgx.Tx, exec execution.JobExecution) error

	// UpdateExecutionStatus applies a status transition to an existing
	// job_executions row.
	UpdateExecutionStatus(ctx context.Context, tx pgx.Tx, executionID string, status execution.Status) error

	// UpsertPublishExecutionSuccess inserts a publish_executions success
	// row, idempotently, via ON CONFLICT (intent_id) WHERE status='success'
	// DO NOTHING against the partial unique index spec.md 4.4 describes.
	UpsertPublishExecutionSuccess(ctx context.Context, tx pgx.Tx, pe publish.PublishExecution) error

	// InsertPublishExecutionFailure records one failed external-call
	// attempt.
	InsertPublishExecutionFailure(ctx context.Context, tx pgx.Tx, pe publish.PublishExecution) error

	// MarkIntentPublished updates publish_intents to status='published'.
	MarkIntentPublished(ctx context.Context, tx pgx.Tx, intent publish.PublishIntent) error
}
