// Package postgres holds the pgx-backed persistence adapters for every
// domain package in this tree. Each repo follows the prior generation's
// observe-wrapped, pool-or-tx query convention (see jobs_repo.go in the
// teacher repo this was generalized from).
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pipelinehq/workfabric/internal/domain/execution"
	"github.com/pipelinehq/workfabric/internal/observability"
	"github.com/pipelinehq/workfabric/internal/utils"
)

// IsUniqueViolation reports whether err is a Postgres unique_violation
// (23505), the signal every insert-or-claim repo method in this package
// uses to decide "row already exists" vs. a genuine failure.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// ExecutionsRepo persists JobExecution/JobAttempt rows, generalized from
// jobs_repo.go's job table into the (job_type, idempotency_key)-keyed shape
// internal/domain/execution describes. The broker's own queue state (the
// "is this job claimed/running right now" question) lives in
// internal/broker/postgres against a separate jobs table; this repo is the
// durable idempotency/audit record a handler's job body reads and writes
// through internal/capacity and internal/publishsaga.
type ExecutionsRepo struct {
	pool *pgxpool.Pool
	prom *observability.Prom
}

// NewExecutionsRepo constructs an ExecutionsRepo. prom may be nil.
func NewExecutionsRepo(pool *pgxpool.Pool, prom *observability.Prom) *ExecutionsRepo {
	return &ExecutionsRepo{pool: pool, prom: prom}
}

func (r *ExecutionsRepo) observe(op string, fn func() error) error {
	if r.prom != nil {
		return r.prom.ObserveDB(op, fn)
	}
	return fn()
}

func scanExecution(row pgx.Row) (execution.JobExecution, error) {
	var e execution.JobExecution
	var status string
	err := row.Scan(
		&e.ID, &e.JobType, &e.EntityID, &e.IdempotencyKey, &status,
		&e.StartedAt, &e.CompletedAt, &e.Error, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return execution.JobExecution{}, err
	}
	e.Status = execution.Status(status)
	return e, nil
}

const executionColumns = `id, job_type, entity_id, idempotency_key, status,
	started_at, completed_at, error, created_at, updated_at`

// Create inserts a fresh job_executions row outside of any saga's own
// transaction — used by handlers that track idempotency without going
// through internal/publishsaga (e.g. export or feedback-ingest jobs).
func (r *ExecutionsRepo) Create(ctx context.Context, e execution.JobExecution) error {
	op := "executions.create"
	return r.observe(op, func() error {
		_, err := r.pool.Exec(ctx, fmt.Sprintf(`
			INSERT INTO job_executions (%s)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		`, executionColumns),
			e.ID, e.JobType, e.EntityID, e.IdempotencyKey, string(e.Status),
			e.StartedAt, e.CompletedAt, e.Error, e.CreatedAt, e.UpdatedAt)
		return err
	})
}

// GetByID fetches one execution by surrogate id.
func (r *ExecutionsRepo) GetByID(ctx context.Context, id string) (execution.JobExecution, error) {
	op := "executions.get_by_id"
	var e execution.JobExecution
	err := r.observe(op, func() error {
		var scanErr error
		e, scanErr = scanExecution(r.pool.QueryRow(ctx, fmt.Sprintf(`
			SELECT %s FROM job_executions WHERE id = $1
		`, executionColumns), id))
		return scanErr
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return execution.JobExecution{}, execution.ErrNotFound
		}
		return execution.JobExecution{}, err
	}
	return e, nil
}

// GetByIdempotencyKey fetches the unique (job_type, idempotency_key) row.
func (r *ExecutionsRepo) GetByIdempotencyKey(ctx context.Context, jobType, idempotencyKey string) (execution.JobExecution, error) {
	op := "executions.get_by_idempotency_key"
	var e execution.JobExecution
	err := r.observe(op, func() error {
		var scanErr error
		e, scanErr = scanExecution(r.pool.QueryRow(ctx, fmt.Sprintf(`
			SELECT %s FROM job_executions WHERE job_type = $1 AND idempotency_key = $2
		`, executionColumns), jobType, idempotencyKey))
		return scanErr
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return execution.JobExecution{}, execution.ErrNotFound
		}
		return execution.JobExecution{}, err
	}
	return e, nil
}

// ListCursor is the admin-facing keyset-paginated list, generalized from
// jobs_repo.go's ListCursor: same (updated_at, id) DESC keyset, same
// limit+1 has-more probe.
func (r *ExecutionsRepo) ListCursor(
	ctx context.Context,
	orgID string,
	status *execution.Status,
	limit int,
	afterUpdatedAt time.Time,
	afterID string,
) (items []execution.JobExecution, nextCursor *string, hasMore bool, err error) {
	op := "executions.admin.list_cursor"

	base := fmt.Sprintf(`SELECT %s FROM job_executions`, executionColumns)

	conds := []string{"entity_id = $1"}
	args := []any{orgID}
	argsPos := 2

	if status != nil {
		conds = append(conds, fmt.Sprintf("status = $%d", argsPos))
		args = append(args, string(*status))
		argsPos++
	}

	conds = append(conds, fmt.Sprintf("(updated_at, id) < ($%d, $%d)", argsPos, argsPos+1))
	args = append(args, afterUpdatedAt, afterID)
	argsPos += 2

	q := base + " WHERE " + strings.Join(conds, " AND ")
	limitPlusOne := limit + 1
	q += fmt.Sprintf(" ORDER BY updated_at DESC, id DESC LIMIT $%d", argsPos)
	args = append(args, limitPlusOne)

	var rows pgx.Rows
	err = r.observe(op, func() error {
		var qerr error
		rows, qerr = r.pool.Query(ctx, q, args...)
		return qerr
	})
	if err != nil {
		return nil, nil, false, err
	}
	defer rows.Close()

	out := make([]execution.JobExecution, 0, limit)
	for rows.Next() {
		e, scanErr := scanExecution(rows)
		if scanErr != nil {
			return nil, nil, false, scanErr
		}
		out = append(out, e)
	}
	if rows.Err() != nil {
		return nil, nil, false, rows.Err()
	}

	if len(out) > limit {
		hasMore = true
		out = out[:limit]
		last := out[len(out)-1]
		cur, encErr := utils.EncodeJobCursor(last.UpdatedAt, last.ID)
		if encErr != nil {
			return nil, nil, false, encErr
		}
		nextCursor = &cur
	}

	return out, nextCursor, hasMore, nil
}

// CountActiveByOrg mirrors internal/capacity's activeStatusesSQL, provided
// here for admin display (internal/capacity.CheckOrgCapacity queries the
// table directly and does not use this repo).
func (r *ExecutionsRepo) CountActiveByOrg(ctx context.Context, orgID string) (int, error) {
	op := "executions.count_active"
	var count int
	err := r.observe(op, func() error {
		return r.pool.QueryRow(ctx, `
			SELECT COUNT(*) FROM job_executions
			WHERE entity_id = $1 AND status IN ('started', 'pending', 'retrying')
		`, orgID).Scan(&count)
	})
	return count, err
}
