// Package postgres implements internal/broker.Broker against a jobs table
// using the SELECT ... FOR UPDATE SKIP LOCKED claim pattern.
//
// Directly grounded on internal/repo/postgres/jobs_repo.go's ClaimNext and
// RequeueStaleProcessing: the same single-statement CTE claim and the same
// observe-wrapped pool.Exec/QueryRow style, extended with per-queue priority
// ordering, a stalled_count column (the teacher's stale-requeue had no cap
// and would retry forever), and a paused_queues table the teacher had no
// equivalent of.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pipelinehq/workfabric/internal/broker"
	"github.com/pipelinehq/workfabric/internal/clockid"
	"github.com/pipelinehq/workfabric/internal/observability"
)

// Backpressure threshold from spec.md 4.1: Schedule rejects at waiting > 1000.
const backpressureThreshold = 1000

type Broker struct {
	pool *pgxpool.Pool
	prom *observability.Prom
}

func New(pool *pgxpool.Pool, prom *observability.Prom) *Broker {
	return &Broker{pool: pool, prom: prom}
}

func (b *Broker) observe(op string, fn func() error) error {
	if b.prom != nil {
		return b.prom.ObserveDB(op, fn)
	}
	return fn()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// Enqueue inserts a new job in waiting status, rejecting on backpressure.
func (b *Broker) Enqueue(ctx context.Context, req broker.EnqueueRequest) (broker.Job, error) {
	var waiting int
	err := b.observe("broker.enqueue.count_waiting", func() error {
		return b.pool.QueryRow(ctx, `
			SELECT COUNT(*) FROM broker_jobs WHERE queue = $1 AND status = 'waiting'
		`, req.Queue).Scan(&waiting)
	})
	if err != nil {
		return broker.Job{}, fmt.Errorf("broker: count waiting: %w", err)
	}
	if waiting > backpressureThreshold {
		return broker.Job{}, broker.ErrQueueBackpressure
	}

	now := clockid.System.Now()
	status := broker.StatusWaiting
	runAt := now
	if req.DelayMs > 0 {
		status = broker.StatusDelayed
		runAt = now.Add(time.Duration(req.DelayMs) * time.Millisecond)
	}

	j := broker.Job{
		ID:          req.ID,
		Name:        req.Name,
		Queue:       req.Queue,
		Payload:     req.Payload,
		Priority:    req.Priority,
		AttemptsMax: req.AttemptsMax,
		Backoff:     req.Backoff,
		TimeoutMs:   req.TimeoutMs,
		DelayMs:     req.DelayMs,
		Status:      status,
		RunAt:       runAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err = b.observe("broker.enqueue", func() error {
		_, execErr := b.pool.Exec(ctx, `
			INSERT INTO broker_jobs (
				id, name, queue, payload, priority, attempts_max, attempts,
				backoff_kind, backoff_base_ms, backoff_multiplier,
				timeout_ms, delay_ms, status, stalled_count, run_at, created_at, updated_at
			) VALUES (
				$1,$2,$3,$4,$5,$6,0,
				$7,$8,$9,
				$10,$11,$12,0,$13,$14,$14
			)
		`, j.ID, j.Name, j.Queue, j.Payload, int(j.Priority), j.AttemptsMax,
			string(j.Backoff.Kind), j.Backoff.BaseMs, j.Backoff.Multiplier,
			j.TimeoutMs, j.DelayMs, string(j.Status), j.RunAt, now)
		return execErr
	})
	if err != nil {
		if isUniqueViolation(err) {
			return broker.Job{}, fmt.Errorf("broker: job id %q already enqueued: %w", j.ID, err)
		}
		return broker.Job{}, fmt.Errorf("broker: insert: %w", err)
	}
	return j, nil
}

// Claim atomically claims the highest-priority, earliest-due waiting job in
// queue via FOR UPDATE SKIP LOCKED, the same shape as jobs_repo.go's
// ClaimNext.
func (b *Broker) Claim(ctx context.Context, queue, workerID string) (broker.Job, error) {
	var j broker.Job
	var status, backoffKind string
	var priority int

	err := b.observe("broker.claim", func() error {
		return b.pool.QueryRow(ctx, `
			WITH next AS (
				SELECT id FROM broker_jobs
				WHERE queue = $1
				  AND status IN ('waiting', 'delayed')
				  AND run_at <= NOW()
				ORDER BY priority ASC, run_at ASC, created_at ASC
				FOR UPDATE SKIP LOCKED
				LIMIT 1
			)
			UPDATE broker_jobs
			SET status = 'active', locked_by = $2, locked_at = NOW(), updated_at = NOW()
			WHERE id = (SELECT id FROM next)
			RETURNING id, name, queue, payload, priority, attempts_max, attempts,
			          backoff_kind, backoff_base_ms, backoff_multiplier,
			          timeout_ms, delay_ms, status, stalled_count, run_at, created_at, updated_at
		`, queue, workerID).Scan(
			&j.ID, &j.Name, &j.Queue, &j.Payload, &priority, &j.AttemptsMax, &j.Attempts,
			&backoffKind, &j.Backoff.BaseMs, &j.Backoff.Multiplier,
			&j.TimeoutMs, &j.DelayMs, &status, &j.StalledCount, &j.RunAt, &j.CreatedAt, &j.UpdatedAt,
		)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return broker.Job{}, broker.ErrNoJobAvailable
		}
		return broker.Job{}, fmt.Errorf("broker: claim: %w", err)
	}

	j.Priority = broker.Priority(priority)
	j.Backoff.Kind = broker.BackoffKind(backoffKind)
	j.Status = broker.Status(status)
	return j, nil
}

// Complete marks a job completed.
func (b *Broker) Complete(ctx context.Context, id string) error {
	return b.observe("broker.complete", func() error {
		tag, err := b.pool.Exec(ctx, `
			UPDATE broker_jobs SET status = 'completed', locked_by = NULL, locked_at = NULL, updated_at = NOW()
			WHERE id = $1
		`, id)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return broker.ErrNoJobAvailable
		}
		return nil
	})
}

// Fail marks a job failed, or reschedules it with backoff if retryable and
// attempts remain.
func (b *Broker) Fail(ctx context.Context, id string, errMsg string, retryable bool) error {
	return b.observe("broker.fail", func() error {
		var attempts, attemptsMax int
		var backoffKind string
		var baseMs int
		var multiplier float64

		err := b.pool.QueryRow(ctx, `
			SELECT attempts, attempts_max, backoff_kind, backoff_base_ms, backoff_multiplier
			FROM broker_jobs WHERE id = $1
		`, id).Scan(&attempts, &attemptsMax, &backoffKind, &baseMs, &multiplier)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return broker.ErrNoJobAvailable
			}
			return err
		}

		attempts++
		if !retryable || attempts >= attemptsMax {
			_, err = b.pool.Exec(ctx, `
				UPDATE broker_jobs
				SET status = 'failed', attempts = $2, locked_by = NULL, locked_at = NULL,
				    last_error = $3, updated_at = NOW()
				WHERE id = $1
			`, id, attempts, errMsg)
			return err
		}

		bo := broker.Backoff{Kind: broker.BackoffKind(backoffKind), BaseMs: baseMs, Multiplier: multiplier}
		runAt := clockid.System.Now().Add(bo.Delay(attempts))

		_, err = b.pool.Exec(ctx, `
			UPDATE broker_jobs
			SET status = 'waiting', attempts = $2, run_at = $3,
			    locked_by = NULL, locked_at = NULL, last_error = $4, updated_at = NOW()
			WHERE id = $1
		`, id, attempts, runAt, errMsg)
		return err
	})
}

// Cancel removes a job from the broker if still present.
func (b *Broker) Cancel(ctx context.Context, queue, id string) error {
	return b.observe("broker.cancel", func() error {
		_, err := b.pool.Exec(ctx, `DELETE FROM broker_jobs WHERE queue = $1 AND id = $2`, queue, id)
		return err
	})
}

// RecoverStalled requeues jobs that have sat in active beyond
// broker.StalledInterval, permanently failing any that have been recovered
// broker.MaxStalledCount times already — the cap jobs_repo.go's
// RequeueStaleProcessing never had.
func (b *Broker) RecoverStalled(ctx context.Context, queue string) (recovered int, permanentlyFailed int, err error) {
	err = b.observe("broker.recover_stalled", func() error {
		failTag, ferr := b.pool.Exec(ctx, `
			UPDATE broker_jobs
			SET status = 'failed', locked_by = NULL, locked_at = NULL,
			    last_error = 'stalled: exceeded max_stalled_count', updated_at = NOW()
			WHERE queue = $1 AND status = 'active'
			  AND locked_at < NOW() - ($2 * INTERVAL '1 second')
			  AND stalled_count >= $3
		`, queue, int(broker.StalledInterval.Seconds()), broker.MaxStalledCount)
		if ferr != nil {
			return ferr
		}
		permanentlyFailed = int(failTag.RowsAffected())

		recTag, rerr := b.pool.Exec(ctx, `
			UPDATE broker_jobs
			SET status = 'waiting', locked_by = NULL, locked_at = NULL,
			    stalled_count = stalled_count + 1, updated_at = NOW()
			WHERE queue = $1 AND status = 'active'
			  AND locked_at < NOW() - ($2 * INTERVAL '1 second')
			  AND stalled_count < $3
		`, queue, int(broker.StalledInterval.Seconds()), broker.MaxStalledCount)
		if rerr != nil {
			return rerr
		}
		recovered = int(recTag.RowsAffected())
		return nil
	})
	return recovered, permanentlyFailed, err
}

// Metrics returns per-status counts for queue. Per spec.md 4.1, a failing
// count query degrades to zero for that metric rather than erroring the
// whole call.
func (b *Broker) Metrics(ctx context.Context, queue string) (broker.Metrics, error) {
	var m broker.Metrics
	statusCounts := map[broker.Status]*int{
		broker.StatusWaiting:   &m.Waiting,
		broker.StatusActive:    &m.Active,
		broker.StatusCompleted: &m.Completed,
		broker.StatusFailed:    &m.Failed,
		broker.StatusDelayed:   &m.Delayed,
	}

	for status, dst := range statusCounts {
		_ = b.observe("broker.metrics", func() error {
			var count int
			qerr := b.pool.QueryRow(ctx, `
				SELECT COUNT(*) FROM broker_jobs WHERE queue = $1 AND status = $2
			`, queue, string(status)).Scan(&count)
			if qerr != nil {
				return qerr
			}
			*dst = count
			return nil
		})
	}
	return m, nil
}

// Pause marks a queue paused. Claim itself still succeeds if called
// directly; internal/scheduler's runWorker checks IsPaused before calling
// Claim each tick, so pausing stops new claims without aborting whatever
// is already in flight.
func (b *Broker) Pause(ctx context.Context, queue string) error {
	return b.observe("broker.pause", func() error {
		_, err := b.pool.Exec(ctx, `
			INSERT INTO paused_queues (queue, paused_at) VALUES ($1, NOW())
			ON CONFLICT (queue) DO NOTHING
		`, queue)
		return err
	})
}

func (b *Broker) Resume(ctx context.Context, queue string) error {
	return b.observe("broker.resume", func() error {
		_, err := b.pool.Exec(ctx, `DELETE FROM paused_queues WHERE queue = $1`, queue)
		return err
	})
}

// IsPaused reports whether queue is currently paused.
func (b *Broker) IsPaused(ctx context.Context, queue string) (bool, error) {
	var exists bool
	err := b.observe("broker.is_paused", func() error {
		return b.pool.QueryRow(ctx, `
			SELECT EXISTS(SELECT 1 FROM paused_queues WHERE queue = $1)
		`, queue).Scan(&exists)
	})
	return exists, err
}

// Clean removes completed/failed jobs older than graceMs.
func (b *Broker) Clean(ctx context.Context, queue string, graceMs int) (removed int, err error) {
	err = b.observe("broker.clean", func() error {
		tag, derr := b.pool.Exec(ctx, `
			DELETE FROM broker_jobs
			WHERE queue = $1 AND status IN ('completed', 'failed')
			  AND updated_at < NOW() - ($2 * INTERVAL '1 millisecond')
		`, queue, graceMs)
		if derr != nil {
			return derr
		}
		removed = int(tag.RowsAffected())
		return nil
	})
	return removed, err
}

var _ broker.Broker = (*Broker)(nil)
