// Package publishsaga implements the three-phase publish commit: Lock &
// Record, External Call, Finalize — each its own transaction, with the
// database client never held while the external adapter call is in
// flight.
//
// Grounded on internal/repo/postgres/events_repo.go's single MarkPublished
// UPDATE (generalized here into three phases so the saga can recover after
// a crash between the external call and the commit) and
// internal/notifications/protected_notifier.go's circuit-breaker-wrapped
// send (generalized from one inline breaker into internal/breaker.Registry
// plus an explicit exponential-backoff retry loop).
package publishsaga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pipelinehq/workfabric/internal/breaker"
	"github.com/pipelinehq/workfabric/internal/capacity"
	"github.com/pipelinehq/workfabric/internal/domain/execution"
	"github.com/pipelinehq/workfabric/internal/domain/publish"
	"github.com/pipelinehq/workfabric/internal/idempotency"
	"github.com/pipelinehq/workfabric/internal/lock"
	"github.com/pipelinehq/workfabric/internal/outbox"
	"github.com/pipelinehq/workfabric/internal/workerr"
)

const (
	jobType = "publish"

	statementTimeout = 30 * time.Second
	lockTTL          = lock.DefaultTTL

	retryBaseMs       = 1000
	retryMaxDelay     = 30 * time.Second
	retryMultiplier   = 2.0
	minMaxRetries     = 0
	maxMaxRetries     = 5
	defaultMaxRetries = 3
)

// Adapter performs the actual external publish call. Implementations must
// not hold a database connection across this call.
type Adapter interface {
	Publish(ctx context.Context, intent publish.PublishIntent) (externalID, externalURL string, metadata json.RawMessage, err error)
}

// RetryOptions bounds Phase 2's retry loop.
type RetryOptions struct {
	MaxRetries int
}

func (r RetryOptions) clamp() RetryOptions {
	if r.MaxRetries < minMaxRetries || r.MaxRetries > maxMaxRetries {
		r.MaxRetries = defaultMaxRetries
	}
	return r
}

// ErrLockContended is returned when the inter-phase distributed lock could
// not be acquired — per spec.md 4.4 this is a hard failure: the caller's
// retry mechanism (the broker) is expected to reattempt the whole saga.
var ErrLockContended = errors.New("publishsaga: could not acquire publish lock")

// Saga drives the three-phase commit for one publish intent.
type Saga struct {
	pool     *pgxpool.Pool
	store    Store
	locks    lock.Service
	breakers *breaker.Registry
	outbox   *outbox.Emitter
	adapter  Adapter
	gate     *capacity.Gate
	log      *slog.Logger
}

// New constructs a Saga. log may be nil, in which case slog.Default() is
// used. gate may be nil, in which case a default-capacity gate is
// constructed so AssertOrgCapacity still runs with spec.md 4.2's default
// cap rather than being silently skipped.
func New(pool *pgxpool.Pool, store Store, locks lock.Service, breakers *breaker.Registry, emitter *outbox.Emitter, adapter Adapter, gate *capacity.Gate, log *slog.Logger) *Saga {
	if log == nil {
		log = slog.Default()
	}
	if gate == nil {
		gate = capacity.New(capacity.DefaultMaxActiveJobsPerOrg)
	}
	return &Saga{pool: pool, store: store, locks: locks, breakers: breakers, outbox: emitter, adapter: adapter, gate: gate, log: log}
}

// Run executes the full saga for intentID, returning nil on success
// (including the duplicate/already-published short-circuit and the
// saga-recovery short-circuit), or an error otherwise.
func (s *Saga) Run(ctx context.Context, intentID string, opts RetryOptions) error {
	opts = opts.clamp()

	idemKey, err := idempotency.DeterministicKey(jobType, intentID)
	if err != nil {
		return workerr.New(workerr.Validation, "publishsaga.run", err)
	}

	phase1, err := s.phase1LockAndRecord(ctx, intentID, idemKey)
	if err != nil {
		return err
	}
	if phase1.shortCircuit {
		return nil
	}

	lockResource := "publish:" + intentID
	heldLock, err := s.locks.Acquire(ctx, lockResource, lockTTL)
	if err != nil {
		return workerr.New(workerr.Infrastructure, "publishsaga.run", fmt.Errorf("%w: %v", ErrLockContended, err))
	}
	defer func() {
		released, relErr := s.locks.Release(ctx, heldLock)
		if relErr != nil {
			s.log.WarnContext(ctx, "publishsaga.lock_release_error", "intent_id", intentID, "err", relErr)
			return
		}
		if !released {
			s.log.WarnContext(ctx, "publishsaga.lock_expired_before_release", "intent_id", intentID)
		}
	}()

	externalID, externalURL, metadata, callErr := s.phase2ExternalCall(ctx, intentID, phase1.execution, opts)
	if callErr != nil {
		return s.finalizeFailure(ctx, intentID, phase1.execution, callErr)
	}

	return s.phase3Finalize(ctx, intentID, phase1.execution.ID, externalID, externalURL, metadata)
}

type phase1Result struct {
	execution    execution.JobExecution
	shortCircuit bool
}

// phase1LockAndRecord is spec.md 4.4 Phase 1: a single 30s-timeout
// transaction that locks the intent row, looks up any existing execution by
// (job_type, idempotency_key), and either short-circuits (duplicate
// complete, or crash-recovered success) or records a fresh 'started'
// execution.
func (s *Saga) phase1LockAndRecord(ctx context.Context, intentID, idemKey string) (phase1Result, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return phase1Result{}, workerr.New(workerr.Infrastructure, "publishsaga.phase1", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL statement_timeout = %d", statementTimeout.Milliseconds())); err != nil {
		return phase1Result{}, workerr.New(workerr.Infrastructure, "publishsaga.phase1", err)
	}

	intent, err := s.store.LockIntent(ctx, tx, intentID)
	if err != nil {
		return phase1Result{}, workerr.New(workerr.NotFound, "publishsaga.phase1", err)
	}
	if intent.Status == publish.IntentPublished {
		return phase1Result{shortCircuit: true}, nil
	}

	existing, found, err := s.store.FindExecution(ctx, tx, jobType, idemKey)
	if err != nil {
		return phase1Result{}, workerr.New(workerr.Infrastructure, "publishsaga.phase1", err)
	}

	if found && existing.Status == execution.StatusCompleted {
		return phase1Result{shortCircuit: true}, nil
	}

	if found && existing.Status == execution.StatusStarted {
		if successExec, ok, err := s.store.FindPublishExecutionSuccess(ctx, tx, intentID); err == nil && ok {
			s.log.InfoContext(ctx, "publishsaga.recovery_short_circuit", "intent_id", intentID, "external_id", valueOrEmpty(successExec.ExternalID))
			if commitErr := tx.Commit(ctx); commitErr != nil {
				return phase1Result{}, workerr.New(workerr.Infrastructure, "publishsaga.phase1", commitErr)
			}
			if finErr := s.finalizeRecovered(ctx, intentID, existing.ID, successExec); finErr != nil {
				return phase1Result{}, finErr
			}
			return phase1Result{shortCircuit: true}, nil
		}
	}

	// AssertOrgCapacity runs under this same transaction, before the INSERT
	// that will itself count toward the org's in-flight total — the
	// TOCTOU-safe ordering spec.md 4.2 describes (lock, count, then let the
	// caller's own INSERT land inside the still-held advisory lock).
	if err := s.gate.AssertOrgCapacity(ctx, tx, intent.OrgID); err != nil {
		return phase1Result{}, err
	}

	newExec := execution.New(jobType, intent.OrgID, idemKey)
	if err := newExec.TransitionTo(execution.StatusStarted); err != nil {
		return phase1Result{}, workerr.New(workerr.Integrity, "publishsaga.phase1", err)
	}
	if err := s.store.InsertExecution(ctx, tx, newExec); err != nil {
		return phase1Result{}, workerr.New(workerr.Infrastructure, "publishsaga.phase1", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return phase1Result{}, workerr.New(workerr.Infrastructure, "publishsaga.phase1", err)
	}

	return phase1Result{execution: newExec}, nil
}

// finalizeRecovered short-circuits phase 3 when phase 1 found a committed
// success execution from a prior crashed run — the intent still needs to
// be marked published, but no external call or execution-status write is
// needed since both already happened.
func (s *Saga) finalizeRecovered(ctx context.Context, intentID, executionID string, successExec publish.PublishExecution) error {
	return phase3WithResult{
		intentID:    intentID,
		executionID: executionID,
		externalID:  valueOrEmpty(successExec.ExternalID),
		externalURL: valueOrEmpty(successExec.ExternalURL),
		metadata:    successExec.Metadata,
	}.run(ctx, s)
}

func valueOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// phase2ExternalCall is spec.md 4.4 Phase 2: runs entirely outside any DB
// transaction, wrapped in the named circuit breaker and an exponential
// backoff retry loop bounded by opts.MaxRetries, with a retryable-signal
// allowlist (internal/workerr.IsTransientSignal / IsTransientStatus).
func (s *Saga) phase2ExternalCall(ctx context.Context, intentID string, exec execution.JobExecution, opts RetryOptions) (externalID, externalURL string, metadata json.RawMessage, err error) {
	br := s.breakers.Get("publish-adapter", breaker.Config{
		FailureThreshold:    5,
		ResetTimeout:        30 * time.Second,
		HalfOpenMaxAttempts: 1,
	})

	var lastErr error
	for attempt := 1; attempt <= opts.MaxRetries+1; attempt++ {
		var intent publish.PublishIntent
		intent.ID = intentID

		callErr := br.Execute(ctx, func(ctx context.Context) error {
			id, url, meta, e := s.adapter.Publish(ctx, intent)
			if e != nil {
				return e
			}
			externalID, externalURL, metadata = id, url, meta
			return nil
		})

		if callErr == nil {
			return externalID, externalURL, metadata, nil
		}

		lastErr = callErr

		if errors.Is(callErr, breaker.ErrOpen) {
			return "", "", nil, workerr.New(workerr.CircuitOpen, "publishsaga.phase2", callErr)
		}
		if errors.Is(callErr, context.Canceled) || errors.Is(callErr, context.DeadlineExceeded) {
			return "", "", nil, workerr.New(workerr.Transient, "publishsaga.phase2", callErr)
		}
		if !workerr.IsTransientSignal(callErr.Error()) {
			return "", "", nil, workerr.New(workerr.TerminalExternal, "publishsaga.phase2", callErr).WithNoRetry()
		}
		if attempt > opts.MaxRetries {
			break
		}

		delay := backoffDelay(attempt)
		s.log.WarnContext(ctx, "publishsaga.retry", "intent_id", intentID, "attempt", attempt, "delay", delay, "err", callErr)

		select {
		case <-ctx.Done():
			return "", "", nil, workerr.New(workerr.Transient, "publishsaga.phase2", ctx.Err())
		case <-time.After(delay):
		}
	}

	return "", "", nil, workerr.New(workerr.Transient, "publishsaga.phase2", lastErr)
}

func backoffDelay(attempt int) time.Duration {
	d := float64(retryBaseMs)
	for i := 1; i < attempt; i++ {
		d *= retryMultiplier
	}
	delay := time.Duration(d) * time.Millisecond
	if delay > retryMaxDelay {
		delay = retryMaxDelay
	}
	return delay
}

// finalizeFailure opens a fresh 30s transaction to record the terminal
// failure (publish_executions + job_executions) before rethrowing, per
// spec.md 4.4's "On terminal failure, open a new 30s transaction... then
// rethrow."
func (s *Saga) finalizeFailure(ctx context.Context, intentID string, exec execution.JobExecution, callErr error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return workerr.New(workerr.Infrastructure, "publishsaga.finalize_failure", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL statement_timeout = %d", statementTimeout.Milliseconds())); err != nil {
		return workerr.New(workerr.Infrastructure, "publishsaga.finalize_failure", err)
	}

	pe := publish.NewFailure(intentID, callErr)
	if err := s.store.InsertPublishExecutionFailure(ctx, tx, pe); err != nil {
		return workerr.New(workerr.Infrastructure, "publishsaga.finalize_failure", err)
	}

	if err := exec.TransitionTo(execution.StatusFailed); err != nil {
		return workerr.New(workerr.Integrity, "publishsaga.finalize_failure", err)
	}
	if err := s.store.UpdateExecutionStatus(ctx, tx, exec.ID, execution.StatusFailed); err != nil {
		return workerr.New(workerr.Infrastructure, "publishsaga.finalize_failure", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return workerr.New(workerr.Infrastructure, "publishsaga.finalize_failure", err)
	}

	return callErr
}

type phase3WithResult struct {
	intentID    string
	executionID string
	externalID  string
	externalURL string
	metadata    json.RawMessage
}

func (p phase3WithResult) run(ctx context.Context, s *Saga) error {
	return s.phase3Finalize(ctx, p.intentID, p.executionID, p.externalID, p.externalURL, p.metadata)
}

// phase3Finalize is spec.md 4.4 Phase 3: a fresh 30s transaction that
// idempotently commits the publish_executions success row (ON CONFLICT ...
// DO NOTHING against the partial unique index), marks the execution
// completed, and marks the intent published.
//
// Malformed metadata JSON recovered from a prior corrupted write is treated
// as undefined rather than blocking recovery forever, per spec.md 4.4's
// explicit note.
func (s *Saga) phase3Finalize(ctx context.Context, intentID, executionID, externalID, externalURL string, metadata json.RawMessage) error {
	if len(metadata) > 0 && !json.Valid(metadata) {
		s.log.WarnContext(ctx, "publishsaga.malformed_metadata_treated_as_undefined", "intent_id", intentID)
		metadata = nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return workerr.New(workerr.Infrastructure, "publishsaga.phase3", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL statement_timeout = %d", statementTimeout.Milliseconds())); err != nil {
		return workerr.New(workerr.Infrastructure, "publishsaga.phase3", err)
	}

	pe := publish.NewSuccess(intentID, externalID, externalURL, metadata)
	if err := s.store.UpsertPublishExecutionSuccess(ctx, tx, pe); err != nil {
		return workerr.New(workerr.Infrastructure, "publishsaga.phase3", err)
	}

	if executionID != "" {
		if err := s.store.UpdateExecutionStatus(ctx, tx, executionID, execution.StatusCompleted); err != nil {
			return workerr.New(workerr.Infrastructure, "publishsaga.phase3", err)
		}
	}

	intent := publish.PublishIntent{ID: intentID}
	if err := intent.MarkPublished(externalID); err != nil && !errors.Is(err, publish.ErrAlreadyPublished) {
		return workerr.New(workerr.Integrity, "publishsaga.phase3", err)
	}
	if err := s.store.MarkIntentPublished(ctx, tx, intent); err != nil {
		return workerr.New(workerr.Infrastructure, "publishsaga.phase3", err)
	}

	env, err := outbox.NewEnvelope("publish.completed", 1, map[string]string{
		"intent_id":   intentID,
		"external_id": externalID,
	}, outbox.Meta{Source: "publishsaga", DomainID: intentID})
	if err != nil {
		return workerr.New(workerr.Infrastructure, "publishsaga.phase3", err)
	}
	if err := s.outbox.Write(ctx, tx, env); err != nil {
		return workerr.New(workerr.Infrastructure, "publishsaga.phase3", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return workerr.New(workerr.Infrastructure, "publishsaga.phase3", err)
	}

	return nil
}
