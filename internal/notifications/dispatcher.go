package notifications

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pipelinehq/workfabric/internal/breaker"
	"github.com/pipelinehq/workfabric/internal/capacity"
	"github.com/pipelinehq/workfabric/internal/clockid"
	"github.com/pipelinehq/workfabric/internal/domain/notification"
	"github.com/pipelinehq/workfabric/internal/outbox"
	"github.com/pipelinehq/workfabric/internal/workerr"
)

const (
	statementTimeout = 10 * time.Second
	maxRetries       = 3

	maxBatchSize       = 100
	batchConcurrency   = 5
	sendBreakerTimeout = 10 * time.Second
)

// Outcome is the result of one Dispatch call.
type Outcome string

const (
	OutcomeDelivered        Outcome = "delivered"
	OutcomeSkippedByPref    Outcome = "skipped_by_preference"
	OutcomeDLQExhausted     Outcome = "dlq_exhausted"
	OutcomeFailed           Outcome = "failed"
)

// Dispatcher drives the TX1 / external-send / TX2 pattern for one or many
// notifications.
type Dispatcher struct {
	pool     *pgxpool.Pool
	store    Store
	adapters *Adapters
	breakers *breaker.Registry
	outbox   *outbox.Emitter
	gate     *capacity.Gate
	log      *slog.Logger
}

// New constructs a Dispatcher. log may be nil, in which case slog.Default()
// is used. gate may be nil, in which case a default-capacity gate is
// constructed so TX1's admission check still runs against spec.md 4.2's
// default cap rather than being silently skipped.
func New(pool *pgxpool.Pool, store Store, adapters *Adapters, breakers *breaker.Registry, emitter *outbox.Emitter, gate *capacity.Gate, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	if gate == nil {
		gate = capacity.New(capacity.DefaultMaxActiveJobsPerOrg)
	}
	return &Dispatcher{pool: pool, store: store, adapters: adapters, breakers: breakers, outbox: emitter, gate: gate, log: log}
}

// Dispatch runs the full TX1/send/TX2 pattern for one notification id.
func (d *Dispatcher) Dispatch(ctx context.Context, id string) (Outcome, error) {
	prep, outcome, err := d.tx1PreDelivery(ctx, id)
	if err != nil || outcome != "" {
		return outcome, err
	}

	sendErr := d.send(ctx, prep.channel, prep.notification)

	return d.tx2PostDelivery(ctx, prep.notification, prep.attemptNumber, sendErr)
}

// DispatchBatch runs Dispatch over ids with bounded concurrency (5) and a
// hard batch-size cap (100) per spec.md 4.5.
func (d *Dispatcher) DispatchBatch(ctx context.Context, ids []string) map[string]Outcome {
	dropped := 0
	ids, dropped = truncateBatch(ids)
	if dropped > 0 {
		d.log.WarnContext(ctx, "notifications.batch_truncated", "dropped", dropped, "cap", maxBatchSize)
	}

	results := make(map[string]Outcome, len(ids))
	var mu sync.Mutex
	sem := make(chan struct{}, batchConcurrency)
	done := make(chan struct{})
	remaining := len(ids)
	if remaining == 0 {
		return results
	}

	for _, id := range ids {
		id := id
		sem <- struct{}{}
		go func() {
			defer func() { <-sem }()
			outcome, err := d.Dispatch(ctx, id)
			if err != nil {
				outcome = OutcomeFailed
				d.log.ErrorContext(ctx, "notifications.dispatch_error", "notification_id", id, "err", err)
			}
			mu.Lock()
			results[id] = outcome
			remaining--
			if remaining == 0 {
				close(done)
			}
			mu.Unlock()
		}()
	}

	<-done
	return results
}

// truncateBatch caps ids at maxBatchSize, returning the dropped count so
// callers can log what was silently excluded rather than pretending the
// whole batch ran.
func truncateBatch(ids []string) ([]string, int) {
	if len(ids) <= maxBatchSize {
		return ids, 0
	}
	return ids[:maxBatchSize], len(ids) - maxBatchSize
}

type preDeliveryResult struct {
	notification  notification.Notification
	channel       string
	attemptNumber int
}

// tx1PreDelivery is spec.md 4.5 TX1. A non-empty outcome (with nil error)
// means the caller should return immediately without sending; a nil outcome
// with nil error means proceed to the external send.
func (d *Dispatcher) tx1PreDelivery(ctx context.Context, id string) (preDeliveryResult, Outcome, error) {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return preDeliveryResult{}, "", workerr.New(workerr.Infrastructure, "notifications.tx1", err)
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback(ctx)
		}
	}()

	if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL statement_timeout = %d", statementTimeout.Milliseconds())); err != nil {
		return preDeliveryResult{}, "", workerr.New(workerr.Infrastructure, "notifications.tx1", err)
	}

	n, found, err := d.store.LoadNotification(ctx, tx, id)
	if err != nil {
		return preDeliveryResult{}, "", workerr.New(workerr.Infrastructure, "notifications.tx1", err)
	}
	if !found {
		return preDeliveryResult{}, "", workerr.New(workerr.NotFound, "notifications.tx1", fmt.Errorf("notification %s not found", id))
	}

	priorAttempts, err := d.store.CountAttempts(ctx, tx, id)
	if err != nil {
		return preDeliveryResult{}, "", workerr.New(workerr.Infrastructure, "notifications.tx1", err)
	}
	attemptNumber := priorAttempts + 1

	if attemptNumber > maxRetries {
		dlqRow := notification.NewDLQ(id, n.Channel, "retry budget exhausted before send")
		if err := d.store.InsertDLQ(ctx, tx, dlqRow); err != nil {
			return preDeliveryResult{}, "", workerr.New(workerr.Infrastructure, "notifications.tx1", err)
		}
		n.Status = notification.StatusFailed
		if err := d.store.SaveNotification(ctx, tx, n); err != nil {
			return preDeliveryResult{}, "", workerr.New(workerr.Infrastructure, "notifications.tx1", err)
		}
		if err := commit(ctx, tx, &committed); err != nil {
			return preDeliveryResult{}, "", err
		}
		return preDeliveryResult{}, OutcomeDLQExhausted, nil
	}

	pref, hasPref, err := d.store.LoadPreference(ctx, tx, n.UserID, n.Channel)
	if err != nil {
		return preDeliveryResult{}, "", workerr.New(workerr.Infrastructure, "notifications.tx1", err)
	}
	if hasPref && !pref.Enabled {
		// Preference-gated skip is modeled as an automatic, audited
		// delivery rather than a bare no-op: pending->sending->delivered in
		// sequence, since the domain type only exposes Succeed() from
		// 'sending' (see DESIGN.md open-question decision).
		if err := n.Start(); err != nil {
			return preDeliveryResult{}, "", workerr.New(workerr.Integrity, "notifications.tx1", err)
		}
		if err := n.Succeed(); err != nil {
			return preDeliveryResult{}, "", workerr.New(workerr.Integrity, "notifications.tx1", err)
		}
		if err := d.store.SaveNotification(ctx, tx, n); err != nil {
			return preDeliveryResult{}, "", workerr.New(workerr.Infrastructure, "notifications.tx1", err)
		}
		d.log.InfoContext(ctx, "notifications.skipped_by_preference", "notification_id", id, "user_id", n.UserID, "channel", n.Channel)
		if err := commit(ctx, tx, &committed); err != nil {
			return preDeliveryResult{}, "", err
		}
		return preDeliveryResult{}, OutcomeSkippedByPref, nil
	}

	if n.Delivered() {
		if err := commit(ctx, tx, &committed); err != nil {
			return preDeliveryResult{}, "", err
		}
		return preDeliveryResult{}, OutcomeDelivered, nil
	}

	// Admission gate runs under this same transaction, before the claim —
	// the notification job admission path spec.md 4.2 describes, keyed on
	// the notification's own org rather than a separate job_executions row
	// (the dispatcher has none of its own to insert).
	if err := d.gate.AssertOrgCapacity(ctx, tx, n.OrgID); err != nil {
		return preDeliveryResult{}, "", err
	}

	token := clockid.NewID()
	claimed, err := d.store.ClaimDelivery(ctx, tx, id, token)
	if err != nil {
		return preDeliveryResult{}, "", workerr.New(workerr.Infrastructure, "notifications.tx1", err)
	}
	if !claimed {
		// Another worker already claimed it; optimistically treat as
		// already in flight toward delivery rather than erroring.
		if err := commit(ctx, tx, &committed); err != nil {
			return preDeliveryResult{}, "", err
		}
		return preDeliveryResult{}, OutcomeDelivered, nil
	}
	if err := n.Claim(token); err != nil {
		return preDeliveryResult{}, "", workerr.New(workerr.Integrity, "notifications.tx1", err)
	}

	if _, ok, adapterErr := d.adapters.Get(ctx, n.Channel); adapterErr != nil {
		return preDeliveryResult{}, "", workerr.New(workerr.Infrastructure, "notifications.tx1", fmt.Errorf("construct adapter for channel %q: %w", n.Channel, adapterErr))
	} else if !ok {
		return preDeliveryResult{}, "", workerr.New(workerr.Validation, "notifications.tx1", fmt.Errorf("no adapter registered for channel %q", n.Channel)).WithNoRetry()
	}

	if n.Status == notification.StatusFailed {
		if err := d.store.ResetFailedToPending(ctx, tx, id); err != nil {
			return preDeliveryResult{}, "", workerr.New(workerr.Infrastructure, "notifications.tx1", err)
		}
		n.Status = notification.StatusPending
	}

	if err := n.Start(); err != nil {
		return preDeliveryResult{}, "", workerr.New(workerr.Integrity, "notifications.tx1", err)
	}
	if err := d.store.SaveNotification(ctx, tx, n); err != nil {
		return preDeliveryResult{}, "", workerr.New(workerr.Infrastructure, "notifications.tx1", err)
	}

	if err := commit(ctx, tx, &committed); err != nil {
		return preDeliveryResult{}, "", err
	}

	return preDeliveryResult{notification: n, channel: n.Channel, attemptNumber: attemptNumber}, "", nil
}

// send runs the external adapter call with no database client held, wrapped
// in the named circuit breaker for channel.
func (d *Dispatcher) send(ctx context.Context, channel string, n notification.Notification) error {
	adapter, ok, err := d.adapters.Get(ctx, channel)
	if err != nil {
		return workerr.New(workerr.Infrastructure, "notifications.send", fmt.Errorf("construct adapter for channel %q: %w", channel, err))
	}
	if !ok {
		return workerr.New(workerr.Validation, "notifications.send", fmt.Errorf("no adapter registered for channel %q", channel)).WithNoRetry()
	}

	br := d.breakers.Get("notify-"+channel, breaker.Config{
		FailureThreshold:    5,
		ResetTimeout:        30 * time.Second,
		HalfOpenMaxAttempts: 1,
	})

	sendCtx, cancel := context.WithTimeout(ctx, sendBreakerTimeout)
	defer cancel()

	return br.Execute(sendCtx, func(ctx context.Context) error {
		return adapter.Send(ctx, n)
	})
}

// tx2PostDelivery is spec.md 4.5 TX2.
func (d *Dispatcher) tx2PostDelivery(ctx context.Context, n notification.Notification, attemptNumber int, sendErr error) (Outcome, error) {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return "", workerr.New(workerr.Infrastructure, "notifications.tx2", err)
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback(ctx)
		}
	}()

	if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL statement_timeout = %d", statementTimeout.Milliseconds())); err != nil {
		return "", workerr.New(workerr.Infrastructure, "notifications.tx2", err)
	}

	if sendErr == nil {
		attempt := notification.NewAttempt(n.ID, attemptNumber, notification.AttemptSuccess, nil)
		if err := d.store.InsertAttempt(ctx, tx, attempt); err != nil {
			return "", workerr.New(workerr.Infrastructure, "notifications.tx2", err)
		}
		if err := n.Succeed(); err != nil {
			return "", workerr.New(workerr.Integrity, "notifications.tx2", err)
		}
		if err := d.store.SaveNotification(ctx, tx, n); err != nil {
			return "", workerr.New(workerr.Infrastructure, "notifications.tx2", err)
		}
		if err := d.store.MarkDeliveryCommitted(ctx, tx, n.ID); err != nil {
			return "", workerr.New(workerr.Infrastructure, "notifications.tx2", err)
		}

		env, err := outbox.NewEnvelope("notification.sent", 1, map[string]string{
			"notification_id": n.ID, "channel": n.Channel,
		}, outbox.Meta{Source: "notifications", DomainID: n.ID})
		if err != nil {
			return "", workerr.New(workerr.Infrastructure, "notifications.tx2", err)
		}
		if err := d.outbox.Write(ctx, tx, env); err != nil {
			return "", workerr.New(workerr.Infrastructure, "notifications.tx2", err)
		}

		if err := commit(ctx, tx, &committed); err != nil {
			return "", err
		}
		return OutcomeDelivered, nil
	}

	errMsg := sendErr.Error()
	attempt := notification.NewAttempt(n.ID, attemptNumber, notification.AttemptFailure, &errMsg)
	if err := d.store.InsertAttempt(ctx, tx, attempt); err != nil {
		return "", workerr.New(workerr.Infrastructure, "notifications.tx2", err)
	}
	if err := n.Fail(); err != nil {
		return "", workerr.New(workerr.Integrity, "notifications.tx2", err)
	}
	if err := d.store.SaveNotification(ctx, tx, n); err != nil {
		return "", workerr.New(workerr.Infrastructure, "notifications.tx2", err)
	}

	dlqRow := notification.NewDLQ(n.ID, n.Channel, errMsg)
	if err := d.store.InsertDLQ(ctx, tx, dlqRow); err != nil {
		return "", workerr.New(workerr.Infrastructure, "notifications.tx2", err)
	}

	env, err := outbox.NewEnvelope("notification.failed", 1, map[string]string{
		"notification_id": n.ID, "channel": n.Channel, "error": errMsg,
	}, outbox.Meta{Source: "notifications", DomainID: n.ID})
	if err != nil {
		return "", workerr.New(workerr.Infrastructure, "notifications.tx2", err)
	}
	if err := d.outbox.Write(ctx, tx, env); err != nil {
		return "", workerr.New(workerr.Infrastructure, "notifications.tx2", err)
	}

	if err := commit(ctx, tx, &committed); err != nil {
		return "", err
	}

	kind := workerr.Transient
	if errors.Is(sendErr, breaker.ErrOpen) {
		kind = workerr.CircuitOpen
	}
	return OutcomeFailed, workerr.New(kind, "notifications.dispatch", sendErr)
}

type committer interface {
	Commit(ctx context.Context) error
}

func commit(ctx context.Context, tx committer, committed *bool) error {
	if err := tx.Commit(ctx); err != nil {
		return workerr.New(workerr.Infrastructure, "notifications.commit", err)
	}
	*committed = true
	return nil
}
