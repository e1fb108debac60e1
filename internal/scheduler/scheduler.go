package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pipelinehq/workfabric/internal/broker"
	"github.com/pipelinehq/workfabric/internal/clockid"
	"github.com/pipelinehq/workfabric/internal/observability"
	"github.com/pipelinehq/workfabric/internal/workerr"
)

const (
	defaultPollInterval    = 250 * time.Millisecond
	staleControllerSweep   = 60 * time.Second
	staleControllerMaxAge  = 5 * time.Minute
	defaultShutdownDeadline = 10 * time.Second
)

// ScheduleOptions are the per-call overrides Schedule accepts.
type ScheduleOptions struct {
	Priority *broker.Priority
	DelayMs  int
	JobID    string
}

type abortEntry struct {
	cancel    context.CancelFunc
	createdAt time.Time
}

// JobScheduler is the public contract spec.md 4.1 describes: queue
// registration, worker pool lifecycle, scheduling, and graceful shutdown.
type JobScheduler struct {
	Registry *SchedulerRegistry

	broker  broker.Broker
	limiter broker.RateLimiter
	log     *slog.Logger
	prom    *observability.Prom
	metrics *observability.JobMetrics

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	abortMu   sync.Mutex
	abortCtrl map[string]*abortEntry
}

// New constructs a JobScheduler against b (the durable queue broker) and
// limiter (the atomic rate-limit counter backend). limiter may be nil, in
// which case rate-limited registrations are rejected at Register time —
// callers that never configure rate limits can omit it. prom is optional
// (variadic so existing call sites keep compiling); when supplied, runJob
// records job duration and outcome on workfabric_jobs_duration_seconds /
// workfabric_jobs_results_total / workfabric_jobs_in_flight in addition to
// the in-process JobMetrics counters the scheduler always keeps (see
// JobMetricsSnapshot).
func New(b broker.Broker, limiter broker.RateLimiter, log *slog.Logger, prom ...*observability.Prom) *JobScheduler {
	if log == nil {
		log = slog.Default()
	}
	s := &JobScheduler{
		Registry:  NewSchedulerRegistry(),
		broker:    b,
		limiter:   limiter,
		log:       log,
		metrics:   observability.NewJobMetrics(),
		abortCtrl: make(map[string]*abortEntry),
	}
	if len(prom) > 0 {
		s.prom = prom[0]
	}
	return s
}

// JobMetricsSnapshot returns the process-lifetime job counters/duration
// stats this scheduler has recorded.
func (s *JobScheduler) JobMetricsSnapshot() observability.JobMetricsSnapShot {
	return s.metrics.Snapshot()
}

// Register validates and binds handler to cfg.Name. See SchedulerRegistry.Register.
func (s *JobScheduler) Register(cfg JobConfig, handler Handler, schema SchemaValidator) error {
	if cfg.RateLimit != nil && s.limiter == nil {
		return fmt.Errorf("%w: %q sets a rate limit but the scheduler has no rate limiter", ErrInvalidRateLimit, cfg.Name)
	}
	return s.Registry.Register(cfg, handler, schema)
}

// StartWorkers spins up one worker pool per registered queue with the
// given per-worker concurrency, and arms the 60s stale-controller sweep.
// Calling StartWorkers twice without an intervening Stop is a no-op.
func (s *JobScheduler) StartWorkers(ctx context.Context, concurrency int) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	if concurrency <= 0 {
		concurrency = 5
	}

	s.Registry.startCron()

	for _, queue := range s.Registry.Queues() {
		queue := queue
		for i := 0; i < concurrency; i++ {
			s.wg.Add(1)
			go s.runWorker(ctx, queue)
		}
	}

	s.wg.Add(1)
	go s.sweepLoop(ctx)

	return nil
}

func (s *JobScheduler) runWorker(ctx context.Context, queue string) {
	defer s.wg.Done()

	ticker := time.NewTicker(defaultPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if paused, perr := s.broker.IsPaused(ctx, queue); perr == nil && paused {
				continue
			}
			j, err := s.broker.Claim(ctx, queue, clockid.NewID())
			if err != nil {
				if !errors.Is(err, broker.ErrNoJobAvailable) {
					s.log.ErrorContext(ctx, "scheduler.claim_error", "queue", queue, "err", err)
				}
				continue
			}
			s.runJob(ctx, j)
		}
	}
}

// effectiveJobID is computed once per job so the same key is used both when
// the abort controller is created and when it is deleted — spec.md 4.1
// step 7 warns that mismatched keys leak controllers.
func effectiveJobID(j broker.Job) string {
	if j.ID != "" {
		return j.ID
	}
	return clockid.NewID()
}

func (s *JobScheduler) runJob(ctx context.Context, j broker.Job) {
	s.metrics.IncClaimed()
	if s.prom != nil {
		s.prom.JobsInFlight.Inc()
		defer s.prom.JobsInFlight.Dec()
	}
	started := clockid.System.Now()

	cfg, handler, schema, ok := s.Registry.Get(j.Name)
	if !ok {
		s.recordJobResult(j.Name, "failed", time.Since(started))
		_ = s.broker.Fail(ctx, j.ID, "no handler registered for "+j.Name, false)
		return
	}

	if schema != nil {
		if err := schema.Validate(j.Payload); err != nil {
			s.recordJobResult(j.Name, "failed", time.Since(started))
			_ = s.broker.Fail(ctx, j.ID, "schema validation failed: "+err.Error(), false)
			return
		}
	}

	id := effectiveJobID(j)
	jobCtx, cancel := context.WithCancel(ctx)
	s.abortMu.Lock()
	s.abortCtrl[id] = &abortEntry{cancel: cancel, createdAt: clockid.System.Now()}
	s.abortMu.Unlock()

	defer func() {
		s.abortMu.Lock()
		delete(s.abortCtrl, id)
		s.abortMu.Unlock()
		cancel()
	}()

	timeout := time.Duration(cfg.TimeoutMs) * time.Millisecond
	err := executeWithTimeout(jobCtx, timeout, func(ctx context.Context) error {
		return handler(ctx, j.Payload, j)
	})

	if err != nil {
		retryable := !errors.Is(err, context.Canceled)
		var we *workerr.Error
		if errors.As(err, &we) {
			retryable = we.Retryable()
		}
		s.log.WarnContext(ctx, "scheduler.job_failed", "job_id", j.ID, "name", j.Name, "err", err, "retryable", retryable)
		if retryable {
			s.metrics.IncRetried()
			s.recordJobResult(j.Name, "retry", time.Since(started))
		} else {
			s.metrics.IncFailed()
			s.recordJobResult(j.Name, "failed", time.Since(started))
		}
		if failErr := s.broker.Fail(ctx, j.ID, err.Error(), retryable); failErr != nil {
			s.log.ErrorContext(ctx, "scheduler.fail_error", "job_id", j.ID, "err", failErr)
		}
		return
	}

	s.metrics.IncDone()
	s.recordJobResult(j.Name, "done", time.Since(started))
	if err := s.broker.Complete(ctx, j.ID); err != nil {
		s.log.ErrorContext(ctx, "scheduler.complete_error", "job_id", j.ID, "err", err)
	}
}

// recordJobResult updates the per-process JobMetrics duration stats and,
// when prom is configured, the workfabric_jobs_duration_seconds /
// workfabric_jobs_results_total series.
func (s *JobScheduler) recordJobResult(jobName, result string, d time.Duration) {
	s.metrics.ObserveDuration(d)
	if s.prom == nil {
		return
	}
	s.prom.JobDuration.WithLabelValues(jobName, result).Observe(d.Seconds())
	s.prom.JobResults.WithLabelValues(jobName, result).Inc()
}

// executeWithTimeout races fn against timeout and ctx cancellation. A
// single settled guard (sync.Once semantics via a buffered channel) ensures
// the result is observed exactly once regardless of which of the three
// (handler return, timer fire, context cancel) happens first.
func executeWithTimeout(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resultCh := make(chan error, 1)
	go func() {
		resultCh <- fn(runCtx)
	}()

	select {
	case err := <-resultCh:
		return err
	case <-runCtx.Done():
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("scheduler: handler timed out after %s", timeout)
		}
		return context.Canceled
	}
}

func (s *JobScheduler) sweepLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(staleControllerSweep)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweepStaleControllers()
		}
	}
}

func (s *JobScheduler) sweepStaleControllers() {
	cutoff := clockid.System.Now().Add(-staleControllerMaxAge)

	s.abortMu.Lock()
	defer s.abortMu.Unlock()
	for id, entry := range s.abortCtrl {
		if entry.createdAt.Before(cutoff) {
			entry.cancel()
			delete(s.abortCtrl, id)
			s.log.Warn("scheduler.stale_controller_swept", "job_id", id)
		}
	}
}

// Schedule enqueues payload under name, merging the registered config's
// priority/attempts/backoff with any per-call overrides.
func (s *JobScheduler) Schedule(ctx context.Context, name string, payload any, opts ScheduleOptions) (broker.Job, error) {
	cfg, _, _, ok := s.Registry.Get(name)
	if !ok {
		return broker.Job{}, workerr.New(workerr.NotFound, "scheduler.schedule", ErrHandlerNotRegistered)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return broker.Job{}, workerr.New(workerr.Validation, "scheduler.schedule", fmt.Errorf("marshal payload: %w", err))
	}
	if len(raw) > broker.MaxPayloadBytes {
		return broker.Job{}, workerr.New(workerr.Validation, "scheduler.schedule",
			fmt.Errorf("payload %d bytes exceeds %d byte cap", len(raw), broker.MaxPayloadBytes))
	}

	if cfg.RateLimit != nil && s.limiter != nil {
		bucket := "global"
		allowed, lerr := s.limiter.Allow(ctx, bucket, name, cfg.RateLimit.Max, time.Duration(cfg.RateLimit.DurationMs)*time.Millisecond)
		if lerr != nil {
			return broker.Job{}, workerr.New(workerr.Infrastructure, "scheduler.schedule", lerr)
		}
		if !allowed {
			return broker.Job{}, workerr.New(workerr.RateLimit, "scheduler.schedule", errors.New("rate limit exceeded")).
				WithRetryAfter(time.Duration(cfg.RateLimit.DurationMs) * time.Millisecond)
		}
	}

	priority := cfg.Priority
	if opts.Priority != nil {
		priority = *opts.Priority
	}
	id := opts.JobID
	if id == "" {
		id = clockid.NewID()
	}

	j, err := s.broker.Enqueue(ctx, broker.EnqueueRequest{
		ID:          id,
		Name:        name,
		Queue:       cfg.Queue,
		Payload:     raw,
		Priority:    priority,
		AttemptsMax: cfg.MaxRetries + 1,
		Backoff:     cfg.Backoff,
		TimeoutMs:   cfg.TimeoutMs,
		DelayMs:     opts.DelayMs,
	})
	if err != nil {
		if errors.Is(err, broker.ErrQueueBackpressure) {
			return broker.Job{}, workerr.New(workerr.RateLimit, "scheduler.schedule", err)
		}
		return broker.Job{}, workerr.New(workerr.Infrastructure, "scheduler.schedule", err)
	}
	return j, nil
}

// ScheduleRecurring registers name as a cron-scheduled entry against
// cronSpec, enqueuing payload on each tick.
func (s *JobScheduler) ScheduleRecurring(ctx context.Context, name string, payload any, cronSpec string) error {
	if _, _, _, ok := s.Registry.Get(name); !ok {
		return ErrHandlerNotRegistered
	}
	_, err := s.Registry.ScheduleRecurring(cronSpec, func() {
		if _, err := s.Schedule(ctx, name, payload, ScheduleOptions{}); err != nil {
			s.log.ErrorContext(ctx, "scheduler.recurring_schedule_error", "name", name, "err", err)
		}
	})
	return err
}

// Cancel aborts the in-flight signal for id (if present) and removes the
// broker entry.
func (s *JobScheduler) Cancel(ctx context.Context, queue, id string) error {
	s.abortMu.Lock()
	if entry, ok := s.abortCtrl[id]; ok {
		entry.cancel()
		delete(s.abortCtrl, id)
	}
	s.abortMu.Unlock()

	return s.broker.Cancel(ctx, queue, id)
}

// GetMetrics returns queue's current counts.
func (s *JobScheduler) GetMetrics(ctx context.Context, queue string) broker.Metrics {
	m, err := s.broker.Metrics(ctx, queue)
	if err != nil {
		return broker.Metrics{}
	}
	return m
}

func (s *JobScheduler) Pause(ctx context.Context, queue string) error  { return s.broker.Pause(ctx, queue) }
func (s *JobScheduler) Resume(ctx context.Context, queue string) error { return s.broker.Resume(ctx, queue) }

func (s *JobScheduler) CleanQueue(ctx context.Context, queue string, graceMs int) (int, error) {
	return s.broker.Clean(ctx, queue, graceMs)
}

// Stop marks the scheduler not-running, aborts all in-flight cancel
// signals, and awaits worker completion with a 10s deadline, force-closing
// on deadline.
func (s *JobScheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.abortMu.Lock()
	for id, entry := range s.abortCtrl {
		entry.cancel()
		delete(s.abortCtrl, id)
	}
	s.abortMu.Unlock()

	s.Registry.stopCron()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(defaultShutdownDeadline):
		return errors.New("scheduler: shutdown deadline exceeded; force-closed")
	}
}

// AbortControllerCount exposes the current map size for tests/metrics — it
// must be 0 once Stop() has returned and no worker is mid-handler.
func (s *JobScheduler) AbortControllerCount() int {
	s.abortMu.Lock()
	defer s.abortMu.Unlock()
	return len(s.abortCtrl)
}
