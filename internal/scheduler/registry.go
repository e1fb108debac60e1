// Package scheduler implements JobScheduler and SchedulerRegistry: the
// queue registration table, worker pool lifecycle, and per-job
// cancellation/timeout machinery spec.md 4.1 and 2 describe.
//
// Grounded on internal/queue/worker/worker.go's poll-claim-execute loop
// (Worker.Run/runWorker/execute/handleFailure), generalized from one
// hardcoded switch over job.Type into a name->handler registry, and from a
// single queue into per-queue worker pools against internal/broker.Broker.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/pipelinehq/workfabric/internal/broker"
)

var nameQueuePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,100}$`)

var (
	ErrInvalidName        = errors.New("scheduler: name must match [a-zA-Z0-9_-]{1,100}")
	ErrInvalidQueue        = errors.New("scheduler: queue must match [a-zA-Z0-9_-]{1,100}")
	ErrInvalidPriority     = errors.New("scheduler: priority must be a recognized enum value")
	ErrInvalidMaxRetries   = errors.New("scheduler: max_retries must be in [0,10]")
	ErrInvalidBackoffDelay = errors.New("scheduler: backoff delay_ms must be in [100,3600000]")
	ErrInvalidTimeout      = errors.New("scheduler: timeout_ms must be in [1000,3600000]")
	ErrInvalidRateLimit    = errors.New("scheduler: rate_limit out of bounds")
	ErrHandlerNotRegistered = errors.New("scheduler: no handler registered for job name")
)

// RateLimitConfig bounds follow spec.md 4.1.
type RateLimitConfig struct {
	Max        int
	DurationMs int
}

func (r RateLimitConfig) validate() error {
	if r.Max < 1 || r.Max > 10000 {
		return ErrInvalidRateLimit
	}
	if r.DurationMs < 100 || r.DurationMs > 3_600_000 {
		return ErrInvalidRateLimit
	}
	return nil
}

// JobConfig is one Register call's validated configuration.
type JobConfig struct {
	Name       string
	Queue      string
	Priority   broker.Priority
	MaxRetries int
	Backoff    broker.Backoff
	TimeoutMs  int
	RateLimit  *RateLimitConfig
}

func validPriority(p broker.Priority) bool {
	switch p {
	case broker.PriorityCritical, broker.PriorityHigh, broker.PriorityNormal, broker.PriorityLow, broker.PriorityBackground:
		return true
	default:
		return false
	}
}

func (c JobConfig) validate() error {
	if !nameQueuePattern.MatchString(c.Name) {
		return ErrInvalidName
	}
	if !nameQueuePattern.MatchString(c.Queue) {
		return ErrInvalidQueue
	}
	if !validPriority(c.Priority) {
		return ErrInvalidPriority
	}
	if c.MaxRetries < 0 || c.MaxRetries > 10 {
		return ErrInvalidMaxRetries
	}
	if c.Backoff.BaseMs < broker.MinBackoffBaseMs || c.Backoff.BaseMs > broker.MaxBackoffBaseMs {
		return ErrInvalidBackoffDelay
	}
	if c.TimeoutMs < 1000 || c.TimeoutMs > 3_600_000 {
		return ErrInvalidTimeout
	}
	if c.RateLimit != nil {
		if err := c.RateLimit.validate(); err != nil {
			return err
		}
	}
	return nil
}

// Handler runs one job's business logic. It should respect ctx cancellation
// at its suspension points (external calls, DB queries, sleeps).
type Handler func(ctx context.Context, payload json.RawMessage, j broker.Job) error

// SchemaValidator validates a job's payload before Handler runs. A
// registration with no SchemaValidator skips validation (step 2 of the
// worker loop in spec.md 4.1 is a no-op when schema is nil).
type SchemaValidator interface {
	Validate(payload json.RawMessage) error
}

// ErrNotImplemented is the sentinel a stub handler probe returns, per
// spec.md 9: the scheduler must refuse to enqueue a job whose handler
// hasn't been implemented yet, rather than silently losing the work.
var ErrNotImplemented = errors.New("scheduler: handler not implemented")

type registration struct {
	config  JobConfig
	handler Handler
	schema  SchemaValidator
}

// SchedulerRegistry maps job names to (queue, priority, retries, timeout,
// handler, schema) and owns the cron scheduler for recurring jobs.
type SchedulerRegistry struct {
	mu      sync.RWMutex
	entries map[string]*registration
	cron    *cron.Cron
}

// NewSchedulerRegistry constructs an empty registry with its own cron
// instance, not started until the scheduler calls StartWorkers.
func NewSchedulerRegistry() *SchedulerRegistry {
	return &SchedulerRegistry{
		entries: make(map[string]*registration),
		cron:    cron.New(),
	}
}

// Register validates cfg and binds handler (and optional schema) to
// cfg.Name. Idempotent re-registration overwrites the previous entry.
func (r *SchedulerRegistry) Register(cfg JobConfig, handler Handler, schema SchemaValidator) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	if handler == nil {
		return fmt.Errorf("scheduler: handler must not be nil for %q", cfg.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[cfg.Name] = &registration{config: cfg, handler: handler, schema: schema}
	return nil
}

// Get returns the registration for name, or false if none exists.
func (r *SchedulerRegistry) Get(name string) (JobConfig, Handler, SchemaValidator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.entries[name]
	if !ok {
		return JobConfig{}, nil, nil, false
	}
	return reg.config, reg.handler, reg.schema, true
}

// Queues returns the distinct set of queues with at least one registration,
// used by StartWorkers to know how many worker pools to spin up.
func (r *SchedulerRegistry) Queues() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	var out []string
	for _, reg := range r.entries {
		if !seen[reg.config.Queue] {
			seen[reg.config.Queue] = true
			out = append(out, reg.config.Queue)
		}
	}
	return out
}

// ScheduleRecurring registers a cron entry that invokes fn on schedule.
// Entries registered before the cron scheduler starts are picked up once
// JobScheduler.StartWorkers starts it.
func (r *SchedulerRegistry) ScheduleRecurring(spec string, fn func()) (cron.EntryID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cron.AddFunc(spec, fn)
}

func (r *SchedulerRegistry) startCron() { r.cron.Start() }
func (r *SchedulerRegistry) stopCron()  { r.cron.Stop() }
