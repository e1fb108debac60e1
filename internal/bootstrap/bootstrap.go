// Package bootstrap is the worker process's entry-point plumbing: load and
// validate config, stand up telemetry (tolerating its own failure), open
// the database pool, start the liveness heartbeat, and wire a panic-safe
// run loop with process exit codes.
//
// Grounded on cmd/worker/main.go's linear init sequence (InitTracer, then
// slog+TraceHandler, then pgxpool.New, then a Prometheus registry) —
// generalized into a reusable type so cmd/worker/main.go only has to wire
// domain-specific pieces (broker, scheduler, job registrations) on top.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/pipelinehq/workfabric/internal/config"
	"github.com/pipelinehq/workfabric/internal/db"
	"github.com/pipelinehq/workfabric/internal/observability"
)

// Bootstrap holds everything a worker process needs before it can start
// claiming jobs.
type Bootstrap struct {
	Cfg          config.Config
	Log          *slog.Logger
	Pool         *pgxpool.Pool
	PromRegistry *prometheus.Registry
	Prom         *observability.Prom

	shutdownTracer func(context.Context) error

	heartbeatOnce sync.Once
	heartbeatStop chan struct{}
	heartbeatWG   sync.WaitGroup
}

// New loads config, initializes telemetry (logging a warning and
// continuing on failure rather than crashing — a worker that can still
// process jobs is more useful than one that refuses to start because an
// OTLP collector is unreachable), opens the database pool, and registers a
// fresh Prometheus registry.
func New(ctx context.Context) (*Bootstrap, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("bootstrap: load config: %w", err)
	}

	base := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	logger := slog.New(observability.NewTraceHandler(base))
	slog.SetDefault(logger)

	shutdownTracer, err := observability.InitTracer(ctx, cfg.ServiceName, cfg.OTELEndpoint, cfg.OTELSamplingRate)
	if err != nil {
		logger.WarnContext(ctx, "bootstrap.otel_init_failed", "err", err)
		shutdownTracer = func(context.Context) error { return nil }
	}

	pool, err := db.NewPool(cfg.DBURL)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: connect db: %w", err)
	}

	reg := prometheus.NewRegistry()
	prom := observability.NewProm(reg)

	return &Bootstrap{
		Cfg:            cfg,
		Log:            logger,
		Pool:           pool,
		PromRegistry:   reg,
		Prom:           prom,
		shutdownTracer: shutdownTracer,
		heartbeatStop:  make(chan struct{}),
	}, nil
}

// SignalContext returns a context canceled on SIGINT/SIGTERM, the same pair
// cmd/worker/main.go already watched for.
func SignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// StartHeartbeat begins touching Cfg.HeartbeatPath's mtime every
// Cfg.HeartbeatInterval, per spec.md 6's liveness design: an external probe
// watches the file's staleness rather than polling the process in-band, so
// a worker wedged deep inside a handler (and therefore unable to answer an
// in-process health check) still fails the probe once its heartbeat goes
// stale.
func (b *Bootstrap) StartHeartbeat(ctx context.Context) {
	b.heartbeatWG.Add(1)
	go func() {
		defer b.heartbeatWG.Done()

		touch := func() {
			if err := touchFile(b.Cfg.HeartbeatPath); err != nil {
				b.Log.WarnContext(ctx, "bootstrap.heartbeat_write_failed", "path", b.Cfg.HeartbeatPath, "err", err)
			}
		}

		touch()
		ticker := time.NewTicker(b.Cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-b.heartbeatStop:
				return
			case <-ticker.C:
				touch()
			}
		}
	}()
}

func touchFile(path string) error {
	now := time.Now()
	if err := os.Chtimes(path, now, now); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			f, createErr := os.Create(path)
			if createErr != nil {
				return createErr
			}
			return f.Close()
		}
		return err
	}
	return nil
}

// RunWithPanicRecovery runs fn, converting an uncaught panic into a logged
// error and exit code 1 instead of a crash dump — spec.md 6's panic
// recovery path — and returns 1 on any error fn itself reports, 0 on clean
// completion.
func (b *Bootstrap) RunWithPanicRecovery(ctx context.Context, fn func(ctx context.Context) error) (exitCode int) {
	defer func() {
		if r := recover(); r != nil {
			b.Log.ErrorContext(ctx, "bootstrap.panic_recovered", "panic", r)
			exitCode = 1
		}
	}()

	if err := fn(ctx); err != nil {
		b.Log.ErrorContext(ctx, "bootstrap.run_failed", "err", err)
		return 1
	}
	return 0
}

// Shutdown stops the heartbeat goroutine, flushes the tracer, and closes
// the database pool, in that order — telemetry and the heartbeat are
// stopped before the pool so a slow final flush never looks like a
// deadlocked worker to the liveness probe.
func (b *Bootstrap) Shutdown(ctx context.Context) {
	b.heartbeatOnce.Do(func() { close(b.heartbeatStop) })
	b.heartbeatWG.Wait()

	if b.shutdownTracer != nil {
		if err := b.shutdownTracer(ctx); err != nil {
			b.Log.WarnContext(ctx, "bootstrap.tracer_shutdown_failed", "err", err)
		}
	}
	if b.Pool != nil {
		b.Pool.Close()
	}
}
