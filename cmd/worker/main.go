// Command worker is the background-work fabric's process entry point: it
// wires the durable broker, rate limiter, capacity gate, circuit breakers,
// publish saga, notification dispatcher, and every registered job handler,
// then runs the worker pools until SIGINT/SIGTERM.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pipelinehq/workfabric/internal/adminhttp"
	"github.com/pipelinehq/workfabric/internal/bootstrap"
	"github.com/pipelinehq/workfabric/internal/breaker"
	"github.com/pipelinehq/workfabric/internal/broker"
	brokerpg "github.com/pipelinehq/workfabric/internal/broker/postgres"
	"github.com/pipelinehq/workfabric/internal/broker/redisrate"
	"github.com/pipelinehq/workfabric/internal/capacity"
	"github.com/pipelinehq/workfabric/internal/http/handlers"
	"github.com/pipelinehq/workfabric/internal/http/middlewares"
	"github.com/pipelinehq/workfabric/internal/jobhandlers"
	"github.com/pipelinehq/workfabric/internal/jobs"
	"github.com/pipelinehq/workfabric/internal/lock"
	"github.com/pipelinehq/workfabric/internal/notifications"
	"github.com/pipelinehq/workfabric/internal/outbox"
	"github.com/pipelinehq/workfabric/internal/publishsaga"
	"github.com/pipelinehq/workfabric/internal/queue/redisclient"
	postgresrepo "github.com/pipelinehq/workfabric/internal/repo/postgres"
	"github.com/pipelinehq/workfabric/internal/scheduler"
)

func main() {
	ctx, cancel := bootstrap.SignalContext()
	defer cancel()

	boot, err := bootstrap.New(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "worker: bootstrap failed: %v\n", err)
		os.Exit(1)
	}

	os.Exit(boot.RunWithPanicRecovery(ctx, func(ctx context.Context) error {
		return run(ctx, boot)
	}))
}

func run(ctx context.Context, boot *bootstrap.Bootstrap) error {
	cfg := boot.Cfg
	log := boot.Log
	pool := boot.Pool

	rdb := redisclient.New(redisclient.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := rdb.Ping(ctx); err != nil {
		log.WarnContext(ctx, "worker.redis_ping_failed", "err", err)
	}
	defer rdb.Close()

	jobBroker := brokerpg.New(pool, boot.Prom)
	limiter := redisrate.New(rdb.Raw())
	gate := capacity.New(cfg.MaxActiveJobsPerOrg, boot.Prom)
	locks := lock.NewRedisService(rdb.Raw())
	breakers := breaker.NewRegistry(boot.Prom)
	emitter := outbox.NewEmitter()

	executionsRepo := postgresrepo.NewExecutionsRepo(pool, boot.Prom)
	publishRepo := postgresrepo.NewPublishRepo(pool, boot.Prom)
	notificationStore := postgresrepo.NewNotificationStore(pool, boot.Prom)

	saga := publishsaga.New(pool, publishRepo, locks, breakers, emitter, publishsaga.NewLogAdapter(log), gate, log)

	adapters := notifications.NewAdapters()
	adapters.Register("log", notifications.NewLogAdapter(log))
	dispatcher := notifications.New(pool, notificationStore, adapters, breakers, emitter, gate, log)

	jobScheduler := scheduler.New(jobBroker, limiter, log, boot.Prom)
	if err := registerJobs(jobScheduler, cfg.EnableFeedbackIngest, saga, dispatcher, log); err != nil {
		return fmt.Errorf("worker: register jobs: %w", err)
	}

	if err := jobScheduler.StartWorkers(ctx, cfg.WorkerConcurrency); err != nil {
		return fmt.Errorf("worker: start workers: %w", err)
	}

	boot.StartHeartbeat(ctx)

	srv := newAdminServer(cfg.Port, boot, executionsRepo)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.ErrorContext(ctx, "worker.admin_server_failed", "err", err)
		}
	}()

	log.InfoContext(ctx, "worker.start", "service", cfg.ServiceName, "version", cfg.Version, "env", cfg.Env)

	<-ctx.Done()
	log.InfoContext(ctx, "worker.shutdown_signal_received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WarnContext(shutdownCtx, "worker.admin_server_shutdown_failed", "err", err)
	}
	if err := jobScheduler.Stop(); err != nil {
		log.WarnContext(shutdownCtx, "worker.scheduler_stop_failed", "err", err)
	}
	boot.Shutdown(shutdownCtx)

	log.InfoContext(context.Background(), "worker.shutdown_complete")
	return nil
}

// registerJobs binds every known job name to its handler. feedback-ingest-*
// is only registered when enableFeedbackIngest is true — when the flag is
// off the name is never known to the scheduler at all, so Schedule fails
// fast with scheduler.ErrHandlerNotRegistered instead of silently losing the
// work (see jobhandlers.NewFeedbackIngestHandler's doc comment).
func registerJobs(s *scheduler.JobScheduler, enableFeedbackIngest bool, saga *publishsaga.Saga, dispatcher *notifications.Dispatcher, log *slog.Logger) error {
	standardBackoff := broker.Backoff{Kind: broker.BackoffExponential, BaseMs: 2000, Multiplier: 2}

	if err := s.Register(scheduler.JobConfig{
		Name: "publish", Queue: "publish", Priority: broker.PriorityHigh,
		MaxRetries: 3, Backoff: standardBackoff, TimeoutMs: 30_000,
	}, jobhandlers.NewPublishHandler(saga), jobs.NewSchemaValidator[jobs.PublishPayload]()); err != nil {
		return err
	}

	if err := s.Register(scheduler.JobConfig{
		Name: "notify", Queue: "notifications", Priority: broker.PriorityNormal,
		MaxRetries: 3, Backoff: standardBackoff, TimeoutMs: 15_000,
	}, jobhandlers.NewNotifyHandler(dispatcher), jobs.NewSchemaValidator[jobs.NotifyPayload]()); err != nil {
		return err
	}

	if err := s.Register(scheduler.JobConfig{
		Name: "notify-batch", Queue: "notifications", Priority: broker.PriorityLow,
		MaxRetries: 2, Backoff: standardBackoff, TimeoutMs: 60_000,
	}, jobhandlers.NewNotifyBatchHandler(dispatcher), jobs.NewSchemaValidator[jobs.NotifyBatchPayload]()); err != nil {
		return err
	}

	if err := s.Register(scheduler.JobConfig{
		Name: "export-registrations", Queue: "exports", Priority: broker.PriorityBackground,
		MaxRetries: 1, Backoff: standardBackoff, TimeoutMs: 300_000,
	}, jobhandlers.NewExportRegistrationsHandler(jobhandlers.NoopRegistrationsSource{}, os.TempDir(), log),
		jobs.NewSchemaValidator[jobs.ExportRegistrationsPayload]()); err != nil {
		return err
	}

	if err := s.Register(scheduler.JobConfig{
		Name: "experiment-transition", Queue: "experiments", Priority: broker.PriorityNormal,
		MaxRetries: 2, Backoff: standardBackoff, TimeoutMs: 10_000,
	}, jobhandlers.NewExperimentTransitionHandler(log), jobs.NewSchemaValidator[jobs.ExperimentTransitionPayload]()); err != nil {
		return err
	}

	if enableFeedbackIngest {
		for _, window := range []jobs.FeedbackIngestWindow{
			jobs.FeedbackIngest7d, jobs.FeedbackIngest30d, jobs.FeedbackIngest90d,
		} {
			name := "feedback-ingest-" + string(window)
			if err := s.Register(scheduler.JobConfig{
				Name: name, Queue: "feedback", Priority: broker.PriorityBackground,
				MaxRetries: 1, Backoff: standardBackoff, TimeoutMs: 600_000,
			}, jobhandlers.NewFeedbackIngestHandler(window), jobs.NewSchemaValidator[jobs.FeedbackIngestPayload]()); err != nil {
				return err
			}
		}
	}

	return nil
}

func newAdminServer(port int, boot *bootstrap.Bootstrap, executionsRepo *postgresrepo.ExecutionsRepo) *http.Server {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(middlewares.RequestID(), middlewares.RequestLogger(), boot.Prom.GinHandleMiddleware())

	health := handlers.NewHealthHandler()
	r.GET("/healthz", health.Healthz)
	r.GET("/readyz", health.Readyz)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(boot.PromRegistry, promhttp.HandlerOpts{})))

	adminhttp.RegisterRoutes(r, executionsRepo)

	if port <= 0 {
		port = 8080
	}
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
