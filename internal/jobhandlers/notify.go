package jobhandlers

import (
	"context"
	"encoding/json"

	"github.com/pipelinehq/workfabric/internal/broker"
	"github.com/pipelinehq/workfabric/internal/jobs"
	"github.com/pipelinehq/workfabric/internal/notifications"
	"github.com/pipelinehq/workfabric/internal/workerr"
)

// NewNotifyHandler adapts Dispatcher.Dispatch to internal/scheduler.Handler.
// Dispatch's own terminal outcomes (delivered, skipped-by-preference,
// DLQ-exhausted) are all job successes — only a non-nil error (a transient
// send failure or circuit-open) should make the scheduler retry.
func NewNotifyHandler(dispatcher *notifications.Dispatcher) func(ctx context.Context, payload json.RawMessage, j broker.Job) error {
	return func(ctx context.Context, payload json.RawMessage, j broker.Job) error {
		p, err := jobs.Decode[jobs.NotifyPayload](payload)
		if err != nil {
			return workerr.New(workerr.Validation, "jobhandlers.notify", err).WithNoRetry()
		}
		_, dispatchErr := dispatcher.Dispatch(ctx, p.NotificationID)
		return dispatchErr
	}
}

// NewNotifyBatchHandler adapts Dispatcher.DispatchBatch to
// internal/scheduler.Handler. DispatchBatch never returns an error itself
// (per-id outcomes are recorded individually); this handler logs nothing
// further, relying on the dispatcher's own per-id error logging.
func NewNotifyBatchHandler(dispatcher *notifications.Dispatcher) func(ctx context.Context, payload json.RawMessage, j broker.Job) error {
	return func(ctx context.Context, payload json.RawMessage, j broker.Job) error {
		p, err := jobs.Decode[jobs.NotifyBatchPayload](payload)
		if err != nil {
			return workerr.New(workerr.Validation, "jobhandlers.notify_batch", err).WithNoRetry()
		}
		dispatcher.DispatchBatch(ctx, p.NotificationIDs)
		return nil
	}
}
