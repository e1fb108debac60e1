// Package jobhandlers wires internal/scheduler.Handler funcs onto the
// domain packages that do the actual work: internal/publishsaga for
// "publish", internal/notifications for "notify"/"notify-batch", and a
// handful of deliberately thin, out-of-scope-body stubs
// (export-registrations, experiment-transition, feedback-ingest-*) that
// exist only to prove the registration/validation/dispatch path end to
// end, per SPEC_FULL.md's cmd/worker section.
package jobhandlers

import (
	"context"
	"encoding/json"

	"github.com/pipelinehq/workfabric/internal/broker"
	"github.com/pipelinehq/workfabric/internal/jobs"
	"github.com/pipelinehq/workfabric/internal/publishsaga"
	"github.com/pipelinehq/workfabric/internal/workerr"
)

// NewPublishHandler adapts saga.Run to internal/scheduler.Handler.
func NewPublishHandler(saga *publishsaga.Saga) func(ctx context.Context, payload json.RawMessage, j broker.Job) error {
	return func(ctx context.Context, payload json.RawMessage, j broker.Job) error {
		p, err := jobs.Decode[jobs.PublishPayload](payload)
		if err != nil {
			return workerr.New(workerr.Validation, "jobhandlers.publish", err).WithNoRetry()
		}
		return saga.Run(ctx, p.IntentID, publishsaga.RetryOptions{MaxRetries: 3})
	}
}
