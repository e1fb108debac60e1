package jobhandlers

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/pipelinehq/workfabric/internal/broker"
	"github.com/pipelinehq/workfabric/internal/jobs"
	"github.com/pipelinehq/workfabric/internal/scheduler"
	"github.com/pipelinehq/workfabric/internal/workerr"
)

// NewExperimentTransitionHandler builds a thin "experiment-transition"
// handler: it validates and logs the requested transition but never
// evaluates or applies it — that business logic is out of scope. Its only
// job is to prove a registered, schema-validated handler can be claimed and
// run by the worker pool without a business implementation behind it.
func NewExperimentTransitionHandler(log *slog.Logger) func(ctx context.Context, payload json.RawMessage, j broker.Job) error {
	if log == nil {
		log = slog.Default()
	}
	return func(ctx context.Context, payload json.RawMessage, j broker.Job) error {
		p, err := jobs.Decode[jobs.ExperimentTransitionPayload](payload)
		if err != nil {
			return workerr.New(workerr.Validation, "jobhandlers.experiment_transition", err).WithNoRetry()
		}
		log.InfoContext(ctx, "jobhandlers.experiment_transition_accepted",
			"experiment_id", p.ExperimentID, "to_state", p.ToState)
		return nil
	}
}

// NewFeedbackIngestHandler builds the feedback-ingest-{window} stub. Its
// body always returns scheduler.ErrNotImplemented (spec.md 9's sentinel for
// "no handler implemented"): registration of this job is gated behind
// ENABLE_FEEDBACK_INGEST at the call site in cmd/worker, so when the flag
// is off the job name is never registered at all and Schedule fails fast
// with ErrHandlerNotRegistered instead of silently losing the work; when
// the flag is on, the job is claimable but its body still reports the
// sentinel, since the actual ingestion logic (coalescing windows, writing
// aggregates) is a Non-goal.
func NewFeedbackIngestHandler(window jobs.FeedbackIngestWindow) func(ctx context.Context, payload json.RawMessage, j broker.Job) error {
	return func(ctx context.Context, payload json.RawMessage, j broker.Job) error {
		if _, err := jobs.Decode[jobs.FeedbackIngestPayload](payload); err != nil {
			return workerr.New(workerr.Validation, "jobhandlers.feedback_ingest", err).WithNoRetry()
		}
		return workerr.New(workerr.NotImplemented, "jobhandlers.feedback_ingest."+string(window), scheduler.ErrNotImplemented).WithNoRetry()
	}
}
