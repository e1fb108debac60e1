package jobhandlers

import (
	"context"
	"errors"
	"testing"

	"github.com/pipelinehq/workfabric/internal/broker"
	"github.com/pipelinehq/workfabric/internal/jobs"
	"github.com/pipelinehq/workfabric/internal/scheduler"
	"github.com/pipelinehq/workfabric/internal/workerr"
)

func TestFeedbackIngestHandler_ReturnsNotImplemented(t *testing.T) {
	handler := NewFeedbackIngestHandler(jobs.FeedbackIngest7d)

	payload, err := jobs.MarshalPayload(jobs.FeedbackIngestPayload{Window: jobs.FeedbackIngest7d})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}

	err = handler(context.Background(), payload, broker.Job{})
	if err == nil {
		t.Fatal("expected ErrNotImplemented, got nil")
	}
	if !errors.Is(err, scheduler.ErrNotImplemented) {
		t.Errorf("expected error wrapping scheduler.ErrNotImplemented, got %v", err)
	}
	if workerr.KindOf(err) != workerr.NotImplemented {
		t.Errorf("expected workerr.NotImplemented kind, got %v", workerr.KindOf(err))
	}
}

func TestExperimentTransitionHandler_AcceptsValidPayload(t *testing.T) {
	handler := NewExperimentTransitionHandler(nil)

	payload, err := jobs.MarshalPayload(jobs.ExperimentTransitionPayload{
		ExperimentID: "33333333-3333-3333-3333-333333333333",
		ToState:      "rolled_out",
	})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}

	if err := handler(context.Background(), payload, broker.Job{}); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
}
