package publishsaga

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/pipelinehq/workfabric/internal/breaker"
	"github.com/pipelinehq/workfabric/internal/domain/execution"
	"github.com/pipelinehq/workfabric/internal/domain/publish"
	"github.com/pipelinehq/workfabric/internal/workerr"
)

type fakeAdapter struct {
	calls   int
	errs    []error
	id      string
	url     string
	meta    json.RawMessage
}

func (f *fakeAdapter) Publish(ctx context.Context, intent publish.PublishIntent) (string, string, json.RawMessage, error) {
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return "", "", nil, f.errs[i]
	}
	return f.id, f.url, f.meta, nil
}

func newTestSaga(adapter Adapter) *Saga {
	return New(nil, nil, nil, breaker.NewRegistry(), nil, adapter, nil, nil)
}

func TestRetryOptions_ClampsOutOfRange(t *testing.T) {
	cases := []struct {
		in   int
		want int
	}{
		{-1, defaultMaxRetries},
		{6, defaultMaxRetries},
		{0, 0},
		{5, 5},
	}
	for _, c := range cases {
		got := RetryOptions{MaxRetries: c.in}.clamp()
		if got.MaxRetries != c.want {
			t.Errorf("clamp(%d) = %d, want %d", c.in, got.MaxRetries, c.want)
		}
	}
}

func TestBackoffDelay_ExponentialWithCap(t *testing.T) {
	if got := backoffDelay(1); got != 1000*time.Millisecond {
		t.Errorf("attempt 1: got %v, want 1000ms", got)
	}
	if got := backoffDelay(2); got != 2000*time.Millisecond {
		t.Errorf("attempt 2: got %v, want 2000ms", got)
	}
	// attempt 6 would be 32000ms uncapped; must clamp to 30s.
	if got := backoffDelay(6); got != retryMaxDelay {
		t.Errorf("attempt 6: got %v, want capped %v", got, retryMaxDelay)
	}
}

func TestPhase2ExternalCall_SucceedsOnFirstTry(t *testing.T) {
	adapter := &fakeAdapter{id: "ext-1", url: "https://example.test/1"}
	s := newTestSaga(adapter)

	id, url, _, err := s.phase2ExternalCall(context.Background(), "intent-1", execution.JobExecution{}, RetryOptions{MaxRetries: 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "ext-1" || url != "https://example.test/1" {
		t.Fatalf("unexpected result: %q %q", id, url)
	}
	if adapter.calls != 1 {
		t.Fatalf("expected exactly 1 call, got %d", adapter.calls)
	}
}

func TestPhase2ExternalCall_RetriesTransientThenSucceeds(t *testing.T) {
	adapter := &fakeAdapter{
		errs: []error{errors.New("dial tcp: connection timeout")},
		id:   "ext-2",
	}
	s := newTestSaga(adapter)

	id, _, _, err := s.phase2ExternalCall(context.Background(), "intent-2", execution.JobExecution{}, RetryOptions{MaxRetries: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "ext-2" {
		t.Fatalf("unexpected id: %q", id)
	}
	if adapter.calls != 2 {
		t.Fatalf("expected 2 calls (1 failure + 1 success), got %d", adapter.calls)
	}
}

func TestPhase2ExternalCall_NonTransientFailsWithoutRetry(t *testing.T) {
	adapter := &fakeAdapter{errs: []error{errors.New("validation: missing required field")}}
	s := newTestSaga(adapter)

	_, _, _, err := s.phase2ExternalCall(context.Background(), "intent-3", execution.JobExecution{}, RetryOptions{MaxRetries: 5})
	if err == nil {
		t.Fatal("expected error")
	}
	if workerr.KindOf(err) != workerr.TerminalExternal {
		t.Fatalf("expected TerminalExternal kind, got %v", workerr.KindOf(err))
	}
	if adapter.calls != 1 {
		t.Fatalf("non-transient failure must not retry, got %d calls", adapter.calls)
	}
}

func TestPhase2ExternalCall_ExhaustsRetriesAndFails(t *testing.T) {
	adapter := &fakeAdapter{errs: []error{
		errors.New("timeout"),
		errors.New("timeout"),
	}}
	s := newTestSaga(adapter)

	_, _, _, err := s.phase2ExternalCall(context.Background(), "intent-4", execution.JobExecution{}, RetryOptions{MaxRetries: 1})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if adapter.calls != 2 {
		t.Fatalf("expected 1 + 1 retry = 2 calls, got %d", adapter.calls)
	}
}

func TestPhase2ExternalCall_CircuitOpenShortCircuits(t *testing.T) {
	adapter := &fakeAdapter{errs: []error{
		errors.New("timeout"), errors.New("timeout"), errors.New("timeout"),
		errors.New("timeout"), errors.New("timeout"), errors.New("timeout"),
	}}
	s := newTestSaga(adapter)

	// Trip the breaker directly (created here first, with failure threshold 1) before calling phase2,
	// to confirm phase2 surfaces CircuitOpen instead of masking it as Transient.
	br := s.breakers.Get("publish-adapter", breaker.Config{FailureThreshold: 1, ResetTimeout: time.Hour})
	_ = br.Execute(context.Background(), func(ctx context.Context) error { return errors.New("boom") })

	_, _, _, err := s.phase2ExternalCall(context.Background(), "intent-5", execution.JobExecution{}, RetryOptions{MaxRetries: 0})
	if workerr.KindOf(err) != workerr.CircuitOpen {
		t.Fatalf("expected CircuitOpen kind, got %v (%v)", workerr.KindOf(err), err)
	}
	if adapter.calls != 0 {
		t.Fatalf("expected adapter never called while breaker open, got %d calls", adapter.calls)
	}
}
