package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pipelinehq/workfabric/internal/broker"
)

// fakeBroker is an in-memory broker.Broker sufficient to exercise
// JobScheduler's worker loop without a database.
type fakeBroker struct {
	mu      sync.Mutex
	waiting []broker.Job
	failed  map[string]string
	done    map[string]bool
	paused  map[string]bool
	seq     int64
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{failed: make(map[string]string), done: make(map[string]bool), paused: make(map[string]bool)}
}

func (f *fakeBroker) Enqueue(ctx context.Context, req broker.EnqueueRequest) (broker.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	j := broker.Job{
		ID:          req.ID,
		Name:        req.Name,
		Queue:       req.Queue,
		Payload:     req.Payload,
		Priority:    req.Priority,
		AttemptsMax: req.AttemptsMax,
		TimeoutMs:   req.TimeoutMs,
		Status:      broker.StatusWaiting,
	}
	f.waiting = append(f.waiting, j)
	return j, nil
}

func (f *fakeBroker) Claim(ctx context.Context, queue, workerID string) (broker.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.paused[queue] {
		return broker.Job{}, broker.ErrNoJobAvailable
	}
	for i, j := range f.waiting {
		if j.Queue == queue {
			f.waiting = append(f.waiting[:i], f.waiting[i+1:]...)
			return j, nil
		}
	}
	return broker.Job{}, broker.ErrNoJobAvailable
}

func (f *fakeBroker) Complete(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.done[id] = true
	return nil
}

func (f *fakeBroker) Fail(ctx context.Context, id string, errMsg string, retryable bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed[id] = errMsg
	return nil
}

func (f *fakeBroker) Cancel(ctx context.Context, queue, id string) error { return nil }

func (f *fakeBroker) RecoverStalled(ctx context.Context, queue string) (int, int, error) {
	return 0, 0, nil
}

func (f *fakeBroker) Metrics(ctx context.Context, queue string) (broker.Metrics, error) {
	return broker.Metrics{}, nil
}

func (f *fakeBroker) Pause(ctx context.Context, queue string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused[queue] = true
	return nil
}

func (f *fakeBroker) Resume(ctx context.Context, queue string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.paused, queue)
	return nil
}

func (f *fakeBroker) IsPaused(ctx context.Context, queue string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.paused[queue], nil
}

func (f *fakeBroker) Clean(ctx context.Context, queue string, graceMs int) (int, error) {
	return 0, nil
}

var _ broker.Broker = (*fakeBroker)(nil)

func testCfg(name string) JobConfig {
	return JobConfig{
		Name:       name,
		Queue:      "default",
		Priority:   broker.PriorityNormal,
		MaxRetries: 2,
		Backoff:    broker.Backoff{Kind: broker.BackoffFixed, BaseMs: 100},
		TimeoutMs:  1000,
	}
}

func TestJobScheduler_ScheduleAndRunHandlesSuccess(t *testing.T) {
	fb := newFakeBroker()
	s := New(fb, nil, nil)

	var ran int32
	err := s.Register(testCfg("email.send"), func(ctx context.Context, payload json.RawMessage, j broker.Job) error {
		atomic.AddInt32(&ran, 1)
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := s.Schedule(ctx, "email.send", map[string]string{"to": "a@b.com"}, ScheduleOptions{JobID: "job-1"}); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	if err := s.StartWorkers(ctx, 1); err != nil {
		t.Fatalf("start workers: %v", err)
	}
	defer s.Stop()

	deadline := time.After(2 * time.Second)
	for atomic.LoadInt32(&ran) == 0 {
		select {
		case <-deadline:
			t.Fatal("handler never ran")
		case <-time.After(10 * time.Millisecond):
		}
	}

	fb.mu.Lock()
	_, completed := fb.done["job-1"]
	fb.mu.Unlock()
	if !completed {
		t.Fatal("expected job-1 marked complete")
	}
}

func TestJobScheduler_ScheduleRejectsUnregisteredName(t *testing.T) {
	s := New(newFakeBroker(), nil, nil)
	_, err := s.Schedule(context.Background(), "nope", nil, ScheduleOptions{})
	if !errors.Is(err, ErrHandlerNotRegistered) {
		t.Fatalf("expected ErrHandlerNotRegistered, got %v", err)
	}
}

func TestJobScheduler_ScheduleRejectsOversizedPayload(t *testing.T) {
	fb := newFakeBroker()
	s := New(fb, nil, nil)
	_ = s.Register(testCfg("big"), func(ctx context.Context, payload json.RawMessage, j broker.Job) error {
		return nil
	}, nil)

	big := make([]byte, broker.MaxPayloadBytes+1)
	_, err := s.Schedule(context.Background(), "big", big, ScheduleOptions{})
	if err == nil {
		t.Fatal("expected oversized payload to be rejected")
	}
}

func TestJobScheduler_FailedHandlerMarksBrokerFailed(t *testing.T) {
	fb := newFakeBroker()
	s := New(fb, nil, nil)

	cfg := testCfg("report.export")
	_ = s.Register(cfg, func(ctx context.Context, payload json.RawMessage, j broker.Job) error {
		return errors.New("boom")
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := s.Schedule(ctx, "report.export", nil, ScheduleOptions{JobID: "job-2"})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	if err := s.StartWorkers(ctx, 1); err != nil {
		t.Fatalf("start workers: %v", err)
	}
	defer s.Stop()

	deadline := time.After(2 * time.Second)
	for {
		fb.mu.Lock()
		_, failed := fb.failed["job-2"]
		fb.mu.Unlock()
		if failed {
			break
		}
		select {
		case <-deadline:
			t.Fatal("job never marked failed")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestJobScheduler_ExecuteWithTimeoutReturnsOnDeadline(t *testing.T) {
	err := executeWithTimeout(context.Background(), 20*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestJobScheduler_AbortControllerCleanedUpAfterRun(t *testing.T) {
	fb := newFakeBroker()
	s := New(fb, nil, nil)
	_ = s.Register(testCfg("quick"), func(ctx context.Context, payload json.RawMessage, j broker.Job) error {
		return nil
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, _ = s.Schedule(ctx, "quick", nil, ScheduleOptions{JobID: "job-3"})
	if err := s.StartWorkers(ctx, 1); err != nil {
		t.Fatalf("start workers: %v", err)
	}
	defer s.Stop()

	deadline := time.After(2 * time.Second)
	for {
		fb.mu.Lock()
		_, completed := fb.done["job-3"]
		fb.mu.Unlock()
		if completed {
			break
		}
		select {
		case <-deadline:
			t.Fatal("job never completed")
		case <-time.After(10 * time.Millisecond):
		}
	}

	time.Sleep(20 * time.Millisecond)
	if n := s.AbortControllerCount(); n != 0 {
		t.Fatalf("expected 0 abort controllers after completion, got %d", n)
	}
}

func TestJobScheduler_PausedQueueNeverClaims(t *testing.T) {
	fb := newFakeBroker()
	s := New(fb, nil, nil)

	var ran int32
	_ = s.Register(testCfg("paused.job"), func(ctx context.Context, payload json.RawMessage, j broker.Job) error {
		atomic.AddInt32(&ran, 1)
		return nil
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := s.Pause(ctx, "default"); err != nil {
		t.Fatalf("pause: %v", err)
	}

	if _, err := s.Schedule(ctx, "paused.job", nil, ScheduleOptions{JobID: "job-paused"}); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	if err := s.StartWorkers(ctx, 1); err != nil {
		t.Fatalf("start workers: %v", err)
	}
	defer s.Stop()

	time.Sleep(50 * time.Millisecond)
	if atomic.LoadInt32(&ran) != 0 {
		t.Fatal("expected paused queue to never hand out the waiting job")
	}

	if err := s.Resume(ctx, "default"); err != nil {
		t.Fatalf("resume: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for atomic.LoadInt32(&ran) == 0 {
		select {
		case <-deadline:
			t.Fatal("handler never ran after resume")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestJobScheduler_StopIsIdempotent(t *testing.T) {
	s := New(newFakeBroker(), nil, nil)
	ctx := context.Background()
	if err := s.StartWorkers(ctx, 1); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("second stop should be a no-op, got %v", err)
	}
}
