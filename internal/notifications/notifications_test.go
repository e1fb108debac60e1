package notifications

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/pipelinehq/workfabric/internal/breaker"
	"github.com/pipelinehq/workfabric/internal/domain/notification"
)

type fakeAdapter struct {
	err   error
	calls int
}

func (f *fakeAdapter) Send(ctx context.Context, n notification.Notification) error {
	f.calls++
	return f.err
}

func TestAdapters_RegisterAndGet(t *testing.T) {
	a := NewAdapters()
	if _, ok, err := a.Get(context.Background(), "email"); ok || err != nil {
		t.Fatal("expected no adapter registered yet")
	}

	fa := &fakeAdapter{}
	a.Register("email", fa)

	got, ok, err := a.Get(context.Background(), "email")
	if err != nil || !ok || got != fa {
		t.Fatal("expected to retrieve the registered adapter")
	}
}

func TestAdapters_RegisterFactoryIsLazyAndMemoized(t *testing.T) {
	a := NewAdapters()
	calls := 0
	fa := &fakeAdapter{}
	a.RegisterFactory("webhook", func(ctx context.Context) (Adapter, error) {
		calls++
		return fa, nil
	})

	if calls != 0 {
		t.Fatalf("expected factory not to run before first Get, ran %d times", calls)
	}

	for i := 0; i < 3; i++ {
		got, ok, err := a.Get(context.Background(), "webhook")
		if err != nil || !ok || got != fa {
			t.Fatalf("unexpected Get result: %v %v %v", got, ok, err)
		}
	}
	if calls != 1 {
		t.Fatalf("expected factory to run exactly once, ran %d times", calls)
	}
}

func TestAdapters_RegisterFactoryRetriesAfterFailure(t *testing.T) {
	a := NewAdapters()
	calls := 0
	fa := &fakeAdapter{}
	a.RegisterFactory("sms", func(ctx context.Context) (Adapter, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("provider unreachable")
		}
		return fa, nil
	})

	if _, _, err := a.Get(context.Background(), "sms"); err == nil {
		t.Fatal("expected first construction attempt to fail")
	}
	got, ok, err := a.Get(context.Background(), "sms")
	if err != nil || !ok || got != fa {
		t.Fatalf("expected retry to succeed, got %v %v %v", got, ok, err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 construction attempts, got %d", calls)
	}
}

func TestLogAdapter_SendSucceedsByDefault(t *testing.T) {
	a := NewLogAdapter(nil)
	n := notification.New("org-1", "user-1", "email", "welcome", nil)
	if err := a.Send(context.Background(), n); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestLogAdapter_SimulatesFailureViaEnv(t *testing.T) {
	os.Setenv("NOTIFIER_FAIL", "1")
	defer os.Unsetenv("NOTIFIER_FAIL")

	a := NewLogAdapter(nil)
	n := notification.New("org-1", "user-1", "email", "welcome", nil)
	if err := a.Send(context.Background(), n); err == nil {
		t.Fatal("expected simulated failure")
	}
}

func newTestDispatcher(adapters *Adapters) *Dispatcher {
	return New(nil, nil, adapters, breaker.NewRegistry(), nil, nil, nil)
}

func TestDispatcher_SendSucceedsThroughBreaker(t *testing.T) {
	fa := &fakeAdapter{}
	adapters := NewAdapters()
	adapters.Register("email", fa)
	d := newTestDispatcher(adapters)

	n := notification.New("org-1", "user-1", "email", "welcome", nil)
	if err := d.send(context.Background(), "email", n); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fa.calls != 1 {
		t.Fatalf("expected 1 call, got %d", fa.calls)
	}
}

func TestDispatcher_SendMissingAdapterFailsWithoutCall(t *testing.T) {
	d := newTestDispatcher(NewAdapters())
	n := notification.New("org-1", "user-1", "sms", "welcome", nil)

	err := d.send(context.Background(), "sms", n)
	if err == nil {
		t.Fatal("expected error for unregistered channel")
	}
}

func TestDispatcher_SendPropagatesAdapterFailure(t *testing.T) {
	fa := &fakeAdapter{err: errors.New("smtp timeout")}
	adapters := NewAdapters()
	adapters.Register("email", fa)
	d := newTestDispatcher(adapters)

	n := notification.New("org-1", "user-1", "email", "welcome", nil)
	if err := d.send(context.Background(), "email", n); err == nil {
		t.Fatal("expected adapter error to propagate")
	}
}

func TestDispatcher_SendTripsBreakerAfterRepeatedFailures(t *testing.T) {
	fa := &fakeAdapter{err: errors.New("smtp timeout")}
	adapters := NewAdapters()
	adapters.Register("email", fa)
	d := newTestDispatcher(adapters)

	n := notification.New("org-1", "user-1", "email", "welcome", nil)

	for i := 0; i < 5; i++ {
		_ = d.send(context.Background(), "email", n)
	}

	callsBeforeOpen := fa.calls
	err := d.send(context.Background(), "email", n)
	if !errors.Is(err, breaker.ErrOpen) {
		t.Fatalf("expected breaker to be open after 5 consecutive failures, got %v", err)
	}
	if fa.calls != callsBeforeOpen {
		t.Fatalf("expected no additional adapter call once breaker opened, calls went from %d to %d", callsBeforeOpen, fa.calls)
	}
}

func TestTruncateBatch_CapsAtMaxBatchSize(t *testing.T) {
	ids := make([]string, maxBatchSize+25)
	for i := range ids {
		ids[i] = "id"
	}

	got, dropped := truncateBatch(ids)
	if len(got) != maxBatchSize {
		t.Fatalf("expected %d ids, got %d", maxBatchSize, len(got))
	}
	if dropped != 25 {
		t.Fatalf("expected 25 dropped, got %d", dropped)
	}
}

func TestTruncateBatch_PassesThroughUnderCap(t *testing.T) {
	ids := []string{"a", "b", "c"}
	got, dropped := truncateBatch(ids)
	if len(got) != 3 || dropped != 0 {
		t.Fatalf("expected passthrough, got %d ids and %d dropped", len(got), dropped)
	}
}

func TestOutcome_ValuesAreDistinct(t *testing.T) {
	seen := map[Outcome]bool{}
	for _, o := range []Outcome{OutcomeDelivered, OutcomeSkippedByPref, OutcomeDLQExhausted, OutcomeFailed} {
		if seen[o] {
			t.Fatalf("duplicate outcome value %q", o)
		}
		seen[o] = true
	}
}

func TestDispatcher_SendRespectsContextCancellation(t *testing.T) {
	fa := &fakeAdapter{}
	adapters := NewAdapters()
	adapters.Register("email", fa)
	d := newTestDispatcher(adapters)

	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	time.Sleep(time.Millisecond)

	n := notification.New("org-1", "user-1", "email", "welcome", nil)
	_ = d.send(ctx, "email", n)
}
