package modulecache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
)

var errLoad = errors.New("load failed")

func TestCache_ConcurrentCallersShareInFlightLoad(t *testing.T) {
	c := New[int]()
	var calls int32

	var wg sync.WaitGroup
	results := make([]int, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			v, err := c.Get(context.Background(), func(ctx context.Context) (int, error) {
				atomic.AddInt32(&calls, 1)
				return 42, nil
			})
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			results[idx] = v
		}(i)
	}
	wg.Wait()

	if calls != 1 {
		t.Fatalf("expected loader invoked exactly once, got %d", calls)
	}
	for _, v := range results {
		if v != 42 {
			t.Fatalf("expected all callers to observe 42, got %d", v)
		}
	}
}

func TestCache_FailedLoadIsRetried(t *testing.T) {
	c := New[int]()
	var calls int32

	_, err := c.Get(context.Background(), func(ctx context.Context) (int, error) {
		atomic.AddInt32(&calls, 1)
		return 0, errLoad
	})
	if !errors.Is(err, errLoad) {
		t.Fatalf("expected errLoad, got %v", err)
	}

	v, err := c.Get(context.Background(), func(ctx context.Context) (int, error) {
		atomic.AddInt32(&calls, 1)
		return 7, nil
	})
	if err != nil {
		t.Fatalf("expected second attempt to succeed, got %v", err)
	}
	if v != 7 {
		t.Fatalf("expected 7, got %d", v)
	}
	if calls != 2 {
		t.Fatalf("expected loader invoked twice (once per attempt), got %d", calls)
	}
}

func TestCache_SuccessfulLoadNeverReinvoked(t *testing.T) {
	c := New[int]()
	var calls int32

	for i := 0; i < 5; i++ {
		v, err := c.Get(context.Background(), func(ctx context.Context) (int, error) {
			atomic.AddInt32(&calls, 1)
			return 1, nil
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if v != 1 {
			t.Fatalf("expected 1, got %d", v)
		}
	}

	if calls != 1 {
		t.Fatalf("expected loader invoked exactly once across repeated Get calls, got %d", calls)
	}
}

func TestCache_ResetForcesReload(t *testing.T) {
	c := New[int]()
	var calls int32

	_, _ = c.Get(context.Background(), func(ctx context.Context) (int, error) {
		atomic.AddInt32(&calls, 1)
		return 1, nil
	})
	c.Reset()
	_, _ = c.Get(context.Background(), func(ctx context.Context) (int, error) {
		atomic.AddInt32(&calls, 1)
		return 2, nil
	})

	if calls != 2 {
		t.Fatalf("expected Reset to force a second load, got %d calls", calls)
	}
}

func TestThreadSafeCache_DedupesPerKey(t *testing.T) {
	c := NewThreadSafeCache[int]()
	var callsA, callsB int32

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = c.Get(context.Background(), "a", func(ctx context.Context) (int, error) {
				atomic.AddInt32(&callsA, 1)
				return 1, nil
			})
		}()
		go func() {
			defer wg.Done()
			_, _ = c.Get(context.Background(), "b", func(ctx context.Context) (int, error) {
				atomic.AddInt32(&callsB, 1)
				return 2, nil
			})
		}()
	}
	wg.Wait()

	if callsA != 1 {
		t.Fatalf("expected key a loaded once, got %d", callsA)
	}
	if callsB != 1 {
		t.Fatalf("expected key b loaded once, got %d", callsB)
	}
}

func TestThreadSafeCache_ConsistentlyFailingKeyFailsFast(t *testing.T) {
	c := NewThreadSafeCache[int]()
	var calls int32

	for i := 0; i < 10; i++ {
		_, _ = c.Get(context.Background(), "bad", func(ctx context.Context) (int, error) {
			atomic.AddInt32(&calls, 1)
			return 0, errLoad
		})
	}

	if calls >= 10 {
		t.Fatalf("expected breaker to stop invoking the loader before 10 attempts, got %d calls", calls)
	}
}

func TestThreadSafeCache_ResetDropsKey(t *testing.T) {
	c := NewThreadSafeCache[int]()
	var calls int32

	_, _ = c.Get(context.Background(), "k", func(ctx context.Context) (int, error) {
		atomic.AddInt32(&calls, 1)
		return 1, nil
	})
	c.Reset("k")
	_, _ = c.Get(context.Background(), "k", func(ctx context.Context) (int, error) {
		atomic.AddInt32(&calls, 1)
		return 2, nil
	})

	if calls != 2 {
		t.Fatalf("expected Reset(key) to force reload, got %d calls", calls)
	}
}
