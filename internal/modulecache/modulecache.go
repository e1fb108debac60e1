// Package modulecache provides promise-memoized lazy singleton loaders.
//
// It replaces a plain TTL map (internal/cache.Cache in the prior generation
// of this service) for one specific job: deduplicating concurrent callers
// racing to construct the same expensive shared resource (a lock client, a
// breaker-wrapped adapter, a prepared statement set). A TTL cache is the
// wrong tool here — evicting a singleton on a timer is exactly what orphaned
// a Redis client in production before; this cache never expires an entry on
// its own, only on explicit Reset, and only a *failed* load is ever retried.
package modulecache

import (
	"context"
	"sync"
	"time"

	"github.com/pipelinehq/workfabric/internal/breaker"
)

// Loader constructs the shared resource. It must be safe to call more than
// once if earlier calls failed.
type Loader[T any] func(ctx context.Context) (T, error)

// call bundles the in-flight (or completed) result of one load attempt so
// that every concurrent caller observes the same result.
type call[T any] struct {
	done  chan struct{}
	value T
	err   error
}

// Cache is a single-resource promise cache: the first caller runs loader,
// concurrent callers block on the same in-flight attempt, and a failed
// attempt is discarded so the next caller retries instead of replaying the
// same error forever.
type Cache[T any] struct {
	mu      sync.Mutex
	current *call[T]
}

// New constructs an empty single-resource cache.
func New[T any]() *Cache[T] {
	return &Cache[T]{}
}

// Get returns the cached value, loading it via loader if this is the first
// call or the previous attempt failed and nothing newer has started since.
func (c *Cache[T]) Get(ctx context.Context, loader Loader[T]) (T, error) {
	c.mu.Lock()
	cur := c.current
	if cur == nil {
		cur = &call[T]{done: make(chan struct{})}
		c.current = cur
		c.mu.Unlock()

		cur.value, cur.err = loader(ctx)
		close(cur.done)

		if cur.err != nil {
			c.mu.Lock()
			// Only clear the slot if nobody has replaced it with a newer
			// attempt in the meantime (snapshot-compare, no recursion).
			if c.current == cur {
				c.current = nil
			}
			c.mu.Unlock()
		}

		return cur.value, cur.err
	}
	c.mu.Unlock()

	<-cur.done
	return cur.value, cur.err
}

// Reset drops the cached value/attempt so the next Get starts fresh.
func (c *Cache[T]) Reset() {
	c.mu.Lock()
	c.current = nil
	c.mu.Unlock()
}

// ThreadSafeCache is the keyed counterpart of Cache: one promise-memoized
// slot per key, each loader additionally wrapped by its own circuit breaker
// so a consistently failing key fails fast instead of hammering the backing
// resource on every cache miss.
type ThreadSafeCache[T any] struct {
	mu       sync.Mutex
	slots    map[string]*call[T]
	breakers *breaker.Registry
}

// NewThreadSafeCache constructs an empty keyed cache. Each key's loader is
// wrapped by a breaker configured per spec: threshold 5, reset 30s,
// half-open 3.
func NewThreadSafeCache[T any]() *ThreadSafeCache[T] {
	return &ThreadSafeCache[T]{
		slots:    make(map[string]*call[T]),
		breakers: breaker.NewRegistry(),
	}
}

var defaultBreakerConfig = breaker.Config{
	FailureThreshold:    5,
	ResetTimeout:        30 * time.Second,
	HalfOpenMaxAttempts: 3,
}

// Get returns the cached value for key, loading it via loader if needed.
// No explicit lock map is used beyond the slot map itself — the in-flight
// call's channel is what deduplicates concurrent callers for the same key.
func (c *ThreadSafeCache[T]) Get(ctx context.Context, key string, loader Loader[T]) (T, error) {
	c.mu.Lock()
	cur, ok := c.slots[key]
	if ok {
		c.mu.Unlock()
		<-cur.done
		return cur.value, cur.err
	}

	cur = &call[T]{done: make(chan struct{})}
	c.slots[key] = cur
	br := c.breakers.Get(key, defaultBreakerConfig)
	c.mu.Unlock()

	err := br.Execute(ctx, func(ctx context.Context) error {
		v, lerr := loader(ctx)
		cur.value = v
		return lerr
	})
	cur.err = err
	close(cur.done)

	if cur.err != nil {
		c.mu.Lock()
		if c.slots[key] == cur {
			delete(c.slots, key)
		}
		c.mu.Unlock()
	}

	return cur.value, cur.err
}

// Reset drops the cached slot for key.
func (c *ThreadSafeCache[T]) Reset(key string) {
	c.mu.Lock()
	delete(c.slots, key)
	c.mu.Unlock()
}
