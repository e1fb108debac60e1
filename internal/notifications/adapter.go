// Package notifications implements the two-transaction, pool-safe
// notification dispatcher: per-channel send adapters, a circuit-breaker
// wrapped send step, and the TX1/send/TX2 state machine around it.
//
// Grounded on internal/notifications/notifier.go (the Notifier interface),
// internal/notifications/log_notifer.go (LogNotifier, the default stub
// adapter), and internal/notifications/protected_notifier.go (the inline
// circuit-breaker gate, generalized onto internal/breaker.Registry).
package notifications

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/pipelinehq/workfabric/internal/domain/notification"
	"github.com/pipelinehq/workfabric/internal/modulecache"
)

// Adapter performs the actual external send for one channel. Implementations
// must not hold a database connection across Send.
type Adapter interface {
	Send(ctx context.Context, n notification.Notification) error
}

// Adapters is a channel-keyed adapter registry, generalized from the
// teacher's single hardcoded Notifier field into the multi-channel lookup
// spec.md 4.5 step 6 requires ("validate adapter exists for channel").
//
// Each channel's adapter is constructed lazily on first use and memoized
// for the process lifetime via internal/modulecache.ThreadSafeCache
// (spec.md 4.7's ThreadSafeModuleCache): a channel this fabric never
// dispatches to never pays construction cost, concurrent first callers for
// the same channel share one construction attempt instead of racing, and a
// failed construction is not cached so the next Get retries it.
type Adapters struct {
	mu        sync.RWMutex
	factories map[string]modulecache.Loader[Adapter]
	cache     *modulecache.ThreadSafeCache[Adapter]
}

// NewAdapters constructs an empty registry.
func NewAdapters() *Adapters {
	return &Adapters{
		factories: make(map[string]modulecache.Loader[Adapter]),
		cache:     modulecache.NewThreadSafeCache[Adapter](),
	}
}

// Register binds a pre-constructed adapter to channel, overwriting any
// previous registration — sugar over RegisterFactory for adapters cheap
// enough to build eagerly (e.g. LogAdapter).
func (a *Adapters) Register(channel string, adapter Adapter) {
	a.RegisterFactory(channel, func(ctx context.Context) (Adapter, error) {
		return adapter, nil
	})
}

// RegisterFactory binds a lazy constructor to channel, replacing any earlier
// one and dropping an adapter already built from it. loader runs on the
// first Get call that names the channel; a failed run is retried on the
// next Get, a successful one is kept until the channel is registered again.
func (a *Adapters) RegisterFactory(channel string, loader modulecache.Loader[Adapter]) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.factories[channel] = loader
	a.cache.Reset(channel)
}

// Get returns the adapter bound to channel, constructing it (once, shared
// across concurrent callers) via the channel's registered factory if this
// is the first call for it. ok is false if no factory is registered for
// channel; err is non-nil if construction itself failed.
func (a *Adapters) Get(ctx context.Context, channel string) (adapter Adapter, ok bool, err error) {
	a.mu.RLock()
	loader, ok := a.factories[channel]
	a.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}

	adapter, err = a.cache.Get(ctx, channel, loader)
	return adapter, true, err
}

// LogAdapter is the default stub adapter: it logs the delivery instead of
// calling a real provider. Grounded on internal/notifications/log_notifer.go,
// keeping the same NOTIFIER_SLEEP_MS / NOTIFIER_FAIL simulation knobs so
// load/chaos testing behaves identically to the prior generation, but
// generalized from a single "registration confirmation" message shape to
// any Notification.
type LogAdapter struct {
	log *slog.Logger
}

// NewLogAdapter constructs a LogAdapter. log may be nil, in which case
// slog.Default() is used.
func NewLogAdapter(log *slog.Logger) *LogAdapter {
	if log == nil {
		log = slog.Default()
	}
	return &LogAdapter{log: log}
}

// Send implements Adapter.
func (a *LogAdapter) Send(ctx context.Context, n notification.Notification) error {
	if msStr := os.Getenv("NOTIFIER_SLEEP_MS"); msStr != "" {
		if ms, _ := strconv.Atoi(msStr); ms > 0 {
			select {
			case <-time.After(time.Duration(ms) * time.Millisecond):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	if os.Getenv("NOTIFIER_FAIL") == "1" {
		return fmt.Errorf("provider down (simulated)")
	}

	a.log.InfoContext(ctx, "notification.sent_via_log_adapter",
		"notification_id", n.ID, "org_id", n.OrgID, "user_id", n.UserID,
		"channel", n.Channel, "template", n.Template)
	return nil
}
