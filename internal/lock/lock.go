// Package lock defines the distributed lock contract the publish saga
// depends on between its phases, plus a Redis-backed default implementation.
//
// spec.md lists the distributed lock service itself as an external
// collaborator (interface only) — the fabric's own code never assumes a
// specific backend. The Redis implementation here exists because
// internal/queue/redisclient/client.go is a teacher dependency that was
// wired but never exercised ("exposes the redis client for later days");
// this is that later day. A Postgres advisory-lock backend is deliberately
// not offered here: advisory locks are transaction-scoped and release on
// COMMIT/ROLLBACK, which cannot express a lock held *across* the saga's
// three separate transactions the way spec.md 4.4 requires.
package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotAcquired is returned by Acquire when the resource is already locked.
var ErrNotAcquired = errors.New("lock: resource already held")

// DefaultTTL matches spec.md 4.4's "publish:{intent_id} lock (TTL 30s)".
const DefaultTTL = 30 * time.Second

// Lock is a held distributed lock. Value is the fencing token this holder
// must present to Release, so a release call from a stale holder (one whose
// TTL already expired and was reacquired by someone else) cannot release a
// lock it no longer owns.
type Lock struct {
	Resource string
	Value    string
	ttl      time.Duration
}

// Service acquires and releases named, TTL-bound locks.
type Service interface {
	// Acquire attempts to take resource for ttl. Returns ErrNotAcquired if
	// already held by someone else.
	Acquire(ctx context.Context, resource string, ttl time.Duration) (*Lock, error)
	// Release releases l if and only if l.Value still matches the stored
	// value (i.e. this holder's lease has not expired and been reacquired
	// by another caller). Returns false, nil if the lock had already
	// expired or been taken over — this is not itself an error; callers log
	// it as a warning per spec.md 4.4 ("lock-expired-before-release ...
	// logged as warn").
	Release(ctx context.Context, l *Lock) (bool, error)
}

// RedisService implements Service with SET NX PX for acquire and a
// compare-and-delete Lua script for release, the standard single-node
// Redis locking pattern.
type RedisService struct {
	rdb *redis.Client
}

// NewRedisService wraps an existing *redis.Client (e.g. via
// internal/queue/redisclient.Client.Raw()).
func NewRedisService(rdb *redis.Client) *RedisService {
	return &RedisService{rdb: rdb}
}

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

func keyFor(resource string) string {
	return "lock:" + resource
}

// Acquire implements Service.
func (s *RedisService) Acquire(ctx context.Context, resource string, ttl time.Duration) (*Lock, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	value, err := randomToken()
	if err != nil {
		return nil, err
	}

	ok, err := s.rdb.SetNX(ctx, keyFor(resource), value, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotAcquired
	}

	return &Lock{Resource: resource, Value: value, ttl: ttl}, nil
}

// Release implements Service.
func (s *RedisService) Release(ctx context.Context, l *Lock) (bool, error) {
	res, err := releaseScript.Run(ctx, s.rdb, []string{keyFor(l.Resource)}, l.Value).Result()
	if err != nil {
		return false, err
	}
	n, _ := res.(int64)
	return n == 1, nil
}

func randomToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
