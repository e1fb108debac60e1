// Package clockid consolidates the ID and time generation seams used across
// every domain factory in this module (job IDs, intent IDs, delivery tokens,
// outbox envelope IDs) so tests can swap in a fake clock instead of freezing
// time.Now across a dozen packages independently.
package clockid

import (
	"math/rand"
	"time"

	"github.com/google/uuid"
)

// Clock is the single seam between domain code and wall-clock time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// System is the production Clock, backed by time.Now.
var System Clock = systemClock{}

// Frozen returns a Clock that always reports t, for deterministic tests.
func Frozen(t time.Time) Clock {
	return frozenClock{t: t.UTC()}
}

type frozenClock struct{ t time.Time }

func (f frozenClock) Now() time.Time { return f.t }

// NewID returns a new random UUIDv4 string.
func NewID() string {
	return uuid.NewString()
}

// IsUUID reports whether s parses as a UUID of any version.
func IsUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}

// IntN returns a non-negative pseudo-random int in [0,n). Used for jitter in
// backoff and lock-value generation; not cryptographic.
func IntN(n int) int {
	if n <= 0 {
		return 0
	}
	return rand.Intn(n)
}
