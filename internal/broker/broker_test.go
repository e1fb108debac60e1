package broker

import (
	"testing"
	"time"
)

func TestBackoff_Delay_Fixed(t *testing.T) {
	b := Backoff{Kind: BackoffFixed, BaseMs: 500}
	for attempt := 1; attempt <= 3; attempt++ {
		if got := b.Delay(attempt); got != 500*time.Millisecond {
			t.Errorf("attempt %d: expected fixed delay unchanged, got %v", attempt, got)
		}
	}
}

func TestBackoff_Delay_Exponential(t *testing.T) {
	b := Backoff{Kind: BackoffExponential, BaseMs: 1000, Multiplier: 2}

	want := []time.Duration{
		1000 * time.Millisecond,
		2000 * time.Millisecond,
		4000 * time.Millisecond,
	}
	for i, w := range want {
		if got := b.Delay(i + 1); got != w {
			t.Errorf("attempt %d: got %v, want %v", i+1, got, w)
		}
	}
}

func TestBackoff_Delay_DefaultsMultiplier(t *testing.T) {
	b := Backoff{Kind: BackoffExponential, BaseMs: 100}
	if got := b.Delay(2); got != 200*time.Millisecond {
		t.Fatalf("expected default multiplier of 2, got %v", got)
	}
}

func TestBackoff_Delay_ClampsAttemptBelowOne(t *testing.T) {
	b := Backoff{Kind: BackoffFixed, BaseMs: 100}
	if got := b.Delay(0); got != 100*time.Millisecond {
		t.Fatalf("expected attempt<1 clamped to 1, got %v", got)
	}
}

func TestRateLimitKey_HashTagged(t *testing.T) {
	if got := RateLimitKey("org-1", "publish"); got != "ratelimit:{org-1}:publish" {
		t.Fatalf("unexpected key: %q", got)
	}
	if got := RateLimitKey("global", "publish"); got != "ratelimit:{global}:publish" {
		t.Fatalf("unexpected key: %q", got)
	}
}
