package worker

import (
	"testing"
	"time"
)

func TestBackoffWithJitter(t *testing.T) {
	base := 2 * time.Second
	max := time.Minute

	for attempt := 1; attempt <= 10; attempt++ {
		d := backoffWithJitter(base, max, attempt)
		if d < base/2 {
			t.Fatalf("attempt %d: backoff %s below half the base", attempt, d)
		}
		if d > max {
			t.Fatalf("attempt %d: backoff %s exceeds max", attempt, d)
		}
	}

	if d := backoffWithJitter(base, max, 0); d != base {
		t.Fatalf("non-positive attempt should return base, got %s", d)
	}
}

func TestBackoffGrowsWithAttempts(t *testing.T) {
	base := 2 * time.Second
	max := time.Hour

	// The lower bound (wait/2) doubles per attempt, so attempt 5's
	// floor is above attempt 1's ceiling.
	early := backoffWithJitter(base, max, 1)
	late := backoffWithJitter(base, max, 5)
	if late <= early {
		t.Fatalf("expected growth: attempt1=%s attempt5=%s", early, late)
	}
}
