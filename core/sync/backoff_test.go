package sync

import (
	"testing"
	"time"
)

func TestBackoffDelayBounds(t *testing.T) {
	for retry := 0; retry <= 12; retry++ {
		ceil := time.Duration(backoffCapSeconds) * time.Second
		if retry < 9 {
			if p := time.Duration(1<<uint(retry)) * time.Second; p < ceil {
				ceil = p
			}
		}
		for i := 0; i < 200; i++ {
			d := backoffDelay(retry)
			if d < time.Second || d > ceil {
				t.Fatalf("backoffDelay(%d) == %v, want within [1s, %v]", retry, d, ceil)
			}
		}
	}
}

func TestBackoffDelayFirstRetryIsOneSecond(t *testing.T) {
	if d := backoffDelay(0); d != time.Second {
		t.Errorf("backoffDelay(0) == %v, want 1s", d)
	}
}

func TestBackoffDelayJitters(t *testing.T) {
	seen := make(map[time.Duration]bool)
	for i := 0; i < 500; i++ {
		seen[backoffDelay(8)] = true
	}
	if len(seen) < 2 {
		t.Error("expected jittered delays, got a constant")
	}
}
