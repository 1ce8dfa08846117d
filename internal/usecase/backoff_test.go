package usecase

import (
	"testing"
	"time"
)

func TestBackoffDoublesUpToCap(t *testing.T) {
	t.Parallel()

	bo := newBackoff(2*time.Second, 10*time.Second, 5)

	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second, 10 * time.Second}
	for i, w := range want {
		bo.Hit(0)
		if got := bo.Delay(); got != w {
			t.Errorf("hit %d: delay = %v, want %v", i+1, got, w)
		}
	}
	if !bo.Exhausted() {
		t.Error("expected exhaustion after limit hits")
	}
}

func TestBackoffHonorsLongerSuggestedDelay(t *testing.T) {
	t.Parallel()

	bo := newBackoff(time.Second, time.Minute, 3)

	bo.Hit(30 * time.Second)
	if got := bo.Delay(); got != 30*time.Second {
		t.Errorf("delay = %v, want suggested 30s", got)
	}

	// A shorter suggestion never shrinks the computed delay.
	bo.Hit(time.Second)
	if got := bo.Delay(); got != time.Minute {
		t.Errorf("delay = %v, want doubled 60s", got)
	}

	// Suggestions above the cap are clamped.
	bo.Hit(5 * time.Minute)
	if got := bo.Delay(); got != time.Minute {
		t.Errorf("delay = %v, want cap", got)
	}
}

func TestBackoffResetClearsState(t *testing.T) {
	t.Parallel()

	bo := newBackoff(time.Second, time.Minute, 2)
	bo.Hit(0)
	bo.Hit(0)
	if !bo.Exhausted() {
		t.Fatal("expected exhaustion")
	}

	bo.Reset()
	if bo.Exhausted() || bo.Delay() != 0 {
		t.Errorf("reset left state: exhausted=%v delay=%v", bo.Exhausted(), bo.Delay())
	}
	bo.Hit(0)
	if got := bo.Delay(); got != time.Second {
		t.Errorf("delay after reset = %v, want base", got)
	}
}
