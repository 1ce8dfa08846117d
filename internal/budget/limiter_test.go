package budget

import (
	"context"
	"testing"
	"time"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestLimiterReserveWithinLimit(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 5, 1, 12, 0, 30, 0, time.UTC)
	l := NewLimiter(NewMemoryStore(), 10000, time.Minute, nil).WithClock(fixedClock(now))
	ctx := context.Background()

	ok, err := l.Reserve(ctx, 1100, "rewrite")
	if err != nil || !ok {
		t.Fatalf("Reserve = %v, %v", ok, err)
	}
	ok, err = l.Reserve(ctx, 1500, "audit")
	if err != nil || !ok {
		t.Fatalf("second Reserve = %v, %v", ok, err)
	}
}

func TestLimiterReserveRejectsAndRollsBack(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 5, 1, 12, 0, 30, 0, time.UTC)
	store := NewMemoryStore()
	l := NewLimiter(store, 10000, time.Minute, nil).WithClock(fixedClock(now))
	ctx := context.Background()

	if ok, _ := l.Reserve(ctx, 9950, "rewrite"); !ok {
		t.Fatal("initial reservation refused")
	}
	// 50 tokens of headroom cannot fit an 1100-token estimate.
	ok, err := l.Reserve(ctx, 1100, "audit")
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if ok {
		t.Fatal("over-limit reservation accepted")
	}

	// The rejected reservation must have been rolled back.
	total, err := store.WindowTotal(ctx, now.Add(-time.Minute))
	if err != nil {
		t.Fatalf("WindowTotal: %v", err)
	}
	if total != 9950 {
		t.Errorf("window total after rollback = %d, want 9950", total)
	}

	// A smaller request still fits.
	if ok, _ := l.Reserve(ctx, 50, "audit"); !ok {
		t.Error("50-token reservation refused with 50 tokens of headroom")
	}
}

func TestLimiterPeekDoesNotConsume(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	store := NewMemoryStore()
	l := NewLimiter(store, 1000, time.Minute, nil).WithClock(fixedClock(now))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		fits, err := l.Peek(ctx, 800, "audit")
		if err != nil || !fits {
			t.Fatalf("Peek %d = %v, %v", i, fits, err)
		}
	}
	total, _ := store.WindowTotal(ctx, now.Add(-time.Minute))
	if total != 0 {
		t.Errorf("peeks consumed %d tokens", total)
	}

	l.Reserve(ctx, 900, "rewrite")
	if fits, _ := l.Peek(ctx, 800, "audit"); fits {
		t.Error("Peek ignored existing spend")
	}
}

func TestLimiterReleaseRestoresHeadroom(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	l := NewLimiter(NewMemoryStore(), 1000, time.Minute, nil).WithClock(fixedClock(now))
	ctx := context.Background()

	l.Reserve(ctx, 1000, "rewrite")
	if ok, _ := l.Reserve(ctx, 100, "audit"); ok {
		t.Fatal("reservation fit with no headroom")
	}
	if err := l.Release(ctx, 1000, "rewrite"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if ok, _ := l.Reserve(ctx, 1000, "audit"); !ok {
		t.Error("headroom not restored after release")
	}
}

func TestLimiterRecordActualTruesUp(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	store := NewMemoryStore()
	l := NewLimiter(store, 10000, time.Minute, nil).WithClock(fixedClock(now))
	ctx := context.Background()

	l.Reserve(ctx, 1100, "rewrite")
	if err := l.RecordActual(ctx, 840, 1100, "rewrite"); err != nil {
		t.Fatalf("RecordActual: %v", err)
	}
	total, _ := store.WindowTotal(ctx, now.Add(-time.Minute))
	if total != 840 {
		t.Errorf("window total = %d, want 840", total)
	}

	// Over-consumption also adjusts upward.
	if err := l.RecordActual(ctx, 1000, 840, "rewrite"); err != nil {
		t.Fatalf("RecordActual: %v", err)
	}
	total, _ = store.WindowTotal(ctx, now.Add(-time.Minute))
	if total != 1000 {
		t.Errorf("window total = %d, want 1000", total)
	}
}

func TestLimiterWindowNeverGoesNegative(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	store := NewMemoryStore()
	l := NewLimiter(store, 10000, time.Minute, nil).WithClock(fixedClock(now))
	ctx := context.Background()

	l.Reserve(ctx, 100, "rewrite")
	// Release more than was ever reserved; buckets clamp at zero.
	if err := l.Release(ctx, 5000, "rewrite"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	total, _ := store.WindowTotal(ctx, now.Add(-time.Minute))
	if total != 0 {
		t.Errorf("window total = %d, want clamped 0", total)
	}
}

func TestLimiterRollingWindowExpiry(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	clock := start
	store := NewMemoryStore()
	l := NewLimiter(store, 1000, 5*time.Minute, nil).WithClock(func() time.Time { return clock })
	ctx := context.Background()

	if ok, _ := l.Reserve(ctx, 1000, "rewrite"); !ok {
		t.Fatal("initial reservation refused")
	}
	if ok, _ := l.Reserve(ctx, 1, "audit"); ok {
		t.Fatal("reservation fit inside exhausted window")
	}

	// Four minutes later the spend is still inside the 5-minute window.
	clock = start.Add(4 * time.Minute)
	if ok, _ := l.Reserve(ctx, 1, "audit"); ok {
		t.Fatal("reservation fit while old spend is still active")
	}

	// Five minutes later the old bucket has aged out.
	clock = start.Add(5 * time.Minute)
	if ok, _ := l.Reserve(ctx, 1000, "audit"); !ok {
		t.Error("reservation refused after window rolled past the old spend")
	}
}

func TestLimiterSecondsUntilReset(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 5, 1, 12, 0, 30, 0, time.UTC)
	l := NewLimiter(NewMemoryStore(), 1000, time.Minute, nil).WithClock(fixedClock(now))
	ctx := context.Background()

	secs, err := l.SecondsUntilReset(ctx)
	if err != nil || secs != 0 {
		t.Fatalf("empty window reset = %d, %v", secs, err)
	}

	l.Reserve(ctx, 500, "rewrite")
	secs, err = l.SecondsUntilReset(ctx)
	if err != nil {
		t.Fatalf("SecondsUntilReset: %v", err)
	}
	// Bucket 12:00 leaves the one-minute window at 12:01; 30s remain.
	if secs != 31 {
		t.Errorf("reset = %ds, want 31", secs)
	}
}
