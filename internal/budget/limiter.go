package budget

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"ObitPipeline/internal/ports"
)

// Limiter enforces a rolling-window token ceiling shared by every pipeline
// consumer. Accounting lives in a BudgetStore so overlapping invocations on
// different machines serialize on the same counters.
type Limiter struct {
	store  ports.BudgetStore
	limit  int
	window time.Duration
	logger *slog.Logger
	now    func() time.Time
}

var _ ports.TokenBudget = (*Limiter)(nil)

// Granularity of one accounting bucket.
const bucketSize = time.Minute

// NewLimiter builds a limiter over the given store. limit is the maximum
// token total across the window.
func NewLimiter(store ports.BudgetStore, limit int, window time.Duration, logger *slog.Logger) *Limiter {
	if window < bucketSize {
		window = bucketSize
	}
	return &Limiter{
		store:  store,
		limit:  limit,
		window: window,
		logger: logger,
		now:    time.Now,
	}
}

// WithClock overrides the time source; used by tests.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// Peek reports whether estimate tokens currently fit without reserving them.
func (l *Limiter) Peek(ctx context.Context, estimate int, consumer string) (bool, error) {
	total, err := l.store.WindowTotal(ctx, l.windowStart())
	if err != nil {
		return false, fmt.Errorf("window total: %w", err)
	}
	fits := total+estimate <= l.limit
	l.debug("peek", "consumer", consumer, "estimate", estimate, "window_total", total, "fits", fits)
	return fits, nil
}

// Reserve books estimate tokens in the current bucket. The increment is
// optimistic: the bucket is bumped first, the window re-read, and the bump
// rolled back when the total overshoots the ceiling.
func (l *Limiter) Reserve(ctx context.Context, estimate int, consumer string) (bool, error) {
	if estimate <= 0 {
		return true, nil
	}

	bucket := l.currentBucket()
	if err := l.store.AddTokens(ctx, bucket, estimate); err != nil {
		return false, fmt.Errorf("reserve tokens: %w", err)
	}

	total, err := l.store.WindowTotal(ctx, l.windowStart())
	if err != nil {
		// Keep the reservation rather than risk a free call.
		return false, fmt.Errorf("verify reservation: %w", err)
	}

	if total > l.limit {
		if rbErr := l.store.AddTokens(ctx, bucket, -estimate); rbErr != nil {
			l.warn("reservation rollback failed", "consumer", consumer, "error", rbErr)
		}
		l.debug("reserve rejected", "consumer", consumer, "estimate", estimate, "window_total", total)
		return false, nil
	}

	l.debug("reserved", "consumer", consumer, "estimate", estimate, "window_total", total)
	return true, nil
}

// Release returns a reservation that was never consumed.
func (l *Limiter) Release(ctx context.Context, estimate int, consumer string) error {
	if estimate <= 0 {
		return nil
	}
	if err := l.store.AddTokens(ctx, l.currentBucket(), -estimate); err != nil {
		return fmt.Errorf("release tokens: %w", err)
	}
	l.debug("released", "consumer", consumer, "estimate", estimate)
	return nil
}

// RecordActual trues up a consumed reservation with the provider-reported
// token count. The store clamps buckets at zero, so the window can never go
// negative when the estimate exceeded actual usage.
func (l *Limiter) RecordActual(ctx context.Context, actual, estimated int, consumer string) error {
	delta := actual - estimated
	if delta == 0 {
		return nil
	}
	if err := l.store.AddTokens(ctx, l.currentBucket(), delta); err != nil {
		return fmt.Errorf("record actual: %w", err)
	}
	l.debug("recorded actual", "consumer", consumer, "actual", actual, "estimated", estimated)
	return nil
}

// SecondsUntilReset advises how long until the oldest active bucket leaves
// the window. Returns zero when the window is empty.
func (l *Limiter) SecondsUntilReset(ctx context.Context) (int, error) {
	oldest, err := l.store.OldestActiveBucket(ctx, l.windowStart())
	if err != nil {
		return 0, fmt.Errorf("oldest bucket: %w", err)
	}
	if oldest == nil {
		return 0, nil
	}
	remaining := oldest.Add(l.window).Sub(l.now())
	if remaining <= 0 {
		return 0, nil
	}
	return int(remaining.Seconds()) + 1, nil
}

func (l *Limiter) currentBucket() time.Time {
	return l.now().Truncate(bucketSize)
}

func (l *Limiter) windowStart() time.Time {
	return l.currentBucket().Add(bucketSize - l.window)
}

func (l *Limiter) debug(msg string, args ...any) {
	if l.logger != nil {
		l.logger.Debug(msg, args...)
	}
}

func (l *Limiter) warn(msg string, args ...any) {
	if l.logger != nil {
		l.logger.Warn(msg, args...)
	}
}
