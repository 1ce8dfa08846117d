package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"

	"ObitPipeline/internal/ports"
)

// BudgetBucketStore persists per-minute token buckets so overlapping invocations
// across machines draw from one counter. Increments are single atomic
// upserts clamped at zero.
type BudgetBucketStore struct {
	db *sqlx.DB
}

var _ ports.BudgetStore = (*BudgetBucketStore)(nil)

// NewBudgetBucketStore wires an sqlx connection.
func NewBudgetBucketStore(db *sqlx.DB) *BudgetBucketStore {
	return &BudgetBucketStore{db: db}
}

// AddTokens adjusts one bucket atomically, never letting it go negative.
func (s *BudgetBucketStore) AddTokens(ctx context.Context, bucket time.Time, delta int) error {
	query, args, err := psql.Insert("token_buckets").
		Columns("bucket", "tokens").
		Values(bucket.UTC(), maxInt(delta, 0)).
		Suffix(`ON CONFLICT (bucket) DO UPDATE
			SET tokens = GREATEST(0, token_buckets.tokens + ?)`, delta).
		ToSql()
	if err != nil {
		return fmt.Errorf("build bucket upsert: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("add tokens: %w", err)
	}
	return nil
}

// WindowTotal sums every bucket at or after from.
func (s *BudgetBucketStore) WindowTotal(ctx context.Context, from time.Time) (int, error) {
	query, args, err := psql.Select("COALESCE(SUM(tokens), 0)").
		From("token_buckets").
		Where(sq.GtOrEq{"bucket": from.UTC()}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build window total: %w", err)
	}

	var total int
	if err := s.db.GetContext(ctx, &total, query, args...); err != nil {
		return 0, fmt.Errorf("window total: %w", err)
	}
	return total, nil
}

// OldestActiveBucket returns the earliest non-empty bucket in the window.
func (s *BudgetBucketStore) OldestActiveBucket(ctx context.Context, from time.Time) (*time.Time, error) {
	query, args, err := psql.Select("bucket").
		From("token_buckets").
		Where(sq.GtOrEq{"bucket": from.UTC()}).
		Where(sq.Gt{"tokens": 0}).
		OrderBy("bucket ASC").
		Limit(1).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build oldest bucket: %w", err)
	}

	var bucket time.Time
	if err := s.db.GetContext(ctx, &bucket, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("oldest bucket: %w", err)
	}
	return &bucket, nil
}

// PruneBefore clears buckets that can never count toward the window again.
func (s *BudgetBucketStore) PruneBefore(ctx context.Context, cutoff time.Time) error {
	query, args, err := psql.Delete("token_buckets").
		Where(sq.Lt{"bucket": cutoff.UTC()}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build bucket prune: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("prune buckets: %w", err)
	}
	return nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
