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

// LockStore keeps TTL'd advisory flags in a pipeline_locks table. Absence or
// expiry means unlocked; the touched_at column survives expiry so cool-down
// checks can still see recent activity.
type LockStore struct {
	db *sqlx.DB
}

var _ ports.LockRepository = (*LockStore)(nil)

// NewLockStore wires an sqlx connection.
func NewLockStore(db *sqlx.DB) *LockStore {
	return &LockStore{db: db}
}

// Acquire takes the named lock for owner until now+ttl. An expired row is
// taken over; a live row held by someone else fails without error.
func (s *LockStore) Acquire(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	query, args, err := psql.Insert("pipeline_locks").
		Columns("name", "owner", "expires_at", "touched_at").
		Values(name, owner, now.Add(ttl), now).
		Suffix(`ON CONFLICT (name) DO UPDATE
			SET owner = EXCLUDED.owner,
			    expires_at = EXCLUDED.expires_at,
			    touched_at = EXCLUDED.touched_at
			WHERE pipeline_locks.expires_at < NOW() OR pipeline_locks.owner = EXCLUDED.owner`).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("build lock acquire: %w", err)
	}

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", name, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("lock %s rows affected: %w", name, err)
	}
	return affected > 0, nil
}

// Release drops the lock only when owner still holds it, so a slow
// invocation cannot release a lock another invocation took over.
func (s *LockStore) Release(ctx context.Context, name, owner string) error {
	query, args, err := psql.Delete("pipeline_locks").
		Where(sq.Eq{"name": name, "owner": owner}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build lock release: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("release lock %s: %w", name, err)
	}
	return nil
}

// Get returns the raw lock row, expired or not, so callers can apply their
// own expiry and cool-down reasoning. Nil means the flag was never set.
func (s *LockStore) Get(ctx context.Context, name string) (*ports.Lock, error) {
	query, args, err := psql.Select("name", "owner", "expires_at", "touched_at").
		From("pipeline_locks").
		Where(sq.Eq{"name": name}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build lock get: %w", err)
	}

	var row struct {
		Name      string    `db:"name"`
		Owner     string    `db:"owner"`
		ExpiresAt time.Time `db:"expires_at"`
		TouchedAt time.Time `db:"touched_at"`
	}
	if err := s.db.GetContext(ctx, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get lock %s: %w", name, err)
	}

	return &ports.Lock{
		Name:      row.Name,
		Owner:     row.Owner,
		ExpiresAt: row.ExpiresAt,
		TouchedAt: row.TouchedAt,
	}, nil
}
