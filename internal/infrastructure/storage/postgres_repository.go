package storage

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"

	"ObitPipeline/internal/domain"
	"ObitPipeline/internal/ports"
)

// PostgresRepository implements the record-store contract over a single
// obituaries table. Every mutation is one atomic UPDATE guarded by the
// status the caller expects, so overlapping invocations cannot corrupt a
// record even without row locks.
type PostgresRepository struct {
	db *sqlx.DB
}

var _ ports.RecordRepository = (*PostgresRepository)(nil)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// Nullable text columns are coalesced so they scan into plain strings; the
// distinction between NULL and empty only matters on the write side.
const recordColumns = `id, source_text, subject_name,
	COALESCE(death_date, '') AS death_date,
	COALESCE(birth_date, '') AS birth_date,
	COALESCE(age, 0) AS age,
	COALESCE(location, '') AS location,
	COALESCE(organization, '') AS organization,
	COALESCE(rewritten_text, '') AS rewritten_text,
	COALESCE(rewritten_hash, '') AS rewritten_hash,
	status,
	COALESCE(audit_status, '') AS audit_status,
	COALESCE(last_audited_hash, '') AS last_audited_hash,
	last_audited_at, requeue_count,
	COALESCE(audit_notes, '') AS audit_notes,
	rewrite_failures, quarantined_at, quarantine_cycles, suppressed,
	created_at, updated_at`

// NewPostgresRepository wires an sqlx connection.
func NewPostgresRepository(db *sqlx.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// SelectForRewrite returns pending records awaiting text generation, newest
// first. A record inside an active quarantine window is invisible;
// quarantineCutoff is now minus the window, so older markers have expired.
func (r *PostgresRepository) SelectForRewrite(ctx context.Context, quarantineCutoff time.Time, limit int) ([]domain.Record, error) {
	query, args, err := psql.Select(recordColumns).
		From("obituaries").
		Where(sq.Eq{"status": domain.StatusPending, "suppressed": false}).
		Where(sq.NotEq{"source_text": ""}).
		Where(sq.Or{
			sq.Eq{"rewritten_text": ""},
			sq.Expr("rewritten_text IS NULL"),
		}).
		Where(sq.Or{
			sq.Expr("quarantined_at IS NULL"),
			sq.Lt{"quarantined_at": quarantineCutoff},
		}).
		OrderBy("id DESC").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build rewrite selection: %w", err)
	}

	return r.selectRecords(ctx, query, args)
}

// SelectForAudit returns records needing a fact audit: never-audited ones
// first, then records whose text changed since their last audit.
func (r *PostgresRepository) SelectForAudit(ctx context.Context, limit int) ([]domain.Record, error) {
	query, args, err := psql.Select(recordColumns).
		From("obituaries").
		Where(sq.Eq{"suppressed": false}).
		Where(sq.NotEq{"status": domain.StatusFailed}).
		Where(sq.NotEq{"source_text": ""}).
		Where(sq.And{
			sq.NotEq{"rewritten_text": ""},
			sq.Expr("rewritten_text IS NOT NULL"),
		}).
		Where(sq.Expr("COALESCE(audit_status, '') <> ?", string(domain.AuditStatusAdminReview))).
		Where(sq.Or{
			sq.Eq{"audit_status": domain.AuditStatusNeedsAudit},
			sq.Expr("rewritten_hash <> COALESCE(last_audited_hash, '')"),
		}).
		OrderBy(
			// Never-audited records outrank hash-diverged ones.
			fmt.Sprintf("(audit_status = '%s') DESC", domain.AuditStatusNeedsAudit),
			"id DESC",
		).
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build audit selection: %w", err)
	}

	return r.selectRecords(ctx, query, args)
}

// SelectStalePass returns previously-passed records due for periodic
// re-verification, oldest audit first.
func (r *PostgresRepository) SelectStalePass(ctx context.Context, staleBefore time.Time, limit int) ([]domain.Record, error) {
	query, args, err := psql.Select(recordColumns).
		From("obituaries").
		Where(sq.Eq{"suppressed": false, "audit_status": domain.AuditStatusPass}).
		Where(sq.NotEq{"rewritten_text": ""}).
		Where(sq.Lt{"last_audited_at": staleBefore}).
		OrderBy("last_audited_at ASC").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build stale selection: %w", err)
	}

	return r.selectRecords(ctx, query, args)
}

// CountPending reports the rewrite queue depth for the audit idle gate.
func (r *PostgresRepository) CountPending(ctx context.Context) (int, error) {
	query, args, err := psql.Select("COUNT(*)").
		From("obituaries").
		Where(sq.Eq{"status": domain.StatusPending, "suppressed": false}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build pending count: %w", err)
	}

	var count int
	if err := r.db.GetContext(ctx, &count, query, args...); err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	return count, nil
}

// SaveRewrite persists a validated rewrite and forces a fresh audit: the
// last-audited hash is set to NULL and the quarantine/failure counters reset.
func (r *PostgresRepository) SaveRewrite(ctx context.Context, rec domain.Record) error {
	query, args, err := psql.Update("obituaries").
		Set("rewritten_text", rec.RewrittenText).
		Set("rewritten_hash", rec.RewrittenHash).
		Set("death_date", rec.DeathDate).
		Set("birth_date", rec.BirthDate).
		Set("age", rec.Age).
		Set("location", rec.Location).
		Set("organization", rec.Organization).
		Set("status", domain.StatusPending).
		Set("audit_status", domain.AuditStatusNeedsAudit).
		Set("last_audited_hash", nil).
		Set("rewrite_failures", 0).
		Set("quarantined_at", nil).
		Set("quarantine_cycles", 0).
		Set("updated_at", sq.Expr("NOW()")).
		Where(sq.Eq{"id": rec.ID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build rewrite update: %w", err)
	}

	return r.exec(ctx, "save rewrite", query, args)
}

// RecordRewriteFailure stores the consecutive hard-failure count.
func (r *PostgresRepository) RecordRewriteFailure(ctx context.Context, id int64, failures int) error {
	query, args, err := psql.Update("obituaries").
		Set("rewrite_failures", failures).
		Set("updated_at", sq.Expr("NOW()")).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build failure update: %w", err)
	}

	return r.exec(ctx, "record rewrite failure", query, args)
}

// Quarantine stamps the marker that hides the record from rewrite selection
// for one window, and resets the short-lived failure counter.
func (r *PostgresRepository) Quarantine(ctx context.Context, id int64, at time.Time, cycles int) error {
	query, args, err := psql.Update("obituaries").
		Set("quarantined_at", at).
		Set("quarantine_cycles", cycles).
		Set("rewrite_failures", 0).
		Set("updated_at", sq.Expr("NOW()")).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build quarantine update: %w", err)
	}

	return r.exec(ctx, "quarantine", query, args)
}

// MarkFailed retires a record permanently and flags it for a human.
func (r *PostgresRepository) MarkFailed(ctx context.Context, id int64) error {
	query, args, err := psql.Update("obituaries").
		Set("status", domain.StatusFailed).
		Set("audit_status", domain.AuditStatusAdminReview).
		Set("updated_at", sq.Expr("NOW()")).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build failed update: %w", err)
	}

	return r.exec(ctx, "mark failed", query, args)
}

// ApplyAuditPass publishes a record. The guard on rewritten_hash makes the
// write a no-op when the text changed underneath the audit.
func (r *PostgresRepository) ApplyAuditPass(ctx context.Context, rec domain.Record) error {
	query, args, err := psql.Update("obituaries").
		Set("status", domain.StatusPublished).
		Set("audit_status", domain.AuditStatusPass).
		Set("last_audited_hash", rec.RewrittenHash).
		Set("last_audited_at", sq.Expr("NOW()")).
		Set("audit_notes", "").
		Set("requeue_count", rec.RequeueCount).
		Set("death_date", rec.DeathDate).
		Set("birth_date", rec.BirthDate).
		Set("age", rec.Age).
		Set("location", rec.Location).
		Set("organization", rec.Organization).
		Set("updated_at", sq.Expr("NOW()")).
		Where(sq.Eq{"id": rec.ID, "rewritten_hash": rec.RewrittenHash}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build publish update: %w", err)
	}

	return r.exec(ctx, "apply audit pass", query, args)
}

// RequeueForRewrite clears the generated text and hash so the rewrite
// selection predicate matches again, carrying audit notes forward.
func (r *PostgresRepository) RequeueForRewrite(ctx context.Context, rec domain.Record) error {
	query, args, err := psql.Update("obituaries").
		Set("rewritten_text", nil).
		Set("rewritten_hash", nil).
		Set("status", domain.StatusPending).
		Set("audit_status", domain.AuditStatusFlagged).
		Set("requeue_count", rec.RequeueCount).
		Set("audit_notes", rec.AuditNotes).
		Set("last_audited_at", sq.Expr("NOW()")).
		Set("death_date", rec.DeathDate).
		Set("birth_date", rec.BirthDate).
		Set("age", rec.Age).
		Set("location", rec.Location).
		Set("organization", rec.Organization).
		Set("updated_at", sq.Expr("NOW()")).
		Where(sq.Eq{"id": rec.ID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build requeue update: %w", err)
	}

	return r.exec(ctx, "requeue for rewrite", query, args)
}

// HoldForReview parks a record for a human. Status is untouched: an already
// published record stays visible, it just cannot re-publish new text.
func (r *PostgresRepository) HoldForReview(ctx context.Context, rec domain.Record) error {
	query, args, err := psql.Update("obituaries").
		Set("audit_status", domain.AuditStatusAdminReview).
		Set("audit_notes", rec.AuditNotes).
		Set("last_audited_at", sq.Expr("NOW()")).
		Set("updated_at", sq.Expr("NOW()")).
		Where(sq.Eq{"id": rec.ID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build hold update: %w", err)
	}

	return r.exec(ctx, "hold for review", query, args)
}

func (r *PostgresRepository) selectRecords(ctx context.Context, query string, args []interface{}) ([]domain.Record, error) {
	var records []domain.Record
	if err := r.db.SelectContext(ctx, &records, query, args...); err != nil {
		return nil, fmt.Errorf("select records: %w", err)
	}
	return records, nil
}

func (r *PostgresRepository) exec(ctx context.Context, op, query string, args []interface{}) error {
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
