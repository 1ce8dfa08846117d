package ports

import (
	"context"
	"time"

	"ObitPipeline/internal/domain"
)

// RecordRepository is the pipeline's view of the record store: parameterized
// selection plus atomic update-by-id mutations. Every query excludes
// suppressed records.
type RecordRepository interface {
	// SelectForRewrite returns pending records with source text and no
	// rewritten text, newest first. Records quarantined after cutoff are
	// excluded; an expired quarantine makes the record eligible again.
	SelectForRewrite(ctx context.Context, quarantineCutoff time.Time, limit int) ([]domain.Record, error)

	// SelectForAudit returns auditable records in priority order: never
	// audited first, then hash-diverged, newest id first within each group.
	SelectForAudit(ctx context.Context, limit int) ([]domain.Record, error)

	// SelectStalePass returns previously-passed records whose last audit
	// predates staleBefore, oldest audit first, excluding admin holds.
	SelectStalePass(ctx context.Context, staleBefore time.Time, limit int) ([]domain.Record, error)

	// CountPending reports how many records still await rewriting.
	CountPending(ctx context.Context) (int, error)

	// SaveRewrite persists a successful rewrite: text, hash, corrected
	// fields, needs_audit marker, cleared last-audited hash and cleared
	// quarantine/failure counters.
	SaveRewrite(ctx context.Context, rec domain.Record) error

	// RecordRewriteFailure bumps the consecutive hard-failure counter.
	RecordRewriteFailure(ctx context.Context, id int64, failures int) error

	// Quarantine stamps the quarantine marker and cycle count.
	Quarantine(ctx context.Context, id int64, at time.Time, cycles int) error

	// MarkFailed permanently retires a record from all selection.
	MarkFailed(ctx context.Context, id int64) error

	// ApplyAuditPass publishes a record and stores the audited hash.
	ApplyAuditPass(ctx context.Context, rec domain.Record) error

	// RequeueForRewrite clears generated text so the rewrite stage picks
	// the record up again, carrying the auditor's notes forward.
	RequeueForRewrite(ctx context.Context, rec domain.Record) error

	// HoldForReview parks a record for a human without touching Status.
	HoldForReview(ctx context.Context, rec domain.Record) error
}

// Advisory lock names shared between the pipeline stages and the
// out-of-scope ingestion jobs. The scheduled flag's expiry doubles as the
// next planned ingestion start time.
const (
	LockRewriteRunning     = "rewrite:running"
	LockAuditRunning       = "audit:running"
	LockIngestionRunning   = "ingest:running"
	LockIngestionScheduled = "ingest:scheduled"
)

// Lock is a TTL'd advisory flag row. Absence or expiry means unlocked;
// TouchedAt survives expiry so cool-down checks can see recent activity.
type Lock struct {
	Name      string
	Owner     string
	ExpiresAt time.Time
	TouchedAt time.Time
}

// LockRepository stores advisory locks shared with the ingestion jobs.
type LockRepository interface {
	Acquire(ctx context.Context, name, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, name, owner string) error
	Get(ctx context.Context, name string) (*Lock, error)
}

// BudgetStore persists per-minute token buckets for the rolling window.
// Increments must be atomic and totals clamped at zero.
type BudgetStore interface {
	AddTokens(ctx context.Context, bucket time.Time, delta int) error
	WindowTotal(ctx context.Context, from time.Time) (int, error)
	OldestActiveBucket(ctx context.Context, from time.Time) (*time.Time, error)
}

// TokenBudget is the shared rolling-window limiter both stages draw from.
type TokenBudget interface {
	// Peek reports whether estimate tokens would fit, without reserving.
	Peek(ctx context.Context, estimate int, consumer string) (bool, error)
	// Reserve books estimate tokens ahead of a provider call.
	Reserve(ctx context.Context, estimate int, consumer string) (bool, error)
	// Release returns a reservation that was never consumed.
	Release(ctx context.Context, estimate int, consumer string) error
	// RecordActual replaces the estimate with the provider-reported count.
	RecordActual(ctx context.Context, actual, estimated int, consumer string) error
	// SecondsUntilReset advises callers choosing a backoff delay.
	SecondsUntilReset(ctx context.Context) (int, error)
}

// ChatRequest is one LLM call. The client owns model selection and auth.
type ChatRequest struct {
	System      string
	User        string
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration
}

// ChatResult carries the generated content and the provider-reported token
// usage, used to true-up the budget reservation.
type ChatResult struct {
	Content    string
	TokensUsed int
}

// ChatCompleter issues a single chat-completion request.
type ChatCompleter interface {
	Complete(ctx context.Context, req ChatRequest) (ChatResult, error)
}

// Scheduler controls when a stage entry point executes.
type Scheduler interface {
	Start(ctx context.Context, job func(time.Time)) error
	Stop(ctx context.Context) error
}
