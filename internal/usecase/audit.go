package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"ObitPipeline/internal/config"
	"ObitPipeline/internal/domain"
	"ObitPipeline/internal/infrastructure/llm"
	"ObitPipeline/internal/metrics"
	"ObitPipeline/internal/ports"
	"ObitPipeline/internal/sanitize"
)

const budgetConsumerAudit = "audit"

// Idle-gate refusal reasons; also the metric label values.
const (
	gatePendingRecords     = "pending_records"
	gateRewriteLockHeld    = "rewrite_lock_held"
	gateIngestionActive    = "ingestion_active"
	gateIngestionCooldown  = "ingestion_cooldown"
	gateIngestionScheduled = "ingestion_scheduled"
	gateNoBudgetHeadroom   = "no_budget_headroom"
)

// AuditStageDeps wires the driven adapters into the audit stage.
type AuditStageDeps struct {
	Repository ports.RecordRepository
	Budget     ports.TokenBudget
	Chat       ports.ChatCompleter
	Locks      ports.LockRepository
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
	Config     config.AuditConfig
	ChatConfig config.ChatGPTConfig
	LockTTL    time.Duration
}

// AuditStage cross-references rewritten text against the source and is the
// only component allowed to mark a record published. It runs only when the
// idle gate confirms the rest of the system is quiet.
type AuditStage struct {
	repo    ports.RecordRepository
	budget  ports.TokenBudget
	chat    ports.ChatCompleter
	locks   ports.LockRepository
	metrics *metrics.Metrics
	logger  *slog.Logger
	cfg     config.AuditConfig
	chatCfg config.ChatGPTConfig
	lockTTL time.Duration

	now   func() time.Time
	sleep func(time.Duration)
}

// NewAuditStage constructs the stage.
func NewAuditStage(deps AuditStageDeps) *AuditStage {
	return &AuditStage{
		repo:    deps.Repository,
		budget:  deps.Budget,
		chat:    deps.Chat,
		locks:   deps.Locks,
		metrics: deps.Metrics,
		logger:  deps.Logger,
		cfg:     deps.Config,
		chatCfg: deps.ChatConfig,
		lockTTL: deps.LockTTL,
		now:     time.Now,
		sleep:   time.Sleep,
	}
}

// Run executes one bounded audit batch. The idle gate is checked first and
// is a hard precondition: any refusal exits immediately with the reason in
// the result, having consumed no budget.
func (s *AuditStage) Run(ctx context.Context, batchSize int) (BatchResult, error) {
	runID := uuid.NewString()
	result := BatchResult{RunID: runID}
	log := s.log().With("run_id", runID)

	if batchSize <= 0 {
		batchSize = s.cfg.BatchSize
	}
	if budget := s.cfg.BatchBudget(); budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, budget)
		defer cancel()
	}

	reason, err := s.idleGate(ctx)
	if err != nil {
		return result, fmt.Errorf("evaluate idle gate: %w", err)
	}
	if reason != "" {
		if s.metrics != nil {
			s.metrics.IdleGateRefusals.WithLabelValues(reason).Inc()
		}
		result.Halted = "idle gate: " + reason
		log.Info("audit skipped", "reason", reason)
		return result, nil
	}

	if s.locks != nil {
		held, err := s.locks.Acquire(ctx, ports.LockAuditRunning, runID, s.lockTTL)
		if err != nil {
			return result, fmt.Errorf("acquire audit lock: %w", err)
		}
		if !held {
			result.Halted = "audit lock held by another invocation"
			log.Info("audit skipped", "reason", result.Halted)
			return result, nil
		}
		defer func() {
			if err := s.locks.Release(context.WithoutCancel(ctx), ports.LockAuditRunning, runID); err != nil {
				log.Warn("release audit lock", "error", err)
			}
		}()
	}

	records, err := s.repo.SelectForAudit(ctx, batchSize)
	if err != nil {
		return result, fmt.Errorf("select audit batch: %w", err)
	}
	if len(records) == 0 {
		staleBefore := s.now().Add(-s.cfg.StaleAfter())
		records, err = s.repo.SelectStalePass(ctx, staleBefore, batchSize)
		if err != nil {
			return result, fmt.Errorf("select stale batch: %w", err)
		}
	}
	log.Info("audit batch selected", "records", len(records))

	bo := newBackoff(s.cfg.PacingDelay(), maxBackoffDelay, s.cfg.MaxConsecutiveRateLimits)
	for i, rec := range records {
		if ctx.Err() != nil {
			result.Halted = "batch wall-clock budget exhausted"
			break
		}
		if i > 0 {
			s.sleep(s.cfg.PacingDelay())
		}

		item, halt, fatal := s.processRecord(ctx, rec, bo, log)
		result.Items = append(result.Items, item)
		s.logItem(log, item)

		if fatal != nil {
			result.Halted = halt
			return result, fatal
		}
		if item.Outcome == OutcomeRateLimited {
			if bo.Exhausted() {
				result.Halted = "consecutive rate limits"
				break
			}
			s.sleep(bo.Delay())
			continue
		}
		if halt != "" {
			result.Halted = halt
			break
		}
	}

	log.Info("audit batch done",
		"processed", len(result.Items),
		"published", result.Count(OutcomePublished),
		"requeued", result.Count(OutcomeRequeued),
		"held", result.Count(OutcomeHeld),
		"halted", result.Halted)
	return result, nil
}

// idleGate checks the five preconditions in order without consuming budget.
// An empty reason means the gate passed.
func (s *AuditStage) idleGate(ctx context.Context) (string, error) {
	pending, err := s.repo.CountPending(ctx)
	if err != nil {
		return "", fmt.Errorf("count pending: %w", err)
	}
	if pending > 0 {
		return gatePendingRecords, nil
	}

	now := s.now()
	if s.locks != nil {
		rewriteLock, err := s.locks.Get(ctx, ports.LockRewriteRunning)
		if err != nil {
			return "", fmt.Errorf("check rewrite lock: %w", err)
		}
		if rewriteLock != nil && rewriteLock.ExpiresAt.After(now) {
			return gateRewriteLockHeld, nil
		}

		ingestLock, err := s.locks.Get(ctx, ports.LockIngestionRunning)
		if err != nil {
			return "", fmt.Errorf("check ingestion lock: %w", err)
		}
		if ingestLock != nil {
			if ingestLock.ExpiresAt.After(now) {
				return gateIngestionActive, nil
			}
			if now.Sub(ingestLock.TouchedAt) < s.cfg.IngestionCooldown() {
				return gateIngestionCooldown, nil
			}
		}

		scheduled, err := s.locks.Get(ctx, ports.LockIngestionScheduled)
		if err != nil {
			return "", fmt.Errorf("check ingestion schedule: %w", err)
		}
		if scheduled != nil && scheduled.ExpiresAt.After(now) &&
			scheduled.ExpiresAt.Before(now.Add(s.cfg.IngestionBuffer())) {
			return gateIngestionScheduled, nil
		}
	}

	fits, err := s.budget.Peek(ctx, s.cfg.EstimateTokens, budgetConsumerAudit)
	if err != nil {
		return "", fmt.Errorf("peek budget: %w", err)
	}
	if !fits {
		return gateNoBudgetHeadroom, nil
	}

	return "", nil
}

func (s *AuditStage) processRecord(ctx context.Context, rec domain.Record, bo *backoff, log *slog.Logger) (item ItemResult, halt string, fatal error) {
	item = ItemResult{RecordID: rec.ID}

	// No-churn shortcut: unchanged content with a prior pass re-passes
	// without spending budget.
	if rec.RewrittenHash != "" && rec.RewrittenHash == rec.LastAuditedHash &&
		rec.AuditStatus == domain.AuditStatusPass {
		if err := s.repo.ApplyAuditPass(ctx, rec); err != nil {
			item.Outcome = OutcomeError
			item.Err = err
			return item, "", nil
		}
		item.Outcome = OutcomePublished
		return item, "", nil
	}

	estimate := s.cfg.EstimateTokens
	reserved, err := s.budget.Reserve(ctx, estimate, budgetConsumerAudit)
	if err != nil {
		item.Outcome = OutcomeError
		item.Err = err
		return item, "token budget store unavailable", nil
	}
	if !reserved {
		item.Outcome = OutcomeRateLimited
		bo.Hit(s.budgetResetDelay(ctx))
		s.countRateLimit()
		return item, "", nil
	}

	res, err := s.chat.Complete(ctx, ports.ChatRequest{
		System:      s.chatCfg.AuditPrompt,
		User:        buildAuditUserPrompt(rec),
		MaxTokens:   s.cfg.MaxTokens,
		Temperature: 0,
		Timeout:     s.chatCfg.AuditTimeout(),
	})
	if err != nil {
		switch llm.CategoryOf(err) {
		case llm.CategoryAuthorization, llm.CategoryPermission:
			s.releaseReservation(ctx, estimate, log)
			item.Outcome = OutcomeError
			item.Err = err
			return item, "provider rejected credentials or model", err
		case llm.CategoryRateLimited:
			s.releaseReservation(ctx, estimate, log)
			item.Outcome = OutcomeRateLimited
			item.Err = err
			bo.Hit(llm.RetryAfterOf(err))
			s.countRateLimit()
			return item, "", nil
		case llm.CategoryMalformed:
			// The call happened and produced nothing usable; fail safe.
			return s.holdUnparsable(ctx, rec, log), "", nil
		default:
			s.releaseReservation(ctx, estimate, log)
			item.Outcome = OutcomeError
			item.Err = err
			return item, "", nil
		}
	}

	bo.Reset()
	if res.TokensUsed > 0 {
		if err := s.budget.RecordActual(ctx, res.TokensUsed, estimate, budgetConsumerAudit); err != nil {
			log.Warn("budget true-up failed", "record_id", rec.ID, "error", err)
		}
		if s.metrics != nil {
			s.metrics.TokensConsumed.Add(float64(res.TokensUsed))
		}
	}

	verdict := parseAuditVerdict(res.Content)
	if !verdict.Parsed {
		return s.holdUnparsable(ctx, rec, log), "", nil
	}

	for _, note := range s.applyCorrections(&rec, verdict) {
		log.Info("audit correction applied", "record_id", rec.ID, "note", note)
	}

	return s.decide(ctx, rec, verdict, log), "", nil
}

// decide maps a parsed verdict onto the state machine.
func (s *AuditStage) decide(ctx context.Context, rec domain.Record, verdict auditVerdict, log *slog.Logger) ItemResult {
	item := ItemResult{RecordID: rec.ID}

	switch {
	case verdict.Pass:
		if err := s.repo.ApplyAuditPass(ctx, rec); err != nil {
			log.Error("publish record", "record_id", rec.ID, "error", err)
			item.Outcome = OutcomeError
			item.Err = err
			return item
		}
		if s.metrics != nil {
			s.metrics.RecordsPublished.Inc()
		}
		item.Outcome = OutcomePublished
		return item

	case verdict.Recommendation == domain.RecommendRequeue && rec.RequeueCount < s.cfg.RequeueLimit:
		rec.RequeueCount++
		rec.AuditNotes = summarizeIssues(verdict.Issues)
		if err := s.repo.RequeueForRewrite(ctx, rec); err != nil {
			log.Error("requeue record", "record_id", rec.ID, "error", err)
			item.Outcome = OutcomeError
			item.Err = err
			return item
		}
		if s.metrics != nil {
			s.metrics.RecordsRequeued.Inc()
		}
		item.Outcome = OutcomeRequeued
		return item

	default:
		// Recommendation was admin_review, or the requeue ceiling is
		// reached. Status is untouched: a published record stays shown.
		rec.AuditNotes = summarizeIssues(verdict.Issues)
		if rec.AuditNotes == "" {
			rec.AuditNotes = "flagged without findings; held for review"
		}
		if err := s.repo.HoldForReview(ctx, rec); err != nil {
			log.Error("hold record", "record_id", rec.ID, "error", err)
			item.Outcome = OutcomeError
			item.Err = err
			return item
		}
		if s.metrics != nil {
			s.metrics.RecordsHeld.Inc()
		}
		item.Outcome = OutcomeHeld
		return item
	}
}

// holdUnparsable parks a record whose audit response could not be used.
func (s *AuditStage) holdUnparsable(ctx context.Context, rec domain.Record, log *slog.Logger) ItemResult {
	item := ItemResult{RecordID: rec.ID}
	rec.AuditNotes = "audit response unparsable; held for review"

	if err := s.repo.HoldForReview(ctx, rec); err != nil {
		log.Error("hold record", "record_id", rec.ID, "error", err)
		item.Outcome = OutcomeError
		item.Err = err
		return item
	}
	if s.metrics != nil {
		s.metrics.RecordsHeld.Inc()
	}
	item.Outcome = OutcomeHeld
	return item
}

// applyCorrections writes auditor field fixes under three guards: the
// feature flag, the confidence threshold, and independent re-validation of
// every value. Returns notes describing what changed.
func (s *AuditStage) applyCorrections(rec *domain.Record, verdict auditVerdict) []string {
	if !s.cfg.AutoCorrect() || verdict.Corrections == nil {
		return nil
	}
	if verdict.Confidence < s.cfg.CorrectionConfidence {
		return nil
	}

	now := s.now()
	fixes := verdict.Corrections
	var notes []string

	if fixes.DeathDate != "" && validDate(fixes.DeathDate, now) && fixes.DeathDate != rec.DeathDate {
		notes = append(notes, fmt.Sprintf("death_date %q -> %q", rec.DeathDate, fixes.DeathDate))
		rec.DeathDate = fixes.DeathDate
	}
	if fixes.BirthDate != "" && validDate(fixes.BirthDate, now) && fixes.BirthDate != rec.BirthDate {
		notes = append(notes, fmt.Sprintf("birth_date %q -> %q", rec.BirthDate, fixes.BirthDate))
		rec.BirthDate = fixes.BirthDate
	}
	if fixes.Age >= minAge && fixes.Age <= maxAge && fixes.Age != rec.Age {
		notes = append(notes, fmt.Sprintf("age %d -> %d", rec.Age, fixes.Age))
		rec.Age = fixes.Age
	}
	if fixes.Location != "" && fixes.Location != rec.Location {
		notes = append(notes, fmt.Sprintf("location %q -> %q", rec.Location, fixes.Location))
		rec.Location = fixes.Location
	}
	if fixes.Organization != "" && fixes.Organization != rec.Organization {
		notes = append(notes, fmt.Sprintf("organization %q -> %q", rec.Organization, fixes.Organization))
		rec.Organization = fixes.Organization
	}

	return notes
}

func buildAuditUserPrompt(rec domain.Record) string {
	payload, err := json.MarshalIndent(map[string]any{
		"subject_name":   rec.SubjectName,
		"source_text":    sanitize.PlainText(rec.SourceText),
		"rewritten_text": rec.RewrittenText,
		"death_date":     rec.DeathDate,
		"birth_date":     rec.BirthDate,
		"age":            rec.Age,
		"location":       rec.Location,
		"organization":   rec.Organization,
	}, "", "  ")
	if err != nil {
		return rec.SourceText
	}
	return string(payload)
}

func (s *AuditStage) budgetResetDelay(ctx context.Context) time.Duration {
	secs, err := s.budget.SecondsUntilReset(ctx)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func (s *AuditStage) releaseReservation(ctx context.Context, estimate int, log *slog.Logger) {
	if err := s.budget.Release(ctx, estimate, budgetConsumerAudit); err != nil {
		log.Warn("release reservation failed", "error", err)
	}
}

func (s *AuditStage) countRateLimit() {
	if s.metrics != nil {
		s.metrics.RateLimitHits.Inc()
	}
}

func (s *AuditStage) logItem(log *slog.Logger, item ItemResult) {
	args := []any{"record_id", item.RecordID, "outcome", string(item.Outcome)}
	if item.Err != nil {
		args = append(args, "error", item.Err)
	}
	log.Info("audit record processed", args...)
}

func (s *AuditStage) log() *slog.Logger {
	if s.logger != nil {
		return s.logger
	}
	return slog.Default()
}
