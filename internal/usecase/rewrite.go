package usecase

import (
	"context"
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

const (
	budgetConsumerRewrite = "rewrite"
	maxBackoffDelay       = time.Minute
)

// RewriteStageDeps wires the driven adapters into the rewrite stage.
type RewriteStageDeps struct {
	Repository ports.RecordRepository
	Budget     ports.TokenBudget
	Chat       ports.ChatCompleter
	Locks      ports.LockRepository
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
	Config     config.RewriteConfig
	ChatConfig config.ChatGPTConfig
	LockTTL    time.Duration
}

// RewriteStage turns raw source text into validated publish-candidate text,
// one record at a time. It never publishes; a successful rewrite leaves the
// record pending with audit_status=needs_audit.
type RewriteStage struct {
	repo    ports.RecordRepository
	budget  ports.TokenBudget
	chat    ports.ChatCompleter
	locks   ports.LockRepository
	metrics *metrics.Metrics
	logger  *slog.Logger
	cfg     config.RewriteConfig
	chatCfg config.ChatGPTConfig
	lockTTL time.Duration

	now   func() time.Time
	sleep func(time.Duration)
}

// NewRewriteStage constructs the stage.
func NewRewriteStage(deps RewriteStageDeps) *RewriteStage {
	return &RewriteStage{
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

// Run executes one bounded batch. batchSize <= 0 uses the configured size.
// A non-nil error means the whole invocation aborted (credential rejected,
// store unreachable); record-scoped failures land in the result items.
func (s *RewriteStage) Run(ctx context.Context, batchSize int) (BatchResult, error) {
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

	if s.locks != nil {
		held, err := s.locks.Acquire(ctx, ports.LockRewriteRunning, runID, s.lockTTL)
		if err != nil {
			return result, fmt.Errorf("acquire rewrite lock: %w", err)
		}
		if !held {
			result.Halted = "rewrite lock held by another invocation"
			log.Info("rewrite skipped", "reason", result.Halted)
			return result, nil
		}
		defer func() {
			if err := s.locks.Release(context.WithoutCancel(ctx), ports.LockRewriteRunning, runID); err != nil {
				log.Warn("release rewrite lock", "error", err)
			}
		}()
	}

	cutoff := s.now().Add(-s.cfg.QuarantineWindow())
	records, err := s.repo.SelectForRewrite(ctx, cutoff, batchSize)
	if err != nil {
		return result, fmt.Errorf("select rewrite batch: %w", err)
	}
	log.Info("rewrite batch selected", "records", len(records))

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

	log.Info("rewrite batch done",
		"processed", len(result.Items),
		"rewritten", result.Count(OutcomeRewritten),
		"rate_limited", result.Count(OutcomeRateLimited),
		"quarantined", result.Count(OutcomeQuarantined),
		"halted", result.Halted)
	return result, nil
}

// processRecord runs steps 1-6 for one record. halt carries a batch-level
// stop reason; fatal aborts the invocation entirely.
func (s *RewriteStage) processRecord(ctx context.Context, rec domain.Record, bo *backoff, log *slog.Logger) (item ItemResult, halt string, fatal error) {
	item = ItemResult{RecordID: rec.ID}
	estimate := s.cfg.EstimateTokens

	reserved, err := s.budget.Reserve(ctx, estimate, budgetConsumerRewrite)
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
		System:      s.chatCfg.RewritePrompt,
		User:        buildRewriteUserPrompt(rec),
		MaxTokens:   s.cfg.MaxTokens,
		Temperature: s.chatCfg.Temperature,
		Timeout:     s.chatCfg.RewriteTimeout(),
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
			// The provider did respond; the reservation stands and the
			// record takes a validation strike.
			return s.hardFailure(ctx, rec, err, log), "", nil
		default:
			s.releaseReservation(ctx, estimate, log)
			item.Outcome = OutcomeError
			item.Err = err
			return item, "", nil
		}
	}

	bo.Reset()
	if res.TokensUsed > 0 {
		if err := s.budget.RecordActual(ctx, res.TokensUsed, estimate, budgetConsumerRewrite); err != nil {
			log.Warn("budget true-up failed", "record_id", rec.ID, "error", err)
		}
		if s.metrics != nil {
			s.metrics.TokensConsumed.Add(float64(res.TokensUsed))
		}
	}

	resp, err := parseRewriteResponse(res.Content)
	if err != nil {
		return s.hardFailure(ctx, rec, err, log), "", nil
	}

	for _, note := range reconcileFields(&resp, s.now()) {
		log.Info("field reconciled", "record_id", rec.ID, "note", note)
	}

	warnings, err := validateProse(rec, resp, s.cfg.MinTextLength, s.cfg.MaxTextLength)
	if err != nil {
		return s.hardFailure(ctx, rec, err, log), "", nil
	}
	item.Warnings = warnings

	merged := mergeFields(rec, resp)
	merged.RewrittenText = resp.RewrittenText
	merged.RewrittenHash = domain.ContentHash(resp.RewrittenText)

	if err := s.repo.SaveRewrite(ctx, merged); err != nil {
		log.Error("persist rewrite failed", "record_id", rec.ID, "error", err)
		item.Outcome = OutcomeError
		item.Err = err
		return item, "", nil
	}

	if s.metrics != nil {
		s.metrics.RecordsRewritten.Inc()
	}
	item.Outcome = OutcomeRewritten
	return item, "", nil
}

// hardFailure advances the quarantine escalation for one validation strike:
// below the threshold the counter is bumped, at the threshold the record is
// quarantined for a window, and at the cycle ceiling it is retired for good.
func (s *RewriteStage) hardFailure(ctx context.Context, rec domain.Record, cause error, log *slog.Logger) ItemResult {
	item := ItemResult{RecordID: rec.ID, Err: cause}

	failures := rec.RewriteFailures + 1
	if failures < s.cfg.FailureThreshold {
		if err := s.repo.RecordRewriteFailure(ctx, rec.ID, failures); err != nil {
			log.Error("record failure count", "record_id", rec.ID, "error", err)
		}
		item.Outcome = OutcomeError
		return item
	}

	cycles := rec.QuarantineCycles + 1
	if cycles >= s.cfg.QuarantineCycleLimit {
		if err := s.repo.MarkFailed(ctx, rec.ID); err != nil {
			log.Error("mark record failed", "record_id", rec.ID, "error", err)
		}
		if s.metrics != nil {
			s.metrics.RecordsFailed.Inc()
		}
		item.Outcome = OutcomeFailed
		return item
	}

	if err := s.repo.Quarantine(ctx, rec.ID, s.now(), cycles); err != nil {
		log.Error("quarantine record", "record_id", rec.ID, "error", err)
	}
	if s.metrics != nil {
		s.metrics.RecordsQuarantined.Inc()
	}
	item.Outcome = OutcomeQuarantined
	return item
}

// mergeFields applies corrected fields without ever blanking a populated one.
func mergeFields(rec domain.Record, resp rewriteResponse) domain.Record {
	if resp.DeathDate != "" {
		rec.DeathDate = resp.DeathDate
	}
	if resp.BirthDate != "" {
		rec.BirthDate = resp.BirthDate
	}
	if resp.Age > 0 {
		rec.Age = resp.Age
	}
	if resp.Location != "" {
		rec.Location = resp.Location
	}
	if resp.Organization != "" {
		rec.Organization = resp.Organization
	}
	return rec
}

func buildRewriteUserPrompt(rec domain.Record) string {
	prompt := fmt.Sprintf("Subject: %s\n\nSource text:\n%s",
		rec.SubjectName, sanitize.PlainText(rec.SourceText))

	if rec.AuditStatus == domain.AuditStatusFlagged && rec.AuditNotes != "" {
		prompt += fmt.Sprintf("\n\nA previous version was rejected by a fact audit. Address these findings:\n%s",
			rec.AuditNotes)
	}
	return prompt
}

// budgetResetDelay asks the limiter how long until headroom returns.
func (s *RewriteStage) budgetResetDelay(ctx context.Context) time.Duration {
	secs, err := s.budget.SecondsUntilReset(ctx)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func (s *RewriteStage) releaseReservation(ctx context.Context, estimate int, log *slog.Logger) {
	if err := s.budget.Release(ctx, estimate, budgetConsumerRewrite); err != nil {
		log.Warn("release reservation failed", "error", err)
	}
}

func (s *RewriteStage) countRateLimit() {
	if s.metrics != nil {
		s.metrics.RateLimitHits.Inc()
	}
}

func (s *RewriteStage) logItem(log *slog.Logger, item ItemResult) {
	args := []any{"record_id", item.RecordID, "outcome", string(item.Outcome)}
	if item.Err != nil {
		args = append(args, "error", item.Err)
	}
	if len(item.Warnings) > 0 {
		args = append(args, "warnings", item.Warnings)
	}
	log.Info("rewrite record processed", args...)
}

func (s *RewriteStage) log() *slog.Logger {
	if s.logger != nil {
		return s.logger
	}
	return slog.Default()
}
