package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"ObitPipeline/internal/budget"
	"ObitPipeline/internal/config"
	"ObitPipeline/internal/infrastructure/llm"
	"ObitPipeline/internal/infrastructure/scheduler"
	"ObitPipeline/internal/infrastructure/storage"
	"ObitPipeline/internal/logging"
	"ObitPipeline/internal/metrics"
	"ObitPipeline/internal/usecase"
)

// Application wires config to adapters, stages and lifecycle orchestration.
type Application struct {
	cfg     config.Config
	logger  *slog.Logger
	db      *sqlx.DB
	buckets *storage.BudgetBucketStore
	metrics *metrics.Metrics
	rewrite *usecase.RewriteStage
	audit   *usecase.AuditStage
}

// New opens the record store and builds both stages.
func New(cfg config.Config, baseLogger *slog.Logger) (*Application, error) {
	if baseLogger == nil {
		baseLogger = logging.New(cfg.Logging.Level)
	}

	db, err := sqlx.Connect("postgres", cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("connect record store: %w", err)
	}

	repo := storage.NewPostgresRepository(db)
	locks := storage.NewLockStore(db)
	buckets := storage.NewBudgetBucketStore(db)
	limiter := budget.NewLimiter(
		buckets,
		cfg.Budget.Limit(),
		cfg.Budget.Window(),
		baseLogger.With("component", "budget"),
	)
	chat := llm.NewChatGPTClient(cfg.ChatGPT)
	m := metrics.New()

	rewrite := usecase.NewRewriteStage(usecase.RewriteStageDeps{
		Repository: repo,
		Budget:     limiter,
		Chat:       chat,
		Locks:      locks,
		Metrics:    m,
		Logger:     baseLogger.With("component", "rewrite"),
		Config:     cfg.Rewrite,
		ChatConfig: cfg.ChatGPT,
		LockTTL:    cfg.Locks.RewriteTTL(),
	})

	audit := usecase.NewAuditStage(usecase.AuditStageDeps{
		Repository: repo,
		Budget:     limiter,
		Chat:       chat,
		Locks:      locks,
		Metrics:    m,
		Logger:     baseLogger.With("component", "audit"),
		Config:     cfg.Audit,
		ChatConfig: cfg.ChatGPT,
		LockTTL:    cfg.Locks.AuditTTL(),
	})

	return &Application{
		cfg:     cfg,
		logger:  baseLogger,
		db:      db,
		buckets: buckets,
		metrics: m,
		rewrite: rewrite,
		audit:   audit,
	}, nil
}

// RunRewrite executes one rewrite batch; batchSize <= 0 uses config.
func (a *Application) RunRewrite(ctx context.Context, batchSize int) error {
	a.pruneBuckets(ctx)
	_, err := a.rewrite.Run(ctx, batchSize)
	return err
}

// pruneBuckets drops token buckets that aged out of the rolling window.
// Failures only cost table size, so they are logged and ignored.
func (a *Application) pruneBuckets(ctx context.Context) {
	cutoff := time.Now().Add(-2 * a.cfg.Budget.Window())
	if err := a.buckets.PruneBefore(ctx, cutoff); err != nil {
		a.logger.Warn("prune token buckets", "error", err)
	}
}

// RunAudit executes one audit batch; batchSize <= 0 uses config.
func (a *Application) RunAudit(ctx context.Context, batchSize int) error {
	_, err := a.audit.Run(ctx, batchSize)
	return err
}

// Serve runs both stages on their intervals plus the metrics endpoint,
// until the context is cancelled.
func (a *Application) Serve(ctx context.Context) error {
	rewriteTimer := scheduler.NewIntervalScheduler(a.cfg.Scheduler.RewriteInterval())
	auditTimer := scheduler.NewIntervalScheduler(a.cfg.Scheduler.AuditInterval())

	if err := rewriteTimer.Start(ctx, func(time.Time) {
		if err := a.RunRewrite(ctx, 0); err != nil {
			a.logger.Error("rewrite invocation failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("start rewrite schedule: %w", err)
	}
	if err := auditTimer.Start(ctx, func(time.Time) {
		if err := a.RunAudit(ctx, 0); err != nil {
			a.logger.Error("audit invocation failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("start audit schedule: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", a.metrics.Handler())
	server := &http.Server{Addr: a.cfg.Metrics.Addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	a.logger.Info("pipeline serving",
		"rewrite_interval", a.cfg.Scheduler.RewriteInterval(),
		"audit_interval", a.cfg.Scheduler.AuditInterval(),
		"metrics_addr", a.cfg.Metrics.Addr)

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	_ = rewriteTimer.Stop(context.WithoutCancel(ctx))
	_ = auditTimer.Stop(context.WithoutCancel(ctx))

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil && serveErr == nil {
		serveErr = err
	}
	return serveErr
}

// Close releases the database connection.
func (a *Application) Close() error {
	if a.db == nil {
		return nil
	}
	return a.db.Close()
}
