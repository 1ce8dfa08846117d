package usecase

import (
	"context"
	"fmt"
	"time"

	"ObitPipeline/internal/domain"
	"ObitPipeline/internal/ports"
)

// fakeRepo records every mutation so tests can assert state transitions.
type fakeRepo struct {
	rewriteQueue []domain.Record
	auditQueue   []domain.Record
	staleQueue   []domain.Record
	pending      int

	saved       []domain.Record
	failures    map[int64]int
	quarantined map[int64]int
	failed      []int64
	published   []domain.Record
	requeued    []domain.Record
	held        []domain.Record

	countPendingErr error
}

var _ ports.RecordRepository = (*fakeRepo)(nil)

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		failures:    map[int64]int{},
		quarantined: map[int64]int{},
	}
}

func (f *fakeRepo) SelectForRewrite(_ context.Context, _ time.Time, limit int) ([]domain.Record, error) {
	if limit < len(f.rewriteQueue) {
		return f.rewriteQueue[:limit], nil
	}
	return f.rewriteQueue, nil
}

func (f *fakeRepo) SelectForAudit(_ context.Context, limit int) ([]domain.Record, error) {
	if limit < len(f.auditQueue) {
		return f.auditQueue[:limit], nil
	}
	return f.auditQueue, nil
}

func (f *fakeRepo) SelectStalePass(_ context.Context, _ time.Time, limit int) ([]domain.Record, error) {
	if limit < len(f.staleQueue) {
		return f.staleQueue[:limit], nil
	}
	return f.staleQueue, nil
}

func (f *fakeRepo) CountPending(_ context.Context) (int, error) {
	return f.pending, f.countPendingErr
}

func (f *fakeRepo) SaveRewrite(_ context.Context, rec domain.Record) error {
	rec.Status = domain.StatusPending
	rec.AuditStatus = domain.AuditStatusNeedsAudit
	rec.LastAuditedHash = ""
	rec.RewriteFailures = 0
	rec.QuarantinedAt = nil
	rec.QuarantineCycles = 0
	f.saved = append(f.saved, rec)
	return nil
}

func (f *fakeRepo) RecordRewriteFailure(_ context.Context, id int64, failures int) error {
	f.failures[id] = failures
	return nil
}

func (f *fakeRepo) Quarantine(_ context.Context, id int64, _ time.Time, cycles int) error {
	f.quarantined[id] = cycles
	return nil
}

func (f *fakeRepo) MarkFailed(_ context.Context, id int64) error {
	f.failed = append(f.failed, id)
	return nil
}

func (f *fakeRepo) ApplyAuditPass(_ context.Context, rec domain.Record) error {
	rec.Status = domain.StatusPublished
	rec.AuditStatus = domain.AuditStatusPass
	rec.LastAuditedHash = rec.RewrittenHash
	f.published = append(f.published, rec)
	return nil
}

func (f *fakeRepo) RequeueForRewrite(_ context.Context, rec domain.Record) error {
	rec.RewrittenText = ""
	rec.RewrittenHash = ""
	rec.Status = domain.StatusPending
	rec.AuditStatus = domain.AuditStatusFlagged
	f.requeued = append(f.requeued, rec)
	return nil
}

func (f *fakeRepo) HoldForReview(_ context.Context, rec domain.Record) error {
	rec.AuditStatus = domain.AuditStatusAdminReview
	f.held = append(f.held, rec)
	return nil
}

// fakeBudget approves or refuses reservations and tracks the ledger.
type fakeBudget struct {
	headroom  int
	reserved  int
	released  int
	actual    int
	peeks     int
	resetSecs int
}

var _ ports.TokenBudget = (*fakeBudget)(nil)

func (f *fakeBudget) Peek(_ context.Context, estimate int, _ string) (bool, error) {
	f.peeks++
	return estimate <= f.headroom, nil
}

func (f *fakeBudget) Reserve(_ context.Context, estimate int, _ string) (bool, error) {
	if estimate > f.headroom {
		return false, nil
	}
	f.headroom -= estimate
	f.reserved += estimate
	return true, nil
}

func (f *fakeBudget) Release(_ context.Context, estimate int, _ string) error {
	f.headroom += estimate
	f.released += estimate
	return nil
}

func (f *fakeBudget) RecordActual(_ context.Context, actual, _ int, _ string) error {
	f.actual += actual
	return nil
}

func (f *fakeBudget) SecondsUntilReset(_ context.Context) (int, error) {
	return f.resetSecs, nil
}

// fakeChat returns queued responses or a fixed error.
type fakeChat struct {
	responses []ports.ChatResult
	err       error
	calls     int
	requests  []ports.ChatRequest
}

var _ ports.ChatCompleter = (*fakeChat)(nil)

func (f *fakeChat) Complete(_ context.Context, req ports.ChatRequest) (ports.ChatResult, error) {
	f.calls++
	f.requests = append(f.requests, req)
	if f.err != nil {
		return ports.ChatResult{}, f.err
	}
	if len(f.responses) == 0 {
		return ports.ChatResult{}, fmt.Errorf("fakeChat: no responses queued")
	}
	res := f.responses[0]
	if len(f.responses) > 1 {
		f.responses = f.responses[1:]
	}
	return res, nil
}

// fakeLocks is an in-memory LockRepository.
type fakeLocks struct {
	locks map[string]ports.Lock
	now   func() time.Time
}

var _ ports.LockRepository = (*fakeLocks)(nil)

func newFakeLocks(now func() time.Time) *fakeLocks {
	return &fakeLocks{locks: map[string]ports.Lock{}, now: now}
}

func (f *fakeLocks) Acquire(_ context.Context, name, owner string, ttl time.Duration) (bool, error) {
	existing, ok := f.locks[name]
	if ok && existing.ExpiresAt.After(f.now()) && existing.Owner != owner {
		return false, nil
	}
	f.locks[name] = ports.Lock{
		Name:      name,
		Owner:     owner,
		ExpiresAt: f.now().Add(ttl),
		TouchedAt: f.now(),
	}
	return true, nil
}

func (f *fakeLocks) Release(_ context.Context, name, owner string) error {
	if existing, ok := f.locks[name]; ok && existing.Owner == owner {
		delete(f.locks, name)
	}
	return nil
}

func (f *fakeLocks) Get(_ context.Context, name string) (*ports.Lock, error) {
	if lock, ok := f.locks[name]; ok {
		return &lock, nil
	}
	return nil, nil
}
