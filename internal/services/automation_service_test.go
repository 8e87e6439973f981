package services

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/compliance-trace/backend/internal/apperrors"
	"github.com/compliance-trace/backend/internal/config"
	"github.com/compliance-trace/backend/internal/events"
	"github.com/compliance-trace/backend/internal/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type fakeRunStore struct {
	mu   sync.Mutex
	runs map[uuid.UUID]*models.AutomationRun
}

func newFakeRunStore() *fakeRunStore {
	return &fakeRunStore{runs: map[uuid.UUID]*models.AutomationRun{}}
}

func (f *fakeRunStore) seed(status string, age time.Duration) *models.AutomationRun {
	f.mu.Lock()
	defer f.mu.Unlock()
	run := &models.AutomationRun{
		RunID:     uuid.New(),
		RunType:   models.RunTypeDailyCycle,
		Status:    status,
		ActorID:   "system.scheduler",
		CreatedAt: time.Now().UTC().Add(-age),
	}
	if status == models.RunStatusRunning {
		started := run.CreatedAt
		run.StartedAt = &started
	}
	f.runs[run.RunID] = run
	cp := *run
	return &cp
}

func (f *fakeRunStore) insert(runType, actorID, status string) (*models.AutomationRun, error) {
	for _, r := range f.runs {
		if r.RunType == runType && !models.IsTerminalRunStatus(r.Status) {
			return nil, apperrors.Conflictf("%s already active", runType)
		}
	}
	now := time.Now().UTC()
	run := &models.AutomationRun{
		RunID:     uuid.New(),
		RunType:   runType,
		Status:    status,
		ActorID:   actorID,
		CreatedAt: now,
	}
	if status == models.RunStatusRunning {
		run.StartedAt = &now
	}
	f.runs[run.RunID] = run
	cp := *run
	return &cp, nil
}

func (f *fakeRunStore) Start(_ context.Context, runType, actorID string) (*models.AutomationRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.insert(runType, actorID, models.RunStatusRunning)
}

func (f *fakeRunStore) Enqueue(_ context.Context, runType, actorID string) (*models.AutomationRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.insert(runType, actorID, models.RunStatusQueued)
}

func (f *fakeRunStore) MarkRunning(_ context.Context, runID uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[runID]
	if !ok || run.Status != models.RunStatusQueued {
		return false, nil
	}
	now := time.Now().UTC()
	run.Status = models.RunStatusRunning
	run.StartedAt = &now
	return true, nil
}

func (f *fakeRunStore) Complete(_ context.Context, runID uuid.UUID, summary json.RawMessage) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[runID]
	if !ok || run.Status != models.RunStatusRunning {
		return false, nil
	}
	now := time.Now().UTC()
	run.Status = models.RunStatusCompleted
	run.CompletedAt = &now
	run.Summary = summary
	return true, nil
}

func (f *fakeRunStore) Fail(_ context.Context, runID uuid.UUID, errorMessage string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[runID]
	if !ok || models.IsTerminalRunStatus(run.Status) {
		return false, nil
	}
	now := time.Now().UTC()
	run.Status = models.RunStatusFailed
	run.CompletedAt = &now
	run.ErrorMessage = &errorMessage
	return true, nil
}

func (f *fakeRunStore) ReapStuck(_ context.Context, timeoutMinutes int, errorMessage string) ([]models.AutomationRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cutoff := time.Now().UTC().Add(-time.Duration(timeoutMinutes) * time.Minute)
	var reaped []models.AutomationRun
	for _, run := range f.runs {
		stuckRunning := run.Status == models.RunStatusRunning && run.StartedAt != nil && run.StartedAt.Before(cutoff)
		stuckQueued := run.Status == models.RunStatusQueued && run.CreatedAt.Before(cutoff)
		if !stuckRunning && !stuckQueued {
			continue
		}
		now := time.Now().UTC()
		run.Status = models.RunStatusFailed
		run.CompletedAt = &now
		if run.ErrorMessage == nil {
			msg := errorMessage
			run.ErrorMessage = &msg
		}
		reaped = append(reaped, *run)
	}
	return reaped, nil
}

func (f *fakeRunStore) ListQueued(_ context.Context, runType string) ([]models.AutomationRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var queued []models.AutomationRun
	for _, run := range f.runs {
		if run.RunType == runType && run.Status == models.RunStatusQueued {
			queued = append(queued, *run)
		}
	}
	return queued, nil
}

func (f *fakeRunStore) GetByID(_ context.Context, runID uuid.UUID) (*models.AutomationRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[runID]
	if !ok {
		return nil, apperrors.NotFoundf("automation run %s", runID)
	}
	cp := *run
	return &cp, nil
}

func (f *fakeRunStore) GetActive(_ context.Context, runType string) (*models.AutomationRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, run := range f.runs {
		if run.RunType == runType && !models.IsTerminalRunStatus(run.Status) {
			cp := *run
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeRunStore) GetLast(_ context.Context, runType string) (*models.AutomationRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var last *models.AutomationRun
	for _, run := range f.runs {
		if run.RunType != runType {
			continue
		}
		if last == nil || run.CreatedAt.After(last.CreatedAt) {
			last = run
		}
	}
	if last == nil {
		return nil, nil
	}
	cp := *last
	return &cp, nil
}

func (f *fakeRunStore) List(_ context.Context, limit int) ([]models.AutomationRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var runs []models.AutomationRun
	for _, run := range f.runs {
		if len(runs) == limit {
			break
		}
		runs = append(runs, *run)
	}
	return runs, nil
}

type fakeAuditor struct {
	mu      sync.Mutex
	actions []string
	failOn  string
}

func (a *fakeAuditor) Append(_ context.Context, _, actionType, _, _ string, _ any) (*models.AuditEvent, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failOn != "" && actionType == a.failOn {
		return nil, errors.New("ledger unavailable")
	}
	a.actions = append(a.actions, actionType)
	return &models.AuditEvent{EventID: uuid.New(), ActionType: actionType}, nil
}

func (a *fakeAuditor) recorded() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.actions...)
}

func (a *fakeAuditor) has(actionType string) bool {
	for _, got := range a.recorded() {
		if got == actionType {
			return true
		}
	}
	return false
}

type fakePublisher struct {
	mu    sync.Mutex
	types []string
}

func (p *fakePublisher) Publish(_ context.Context, _ string, event events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.types = append(p.types, event.Type)
	return nil
}

func newTestAutomation(store *fakeRunStore, audit *fakeAuditor) *AutomationService {
	cfg := &config.Config{AppendMaxRetries: 3, WatchdogTimeoutMinutes: 120}
	return NewAutomationService(store, audit, &fakePublisher{}, cfg, zap.NewNop())
}

func TestRunDailyExecutesSteps(t *testing.T) {
	store := newFakeRunStore()
	audit := &fakeAuditor{}
	svc := newTestAutomation(store, audit)
	svc.RegisterStep(Step{
		Name: "noop",
		Run: func(context.Context) (map[string]any, error) {
			return map[string]any{"rows": 1}, nil
		},
	})

	run, err := svc.RunDaily(context.Background(), "ops.scheduler")
	if err != nil {
		t.Fatalf("RunDaily: %v", err)
	}
	if run.Status != models.RunStatusCompleted {
		t.Errorf("status = %q, want completed", run.Status)
	}
	if !audit.has(models.ActionRunStepDone) || !audit.has(models.ActionRunCompleted) {
		t.Errorf("audited actions = %v, want step and completion entries", audit.recorded())
	}
}

func TestRunDailyRejectsConcurrentRun(t *testing.T) {
	store := newFakeRunStore()
	store.seed(models.RunStatusRunning, 0)
	svc := newTestAutomation(store, &fakeAuditor{})

	if _, err := svc.RunDaily(context.Background(), "ops.scheduler"); !errors.Is(err, apperrors.ErrConflict) {
		t.Errorf("err = %v, want conflict", err)
	}
}

func TestRunDailyStepFailureFailsRun(t *testing.T) {
	store := newFakeRunStore()
	audit := &fakeAuditor{}
	svc := newTestAutomation(store, audit)
	svc.RegisterStep(Step{
		Name: "broken",
		Run: func(context.Context) (map[string]any, error) {
			return nil, errors.New("boom")
		},
	})

	run, err := svc.RunDaily(context.Background(), "ops.scheduler")
	if err != nil {
		t.Fatalf("RunDaily: %v", err)
	}
	if run.Status != models.RunStatusFailed {
		t.Errorf("status = %q, want failed", run.Status)
	}
	if run.ErrorMessage == nil || *run.ErrorMessage != "boom" {
		t.Errorf("error message = %v, want boom", run.ErrorMessage)
	}
	if !audit.has(models.ActionRunFailed) {
		t.Errorf("audited actions = %v, want a failure entry", audit.recorded())
	}
}

func TestStartWorkerPicksUpLeftoverQueuedRun(t *testing.T) {
	store := newFakeRunStore()
	audit := &fakeAuditor{}
	svc := newTestAutomation(store, audit)
	svc.RegisterStep(Step{
		Name: "noop",
		Run: func(context.Context) (map[string]any, error) {
			return map[string]any{}, nil
		},
	})

	// A queued row from a process that died before any worker picked it up.
	orphan := store.seed(models.RunStatusQueued, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.StartWorker(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for {
		got, err := store.GetByID(ctx, orphan.RunID)
		if err != nil {
			t.Fatalf("GetByID: %v", err)
		}
		if got.Status == models.RunStatusCompleted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("orphaned queued run never executed, status %q", got.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRunDailyAsyncFailsRunWhenQueueFull(t *testing.T) {
	store := newFakeRunStore()
	svc := newTestAutomation(store, &fakeAuditor{})
	for i := 0; i < cap(svc.queue); i++ {
		svc.queue <- uuid.New()
	}

	_, err := svc.RunDailyAsync(context.Background(), "ops.scheduler")
	if !errors.Is(err, apperrors.ErrConflict) {
		t.Fatalf("err = %v, want conflict", err)
	}

	// The accepted row must not hold the single-flight slot.
	active, err := store.GetActive(context.Background(), models.RunTypeDailyCycle)
	if err != nil {
		t.Fatalf("GetActive: %v", err)
	}
	if active != nil {
		t.Errorf("active run = %+v, want none after a rejected trigger", active)
	}
}

func TestMarkStuckFailedReapsStaleQueuedRun(t *testing.T) {
	store := newFakeRunStore()
	audit := &fakeAuditor{}
	svc := newTestAutomation(store, audit)

	stale := store.seed(models.RunStatusQueued, 3*time.Hour)

	ids, err := svc.MarkStuckFailed(context.Background(), 120, "system.watchdog")
	if err != nil {
		t.Fatalf("MarkStuckFailed: %v", err)
	}
	if len(ids) != 1 || ids[0] != stale.RunID {
		t.Fatalf("ids = %v, want [%s]", ids, stale.RunID)
	}

	got, err := store.GetByID(context.Background(), stale.RunID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Status != models.RunStatusFailed {
		t.Errorf("status = %q, want failed", got.Status)
	}
	if !audit.has(models.ActionRunMarkedStuck) {
		t.Errorf("audited actions = %v, want a marked-stuck entry", audit.recorded())
	}
}

func TestMarkStuckFailedValidatesTimeout(t *testing.T) {
	svc := newTestAutomation(newFakeRunStore(), &fakeAuditor{})
	if _, err := svc.MarkStuckFailed(context.Background(), 0, "system.watchdog"); !errors.Is(err, apperrors.ErrValidation) {
		t.Errorf("err = %v, want validation error", err)
	}
}
