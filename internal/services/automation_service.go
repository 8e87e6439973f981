package services

import (
	"context"
	"encoding/json"
	"time"

	"github.com/compliance-trace/backend/internal/apperrors"
	"github.com/compliance-trace/backend/internal/config"
	"github.com/compliance-trace/backend/internal/events"
	"github.com/compliance-trace/backend/internal/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// watchdogErrorMessage is the synthetic error recorded on reaped runs.
const watchdogErrorMessage = "exceeded timeout, marked stuck by watchdog"

// Step is one unit of work inside a run body. Each completed step appends
// an audit event; the step results are merged into the run summary.
// Domain collaborators plug their work in through this interface.
type Step struct {
	Name string
	Run  func(ctx context.Context) (map[string]any, error)
}

// runStore is the slice of RunRepo the coordinator needs.
type runStore interface {
	Start(ctx context.Context, runType, actorID string) (*models.AutomationRun, error)
	Enqueue(ctx context.Context, runType, actorID string) (*models.AutomationRun, error)
	MarkRunning(ctx context.Context, runID uuid.UUID) (bool, error)
	Complete(ctx context.Context, runID uuid.UUID, summary json.RawMessage) (bool, error)
	Fail(ctx context.Context, runID uuid.UUID, errorMessage string) (bool, error)
	ReapStuck(ctx context.Context, timeoutMinutes int, errorMessage string) ([]models.AutomationRun, error)
	ListQueued(ctx context.Context, runType string) ([]models.AutomationRun, error)
	GetByID(ctx context.Context, runID uuid.UUID) (*models.AutomationRun, error)
	GetActive(ctx context.Context, runType string) (*models.AutomationRun, error)
	GetLast(ctx context.Context, runType string) (*models.AutomationRun, error)
	List(ctx context.Context, limit int) ([]models.AutomationRun, error)
}

// auditor is the slice of AuditService that records coordinator actions.
type auditor interface {
	Append(ctx context.Context, actorID, actionType, entityType, entityID string, payload any) (*models.AuditEvent, error)
}

// AutomationService coordinates exclusive automation runs. Exclusivity is
// enforced by the run store (partial unique index), not in-process state,
// so it holds across server instances. The HTTP layer only reads and
// writes the run store; the async run body executes on a worker goroutine.
type AutomationService struct {
	runRepo      runStore
	auditService auditor
	publisher    events.Publisher
	cfg          *config.Config
	log          *zap.Logger

	steps []Step
	queue chan uuid.UUID
}

func NewAutomationService(
	runRepo runStore,
	auditService auditor,
	publisher events.Publisher,
	cfg *config.Config,
	log *zap.Logger,
) *AutomationService {
	return &AutomationService{
		runRepo:      runRepo,
		auditService: auditService,
		publisher:    publisher,
		cfg:          cfg,
		log:          log,
		// Exclusivity allows at most one pending run per type, so a small
		// buffer can never fill up in practice.
		queue: make(chan uuid.UUID, 16),
	}
}

// RegisterStep appends a step to the daily cycle body. Call during wiring,
// before StartWorker.
func (s *AutomationService) RegisterStep(step Step) {
	s.steps = append(s.steps, step)
}

// StartWorker launches the goroutine that executes queued runs. Queued
// rows left behind by a previous process are re-fed first, so an accepted
// run survives a restart instead of holding the single-flight slot with
// no one to execute it.
func (s *AutomationService) StartWorker(ctx context.Context) {
	s.recoverQueued(ctx)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case runID := <-s.queue:
				s.pickUp(ctx, runID)
			}
		}
	}()
}

// recoverQueued re-feeds queued rows into the worker channel. The queue
// handle is in-process only; the store row is what survives a crash.
func (s *AutomationService) recoverQueued(ctx context.Context) {
	queued, err := s.runRepo.ListQueued(ctx, models.RunTypeDailyCycle)
	if err != nil {
		s.log.Error("failed to list queued runs", zap.Error(err))
		return
	}
	for _, run := range queued {
		select {
		case s.queue <- run.RunID:
			s.log.Info("requeued run from previous process", zap.String("run_id", run.RunID.String()))
		default:
			// The watchdog reaps it by created_at if no capacity frees up.
			s.log.Warn("no worker capacity to requeue run", zap.String("run_id", run.RunID.String()))
		}
	}
}

func (s *AutomationService) pickUp(ctx context.Context, runID uuid.UUID) {
	ok, err := s.runRepo.MarkRunning(ctx, runID)
	if err != nil {
		s.log.Error("failed to mark run running", zap.String("run_id", runID.String()), zap.Error(err))
		return
	}
	if !ok {
		// Picked up elsewhere or already reaped.
		s.log.Warn("queued run no longer queued", zap.String("run_id", runID.String()))
		return
	}

	run, err := s.runRepo.GetByID(ctx, runID)
	if err != nil {
		s.log.Error("failed to load run", zap.String("run_id", runID.String()), zap.Error(err))
		return
	}
	s.executeBody(ctx, run)
}

// RunDaily triggers the daily cycle synchronously: the run goes straight
// to running and the call returns after the body finishes. A concurrent
// active run yields a conflict error and changes nothing.
func (s *AutomationService) RunDaily(ctx context.Context, actorID string) (*models.AutomationRun, error) {
	run, err := s.runRepo.Start(ctx, models.RunTypeDailyCycle, actorID)
	if err != nil {
		return nil, err
	}

	s.publishRunStatus(ctx, run.RunID, models.RunStatusRunning)
	s.executeBody(ctx, run)
	return s.runRepo.GetByID(ctx, run.RunID)
}

// RunDailyAsync accepts the run (status queued) and returns immediately
// with the run handle; a worker picks it up. Duplicate triggers are
// rejected, never queued twice.
func (s *AutomationService) RunDailyAsync(ctx context.Context, actorID string) (*models.AutomationRun, error) {
	run, err := s.runRepo.Enqueue(ctx, models.RunTypeDailyCycle, actorID)
	if err != nil {
		return nil, err
	}

	select {
	case s.queue <- run.RunID:
		s.publishRunStatus(ctx, run.RunID, models.RunStatusQueued)
		return run, nil
	default:
		// No worker capacity; release the slot instead of queueing blind.
		_, _ = s.runRepo.Fail(ctx, run.RunID, "no worker available to accept the run")
		return nil, apperrors.Conflictf("no worker available, retry later")
	}
}

// executeBody walks the registered steps. Each finished step is audited;
// a step failure fails the run but already-appended step events stay in
// the ledger — the ledger records what happened, including partial
// failures.
func (s *AutomationService) executeBody(ctx context.Context, run *models.AutomationRun) {
	summary := map[string]any{}

	for _, step := range s.steps {
		result, err := step.Run(ctx)
		if err == nil {
			_, err = s.auditService.Append(ctx, run.ActorID, models.ActionRunStepDone, "automation_run", run.RunID.String(), map[string]any{
				"run_type": run.RunType,
				"step":     step.Name,
				"result":   result,
			})
		}
		if err != nil {
			s.failRun(ctx, run, step.Name, err)
			return
		}
		summary[step.Name] = result
	}

	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		s.failRun(ctx, run, "summary", err)
		return
	}

	ok, err := s.runRepo.Complete(ctx, run.RunID, summaryJSON)
	if err != nil {
		s.log.Error("failed to complete run", zap.String("run_id", run.RunID.String()), zap.Error(err))
		return
	}
	if !ok {
		// The watchdog reaped the run while it was finishing; its terminal
		// state stands.
		s.log.Warn("run no longer running at completion", zap.String("run_id", run.RunID.String()))
		return
	}

	if _, err := s.auditService.Append(ctx, run.ActorID, models.ActionRunCompleted, "automation_run", run.RunID.String(), map[string]any{
		"run_type": run.RunType,
		"summary":  summary,
	}); err != nil {
		s.log.Error("failed to audit run completion", zap.String("run_id", run.RunID.String()), zap.Error(err))
	}

	s.publishRunStatus(ctx, run.RunID, models.RunStatusCompleted)
	s.log.Info("automation run completed",
		zap.String("run_id", run.RunID.String()),
		zap.String("run_type", run.RunType),
	)
}

func (s *AutomationService) failRun(ctx context.Context, run *models.AutomationRun, stepName string, cause error) {
	ok, err := s.runRepo.Fail(ctx, run.RunID, cause.Error())
	if err != nil {
		s.log.Error("failed to fail run", zap.String("run_id", run.RunID.String()), zap.Error(err))
		return
	}
	if !ok {
		s.log.Warn("run no longer active at failure", zap.String("run_id", run.RunID.String()))
		return
	}

	if _, err := s.auditService.Append(ctx, run.ActorID, models.ActionRunFailed, "automation_run", run.RunID.String(), map[string]any{
		"run_type": run.RunType,
		"step":     stepName,
		"error":    cause.Error(),
	}); err != nil {
		s.log.Error("failed to audit run failure", zap.String("run_id", run.RunID.String()), zap.Error(err))
	}

	s.publishRunStatus(ctx, run.RunID, models.RunStatusFailed)
	s.log.Error("automation run failed",
		zap.String("run_id", run.RunID.String()),
		zap.String("step", stepName),
		zap.Error(cause),
	)
}

func (s *AutomationService) publishRunStatus(ctx context.Context, runID uuid.UUID, status string) {
	_ = s.publisher.Publish(ctx, events.StreamAutomation, events.Event{
		Type: events.EventRunStatusChanged,
		Payload: map[string]any{
			"run_id":   runID.String(),
			"run_type": models.RunTypeDailyCycle,
			"status":   status,
		},
	})
}

// AutomationStatus is the read-only introspection view.
type AutomationStatus struct {
	DailyCycleActive bool                  `json:"daily_cycle_active"`
	ActiveRun        *models.AutomationRun `json:"active_run,omitempty"`
	LastRun          *models.AutomationRun `json:"last_run,omitempty"`
}

func (s *AutomationService) Status(ctx context.Context) (*AutomationStatus, error) {
	active, err := s.runRepo.GetActive(ctx, models.RunTypeDailyCycle)
	if err != nil {
		return nil, apperrors.Storage("read active run", err)
	}
	last, err := s.runRepo.GetLast(ctx, models.RunTypeDailyCycle)
	if err != nil {
		return nil, apperrors.Storage("read last run", err)
	}
	return &AutomationStatus{
		DailyCycleActive: active != nil,
		ActiveRun:        active,
		LastRun:          last,
	}, nil
}

func (s *AutomationService) GetRun(ctx context.Context, runID uuid.UUID) (*models.AutomationRun, error) {
	return s.runRepo.GetByID(ctx, runID)
}

func (s *AutomationService) ListRuns(ctx context.Context, limit int) ([]models.AutomationRun, error) {
	return s.runRepo.List(ctx, limit)
}

// MarkStuckFailed reaps runs stuck in running past the timeout and audits
// each reaped run. Calling it again immediately reaps nothing new.
func (s *AutomationService) MarkStuckFailed(ctx context.Context, timeoutMinutes int, actorID string) ([]uuid.UUID, error) {
	if timeoutMinutes < 1 {
		return nil, apperrors.Validationf("timeout_minutes must be >= 1")
	}

	reaped, err := s.runRepo.ReapStuck(ctx, timeoutMinutes, watchdogErrorMessage)
	if err != nil {
		return nil, apperrors.Storage("reap stuck runs", err)
	}

	ids := make([]uuid.UUID, 0, len(reaped))
	for _, run := range reaped {
		ids = append(ids, run.RunID)

		payload := map[string]any{
			"run_type":        run.RunType,
			"timeout_minutes": timeoutMinutes,
		}
		if run.StartedAt != nil {
			payload["started_at"] = run.StartedAt.UTC().Format(time.RFC3339)
		} else {
			// Queued run that no worker ever picked up.
			payload["queued_at"] = run.CreatedAt.UTC().Format(time.RFC3339)
		}
		if _, err := s.auditService.Append(ctx, actorID, models.ActionRunMarkedStuck, "automation_run", run.RunID.String(), payload); err != nil {
			s.log.Error("failed to audit reaped run", zap.String("run_id", run.RunID.String()), zap.Error(err))
		}
		s.publishRunStatus(ctx, run.RunID, models.RunStatusFailed)

		s.log.Warn("run marked stuck by watchdog",
			zap.String("run_id", run.RunID.String()),
			zap.Int("timeout_minutes", timeoutMinutes),
		)
	}
	return ids, nil
}
