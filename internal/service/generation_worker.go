package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/timetable-api/internal/dto"
	"github.com/noah-isme/timetable-api/internal/models"
	"github.com/noah-isme/timetable-api/internal/timetable"
	appErrors "github.com/noah-isme/timetable-api/pkg/errors"
	"github.com/noah-isme/timetable-api/pkg/jobs"
)

// GenerationJobType tags queue jobs that run a timetable generation.
const GenerationJobType = "timetable.generate"

type generationRunStore interface {
	Create(ctx context.Context, run *models.GenerationRun) error
	FindByID(ctx context.Context, id string) (*models.GenerationRun, error)
	ListByStatus(ctx context.Context, statuses ...models.GenerationRunStatus) ([]models.GenerationRun, error)
	MarkRunning(ctx context.Context, id string, at time.Time) error
	MarkSucceeded(ctx context.Context, id string, attempts int, proposalID string, at time.Time) error
	MarkFailed(ctx context.Context, id string, attempts int, kind, reason, bottleneck string, at time.Time) error
}

type jobDispatcher interface {
	Enqueue(job jobs.Job) error
}

// Enqueue records a generation run and hands it to the worker pool.
func (s *TimetableGeneratorService) Enqueue(ctx context.Context, req dto.GenerateTimetableRequest, requestedBy string) (*dto.GenerationRunResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid timetable generation payload")
	}
	if s.runs == nil || s.queue == nil {
		return nil, appErrors.Clone(appErrors.ErrPreconditionFailed, "asynchronous generation is disabled")
	}

	seed := s.seedFor(req.Seed)
	run := &models.GenerationRun{
		SessionID:    req.SessionID,
		Status:       models.GenerationRunQueued,
		Seed:         &seed,
		CommitResult: req.Commit,
	}
	if requestedBy != "" {
		run.RequestedBy = &requestedBy
	}
	if err := s.runs.Create(ctx, run); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create generation run")
	}
	if err := s.queue.Enqueue(jobs.Job{ID: run.ID, Type: GenerationJobType}); err != nil {
		now := time.Now().UTC()
		if markErr := s.runs.MarkFailed(ctx, run.ID, 0, "", "failed to enqueue run", "", now); markErr != nil {
			s.logger.Warn("failed to mark run failed", zap.String("run_id", run.ID), zap.Error(markErr))
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to enqueue generation run")
	}
	s.metrics.AddQueueDepth(1)
	return toRunResponse(run), nil
}

// RunStatus returns the state of a generation run.
func (s *TimetableGeneratorService) RunStatus(ctx context.Context, id string) (*dto.GenerationRunResponse, error) {
	if s.runs == nil {
		return nil, appErrors.Clone(appErrors.ErrPreconditionFailed, "asynchronous generation is disabled")
	}
	run, err := s.runs.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "generation run not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load generation run")
	}
	return toRunResponse(run), nil
}

// RecoverPendingRuns requeues runs left queued or running by a previous
// process.
func (s *TimetableGeneratorService) RecoverPendingRuns(ctx context.Context) int {
	if s.runs == nil || s.queue == nil {
		return 0
	}
	pending, err := s.runs.ListByStatus(ctx, models.GenerationRunQueued, models.GenerationRunRunning)
	if err != nil {
		s.logger.Sugar().Warnw("failed to recover generation runs", "error", err)
		return 0
	}
	requeued := 0
	for _, run := range pending {
		if err := s.queue.Enqueue(jobs.Job{ID: run.ID, Type: GenerationJobType}); err != nil {
			s.logger.Sugar().Warnw("failed to requeue generation run", "run_id", run.ID, "error", err)
			continue
		}
		s.metrics.AddQueueDepth(1)
		requeued++
	}
	if requeued > 0 {
		s.logger.Info("generation runs recovered", zap.Int("count", requeued))
	}
	return requeued
}

func toRunResponse(run *models.GenerationRun) *dto.GenerationRunResponse {
	return &dto.GenerationRunResponse{
		ID:                 run.ID,
		SessionID:          run.SessionID,
		Status:             string(run.Status),
		Seed:               run.Seed,
		Commit:             run.CommitResult,
		AttemptsUsed:       run.AttemptsUsed,
		FailureKind:        deref(run.FailureKind),
		FailureReason:      deref(run.FailureReason),
		BottleneckModuleID: deref(run.BottleneckModuleID),
		ProposalID:         deref(run.ProposalID),
		CreatedAt:          run.CreatedAt,
		StartedAt:          run.StartedAt,
		FinishedAt:         run.FinishedAt,
	}
}

func deref(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

// GenerationWorker bridges queue jobs to the generator.
type GenerationWorker struct {
	svc    *TimetableGeneratorService
	logger *zap.Logger
}

// NewGenerationWorker constructs a worker.
func NewGenerationWorker(svc *TimetableGeneratorService, logger *zap.Logger) *GenerationWorker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GenerationWorker{svc: svc, logger: logger}
}

// Handle processes a queue job. Scheduling failures are final and returned
// as permanent errors; infrastructure errors are retried by the queue.
func (w *GenerationWorker) Handle(ctx context.Context, job jobs.Job) error {
	svc := w.svc
	if job.Attempt == 0 {
		svc.metrics.AddQueueDepth(-1)
	}
	run, err := svc.runs.FindByID(ctx, job.ID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return jobs.Permanent(fmt.Errorf("generation run %s not found", job.ID))
		}
		return err
	}
	if run.Terminal() {
		return nil
	}
	if err := svc.runs.MarkRunning(ctx, run.ID, time.Now().UTC()); err != nil {
		return err
	}

	seed := svc.seedFor(run.Seed)
	requestedBy := deref(run.RequestedBy)
	proposal, err := svc.execute(ctx, run.SessionID, seed, requestedBy)
	if err != nil {
		var failure *timetable.SchedulingFailure
		if errors.As(err, &failure) {
			w.markFailed(ctx, run.ID, failure.Attempts, string(failure.Kind), failure.Reason, failure.BottleneckModuleID)
			return jobs.Permanent(err)
		}
		if appErrors.StatusOf(err) < 500 {
			appErr := appErrors.FromError(err)
			w.markFailed(ctx, run.ID, 0, appErr.Code, appErr.Message, "")
			return jobs.Permanent(err)
		}
		return err
	}

	if run.CommitResult {
		if _, err := svc.commitProposal(ctx, proposal); err != nil {
			return err
		}
		svc.store.Delete(ctx, proposal.ProposalID)
	}
	if err := svc.runs.MarkSucceeded(ctx, run.ID, proposal.Result.AttemptsUsed, proposal.ProposalID, time.Now().UTC()); err != nil {
		w.logger.Warn("failed to mark run succeeded", zap.String("run_id", run.ID), zap.Error(err))
		return err
	}
	return nil
}

// GiveUp marks runs whose retries ran out. Permanent failures are already
// recorded by Handle.
func (w *GenerationWorker) GiveUp(ctx context.Context, job jobs.Job, err error) {
	if jobs.IsPermanent(err) {
		return
	}
	w.markFailed(ctx, job.ID, 0, appErrors.ErrInternal.Code, err.Error(), "")
}

func (w *GenerationWorker) markFailed(ctx context.Context, runID string, attempts int, kind, reason, bottleneck string) {
	if err := w.svc.runs.MarkFailed(ctx, runID, attempts, kind, reason, bottleneck, time.Now().UTC()); err != nil {
		w.logger.Warn("failed to mark run failed", zap.String("run_id", runID), zap.Error(err))
	}
}
