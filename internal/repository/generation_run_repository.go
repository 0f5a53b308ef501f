package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/timetable-api/internal/models"
)

const generationRunColumns = `id, session_id, status, seed, commit_result, attempts_used, failure_kind, failure_reason, bottleneck_module_id, proposal_id, requested_by, created_at, started_at, finished_at`

// GenerationRunRepository tracks asynchronous generation runs.
type GenerationRunRepository struct {
	db *sqlx.DB
}

// NewGenerationRunRepository creates a new generation run repository.
func NewGenerationRunRepository(db *sqlx.DB) *GenerationRunRepository {
	return &GenerationRunRepository{db: db}
}

// Create stores a queued run.
func (r *GenerationRunRepository) Create(ctx context.Context, run *models.GenerationRun) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.Status == "" {
		run.Status = models.GenerationRunQueued
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}

	const query = `INSERT INTO generation_runs (id, session_id, status, seed, commit_result, requested_by, created_at)
VALUES (:id, :session_id, :status, :seed, :commit_result, :requested_by, :created_at)`
	if _, err := r.db.NamedExecContext(ctx, query, run); err != nil {
		return fmt.Errorf("create generation run: %w", err)
	}
	return nil
}

// FindByID loads a run by id.
func (r *GenerationRunRepository) FindByID(ctx context.Context, id string) (*models.GenerationRun, error) {
	query := `SELECT ` + generationRunColumns + ` FROM generation_runs WHERE id = $1`
	var run models.GenerationRun
	if err := r.db.GetContext(ctx, &run, query, id); err != nil {
		return nil, err
	}
	return &run, nil
}

// ListByStatus returns runs in the given states, oldest first.
func (r *GenerationRunRepository) ListByStatus(ctx context.Context, statuses ...models.GenerationRunStatus) ([]models.GenerationRun, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`SELECT `+generationRunColumns+` FROM generation_runs WHERE status IN (?) ORDER BY created_at ASC`, statuses)
	if err != nil {
		return nil, fmt.Errorf("build generation run query: %w", err)
	}
	var runs []models.GenerationRun
	if err := r.db.SelectContext(ctx, &runs, r.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list generation runs: %w", err)
	}
	return runs, nil
}

// MarkRunning flags a run as started.
func (r *GenerationRunRepository) MarkRunning(ctx context.Context, id string, at time.Time) error {
	const query = `UPDATE generation_runs SET status = $1, started_at = $2 WHERE id = $3`
	return r.update(ctx, "mark generation run running", query, models.GenerationRunRunning, at, id)
}

// MarkSucceeded records a finished run.
func (r *GenerationRunRepository) MarkSucceeded(ctx context.Context, id string, attempts int, proposalID string, at time.Time) error {
	const query = `UPDATE generation_runs SET status = $1, attempts_used = $2, proposal_id = $3, finished_at = $4 WHERE id = $5`
	return r.update(ctx, "mark generation run succeeded", query, models.GenerationRunSucceeded, attempts, proposalID, at, id)
}

// MarkFailed records a failed run with its diagnostics.
func (r *GenerationRunRepository) MarkFailed(ctx context.Context, id string, attempts int, kind, reason, bottleneck string, at time.Time) error {
	const query = `UPDATE generation_runs SET status = $1, attempts_used = $2, failure_kind = $3, failure_reason = $4, bottleneck_module_id = $5, finished_at = $6 WHERE id = $7`
	return r.update(ctx, "mark generation run failed", query, models.GenerationRunFailed, attempts, nullable(kind), nullable(reason), nullable(bottleneck), at, id)
}

func (r *GenerationRunRepository) update(ctx context.Context, op, query string, args ...interface{}) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if affected == 0 {
		return fmt.Errorf("%s: %w", op, sql.ErrNoRows)
	}
	return nil
}

func nullable(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}
