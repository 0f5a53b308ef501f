package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/timetable-api/internal/models"
)

// ModuleRepository provides persistence for modules and their hour quotas.
type ModuleRepository struct {
	db *sqlx.DB
}

// NewModuleRepository creates a new module repository.
func NewModuleRepository(db *sqlx.DB) *ModuleRepository {
	return &ModuleRepository{db: db}
}

func (r *ModuleRepository) exec(exec sqlx.ExtContext) sqlx.ExtContext {
	if exec != nil {
		return exec
	}
	return r.db
}

// List returns modules in curriculum order.
func (r *ModuleRepository) List(ctx context.Context) ([]models.Module, error) {
	const query = `SELECT id, name, per_specialty, position, created_at, updated_at FROM modules ORDER BY position ASC, id ASC`
	var modules []models.Module
	if err := r.db.SelectContext(ctx, &modules, query); err != nil {
		return nil, fmt.Errorf("list modules: %w", err)
	}
	return modules, nil
}

// ListQuotas returns the hour quotas of every module for a session.
func (r *ModuleRepository) ListQuotas(ctx context.Context, sessionID string) ([]models.ModuleQuota, error) {
	const query = `SELECT module_id, session_id, specialty_id, hours FROM module_quotas WHERE session_id = $1 ORDER BY module_id ASC, specialty_id ASC`
	var quotas []models.ModuleQuota
	if err := r.db.SelectContext(ctx, &quotas, query, sessionID); err != nil {
		return nil, fmt.Errorf("list module quotas: %w", err)
	}
	return quotas, nil
}

// Upsert inserts or updates modules.
func (r *ModuleRepository) Upsert(ctx context.Context, exec sqlx.ExtContext, modules []models.Module) error {
	target := r.exec(exec)
	now := time.Now().UTC()

	const query = `
INSERT INTO modules (id, name, per_specialty, position, created_at, updated_at)
VALUES (:id, :name, :per_specialty, :position, :created_at, :updated_at)
ON CONFLICT (id) DO UPDATE
SET name = EXCLUDED.name,
    per_specialty = EXCLUDED.per_specialty,
    position = EXCLUDED.position,
    updated_at = EXCLUDED.updated_at`

	for i := range modules {
		row := &modules[i]
		if row.CreatedAt.IsZero() {
			row.CreatedAt = now
		}
		row.UpdatedAt = now
		if _, err := sqlx.NamedExecContext(ctx, target, query, row); err != nil {
			return fmt.Errorf("upsert module %s: %w", row.ID, err)
		}
	}
	return nil
}

// UpsertQuotas inserts or updates hour quotas.
func (r *ModuleRepository) UpsertQuotas(ctx context.Context, exec sqlx.ExtContext, quotas []models.ModuleQuota) error {
	target := r.exec(exec)

	const query = `
INSERT INTO module_quotas (module_id, session_id, specialty_id, hours)
VALUES (:module_id, :session_id, :specialty_id, :hours)
ON CONFLICT (module_id, session_id, specialty_id) DO UPDATE
SET hours = EXCLUDED.hours`

	for i := range quotas {
		if _, err := sqlx.NamedExecContext(ctx, target, query, &quotas[i]); err != nil {
			return fmt.Errorf("upsert module quota %s/%s: %w", quotas[i].ModuleID, quotas[i].SessionID, err)
		}
	}
	return nil
}
