package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/timetable-api/internal/models"
)

// SpecialtyRepository provides persistence for specialties.
type SpecialtyRepository struct {
	db *sqlx.DB
}

// NewSpecialtyRepository creates a new specialty repository.
func NewSpecialtyRepository(db *sqlx.DB) *SpecialtyRepository {
	return &SpecialtyRepository{db: db}
}

func (r *SpecialtyRepository) exec(exec sqlx.ExtContext) sqlx.ExtContext {
	if exec != nil {
		return exec
	}
	return r.db
}

// List returns specialties in roster order.
func (r *SpecialtyRepository) List(ctx context.Context) ([]models.Specialty, error) {
	const query = `SELECT id, name, groups_count, position, created_at, updated_at FROM specialties ORDER BY position ASC, id ASC`
	var specialties []models.Specialty
	if err := r.db.SelectContext(ctx, &specialties, query); err != nil {
		return nil, fmt.Errorf("list specialties: %w", err)
	}
	return specialties, nil
}

// Upsert inserts or updates specialties.
func (r *SpecialtyRepository) Upsert(ctx context.Context, exec sqlx.ExtContext, specialties []models.Specialty) error {
	target := r.exec(exec)
	now := time.Now().UTC()

	const query = `
INSERT INTO specialties (id, name, groups_count, position, created_at, updated_at)
VALUES (:id, :name, :groups_count, :position, :created_at, :updated_at)
ON CONFLICT (id) DO UPDATE
SET name = EXCLUDED.name,
    groups_count = EXCLUDED.groups_count,
    position = EXCLUDED.position,
    updated_at = EXCLUDED.updated_at`

	for i := range specialties {
		row := &specialties[i]
		if row.CreatedAt.IsZero() {
			row.CreatedAt = now
		}
		row.UpdatedAt = now
		if _, err := sqlx.NamedExecContext(ctx, target, query, row); err != nil {
			return fmt.Errorf("upsert specialty %s: %w", row.ID, err)
		}
	}
	return nil
}
