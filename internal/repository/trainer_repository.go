package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/timetable-api/internal/models"
)

// TrainerRepository provides persistence for trainer pools and slot names.
type TrainerRepository struct {
	db *sqlx.DB
}

// NewTrainerRepository creates a new trainer repository.
func NewTrainerRepository(db *sqlx.DB) *TrainerRepository {
	return &TrainerRepository{db: db}
}

func (r *TrainerRepository) exec(exec sqlx.ExtContext) sqlx.ExtContext {
	if exec != nil {
		return exec
	}
	return r.db
}

// ListPools returns every configured trainer pool.
func (r *TrainerRepository) ListPools(ctx context.Context) ([]models.TrainerPool, error) {
	const query = `SELECT module_id, specialty_id, size FROM trainer_pools ORDER BY module_id ASC, specialty_id ASC`
	var pools []models.TrainerPool
	if err := r.db.SelectContext(ctx, &pools, query); err != nil {
		return nil, fmt.Errorf("list trainer pools: %w", err)
	}
	return pools, nil
}

// ListSlots returns display names and trainer ids keyed by slot.
func (r *TrainerRepository) ListSlots(ctx context.Context) ([]models.TrainerSlot, error) {
	const query = `SELECT slot_key, module_id, display_name, trainer_id FROM trainer_slots ORDER BY slot_key ASC`
	var slots []models.TrainerSlot
	if err := r.db.SelectContext(ctx, &slots, query); err != nil {
		return nil, fmt.Errorf("list trainer slots: %w", err)
	}
	return slots, nil
}

// UpsertPools inserts or updates pool sizes.
func (r *TrainerRepository) UpsertPools(ctx context.Context, exec sqlx.ExtContext, pools []models.TrainerPool) error {
	target := r.exec(exec)

	const query = `
INSERT INTO trainer_pools (module_id, specialty_id, size)
VALUES (:module_id, :specialty_id, :size)
ON CONFLICT (module_id, specialty_id) DO UPDATE
SET size = EXCLUDED.size`

	for i := range pools {
		if _, err := sqlx.NamedExecContext(ctx, target, query, &pools[i]); err != nil {
			return fmt.Errorf("upsert trainer pool %s: %w", pools[i].ModuleID, err)
		}
	}
	return nil
}

// UpsertSlots inserts or updates slot names and ids.
func (r *TrainerRepository) UpsertSlots(ctx context.Context, exec sqlx.ExtContext, slots []models.TrainerSlot) error {
	target := r.exec(exec)

	const query = `
INSERT INTO trainer_slots (slot_key, module_id, display_name, trainer_id)
VALUES (:slot_key, :module_id, :display_name, :trainer_id)
ON CONFLICT (slot_key) DO UPDATE
SET module_id = EXCLUDED.module_id,
    display_name = EXCLUDED.display_name,
    trainer_id = EXCLUDED.trainer_id`

	for i := range slots {
		if _, err := sqlx.NamedExecContext(ctx, target, query, &slots[i]); err != nil {
			return fmt.Errorf("upsert trainer slot %s: %w", slots[i].SlotKey, err)
		}
	}
	return nil
}
