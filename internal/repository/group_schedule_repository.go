package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/timetable-api/internal/models"
)

// GroupScheduleRepository stores the persistent calendar of every group.
type GroupScheduleRepository struct {
	db *sqlx.DB
}

// NewGroupScheduleRepository creates a new group schedule repository.
func NewGroupScheduleRepository(db *sqlx.DB) *GroupScheduleRepository {
	return &GroupScheduleRepository{db: db}
}

func (r *GroupScheduleRepository) exec(exec sqlx.ExtContext) sqlx.ExtContext {
	if exec != nil {
		return exec
	}
	return r.db
}

// FindByGroup loads the calendar of one group.
func (r *GroupScheduleRepository) FindByGroup(ctx context.Context, groupID string) (*models.GroupSchedule, error) {
	const query = `SELECT group_id, days, updated_at FROM group_schedules WHERE group_id = $1`
	var schedule models.GroupSchedule
	if err := r.db.GetContext(ctx, &schedule, query, groupID); err != nil {
		return nil, err
	}
	return &schedule, nil
}

// ListForUpdate loads and locks the calendars of the given groups. Groups
// without a row get an empty one first, so two transactions committing the
// same new group serialize on its row instead of both merging against nothing.
func (r *GroupScheduleRepository) ListForUpdate(ctx context.Context, exec sqlx.ExtContext, groupIDs []string) ([]models.GroupSchedule, error) {
	if len(groupIDs) == 0 {
		return nil, nil
	}
	target := r.exec(exec)

	const seed = `INSERT INTO group_schedules (group_id) SELECT UNNEST($1::text[]) ON CONFLICT (group_id) DO NOTHING`
	if _, err := target.ExecContext(ctx, seed, pq.Array(groupIDs)); err != nil {
		return nil, fmt.Errorf("seed group schedules: %w", err)
	}

	const query = `SELECT group_id, days, updated_at FROM group_schedules WHERE group_id = ANY($1) ORDER BY group_id ASC FOR UPDATE`
	var schedules []models.GroupSchedule
	if err := sqlx.SelectContext(ctx, target, &schedules, query, pq.Array(groupIDs)); err != nil {
		return nil, fmt.Errorf("list group schedules for update: %w", err)
	}
	return schedules, nil
}

// UpsertBatch inserts or replaces group calendars.
func (r *GroupScheduleRepository) UpsertBatch(ctx context.Context, exec sqlx.ExtContext, schedules []models.GroupSchedule) error {
	if len(schedules) == 0 {
		return nil
	}
	target := r.exec(exec)
	now := time.Now().UTC()

	const query = `
INSERT INTO group_schedules (group_id, days, updated_at)
VALUES (:group_id, :days, :updated_at)
ON CONFLICT (group_id) DO UPDATE
SET days = EXCLUDED.days,
    updated_at = EXCLUDED.updated_at`

	for i := range schedules {
		row := &schedules[i]
		row.UpdatedAt = now
		if _, err := sqlx.NamedExecContext(ctx, target, query, row); err != nil {
			return fmt.Errorf("upsert group schedule %s: %w", row.GroupID, err)
		}
	}
	return nil
}
