package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/timetable-api/internal/models"
)

// SessionRepository provides sessions and their working-day calendars.
type SessionRepository struct {
	db *sqlx.DB
}

// NewSessionRepository creates a new session repository.
func NewSessionRepository(db *sqlx.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

func (r *SessionRepository) exec(exec sqlx.ExtContext) sqlx.ExtContext {
	if exec != nil {
		return exec
	}
	return r.db
}

// FindByID loads a session by id.
func (r *SessionRepository) FindByID(ctx context.Context, id string) (*models.Session, error) {
	const query = `SELECT id, start_date, end_date, hours_per_day, active_days, reserved_days, created_at, updated_at FROM sessions WHERE id = $1`
	var session models.Session
	if err := r.db.GetContext(ctx, &session, query, id); err != nil {
		return nil, err
	}
	return &session, nil
}

// ListDays returns the working days of a session in date order.
func (r *SessionRepository) ListDays(ctx context.Context, sessionID string) ([]models.SessionDay, error) {
	const query = `SELECT session_id, day_date, is_short FROM session_days WHERE session_id = $1 ORDER BY day_date ASC`
	var days []models.SessionDay
	if err := r.db.SelectContext(ctx, &days, query, sessionID); err != nil {
		return nil, fmt.Errorf("list session days: %w", err)
	}
	return days, nil
}

// Upsert inserts or updates a session.
func (r *SessionRepository) Upsert(ctx context.Context, exec sqlx.ExtContext, session *models.Session) error {
	now := time.Now().UTC()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = now

	const query = `
INSERT INTO sessions (id, start_date, end_date, hours_per_day, active_days, reserved_days, created_at, updated_at)
VALUES (:id, :start_date, :end_date, :hours_per_day, :active_days, :reserved_days, :created_at, :updated_at)
ON CONFLICT (id) DO UPDATE
SET start_date = EXCLUDED.start_date,
    end_date = EXCLUDED.end_date,
    hours_per_day = EXCLUDED.hours_per_day,
    active_days = EXCLUDED.active_days,
    reserved_days = EXCLUDED.reserved_days,
    updated_at = EXCLUDED.updated_at`

	if _, err := sqlx.NamedExecContext(ctx, r.exec(exec), query, session); err != nil {
		return fmt.Errorf("upsert session %s: %w", session.ID, err)
	}
	return nil
}

// ReplaceDays rewrites the calendar of a session.
func (r *SessionRepository) ReplaceDays(ctx context.Context, exec sqlx.ExtContext, sessionID string, days []models.SessionDay) error {
	target := r.exec(exec)
	if _, err := target.ExecContext(ctx, `DELETE FROM session_days WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("clear session days: %w", err)
	}

	const query = `INSERT INTO session_days (session_id, day_date, is_short) VALUES (:session_id, :day_date, :is_short)`
	for i := range days {
		day := &days[i]
		day.SessionID = sessionID
		if _, err := sqlx.NamedExecContext(ctx, target, query, day); err != nil {
			return fmt.Errorf("insert session day: %w", err)
		}
	}
	return nil
}
