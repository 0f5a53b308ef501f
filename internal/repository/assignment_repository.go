package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/timetable-api/internal/models"
)

// assignmentInsertChunk bounds the rows sent in a single INSERT.
const assignmentInsertChunk = 500

const assignmentColumns = `id, session_id, group_id, module_id, trainer_slot_key, day_index, hour, day_date, created_at`

// AssignmentRepository persists the flat assignment fact table.
type AssignmentRepository struct {
	db *sqlx.DB
}

// NewAssignmentRepository creates a new assignment repository.
func NewAssignmentRepository(db *sqlx.DB) *AssignmentRepository {
	return &AssignmentRepository{db: db}
}

func (r *AssignmentRepository) exec(exec sqlx.ExtContext) sqlx.ExtContext {
	if exec != nil {
		return exec
	}
	return r.db
}

// ListBySession returns the rows of a session ordered by day, hour and group.
func (r *AssignmentRepository) ListBySession(ctx context.Context, sessionID string) ([]models.Assignment, error) {
	query := `SELECT ` + assignmentColumns + ` FROM timetable_assignments WHERE session_id = $1 ORDER BY day_index ASC, hour ASC, group_id ASC`
	var rows []models.Assignment
	if err := r.db.SelectContext(ctx, &rows, query, sessionID); err != nil {
		return nil, fmt.Errorf("list assignments by session: %w", err)
	}
	return rows, nil
}

// ListExcludingSession returns the rows of every other session, oldest first.
// They feed trainer continuity.
func (r *AssignmentRepository) ListExcludingSession(ctx context.Context, sessionID string) ([]models.Assignment, error) {
	query := `SELECT ` + assignmentColumns + ` FROM timetable_assignments WHERE session_id <> $1 ORDER BY day_date ASC, id ASC`
	var rows []models.Assignment
	if err := r.db.SelectContext(ctx, &rows, query, sessionID); err != nil {
		return nil, fmt.Errorf("list prior assignments: %w", err)
	}
	return rows, nil
}

// List returns assignments with optional filtering and pagination.
func (r *AssignmentRepository) List(ctx context.Context, filter models.AssignmentFilter) ([]models.Assignment, int, error) {
	base := "FROM timetable_assignments WHERE 1=1"
	var conditions []string
	var args []interface{}

	if filter.SessionID != "" {
		conditions = append(conditions, fmt.Sprintf("session_id = $%d", len(args)+1))
		args = append(args, filter.SessionID)
	}
	if filter.GroupID != "" {
		conditions = append(conditions, fmt.Sprintf("group_id = $%d", len(args)+1))
		args = append(args, filter.GroupID)
	}
	if filter.ModuleID != "" {
		conditions = append(conditions, fmt.Sprintf("module_id = $%d", len(args)+1))
		args = append(args, filter.ModuleID)
	}
	if filter.TrainerSlotKey != "" {
		conditions = append(conditions, fmt.Sprintf("trainer_slot_key = $%d", len(args)+1))
		args = append(args, filter.TrainerSlotKey)
	}
	if len(conditions) > 0 {
		base += " AND " + strings.Join(conditions, " AND ")
	}

	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 || size > 500 {
		size = 100
	}
	offset := (page - 1) * size

	query := fmt.Sprintf("SELECT %s %s ORDER BY day_index ASC, hour ASC, group_id ASC LIMIT %d OFFSET %d", assignmentColumns, base, size, offset)
	var rows []models.Assignment
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list assignments: %w", err)
	}

	var total int
	if err := r.db.GetContext(ctx, &total, fmt.Sprintf("SELECT COUNT(*) %s", base), args...); err != nil {
		return nil, 0, fmt.Errorf("count assignments: %w", err)
	}
	return rows, total, nil
}

// ReplaceSession deletes the rows of a session and inserts the given ones.
// Callers pass a transaction so the swap is atomic.
func (r *AssignmentRepository) ReplaceSession(ctx context.Context, exec sqlx.ExtContext, sessionID string, rows []models.Assignment) error {
	target := r.exec(exec)
	if _, err := target.ExecContext(ctx, `DELETE FROM timetable_assignments WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("clear session assignments: %w", err)
	}
	if len(rows) == 0 {
		return nil
	}

	const query = `INSERT INTO timetable_assignments (session_id, group_id, module_id, trainer_slot_key, day_index, hour, day_date)
VALUES (:session_id, :group_id, :module_id, :trainer_slot_key, :day_index, :hour, :day_date)`

	for start := 0; start < len(rows); start += assignmentInsertChunk {
		end := start + assignmentInsertChunk
		if end > len(rows) {
			end = len(rows)
		}
		if _, err := sqlx.NamedExecContext(ctx, target, query, rows[start:end]); err != nil {
			return fmt.Errorf("insert session assignments: %w", err)
		}
	}
	return nil
}
