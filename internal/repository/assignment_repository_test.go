package repository

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/timetable-api/internal/models"
)

var assignmentRowColumns = []string{"id", "session_id", "group_id", "module_id", "trainer_slot_key", "day_index", "hour", "day_date", "created_at"}

func TestAssignmentRepositoryListFiltersAndPaginates(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewAssignmentRepository(db)

	day := time.Date(2025, 9, 1, 0, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows(assignmentRowColumns).
		AddRow(int64(1), "s1", "s1", "2", "m2-t1", 0, 0, day, time.Now())
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, session_id, group_id, module_id, trainer_slot_key, day_index, hour, day_date, created_at FROM timetable_assignments WHERE 1=1 AND session_id = $1 AND trainer_slot_key = $2 ORDER BY day_index ASC, hour ASC, group_id ASC LIMIT 50 OFFSET 50")).
		WithArgs("s1", "m2-t1").
		WillReturnRows(rows)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM timetable_assignments WHERE 1=1 AND session_id = $1 AND trainer_slot_key = $2")).
		WithArgs("s1", "m2-t1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(51))

	items, total, err := repo.List(context.Background(), models.AssignmentFilter{SessionID: "s1", TrainerSlotKey: "m2-t1", Page: 2, PageSize: 50})
	require.NoError(t, err)
	assert.Len(t, items, 1)
	assert.Equal(t, 51, total)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAssignmentRepositoryListExcludingSession(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewAssignmentRepository(db)

	rows := sqlmock.NewRows(assignmentRowColumns).
		AddRow(int64(7), "s0", "a1", "1", "m1-a-t1", 0, 0, time.Now(), time.Now())
	mock.ExpectQuery(regexp.QuoteMeta("FROM timetable_assignments WHERE session_id <> $1 ORDER BY day_date ASC, id ASC")).
		WithArgs("s1").
		WillReturnRows(rows)

	items, err := repo.ListExcludingSession(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "m1-a-t1", items[0].TrainerSlotKey)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAssignmentRepositoryReplaceSessionBatchesRows(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewAssignmentRepository(db)

	day := time.Date(2025, 9, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM timetable_assignments WHERE session_id = $1")).
		WithArgs("s1").
		WillReturnResult(sqlmock.NewResult(0, 4))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO timetable_assignments")).
		WithArgs(
			"s1", "a1", "1", "m1-a-t1", 0, 0, day,
			"s1", "a1", "revision", "", 0, 1, day,
		).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	tx, err := db.BeginTxx(context.Background(), nil)
	require.NoError(t, err)
	err = repo.ReplaceSession(context.Background(), tx, "s1", []models.Assignment{
		{SessionID: "s1", GroupID: "a1", ModuleID: "1", TrainerSlotKey: "m1-a-t1", DayIndex: 0, Hour: 0, DayDate: day},
		{SessionID: "s1", GroupID: "a1", ModuleID: "revision", DayIndex: 0, Hour: 1, DayDate: day},
	})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAssignmentRepositoryReplaceSessionPropagatesErrors(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewAssignmentRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM timetable_assignments")).
		WithArgs("s1").
		WillReturnError(errors.New("boom"))

	err := repo.ReplaceSession(context.Background(), nil, "s1", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "clear session assignments")
	assert.NoError(t, mock.ExpectationsWereMet())
}
