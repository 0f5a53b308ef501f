package repository

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/timetable-api/internal/models"
)

var generationRunRowColumns = []string{"id", "session_id", "status", "seed", "commit_result", "attempts_used", "failure_kind", "failure_reason", "bottleneck_module_id", "proposal_id", "requested_by", "created_at", "started_at", "finished_at"}

func TestGenerationRunRepositoryCreateDefaults(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewGenerationRunRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO generation_runs")).
		WithArgs(sqlmock.AnyArg(), "s1", models.GenerationRunQueued, sqlmock.AnyArg(), true, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	run := &models.GenerationRun{SessionID: "s1", CommitResult: true}
	require.NoError(t, repo.Create(context.Background(), run))
	assert.NotEmpty(t, run.ID)
	assert.Equal(t, models.GenerationRunQueued, run.Status)
	assert.False(t, run.CreatedAt.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGenerationRunRepositoryListByStatus(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewGenerationRunRepository(db)

	rows := sqlmock.NewRows(generationRunRowColumns).
		AddRow("run-1", "s1", "QUEUED", int64(42), false, 0, nil, nil, nil, nil, "user-1", time.Now(), nil, nil)
	mock.ExpectQuery(regexp.QuoteMeta("FROM generation_runs WHERE status IN (?, ?) ORDER BY created_at ASC")).
		WithArgs(models.GenerationRunQueued, models.GenerationRunRunning).
		WillReturnRows(rows)

	runs, err := repo.ListByStatus(context.Background(), models.GenerationRunQueued, models.GenerationRunRunning)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.NotNil(t, runs[0].Seed)
	assert.Equal(t, int64(42), *runs[0].Seed)
	assert.False(t, runs[0].Terminal())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGenerationRunRepositoryMarkFailed(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewGenerationRunRepository(db)

	now := time.Now().UTC()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE generation_runs SET status = $1, attempts_used = $2, failure_kind = $3, failure_reason = $4, bottleneck_module_id = $5, finished_at = $6 WHERE id = $7")).
		WithArgs(models.GenerationRunFailed, 50, "INFEASIBLE_SESSION", "no feasible day", "2", now, "run-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.MarkFailed(context.Background(), "run-1", 50, "INFEASIBLE_SESSION", "no feasible day", "2", now)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGenerationRunRepositoryMarkRunningMissingRun(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewGenerationRunRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE generation_runs SET status = $1, started_at = $2 WHERE id = $3")).
		WithArgs(models.GenerationRunRunning, sqlmock.AnyArg(), "ghost").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.MarkRunning(context.Background(), "ghost", time.Now())
	assert.ErrorIs(t, err, sql.ErrNoRows)
	assert.NoError(t, mock.ExpectationsWereMet())
}
