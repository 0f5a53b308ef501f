package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/timetable-api/internal/dto"
	"github.com/noah-isme/timetable-api/internal/models"
	"github.com/noah-isme/timetable-api/internal/timetable"
	appErrors "github.com/noah-isme/timetable-api/pkg/errors"
	"github.com/noah-isme/timetable-api/pkg/jobs"
)

type specialtyStub struct {
	rows []models.Specialty
}

func (s specialtyStub) List(ctx context.Context) ([]models.Specialty, error) {
	return s.rows, nil
}

type moduleCatalogStub struct {
	modules []models.Module
	quotas  []models.ModuleQuota
}

func (s moduleCatalogStub) List(ctx context.Context) ([]models.Module, error) {
	return s.modules, nil
}

func (s moduleCatalogStub) ListQuotas(ctx context.Context, sessionID string) ([]models.ModuleQuota, error) {
	out := make([]models.ModuleQuota, 0, len(s.quotas))
	for _, quota := range s.quotas {
		if quota.SessionID == sessionID {
			out = append(out, quota)
		}
	}
	return out, nil
}

type trainerCatalogStub struct {
	pools []models.TrainerPool
	slots []models.TrainerSlot
}

func (s trainerCatalogStub) ListPools(ctx context.Context) ([]models.TrainerPool, error) {
	return s.pools, nil
}

func (s trainerCatalogStub) ListSlots(ctx context.Context) ([]models.TrainerSlot, error) {
	return s.slots, nil
}

type calendarStub struct {
	session *models.Session
	days    []models.SessionDay
}

func (s calendarStub) FindByID(ctx context.Context, id string) (*models.Session, error) {
	if s.session == nil || s.session.ID != id {
		return nil, sql.ErrNoRows
	}
	copied := *s.session
	return &copied, nil
}

func (s calendarStub) ListDays(ctx context.Context, sessionID string) ([]models.SessionDay, error) {
	return s.days, nil
}

type assignmentStoreStub struct {
	mu         sync.Mutex
	rows       []models.Assignment
	replaced   map[string][]models.Assignment
	replaceErr error
	filter     models.AssignmentFilter
}

func (s *assignmentStoreStub) ListBySession(ctx context.Context, sessionID string) ([]models.Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Assignment
	for _, row := range s.rows {
		if row.SessionID == sessionID {
			out = append(out, row)
		}
	}
	return out, nil
}

func (s *assignmentStoreStub) ListExcludingSession(ctx context.Context, sessionID string) ([]models.Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Assignment
	for _, row := range s.rows {
		if row.SessionID != sessionID {
			out = append(out, row)
		}
	}
	return out, nil
}

func (s *assignmentStoreStub) List(ctx context.Context, filter models.AssignmentFilter) ([]models.Assignment, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.filter = filter
	return s.rows, len(s.rows), nil
}

func (s *assignmentStoreStub) ReplaceSession(ctx context.Context, exec sqlx.ExtContext, sessionID string, rows []models.Assignment) error {
	if s.replaceErr != nil {
		return s.replaceErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.replaced == nil {
		s.replaced = make(map[string][]models.Assignment)
	}
	s.replaced[sessionID] = rows
	return nil
}

type groupStoreStub struct {
	mu        sync.Mutex
	rows      map[string]models.GroupSchedule
	locked    []string
	upsertErr error
}

func (s *groupStoreStub) FindByGroup(ctx context.Context, groupID string) (*models.GroupSchedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[groupID]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return &row, nil
}

func (s *groupStoreStub) ListForUpdate(ctx context.Context, exec sqlx.ExtContext, groupIDs []string) ([]models.GroupSchedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.locked = append([]string(nil), groupIDs...)
	if s.rows == nil {
		s.rows = make(map[string]models.GroupSchedule)
	}
	out := make([]models.GroupSchedule, 0, len(groupIDs))
	for _, id := range groupIDs {
		row, ok := s.rows[id]
		if !ok {
			row = models.GroupSchedule{GroupID: id, Days: types.JSONText(`[]`)}
			s.rows[id] = row
		}
		out = append(out, row)
	}
	return out, nil
}

func (s *groupStoreStub) UpsertBatch(ctx context.Context, exec sqlx.ExtContext, schedules []models.GroupSchedule) error {
	if s.upsertErr != nil {
		return s.upsertErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rows == nil {
		s.rows = make(map[string]models.GroupSchedule)
	}
	for _, row := range schedules {
		s.rows[row.GroupID] = row
	}
	return nil
}

type runStoreStub struct {
	mu   sync.Mutex
	runs map[string]*models.GenerationRun
}

func newRunStoreStub() *runStoreStub {
	return &runStoreStub{runs: make(map[string]*models.GenerationRun)}
}

func (s *runStoreStub) Create(ctx context.Context, run *models.GenerationRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if run.ID == "" {
		run.ID = "run-" + run.SessionID
	}
	run.CreatedAt = time.Now().UTC()
	copied := *run
	s.runs[run.ID] = &copied
	return nil
}

func (s *runStoreStub) FindByID(ctx context.Context, id string) (*models.GenerationRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	copied := *run
	return &copied, nil
}

func (s *runStoreStub) ListByStatus(ctx context.Context, statuses ...models.GenerationRunStatus) ([]models.GenerationRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.GenerationRun
	for _, run := range s.runs {
		for _, status := range statuses {
			if run.Status == status {
				out = append(out, *run)
			}
		}
	}
	return out, nil
}

func (s *runStoreStub) MarkRunning(ctx context.Context, id string, at time.Time) error {
	return s.update(id, func(run *models.GenerationRun) {
		run.Status = models.GenerationRunRunning
		run.StartedAt = &at
	})
}

func (s *runStoreStub) MarkSucceeded(ctx context.Context, id string, attempts int, proposalID string, at time.Time) error {
	return s.update(id, func(run *models.GenerationRun) {
		run.Status = models.GenerationRunSucceeded
		run.AttemptsUsed = attempts
		run.ProposalID = &proposalID
		run.FinishedAt = &at
	})
}

func (s *runStoreStub) MarkFailed(ctx context.Context, id string, attempts int, kind, reason, bottleneck string, at time.Time) error {
	return s.update(id, func(run *models.GenerationRun) {
		run.Status = models.GenerationRunFailed
		run.AttemptsUsed = attempts
		run.FailureKind = &kind
		run.FailureReason = &reason
		run.BottleneckModuleID = &bottleneck
		run.FinishedAt = &at
	})
}

func (s *runStoreStub) update(id string, apply func(run *models.GenerationRun)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return sql.ErrNoRows
	}
	apply(run)
	return nil
}

type dispatcherStub struct {
	jobs []jobs.Job
	err  error
}

func (d *dispatcherStub) Enqueue(job jobs.Job) error {
	if d.err != nil {
		return d.err
	}
	d.jobs = append(d.jobs, job)
	return nil
}

type generatorFixture struct {
	svc         *TimetableGeneratorService
	mock        sqlmock.Sqlmock
	trainers    *trainerCatalogStub
	calendar    *calendarStub
	assignments *assignmentStoreStub
	groups      *groupStoreStub
	runs        *runStoreStub
	queue       *dispatcherStub
}

func sessionDays(n int) []models.SessionDay {
	days := make([]models.SessionDay, n)
	for i := range days {
		days[i] = models.SessionDay{SessionID: "s1", DayDate: time.Date(2025, time.September, 1+i, 0, 0, 0, 0, time.UTC)}
	}
	return days
}

// newGeneratorFixture: 2 groups, 1 module of 4 hours, 2 trainers, 2 days of 5 hours.
func newGeneratorFixture(t *testing.T, cfg TimetableGeneratorConfig) *generatorFixture {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() }) //nolint:errcheck

	name := "I. Sokolova"
	trainers := &trainerCatalogStub{
		pools: []models.TrainerPool{{ModuleID: "2", Size: 2}},
		slots: []models.TrainerSlot{{SlotKey: "m2-t1", ModuleID: "2", DisplayName: &name}},
	}
	calendar := &calendarStub{
		session: &models.Session{ID: "s1", HoursPerDay: 5},
		days:    sessionDays(2),
	}
	fx := &generatorFixture{
		mock:        mock,
		trainers:    trainers,
		calendar:    calendar,
		assignments: &assignmentStoreStub{},
		groups:      &groupStoreStub{},
		runs:        newRunStoreStub(),
		queue:       &dispatcherStub{},
	}
	repos := TimetableRepositories{
		Specialties: specialtyStub{rows: []models.Specialty{{ID: "pe", GroupsCount: 2}}},
		Modules: moduleCatalogStub{
			modules: []models.Module{{ID: "2", Name: "Safety"}},
			quotas:  []models.ModuleQuota{{ModuleID: "2", SessionID: "s1", Hours: 4}},
		},
		Trainers:    trainers,
		Calendar:    calendar,
		Assignments: fx.assignments,
		Groups:      fx.groups,
		Runs:        fx.runs,
	}
	fx.svc = NewTimetableGeneratorService(repos, fx.queue, sqlx.NewDb(db, "sqlmock"), nil, NewMetricsService(), nil, zap.NewNop(), cfg)
	return fx
}

func seedOf(v int64) *int64 {
	return &v
}

func requireAppError(t *testing.T, err error, code string, status int) {
	t.Helper()
	require.Error(t, err)
	var appErr *appErrors.Error
	require.True(t, errors.As(err, &appErr), "expected app error, got %v", err)
	assert.Equal(t, code, appErr.Code)
	assert.Equal(t, status, appErr.Status)
}

func TestTimetableGeneratorGenerateAndCommit(t *testing.T) {
	fx := newGeneratorFixture(t, TimetableGeneratorConfig{})

	resp, err := fx.svc.Generate(context.Background(), dto.GenerateTimetableRequest{SessionID: "s1", Seed: seedOf(7)}, "planner-1")
	require.NoError(t, err)
	assert.NotEmpty(t, resp.ProposalID)
	assert.Equal(t, int64(7), resp.Seed)
	assert.False(t, resp.Committed)
	assert.Len(t, resp.Schedules, 2)
	assert.True(t, resp.ExpiresAt.After(time.Now()))
	require.NotEmpty(t, resp.Stats)
	assert.Empty(t, fx.assignments.replaced)

	fx.mock.ExpectBegin()
	fx.mock.ExpectCommit()
	committed, err := fx.svc.Commit(context.Background(), dto.CommitTimetableRequest{ProposalID: resp.ProposalID})
	require.NoError(t, err)
	assert.Equal(t, 20, committed.AssignmentsSaved)
	assert.Equal(t, 2, committed.GroupsUpdated)
	assert.Len(t, fx.assignments.replaced["s1"], 20)
	assert.Equal(t, []string{"pe1", "pe2"}, fx.groups.locked)
	require.NoError(t, fx.mock.ExpectationsWereMet())

	_, err = fx.svc.Commit(context.Background(), dto.CommitTimetableRequest{ProposalID: resp.ProposalID})
	requireAppError(t, err, appErrors.ErrNotFound.Code, http.StatusNotFound)
}

func TestTimetableGeneratorGenerateWithCommit(t *testing.T) {
	fx := newGeneratorFixture(t, TimetableGeneratorConfig{})
	fx.mock.ExpectBegin()
	fx.mock.ExpectCommit()

	resp, err := fx.svc.Generate(context.Background(), dto.GenerateTimetableRequest{SessionID: "s1", Seed: seedOf(3), Commit: true}, "")
	require.NoError(t, err)
	assert.True(t, resp.Committed)
	assert.Len(t, fx.groups.rows, 2)
	require.NoError(t, fx.mock.ExpectationsWereMet())

	schedule, err := fx.svc.GroupSchedule(context.Background(), "pe1")
	require.NoError(t, err)
	assert.Len(t, schedule.Days, 2)
}

func TestTimetableGeneratorCommitKeepsOtherSessionDays(t *testing.T) {
	fx := newGeneratorFixture(t, TimetableGeneratorConfig{})
	earlier := []timetable.DaySchedule{
		{Date: time.Date(2025, time.June, 2, 0, 0, 0, 0, time.UTC), Slots: []timetable.Slot{
			{Hour: 1, ModuleID: "9", TrainerSlotKey: "m9-t1"},
			{Hour: 2, ModuleID: timetable.FillerModuleID},
		}},
		{Date: time.Date(2025, time.June, 3, 0, 0, 0, 0, time.UTC), Slots: []timetable.Slot{
			{Hour: 1, ModuleID: "9", TrainerSlotKey: "m9-t2"},
		}},
	}
	payload, err := json.Marshal(earlier)
	require.NoError(t, err)
	fx.groups.rows = map[string]models.GroupSchedule{
		"pe1": {GroupID: "pe1", Days: types.JSONText(payload)},
	}
	var want []json.RawMessage
	require.NoError(t, json.Unmarshal(payload, &want))

	fx.mock.ExpectBegin()
	fx.mock.ExpectCommit()
	resp, err := fx.svc.Generate(context.Background(), dto.GenerateTimetableRequest{SessionID: "s1", Seed: seedOf(5), Commit: true}, "")
	require.NoError(t, err)
	require.True(t, resp.Committed)
	require.NoError(t, fx.mock.ExpectationsWereMet())

	var got []json.RawMessage
	require.NoError(t, json.Unmarshal(fx.groups.rows["pe1"].Days, &got))
	require.Len(t, got, 4)
	assert.Equal(t, string(want[0]), string(got[0]))
	assert.Equal(t, string(want[1]), string(got[1]))

	var fresh []timetable.DaySchedule
	require.NoError(t, json.Unmarshal(fx.groups.rows["pe2"].Days, &fresh))
	require.Len(t, fresh, 2)
	assert.Equal(t, time.September, fresh[0].Date.Month())
}

func TestTimetableGeneratorSameSeedSameResult(t *testing.T) {
	fx := newGeneratorFixture(t, TimetableGeneratorConfig{})

	first, err := fx.svc.Generate(context.Background(), dto.GenerateTimetableRequest{SessionID: "s1", Seed: seedOf(42)}, "")
	require.NoError(t, err)
	second, err := fx.svc.Generate(context.Background(), dto.GenerateTimetableRequest{SessionID: "s1", Seed: seedOf(42)}, "")
	require.NoError(t, err)
	assert.NotEqual(t, first.ProposalID, second.ProposalID)
	assert.Equal(t, first.Schedules, second.Schedules)
}

func TestTimetableGeneratorConfiguredSeed(t *testing.T) {
	fx := newGeneratorFixture(t, TimetableGeneratorConfig{Seed: 99})

	resp, err := fx.svc.Generate(context.Background(), dto.GenerateTimetableRequest{SessionID: "s1"}, "")
	require.NoError(t, err)
	assert.Equal(t, int64(99), resp.Seed)
}

func TestTimetableGeneratorValidation(t *testing.T) {
	fx := newGeneratorFixture(t, TimetableGeneratorConfig{})

	_, err := fx.svc.Generate(context.Background(), dto.GenerateTimetableRequest{}, "")
	requireAppError(t, err, appErrors.ErrValidation.Code, http.StatusBadRequest)

	_, err = fx.svc.Commit(context.Background(), dto.CommitTimetableRequest{})
	requireAppError(t, err, appErrors.ErrValidation.Code, http.StatusBadRequest)
}

func TestTimetableGeneratorUnknownSession(t *testing.T) {
	fx := newGeneratorFixture(t, TimetableGeneratorConfig{})

	_, err := fx.svc.Generate(context.Background(), dto.GenerateTimetableRequest{SessionID: "s9"}, "")
	requireAppError(t, err, appErrors.ErrNotFound.Code, http.StatusNotFound)
}

func TestTimetableGeneratorMisconfiguration(t *testing.T) {
	fx := newGeneratorFixture(t, TimetableGeneratorConfig{})
	fx.trainers.pools = nil

	_, err := fx.svc.Generate(context.Background(), dto.GenerateTimetableRequest{SessionID: "s1", Seed: seedOf(1)}, "")
	requireAppError(t, err, appErrors.ErrMisconfigured.Code, http.StatusPreconditionFailed)
	assert.True(t, errors.Is(err, timetable.ErrMisconfigured))

	var appErr *appErrors.Error
	require.True(t, errors.As(err, &appErr))
	failure, ok := appErr.Details.(*timetable.SchedulingFailure)
	require.True(t, ok)
	assert.Equal(t, "2", failure.BottleneckModuleID)
}

func TestTimetableGeneratorInfeasible(t *testing.T) {
	fx := newGeneratorFixture(t, TimetableGeneratorConfig{MaxAttempts: 3, DayRetries: 2})
	fx.trainers.pools = []models.TrainerPool{{ModuleID: "2", Size: 1}}
	fx.calendar.session.HoursPerDay = 2
	fx.calendar.days = sessionDays(1)

	_, err := fx.svc.Generate(context.Background(), dto.GenerateTimetableRequest{SessionID: "s1", Seed: seedOf(1)}, "")
	requireAppError(t, err, appErrors.ErrSchedulingInfeasible.Code, http.StatusUnprocessableEntity)
	assert.True(t, errors.Is(err, timetable.ErrInfeasible))
}

func TestTimetableGeneratorCommitRollsBack(t *testing.T) {
	fx := newGeneratorFixture(t, TimetableGeneratorConfig{})
	resp, err := fx.svc.Generate(context.Background(), dto.GenerateTimetableRequest{SessionID: "s1", Seed: seedOf(7)}, "")
	require.NoError(t, err)

	fx.assignments.replaceErr = errors.New("disk full")
	fx.mock.ExpectBegin()
	fx.mock.ExpectRollback()

	_, err = fx.svc.Commit(context.Background(), dto.CommitTimetableRequest{ProposalID: resp.ProposalID})
	requireAppError(t, err, appErrors.ErrInternal.Code, http.StatusInternalServerError)
	require.NoError(t, fx.mock.ExpectationsWereMet())

	// The proposal survives a failed commit.
	fx.assignments.replaceErr = nil
	fx.mock.ExpectBegin()
	fx.mock.ExpectCommit()
	_, err = fx.svc.Commit(context.Background(), dto.CommitTimetableRequest{ProposalID: resp.ProposalID})
	require.NoError(t, err)
}

func TestTimetableGeneratorStats(t *testing.T) {
	fx := newGeneratorFixture(t, TimetableGeneratorConfig{})
	day := time.Date(2025, time.September, 1, 0, 0, 0, 0, time.UTC)
	fx.assignments.rows = []models.Assignment{
		{SessionID: "s1", GroupID: "pe1", ModuleID: "2", TrainerSlotKey: "m2-t1", DayIndex: 0, Hour: 0, DayDate: day},
		{SessionID: "s1", GroupID: "pe1", ModuleID: "2", TrainerSlotKey: "m2-t1", DayIndex: 0, Hour: 1, DayDate: day},
	}

	resp, err := fx.svc.Stats(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, 2, resp.Assignments)

	require.NotEmpty(t, resp.Stats)
	safety := resp.Stats[0]
	assert.Equal(t, "2", safety.ModuleID)
	assert.InDelta(t, 4.0, safety.RequiredHours, 1e-9)
	assert.InDelta(t, 1.0, safety.AverageScheduledHours, 1e-9)
	assert.InDelta(t, 0.0, safety.MinScheduledHours, 1e-9)
	assert.InDelta(t, 3.0, safety.Shortfall, 1e-9)

	_, err = fx.svc.Stats(context.Background(), "")
	requireAppError(t, err, appErrors.ErrValidation.Code, http.StatusBadRequest)
}

func TestTimetableGeneratorAssignmentsPagination(t *testing.T) {
	fx := newGeneratorFixture(t, TimetableGeneratorConfig{})
	fx.assignments.rows = []models.Assignment{{SessionID: "s1", GroupID: "pe1", ModuleID: "2"}}

	rows, pagination, err := fx.svc.Assignments(context.Background(), dto.AssignmentQuery{SessionID: "s1", Trainer: "m2-t1"})
	require.NoError(t, err)
	assert.Len(t, rows, 1)
	assert.Equal(t, 1, pagination.Page)
	assert.Equal(t, 100, pagination.PageSize)
	assert.Equal(t, 1, pagination.TotalCount)
	assert.Equal(t, "m2-t1", fx.assignments.filter.TrainerSlotKey)

	_, _, err = fx.svc.Assignments(context.Background(), dto.AssignmentQuery{SessionID: "s1", PageSize: 1000})
	requireAppError(t, err, appErrors.ErrValidation.Code, http.StatusBadRequest)
}

func TestTimetableGeneratorGroupScheduleNotFound(t *testing.T) {
	fx := newGeneratorFixture(t, TimetableGeneratorConfig{})

	_, err := fx.svc.GroupSchedule(context.Background(), "pe7")
	requireAppError(t, err, appErrors.ErrNotFound.Code, http.StatusNotFound)
}

func TestTimetableGeneratorValidateEdit(t *testing.T) {
	fx := newGeneratorFixture(t, TimetableGeneratorConfig{})
	day := time.Date(2025, time.September, 1, 0, 0, 0, 0, time.UTC)
	fx.assignments.rows = []models.Assignment{
		{SessionID: "s1", GroupID: "pe1", ModuleID: "2", TrainerSlotKey: "m2-t1", DayIndex: 0, Hour: 0, DayDate: day},
		{SessionID: "s1", GroupID: "pe1", ModuleID: "2", TrainerSlotKey: "m2-t1", DayIndex: 0, Hour: 1, DayDate: day},
		{SessionID: "s1", GroupID: "pe2", ModuleID: "revision", DayIndex: 0, Hour: 0, DayDate: day},
		{SessionID: "s1", GroupID: "pe2", ModuleID: "revision", DayIndex: 0, Hour: 2, DayDate: day},
	}

	t.Run("trainer double booked", func(t *testing.T) {
		resp, err := fx.svc.ValidateEdit(context.Background(), dto.SlotEditRequest{
			SessionID: "s1", GroupID: "pe2", DayIndex: 0, Hour: 0, ModuleID: "2", TrainerSlotKey: "m2-t1",
		})
		require.NoError(t, err)
		assert.False(t, resp.Valid)
		assert.Equal(t, "name:i. sokolova", resp.Trainer)
		require.Len(t, resp.Conflicts, 1)
		assert.Equal(t, "pe1", resp.Conflicts[0].GroupID)
	})

	t.Run("free trainer", func(t *testing.T) {
		resp, err := fx.svc.ValidateEdit(context.Background(), dto.SlotEditRequest{
			SessionID: "s1", GroupID: "pe2", DayIndex: 0, Hour: 0, ModuleID: "2", TrainerSlotKey: "m2-t2",
		})
		require.NoError(t, err)
		assert.True(t, resp.Valid)
		assert.Empty(t, resp.Conflicts)
	})

	t.Run("daily cap exceeded", func(t *testing.T) {
		resp, err := fx.svc.ValidateEdit(context.Background(), dto.SlotEditRequest{
			SessionID: "s1", GroupID: "pe1", DayIndex: 0, Hour: 2, ModuleID: "2", TrainerSlotKey: "m2-t1",
		})
		require.NoError(t, err)
		assert.False(t, resp.Valid)
		assert.Empty(t, resp.Conflicts)
		require.Len(t, resp.Violations, 1)
		assert.Equal(t, timetable.ViolationDailyCap, resp.Violations[0].Kind)
	})

	t.Run("filler with trainer", func(t *testing.T) {
		_, err := fx.svc.ValidateEdit(context.Background(), dto.SlotEditRequest{
			SessionID: "s1", GroupID: "pe1", DayIndex: 0, Hour: 2, ModuleID: "revision", TrainerSlotKey: "m2-t1",
		})
		requireAppError(t, err, appErrors.ErrValidation.Code, http.StatusBadRequest)
	})
}

func TestTimetableGeneratorEnqueueAndHandle(t *testing.T) {
	fx := newGeneratorFixture(t, TimetableGeneratorConfig{})
	worker := NewGenerationWorker(fx.svc, zap.NewNop())

	run, err := fx.svc.Enqueue(context.Background(), dto.GenerateTimetableRequest{SessionID: "s1"}, "planner-1")
	require.NoError(t, err)
	assert.Equal(t, string(models.GenerationRunQueued), run.Status)
	require.NotNil(t, run.Seed)
	require.Len(t, fx.queue.jobs, 1)
	assert.Equal(t, GenerationJobType, fx.queue.jobs[0].Type)

	require.NoError(t, worker.Handle(context.Background(), fx.queue.jobs[0]))

	status, err := fx.svc.RunStatus(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, string(models.GenerationRunSucceeded), status.Status)
	assert.NotEmpty(t, status.ProposalID)
	assert.Equal(t, *run.Seed, *status.Seed)

	// A finished run is skipped on redelivery.
	require.NoError(t, worker.Handle(context.Background(), fx.queue.jobs[0]))

	fx.mock.ExpectBegin()
	fx.mock.ExpectCommit()
	_, err = fx.svc.Commit(context.Background(), dto.CommitTimetableRequest{ProposalID: status.ProposalID})
	require.NoError(t, err)
}

func TestTimetableGeneratorHandleCommitsWhenRequested(t *testing.T) {
	fx := newGeneratorFixture(t, TimetableGeneratorConfig{})
	worker := NewGenerationWorker(fx.svc, zap.NewNop())
	fx.mock.ExpectBegin()
	fx.mock.ExpectCommit()

	run, err := fx.svc.Enqueue(context.Background(), dto.GenerateTimetableRequest{SessionID: "s1", Seed: seedOf(5), Commit: true}, "")
	require.NoError(t, err)
	require.NoError(t, worker.Handle(context.Background(), fx.queue.jobs[0]))

	status, err := fx.svc.RunStatus(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, string(models.GenerationRunSucceeded), status.Status)
	assert.Len(t, fx.assignments.replaced["s1"], 20)
	require.NoError(t, fx.mock.ExpectationsWereMet())
}

func TestTimetableGeneratorHandleInfeasibleIsPermanent(t *testing.T) {
	fx := newGeneratorFixture(t, TimetableGeneratorConfig{MaxAttempts: 2, DayRetries: 1})
	fx.trainers.pools = []models.TrainerPool{{ModuleID: "2", Size: 1}}
	fx.calendar.session.HoursPerDay = 2
	fx.calendar.days = sessionDays(1)
	worker := NewGenerationWorker(fx.svc, zap.NewNop())

	run, err := fx.svc.Enqueue(context.Background(), dto.GenerateTimetableRequest{SessionID: "s1", Seed: seedOf(1)}, "")
	require.NoError(t, err)

	err = worker.Handle(context.Background(), fx.queue.jobs[0])
	require.Error(t, err)
	assert.True(t, jobs.IsPermanent(err))

	status, err := fx.svc.RunStatus(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, string(models.GenerationRunFailed), status.Status)
	assert.Equal(t, string(timetable.FailureInfeasible), status.FailureKind)
	assert.Equal(t, "2", status.BottleneckModuleID)
	assert.Equal(t, 2, status.AttemptsUsed)
}

func TestTimetableGeneratorEnqueueFailureMarksRun(t *testing.T) {
	fx := newGeneratorFixture(t, TimetableGeneratorConfig{})
	fx.queue.err = errors.New("queue full")

	_, err := fx.svc.Enqueue(context.Background(), dto.GenerateTimetableRequest{SessionID: "s1"}, "")
	requireAppError(t, err, appErrors.ErrInternal.Code, http.StatusInternalServerError)

	failed, err := fx.runs.ListByStatus(context.Background(), models.GenerationRunFailed)
	require.NoError(t, err)
	assert.Len(t, failed, 1)
}

func TestTimetableGeneratorRecoverPendingRuns(t *testing.T) {
	fx := newGeneratorFixture(t, TimetableGeneratorConfig{})
	ctx := context.Background()
	require.NoError(t, fx.runs.Create(ctx, &models.GenerationRun{ID: "r1", SessionID: "s1", Status: models.GenerationRunQueued}))
	require.NoError(t, fx.runs.Create(ctx, &models.GenerationRun{ID: "r2", SessionID: "s1", Status: models.GenerationRunRunning}))
	require.NoError(t, fx.runs.Create(ctx, &models.GenerationRun{ID: "r3", SessionID: "s1", Status: models.GenerationRunSucceeded}))

	assert.Equal(t, 2, fx.svc.RecoverPendingRuns(ctx))
	assert.Len(t, fx.queue.jobs, 2)
}

func TestTimetableGeneratorRunStatusNotFound(t *testing.T) {
	fx := newGeneratorFixture(t, TimetableGeneratorConfig{})

	_, err := fx.svc.RunStatus(context.Background(), "missing")
	requireAppError(t, err, appErrors.ErrNotFound.Code, http.StatusNotFound)
}

func TestGenerationWorkerGiveUpMarksRun(t *testing.T) {
	fx := newGeneratorFixture(t, TimetableGeneratorConfig{})
	worker := NewGenerationWorker(fx.svc, zap.NewNop())
	ctx := context.Background()
	require.NoError(t, fx.runs.Create(ctx, &models.GenerationRun{ID: "r1", SessionID: "s1", Status: models.GenerationRunRunning}))

	worker.GiveUp(ctx, jobs.Job{ID: "r1", Type: GenerationJobType}, errors.New("db down"))

	run, err := fx.runs.FindByID(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, models.GenerationRunFailed, run.Status)
	assert.Equal(t, "db down", *run.FailureReason)
}

func TestProposalStoreExpiry(t *testing.T) {
	store := newProposalStore(time.Minute, nil)
	now := time.Date(2025, time.September, 1, 8, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	store.Save(context.Background(), timetableProposal{ProposalID: "p1", SessionID: "s1", RequestedAt: now})
	store.Save(context.Background(), timetableProposal{ProposalID: "p2", SessionID: "s1", RequestedAt: now.Add(-2 * time.Minute)})

	_, ok := store.Get(context.Background(), "p1")
	assert.True(t, ok)
	_, ok = store.Get(context.Background(), "p2")
	assert.False(t, ok)

	store.Save(context.Background(), timetableProposal{ProposalID: "p3", SessionID: "s1", RequestedAt: now.Add(-2 * time.Minute)})
	assert.Equal(t, 1, store.Sweep())
	_, ok = store.Get(context.Background(), "p1")
	assert.True(t, ok)
}
