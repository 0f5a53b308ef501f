package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/noah-isme/timetable-api/internal/dto"
	"github.com/noah-isme/timetable-api/internal/models"
	"github.com/noah-isme/timetable-api/internal/timetable"
	"github.com/noah-isme/timetable-api/pkg/cache"
	appErrors "github.com/noah-isme/timetable-api/pkg/errors"
	"github.com/noah-isme/timetable-api/pkg/middleware/requestid"
)

type assignmentStore interface {
	ListBySession(ctx context.Context, sessionID string) ([]models.Assignment, error)
	ListExcludingSession(ctx context.Context, sessionID string) ([]models.Assignment, error)
	List(ctx context.Context, filter models.AssignmentFilter) ([]models.Assignment, int, error)
	ReplaceSession(ctx context.Context, exec sqlx.ExtContext, sessionID string, rows []models.Assignment) error
}

type groupScheduleStore interface {
	FindByGroup(ctx context.Context, groupID string) (*models.GroupSchedule, error)
	ListForUpdate(ctx context.Context, exec sqlx.ExtContext, groupIDs []string) ([]models.GroupSchedule, error)
	UpsertBatch(ctx context.Context, exec sqlx.ExtContext, schedules []models.GroupSchedule) error
}

type txProvider interface {
	BeginTxx(ctx context.Context, opts *sql.TxOptions) (*sqlx.Tx, error)
}

// TimetableGeneratorConfig governs generator behaviour.
type TimetableGeneratorConfig struct {
	ProposalTTL             time.Duration
	MaxAttempts             int
	DayRetries              int
	DailyModuleCap          int
	SecondChoiceProbability float64
	// Seed fixes the random source when requests carry none. Zero draws a
	// fresh seed per run.
	Seed          int64
	StatsCacheTTL time.Duration
}

// TimetableGeneratorService generates session timetables and persists them.
type TimetableGeneratorService struct {
	specialties specialtyLister
	modules     moduleCatalog
	trainers    trainerCatalog
	calendar    calendarProvider
	assignments assignmentStore
	groups      groupScheduleStore
	runs        generationRunStore
	queue       jobDispatcher
	tx          txProvider
	cache       *CacheService
	metrics     *MetricsService
	validator   *validator.Validate
	logger      *zap.Logger
	cfg         TimetableGeneratorConfig
	store       *proposalStore

	seedMu sync.Mutex
	seeds  *rand.Rand
}

// TimetableRepositories bundles the persistence dependencies of the generator.
type TimetableRepositories struct {
	Specialties specialtyLister
	Modules     moduleCatalog
	Trainers    trainerCatalog
	Calendar    calendarProvider
	Assignments assignmentStore
	Groups      groupScheduleStore
	Runs        generationRunStore
}

// NewTimetableGeneratorService wires generator dependencies.
func NewTimetableGeneratorService(
	repos TimetableRepositories,
	queue jobDispatcher,
	tx txProvider,
	cacheSvc *CacheService,
	metrics *MetricsService,
	validate *validator.Validate,
	logger *zap.Logger,
	cfg TimetableGeneratorConfig,
) *TimetableGeneratorService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ProposalTTL <= 0 {
		cfg.ProposalTTL = 30 * time.Minute
	}
	if cfg.StatsCacheTTL <= 0 {
		cfg.StatsCacheTTL = 5 * time.Minute
	}
	return &TimetableGeneratorService{
		specialties: repos.Specialties,
		modules:     repos.Modules,
		trainers:    repos.Trainers,
		calendar:    repos.Calendar,
		assignments: repos.Assignments,
		groups:      repos.Groups,
		runs:        repos.Runs,
		queue:       queue,
		tx:          tx,
		cache:       cacheSvc,
		metrics:     metrics,
		validator:   validate,
		logger:      logger,
		cfg:         cfg,
		store:       newProposalStore(cfg.ProposalTTL, cacheSvc),
		seeds:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Generate runs the scheduler for a session and stores the result as a
// proposal. With Commit set the proposal is persisted right away.
func (s *TimetableGeneratorService) Generate(ctx context.Context, req dto.GenerateTimetableRequest, requestedBy string) (*dto.GenerateTimetableResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid timetable generation payload")
	}

	proposal, err := s.execute(ctx, req.SessionID, s.seedFor(req.Seed), requestedBy)
	if err != nil {
		return nil, err
	}

	committed := false
	if req.Commit {
		if _, err := s.commitProposal(ctx, proposal); err != nil {
			return nil, err
		}
		s.store.Delete(ctx, proposal.ProposalID)
		committed = true
	}

	result := proposal.Result
	return &dto.GenerateTimetableResponse{
		ProposalID:   proposal.ProposalID,
		SessionID:    proposal.SessionID,
		Seed:         proposal.Seed,
		Committed:    committed,
		AttemptsUsed: result.AttemptsUsed,
		Bottlenecks:  result.Bottlenecks,
		From:         result.From,
		To:           result.To,
		Stats:        result.Stats,
		Schedules:    result.GroupSchedules,
		ExpiresAt:    proposal.expiresAt(s.cfg.ProposalTTL),
	}, nil
}

// execute loads the snapshot, runs the scheduler, verifies the hard
// constraints and stores the proposal.
func (s *TimetableGeneratorService) execute(ctx context.Context, sessionID string, seed int64, requestedBy string) (timetableProposal, error) {
	snapshot, err := s.loadSnapshot(ctx, sessionID, fullSnapshot)
	if err != nil {
		return timetableProposal{}, err
	}

	opts := timetable.Options{
		MaxAttempts:             s.cfg.MaxAttempts,
		DayRetries:              s.cfg.DayRetries,
		DailyModuleCap:          s.cfg.DailyModuleCap,
		SecondChoiceProbability: s.cfg.SecondChoiceProbability,
	}
	scheduler := timetable.NewSeededScheduler(seed, opts)

	started := time.Now()
	result, err := scheduler.Generate(ctx, snapshot)
	took := time.Since(started)
	if err != nil {
		return timetableProposal{}, s.generationError(sessionID, seed, err, took)
	}

	resolver := timetable.NewNameResolver(snapshot.Trainers)
	if violations := timetable.Verify(result.Assignments, resolver, scheduler.Options().DailyModuleCap); len(violations) > 0 {
		s.metrics.ObserveGeneration(GenerationOutcomeError, result.AttemptsUsed, took)
		s.logger.Error("generated timetable breaks hard constraints",
			zap.String("session_id", sessionID),
			zap.Int64("seed", seed),
			zap.Int("violations", len(violations)),
		)
		return timetableProposal{}, appErrors.WithDetails(appErrors.Clone(appErrors.ErrInternal, "generated timetable failed verification"), violations)
	}

	s.metrics.ObserveGeneration(GenerationOutcomeSuccess, result.AttemptsUsed, took)
	s.logger.Info("timetable generated",
		zap.String("request_id", requestid.FromContext(ctx)),
		zap.String("session_id", sessionID),
		zap.Int64("seed", seed),
		zap.Int("attempts", result.AttemptsUsed),
		zap.Strings("bottlenecks", result.Bottlenecks),
		zap.Int("assignments", len(result.Assignments)),
		zap.Duration("took", took),
	)

	proposal := timetableProposal{
		ProposalID:  uuid.NewString(),
		SessionID:   sessionID,
		Seed:        seed,
		Result:      result,
		RequestedBy: requestedBy,
		RequestedAt: time.Now().UTC(),
	}
	s.store.Save(ctx, proposal)
	return proposal, nil
}

func (s *TimetableGeneratorService) generationError(sessionID string, seed int64, err error, took time.Duration) error {
	var failure *timetable.SchedulingFailure
	if !errors.As(err, &failure) {
		s.metrics.ObserveGeneration(GenerationOutcomeError, 0, took)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "timetable generation cancelled")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "timetable generation failed")
	}

	base := appErrors.ErrSchedulingInfeasible
	outcome := GenerationOutcomeInfeasible
	if failure.Kind == timetable.FailureMisconfiguration {
		base = appErrors.ErrMisconfigured
		outcome = GenerationOutcomeMisconfigured
	}
	s.metrics.ObserveGeneration(outcome, failure.Attempts, took)
	s.logger.Warn("timetable generation failed",
		zap.String("session_id", sessionID),
		zap.Int64("seed", seed),
		zap.String("kind", string(failure.Kind)),
		zap.String("bottleneck_module", failure.BottleneckModuleID),
		zap.Int("attempts", failure.Attempts),
	)
	return appErrors.WithDetails(appErrors.Wrap(failure, base.Code, base.Status, failure.Reason), failure)
}

// Commit persists a stored proposal.
func (s *TimetableGeneratorService) Commit(ctx context.Context, req dto.CommitTimetableRequest) (*dto.CommitTimetableResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid commit payload")
	}
	proposal, ok := s.store.Get(ctx, req.ProposalID)
	if !ok {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "proposal not found or expired")
	}
	resp, err := s.commitProposal(ctx, proposal)
	if err != nil {
		return nil, err
	}
	s.store.Delete(ctx, req.ProposalID)
	return resp, nil
}

// commitProposal writes the group calendars and the session rows in one
// transaction. Nothing is written when any step fails.
func (s *TimetableGeneratorService) commitProposal(ctx context.Context, proposal timetableProposal) (*dto.CommitTimetableResponse, error) {
	if s.tx == nil {
		return nil, appErrors.Clone(appErrors.ErrInternal, "transaction provider missing")
	}
	result := proposal.Result
	if result == nil {
		return nil, appErrors.Clone(appErrors.ErrInternal, "proposal has no result")
	}

	groupIDs := make([]string, 0, len(result.GroupSchedules))
	for _, schedule := range result.GroupSchedules {
		groupIDs = append(groupIDs, schedule.GroupID)
	}
	sort.Strings(groupIDs)

	started := time.Now()
	tx, err := s.tx.BeginTxx(ctx, nil)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to begin transaction")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	existing, err := s.groups.ListForUpdate(ctx, tx, groupIDs)
	if err != nil {
		err = appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load group schedules")
		return nil, err
	}
	prior := make([]timetable.GroupSchedule, 0, len(existing))
	for _, row := range existing {
		schedule, decodeErr := decodeGroupSchedule(row)
		if decodeErr != nil {
			err = appErrors.Wrap(decodeErr, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to decode group schedule")
			return nil, err
		}
		prior = append(prior, schedule)
	}

	merged := timetable.MergeGroupSchedules(prior, result.GroupSchedules, result.From, result.To)
	rows := make([]models.GroupSchedule, 0, len(merged))
	for _, schedule := range merged {
		row, encodeErr := encodeGroupSchedule(schedule)
		if encodeErr != nil {
			err = appErrors.Wrap(encodeErr, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to encode group schedule")
			return nil, err
		}
		rows = append(rows, row)
	}

	if err = s.groups.UpsertBatch(ctx, tx, rows); err != nil {
		err = appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to persist group schedules")
		return nil, err
	}
	if err = s.assignments.ReplaceSession(ctx, tx, proposal.SessionID, toAssignmentRows(result.Assignments)); err != nil {
		err = appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to persist assignments")
		return nil, err
	}
	if err = tx.Commit(); err != nil {
		err = appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to commit timetable transaction")
		return nil, err
	}
	s.metrics.ObserveDBQuery("timetable_commit", time.Since(started))

	s.cache.Forget(ctx, statsKey(proposal.SessionID))
	s.cache.ForgetMatching(ctx, cache.Key("group", "*"))

	s.logger.Info("timetable committed",
		zap.String("request_id", requestid.FromContext(ctx)),
		zap.String("proposal_id", proposal.ProposalID),
		zap.String("session_id", proposal.SessionID),
		zap.Int("assignments", len(result.Assignments)),
		zap.Int("groups", len(rows)),
	)
	return &dto.CommitTimetableResponse{
		ProposalID:       proposal.ProposalID,
		SessionID:        proposal.SessionID,
		AssignmentsSaved: len(result.Assignments),
		GroupsUpdated:    len(rows),
	}, nil
}

// Stats returns completion statistics of the persisted rows of a session.
func (s *TimetableGeneratorService) Stats(ctx context.Context, sessionID string) (*dto.SessionStatsResponse, error) {
	if sessionID == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "sessionId is required")
	}
	resp, hit, err := remember(ctx, s.cache, statsKey(sessionID), s.cfg.StatsCacheTTL, func(ctx context.Context) (dto.SessionStatsResponse, error) {
		return s.computeStats(ctx, sessionID)
	})
	if err != nil {
		return nil, err
	}
	resp.CacheHit = hit
	return &resp, nil
}

func (s *TimetableGeneratorService) computeStats(ctx context.Context, sessionID string) (dto.SessionStatsResponse, error) {
	snapshot, err := s.loadSnapshot(ctx, sessionID, snapshotParts{})
	if err != nil {
		return dto.SessionStatsResponse{}, err
	}
	rows, err := s.assignments.ListBySession(ctx, sessionID)
	if err != nil {
		return dto.SessionStatsResponse{}, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load assignments")
	}

	req := timetable.CalculateRequirements(snapshot.Specialties, snapshot.Modules, snapshot.Session)
	return dto.SessionStatsResponse{
		SessionID:   sessionID,
		Assignments: len(rows),
		Stats:       timetable.ComputeStats(req, toCoreAssignments(rows)),
	}, nil
}

// Assignments lists persisted rows for a group or trainer view.
func (s *TimetableGeneratorService) Assignments(ctx context.Context, query dto.AssignmentQuery) ([]models.Assignment, *models.Pagination, error) {
	if err := s.validator.Struct(query); err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid assignment query")
	}
	filter := models.AssignmentFilter{
		SessionID:      query.SessionID,
		GroupID:        query.GroupID,
		ModuleID:       query.ModuleID,
		TrainerSlotKey: query.Trainer,
		Page:           query.Page,
		PageSize:       query.PageSize,
	}
	rows, total, err := s.assignments.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list assignments")
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 || size > 500 {
		size = 100
	}
	return rows, &models.Pagination{Page: page, PageSize: size, TotalCount: total}, nil
}

// GroupSchedule returns the multi-session calendar of a group.
func (s *TimetableGeneratorService) GroupSchedule(ctx context.Context, groupID string) (*timetable.GroupSchedule, error) {
	if groupID == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "groupId is required")
	}
	schedule, _, err := remember(ctx, s.cache, cache.Key("group", groupID), s.cfg.StatsCacheTTL, func(ctx context.Context) (timetable.GroupSchedule, error) {
		row, err := s.groups.FindByGroup(ctx, groupID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return timetable.GroupSchedule{}, appErrors.Clone(appErrors.ErrNotFound, fmt.Sprintf("no schedule for group %s", groupID))
			}
			return timetable.GroupSchedule{}, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load group schedule")
		}
		schedule, err := decodeGroupSchedule(*row)
		if err != nil {
			return timetable.GroupSchedule{}, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to decode group schedule")
		}
		return schedule, nil
	})
	if err != nil {
		return nil, err
	}
	return &schedule, nil
}

// ValidateEdit checks a manual single-cell edit against trainer double
// booking and the daily module cap. The edit itself is not applied.
func (s *TimetableGeneratorService) ValidateEdit(ctx context.Context, req dto.SlotEditRequest) (*dto.SlotEditResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid slot edit payload")
	}
	if req.ModuleID == timetable.FillerModuleID && req.TrainerSlotKey != "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "the filler module takes no trainer")
	}

	var (
		rows  []models.Assignment
		pools []models.TrainerPool
		slots []models.TrainerSlot
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		rows, err = s.assignments.ListBySession(gctx, req.SessionID)
		return wrapLoad("assignments", err)
	})
	g.Go(func() (err error) {
		pools, err = s.trainers.ListPools(gctx)
		return wrapLoad("trainer pools", err)
	})
	g.Go(func() (err error) {
		slots, err = s.trainers.ListSlots(gctx)
		return wrapLoad("trainer slots", err)
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	existing := toCoreAssignments(rows)
	candidate := timetable.Assignment{
		ModuleID:       req.ModuleID,
		TrainerSlotKey: timetable.TrainerSlotKey(req.TrainerSlotKey),
		GroupID:        req.GroupID,
		DayIndex:       req.DayIndex,
		Hour:           req.Hour,
		SessionID:      req.SessionID,
	}
	edited := make([]timetable.Assignment, 0, len(existing)+1)
	for _, row := range existing {
		if row.GroupID == candidate.GroupID && row.DayIndex == candidate.DayIndex && row.Hour == candidate.Hour {
			candidate.Date = row.Date
			continue
		}
		edited = append(edited, row)
	}
	edited = append(edited, candidate)

	resolver := timetable.NewNameResolver(toTrainerConfig(pools, slots))
	resp := &dto.SlotEditResponse{Conflicts: []dto.SlotEditConflict{}}
	if candidate.TrainerSlotKey != "" {
		resp.Trainer = string(resolver.Resolve(candidate.ModuleID, candidate.TrainerSlotKey))
	}
	for _, clash := range timetable.CheckEdit(existing, candidate, resolver) {
		resp.Conflicts = append(resp.Conflicts, dto.SlotEditConflict{
			GroupID:        clash.GroupID,
			ModuleID:       clash.ModuleID,
			TrainerSlotKey: string(clash.TrainerSlotKey),
		})
	}
	for _, violation := range timetable.Verify(edited, resolver, s.dailyCap()) {
		if violation.Kind == timetable.ViolationDailyCap && violation.DayIndex == candidate.DayIndex &&
			violation.ModuleID == candidate.ModuleID && len(violation.GroupIDs) == 1 && violation.GroupIDs[0] == candidate.GroupID {
			resp.Violations = append(resp.Violations, violation)
		}
	}
	resp.Valid = len(resp.Conflicts) == 0 && len(resp.Violations) == 0
	return resp, nil
}

// SweepProposals drops expired proposals held in memory.
func (s *TimetableGeneratorService) SweepProposals() int {
	return s.store.Sweep()
}

func (s *TimetableGeneratorService) dailyCap() int {
	if s.cfg.DailyModuleCap > 0 {
		return s.cfg.DailyModuleCap
	}
	return timetable.DefaultDailyModuleCap
}

// seedFor picks the seed of a run: the request's, then the configured one,
// then a fresh draw.
func (s *TimetableGeneratorService) seedFor(requested *int64) int64 {
	if requested != nil {
		return *requested
	}
	if s.cfg.Seed != 0 {
		return s.cfg.Seed
	}
	s.seedMu.Lock()
	defer s.seedMu.Unlock()
	return s.seeds.Int63()
}

func statsKey(sessionID string) string {
	return cache.Key("stats", sessionID)
}
