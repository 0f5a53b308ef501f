package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/noah-isme/timetable-api/internal/models"
	"github.com/noah-isme/timetable-api/internal/timetable"
	appErrors "github.com/noah-isme/timetable-api/pkg/errors"
)

type specialtyLister interface {
	List(ctx context.Context) ([]models.Specialty, error)
}

type moduleCatalog interface {
	List(ctx context.Context) ([]models.Module, error)
	ListQuotas(ctx context.Context, sessionID string) ([]models.ModuleQuota, error)
}

type trainerCatalog interface {
	ListPools(ctx context.Context) ([]models.TrainerPool, error)
	ListSlots(ctx context.Context) ([]models.TrainerSlot, error)
}

// calendarProvider supplies the working days of a session.
type calendarProvider interface {
	FindByID(ctx context.Context, id string) (*models.Session, error)
	ListDays(ctx context.Context, sessionID string) ([]models.SessionDay, error)
}

// snapshotParts selects what loadSnapshot reads.
type snapshotParts struct {
	trainers bool
	prior    bool
}

var fullSnapshot = snapshotParts{trainers: true, prior: true}

// loadSnapshot reads the generator input concurrently. The returned snapshot
// shares nothing with the repositories.
func (s *TimetableGeneratorService) loadSnapshot(ctx context.Context, sessionID string, parts snapshotParts) (timetable.Snapshot, error) {
	var (
		specialties []models.Specialty
		modules     []models.Module
		quotas      []models.ModuleQuota
		pools       []models.TrainerPool
		slots       []models.TrainerSlot
		session     *models.Session
		days        []models.SessionDay
		prior       []models.Assignment
	)

	started := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		specialties, err = s.specialties.List(gctx)
		return wrapLoad("specialties", err)
	})
	g.Go(func() (err error) {
		modules, err = s.modules.List(gctx)
		return wrapLoad("modules", err)
	})
	g.Go(func() (err error) {
		quotas, err = s.modules.ListQuotas(gctx, sessionID)
		return wrapLoad("module quotas", err)
	})
	g.Go(func() (err error) {
		session, err = s.calendar.FindByID(gctx, sessionID)
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, fmt.Sprintf("session %s not found", sessionID))
		}
		return wrapLoad("session", err)
	})
	g.Go(func() (err error) {
		days, err = s.calendar.ListDays(gctx, sessionID)
		return wrapLoad("session calendar", err)
	})
	if parts.trainers {
		g.Go(func() (err error) {
			pools, err = s.trainers.ListPools(gctx)
			return wrapLoad("trainer pools", err)
		})
		g.Go(func() (err error) {
			slots, err = s.trainers.ListSlots(gctx)
			return wrapLoad("trainer slots", err)
		})
	}
	if parts.prior {
		g.Go(func() (err error) {
			prior, err = s.assignments.ListExcludingSession(gctx, sessionID)
			return wrapLoad("prior assignments", err)
		})
	}
	if err := g.Wait(); err != nil {
		return timetable.Snapshot{}, err
	}
	s.metrics.ObserveDBQuery("timetable_snapshot", time.Since(started))

	return timetable.Snapshot{
		Specialties:      toCoreSpecialties(specialties),
		Modules:          toCoreModules(modules, quotas),
		Trainers:         toTrainerConfig(pools, slots),
		Session:          toCoreSession(session, days),
		PriorAssignments: toCoreAssignments(prior),
	}, nil
}

func wrapLoad(what string, err error) error {
	if err == nil {
		return nil
	}
	var appErr *appErrors.Error
	if errors.As(err, &appErr) {
		return err
	}
	return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load "+what)
}

func toCoreSpecialties(rows []models.Specialty) []timetable.Specialty {
	out := make([]timetable.Specialty, 0, len(rows))
	for _, row := range rows {
		out = append(out, timetable.Specialty{ID: row.ID, GroupsCount: row.GroupsCount})
	}
	return out
}

func toCoreModules(rows []models.Module, quotas []models.ModuleQuota) []timetable.Module {
	byModule := make(map[string][]models.ModuleQuota)
	for _, quota := range quotas {
		byModule[quota.ModuleID] = append(byModule[quota.ModuleID], quota)
	}
	out := make([]timetable.Module, 0, len(rows))
	for _, row := range rows {
		module := timetable.Module{
			ID:           row.ID,
			Name:         row.Name,
			PerSpecialty: row.PerSpecialty,
			Quotas:       make(map[string]int),
		}
		for _, quota := range byModule[row.ID] {
			if quota.SpecialtyID == "" {
				module.Quotas[quota.SessionID] = quota.Hours
				continue
			}
			if module.SpecialtyQuotas == nil {
				module.SpecialtyQuotas = make(map[string]map[string]int)
			}
			if module.SpecialtyQuotas[quota.SpecialtyID] == nil {
				module.SpecialtyQuotas[quota.SpecialtyID] = make(map[string]int)
			}
			module.SpecialtyQuotas[quota.SpecialtyID][quota.SessionID] = quota.Hours
		}
		out = append(out, module)
	}
	return out
}

func toTrainerConfig(pools []models.TrainerPool, slots []models.TrainerSlot) timetable.TrainerConfig {
	cfg := timetable.TrainerConfig{
		Pools:      make(map[string]timetable.TrainerPool),
		Names:      make(map[timetable.TrainerSlotKey]string),
		TrainerIDs: make(map[timetable.TrainerSlotKey]string),
	}
	for _, row := range pools {
		pool := cfg.Pools[row.ModuleID]
		if row.SpecialtyID == "" {
			pool.Flat = row.Size
		} else {
			if pool.PerSpecialty == nil {
				pool.PerSpecialty = make(map[string]int)
			}
			pool.PerSpecialty[row.SpecialtyID] = row.Size
		}
		cfg.Pools[row.ModuleID] = pool
	}
	for _, row := range slots {
		key := timetable.TrainerSlotKey(row.SlotKey)
		if row.DisplayName != nil {
			cfg.Names[key] = *row.DisplayName
		}
		if row.TrainerID != nil && *row.TrainerID != "" {
			cfg.TrainerIDs[key] = *row.TrainerID
		}
	}
	return cfg
}

func toCoreSession(row *models.Session, days []models.SessionDay) timetable.Session {
	if row == nil {
		return timetable.Session{}
	}
	session := timetable.Session{
		ID:           row.ID,
		Start:        row.StartDate,
		End:          row.EndDate,
		HoursPerDay:  row.HoursPerDay,
		ActiveDays:   row.ActiveDays,
		ReservedDays: row.ReservedDays,
		Days:         make([]timetable.WorkingDay, 0, len(days)),
	}
	for _, day := range days {
		session.Days = append(session.Days, timetable.WorkingDay{Date: day.DayDate, Short: day.IsShort})
	}
	return session
}

func toCoreAssignments(rows []models.Assignment) []timetable.Assignment {
	out := make([]timetable.Assignment, 0, len(rows))
	for _, row := range rows {
		out = append(out, timetable.Assignment{
			ModuleID:       row.ModuleID,
			TrainerSlotKey: timetable.TrainerSlotKey(row.TrainerSlotKey),
			GroupID:        row.GroupID,
			DayIndex:       row.DayIndex,
			Hour:           row.Hour,
			SessionID:      row.SessionID,
			Date:           row.DayDate,
		})
	}
	return out
}

func toAssignmentRows(rows []timetable.Assignment) []models.Assignment {
	out := make([]models.Assignment, 0, len(rows))
	for _, row := range rows {
		out = append(out, models.Assignment{
			SessionID:      row.SessionID,
			GroupID:        row.GroupID,
			ModuleID:       row.ModuleID,
			TrainerSlotKey: string(row.TrainerSlotKey),
			DayIndex:       row.DayIndex,
			Hour:           row.Hour,
			DayDate:        row.Date,
		})
	}
	return out
}

func decodeGroupSchedule(row models.GroupSchedule) (timetable.GroupSchedule, error) {
	schedule := timetable.GroupSchedule{GroupID: row.GroupID}
	if len(row.Days) == 0 {
		return schedule, nil
	}
	if err := json.Unmarshal(row.Days, &schedule.Days); err != nil {
		return timetable.GroupSchedule{}, fmt.Errorf("decode schedule of group %s: %w", row.GroupID, err)
	}
	return schedule, nil
}

func encodeGroupSchedule(schedule timetable.GroupSchedule) (models.GroupSchedule, error) {
	days := schedule.Days
	if days == nil {
		days = []timetable.DaySchedule{}
	}
	payload, err := json.Marshal(days)
	if err != nil {
		return models.GroupSchedule{}, fmt.Errorf("encode schedule of group %s: %w", schedule.GroupID, err)
	}
	return models.GroupSchedule{GroupID: schedule.GroupID, Days: payload}, nil
}
