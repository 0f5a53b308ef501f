package service

import (
	"context"
	"fmt"
	"sort"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/noah-isme/timetable-api/internal/models"
	"github.com/noah-isme/timetable-api/internal/timetable"
	appErrors "github.com/noah-isme/timetable-api/pkg/errors"
)

type specialtyWriter interface {
	Upsert(ctx context.Context, exec sqlx.ExtContext, specialties []models.Specialty) error
}

type moduleWriter interface {
	Upsert(ctx context.Context, exec sqlx.ExtContext, modules []models.Module) error
	UpsertQuotas(ctx context.Context, exec sqlx.ExtContext, quotas []models.ModuleQuota) error
}

type trainerWriter interface {
	UpsertPools(ctx context.Context, exec sqlx.ExtContext, pools []models.TrainerPool) error
	UpsertSlots(ctx context.Context, exec sqlx.ExtContext, slots []models.TrainerSlot) error
}

type sessionWriter interface {
	Upsert(ctx context.Context, exec sqlx.ExtContext, session *models.Session) error
	ReplaceDays(ctx context.Context, exec sqlx.ExtContext, sessionID string, days []models.SessionDay) error
}

// SnapshotWriters groups the repositories an import writes to.
type SnapshotWriters struct {
	Specialties specialtyWriter
	Modules     moduleWriter
	Trainers    trainerWriter
	Sessions    sessionWriter
}

// ImportSummary counts the rows written by an import.
type ImportSummary struct {
	SessionID   string `json:"sessionId"`
	Specialties int    `json:"specialties"`
	Modules     int    `json:"modules"`
	Quotas      int    `json:"quotas"`
	Pools       int    `json:"pools"`
	Slots       int    `json:"slots"`
	Days        int    `json:"days"`
}

// SnapshotImporter stores an offline snapshot as reference data so the API
// can generate the same session.
type SnapshotImporter struct {
	writers SnapshotWriters
	tx      txProvider
	logger  *zap.Logger
}

// NewSnapshotImporter constructs the importer.
func NewSnapshotImporter(writers SnapshotWriters, tx txProvider, logger *zap.Logger) *SnapshotImporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SnapshotImporter{writers: writers, tx: tx, logger: logger}
}

// Import writes the snapshot in one transaction. Prior assignments are not
// imported; they belong to committed sessions.
func (i *SnapshotImporter) Import(ctx context.Context, snap timetable.Snapshot) (summary *ImportSummary, err error) {
	if snap.Session.ID == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "snapshot session id is required")
	}
	specialties := fromCoreSpecialties(snap.Specialties)
	modules, quotas := fromCoreModules(snap.Modules)
	pools, slots := fromTrainerConfig(snap.Trainers, snap.Modules)
	session, days := fromCoreSession(snap.Session)

	tx, err := i.tx.BeginTxx(ctx, nil)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to begin transaction")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	steps := []struct {
		what string
		run  func() error
	}{
		{"specialties", func() error { return i.writers.Specialties.Upsert(ctx, tx, specialties) }},
		{"modules", func() error { return i.writers.Modules.Upsert(ctx, tx, modules) }},
		{"session", func() error { return i.writers.Sessions.Upsert(ctx, tx, session) }},
		{"module quotas", func() error { return i.writers.Modules.UpsertQuotas(ctx, tx, quotas) }},
		{"trainer pools", func() error { return i.writers.Trainers.UpsertPools(ctx, tx, pools) }},
		{"trainer slots", func() error { return i.writers.Trainers.UpsertSlots(ctx, tx, slots) }},
		{"session calendar", func() error { return i.writers.Sessions.ReplaceDays(ctx, tx, session.ID, days) }},
	}
	for _, step := range steps {
		if err = step.run(); err != nil {
			err = appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to import "+step.what)
			return nil, err
		}
	}
	if err = tx.Commit(); err != nil {
		err = appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to commit import")
		return nil, err
	}

	summary = &ImportSummary{
		SessionID:   session.ID,
		Specialties: len(specialties),
		Modules:     len(modules),
		Quotas:      len(quotas),
		Pools:       len(pools),
		Slots:       len(slots),
		Days:        len(days),
	}
	i.logger.Info("snapshot imported",
		zap.String("session_id", session.ID),
		zap.Int("modules", summary.Modules),
		zap.Int("days", summary.Days),
	)
	return summary, nil
}

func fromCoreSpecialties(rows []timetable.Specialty) []models.Specialty {
	out := make([]models.Specialty, 0, len(rows))
	for pos, row := range rows {
		out = append(out, models.Specialty{ID: row.ID, Name: row.ID, GroupsCount: row.GroupsCount, Position: pos})
	}
	return out
}

func fromCoreModules(rows []timetable.Module) ([]models.Module, []models.ModuleQuota) {
	modules := make([]models.Module, 0, len(rows))
	var quotas []models.ModuleQuota
	for pos, row := range rows {
		modules = append(modules, models.Module{ID: row.ID, Name: row.Name, PerSpecialty: row.PerSpecialty, Position: pos})
		for _, sessionID := range sortedKeys(row.Quotas) {
			quotas = append(quotas, models.ModuleQuota{ModuleID: row.ID, SessionID: sessionID, Hours: row.Quotas[sessionID]})
		}
		for _, specialtyID := range sortedKeys(row.SpecialtyQuotas) {
			override := row.SpecialtyQuotas[specialtyID]
			for _, sessionID := range sortedKeys(override) {
				quotas = append(quotas, models.ModuleQuota{
					ModuleID:    row.ID,
					SessionID:   sessionID,
					SpecialtyID: specialtyID,
					Hours:       override[sessionID],
				})
			}
		}
	}
	return modules, quotas
}

// fromTrainerConfig flattens pools and slot metadata. Slot rows are only
// written for keys carrying a name or a trainer id.
func fromTrainerConfig(cfg timetable.TrainerConfig, modules []timetable.Module) ([]models.TrainerPool, []models.TrainerSlot) {
	var pools []models.TrainerPool
	for _, moduleID := range sortedKeys(cfg.Pools) {
		pool := cfg.Pools[moduleID]
		if pool.Flat > 0 {
			pools = append(pools, models.TrainerPool{ModuleID: moduleID, Size: pool.Flat})
		}
		for _, specialtyID := range sortedKeys(pool.PerSpecialty) {
			pools = append(pools, models.TrainerPool{ModuleID: moduleID, SpecialtyID: specialtyID, Size: pool.PerSpecialty[specialtyID]})
		}
	}

	owner := make(map[timetable.TrainerSlotKey]string)
	for _, module := range modules {
		pool := cfg.Pools[module.ID]
		if module.PerSpecialty {
			for specialtyID := range pool.PerSpecialty {
				for _, key := range cfg.SlotKeys(module, specialtyID) {
					owner[key] = module.ID
				}
			}
			continue
		}
		for _, key := range cfg.SlotKeys(module, "") {
			owner[key] = module.ID
		}
	}

	keys := make(map[timetable.TrainerSlotKey]struct{})
	for key := range cfg.Names {
		keys[key] = struct{}{}
	}
	for key := range cfg.TrainerIDs {
		keys[key] = struct{}{}
	}
	ordered := make([]string, 0, len(keys))
	for key := range keys {
		ordered = append(ordered, string(key))
	}
	sort.Strings(ordered)

	slots := make([]models.TrainerSlot, 0, len(ordered))
	for _, raw := range ordered {
		key := timetable.TrainerSlotKey(raw)
		slot := models.TrainerSlot{SlotKey: raw, ModuleID: owner[key]}
		if name, ok := cfg.Names[key]; ok {
			name := name
			slot.DisplayName = &name
		}
		if id, ok := cfg.TrainerIDs[key]; ok && id != "" {
			id := id
			slot.TrainerID = &id
		}
		slots = append(slots, slot)
	}
	return pools, slots
}

func fromCoreSession(session timetable.Session) (*models.Session, []models.SessionDay) {
	row := &models.Session{
		ID:           session.ID,
		StartDate:    session.Start,
		EndDate:      session.End,
		HoursPerDay:  session.HoursPerDay,
		ActiveDays:   session.ActiveDays,
		ReservedDays: session.ReservedDays,
	}
	days := make([]models.SessionDay, 0, len(session.Days))
	for _, day := range session.Days {
		days = append(days, models.SessionDay{SessionID: session.ID, DayDate: day.Date, IsShort: day.Short})
	}
	if row.StartDate.IsZero() && len(days) > 0 {
		row.StartDate = days[0].DayDate
	}
	if row.EndDate.IsZero() && len(days) > 0 {
		row.EndDate = days[len(days)-1].DayDate
	}
	return row, days
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// PrepareSnapshot expands the calendar when the snapshot carries a date range
// without explicit working days.
func PrepareSnapshot(snap timetable.Snapshot, rules timetable.CalendarRules) (timetable.Snapshot, error) {
	if len(snap.Session.Days) > 0 {
		return snap, nil
	}
	if snap.Session.Start.IsZero() || snap.Session.End.IsZero() {
		return snap, fmt.Errorf("session %s has neither days nor a start and end date", snap.Session.ID)
	}
	snap.Session.Days = timetable.ExpandWorkingDays(snap.Session.Start, snap.Session.End, rules)
	return snap, nil
}
