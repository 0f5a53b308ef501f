// Package timetable builds conflict-free session timetables for trainee groups.
//
// The package is pure: it performs no I/O and every run is a function of its
// Snapshot plus the injected random source. Persistence, caching and transport
// live in the service layer.
package timetable

import (
	"sort"
	"strconv"
	"time"
)

// FillerModuleID identifies the synthetic revision module absorbing idle hours.
const FillerModuleID = "revision"

// TrainerSlotKey is a configuration handle for "the Nth trainer of module M
// (optionally within specialty S)". It is only unique within one module.
type TrainerSlotKey string

// TrainerIdentity is the cross-module busy token used for conflict detection.
type TrainerIdentity string

// Specialty groups trainees that share a curriculum.
type Specialty struct {
	ID          string `json:"id" yaml:"id"`
	GroupsCount int    `json:"groupsCount" yaml:"groupsCount"`
}

// Group is one cohort of a specialty.
type Group struct {
	SpecialtyID string `json:"specialtyId"`
	LocalIndex  int    `json:"localIndex"`
}

// ID returns the stable composite key of the group.
func (g Group) ID() string {
	return g.SpecialtyID + strconv.Itoa(g.LocalIndex)
}

// Module is a curriculum subject with per-session hour quotas.
type Module struct {
	ID   string `json:"id" yaml:"id"`
	Name string `json:"name" yaml:"name"`
	// PerSpecialty marks modules whose trainer pool is configured per specialty.
	PerSpecialty bool `json:"perSpecialty" yaml:"perSpecialty"`
	// Quotas maps a session id to the hours each group must receive.
	Quotas map[string]int `json:"quotas" yaml:"quotas"`
	// SpecialtyQuotas overrides Quotas for a given specialty.
	SpecialtyQuotas map[string]map[string]int `json:"specialtyQuotas,omitempty" yaml:"specialtyQuotas,omitempty"`
}

// RequiredHours returns the default quota for the session.
func (m Module) RequiredHours(sessionID string) int {
	if m.Quotas == nil {
		return 0
	}
	return m.Quotas[sessionID]
}

// RequiredHoursFor returns the quota a group of the specialty must receive.
func (m Module) RequiredHoursFor(specialtyID, sessionID string) int {
	if override, ok := m.SpecialtyQuotas[specialtyID]; ok {
		if hours, ok := override[sessionID]; ok {
			return hours
		}
	}
	return m.RequiredHours(sessionID)
}

// TrainerPool describes how many trainers teach a module.
type TrainerPool struct {
	Flat         int            `json:"flat" yaml:"flat"`
	PerSpecialty map[string]int `json:"perSpecialty,omitempty" yaml:"perSpecialty,omitempty"`
}

// TrainerConfig is the immutable trainer configuration for a run.
type TrainerConfig struct {
	Pools map[string]TrainerPool `json:"pools" yaml:"pools"`
	// Names holds optional display names keyed by slot key.
	Names map[TrainerSlotKey]string `json:"names,omitempty" yaml:"names,omitempty"`
	// TrainerIDs holds optional explicit stable trainer ids keyed by slot key.
	TrainerIDs map[TrainerSlotKey]string `json:"trainerIds,omitempty" yaml:"trainerIds,omitempty"`
}

// SlotKey formats the key of the nth (1-based) trainer of a module. The
// specialty is empty for flat pools.
func SlotKey(moduleID, specialtyID string, n int) TrainerSlotKey {
	if specialtyID == "" {
		return TrainerSlotKey("m" + moduleID + "-t" + strconv.Itoa(n))
	}
	return TrainerSlotKey("m" + moduleID + "-" + specialtyID + "-t" + strconv.Itoa(n))
}

// SlotKeys lists the trainer pool of the module as seen by a group of the
// given specialty.
func (c TrainerConfig) SlotKeys(module Module, specialtyID string) []TrainerSlotKey {
	pool, ok := c.Pools[module.ID]
	if !ok {
		return nil
	}
	if module.PerSpecialty {
		count := pool.PerSpecialty[specialtyID]
		keys := make([]TrainerSlotKey, 0, count)
		for i := 1; i <= count; i++ {
			keys = append(keys, SlotKey(module.ID, specialtyID, i))
		}
		return keys
	}
	keys := make([]TrainerSlotKey, 0, pool.Flat)
	for i := 1; i <= pool.Flat; i++ {
		keys = append(keys, SlotKey(module.ID, "", i))
	}
	return keys
}

// WorkingDay is one date of the session calendar.
type WorkingDay struct {
	Date time.Time `json:"date" yaml:"date"`
	// Short days lose their last teaching hour.
	Short bool `json:"short,omitempty" yaml:"short,omitempty"`
}

// Session is one calendar window of the curriculum. ReservedDays are dropped
// from the end of the calendar for administrative use.
type Session struct {
	ID           string       `json:"id" yaml:"id"`
	Start        time.Time    `json:"start" yaml:"start"`
	End          time.Time    `json:"end" yaml:"end"`
	HoursPerDay  int          `json:"hoursPerDay" yaml:"hoursPerDay"`
	ActiveDays   int          `json:"activeDays,omitempty" yaml:"activeDays,omitempty"`
	ReservedDays int          `json:"reservedDays,omitempty" yaml:"reservedDays,omitempty"`
	Days         []WorkingDay `json:"days" yaml:"days"`
}

// SchedulableDays returns the ordered days the generator fills.
func (s Session) SchedulableDays() []WorkingDay {
	days := make([]WorkingDay, len(s.Days))
	copy(days, s.Days)
	sort.SliceStable(days, func(i, j int) bool { return days[i].Date.Before(days[j].Date) })
	if s.ActiveDays > 0 && s.ActiveDays < len(days) {
		days = days[:s.ActiveDays]
	}
	if s.ReservedDays > 0 {
		if s.ReservedDays >= len(days) {
			return nil
		}
		days = days[:len(days)-s.ReservedDays]
	}
	return days
}

// HoursOn returns the teaching hours of a day.
func (s Session) HoursOn(day WorkingDay) int {
	if day.Short && s.HoursPerDay > 1 {
		return s.HoursPerDay - 1
	}
	return s.HoursPerDay
}

// RequirementTable maps group id to module id to required hours.
type RequirementTable map[string]map[string]int

// Clone returns a deep copy.
func (t RequirementTable) Clone() RequirementTable {
	out := make(RequirementTable, len(t))
	for group, modules := range t {
		inner := make(map[string]int, len(modules))
		for module, hours := range modules {
			inner[module] = hours
		}
		out[group] = inner
	}
	return out
}

// Slot is one scheduled hour inside a day.
type Slot struct {
	Hour           int            `json:"hour"`
	ModuleID       string         `json:"moduleId"`
	TrainerSlotKey TrainerSlotKey `json:"trainerSlotKey,omitempty"`
}

// DaySchedule lists the slots of one group on one date.
type DaySchedule struct {
	Date  time.Time `json:"date"`
	Slots []Slot    `json:"slots"`
}

// GroupSchedule is the multi-session calendar of one group.
type GroupSchedule struct {
	GroupID string        `json:"groupId"`
	Days    []DaySchedule `json:"days"`
}

// Assignment is one row of the flat fact table.
type Assignment struct {
	ModuleID       string         `json:"moduleId" yaml:"moduleId"`
	TrainerSlotKey TrainerSlotKey `json:"trainerSlotKey,omitempty" yaml:"trainerSlotKey,omitempty"`
	GroupID        string         `json:"groupId" yaml:"groupId"`
	DayIndex       int            `json:"dayIndex" yaml:"dayIndex"`
	Hour           int            `json:"hour" yaml:"hour"`
	SessionID      string         `json:"sessionId" yaml:"sessionId"`
	Date           time.Time      `json:"date" yaml:"date"`
}

// PersistenceMap records the trainer that taught a group/module pair in an
// earlier session.
type PersistenceMap map[string]map[string]TrainerSlotKey

// BuildPersistenceMap derives continuity from assignments of other sessions.
// The first row seen for a pair wins.
func BuildPersistenceMap(prior []Assignment, sessionID string) PersistenceMap {
	out := make(PersistenceMap)
	for _, row := range prior {
		if row.SessionID == sessionID || row.TrainerSlotKey == "" || row.ModuleID == FillerModuleID {
			continue
		}
		modules := out[row.GroupID]
		if modules == nil {
			modules = make(map[string]TrainerSlotKey)
			out[row.GroupID] = modules
		}
		if _, seen := modules[row.ModuleID]; !seen {
			modules[row.ModuleID] = row.TrainerSlotKey
		}
	}
	return out
}

// Snapshot is the immutable input of a generation run.
type Snapshot struct {
	Specialties      []Specialty   `json:"specialties" yaml:"specialties"`
	Modules          []Module      `json:"modules" yaml:"modules"`
	Trainers         TrainerConfig `json:"trainers" yaml:"trainers"`
	Session          Session       `json:"session" yaml:"session"`
	PriorAssignments []Assignment  `json:"priorAssignments,omitempty" yaml:"priorAssignments,omitempty"`
}

// Groups expands the specialties into their groups in roster order.
func (s Snapshot) Groups() []Group {
	var groups []Group
	for _, specialty := range s.Specialties {
		for i := 1; i <= specialty.GroupsCount; i++ {
			groups = append(groups, Group{SpecialtyID: specialty.ID, LocalIndex: i})
		}
	}
	return groups
}

func dateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
