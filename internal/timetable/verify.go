package timetable

import (
	"fmt"
	"sort"
)

// ViolationKind names a broken hard constraint.
type ViolationKind string

const (
	ViolationDoubleBooking ViolationKind = "DOUBLE_BOOKING"
	ViolationDailyCap      ViolationKind = "DAILY_CAP"
)

// Violation describes one hard-constraint breach in a set of assignments.
type Violation struct {
	Kind      ViolationKind   `json:"kind"`
	SessionID string          `json:"sessionId"`
	DayIndex  int             `json:"dayIndex"`
	Hour      int             `json:"hour,omitempty"`
	GroupIDs  []string        `json:"groupIds"`
	ModuleID  string          `json:"moduleId,omitempty"`
	Trainer   TrainerIdentity `json:"trainer,omitempty"`
	Message   string          `json:"message"`
}

type hourKey struct {
	session string
	day     int
	hour    int
}

type dayKey struct {
	session string
	group   string
	module  string
	day     int
}

// Verify checks assignments against the hard constraints: a trainer identity
// teaches at most one group per hour, and a group receives at most dailyCap
// hours of a module per day. The filler module is exempt from the cap.
func Verify(assignments []Assignment, resolver IdentityResolver, dailyCap int) []Violation {
	if dailyCap <= 0 {
		dailyCap = DefaultDailyModuleCap
	}
	booked := make(map[hourKey]map[TrainerIdentity][]Assignment)
	perDay := make(map[dayKey]int)
	for _, row := range assignments {
		if row.ModuleID != FillerModuleID {
			perDay[dayKey{session: row.SessionID, group: row.GroupID, module: row.ModuleID, day: row.DayIndex}]++
		}
		if row.TrainerSlotKey == "" {
			continue
		}
		key := hourKey{session: row.SessionID, day: row.DayIndex, hour: row.Hour}
		identity := resolver.Resolve(row.ModuleID, row.TrainerSlotKey)
		if booked[key] == nil {
			booked[key] = make(map[TrainerIdentity][]Assignment)
		}
		booked[key][identity] = append(booked[key][identity], row)
	}

	var violations []Violation
	for key, identities := range booked {
		for identity, rows := range identities {
			if len(rows) < 2 {
				continue
			}
			groups := make([]string, 0, len(rows))
			for _, row := range rows {
				groups = append(groups, row.GroupID)
			}
			sort.Strings(groups)
			violations = append(violations, Violation{
				Kind:      ViolationDoubleBooking,
				SessionID: key.session,
				DayIndex:  key.day,
				Hour:      key.hour,
				GroupIDs:  groups,
				Trainer:   identity,
				Message:   fmt.Sprintf("trainer %s teaches %d groups at day %d hour %d", identity, len(rows), key.day, key.hour),
			})
		}
	}
	for key, hours := range perDay {
		if hours <= dailyCap {
			continue
		}
		violations = append(violations, Violation{
			Kind:      ViolationDailyCap,
			SessionID: key.session,
			DayIndex:  key.day,
			GroupIDs:  []string{key.group},
			ModuleID:  key.module,
			Message:   fmt.Sprintf("group %s has %d hours of module %s on day %d", key.group, hours, key.module, key.day),
		})
	}
	sort.Slice(violations, func(i, j int) bool {
		a, b := violations[i], violations[j]
		if a.SessionID != b.SessionID {
			return a.SessionID < b.SessionID
		}
		if a.DayIndex != b.DayIndex {
			return a.DayIndex < b.DayIndex
		}
		if a.Hour != b.Hour {
			return a.Hour < b.Hour
		}
		return a.Message < b.Message
	})
	return violations
}

// CheckEdit reports the rows already holding the candidate's trainer identity
// in the same session hour. It backs re-validation of manual cell edits.
func CheckEdit(existing []Assignment, candidate Assignment, resolver IdentityResolver) []Assignment {
	if candidate.TrainerSlotKey == "" {
		return nil
	}
	target := resolver.Resolve(candidate.ModuleID, candidate.TrainerSlotKey)
	var clashes []Assignment
	for _, row := range existing {
		if row.SessionID != candidate.SessionID || row.DayIndex != candidate.DayIndex || row.Hour != candidate.Hour {
			continue
		}
		if row.GroupID == candidate.GroupID || row.TrainerSlotKey == "" {
			continue
		}
		if resolver.Resolve(row.ModuleID, row.TrainerSlotKey) == target {
			clashes = append(clashes, row)
		}
	}
	return clashes
}
