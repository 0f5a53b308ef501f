package timetable

import (
	"sort"
	"time"
)

// MergeGroupSchedules splices freshly generated days into the persistent
// calendar. For every group present in fresh, existing days inside [from, to]
// are dropped and the fresh days inserted; days outside the range and groups
// absent from fresh are returned unchanged. Inputs are not mutated.
func MergeGroupSchedules(prior, fresh []GroupSchedule, from, to time.Time) []GroupSchedule {
	from, to = dateOnly(from), dateOnly(to)
	freshByGroup := make(map[string]GroupSchedule, len(fresh))
	for _, schedule := range fresh {
		freshByGroup[schedule.GroupID] = schedule
	}

	out := make([]GroupSchedule, 0, len(prior)+len(fresh))
	merged := make(map[string]bool, len(fresh))
	for _, existing := range prior {
		update, ok := freshByGroup[existing.GroupID]
		if !ok {
			out = append(out, cloneGroupSchedule(existing))
			continue
		}
		days := make([]DaySchedule, 0, len(existing.Days)+len(update.Days))
		for _, day := range existing.Days {
			if inRange(day.Date, from, to) {
				continue
			}
			days = append(days, cloneDay(day))
		}
		for _, day := range update.Days {
			if inRange(day.Date, from, to) {
				days = append(days, cloneDay(day))
			}
		}
		sortDays(days)
		out = append(out, GroupSchedule{GroupID: existing.GroupID, Days: days})
		merged[existing.GroupID] = true
	}

	for _, schedule := range fresh {
		if merged[schedule.GroupID] {
			continue
		}
		days := make([]DaySchedule, 0, len(schedule.Days))
		for _, day := range schedule.Days {
			if inRange(day.Date, from, to) {
				days = append(days, cloneDay(day))
			}
		}
		sortDays(days)
		out = append(out, GroupSchedule{GroupID: schedule.GroupID, Days: days})
		merged[schedule.GroupID] = true
	}
	return out
}

// MergeAssignments replaces the rows of sessionID with fresh, leaving every
// other session untouched.
func MergeAssignments(prior, fresh []Assignment, sessionID string) []Assignment {
	out := make([]Assignment, 0, len(prior)+len(fresh))
	for _, row := range prior {
		if row.SessionID == sessionID {
			continue
		}
		out = append(out, row)
	}
	return append(out, fresh...)
}

func inRange(date, from, to time.Time) bool {
	d := dateOnly(date)
	return !d.Before(from) && !d.After(to)
}

func sortDays(days []DaySchedule) {
	sort.SliceStable(days, func(i, j int) bool { return days[i].Date.Before(days[j].Date) })
}

func cloneDay(day DaySchedule) DaySchedule {
	if day.Slots == nil {
		return DaySchedule{Date: day.Date}
	}
	slots := make([]Slot, len(day.Slots))
	copy(slots, day.Slots)
	return DaySchedule{Date: day.Date, Slots: slots}
}

func cloneGroupSchedule(schedule GroupSchedule) GroupSchedule {
	days := make([]DaySchedule, len(schedule.Days))
	for i, day := range schedule.Days {
		days[i] = cloneDay(day)
	}
	return GroupSchedule{GroupID: schedule.GroupID, Days: days}
}
