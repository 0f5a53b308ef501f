package timetable

import "time"

// CalendarRules describes how a date range becomes working days.
type CalendarRules struct {
	RestDays  []time.Weekday `json:"restDays" yaml:"restDays"`
	Holidays  []time.Time    `json:"holidays" yaml:"holidays"`
	ShortDays []time.Time    `json:"shortDays" yaml:"shortDays"`
}

// ExpandWorkingDays lists the dates in [start, end] that are neither weekly
// rest days nor holidays.
func ExpandWorkingDays(start, end time.Time, rules CalendarRules) []WorkingDay {
	start, end = dateOnly(start), dateOnly(end)
	if end.Before(start) {
		return nil
	}
	rest := make(map[time.Weekday]bool, len(rules.RestDays))
	for _, day := range rules.RestDays {
		rest[day] = true
	}
	holidays := make(map[time.Time]bool, len(rules.Holidays))
	for _, day := range rules.Holidays {
		holidays[dateOnly(day)] = true
	}
	short := make(map[time.Time]bool, len(rules.ShortDays))
	for _, day := range rules.ShortDays {
		short[dateOnly(day)] = true
	}

	var days []WorkingDay
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		if rest[d.Weekday()] || holidays[d] {
			continue
		}
		days = append(days, WorkingDay{Date: d, Short: short[d]})
	}
	return days
}
