package timetable

// Requirements is the output of the requirement calculation for a session.
type Requirements struct {
	Table RequirementTable
	// Capacity is the number of teaching hours available to every group.
	Capacity int
	// Filler holds the revision hours granted to each group.
	Filler map[string]int
}

// Capacity returns the teaching hours available to one group in the session.
func Capacity(session Session) int {
	total := 0
	for _, day := range session.SchedulableDays() {
		total += session.HoursOn(day)
	}
	return total
}

// CalculateRequirements turns per-session module quotas into a per-group
// requirement table. Surplus capacity becomes filler hours; a negative surplus
// is clamped to zero.
func CalculateRequirements(specialties []Specialty, modules []Module, session Session) Requirements {
	capacity := Capacity(session)
	req := Requirements{
		Table:    make(RequirementTable),
		Capacity: capacity,
		Filler:   make(map[string]int),
	}
	snapshot := Snapshot{Specialties: specialties}
	for _, group := range snapshot.Groups() {
		row := make(map[string]int)
		sum := 0
		for _, module := range modules {
			if module.ID == FillerModuleID {
				continue
			}
			hours := module.RequiredHoursFor(group.SpecialtyID, session.ID)
			if hours <= 0 {
				continue
			}
			row[module.ID] = hours
			sum += hours
		}
		if surplus := capacity - sum; surplus > 0 {
			row[FillerModuleID] = surplus
			req.Filler[group.ID()] = surplus
		}
		req.Table[group.ID()] = row
	}
	return req
}
