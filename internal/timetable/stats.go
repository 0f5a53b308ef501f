package timetable

import (
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// CompletionStat summarises how close a module came to its quota.
type CompletionStat struct {
	ModuleID              string  `json:"moduleId"`
	RequiredHours         float64 `json:"requiredHours"`
	AverageScheduledHours float64 `json:"averageScheduledHours"`
	MinScheduledHours     float64 `json:"minScheduledHours"`
	// Shortfall is the average number of required hours left unscheduled.
	Shortfall float64 `json:"shortfall"`
}

// ComputeStats compares scheduled hours against the requirement table, per
// module and averaged over groups.
func ComputeStats(req Requirements, assignments []Assignment) []CompletionStat {
	scheduled := make(map[string]map[string]float64)
	for _, row := range assignments {
		perModule := scheduled[row.GroupID]
		if perModule == nil {
			perModule = make(map[string]float64)
			scheduled[row.GroupID] = perModule
		}
		perModule[row.ModuleID]++
	}

	groupIDs := make([]string, 0, len(req.Table))
	moduleSet := make(map[string]struct{})
	for groupID, row := range req.Table {
		groupIDs = append(groupIDs, groupID)
		for moduleID := range row {
			moduleSet[moduleID] = struct{}{}
		}
	}
	sort.Strings(groupIDs)
	moduleIDs := make([]string, 0, len(moduleSet))
	for moduleID := range moduleSet {
		moduleIDs = append(moduleIDs, moduleID)
	}
	sort.Slice(moduleIDs, func(i, j int) bool {
		if (moduleIDs[i] == FillerModuleID) != (moduleIDs[j] == FillerModuleID) {
			return moduleIDs[j] == FillerModuleID
		}
		return moduleIDs[i] < moduleIDs[j]
	})

	stats := make([]CompletionStat, 0, len(moduleIDs))
	for _, moduleID := range moduleIDs {
		var required, done, missing []float64
		for _, groupID := range groupIDs {
			hours, ok := req.Table[groupID][moduleID]
			if !ok {
				continue
			}
			got := scheduled[groupID][moduleID]
			required = append(required, float64(hours))
			done = append(done, got)
			if gap := float64(hours) - got; gap > 0 {
				missing = append(missing, gap)
			} else {
				missing = append(missing, 0)
			}
		}
		if len(required) == 0 {
			continue
		}
		stats = append(stats, CompletionStat{
			ModuleID:              moduleID,
			RequiredHours:         stat.Mean(required, nil),
			AverageScheduledHours: stat.Mean(done, nil),
			MinScheduledHours:     floats.Min(done),
			Shortfall:             stat.Mean(missing, nil),
		})
	}
	return stats
}
