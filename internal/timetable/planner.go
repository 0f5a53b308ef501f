package timetable

import "fmt"

// AssignmentPlan fixes the trainer of every group/module pair for one attempt.
type AssignmentPlan map[string]map[string]TrainerSlotKey

// Trainer returns the planned slot key, or "" when none is planned.
func (p AssignmentPlan) Trainer(groupID, moduleID string) TrainerSlotKey {
	return p[groupID][moduleID]
}

// checkTrainerPools fails fast when a required module has no trainer slots
// for some group.
func checkTrainerPools(groups []Group, modules []Module, table RequirementTable, trainers TrainerConfig) *SchedulingFailure {
	for _, module := range modules {
		if module.ID == FillerModuleID {
			continue
		}
		for _, group := range groups {
			if table[group.ID()][module.ID] <= 0 {
				continue
			}
			if len(trainers.SlotKeys(module, group.SpecialtyID)) == 0 {
				return &SchedulingFailure{
					Kind:               FailureMisconfiguration,
					Reason:             fmt.Sprintf("module %s requires hours for group %s but has no trainer slots", module.ID, group.ID()),
					BottleneckModuleID: module.ID,
				}
			}
		}
	}
	return nil
}

// PlanAssignments picks the trainer teaching each required group/module pair
// for the whole session. A trainer recorded for the pair in another session is
// reused while it is still part of the pool; otherwise the pool is walked in a
// rotation shifted by attemptOffset.
func PlanAssignments(groups []Group, modules []Module, table RequirementTable, trainers TrainerConfig, persistence PersistenceMap, attemptOffset int) AssignmentPlan {
	plan := make(AssignmentPlan, len(groups))
	localOrdinal := make(map[string]int)
	for globalOrdinal, group := range groups {
		groupID := group.ID()
		local := localOrdinal[group.SpecialtyID]
		localOrdinal[group.SpecialtyID] = local + 1

		row := make(map[string]TrainerSlotKey)
		for _, module := range modules {
			if module.ID == FillerModuleID || table[groupID][module.ID] <= 0 {
				continue
			}
			pool := trainers.SlotKeys(module, group.SpecialtyID)
			if len(pool) == 0 {
				continue
			}
			if previous, ok := persistence[groupID][module.ID]; ok && containsKey(pool, previous) {
				row[module.ID] = previous
				continue
			}
			ordinal := globalOrdinal
			if module.PerSpecialty {
				ordinal = local
			}
			row[module.ID] = pool[(ordinal+attemptOffset)%len(pool)]
		}
		plan[groupID] = row
	}
	return plan
}

func containsKey(pool []TrainerSlotKey, key TrainerSlotKey) bool {
	for _, candidate := range pool {
		if candidate == key {
			return true
		}
	}
	return false
}
