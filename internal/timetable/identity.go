package timetable

import (
	"strings"
	"unicode/utf8"
)

// IdentityResolver maps a module-scoped trainer slot to the busy token used
// for conflict detection. Implementations must be pure.
type IdentityResolver interface {
	Resolve(moduleID string, key TrainerSlotKey) TrainerIdentity
}

// NameResolver collapses slots that share an explicit trainer id or a display
// name. Slots with neither fall back to a module-scoped identity, which cannot
// detect the same person configured under two modules.
type NameResolver struct {
	Names      map[TrainerSlotKey]string
	TrainerIDs map[TrainerSlotKey]string
}

// NewNameResolver builds the default resolver from trainer configuration.
func NewNameResolver(cfg TrainerConfig) NameResolver {
	return NameResolver{Names: cfg.Names, TrainerIDs: cfg.TrainerIDs}
}

// Resolve implements IdentityResolver.
func (r NameResolver) Resolve(moduleID string, key TrainerSlotKey) TrainerIdentity {
	if id := strings.TrimSpace(r.TrainerIDs[key]); id != "" {
		return TrainerIdentity("id:" + id)
	}
	if name := strings.TrimSpace(r.Names[key]); utf8.RuneCountInString(name) > 1 {
		return TrainerIdentity("name:" + strings.ToLower(name))
	}
	return TrainerIdentity("slot:" + moduleID + "/" + string(key))
}

// fillerIdentity is unique per group so revision hours never collide.
func fillerIdentity(groupID string) TrainerIdentity {
	return TrainerIdentity("filler:" + groupID)
}
