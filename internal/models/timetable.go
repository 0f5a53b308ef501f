package models

import (
	"time"

	"github.com/jmoiron/sqlx/types"
)

// Specialty is a row of the specialties table.
type Specialty struct {
	ID          string    `db:"id" json:"id"`
	Name        string    `db:"name" json:"name"`
	GroupsCount int       `db:"groups_count" json:"groupsCount"`
	Position    int       `db:"position" json:"position"`
	CreatedAt   time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt   time.Time `db:"updated_at" json:"updatedAt"`
}

// Module is a row of the modules table.
type Module struct {
	ID           string    `db:"id" json:"id"`
	Name         string    `db:"name" json:"name"`
	PerSpecialty bool      `db:"per_specialty" json:"perSpecialty"`
	Position     int       `db:"position" json:"position"`
	CreatedAt    time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt    time.Time `db:"updated_at" json:"updatedAt"`
}

// ModuleQuota holds the hours of a module for one session. SpecialtyID is
// empty for the default quota.
type ModuleQuota struct {
	ModuleID    string `db:"module_id" json:"moduleId"`
	SessionID   string `db:"session_id" json:"sessionId"`
	SpecialtyID string `db:"specialty_id" json:"specialtyId,omitempty"`
	Hours       int    `db:"hours" json:"hours"`
}

// TrainerPool is the trainer count of a module, per specialty when
// SpecialtyID is set.
type TrainerPool struct {
	ModuleID    string `db:"module_id" json:"moduleId"`
	SpecialtyID string `db:"specialty_id" json:"specialtyId,omitempty"`
	Size        int    `db:"size" json:"size"`
}

// TrainerSlot carries the optional display name and stable id of a slot key.
type TrainerSlot struct {
	SlotKey     string  `db:"slot_key" json:"slotKey"`
	ModuleID    string  `db:"module_id" json:"moduleId"`
	DisplayName *string `db:"display_name" json:"displayName,omitempty"`
	TrainerID   *string `db:"trainer_id" json:"trainerId,omitempty"`
}

// Session is a row of the sessions table.
type Session struct {
	ID           string    `db:"id" json:"id"`
	StartDate    time.Time `db:"start_date" json:"startDate"`
	EndDate      time.Time `db:"end_date" json:"endDate"`
	HoursPerDay  int       `db:"hours_per_day" json:"hoursPerDay"`
	ActiveDays   int       `db:"active_days" json:"activeDays"`
	ReservedDays int       `db:"reserved_days" json:"reservedDays"`
	CreatedAt    time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt    time.Time `db:"updated_at" json:"updatedAt"`
}

// SessionDay is one working date of a session calendar.
type SessionDay struct {
	SessionID string    `db:"session_id" json:"sessionId"`
	DayDate   time.Time `db:"day_date" json:"date"`
	IsShort   bool      `db:"is_short" json:"short"`
}

// Assignment is a persisted row of the flat assignment table.
type Assignment struct {
	ID             int64     `db:"id" json:"id"`
	SessionID      string    `db:"session_id" json:"sessionId"`
	GroupID        string    `db:"group_id" json:"groupId"`
	ModuleID       string    `db:"module_id" json:"moduleId"`
	TrainerSlotKey string    `db:"trainer_slot_key" json:"trainerSlotKey,omitempty"`
	DayIndex       int       `db:"day_index" json:"dayIndex"`
	Hour           int       `db:"hour" json:"hour"`
	DayDate        time.Time `db:"day_date" json:"date"`
	CreatedAt      time.Time `db:"created_at" json:"createdAt"`
}

// AssignmentFilter narrows assignment listings.
type AssignmentFilter struct {
	SessionID      string
	GroupID        string
	ModuleID       string
	TrainerSlotKey string
	Page           int
	PageSize       int
}

// GroupSchedule stores the multi-session calendar of a group as JSON days.
type GroupSchedule struct {
	GroupID   string         `db:"group_id" json:"groupId"`
	Days      types.JSONText `db:"days" json:"days"`
	UpdatedAt time.Time      `db:"updated_at" json:"updatedAt"`
}

// GenerationRunStatus tracks the lifecycle of an asynchronous generation.
type GenerationRunStatus string

const (
	GenerationRunQueued    GenerationRunStatus = "QUEUED"
	GenerationRunRunning   GenerationRunStatus = "RUNNING"
	GenerationRunSucceeded GenerationRunStatus = "SUCCEEDED"
	GenerationRunFailed    GenerationRunStatus = "FAILED"
)

// GenerationRun is a row of the generation_runs table.
type GenerationRun struct {
	ID                 string              `db:"id" json:"id"`
	SessionID          string              `db:"session_id" json:"sessionId"`
	Status             GenerationRunStatus `db:"status" json:"status"`
	Seed               *int64              `db:"seed" json:"seed,omitempty"`
	CommitResult       bool                `db:"commit_result" json:"commit"`
	AttemptsUsed       int                 `db:"attempts_used" json:"attemptsUsed"`
	FailureKind        *string             `db:"failure_kind" json:"failureKind,omitempty"`
	FailureReason      *string             `db:"failure_reason" json:"failureReason,omitempty"`
	BottleneckModuleID *string             `db:"bottleneck_module_id" json:"bottleneckModuleId,omitempty"`
	ProposalID         *string             `db:"proposal_id" json:"proposalId,omitempty"`
	RequestedBy        *string             `db:"requested_by" json:"requestedBy,omitempty"`
	CreatedAt          time.Time           `db:"created_at" json:"createdAt"`
	StartedAt          *time.Time          `db:"started_at" json:"startedAt,omitempty"`
	FinishedAt         *time.Time          `db:"finished_at" json:"finishedAt,omitempty"`
}

// Terminal reports whether the run will not change anymore.
func (r GenerationRun) Terminal() bool {
	return r.Status == GenerationRunSucceeded || r.Status == GenerationRunFailed
}
