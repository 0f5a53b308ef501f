package dto

import (
	"time"

	"github.com/noah-isme/timetable-api/internal/timetable"
)

// GenerateTimetableRequest starts a generation for one session.
type GenerateTimetableRequest struct {
	SessionID string `json:"sessionId" validate:"required"`
	// Seed pins the random source; omit for a fresh seed.
	Seed   *int64 `json:"seed,omitempty"`
	Commit bool   `json:"commit"`
}

// GenerateTimetableResponse is the outcome of a synchronous generation.
type GenerateTimetableResponse struct {
	ProposalID   string                     `json:"proposalId"`
	SessionID    string                     `json:"sessionId"`
	Seed         int64                      `json:"seed"`
	Committed    bool                       `json:"committed"`
	AttemptsUsed int                        `json:"attemptsUsed"`
	Bottlenecks  []string                   `json:"bottlenecks,omitempty"`
	From         time.Time                  `json:"from"`
	To           time.Time                  `json:"to"`
	Stats        []timetable.CompletionStat `json:"stats"`
	Schedules    []timetable.GroupSchedule  `json:"schedules"`
	ExpiresAt    time.Time                  `json:"expiresAt"`
}

// CommitTimetableRequest persists a stored proposal.
type CommitTimetableRequest struct {
	ProposalID string `json:"proposalId" validate:"required"`
}

// CommitTimetableResponse reports what a commit wrote.
type CommitTimetableResponse struct {
	ProposalID       string `json:"proposalId"`
	SessionID        string `json:"sessionId"`
	AssignmentsSaved int    `json:"assignmentsSaved"`
	GroupsUpdated    int    `json:"groupsUpdated"`
}

// GenerationRunResponse describes an asynchronous generation run.
type GenerationRunResponse struct {
	ID                 string     `json:"id"`
	SessionID          string     `json:"sessionId"`
	Status             string     `json:"status"`
	Seed               *int64     `json:"seed,omitempty"`
	Commit             bool       `json:"commit"`
	AttemptsUsed       int        `json:"attemptsUsed"`
	FailureKind        string     `json:"failureKind,omitempty"`
	FailureReason      string     `json:"failureReason,omitempty"`
	BottleneckModuleID string     `json:"bottleneckModuleId,omitempty"`
	ProposalID         string     `json:"proposalId,omitempty"`
	CreatedAt          time.Time  `json:"createdAt"`
	StartedAt          *time.Time `json:"startedAt,omitempty"`
	FinishedAt         *time.Time `json:"finishedAt,omitempty"`
}

// SessionStatsResponse carries completion statistics of persisted rows.
type SessionStatsResponse struct {
	SessionID   string                     `json:"sessionId"`
	Assignments int                        `json:"assignments"`
	Stats       []timetable.CompletionStat `json:"stats"`
	// CacheHit reports that the stats came from the read cache.
	CacheHit bool `json:"-"`
}

// AssignmentQuery filters the assignment listing.
type AssignmentQuery struct {
	SessionID string `form:"sessionId" validate:"required"`
	GroupID   string `form:"groupId"`
	ModuleID  string `form:"moduleId"`
	Trainer   string `form:"trainer"`
	Page      int    `form:"page" validate:"omitempty,min=1"`
	PageSize  int    `form:"pageSize" validate:"omitempty,min=1,max=500"`
}

// SlotEditRequest describes a manual single-cell edit to be checked.
type SlotEditRequest struct {
	SessionID      string `json:"sessionId" validate:"required"`
	GroupID        string `json:"groupId" validate:"required"`
	DayIndex       int    `json:"dayIndex" validate:"min=0"`
	Hour           int    `json:"hour" validate:"min=0"`
	ModuleID       string `json:"moduleId" validate:"required"`
	TrainerSlotKey string `json:"trainerSlotKey"`
}

// SlotEditConflict is an existing row that would double book the trainer.
type SlotEditConflict struct {
	GroupID        string `json:"groupId"`
	ModuleID       string `json:"moduleId"`
	TrainerSlotKey string `json:"trainerSlotKey"`
}

// SlotEditResponse reports whether a manual edit keeps trainers conflict free.
type SlotEditResponse struct {
	Valid      bool                  `json:"valid"`
	Trainer    string                `json:"trainer,omitempty"`
	Conflicts  []SlotEditConflict    `json:"conflicts"`
	Violations []timetable.Violation `json:"violations,omitempty"`
}

// ExportRequest asks for a file rendering of a session timetable.
type ExportRequest struct {
	Format string `json:"format" validate:"omitempty,oneof=csv pdf xlsx"`
	// View is "group" (default) or "trainer".
	View string `json:"view" validate:"omitempty,oneof=group trainer"`
}

// ExportResponse holds the signed download link of a rendered export.
type ExportResponse struct {
	ExportID    string    `json:"exportId"`
	Format      string    `json:"format"`
	Rows        int       `json:"rows"`
	DownloadURL string    `json:"downloadUrl"`
	ExpiresAt   time.Time `json:"expiresAt"`
}
