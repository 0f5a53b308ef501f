package timetable

import (
	"errors"
	"fmt"
)

var (
	// ErrInfeasible is matched by failures where every attempt hit a dead end.
	ErrInfeasible = errors.New("timetable: session infeasible")
	// ErrMisconfigured is matched by failures detected before any day is processed.
	ErrMisconfigured = errors.New("timetable: misconfigured input")
)

// FailureKind classifies a SchedulingFailure.
type FailureKind string

const (
	FailureInfeasible       FailureKind = "INFEASIBLE_SESSION"
	FailureMisconfiguration FailureKind = "MISCONFIGURATION"
)

// SchedulingFailure is returned when no schedule can be produced. No partial
// schedule accompanies it.
type SchedulingFailure struct {
	Kind               FailureKind `json:"kind"`
	Reason             string      `json:"reason"`
	BottleneckModuleID string      `json:"bottleneckModuleId,omitempty"`
	Attempts           int         `json:"attempts"`
}

// Error implements the error interface.
func (f *SchedulingFailure) Error() string {
	if f == nil {
		return "<nil>"
	}
	if f.BottleneckModuleID != "" {
		return fmt.Sprintf("%s: %s (bottleneck module %s)", f.Kind, f.Reason, f.BottleneckModuleID)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Reason)
}

// Is lets callers match failures with errors.Is.
func (f *SchedulingFailure) Is(target error) bool {
	if f == nil {
		return false
	}
	switch target {
	case ErrInfeasible:
		return f.Kind == FailureInfeasible
	case ErrMisconfigured:
		return f.Kind == FailureMisconfiguration
	}
	return false
}
