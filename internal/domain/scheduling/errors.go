package scheduling

import (
	"fmt"
	"strings"
	"time"

	"github.com/fabianesquiveldDev/backend-sub000/internal/platform/apperr"
)

var (
	ErrSlotNotFound           = apperr.New(apperr.KindNotFound, "availability slot not found")
	ErrRoomAssignmentNotFound = apperr.New(apperr.KindNotFound, "room assignment has no resolvable doctor")
	ErrAppointmentNotFound    = apperr.New(apperr.KindNotFound, "appointment not found")
	ErrNotFoundOrCancelled    = apperr.New(apperr.KindNotFound, "appointment not found or already cancelled")
	ErrSlotOccupied           = apperr.New(apperr.KindValidation, "slot is occupied and cannot be deleted")
	ErrSlotAlreadyBooked      = apperr.New(apperr.KindConflict, "slot already has an active appointment")
	ErrSlotCancelled          = apperr.New(apperr.KindConflict, "slot is cancelled")
	ErrSlotBooked             = apperr.New(apperr.KindConflict, "slot has an active appointment and cannot be moved or cancelled")
	ErrAppointmentCancelled   = apperr.New(apperr.KindConflict, "appointment is cancelled")
	ErrConflictingOutcome     = apperr.New(apperr.KindConflict, "appointment cannot be both attended and a no-show")
	ErrOutcomeFinal           = apperr.New(apperr.KindConflict, "appointment outcome is final and cannot be reverted")
	ErrHasOutcome             = apperr.New(apperr.KindConflict, "appointment already has a clinical outcome and cannot be cancelled")
	ErrOccupiedIsDerived      = apperr.New(apperr.KindValidation, "occupied is set by booking and cannot be supplied")
	ErrNothingToUpdate        = apperr.New(apperr.KindValidation, "no updatable fields supplied")
	ErrSlotRoomMismatch       = apperr.New(apperr.KindValidation, "slot does not belong to the room assignment")
	ErrDoctorRoomMismatch     = apperr.New(apperr.KindValidation, "doctor is not assigned to the room")
	ErrWorkingHoursNotFound   = apperr.New(apperr.KindScheduleViolation, "doctor does not work this day")
)

// ValidationError lists the request fields that failed validation.
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Fields, ", ")
}

func (e *ValidationError) ErrorKind() apperr.Kind { return apperr.KindValidation }

func (e *ValidationError) ErrorDetail() interface{} {
	return map[string][]string{"fields": e.Fields}
}

// Violation reasons reported by ScheduleViolationError.
const (
	ReasonNoWorkingHours    = "no_working_hours"
	ReasonOutsideWindow     = "outside_working_hours"
	ReasonInsufficientSlack = "insufficient_margin"
)

// ScheduleViolationError explains why a slot does not fit the working-hours
// window: what was requested against what is permitted.
type ScheduleViolationError struct {
	Reason          string    `json:"reason"`
	RequestedStart  time.Time `json:"requested_start"`
	RequestedTime   TimeOfDay `json:"requested_time"`
	Weekday         int       `json:"weekday"`
	WindowStart     TimeOfDay `json:"window_start"`
	WindowEnd       TimeOfDay `json:"window_end"`
	MarginMinutes   int       `json:"margin_minutes"`
	LatestStart     TimeOfDay `json:"latest_start"`
	DurationMinutes int       `json:"duration_minutes"`
}

func (e *ScheduleViolationError) Error() string {
	switch e.Reason {
	case ReasonNoWorkingHours:
		return fmt.Sprintf("doctor does not work on weekday %d", e.Weekday)
	case ReasonInsufficientSlack:
		return fmt.Sprintf("slot at %s starts after the latest allowed start %s (%d minutes before closing at %s)",
			e.RequestedTime, e.LatestStart, e.MarginMinutes, e.WindowEnd)
	default:
		return fmt.Sprintf("slot at %s is outside working hours %s-%s",
			e.RequestedTime, e.WindowStart, e.WindowEnd)
	}
}

func (e *ScheduleViolationError) ErrorKind() apperr.Kind { return apperr.KindScheduleViolation }

func (e *ScheduleViolationError) ErrorDetail() interface{} { return e }

// ConflictError reports the existing slot a proposed interval collides with.
// Existing is nil when the collision was detected by the database and the
// winning row could not be read back.
type ConflictError struct {
	Existing *Slot
}

func (e *ConflictError) Error() string {
	if e.Existing == nil {
		return "slot overlaps an existing slot"
	}
	return fmt.Sprintf("slot overlaps existing slot %s (%s - %s)", e.Existing.ID,
		e.Existing.StartTime.Format(time.RFC3339), e.Existing.EndTime().Format(time.RFC3339))
}

func (e *ConflictError) ErrorKind() apperr.Kind { return apperr.KindConflict }

func (e *ConflictError) ErrorDetail() interface{} {
	if e.Existing == nil {
		return nil
	}
	return map[string]*Slot{"existing_slot": e.Existing}
}
