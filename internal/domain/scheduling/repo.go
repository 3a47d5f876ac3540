package scheduling

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// WorkingHoursRepository resolves a doctor's configured window. The table is
// owned elsewhere; this package only reads it.
type WorkingHoursRepository interface {
	// GetActive returns ErrWorkingHoursNotFound when the doctor has no active
	// record for the room assignment and ISO weekday.
	GetActive(ctx context.Context, doctorID, roomAssignmentID uuid.UUID, weekday int) (*WorkingHours, error)
	ListByDoctor(ctx context.Context, doctorID uuid.UUID) ([]*WorkingHours, error)
}

type RoomAssignmentRepository interface {
	// GetActive returns ErrRoomAssignmentNotFound for unknown or inactive assignments.
	GetActive(ctx context.Context, id uuid.UUID) (*RoomAssignment, error)
}

type SlotRepository interface {
	Create(ctx context.Context, sl *Slot) error
	GetByID(ctx context.Context, id uuid.UUID) (*Slot, error)
	// Lock reads the slot with a row lock held until the surrounding transaction ends.
	Lock(ctx context.Context, id uuid.UUID) (*Slot, error)
	Update(ctx context.Context, id uuid.UUID, p SlotPatch) (*Slot, error)
	SetOccupied(ctx context.Context, id uuid.UUID, occupied bool) error
	// DeleteIfUnoccupied returns (nil, nil) when the slot is occupied or missing.
	DeleteIfUnoccupied(ctx context.Context, id uuid.UUID) (*Slot, error)
	List(ctx context.Context, f SlotFilter, limit, offset int) ([]*Slot, int, error)
	// FindOverlap returns the first slot at the room assignment intersecting
	// [start, start+duration), or nil. exclude skips one slot id.
	FindOverlap(ctx context.Context, roomAssignmentID uuid.UUID, start time.Time, durationMinutes int, exclude *uuid.UUID) (*Slot, error)
}

type AppointmentRepository interface {
	Create(ctx context.Context, a *Appointment) error
	GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	Lock(ctx context.Context, id uuid.UUID) (*Appointment, error)
	// Cancel flips a live appointment to cancelled and returns (nil, nil) when
	// it is missing or already cancelled.
	Cancel(ctx context.Context, id uuid.UUID, reason *string) (*Appointment, error)
	Update(ctx context.Context, id uuid.UUID, p AppointmentPatch) (*Appointment, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Appointment, int, error)
	CountNoShows(ctx context.Context, patientID uuid.UUID) (int, error)
	// ListDueForReminder selects live, unattended, not yet reminded
	// appointments whose slot starts in [from, to).
	ListDueForReminder(ctx context.Context, from, to time.Time, limit int) ([]*DueReminder, error)
	// MarkReminderSent claims the reminder; false means another run already did.
	MarkReminderSent(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
	SetCalendarEvent(ctx context.Context, id uuid.UUID, eventID *string) error
}
