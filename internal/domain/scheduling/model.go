package scheduling

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TimeOfDay is a wall-clock offset from midnight.
type TimeOfDay time.Duration

// NewTimeOfDay builds a TimeOfDay from hours and minutes.
func NewTimeOfDay(hour, minute int) TimeOfDay {
	return TimeOfDay(time.Duration(hour)*time.Hour + time.Duration(minute)*time.Minute)
}

// TimeOfDayOf returns the wall-clock part of t in t's own location.
func TimeOfDayOf(t time.Time) TimeOfDay {
	h, m, s := t.Clock()
	return TimeOfDay(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute +
		time.Duration(s)*time.Second + time.Duration(t.Nanosecond()))
}

// ParseTimeOfDay accepts "15:04" or "15:04:05".
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	for _, layout := range []string{"15:04", "15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return TimeOfDayOf(t), nil
		}
	}
	return 0, fmt.Errorf("invalid time of day %q", s)
}

// Minutes returns whole minutes since midnight.
func (t TimeOfDay) Minutes() int { return int(time.Duration(t) / time.Minute) }

func (t TimeOfDay) String() string {
	d := time.Duration(t)
	return fmt.Sprintf("%02d:%02d", int(d/time.Hour), int(d%time.Hour/time.Minute))
}

func (t TimeOfDay) MarshalJSON() ([]byte, error) { return json.Marshal(t.String()) }

func (t *TimeOfDay) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := ParseTimeOfDay(s)
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// WorkingHours is a doctor's open window at one room assignment on one ISO weekday.
type WorkingHours struct {
	ID               uuid.UUID `db:"id" json:"id"`
	DoctorID         uuid.UUID `db:"doctor_id" json:"doctor_id"`
	RoomAssignmentID uuid.UUID `db:"room_assignment_id" json:"room_assignment_id"`
	Weekday          int       `db:"weekday" json:"weekday"`
	StartTime        TimeOfDay `db:"start_time" json:"start_time"`
	EndTime          TimeOfDay `db:"end_time" json:"end_time"`
	Active           bool      `db:"active" json:"active"`
}

// RoomAssignment pairs a doctor with a consulting room.
type RoomAssignment struct {
	ID       uuid.UUID `db:"id" json:"id"`
	DoctorID uuid.UUID `db:"doctor_id" json:"doctor_id"`
	Room     string    `db:"room" json:"room"`
	Active   bool      `db:"active" json:"active"`
}

// Slot is one bookable interval at a room assignment. Occupied is true while
// a non-cancelled appointment references the slot.
type Slot struct {
	ID               uuid.UUID `db:"id" json:"id"`
	RoomAssignmentID uuid.UUID `db:"room_assignment_id" json:"room_assignment_id"`
	StartTime        time.Time `db:"start_time" json:"start_time"`
	DurationMinutes  int       `db:"duration_minutes" json:"duration_minutes"`
	Occupied         bool      `db:"occupied" json:"occupied"`
	Cancelled        bool      `db:"cancelled" json:"cancelled"`
	Note             *string   `db:"note" json:"note,omitempty"`
	ReasonForVisit   *string   `db:"reason_for_visit" json:"reason_for_visit,omitempty"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time `db:"updated_at" json:"updated_at"`
}

// EndTime is the exclusive end of the slot.
func (s *Slot) EndTime() time.Time {
	return s.StartTime.Add(time.Duration(s.DurationMinutes) * time.Minute)
}

// SlotPatch names every field PATCH /availability/:id may change. Nil fields
// are left untouched. Occupancy is not patchable.
type SlotPatch struct {
	StartTime       *time.Time `json:"start_time,omitempty"`
	DurationMinutes *int       `json:"duration_minutes,omitempty"`
	Cancelled       *bool      `json:"cancelled,omitempty"`
	Note            *string    `json:"note,omitempty"`
	ReasonForVisit  *string    `json:"reason_for_visit,omitempty"`
}

// Moves reports whether the patch changes the slot's interval.
func (p SlotPatch) Moves() bool { return p.StartTime != nil || p.DurationMinutes != nil }

// Empty reports whether the patch changes nothing.
func (p SlotPatch) Empty() bool {
	return !p.Moves() && p.Cancelled == nil && p.Note == nil && p.ReasonForVisit == nil
}

// SlotFilter narrows GET /availability.
type SlotFilter struct {
	RoomAssignmentID *uuid.UUID
	From             *time.Time
	To               *time.Time
	FreeOnly         bool
}

// AppointmentStatus is derived from the appointment's flags.
type AppointmentStatus string

const (
	StatusBooked    AppointmentStatus = "booked"
	StatusAttended  AppointmentStatus = "attended"
	StatusNoShow    AppointmentStatus = "no_show"
	StatusCancelled AppointmentStatus = "cancelled"
)

// Appointment binds a patient to one slot.
type Appointment struct {
	ID                 uuid.UUID  `db:"id" json:"id"`
	DoctorID           uuid.UUID  `db:"doctor_id" json:"doctor_id"`
	PatientID          uuid.UUID  `db:"patient_id" json:"patient_id"`
	SlotID             uuid.UUID  `db:"slot_id" json:"slot_id"`
	RoomAssignmentID   uuid.UUID  `db:"room_assignment_id" json:"room_assignment_id"`
	ForProxy           bool       `db:"for_proxy" json:"for_proxy"`
	ProxyName          *string    `db:"proxy_name" json:"proxy_name,omitempty"`
	Cancelled          bool       `db:"cancelled" json:"cancelled"`
	CancellationReason *string    `db:"cancellation_reason" json:"cancellation_reason,omitempty"`
	CancelledAt        *time.Time `db:"cancelled_at" json:"cancelled_at,omitempty"`
	Attended           bool       `db:"attended" json:"attended"`
	NoShow             bool       `db:"no_show" json:"no_show"`
	Diagnosis          *string    `db:"diagnosis" json:"diagnosis,omitempty"`
	Observations       *string    `db:"observations" json:"observations,omitempty"`
	CalendarEventID    *string    `db:"calendar_event_id" json:"calendar_event_id,omitempty"`
	ReminderSentAt     *time.Time `db:"reminder_sent_at" json:"reminder_sent_at,omitempty"`
	CreatedAt          time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time  `db:"updated_at" json:"updated_at"`
}

// Status derives the lifecycle state from the flags.
func (a *Appointment) Status() AppointmentStatus {
	switch {
	case a.Cancelled:
		return StatusCancelled
	case a.Attended:
		return StatusAttended
	case a.NoShow:
		return StatusNoShow
	default:
		return StatusBooked
	}
}

func (a *Appointment) MarshalJSON() ([]byte, error) {
	type alias Appointment
	return json.Marshal(struct {
		*alias
		Status AppointmentStatus `json:"status"`
	}{alias: (*alias)(a), Status: a.Status()})
}

// AppointmentPatch holds the clinical fields PATCH /appointments/:id may set.
type AppointmentPatch struct {
	Diagnosis    *string `json:"diagnosis,omitempty"`
	Observations *string `json:"observations,omitempty"`
	ForProxy     *bool   `json:"for_proxy,omitempty"`
	ProxyName    *string `json:"proxy_name,omitempty"`
	Attended     *bool   `json:"attended,omitempty"`
	NoShow       *bool   `json:"no_show,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p AppointmentPatch) Empty() bool {
	return p.Diagnosis == nil && p.Observations == nil && p.ForProxy == nil &&
		p.ProxyName == nil && p.Attended == nil && p.NoShow == nil
}

// NewAppointment is the input to booking.
type NewAppointment struct {
	DoctorID         uuid.UUID
	PatientID        uuid.UUID
	SlotID           uuid.UUID
	RoomAssignmentID uuid.UUID
	ForProxy         bool
	ProxyName        *string
}

// DueReminder is an appointment selected by the reminder job together with
// its slot's interval.
type DueReminder struct {
	Appointment     *Appointment
	SlotStart       time.Time
	DurationMinutes int
}

// NoShowSummary answers whether a patient must pay at reception.
type NoShowSummary struct {
	PatientID uuid.UUID `json:"patient_id"`
	NoShows   int       `json:"no_shows"`
	MustPay   bool      `json:"debe_pagar"`
	Message   string    `json:"message"`
}
