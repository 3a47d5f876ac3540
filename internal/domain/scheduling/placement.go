package scheduling

import (
	"time"

	"github.com/google/uuid"
)

// DefaultMarginMinutes is the buffer a slot must leave before closing time.
const DefaultMarginMinutes = 20

// ISOWeekday maps t's weekday to ISO-8601 numbering: Monday = 1 ... Sunday = 7.
func ISOWeekday(t time.Time) int {
	wd := int(t.Weekday())
	if wd == 0 {
		return 7
	}
	return wd
}

// ValidatePlacement reports whether a slot starting at start fits window.
// start must already be in the clinic's location.
//
// A slot is accepted iff window.start <= start < window.end and
// minutes(start) <= minutes(window.end) - marginMinutes. The margin is a
// fixed cutoff and ignores durationMinutes, so a long slot may still run past
// closing. Existing bookings depend on this behavior; do not tighten it
// without confirming the intended rule with the clinic.
func ValidatePlacement(start time.Time, durationMinutes int, window *WorkingHours, marginMinutes int) error {
	tod := TimeOfDayOf(start)
	latest := window.EndTime - TimeOfDay(time.Duration(marginMinutes)*time.Minute)

	violation := func(reason string) error {
		return &ScheduleViolationError{
			Reason:          reason,
			RequestedStart:  start,
			RequestedTime:   tod,
			Weekday:         ISOWeekday(start),
			WindowStart:     window.StartTime,
			WindowEnd:       window.EndTime,
			MarginMinutes:   marginMinutes,
			LatestStart:     latest,
			DurationMinutes: durationMinutes,
		}
	}

	if tod < window.StartTime || tod >= window.EndTime {
		return violation(ReasonOutsideWindow)
	}
	if tod.Minutes() > window.EndTime.Minutes()-marginMinutes {
		return violation(ReasonInsufficientSlack)
	}
	return nil
}

// Overlaps reports whether the half-open intervals [s1, s1+d1) and
// [s2, s2+d2) intersect. Touching intervals do not overlap.
func Overlaps(s1 time.Time, d1 int, s2 time.Time, d2 int) bool {
	e1 := s1.Add(time.Duration(d1) * time.Minute)
	e2 := s2.Add(time.Duration(d2) * time.Minute)
	return s1.Before(e2) && s2.Before(e1)
}

func validateSlotInput(sl *Slot) error {
	var fields []string
	if sl.RoomAssignmentID == uuid.Nil {
		fields = append(fields, "room_assignment_id")
	}
	if sl.StartTime.IsZero() {
		fields = append(fields, "start_time")
	}
	if sl.DurationMinutes <= 0 || sl.DurationMinutes > 24*60 {
		fields = append(fields, "duration_minutes")
	}
	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}
