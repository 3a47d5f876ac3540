package scheduling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fabianesquiveldDev/backend-sub000/internal/platform/calendar"
	"github.com/fabianesquiveldDev/backend-sub000/internal/platform/db"
	"github.com/fabianesquiveldDev/backend-sub000/internal/platform/notification"
)

// DefaultNoShowThreshold is the no-show count from which a patient must pay
// at reception.
const DefaultNoShowThreshold = 3

// Metrics receives domain counters. The telemetry package implements it.
type Metrics interface {
	SlotCreated()
	SlotRejected(reason string)
	AppointmentBooked()
	AppointmentCancelled()
	SideEffect(kind, status string)
	ReminderSent()
}

type nopMetrics struct{}

func (nopMetrics) SlotCreated() {}
func (nopMetrics) SlotRejected(string) {}
func (nopMetrics) AppointmentBooked() {}
func (nopMetrics) AppointmentCancelled() {}
func (nopMetrics) SideEffect(string, string) {}
func (nopMetrics) ReminderSent() {}

// SideEffects runs the calendar and notification work that follows a
// committed lifecycle change. Implementations never return errors: the
// outcome is reported to the client and failures are retried elsewhere.
type SideEffects interface {
	Booked(ctx context.Context, a *Appointment, sl *Slot, room string) (calendar.Result, []notification.Outcome)
	Cancelled(ctx context.Context, a *Appointment, sl *Slot, room string) (calendar.Result, []notification.Outcome)
	Remind(ctx context.Context, d *DueReminder, room string) []notification.Outcome
}

type noSideEffects struct{}

func (noSideEffects) Booked(context.Context, *Appointment, *Slot, string) (calendar.Result, []notification.Outcome) {
	return calendar.Result{Status: calendar.StatusServiceUnavailable}, nil
}

func (noSideEffects) Cancelled(_ context.Context, a *Appointment, _ *Slot, _ string) (calendar.Result, []notification.Outcome) {
	if a.CalendarEventID == nil {
		return calendar.Result{Status: calendar.StatusNoEvent}, nil
	}
	return calendar.Result{Status: calendar.StatusServiceUnavailable}, nil
}

func (noSideEffects) Remind(context.Context, *DueReminder, string) []notification.Outcome { return nil }

// BookingResult is returned by booking and cancellation: the committed
// appointment plus what happened with the external side effects.
type BookingResult struct {
	Appointment   *Appointment           `json:"appointment"`
	Calendar      calendar.Result        `json:"calendar"`
	Notifications []notification.Outcome `json:"notifications"`
}

type Service struct {
	tx      db.TxRunner
	hours   WorkingHoursRepository
	rooms   RoomAssignmentRepository
	slots   SlotRepository
	appts   AppointmentRepository
	effects SideEffects
	metrics Metrics
	logger  zerolog.Logger

	loc             *time.Location
	margin          int
	noShowThreshold int
}

// Option configures a Service.
type Option func(*Service)

// WithLocation sets the clinic time zone used to resolve weekday and time of day.
func WithLocation(loc *time.Location) Option { return func(s *Service) { s.loc = loc } }

// WithMargin sets the closing-time buffer in minutes.
func WithMargin(minutes int) Option { return func(s *Service) { s.margin = minutes } }

// WithNoShowThreshold sets the count from which debe_pagar is true.
func WithNoShowThreshold(n int) Option { return func(s *Service) { s.noShowThreshold = n } }

func WithSideEffects(e SideEffects) Option { return func(s *Service) { s.effects = e } }

func WithMetrics(m Metrics) Option { return func(s *Service) { s.metrics = m } }

func WithLogger(l zerolog.Logger) Option { return func(s *Service) { s.logger = l } }

func NewService(tx db.TxRunner, hours WorkingHoursRepository, rooms RoomAssignmentRepository, slots SlotRepository, appts AppointmentRepository, opts ...Option) *Service {
	s := &Service{
		tx:              tx,
		hours:           hours,
		rooms:           rooms,
		slots:           slots,
		appts:           appts,
		effects:         noSideEffects{},
		metrics:         nopMetrics{},
		logger:          zerolog.Nop(),
		loc:             time.UTC,
		margin:          DefaultMarginMinutes,
		noShowThreshold: DefaultNoShowThreshold,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// -- Working hours --

// WorkingHours returns the doctor's active window at a room assignment on
// the ISO weekday. A missing window is a schedule violation, not a server error.
func (s *Service) WorkingHours(ctx context.Context, doctorID, roomAssignmentID uuid.UUID, weekday int) (*WorkingHours, error) {
	if weekday < 1 || weekday > 7 {
		return nil, &ValidationError{Fields: []string{"weekday"}}
	}
	return s.hours.GetActive(ctx, doctorID, roomAssignmentID, weekday)
}

func (s *Service) ListWorkingHours(ctx context.Context, doctorID uuid.UUID) ([]*WorkingHours, error) {
	return s.hours.ListByDoctor(ctx, doctorID)
}

// checkPlacement resolves the doctor's window for the slot's local weekday
// and validates the requested start against it.
func (s *Service) checkPlacement(ctx context.Context, room *RoomAssignment, start time.Time, durationMinutes int) error {
	local := start.In(s.loc)
	weekday := ISOWeekday(local)

	window, err := s.hours.GetActive(ctx, room.DoctorID, room.ID, weekday)
	if errors.Is(err, ErrWorkingHoursNotFound) {
		return &ScheduleViolationError{
			Reason:          ReasonNoWorkingHours,
			RequestedStart:  start,
			RequestedTime:   TimeOfDayOf(local),
			Weekday:         weekday,
			MarginMinutes:   s.margin,
			DurationMinutes: durationMinutes,
		}
	}
	if err != nil {
		return err
	}
	return ValidatePlacement(local, durationMinutes, window, s.margin)
}

// -- Slots --

// CreateSlot validates placement and inserts the slot. The overlap check and
// the insert share one transaction; a concurrent insert that slips past the
// check is rejected by the exclusion constraint and reported the same way.
func (s *Service) CreateSlot(ctx context.Context, sl *Slot) error {
	if err := validateSlotInput(sl); err != nil {
		return err
	}
	if sl.Occupied {
		return ErrOccupiedIsDerived
	}

	room, err := s.rooms.GetActive(ctx, sl.RoomAssignmentID)
	if err != nil {
		return err
	}
	if err := s.checkPlacement(ctx, room, sl.StartTime, sl.DurationMinutes); err != nil {
		s.rejected(err)
		return err
	}

	err = s.tx.WithTx(ctx, func(ctx context.Context) error {
		existing, err := s.slots.FindOverlap(ctx, sl.RoomAssignmentID, sl.StartTime, sl.DurationMinutes, nil)
		if err != nil {
			return err
		}
		if existing != nil {
			return &ConflictError{Existing: existing}
		}
		return s.slots.Create(ctx, sl)
	})
	if err != nil {
		err = s.resolveConflict(ctx, err, sl.RoomAssignmentID, sl.StartTime, sl.DurationMinutes, nil)
		s.rejected(err)
		return err
	}
	s.metrics.SlotCreated()
	return nil
}

func (s *Service) GetSlot(ctx context.Context, id uuid.UUID) (*Slot, error) {
	return s.slots.GetByID(ctx, id)
}

func (s *Service) ListSlots(ctx context.Context, f SlotFilter, limit, offset int) ([]*Slot, int, error) {
	if f.From != nil && f.To != nil && !f.From.Before(*f.To) {
		return nil, 0, &ValidationError{Fields: []string{"from", "to"}}
	}
	return s.slots.List(ctx, f, limit, offset)
}

// UpdateSlot applies a typed patch. Moving the slot re-runs placement and
// overlap checks against every other slot; a booked slot cannot be moved or
// cancelled.
func (s *Service) UpdateSlot(ctx context.Context, id uuid.UUID, p SlotPatch) (*Slot, error) {
	if p.Empty() {
		return nil, ErrNothingToUpdate
	}
	if p.StartTime != nil && p.StartTime.IsZero() {
		return nil, &ValidationError{Fields: []string{"start_time"}}
	}
	if p.DurationMinutes != nil && (*p.DurationMinutes <= 0 || *p.DurationMinutes > 24*60) {
		return nil, &ValidationError{Fields: []string{"duration_minutes"}}
	}

	var (
		updated *Slot
		moved   *Slot
	)
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		cur, err := s.slots.Lock(ctx, id)
		if err != nil {
			return err
		}
		if cur.Occupied && (p.Moves() || (p.Cancelled != nil && *p.Cancelled)) {
			return ErrSlotBooked
		}

		if p.Moves() {
			next := *cur
			if p.StartTime != nil {
				next.StartTime = *p.StartTime
			}
			if p.DurationMinutes != nil {
				next.DurationMinutes = *p.DurationMinutes
			}
			moved = &next

			room, err := s.rooms.GetActive(ctx, cur.RoomAssignmentID)
			if err != nil {
				return err
			}
			if err := s.checkPlacement(ctx, room, next.StartTime, next.DurationMinutes); err != nil {
				return err
			}
			existing, err := s.slots.FindOverlap(ctx, cur.RoomAssignmentID, next.StartTime, next.DurationMinutes, &cur.ID)
			if err != nil {
				return err
			}
			if existing != nil {
				return &ConflictError{Existing: existing}
			}
		}

		updated, err = s.slots.Update(ctx, id, p)
		return err
	})
	if err != nil {
		if moved != nil {
			err = s.resolveConflict(ctx, err, moved.RoomAssignmentID, moved.StartTime, moved.DurationMinutes, &moved.ID)
		}
		s.rejected(err)
		return nil, err
	}
	return updated, nil
}

// DeleteSlot removes an unoccupied slot and returns it.
func (s *Service) DeleteSlot(ctx context.Context, id uuid.UUID) (*Slot, error) {
	deleted, err := s.slots.DeleteIfUnoccupied(ctx, id)
	if err != nil {
		return nil, err
	}
	if deleted != nil {
		return deleted, nil
	}
	if _, err := s.slots.GetByID(ctx, id); err != nil {
		return nil, err
	}
	return nil, ErrSlotOccupied
}

// resolveConflict fills in the colliding slot when the overlap was caught by
// the exclusion constraint rather than by the pre-check.
func (s *Service) resolveConflict(ctx context.Context, err error, roomAssignmentID uuid.UUID, start time.Time, durationMinutes int, exclude *uuid.UUID) error {
	var ce *ConflictError
	if !errors.As(err, &ce) || ce.Existing != nil {
		return err
	}
	existing, ferr := s.slots.FindOverlap(ctx, roomAssignmentID, start, durationMinutes, exclude)
	if ferr != nil || existing == nil {
		return err
	}
	return &ConflictError{Existing: existing}
}

func (s *Service) rejected(err error) {
	var (
		ce *ConflictError
		sv *ScheduleViolationError
	)
	switch {
	case errors.As(err, &ce):
		s.metrics.SlotRejected("overlap")
	case errors.As(err, &sv):
		s.metrics.SlotRejected(sv.Reason)
	}
}

// -- Appointments --

// CreateAppointment books a slot. The slot row is locked for the duration of
// the transaction and flipped to occupied together with the insert; the
// partial unique index on active appointments is the last line of defense.
// Calendar and notification work runs after commit and never fails the booking.
func (s *Service) CreateAppointment(ctx context.Context, in NewAppointment) (*BookingResult, error) {
	var fields []string
	if in.DoctorID == uuid.Nil {
		fields = append(fields, "doctor_id")
	}
	if in.PatientID == uuid.Nil {
		fields = append(fields, "patient_id")
	}
	if in.SlotID == uuid.Nil {
		fields = append(fields, "slot_id")
	}
	if in.RoomAssignmentID == uuid.Nil {
		fields = append(fields, "room_assignment_id")
	}
	if in.ForProxy && (in.ProxyName == nil || *in.ProxyName == "") {
		fields = append(fields, "proxy_name")
	}
	if len(fields) > 0 {
		return nil, &ValidationError{Fields: fields}
	}

	var (
		a    *Appointment
		sl   *Slot
		room *RoomAssignment
	)
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		var err error
		room, err = s.rooms.GetActive(ctx, in.RoomAssignmentID)
		if err != nil {
			return err
		}
		if room.DoctorID != in.DoctorID {
			return ErrDoctorRoomMismatch
		}

		sl, err = s.slots.Lock(ctx, in.SlotID)
		if err != nil {
			return err
		}
		switch {
		case sl.RoomAssignmentID != in.RoomAssignmentID:
			return ErrSlotRoomMismatch
		case sl.Cancelled:
			return ErrSlotCancelled
		case sl.Occupied:
			return ErrSlotAlreadyBooked
		}

		a = &Appointment{
			DoctorID:         in.DoctorID,
			PatientID:        in.PatientID,
			SlotID:           in.SlotID,
			RoomAssignmentID: in.RoomAssignmentID,
			ForProxy:         in.ForProxy,
			ProxyName:        in.ProxyName,
		}
		if err := s.appts.Create(ctx, a); err != nil {
			return err
		}
		sl.Occupied = true
		return s.slots.SetOccupied(ctx, sl.ID, true)
	})
	if err != nil {
		return nil, err
	}
	s.metrics.AppointmentBooked()

	cal, outcomes := s.effects.Booked(ctx, a, sl, room.Room)
	return &BookingResult{Appointment: a, Calendar: cal, Notifications: outcomes}, nil
}

func (s *Service) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.appts.GetByID(ctx, id)
}

func (s *Service) ListAppointmentsByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Appointment, int, error) {
	return s.appts.ListByPatient(ctx, patientID, limit, offset)
}

// CancelAppointment cancels a live appointment and frees its slot in the
// same transaction. A second cancel of the same appointment is a not-found;
// an attended or no-show appointment cannot be cancelled.
func (s *Service) CancelAppointment(ctx context.Context, id uuid.UUID, reason *string) (*BookingResult, error) {
	var (
		a  *Appointment
		sl *Slot
	)
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		cur, err := s.appts.Lock(ctx, id)
		switch {
		case errors.Is(err, ErrAppointmentNotFound):
			return ErrNotFoundOrCancelled
		case err != nil:
			return err
		case cur.Cancelled:
			return ErrNotFoundOrCancelled
		case cur.Attended || cur.NoShow:
			return ErrHasOutcome
		}

		a, err = s.appts.Cancel(ctx, id, reason)
		if err != nil {
			return err
		}
		if a == nil {
			return ErrNotFoundOrCancelled
		}
		if err := s.slots.SetOccupied(ctx, a.SlotID, false); err != nil {
			return err
		}
		sl, err = s.slots.GetByID(ctx, a.SlotID)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.metrics.AppointmentCancelled()

	cal, outcomes := s.effects.Cancelled(ctx, a, sl, s.roomName(ctx, a.RoomAssignmentID))
	return &BookingResult{Appointment: a, Calendar: cal, Notifications: outcomes}, nil
}

// UpdateAppointment applies a clinical patch. Outcome flags follow the
// lifecycle: a cancelled appointment cannot be marked, attended and no-show
// exclude each other, and once either is set it never changes. Repeating
// the same mark is a no-op.
func (s *Service) UpdateAppointment(ctx context.Context, id uuid.UUID, p AppointmentPatch) (*Appointment, error) {
	if p.Empty() {
		return nil, ErrNothingToUpdate
	}

	var updated *Appointment
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		cur, err := s.appts.Lock(ctx, id)
		if err != nil {
			return err
		}

		attended, noShow := cur.Attended, cur.NoShow
		if p.Attended != nil {
			attended = *p.Attended
		}
		if p.NoShow != nil {
			noShow = *p.NoShow
		}
		marking := (p.Attended != nil && *p.Attended) || (p.NoShow != nil && *p.NoShow)
		if cur.Cancelled && marking {
			return ErrAppointmentCancelled
		}
		if attended && noShow {
			return ErrConflictingOutcome
		}
		if (cur.Attended || cur.NoShow) && (attended != cur.Attended || noShow != cur.NoShow) {
			return ErrOutcomeFinal
		}

		forProxy, proxyName := cur.ForProxy, cur.ProxyName
		if p.ForProxy != nil {
			forProxy = *p.ForProxy
		}
		if p.ProxyName != nil {
			proxyName = p.ProxyName
		}
		if forProxy && (proxyName == nil || *proxyName == "") {
			return &ValidationError{Fields: []string{"proxy_name"}}
		}

		updated, err = s.appts.Update(ctx, id, p)
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *Service) MarkAttended(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	yes := true
	return s.UpdateAppointment(ctx, id, AppointmentPatch{Attended: &yes})
}

func (s *Service) MarkNoShow(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	yes := true
	return s.UpdateAppointment(ctx, id, AppointmentPatch{NoShow: &yes})
}

func (s *Service) CountNoShows(ctx context.Context, patientID uuid.UUID) (int, error) {
	return s.appts.CountNoShows(ctx, patientID)
}

// NoShowSummary reports whether the patient must pay at reception.
func (s *Service) NoShowSummary(ctx context.Context, patientID uuid.UUID) (*NoShowSummary, error) {
	n, err := s.appts.CountNoShows(ctx, patientID)
	if err != nil {
		return nil, err
	}
	sum := &NoShowSummary{PatientID: patientID, NoShows: n, MustPay: n >= s.noShowThreshold}
	if sum.MustPay {
		sum.Message = fmt.Sprintf("patient has %d no-shows and must pay at reception", n)
	} else {
		sum.Message = fmt.Sprintf("patient has %d no-shows; payment is required from %d", n, s.noShowThreshold)
	}
	return sum, nil
}

// roomName is used for notification text only, so lookup failures degrade
// to an empty room.
func (s *Service) roomName(ctx context.Context, roomAssignmentID uuid.UUID) string {
	room, err := s.rooms.GetActive(ctx, roomAssignmentID)
	if err != nil {
		s.logger.Debug().Err(err).Str("room_assignment_id", roomAssignmentID.String()).Msg("room lookup failed")
		return ""
	}
	return room.Room
}
