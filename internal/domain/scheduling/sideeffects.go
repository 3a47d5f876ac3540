package scheduling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/fabianesquiveldDev/backend-sub000/internal/platform/calendar"
	"github.com/fabianesquiveldDev/backend-sub000/internal/platform/notification"
	"github.com/fabianesquiveldDev/backend-sub000/internal/platform/outbox"
)

// Outbox task kinds.
const (
	TaskCalendarCreate = "calendar.create"
	TaskCalendarDelete = "calendar.delete"
	TaskNotify         = "notify"
)

// Notifier is satisfied by *notification.Dispatcher.
type Notifier interface {
	Notify(ctx context.Context, event notification.EventType, recipientID uuid.UUID, vars map[string]string) notification.Outcome
	NotifyAll(ctx context.Context, event notification.EventType, recipients []uuid.UUID, vars map[string]string) []notification.Outcome
}

// Enqueuer is satisfied by outbox.Store.
type Enqueuer interface {
	Enqueue(ctx context.Context, t *outbox.Task) error
}

type calendarCreatePayload struct {
	AppointmentID uuid.UUID             `json:"appointment_id"`
	Event         calendar.EventDetails `json:"event"`
}

type calendarDeletePayload struct {
	EventID string `json:"event_id"`
}

type notifyPayload struct {
	Event       notification.EventType `json:"event"`
	RecipientID uuid.UUID              `json:"recipient_id"`
	Vars        map[string]string      `json:"vars"`
}

// Effects runs calendar sync and notifications inline under a bounded
// timeout once the primary write has committed. Anything that fails is
// written to the outbox for the background worker.
type Effects struct {
	calendar      calendar.Bridge
	notifier      Notifier
	outbox        Enqueuer
	appts         AppointmentRepository
	retryCalendar bool
	timeout       time.Duration
	loc           *time.Location
	metrics       Metrics
	logger        zerolog.Logger
	now           func() time.Time
}

// EffectsOption configures Effects.
type EffectsOption func(*Effects)

// WithEffectsTimeout bounds each inline side effect.
func WithEffectsTimeout(d time.Duration) EffectsOption { return func(e *Effects) { e.timeout = d } }

// WithEffectsLocation sets the zone used to format dates in notifications.
func WithEffectsLocation(loc *time.Location) EffectsOption { return func(e *Effects) { e.loc = loc } }

func WithEffectsMetrics(m Metrics) EffectsOption { return func(e *Effects) { e.metrics = m } }

// NewEffects wires the side-effect collaborators. outbox may be nil, in which
// case failures are only logged. A calendar.NoopBridge is never retried.
func NewEffects(bridge calendar.Bridge, notifier Notifier, ob Enqueuer, appts AppointmentRepository, logger zerolog.Logger, opts ...EffectsOption) *Effects {
	_, disabled := bridge.(calendar.NoopBridge)
	e := &Effects{
		calendar:      bridge,
		notifier:      notifier,
		outbox:        ob,
		appts:         appts,
		retryCalendar: !disabled,
		timeout:       5 * time.Second,
		loc:           time.UTC,
		metrics:       nopMetrics{},
		logger:        logger,
		now:           time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Booked creates the calendar event and notifies patient and doctor concurrently.
func (e *Effects) Booked(ctx context.Context, a *Appointment, sl *Slot, room string) (calendar.Result, []notification.Outcome) {
	base := context.WithoutCancel(ctx)
	ctx, cancel := context.WithTimeout(base, e.timeout)
	defer cancel()

	var (
		cal      calendar.Result
		outcomes []notification.Outcome
		g        errgroup.Group
	)
	g.Go(func() error {
		cal = e.createEvent(ctx, base, a, e.eventDetails(a, sl, room))
		return nil
	})
	g.Go(func() error {
		outcomes = e.notify(ctx, base, a.ID, notification.EventAppointmentBooked,
			[]uuid.UUID{a.PatientID, a.DoctorID}, e.vars(a, sl, room, nil))
		return nil
	})
	_ = g.Wait()

	if cal.EventID != "" {
		id := cal.EventID
		a.CalendarEventID = &id
	}
	return cal, outcomes
}

// Cancelled deletes the calendar event, if one was recorded, and notifies
// patient and doctor.
func (e *Effects) Cancelled(ctx context.Context, a *Appointment, sl *Slot, room string) (calendar.Result, []notification.Outcome) {
	base := context.WithoutCancel(ctx)
	ctx, cancel := context.WithTimeout(base, e.timeout)
	defer cancel()

	var (
		cal      calendar.Result
		outcomes []notification.Outcome
		g        errgroup.Group
	)
	g.Go(func() error {
		cal = e.deleteEvent(ctx, base, a)
		return nil
	})
	g.Go(func() error {
		outcomes = e.notify(ctx, base, a.ID, notification.EventAppointmentCancelled,
			[]uuid.UUID{a.PatientID, a.DoctorID}, e.vars(a, sl, room, a.CancellationReason))
		return nil
	})
	_ = g.Wait()
	return cal, outcomes
}

// Remind sends the day-ahead reminder to patient and doctor.
func (e *Effects) Remind(ctx context.Context, d *DueReminder, room string) []notification.Outcome {
	base := context.WithoutCancel(ctx)
	ctx, cancel := context.WithTimeout(base, e.timeout)
	defer cancel()

	sl := &Slot{StartTime: d.SlotStart, DurationMinutes: d.DurationMinutes}
	a := d.Appointment
	return e.notify(ctx, base, a.ID, notification.EventAppointmentReminder,
		[]uuid.UUID{a.PatientID, a.DoctorID}, e.vars(a, sl, room, nil))
}

func (e *Effects) createEvent(ctx, base context.Context, a *Appointment, ev calendar.EventDetails) calendar.Result {
	log := e.logger.With().Str("appointment_id", a.ID.String()).Str("kind", TaskCalendarCreate).Logger()

	if !e.calendar.IsAvailable(ctx) {
		res := calendar.Result{Status: calendar.StatusServiceUnavailable}
		if e.retryCalendar {
			res.RetryScheduled = e.enqueue(base, TaskCalendarCreate, a.ID, calendarCreatePayload{AppointmentID: a.ID, Event: ev})
		}
		e.metrics.SideEffect(TaskCalendarCreate, res.Status)
		return res
	}

	eventID, err := e.calendar.CreateEvent(ctx, ev)
	if err != nil {
		res := calendar.Result{Status: calendarFailureStatus(err), Error: err.Error()}
		log.Warn().Err(err).Msg("calendar event creation failed")
		res.RetryScheduled = e.enqueue(base, TaskCalendarCreate, a.ID, calendarCreatePayload{AppointmentID: a.ID, Event: ev})
		e.metrics.SideEffect(TaskCalendarCreate, res.Status)
		return res
	}

	if err := e.appts.SetCalendarEvent(base, a.ID, &eventID); err != nil {
		log.Error().Err(err).Str("event_id", eventID).Msg("failed to record calendar event id")
	}
	e.metrics.SideEffect(TaskCalendarCreate, calendar.StatusCreated)
	return calendar.Result{Status: calendar.StatusCreated, EventID: eventID}
}

func (e *Effects) deleteEvent(ctx, base context.Context, a *Appointment) calendar.Result {
	if a.CalendarEventID == nil || *a.CalendarEventID == "" {
		e.metrics.SideEffect(TaskCalendarDelete, calendar.StatusNoEvent)
		return calendar.Result{Status: calendar.StatusNoEvent}
	}
	eventID := *a.CalendarEventID

	if err := e.calendar.DeleteEvent(ctx, eventID); err != nil {
		res := calendar.Result{Status: calendarFailureStatus(err), EventID: eventID, Error: err.Error()}
		e.logger.Warn().Err(err).Str("appointment_id", a.ID.String()).Str("event_id", eventID).Msg("calendar event deletion failed")
		if e.retryCalendar {
			res.RetryScheduled = e.enqueue(base, TaskCalendarDelete, a.ID, calendarDeletePayload{EventID: eventID})
		}
		e.metrics.SideEffect(TaskCalendarDelete, res.Status)
		return res
	}
	e.metrics.SideEffect(TaskCalendarDelete, calendar.StatusDeleted)
	return calendar.Result{Status: calendar.StatusDeleted, EventID: eventID}
}

func (e *Effects) notify(ctx, base context.Context, appointmentID uuid.UUID, event notification.EventType, recipients []uuid.UUID, vars map[string]string) []notification.Outcome {
	outcomes := e.notifier.NotifyAll(ctx, event, recipients, vars)
	for i := range outcomes {
		o := &outcomes[i]
		e.metrics.SideEffect(TaskNotify, o.Status)
		if !o.Failed() {
			continue
		}
		o.RetryScheduled = e.enqueue(base, TaskNotify, appointmentID, notifyPayload{
			Event:       event,
			RecipientID: o.RecipientID,
			Vars:        vars,
		})
	}
	return outcomes
}

// enqueue records a failed side effect for retry and reports whether it was
// persisted. It gets its own deadline since the inline one may be spent.
func (e *Effects) enqueue(base context.Context, kind string, appointmentID uuid.UUID, payload interface{}) bool {
	if e.outbox == nil {
		return false
	}
	log := e.logger.With().Str("appointment_id", appointmentID.String()).Str("kind", kind).Logger()

	task, err := outbox.NewTask(kind, &appointmentID, payload, e.now())
	if err != nil {
		log.Error().Err(err).Msg("failed to build side-effect task")
		return false
	}
	ctx, cancel := context.WithTimeout(base, e.timeout)
	defer cancel()
	if err := e.outbox.Enqueue(ctx, task); err != nil {
		log.Error().Err(err).Msg("failed to enqueue side-effect task")
		return false
	}
	return true
}

func (e *Effects) eventDetails(a *Appointment, sl *Slot, room string) calendar.EventDetails {
	ev := calendar.EventDetails{
		AppointmentID: a.ID,
		DoctorID:      a.DoctorID,
		PatientID:     a.PatientID,
		Summary:       "Medical appointment",
		Location:      room,
		Start:         sl.StartTime,
		End:           sl.EndTime(),
	}
	if a.ForProxy && a.ProxyName != nil {
		ev.Description = "On behalf of " + *a.ProxyName
	}
	return ev
}

func (e *Effects) vars(a *Appointment, sl *Slot, room string, reason *string) map[string]string {
	local := sl.StartTime.In(e.loc)
	v := map[string]string{
		"appointment_id": a.ID.String(),
		"date":           local.Format("2006-01-02"),
		"time":           local.Format("15:04"),
		"room":           room,
	}
	if reason != nil && *reason != "" {
		v["reason"] = *reason
	} else {
		v["reason"] = "not specified"
	}
	return v
}

func calendarFailureStatus(err error) string {
	if errors.Is(err, calendar.ErrUnavailable) {
		return calendar.StatusServiceUnavailable
	}
	return calendar.StatusFailed
}

// RegisterHandlers installs the retry handlers for every task kind Effects
// enqueues.
func (e *Effects) RegisterHandlers(w *outbox.Worker) {
	w.Handle(TaskCalendarCreate, e.retryCalendarCreate)
	w.Handle(TaskCalendarDelete, e.retryCalendarDelete)
	w.Handle(TaskNotify, e.retryNotify)
}

func (e *Effects) retryCalendarCreate(ctx context.Context, t *outbox.Task) error {
	var p calendarCreatePayload
	if err := t.Decode(&p); err != nil {
		return err
	}
	a, err := e.appts.GetByID(ctx, p.AppointmentID)
	if err != nil {
		return err
	}
	// Cancelled before the retry ran, or an earlier attempt already succeeded.
	if a.Cancelled || a.CalendarEventID != nil {
		return nil
	}
	eventID, err := e.calendar.CreateEvent(ctx, p.Event)
	if err != nil {
		e.metrics.SideEffect(TaskCalendarCreate, calendarFailureStatus(err))
		return err
	}
	e.metrics.SideEffect(TaskCalendarCreate, calendar.StatusCreated)
	return e.appts.SetCalendarEvent(ctx, a.ID, &eventID)
}

func (e *Effects) retryCalendarDelete(ctx context.Context, t *outbox.Task) error {
	var p calendarDeletePayload
	if err := t.Decode(&p); err != nil {
		return err
	}
	if err := e.calendar.DeleteEvent(ctx, p.EventID); err != nil {
		e.metrics.SideEffect(TaskCalendarDelete, calendarFailureStatus(err))
		return err
	}
	e.metrics.SideEffect(TaskCalendarDelete, calendar.StatusDeleted)
	return nil
}

func (e *Effects) retryNotify(ctx context.Context, t *outbox.Task) error {
	var p notifyPayload
	if err := t.Decode(&p); err != nil {
		return err
	}
	out := e.notifier.Notify(ctx, p.Event, p.RecipientID, p.Vars)
	e.metrics.SideEffect(TaskNotify, out.Status)
	if out.Failed() {
		return fmt.Errorf("notify %s: %s", p.RecipientID, out.Error)
	}
	return nil
}
