package scheduling

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Reminder selection window relative to the run time.
const (
	ReminderLead   = 18 * time.Hour
	ReminderWindow = 12 * time.Hour
)

// ReminderJob notifies patients and doctors about appointments roughly a day
// out. Each appointment is claimed by persisting reminder_sent_at before
// dispatch, so overlapping or repeated runs never notify twice.
type ReminderJob struct {
	appts   AppointmentRepository
	rooms   RoomAssignmentRepository
	effects SideEffects
	metrics Metrics
	logger  zerolog.Logger
	now     func() time.Time

	// BatchSize caps the appointments handled per run.
	BatchSize int
}

func NewReminderJob(appts AppointmentRepository, rooms RoomAssignmentRepository, effects SideEffects, metrics Metrics, logger zerolog.Logger) *ReminderJob {
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &ReminderJob{
		appts:     appts,
		rooms:     rooms,
		effects:   effects,
		metrics:   metrics,
		logger:    logger,
		now:       time.Now,
		BatchSize: 500,
	}
}

// Run selects appointments starting in [now+18h, now+30h) that have not been
// reminded and returns how many were claimed.
func (j *ReminderJob) Run(ctx context.Context) (int, error) {
	now := j.now()
	due, err := j.appts.ListDueForReminder(ctx, now.Add(ReminderLead), now.Add(ReminderLead+ReminderWindow), j.BatchSize)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, d := range due {
		if ctx.Err() != nil {
			return sent, ctx.Err()
		}
		log := j.logger.With().Str("appointment_id", d.Appointment.ID.String()).Logger()

		claimed, err := j.appts.MarkReminderSent(ctx, d.Appointment.ID, now)
		if err != nil {
			log.Error().Err(err).Msg("failed to claim reminder")
			continue
		}
		if !claimed {
			continue
		}

		room := ""
		if ra, err := j.rooms.GetActive(ctx, d.Appointment.RoomAssignmentID); err == nil {
			room = ra.Room
		}
		for _, o := range j.effects.Remind(ctx, d, room) {
			if o.Failed() {
				log.Warn().Str("recipient", o.RecipientID.String()).Bool("retry_scheduled", o.RetryScheduled).
					Str("error", o.Error).Msg("reminder delivery failed")
			}
		}
		j.metrics.ReminderSent()
		sent++
	}
	return sent, nil
}

// Schedule registers the job on c under a standard five-field cron spec.
// Runs use ctx so they stop with the server.
func (j *ReminderJob) Schedule(ctx context.Context, c *cron.Cron, spec string) (cron.EntryID, error) {
	return c.AddFunc(spec, func() {
		start := j.now()
		n, err := j.Run(ctx)
		if err != nil {
			j.logger.Error().Err(err).Int("sent", n).Msg("reminder run failed")
			return
		}
		j.logger.Info().Int("sent", n).Dur("elapsed", j.now().Sub(start)).Msg("reminder run complete")
	})
}
