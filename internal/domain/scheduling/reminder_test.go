package scheduling

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

func newReminderFixture(t *testing.T) (*fixture, *ReminderJob, time.Time) {
	t.Helper()
	f := newFixture()
	job := NewReminderJob(f.appts, f.rooms, f.effects, nil, zerolog.Nop())
	// Sunday 08:00 in Bogota: Monday 10:00 is 26h away.
	now := time.Date(2024, 3, 3, 8, 0, 0, 0, bogota)
	job.now = func() time.Time { return now }
	return f, job, now
}

func TestReminderJob_SelectsWindow(t *testing.T) {
	f, job, _ := newReminderFixture(t)
	inWindow := f.book(t, f.slot(t, monday(10, 0), 30), uuid.New())
	f.book(t, f.slot(t, monday(15, 0), 30), uuid.New()) // 31h out

	n, err := job.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 1 || len(f.effects.reminded) != 1 {
		t.Fatalf("expected 1 reminder, got %d", n)
	}
	if f.effects.reminded[0].Appointment.ID != inWindow.ID {
		t.Errorf("reminded the wrong appointment")
	}
	if f.appts.appts[inWindow.ID].ReminderSentAt == nil {
		t.Error("expected reminder_sent_at to be persisted")
	}
}

func TestReminderJob_RunTwiceSendsOnce(t *testing.T) {
	f, job, _ := newReminderFixture(t)
	f.book(t, f.slot(t, monday(10, 0), 30), uuid.New())

	if _, err := job.Run(context.Background()); err != nil {
		t.Fatalf("first run: %v", err)
	}
	n, err := job.Run(context.Background())
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if n != 0 || len(f.effects.reminded) != 1 {
		t.Errorf("expected no duplicate reminder, got %d new and %d total", n, len(f.effects.reminded))
	}
}

func TestReminderJob_SkipsCancelledAndAttended(t *testing.T) {
	f, job, _ := newReminderFixture(t)
	cancelled := f.book(t, f.slot(t, monday(10, 0), 30), uuid.New())
	attended := f.book(t, f.slot(t, monday(11, 0), 30), uuid.New())
	if _, err := f.svc.CancelAppointment(context.Background(), cancelled.ID, nil); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := f.svc.MarkAttended(context.Background(), attended.ID); err != nil {
		t.Fatalf("attended: %v", err)
	}

	n, err := job.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 0 {
		t.Errorf("expected no reminders, got %d", n)
	}
}

func TestReminderJob_Schedule(t *testing.T) {
	_, job, _ := newReminderFixture(t)
	c := cron.New()
	if _, err := job.Schedule(context.Background(), c, "0 8 * * *"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(c.Entries()) != 1 {
		t.Errorf("expected 1 cron entry, got %d", len(c.Entries()))
	}
	if _, err := job.Schedule(context.Background(), c, "not a spec"); err == nil {
		t.Error("expected error for invalid spec")
	}
}
