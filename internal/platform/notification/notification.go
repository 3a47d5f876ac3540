// Package notification fans appointment events out to email and push
// channels. Delivery is best effort: failures are logged per recipient and
// reported in the returned outcome, never as an error.
package notification

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// EventType identifies what happened to an appointment.
type EventType string

const (
	EventAppointmentBooked    EventType = "appointment.booked"
	EventAppointmentCancelled EventType = "appointment.cancelled"
	EventAppointmentReminder  EventType = "appointment.reminder"
)

// Channel is a delivery channel.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelPush  Channel = "push"
)

// Delivery statuses.
const (
	StatusSent    = "sent"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
)

// Contact is what the directory knows about a recipient.
type Contact struct {
	UserID    uuid.UUID
	FullName  string
	Email     *string
	PushToken *string
}

// Directory resolves user ids into contacts.
type Directory interface {
	Lookup(ctx context.Context, userID uuid.UUID) (*Contact, error)
}

// EmailSender delivers one email.
type EmailSender interface {
	SendEmail(ctx context.Context, to, toName, subject, body string) error
}

// PushSender delivers one push notification to a device token.
type PushSender interface {
	SendPush(ctx context.Context, token, title, body string, data map[string]string) error
}

// ---------------------------------------------------------------------------
// Template Engine
// ---------------------------------------------------------------------------

// Template holds the email and push renditions of one event.
type Template struct {
	Event     EventType `json:"event"`
	Subject   string    `json:"subject"`
	Body      string    `json:"body"`
	PushTitle string    `json:"push_title"`
	PushBody  string    `json:"push_body"`
}

// TemplateEngine renders {{key}} placeholders.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[EventType]*Template
}

// NewTemplateEngine returns an engine with the appointment templates registered.
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{templates: make(map[EventType]*Template)}
	for _, t := range []Template{
		{
			Event:     EventAppointmentBooked,
			Subject:   "Appointment confirmed for {{date}}",
			Body:      "Hello {{recipient_name}}, your appointment on {{date}} at {{time}} in room {{room}} is confirmed.",
			PushTitle: "Appointment confirmed",
			PushBody:  "{{date}} at {{time}}, room {{room}}",
		},
		{
			Event:     EventAppointmentCancelled,
			Subject:   "Appointment on {{date}} cancelled",
			Body:      "Hello {{recipient_name}}, the appointment on {{date}} at {{time}} has been cancelled. Reason: {{reason}}",
			PushTitle: "Appointment cancelled",
			PushBody:  "{{date}} at {{time}} was cancelled",
		},
		{
			Event:     EventAppointmentReminder,
			Subject:   "Reminder: appointment tomorrow at {{time}}",
			Body:      "Hello {{recipient_name}}, this is a reminder of your appointment on {{date}} at {{time}} in room {{room}}.",
			PushTitle: "Appointment reminder",
			PushBody:  "Tomorrow {{date}} at {{time}}, room {{room}}",
		},
	} {
		e.Register(t)
	}
	return e
}

// Register adds or replaces the template for t.Event.
func (e *TemplateEngine) Register(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.Event] = &t
}

// Rendered is a template with its placeholders filled.
type Rendered struct {
	Subject   string
	Body      string
	PushTitle string
	PushBody  string
}

// Render fills the template for event. Placeholders missing from data are
// left as-is.
func (e *TemplateEngine) Render(event EventType, data map[string]string) (*Rendered, error) {
	e.mu.RLock()
	t, ok := e.templates[event]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no template for event %q", event)
	}

	pairs := make([]string, 0, len(data)*2)
	for k, v := range data {
		pairs = append(pairs, "{{"+k+"}}", v)
	}
	r := strings.NewReplacer(pairs...)
	return &Rendered{
		Subject:   r.Replace(t.Subject),
		Body:      r.Replace(t.Body),
		PushTitle: r.Replace(t.PushTitle),
		PushBody:  r.Replace(t.PushBody),
	}, nil
}
