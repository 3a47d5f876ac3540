// Package calendar syncs appointments with the clinic's external calendar
// service. Calls are best effort: callers record an outcome tag and never
// fail a booking because of the calendar.
package calendar

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/fabianesquiveldDev/backend-sub000/internal/platform/apperr"
)

// ErrUnavailable is returned when the service is disabled, unreachable or
// the circuit breaker is open.
var ErrUnavailable = apperr.New(apperr.KindUpstreamUnavailable, "calendar service unavailable")

// Outcome tags reported to API clients.
const (
	StatusCreated            = "created"
	StatusDeleted            = "deleted"
	StatusFailed             = "failed"
	StatusServiceUnavailable = "service_unavailable"
	StatusNoEvent            = "no_event"
)

// EventDetails describes the calendar entry for one appointment.
type EventDetails struct {
	AppointmentID uuid.UUID `json:"appointment_id"`
	DoctorID      uuid.UUID `json:"doctor_id"`
	PatientID     uuid.UUID `json:"patient_id"`
	Summary       string    `json:"summary"`
	Description   string    `json:"description,omitempty"`
	Location      string    `json:"location,omitempty"`
	Start         time.Time `json:"start"`
	End           time.Time `json:"end"`
}

// Bridge is the contract the appointment lifecycle consumes.
type Bridge interface {
	IsAvailable(ctx context.Context) bool
	CreateEvent(ctx context.Context, ev EventDetails) (eventID string, err error)
	DeleteEvent(ctx context.Context, eventID string) error
}

// Result is the per-request sync outcome embedded in API responses.
type Result struct {
	Status         string `json:"status"`
	EventID        string `json:"event_id,omitempty"`
	Error          string `json:"error,omitempty"`
	RetryScheduled bool   `json:"retry_scheduled,omitempty"`
}

// NoopBridge is used when no calendar URL is configured.
type NoopBridge struct{}

func (NoopBridge) IsAvailable(context.Context) bool { return false }

func (NoopBridge) CreateEvent(context.Context, EventDetails) (string, error) {
	return "", ErrUnavailable
}

func (NoopBridge) DeleteEvent(context.Context, string) error { return ErrUnavailable }
