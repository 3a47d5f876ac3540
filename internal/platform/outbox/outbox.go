// Package outbox persists side effects that failed inline so a background
// worker can retry them with backoff.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Task statuses.
const (
	StatusPending   = "pending"
	StatusDone      = "done"
	StatusAbandoned = "abandoned"
)

// DefaultMaxAttempts bounds retries before a task is abandoned.
const DefaultMaxAttempts = 5

// Task mirrors one side_effect_task row.
type Task struct {
	ID            uuid.UUID       `json:"id"`
	Kind          string          `json:"kind"`
	AppointmentID *uuid.UUID      `json:"appointment_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
	Status        string          `json:"status"`
	AttemptCount  int             `json:"attempt_count"`
	MaxAttempts   int             `json:"max_attempts"`
	NextAttemptAt time.Time       `json:"next_attempt_at"`
	LastError     *string         `json:"last_error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	DoneAt        *time.Time      `json:"done_at,omitempty"`
}

// NewTask builds a pending task with payload encoded as JSON. The first
// retry is scheduled one backoff step out since the inline attempt just failed.
func NewTask(kind string, appointmentID *uuid.UUID, payload interface{}, now time.Time) (*Task, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	return &Task{
		Kind:          kind,
		AppointmentID: appointmentID,
		Payload:       raw,
		Status:        StatusPending,
		AttemptCount:  1,
		MaxAttempts:   DefaultMaxAttempts,
		NextAttemptAt: now.Add(RetryBackoff(1)),
	}, nil
}

// Decode unmarshals the task payload into v.
func (t *Task) Decode(v interface{}) error {
	if err := json.Unmarshal(t.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", t.Kind, err)
	}
	return nil
}

// Store persists tasks.
type Store interface {
	Enqueue(ctx context.Context, t *Task) error
	// ClaimDue leases up to limit due pending tasks until now+lease so
	// concurrent workers never pick the same task.
	ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*Task, error)
	Update(ctx context.Context, t *Task) error
	DeleteFinished(ctx context.Context, before time.Time) (int64, error)
}

// RetryBackoff returns the delay after the given attempt number (1-indexed).
// Schedule: 30s, 1m, 5m, 15m, 1h.
func RetryBackoff(attempt int) time.Duration {
	switch attempt {
	case 1:
		return 30 * time.Second
	case 2:
		return 1 * time.Minute
	case 3:
		return 5 * time.Minute
	case 4:
		return 15 * time.Minute
	default:
		return 1 * time.Hour
	}
}
