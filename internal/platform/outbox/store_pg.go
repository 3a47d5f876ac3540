package outbox

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fabianesquiveldDev/backend-sub000/internal/platform/db"
)

type storePG struct{ pool *pgxpool.Pool }

// NewStorePG returns the side_effect_task store.
func NewStorePG(pool *pgxpool.Pool) Store { return &storePG{pool: pool} }

const taskCols = `id, kind, appointment_id, payload, status, attempt_count, max_attempts,
	next_attempt_at, last_error, created_at, done_at`

func scanTask(row pgx.Row) (*Task, error) {
	var t Task
	err := row.Scan(&t.ID, &t.Kind, &t.AppointmentID, &t.Payload, &t.Status, &t.AttemptCount,
		&t.MaxAttempts, &t.NextAttemptAt, &t.LastError, &t.CreatedAt, &t.DoneAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *storePG) Enqueue(ctx context.Context, t *Task) error {
	t.ID = uuid.New()
	if t.Status == "" {
		t.Status = StatusPending
	}
	if t.MaxAttempts == 0 {
		t.MaxAttempts = DefaultMaxAttempts
	}
	return db.Conn(ctx, s.pool).QueryRow(ctx, `
		INSERT INTO side_effect_task (id, kind, appointment_id, payload, status, attempt_count,
			max_attempts, next_attempt_at, last_error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at`,
		t.ID, t.Kind, t.AppointmentID, t.Payload, t.Status, t.AttemptCount,
		t.MaxAttempts, t.NextAttemptAt, t.LastError).Scan(&t.CreatedAt)
}

func (s *storePG) ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*Task, error) {
	rows, err := db.Conn(ctx, s.pool).Query(ctx, `
		UPDATE side_effect_task SET next_attempt_at = $2
		WHERE id IN (
			SELECT id FROM side_effect_task
			WHERE status = 'pending' AND next_attempt_at <= $1
			ORDER BY next_attempt_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+taskCols, now, now.Add(lease), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, t)
	}
	return items, rows.Err()
}

func (s *storePG) Update(ctx context.Context, t *Task) error {
	_, err := db.Conn(ctx, s.pool).Exec(ctx, `
		UPDATE side_effect_task SET status = $2, attempt_count = $3, next_attempt_at = $4,
			last_error = $5, done_at = $6
		WHERE id = $1`,
		t.ID, t.Status, t.AttemptCount, t.NextAttemptAt, t.LastError, t.DoneAt)
	return err
}

func (s *storePG) DeleteFinished(ctx context.Context, before time.Time) (int64, error) {
	tag, err := db.Conn(ctx, s.pool).Exec(ctx, `
		DELETE FROM side_effect_task
		WHERE status IN ('done', 'abandoned') AND COALESCE(done_at, created_at) < $1`, before)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
