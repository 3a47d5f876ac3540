package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Handler performs one task. A nil error marks the task done.
type Handler func(ctx context.Context, t *Task) error

// Observer is told the result of every attempt ("done", "retry", "abandoned").
type Observer func(kind, result string)

// Worker polls the store and runs due tasks through their registered handler.
type Worker struct {
	store    Store
	handlers map[string]Handler
	logger   zerolog.Logger
	observe  Observer
	now      func() time.Time

	// Interval controls how often due tasks are polled.
	Interval time.Duration
	// BatchSize is the max number of tasks claimed per tick.
	BatchSize int
	// Lease hides a claimed task from other workers while it runs.
	Lease time.Duration
	// TaskTimeout bounds a single handler call.
	TaskTimeout time.Duration
	// CleanupInterval controls how often finished tasks are purged.
	CleanupInterval time.Duration
	// Retention is how long finished tasks are kept.
	Retention time.Duration
}

// NewWorker creates a worker with no handlers registered.
func NewWorker(store Store, logger zerolog.Logger) *Worker {
	return &Worker{
		store:           store,
		handlers:        make(map[string]Handler),
		logger:          logger,
		observe:         func(string, string) {},
		now:             time.Now,
		Interval:        5 * time.Second,
		BatchSize:       50,
		Lease:           2 * time.Minute,
		TaskTimeout:     10 * time.Second,
		CleanupInterval: 1 * time.Hour,
		Retention:       30 * 24 * time.Hour,
	}
}

// Handle registers h for kind.
func (w *Worker) Handle(kind string, h Handler) { w.handlers[kind] = h }

// SetObserver installs an attempt observer, typically a metrics counter.
func (w *Worker) SetObserver(o Observer) { w.observe = o }

// Start runs the delivery and cleanup loops until ctx is cancelled.
func (w *Worker) Start(ctx context.Context) {
	deliveryTicker := time.NewTicker(w.Interval)
	cleanupTicker := time.NewTicker(w.CleanupInterval)
	defer deliveryTicker.Stop()
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-deliveryTicker.C:
			w.RunOnce(ctx)
		case <-cleanupTicker.C:
			w.cleanup(ctx)
		}
	}
}

// RunOnce claims one batch of due tasks and processes it. It returns the
// number of tasks attempted.
func (w *Worker) RunOnce(ctx context.Context) int {
	tasks, err := w.store.ClaimDue(ctx, w.now(), w.Lease, w.BatchSize)
	if err != nil {
		w.logger.Error().Err(err).Msg("failed to claim side-effect tasks")
		return 0
	}
	for _, t := range tasks {
		w.process(ctx, t)
	}
	return len(tasks)
}

func (w *Worker) process(ctx context.Context, t *Task) {
	h, ok := w.handlers[t.Kind]
	if !ok {
		w.markFailed(ctx, t, fmt.Sprintf("no handler for task kind %q", t.Kind))
		return
	}

	tctx, cancel := context.WithTimeout(ctx, w.TaskTimeout)
	err := h(tctx, t)
	cancel()
	if err != nil {
		w.markFailed(ctx, t, err.Error())
		return
	}

	now := w.now()
	t.AttemptCount++
	t.Status = StatusDone
	t.DoneAt = &now
	t.LastError = nil
	if err := w.store.Update(ctx, t); err != nil {
		w.logger.Error().Err(err).Str("task", t.ID.String()).Msg("failed to mark task done")
	}
	w.observe(t.Kind, "done")
}

func (w *Worker) markFailed(ctx context.Context, t *Task, errMsg string) {
	t.AttemptCount++
	t.LastError = &errMsg

	log := w.logger.With().Str("task", t.ID.String()).Str("kind", t.Kind).Int("attempt", t.AttemptCount).Logger()

	if t.AttemptCount >= t.MaxAttempts {
		t.Status = StatusAbandoned
		if err := w.store.Update(ctx, t); err != nil {
			log.Error().Err(err).Msg("failed to abandon task")
		}
		log.Error().Str("last_error", errMsg).Msg("side-effect task abandoned after max attempts")
		w.observe(t.Kind, "abandoned")
		return
	}

	t.NextAttemptAt = w.now().Add(RetryBackoff(t.AttemptCount))
	if err := w.store.Update(ctx, t); err != nil {
		log.Error().Err(err).Msg("failed to schedule task retry")
	}
	log.Warn().Str("last_error", errMsg).Time("next_attempt_at", t.NextAttemptAt).Msg("side-effect task failed, retry scheduled")
	w.observe(t.Kind, "retry")
}

func (w *Worker) cleanup(ctx context.Context) {
	n, err := w.store.DeleteFinished(ctx, w.now().Add(-w.Retention))
	if err != nil {
		w.logger.Error().Err(err).Msg("failed to clean up finished tasks")
		return
	}
	if n > 0 {
		w.logger.Info().Int64("count", n).Msg("cleaned up finished side-effect tasks")
	}
}
