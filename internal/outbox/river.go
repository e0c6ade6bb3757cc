package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/riverqueue/river/rivertype"
	"github.com/rs/zerolog"
)

// Job kinds.
const (
	JobKindNotification = "erp_workflow.notification"
	JobKindCallback     = "erp_workflow.decision_callback"
)

// DefaultMaxAttempts bounds retries of one outbox job.
const DefaultMaxAttempts = 10

// NotificationArgs is the River job carrying one notification.
type NotificationArgs struct {
	Notification Notification `json:"notification"`
}

// Kind implements river.JobArgs.
func (NotificationArgs) Kind() string { return JobKindNotification }

// CallbackArgs is the River job carrying one decision callback.
type CallbackArgs struct {
	Callback DecisionCallback `json:"callback"`
}

// Kind implements river.JobArgs.
func (CallbackArgs) Kind() string { return JobKindCallback }

// QueueConfig configures the River-backed outbox.
type QueueConfig struct {
	// Workers is the number of concurrent job workers. Zero means insert-only.
	Workers     int
	MaxAttempts int
}

// Queue is the Postgres outbox: messages become River jobs inserted in the
// caller's transaction and worked by this process.
type Queue struct {
	client      *river.Client[pgx.Tx]
	maxAttempts int
	log         zerolog.Logger

	mu      sync.Mutex
	started bool
}

// NewQueue builds the River client. Call Start to begin working jobs.
func NewQueue(pool *pgxpool.Pool, handler Handler, cfg QueueConfig, log zerolog.Logger) (*Queue, error) {
	if pool == nil {
		return nil, errors.New("outbox: pool is required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	log = log.With().Str("component", "outbox").Logger()

	riverCfg := &river.Config{
		ErrorHandler: &errorHandler{log: log},
	}
	if cfg.Workers > 0 {
		workers := river.NewWorkers()
		river.AddWorker(workers, &notificationWorker{handler: handler})
		river.AddWorker(workers, &callbackWorker{handler: handler})
		riverCfg.Workers = workers
		riverCfg.Queues = map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: cfg.Workers},
		}
	}

	client, err := river.NewClient(riverpgxv5.New(pool), riverCfg)
	if err != nil {
		return nil, fmt.Errorf("create river client: %w", err)
	}

	return &Queue{client: client, maxAttempts: cfg.MaxAttempts, log: log}, nil
}

// Migrate installs River's own tables.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		return fmt.Errorf("create river migrator: %w", err)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		return fmt.Errorf("migrate river: %w", err)
	}
	return nil
}

// Start begins working jobs.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return nil
	}
	if err := q.client.Start(ctx); err != nil {
		return fmt.Errorf("start river client: %w", err)
	}
	q.started = true
	q.log.Info().Msg("outbox worker started")
	return nil
}

// Stop waits for in-flight jobs to finish.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.started {
		return nil
	}
	q.started = false
	return q.client.Stop(ctx)
}

// WriteTx implements TxWriter.
func (q *Queue) WriteTx(ctx context.Context, tx pgx.Tx, msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}

	params := make([]river.InsertManyParams, 0, len(msgs))
	for _, m := range msgs {
		opts := &river.InsertOpts{MaxAttempts: q.maxAttempts}
		switch {
		case m.Notification != nil:
			params = append(params, river.InsertManyParams{
				Args:       NotificationArgs{Notification: *m.Notification},
				InsertOpts: opts,
			})
		case m.Callback != nil:
			params = append(params, river.InsertManyParams{
				Args:       CallbackArgs{Callback: *m.Callback},
				InsertOpts: opts,
			})
		}
	}

	if _, err := q.client.InsertManyTx(ctx, tx, params); err != nil {
		return fmt.Errorf("insert outbox jobs: %w", err)
	}
	return nil
}

type notificationWorker struct {
	river.WorkerDefaults[NotificationArgs]
	handler Handler
}

func (w *notificationWorker) Work(ctx context.Context, job *river.Job[NotificationArgs]) error {
	return w.handler.HandleNotification(ctx, job.Args.Notification)
}

type callbackWorker struct {
	river.WorkerDefaults[CallbackArgs]
	handler Handler
}

func (w *callbackWorker) Work(ctx context.Context, job *river.Job[CallbackArgs]) error {
	return w.handler.HandleCallback(ctx, job.Args.Callback)
}

type errorHandler struct {
	log zerolog.Logger
}

func (h *errorHandler) HandleError(ctx context.Context, job *rivertype.JobRow, err error) *river.ErrorHandlerResult {
	h.log.Warn().Err(err).
		Int64("job_id", job.ID).
		Str("kind", job.Kind).
		Int("attempt", job.Attempt).
		Int("max_attempts", job.MaxAttempts).
		Msg("outbox job failed")
	return nil
}

func (h *errorHandler) HandlePanic(ctx context.Context, job *rivertype.JobRow, panicVal any, trace string) *river.ErrorHandlerResult {
	h.log.Error().
		Int64("job_id", job.ID).
		Str("kind", job.Kind).
		Interface("panic", panicVal).
		Str("trace", trace).
		Msg("outbox job panicked")
	return nil
}
