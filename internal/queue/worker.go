package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
)

// HandlerFunc processes one task. Returning an error marks the task
// failed; it is the handler's job to re-enqueue if it wants a retry.
type HandlerFunc func(ctx context.Context, payload json.RawMessage) error

// Worker consumes tasks and dispatches them to registered handlers.
type Worker struct {
	queue    *Queue
	handlers map[string]HandlerFunc
	logger   *log.Logger

	pollTimeout time.Duration
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithPollTimeout sets the blocking-pop timeout per poll.
func WithPollTimeout(d time.Duration) WorkerOption {
	return func(w *Worker) { w.pollTimeout = d }
}

// WithWorkerLogger sets the logger.
func WithWorkerLogger(logger *log.Logger) WorkerOption {
	return func(w *Worker) { w.logger = logger }
}

// NewWorker creates a Worker on a queue.
func NewWorker(q *Queue, opts ...WorkerOption) *Worker {
	w := &Worker{
		queue:       q,
		handlers:    make(map[string]HandlerFunc),
		logger:      log.Default(),
		pollTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Handle registers the handler for a task name. Must be called before
// Run.
func (w *Worker) Handle(name string, fn HandlerFunc) {
	w.handlers[name] = fn
}

// Run consumes tasks until ctx is canceled.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		task, err := w.queue.Dequeue(ctx, w.pollTimeout)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			w.logger.Error("dequeue failed", "err", err)
			// Back off briefly so a broken Redis does not spin the loop.
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}
		if task == nil {
			continue
		}

		if err := w.dispatch(ctx, task); err != nil {
			w.logger.Error("task failed", "task", task.Name, "id", task.ID, "err", err)
		}
	}
}

func (w *Worker) dispatch(ctx context.Context, task *Task) error {
	fn, ok := w.handlers[task.Name]
	if !ok {
		return fmt.Errorf("no handler registered for %q", task.Name)
	}

	start := time.Now()
	if err := fn(ctx, task.Payload); err != nil {
		return err
	}
	w.logger.Debug("task done", "task", task.Name, "id", task.ID, "took", time.Since(start))
	return nil
}
