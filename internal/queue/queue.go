// Package queue provides a Redis-backed task queue with job-id
// deduplication and delayed delivery.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Common errors.
var (
	// ErrDuplicateJob is returned when a job id was already enqueued
	// within the dedup window.
	ErrDuplicateJob = errors.New("job already enqueued")
)

const (
	readyKey     = "queue:ready"
	readyHighKey = "queue:ready:high"
	delayedKey   = "queue:delayed"

	// dedupTTL bounds how long a job id blocks re-enqueueing.
	dedupTTL = 24 * time.Hour
)

// Priority orders ready tasks: high-priority tasks are always dequeued
// before default ones.
type Priority int

const (
	PriorityDefault Priority = iota
	PriorityHigh
)

// Task is one unit of queued work.
type Task struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Payload    json.RawMessage `json:"payload"`
	Priority   Priority        `json:"priority,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// Options controls enqueue behavior.
type Options struct {
	// JobID deduplicates: a second enqueue with the same id within the
	// dedup window returns ErrDuplicateJob. Empty means no dedup.
	JobID string
	// Delay holds the task back; it becomes visible to Dequeue once the
	// delay elapses.
	Delay time.Duration
	// Priority selects the ready list the task lands on.
	Priority Priority
}

// readyList maps a priority onto its ready list.
func readyList(p Priority) string {
	if p == PriorityHigh {
		return readyHighKey
	}
	return readyKey
}

// Queue is a Redis-backed task queue. Safe for concurrent use.
type Queue struct {
	client *redis.Client
}

// New creates a Queue on an existing Redis client.
func New(client *redis.Client) *Queue {
	return &Queue{client: client}
}

func dedupKey(jobID string) string { return "queue:dedup:" + jobID }

// Enqueue adds a task. Payload must be JSON-marshalable.
func (q *Queue) Enqueue(ctx context.Context, name string, payload any, opts Options) error {
	if opts.JobID != "" {
		ok, err := q.client.SetNX(ctx, dedupKey(opts.JobID), "1", dedupTTL).Result()
		if err != nil {
			return fmt.Errorf("checking job dedup: %w", err)
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrDuplicateJob, opts.JobID)
		}
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding task payload: %w", err)
	}

	id := opts.JobID
	if id == "" {
		id = uuid.New().String()
	}
	task := Task{
		ID:         id,
		Name:       name,
		Payload:    raw,
		Priority:   opts.Priority,
		EnqueuedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encoding task: %w", err)
	}

	if opts.Delay > 0 {
		readyAt := float64(time.Now().Add(opts.Delay).UnixMilli())
		if err := q.client.ZAdd(ctx, delayedKey, redis.Z{Score: readyAt, Member: data}).Err(); err != nil {
			return fmt.Errorf("enqueueing delayed task: %w", err)
		}
		return nil
	}

	if err := q.client.LPush(ctx, readyList(opts.Priority), data).Err(); err != nil {
		return fmt.Errorf("enqueueing task: %w", err)
	}
	return nil
}

// Dequeue pops the next ready task, blocking up to timeout. The
// high-priority list drains before the default one. Returns nil when
// the timeout elapses with nothing to do.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*Task, error) {
	if err := q.promoteDue(ctx); err != nil {
		return nil, err
	}

	vals, err := q.client.BRPop(ctx, timeout, readyHighKey, readyKey).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeueing task: %w", err)
	}

	// BRPop returns [key, value].
	var task Task
	if err := json.Unmarshal([]byte(vals[1]), &task); err != nil {
		return nil, fmt.Errorf("decoding task: %w", err)
	}
	return &task, nil
}

// Len reports the number of immediately ready tasks across both lists.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	var total int64
	for _, key := range []string{readyHighKey, readyKey} {
		n, err := q.client.LLen(ctx, key).Result()
		if err != nil {
			return 0, fmt.Errorf("reading queue length: %w", err)
		}
		total += n
	}
	return total, nil
}

// promoteDue moves delayed tasks whose delay has elapsed onto the
// ready list.
func (q *Queue) promoteDue(ctx context.Context) error {
	now := fmt.Sprintf("%d", time.Now().UnixMilli())
	due, err := q.client.ZRangeByScore(ctx, delayedKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: now,
	}).Result()
	if err != nil {
		return fmt.Errorf("reading delayed tasks: %w", err)
	}
	for _, member := range due {
		// ZRem first so two consumers cannot both promote the same task.
		removed, err := q.client.ZRem(ctx, delayedKey, member).Result()
		if err != nil {
			return fmt.Errorf("promoting delayed task: %w", err)
		}
		if removed == 0 {
			continue
		}
		// Promote onto the list matching the task's priority.
		list := readyKey
		var task Task
		if err := json.Unmarshal([]byte(member), &task); err == nil {
			list = readyList(task.Priority)
		}
		if err := q.client.LPush(ctx, list, member).Err(); err != nil {
			return fmt.Errorf("promoting delayed task: %w", err)
		}
	}
	return nil
}
