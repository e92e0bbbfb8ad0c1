// Package healer reconciles gaps the happy path leaves behind: missing
// audio features, missing artist images, missing top-stats rows, and
// import jobs that died mid-flight.
package healer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/justestif/go-spotify-history-sync/internal/cache"
	"github.com/justestif/go-spotify-history-sync/internal/metrics"
	"github.com/justestif/go-spotify-history-sync/internal/queue"
)

const (
	// candidateCap bounds each sub-task's work per pass so a huge
	// backlog drains over several sweeps instead of one giant one.
	candidateCap = 1000

	// StaleImportWindow is how long an import job's heartbeat may go
	// silent before the sweep force-fails it.
	StaleImportWindow = 5 * time.Minute

	// topStatsActivityWindow decides what "recent ingestion activity"
	// means when looking for users with no top-stats rows.
	topStatsActivityWindow = 7 * 24 * time.Hour
)

// TaskRefreshTopStats is the queue task name for rebuilding one user's
// top-track rows.
const TaskRefreshTopStats = "stats:refresh-top"

// TopStatsPayload is the queue payload for TaskRefreshTopStats.
type TopStatsPayload struct {
	UserID string `json:"user_id"`
}

// FeatureGapStore finds tracks with no audio-feature row.
type FeatureGapStore interface {
	WithoutFeatures(ctx context.Context, limit int) ([]string, error)
}

// ArtistGapStore finds artists with no image.
type ArtistGapStore interface {
	WithoutImages(ctx context.Context, limit int) ([]string, error)
}

// TopStatsGapStore finds users with recent activity but no top-stats
// rows.
type TopStatsGapStore interface {
	UsersMissingTopStats(ctx context.Context, window time.Duration, limit int) ([]string, error)
}

// StaleJobStore force-fails import jobs with silent heartbeats.
type StaleJobStore interface {
	FailStale(ctx context.Context, window time.Duration, limit int) ([]string, error)
}

// PendingStore collects ids for the backfill workers. Satisfied by
// *cache.Store.
type PendingStore interface {
	AddPending(ctx context.Context, set string, ids ...string) error
}

// Enqueuer hands top-stats refresh jobs to the queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, name string, payload any, opts queue.Options) error
}

// Healer runs the periodic reconciliation sweep.
type Healer struct {
	tracks   FeatureGapStore
	artists  ArtistGapStore
	stats    TopStatsGapStore
	jobs     StaleJobStore
	pending  PendingStore
	enqueuer Enqueuer
	logger   *log.Logger

	interval time.Duration
}

// Option configures a Healer.
type Option func(*Healer)

// WithInterval sets the sweep interval.
func WithInterval(d time.Duration) Option {
	return func(h *Healer) { h.interval = d }
}

// WithLogger sets the logger.
func WithLogger(logger *log.Logger) Option {
	return func(h *Healer) { h.logger = logger }
}

// New creates a Healer.
func New(tracks FeatureGapStore, artists ArtistGapStore, stats TopStatsGapStore, jobs StaleJobStore, pending PendingStore, enqueuer Enqueuer, opts ...Option) *Healer {
	h := &Healer{
		tracks:   tracks,
		artists:  artists,
		stats:    stats,
		jobs:     jobs,
		pending:  pending,
		enqueuer: enqueuer,
		logger:   log.Default(),
		interval: 15 * time.Minute,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run sweeps on the configured interval until ctx is canceled. Sub-task
// failures are logged and the loop keeps going.
func (h *Healer) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		if err := h.HealAll(ctx); err != nil {
			h.logger.Error("heal sweep finished with errors", "err", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// HealAll runs the four sub-tasks concurrently. Every sub-task runs to
// completion regardless of the others; the returned error joins any
// sub-task failures.
func (h *Healer) HealAll(ctx context.Context) error {
	tasks := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"audio-feature gaps", h.healFeatureGaps},
		{"artist-image gaps", h.healArtistGaps},
		{"top-stats gaps", h.healTopStatsGaps},
		{"stale imports", h.failStaleImports},
	}

	errs := make([]error, len(tasks))
	var wg sync.WaitGroup
	for i, task := range tasks {
		wg.Add(1)
		go func(i int, name string, fn func(context.Context) error) {
			defer wg.Done()
			if err := fn(ctx); err != nil {
				errs[i] = fmt.Errorf("%s: %w", name, err)
				metrics.ObserveHealerTask(name, "error")
				h.logger.Error("heal sub-task failed", "task", name, "err", err)
			} else {
				metrics.ObserveHealerTask(name, "ok")
			}
		}(i, task.name, task.fn)
	}
	wg.Wait()

	return errors.Join(errs...)
}

func (h *Healer) healFeatureGaps(ctx context.Context) error {
	ids, err := h.tracks.WithoutFeatures(ctx, candidateCap)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	if err := h.pending.AddPending(ctx, cache.PendingAudioFeatures, ids...); err != nil {
		return err
	}
	h.logger.Info("queued feature backfill", "tracks", len(ids))
	return nil
}

func (h *Healer) healArtistGaps(ctx context.Context) error {
	ids, err := h.artists.WithoutImages(ctx, candidateCap)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	if err := h.pending.AddPending(ctx, cache.PendingArtistMetadata, ids...); err != nil {
		return err
	}
	h.logger.Info("queued artist backfill", "artists", len(ids))
	return nil
}

func (h *Healer) healTopStatsGaps(ctx context.Context) error {
	users, err := h.stats.UsersMissingTopStats(ctx, topStatsActivityWindow, candidateCap)
	if err != nil {
		return err
	}
	for _, userID := range users {
		// Top-stats refreshes jump the import backlog.
		err := h.enqueuer.Enqueue(ctx, TaskRefreshTopStats, TopStatsPayload{UserID: userID}, queue.Options{
			JobID:    "top-stats-" + userID,
			Priority: queue.PriorityHigh,
		})
		if err != nil && !errors.Is(err, queue.ErrDuplicateJob) {
			return err
		}
	}
	if len(users) > 0 {
		h.logger.Info("queued top-stats refresh", "users", len(users))
	}
	return nil
}

func (h *Healer) failStaleImports(ctx context.Context) error {
	ids, err := h.jobs.FailStale(ctx, StaleImportWindow, candidateCap)
	if err != nil {
		return err
	}
	if len(ids) > 0 {
		h.logger.Warn("force-failed stale import jobs", "jobs", ids)
	}
	return nil
}
