package importer

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/log"

	"github.com/justestif/go-spotify-history-sync/internal/cache"
	"github.com/justestif/go-spotify-history-sync/internal/db"
	"github.com/justestif/go-spotify-history-sync/internal/metrics"
)

const (
	// batchSize groups parsed events for bulk persistence.
	batchSize = 100

	// snapshotEvery is how many processed records pass between durable
	// progress snapshots.
	snapshotEvery = 1000
)

// TrackStore resolves and creates track rows.
type TrackStore interface {
	EnsureBatch(ctx context.Context, tracks []db.Track) ([]string, error)
	ArtistIDs(ctx context.Context, ids []string) (map[string][]string, error)
}

// EventStore persists listening events.
type EventStore interface {
	InsertBatch(ctx context.Context, events []db.ListeningEvent) (int, error)
	ExistingForKeys(ctx context.Context, userID string, keys []db.EventKey) (map[db.EventKey]db.ListeningEvent, error)
	Update(ctx context.Context, e *db.ListeningEvent) error
}

// JobStore transitions the durable import job row.
type JobStore interface {
	MarkProcessing(ctx context.Context, id string) error
	SnapshotProgress(ctx context.Context, id string, totalEvents, processedEvents int) error
	MarkCompleted(ctx context.Context, id string, totalEvents, processedEvents int) error
	MarkFailed(ctx context.Context, id, errorMessage string) error
}

// PartitionStore guarantees partitions exist before inserts land.
type PartitionStore interface {
	EnsureForDates(ctx context.Context, dates []time.Time) ([]db.PartitionResult, error)
}

// ProgressStore mirrors counters and collects backfill work.
// Satisfied by *cache.Store.
type ProgressStore interface {
	SetImportProgress(ctx context.Context, jobID string, p *cache.ImportProgress) error
	AddPending(ctx context.Context, set string, ids ...string) error
}

// StatEvent is one newly-added play handed to the aggregation
// collaborator.
type StatEvent struct {
	TrackID   string
	ArtistIDs []string
	PlayedAt  time.Time
	MsPlayed  int
}

// StatsUpdater receives newly-added events for incremental rollup. Each
// event is forwarded at most once per job.
type StatsUpdater interface {
	UpdateStatsForEvents(ctx context.Context, userID string, events []StatEvent) error
}

// Pipeline drives one import job from byte stream to persisted events.
type Pipeline struct {
	tracks     TrackStore
	events     EventStore
	jobs       JobStore
	partitions PartitionStore
	progress   ProgressStore
	stats      StatsUpdater // optional
	logger     *log.Logger
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithStatsUpdater attaches the aggregation collaborator.
func WithStatsUpdater(s StatsUpdater) PipelineOption {
	return func(p *Pipeline) { p.stats = s }
}

// WithPipelineLogger sets the logger.
func WithPipelineLogger(logger *log.Logger) PipelineOption {
	return func(p *Pipeline) { p.logger = logger }
}

// NewPipeline creates a Pipeline.
func NewPipeline(tracks TrackStore, events EventStore, jobs JobStore, partitions PartitionStore, progress ProgressStore, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		tracks:     tracks,
		events:     events,
		jobs:       jobs,
		partitions: partitions,
		progress:   progress,
		logger:     log.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// counters tracks one job's running totals. added + skipped always
// equals processed.
type counters struct {
	processed int
	added     int
	skipped   int
}

// Run executes one import job to completion. Any error marks the job
// FAILED and is returned so the invoking worker can log it. There is no
// mid-stream resume; a failed job must be re-submitted under a new id.
func (p *Pipeline) Run(ctx context.Context, jobID, userID string, r io.Reader) error {
	if err := p.jobs.MarkProcessing(ctx, jobID); err != nil {
		return fmt.Errorf("marking job processing: %w", err)
	}

	var c counters
	lastSnapshot := 0
	batch := make([]Event, 0, batchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := p.flushBatch(ctx, jobID, userID, batch, &c); err != nil {
			return err
		}
		batch = batch[:0]

		if err := p.mirrorProgress(ctx, jobID, db.ImportStatusProcessing, &c, ""); err != nil {
			p.logger.Error("mirroring import progress", "job", jobID, "err", err)
		}
		if c.processed-lastSnapshot >= snapshotEvery {
			if err := p.jobs.SnapshotProgress(ctx, jobID, c.processed, c.processed); err != nil {
				return fmt.Errorf("snapshotting progress: %w", err)
			}
			lastSnapshot = c.processed
		}
		return nil
	}

	stats, err := Parse(r, func(event Event) error {
		batch = append(batch, event)
		if len(batch) < batchSize {
			return nil
		}
		return flush()
	})
	if err == nil {
		err = flush()
	}

	// Records dropped by validation still count toward the totals.
	c.processed += stats.Dropped
	c.skipped += stats.Dropped

	if err != nil {
		p.fail(ctx, jobID, &c, err)
		metrics.ObserveImportJob(db.ImportStatusFailed)
		return fmt.Errorf("import job %s: %w", jobID, err)
	}

	if err := p.mirrorProgress(ctx, jobID, db.ImportStatusCompleted, &c, ""); err != nil {
		p.logger.Error("mirroring import progress", "job", jobID, "err", err)
	}
	if err := p.jobs.MarkCompleted(ctx, jobID, c.processed, c.processed); err != nil {
		return fmt.Errorf("marking job completed: %w", err)
	}

	metrics.ObserveImportJob(db.ImportStatusCompleted)
	metrics.ObserveImportRecords(c.added, c.skipped)
	p.logger.Info("import completed",
		"job", jobID, "user", userID,
		"total", c.processed, "added", c.added, "skipped", c.skipped)
	return nil
}

// flushBatch persists one batch of parsed events.
func (p *Pipeline) flushBatch(ctx context.Context, jobID, userID string, batch []Event, c *counters) error {
	if _, err := p.partitions.EnsureForDates(ctx, batchDates(batch)); err != nil {
		return fmt.Errorf("ensuring partitions: %w", err)
	}

	if err := p.ensureTracks(ctx, batch); err != nil {
		return err
	}

	keys := make([]db.EventKey, len(batch))
	for i, event := range batch {
		keys[i] = db.EventKey{TrackID: event.TrackID, PlayedAt: event.PlayedAt}
	}
	existing, err := p.events.ExistingForKeys(ctx, userID, keys)
	if err != nil {
		return fmt.Errorf("querying existing events: %w", err)
	}

	var inserts []db.ListeningEvent
	queued := make(map[db.EventKey]bool, len(batch))
	upgraded := 0
	for _, event := range batch {
		key := db.EventKey{TrackID: event.TrackID, PlayedAt: event.PlayedAt.UTC()}
		row, ok := existing[key]
		if !ok {
			// Merged export files repeat entries. Only the first copy of
			// a key in the batch is inserted and forwarded to the stats
			// collaborator; later copies are duplicates.
			if queued[key] {
				continue
			}
			queued[key] = true
			inserts = append(inserts, db.ListeningEvent{
				UserID:   userID,
				TrackID:  event.TrackID,
				PlayedAt: event.PlayedAt,
				MsPlayed: event.MsPlayed,
				Skipped:  event.Skipped,
				Source:   db.SourceImport,
			})
			continue
		}
		if row.Source != db.SourceImport && !queued[key] {
			queued[key] = true
			// The existing row is a live-polling estimate; the export
			// carries the authoritative duration.
			row.MsPlayed = event.MsPlayed
			row.Skipped = event.Skipped
			row.Source = db.SourceImport
			if err := p.events.Update(ctx, &row); err != nil {
				return fmt.Errorf("upgrading event: %w", err)
			}
			upgraded++
		}
	}

	added := 0
	if len(inserts) > 0 {
		added, err = p.events.InsertBatch(ctx, inserts)
		if err != nil {
			return fmt.Errorf("inserting events: %w", err)
		}
	}

	c.processed += len(batch)
	c.added += added + upgraded
	c.skipped += len(batch) - added - upgraded

	if p.stats != nil && len(inserts) > 0 {
		if err := p.forwardStats(ctx, userID, inserts); err != nil {
			// Rollup is best-effort per batch; the events themselves are
			// already durable.
			p.logger.Error("forwarding events to stats", "job", jobID, "err", err)
		}
	}
	return nil
}

// ensureTracks creates missing track rows and queues newly created ids
// for metadata backfill.
func (p *Pipeline) ensureTracks(ctx context.Context, batch []Event) error {
	seen := make(map[string]bool, len(batch))
	var tracks []db.Track
	for _, event := range batch {
		if seen[event.TrackID] {
			continue
		}
		seen[event.TrackID] = true

		track := db.Track{
			ID:         event.TrackID,
			Name:       event.TrackName,
			ArtistName: event.ArtistName,
		}
		if event.AlbumName != "" {
			album := event.AlbumName
			track.AlbumName = &album
		}
		tracks = append(tracks, track)
	}

	created, err := p.tracks.EnsureBatch(ctx, tracks)
	if err != nil {
		return fmt.Errorf("ensuring tracks: %w", err)
	}
	if len(created) > 0 {
		if err := p.progress.AddPending(ctx, cache.PendingTrackMetadata, created...); err != nil {
			return fmt.Errorf("queueing metadata backfill: %w", err)
		}
	}
	return nil
}

func (p *Pipeline) forwardStats(ctx context.Context, userID string, inserts []db.ListeningEvent) error {
	ids := make([]string, 0, len(inserts))
	seen := make(map[string]bool, len(inserts))
	for _, e := range inserts {
		if !seen[e.TrackID] {
			seen[e.TrackID] = true
			ids = append(ids, e.TrackID)
		}
	}
	artistIDs, err := p.tracks.ArtistIDs(ctx, ids)
	if err != nil {
		return fmt.Errorf("resolving artist ids: %w", err)
	}

	events := make([]StatEvent, len(inserts))
	for i, e := range inserts {
		events[i] = StatEvent{
			TrackID:   e.TrackID,
			ArtistIDs: artistIDs[e.TrackID],
			PlayedAt:  e.PlayedAt,
			MsPlayed:  e.MsPlayed,
		}
	}
	return p.stats.UpdateStatsForEvents(ctx, userID, events)
}

func (p *Pipeline) mirrorProgress(ctx context.Context, jobID, status string, c *counters, errMsg string) error {
	return p.progress.SetImportProgress(ctx, jobID, &cache.ImportProgress{
		Status:           status,
		TotalRecords:     c.processed,
		ProcessedRecords: c.processed,
		AddedRecords:     c.added,
		SkippedRecords:   c.skipped,
		ErrorMessage:     errMsg,
	})
}

// fail records the terminal FAILED state in both stores. Best effort:
// the original error is what the caller sees.
func (p *Pipeline) fail(ctx context.Context, jobID string, c *counters, cause error) {
	if err := p.mirrorProgress(ctx, jobID, db.ImportStatusFailed, c, cause.Error()); err != nil {
		p.logger.Error("mirroring failed status", "job", jobID, "err", err)
	}
	if err := p.jobs.MarkFailed(ctx, jobID, cause.Error()); err != nil {
		p.logger.Error("marking job failed", "job", jobID, "err", err)
	}
}

// batchDates collects the distinct played-at dates of a batch.
func batchDates(batch []Event) []time.Time {
	seen := make(map[string]bool, 4)
	var dates []time.Time
	for _, event := range batch {
		month := event.PlayedAt.UTC().Format("2006-01")
		if seen[month] {
			continue
		}
		seen[month] = true
		dates = append(dates, event.PlayedAt)
	}
	return dates
}
