package importer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/justestif/go-spotify-history-sync/internal/cache"
	"github.com/justestif/go-spotify-history-sync/internal/db"
	"github.com/justestif/go-spotify-history-sync/internal/queue"
)

type fakeTracks struct {
	mu   sync.Mutex
	seen map[string]bool
}

func newFakeTracks() *fakeTracks { return &fakeTracks{seen: make(map[string]bool)} }

func (f *fakeTracks) EnsureBatch(_ context.Context, tracks []db.Track) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var created []string
	for _, tr := range tracks {
		if !f.seen[tr.ID] {
			f.seen[tr.ID] = true
			created = append(created, tr.ID)
		}
	}
	return created, nil
}

func (f *fakeTracks) ArtistIDs(_ context.Context, ids []string) (map[string][]string, error) {
	out := make(map[string][]string, len(ids))
	for _, id := range ids {
		out[id] = []string{"artist-" + id}
	}
	return out, nil
}

type fakeEvents struct {
	mu        sync.Mutex
	rows      map[db.EventKey]db.ListeningEvent
	updates   int
	insertErr error
}

func newFakeEvents() *fakeEvents { return &fakeEvents{rows: make(map[db.EventKey]db.ListeningEvent)} }

func (f *fakeEvents) key(e db.ListeningEvent) db.EventKey {
	return db.EventKey{TrackID: e.TrackID, PlayedAt: e.PlayedAt.UTC()}
}

func (f *fakeEvents) InsertBatch(_ context.Context, events []db.ListeningEvent) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return 0, f.insertErr
	}
	added := 0
	for _, e := range events {
		k := f.key(e)
		if _, ok := f.rows[k]; ok {
			continue
		}
		f.rows[k] = e
		added++
	}
	return added, nil
}

func (f *fakeEvents) ExistingForKeys(_ context.Context, userID string, keys []db.EventKey) (map[db.EventKey]db.ListeningEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[db.EventKey]db.ListeningEvent)
	for _, k := range keys {
		k.PlayedAt = k.PlayedAt.UTC()
		if row, ok := f.rows[k]; ok && row.UserID == userID {
			out[k] = row
		}
	}
	return out, nil
}

func (f *fakeEvents) Update(_ context.Context, e *db.ListeningEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[f.key(*e)] = *e
	f.updates++
	return nil
}

type fakeJobs struct {
	mu        sync.Mutex
	status    map[string]string
	snapshots int
	errorMsg  map[string]string
}

func newFakeJobs() *fakeJobs {
	return &fakeJobs{status: make(map[string]string), errorMsg: make(map[string]string)}
}

func (f *fakeJobs) Create(_ context.Context, job *db.ImportJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status[job.ID] = job.Status
	return nil
}

func (f *fakeJobs) Get(_ context.Context, id string) (*db.ImportJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	status, ok := f.status[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	return &db.ImportJob{ID: id, Status: status}, nil
}

func (f *fakeJobs) MarkProcessing(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status[id] = db.ImportStatusProcessing
	return nil
}

func (f *fakeJobs) SnapshotProgress(_ context.Context, _ string, _, _ int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots++
	return nil
}

func (f *fakeJobs) MarkCompleted(_ context.Context, id string, _, _ int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status[id] = db.ImportStatusCompleted
	return nil
}

func (f *fakeJobs) MarkFailed(_ context.Context, id, msg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status[id] = db.ImportStatusFailed
	f.errorMsg[id] = msg
	return nil
}

func (f *fakeJobs) statusOf(id string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status[id]
}

type fakePartitions struct {
	mu     sync.Mutex
	months map[string]bool
}

func newFakePartitions() *fakePartitions { return &fakePartitions{months: make(map[string]bool)} }

func (f *fakePartitions) EnsureForDates(_ context.Context, dates []time.Time) ([]db.PartitionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range dates {
		f.months[d.UTC().Format("2006-01")] = true
	}
	return nil, nil
}

type fakeProgress struct {
	mu      sync.Mutex
	last    map[string]cache.ImportProgress
	pending map[string][]string
}

func newFakeProgress() *fakeProgress {
	return &fakeProgress{
		last:    make(map[string]cache.ImportProgress),
		pending: make(map[string][]string),
	}
}

func (f *fakeProgress) SetImportProgress(_ context.Context, jobID string, p *cache.ImportProgress) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.last[jobID] = *p
	return nil
}

func (f *fakeProgress) AddPending(_ context.Context, set string, ids ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending[set] = append(f.pending[set], ids...)
	return nil
}

type fakeStats struct {
	mu     sync.Mutex
	events int
}

func (f *fakeStats) UpdateStatsForEvents(_ context.Context, _ string, events []StatEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events += len(events)
	return nil
}

// export builds a JSON export with n valid records plus the given extra
// raw records interleaved at the front.
func export(n int, extra ...string) string {
	var sb strings.Builder
	sb.WriteString("[")
	for i, raw := range extra {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString(raw)
	}
	for i := 0; i < n; i++ {
		if i > 0 || len(extra) > 0 {
			sb.WriteString(",")
		}
		ts := time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(i) * time.Hour)
		sb.WriteString(record(ts.Format(time.RFC3339), 120000, fmt.Sprintf("spotify:track:t%d", i%40), "Song", "Artist"))
	}
	sb.WriteString("]")
	return sb.String()
}

func TestPipelineEndToEnd(t *testing.T) {
	tracks := newFakeTracks()
	events := newFakeEvents()
	jobs := newFakeJobs()
	partitions := newFakePartitions()
	progress := newFakeProgress()
	stats := &fakeStats{}

	p := NewPipeline(tracks, events, jobs, partitions, progress, WithStatsUpdater(stats))

	// 2500 valid records plus two that validation drops.
	input := export(2500,
		record("2023-06-01T00:00:00Z", 3000, "spotify:track:tiny", "Song", "Artist"),
		`{"ts": "2023-06-01T00:00:00Z", "ms_played": 600000, "spotify_episode_uri": "spotify:episode:pod"}`,
	)

	if err := p.Run(context.Background(), "job-1", "user-1", strings.NewReader(input)); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := jobs.statusOf("job-1"); got != db.ImportStatusCompleted {
		t.Fatalf("status = %s, want COMPLETED", got)
	}

	final := progress.last["job-1"]
	if final.AddedRecords+final.SkippedRecords != final.TotalRecords {
		t.Fatalf("added %d + skipped %d != total %d",
			final.AddedRecords, final.SkippedRecords, final.TotalRecords)
	}
	if final.AddedRecords != 2500 {
		t.Fatalf("added = %d, want 2500", final.AddedRecords)
	}
	if final.SkippedRecords != 2 {
		t.Fatalf("skipped = %d, want 2 dropped records", final.SkippedRecords)
	}

	// 2500 records at one per hour span June through September.
	if len(partitions.months) != 4 {
		t.Fatalf("partition months = %v", partitions.months)
	}
	// Every distinct track was created once and queued for backfill.
	if got := len(progress.pending[cache.PendingTrackMetadata]); got != 40 {
		t.Fatalf("pending metadata ids = %d, want 40", got)
	}
	if stats.events != 2500 {
		t.Fatalf("stats received %d events, want 2500", stats.events)
	}
	// Durable snapshots land every 1000 processed records.
	if jobs.snapshots < 2 {
		t.Fatalf("snapshots = %d, want at least 2", jobs.snapshots)
	}
}

func TestPipelineIsIdempotentAcrossRuns(t *testing.T) {
	tracks := newFakeTracks()
	events := newFakeEvents()
	jobs := newFakeJobs()
	progress := newFakeProgress()

	p := NewPipeline(tracks, events, jobs, newFakePartitions(), progress)

	input := export(300)
	if err := p.Run(context.Background(), "job-1", "user-1", strings.NewReader(input)); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if err := p.Run(context.Background(), "job-2", "user-1", strings.NewReader(input)); err != nil {
		t.Fatalf("second run: %v", err)
	}

	if len(events.rows) != 300 {
		t.Fatalf("rows = %d after re-import, want 300", len(events.rows))
	}
	second := progress.last["job-2"]
	if second.AddedRecords != 0 || second.SkippedRecords != 300 {
		t.Fatalf("second run added %d skipped %d, want 0/300",
			second.AddedRecords, second.SkippedRecords)
	}
}

func TestPipelineDeduplicatesRepeatedRecords(t *testing.T) {
	tracks := newFakeTracks()
	events := newFakeEvents()
	jobs := newFakeJobs()
	progress := newFakeProgress()
	stats := &fakeStats{}

	p := NewPipeline(tracks, events, jobs, newFakePartitions(), progress, WithStatsUpdater(stats))

	// Merged export files repeat entries: the same play appears twice.
	rec := record("2023-06-01T12:00:00Z", 180000, "spotify:track:dup", "Song", "Artist")
	input := "[" + rec + "," + rec + "]"

	if err := p.Run(context.Background(), "job-1", "user-1", strings.NewReader(input)); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if len(events.rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(events.rows))
	}
	last := progress.last["job-1"]
	if last.AddedRecords != 1 || last.SkippedRecords != 1 {
		t.Fatalf("added %d skipped %d, want 1/1", last.AddedRecords, last.SkippedRecords)
	}
	if stats.events != 1 {
		t.Fatalf("stats collaborator received %d events for 1 added row, want 1", stats.events)
	}
}

func TestPipelineUpgradesLiveEvents(t *testing.T) {
	events := newFakeEvents()

	// A pre-existing row from live polling: estimated duration.
	playedAt := time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)
	events.rows[db.EventKey{TrackID: "t0", PlayedAt: playedAt}] = db.ListeningEvent{
		UserID:   "user-1",
		TrackID:  "t0",
		PlayedAt: playedAt,
		MsPlayed: 30000,
		Source:   db.SourceLive,
	}

	progress := newFakeProgress()
	p := NewPipeline(newFakeTracks(), events, newFakeJobs(), newFakePartitions(), progress)

	input := "[" + record("2023-06-01T00:02:00Z", 120000, "spotify:track:t0", "Song", "Artist") + "]"
	if err := p.Run(context.Background(), "job-1", "user-1", strings.NewReader(input)); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if events.updates != 1 {
		t.Fatalf("updates = %d, want 1", events.updates)
	}
	row := events.rows[db.EventKey{TrackID: "t0", PlayedAt: playedAt}]
	if row.Source != db.SourceImport || row.MsPlayed != 120000 {
		t.Fatalf("row not upgraded: %+v", row)
	}
	if len(events.rows) != 1 {
		t.Fatalf("rows = %d, upgrade must not insert", len(events.rows))
	}
	if final := progress.last["job-1"]; final.AddedRecords != 1 {
		t.Fatalf("upgrade not counted as added: %+v", final)
	}
}

func TestPipelineFailureMarksJobFailed(t *testing.T) {
	events := newFakeEvents()
	events.insertErr = errors.New("connection reset")
	jobs := newFakeJobs()
	progress := newFakeProgress()

	p := NewPipeline(newFakeTracks(), events, jobs, newFakePartitions(), progress)

	err := p.Run(context.Background(), "job-1", "user-1", strings.NewReader(export(150)))
	if err == nil {
		t.Fatal("expected error")
	}
	if got := jobs.statusOf("job-1"); got != db.ImportStatusFailed {
		t.Fatalf("status = %s, want FAILED", got)
	}
	final := progress.last["job-1"]
	if final.Status != db.ImportStatusFailed || final.ErrorMessage == "" {
		t.Fatalf("progress mirror = %+v", final)
	}
}

type fakeEnqueuer struct {
	mu    sync.Mutex
	tasks []string
	err   error
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, name string, _ any, opts queue.Options) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.tasks = append(f.tasks, name+":"+opts.JobID)
	return nil
}

func TestSubmitEnqueuesJob(t *testing.T) {
	jobs := newFakeJobs()
	enq := &fakeEnqueuer{}
	s := NewService(jobs, enq, nil)

	job, err := s.Submit(context.Background(), "user-1", "endsong.json", "/tmp/spool/endsong.json")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !strings.HasPrefix(job.ID, "user-1-") {
		t.Fatalf("job id %q not user-scoped", job.ID)
	}
	if len(enq.tasks) != 1 {
		t.Fatalf("enqueued %d tasks, want 1", len(enq.tasks))
	}

	other, err := s.Submit(context.Background(), "user-1", "endsong.json", "/tmp/spool/endsong.json")
	if err != nil {
		t.Fatalf("second Submit: %v", err)
	}
	if other.ID == job.ID {
		t.Fatal("retried upload reused the job id")
	}
}

func TestSubmitFailsJobOnQueueHandoffError(t *testing.T) {
	jobs := newFakeJobs()
	enq := &fakeEnqueuer{err: errors.New("redis down")}
	s := NewService(jobs, enq, nil)

	_, err := s.Submit(context.Background(), "user-1", "endsong.json", "/tmp/spool/endsong.json")
	if err == nil {
		t.Fatal("expected error")
	}

	// No orphaned PENDING row: the only job created must be FAILED.
	jobs.mu.Lock()
	defer jobs.mu.Unlock()
	if len(jobs.status) != 1 {
		t.Fatalf("jobs created = %d, want 1", len(jobs.status))
	}
	for id, status := range jobs.status {
		if status != db.ImportStatusFailed {
			t.Fatalf("job %s status = %s, want FAILED", id, status)
		}
	}
}
