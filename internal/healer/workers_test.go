package healer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/justestif/go-spotify-history-sync/internal/breaker"
	"github.com/justestif/go-spotify-history-sync/internal/db"
	"github.com/justestif/go-spotify-history-sync/internal/spotify"
	"github.com/justestif/go-spotify-history-sync/internal/tokens"
)

func TestRetryWaitHonorsRateLimitHint(t *testing.T) {
	long := &spotify.RateLimitError{RetryAfter: 90 * time.Second}
	if got := retryWait(fmt.Errorf("fetching tracks: %w", long)); got != 90*time.Second {
		t.Errorf("retryWait(rate limit 90s) = %v, want 90s", got)
	}

	// Hints shorter than the idle interval fall back to it.
	short := &spotify.RateLimitError{RetryAfter: 2 * time.Second}
	if got := retryWait(short); got != pollInterval {
		t.Errorf("retryWait(rate limit 2s) = %v, want %v", got, pollInterval)
	}

	if got := retryWait(spotify.ErrUpstreamUnavailable); got != pollInterval {
		t.Errorf("retryWait(transient) = %v, want %v", got, pollInterval)
	}
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	b := newBackoff(10*time.Second, 5*time.Minute)

	want := []time.Duration{
		10 * time.Second,
		20 * time.Second,
		40 * time.Second,
		80 * time.Second,
		160 * time.Second,
		5 * time.Minute,
		5 * time.Minute,
	}
	for i, expected := range want {
		if got := b.next(); got != expected {
			t.Fatalf("step %d = %v, want %v", i, got, expected)
		}
	}

	b.reset()
	if got := b.next(); got != 10*time.Second {
		t.Fatalf("after reset = %v, want 10s", got)
	}
}

type fakeMetadataStore struct {
	mu       sync.Mutex
	updated  map[string][]string
	features []db.TrackFeatures
}

func newFakeMetadataStore() *fakeMetadataStore {
	return &fakeMetadataStore{updated: make(map[string][]string)}
}

func (f *fakeMetadataStore) UpdateMetadata(_ context.Context, id string, artistIDs []string, _ string, _ int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updated[id] = artistIDs
	return nil
}

func (f *fakeMetadataStore) UpsertFeatures(_ context.Context, features []db.TrackFeatures) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.features = append(f.features, features...)
	return nil
}

type fakeArtistStore struct {
	mu       sync.Mutex
	upserted []db.Artist
}

func (f *fakeArtistStore) UpsertBatch(_ context.Context, artists []db.Artist) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserted = append(f.upserted, artists...)
	return nil
}

type fakeTopStatsStore struct {
	mu    sync.Mutex
	terms []string
	rows  int
}

func (f *fakeTopStatsStore) ReplaceTopTracks(_ context.Context, _, term string, tracks []db.TopTrack) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terms = append(f.terms, term)
	f.rows += len(tracks)
	return nil
}

type fakePendingQueue struct {
	mu        sync.Mutex
	sets      map[string][]string
	attempted map[string]bool
}

func newFakePendingQueue() *fakePendingQueue {
	return &fakePendingQueue{sets: make(map[string][]string), attempted: make(map[string]bool)}
}

func (f *fakePendingQueue) AddPending(_ context.Context, set string, ids ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sets[set] = append(f.sets[set], ids...)
	return nil
}

func (f *fakePendingQueue) PopPending(_ context.Context, set string, n int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := f.sets[set]
	if len(ids) > n {
		ids = ids[:n]
	}
	f.sets[set] = f.sets[set][len(ids):]
	return ids, nil
}

func (f *fakePendingQueue) TryMarkAttempted(_ context.Context, set, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := set + ":" + id
	if f.attempted[key] {
		return false, nil
	}
	f.attempted[key] = true
	return true, nil
}

type fakeTokens struct {
	token string
}

func (f *fakeTokens) GetValidAccessToken(_ context.Context, _ string) (*tokens.TokenResult, error) {
	if f.token == "" {
		return nil, nil
	}
	return &tokens.TokenResult{AccessToken: f.token, ExpiresIn: 3600}, nil
}

type fakeUsers struct{ ids []string }

func (f *fakeUsers) ValidUserIDs(_ context.Context, _ int) ([]string, error) {
	return f.ids, nil
}

func newTestWorkers(t *testing.T, upstream string, tracks *fakeMetadataStore, artists *fakeArtistStore, stats *fakeTopStatsStore, pending *fakePendingQueue) *Workers {
	t.Helper()
	client := spotify.NewClient(breaker.NewRegistry(), spotify.WithBaseURL(upstream))
	return NewWorkers(client, tracks, artists, stats, pending,
		&fakeTokens{token: "tok"}, &fakeUsers{ids: []string{"u1"}})
}

func TestFetchTrackMetadataQueuesArtists(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"tracks": [
			{"id": "t1", "name": "Song", "duration_ms": 180000,
			 "artists": [{"id": "a1", "name": "Artist"}],
			 "album": {"id": "al1", "name": "Album"}}
		]}`)
	}))
	defer srv.Close()

	tracks := newFakeMetadataStore()
	artists := &fakeArtistStore{}
	pending := newFakePendingQueue()
	w := newTestWorkers(t, srv.URL, tracks, artists, &fakeTopStatsStore{}, pending)

	if err := w.fetchTrackMetadata(context.Background(), "tok", []string{"t1"}); err != nil {
		t.Fatalf("fetchTrackMetadata: %v", err)
	}

	if got := tracks.updated["t1"]; len(got) != 1 || got[0] != "a1" {
		t.Errorf("artist ids for t1 = %v", got)
	}
	if len(artists.upserted) != 1 {
		t.Errorf("upserted artists = %v", artists.upserted)
	}
	// New artists go to the image backfill set.
	if got := pending.sets["pending:artist-metadata"]; len(got) != 1 || got[0] != "a1" {
		t.Errorf("artist pending set = %v", got)
	}
}

func TestHandleTopStatsTaskRefreshesAllTerms(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"items": [
			{"id": "t1", "name": "One"},
			{"id": "t2", "name": "Two"}
		]}`)
	}))
	defer srv.Close()

	stats := &fakeTopStatsStore{}
	w := newTestWorkers(t, srv.URL, newFakeMetadataStore(), &fakeArtistStore{}, stats, newFakePendingQueue())

	payload, _ := json.Marshal(TopStatsPayload{UserID: "u1"})
	if err := w.HandleTopStatsTask(context.Background(), payload); err != nil {
		t.Fatalf("HandleTopStatsTask: %v", err)
	}

	if len(stats.terms) != 3 {
		t.Fatalf("terms refreshed = %v, want all 3", stats.terms)
	}
	if stats.rows != 6 {
		t.Fatalf("rows = %d, want 6", stats.rows)
	}
}

func TestHandleTopStatsTaskSkipsWithoutToken(t *testing.T) {
	stats := &fakeTopStatsStore{}
	client := spotify.NewClient(breaker.NewRegistry(), spotify.WithBaseURL("http://unused.invalid"))
	w := NewWorkers(client, newFakeMetadataStore(), &fakeArtistStore{}, stats, newFakePendingQueue(),
		&fakeTokens{token: ""}, &fakeUsers{})

	payload, _ := json.Marshal(TopStatsPayload{UserID: "u1"})
	if err := w.HandleTopStatsTask(context.Background(), payload); err != nil {
		t.Fatalf("HandleTopStatsTask: %v", err)
	}
	if len(stats.terms) != 0 {
		t.Fatalf("refreshed terms without a token: %v", stats.terms)
	}
}
