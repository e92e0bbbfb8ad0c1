package healer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"github.com/justestif/go-spotify-history-sync/internal/breaker"
	"github.com/justestif/go-spotify-history-sync/internal/cache"
	"github.com/justestif/go-spotify-history-sync/internal/db"
	"github.com/justestif/go-spotify-history-sync/internal/metrics"
	"github.com/justestif/go-spotify-history-sync/internal/spotify"
	"github.com/justestif/go-spotify-history-sync/internal/tokens"
)

const (
	// fetchBatchSize matches the upstream batch-endpoint limit.
	fetchBatchSize = 50

	// pollInterval is the idle sleep when a pending set is empty.
	pollInterval = 15 * time.Second

	topTracksLimit = 50
)

var topTrackTerms = []string{"short_term", "medium_term", "long_term"}

// backoff grows exponentially up to a cap. Used when no eligible token
// exists so the loop does not hammer the auth store.
type backoff struct {
	cur, min, max time.Duration
}

func newBackoff(min, max time.Duration) *backoff {
	return &backoff{cur: min, min: min, max: max}
}

func (b *backoff) next() time.Duration {
	d := b.cur
	b.cur *= 2
	if b.cur > b.max {
		b.cur = b.max
	}
	return d
}

func (b *backoff) reset() { b.cur = b.min }

// MetadataStore persists fetched track metadata and features.
type MetadataStore interface {
	UpdateMetadata(ctx context.Context, id string, artistIDs []string, albumName string, durationMs int) error
	UpsertFeatures(ctx context.Context, features []db.TrackFeatures) error
}

// ArtistStore persists fetched artists.
type ArtistStore interface {
	UpsertBatch(ctx context.Context, artists []db.Artist) error
}

// TopStatsStore replaces a user's top-track rows.
type TopStatsStore interface {
	ReplaceTopTracks(ctx context.Context, userID, term string, tracks []db.TopTrack) error
}

// PendingQueue is the pending-set side of the cache. Satisfied by
// *cache.Store.
type PendingQueue interface {
	AddPending(ctx context.Context, set string, ids ...string) error
	PopPending(ctx context.Context, set string, n int) ([]string, error)
	TryMarkAttempted(ctx context.Context, set, id string) (bool, error)
}

// TokenProvider issues live access tokens. Satisfied by
// *tokens.Manager.
type TokenProvider interface {
	GetValidAccessToken(ctx context.Context, userID string) (*tokens.TokenResult, error)
}

// UserSource lists users with valid credentials.
type UserSource interface {
	ValidUserIDs(ctx context.Context, limit int) ([]string, error)
}

// Workers are the long-running backfill loops that drain the pending
// sets the healer and the import pipeline fill.
type Workers struct {
	client  *spotify.Client
	tracks  MetadataStore
	artists ArtistStore
	stats   TopStatsStore
	pending PendingQueue
	tokens  TokenProvider
	users   UserSource
	logger  *log.Logger
}

// WorkersOption configures Workers.
type WorkersOption func(*Workers)

// WithWorkersLogger sets the logger.
func WithWorkersLogger(logger *log.Logger) WorkersOption {
	return func(w *Workers) { w.logger = logger }
}

// NewWorkers creates the backfill workers.
func NewWorkers(client *spotify.Client, tracks MetadataStore, artists ArtistStore, stats TopStatsStore, pending PendingQueue, tokens TokenProvider, users UserSource, opts ...WorkersOption) *Workers {
	w := &Workers{
		client:  client,
		tracks:  tracks,
		artists: artists,
		stats:   stats,
		pending: pending,
		tokens:  tokens,
		users:   users,
		logger:  log.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// RunTrackMetadataWorker drains the track-metadata pending set until
// ctx is canceled.
func (w *Workers) RunTrackMetadataWorker(ctx context.Context) error {
	return w.runLoop(ctx, cache.PendingTrackMetadata, w.fetchTrackMetadata)
}

// RunArtistWorker drains the artist-metadata pending set until ctx is
// canceled.
func (w *Workers) RunArtistWorker(ctx context.Context) error {
	return w.runLoop(ctx, cache.PendingArtistMetadata, w.fetchArtistImages)
}

// RunFeatureWorker drains the audio-features pending set until ctx is
// canceled.
func (w *Workers) RunFeatureWorker(ctx context.Context) error {
	return w.runLoop(ctx, cache.PendingAudioFeatures, w.fetchAudioFeatures)
}

// runLoop is the shared cooperative polling loop: pop a bounded batch,
// skip recently-attempted ids, fetch with any valid token, re-enqueue
// on transient failure.
func (w *Workers) runLoop(ctx context.Context, set string, fetch func(ctx context.Context, token string, ids []string) error) error {
	tokenBackoff := newBackoff(10*time.Second, 5*time.Minute)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		ids, err := w.pending.PopPending(ctx, set, fetchBatchSize)
		if err != nil {
			w.logger.Error("popping pending set", "set", set, "err", err)
			if err := sleep(ctx, pollInterval); err != nil {
				return err
			}
			continue
		}
		if len(ids) == 0 {
			if err := sleep(ctx, pollInterval); err != nil {
				return err
			}
			continue
		}

		ids, err = w.filterAttempted(ctx, set, ids)
		if err != nil {
			w.logger.Error("filtering attempted ids", "set", set, "err", err)
			continue
		}
		if len(ids) == 0 {
			continue
		}

		token, err := w.anyValidToken(ctx)
		if err != nil {
			w.logger.Error("resolving token", "set", set, "err", err)
		}
		if token == "" {
			// Nobody has working credentials right now. Put the work
			// back and back off exponentially.
			if err := w.pending.AddPending(ctx, set, ids...); err != nil {
				w.logger.Error("re-queueing pending ids", "set", set, "err", err)
			}
			if err := sleep(ctx, tokenBackoff.next()); err != nil {
				return err
			}
			continue
		}
		tokenBackoff.reset()

		if err := fetch(ctx, token, ids); err != nil {
			metrics.ObserveBackfillFetch(set, "error")
			if isRetryable(err) {
				if reqErr := w.pending.AddPending(ctx, set, ids...); reqErr != nil {
					w.logger.Error("re-queueing pending ids", "set", set, "err", reqErr)
				}
			}
			w.logger.Error("backfill fetch failed", "set", set, "count", len(ids), "err", err)
			if err := sleep(ctx, retryWait(err)); err != nil {
				return err
			}
			continue
		}
		metrics.ObserveBackfillFetch(set, "ok")
	}
}

// filterAttempted drops ids fetched too recently. Ids that lose the
// attempt lock stay out of the set; a later heal sweep re-discovers
// them if they are still missing data.
func (w *Workers) filterAttempted(ctx context.Context, set string, ids []string) ([]string, error) {
	out := ids[:0]
	for _, id := range ids {
		ok, err := w.pending.TryMarkAttempted(ctx, set, id)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, id)
		}
	}
	return out, nil
}

// anyValidToken returns a live access token from any user with valid
// credentials, or "" when none is available.
func (w *Workers) anyValidToken(ctx context.Context) (string, error) {
	users, err := w.users.ValidUserIDs(ctx, 5)
	if err != nil {
		return "", err
	}
	for _, userID := range users {
		result, err := w.tokens.GetValidAccessToken(ctx, userID)
		if err != nil {
			w.logger.Debug("token unavailable", "user", userID, "err", err)
			continue
		}
		if result != nil {
			return result.AccessToken, nil
		}
	}
	return "", nil
}

func (w *Workers) fetchTrackMetadata(ctx context.Context, token string, ids []string) error {
	fetched, err := w.client.GetTracks(ctx, token, ids)
	if err != nil {
		return err
	}

	var artists []db.Artist
	seen := make(map[string]bool)
	for _, track := range fetched {
		artistIDs := make([]string, len(track.Artists))
		for i, a := range track.Artists {
			artistIDs[i] = a.ID
			if !seen[a.ID] {
				seen[a.ID] = true
				artists = append(artists, db.Artist{ID: a.ID, Name: a.Name})
			}
		}
		if err := w.tracks.UpdateMetadata(ctx, track.ID, artistIDs, track.Album.Name, track.DurationMs); err != nil {
			return err
		}
	}

	if len(artists) > 0 {
		if err := w.artists.UpsertBatch(ctx, artists); err != nil {
			return err
		}
		// The batch track endpoint returns artists without images; the
		// artist worker fills those in.
		ids := make([]string, len(artists))
		for i, a := range artists {
			ids[i] = a.ID
		}
		if err := w.pending.AddPending(ctx, cache.PendingArtistMetadata, ids...); err != nil {
			return err
		}
	}
	return nil
}

func (w *Workers) fetchArtistImages(ctx context.Context, token string, ids []string) error {
	fetched, err := w.client.GetArtists(ctx, token, ids)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	artists := make([]db.Artist, 0, len(fetched))
	for _, a := range fetched {
		artist := db.Artist{ID: a.ID, Name: a.Name, FetchedAt: &now}
		if len(a.Images) > 0 {
			url := a.Images[0].URL
			artist.ImageURL = &url
		}
		artists = append(artists, artist)
	}
	return w.artists.UpsertBatch(ctx, artists)
}

func (w *Workers) fetchAudioFeatures(ctx context.Context, token string, ids []string) error {
	fetched, err := w.client.GetAudioFeatures(ctx, token, ids)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	features := make([]db.TrackFeatures, len(fetched))
	for i, f := range fetched {
		features[i] = db.TrackFeatures{
			TrackID:      f.ID,
			Danceability: f.Danceability,
			Energy:       f.Energy,
			Valence:      f.Valence,
			Tempo:        f.Tempo,
			FetchedAt:    now,
		}
	}
	return w.tracks.UpsertFeatures(ctx, features)
}

// HandleTopStatsTask is the queue handler for TaskRefreshTopStats: it
// rebuilds one user's top-track rows for every term.
func (w *Workers) HandleTopStatsTask(ctx context.Context, raw json.RawMessage) error {
	var payload TopStatsPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return fmt.Errorf("decoding top-stats payload: %w", err)
	}

	result, err := w.tokens.GetValidAccessToken(ctx, payload.UserID)
	if err != nil {
		return fmt.Errorf("resolving token for %s: %w", payload.UserID, err)
	}
	if result == nil {
		// Token temporarily unavailable; the next heal sweep re-enqueues.
		w.logger.Debug("skipping top-stats refresh, no token", "user", payload.UserID)
		return nil
	}

	now := time.Now().UTC()
	for _, term := range topTrackTerms {
		fetched, err := w.client.GetTopTracks(ctx, result.AccessToken, term, topTracksLimit)
		if err != nil {
			return fmt.Errorf("fetching %s top tracks: %w", term, err)
		}

		rows := make([]db.TopTrack, len(fetched))
		for i, track := range fetched {
			rows[i] = db.TopTrack{
				UserID:    payload.UserID,
				TrackID:   track.ID,
				Term:      term,
				Rank:      i + 1,
				FetchedAt: now,
			}
		}
		if err := w.stats.ReplaceTopTracks(ctx, payload.UserID, term, rows); err != nil {
			return fmt.Errorf("replacing %s top tracks: %w", term, err)
		}
	}

	w.logger.Info("top stats refreshed", "user", payload.UserID)
	return nil
}

// sleep waits for d or until ctx is canceled.
func sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// isRetryable reports whether a fetch failure should put the ids back
// in the pending set. Permanent client errors would just fail again.
func isRetryable(err error) bool {
	var rateLimited *spotify.RateLimitError
	return spotify.IsTransient(err) ||
		errors.Is(err, breaker.ErrOpen) ||
		errors.Is(err, spotify.ErrUnauthenticated) ||
		errors.As(err, &rateLimited)
}

// retryWait picks the post-failure sleep. Rate-limit responses carry a
// server wait hint; it wins whenever it exceeds the idle interval.
func retryWait(err error) time.Duration {
	var rateLimited *spotify.RateLimitError
	if errors.As(err, &rateLimited) && rateLimited.RetryAfter > pollInterval {
		return rateLimited.RetryAfter
	}
	return pollInterval
}
