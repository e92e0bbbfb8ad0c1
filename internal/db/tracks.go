package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// TrackRepository handles track database operations.
type TrackRepository struct {
	pool *pgxpool.Pool
}

// EnsureBatch inserts any tracks not yet known and returns the ids that
// were newly created, so callers can queue them for metadata backfill.
// Existing rows are left untouched.
func (r *TrackRepository) EnsureBatch(ctx context.Context, tracks []Track) ([]string, error) {
	if len(tracks) == 0 {
		return nil, nil
	}

	query := `
		INSERT INTO tracks (id, name, artist_name, album_name, duration_ms, created_at)
		SELECT * FROM unnest($1::text[], $2::text[], $3::text[], $4::text[], $5::int[], $6::timestamptz[])
		ON CONFLICT (id) DO NOTHING
		RETURNING id
	`

	ids := make([]string, len(tracks))
	names := make([]string, len(tracks))
	artistNames := make([]string, len(tracks))
	albumNames := make([]*string, len(tracks))
	durations := make([]*int, len(tracks))
	createdAts := make([]time.Time, len(tracks))

	now := time.Now()
	for i, t := range tracks {
		ids[i] = t.ID
		names[i] = t.Name
		artistNames[i] = t.ArtistName
		albumNames[i] = t.AlbumName
		durations[i] = t.DurationMs
		createdAts[i] = now
	}

	rows, err := r.pool.Query(ctx, query, ids, names, artistNames, albumNames, durations, createdAts)
	if err != nil {
		return nil, fmt.Errorf("batch creating tracks: %w", err)
	}
	defer rows.Close()

	var created []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning created track id: %w", err)
		}
		created = append(created, id)
	}
	return created, rows.Err()
}

// Get retrieves a track by id.
func (r *TrackRepository) Get(ctx context.Context, id string) (*Track, error) {
	query := `
		SELECT id, name, artist_name, album_name, duration_ms, artist_ids, metadata_fetched_at, created_at
		FROM tracks
		WHERE id = $1
	`
	var track Track
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&track.ID,
		&track.Name,
		&track.ArtistName,
		&track.AlbumName,
		&track.DurationMs,
		&track.ArtistIDs,
		&track.MetadataFetchedAt,
		&track.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying track: %w", err)
	}
	return &track, nil
}

// ArtistIDs returns the resolved artist ids for the given tracks. Tracks
// whose metadata backfill hasn't run yet map to an empty slice.
func (r *TrackRepository) ArtistIDs(ctx context.Context, ids []string) (map[string][]string, error) {
	if len(ids) == 0 {
		return map[string][]string{}, nil
	}

	query := `SELECT id, artist_ids FROM tracks WHERE id = ANY($1)`
	rows, err := r.pool.Query(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("querying track artist ids: %w", err)
	}
	defer rows.Close()

	result := make(map[string][]string, len(ids))
	for rows.Next() {
		var id string
		var artistIDs []string
		if err := rows.Scan(&id, &artistIDs); err != nil {
			return nil, fmt.Errorf("scanning track artist ids: %w", err)
		}
		result[id] = artistIDs
	}
	return result, rows.Err()
}

// UpdateMetadata applies backfilled catalog metadata to a track.
func (r *TrackRepository) UpdateMetadata(ctx context.Context, id string, artistIDs []string, albumName string, durationMs int) error {
	query := `
		UPDATE tracks
		SET artist_ids = $2, album_name = $3, duration_ms = $4, metadata_fetched_at = NOW()
		WHERE id = $1
	`
	result, err := r.pool.Exec(ctx, query, id, artistIDs, albumName, durationMs)
	if err != nil {
		return fmt.Errorf("updating track metadata: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// WithoutMetadata returns ids of tracks whose catalog metadata has never
// been fetched, up to limit.
func (r *TrackRepository) WithoutMetadata(ctx context.Context, limit int) ([]string, error) {
	query := `
		SELECT id FROM tracks
		WHERE metadata_fetched_at IS NULL
		ORDER BY created_at
		LIMIT $1
	`
	return r.queryIDs(ctx, query, limit)
}

// WithoutFeatures returns ids of tracks with no audio-feature row, up to
// limit.
func (r *TrackRepository) WithoutFeatures(ctx context.Context, limit int) ([]string, error) {
	query := `
		SELECT t.id FROM tracks t
		LEFT JOIN track_features f ON f.track_id = t.id
		WHERE f.track_id IS NULL
		ORDER BY t.created_at
		LIMIT $1
	`
	return r.queryIDs(ctx, query, limit)
}

// UpsertFeatures stores audio features for tracks.
func (r *TrackRepository) UpsertFeatures(ctx context.Context, features []TrackFeatures) error {
	if len(features) == 0 {
		return nil
	}

	query := `
		INSERT INTO track_features (track_id, danceability, energy, valence, tempo, fetched_at)
		SELECT * FROM unnest($1::text[], $2::float8[], $3::float8[], $4::float8[], $5::float8[], $6::timestamptz[])
		ON CONFLICT (track_id) DO UPDATE SET
			danceability = EXCLUDED.danceability,
			energy = EXCLUDED.energy,
			valence = EXCLUDED.valence,
			tempo = EXCLUDED.tempo,
			fetched_at = EXCLUDED.fetched_at
	`

	ids := make([]string, len(features))
	dance := make([]float64, len(features))
	energy := make([]float64, len(features))
	valence := make([]float64, len(features))
	tempo := make([]float64, len(features))
	fetchedAts := make([]time.Time, len(features))

	for i, f := range features {
		ids[i] = f.TrackID
		dance[i] = f.Danceability
		energy[i] = f.Energy
		valence[i] = f.Valence
		tempo[i] = f.Tempo
		fetchedAts[i] = f.FetchedAt
	}

	if _, err := r.pool.Exec(ctx, query, ids, dance, energy, valence, tempo, fetchedAts); err != nil {
		return fmt.Errorf("upserting track features: %w", err)
	}
	return nil
}

// queryIDs runs a query returning a single text column.
func (r *TrackRepository) queryIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying track ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning track id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
