package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ArtistRepository handles artist database operations.
type ArtistRepository struct {
	pool *pgxpool.Pool
}

// UpsertBatch inserts or updates artists.
func (r *ArtistRepository) UpsertBatch(ctx context.Context, artists []Artist) error {
	if len(artists) == 0 {
		return nil
	}

	query := `
		INSERT INTO artists (id, name, image_url, fetched_at)
		SELECT * FROM unnest($1::text[], $2::text[], $3::text[], $4::timestamptz[])
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			image_url = COALESCE(EXCLUDED.image_url, artists.image_url),
			fetched_at = EXCLUDED.fetched_at
	`

	ids := make([]string, len(artists))
	names := make([]string, len(artists))
	imageURLs := make([]*string, len(artists))
	fetchedAts := make([]*time.Time, len(artists))

	for i, a := range artists {
		ids[i] = a.ID
		names[i] = a.Name
		imageURLs[i] = a.ImageURL
		fetchedAts[i] = a.FetchedAt
	}

	if _, err := r.pool.Exec(ctx, query, ids, names, imageURLs, fetchedAts); err != nil {
		return fmt.Errorf("batch upserting artists: %w", err)
	}
	return nil
}

// WithoutImages returns ids of artists that have no image URL yet, up to
// limit.
func (r *ArtistRepository) WithoutImages(ctx context.Context, limit int) ([]string, error) {
	query := `
		SELECT id FROM artists
		WHERE image_url IS NULL
		LIMIT $1
	`
	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("querying artists without images: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning artist id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
