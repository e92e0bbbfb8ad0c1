package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// StatsRepository handles top-stats database operations.
type StatsRepository struct {
	pool *pgxpool.Pool
}

// ReplaceTopTracks replaces a user's top-track chart for one term.
func (r *StatsRepository) ReplaceTopTracks(ctx context.Context, userID, term string, tracks []TopTrack) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM user_top_tracks WHERE user_id = $1 AND term = $2`, userID, term); err != nil {
		return fmt.Errorf("clearing top tracks: %w", err)
	}

	if len(tracks) > 0 {
		query := `
			INSERT INTO user_top_tracks (user_id, track_id, term, rank, fetched_at)
			SELECT $1, * FROM unnest($2::text[], $3::text[], $4::int[], $5::timestamptz[])
		`
		trackIDs := make([]string, len(tracks))
		terms := make([]string, len(tracks))
		ranks := make([]int, len(tracks))
		fetchedAts := make([]time.Time, len(tracks))
		for i, t := range tracks {
			trackIDs[i] = t.TrackID
			terms[i] = t.Term
			ranks[i] = t.Rank
			fetchedAts[i] = t.FetchedAt
		}
		if _, err := tx.Exec(ctx, query, userID, trackIDs, terms, ranks, fetchedAts); err != nil {
			return fmt.Errorf("inserting top tracks: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing top tracks: %w", err)
	}
	return nil
}

// UsersMissingTopStats returns users with a valid token and ingestion
// activity inside the window but no recorded top-track rows, up to limit.
func (r *StatsRepository) UsersMissingTopStats(ctx context.Context, window time.Duration, limit int) ([]string, error) {
	query := `
		SELECT a.user_id
		FROM auth_records a
		WHERE a.is_valid
		  AND EXISTS (
			SELECT 1 FROM listening_events e
			WHERE e.user_id = a.user_id AND e.played_at > NOW() - $1::interval
		  )
		  AND NOT EXISTS (
			SELECT 1 FROM user_top_tracks t WHERE t.user_id = a.user_id
		  )
		LIMIT $2
	`
	interval := fmt.Sprintf("%d seconds", int(window.Seconds()))
	rows, err := r.pool.Query(ctx, query, interval, limit)
	if err != nil {
		return nil, fmt.Errorf("querying users missing top stats: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning user id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
