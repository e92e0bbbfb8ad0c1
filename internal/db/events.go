package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// EventRepository handles listening event database operations.
type EventRepository struct {
	pool *pgxpool.Pool
}

// EventKey identifies one event within a user's history.
type EventKey struct {
	TrackID  string
	PlayedAt time.Time
}

// InsertBatch bulk-inserts events with duplicate-key tolerance and returns
// how many rows were actually inserted. Rows colliding on
// (user_id, track_id, played_at) are silently skipped.
func (r *EventRepository) InsertBatch(ctx context.Context, events []ListeningEvent) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}

	query := `
		INSERT INTO listening_events (user_id, track_id, played_at, ms_played, skipped, source)
		SELECT * FROM unnest($1::text[], $2::text[], $3::timestamptz[], $4::int[], $5::bool[], $6::text[])
		ON CONFLICT (user_id, track_id, played_at) DO NOTHING
	`

	userIDs := make([]string, len(events))
	trackIDs := make([]string, len(events))
	playedAts := make([]time.Time, len(events))
	msPlayeds := make([]int, len(events))
	skips := make([]bool, len(events))
	sources := make([]string, len(events))

	for i, e := range events {
		userIDs[i] = e.UserID
		trackIDs[i] = e.TrackID
		playedAts[i] = e.PlayedAt
		msPlayeds[i] = e.MsPlayed
		skips[i] = e.Skipped
		sources[i] = e.Source
	}

	result, err := r.pool.Exec(ctx, query, userIDs, trackIDs, playedAts, msPlayeds, skips, sources)
	if err != nil {
		return 0, fmt.Errorf("batch inserting events: %w", err)
	}
	return int(result.RowsAffected()), nil
}

// ExistingForKeys returns the user's existing events matching the given
// (trackID, playedAt) keys, keyed for duplicate classification.
func (r *EventRepository) ExistingForKeys(ctx context.Context, userID string, keys []EventKey) (map[EventKey]ListeningEvent, error) {
	if len(keys) == 0 {
		return map[EventKey]ListeningEvent{}, nil
	}

	query := `
		SELECT user_id, track_id, played_at, ms_played, skipped, source
		FROM listening_events
		WHERE user_id = $1
		  AND (track_id, played_at) IN (
			SELECT * FROM unnest($2::text[], $3::timestamptz[])
		  )
	`

	trackIDs := make([]string, len(keys))
	playedAts := make([]time.Time, len(keys))
	for i, k := range keys {
		trackIDs[i] = k.TrackID
		playedAts[i] = k.PlayedAt
	}

	rows, err := r.pool.Query(ctx, query, userID, trackIDs, playedAts)
	if err != nil {
		return nil, fmt.Errorf("querying existing events: %w", err)
	}
	defer rows.Close()

	existing := make(map[EventKey]ListeningEvent, len(keys))
	for rows.Next() {
		var e ListeningEvent
		if err := rows.Scan(&e.UserID, &e.TrackID, &e.PlayedAt, &e.MsPlayed, &e.Skipped, &e.Source); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		existing[EventKey{TrackID: e.TrackID, PlayedAt: e.PlayedAt.UTC()}] = e
	}
	return existing, rows.Err()
}

// Update replaces an existing event's play data in place with the
// authoritative values.
func (r *EventRepository) Update(ctx context.Context, e *ListeningEvent) error {
	query := `
		UPDATE listening_events
		SET ms_played = $4, skipped = $5, source = $6
		WHERE user_id = $1 AND track_id = $2 AND played_at = $3
	`
	result, err := r.pool.Exec(ctx, query, e.UserID, e.TrackID, e.PlayedAt, e.MsPlayed, e.Skipped, e.Source)
	if err != nil {
		return fmt.Errorf("updating event: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
