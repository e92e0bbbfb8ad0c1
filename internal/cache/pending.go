package cache

import (
	"context"
	"fmt"
	"time"
)

// Pending-work set names. Membership is idempotent: re-adding an id that
// is already queued is a no-op.
const (
	PendingTrackMetadata  = "pending:track-metadata"
	PendingArtistMetadata = "pending:artist-metadata"
	PendingAudioFeatures  = "pending:audio-features"
)

// AttemptLockTTL is how long a popped id is considered recently attempted,
// so failing ids don't hot-loop across backfill passes.
const AttemptLockTTL = 10 * time.Minute

// AddPending adds ids to a pending-work set.
func (s *Store) AddPending(ctx context.Context, set string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	members := make([]interface{}, len(ids))
	for i, id := range ids {
		members[i] = id
	}
	if err := s.client.SAdd(ctx, set, members...).Err(); err != nil {
		return fmt.Errorf("adding to %s: %w", set, err)
	}
	return nil
}

// PopPending removes and returns up to n ids from a pending-work set.
func (s *Store) PopPending(ctx context.Context, set string, n int) ([]string, error) {
	ids, err := s.client.SPopN(ctx, set, int64(n)).Result()
	if err != nil {
		return nil, fmt.Errorf("popping from %s: %w", set, err)
	}
	return ids, nil
}

// PendingLen returns the size of a pending-work set.
func (s *Store) PendingLen(ctx context.Context, set string) (int64, error) {
	n, err := s.client.SCard(ctx, set).Result()
	if err != nil {
		return 0, fmt.Errorf("sizing %s: %w", set, err)
	}
	return n, nil
}

// TryMarkAttempted records a short-TTL attempt marker for an id. Returns
// false if the id was already attempted within the TTL.
func (s *Store) TryMarkAttempted(ctx context.Context, set, id string) (bool, error) {
	ok, err := s.client.SetNX(ctx, "attempted:"+set+":"+id, "1", AttemptLockTTL).Result()
	if err != nil {
		return false, fmt.Errorf("marking %s attempted: %w", id, err)
	}
	return ok, nil
}
