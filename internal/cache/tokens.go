package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RefreshLockTTL bounds staleness if a lock holder crashes: the lock
// self-heals after this long.
const RefreshLockTTL = 30 * time.Second

// TokenEntry is a cached access token for one user.
type TokenEntry struct {
	UserID      string    `json:"user_id"`
	AccessToken string    `json:"access_token"`
	ExpiresIn   int       `json:"expires_in"`
	CachedAt    time.Time `json:"cached_at"`
}

func tokenKey(userID string) string       { return "token:" + userID }
func refreshLockKey(userID string) string { return "lock:token-refresh:" + userID }

// GetToken returns the cached token for a user, or nil on a cache miss.
func (s *Store) GetToken(ctx context.Context, userID string) (*TokenEntry, error) {
	raw, err := s.client.Get(ctx, tokenKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting cached token: %w", err)
	}

	var entry TokenEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, fmt.Errorf("decoding cached token: %w", err)
	}
	return &entry, nil
}

// PutToken caches a token with the given TTL. The TTL is kept below the
// token lifetime so the staleness window stays bounded.
func (s *Store) PutToken(ctx context.Context, entry *TokenEntry, ttl time.Duration) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encoding token: %w", err)
	}
	if err := s.client.Set(ctx, tokenKey(entry.UserID), raw, ttl).Err(); err != nil {
		return fmt.Errorf("caching token: %w", err)
	}
	return nil
}

// DeleteToken removes a user's cached token.
func (s *Store) DeleteToken(ctx context.Context, userID string) error {
	if err := s.client.Del(ctx, tokenKey(userID)).Err(); err != nil {
		return fmt.Errorf("deleting cached token: %w", err)
	}
	return nil
}

// TryAcquireRefreshLock attempts to take the per-user refresh lock using
// set-if-absent with expiry. Returns false if another process holds it.
func (s *Store) TryAcquireRefreshLock(ctx context.Context, userID string) (bool, error) {
	ok, err := s.client.SetNX(ctx, refreshLockKey(userID), time.Now().Format(time.RFC3339), RefreshLockTTL).Result()
	if err != nil {
		return false, fmt.Errorf("acquiring refresh lock: %w", err)
	}
	return ok, nil
}

// ReleaseRefreshLock releases the per-user refresh lock.
func (s *Store) ReleaseRefreshLock(ctx context.Context, userID string) error {
	if err := s.client.Del(ctx, refreshLockKey(userID)).Err(); err != nil {
		return fmt.Errorf("releasing refresh lock: %w", err)
	}
	return nil
}
