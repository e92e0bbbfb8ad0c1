// Package tokens manages the access-token lifecycle: distributed caching,
// mutex-protected refresh, and failure-threshold invalidation.
package tokens

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/oauth2"

	"github.com/justestif/go-spotify-history-sync/internal/cache"
	"github.com/justestif/go-spotify-history-sync/internal/db"
	"github.com/justestif/go-spotify-history-sync/internal/metrics"
	"github.com/justestif/go-spotify-history-sync/internal/spotify"
)

const (
	// MaxConsecutiveFailures is the threshold at which an auth record is
	// invalidated and the user must re-authenticate.
	MaxConsecutiveFailures = 3

	// DefaultCacheTTL keeps cached tokens well inside the 1h Spotify
	// token lifetime so the staleness window stays bounded.
	DefaultCacheTTL = 50 * time.Minute

	// DefaultLockWaitInterval is how long a contending caller waits
	// between cache re-checks while another process refreshes.
	DefaultLockWaitInterval = 500 * time.Millisecond

	// tokenServiceKey is the breaker group guarding the token endpoint.
	tokenServiceKey = "token"
)

// ErrTokenRevoked signals the upstream rejected the refresh token itself
// (invalid_grant). The auth record is invalidated immediately, bypassing
// the failure-count threshold.
var ErrTokenRevoked = errors.New("refresh token revoked by user")

// Cache is the distributed token cache and refresh lock. Satisfied by
// *cache.Store; substituted with an in-memory fake in tests.
type Cache interface {
	GetToken(ctx context.Context, userID string) (*cache.TokenEntry, error)
	PutToken(ctx context.Context, entry *cache.TokenEntry, ttl time.Duration) error
	DeleteToken(ctx context.Context, userID string) error
	TryAcquireRefreshLock(ctx context.Context, userID string) (bool, error)
	ReleaseRefreshLock(ctx context.Context, userID string) error
}

// AuthStore is the durable auth record store. Satisfied by
// *db.AuthRepository.
type AuthStore interface {
	Get(ctx context.Context, userID string) (*db.AuthRecord, error)
	RecordRefreshSuccess(ctx context.Context, userID string, encryptedRefreshToken []byte, at time.Time) error
	RecordFailure(ctx context.Context, userID, reason string, at time.Time) (int, error)
	Invalidate(ctx context.Context, userID, reason string) error
	ResetFailures(ctx context.Context, userID string) error
}

// Executor guards the refresh call with the token-service circuit breaker.
// Satisfied by *spotify.Client.
type Executor interface {
	Execute(ctx context.Context, service string, fn func() error) error
}

// TokenResult is a live access token handed to call sites.
type TokenResult struct {
	AccessToken string
	ExpiresIn   int
}

// Manager owns the token lifecycle for all users.
type Manager struct {
	cache    Cache
	auth     AuthStore
	executor Executor
	cipher   *Cipher
	oauth    *oauth2.Config
	logger   *log.Logger

	cacheTTL         time.Duration
	lockWaitInterval time.Duration
}

// Option configures a Manager.
type Option func(*Manager)

// WithCacheTTL overrides the token cache TTL.
func WithCacheTTL(d time.Duration) Option {
	return func(m *Manager) { m.cacheTTL = d }
}

// WithLockWaitInterval overrides the contention wait interval.
func WithLockWaitInterval(d time.Duration) Option {
	return func(m *Manager) { m.lockWaitInterval = d }
}

// WithLogger sets the logger.
func WithLogger(logger *log.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// Config holds the OAuth client settings for the token endpoint.
type Config struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
}

// NewManager creates a Manager.
func NewManager(c Cache, auth AuthStore, executor Executor, cipher *Cipher, cfg Config, opts ...Option) *Manager {
	m := &Manager{
		cache:    c,
		auth:     auth,
		executor: executor,
		cipher:   cipher,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: cfg.TokenURL},
		},
		logger:           log.Default(),
		cacheTTL:         DefaultCacheTTL,
		lockWaitInterval: DefaultLockWaitInterval,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// GetValidAccessToken returns a live access token for the user, or nil
// when none is available. A nil result means "temporarily unavailable"
// (no credentials, invalidated record, or lock contention) — callers
// retry at the next call site that needs a token, never treat it as a
// hard failure.
func (m *Manager) GetValidAccessToken(ctx context.Context, userID string) (*TokenResult, error) {
	// Fast path: cache hit needs no lock and no DB read.
	entry, err := m.cache.GetToken(ctx, userID)
	if err != nil {
		return nil, err
	}
	if entry != nil {
		return &TokenResult{AccessToken: entry.AccessToken, ExpiresIn: entry.ExpiresIn}, nil
	}

	rec, err := m.auth.Get(ctx, userID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading auth record: %w", err)
	}
	if !rec.IsValid {
		// The user must re-authenticate; refresh must not be attempted.
		return nil, nil
	}

	return m.refreshWithLock(ctx, userID)
}

// refreshWithLock coordinates the cluster-wide refresh mutex.
func (m *Manager) refreshWithLock(ctx context.Context, userID string) (*TokenResult, error) {
	acquired, err := m.cache.TryAcquireRefreshLock(ctx, userID)
	if err != nil {
		return nil, err
	}

	if !acquired {
		return m.awaitOtherRefresh(ctx, userID)
	}

	defer func() {
		if err := m.cache.ReleaseRefreshLock(ctx, userID); err != nil {
			m.logger.Error("releasing refresh lock", "user", userID, "err", err)
		}
	}()

	// A previous holder may have refreshed between our cache miss and
	// acquiring the lock.
	entry, err := m.cache.GetToken(ctx, userID)
	if err != nil {
		return nil, err
	}
	if entry != nil {
		return &TokenResult{AccessToken: entry.AccessToken, ExpiresIn: entry.ExpiresIn}, nil
	}

	result, err := m.RefreshUserToken(ctx, userID)
	if err != nil {
		return nil, err
	}

	entry = &cache.TokenEntry{
		UserID:      userID,
		AccessToken: result.AccessToken,
		ExpiresIn:   result.ExpiresIn,
		CachedAt:    time.Now(),
	}
	if err := m.cache.PutToken(ctx, entry, m.cacheTTL); err != nil {
		// The refresh itself succeeded; a cache write failure only costs
		// the fast path.
		m.logger.Error("caching refreshed token", "user", userID, "err", err)
	}
	return result, nil
}

// awaitOtherRefresh waits for a concurrent holder's refresh to land in
// the cache: two fixed-interval re-checks, then give up and return nil.
// Bounded waiting favors availability over blocking indefinitely.
func (m *Manager) awaitOtherRefresh(ctx context.Context, userID string) (*TokenResult, error) {
	for i := 0; i < 2; i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.lockWaitInterval):
		}

		entry, err := m.cache.GetToken(ctx, userID)
		if err != nil {
			return nil, err
		}
		if entry != nil {
			return &TokenResult{AccessToken: entry.AccessToken, ExpiresIn: entry.ExpiresIn}, nil
		}
	}
	return nil, nil
}

// RefreshUserToken performs one refresh against the token endpoint. On
// success the rotated refresh token (if any) is persisted re-encrypted
// and the failure counter resets. invalid_grant invalidates the record
// immediately and returns ErrTokenRevoked. Any other error propagates
// untouched: retrying or surfacing it is the caller's responsibility.
func (m *Manager) RefreshUserToken(ctx context.Context, userID string) (*TokenResult, error) {
	rec, err := m.auth.Get(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("loading auth record: %w", err)
	}

	refreshToken, err := m.cipher.Decrypt(rec.EncryptedRefreshToken)
	if err != nil {
		return nil, fmt.Errorf("decrypting refresh token: %w", err)
	}

	var token *oauth2.Token
	err = m.executor.Execute(ctx, tokenServiceKey, func() error {
		src := m.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
		var err error
		token, err = src.Token()
		return classifyRefreshError(err)
	})
	if err != nil {
		if errors.Is(err, ErrTokenRevoked) {
			metrics.ObserveTokenRefresh("revoked")
			if invErr := m.auth.Invalidate(ctx, userID, "invalid_grant"); invErr != nil {
				m.logger.Error("invalidating revoked auth record", "user", userID, "err", invErr)
			}
			_ = m.cache.DeleteToken(ctx, userID)
		} else {
			metrics.ObserveTokenRefresh("error")
		}
		return nil, err
	}

	// Persist the rotated refresh token when the endpoint issued one;
	// otherwise keep the current one.
	rotated := refreshToken
	if token.RefreshToken != "" {
		rotated = token.RefreshToken
	}
	encrypted, err := m.cipher.Encrypt(rotated)
	if err != nil {
		return nil, fmt.Errorf("encrypting refresh token: %w", err)
	}
	if err := m.auth.RecordRefreshSuccess(ctx, userID, encrypted, time.Now()); err != nil {
		return nil, fmt.Errorf("persisting refresh: %w", err)
	}

	metrics.ObserveTokenRefresh("success")
	expiresIn := int(time.Until(token.Expiry).Seconds())
	return &TokenResult{AccessToken: token.AccessToken, ExpiresIn: expiresIn}, nil
}

// RecordTokenFailure increments the consecutive failure counter after a
// failed authenticated call. Returns true once the threshold invalidates
// the record, so the caller knows the user must re-authenticate.
func (m *Manager) RecordTokenFailure(ctx context.Context, userID, reason string) (bool, error) {
	count, err := m.auth.RecordFailure(ctx, userID, reason, time.Now())
	if err != nil {
		return false, err
	}
	if count < MaxConsecutiveFailures {
		return false, nil
	}

	if err := m.auth.Invalidate(ctx, userID, fmt.Sprintf("%d consecutive failures: %s", count, reason)); err != nil {
		return false, err
	}
	_ = m.cache.DeleteToken(ctx, userID)
	m.logger.Warn("auth record invalidated", "user", userID, "failures", count)
	return true, nil
}

// ResetTokenFailures zeroes the failure counter after an
// independently-confirmed successful API call.
func (m *Manager) ResetTokenFailures(ctx context.Context, userID string) error {
	return m.auth.ResetFailures(ctx, userID)
}

// classifyRefreshError maps oauth2 transport errors onto the service's
// error taxonomy so the breaker and retry policy see the right classes.
func classifyRefreshError(err error) error {
	if err == nil {
		return nil
	}

	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		if retrieveErr.ErrorCode == "invalid_grant" {
			return fmt.Errorf("%w: %v", ErrTokenRevoked, err)
		}
		if retrieveErr.Response != nil && retrieveErr.Response.StatusCode >= 500 {
			return fmt.Errorf("%w: %v", spotify.ErrUpstreamUnavailable, err)
		}
		return err
	}

	// Anything without an HTTP response is a network-level failure.
	return fmt.Errorf("%w: %v", spotify.ErrUpstreamUnavailable, err)
}
