package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// AuthRepository handles auth record database operations.
type AuthRepository struct {
	pool *pgxpool.Pool
}

// Get retrieves a user's auth record.
func (r *AuthRepository) Get(ctx context.Context, userID string) (*AuthRecord, error) {
	query := `
		SELECT user_id, encrypted_refresh_token, is_valid, consecutive_failures,
		       last_refresh_at, last_failure_at, last_failure_reason, created_at, updated_at
		FROM auth_records
		WHERE user_id = $1
	`
	var rec AuthRecord
	err := r.pool.QueryRow(ctx, query, userID).Scan(
		&rec.UserID,
		&rec.EncryptedRefreshToken,
		&rec.IsValid,
		&rec.ConsecutiveFailures,
		&rec.LastRefreshAt,
		&rec.LastFailureAt,
		&rec.LastFailureReason,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying auth record: %w", err)
	}
	return &rec, nil
}

// Upsert stores a user's encrypted refresh token, marking the record valid
// and clearing the failure counter. Called when a user (re)connects.
func (r *AuthRepository) Upsert(ctx context.Context, userID string, encryptedRefreshToken []byte) error {
	query := `
		INSERT INTO auth_records (user_id, encrypted_refresh_token, is_valid, consecutive_failures, created_at, updated_at)
		VALUES ($1, $2, TRUE, 0, NOW(), NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			encrypted_refresh_token = EXCLUDED.encrypted_refresh_token,
			is_valid = TRUE,
			consecutive_failures = 0,
			updated_at = NOW()
	`
	if _, err := r.pool.Exec(ctx, query, userID, encryptedRefreshToken); err != nil {
		return fmt.Errorf("upserting auth record: %w", err)
	}
	return nil
}

// RecordRefreshSuccess persists the (possibly rotated) refresh token,
// updates the refresh timestamp and resets the failure counter.
func (r *AuthRepository) RecordRefreshSuccess(ctx context.Context, userID string, encryptedRefreshToken []byte, at time.Time) error {
	query := `
		UPDATE auth_records
		SET encrypted_refresh_token = $2,
		    last_refresh_at = $3,
		    consecutive_failures = 0,
		    updated_at = NOW()
		WHERE user_id = $1
	`
	result, err := r.pool.Exec(ctx, query, userID, encryptedRefreshToken, at)
	if err != nil {
		return fmt.Errorf("recording refresh success: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordFailure increments the consecutive failure counter and returns the
// new count.
func (r *AuthRepository) RecordFailure(ctx context.Context, userID, reason string, at time.Time) (int, error) {
	query := `
		UPDATE auth_records
		SET consecutive_failures = consecutive_failures + 1,
		    last_failure_at = $3,
		    last_failure_reason = $2,
		    updated_at = NOW()
		WHERE user_id = $1
		RETURNING consecutive_failures
	`
	var count int
	err := r.pool.QueryRow(ctx, query, userID, reason, at).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("recording token failure: %w", err)
	}
	return count, nil
}

// Invalidate marks the record invalid. The user must re-authenticate
// before any further refresh is attempted.
func (r *AuthRepository) Invalidate(ctx context.Context, userID, reason string) error {
	query := `
		UPDATE auth_records
		SET is_valid = FALSE,
		    last_failure_at = NOW(),
		    last_failure_reason = $2,
		    updated_at = NOW()
		WHERE user_id = $1
	`
	result, err := r.pool.Exec(ctx, query, userID, reason)
	if err != nil {
		return fmt.Errorf("invalidating auth record: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ValidUserIDs lists users whose records are valid, most recently
// refreshed first. Used by background workers that need any working
// credential for catalog calls.
func (r *AuthRepository) ValidUserIDs(ctx context.Context, limit int) ([]string, error) {
	query := `
		SELECT user_id
		FROM auth_records
		WHERE is_valid = TRUE
		ORDER BY last_refresh_at DESC NULLS LAST
		LIMIT $1
	`
	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("querying valid users: %w", err)
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
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading valid users: %w", err)
	}
	return ids, nil
}

// ResetFailures zeroes the failure counter after an independently-confirmed
// successful API call.
func (r *AuthRepository) ResetFailures(ctx context.Context, userID string) error {
	query := `
		UPDATE auth_records
		SET consecutive_failures = 0, updated_at = NOW()
		WHERE user_id = $1
	`
	if _, err := r.pool.Exec(ctx, query, userID); err != nil {
		return fmt.Errorf("resetting token failures: %w", err)
	}
	return nil
}
