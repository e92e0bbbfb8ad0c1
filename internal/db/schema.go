package db

import (
	"context"
	"fmt"
)

// schema holds the base DDL. listening_events is range-partitioned by
// played_at; monthly partitions are created lazily by PartitionRepository.
const schema = `
CREATE TABLE IF NOT EXISTS auth_records (
	user_id                 TEXT PRIMARY KEY,
	encrypted_refresh_token BYTEA NOT NULL,
	is_valid                BOOLEAN NOT NULL DEFAULT TRUE,
	consecutive_failures    INT NOT NULL DEFAULT 0,
	last_refresh_at         TIMESTAMPTZ,
	last_failure_at         TIMESTAMPTZ,
	last_failure_reason     TEXT,
	created_at              TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at              TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS import_jobs (
	id               TEXT PRIMARY KEY,
	user_id          TEXT NOT NULL,
	file_name        TEXT NOT NULL,
	status           TEXT NOT NULL,
	total_events     INT NOT NULL DEFAULT 0,
	processed_events INT NOT NULL DEFAULT 0,
	error_message    TEXT,
	started_at       TIMESTAMPTZ,
	completed_at     TIMESTAMPTZ,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS tracks (
	id                  TEXT PRIMARY KEY,
	name                TEXT NOT NULL,
	artist_name         TEXT NOT NULL,
	album_name          TEXT,
	duration_ms         INT,
	artist_ids          TEXT[] NOT NULL DEFAULT '{}',
	metadata_fetched_at TIMESTAMPTZ,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS artists (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	image_url  TEXT,
	fetched_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS track_features (
	track_id     TEXT PRIMARY KEY REFERENCES tracks(id),
	danceability DOUBLE PRECISION NOT NULL,
	energy       DOUBLE PRECISION NOT NULL,
	valence      DOUBLE PRECISION NOT NULL,
	tempo        DOUBLE PRECISION NOT NULL,
	fetched_at   TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS user_top_tracks (
	user_id    TEXT NOT NULL,
	track_id   TEXT NOT NULL,
	term       TEXT NOT NULL,
	rank       INT NOT NULL,
	fetched_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (user_id, term, rank)
);

CREATE TABLE IF NOT EXISTS listening_events (
	user_id    TEXT NOT NULL,
	track_id   TEXT NOT NULL,
	played_at  TIMESTAMPTZ NOT NULL,
	ms_played  INT NOT NULL,
	skipped    BOOLEAN NOT NULL DEFAULT FALSE,
	source     TEXT NOT NULL
) PARTITION BY RANGE (played_at);
`

// EnsureSchema creates the base tables if they don't exist.
func (db *DB) EnsureSchema(ctx context.Context) error {
	if _, err := db.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensuring schema: %w", err)
	}
	return nil
}
