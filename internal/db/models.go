package db

import (
	"time"
)

// AuthRecord is the durable auth state for one user. It is never deleted
// by this service; revocation flips IsValid instead.
type AuthRecord struct {
	UserID                string
	EncryptedRefreshToken []byte
	IsValid               bool
	ConsecutiveFailures   int
	LastRefreshAt         *time.Time // nullable
	LastFailureAt         *time.Time // nullable
	LastFailureReason     *string    // nullable
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// Import job statuses.
const (
	ImportStatusPending    = "PENDING"
	ImportStatusProcessing = "PROCESSING"
	ImportStatusCompleted  = "COMPLETED"
	ImportStatusFailed     = "FAILED"
)

// ImportJob is the durable record of a history import.
type ImportJob struct {
	ID              string
	UserID          string
	FileName        string
	Status          string
	TotalEvents     int
	ProcessedEvents int
	ErrorMessage    *string    // nullable
	StartedAt       *time.Time // nullable
	CompletedAt     *time.Time // nullable
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Listening event sources, ordered by fidelity: an import row carries the
// authoritative play duration, a live row only an estimate.
const (
	SourceImport = "import"
	SourceLive   = "recently_played"
)

// ListeningEvent is one play of a track, partitioned by month of PlayedAt.
// At most one row exists per (UserID, TrackID, PlayedAt).
type ListeningEvent struct {
	UserID   string
	TrackID  string
	PlayedAt time.Time
	MsPlayed int
	Skipped  bool
	Source   string
}

// Track is a Spotify track known to the service. ArtistIDs stays empty
// until the metadata backfill resolves it.
type Track struct {
	ID                string // Spotify track id
	Name              string
	ArtistName        string
	AlbumName         *string // nullable
	DurationMs        *int    // nullable
	ArtistIDs         []string
	MetadataFetchedAt *time.Time // nullable
	CreatedAt         time.Time
}

// Artist is a Spotify artist. ImageURL stays nil until the metadata
// backfill resolves it.
type Artist struct {
	ID        string
	Name      string
	ImageURL  *string    // nullable
	FetchedAt *time.Time // nullable
}

// TrackFeatures holds the audio-feature row for a track.
type TrackFeatures struct {
	TrackID      string
	Danceability float64
	Energy       float64
	Valence      float64
	Tempo        float64
	FetchedAt    time.Time
}

// TopTrack is one entry of a user's top-track chart for a term.
type TopTrack struct {
	UserID    string
	TrackID   string
	Term      string
	Rank      int
	FetchedAt time.Time
}
