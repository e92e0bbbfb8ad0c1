// Package importer ingests Spotify extended streaming history exports
// into the listening-event store.
package importer

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"
)

const (
	// minPlayMs is the floor below which a record carries no listening
	// signal and is dropped entirely.
	minPlayMs = 5000

	// skipThresholdMs marks plays shorter than this as skips.
	skipThresholdMs = 30000

	trackURIPrefix = "spotify:track:"
)

// endsongRecord mirrors one entry of the extended streaming history
// export. Fields the pipeline does not use are omitted; the decoder
// ignores them.
type endsongRecord struct {
	Timestamp  string  `json:"ts"`
	MsPlayed   int     `json:"ms_played"`
	TrackURI   *string `json:"spotify_track_uri"`
	EpisodeURI *string `json:"spotify_episode_uri"`
	TrackName  *string `json:"master_metadata_track_name"`
	ArtistName *string `json:"master_metadata_album_artist_name"`
	AlbumName  *string `json:"master_metadata_album_album_name"`
}

// Event is one validated play parsed from an export file.
type Event struct {
	TrackID    string
	TrackName  string
	ArtistName string
	AlbumName  string
	PlayedAt   time.Time
	MsPlayed   int
	Skipped    bool
}

// ParseStats summarizes one parse pass.
type ParseStats struct {
	// Total counts every record in the file, valid or not.
	Total int
	// Dropped counts records rejected by validation.
	Dropped int
}

// Parse streams an export file and calls fn for every valid event.
// The file is a single JSON array; records are decoded one at a time so
// memory stays flat regardless of file size. An error from fn aborts
// the parse.
func Parse(r io.Reader, fn func(Event) error) (ParseStats, error) {
	var stats ParseStats

	dec := json.NewDecoder(r)
	tok, err := dec.Token()
	if err != nil {
		return stats, fmt.Errorf("reading export header: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '[' {
		return stats, fmt.Errorf("export must be a JSON array, got %v", tok)
	}

	for dec.More() {
		var rec endsongRecord
		if err := dec.Decode(&rec); err != nil {
			return stats, fmt.Errorf("decoding record %d: %w", stats.Total+1, err)
		}
		stats.Total++

		event, ok := validate(rec)
		if !ok {
			stats.Dropped++
			continue
		}
		if err := fn(event); err != nil {
			return stats, err
		}
	}

	if _, err := dec.Token(); err != nil {
		return stats, fmt.Errorf("reading export trailer: %w", err)
	}
	return stats, nil
}

// validate applies the ingestion rules to one raw record. The returned
// bool is false when the record should be dropped.
func validate(rec endsongRecord) (Event, bool) {
	// Podcast episodes live in a different catalog; only music plays
	// belong in the event store.
	if rec.EpisodeURI != nil && *rec.EpisodeURI != "" {
		return Event{}, false
	}
	if rec.TrackURI == nil || !strings.HasPrefix(*rec.TrackURI, trackURIPrefix) {
		return Event{}, false
	}
	if rec.TrackName == nil || *rec.TrackName == "" || rec.ArtistName == nil || *rec.ArtistName == "" {
		return Event{}, false
	}
	if rec.MsPlayed < minPlayMs {
		return Event{}, false
	}

	// The export's ts is the moment playback ENDED; the event store
	// keys on when it started.
	endedAt, err := time.Parse(time.RFC3339, rec.Timestamp)
	if err != nil {
		return Event{}, false
	}
	playedAt := endedAt.Add(-time.Duration(rec.MsPlayed) * time.Millisecond).UTC()

	event := Event{
		TrackID:    strings.TrimPrefix(*rec.TrackURI, trackURIPrefix),
		TrackName:  *rec.TrackName,
		ArtistName: *rec.ArtistName,
		PlayedAt:   playedAt,
		MsPlayed:   rec.MsPlayed,
		Skipped:    rec.MsPlayed < skipThresholdMs,
	}
	if rec.AlbumName != nil {
		event.AlbumName = *rec.AlbumName
	}
	return event, true
}
