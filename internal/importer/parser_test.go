package importer

import (
	"fmt"
	"strings"
	"testing"
	"time"
)

func record(ts string, msPlayed int, trackURI, trackName, artistName string) string {
	return fmt.Sprintf(`{
		"ts": %q,
		"ms_played": %d,
		"spotify_track_uri": %q,
		"master_metadata_track_name": %q,
		"master_metadata_album_artist_name": %q,
		"master_metadata_album_album_name": "Some Album"
	}`, ts, msPlayed, trackURI, trackName, artistName)
}

func TestParseValidRecord(t *testing.T) {
	input := "[" + record("2024-03-01T12:00:00Z", 210000, "spotify:track:abc123", "Song", "Artist") + "]"

	var events []Event
	stats, err := Parse(strings.NewReader(input), func(e Event) error {
		events = append(events, e)
		return nil
	})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if stats.Total != 1 || stats.Dropped != 0 {
		t.Fatalf("stats = %+v", stats)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}

	e := events[0]
	if e.TrackID != "abc123" {
		t.Errorf("TrackID = %q", e.TrackID)
	}
	if e.Skipped {
		t.Error("210s play marked as skip")
	}
	// playedAt is the end timestamp minus the play duration.
	want := time.Date(2024, 3, 1, 11, 56, 30, 0, time.UTC)
	if !e.PlayedAt.Equal(want) {
		t.Errorf("PlayedAt = %v, want %v", e.PlayedAt, want)
	}
}

func TestParseDropsInvalidRecords(t *testing.T) {
	tests := []struct {
		name string
		rec  string
	}{
		{
			name: "podcast episode",
			rec: `{"ts": "2024-03-01T12:00:00Z", "ms_played": 900000,
				"spotify_episode_uri": "spotify:episode:xyz",
				"master_metadata_track_name": null,
				"master_metadata_album_artist_name": null}`,
		},
		{
			name: "below minimum play duration",
			rec:  record("2024-03-01T12:00:00Z", 4999, "spotify:track:abc", "Song", "Artist"),
		},
		{
			name: "missing track name",
			rec:  record("2024-03-01T12:00:00Z", 60000, "spotify:track:abc", "", "Artist"),
		},
		{
			name: "missing artist name",
			rec:  record("2024-03-01T12:00:00Z", 60000, "spotify:track:abc", "Song", ""),
		},
		{
			name: "no track uri",
			rec: `{"ts": "2024-03-01T12:00:00Z", "ms_played": 60000,
				"master_metadata_track_name": "Song",
				"master_metadata_album_artist_name": "Artist"}`,
		},
		{
			name: "unparseable timestamp",
			rec:  record("not-a-time", 60000, "spotify:track:abc", "Song", "Artist"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stats, err := Parse(strings.NewReader("["+tt.rec+"]"), func(e Event) error {
				t.Fatalf("record passed validation: %+v", e)
				return nil
			})
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if stats.Dropped != 1 {
				t.Fatalf("Dropped = %d, want 1", stats.Dropped)
			}
		})
	}
}

func TestParseMarksShortPlaysAsSkips(t *testing.T) {
	input := "[" +
		record("2024-03-01T12:00:00Z", 15000, "spotify:track:short", "Song", "Artist") + "," +
		record("2024-03-01T12:10:00Z", 30000, "spotify:track:full", "Song", "Artist") +
		"]"

	var events []Event
	if _, err := Parse(strings.NewReader(input), func(e Event) error {
		events = append(events, e)
		return nil
	}); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if !events[0].Skipped {
		t.Error("15s play not marked as skip")
	}
	if events[1].Skipped {
		t.Error("30s play marked as skip")
	}
}

func TestParseRejectsNonArray(t *testing.T) {
	if _, err := Parse(strings.NewReader(`{"ts": "x"}`), func(Event) error { return nil }); err == nil {
		t.Fatal("expected error for non-array input")
	}
}

func TestParseStreamsLargeInput(t *testing.T) {
	// Build the input lazily so the test itself stays cheap; 10k records
	// exercise the element-by-element decode path.
	var sb strings.Builder
	sb.WriteString("[")
	for i := 0; i < 10000; i++ {
		if i > 0 {
			sb.WriteString(",")
		}
		ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(i) * time.Minute)
		sb.WriteString(record(ts.Format(time.RFC3339), 60000, fmt.Sprintf("spotify:track:t%d", i%50), "Song", "Artist"))
	}
	sb.WriteString("]")

	count := 0
	stats, err := Parse(strings.NewReader(sb.String()), func(Event) error {
		count++
		return nil
	})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if stats.Total != 10000 || count != 10000 {
		t.Fatalf("total = %d, callbacks = %d, want 10000", stats.Total, count)
	}
}
