package spotify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Track is a Spotify catalog track.
type Track struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	DurationMs int      `json:"duration_ms"`
	Artists    []Artist `json:"artists"`
	Album      Album    `json:"album"`
}

// Artist is a Spotify artist, with images populated on full artist objects.
type Artist struct {
	ID     string  `json:"id"`
	Name   string  `json:"name"`
	Images []Image `json:"images"`
}

// Album is a Spotify album reference.
type Album struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Image is an artist or album image.
type Image struct {
	URL    string `json:"url"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// AudioFeatures holds the per-track audio analysis summary.
type AudioFeatures struct {
	ID           string  `json:"id"`
	Danceability float64 `json:"danceability"`
	Energy       float64 `json:"energy"`
	Valence      float64 `json:"valence"`
	Tempo        float64 `json:"tempo"`
}

// maxIDsPerRequest is the batch-endpoint limit shared by the tracks,
// artists and audio-features endpoints.
const maxIDsPerRequest = 50

// GetTracks fetches full track objects for up to 50 ids.
// Unknown ids come back as null from the API and are dropped.
func (c *Client) GetTracks(ctx context.Context, accessToken string, ids []string) ([]Track, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	if len(ids) > maxIDsPerRequest {
		return nil, fmt.Errorf("too many track ids: %d > %d", len(ids), maxIDsPerRequest)
	}

	body, err := c.Get(ctx, accessToken, "/v1/tracks?ids="+url.QueryEscape(strings.Join(ids, ",")))
	if err != nil {
		return nil, fmt.Errorf("fetching tracks: %w", err)
	}

	var resp struct {
		Tracks []*Track `json:"tracks"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parsing tracks response: %w", err)
	}

	tracks := make([]Track, 0, len(resp.Tracks))
	for _, t := range resp.Tracks {
		if t != nil {
			tracks = append(tracks, *t)
		}
	}
	return tracks, nil
}

// GetArtists fetches full artist objects for up to 50 ids.
func (c *Client) GetArtists(ctx context.Context, accessToken string, ids []string) ([]Artist, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	if len(ids) > maxIDsPerRequest {
		return nil, fmt.Errorf("too many artist ids: %d > %d", len(ids), maxIDsPerRequest)
	}

	body, err := c.Get(ctx, accessToken, "/v1/artists?ids="+url.QueryEscape(strings.Join(ids, ",")))
	if err != nil {
		return nil, fmt.Errorf("fetching artists: %w", err)
	}

	var resp struct {
		Artists []*Artist `json:"artists"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parsing artists response: %w", err)
	}

	artists := make([]Artist, 0, len(resp.Artists))
	for _, a := range resp.Artists {
		if a != nil {
			artists = append(artists, *a)
		}
	}
	return artists, nil
}

// GetAudioFeatures fetches audio features for up to 50 track ids.
func (c *Client) GetAudioFeatures(ctx context.Context, accessToken string, ids []string) ([]AudioFeatures, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	if len(ids) > maxIDsPerRequest {
		return nil, fmt.Errorf("too many track ids: %d > %d", len(ids), maxIDsPerRequest)
	}

	body, err := c.Get(ctx, accessToken, "/v1/audio-features?ids="+url.QueryEscape(strings.Join(ids, ",")))
	if err != nil {
		return nil, fmt.Errorf("fetching audio features: %w", err)
	}

	var resp struct {
		AudioFeatures []*AudioFeatures `json:"audio_features"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parsing audio features response: %w", err)
	}

	features := make([]AudioFeatures, 0, len(resp.AudioFeatures))
	for _, f := range resp.AudioFeatures {
		if f != nil {
			features = append(features, *f)
		}
	}
	return features, nil
}

// GetTopTracks fetches the user's top tracks for the given term
// ("short_term", "medium_term" or "long_term").
func (c *Client) GetTopTracks(ctx context.Context, accessToken, term string, limit int) ([]Track, error) {
	q := url.Values{
		"time_range": {term},
		"limit":      {strconv.Itoa(limit)},
	}
	body, err := c.Get(ctx, accessToken, "/v1/me/top/tracks?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("fetching top tracks: %w", err)
	}

	var resp struct {
		Items []Track `json:"items"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parsing top tracks response: %w", err)
	}
	return resp.Items, nil
}
