package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ImportProgressTTL keeps the fast-path progress mirror around long enough
// for polling but lets abandoned entries expire on their own.
const ImportProgressTTL = 24 * time.Hour

// ImportProgress is the low-latency mirror of an import job's counters.
// It is eventually consistent with the durable job row.
type ImportProgress struct {
	Status           string `json:"status"`
	TotalRecords     int    `json:"total_records"`
	ProcessedRecords int    `json:"processed_records"`
	AddedRecords     int    `json:"added_records"`
	SkippedRecords   int    `json:"skipped_records"`
	ErrorMessage     string `json:"error_message,omitempty"`
}

func importProgressKey(jobID string) string { return "import:progress:" + jobID }

// SetImportProgress writes the progress mirror for a job.
func (s *Store) SetImportProgress(ctx context.Context, jobID string, p *ImportProgress) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encoding import progress: %w", err)
	}
	if err := s.client.Set(ctx, importProgressKey(jobID), raw, ImportProgressTTL).Err(); err != nil {
		return fmt.Errorf("writing import progress: %w", err)
	}
	return nil
}

// GetImportProgress reads the progress mirror for a job, or nil if the
// entry has expired or was never written.
func (s *Store) GetImportProgress(ctx context.Context, jobID string) (*ImportProgress, error) {
	raw, err := s.client.Get(ctx, importProgressKey(jobID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading import progress: %w", err)
	}

	var p ImportProgress
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decoding import progress: %w", err)
	}
	return &p, nil
}
