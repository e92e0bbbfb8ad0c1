package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// pgDuplicateTable is the SQLSTATE Postgres reports when a relation
// already exists. Partition creation treats it as success.
const pgDuplicateTable = "42P07"

// partitionExec is the slice of the pool partition DDL needs.
// Satisfied by *pgxpool.Pool.
type partitionExec interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PartitionRepository lazily creates and hardens the monthly
// listening_events partitions.
type PartitionRepository struct {
	pool   partitionExec
	logger *log.Logger
}

// PartitionResult reports the outcome of ensuring one partition.
type PartitionResult struct {
	Name    string
	Created bool
}

// PartitionName computes the month-keyed partition name for a date.
func PartitionName(date time.Time) string {
	return fmt.Sprintf("listening_events_y%dm%02d", date.UTC().Year(), int(date.UTC().Month()))
}

// monthBounds returns the UTC start of the date's month and of the next.
func monthBounds(date time.Time) (time.Time, time.Time) {
	d := date.UTC()
	start := time.Date(d.Year(), d.Month(), 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}

// EnsureForDate creates the partition covering the date's month if it
// doesn't exist, then applies write-pattern tuning and the required
// indexes. "Already exists" is success, not an error.
func (r *PartitionRepository) EnsureForDate(ctx context.Context, date time.Time) (*PartitionResult, error) {
	name := PartitionName(date)
	start, end := monthBounds(date)

	ddl := fmt.Sprintf(
		`CREATE TABLE %s PARTITION OF listening_events FOR VALUES FROM ('%s') TO ('%s')`,
		name, start.Format("2006-01-02"), end.Format("2006-01-02"),
	)

	created := true
	if _, err := r.pool.Exec(ctx, ddl); err != nil {
		var pgErr *pgconn.PgError
		if !errors.As(err, &pgErr) || pgErr.Code != pgDuplicateTable {
			return nil, fmt.Errorf("creating partition %s: %w", name, err)
		}
		created = false
	}

	if created {
		// Event partitions are update-heavy while a month is hot: upgrades
		// rewrite rows in place, so vacuum early and leave room on pages.
		tuning := fmt.Sprintf(
			`ALTER TABLE %s SET (autovacuum_vacuum_scale_factor = 0.01, autovacuum_analyze_scale_factor = 0.005, fillfactor = 90)`,
			name,
		)
		if _, err := r.pool.Exec(ctx, tuning); err != nil {
			return nil, fmt.Errorf("tuning partition %s: %w", name, err)
		}
	}

	r.EnforceIndexes(ctx, name)

	return &PartitionResult{Name: name, Created: created}, nil
}

// EnsureForDates ensures the partitions covering all given dates. Dates
// are deduped to unique months and created concurrently; one failing
// month doesn't abort the rest.
func (r *PartitionRepository) EnsureForDates(ctx context.Context, dates []time.Time) ([]PartitionResult, error) {
	unique := make(map[string]time.Time)
	for _, d := range dates {
		start, _ := monthBounds(d)
		unique[PartitionName(d)] = start
	}

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results []PartitionResult
		errs    []error
	)

	for _, month := range unique {
		wg.Add(1)
		go func(month time.Time) {
			defer wg.Done()
			res, err := r.EnsureForDate(ctx, month)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			results = append(results, *res)
		}(month)
	}
	wg.Wait()

	return results, errors.Join(errs...)
}

// EnsureForRange ensures every monthly partition from January of
// startYear through December of endYear.
func (r *PartitionRepository) EnsureForRange(ctx context.Context, startYear, endYear int) ([]PartitionResult, error) {
	var dates []time.Time
	for year := startYear; year <= endYear; year++ {
		for month := time.January; month <= time.December; month++ {
			dates = append(dates, time.Date(year, month, 1, 0, 0, 0, 0, time.UTC))
		}
	}
	return r.EnsureForDates(ctx, dates)
}

// EnforceIndexes creates the required unique composite index on a
// partition if it is absent. Index-creation errors are logged, never
// surfaced: a missing index degrades dedup performance but must not fail
// the write path that triggered the partition.
func (r *PartitionRepository) EnforceIndexes(ctx context.Context, partitionName string) {
	if err := validatePartitionName(partitionName); err != nil {
		r.logger.Error("enforcing partition indexes", "err", err)
		return
	}

	var exists bool
	check := `
		SELECT EXISTS (
			SELECT 1 FROM pg_indexes
			WHERE tablename = $1 AND indexdef LIKE '%UNIQUE%' AND indexdef LIKE '%(user_id, track_id, played_at)%'
		)
	`
	if err := r.pool.QueryRow(ctx, check, partitionName).Scan(&exists); err != nil {
		r.logger.Error("inspecting partition indexes", "partition", partitionName, "err", err)
		return
	}
	if exists {
		return
	}

	ddl := fmt.Sprintf(
		`CREATE UNIQUE INDEX IF NOT EXISTS %s_user_track_played_idx ON %s (user_id, track_id, played_at)`,
		partitionName, partitionName,
	)
	if _, err := r.pool.Exec(ctx, ddl); err != nil {
		r.logger.Error("creating partition index", "partition", partitionName, "err", err)
	}
}

// validatePartitionName guards the identifiers interpolated into DDL.
// Names are generated internally, so a mismatch indicates a bug.
func validatePartitionName(name string) error {
	if !strings.HasPrefix(name, "listening_events_y") {
		return fmt.Errorf("unexpected partition name %q", name)
	}
	return nil
}
