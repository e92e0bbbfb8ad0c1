package db

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// fakePartitionExec records DDL and reports duplicate-table on repeated
// CREATE TABLE statements, like Postgres does.
type fakePartitionExec struct {
	created map[string]bool
	ddl     []string
}

func newFakePartitionExec() *fakePartitionExec {
	return &fakePartitionExec{created: make(map[string]bool)}
}

func (f *fakePartitionExec) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	f.ddl = append(f.ddl, sql)
	if strings.HasPrefix(sql, "CREATE TABLE") {
		if f.created[sql] {
			return pgconn.CommandTag{}, &pgconn.PgError{Code: "42P07", Message: "relation already exists"}
		}
		f.created[sql] = true
	}
	return pgconn.CommandTag{}, nil
}

func (f *fakePartitionExec) QueryRow(context.Context, string, ...any) pgx.Row {
	return indexExistsRow{}
}

// indexExistsRow answers the pg_indexes existence probe affirmatively.
type indexExistsRow struct{}

func (indexExistsRow) Scan(dest ...any) error {
	if b, ok := dest[0].(*bool); ok {
		*b = true
	}
	return nil
}

func TestEnsureForDateIsIdempotent(t *testing.T) {
	exec := newFakePartitionExec()
	repo := &PartitionRepository{pool: exec, logger: log.New(io.Discard)}
	date := time.Date(2024, time.March, 10, 9, 0, 0, 0, time.UTC)

	first, err := repo.EnsureForDate(context.Background(), date)
	if err != nil {
		t.Fatalf("first EnsureForDate: %v", err)
	}
	if !first.Created {
		t.Error("first call reported Created=false, want true")
	}

	second, err := repo.EnsureForDate(context.Background(), date)
	if err != nil {
		t.Fatalf("second EnsureForDate: %v", err)
	}
	if second.Created {
		t.Error("second call reported Created=true, want false")
	}
	if first.Name != second.Name || first.Name != "listening_events_y2024m03" {
		t.Errorf("names = %q / %q, want listening_events_y2024m03", first.Name, second.Name)
	}
}

func TestPartitionName(t *testing.T) {
	tests := []struct {
		date time.Time
		want string
	}{
		{time.Date(2024, time.January, 15, 12, 30, 0, 0, time.UTC), "listening_events_y2024m01"},
		{time.Date(2024, time.December, 31, 23, 59, 59, 0, time.UTC), "listening_events_y2024m12"},
		{time.Date(2013, time.June, 1, 0, 0, 0, 0, time.UTC), "listening_events_y2013m06"},
	}
	for _, tt := range tests {
		if got := PartitionName(tt.date); got != tt.want {
			t.Errorf("PartitionName(%s) = %q, want %q", tt.date, got, tt.want)
		}
	}
}

func TestPartitionNameNormalizesZone(t *testing.T) {
	// 2024-01-31 23:30 -05:00 is 2024-02-01 04:30 UTC: the partition is
	// keyed by the UTC month.
	loc := time.FixedZone("EST", -5*3600)
	date := time.Date(2024, time.January, 31, 23, 30, 0, 0, loc)
	if got := PartitionName(date); got != "listening_events_y2024m02" {
		t.Errorf("PartitionName(%s) = %q, want listening_events_y2024m02", date, got)
	}
}

func TestMonthBounds(t *testing.T) {
	start, end := monthBounds(time.Date(2024, time.December, 15, 8, 0, 0, 0, time.UTC))
	if want := time.Date(2024, time.December, 1, 0, 0, 0, 0, time.UTC); !start.Equal(want) {
		t.Errorf("start = %s, want %s", start, want)
	}
	if want := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC); !end.Equal(want) {
		t.Errorf("end = %s, want %s (must roll the year)", end, want)
	}
}

func TestValidatePartitionName(t *testing.T) {
	if err := validatePartitionName("listening_events_y2024m01"); err != nil {
		t.Errorf("validatePartitionName() unexpected error: %v", err)
	}
	if err := validatePartitionName("pg_catalog; DROP TABLE users"); err == nil {
		t.Error("validatePartitionName() accepted a malformed name")
	}
}
