package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/stayprice-crawler/internal/pricing"
)

type queryExecCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

const runColumns = `id, destination, year, stay_days, workers, force_refresh, status,
	submitted_at, started_at, finished_at, snapshot_uri, snapshot_sha256, snapshot_bytes,
	months, failed_months, error_message`

// RunStore implements pricing.RunStore on a runs table.
type RunStore struct {
	pool  queryExecCloser
	clock pricing.Clock
}

// NewRunStore connects to dsn and returns a RunStore.
func NewRunStore(ctx context.Context, dsn string, clock pricing.Clock) (*RunStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	return &RunStore{pool: pool, clock: clock}, nil
}

// NewRunStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewRunStoreWithPool(pool queryExecCloser, clock pricing.Clock) (*RunStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &RunStore{pool: pool, clock: clock}, nil
}

// Close closes the underlying connection pool.
func (s *RunStore) Close() {
	s.pool.Close()
}

// CreateRun inserts a new run row.
func (s *RunStore) CreateRun(ctx context.Context, run pricing.Run) error {
	query := `
		INSERT INTO runs (` + runColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16);
	`
	_, err := s.pool.Exec(ctx, query,
		run.ID,
		run.Request.Destination,
		run.Request.Year,
		run.Request.StayDays,
		run.Request.Workers,
		run.Request.ForceRefresh,
		string(run.Status),
		run.Submitted,
		run.Started,
		run.Finished,
		run.Snapshot.URI,
		run.Snapshot.SHA256,
		run.Snapshot.Bytes,
		nonNil(run.Months),
		nonNil(run.FailedMonths),
		run.ErrorText,
	)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

// UpdateRun applies update, setting started_at on the first running
// transition and finished_at on terminal ones.
func (s *RunStore) UpdateRun(ctx context.Context, runID string, update pricing.RunUpdate) error {
	query := `
		UPDATE runs
		SET status = $1,
			snapshot_uri = $2,
			snapshot_sha256 = $3,
			snapshot_bytes = $4,
			months = $5,
			failed_months = $6,
			error_message = $7,
			started_at = CASE WHEN $8 AND started_at IS NULL THEN $9 ELSE started_at END,
			finished_at = CASE WHEN $10 THEN $9 ELSE finished_at END
		WHERE id = $11;
	`
	res, err := s.pool.Exec(ctx, query,
		string(update.Status),
		update.Snapshot.URI,
		update.Snapshot.SHA256,
		update.Snapshot.Bytes,
		nonNil(update.Months),
		nonNil(update.FailedMonths),
		update.ErrorText,
		update.Status == pricing.RunStatusRunning,
		s.now(),
		update.Status.Terminal(),
		runID,
	)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	if res.RowsAffected() == 0 {
		return pricing.ErrRunNotFound
	}
	return nil
}

// GetRun retrieves a single run by its ID.
func (s *RunStore) GetRun(ctx context.Context, runID string) (pricing.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE id = $1;`
	run, err := scanRun(s.pool.QueryRow(ctx, query, runID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return pricing.Run{}, pricing.ErrRunNotFound
		}
		return pricing.Run{}, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns returns up to limit runs, most recently submitted first.
func (s *RunStore) ListRuns(ctx context.Context, limit int) ([]pricing.Run, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + runColumns + ` FROM runs ORDER BY submitted_at DESC LIMIT $1;`
	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []pricing.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate runs: %w", err)
	}
	return runs, nil
}

func scanRun(row pgx.Row) (pricing.Run, error) {
	var (
		run    pricing.Run
		status string
	)
	err := row.Scan(
		&run.ID,
		&run.Request.Destination,
		&run.Request.Year,
		&run.Request.StayDays,
		&run.Request.Workers,
		&run.Request.ForceRefresh,
		&status,
		&run.Submitted,
		&run.Started,
		&run.Finished,
		&run.Snapshot.URI,
		&run.Snapshot.SHA256,
		&run.Snapshot.Bytes,
		&run.Months,
		&run.FailedMonths,
		&run.ErrorText,
	)
	run.Status = pricing.RunStatus(status)
	return run, err
}

func (s *RunStore) now() time.Time {
	if s.clock == nil {
		return time.Now().UTC()
	}
	return s.clock.Now()
}

func nonNil(months []int) []int {
	if months == nil {
		return []int{}
	}
	return months
}
