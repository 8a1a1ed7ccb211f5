// Package runlog keeps the history of job runs in the SQLite run ledger.
package runlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// State is the recorded outcome of a run.
type State string

const (
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// ErrNotFound is returned when a run ID is unknown.
var ErrNotFound = errors.New("run not found")

// Run is one row of the ledger.
type Run struct {
	ID              string     `json:"id"`
	JobID           string     `json:"job_id"`
	Tool            string     `json:"tool"`
	State           State      `json:"state"`
	Degraded        bool       `json:"degraded"`
	DegradedReason  string     `json:"degraded_reason,omitempty"`
	ArchivePath     string     `json:"archive_path,omitempty"`
	ArchiveChecksum string     `json:"archive_checksum,omitempty"`
	ArchiveSize     int64      `json:"archive_size,omitempty"`
	LastError       string     `json:"last_error,omitempty"`
	StartedAt       time.Time  `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// Store reads and writes the job_run table.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Start records a new running run and returns its ID.
func (s *Store) Start(ctx context.Context, jobID, tool string) (string, error) {
	if jobID == "" {
		return "", fmt.Errorf("job id is empty")
	}
	if tool == "" {
		return "", fmt.Errorf("tool is empty")
	}

	id := uuid.NewString()
	now := s.now().UTC().Format(time.RFC3339Nano)

	_, err := s.db.ExecContext(ctx, `
INSERT INTO job_run(id, job_id, tool, state, started_at)
VALUES(?, ?, ?, ?, ?);
`, id, jobID, tool, StateRunning, now)
	if err != nil {
		return "", fmt.Errorf("insert run: %w", err)
	}
	return id, nil
}

// MarkDegraded notes that the run started without a usable workspace or logger.
func (s *Store) MarkDegraded(ctx context.Context, runID, reason string) error {
	return s.update(ctx, runID, `UPDATE job_run SET degraded_reason = ? WHERE id = ?;`, reason, runID)
}

// RecordArtifact stores the archive produced by the run.
func (s *Store) RecordArtifact(ctx context.Context, runID, path, checksum string, size int64) error {
	return s.update(ctx, runID, `
UPDATE job_run SET archive_path = ?, archive_checksum = ?, archive_size = ? WHERE id = ?;
`, path, checksum, size, runID)
}

// Complete sets the final state of a run.
func (s *Store) Complete(ctx context.Context, runID string, state State, lastError string) error {
	if state != StateSucceeded && state != StateFailed {
		return fmt.Errorf("invalid terminal state %q", state)
	}

	var errCol any
	if lastError != "" {
		errCol = lastError
	}
	now := s.now().UTC().Format(time.RFC3339Nano)
	return s.update(ctx, runID, `
UPDATE job_run SET state = ?, last_error = ?, completed_at = ? WHERE id = ?;
`, state, errCol, now, runID)
}

func (s *Store) update(ctx context.Context, runID, stmt string, args ...any) error {
	res, err := s.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return fmt.Errorf("update run %s: %w", runID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update run %s: %w", runID, err)
	}
	if n == 0 {
		return fmt.Errorf("update run %s: %w", runID, ErrNotFound)
	}
	return nil
}

const selectRun = `
SELECT id, job_id, tool, state, degraded_reason, archive_path, archive_checksum, archive_size,
       last_error, started_at, completed_at
FROM job_run`

// Get returns one run by ID.
func (s *Store) Get(ctx context.Context, runID string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, selectRun+` WHERE id = ?;`, runID)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read run %s: %w", runID, err)
	}
	return r, nil
}

// List returns the most recent runs first. limit <= 0 means 50.
func (s *Store) List(ctx context.Context, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, selectRun+` ORDER BY started_at DESC, id LIMIT ?;`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

// Prune deletes finished runs that completed more than retention ago.
func (s *Store) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, fmt.Errorf("retention must be positive")
	}

	cutoff := s.now().Add(-retention).UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, `
DELETE FROM job_run WHERE state != ? AND completed_at IS NOT NULL AND completed_at < ?;
`, StateRunning, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune runs: %w", err)
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (*Run, error) {
	var (
		r                                        Run
		state                                    string
		reason, archPath, archSum, lastErr, done sql.NullString
		archSize                                 sql.NullInt64
		started                                  string
	)
	if err := sc.Scan(&r.ID, &r.JobID, &r.Tool, &state, &reason, &archPath, &archSum, &archSize, &lastErr, &started, &done); err != nil {
		return nil, err
	}

	r.State = State(state)
	r.Degraded = reason.Valid
	r.DegradedReason = reason.String
	r.ArchivePath = archPath.String
	r.ArchiveChecksum = archSum.String
	r.ArchiveSize = archSize.Int64
	r.LastError = lastErr.String

	t, err := time.Parse(time.RFC3339Nano, started)
	if err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	r.StartedAt = t

	if done.Valid {
		ct, err := time.Parse(time.RFC3339Nano, done.String)
		if err != nil {
			return nil, fmt.Errorf("parse completed_at: %w", err)
		}
		r.CompletedAt = &ct
	}
	return &r, nil
}
