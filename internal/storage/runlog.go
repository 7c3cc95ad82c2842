package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"ledgersync/internal/domain"
)

// RunLogStore persists sync cycle history in the sync_runs table.
type RunLogStore struct {
	db *DB
}

// NewRunLogStore creates a new RunLogStore.
func NewRunLogStore(db *DB) *RunLogStore {
	return &RunLogStore{db: db}
}

// CreateRun records a finished run, assigning an ID if it has none.
func (s *RunLogStore) CreateRun(run *domain.SyncRun) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.FinishedAt.IsZero() {
		run.FinishedAt = time.Now()
	}
	_, err := s.db.conn.Exec(
		`INSERT INTO sync_runs (id, job, started_at, finished_at, status, mode, watermark,
		 fetched, inserted, ignored, skipped, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Job, run.StartedAt.UTC(), run.FinishedAt.UTC(), run.Status, run.Mode, run.Watermark,
		run.Fetched, run.Inserted, run.Ignored, run.Skipped, run.Error,
	)
	if err != nil {
		return fmt.Errorf("record sync run: %w", err)
	}
	return nil
}

// ListRuns returns the most recent runs of job, newest first. An empty job
// lists runs of every job.
func (s *RunLogStore) ListRuns(job string, limit int) ([]domain.SyncRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.conn.Query(
		`SELECT id, job, started_at, finished_at, status, mode, watermark,
		 fetched, inserted, ignored, skipped, error
		 FROM sync_runs WHERE (? = '' OR job = ?) ORDER BY started_at DESC LIMIT ?`,
		job, job, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []domain.SyncRun
	for rows.Next() {
		var r domain.SyncRun
		if err := rows.Scan(&r.ID, &r.Job, &r.StartedAt, &r.FinishedAt, &r.Status, &r.Mode, &r.Watermark,
			&r.Fetched, &r.Inserted, &r.Ignored, &r.Skipped, &r.Error); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// PruneRuns deletes runs of job older than the newest keep entries.
func (s *RunLogStore) PruneRuns(ctx context.Context, job string, keep int) (int64, error) {
	res, err := s.db.conn.ExecContext(ctx,
		`DELETE FROM sync_runs WHERE job = ? AND id NOT IN (
			SELECT id FROM sync_runs WHERE job = ? ORDER BY started_at DESC LIMIT ?
		)`, job, job, keep)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

var _ domain.RunLogStore = (*RunLogStore)(nil)
