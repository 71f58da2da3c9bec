// Package archive mirrors applied reflow runs into PostgreSQL so several
// workspaces can share one audit history.
package archive

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"reflowline/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS reflow_run_archive (
  run_id TEXT PRIMARY KEY,
  project_id TEXT NOT NULL,
  mode TEXT NOT NULL,
  requested_at TIMESTAMPTZ NOT NULL,
  requested_by TEXT NOT NULL,
  approved_by TEXT,
  blocking INTEGER NOT NULL DEFAULT 0,
  doc JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS reflow_run_archive_project_idx ON reflow_run_archive(project_id, requested_at);
`

// Store is a RunHistory backed by a pgx pool. Appends are idempotent per run id.
type Store struct {
	Pool      *pgxpool.Pool
	ProjectID string
}

// Connect opens a pool and ensures the archive table exists.
func Connect(ctx context.Context, databaseURL, projectID string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to archive: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping archive: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("archive schema: %w", err)
	}
	return &Store{Pool: pool, ProjectID: projectID}, nil
}

func (s *Store) AppendRun(ctx context.Context, run domain.ReflowRun) error {
	doc, err := json.Marshal(run)
	if err != nil {
		return err
	}
	var approvedBy *string
	if run.Approval != nil {
		approvedBy = &run.Approval.ApprovedBy
	}
	_, err = s.Pool.Exec(ctx, `INSERT INTO reflow_run_archive(run_id,project_id,mode,requested_at,requested_by,approved_by,blocking,doc)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8) ON CONFLICT (run_id) DO NOTHING`,
		run.ID, s.ProjectID, string(run.Mode), run.RequestedAt, run.RequestedBy, approvedBy, run.CollisionSummary.Blocking, doc)
	if err != nil {
		return fmt.Errorf("archive run %s: %w", run.ID, err)
	}
	return nil
}

// ListRuns returns the project's archived runs oldest first.
func (s *Store) ListRuns(ctx context.Context) ([]domain.ReflowRun, error) {
	rows, err := s.Pool.Query(ctx, `SELECT doc FROM reflow_run_archive WHERE project_id=$1 ORDER BY requested_at, run_id`, s.ProjectID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.ReflowRun, error) {
		var doc []byte
		if err := row.Scan(&doc); err != nil {
			return domain.ReflowRun{}, err
		}
		var run domain.ReflowRun
		err := json.Unmarshal(doc, &run)
		return run, err
	})
}

func (s *Store) Close() {
	if s != nil && s.Pool != nil {
		s.Pool.Close()
	}
}
