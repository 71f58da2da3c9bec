package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"reflowline/internal/domain"
)

// SQLite keeps previews in the workspace database so a preview made by one
// CLI invocation can be applied by the next.
type SQLite struct {
	DB  *sql.DB
	Now func() time.Time
}

func NewSQLite(db *sql.DB) *SQLite {
	return &SQLite{DB: db}
}

func (s *SQLite) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *SQLite) Put(ctx context.Context, run domain.ReflowRun, ttl time.Duration) error {
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal preview: %w", err)
	}
	now := s.now()
	if _, err := s.DB.ExecContext(ctx, `DELETE FROM previews WHERE expires_at <= ?`, now.Format(time.RFC3339Nano)); err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx, `INSERT INTO previews(run_id, expires_at, doc_json) VALUES (?,?,?)
ON CONFLICT(run_id) DO UPDATE SET expires_at=excluded.expires_at, doc_json=excluded.doc_json`,
		run.ID, now.Add(ttl).Format(time.RFC3339Nano), string(data))
	return err
}

func (s *SQLite) Get(ctx context.Context, runID string) (domain.ReflowRun, error) {
	var expires, doc string
	err := s.DB.QueryRowContext(ctx, `SELECT expires_at, doc_json FROM previews WHERE run_id=?`, runID).Scan(&expires, &doc)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ReflowRun{}, ErrMiss
	}
	if err != nil {
		return domain.ReflowRun{}, err
	}
	exp, err := time.Parse(time.RFC3339Nano, expires)
	if err != nil || !s.now().Before(exp) {
		return domain.ReflowRun{}, ErrMiss
	}
	var run domain.ReflowRun
	if err := json.Unmarshal([]byte(doc), &run); err != nil {
		return domain.ReflowRun{}, fmt.Errorf("decode preview %s: %w", runID, err)
	}
	return run, nil
}

func (s *SQLite) Delete(ctx context.Context, runID string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM previews WHERE run_id=?`, runID)
	return err
}

// Close is a no-op; the database belongs to the workspace.
func (s *SQLite) Close() error { return nil }
