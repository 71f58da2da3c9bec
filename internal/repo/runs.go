package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"reflowline/internal/domain"
)

// ErrRunExists is returned when a run id is appended twice.
var ErrRunExists = errors.New("reflow run already recorded")

func (r Repo) InsertRun(ctx context.Context, tx *sql.Tx, run domain.ReflowRun) error {
	doc, err := json.Marshal(run)
	if err != nil {
		return err
	}
	approvedBy := ""
	if run.Approval != nil {
		approvedBy = run.Approval.ApprovedBy
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO reflow_runs(run_id,mode,requested_at,requested_by,baseline_id,approved_by,doc_json) VALUES (?,?,?,?,?,?,?)`,
		run.ID, string(run.Mode), ts(run.RequestedAt), run.RequestedBy, nullable(run.BaselineID), nullable(approvedBy), string(doc))
	if err != nil {
		var existing string
		if r.q(tx).QueryRowContext(ctx, `SELECT run_id FROM reflow_runs WHERE run_id=?`, run.ID).Scan(&existing) == nil {
			return fmt.Errorf("%s: %w", run.ID, ErrRunExists)
		}
		return err
	}
	return nil
}

func (r Repo) GetRun(ctx context.Context, id string) (domain.ReflowRun, error) {
	var doc string
	err := r.DB.QueryRowContext(ctx, `SELECT doc_json FROM reflow_runs WHERE run_id=?`, id).Scan(&doc)
	if err == sql.ErrNoRows {
		return domain.ReflowRun{}, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return domain.ReflowRun{}, err
	}
	var run domain.ReflowRun
	return run, json.Unmarshal([]byte(doc), &run)
}

// ListRuns returns recorded runs oldest first. limit <= 0 returns all.
func (r Repo) ListRuns(ctx context.Context, tx *sql.Tx, limit int) ([]domain.ReflowRun, error) {
	query := `SELECT doc_json FROM reflow_runs ORDER BY requested_at ASC, rowid ASC`
	var args []any
	if limit > 0 {
		query = `SELECT doc_json FROM (SELECT doc_json, requested_at, rowid AS rid FROM reflow_runs ORDER BY requested_at DESC, rowid DESC LIMIT ?) ORDER BY requested_at ASC, rid ASC`
		args = append(args, limit)
	}
	rows, err := r.q(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ReflowRun
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var run domain.ReflowRun
		if err := json.Unmarshal([]byte(doc), &run); err != nil {
			return nil, fmt.Errorf("decode run: %w", err)
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

// RunHistory adapts the reflow_runs table to the reflow manager's history
// interface. With Tx set, appends join the caller's transaction.
type RunHistory struct {
	Repo Repo
	Tx   *sql.Tx
}

func (h RunHistory) AppendRun(ctx context.Context, run domain.ReflowRun) error {
	return h.Repo.InsertRun(ctx, h.Tx, run)
}

func (h RunHistory) ListRuns(ctx context.Context) ([]domain.ReflowRun, error) {
	return h.Repo.ListRuns(ctx, h.Tx, 0)
}
