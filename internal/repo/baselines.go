package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"reflowline/internal/domain"
)

const (
	baselineActive     = "active"
	baselineSuperseded = "superseded"
)

func (r Repo) InsertBaseline(ctx context.Context, tx *sql.Tx, b domain.Baseline) error {
	doc, err := json.Marshal(b)
	if err != nil {
		return err
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO baselines(baseline_id,name,status,created_at,created_by,doc_json) VALUES (?,?,?,?,?,?)
ON CONFLICT(baseline_id) DO UPDATE SET name=excluded.name, status=excluded.status, doc_json=excluded.doc_json`,
		b.ID, b.Name, b.Status, ts(b.CreatedAt), b.CreatedBy, string(doc))
	return err
}

func (r Repo) GetBaseline(ctx context.Context, tx *sql.Tx, id string) (domain.Baseline, error) {
	row := r.q(tx).QueryRowContext(ctx, `SELECT status, doc_json FROM baselines WHERE baseline_id=?`, id)
	return scanBaseline(row, id)
}

// ActiveBaseline returns the baseline currently in force, or ErrNotFound.
func (r Repo) ActiveBaseline(ctx context.Context, tx *sql.Tx) (domain.Baseline, error) {
	row := r.q(tx).QueryRowContext(ctx, `SELECT status, doc_json FROM baselines WHERE status=? ORDER BY created_at DESC LIMIT 1`, baselineActive)
	return scanBaseline(row, "active")
}

func scanBaseline(row *sql.Row, label string) (domain.Baseline, error) {
	var status, doc string
	err := row.Scan(&status, &doc)
	if err == sql.ErrNoRows {
		return domain.Baseline{}, fmt.Errorf("baseline %s: %w", label, ErrNotFound)
	}
	if err != nil {
		return domain.Baseline{}, err
	}
	var b domain.Baseline
	if err := json.Unmarshal([]byte(doc), &b); err != nil {
		return domain.Baseline{}, fmt.Errorf("decode baseline: %w", err)
	}
	b.Status = status
	return b, nil
}

func (r Repo) ListBaselines(ctx context.Context) ([]domain.Baseline, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, doc_json FROM baselines ORDER BY created_at DESC, baseline_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Baseline
	for rows.Next() {
		var status, doc string
		if err := rows.Scan(&status, &doc); err != nil {
			return nil, err
		}
		var b domain.Baseline
		if err := json.Unmarshal([]byte(doc), &b); err != nil {
			return nil, err
		}
		b.Status = status
		res = append(res, b)
	}
	return res, rows.Err()
}

// ActivateBaseline makes id the single active baseline.
func (r Repo) ActivateBaseline(ctx context.Context, tx *sql.Tx, id string) error {
	if _, err := r.GetBaseline(ctx, tx, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE baselines SET status=? WHERE status=? AND baseline_id<>?`, baselineSuperseded, baselineActive, id); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `UPDATE baselines SET status=? WHERE baseline_id=?`, baselineActive, id)
	return err
}
