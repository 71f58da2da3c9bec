package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"reflowline/internal/domain"
)

// Repo is the SQLite-backed workspace store. Methods taking a *sql.Tx run
// inside it when non-nil and against DB otherwise.
type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r Repo) q(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return r.DB
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTS(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

// ActivityFilters narrows ListActivities.
type ActivityFilters struct {
	TripID string
	State  domain.ActivityState
}

// UpsertActivity stores the full activity document. Derived calc values are
// dropped; they are recomputed by every reflow.
func (r Repo) UpsertActivity(ctx context.Context, tx *sql.Tx, a domain.Activity, now time.Time) error {
	if strings.TrimSpace(a.ID) == "" {
		return errors.New("activity_id required")
	}
	a.Calc = domain.Calc{}
	if a.LockLevel == "" {
		a.LockLevel = domain.LockNone
	}
	doc, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal activity %s: %w", a.ID, err)
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO activities(activity_id,trip_id,state,lock_level,doc_json,updated_at) VALUES (?,?,?,?,?,?)
ON CONFLICT(activity_id) DO UPDATE SET trip_id=excluded.trip_id, state=excluded.state, lock_level=excluded.lock_level, doc_json=excluded.doc_json, updated_at=excluded.updated_at`,
		a.ID, a.TripID, string(a.State), string(a.LockLevel), string(doc), ts(now))
	return err
}

func (r Repo) GetActivity(ctx context.Context, id string) (domain.Activity, error) {
	return r.GetActivityTx(ctx, nil, id)
}

func (r Repo) GetActivityTx(ctx context.Context, tx *sql.Tx, id string) (domain.Activity, error) {
	var doc string
	err := r.q(tx).QueryRowContext(ctx, `SELECT doc_json FROM activities WHERE activity_id=?`, id).Scan(&doc)
	if err == sql.ErrNoRows {
		return domain.Activity{}, fmt.Errorf("activity %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return domain.Activity{}, err
	}
	var a domain.Activity
	if err := json.Unmarshal([]byte(doc), &a); err != nil {
		return domain.Activity{}, fmt.Errorf("decode activity %s: %w", id, err)
	}
	return a, nil
}

// ListActivities returns activities in insertion order so reflow input order is stable.
func (r Repo) ListActivities(ctx context.Context, f ActivityFilters) ([]domain.Activity, error) {
	return r.ListActivitiesTx(ctx, nil, f)
}

func (r Repo) ListActivitiesTx(ctx context.Context, tx *sql.Tx, f ActivityFilters) ([]domain.Activity, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.TripID != "" {
		clauses = append(clauses, "trip_id=?")
		args = append(args, f.TripID)
	}
	if f.State != "" {
		clauses = append(clauses, "state=?")
		args = append(args, string(f.State))
	}
	query := `SELECT doc_json FROM activities WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY rowid ASC`
	rows, err := r.q(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Activity
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var a domain.Activity
		if err := json.Unmarshal([]byte(doc), &a); err != nil {
			return nil, fmt.Errorf("decode activity: %w", err)
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// ListTripIDs returns the distinct non-empty trip ids.
func (r Repo) ListTripIDs(ctx context.Context) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT DISTINCT trip_id FROM activities WHERE trip_id<>'' ORDER BY trip_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CountActivitiesByState is used by the status summary.
func (r Repo) CountActivitiesByState(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT state, COUNT(*) FROM activities GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		res[state] = n
	}
	return res, rows.Err()
}

func (r Repo) UpsertResource(ctx context.Context, tx *sql.Tx, res domain.Resource) error {
	if strings.TrimSpace(res.ID) == "" {
		return errors.New("resource_id required")
	}
	doc, err := json.Marshal(res)
	if err != nil {
		return err
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO resources(resource_id,kind,name,doc_json) VALUES (?,?,?,?)
ON CONFLICT(resource_id) DO UPDATE SET kind=excluded.kind, name=excluded.name, doc_json=excluded.doc_json`,
		res.ID, res.Kind, res.Name, string(doc))
	return err
}

// ResourceMap returns every resource keyed by id, the shape the forward pass consumes.
func (r Repo) ResourceMap(ctx context.Context, tx *sql.Tx) (map[string]domain.Resource, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT doc_json FROM resources ORDER BY resource_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]domain.Resource{}
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var item domain.Resource
		if err := json.Unmarshal([]byte(doc), &item); err != nil {
			return nil, fmt.Errorf("decode resource: %w", err)
		}
		res[item.ID] = item
	}
	return res, rows.Err()
}
