package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"reflowline/internal/domain"
)

// InsertEvidence stores an evidence item, optionally linked to an activity.
// Re-importing an item with the same id replaces it.
func (r Repo) InsertEvidence(ctx context.Context, tx *sql.Tx, item domain.EvidenceItem, activityID string) error {
	if strings.TrimSpace(item.ID) == "" {
		return errors.New("evidence_id required")
	}
	if strings.TrimSpace(item.EvidenceType) == "" {
		return errors.New("evidence_type required")
	}
	doc, err := json.Marshal(item)
	if err != nil {
		return err
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO evidence_items(evidence_id,evidence_type,activity_id,captured_at,doc_json) VALUES (?,?,?,?,?)
ON CONFLICT(evidence_id) DO UPDATE SET evidence_type=excluded.evidence_type, activity_id=COALESCE(excluded.activity_id, evidence_items.activity_id), captured_at=excluded.captured_at, doc_json=excluded.doc_json`,
		item.ID, item.EvidenceType, nullable(activityID), ts(item.CapturedAt), string(doc))
	return err
}

func (r Repo) GetEvidence(ctx context.Context, id string) (domain.EvidenceItem, error) {
	var doc string
	err := r.DB.QueryRowContext(ctx, `SELECT doc_json FROM evidence_items WHERE evidence_id=?`, id).Scan(&doc)
	if err == sql.ErrNoRows {
		return domain.EvidenceItem{}, fmt.Errorf("evidence %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return domain.EvidenceItem{}, err
	}
	var item domain.EvidenceItem
	return item, json.Unmarshal([]byte(doc), &item)
}

// EvidenceByIDs resolves the given ids; unknown ids are absent from the result.
func (r Repo) EvidenceByIDs(ctx context.Context, tx *sql.Tx, ids []string) (map[string]domain.EvidenceItem, error) {
	res := make(map[string]domain.EvidenceItem, len(ids))
	if len(ids) == 0 {
		return res, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := r.q(tx).QueryContext(ctx, `SELECT doc_json FROM evidence_items WHERE evidence_id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var item domain.EvidenceItem
		if err := json.Unmarshal([]byte(doc), &item); err != nil {
			return nil, fmt.Errorf("decode evidence: %w", err)
		}
		res[item.ID] = item
	}
	return res, rows.Err()
}
