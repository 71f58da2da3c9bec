package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"reflowline/internal/domain"
)

func (r Repo) InsertHistoryEvent(ctx context.Context, tx *sql.Tx, ev domain.HistoryEvent) error {
	if ev.ID == "" {
		return errors.New("event_id required")
	}
	doc, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	success := 0
	if ev.Details.Success {
		success = 1
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO history_events(event_id,ts,actor,event_type,entity_type,entity_id,success,doc_json) VALUES (?,?,?,?,?,?,?,?)`,
		ev.ID, ts(ev.TS), ev.Actor, ev.EventType, ev.EntityRef.EntityType, ev.EntityRef.EntityID, success, string(doc))
	return err
}

// ListHistory returns history for one entity, newest first.
func (r Repo) ListHistory(ctx context.Context, entityType, entityID string, limit int) ([]domain.HistoryEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT doc_json FROM history_events WHERE entity_type=? AND entity_id=? ORDER BY ts DESC, rowid DESC LIMIT ?`,
		entityType, entityID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.HistoryEvent
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var ev domain.HistoryEvent
		if err := json.Unmarshal([]byte(doc), &ev); err != nil {
			return nil, err
		}
		res = append(res, ev)
	}
	return res, rows.Err()
}
