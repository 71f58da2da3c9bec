package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types appended by the engine.
const (
	TypePlanImported         = "plan.imported"
	TypeActivityTransitioned = "activity.transitioned"
	TypeActivityPlanEdited   = "activity.plan_edited"
	TypeEvidenceAttached     = "evidence.attached"
	TypeReflowPreviewed      = "reflow.previewed"
	TypeReflowApplied        = "reflow.applied"
	TypeBaselineCreated      = "baseline.created"
	TypeBaselineActivated    = "baseline.activated"
	TypeAPIKeyCreated        = "apikey.created"
	TypeAPIKeyDeleted        = "apikey.deleted"
)

// Writer appends to the events table. Rows are never updated or deleted.
type Writer struct {
	Now func() time.Time
}

type Payload map[string]any

// Append writes one event inside tx.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, projectID, entityKind, entityID, actorID string, payload Payload) (int64, error) {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	if payload == nil {
		payload = Payload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal event payload: %w", err)
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO events(ts,type,project_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		now().UTC().Format(time.RFC3339), evtType, nullable(projectID), entityKind, nullable(entityID), actorID, string(data))
	if err != nil {
		return 0, fmt.Errorf("append %s event: %w", evtType, err)
	}
	return res.LastInsertId()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
