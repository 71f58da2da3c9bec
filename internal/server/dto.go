package server

import (
	"encoding/json"
	"time"

	"reflowline/internal/domain"
)

// Request payloads

type TransitionRequest struct {
	To          string `json:"to" enum:"draft,planned,ready,in_progress,paused,blocked,completed,canceled,aborted"`
	BlockerCode string `json:"blocker_code,omitempty"`
	AbortReason string `json:"abort_reason,omitempty"`
	Mode        string `json:"mode,omitempty" enum:"live,history,approval,compare"`
}

type AttachEvidenceRequest struct {
	EvidenceID   string     `json:"evidence_id,omitempty"`
	EvidenceType string     `json:"evidence_type"`
	Title        string     `json:"title,omitempty"`
	URI          string     `json:"uri,omitempty"`
	CapturedAt   *time.Time `json:"captured_at,omitempty" format:"date-time"`
	Mode         string     `json:"mode,omitempty" enum:"live,history,approval,compare"`
}

type SetPlanFieldRequest struct {
	Field string `json:"field" enum:"plan.start,plan.end,plan.duration_min,plan.duration_mode,plan.notes"`
	Value string `json:"value"`
	Mode  string `json:"mode,omitempty" enum:"live,history,approval,compare"`
}

type PreviewRequest struct {
	Reason      string     `json:"reason,omitempty"`
	CursorTS    *time.Time `json:"cursor_ts,omitempty" format:"date-time"`
	FocusTripID string     `json:"focus_trip_id,omitempty"`
}

type PreviewTripsRequest struct {
	TripIDs []string `json:"trip_ids,omitempty"`
	Reason  string   `json:"reason,omitempty"`
}

type ApplyRequest struct {
	RunID   string `json:"run_id"`
	Comment string `json:"comment,omitempty"`
	Mode    string `json:"mode,omitempty" enum:"live,history,approval,compare"`
}

type CreateBaselineRequest struct {
	Name               string   `json:"name"`
	FrozenFields       []string `json:"frozen_fields,omitempty"`
	LockLevelOnApply   string   `json:"lock_level_on_apply,omitempty" enum:"none,soft,hard,baseline"`
	AllowActualUpdates bool     `json:"allow_actual_updates,omitempty"`
	AllowEvidenceAdd   bool     `json:"allow_evidence_add,omitempty"`
	Activate           bool     `json:"activate,omitempty"`
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
}

type DevLoginRequest struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

// Response payloads

type TransitionResponse struct {
	Success         bool                `json:"success"`
	BlockerCode     string              `json:"blocker_code,omitempty"`
	MissingEvidence []string            `json:"missing_evidence"`
	Activity        domain.Activity     `json:"activity"`
	History         domain.HistoryEvent `json:"history"`
}

type EvidenceResponse struct {
	Activity domain.Activity     `json:"activity"`
	Evidence domain.EvidenceItem `json:"evidence"`
}

type ScheduleResponse struct {
	Activities   []domain.Activity  `json:"activities"`
	Order        []string           `json:"order"`
	CriticalPath []string           `json:"critical_path"`
	Collisions   []domain.Collision `json:"collisions"`
	Warnings     []string           `json:"warnings"`
}

type PreviewResponse struct {
	Run          domain.ReflowRun `json:"run"`
	CriticalPath []string         `json:"critical_path"`
	Warnings     []string         `json:"warnings"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
	Key       string `json:"key,omitempty"`
}

type WhoAmIResponse struct {
	ActorID     string   `json:"actor_id"`
	Source      string   `json:"source"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type listActivities struct {
	Items []domain.Activity `json:"items"`
}

type listRuns struct {
	Items []domain.ReflowRun `json:"items"`
}

type listHistory struct {
	Items []domain.HistoryEvent `json:"items"`
}

type listBaselines struct {
	Items []domain.Baseline `json:"items"`
}

type listAPIKeys struct {
	Items []APIKeyResponse `json:"items"`
}

// Conversion helpers

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		ProjectID:  e.ProjectID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func apiKeyResponse(k domain.APIKey, raw string) APIKeyResponse {
	return APIKeyResponse{ID: k.ID, ActorID: k.ActorID, Name: k.Name, CreatedAt: k.CreatedAt, Key: raw}
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil || out == nil {
		return map[string]any{}
	}
	return out
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func missingTypes(items []domain.EvidenceRequired) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, it.EvidenceType)
	}
	return out
}
