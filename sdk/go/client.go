package reflowlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Reflowline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client for baseURL (scheme://host[:port]/v0).
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Change is one proposed or applied plan field write.
type Change struct {
	ActivityID string     `json:"activity_id"`
	Path       string     `json:"path"`
	From       *time.Time `json:"from"`
	To         *time.Time `json:"to"`
	ReasonCode string     `json:"reason_code"`
}

// Collision is a detected scheduling conflict (partial).
type Collision struct {
	ID          string   `json:"collision_id"`
	Kind        string   `json:"kind"`
	Severity    string   `json:"severity"`
	TripID      string   `json:"trip_id,omitempty"`
	ActivityIDs []string `json:"activity_ids"`
	ResourceIDs []string `json:"resource_ids"`
	Message     string   `json:"message"`
}

type CollisionSummary struct {
	Blocking int `json:"blocking"`
	Warning  int `json:"warning"`
	Info     int `json:"info"`
}

type Approval struct {
	ApprovedBy string    `json:"approved_by"`
	ApprovedAt time.Time `json:"approved_at"`
	Comment    string    `json:"comment,omitempty"`
}

// Run is a reflow run, preview or applied.
type Run struct {
	ID               string           `json:"run_id"`
	Mode             string           `json:"mode"`
	RequestedAt      time.Time        `json:"requested_at"`
	RequestedBy      string           `json:"requested_by"`
	BaselineID       string           `json:"baseline_id,omitempty"`
	ProposedChanges  []Change         `json:"proposed_changes"`
	AppliedChanges   []Change         `json:"applied_changes"`
	CollisionSummary CollisionSummary `json:"collision_summary"`
	Collisions       []Collision      `json:"collisions"`
	Approval         *Approval        `json:"approval,omitempty"`
}

// Preview is the result of POST /reflow/preview.
type Preview struct {
	Run          Run      `json:"run"`
	CriticalPath []string `json:"critical_path"`
	Warnings     []string `json:"warnings"`
}

type PreviewRequest struct {
	Reason      string     `json:"reason,omitempty"`
	CursorTS    *time.Time `json:"cursor_ts,omitempty"`
	FocusTripID string     `json:"focus_trip_id,omitempty"`
}

// Activity represents the API activity model (partial).
type Activity struct {
	ID          string   `json:"activity_id"`
	TripID      string   `json:"trip_id,omitempty"`
	Title       string   `json:"title,omitempty"`
	State       string   `json:"state"`
	LockLevel   string   `json:"lock_level"`
	BlockerCode *string  `json:"blocker_code,omitempty"`
	EvidenceIDs []string `json:"evidence_ids,omitempty"`
	Plan        struct {
		StartTS     *time.Time `json:"start_ts,omitempty"`
		EndTS       *time.Time `json:"end_ts,omitempty"`
		DurationMin int        `json:"duration_min"`
	} `json:"plan"`
}

type TransitionRequest struct {
	To          string `json:"to"`
	BlockerCode string `json:"blocker_code,omitempty"`
	AbortReason string `json:"abort_reason,omitempty"`
	Mode        string `json:"mode,omitempty"`
}

// TransitionResult reports a transition attempt. A refused transition is not
// an error: Success is false and BlockerCode says why.
type TransitionResult struct {
	Success         bool     `json:"success"`
	BlockerCode     string   `json:"blocker_code,omitempty"`
	MissingEvidence []string `json:"missing_evidence,omitempty"`
	Activity        Activity `json:"activity"`
}

type DriftItem struct {
	ActivityID    string `json:"activity_id"`
	Field         string `json:"field"`
	BaselineValue string `json:"baseline_value"`
	CurrentValue  string `json:"current_value"`
}

type Drift struct {
	DriftCount int         `json:"drift_count"`
	Drifts     []DriftItem `json:"drifts"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError is a non-2xx response. Code, Message and Details come from the
// {error:{code,message,details}} envelope when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Preview proposes a reflow.
func (c *Client) Preview(ctx context.Context, req PreviewRequest) (Preview, error) {
	var resp Preview
	err := c.do(ctx, http.MethodPost, "reflow/preview", req, &resp)
	return resp, err
}

// Apply writes a previewed run. The approver is the authenticated actor.
func (c *Client) Apply(ctx context.Context, runID, comment string) (Run, error) {
	body := map[string]any{"run_id": runID}
	if comment != "" {
		body["comment"] = comment
	}
	var resp Run
	err := c.do(ctx, http.MethodPost, "reflow/apply", body, &resp)
	return resp, err
}

// ListRuns returns applied runs, newest first.
func (c *Client) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	endpoint := "reflow/runs"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp struct {
		Items []Run `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// Activities lists activities, optionally for one trip.
func (c *Client) Activities(ctx context.Context, tripID string) ([]Activity, error) {
	endpoint := "activities"
	if tripID != "" {
		endpoint += "?trip_id=" + url.QueryEscape(tripID)
	}
	var resp struct {
		Items []Activity `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// Transition asks for a lifecycle transition.
func (c *Client) Transition(ctx context.Context, activityID string, req TransitionRequest) (TransitionResult, error) {
	var resp TransitionResult
	endpoint := fmt.Sprintf("activities/%s/transition", url.PathEscape(activityID))
	err := c.do(ctx, http.MethodPost, endpoint, req, &resp)
	return resp, err
}

// AttachEvidence records an evidence item on an activity.
func (c *Client) AttachEvidence(ctx context.Context, activityID, evidenceType, uri string) (Activity, error) {
	var resp struct {
		Activity Activity `json:"activity"`
	}
	endpoint := fmt.Sprintf("activities/%s/evidence", url.PathEscape(activityID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"evidence_type": evidenceType, "uri": uri}, &resp)
	return resp.Activity, err
}

// Drift compares the plan with a baseline. An empty id means the active one.
func (c *Client) Drift(ctx context.Context, baselineID string) (Drift, error) {
	if baselineID == "" {
		baselineID = "active"
	}
	var resp Drift
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("baselines/%s/drift", url.PathEscape(baselineID)), nil, &resp)
	return resp, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
			apiErr.Details = env.Error.Details
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
