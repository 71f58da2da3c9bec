package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reflowline/internal/config"
	"reflowline/internal/db"
	"reflowline/internal/domain"
	"reflowline/internal/engine"
	"reflowline/internal/migrate"
	"reflowline/internal/planfile"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, migrate.Migrate(ctx, conn, nil))

	cfg := config.Default("reflowline")
	cfg.RBAC.Actors = map[string][]string{
		"lead":    {"owner"},
		"planner": {"planner"},
		"ops":     {"operator"},
	}
	e := engine.New(conn, cfg)
	e.Now = func() time.Time { return time.Date(2026, 3, 2, 6, 0, 0, 0, time.UTC) }
	require.NoError(t, e.Init(ctx, "lead"))
	_, err = e.ImportPlan(ctx, planfile.Document{Activities: []domain.Activity{
		{ID: "A", TripID: "T1", State: domain.StatePlanned, Plan: domain.Plan{DurationMin: 60}},
		{ID: "B", TripID: "T1", State: domain.StatePlanned, Plan: domain.Plan{
			DurationMin:  30,
			Dependencies: []domain.Dependency{{PredActivityID: "A", Type: domain.DepFinishStart}},
		}},
		{ID: "LIFT", TripID: "T2", State: domain.StateReady, EvidenceRequired: []domain.EvidenceRequired{
			{EvidenceType: "ptw", Stage: domain.StageBeforeStart, MinCount: 1, Required: true},
		}},
	}}, "lead")
	require.NoError(t, err)

	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: AuthConfig{
		JWTSecret:              testSecret,
		AllowLegacyActorHeader: true,
		DevLogin:               true,
	}})
	require.NoError(t, err)
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	t.Cleanup(func() {
		srv.Shutdown(context.Background())
		ln.Close()
		conn.Close()
	})
	return &testServer{URL: "http://" + ln.Addr().String() + "/v0", Engine: e, client: &http.Client{}}
}

func as(actor string) map[string]string {
	return map[string]string{"X-Actor-Id": actor}
}

func (s *testServer) do(t *testing.T, method, path string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	return doJSON(t, s.client, method, s.URL+path, body, headers)
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	reader := bytes.NewReader(nil)
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

type envelope struct {
	Error apiErrorBody `json:"error"`
}

func errorCode(t *testing.T, data []byte) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(data, &env), string(data))
	return env
}

func TestHealthIsOpenAndOtherRoutesNeedAuth(t *testing.T) {
	srv := newTestServer(t)
	res, _ := srv.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)

	res, data := srv.do(t, http.MethodGet, "/activities", nil, nil)
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "unauthorized", errorCode(t, data).Error.Code)

	res, data = srv.do(t, http.MethodGet, "/activities", nil, map[string]string{"Authorization": "Bearer nope"})
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "invalid_credentials", errorCode(t, data).Error.Code)
}

func TestPreviewApplyOverHTTP(t *testing.T) {
	srv := newTestServer(t)

	res, data := srv.do(t, http.MethodPost, "/reflow/preview", map[string]any{"focus_trip_id": "T1", "reason": "crane delay"}, as("planner"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var preview PreviewResponse
	require.NoError(t, json.Unmarshal(data, &preview))
	require.Len(t, preview.Run.ProposedChanges, 4)
	assert.Equal(t, []string{"A", "B"}, preview.CriticalPath)

	res, data = srv.do(t, http.MethodPost, "/reflow/apply", map[string]any{"run_id": preview.Run.ID}, as("planner"))
	require.Equal(t, http.StatusForbidden, res.StatusCode, string(data))
	env := errorCode(t, data)
	assert.Equal(t, "forbidden", env.Error.Code)
	assert.Equal(t, "reflow.apply", env.Error.Details["permission"])

	res, data = srv.do(t, http.MethodPost, "/reflow/apply", map[string]any{"run_id": preview.Run.ID, "mode": "approval"}, as("lead"))
	require.Equal(t, http.StatusConflict, res.StatusCode, string(data))
	assert.Equal(t, "read_only_mode", errorCode(t, data).Error.Code)

	res, data = srv.do(t, http.MethodPost, "/reflow/apply", map[string]any{"run_id": preview.Run.ID, "comment": "ok"}, as("lead"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var applied domain.ReflowRun
	require.NoError(t, json.Unmarshal(data, &applied))
	assert.Equal(t, domain.RunApply, applied.Mode)
	require.NotNil(t, applied.Approval)
	assert.Equal(t, "lead", applied.Approval.ApprovedBy)

	res, data = srv.do(t, http.MethodPost, "/reflow/apply", map[string]any{"run_id": preview.Run.ID}, as("lead"))
	require.Equal(t, http.StatusConflict, res.StatusCode, string(data))
	assert.Equal(t, "run_already_applied", errorCode(t, data).Error.Code)

	res, data = srv.do(t, http.MethodPost, "/reflow/apply", map[string]any{"run_id": "RUN_gone"}, as("lead"))
	require.Equal(t, http.StatusGone, res.StatusCode, string(data))
	assert.Equal(t, "preview_expired", errorCode(t, data).Error.Code)

	res, data = srv.do(t, http.MethodGet, "/reflow/runs", nil, as("ops"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var runs listRuns
	require.NoError(t, json.Unmarshal(data, &runs))
	require.Len(t, runs.Items, 1)
}

func TestBearerSubjectIsTheApprover(t *testing.T) {
	srv := newTestServer(t)
	res, data := srv.do(t, http.MethodPost, "/auth/dev/login", map[string]any{"actor_id": "lead"}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var login DevLoginResponse
	require.NoError(t, json.Unmarshal(data, &login))
	bearer := map[string]string{"Authorization": "Bearer " + login.Token}

	res, data = srv.do(t, http.MethodGet, "/me", nil, bearer)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var me WhoAmIResponse
	require.NoError(t, json.Unmarshal(data, &me))
	assert.Equal(t, "lead", me.ActorID)
	assert.Equal(t, "jwt", me.Source)
	assert.Contains(t, me.Permissions, "reflow.apply")

	res, data = srv.do(t, http.MethodPost, "/reflow/preview", map[string]any{}, bearer)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var preview PreviewResponse
	require.NoError(t, json.Unmarshal(data, &preview))

	res, data = srv.do(t, http.MethodPost, "/reflow/apply", map[string]any{"run_id": preview.Run.ID}, bearer)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var applied domain.ReflowRun
	require.NoError(t, json.Unmarshal(data, &applied))
	assert.Equal(t, "lead", applied.Approval.ApprovedBy)
}

func TestFrozenFieldIsConflict(t *testing.T) {
	srv := newTestServer(t)
	res, data := srv.do(t, http.MethodPost, "/baselines", map[string]any{
		"name":          "Voyage 3",
		"frozen_fields": []string{"activities.*.plan.start"},
		"activate":      true,
	}, as("planner"))
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var bl domain.Baseline
	require.NoError(t, json.Unmarshal(data, &bl))
	assert.Equal(t, "active", bl.Status)

	res, data = srv.do(t, http.MethodPatch, "/activities/A/plan", map[string]any{"field": "plan.start", "value": "2026-03-09T06:00:00Z"}, as("planner"))
	require.Equal(t, http.StatusConflict, res.StatusCode, string(data))
	env := errorCode(t, data)
	assert.Equal(t, "frozen_field", env.Error.Code)
	assert.Equal(t, "activities.A.plan.start", env.Error.Details["path"])

	res, data = srv.do(t, http.MethodGet, "/baselines/active/verify", nil, as("ops"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var verify engine.VerifyResult
	require.NoError(t, json.Unmarshal(data, &verify))
	assert.True(t, verify.Valid)
	assert.Equal(t, bl.ID, verify.BaselineID)

	res, data = srv.do(t, http.MethodGet, "/baselines/"+bl.ID+"/drift", nil, as("ops"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var drift struct {
		DriftCount int                `json:"drift_count"`
		Drifts     []domain.DriftItem `json:"drifts"`
	}
	require.NoError(t, json.Unmarshal(data, &drift))
	assert.Zero(t, drift.DriftCount)
	assert.Empty(t, drift.Drifts)
}

func TestTransitionAndEvidenceOverHTTP(t *testing.T) {
	srv := newTestServer(t)

	res, data := srv.do(t, http.MethodPost, "/activities/LIFT/transition", map[string]any{"to": "in_progress"}, as("ops"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var tr TransitionResponse
	require.NoError(t, json.Unmarshal(data, &tr))
	assert.False(t, tr.Success)
	assert.Equal(t, "EVIDENCE_MISSING_PTW", tr.BlockerCode)
	assert.Equal(t, []string{"ptw"}, tr.MissingEvidence)

	res, data = srv.do(t, http.MethodPost, "/activities/LIFT/evidence", map[string]any{"evidence_type": "ptw", "uri": "s3://permits/1.pdf"}, as("ops"))
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))

	res, data = srv.do(t, http.MethodPost, "/activities/LIFT/transition", map[string]any{"to": "in_progress"}, as("ops"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	require.NoError(t, json.Unmarshal(data, &tr))
	assert.True(t, tr.Success)
	assert.Equal(t, domain.StateInProgress, tr.Activity.State)

	res, data = srv.do(t, http.MethodGet, "/activities/LIFT/history", nil, as("ops"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var hist listHistory
	require.NoError(t, json.Unmarshal(data, &hist))
	assert.Len(t, hist.Items, 2)

	res, data = srv.do(t, http.MethodPost, "/activities/A/transition", map[string]any{"to": "ready", "mode": "history"}, as("ops"))
	require.Equal(t, http.StatusConflict, res.StatusCode, string(data))
	assert.Equal(t, "read_only_mode", errorCode(t, data).Error.Code)

	res, data = srv.do(t, http.MethodGet, "/activities/NOPE", nil, as("ops"))
	require.Equal(t, http.StatusNotFound, res.StatusCode, string(data))
	assert.Equal(t, "not_found", errorCode(t, data).Error.Code)

	res, data = srv.do(t, http.MethodGet, "/events?type=activity.transitioned&limit=1", nil, as("ops"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var evs paginatedEvents
	require.NoError(t, json.Unmarshal(data, &evs))
	require.Len(t, evs.Items, 1)
	assert.Equal(t, true, evs.Items[0].Payload["success"])
	assert.NotEmpty(t, evs.NextCursor)
}

func TestAPIKeyAuthentication(t *testing.T) {
	srv := newTestServer(t)
	res, data := srv.do(t, http.MethodPost, "/api-keys", map[string]any{"actor_id": "ops", "name": "tablet"}, as("ops"))
	require.Equal(t, http.StatusForbidden, res.StatusCode, string(data))

	res, data = srv.do(t, http.MethodPost, "/api-keys", map[string]any{"actor_id": "ops", "name": "tablet"}, as("lead"))
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var key APIKeyResponse
	require.NoError(t, json.Unmarshal(data, &key))
	require.NotEmpty(t, key.Key)

	res, data = srv.do(t, http.MethodGet, "/me", nil, map[string]string{"X-Api-Key": key.Key})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var me WhoAmIResponse
	require.NoError(t, json.Unmarshal(data, &me))
	assert.Equal(t, "ops", me.ActorID)
	assert.Equal(t, []string{"operator"}, me.Roles)

	res, _ = srv.do(t, http.MethodDelete, "/api-keys/"+key.ID, nil, as("lead"))
	require.Equal(t, http.StatusNoContent, res.StatusCode)
	res, _ = srv.do(t, http.MethodGet, "/me", nil, map[string]string{"X-Api-Key": key.Key})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestOpenAPIDocumentIsServed(t *testing.T) {
	srv := newTestServer(t)
	res, data := srv.do(t, http.MethodGet, "/openapi.json", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	paths, ok := doc["paths"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, paths, "/v0/reflow/apply")
}

func TestWebhookDeliveryRetriesServerErrors(t *testing.T) {
	srv := newTestServer(t)
	var calls atomic.Int32
	var mu sync.Mutex
	var got []webhookEvent
	var signature string
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		var evt webhookEvent
		_ = json.NewDecoder(r.Body).Decode(&evt)
		mu.Lock()
		got = append(got, evt)
		signature = r.Header.Get("X-Reflowline-Signature")
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	cfg := config.Default("reflowline")
	cfg.Webhooks = []config.WebhookConfig{{URL: hook.URL, Events: []string{"plan.imported"}, Secret: "s3cret", MaxRetries: 2}}
	d := &webhookDispatcher{
		engine:  srv.Engine,
		config:  func() *config.Config { return cfg },
		client:  &http.Client{Timeout: time.Second},
		logger:  srv.Engine.Logger,
		cursors: map[string]int64{hook.URL: 0},
	}
	if d.logger == nil {
		d.logger = AuthConfig{}.logger()
	}
	d.dispatchAll(context.Background())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, "plan.imported", got[0].Type)
	assert.Equal(t, "reflowline", got[0].ProjectID)
	assert.Contains(t, signature, "sha256=")
	assert.Equal(t, int32(2), calls.Load())
}
