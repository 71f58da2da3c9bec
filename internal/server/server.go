package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/singleflight"

	"reflowline/internal/baseline"
	"reflowline/internal/domain"
	"reflowline/internal/engine"
	"reflowline/internal/engine/auth"
	"reflowline/internal/reflow"
	"reflowline/internal/repo"
)

const Version = "0.3.0"

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Logger   *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"frozen_field"`
	Message string         `json:"message" example:"cannot edit frozen field: activities.A1000.plan.start"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"path\":\"activities.A1000.plan.start\"}"`
}

// apiError models the error envelope every endpoint returns.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type out[T any] struct {
	Body T
}

func reply[T any](v T) *out[T] {
	return &out[T]{Body: v}
}

// New returns an HTTP handler exposing the reflowline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = cfg.Logger
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine))
	hcfg := huma.DefaultConfig("Reflowline API", Version)
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	e := cfg.Engine
	registerDocs(router, basePath)
	registerHealth(group)
	registerStatus(group, e)
	registerMe(group, e)
	registerActivities(group, e)
	registerReflow(group, e, &singleflight.Group{})
	registerBaselines(group, e)
	registerEvents(group, e)
	registerAPIKeys(group, e)
	if cfg.Auth.DevLogin {
		registerDevAuth(group, cfg.Auth)
	}
	registerOpenAPI(router, api, basePath)
	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": fe.Permission})
	}
	var frozen *baseline.FrozenFieldError
	if errors.As(err, &frozen) {
		return newAPIError(http.StatusConflict, "frozen_field", err.Error(), map[string]any{"path": frozen.Path, "pattern": frozen.Pattern})
	}
	var ae *reflow.ApprovalError
	if errors.As(err, &ae) {
		if errors.Is(err, reflow.ErrReadOnlyMode) {
			return newAPIError(http.StatusConflict, "read_only_mode", err.Error(), map[string]any{"mode": string(ae.Mode)})
		}
		return newAPIError(http.StatusForbidden, "approval_required", err.Error(), nil)
	}
	msg := err.Error()
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case errors.Is(err, engine.ErrPreviewExpired):
		return newAPIError(http.StatusGone, "preview_expired", msg, nil)
	case errors.Is(err, engine.ErrStalePreview):
		return newAPIError(http.StatusConflict, "stale_preview", msg, nil)
	case errors.Is(err, reflow.ErrRunAlreadyApplied), errors.Is(err, repo.ErrRunExists):
		return newAPIError(http.StatusConflict, "run_already_applied", msg, nil)
	case errors.Is(err, engine.ErrBaselineTampered):
		return newAPIError(http.StatusUnprocessableEntity, "baseline_tampered", msg, nil)
	case errors.Is(err, engine.ErrInvalidState),
		errors.Is(err, engine.ErrUnknownField),
		errors.Is(err, engine.ErrEvidenceTypeRequired),
		errors.Is(err, reflow.ErrUnknownActivity),
		errors.Is(err, reflow.ErrUnknownPath):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func hasPermission(perms []string, perm string) bool {
	for _, p := range perms {
		if p == perm {
			return true
		}
	}
	return false
}

// requirePermission accepts permissions carried in the token first, then
// falls back to config roles and stored assignments.
func requirePermission(ctx context.Context, e engine.Engine, perm string) (Principal, error) {
	principal, authErr := principalFromRequest(ctx)
	if authErr != nil {
		return Principal{}, authErr
	}
	if hasPermission(principal.Permissions, perm) {
		return principal, nil
	}
	if err := e.Authz().Require(ctx, principal.ActorID, perm); err != nil {
		return Principal{}, err
	}
	return principal, nil
}

func parseMode(s string) (reflow.ViewMode, huma.StatusError) {
	mode, err := reflow.ParseViewMode(s)
	if err != nil {
		return "", newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"mode": s})
	}
	return mode, nil
}

func registerDocs(r chi.Router, basePath string) {
	r.Get(path.Join(basePath, "docs"), func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		doc  []byte
	)
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			doc, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(doc)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	open := map[string]bool{
		path.Join("/", basePath, "health"):         true,
		path.Join("/", basePath, "auth/dev/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if open[route] {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Reflowline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

var stdErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusInternalServerError,
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*out[map[string]string], error) {
		return reply(map[string]string{"status": "ok"}), nil
	})
}

func registerStatus(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Workspace status",
		Errors:      stdErrors,
	}, func(ctx context.Context, _ *struct{}) (*out[engine.Status], error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		st, err := e.Status(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(st), nil
	})
}

func registerMe(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*out[WhoAmIResponse], error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		roles := principal.Roles
		perms := principal.Permissions
		if len(perms) == 0 {
			authz := e.Authz()
			if stored, err := authz.ActorRoles(ctx, principal.ActorID); err == nil && len(roles) == 0 {
				roles = stored
			}
			if p, err := authz.ActorPermissions(ctx, principal.ActorID); err == nil {
				perms = p
			}
		}
		return reply(WhoAmIResponse{
			ActorID:     principal.ActorID,
			Source:      principal.Source,
			Roles:       nonNilSlice(roles),
			Permissions: nonNilSlice(perms),
		}), nil
	})
}

func registerActivities(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-activities",
		Method:      http.MethodGet,
		Path:        "/activities",
		Summary:     "List activities",
		Errors:      stdErrors,
	}, func(ctx context.Context, input *struct {
		TripID string `query:"trip_id"`
		State  string `query:"state"`
	}) (*out[listActivities], error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.ListActivities(ctx, repo.ActivityFilters{TripID: input.TripID, State: domain.ActivityState(input.State)})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(listActivities{Items: nonNilSlice(items)}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-activity",
		Method:      http.MethodGet,
		Path:        "/activities/{id}",
		Summary:     "Get activity",
		Errors:      stdErrors,
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*out[domain.Activity], error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		a, err := e.GetActivity(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(a), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "activity-history",
		Method:      http.MethodGet,
		Path:        "/activities/{id}/history",
		Summary:     "Lifecycle history of an activity",
		Errors:      stdErrors,
	}, func(ctx context.Context, input *struct {
		ID    string `path:"id"`
		Limit int    `query:"limit" default:"50"`
	}) (*out[listHistory], error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.ListHistory(ctx, input.ID, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return reply(listHistory{Items: nonNilSlice(items)}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "transition-activity",
		Method:      http.MethodPost,
		Path:        "/activities/{id}/transition",
		Summary:     "Run a lifecycle transition",
		Description: "Refused transitions return success=false with a blocker code; the attempt is still recorded.",
		Errors:      stdErrors,
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body TransitionRequest `json:"body"`
	}) (*out[TransitionResponse], error) {
		principal, err := requirePermission(ctx, e, auth.PermActivityTransition)
		if err != nil {
			return nil, handleError(err)
		}
		mode, modeErr := parseMode(input.Body.Mode)
		if modeErr != nil {
			return nil, modeErr
		}
		res, err := e.Transition(ctx, engine.TransitionOptions{
			ActivityID:  input.ID,
			To:          domain.ActivityState(input.Body.To),
			ActorID:     principal.ActorID,
			BlockerCode: input.Body.BlockerCode,
			AbortReason: input.Body.AbortReason,
			Mode:        mode,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(TransitionResponse{
			Success:         res.Success,
			BlockerCode:     res.BlockerCode,
			MissingEvidence: missingTypes(res.Missing),
			Activity:        res.Activity,
			History:         res.History,
		}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "attach-evidence",
		Method:        http.MethodPost,
		Path:          "/activities/{id}/evidence",
		Summary:       "Attach evidence to an activity",
		DefaultStatus: http.StatusCreated,
		Errors:        stdErrors,
	}, func(ctx context.Context, input *struct {
		ID   string                `path:"id"`
		Body AttachEvidenceRequest `json:"body"`
	}) (*out[EvidenceResponse], error) {
		principal, err := requirePermission(ctx, e, auth.PermEvidenceAttach)
		if err != nil {
			return nil, handleError(err)
		}
		mode, modeErr := parseMode(input.Body.Mode)
		if modeErr != nil {
			return nil, modeErr
		}
		item := domain.EvidenceItem{
			ID:           input.Body.EvidenceID,
			EvidenceType: input.Body.EvidenceType,
			Title:        input.Body.Title,
			URI:          input.Body.URI,
		}
		if input.Body.CapturedAt != nil {
			item.CapturedAt = input.Body.CapturedAt.UTC()
		}
		a, stored, err := e.AttachEvidence(ctx, engine.AttachEvidenceOptions{ActivityID: input.ID, Item: item, ActorID: principal.ActorID, Mode: mode})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(EvidenceResponse{Activity: a, Evidence: stored}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-plan-field",
		Method:      http.MethodPatch,
		Path:        "/activities/{id}/plan",
		Summary:     "Edit one plan field",
		Description: "Fields frozen by the active baseline or config return 409 frozen_field.",
		Errors:      stdErrors,
	}, func(ctx context.Context, input *struct {
		ID   string              `path:"id"`
		Body SetPlanFieldRequest `json:"body"`
	}) (*out[domain.Activity], error) {
		principal, err := requirePermission(ctx, e, auth.PermPlanEdit)
		if err != nil {
			return nil, handleError(err)
		}
		mode, modeErr := parseMode(input.Body.Mode)
		if modeErr != nil {
			return nil, modeErr
		}
		a, err := e.SetPlanField(ctx, engine.SetPlanFieldOptions{
			ActivityID: input.ID,
			Field:      input.Body.Field,
			Value:      input.Body.Value,
			ActorID:    principal.ActorID,
			Mode:       mode,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(a), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "schedule",
		Method:      http.MethodGet,
		Path:        "/schedule",
		Summary:     "Compute the current schedule without recording a run",
		Errors:      stdErrors,
	}, func(ctx context.Context, input *struct {
		TripID string `query:"trip_id"`
	}) (*out[ScheduleResponse], error) {
		if _, err := requirePermission(ctx, e, auth.PermReflowPreview); err != nil {
			return nil, handleError(err)
		}
		res, err := e.Schedule(ctx, input.TripID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(ScheduleResponse{
			Activities:   nonNilSlice(res.Activities),
			Order:        nonNilSlice(res.Order),
			CriticalPath: nonNilSlice(res.CriticalPath),
			Collisions:   nonNilSlice(res.Run.Collisions),
			Warnings:     nonNilSlice(res.Warnings),
		}), nil
	})
}

func registerReflow(api huma.API, e engine.Engine, previews *singleflight.Group) {
	huma.Register(api, huma.Operation{
		OperationID: "reflow-preview",
		Method:      http.MethodPost,
		Path:        "/reflow/preview",
		Summary:     "Preview a reflow run",
		Description: "Identical concurrent previews by the same actor share one computation.",
		Errors:      stdErrors,
	}, func(ctx context.Context, input *struct {
		Body PreviewRequest `json:"body"`
	}) (*out[PreviewResponse], error) {
		principal, err := requirePermission(ctx, e, auth.PermReflowPreview)
		if err != nil {
			return nil, handleError(err)
		}
		seed := domain.ReflowSeed{Reason: input.Body.Reason, CursorTS: input.Body.CursorTS, FocusTripID: input.Body.FocusTripID}
		cursor := ""
		if seed.CursorTS != nil {
			cursor = seed.CursorTS.UTC().Format(time.RFC3339)
		}
		key := strings.Join([]string{principal.ActorID, seed.Reason, cursor, seed.FocusTripID}, "\x00")
		v, err, _ := previews.Do(key, func() (any, error) {
			return e.Preview(context.WithoutCancel(ctx), seed, principal.ActorID)
		})
		if err != nil {
			return nil, handleError(err)
		}
		res := v.(reflow.Result)
		return reply(PreviewResponse{
			Run:          res.Run,
			CriticalPath: nonNilSlice(res.CriticalPath),
			Warnings:     nonNilSlice(res.Warnings),
		}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reflow-preview-trips",
		Method:      http.MethodPost,
		Path:        "/reflow/preview/trips",
		Summary:     "Preview each trip independently",
		Errors:      stdErrors,
	}, func(ctx context.Context, input *struct {
		Body PreviewTripsRequest `json:"body"`
	}) (*out[listRuns], error) {
		principal, err := requirePermission(ctx, e, auth.PermReflowPreview)
		if err != nil {
			return nil, handleError(err)
		}
		runs, err := e.PreviewTrips(ctx, input.Body.TripIDs, input.Body.Reason, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(listRuns{Items: nonNilSlice(runs)}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reflow-get-preview",
		Method:      http.MethodGet,
		Path:        "/reflow/previews/{run_id}",
		Summary:     "Fetch a cached preview",
		Errors:      append(stdErrors, http.StatusGone),
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id"`
	}) (*out[domain.ReflowRun], error) {
		if _, err := requirePermission(ctx, e, auth.PermReflowPreview); err != nil {
			return nil, handleError(err)
		}
		run, err := e.GetPreview(ctx, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(run), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reflow-apply",
		Method:      http.MethodPost,
		Path:        "/reflow/apply",
		Summary:     "Apply a previewed run",
		Description: "The authenticated actor is recorded as the approver.",
		Errors:      append(stdErrors, http.StatusGone),
	}, func(ctx context.Context, input *struct {
		Body ApplyRequest `json:"body"`
	}) (*out[domain.ReflowRun], error) {
		principal, err := requirePermission(ctx, e, auth.PermReflowApply)
		if err != nil {
			return nil, handleError(err)
		}
		if strings.TrimSpace(input.Body.RunID) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "run_id required", nil)
		}
		var mode reflow.ViewMode
		if input.Body.Mode != "" {
			m, modeErr := parseMode(input.Body.Mode)
			if modeErr != nil {
				return nil, modeErr
			}
			mode = m
		}
		run, err := e.Apply(ctx, engine.ApplyOptions{
			RunID:    input.Body.RunID,
			Approval: domain.Approval{ApprovedBy: principal.ActorID, Comment: input.Body.Comment},
			Mode:     mode,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(run), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reflow-runs",
		Method:      http.MethodGet,
		Path:        "/reflow/runs",
		Summary:     "List applied runs",
		Errors:      stdErrors,
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"50"`
	}) (*out[listRuns], error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		runs, err := e.ListRuns(ctx, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return reply(listRuns{Items: nonNilSlice(runs)}), nil
	})
}

func registerBaselines(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-baseline",
		Method:        http.MethodPost,
		Path:          "/baselines",
		Summary:       "Capture a baseline",
		DefaultStatus: http.StatusCreated,
		Errors:        stdErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateBaselineRequest `json:"body"`
	}) (*out[domain.Baseline], error) {
		principal, err := requirePermission(ctx, e, auth.PermBaselineManage)
		if err != nil {
			return nil, handleError(err)
		}
		b, err := e.CreateBaseline(ctx, engine.CreateBaselineOptions{
			Name:               input.Body.Name,
			FrozenFields:       input.Body.FrozenFields,
			LockLevelOnApply:   domain.LockLevel(input.Body.LockLevelOnApply),
			AllowActualUpdates: input.Body.AllowActualUpdates,
			AllowEvidenceAdd:   input.Body.AllowEvidenceAdd,
			ActorID:            principal.ActorID,
			Activate:           input.Body.Activate,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(b), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-baselines",
		Method:      http.MethodGet,
		Path:        "/baselines",
		Summary:     "List baselines",
		Errors:      stdErrors,
	}, func(ctx context.Context, _ *struct{}) (*out[listBaselines], error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.ListBaselines(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(listBaselines{Items: nonNilSlice(items)}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "activate-baseline",
		Method:      http.MethodPost,
		Path:        "/baselines/{id}/activate",
		Summary:     "Activate a baseline",
		Errors:      append(stdErrors, http.StatusUnprocessableEntity),
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*out[domain.Baseline], error) {
		principal, err := requirePermission(ctx, e, auth.PermBaselineManage)
		if err != nil {
			return nil, handleError(err)
		}
		b, err := e.ActivateBaseline(ctx, input.ID, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(b), nil
	})

	// "active" addresses the baseline currently in force.
	baselineID := func(id string) string {
		if id == "active" {
			return ""
		}
		return id
	}

	huma.Register(api, huma.Operation{
		OperationID: "verify-baseline",
		Method:      http.MethodGet,
		Path:        "/baselines/{id}/verify",
		Summary:     "Verify a baseline snapshot hash",
		Errors:      stdErrors,
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*out[engine.VerifyResult], error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		res, err := e.VerifyBaseline(ctx, baselineID(input.ID))
		if err != nil {
			return nil, handleError(err)
		}
		return reply(res), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "baseline-drift",
		Method:      http.MethodGet,
		Path:        "/baselines/{id}/drift",
		Summary:     "Day-level drift of the plan against a baseline",
		Errors:      stdErrors,
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*out[baseline.DriftResult], error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		res, err := e.Drift(ctx, baselineID(input.ID))
		if err != nil {
			return nil, handleError(err)
		}
		return reply(res), nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      stdErrors,
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"plan,activity,reflow_run,baseline,api_key"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*out[paginatedEvents], error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.ListEvents(ctx, repo.EventFilters{
			Limit:      limit + 1,
			Cursor:     cursorID,
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return reply(resp), nil
	})
}

func registerAPIKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/api-keys",
		Summary:       "Issue an API key",
		Description:   "The raw key is only returned in this response.",
		DefaultStatus: http.StatusCreated,
		Errors:        stdErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*out[APIKeyResponse], error) {
		principal, err := requirePermission(ctx, e, auth.PermAPIKeyManage)
		if err != nil {
			return nil, handleError(err)
		}
		key, raw, err := e.CreateAPIKey(ctx, input.Body.ActorID, input.Body.Name, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(apiKeyResponse(key, raw)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/api-keys",
		Summary:     "List API keys",
		Errors:      stdErrors,
	}, func(ctx context.Context, input *struct {
		ActorID string `query:"actor_id"`
	}) (*out[listAPIKeys], error) {
		if _, err := requirePermission(ctx, e, auth.PermAPIKeyManage); err != nil {
			return nil, handleError(err)
		}
		keys, err := e.ListAPIKeys(ctx, input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := listAPIKeys{Items: []APIKeyResponse{}}
		for _, k := range keys {
			resp.Items = append(resp.Items, apiKeyResponse(k, ""))
		}
		return reply(resp), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-api-key",
		Method:        http.MethodDelete,
		Path:          "/api-keys/{id}",
		Summary:       "Revoke an API key",
		DefaultStatus: http.StatusNoContent,
		Errors:        stdErrors,
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		principal, err := requirePermission(ctx, e, auth.PermAPIKeyManage)
		if err != nil {
			return nil, handleError(err)
		}
		if err := e.DeleteAPIKey(ctx, input.ID, principal.ActorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*out[DevLoginResponse], error) {
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		token, err := SignToken(authCfg.JWTSecret, actor, input.Body.Roles, input.Body.Permissions, 12*time.Hour)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return reply(DevLoginResponse{Token: token}), nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
