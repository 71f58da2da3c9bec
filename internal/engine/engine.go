package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"reflowline/internal/cache"
	"reflowline/internal/config"
	"reflowline/internal/domain"
	"reflowline/internal/engine/auth"
	"reflowline/internal/events"
	"reflowline/internal/migrate"
	"reflowline/internal/planfile"
	"reflowline/internal/reflow"
	"reflowline/internal/repo"
	"reflowline/internal/telemetry"
)

// Engine binds the scheduling core to a workspace store. When Live is set it
// takes precedence over Config so reloads apply without a restart.
type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Config  *config.Config
	Live    *config.Live
	Cache   cache.PreviewCache
	Archive reflow.RunHistory
	Metrics *telemetry.Metrics
	Now     func() time.Time
	NewID   func(prefix string) string
	Logger  *slog.Logger
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{Now: time.Now},
		Config: cfg,
		Cache:  cache.NewMemory(),
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) newID(prefix string) string {
	if e.NewID != nil {
		return e.NewID(prefix)
	}
	return prefix + uuid.NewString()
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e Engine) config() *config.Config {
	if cfg := e.Live.Load(); cfg != nil {
		return cfg
	}
	return e.Config
}

func (e Engine) projectID() string {
	if cfg := e.config(); cfg != nil {
		return cfg.Project.ID
	}
	return ""
}

func (e Engine) events() events.Writer {
	w := e.Events
	w.Now = e.now
	return w
}

// Authz returns the permission checker over the current config.
func (e Engine) Authz() auth.Service {
	return auth.Service{Repo: e.Repo, Config: e.config}
}

func (e Engine) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// Init prepares a migrated workspace: config actors and their roles are synced
// into the store and the calling actor is registered.
func (e Engine) Init(ctx context.Context, actorID string) error {
	cfg := e.config()
	if cfg == nil {
		return errors.New("config not loaded")
	}
	now := e.now().Format(time.RFC3339)
	return e.withTx(ctx, func(tx *sql.Tx) error {
		if actorID != "" {
			if err := e.Repo.EnsureActor(ctx, tx, actorID, now); err != nil {
				return fmt.Errorf("ensure actor: %w", err)
			}
		}
		if err := e.Repo.SyncActorRoles(ctx, tx, cfg.RBAC.Actors, now); err != nil {
			return fmt.Errorf("sync roles: %w", err)
		}
		return nil
	})
}

// ImportResult counts what a plan import wrote.
type ImportResult struct {
	Activities int `json:"activities"`
	Resources  int `json:"resources"`
	Evidence   int `json:"evidence"`
	Baselines  int `json:"baselines"`
}

// ImportPlan upserts a plan document in one transaction. Baselines whose
// snapshot hash does not verify are rejected.
func (e Engine) ImportPlan(ctx context.Context, doc planfile.Document, actorID string) (ImportResult, error) {
	if err := doc.Validate(); err != nil {
		return ImportResult{}, err
	}
	for _, b := range doc.Baselines {
		if !isValidBaseline(b) {
			return ImportResult{}, fmt.Errorf("baseline %s: %w", b.ID, ErrBaselineTampered)
		}
	}
	now := e.now()
	var res ImportResult
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		for _, r := range doc.Resources {
			if err := e.Repo.UpsertResource(ctx, tx, r); err != nil {
				return fmt.Errorf("resource %s: %w", r.ID, err)
			}
			res.Resources++
		}
		for _, a := range doc.Activities {
			if a.State == "" {
				a.State = domain.StateDraft
			}
			if err := e.Repo.UpsertActivity(ctx, tx, a, now); err != nil {
				return err
			}
			res.Activities++
		}
		owner := evidenceOwners(doc.Activities)
		for _, item := range doc.Evidence {
			if err := e.Repo.InsertEvidence(ctx, tx, item, owner[item.ID]); err != nil {
				return fmt.Errorf("evidence %s: %w", item.ID, err)
			}
			res.Evidence++
		}
		for _, b := range doc.Baselines {
			if b.Status == "" {
				b.Status = "draft"
			}
			if err := e.Repo.InsertBaseline(ctx, tx, b); err != nil {
				return fmt.Errorf("baseline %s: %w", b.ID, err)
			}
			res.Baselines++
		}
		_, err := e.events().Append(ctx, tx, events.TypePlanImported, e.projectID(), "plan", "", actorID, events.Payload{
			"activities": res.Activities,
			"resources":  res.Resources,
			"evidence":   res.Evidence,
			"baselines":  res.Baselines,
		})
		return err
	})
	if err != nil {
		return ImportResult{}, err
	}
	e.logger().Info("plan imported", "activities", res.Activities, "resources", res.Resources, "evidence", res.Evidence, "baselines", res.Baselines)
	return res, nil
}

func evidenceOwners(acts []domain.Activity) map[string]string {
	owner := map[string]string{}
	for _, a := range acts {
		for _, id := range a.EvidenceIDs {
			if _, ok := owner[id]; !ok {
				owner[id] = a.ID
			}
		}
	}
	return owner
}

// ExportPlan returns the workspace as a plan document.
func (e Engine) ExportPlan(ctx context.Context) (planfile.Document, error) {
	acts, err := e.Repo.ListActivities(ctx, repo.ActivityFilters{})
	if err != nil {
		return planfile.Document{}, err
	}
	resources, err := e.Repo.ResourceMap(ctx, nil)
	if err != nil {
		return planfile.Document{}, err
	}
	baselines, err := e.Repo.ListBaselines(ctx)
	if err != nil {
		return planfile.Document{}, err
	}
	var ids []string
	for _, a := range acts {
		ids = append(ids, a.EvidenceIDs...)
	}
	items, err := e.Repo.EvidenceByIDs(ctx, nil, ids)
	if err != nil {
		return planfile.Document{}, err
	}
	doc := planfile.Document{Activities: acts, Baselines: baselines}
	for _, r := range sortedKeys(resources) {
		doc.Resources = append(doc.Resources, resources[r])
	}
	for _, id := range sortedKeys(items) {
		doc.Evidence = append(doc.Evidence, items[id])
	}
	return doc, nil
}

func (e Engine) ListActivities(ctx context.Context, f repo.ActivityFilters) ([]domain.Activity, error) {
	return e.Repo.ListActivities(ctx, f)
}

func (e Engine) GetActivity(ctx context.Context, id string) (domain.Activity, error) {
	return e.Repo.GetActivity(ctx, id)
}

func (e Engine) ListHistory(ctx context.Context, activityID string, limit int) ([]domain.HistoryEvent, error) {
	if _, err := e.Repo.GetActivity(ctx, activityID); err != nil {
		return nil, err
	}
	return e.Repo.ListHistory(ctx, "activity", activityID, limit)
}

func (e Engine) ListEvents(ctx context.Context, f repo.EventFilters) ([]domain.Event, error) {
	if f.ProjectID == "" {
		f.ProjectID = e.projectID()
	}
	return e.Repo.LatestEvents(ctx, f)
}

// Status summarizes the workspace.
type Status struct {
	ProjectID         string         `json:"project_id"`
	SchemaVersion     int            `json:"schema_version"`
	Activities        int            `json:"activities"`
	ActivitiesByState map[string]int `json:"activities_by_state"`
	Trips             []string       `json:"trips"`
	Runs              int            `json:"runs"`
	LastRunID         string         `json:"last_run_id,omitempty"`
	ActiveBaselineID  string         `json:"active_baseline_id,omitempty"`
	LatestEventID     int64          `json:"latest_event_id"`
}

func (e Engine) Status(ctx context.Context) (Status, error) {
	st := Status{ProjectID: e.projectID()}
	var err error
	if st.SchemaVersion, err = migrate.Version(ctx, e.DB); err != nil {
		return Status{}, err
	}
	if st.ActivitiesByState, err = e.Repo.CountActivitiesByState(ctx); err != nil {
		return Status{}, err
	}
	for _, n := range st.ActivitiesByState {
		st.Activities += n
	}
	if st.Trips, err = e.Repo.ListTripIDs(ctx); err != nil {
		return Status{}, err
	}
	runs, err := e.Repo.ListRuns(ctx, nil, 0)
	if err != nil {
		return Status{}, err
	}
	st.Runs = len(runs)
	if len(runs) > 0 {
		st.LastRunID = runs[len(runs)-1].ID
	}
	if b, err := e.Repo.ActiveBaseline(ctx, nil); err == nil {
		st.ActiveBaselineID = b.ID
	} else if !errors.Is(err, repo.ErrNotFound) {
		return Status{}, err
	}
	if st.LatestEventID, err = e.Repo.LatestEventID(ctx, st.ProjectID); err != nil {
		return Status{}, err
	}
	return st, nil
}
