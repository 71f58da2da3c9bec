package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"reflowline/internal/baseline"
	"reflowline/internal/cache"
	"reflowline/internal/domain"
	"reflowline/internal/events"
	"reflowline/internal/reflow"
	"reflowline/internal/repo"
)

var (
	ErrPreviewExpired = errors.New("preview not found or expired; run a new preview")
	ErrStalePreview   = errors.New("plan changed since preview; run a new preview")
)

const maxParallelTrips = 4

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// freezePolicy merges config freeze.frozen_fields with the active baseline's policy.
// Returns nil when nothing is frozen.
func (e Engine) freezePolicy(ctx context.Context, tx *sql.Tx) (*domain.FreezePolicy, string, error) {
	var policy domain.FreezePolicy
	if cfg := e.config(); cfg != nil {
		policy.FrozenFields = append(policy.FrozenFields, cfg.Freeze.FrozenFields...)
	}
	var baselineID string
	active, err := e.Repo.ActiveBaseline(ctx, tx)
	switch {
	case err == nil:
		baselineID = active.ID
		policy.FrozenFields = append(policy.FrozenFields, active.FreezePolicy.FrozenFields...)
		policy.LockLevelOnApply = active.FreezePolicy.LockLevelOnApply
		policy.AllowActualUpdates = active.FreezePolicy.AllowActualUpdates
		policy.AllowEvidenceAdd = active.FreezePolicy.AllowEvidenceAdd
	case errors.Is(err, repo.ErrNotFound):
	default:
		return nil, "", err
	}
	if len(policy.FrozenFields) == 0 {
		return nil, baselineID, nil
	}
	return &policy, baselineID, nil
}

func (e Engine) manager(ctx context.Context, tx *sql.Tx) (*reflow.Manager, error) {
	resources, err := e.Repo.ResourceMap(ctx, tx)
	if err != nil {
		return nil, err
	}
	freeze, baselineID, err := e.freezePolicy(ctx, tx)
	if err != nil {
		return nil, err
	}
	m := &reflow.Manager{
		History:    repo.RunHistory{Repo: e.Repo, Tx: tx},
		Resources:  resources,
		BaselineID: baselineID,
		Freeze:     freeze,
		Now:        e.now,
		NewRunID:   func() string { return e.newID("RUN_") },
		Logger:     e.logger(),
	}
	if cfg := e.config(); cfg != nil {
		m.WorkdayMin = cfg.Reflow.WorkdayMinutes
		m.ProjectEnd = cfg.ProjectEndTime()
	}
	return m, nil
}

func (e Engine) requestedBy(actorID string) string {
	if strings.TrimSpace(actorID) != "" {
		return actorID
	}
	if cfg := e.config(); cfg != nil {
		return cfg.Reflow.RequestedBy
	}
	return ""
}

func (e Engine) previewTTL() time.Duration {
	return e.config().PreviewTTL()
}

// Schedule computes the current schedule without recording anything: the
// activities come back annotated with their derived calc block.
func (e Engine) Schedule(ctx context.Context, tripID string) (reflow.Result, error) {
	acts, err := e.Repo.ListActivities(ctx, repo.ActivityFilters{})
	if err != nil {
		return reflow.Result{}, err
	}
	m, err := e.manager(ctx, nil)
	if err != nil {
		return reflow.Result{}, err
	}
	return m.Compute(ctx, acts, domain.ReflowSeed{Reason: "schedule", FocusTripID: tripID}, e.requestedBy("")), nil
}

// Preview computes a run and caches it so Apply can pick it up by id.
func (e Engine) Preview(ctx context.Context, seed domain.ReflowSeed, actorID string) (reflow.Result, error) {
	if seed.Reason == "" {
		seed.Reason = "manual"
	}
	acts, err := e.Repo.ListActivities(ctx, repo.ActivityFilters{})
	if err != nil {
		return reflow.Result{}, err
	}
	m, err := e.manager(ctx, nil)
	if err != nil {
		return reflow.Result{}, err
	}
	res := m.Compute(ctx, acts, seed, e.requestedBy(actorID))
	if err := e.recordPreview(ctx, res.Run); err != nil {
		return reflow.Result{}, err
	}
	return res, nil
}

func (e Engine) recordPreview(ctx context.Context, run domain.ReflowRun) error {
	if e.Cache != nil {
		if err := e.Cache.Put(ctx, run, e.previewTTL()); err != nil {
			return fmt.Errorf("cache preview: %w", err)
		}
	}
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		_, err := e.events().Append(ctx, tx, events.TypeReflowPreviewed, e.projectID(), "reflow_run", run.ID, run.RequestedBy, events.Payload{
			"focus_trip_id": run.Seed.FocusTripID,
			"changes":       len(run.ProposedChanges),
			"blocking":      run.CollisionSummary.Blocking,
			"warning":       run.CollisionSummary.Warning,
		})
		return err
	})
	if err != nil {
		return err
	}
	e.Metrics.RecordRun(ctx, run)
	e.logger().Info("reflow previewed", "run_id", run.ID, "trip", run.Seed.FocusTripID,
		"changes", len(run.ProposedChanges), "blocking", run.CollisionSummary.Blocking)
	return nil
}

// PreviewTrips previews each trip independently and concurrently. With no trip
// ids every trip in the workspace is previewed. Runs come back in trip order.
func (e Engine) PreviewTrips(ctx context.Context, tripIDs []string, reason, actorID string) ([]domain.ReflowRun, error) {
	if len(tripIDs) == 0 {
		ids, err := e.Repo.ListTripIDs(ctx)
		if err != nil {
			return nil, err
		}
		tripIDs = ids
	}
	if reason == "" {
		reason = "manual"
	}
	acts, err := e.Repo.ListActivities(ctx, repo.ActivityFilters{})
	if err != nil {
		return nil, err
	}
	base, err := e.manager(ctx, nil)
	if err != nil {
		return nil, err
	}
	var idMu sync.Mutex
	newRunID := func() string {
		idMu.Lock()
		defer idMu.Unlock()
		return base.NewRunID()
	}
	requestedBy := e.requestedBy(actorID)
	runs := make([]domain.ReflowRun, len(tripIDs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelTrips)
	for i, trip := range tripIDs {
		g.Go(func() error {
			m := *base
			m.History = reflow.NewMemoryHistory()
			m.NewRunID = newRunID
			runs[i] = m.Preview(gctx, domain.CloneActivities(acts), domain.ReflowSeed{Reason: reason, FocusTripID: trip}, requestedBy)
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	for _, run := range runs {
		if err := e.recordPreview(ctx, run); err != nil {
			return nil, err
		}
	}
	return runs, nil
}

// ApplyOptions select a cached preview and carry the approval.
type ApplyOptions struct {
	RunID    string
	Approval domain.Approval
	Mode     reflow.ViewMode
}

// Apply writes a cached preview's changes under the active freeze policy.
// The run, the rewritten activities and the reflow.applied event commit
// together; archiving happens afterwards and only logs on failure.
func (e Engine) Apply(ctx context.Context, opts ApplyOptions) (domain.ReflowRun, error) {
	mode := opts.Mode
	if mode == "" {
		mode = reflow.ModeLive
		if cfg := e.config(); cfg != nil && cfg.Reflow.ViewMode != "" {
			mode = reflow.ViewMode(cfg.Reflow.ViewMode)
		}
	}
	if mode.ReadOnly() {
		return domain.ReflowRun{}, &reflow.ApprovalError{Mode: mode, Err: reflow.ErrReadOnlyMode}
	}
	if strings.TrimSpace(opts.Approval.ApprovedBy) == "" {
		return domain.ReflowRun{}, &reflow.ApprovalError{Mode: mode, Err: reflow.ErrApprovalRequired}
	}
	if _, err := e.Repo.GetRun(ctx, opts.RunID); err == nil {
		return domain.ReflowRun{}, fmt.Errorf("%w: %s", reflow.ErrRunAlreadyApplied, opts.RunID)
	}
	if e.Cache == nil {
		return domain.ReflowRun{}, ErrPreviewExpired
	}
	run, err := e.Cache.Get(ctx, opts.RunID)
	if errors.Is(err, cache.ErrMiss) {
		return domain.ReflowRun{}, fmt.Errorf("%w: %s", ErrPreviewExpired, opts.RunID)
	}
	if err != nil {
		return domain.ReflowRun{}, err
	}
	var record domain.ReflowRun
	err = e.withTx(ctx, func(tx *sql.Tx) error {
		acts, err := e.Repo.ListActivitiesTx(ctx, tx, repo.ActivityFilters{})
		if err != nil {
			return err
		}
		if err := checkFresh(acts, run); err != nil {
			return err
		}
		m, err := e.manager(ctx, tx)
		if err != nil {
			return err
		}
		record, err = m.Apply(ctx, acts, run, opts.Approval, mode)
		if err != nil {
			return err
		}
		touched := map[string]bool{}
		for _, ch := range record.AppliedChanges {
			touched[ch.ActivityID] = true
		}
		now := e.now()
		for _, a := range acts {
			if !touched[a.ID] {
				continue
			}
			if err := e.Repo.UpsertActivity(ctx, tx, a, now); err != nil {
				return err
			}
		}
		_, err = e.events().Append(ctx, tx, events.TypeReflowApplied, e.projectID(), "reflow_run", record.ID, opts.Approval.ApprovedBy, events.Payload{
			"changes":     len(record.AppliedChanges),
			"activities":  len(touched),
			"baseline_id": record.BaselineID,
			"comment":     opts.Approval.Comment,
		})
		return err
	})
	if err != nil {
		return domain.ReflowRun{}, err
	}
	if e.Cache != nil {
		if err := e.Cache.Delete(ctx, run.ID); err != nil {
			e.logger().Warn("drop applied preview from cache", "run_id", run.ID, "err", err)
		}
	}
	if e.Archive != nil {
		if err := e.Archive.AppendRun(ctx, record); err != nil {
			e.logger().Warn("archive run", "run_id", record.ID, "err", err)
		}
	}
	e.Metrics.RecordRun(ctx, record)
	return record, nil
}

// checkFresh rejects a preview whose From values no longer match the store.
func checkFresh(acts []domain.Activity, run domain.ReflowRun) error {
	byID := make(map[string]domain.Activity, len(acts))
	for _, a := range acts {
		byID[a.ID] = a
	}
	for _, ch := range run.ProposedChanges {
		a, ok := byID[ch.ActivityID]
		if !ok {
			continue
		}
		var current *time.Time
		switch ch.Path {
		case domain.PathPlanStart:
			current = a.Plan.StartTS
		case domain.PathPlanEnd:
			current = a.Plan.EndTS
		default:
			continue
		}
		if !sameTime(current, ch.From) {
			return fmt.Errorf("%w: %s %s", ErrStalePreview, ch.ActivityID, ch.Path)
		}
	}
	return nil
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

// ListRuns returns applied runs, oldest first. limit <= 0 returns all.
func (e Engine) ListRuns(ctx context.Context, limit int) ([]domain.ReflowRun, error) {
	return e.Repo.ListRuns(ctx, nil, limit)
}

// GetPreview returns a cached preview run.
func (e Engine) GetPreview(ctx context.Context, runID string) (domain.ReflowRun, error) {
	if e.Cache == nil {
		return domain.ReflowRun{}, ErrPreviewExpired
	}
	run, err := e.Cache.Get(ctx, runID)
	if errors.Is(err, cache.ErrMiss) {
		return domain.ReflowRun{}, fmt.Errorf("%w: %s", ErrPreviewExpired, runID)
	}
	return run, err
}

func isValidBaseline(b domain.Baseline) bool {
	return baseline.ValidateSnapshotHash(b)
}
