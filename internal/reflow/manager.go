package reflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"reflowline/internal/baseline"
	"reflowline/internal/domain"
)

const (
	reasonForwardPass      = "reflow_forward_pass"
	unresolvedCycleMessage = "Dependency cycle detected (not all activities processed)"
)

var (
	ErrApprovalRequired  = errors.New("apply requires approval (approved_by)")
	ErrReadOnlyMode      = errors.New("apply not allowed in read-only mode")
	ErrRunAlreadyApplied = errors.New("run already applied")
	ErrUnknownActivity   = errors.New("unknown activity")
	ErrUnknownPath       = errors.New("unknown change path")
)

// ApprovalError is returned by Apply before anything is touched.
type ApprovalError struct {
	Mode ViewMode
	Err  error
}

func (e *ApprovalError) Error() string {
	if errors.Is(e.Err, ErrReadOnlyMode) {
		return fmt.Sprintf("apply not allowed in %s mode (read-only)", e.Mode)
	}
	return e.Err.Error()
}

func (e *ApprovalError) Unwrap() error { return e.Err }

// Manager runs the reflow pipeline. The zero value is usable; History defaults to an
// in-memory log and Now to time.Now.
type Manager struct {
	History    RunHistory
	Resources  map[string]domain.Resource
	WorkdayMin int
	ProjectEnd *time.Time
	BaselineID string
	Freeze     *domain.FreezePolicy
	Now        func() time.Time
	NewRunID   func() string
	Logger     *slog.Logger
}

// Result is one pipeline pass: the run plus the annotated activities it was computed from.
type Result struct {
	Run          domain.ReflowRun
	Activities   []domain.Activity
	Order        []string
	CriticalPath []string
	Warnings     []string
}

func (m *Manager) now() time.Time {
	if m.Now != nil {
		return m.Now().UTC()
	}
	return time.Now().UTC()
}

func (m *Manager) logger() *slog.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return slog.Default()
}

func (m *Manager) history() RunHistory {
	if m.History == nil {
		m.History = NewMemoryHistory()
	}
	return m.History
}

func (m *Manager) runID() string {
	if m.NewRunID != nil {
		return m.NewRunID()
	}
	return uuid.NewString()
}

// Preview computes a run without touching activities.
func (m *Manager) Preview(ctx context.Context, activities []domain.Activity, seed domain.ReflowSeed, requestedBy string) domain.ReflowRun {
	return m.Compute(ctx, activities, seed, requestedBy).Run
}

// Compute runs cycle check, ordering, both passes and the collision scans over a copy of
// the activities in scope. Internal failures surface as a single data_error collision.
func (m *Manager) Compute(ctx context.Context, activities []domain.Activity, seed domain.ReflowSeed, requestedBy string) (res Result) {
	_, span := otel.Tracer("reflowline/reflow").Start(ctx, "reflow.preview")
	defer span.End()

	if requestedBy == "" {
		requestedBy = "user:system"
	}
	run := domain.ReflowRun{
		ID:              m.runID(),
		Mode:            domain.RunPreview,
		RequestedAt:     m.now(),
		RequestedBy:     requestedBy,
		BaselineID:      m.BaselineID,
		Seed:            seed,
		ProposedChanges: []domain.ReflowChange{},
		AppliedChanges:  []domain.ReflowChange{},
		Collisions:      []domain.Collision{},
	}
	span.SetAttributes(attribute.String("reflow.run_id", run.ID), attribute.String("reflow.trip_id", seed.FocusTripID))

	scope := inScope(activities, seed.FocusTripID)
	res.Run = run
	if len(scope) == 0 {
		return res
	}

	defer func() {
		if r := recover(); r != nil {
			msg := fmt.Sprintf("reflow pipeline failed: %v", r)
			m.logger().Error("reflow preview panicked", "run_id", run.ID, "error", msg)
			span.SetStatus(codes.Error, msg)
			res = Result{Run: failedRun(run, dataErrorCollision(run.ID, seed.FocusTripID, msg))}
		}
	}()

	cycles := DetectCycles(scope, seed.FocusTripID, run.ID)
	if cycles.HasCycle {
		m.logger().Warn("reflow blocked by dependency cycle", "run_id", run.ID, "cycles", len(cycles.Cycles))
		span.SetAttributes(attribute.Int("reflow.cycles", len(cycles.Cycles)))
		res.Run = failedRun(run, *cycles.Collision)
		return res
	}

	order, err := TopologicalSort(scope)
	if err != nil {
		msg := err.Error()
		if errors.Is(err, ErrUnresolvedCycle) {
			msg = unresolvedCycleMessage
		}
		res.Run = failedRun(run, dataErrorCollision(run.ID, seed.FocusTripID, msg))
		return res
	}

	cursor := run.RequestedAt
	if seed.CursorTS != nil {
		cursor = seed.CursorTS.UTC()
	}
	forward := ForwardPass(scope, order, cursor, m.Resources, m.WorkdayMin)
	backward := BackwardPass(scope, order, forward, m.ProjectEnd)
	collisions := DetectCollisions(CollisionInput{
		Activities: scope,
		Forward:    forward,
		Backward:   backward,
		TripID:     seed.FocusTripID,
		RunID:      run.ID,
	})
	if collisions == nil {
		collisions = []domain.Collision{}
	}

	run.ProposedChanges = proposedChanges(scope, forward)
	run.Collisions = collisions
	run.CollisionSummary = Summarize(collisions)

	span.SetAttributes(
		attribute.Int("reflow.activities", len(scope)),
		attribute.Int("reflow.changes", len(run.ProposedChanges)),
		attribute.Int("reflow.collisions", len(collisions)),
	)
	m.logger().Debug("reflow preview computed",
		"run_id", run.ID,
		"activities", len(scope),
		"changes", len(run.ProposedChanges),
		"blocking", run.CollisionSummary.Blocking,
	)
	return Result{
		Run:          run,
		Activities:   Annotate(scope, forward, backward, collisions),
		Order:        order,
		CriticalPath: CriticalPath(backward, order),
		Warnings:     forward.Warnings,
	}
}

func inScope(activities []domain.Activity, tripID string) []domain.Activity {
	var out []domain.Activity
	for _, a := range activities {
		if tripID == "" || a.TripID == tripID {
			out = append(out, a.Clone())
		}
	}
	return out
}

func failedRun(run domain.ReflowRun, c domain.Collision) domain.ReflowRun {
	run.ProposedChanges = []domain.ReflowChange{}
	run.Collisions = []domain.Collision{c}
	run.CollisionSummary = Summarize(run.Collisions)
	return run
}

func proposedChanges(activities []domain.Activity, forward ForwardResult) []domain.ReflowChange {
	changes := []domain.ReflowChange{}
	for _, a := range activities {
		w, ok := forward.Times[a.ID]
		if !ok {
			continue
		}
		if !sameInstant(a.Plan.StartTS, w.Start) {
			changes = append(changes, domain.ReflowChange{
				ActivityID: a.ID,
				Path:       domain.PathPlanStart,
				From:       domain.CloneTime(a.Plan.StartTS),
				To:         domain.TimePtr(w.Start),
				ReasonCode: reasonForwardPass,
			})
		}
		if !sameInstant(a.Plan.EndTS, w.Finish) {
			changes = append(changes, domain.ReflowChange{
				ActivityID: a.ID,
				Path:       domain.PathPlanEnd,
				From:       domain.CloneTime(a.Plan.EndTS),
				To:         domain.TimePtr(w.Finish),
				ReasonCode: reasonForwardPass,
			})
		}
	}
	return changes
}

func sameInstant(a *time.Time, b time.Time) bool {
	return a != nil && a.Equal(b)
}

// Apply writes the run's plan.start and plan.end changes onto activities in place.
// Every change is validated and the run appended to history before the first write, so a
// failure leaves activities untouched.
func (m *Manager) Apply(ctx context.Context, activities []domain.Activity, run domain.ReflowRun, approval domain.Approval, mode ViewMode) (domain.ReflowRun, error) {
	ctx, span := otel.Tracer("reflowline/reflow").Start(ctx, "reflow.apply")
	defer span.End()
	span.SetAttributes(attribute.String("reflow.run_id", run.ID), attribute.String("reflow.mode", string(mode)))

	if mode.ReadOnly() {
		return domain.ReflowRun{}, &ApprovalError{Mode: mode, Err: ErrReadOnlyMode}
	}
	if strings.TrimSpace(approval.ApprovedBy) == "" {
		return domain.ReflowRun{}, &ApprovalError{Mode: mode, Err: ErrApprovalRequired}
	}
	if run.Mode == domain.RunApply {
		return domain.ReflowRun{}, fmt.Errorf("%w: %s", ErrRunAlreadyApplied, run.ID)
	}

	index := make(map[string]int, len(activities))
	for i, a := range activities {
		if _, ok := index[a.ID]; !ok {
			index[a.ID] = i
		}
	}
	applied := make([]domain.ReflowChange, 0, len(run.ProposedChanges))
	for _, ch := range run.ProposedChanges {
		if _, ok := index[ch.ActivityID]; !ok {
			return domain.ReflowRun{}, fmt.Errorf("%w: %s", ErrUnknownActivity, ch.ActivityID)
		}
		if ch.Path != domain.PathPlanStart && ch.Path != domain.PathPlanEnd {
			return domain.ReflowRun{}, fmt.Errorf("%w: %s", ErrUnknownPath, ch.Path)
		}
		if m.Freeze != nil {
			if err := baseline.AssertEditAllowed(ActivityFieldPath(ch.ActivityID, ch.Path), *m.Freeze); err != nil {
				return domain.ReflowRun{}, err
			}
		}
		c := ch
		c.From = domain.CloneTime(ch.From)
		c.To = domain.CloneTime(ch.To)
		applied = append(applied, c)
	}

	if approval.ApprovedAt.IsZero() {
		approval.ApprovedAt = m.now()
	}
	record := run
	record.Mode = domain.RunApply
	record.ProposedChanges = append([]domain.ReflowChange(nil), run.ProposedChanges...)
	record.AppliedChanges = applied
	record.Approval = &approval
	if record.Collisions == nil {
		record.Collisions = []domain.Collision{}
	}
	if err := m.history().AppendRun(ctx, record); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return domain.ReflowRun{}, fmt.Errorf("append run: %w", err)
	}

	for _, ch := range applied {
		a := &activities[index[ch.ActivityID]]
		switch ch.Path {
		case domain.PathPlanStart:
			a.Plan.StartTS = domain.CloneTime(ch.To)
		case domain.PathPlanEnd:
			a.Plan.EndTS = domain.CloneTime(ch.To)
		}
	}
	m.logger().Info("reflow applied", "run_id", run.ID, "approved_by", approval.ApprovedBy, "changes", len(applied))
	return record, nil
}

// ActivityFieldPath is the dotted path freeze policies match against.
func ActivityFieldPath(activityID, path string) string {
	return "activities." + activityID + "." + path
}
