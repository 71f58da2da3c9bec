package reflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reflowline/internal/baseline"
	"reflowline/internal/domain"
)

func newTestManager() *Manager {
	n := 0
	return &Manager{
		History: NewMemoryHistory(),
		Now:     func() time.Time { return t0 },
		NewRunID: func() string {
			n++
			return fmt.Sprintf("RUN_%d", n)
		},
	}
}

func TestPreviewIsDeterministicAndDoesNotMutate(t *testing.T) {
	a := act("A", 60)
	a.Plan.Resources = []domain.ResourceRequirement{{ResourceID: "CRANE_01"}}
	b := act("B", 60)
	b.Plan.Resources = []domain.ResourceRequirement{{ResourceID: "CRANE_01"}}
	acts := []domain.Activity{a, b, act("C", 30, "A", "B")}
	before, err := json.Marshal(acts)
	require.NoError(t, err)

	var first []byte
	for i := 0; i < 10; i++ {
		m := newTestManager()
		run := m.Preview(context.Background(), acts, domain.ReflowSeed{Reason: "test", CursorTS: at(0)}, "tester")
		got, err := json.Marshal(struct {
			Changes []domain.ReflowChange
			Summary domain.CollisionSummary
		}{run.ProposedChanges, run.CollisionSummary})
		require.NoError(t, err)
		if first == nil {
			first = got
			continue
		}
		assert.Equal(t, string(first), string(got), "run %d", i)
	}

	after, err := json.Marshal(acts)
	require.NoError(t, err)
	assert.JSONEq(t, string(before), string(after))
}

func TestPreviewCycleSkipsPasses(t *testing.T) {
	m := newTestManager()
	acts := []domain.Activity{act("A", 10, "C"), act("B", 10, "A"), act("C", 10, "B")}
	run := m.Preview(context.Background(), acts, domain.ReflowSeed{Reason: "test"}, "")
	require.Len(t, run.Collisions, 1)
	assert.Equal(t, domain.CollisionDependencyCycle, run.Collisions[0].Kind)
	assert.Empty(t, run.ProposedChanges)
	assert.Equal(t, domain.CollisionSummary{Blocking: 1}, run.CollisionSummary)
	assert.Equal(t, "user:system", run.RequestedBy)

	res := m.Compute(context.Background(), acts, domain.ReflowSeed{}, "")
	assert.Nil(t, res.Activities, "no pass output when a cycle blocks the run")
	assert.Nil(t, res.Order)
}

func TestPreviewEmptyScopeAndConsistentPlan(t *testing.T) {
	m := newTestManager()
	run := m.Preview(context.Background(), []domain.Activity{act("A", 10)}, domain.ReflowSeed{FocusTripID: "OTHER"}, "tester")
	assert.Empty(t, run.Collisions)
	assert.Empty(t, run.ProposedChanges)
	assert.Equal(t, domain.RunPreview, run.Mode)

	a := act("A", 60)
	a.Plan.StartTS = at(0)
	a.Plan.EndTS = at(60)
	run = m.Preview(context.Background(), []domain.Activity{a}, domain.ReflowSeed{CursorTS: at(0)}, "tester")
	assert.Empty(t, run.ProposedChanges)
	assert.Empty(t, run.Collisions)
}

func TestPreviewCursorDefaultsToInjectedClock(t *testing.T) {
	m := newTestManager()
	run := m.Preview(context.Background(), []domain.Activity{act("A", 60)}, domain.ReflowSeed{}, "tester")
	require.Len(t, run.ProposedChanges, 2)
	assert.Equal(t, domain.PathPlanStart, run.ProposedChanges[0].Path)
	assert.Nil(t, run.ProposedChanges[0].From)
	assert.Equal(t, t0, *run.ProposedChanges[0].To)
	assert.Equal(t, "reflow_forward_pass", run.ProposedChanges[0].ReasonCode)
	assert.Equal(t, *at(60), *run.ProposedChanges[1].To)
}

func TestDataErrorCollision(t *testing.T) {
	run := failedRun(domain.ReflowRun{ID: "RUN_X"}, dataErrorCollision("RUN_X", "TRIP_1", unresolvedCycleMessage))
	require.Len(t, run.Collisions, 1)
	c := run.Collisions[0]
	assert.Equal(t, domain.CollisionDataError, c.Kind)
	assert.Equal(t, "Dependency cycle detected (not all activities processed)", c.Message)
	assert.Equal(t, 1, run.CollisionSummary.Blocking)
	assert.Empty(t, run.ProposedChanges)
}

func TestApplyGating(t *testing.T) {
	m := newTestManager()
	acts := []domain.Activity{act("A", 60)}
	run := m.Preview(context.Background(), acts, domain.ReflowSeed{CursorTS: at(0)}, "tester")

	_, err := m.Apply(context.Background(), acts, run, domain.Approval{ApprovedBy: "  "}, ModeLive)
	require.ErrorIs(t, err, ErrApprovalRequired)
	var approvalErr *ApprovalError
	require.True(t, errors.As(err, &approvalErr))

	for _, mode := range []ViewMode{ModeApproval, ModeHistory, ModeCompare} {
		_, err = m.Apply(context.Background(), acts, run, domain.Approval{ApprovedBy: "lead"}, mode)
		require.ErrorIs(t, err, ErrReadOnlyMode, mode)
	}
	assert.Nil(t, acts[0].Plan.StartTS)
	runs, err := m.History.ListRuns(context.Background())
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestApplyWritesNamedFieldsAndAppendsOnce(t *testing.T) {
	m := newTestManager()
	a := act("A", 60)
	a.Plan.Notes = "keep me"
	acts := []domain.Activity{a, act("B", 30, "A")}
	run := m.Preview(context.Background(), acts, domain.ReflowSeed{CursorTS: at(0)}, "tester")
	require.Len(t, run.ProposedChanges, 4)

	applied, err := m.Apply(context.Background(), acts, run, domain.Approval{ApprovedBy: "lead", Comment: "ok"}, ModeLive)
	require.NoError(t, err)
	assert.Equal(t, domain.RunApply, applied.Mode)
	assert.Len(t, applied.AppliedChanges, 4)
	require.NotNil(t, applied.Approval)
	assert.Equal(t, t0, applied.Approval.ApprovedAt)

	assert.Equal(t, *at(0), *acts[0].Plan.StartTS)
	assert.Equal(t, *at(60), *acts[0].Plan.EndTS)
	assert.Equal(t, *at(90), *acts[1].Plan.EndTS)
	assert.Equal(t, "keep me", acts[0].Plan.Notes)
	assert.Nil(t, acts[0].Actual.StartTS)

	runs, err := m.History.ListRuns(context.Background())
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, run.ID, runs[0].ID)

	_, err = m.Apply(context.Background(), acts, applied, domain.Approval{ApprovedBy: "lead"}, ModeLive)
	assert.ErrorIs(t, err, ErrRunAlreadyApplied)
}

func TestApplyIsAllOrNothing(t *testing.T) {
	m := newTestManager()
	acts := []domain.Activity{act("A", 60)}
	run := m.Preview(context.Background(), acts, domain.ReflowSeed{CursorTS: at(0)}, "tester")
	run.ProposedChanges = append(run.ProposedChanges, domain.ReflowChange{ActivityID: "GONE", Path: domain.PathPlanStart, To: at(5)})

	_, err := m.Apply(context.Background(), acts, run, domain.Approval{ApprovedBy: "lead"}, ModeLive)
	require.ErrorIs(t, err, ErrUnknownActivity)
	assert.Nil(t, acts[0].Plan.StartTS)
	runs, _ := m.History.ListRuns(context.Background())
	assert.Empty(t, runs)
}

func TestApplyHonorsFreezePolicy(t *testing.T) {
	m := newTestManager()
	m.Freeze = &domain.FreezePolicy{FrozenFields: []string{"activities.*.plan.start"}}
	acts := []domain.Activity{act("A1000", 60)}
	run := m.Preview(context.Background(), acts, domain.ReflowSeed{CursorTS: at(0)}, "tester")

	_, err := m.Apply(context.Background(), acts, run, domain.Approval{ApprovedBy: "lead"}, ModeLive)
	var frozen *baseline.FrozenFieldError
	require.ErrorAs(t, err, &frozen)
	assert.Equal(t, "activities.A1000.plan.start", frozen.Path)
	assert.Nil(t, acts[0].Plan.EndTS, "plan.end must not be written either")
}

type failingHistory struct{}

func (failingHistory) AppendRun(context.Context, domain.ReflowRun) error {
	return errors.New("disk full")
}
func (failingHistory) ListRuns(context.Context) ([]domain.ReflowRun, error) { return nil, nil }

func TestApplyHistoryFailureLeavesActivities(t *testing.T) {
	m := newTestManager()
	m.History = failingHistory{}
	acts := []domain.Activity{act("A", 60)}
	run := m.Preview(context.Background(), acts, domain.ReflowSeed{CursorTS: at(0)}, "tester")
	_, err := m.Apply(context.Background(), acts, run, domain.Approval{ApprovedBy: "lead"}, ModeLive)
	require.Error(t, err)
	assert.Nil(t, acts[0].Plan.StartTS)
}
