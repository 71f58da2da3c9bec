package reflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reflowline/internal/domain"
)

var t0 = time.Date(2026, 1, 5, 8, 0, 0, 0, time.UTC)

func at(min int) *time.Time {
	v := t0.Add(time.Duration(min) * time.Minute)
	return &v
}

func act(id string, dur int, preds ...string) domain.Activity {
	a := domain.Activity{
		ID:        id,
		TripID:    "TRIP_1",
		State:     domain.StatePlanned,
		LockLevel: domain.LockNone,
		Plan:      domain.Plan{DurationMin: dur, DurationMode: domain.DurationElapsed},
	}
	for _, p := range preds {
		a.Plan.Dependencies = append(a.Plan.Dependencies, domain.Dependency{PredActivityID: p, Type: domain.DepFinishStart})
	}
	return a
}

func schedule(t *testing.T, activities []domain.Activity) (ForwardResult, BackwardResult, []string) {
	t.Helper()
	order, err := TopologicalSort(activities)
	require.NoError(t, err)
	fwd := ForwardPass(activities, order, t0, nil, 0)
	return fwd, BackwardPass(activities, order, fwd, nil), order
}

func TestBuildGraphListsDanglingPredecessorsLast(t *testing.T) {
	g := BuildGraph([]domain.Activity{act("B", 10, "X"), act("A", 10)})
	assert.Equal(t, []string{"B", "A", "X"}, g.Nodes)
	assert.Equal(t, []string{"B"}, g.Successors("X"))
	assert.Equal(t, []string{"X"}, g.Predecessors("B"))
	assert.False(t, g.Known["X"])
}

func TestDetectCyclesThreeNodeLoop(t *testing.T) {
	acts := []domain.Activity{act("A", 10, "C"), act("B", 10, "A"), act("C", 10, "B")}
	res := DetectCycles(acts, "TRIP_1", "RUN_1")
	require.True(t, res.HasCycle)
	require.Len(t, res.Cycles, 1)
	assert.Equal(t, []string{"A", "B", "C"}, res.Cycles[0])

	c := res.Collision
	require.NotNil(t, c)
	assert.Equal(t, domain.CollisionDependencyCycle, c.Kind)
	assert.Equal(t, domain.SeverityBlocking, c.Severity)
	assert.Equal(t, "Dependency cycle detected: A → B → C → A", c.Message)
	require.Len(t, c.SuggestedActions, 3)
	for _, a := range c.SuggestedActions {
		assert.Equal(t, domain.ActionRemoveDependency, a.Kind)
	}
	assert.Equal(t, "A", c.SuggestedActions[0].Params.PredActivityID)
	assert.Equal(t, "B", c.SuggestedActions[0].Params.SuccActivityID)
	assert.Equal(t, "Break cycle by removing dependency C → A", c.SuggestedActions[2].Label)
}

func TestDetectCyclesSelfLoopAndAcyclic(t *testing.T) {
	res := DetectCycles([]domain.Activity{act("A", 10, "A"), act("B", 10, "A")}, "", "r")
	require.True(t, res.HasCycle)
	assert.Equal(t, [][]string{{"A"}}, res.Cycles)
	assert.Equal(t, "Dependency cycle detected: A → A", res.Collision.Message)

	clean := DetectCycles([]domain.Activity{act("A", 10), act("B", 10, "A")}, "", "r")
	assert.False(t, clean.HasCycle)
	assert.Nil(t, clean.Collision)
}

func TestDetectCyclesDeepChainDoesNotRecurse(t *testing.T) {
	const n = 20000
	acts := make([]domain.Activity, n)
	acts[0] = act("N00000", 1, "N19999")
	for i := 1; i < n; i++ {
		acts[i] = act(nodeName(i), 1, nodeName(i-1))
	}
	res := DetectCycles(acts, "", "r")
	require.True(t, res.HasCycle)
	require.Len(t, res.Cycles, 1)
	assert.Len(t, res.Cycles[0], n)
}

func nodeName(i int) string {
	const digits = "0123456789"
	b := []byte("N00000")
	for p := 5; p > 0; p-- {
		b[p] = digits[i%10]
		i /= 10
	}
	return string(b)
}

func TestWouldCreateCycle(t *testing.T) {
	acts := []domain.Activity{act("A", 10), act("B", 10, "A")}
	assert.True(t, WouldCreateCycle(acts, "B", "A"))
	assert.False(t, WouldCreateCycle(acts, "A", "B"))
	assert.Empty(t, acts[0].Plan.Dependencies, "input must not change")
}

func TestTopologicalSortTieBreak(t *testing.T) {
	hard := act("Z", 10)
	hard.LockLevel = domain.LockHard
	none := act("A", 10)
	order, err := TopologicalSort([]domain.Activity{none, hard})
	require.NoError(t, err)
	assert.Equal(t, []string{"Z", "A"}, order)

	early := act("Y", 10)
	early.Plan.StartTS = at(0)
	late := act("X", 10)
	late.Plan.StartTS = at(30)
	unset := act("W", 10)
	order, err = TopologicalSort([]domain.Activity{unset, late, early})
	require.NoError(t, err)
	assert.Equal(t, []string{"Y", "X", "W"}, order)

	order, err = TopologicalSort([]domain.Activity{act("b", 1), act("c", 1), act("a", 1)})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestTopologicalSortRespectsDependenciesOverLock(t *testing.T) {
	succ := act("A", 10, "B")
	succ.LockLevel = domain.LockBaseline
	order, err := TopologicalSort([]domain.Activity{succ, act("B", 10)})
	require.NoError(t, err)
	assert.Equal(t, []string{"B", "A"}, order)
}

func TestTopologicalSortDuplicateEdgesAndCycle(t *testing.T) {
	dup := act("B", 10, "A", "A")
	order, err := TopologicalSort([]domain.Activity{act("A", 10), dup})
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, order)

	_, err = TopologicalSort([]domain.Activity{act("A", 10, "B"), act("B", 10, "A")})
	assert.ErrorIs(t, err, ErrUnresolvedCycle)
	assert.Equal(t, "dependency cycle detected (not all activities processed)", err.Error())
}

func TestVerifyDeterminism(t *testing.T) {
	acts := []domain.Activity{act("C", 10, "A"), act("B", 10, "A"), act("A", 10), act("D", 5, "B", "C")}
	ok, unique := VerifyDeterminism(acts, 10)
	assert.True(t, ok)
	assert.Equal(t, 1, unique)
}

func TestForwardPassRelations(t *testing.T) {
	b := act("B", 30)
	b.Plan.Dependencies = []domain.Dependency{{PredActivityID: "A", Type: domain.DepStartStart, LagMin: 15}}
	c := act("C", 30)
	c.Plan.Dependencies = []domain.Dependency{{PredActivityID: "A", Type: domain.DepFinishStart, LagMin: 10}}
	fwd, _, _ := schedule(t, []domain.Activity{act("A", 60), b, c})
	assert.Equal(t, *at(15), fwd.Times["B"].Start)
	assert.Equal(t, *at(70), fwd.Times["C"].Start)
	assert.Equal(t, *at(100), fwd.Times["C"].Finish)
}

func TestForwardPassFreezePriority(t *testing.T) {
	a := act("A", 60)
	a.Actual.StartTS = at(5)
	a.ReflowPins = []domain.ReflowPin{{Strength: domain.PinHard, PinType: domain.PinStart, TargetTS: at(99)}}
	reason, start := ClassifyFreeze(a)
	assert.Equal(t, FrozenByActualStart, reason)
	assert.Equal(t, *at(5), start)

	pinned := act("P", 60)
	pinned.ReflowPins = []domain.ReflowPin{{Strength: domain.PinHard, PinType: domain.PinStart, TargetTS: at(99)}}
	reason, _ = ClassifyFreeze(pinned)
	assert.Equal(t, FrozenByHardPin, reason)

	noTarget := act("N", 60)
	noTarget.ReflowPins = []domain.ReflowPin{{Strength: domain.PinHard, PinType: domain.PinStart}}
	reason, _ = ClassifyFreeze(noTarget)
	assert.Equal(t, NotFrozen, reason)

	locked := act("L", 60)
	locked.LockLevel = domain.LockBaseline
	reason, _ = ClassifyFreeze(locked)
	assert.Equal(t, NotFrozen, reason, "baseline lock without plan start is not frozen")
	locked.Plan.StartTS = at(200)
	reason, start = ClassifyFreeze(locked)
	assert.Equal(t, FrozenByBaselineLock, reason)
	assert.Equal(t, *at(200), start)

	fwd, _, _ := schedule(t, []domain.Activity{pinned, act("Q", 10, "P")})
	assert.Equal(t, *at(99), fwd.Times["P"].Start)
	assert.Equal(t, FrozenByHardPin, fwd.Frozen["P"])
	assert.Equal(t, *at(159), fwd.Times["Q"].Start)
}

// not_after is advisory in the forward pass and only reported as a collision.
func TestForwardPassConstraintsNotAfterIsAdvisory(t *testing.T) {
	a := act("A", 60)
	a.Plan.Constraints = []domain.Constraint{
		{Kind: domain.ConstraintNotBefore, Params: domain.ConstraintParams{TargetTS: at(120)}},
		{Kind: domain.ConstraintNotAfter, Params: domain.ConstraintParams{TargetTS: at(150)}},
	}
	b := act("B", 30)
	b.Plan.Constraints = []domain.Constraint{
		{Kind: domain.ConstraintWithinWindow, Params: domain.ConstraintParams{StartTS: at(45), EndTS: at(500)}},
	}
	acts := []domain.Activity{a, b}
	fwd, bwd, _ := schedule(t, acts)
	assert.Equal(t, *at(120), fwd.Times["A"].Start)
	assert.Equal(t, *at(180), fwd.Times["A"].Finish)
	assert.Equal(t, *at(45), fwd.Times["B"].Start)

	cols := DetectCollisions(CollisionInput{Activities: acts, Forward: fwd, Backward: bwd, RunID: "r"})
	require.Len(t, cols, 1)
	assert.Equal(t, domain.CollisionConstraintViolation, cols[0].Kind)
	assert.Equal(t, "Constraint violation (not_after): activity outside allowed window", cols[0].Message)
	assert.Equal(t, *at(180), cols[0].Details.Constraint.ActualTS)
	assert.Equal(t, "next_window", cols[0].SuggestedActions[0].Params.SnapTo)
}

func TestForwardBackwardRelationTypes(t *testing.T) {
	dep := func(id string, dur int, typ domain.DependencyType, lag int) domain.Activity {
		a := act(id, dur)
		a.Plan.Dependencies = []domain.Dependency{{PredActivityID: "A", Type: typ, LagMin: lag}}
		return a
	}
	acts := []domain.Activity{
		act("A", 60),
		dep("B", 30, domain.DepFinishFinish, 0),
		dep("C", 30, domain.DepStartFinish, 0),
		dep("D", 30, domain.DepStartStart, 10),
	}
	fwd, bwd, _ := schedule(t, acts)

	assert.Equal(t, *at(60), fwd.Times["B"].Start, "ff follows predecessor finish")
	assert.Equal(t, t0, fwd.Times["C"].Start, "sf follows predecessor start")
	assert.Equal(t, *at(10), fwd.Times["D"].Start)
	assert.Equal(t, *at(90), bwd.ProjectEnd)

	tests := []struct {
		id     string
		ls, lf int
		slack  int
	}{
		{"A", 30, 90, 30},
		{"B", 60, 90, 0},
		{"C", 60, 90, 60},
		{"D", 60, 90, 50},
	}
	for _, tc := range tests {
		t.Run(tc.id, func(t *testing.T) {
			late := bwd.Times[tc.id]
			assert.Equal(t, *at(tc.ls), late.LS)
			assert.Equal(t, *at(tc.lf), late.LF)
			assert.Equal(t, tc.slack, late.SlackMin)
			assert.Equal(t, tc.slack == 0, late.Critical)
		})
	}
}

func TestFrozenStartBeforeNotBeforeIsViolation(t *testing.T) {
	f := act("F", 60)
	f.Actual.StartTS = at(0)
	f.Plan.Constraints = []domain.Constraint{
		{Kind: domain.ConstraintNotBefore, Params: domain.ConstraintParams{TargetTS: at(60)}},
	}
	acts := []domain.Activity{f}
	fwd, bwd, _ := schedule(t, acts)
	require.Equal(t, FrozenByActualStart, fwd.Frozen["F"])
	assert.Equal(t, t0, fwd.Times["F"].Start, "frozen start is not raised")

	cols := DetectCollisions(CollisionInput{Activities: acts, Forward: fwd, Backward: bwd, RunID: "r"})
	require.Len(t, cols, 1)
	assert.Equal(t, domain.CollisionConstraintViolation, cols[0].Kind)
	assert.Equal(t, "Constraint violation (not_before): activity outside allowed window", cols[0].Message)
	assert.Equal(t, domain.ConstraintNotBefore, cols[0].Details.Constraint.ConstraintType)
	assert.Equal(t, *at(60), cols[0].Details.Constraint.TargetTS)
	assert.Equal(t, t0, cols[0].Details.Constraint.ActualTS)
}

func TestForwardPassWorkHours(t *testing.T) {
	a := act("A", 600)
	a.Plan.DurationMode = domain.DurationWorkHours
	a.Plan.Resources = []domain.ResourceRequirement{{ResourceID: "CRANE_01"}}
	acts := []domain.Activity{a}
	resources := map[string]domain.Resource{"CRANE_01": {ID: "CRANE_01", Calendar: &domain.ResourceCalendar{Timezone: "UTC"}}}

	fwd := ForwardPass(acts, []string{"A"}, t0, resources, 0)
	assert.Equal(t, t0.Add(24*time.Hour+60*time.Minute), fwd.Times["A"].Finish)

	fwd = ForwardPass(acts, []string{"A"}, t0, nil, 0)
	assert.Equal(t, t0.Add(600*time.Minute), fwd.Times["A"].Finish, "no calendar falls back to elapsed")

	fwd = ForwardPass(acts, []string{"A"}, t0, resources, 300)
	assert.Equal(t, t0.Add(24*time.Hour+300*time.Minute), fwd.Times["A"].Finish)
}

func TestForwardPassMissingPredecessorWarns(t *testing.T) {
	fwd := ForwardPass([]domain.Activity{act("B", 10, "GHOST")}, []string{"B", "NOPE"}, t0, nil, 0)
	assert.Equal(t, t0, fwd.Times["B"].Start)
	assert.Len(t, fwd.Warnings, 2)
}

func TestCriticalPathChainAndParallelBranch(t *testing.T) {
	fwd, bwd, order := schedule(t, []domain.Activity{act("A", 60), act("B", 60, "A")})
	for _, id := range []string{"A", "B"} {
		assert.Equal(t, 0, bwd.Times[id].SlackMin, id)
		assert.True(t, bwd.Times[id].Critical, id)
	}
	assert.Equal(t, []string{"A", "B"}, CriticalPath(bwd, order))
	assert.Equal(t, 120, CriticalPathDuration(fwd))

	acts := []domain.Activity{act("A", 60), act("B", 60, "A"), act("B2", 30, "A"), act("C", 60, "B", "B2")}
	_, bwd, _ = schedule(t, acts)
	assert.True(t, bwd.Times["B"].Critical)
	assert.Equal(t, 30, bwd.Times["B2"].SlackMin)
	assert.False(t, bwd.Times["B2"].Critical)
	assert.True(t, bwd.Times["C"].Critical)
}

func TestBackwardPassNegativeSlackAgainstProjectEnd(t *testing.T) {
	acts := []domain.Activity{act("A", 60), act("B", 60, "A")}
	order, err := TopologicalSort(acts)
	require.NoError(t, err)
	fwd := ForwardPass(acts, order, t0, nil, 0)
	bwd := BackwardPass(acts, order, fwd, at(90))
	assert.Equal(t, -30, bwd.Times["B"].SlackMin)
	assert.Equal(t, -30, bwd.Times["A"].SlackMin)

	cols := DetectCollisions(CollisionInput{Activities: acts, Forward: fwd, Backward: bwd, RunID: "r"})
	require.Len(t, cols, 2)
	assert.Equal(t, domain.CollisionNegativeSlack, cols[0].Kind)
	assert.Equal(t, "Negative slack (-30 min): successor pulled before predecessor", cols[0].Message)
	assert.Equal(t, 30, cols[0].SuggestedActions[0].Params.ShiftMin)
}

func TestResourceOverlapCollision(t *testing.T) {
	a := act("A", 60)
	a.Plan.Resources = []domain.ResourceRequirement{{ResourceID: "CRANE_01"}}
	b := act("B", 60)
	b.Plan.Resources = []domain.ResourceRequirement{{ResourceID: "CRANE_01"}}
	b.Plan.Constraints = []domain.Constraint{{Kind: domain.ConstraintNotBefore, Params: domain.ConstraintParams{TargetTS: at(30)}}}
	acts := []domain.Activity{a, b}
	fwd, bwd, _ := schedule(t, acts)

	cols := DetectCollisions(CollisionInput{Activities: acts, Forward: fwd, Backward: bwd, TripID: "TRIP_1", RunID: "r"})
	require.Len(t, cols, 1)
	c := cols[0]
	assert.Equal(t, domain.CollisionResourceOverallocated, c.Kind)
	assert.ElementsMatch(t, []string{"A", "B"}, c.ActivityIDs)
	assert.Equal(t, []string{"CRANE_01"}, c.ResourceIDs)
	assert.Equal(t, *at(30), c.Details.Overlap[0].FromTS)
	assert.Equal(t, *at(60), c.Details.Overlap[0].ToTS)

	kinds := map[domain.ActionKind]domain.SuggestedAction{}
	for _, s := range c.SuggestedActions {
		kinds[s.Kind] = s
	}
	require.Contains(t, kinds, domain.ActionShiftActivity)
	require.Contains(t, kinds, domain.ActionSwapResource)
	assert.Equal(t, "B", kinds[domain.ActionShiftActivity].Params.ActivityID)
	assert.Equal(t, "CRANE_02", kinds[domain.ActionSwapResource].Params.AssignResourceID)
	assert.Equal(t, "A", kinds[domain.ActionAddStandbyActivity].Params.AfterActivityID)

	again := DetectCollisions(CollisionInput{Activities: acts, Forward: fwd, Backward: bwd, TripID: "TRIP_1", RunID: "r"})
	assert.Equal(t, c.ID, again[0].ID)
	other := DetectCollisions(CollisionInput{Activities: acts, Forward: fwd, Backward: bwd, TripID: "TRIP_1", RunID: "r2"})
	assert.NotEqual(t, c.ID, other[0].ID)
}

func TestResourceNoOverlapWhenTouching(t *testing.T) {
	a := act("A", 60)
	a.Plan.Resources = []domain.ResourceRequirement{{ResourceID: "CRANE_01"}}
	b := act("B", 60, "A")
	b.Plan.Resources = []domain.ResourceRequirement{{ResourceID: "CRANE_01"}}
	acts := []domain.Activity{a, b}
	fwd, bwd, _ := schedule(t, acts)
	assert.Empty(t, DetectCollisions(CollisionInput{Activities: acts, Forward: fwd, Backward: bwd}))
}

func TestAlternateResourceID(t *testing.T) {
	assert.Equal(t, "CRANE_02", AlternateResourceID("CRANE_01"))
	assert.Equal(t, "SPMT_02", AlternateResourceID("SPMT"))
	assert.Equal(t, "ALT_RESOURCE", AlternateResourceID("123"))
}

func TestBaselineViolationPerPath(t *testing.T) {
	a := act("A", 60)
	a.Actual.StartTS = at(0)
	a.Plan.StartTS = at(0)
	a.Plan.EndTS = at(90)
	acts := []domain.Activity{a}
	fwd, bwd, _ := schedule(t, acts)
	cols := DetectCollisions(CollisionInput{Activities: acts, Forward: fwd, Backward: bwd, RunID: "r"})
	require.Len(t, cols, 1)
	assert.Equal(t, domain.CollisionBaselineViolation, cols[0].Kind)
	assert.Equal(t, "Baseline violation: plan.end is frozen but reflow proposes change", cols[0].Message)
	assert.Equal(t, domain.PathPlanEnd, cols[0].SuggestedActions[0].Params.Path)
}

func TestAnnotateFillsCalc(t *testing.T) {
	acts := []domain.Activity{act("A", 60), act("B", 60, "A")}
	fwd, bwd, _ := schedule(t, acts)
	cols := []domain.Collision{{ID: "c1", Severity: domain.SeverityWarning, ActivityIDs: []string{"B"}}, {ID: "c2", Severity: domain.SeverityBlocking, ActivityIDs: []string{"B"}}}
	out := Annotate(acts, fwd, bwd, cols)
	assert.Nil(t, acts[0].Calc.ES, "input untouched")
	require.NotNil(t, out[1].Calc.ES)
	assert.Equal(t, *at(60), *out[1].Calc.ES)
	assert.True(t, out[1].Calc.CriticalPath)
	assert.Equal(t, []string{"c1", "c2"}, out[1].Calc.CollisionIDs)
	assert.Equal(t, domain.SeverityBlocking, out[1].Calc.CollisionSeverityMax)
	assert.Equal(t, domain.Severity(""), out[0].Calc.CollisionSeverityMax)
}

func TestViewModePermissions(t *testing.T) {
	assert.True(t, PermissionsFor(ModeLive).CanApplyReflow)
	for _, m := range []ViewMode{ModeHistory, ModeApproval, ModeCompare} {
		p := PermissionsFor(m)
		assert.False(t, p.CanApplyReflow, m)
		assert.False(t, p.CanModifyState, m)
		assert.True(t, p.CanExport, m)
		assert.True(t, m.ReadOnly(), m)
	}
	m, err := ParseViewMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeLive, m)
	_, err = ParseViewMode("edit")
	assert.Error(t, err)
}
