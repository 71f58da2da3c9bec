package baseline

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reflowline/internal/domain"
)

func TestFrozenPatternMatching(t *testing.T) {
	policy := domain.FreezePolicy{FrozenFields: []string{"activities.*.plan.start"}}
	assert.True(t, IsFrozen("activities.A1000.plan.start", policy))
	assert.False(t, IsFrozen("activities.A1000.plan.end", policy))
	assert.False(t, IsFrozen("activities.A1000.plan.start.extra", policy))
	assert.False(t, IsFrozen("activities.plan.start", policy))
	assert.False(t, IsFrozen("activities.A1000.plan.start", domain.FreezePolicy{}))

	err := AssertEditAllowed("activities.A1000.plan.start", policy)
	var frozen *FrozenFieldError
	require.True(t, errors.As(err, &frozen))
	assert.Equal(t, "cannot edit frozen field: activities.A1000.plan.start", err.Error())
	assert.Equal(t, "activities.*.plan.start", frozen.Pattern)
	assert.NoError(t, AssertEditAllowed("activities.A1000.plan.end", policy))
}

func TestCanonicalJSONSortsKeys(t *testing.T) {
	got, err := CanonicalJSON(map[string]any{
		"b": 1,
		"a": map[string]any{"z": "<x>", "y": []any{3, 1}},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"a":{"y":[3,1],"z":"<x>"},"b":1}`, string(got))
}

func sampleBaseline(t *testing.T) domain.Baseline {
	t.Helper()
	start := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)
	end := start.Add(6 * time.Hour)
	acts := []domain.Activity{{ID: "A1", Plan: domain.Plan{StartTS: &start, EndTS: &end}}}
	b, err := Capture(acts, "Voyage 3", domain.FreezePolicy{FrozenFields: []string{"activities.*.plan.start"}}, "planner", start)
	require.NoError(t, err)
	return b
}

func TestSnapshotHashValidation(t *testing.T) {
	b := sampleBaseline(t)
	require.NotNil(t, b.Snapshot.Hash)
	assert.Equal(t, "sha256", b.Snapshot.Hash.Algo)
	assert.Len(t, b.Snapshot.Hash.Value, 64)
	assert.True(t, ValidateSnapshotHash(b))

	tampered := b
	entities := *b.Snapshot.Entities
	entities.ActivitiesPlan = map[string]domain.PlanWindow{"A1": {StartTS: "2026-02-02T08:00:00Z", EndTS: "2026-02-01T14:00:00Z"}}
	tampered.Snapshot.Entities = &entities
	assert.False(t, ValidateSnapshotHash(tampered))

	upper := b
	upper.Snapshot.Hash = &domain.SnapshotHash{Algo: "SHA256", Value: b.Snapshot.Hash.Value}
	assert.True(t, ValidateSnapshotHash(upper))

	unsupported := b
	unsupported.Snapshot.Hash = &domain.SnapshotHash{Algo: "md5", Value: "abc"}
	assert.False(t, ValidateSnapshotHash(unsupported))

	none := b
	none.Snapshot.Hash = nil
	assert.True(t, ValidateSnapshotHash(none))
}

func TestEmptySnapshotHashesEmptyObject(t *testing.T) {
	h, err := ComputeSnapshotHash(domain.BaselineSnapshot{})
	require.NoError(t, err)
	// sha256("{}")
	assert.Equal(t, "44136fa355b3678a1146ad16f7e8649e94fb4fc21fe77e8310c060f61caaff8a", h.Value)
}

func TestCompareWithBaseline(t *testing.T) {
	b := sampleBaseline(t)
	moved := time.Date(2026, 2, 3, 9, 0, 0, 0, time.UTC)
	sameDay := time.Date(2026, 2, 1, 23, 0, 0, 0, time.UTC)
	acts := []domain.Activity{
		{ID: "A1", Plan: domain.Plan{StartTS: &moved, EndTS: &sameDay}},
		{ID: "NEW", Plan: domain.Plan{StartTS: &moved}},
	}
	res := CompareWithBaseline(acts, b)
	require.Equal(t, 1, res.DriftCount)
	assert.Equal(t, domain.DriftItem{ActivityID: "A1", Field: "start", BaselineValue: "2026-02-01", CurrentValue: "2026-02-03"}, res.Drifts[0])

	acts[0].Plan.EndTS = nil
	res = CompareWithBaseline(acts, b)
	assert.Equal(t, 2, res.DriftCount)
	assert.Equal(t, "", res.Drifts[1].CurrentValue)

	assert.Zero(t, CompareWithBaseline(acts, domain.Baseline{}).DriftCount)
}

func TestCompareWithBaselineNormalizesSnapshotOffsets(t *testing.T) {
	const ts = "2026-03-01T23:30:00-05:00"
	instant, err := time.Parse(time.RFC3339, ts)
	require.NoError(t, err)
	b := domain.Baseline{Snapshot: domain.BaselineSnapshot{Entities: &domain.SnapshotEntities{
		ActivitiesPlan: map[string]domain.PlanWindow{"A": {StartTS: ts, EndTS: ts}},
	}}}
	acts := []domain.Activity{{ID: "A", Plan: domain.Plan{StartTS: &instant, EndTS: &instant}}}
	assert.Zero(t, CompareWithBaseline(acts, b).DriftCount)

	moved := instant.Add(24 * time.Hour)
	acts[0].Plan.StartTS = &moved
	res := CompareWithBaseline(acts, b)
	require.Equal(t, 1, res.DriftCount)
	assert.Equal(t, domain.DriftItem{ActivityID: "A", Field: "start", BaselineValue: "2026-03-02", CurrentValue: "2026-03-03"}, res.Drifts[0])

	b.Snapshot.Entities.ActivitiesPlan["A"] = domain.PlanWindow{StartTS: "2026-03-03Tlocal", EndTS: ts}
	assert.Zero(t, CompareWithBaseline(acts, b).DriftCount, "unparseable values compare by date prefix")
}

func TestLoadFillsDefaults(t *testing.T) {
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	got, err := Load([]domain.Baseline{{ID: "BL1", CreatedAt: created}}, "BL1")
	require.NoError(t, err)
	assert.Equal(t, created, got.Snapshot.CapturedAt)
	assert.NotNil(t, got.FreezePolicy.FrozenFields)

	_, err = Load(nil, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
