package repo_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reflowline/internal/db"
	"reflowline/internal/domain"
	"reflowline/internal/migrate"
	"reflowline/internal/repo"
)

var now = time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)

func newRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(context.Background(), conn, nil))
	return repo.Repo{DB: conn}
}

func TestMigrateIsIdempotent(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	require.NoError(t, migrate.Migrate(ctx, r.DB, nil))
	v, err := migrate.Version(ctx, r.DB)
	require.NoError(t, err)
	latest, err := migrate.Latest()
	require.NoError(t, err)
	assert.Equal(t, latest, v)
}

func TestActivityRoundTripDropsCalc(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	slack := -5
	a := domain.Activity{ID: "A1", TripID: "T1", State: domain.StatePlanned, Plan: domain.Plan{StartTS: &now, DurationMin: 60}}
	a.Calc.SlackMin = &slack
	require.NoError(t, r.UpsertActivity(ctx, nil, a, now))
	require.NoError(t, r.UpsertActivity(ctx, nil, domain.Activity{ID: "B1", TripID: "T2", State: domain.StateReady}, now))

	got, err := r.GetActivity(ctx, "A1")
	require.NoError(t, err)
	assert.Equal(t, domain.LockNone, got.LockLevel)
	assert.Nil(t, got.Calc.SlackMin)
	assert.True(t, now.Equal(*got.Plan.StartTS))

	trip, err := r.ListActivities(ctx, repo.ActivityFilters{TripID: "T2"})
	require.NoError(t, err)
	require.Len(t, trip, 1)
	assert.Equal(t, "B1", trip[0].ID)

	ids, err := r.ListTripIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"T1", "T2"}, ids)

	_, err = r.GetActivity(ctx, "missing")
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestRunHistoryAppendsOnce(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	h := repo.RunHistory{Repo: r}
	run := domain.ReflowRun{ID: "RUN_1", Mode: domain.RunApply, RequestedAt: now, RequestedBy: "planner",
		Approval: &domain.Approval{ApprovedBy: "lead", ApprovedAt: now}}
	require.NoError(t, h.AppendRun(ctx, run))
	assert.ErrorIs(t, h.AppendRun(ctx, run), repo.ErrRunExists)

	runs, err := h.ListRuns(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "lead", runs[0].Approval.ApprovedBy)
}

func TestActivateBaselineSupersedesPrevious(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	for i, id := range []string{"BL_1", "BL_2"} {
		require.NoError(t, r.InsertBaseline(ctx, nil, domain.Baseline{ID: id, Name: id, Status: "draft", CreatedAt: now.Add(time.Duration(i) * time.Hour)}))
	}
	for _, id := range []string{"BL_1", "BL_2"} {
		tx, err := r.DB.BeginTx(ctx, nil)
		require.NoError(t, err)
		require.NoError(t, r.ActivateBaseline(ctx, tx, id))
		require.NoError(t, tx.Commit())
	}
	active, err := r.ActiveBaseline(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, "BL_2", active.ID)
	first, err := r.GetBaseline(ctx, nil, "BL_1")
	require.NoError(t, err)
	assert.Equal(t, "superseded", first.Status)
}

func TestEvidenceLookupAndAPIKeys(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	require.NoError(t, r.InsertEvidence(ctx, nil, domain.EvidenceItem{ID: "EV1", EvidenceType: "ptw", CapturedAt: now}, ""))
	items, err := r.EvidenceByIDs(ctx, nil, []string{"EV1", "EV_MISSING"})
	require.NoError(t, err)
	assert.Len(t, items, 1)
	assert.Equal(t, "ptw", items["EV1"].EvidenceType)

	require.NoError(t, r.EnsureActor(ctx, nil, "lead", now.Format(time.RFC3339)))
	key := domain.APIKey{ID: "k1", ActorID: "lead", KeyHash: repo.HashAPIKey("secret"), CreatedAt: now.Format(time.RFC3339)}
	require.NoError(t, r.InsertAPIKey(ctx, nil, key))
	got, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey(" secret "))
	require.NoError(t, err)
	assert.Equal(t, "lead", got.ActorID)
	require.NoError(t, r.DeleteAPIKey(ctx, nil, "k1"))
	assert.ErrorIs(t, r.DeleteAPIKey(ctx, nil, "k1"), repo.ErrNotFound)
}
