package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reflowline/internal/domain"
)

func TestParseCursor(t *testing.T) {
	now := time.Date(2026, 3, 2, 6, 0, 0, 0, time.UTC)

	ts, err := parseCursor("", now)
	require.NoError(t, err)
	assert.Nil(t, ts)

	ts, err = parseCursor("2026-03-05T08:00:00+02:00", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 5, 6, 0, 0, 0, time.UTC), *ts)

	ts, err = parseCursor("tomorrow", now)
	require.NoError(t, err)
	require.NotNil(t, ts)
	assert.Equal(t, 3, ts.Day())

	_, err = parseCursor("xyzzy", now)
	assert.Error(t, err)
}

func TestPrintRunListsChangesAndCollisions(t *testing.T) {
	t.Setenv("NO_COLOR", "1")
	from := time.Date(2026, 3, 2, 6, 0, 0, 0, time.UTC)
	to := from.Add(time.Hour)
	run := domain.ReflowRun{
		ID:              "RUN_1",
		Mode:            domain.RunPreview,
		RequestedBy:     "planner",
		ProposedChanges: []domain.ReflowChange{{ActivityID: "A", Path: domain.PathPlanStart, From: &from, To: &to, ReasonCode: "reflow_forward_pass"}},
		Collisions: []domain.Collision{{
			Kind: domain.CollisionResourceOverallocated, Severity: domain.SeverityBlocking,
			ActivityIDs: []string{"A", "B"}, Message: "CRANE_01 double booked",
		}},
		CollisionSummary: domain.CollisionSummary{Blocking: 1},
	}
	var buf bytes.Buffer
	printRun(&buf, run, []string{"A", "B"}, nil)
	out := buf.String()
	assert.Contains(t, out, "RUN_1")
	assert.Contains(t, out, "2026-03-02 07:00")
	assert.Contains(t, out, "CRANE_01 double booked")
	assert.Contains(t, out, "Critical path: A -> B")
	assert.Contains(t, out, "1 blocking")
}
