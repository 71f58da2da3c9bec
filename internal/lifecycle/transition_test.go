package lifecycle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reflowline/internal/domain"
)

var fixedNow = func() time.Time { return time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC) }

func readyActivity() domain.Activity {
	return domain.Activity{
		ID:    "A1000",
		State: domain.StateReady,
		EvidenceRequired: []domain.EvidenceRequired{
			{EvidenceType: "ptw", Stage: domain.StageBeforeStart, MinCount: 2, Required: true},
			{EvidenceType: "photo", Stage: domain.StageBeforeStart, MinCount: 5, Required: false},
			{EvidenceType: "report", Stage: domain.StageAfterEnd, MinCount: 1, Required: true},
		},
	}
}

func TestEvidenceGateEndToEnd(t *testing.T) {
	a := readyActivity()
	source := EvidenceSource{}

	res := Transition(a, domain.StateInProgress, "ops", Options{Evidence: source, Now: fixedNow})
	require.False(t, res.Success)
	assert.Equal(t, "EVIDENCE_MISSING_PTW", res.BlockerCode)
	assert.Equal(t, domain.StateReady, a.State)
	assert.Equal(t, domain.StateReady, res.Activity.State)
	assert.False(t, res.History.Details.Success)
	assert.Equal(t, []string{"ptw"}, res.History.Details.MissingEvidence)
	assert.Equal(t, "evidence_gate_failed", res.History.Details.Reason)

	source["EV1"] = domain.EvidenceItem{ID: "EV1", EvidenceType: "ptw"}
	source["EV2"] = domain.EvidenceItem{ID: "EV2", EvidenceType: "photo"}
	a.EvidenceIDs = []string{"EV1", "EV2"}
	res = Transition(a, domain.StateInProgress, "ops", Options{Evidence: source, Now: fixedNow})
	require.False(t, res.Success, "one ptw of two is not enough")

	source["EV3"] = domain.EvidenceItem{ID: "EV3", EvidenceType: "ptw"}
	a.EvidenceIDs = append(a.EvidenceIDs, "EV3")
	res = Transition(a, domain.StateInProgress, "ops", Options{Evidence: source, Now: fixedNow})
	require.True(t, res.Success)
	assert.Equal(t, domain.StateInProgress, res.Activity.State)
	assert.Equal(t, domain.StateReady, a.State, "input is never modified")
	assert.True(t, res.History.Details.Success)
	assert.Equal(t, fixedNow(), res.History.TS)
	assert.Equal(t, "state_transition", res.History.EventType)
	assert.Equal(t, domain.EntityRef{EntityType: "activity", EntityID: "A1000"}, res.History.EntityRef)
}

func TestEvidenceWithoutSourceNeverCounts(t *testing.T) {
	a := readyActivity()
	a.EvidenceIDs = []string{"EV1", "EV2"}
	gate := CheckEvidenceGate(a, domain.StateReady, domain.StateInProgress, nil)
	assert.False(t, gate.Allowed)
	require.Len(t, gate.Missing, 1)
}

func TestBlockedToReadyChecksBothStages(t *testing.T) {
	a := domain.Activity{
		ID:    "A",
		State: domain.StateBlocked,
		EvidenceRequired: []domain.EvidenceRequired{
			{EvidenceType: "weather ok", Stage: domain.StageBeforeReady, MinCount: 1, Required: true},
			{EvidenceType: "ptw", Stage: domain.StageBeforeStart, MinCount: 1, Required: true},
		},
	}
	code := "WX_HOLD"
	a.BlockerCode = &code
	res := Transition(a, domain.StateReady, "ops", Options{})
	require.False(t, res.Success)
	assert.Equal(t, "EVIDENCE_MISSING_WEATHER_OK", res.BlockerCode)
	assert.Len(t, res.Missing, 2)

	src := EvidenceSource{"e1": {EvidenceType: "weather ok"}, "e2": {EvidenceType: "ptw"}}
	a.EvidenceIDs = []string{"e1", "e2"}
	res = Transition(a, domain.StateReady, "ops", Options{Evidence: src})
	require.True(t, res.Success)
	assert.Nil(t, res.Activity.BlockerCode, "leaving blocked clears the blocker")
}

func TestGuards(t *testing.T) {
	tests := []struct {
		name string
		from domain.ActivityState
		to   domain.ActivityState
		opts Options
		mod  func(*domain.Activity)
		code string
	}{
		{name: "adjacency", from: domain.StateDraft, to: domain.StateReady, code: CodeTransitionNotAllowed},
		{name: "terminal", from: domain.StateCompleted, to: domain.StateInProgress, code: CodeTransitionNotAllowed},
		{name: "cancel after start", from: domain.StateReady, to: domain.StateCanceled, code: CodeTransitionNotAllowed,
			mod: func(a *domain.Activity) {
				ts := fixedNow()
				a.Actual.StartTS = &ts
			}},
		{name: "abort without reason", from: domain.StateInProgress, to: domain.StateAborted, code: CodeAbortReasonRequired},
		{name: "block without code", from: domain.StatePlanned, to: domain.StateBlocked, code: CodeBlockerCodeRequired},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			a := domain.Activity{ID: "A", State: tc.from}
			if tc.mod != nil {
				tc.mod(&a)
			}
			res := Transition(a, tc.to, "ops", tc.opts)
			assert.False(t, res.Success)
			assert.Equal(t, tc.code, res.BlockerCode)
			assert.Equal(t, tc.from, res.Activity.State)
			assert.NotEmpty(t, res.History.Details.Reason)
			assert.NotEmpty(t, res.History.ID)
		})
	}
}

func TestSuccessfulGuardedTransitions(t *testing.T) {
	res := Transition(domain.Activity{ID: "A", State: domain.StatePlanned}, domain.StateBlocked, "ops", Options{BlockerCode: "CRANE_DOWN"})
	require.True(t, res.Success)
	require.NotNil(t, res.Activity.BlockerCode)
	assert.Equal(t, "CRANE_DOWN", *res.Activity.BlockerCode)
	assert.Equal(t, "CRANE_DOWN", res.History.Details.BlockerCode)

	res = Transition(res.Activity, domain.StateAborted, "ops", Options{AbortReason: "tide window lost"})
	require.True(t, res.Success)
	assert.Equal(t, domain.StateAborted, res.Activity.State)
	assert.Nil(t, res.Activity.BlockerCode)
	assert.Equal(t, "tide window lost", res.History.Details.Reason)

	res = Transition(domain.Activity{ID: "B", State: domain.StatePlanned}, domain.StateCanceled, "ops", Options{NewID: func() string { return "HE_1" }})
	require.True(t, res.Success)
	assert.Equal(t, "HE_1", res.History.ID)
}

func TestAllowedTargets(t *testing.T) {
	assert.Equal(t, []domain.ActivityState{domain.StatePlanned}, AllowedTargets(domain.StateDraft))
	assert.Empty(t, AllowedTargets(domain.StateCompleted))
	assert.True(t, IsTerminal(domain.StateCanceled))
	assert.False(t, IsTerminal(domain.StateBlocked))
	assert.False(t, IsValidState("verified"))

	targets := AllowedTargets(domain.StateReady)
	targets[0] = domain.StateDraft
	assert.Equal(t, domain.StateInProgress, AllowedTargets(domain.StateReady)[0], "callers get a copy")
}

func TestEvidenceBlockerCode(t *testing.T) {
	assert.Equal(t, "EVIDENCE_MISSING_SENSOR_LOG", EvidenceBlockerCode("sensor_log"))
	assert.Equal(t, "EVIDENCE_MISSING_MWS_CERT_V2", EvidenceBlockerCode("mws-cert.v2"))
}
