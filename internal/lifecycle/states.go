// Package lifecycle holds the activity state machine and its evidence gate.
package lifecycle

import (
	"slices"

	"reflowline/internal/domain"
)

var allowed = map[domain.ActivityState][]domain.ActivityState{
	domain.StateDraft:      {domain.StatePlanned},
	domain.StatePlanned:    {domain.StateReady, domain.StateBlocked, domain.StateCanceled},
	domain.StateReady:      {domain.StateInProgress, domain.StateBlocked, domain.StateCanceled},
	domain.StateInProgress: {domain.StatePaused, domain.StateBlocked, domain.StateAborted, domain.StateCompleted},
	domain.StatePaused:     {domain.StateInProgress, domain.StateBlocked, domain.StateAborted},
	domain.StateBlocked:    {domain.StateReady, domain.StateAborted},
	domain.StateCompleted:  {},
	domain.StateCanceled:   {},
	domain.StateAborted:    {},
}

type edge struct {
	from domain.ActivityState
	to   domain.ActivityState
}

var gateStages = map[edge][]domain.EvidenceStage{
	{domain.StatePlanned, domain.StateReady}:        {domain.StageBeforeReady},
	{domain.StateReady, domain.StateInProgress}:     {domain.StageBeforeStart},
	{domain.StateBlocked, domain.StateReady}:        {domain.StageBeforeReady, domain.StageBeforeStart},
	{domain.StateInProgress, domain.StateCompleted}: {domain.StageAfterEnd},
}

// AllowedTargets lists the states reachable from in one step. Terminal and unknown states
// return an empty list.
func AllowedTargets(from domain.ActivityState) []domain.ActivityState {
	return slices.Clone(allowed[from])
}

func IsTerminal(s domain.ActivityState) bool {
	targets, ok := allowed[s]
	return ok && len(targets) == 0
}

func IsValidState(s domain.ActivityState) bool {
	_, ok := allowed[s]
	return ok
}

func adjacent(from, to domain.ActivityState) bool {
	return slices.Contains(allowed[from], to)
}

// GateStages returns the evidence stages checked on from -> to.
func GateStages(from, to domain.ActivityState) []domain.EvidenceStage {
	return gateStages[edge{from, to}]
}

func canCancelFrom(from domain.ActivityState, hasActualStart bool) bool {
	return (from == domain.StatePlanned || from == domain.StateReady) && !hasActualStart
}

func canAbortFrom(from domain.ActivityState) bool {
	return from == domain.StateInProgress || from == domain.StatePaused || from == domain.StateBlocked
}
