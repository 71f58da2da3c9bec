package lifecycle

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"reflowline/internal/domain"
)

const (
	CodeTransitionNotAllowed = "TRANSITION_NOT_ALLOWED"
	CodeAbortReasonRequired  = "ABORT_REASON_REQUIRED"
	CodeBlockerCodeRequired  = "BLOCKER_CODE_REQUIRED"

	EventStateTransition = "state_transition"
	reasonEvidenceGate   = "evidence_gate_failed"
)

type Options struct {
	Evidence    EvidenceSource
	BlockerCode string
	AbortReason string
	Now         func() time.Time
	NewID       func() string
}

// Result describes one transition attempt. History is populated on failure too.
type Result struct {
	Success     bool
	BlockerCode string
	History     domain.HistoryEvent
	Activity    domain.Activity
	Missing     []domain.EvidenceRequired
}

// Transition checks, in order: adjacency, the cancel guard, the abort guard, the blocker
// code guard and the evidence gate. The input is never modified; on success Result.Activity
// is the updated copy.
func Transition(a domain.Activity, to domain.ActivityState, actor string, opts Options) Result {
	from := a.State
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}
	id := "HE_" + uuid.NewString()
	if opts.NewID != nil {
		id = opts.NewID()
	}
	res := Result{
		Activity: a.Clone(),
		History: domain.HistoryEvent{
			ID:        id,
			TS:        now().UTC(),
			Actor:     actor,
			EventType: EventStateTransition,
			EntityRef: domain.EntityRef{EntityType: "activity", EntityID: a.ID},
			Details:   domain.HistoryDetails{FromState: from, ToState: to},
		},
	}
	fail := func(code, reason string) Result {
		res.BlockerCode = code
		res.History.Details.Reason = reason
		return res
	}

	if !adjacent(from, to) {
		return fail(CodeTransitionNotAllowed, fmt.Sprintf("Transition %s->%s not in allowed adjacency", from, to))
	}
	if to == domain.StateCanceled && !canCancelFrom(from, a.Actual.StartTS != nil) {
		return fail(CodeTransitionNotAllowed, "canceled only from planned/ready without actual.start_ts (use aborted)")
	}
	if to == domain.StateAborted {
		if !canAbortFrom(from) {
			return fail(CodeTransitionNotAllowed, "aborted only from in_progress/paused/blocked")
		}
		if strings.TrimSpace(opts.AbortReason) == "" {
			return fail(CodeAbortReasonRequired, "abort requires reason")
		}
	}
	blocker := opts.BlockerCode
	if to == domain.StateBlocked {
		if blocker == "" && a.BlockerCode != nil {
			blocker = *a.BlockerCode
		}
		if blocker == "" {
			return fail(CodeBlockerCodeRequired, "blocker_code required when entering blocked")
		}
	}
	gate := CheckEvidenceGate(a, from, to, opts.Evidence)
	if !gate.Allowed {
		res.Missing = gate.Missing
		for _, m := range gate.Missing {
			res.History.Details.MissingEvidence = append(res.History.Details.MissingEvidence, m.EvidenceType)
		}
		return fail(gate.BlockerCode, reasonEvidenceGate)
	}

	res.Success = true
	res.Activity.State = to
	if to == domain.StateBlocked {
		res.Activity.BlockerCode = &blocker
		res.History.Details.BlockerCode = blocker
	} else {
		res.Activity.BlockerCode = nil
	}
	if to == domain.StateAborted {
		res.History.Details.Reason = opts.AbortReason
	}
	res.History.Details.Success = true
	return res
}
