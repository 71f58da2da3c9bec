package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"reflowline/internal/baseline"
	"reflowline/internal/domain"
	"reflowline/internal/engine/auth"
	"reflowline/internal/events"
	"reflowline/internal/lifecycle"
	"reflowline/internal/reflow"
)

var (
	ErrUnknownField = errors.New("unknown plan field")
	ErrInvalidState = errors.New("invalid activity state")

	ErrEvidenceTypeRequired = errors.New("evidence_type required")
)

// Plan fields SetPlanField accepts.
const (
	FieldPlanStart    = domain.PathPlanStart
	FieldPlanEnd      = domain.PathPlanEnd
	FieldDurationMin  = "plan.duration_min"
	FieldDurationMode = "plan.duration_mode"
	FieldNotes        = "plan.notes"
)

// TransitionOptions drive one lifecycle transition.
type TransitionOptions struct {
	ActivityID  string
	To          domain.ActivityState
	ActorID     string
	BlockerCode string
	AbortReason string
	Mode        reflow.ViewMode
}

// Transition runs the lifecycle state machine against stored evidence. The
// history event is persisted whatever the outcome; the activity only on success.
// Entering in_progress stamps actual.start_ts and entering completed stamps
// actual.end_ts when they are not already recorded.
func (e Engine) Transition(ctx context.Context, opts TransitionOptions) (lifecycle.Result, error) {
	if err := auth.RequireMode(opts.Mode, auth.CapModifyState); err != nil {
		return lifecycle.Result{}, err
	}
	if !lifecycle.IsValidState(opts.To) {
		return lifecycle.Result{}, fmt.Errorf("%w: %q", ErrInvalidState, opts.To)
	}
	var res lifecycle.Result
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		a, err := e.Repo.GetActivityTx(ctx, tx, opts.ActivityID)
		if err != nil {
			return err
		}
		source, err := e.Repo.EvidenceByIDs(ctx, tx, a.EvidenceIDs)
		if err != nil {
			return err
		}
		res = lifecycle.Transition(a, opts.To, opts.ActorID, lifecycle.Options{
			Evidence:    lifecycle.EvidenceSource(source),
			BlockerCode: opts.BlockerCode,
			AbortReason: opts.AbortReason,
			Now:         e.now,
			NewID:       func() string { return e.newID("HE_") },
		})
		if err := e.Repo.InsertHistoryEvent(ctx, tx, res.History); err != nil {
			return fmt.Errorf("record history: %w", err)
		}
		if res.Success {
			now := e.now()
			switch opts.To {
			case domain.StateInProgress:
				if res.Activity.Actual.StartTS == nil {
					res.Activity.Actual.StartTS = domain.TimePtr(now)
				}
			case domain.StateCompleted:
				if res.Activity.Actual.EndTS == nil {
					res.Activity.Actual.EndTS = domain.TimePtr(now)
				}
				res.Activity.Actual.ProgressPct = 100
			}
			if err := e.Repo.UpsertActivity(ctx, tx, res.Activity, now); err != nil {
				return err
			}
		}
		_, err = e.events().Append(ctx, tx, events.TypeActivityTransitioned, e.projectID(), "activity", a.ID, opts.ActorID, events.Payload{
			"from":    string(res.History.Details.FromState),
			"to":      string(opts.To),
			"success": res.Success,
			"code":    res.BlockerCode,
		})
		return err
	})
	if err != nil {
		return lifecycle.Result{}, err
	}
	e.Metrics.RecordTransition(ctx, opts.To, res.Success)
	if !res.Success {
		e.logger().Info("transition refused", "activity", opts.ActivityID, "to", opts.To, "code", res.BlockerCode)
	}
	return res, nil
}

// AttachEvidenceOptions describe one evidence item added to an activity.
type AttachEvidenceOptions struct {
	ActivityID string
	Item       domain.EvidenceItem
	ActorID    string
	Mode       reflow.ViewMode
}

// AttachEvidence stores an item and links it to the activity. Activities
// locked by a baseline accept evidence only when the baseline allows it.
func (e Engine) AttachEvidence(ctx context.Context, opts AttachEvidenceOptions) (domain.Activity, domain.EvidenceItem, error) {
	if err := auth.RequireMode(opts.Mode, auth.CapAttachEvidence); err != nil {
		return domain.Activity{}, domain.EvidenceItem{}, err
	}
	item := opts.Item
	if strings.TrimSpace(item.EvidenceType) == "" {
		return domain.Activity{}, domain.EvidenceItem{}, ErrEvidenceTypeRequired
	}
	if item.ID == "" {
		item.ID = e.newID("EV_")
	}
	if item.CapturedAt.IsZero() {
		item.CapturedAt = e.now()
	}
	if item.CapturedBy == "" {
		item.CapturedBy = opts.ActorID
	}
	var updated domain.Activity
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		a, err := e.Repo.GetActivityTx(ctx, tx, opts.ActivityID)
		if err != nil {
			return err
		}
		if a.LockLevel == domain.LockBaseline {
			if active, err := e.Repo.ActiveBaseline(ctx, tx); err == nil && !active.FreezePolicy.AllowEvidenceAdd {
				return &baseline.FrozenFieldError{Path: reflow.ActivityFieldPath(a.ID, "evidence_ids"), Pattern: "freeze_policy.allow_evidence_add=false"}
			}
		}
		if err := e.Repo.InsertEvidence(ctx, tx, item, a.ID); err != nil {
			return err
		}
		if !slices.Contains(a.EvidenceIDs, item.ID) {
			a.EvidenceIDs = append(a.EvidenceIDs, item.ID)
		}
		if err := e.Repo.UpsertActivity(ctx, tx, a, e.now()); err != nil {
			return err
		}
		updated = a
		_, err = e.events().Append(ctx, tx, events.TypeEvidenceAttached, e.projectID(), "activity", a.ID, opts.ActorID, events.Payload{
			"evidence_id":   item.ID,
			"evidence_type": item.EvidenceType,
		})
		return err
	})
	if err != nil {
		return domain.Activity{}, domain.EvidenceItem{}, err
	}
	return updated, item, nil
}

// SetPlanFieldOptions edit one authored plan field. Value is RFC3339 for
// instants (empty clears), an integer for duration_min.
type SetPlanFieldOptions struct {
	ActivityID string
	Field      string
	Value      string
	ActorID    string
	Mode       reflow.ViewMode
}

// SetPlanField edits a plan field under the freeze policy. A frozen field
// returns *baseline.FrozenFieldError and nothing is written.
func (e Engine) SetPlanField(ctx context.Context, opts SetPlanFieldOptions) (domain.Activity, error) {
	if err := auth.RequireMode(opts.Mode, auth.CapModifyState); err != nil {
		return domain.Activity{}, err
	}
	var updated domain.Activity
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		a, err := e.Repo.GetActivityTx(ctx, tx, opts.ActivityID)
		if err != nil {
			return err
		}
		policy, _, err := e.freezePolicy(ctx, tx)
		if err != nil {
			return err
		}
		if policy != nil {
			if err := baseline.AssertEditAllowed(reflow.ActivityFieldPath(a.ID, opts.Field), *policy); err != nil {
				return err
			}
		}
		if err := setPlanField(&a, opts.Field, opts.Value); err != nil {
			return err
		}
		if err := e.Repo.UpsertActivity(ctx, tx, a, e.now()); err != nil {
			return err
		}
		updated = a
		_, err = e.events().Append(ctx, tx, events.TypeActivityPlanEdited, e.projectID(), "activity", a.ID, opts.ActorID, events.Payload{
			"field": opts.Field,
			"value": opts.Value,
		})
		return err
	})
	return updated, err
}

func setPlanField(a *domain.Activity, field, value string) error {
	value = strings.TrimSpace(value)
	parseTime := func() (*time.Time, error) {
		if value == "" {
			return nil, nil
		}
		t, err := time.Parse(time.RFC3339, value)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", field, err)
		}
		return domain.TimePtr(t), nil
	}
	switch field {
	case FieldPlanStart:
		t, err := parseTime()
		if err != nil {
			return err
		}
		a.Plan.StartTS = t
	case FieldPlanEnd:
		t, err := parseTime()
		if err != nil {
			return err
		}
		a.Plan.EndTS = t
	case FieldDurationMin:
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 {
			return fmt.Errorf("invalid %s: %q", field, value)
		}
		a.Plan.DurationMin = n
	case FieldDurationMode:
		switch domain.DurationMode(value) {
		case domain.DurationElapsed, domain.DurationWorkHours:
			a.Plan.DurationMode = domain.DurationMode(value)
		default:
			return fmt.Errorf("invalid %s: %q", field, value)
		}
	case FieldNotes:
		a.Plan.Notes = value
	default:
		return fmt.Errorf("%w: %s", ErrUnknownField, field)
	}
	return nil
}
