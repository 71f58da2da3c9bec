package reflow

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"reflowline/internal/domain"
)

const (
	statusOpen          = "open"
	defaultShiftMin     = 60
	standbyDurationMin  = 60
	fallbackAltResource = "ALT_RESOURCE"
)

// CollisionInput is everything the collision scans read. Nothing in it is modified.
type CollisionInput struct {
	Activities []domain.Activity
	Forward    ForwardResult
	Backward   BackwardResult
	TripID     string
	RunID      string
}

// DetectCollisions runs the resource, slack, constraint and baseline scans in that order.
func DetectCollisions(in CollisionInput) []domain.Collision {
	var out []domain.Collision
	out = append(out, resourceCollisions(in)...)
	out = append(out, slackCollisions(in)...)
	out = append(out, constraintCollisions(in)...)
	out = append(out, baselineCollisions(in)...)
	return out
}

type resourceUse struct {
	activityID string
	window     Window
}

func resourceCollisions(in CollisionInput) []domain.Collision {
	var resourceIDs []string
	usage := make(map[string][]resourceUse)
	for _, a := range in.Activities {
		w, ok := in.Forward.Times[a.ID]
		if !ok {
			continue
		}
		for _, r := range a.Plan.Resources {
			if r.ResourceID == "" {
				continue
			}
			if _, seen := usage[r.ResourceID]; !seen {
				resourceIDs = append(resourceIDs, r.ResourceID)
			}
			usage[r.ResourceID] = append(usage[r.ResourceID], resourceUse{activityID: a.ID, window: w})
		}
	}

	var out []domain.Collision
	for _, rid := range resourceIDs {
		uses := usage[rid]
		pairs := make(map[[2]string]bool)
		for i := 0; i < len(uses); i++ {
			for j := i + 1; j < len(uses); j++ {
				a, b := uses[i], uses[j]
				if a.activityID == b.activityID || !overlaps(a.window, b.window) {
					continue
				}
				first, later := a, b
				if b.window.Start.Before(a.window.Start) ||
					(b.window.Start.Equal(a.window.Start) && b.activityID < a.activityID) {
					first, later = b, a
				}
				key := [2]string{first.activityID, later.activityID}
				if pairs[key] {
					continue
				}
				pairs[key] = true
				out = append(out, overallocation(in, rid, first, later))
			}
		}
	}
	return out
}

func overlaps(a, b Window) bool {
	return a.Start.Before(b.Finish) && b.Start.Before(a.Finish)
}

func overallocation(in CollisionInput, resourceID string, first, later resourceUse) domain.Collision {
	from := first.window.Start
	if later.window.Start.After(from) {
		from = later.window.Start
	}
	to := first.window.Finish
	if later.window.Finish.Before(to) {
		to = later.window.Finish
	}
	id := collisionID(in.RunID, domain.CollisionResourceOverallocated, resourceID, first.activityID, later.activityID)
	return domain.Collision{
		ID:          id,
		Kind:        domain.CollisionResourceOverallocated,
		Severity:    domain.SeverityBlocking,
		Status:      statusOpen,
		TripID:      in.TripID,
		ActivityIDs: []string{first.activityID, later.activityID},
		ResourceIDs: []string{resourceID},
		Message:     fmt.Sprintf("Resource overlap: %s used by multiple activities in overlapping time window", resourceID),
		Details: domain.CollisionDetails{
			Overlap: []domain.ResourceOverlap{{ResourceID: resourceID, FromTS: from, ToTS: to}},
		},
		SuggestedActions: []domain.SuggestedAction{
			{
				ID:    actionID(id, domain.ActionShiftActivity),
				Kind:  domain.ActionShiftActivity,
				Label: fmt.Sprintf("Shift activity %s after %s completes", later.activityID, first.activityID),
				Params: domain.ActionParams{
					ActivityID: later.activityID,
					ShiftMin:   defaultShiftMin,
				},
			},
			{
				ID:    actionID(id, domain.ActionSwapResource),
				Kind:  domain.ActionSwapResource,
				Label: fmt.Sprintf("Use alternative resource for %s", later.activityID),
				Params: domain.ActionParams{
					ActivityID:       later.activityID,
					AssignResourceID: AlternateResourceID(resourceID),
				},
			},
			{
				ID:    actionID(id, domain.ActionAddStandbyActivity),
				Kind:  domain.ActionAddStandbyActivity,
				Label: "Insert standby buffer until resource free",
				Params: domain.ActionParams{
					TripID:          in.TripID,
					AfterActivityID: first.activityID,
					DurationMin:     standbyDurationMin,
				},
			},
		},
	}
}

// AlternateResourceID suggests the sibling unit of a numbered resource: CRANE_01 becomes CRANE_02.
func AlternateResourceID(resourceID string) string {
	stem := strings.TrimRight(resourceID, "0123456789")
	stem = strings.TrimSuffix(stem, "_")
	if stem == "" {
		return fallbackAltResource
	}
	return stem + "_02"
}

func slackCollisions(in CollisionInput) []domain.Collision {
	var out []domain.Collision
	for _, a := range in.Activities {
		late, ok := in.Backward.Times[a.ID]
		if !ok || late.SlackMin >= 0 {
			continue
		}
		early, ok := in.Forward.Times[a.ID]
		if !ok {
			continue
		}
		id := collisionID(in.RunID, domain.CollisionNegativeSlack, a.ID)
		shift := -late.SlackMin
		out = append(out, domain.Collision{
			ID:          id,
			Kind:        domain.CollisionNegativeSlack,
			Severity:    domain.SeverityBlocking,
			Status:      statusOpen,
			TripID:      in.TripID,
			ActivityIDs: []string{a.ID},
			ResourceIDs: []string{},
			Message:     fmt.Sprintf("Negative slack (%d min): successor pulled before predecessor", late.SlackMin),
			Details: domain.CollisionDetails{Slack: &domain.SlackDetails{
				SlackMin: late.SlackMin,
				ES:       early.Start,
				EF:       early.Finish,
				LS:       late.LS,
				LF:       late.LF,
			}},
			SuggestedActions: []domain.SuggestedAction{{
				ID:     actionID(id, domain.ActionShiftActivity),
				Kind:   domain.ActionShiftActivity,
				Label:  "Shift activity to resolve negative slack",
				Params: domain.ActionParams{ActivityID: a.ID, ShiftMin: shift},
			}},
		})
	}
	return out
}

func constraintCollisions(in CollisionInput) []domain.Collision {
	var out []domain.Collision
	for _, a := range in.Activities {
		w, ok := in.Forward.Times[a.ID]
		if !ok {
			continue
		}
		for i, c := range a.Plan.Constraints {
			if c.Params.TargetTS == nil {
				continue
			}
			target := c.Params.TargetTS.UTC()
			var actual time.Time
			switch {
			case c.Kind == domain.ConstraintNotBefore && w.Start.Before(target):
				actual = w.Start
			case c.Kind == domain.ConstraintNotAfter && w.Finish.After(target):
				actual = w.Finish
			default:
				continue
			}
			id := collisionID(in.RunID, domain.CollisionConstraintViolation, a.ID, string(c.Kind), fmt.Sprint(i))
			out = append(out, domain.Collision{
				ID:          id,
				Kind:        domain.CollisionConstraintViolation,
				Severity:    domain.SeverityBlocking,
				Status:      statusOpen,
				TripID:      in.TripID,
				ActivityIDs: []string{a.ID},
				ResourceIDs: []string{},
				Message:     fmt.Sprintf("Constraint violation (%s): activity outside allowed window", c.Kind),
				Details: domain.CollisionDetails{Constraint: &domain.ConstraintDetails{
					ConstraintType: c.Kind,
					TargetTS:       target,
					ActualTS:       actual,
				}},
				SuggestedActions: []domain.SuggestedAction{{
					ID:     actionID(id, domain.ActionShiftActivity),
					Kind:   domain.ActionShiftActivity,
					Label:  "Snap to constraint window",
					Params: domain.ActionParams{ActivityID: a.ID, SnapTo: "next_window"},
				}},
			})
		}
	}
	return out
}

func baselineCollisions(in CollisionInput) []domain.Collision {
	var out []domain.Collision
	for _, a := range in.Activities {
		if a.LockLevel != domain.LockBaseline && a.Actual.StartTS == nil {
			continue
		}
		w, ok := in.Forward.Times[a.ID]
		if !ok {
			continue
		}
		frozenStart := a.Actual.StartTS
		if frozenStart == nil {
			frozenStart = a.Plan.StartTS
		}
		frozenEnd := a.Actual.EndTS
		if frozenEnd == nil {
			frozenEnd = a.Plan.EndTS
		}
		if frozenStart != nil && !frozenStart.Equal(w.Start) {
			out = append(out, baselineViolation(in, a.ID, domain.PathPlanStart, *frozenStart, w.Start))
		}
		if frozenEnd != nil && !frozenEnd.Equal(w.Finish) {
			out = append(out, baselineViolation(in, a.ID, domain.PathPlanEnd, *frozenEnd, w.Finish))
		}
	}
	return out
}

func baselineViolation(in CollisionInput, activityID, path string, frozen, proposed time.Time) domain.Collision {
	id := collisionID(in.RunID, domain.CollisionBaselineViolation, activityID, path)
	return domain.Collision{
		ID:          id,
		Kind:        domain.CollisionBaselineViolation,
		Severity:    domain.SeverityBlocking,
		Status:      statusOpen,
		TripID:      in.TripID,
		ActivityIDs: []string{activityID},
		ResourceIDs: []string{},
		Message:     fmt.Sprintf("Baseline violation: %s is frozen but reflow proposes change", path),
		Details: domain.CollisionDetails{Baseline: &domain.BaselineDetails{
			Path:          path,
			FrozenValue:   frozen.UTC(),
			ProposedValue: proposed,
		}},
		SuggestedActions: []domain.SuggestedAction{{
			ID:     actionID(id, domain.ActionRevertToBaseline),
			Kind:   domain.ActionRevertToBaseline,
			Label:  "Revert to frozen value",
			Params: domain.ActionParams{ActivityID: activityID, Path: path},
		}},
	}
}

// dataErrorCollision reports a pipeline failure as a single blocking collision.
func dataErrorCollision(runID, tripID, message string) domain.Collision {
	return domain.Collision{
		ID:               collisionID(runID, domain.CollisionDataError, message),
		Kind:             domain.CollisionDataError,
		Severity:         domain.SeverityBlocking,
		Status:           statusOpen,
		TripID:           tripID,
		ActivityIDs:      []string{},
		ResourceIDs:      []string{},
		Message:          message,
		Details:          domain.CollisionDetails{Error: message},
		SuggestedActions: []domain.SuggestedAction{},
	}
}

// collisionID is stable for identical content within one run and differs across runs.
func collisionID(runID string, kind domain.CollisionKind, parts ...string) string {
	name := runID + "|" + string(kind) + "|" + strings.Join(parts, "|")
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)).String()
}

func actionID(parent string, kind domain.ActionKind, parts ...string) string {
	return collisionID(parent, domain.CollisionKind(kind), parts...)
}

// Summarize counts collisions by severity. Unknown severities count as info.
func Summarize(collisions []domain.Collision) domain.CollisionSummary {
	var s domain.CollisionSummary
	for _, c := range collisions {
		switch c.Severity {
		case domain.SeverityBlocking:
			s.Blocking++
		case domain.SeverityWarning:
			s.Warning++
		default:
			s.Info++
		}
	}
	return s
}

// SeverityMax returns the highest severity among collisions touching activityID, or "".
func SeverityMax(collisions []domain.Collision, activityID string) domain.Severity {
	var best domain.Severity
	for _, c := range collisions {
		for _, id := range c.ActivityIDs {
			if id == activityID && c.Severity.Rank() > best.Rank() {
				best = c.Severity
			}
		}
	}
	return best
}

// Annotate returns copies of activities with their calc block filled from one pipeline run.
func Annotate(activities []domain.Activity, forward ForwardResult, backward BackwardResult, collisions []domain.Collision) []domain.Activity {
	byActivity := make(map[string][]string)
	for _, c := range collisions {
		for _, id := range c.ActivityIDs {
			byActivity[id] = append(byActivity[id], c.ID)
		}
	}
	out := domain.CloneActivities(activities)
	for i := range out {
		a := &out[i]
		calc := domain.Calc{}
		if w, ok := forward.Times[a.ID]; ok {
			calc.ES = domain.TimePtr(w.Start)
			calc.EF = domain.TimePtr(w.Finish)
		}
		if l, ok := backward.Times[a.ID]; ok {
			calc.LS = domain.TimePtr(l.LS)
			calc.LF = domain.TimePtr(l.LF)
			slack := l.SlackMin
			calc.SlackMin = &slack
			calc.CriticalPath = l.Critical
		}
		ids := byActivity[a.ID]
		sort.Strings(ids)
		calc.CollisionIDs = ids
		calc.CollisionSeverityMax = SeverityMax(collisions, a.ID)
		a.Calc = calc
	}
	return out
}
