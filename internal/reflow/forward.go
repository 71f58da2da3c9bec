package reflow

import (
	"fmt"
	"time"

	"reflowline/internal/domain"
)

// DefaultWorkdayMinutes is the length of one work-hours chunk (08:00-17:00).
const DefaultWorkdayMinutes = 540

// FreezeReason names why an activity's start is fixed for the forward pass.
type FreezeReason int

const (
	NotFrozen FreezeReason = iota
	FrozenByActualStart
	FrozenByHardPin
	FrozenByBaselineLock
)

func (r FreezeReason) String() string {
	switch r {
	case FrozenByActualStart:
		return "actual_start"
	case FrozenByHardPin:
		return "hard_pin"
	case FrozenByBaselineLock:
		return "baseline_lock"
	default:
		return "none"
	}
}

// ClassifyFreeze decides whether the activity start is fixed and, if so, at which instant.
func ClassifyFreeze(a domain.Activity) (FreezeReason, time.Time) {
	if a.Actual.StartTS != nil {
		return FrozenByActualStart, a.Actual.StartTS.UTC()
	}
	for _, pin := range a.ReflowPins {
		if pin.Strength == domain.PinHard && pin.PinType == domain.PinStart && pin.TargetTS != nil {
			return FrozenByHardPin, pin.TargetTS.UTC()
		}
	}
	if a.LockLevel == domain.LockBaseline && a.Plan.StartTS != nil {
		return FrozenByBaselineLock, a.Plan.StartTS.UTC()
	}
	return NotFrozen, time.Time{}
}

// Window is an early (or late) start/finish pair.
type Window struct {
	Start  time.Time
	Finish time.Time
}

type ForwardResult struct {
	Times    map[string]Window
	Frozen   map[string]FreezeReason
	Warnings []string
}

// ForwardPass computes ES/EF for activities in the given order. cursor seeds activities
// without resolvable predecessors; resources supplies calendars for work-hours durations.
func ForwardPass(activities []domain.Activity, order []string, cursor time.Time, resources map[string]domain.Resource, workdayMin int) ForwardResult {
	byID := indexActivities(activities)
	res := ForwardResult{
		Times:  make(map[string]Window, len(order)),
		Frozen: make(map[string]FreezeReason),
	}
	cursor = cursor.UTC()
	for _, id := range order {
		a, ok := byID[id]
		if !ok {
			res.Warnings = append(res.Warnings, fmt.Sprintf("activity %s not found in activity set", id))
			continue
		}
		if reason, at := ClassifyFreeze(a); reason != NotFrozen {
			res.Times[id] = Window{Start: at, Finish: finishFrom(at, a, resources, workdayMin)}
			res.Frozen[id] = reason
			continue
		}
		es := earlyStart(a, res.Times, cursor, &res.Warnings)
		es = applyStartConstraints(es, a)
		res.Times[id] = Window{Start: es, Finish: finishFrom(es, a, resources, workdayMin)}
	}
	return res
}

func earlyStart(a domain.Activity, done map[string]Window, cursor time.Time, warnings *[]string) time.Time {
	var (
		best  time.Time
		found bool
	)
	for _, dep := range a.Plan.Dependencies {
		pred, ok := done[dep.PredActivityID]
		if !ok {
			*warnings = append(*warnings, fmt.Sprintf("activity %s: predecessor %s has no forward result", a.ID, dep.PredActivityID))
			continue
		}
		var ref time.Time
		switch dep.Type {
		case domain.DepStartStart, domain.DepStartFinish:
			ref = pred.Start
		default:
			ref = pred.Finish
		}
		t := ref.Add(minutes(dep.LagMin))
		if !found || t.After(best) {
			best = t
			found = true
		}
	}
	if !found {
		return cursor
	}
	return best
}

// applyStartConstraints raises ES for not_before and within_window. not_after is checked
// later as a collision, never enforced here.
func applyStartConstraints(es time.Time, a domain.Activity) time.Time {
	for _, c := range a.Plan.Constraints {
		switch c.Kind {
		case domain.ConstraintNotBefore:
			if c.Params.TargetTS != nil && es.Before(*c.Params.TargetTS) {
				es = c.Params.TargetTS.UTC()
			}
		case domain.ConstraintWithinWindow:
			if c.Params.StartTS != nil && es.Before(*c.Params.StartTS) {
				es = c.Params.StartTS.UTC()
			}
		}
	}
	return es
}

func finishFrom(start time.Time, a domain.Activity, resources map[string]domain.Resource, workdayMin int) time.Time {
	if a.Plan.DurationMode != domain.DurationWorkHours || !hasCalendar(a, resources) {
		return start.Add(minutes(a.Plan.DurationMin))
	}
	if workdayMin <= 0 {
		workdayMin = DefaultWorkdayMinutes
	}
	current := start
	remaining := a.Plan.DurationMin
	for remaining > 0 {
		chunk := min(remaining, workdayMin)
		remaining -= chunk
		if remaining > 0 {
			current = current.Add(24 * time.Hour)
		} else {
			current = current.Add(minutes(chunk))
		}
	}
	return current
}

func hasCalendar(a domain.Activity, resources map[string]domain.Resource) bool {
	if len(a.Plan.Resources) == 0 || a.Plan.Resources[0].ResourceID == "" {
		return false
	}
	r, ok := resources[a.Plan.Resources[0].ResourceID]
	return ok && r.Calendar != nil
}

func minutes(n int) time.Duration {
	return time.Duration(n) * time.Minute
}
