package reflow

import (
	"math"
	"time"

	"reflowline/internal/domain"
)

// Late holds the backward-pass values of one activity.
type Late struct {
	LS       time.Time
	LF       time.Time
	SlackMin int
	Critical bool
}

type BackwardResult struct {
	ProjectEnd time.Time
	Times      map[string]Late
}

// BackwardPass walks order in reverse, anchoring activities without resolved successors
// at projectEnd (or the latest EF when projectEnd is nil). Negative slack is kept as is.
func BackwardPass(activities []domain.Activity, order []string, forward ForwardResult, projectEnd *time.Time) BackwardResult {
	byID := indexActivities(activities)
	g := BuildGraph(activities)
	res := BackwardResult{Times: make(map[string]Late, len(order))}
	if projectEnd != nil {
		res.ProjectEnd = projectEnd.UTC()
	} else {
		res.ProjectEnd = latestFinish(forward)
	}

	for i := len(order) - 1; i >= 0; i-- {
		id := order[i]
		a, ok := byID[id]
		if !ok {
			continue
		}
		early, ok := forward.Times[id]
		if !ok {
			continue
		}
		lf := lateFinish(a, g.Out[id], res.Times, res.ProjectEnd)
		ls := lf.Add(-minutes(a.Plan.DurationMin))
		slack := roundMinutes(ls.Sub(early.Start))
		res.Times[id] = Late{LS: ls, LF: lf, SlackMin: slack, Critical: slack == 0}
	}
	return res
}

func lateFinish(a domain.Activity, out []Edge, done map[string]Late, projectEnd time.Time) time.Time {
	var (
		best  time.Time
		found bool
	)
	for _, e := range out {
		succ, ok := done[e.To]
		if !ok {
			continue
		}
		var ref time.Time
		switch e.Type {
		case domain.DepStartStart:
			ref = succ.LS.Add(minutes(a.Plan.DurationMin))
		case domain.DepFinishFinish, domain.DepStartFinish:
			ref = succ.LF
		default:
			ref = succ.LS
		}
		t := ref.Add(-minutes(e.LagMin))
		if !found || t.Before(best) {
			best = t
			found = true
		}
	}
	if !found {
		return projectEnd
	}
	return best
}

func latestFinish(forward ForwardResult) time.Time {
	var out time.Time
	for _, w := range forward.Times {
		if w.Finish.After(out) {
			out = w.Finish
		}
	}
	return out
}

// roundMinutes rounds half up, matching how slack has always been reported.
func roundMinutes(d time.Duration) int {
	return int(math.Floor(d.Minutes() + 0.5))
}

// CriticalPath returns the critical activity ids in sorted order.
func CriticalPath(backward BackwardResult, order []string) []string {
	var out []string
	for _, id := range order {
		if l, ok := backward.Times[id]; ok && l.Critical {
			out = append(out, id)
		}
	}
	return out
}

// CriticalPathDuration is the span in minutes from the earliest ES to the latest EF.
func CriticalPathDuration(forward ForwardResult) int {
	if len(forward.Times) == 0 {
		return 0
	}
	var minES, maxEF time.Time
	first := true
	for _, w := range forward.Times {
		if first || w.Start.Before(minES) {
			minES = w.Start
		}
		if first || w.Finish.After(maxEF) {
			maxEF = w.Finish
		}
		first = false
	}
	return roundMinutes(maxEF.Sub(minES))
}
