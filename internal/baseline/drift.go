package baseline

import (
	"strings"
	"time"

	"reflowline/internal/domain"
)

type DriftResult struct {
	DriftCount int                `json:"drift_count"`
	Drifts     []domain.DriftItem `json:"drifts"`
}

// CompareWithBaseline reports day-level drift of plan start/end for activities present in
// both the snapshot and the current set.
func CompareWithBaseline(activities []domain.Activity, b domain.Baseline) DriftResult {
	res := DriftResult{Drifts: []domain.DriftItem{}}
	if b.Snapshot.Entities == nil || b.Snapshot.Entities.ActivitiesPlan == nil {
		return res
	}
	plans := b.Snapshot.Entities.ActivitiesPlan
	for _, a := range activities {
		if a.ID == "" {
			continue
		}
		snap, ok := plans[a.ID]
		if !ok {
			continue
		}
		if base, cur := dayOf(snap.StartTS), dayString(a.Plan.StartTS); base != cur {
			res.Drifts = append(res.Drifts, domain.DriftItem{ActivityID: a.ID, Field: "start", BaselineValue: base, CurrentValue: cur})
		}
		if base, cur := dayOf(snap.EndTS), dayString(a.Plan.EndTS); base != cur {
			res.Drifts = append(res.Drifts, domain.DriftItem{ActivityID: a.ID, Field: "end", BaselineValue: base, CurrentValue: cur})
		}
	}
	res.DriftCount = len(res.Drifts)
	return res
}

// dayOf returns the UTC day of a snapshot timestamp. Unparseable values keep their
// date prefix.
func dayOf(ts string) string {
	if t, err := time.Parse(time.RFC3339, ts); err == nil {
		return t.UTC().Format("2006-01-02")
	}
	day, _, _ := strings.Cut(ts, "T")
	return day
}
