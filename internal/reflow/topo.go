package reflow

import (
	"errors"
	"slices"
	"sort"
	"strings"

	"reflowline/internal/domain"
)

// ErrUnresolvedCycle is returned when ordering could not emit every activity.
var ErrUnresolvedCycle = errors.New("dependency cycle detected (not all activities processed)")

// TopologicalSort orders activities with Kahn's algorithm. The ready set is re-sorted on
// every extraction: lock level descending, plan start ascending (unset last), id ascending.
func TopologicalSort(activities []domain.Activity) ([]string, error) {
	byID := indexActivities(activities)
	g := BuildGraph(activities)

	indegree := make(map[string]int, len(byID))
	succs := make(map[string][]string, len(byID))
	for id := range byID {
		indegree[id] = 0
	}
	for id := range byID {
		for _, pred := range g.Predecessors(id) {
			if _, ok := byID[pred]; !ok {
				continue
			}
			indegree[id]++
			succs[pred] = append(succs[pred], id)
		}
	}

	var ready []string
	for id, n := range indegree {
		if n == 0 {
			ready = append(ready, id)
		}
	}
	order := make([]string, 0, len(byID))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool {
			return readyLess(byID[ready[i]], byID[ready[j]])
		})
		next := ready[0]
		ready = ready[1:]
		order = append(order, next)
		for _, s := range succs[next] {
			indegree[s]--
			if indegree[s] == 0 {
				ready = append(ready, s)
			}
		}
	}
	if len(order) != len(byID) {
		return nil, ErrUnresolvedCycle
	}
	return order, nil
}

func readyLess(a, b domain.Activity) bool {
	if ra, rb := a.LockLevel.Rank(), b.LockLevel.Rank(); ra != rb {
		return ra > rb
	}
	switch {
	case a.Plan.StartTS != nil && b.Plan.StartTS != nil:
		if !a.Plan.StartTS.Equal(*b.Plan.StartTS) {
			return a.Plan.StartTS.Before(*b.Plan.StartTS)
		}
	case a.Plan.StartTS != nil:
		return true
	case b.Plan.StartTS != nil:
		return false
	}
	return a.ID < b.ID
}

// VerifyDeterminism sorts the same input runs times and reports how many distinct orders
// were produced.
func VerifyDeterminism(activities []domain.Activity, runs int) (bool, int) {
	if runs <= 0 {
		runs = 10
	}
	var results []string
	for i := 0; i < runs; i++ {
		order, err := TopologicalSort(activities)
		key := strings.Join(order, ",")
		if err != nil {
			key = "error:" + err.Error()
		}
		if !slices.Contains(results, key) {
			results = append(results, key)
		}
	}
	return len(results) == 1, len(results)
}
