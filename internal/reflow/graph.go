// Package reflow recomputes activity schedules: cycle detection, deterministic ordering,
// forward and backward critical-path passes, collision scanning, and the preview/apply
// protocol that ties them together.
package reflow

import (
	"sort"

	"reflowline/internal/domain"
)

// Edge is one dependency between two activity ids.
type Edge struct {
	From   string
	To     string
	Type   domain.DependencyType
	LagMin int
}

// Graph is an id-addressed adjacency arena rebuilt for every invocation.
type Graph struct {
	Nodes []string
	Known map[string]bool
	In    map[string][]Edge
	Out   map[string][]Edge
}

// BuildGraph lists supplied activities first (input order), then predecessor ids that are
// referenced but not supplied, in first-seen order.
func BuildGraph(activities []domain.Activity) Graph {
	g := Graph{
		Known: make(map[string]bool, len(activities)),
		In:    make(map[string][]Edge, len(activities)),
		Out:   make(map[string][]Edge, len(activities)),
	}
	for _, a := range activities {
		if g.Known[a.ID] {
			continue
		}
		g.Known[a.ID] = true
		g.Nodes = append(g.Nodes, a.ID)
	}
	seen := make(map[string]bool)
	for _, a := range activities {
		for _, dep := range a.Plan.Dependencies {
			if !g.Known[dep.PredActivityID] && !seen[dep.PredActivityID] {
				seen[dep.PredActivityID] = true
				g.Nodes = append(g.Nodes, dep.PredActivityID)
			}
			e := Edge{From: dep.PredActivityID, To: a.ID, Type: dep.Type, LagMin: dep.LagMin}
			g.In[a.ID] = append(g.In[a.ID], e)
			g.Out[dep.PredActivityID] = append(g.Out[dep.PredActivityID], e)
		}
	}
	return g
}

// Successors returns distinct successor ids of id in ascending order.
func (g Graph) Successors(id string) []string {
	return distinctSorted(g.Out[id], func(e Edge) string { return e.To })
}

// Predecessors returns distinct predecessor ids of id in ascending order.
func (g Graph) Predecessors(id string) []string {
	return distinctSorted(g.In[id], func(e Edge) string { return e.From })
}

func distinctSorted(edges []Edge, pick func(Edge) string) []string {
	if len(edges) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(edges))
	out := make([]string, 0, len(edges))
	for _, e := range edges {
		id := pick(e)
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func indexActivities(activities []domain.Activity) map[string]domain.Activity {
	byID := make(map[string]domain.Activity, len(activities))
	for _, a := range activities {
		if _, ok := byID[a.ID]; !ok {
			byID[a.ID] = a
		}
	}
	return byID
}
