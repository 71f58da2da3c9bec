package reflow

import (
	"fmt"
	"strings"

	"reflowline/internal/domain"
)

// CycleResult reports every dependency loop found in one activity set.
type CycleResult struct {
	HasCycle  bool
	Cycles    [][]string
	Collision *domain.Collision
}

// DetectCycles finds self-loops and strongly connected components of more than one member.
// When any loop exists the result carries exactly one blocking dependency_cycle collision.
func DetectCycles(activities []domain.Activity, tripID, runID string) CycleResult {
	var cycles [][]string
	selfSeen := make(map[string]bool)
	for _, a := range activities {
		for _, dep := range a.Plan.Dependencies {
			if dep.PredActivityID == a.ID && !selfSeen[a.ID] {
				selfSeen[a.ID] = true
				cycles = append(cycles, []string{a.ID})
			}
		}
	}
	for _, scc := range stronglyConnected(BuildGraph(activities)) {
		if len(scc) > 1 {
			cycles = append(cycles, scc)
		}
	}
	if len(cycles) == 0 {
		return CycleResult{}
	}
	c := cycleCollision(cycles, tripID, runID)
	return CycleResult{HasCycle: true, Cycles: cycles, Collision: &c}
}

// WouldCreateCycle reports whether adding a finish-to-start edge pred -> succ closes a loop.
func WouldCreateCycle(activities []domain.Activity, predID, succID string) bool {
	next := domain.CloneActivities(activities)
	found := false
	for i := range next {
		if next[i].ID == succID {
			next[i].Plan.Dependencies = append(next[i].Plan.Dependencies, domain.Dependency{
				PredActivityID: predID,
				Type:           domain.DepFinishStart,
			})
			found = true
			break
		}
	}
	if !found {
		return false
	}
	return DetectCycles(next, "", "").HasCycle
}

type tarjanFrame struct {
	node string
	succ []string
	next int
}

// stronglyConnected runs Tarjan's algorithm on an explicit frame stack. Each component
// is returned in discovery order.
func stronglyConnected(g Graph) [][]string {
	index := make(map[string]int, len(g.Nodes))
	low := make(map[string]int, len(g.Nodes))
	onStack := make(map[string]bool, len(g.Nodes))
	var stack []string
	var out [][]string
	counter := 0

	enter := func(v string) tarjanFrame {
		index[v] = counter
		low[v] = counter
		counter++
		stack = append(stack, v)
		onStack[v] = true
		return tarjanFrame{node: v, succ: g.Successors(v)}
	}

	for _, root := range g.Nodes {
		if _, seen := index[root]; seen {
			continue
		}
		frames := []tarjanFrame{enter(root)}
		for len(frames) > 0 {
			top := &frames[len(frames)-1]
			if top.next < len(top.succ) {
				w := top.succ[top.next]
				top.next++
				if _, seen := index[w]; !seen {
					frames = append(frames, enter(w))
				} else if onStack[w] && index[w] < low[top.node] {
					low[top.node] = index[w]
				}
				continue
			}
			v := top.node
			frames = frames[:len(frames)-1]
			if low[v] == index[v] {
				var scc []string
				for {
					w := stack[len(stack)-1]
					stack = stack[:len(stack)-1]
					onStack[w] = false
					scc = append(scc, w)
					if w == v {
						break
					}
				}
				for i, j := 0, len(scc)-1; i < j; i, j = i+1, j-1 {
					scc[i], scc[j] = scc[j], scc[i]
				}
				out = append(out, scc)
			}
			if len(frames) > 0 {
				parent := frames[len(frames)-1].node
				if low[v] < low[parent] {
					low[parent] = low[v]
				}
			}
		}
	}
	return out
}

func describeCycle(cycle []string) string {
	return strings.Join(append(append([]string(nil), cycle...), cycle[0]), " → ")
}

func cycleCollision(cycles [][]string, tripID, runID string) domain.Collision {
	descriptions := make([]string, 0, len(cycles))
	details := make([]domain.CycleDetails, 0, len(cycles))
	seen := make(map[string]bool)
	var activityIDs []string
	var actions []domain.SuggestedAction
	for _, cycle := range cycles {
		desc := describeCycle(cycle)
		descriptions = append(descriptions, desc)
		details = append(details, domain.CycleDetails{Path: append([]string(nil), cycle...), Description: desc})
		for i, id := range cycle {
			if !seen[id] {
				seen[id] = true
				activityIDs = append(activityIDs, id)
			}
			pred, succ := id, cycle[(i+1)%len(cycle)]
			actions = append(actions, domain.SuggestedAction{
				ID:    actionID(runID, domain.ActionRemoveDependency, pred, succ),
				Kind:  domain.ActionRemoveDependency,
				Label: fmt.Sprintf("Break cycle by removing dependency %s → %s", pred, succ),
				Params: domain.ActionParams{
					PredActivityID: pred,
					SuccActivityID: succ,
				},
			})
		}
	}
	return domain.Collision{
		ID:               collisionID(runID, domain.CollisionDependencyCycle, descriptions...),
		Kind:             domain.CollisionDependencyCycle,
		Severity:         domain.SeverityBlocking,
		Status:           statusOpen,
		TripID:           tripID,
		ActivityIDs:      activityIDs,
		ResourceIDs:      []string{},
		Message:          "Dependency cycle detected: " + strings.Join(descriptions, "; "),
		Details:          domain.CollisionDetails{Cycles: details},
		SuggestedActions: actions,
	}
}
