package resolver

import (
	"sort"

	"github.com/podflow/podflow/pkg/podflow/model"
	"github.com/podflow/podflow/pkg/podflow/perrors"
)

// ExecutionOrder computes a topological order over a flow's pods using
// Kahn's algorithm. Edges point source -> target, so every pod appears
// after all of its upstream dependencies. The frontier is processed in
// sorted id order, making the result deterministic for a given graph.
//
// Returns a CyclicGraph error when the emitted sequence is shorter than
// the pod count, which can only happen if the graph contains a cycle.
func ExecutionOrder(pods []model.Pod, edges []model.Edge) ([]string, error) {
	inDegree := make(map[string]int, len(pods))
	adjacency := make(map[string][]string, len(pods))
	for _, p := range pods {
		inDegree[p.ID] = 0
	}

	for _, e := range edges {
		// Edges referencing pods outside the flow are ignored rather
		// than invented as nodes.
		if _, ok := inDegree[e.SourcePodID]; !ok {
			continue
		}
		if _, ok := inDegree[e.TargetPodID]; !ok {
			continue
		}
		adjacency[e.SourcePodID] = append(adjacency[e.SourcePodID], e.TargetPodID)
		inDegree[e.TargetPodID]++
	}

	frontier := make([]string, 0, len(pods))
	for id, deg := range inDegree {
		if deg == 0 {
			frontier = append(frontier, id)
		}
	}
	sort.Strings(frontier)

	order := make([]string, 0, len(pods))
	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		order = append(order, id)

		next := adjacency[id]
		sort.Strings(next)
		for _, target := range next {
			inDegree[target]--
			if inDegree[target] == 0 {
				frontier = append(frontier, target)
			}
		}
	}

	if len(order) < len(pods) {
		return nil, perrors.Newf(perrors.CodeCyclicGraph,
			"flow graph contains a cycle: ordered %d of %d pods", len(order), len(pods))
	}
	return order, nil
}

// upstreamSources returns the ids of pods with an edge into target.
func upstreamSources(edges []model.Edge, targetPodID string) []string {
	seen := make(map[string]struct{})
	var sources []string
	for _, e := range edges {
		if e.TargetPodID != targetPodID {
			continue
		}
		if _, ok := seen[e.SourcePodID]; ok {
			continue
		}
		seen[e.SourcePodID] = struct{}{}
		sources = append(sources, e.SourcePodID)
	}
	sort.Strings(sources)
	return sources
}
