package workflow

import (
	"fmt"

	"github.com/relaykit/orchestrate/internal/store"
)

// level is a set of stages with no remaining unresolved dependencies,
// executable in parallel within the level.
type level []store.StageDefinition

// levels computes a topological ordering by Kahn's algorithm on
// (id, dependencies), grouped into execution levels so that
// same-level stages may run concurrently.
func levels(stages []store.StageDefinition) ([]level, error) {
	byID := make(map[string]store.StageDefinition, len(stages))
	inDegree := make(map[string]int, len(stages))
	dependents := make(map[string][]string, len(stages))

	for _, s := range stages {
		byID[s.ID] = s
		inDegree[s.ID] = len(s.Dependencies)
	}
	for _, s := range stages {
		for _, dep := range s.Dependencies {
			if _, ok := byID[dep]; !ok {
				return nil, fmt.Errorf("stage %q depends on unknown stage %q", s.ID, dep)
			}
			dependents[dep] = append(dependents[dep], s.ID)
		}
	}

	remaining := len(stages)
	var out []level
	ready := readyIDs(inDegree)

	for len(ready) > 0 {
		lvl := make(level, 0, len(ready))
		for _, id := range ready {
			lvl = append(lvl, byID[id])
		}
		out = append(out, lvl)
		remaining -= len(lvl)

		var next []string
		for _, id := range ready {
			for _, child := range dependents[id] {
				inDegree[child]--
				if inDegree[child] == 0 {
					next = append(next, child)
				}
			}
			delete(inDegree, id)
		}
		ready = next
	}

	if remaining != 0 {
		return nil, fmt.Errorf("workflow has circular dependencies")
	}
	return out, nil
}

func readyIDs(inDegree map[string]int) []string {
	var ready []string
	for id, n := range inDegree {
		if n == 0 {
			ready = append(ready, id)
		}
	}
	return ready
}
