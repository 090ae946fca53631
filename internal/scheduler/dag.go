package scheduler

import (
	"fmt"

	"github.com/noema/forge/internal/apperr"
	"github.com/noema/forge/internal/store"
)

// topoSort orders a spell's steps so every step runs after everything that
// feeds it, via Kahn's algorithm. Returns apperr.KindInvalidInput if the
// connections graph contains a cycle.
func topoSort(steps []store.SpellStep, connections []store.SpellConnection) ([]string, error) {
	indegree := make(map[string]int, len(steps))
	adj := make(map[string][]string, len(steps))
	for _, s := range steps {
		indegree[s.StepID] = 0
	}
	for _, c := range connections {
		adj[c.From.StepID] = append(adj[c.From.StepID], c.To.StepID)
		indegree[c.To.StepID]++
	}

	var queue []string
	for _, s := range steps {
		if indegree[s.StepID] == 0 {
			queue = append(queue, s.StepID)
		}
	}

	var order []string
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)

		for _, next := range adj[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if len(order) != len(steps) {
		return nil, apperr.New(apperr.KindInvalidInput, "spell connections graph contains a cycle")
	}
	return order, nil
}

// terminalSteps returns the step IDs with no outgoing connection — the
// steps whose completion drives the cast's own generationUpdated
// notification rather than an intermediate spellStepCompleted.
func terminalSteps(steps []store.SpellStep, connections []store.SpellConnection) map[string]bool {
	hasOutgoing := make(map[string]bool, len(connections))
	for _, c := range connections {
		hasOutgoing[c.From.StepID] = true
	}
	terminal := make(map[string]bool, len(steps))
	for _, s := range steps {
		if !hasOutgoing[s.StepID] {
			terminal[s.StepID] = true
		}
	}
	return terminal
}

// inputsFor builds a step's resolved input map: its own declared parameters
// overlaid with any values routed in from upstream step outputs.
func inputsFor(step store.SpellStep, connections []store.SpellConnection, outputs map[string]map[string]interface{}) map[string]interface{} {
	inputs := make(map[string]interface{}, len(step.Parameters))
	for k, v := range step.Parameters {
		inputs[k] = v
	}
	for _, c := range connections {
		if c.To.StepID != step.StepID {
			continue
		}
		srcOutput, ok := outputs[c.From.StepID]
		if !ok {
			continue
		}
		if v, ok := srcOutput[c.From.Port]; ok {
			inputs[c.To.Port] = v
		} else if whole, ok := srcOutput[""]; ok {
			inputs[c.To.Port] = whole
		}
	}
	return inputs
}

func stepByID(steps []store.SpellStep, id string) (store.SpellStep, error) {
	for _, s := range steps {
		if s.StepID == id {
			return s, nil
		}
	}
	return store.SpellStep{}, fmt.Errorf("spell: unknown step id %q", id)
}
