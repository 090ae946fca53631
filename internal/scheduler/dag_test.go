package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noema/forge/internal/store"
)

func TestTopoSort_LinearChain(t *testing.T) {
	steps := []store.SpellStep{{StepID: "a"}, {StepID: "b"}, {StepID: "c"}}
	conns := []store.SpellConnection{
		{From: store.SpellEndpoint{StepID: "a"}, To: store.SpellEndpoint{StepID: "b"}},
		{From: store.SpellEndpoint{StepID: "b"}, To: store.SpellEndpoint{StepID: "c"}},
	}

	order, err := topoSort(steps, conns)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestTopoSort_DetectsCycle(t *testing.T) {
	steps := []store.SpellStep{{StepID: "a"}, {StepID: "b"}}
	conns := []store.SpellConnection{
		{From: store.SpellEndpoint{StepID: "a"}, To: store.SpellEndpoint{StepID: "b"}},
		{From: store.SpellEndpoint{StepID: "b"}, To: store.SpellEndpoint{StepID: "a"}},
	}

	_, err := topoSort(steps, conns)
	require.Error(t, err)
}

func TestTopoSort_DisjointBranchesBothOrdered(t *testing.T) {
	steps := []store.SpellStep{{StepID: "a"}, {StepID: "b"}, {StepID: "c"}, {StepID: "d"}}
	conns := []store.SpellConnection{
		{From: store.SpellEndpoint{StepID: "a"}, To: store.SpellEndpoint{StepID: "c"}},
		{From: store.SpellEndpoint{StepID: "b"}, To: store.SpellEndpoint{StepID: "c"}},
		{From: store.SpellEndpoint{StepID: "c"}, To: store.SpellEndpoint{StepID: "d"}},
	}

	order, err := topoSort(steps, conns)
	require.NoError(t, err)
	require.Len(t, order, 4)
	indexOf := func(id string) int {
		for i, v := range order {
			if v == id {
				return i
			}
		}
		return -1
	}
	assert.Less(t, indexOf("a"), indexOf("c"))
	assert.Less(t, indexOf("b"), indexOf("c"))
	assert.Less(t, indexOf("c"), indexOf("d"))
}

func TestTerminalSteps_OnlySinksAreTerminal(t *testing.T) {
	steps := []store.SpellStep{{StepID: "a"}, {StepID: "b"}, {StepID: "c"}}
	conns := []store.SpellConnection{
		{From: store.SpellEndpoint{StepID: "a"}, To: store.SpellEndpoint{StepID: "b"}},
		{From: store.SpellEndpoint{StepID: "b"}, To: store.SpellEndpoint{StepID: "c"}},
	}

	terminal := terminalSteps(steps, conns)
	assert.False(t, terminal["a"])
	assert.False(t, terminal["b"])
	assert.True(t, terminal["c"])
}

func TestInputsFor_RoutesUpstreamOutputIntoDeclaredPort(t *testing.T) {
	step := store.SpellStep{
		StepID:     "b",
		Parameters: map[string]interface{}{"strength": 0.8},
	}
	conns := []store.SpellConnection{
		{
			From: store.SpellEndpoint{StepID: "a", Port: "imageUrl"},
			To:   store.SpellEndpoint{StepID: "b", Port: "sourceImage"},
		},
	}
	outputs := map[string]map[string]interface{}{
		"a": {"imageUrl": "https://example.com/a.png"},
	}

	inputs := inputsFor(step, conns, outputs)
	assert.Equal(t, 0.8, inputs["strength"])
	assert.Equal(t, "https://example.com/a.png", inputs["sourceImage"])
}
