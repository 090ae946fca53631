package scheduler

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noema/forge/internal/events"
	"github.com/noema/forge/internal/store"
	"github.com/noema/forge/internal/store/storetest"
)

func TestCreateSpellRejectsCyclicGraph(t *testing.T) {
	fake := storetest.New()
	sched := NewScheduler(fake, nil, events.NewEventBus(), zerolog.Nop())

	spell := &store.Spell{
		Slug:  "loopy",
		Steps: []store.SpellStep{{StepID: "a"}, {StepID: "b"}},
		Connections: []store.SpellConnection{
			{From: store.SpellEndpoint{StepID: "a"}, To: store.SpellEndpoint{StepID: "b"}},
			{From: store.SpellEndpoint{StepID: "b"}, To: store.SpellEndpoint{StepID: "a"}},
		},
	}

	err := sched.CreateSpell(context.Background(), spell)
	require.Error(t, err)

	_, findErr := fake.FindSpellBySlug(context.Background(), "loopy")
	assert.Error(t, findErr, "a rejected spell must never reach the store")
}

func TestCreateSpellPersistsAcyclicGraph(t *testing.T) {
	fake := storetest.New()
	sched := NewScheduler(fake, nil, events.NewEventBus(), zerolog.Nop())

	spell := &store.Spell{
		Slug:  "upscale-then-caption",
		Steps: []store.SpellStep{{StepID: "a"}, {StepID: "b"}},
		Connections: []store.SpellConnection{
			{From: store.SpellEndpoint{StepID: "a"}, To: store.SpellEndpoint{StepID: "b"}},
		},
	}

	err := sched.CreateSpell(context.Background(), spell)
	require.NoError(t, err)

	found, err := fake.FindSpellBySlug(context.Background(), "upscale-then-caption")
	require.NoError(t, err)
	assert.Equal(t, "upscale-then-caption", found.Slug)
}

func TestCastSpellUnknownSlugReturnsError(t *testing.T) {
	fake := storetest.New()
	sched := NewScheduler(fake, nil, events.NewEventBus(), zerolog.Nop())

	_, err := sched.CastSpell(context.Background(), "does-not-exist", "acct-1", "", nil)
	assert.Error(t, err)
}

func TestCastSpellCyclicGraphRejectedBeforeExecution(t *testing.T) {
	fake := storetest.New()
	// Seed directly through the store, bypassing CreateSpell's own
	// validation, to exercise CastSpell's independent topoSort guard.
	require.NoError(t, fake.CreateSpell(context.Background(), &store.Spell{
		Slug:  "loopy",
		Steps: []store.SpellStep{{StepID: "a"}, {StepID: "b"}},
		Connections: []store.SpellConnection{
			{From: store.SpellEndpoint{StepID: "a"}, To: store.SpellEndpoint{StepID: "b"}},
			{From: store.SpellEndpoint{StepID: "b"}, To: store.SpellEndpoint{StepID: "a"}},
		},
	}))
	// engine is nil; if topoSort didn't short-circuit before Execute is
	// reached, this test would panic on a nil pointer dereference instead
	// of returning a clean error.
	sched := NewScheduler(fake, nil, events.NewEventBus(), zerolog.Nop())

	_, err := sched.CastSpell(context.Background(), "loopy", "acct-1", "", nil)
	assert.Error(t, err)
}

func TestMergeOutputsKeepsOnlyTerminalSteps(t *testing.T) {
	outputs := map[string]map[string]interface{}{
		"a": {"url": "https://example.com/a.png"},
		"b": {"url": "https://example.com/b.png"},
	}
	final := map[string]bool{"b": true}

	merged := mergeOutputs(outputs, final)
	assert.Equal(t, map[string]interface{}{"b": outputs["b"]}, merged)
}
