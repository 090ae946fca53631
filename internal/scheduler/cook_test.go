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

func newTestScheduler(t *testing.T) (*Scheduler, *storetest.Fake) {
	t.Helper()
	fake := storetest.New()
	sched := NewScheduler(fake, nil, events.NewEventBus(), zerolog.Nop())
	return sched, fake
}

func seedCook(t *testing.T, fake *storetest.Fake, status store.CookStatus) *store.Cook {
	t.Helper()
	cook := &store.Cook{
		ID:              "cook-1",
		MasterAccountID: "acct-1",
		ToolID:          "tool-1",
		PromptTemplate:  "draw a {variation} cat",
		TargetCount:     5,
		Status:          status,
	}
	require.NoError(t, fake.CreateCook(context.Background(), cook))
	return cook
}

func TestPauseCookRequiresRunning(t *testing.T) {
	sched, fake := newTestScheduler(t)
	seedCook(t, fake, store.CookDraft)

	err := sched.PauseCook(context.Background(), "cook-1")
	assert.Error(t, err)
}

func TestPauseCookFromRunningSucceeds(t *testing.T) {
	sched, fake := newTestScheduler(t)
	seedCook(t, fake, store.CookRunning)

	err := sched.PauseCook(context.Background(), "cook-1")
	require.NoError(t, err)

	cook, err := fake.FindCookByID(context.Background(), "cook-1")
	require.NoError(t, err)
	assert.Equal(t, store.CookPaused, cook.Status)
}

func TestStopCookTerminalRejected(t *testing.T) {
	sched, fake := newTestScheduler(t)
	seedCook(t, fake, store.CookCompleted)

	err := sched.StopCook(context.Background(), "cook-1")
	assert.Error(t, err)
}

func TestStopCookFromPausedSucceeds(t *testing.T) {
	sched, fake := newTestScheduler(t)
	seedCook(t, fake, store.CookPaused)

	err := sched.StopCook(context.Background(), "cook-1")
	require.NoError(t, err)

	cook, err := fake.FindCookByID(context.Background(), "cook-1")
	require.NoError(t, err)
	assert.Equal(t, store.CookStopped, cook.Status)
}

func TestReviewMovesGenerationBetweenAcceptedAndRejected(t *testing.T) {
	sched, fake := newTestScheduler(t)
	cook := seedCook(t, fake, store.CookRunning)
	_, err := fake.UpdateCook(context.Background(), cook.ID, func(c *store.Cook) error {
		c.AcceptedIDs = []string{"gen-1"}
		return nil
	})
	require.NoError(t, err)

	err = sched.Review(context.Background(), "cook-1", "gen-1", DecisionReject)
	require.NoError(t, err)

	updated, err := fake.FindCookByID(context.Background(), "cook-1")
	require.NoError(t, err)
	assert.NotContains(t, updated.AcceptedIDs, "gen-1")
	assert.Contains(t, updated.RejectedIDs, "gen-1")
}

func TestReviewRejectsUnknownDecision(t *testing.T) {
	sched, fake := newTestScheduler(t)
	seedCook(t, fake, store.CookRunning)

	err := sched.Review(context.Background(), "cook-1", "gen-1", ReviewDecision("maybe"))
	assert.Error(t, err)
}

func TestExportBuildsZipFromAcceptedGenerations(t *testing.T) {
	sched, fake := newTestScheduler(t)
	cook := seedCook(t, fake, store.CookRunning)

	gen := &store.GenerationRecord{
		ID:            "gen-1",
		CostUsd:       store.Micros(1_500_000),
		ResultPayload: map[string]interface{}{"url": "https://example.com/a.png"},
	}
	require.NoError(t, fake.CreateGeneration(context.Background(), gen))
	_, err := fake.UpdateCook(context.Background(), cook.ID, func(c *store.Cook) error {
		c.AcceptedIDs = []string{"gen-1"}
		return nil
	})
	require.NoError(t, err)

	data, err := sched.Export(context.Background(), cook.ID, true)
	require.NoError(t, err)
	assert.NotEmpty(t, data)
}

func TestRemoveID(t *testing.T) {
	out := removeID([]string{"a", "b", "c"}, "b")
	assert.Equal(t, []string{"a", "c"}, out)
}
