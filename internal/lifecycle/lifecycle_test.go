package lifecycle

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noema/forge/internal/catalog"
	"github.com/noema/forge/internal/events"
	"github.com/noema/forge/internal/runtime"
	"github.com/noema/forge/internal/store"
	"github.com/noema/forge/internal/store/storetest"
)

// fakeRuntime is a minimal runtime.Runtime double. Every test in this file
// drives x402 accounts, which never touch the ledger, so the Engine under
// test is constructed with a nil *ledger.Ledger.
type fakeRuntime struct {
	name            string
	immediateResult *runtime.NormalizedEvent
	submitErr       error
	runID           string
	submitted       []runtime.SubmitRequest
	cancelled       []string
}

func (f *fakeRuntime) Name() string { return f.name }

func (f *fakeRuntime) Submit(ctx context.Context, req runtime.SubmitRequest) (runtime.SubmitResult, error) {
	f.submitted = append(f.submitted, req)
	if f.submitErr != nil {
		return runtime.SubmitResult{}, f.submitErr
	}
	if f.immediateResult != nil {
		return runtime.SubmitResult{ImmediateResult: f.immediateResult}, nil
	}
	return runtime.SubmitResult{RunID: f.runID}, nil
}

func (f *fakeRuntime) OnWebhook(ctx context.Context, payload []byte) (runtime.NormalizedEvent, error) {
	return runtime.NormalizedEvent{}, nil
}

func (f *fakeRuntime) Cancel(ctx context.Context, runID string) error {
	f.cancelled = append(f.cancelled, runID)
	return nil
}

func (f *fakeRuntime) HealthCheck(ctx context.Context) runtime.HealthStatus {
	return runtime.HealthStatus{Healthy: true}
}

func testTool(service string) *store.Tool {
	return &store.Tool{
		ToolID:  "tool-1",
		Service: service,
		CostingModel: store.CostingModel{
			Kind:   "static",
			Amount: 0,
		},
	}
}

func newTestEngine(t *testing.T, rt runtime.Runtime) (*Engine, *storetest.Fake) {
	t.Helper()
	cat := catalog.NewToolCatalog(zerolog.Nop())
	cat.Put(testTool(rt.(*fakeRuntime).name))

	registry := runtime.NewRegistry()
	registry.Register(rt)

	fake := storetest.New()
	bus := events.NewEventBus()

	eng := NewEngine(fake, cat, nil, registry, bus, nil, "http://localhost:8080", zerolog.Nop())
	return eng, fake
}

func TestExecuteUnknownToolReturnsError(t *testing.T) {
	rt := &fakeRuntime{name: "comfyui"}
	eng, _ := newTestEngine(t, rt)

	_, err := eng.Execute(context.Background(), ExecuteRequest{
		ToolIdentifier: "no-such-tool",
		User:           User{MasterAccountID: "x402:0xabc"},
	})
	assert.Error(t, err)
}

func TestExecuteQueuesWhenRuntimeReturnsRunID(t *testing.T) {
	rt := &fakeRuntime{name: "comfyui", runID: "run-1"}
	eng, fake := newTestEngine(t, rt)

	result, err := eng.Execute(context.Background(), ExecuteRequest{
		ToolIdentifier: "tool-1",
		User:           User{MasterAccountID: "x402:0xabc"},
	})
	require.NoError(t, err)
	assert.Equal(t, store.GenQueued, result.Status)
	assert.Contains(t, result.PollURL, result.GenerationID)

	gen, err := fake.FindGenerationByID(context.Background(), result.GenerationID)
	require.NoError(t, err)
	assert.Equal(t, "run-1", gen.Metadata.RunID)
}

func TestExecuteSettlesImmediateResult(t *testing.T) {
	rt := &fakeRuntime{
		name: "string",
		immediateResult: &runtime.NormalizedEvent{
			Status:  store.GenCompleted,
			Outputs: map[string]interface{}{"text": "hello"},
		},
	}
	eng, _ := newTestEngine(t, rt)

	result, err := eng.Execute(context.Background(), ExecuteRequest{
		ToolIdentifier: "tool-1",
		User:           User{MasterAccountID: "x402:0xabc"},
	})
	require.NoError(t, err)
	assert.Equal(t, store.GenCompleted, result.Status)
	assert.Equal(t, "hello", result.Result["text"])
}

func TestExecuteMarksFailedOnSubmitError(t *testing.T) {
	rt := &fakeRuntime{name: "comfyui", submitErr: assert.AnError}
	eng, fake := newTestEngine(t, rt)

	_, err := eng.Execute(context.Background(), ExecuteRequest{
		ToolIdentifier: "tool-1",
		User:           User{MasterAccountID: "x402:0xabc"},
	})
	require.Error(t, err)

	var found *store.GenerationRecord
	for _, g := range fake.Generations {
		found = g
	}
	require.NotNil(t, found)
	assert.Equal(t, store.GenFailed, found.Status)
}

func TestHandleNormalizedEventAppliesProgressThenTerminal(t *testing.T) {
	rt := &fakeRuntime{name: "comfyui", runID: "run-1"}
	eng, fake := newTestEngine(t, rt)

	result, err := eng.Execute(context.Background(), ExecuteRequest{
		ToolIdentifier: "tool-1",
		User:           User{MasterAccountID: "x402:0xabc"},
	})
	require.NoError(t, err)

	progress := 0.5
	err = eng.handleNormalizedEvent(context.Background(), runtime.NormalizedEvent{
		RunID:    "run-1",
		Status:   store.GenProcessing,
		Progress: &progress,
	})
	require.NoError(t, err)

	gen, err := fake.FindGenerationByID(context.Background(), result.GenerationID)
	require.NoError(t, err)
	assert.Equal(t, float64(0.5), gen.Progress)
	assert.Equal(t, store.GenProcessing, gen.Status)

	err = eng.handleNormalizedEvent(context.Background(), runtime.NormalizedEvent{
		RunID:   "run-1",
		Status:  store.GenCompleted,
		Outputs: map[string]interface{}{"url": "https://example.com/out.png"},
	})
	require.NoError(t, err)

	gen, err = fake.FindGenerationByID(context.Background(), result.GenerationID)
	require.NoError(t, err)
	assert.Equal(t, store.GenCompleted, gen.Status)
	assert.Equal(t, "https://example.com/out.png", gen.ResultPayload["url"])
}

func TestHandleNormalizedEventIgnoredForTerminalGeneration(t *testing.T) {
	rt := &fakeRuntime{name: "comfyui", runID: "run-1"}
	eng, fake := newTestEngine(t, rt)

	result, err := eng.Execute(context.Background(), ExecuteRequest{
		ToolIdentifier: "tool-1",
		User:           User{MasterAccountID: "x402:0xabc"},
	})
	require.NoError(t, err)

	require.NoError(t, eng.handleNormalizedEvent(context.Background(), runtime.NormalizedEvent{
		RunID:  "run-1",
		Status: store.GenCompleted,
	}))

	// A second terminal webhook for the same run_id must be a silent no-op,
	// not a double-settlement.
	require.NoError(t, eng.handleNormalizedEvent(context.Background(), runtime.NormalizedEvent{
		RunID:  "run-1",
		Status: store.GenFailed,
	}))

	gen, err := fake.FindGenerationByID(context.Background(), result.GenerationID)
	require.NoError(t, err)
	assert.Equal(t, store.GenCompleted, gen.Status)
}

func TestCancelBestEffortCancelsRunningGeneration(t *testing.T) {
	rt := &fakeRuntime{name: "comfyui", runID: "run-1"}
	eng, fake := newTestEngine(t, rt)

	result, err := eng.Execute(context.Background(), ExecuteRequest{
		ToolIdentifier: "tool-1",
		User:           User{MasterAccountID: "x402:0xabc"},
	})
	require.NoError(t, err)

	require.NoError(t, eng.Cancel(context.Background(), result.GenerationID))
	assert.Equal(t, []string{"run-1"}, rt.cancelled)

	gen, err := fake.FindGenerationByID(context.Background(), result.GenerationID)
	require.NoError(t, err)
	assert.Equal(t, store.GenCancelledByUser, gen.Status)
}

func TestCancelRejectsAlreadyTerminalGeneration(t *testing.T) {
	rt := &fakeRuntime{name: "comfyui", runID: "run-1"}
	eng, _ := newTestEngine(t, rt)

	result, err := eng.Execute(context.Background(), ExecuteRequest{
		ToolIdentifier: "tool-1",
		User:           User{MasterAccountID: "x402:0xabc"},
	})
	require.NoError(t, err)
	require.NoError(t, eng.handleNormalizedEvent(context.Background(), runtime.NormalizedEvent{
		RunID:  "run-1",
		Status: store.GenCompleted,
	}))

	err = eng.Cancel(context.Background(), result.GenerationID)
	assert.Error(t, err)
}

func TestIsX402Account(t *testing.T) {
	assert.True(t, isX402Account("x402:0xabc123"))
	assert.False(t, isX402Account("acct-1"))
	assert.False(t, isX402Account("x402"))
}

func TestExtractTokenCount(t *testing.T) {
	assert.Equal(t, int64(0), extractTokenCount(nil))
	assert.Equal(t, int64(42), extractTokenCount(map[string]interface{}{"totalTokens": 42}))
	assert.Equal(t, int64(42), extractTokenCount(map[string]interface{}{"totalTokens": float64(42)}))
	assert.Equal(t, int64(42), extractTokenCount(map[string]interface{}{"totalTokens": int64(42)}))
}
