// Package lifecycle implements the Generation Lifecycle Engine: the single
// state machine every tool invocation passes through, from submission
// through webhook-driven progress to cost settlement and delivery.
package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noema/forge/internal/apperr"
	"github.com/noema/forge/internal/catalog"
	"github.com/noema/forge/internal/events"
	"github.com/noema/forge/internal/ledger"
	"github.com/noema/forge/internal/metrics"
	"github.com/noema/forge/internal/pricing"
	"github.com/noema/forge/internal/runtime"
	"github.com/noema/forge/internal/store"
)

// User is the minimal caller identity the engine needs: who owns the
// resulting generation record and whose deposits a spend draws from.
type User struct {
	MasterAccountID string
	WalletAddresses []string
}

// DeliveryHints selects the notification channel for a generation; "none"
// means no delivery event is ever emitted for it (used by cook pieces).
type DeliveryHints struct {
	NotificationPlatform string
}

// ExecuteRequest is the input to Execute.
type ExecuteRequest struct {
	ToolIdentifier string
	Inputs         map[string]interface{}
	User           User
	Delivery       DeliveryHints

	// Set by internal callers (cook pieces, spell steps) to stamp
	// generation metadata; zero value for ordinary top-level requests.
	CookExecutionID string
	IsSpell         bool
	SpellCastID     string
	StepIndex       int
}

// ExecuteResult mirrors spec's {generationId, status, result?, pollUrl?}.
type ExecuteResult struct {
	GenerationID string
	Status       store.GenerationStatus
	Result       map[string]interface{}
	PollURL      string
}

// Engine is the Lifecycle Engine. One instance is shared by the REST/MCP
// gateway, the cook/spell scheduler, and the x402 path.
type Engine struct {
	store    store.Store
	catalog  *catalog.ToolCatalog
	ledger   *ledger.Ledger
	runtimes *runtime.Registry
	bus      events.Emitter
	redis    *redis.Client
	log      zerolog.Logger
	metrics  *metrics.Metrics

	pollBaseURL string

	mu       sync.Mutex
	runQueues sync.Map // runID -> chan *runtime.NormalizedEvent
}

func NewEngine(st store.Store, cat *catalog.ToolCatalog, ldg *ledger.Ledger, runtimes *runtime.Registry, bus events.Emitter, redisClient *redis.Client, pollBaseURL string, log zerolog.Logger) *Engine {
	return &Engine{
		store:       st,
		catalog:     cat,
		ledger:      ldg,
		runtimes:    runtimes,
		bus:         bus,
		redis:       redisClient,
		pollBaseURL: pollBaseURL,
		log:         log,
	}
}

// WithMetrics attaches the Prometheus instrumentation surface; nil-safe if
// never called, so tests can construct an Engine without wiring it.
func (e *Engine) WithMetrics(m *metrics.Metrics) *Engine {
	e.metrics = m
	return e
}

// Runtimes exposes the runtime registry so operator-facing code (the admin
// sweep route) can reach runtime-specific maintenance without the engine
// needing to know which runtimes implement it.
func (e *Engine) Runtimes() *runtime.Registry { return e.runtimes }

// Execute implements spec §4.F steps 1-6: resolve tool, quote, create the
// record, submit to the runtime, and return immediately — webhooks (or an
// immediate runtime result) drive the rest via processTerminal.
func (e *Engine) Execute(ctx context.Context, req ExecuteRequest) (ExecuteResult, error) {
	tool, err := e.catalog.Resolve(req.ToolIdentifier)
	if err != nil {
		return ExecuteResult{}, err
	}

	resolved := catalog.ValidateInputs(tool, req.Inputs)
	if len(resolved.Errors) > 0 {
		return ExecuteResult{}, apperr.New(apperr.KindInvalidInput, fmt.Sprintf("invalid inputs: %v", resolved.Errors))
	}

	tier, isX402 := store.TierStandard, isX402Account(req.User.MasterAccountID)
	if !isX402 {
		tier, err = e.ledger.DetermineTier(ctx, req.User.MasterAccountID)
		if err != nil {
			return ExecuteResult{}, err
		}
	}

	// Pre-flight quote: estimate at the tool's declared static amount or,
	// for dynamic costing, the cheapest plausible bound (zero duration/
	// tokens); this can only under-quote, never reject a request the real
	// settlement would have accepted, which is resolved for real at
	// terminal webhook time against the *actual* measured cost.
	estimatedCost := pricing.ComputeCost(tool.CostingModel, 0, 0)
	quote := pricing.ComputeQuote(estimatedCost, tool.Service, tier)

	if !isX402 && quote.TotalPoints > 0 {
		ok, err := e.ledger.Quote(ctx, req.User.MasterAccountID, req.User.WalletAddresses, quote.TotalPoints)
		if err != nil {
			return ExecuteResult{}, err
		}
		if !ok {
			return ExecuteResult{}, apperr.New(apperr.KindInsufficientFunds, "insufficient points for estimated cost")
		}
	}

	now := time.Now()
	gen := &store.GenerationRecord{
		ID:                   uuid.NewString(),
		MasterAccountID:      req.User.MasterAccountID,
		ServiceName:          tool.Service,
		ToolID:               tool.ToolID,
		ToolDisplayName:      tool.DisplayName,
		RequestPayload:       resolved.Values,
		Status:               store.GenPending,
		NotificationPlatform: req.Delivery.NotificationPlatform,
		RequestTimestamp:     now,
		Metadata: store.GenerationMetadata{
			CostRate:        &tool.CostingModel,
			IsSpell:         req.IsSpell,
			SpellCastID:     req.SpellCastID,
			CookExecutionID: req.CookExecutionID,
			StepIndex:       req.StepIndex,
		},
	}
	if req.Delivery.NotificationPlatform != "" && req.Delivery.NotificationPlatform != "none" {
		gen.DeliveryStatus = store.DeliveryPendingS
	} else {
		gen.DeliveryStatus = store.DeliveryNone
	}

	if err := e.store.CreateGeneration(ctx, gen); err != nil {
		return ExecuteResult{}, err
	}

	result, err := e.runtimes.Get(tool.Service)
	if err != nil {
		return ExecuteResult{}, err
	}

	// Submission may launch work that outlives this HTTP request (a VastAI
	// training job, a long ComfyDeploy run); per the cancellation-propagation
	// rule, a client disconnect must not cancel the generation, so only the
	// request's values carry through; its cancellation and deadline are
	// dropped. Cook-owned pieces are detached the same way, so stopping a
	// cook does not cancel pieces it has already submitted.
	submitCtx := context.WithoutCancel(ctx)

	if e.metrics != nil {
		e.metrics.RecordSubmission(tool.Service)
	}

	submitResult, err := result.Submit(submitCtx, runtime.SubmitRequest{
		Generation:     gen,
		Tool:           tool,
		ResolvedInputs: resolved.Values,
	})
	if err != nil {
		_, _ = e.store.UpdateGeneration(ctx, gen.ID, func(g *store.GenerationRecord) error {
			g.Status = store.GenFailed
			g.Error = &store.GenerationError{Code: string(apperr.KindOf(err)), Message: err.Error()}
			return nil
		})
		return ExecuteResult{}, err
	}

	if submitResult.ImmediateResult != nil {
		if err := e.processTerminal(submitCtx, gen.ID, *submitResult.ImmediateResult, tier); err != nil {
			return ExecuteResult{}, err
		}
		final, err := e.store.FindGenerationByID(submitCtx, gen.ID)
		if err != nil {
			return ExecuteResult{}, err
		}
		return ExecuteResult{GenerationID: final.ID, Status: final.Status, Result: final.ResultPayload}, nil
	}

	_, err = e.store.UpdateGeneration(ctx, gen.ID, func(g *store.GenerationRecord) error {
		g.Status = store.GenQueued
		g.Metadata.RunID = submitResult.RunID
		return nil
	})
	if err != nil {
		return ExecuteResult{}, err
	}

	return ExecuteResult{
		GenerationID: gen.ID,
		Status:       store.GenQueued,
		PollURL:      fmt.Sprintf("%s/api/v1/generation/status/%s", e.pollBaseURL, gen.ID),
	}, nil
}

func isX402Account(masterAccountID string) bool {
	return len(masterAccountID) > 5 && masterAccountID[:5] == "x402:"
}

// HandleWebhook normalizes a raw runtime payload and enqueues it onto the
// owning run_id's serial consumer.
func (e *Engine) HandleWebhook(ctx context.Context, serviceName string, payload []byte) error {
	rt, err := e.runtimes.Get(serviceName)
	if err != nil {
		return err
	}
	event, err := rt.OnWebhook(ctx, payload)
	if err != nil {
		return err
	}
	e.enqueue(event)
	return nil
}

// enqueue hands a normalized event to the per-run_id serial consumer,
// spawning one if this is the first event seen for that run_id in this
// process. The consumer exits once a terminal event has been processed.
func (e *Engine) enqueue(event runtime.NormalizedEvent) {
	chAny, loaded := e.runQueues.LoadOrStore(event.RunID, make(chan runtime.NormalizedEvent, 64))
	ch := chAny.(chan runtime.NormalizedEvent)
	if !loaded {
		if e.metrics != nil {
			e.metrics.RunQueueDepth.Inc()
		}
		go e.consume(event.RunID, ch)
	}
	select {
	case ch <- event:
	default:
		e.log.Warn().Str("run_id", event.RunID).Msg("lifecycle: run_id queue full, dropping event")
	}
}

func (e *Engine) consume(runID string, ch chan runtime.NormalizedEvent) {
	defer e.runQueues.Delete(runID)
	defer func() {
		if e.metrics != nil {
			e.metrics.RunQueueDepth.Dec()
		}
	}()
	ctx := context.Background()

	for event := range ch {
		if err := e.handleNormalizedEvent(ctx, event); err != nil {
			e.log.Error().Err(err).Str("run_id", runID).Msg("lifecycle: webhook processing failed")
		}
		if event.Status.IsTerminal() {
			return
		}
	}
}

// handleNormalizedEvent acquires the cross-replica run_id lock, then
// dispatches to progress handling or terminal settlement.
func (e *Engine) handleNormalizedEvent(ctx context.Context, event runtime.NormalizedEvent) error {
	unlock, err := e.acquireRunLock(ctx, event.RunID)
	if err != nil {
		return err
	}
	defer unlock()

	gen, err := e.store.FindGenerationByRunID(ctx, event.RunID)
	if err != nil {
		return err
	}

	if gen.Status.IsTerminal() {
		e.log.Debug().Str("run_id", event.RunID).Str("status", string(gen.Status)).Msg("lifecycle: webhook for terminal generation discarded")
		return nil
	}

	if !event.Status.IsTerminal() {
		return e.applyProgress(ctx, gen, event)
	}

	tier, err := e.tierFor(ctx, gen.MasterAccountID)
	if err != nil {
		return err
	}
	return e.processTerminal(ctx, gen.ID, event, tier)
}

func (e *Engine) tierFor(ctx context.Context, masterAccountID string) (store.UserTier, error) {
	if isX402Account(masterAccountID) {
		return store.TierStandard, nil
	}
	return e.ledger.DetermineTier(ctx, masterAccountID)
}

// applyProgress implements the monotonic-progress rule: out-of-order
// progress webhooks with a lower progress than stored are ignored.
func (e *Engine) applyProgress(ctx context.Context, gen *store.GenerationRecord, event runtime.NormalizedEvent) error {
	_, err := e.store.UpdateGeneration(ctx, gen.ID, func(g *store.GenerationRecord) error {
		if event.Progress != nil {
			if *event.Progress < g.Progress {
				return nil
			}
			g.Progress = *event.Progress
		}
		if event.LiveStatus != "" {
			g.LiveStatus = event.LiveStatus
		}
		if event.Status != "" {
			g.Status = event.Status
		}
		return nil
	})
	if err != nil {
		return err
	}

	e.bus.Emit(events.TypeGenerationProgress, "lifecycle", gen.ID, map[string]interface{}{
		"generationId": gen.ID,
		"status":       string(gen.Status),
		"progress":     event.Progress,
		"liveStatus":   event.LiveStatus,
	})
	return nil
}

// processTerminal implements spec §4.F step 7 and the cost-settlement
// failure rules.
func (e *Engine) processTerminal(ctx context.Context, generationID string, event runtime.NormalizedEvent, tier store.UserTier) error {
	var gen *store.GenerationRecord

	err := e.store.WithTransaction(ctx, func(ctx context.Context) error {
		current, err := e.store.FindGenerationByID(ctx, generationID)
		if err != nil {
			return err
		}
		if current.Status.IsTerminal() {
			gen = current
			return nil // already settled by a concurrent replay
		}

		durationMs := time.Since(current.RequestTimestamp).Milliseconds()
		tokenCount := extractTokenCount(event.Outputs)
		computeCostUsd := pricing.ComputeCost(*current.Metadata.CostRate, durationMs, tokenCount)
		quote := pricing.ComputeQuote(computeCostUsd, current.ServiceName, tier)

		isX402 := isX402Account(current.MasterAccountID)

		var settlementErr error
		if !isX402 && quote.TotalPoints > 0 {
			_, settlementErr = e.ledger.Spend(ctx, current.MasterAccountID, nil, quote.TotalPoints)
		}

		if settlementErr != nil && !apperr.Is(settlementErr, apperr.KindInsufficientFunds) {
			return settlementErr // rolled back; marked COST_SETTLEMENT_FAILED below
		}

		updated, err := e.store.UpdateGeneration(ctx, generationID, func(g *store.GenerationRecord) error {
			g.Status = event.Status
			g.ResultPayload = event.Outputs
			g.CostUsd = quote.FinalCostUsd
			g.PointsSpent = quote.TotalPoints
			responseTime := time.Now()
			g.ResponseTimestamp = &responseTime
			g.DurationMs = durationMs
			if event.Error != nil {
				g.Error = event.Error
			}
			if settlementErr != nil {
				// INSUFFICIENT_FUNDS race: still deliver the output, record debt.
				g.Status = store.GenCompleted
			}
			return nil
		})
		if err != nil {
			return err
		}

		if settlementErr != nil {
			if err := e.ledger.RecordUnrecoveredDebt(ctx, current.MasterAccountID, quote.TotalPoints, generationID); err != nil {
				return err
			}
			if e.metrics != nil {
				e.metrics.RecordSettlementFailure("insufficient_funds_race")
				e.metrics.UnrecoveredDebt.WithLabelValues(current.ServiceName).Add(float64(quote.TotalPoints))
			}
		}

		gen = updated
		return nil
	})
	if err != nil {
		// Any other settlement failure: the transaction rolled back, so mark
		// failed with COST_SETTLEMENT_FAILED and spend nothing. The generation
		// is then terminal; a later webhook replay does not retry settlement.
		if !apperr.Is(err, apperr.KindInsufficientFunds) {
			if e.metrics != nil {
				e.metrics.RecordSettlementFailure("cost_settlement_failed")
			}
			_, markErr := e.store.UpdateGeneration(ctx, generationID, func(g *store.GenerationRecord) error {
				if g.Status.IsTerminal() {
					return nil
				}
				g.Status = store.GenFailed
				g.Error = &store.GenerationError{Code: string(apperr.KindSettlementFailed), Message: err.Error()}
				return nil
			})
			if markErr != nil {
				return markErr
			}
		}
		return err
	}

	if e.metrics != nil {
		e.metrics.RecordCompletion(gen.ServiceName, string(gen.Status), float64(gen.DurationMs)/1000)
	}

	e.emitTerminalNotification(gen)
	return nil
}

func (e *Engine) emitTerminalNotification(gen *store.GenerationRecord) {
	shouldNotify := gen.Status.IsTerminal() &&
		gen.DeliveryStatus == store.DeliveryPendingS &&
		gen.NotificationPlatform != "" && gen.NotificationPlatform != "none"
	if !shouldNotify {
		return
	}

	e.bus.Emit(events.TypeGenerationUpdated, "lifecycle", gen.ID, map[string]interface{}{
		"generationId": gen.ID,
		"status":       string(gen.Status),
		"outputs":      gen.ResultPayload,
		"costUsd":      gen.CostUsd.USD(),
	})
}

func extractTokenCount(outputs map[string]interface{}) int64 {
	if outputs == nil {
		return 0
	}
	if v, ok := outputs["totalTokens"]; ok {
		switch n := v.(type) {
		case int64:
			return n
		case int:
			return int64(n)
		case float64:
			return int64(n)
		}
	}
	return 0
}

// Cancel best-effort cancels a running generation and marks it
// cancelled_by_user.
func (e *Engine) Cancel(ctx context.Context, generationID string) error {
	gen, err := e.store.FindGenerationByID(ctx, generationID)
	if err != nil {
		return err
	}
	if gen.Status.IsTerminal() {
		return apperr.New(apperr.KindConflict, "generation already in a terminal state")
	}

	rt, err := e.runtimes.Get(gen.ServiceName)
	if err == nil && gen.Metadata.RunID != "" {
		_ = rt.Cancel(ctx, gen.Metadata.RunID) // best-effort per §4.E
	}

	_, err = e.store.UpdateGeneration(ctx, generationID, func(g *store.GenerationRecord) error {
		if g.Status.IsTerminal() {
			return nil
		}
		g.Status = store.GenCancelledByUser
		now := time.Now()
		g.ResponseTimestamp = &now
		return nil
	})
	return err
}

const runLockTTL = 30 * time.Second

// acquireRunLock is the cross-replica half of the per-run_id serialization
// strategy: an in-process channel consumer (see enqueue/consume) already
// guarantees in-order single-goroutine processing within this replica; this
// SETNX lock keeps two replicas from processing the same run_id's webhook
// concurrently during a rolling deploy.
func (e *Engine) acquireRunLock(ctx context.Context, runID string) (func(), error) {
	if e.redis == nil {
		return func() {}, nil
	}
	key := "forge:runlock:" + runID
	ok, err := e.redis.SetNX(ctx, key, "1", runLockTTL).Result()
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "acquire run lock", err)
	}
	if !ok {
		// Another replica holds it; wait briefly and try once more rather
		// than failing the webhook outright.
		time.Sleep(200 * time.Millisecond)
		ok, err = e.redis.SetNX(ctx, key, "1", runLockTTL).Result()
		if err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, "acquire run lock retry", err)
		}
		if !ok {
			return nil, apperr.New(apperr.KindConflict, "run_id locked by another replica")
		}
	}
	return func() {
		e.redis.Del(context.Background(), key)
	}, nil
}
