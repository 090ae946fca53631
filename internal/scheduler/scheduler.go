// Package scheduler drives the two batch-oriented consumers of the
// Lifecycle Engine: cooks (many independent pieces against one prompt
// template) and spells (a DAG of dependent steps). Both are long-running
// worker loops (cooks hold a per-cook lock; spell casts take none), grounded on the
// webhooks package's bounded worker-pool shape but without its retry
// logic — generations don't get retried at this layer, only webhook-driven
// settlement does.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/noema/forge/internal/apperr"
	"github.com/noema/forge/internal/events"
	"github.com/noema/forge/internal/lifecycle"
	"github.com/noema/forge/internal/metrics"
	"github.com/noema/forge/internal/store"
)

// Scheduler owns the cook and spell worker lifecycles.
type Scheduler struct {
	store   store.Store
	engine  *lifecycle.Engine
	bus     events.Emitter
	log     zerolog.Logger
	metrics *metrics.Metrics

	cookLocks sync.Map // cookID -> *sync.Mutex
	cookStop  sync.Map // cookID -> context.CancelFunc
}

func NewScheduler(st store.Store, engine *lifecycle.Engine, bus events.Emitter, log zerolog.Logger) *Scheduler {
	return &Scheduler{store: st, engine: engine, bus: bus, log: log}
}

// WithMetrics attaches the Prometheus instrumentation surface; nil-safe if
// never called.
func (s *Scheduler) WithMetrics(m *metrics.Metrics) *Scheduler {
	s.metrics = m
	return s
}

func (s *Scheduler) cookLock(cookID string) *sync.Mutex {
	actual, _ := s.cookLocks.LoadOrStore(cookID, &sync.Mutex{})
	return actual.(*sync.Mutex)
}

// pollGenerationUntilTerminal blocks until the generation reaches a
// terminal status or the deadline elapses; the scheduler has no webhook of
// its own to drive completion, so it polls the store every 2 seconds.
func pollGenerationUntilTerminal(ctx context.Context, st store.Store, generationID string, maxWait time.Duration) (*store.GenerationRecord, error) {
	deadline := time.Now().Add(maxWait)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		gen, err := st.FindGenerationByID(ctx, generationID)
		if err != nil {
			return nil, err
		}
		if gen.Status.IsTerminal() {
			return gen, nil
		}
		if time.Now().After(deadline) {
			return gen, apperr.New(apperr.KindTimeout, "generation did not reach a terminal state in time")
		}
		select {
		case <-ctx.Done():
			return gen, ctx.Err()
		case <-ticker.C:
		}
	}
}

// ResumeInFlightOnBoot re-launches a worker for every cook left `running`
// across a restart. In-flight pieces are not resubmitted, and their
// generations are not looked up: the cook's pending/processing generations
// resolve only through their own webhooks.
func (s *Scheduler) ResumeInFlightOnBoot(ctx context.Context) error {
	cooks, err := s.store.FindCooksByStatus(ctx, store.CookRunning)
	if err != nil {
		return err
	}
	for i := range cooks {
		cook := cooks[i]
		s.log.Info().Str("cook_id", cook.ID).Msg("scheduler: resuming cook worker after restart")
		go s.runCookWorker(&cook)
	}
	return nil
}
