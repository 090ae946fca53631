package scheduler

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/noema/forge/internal/apperr"
	"github.com/noema/forge/internal/events"
	"github.com/noema/forge/internal/lifecycle"
	"github.com/noema/forge/internal/store"
)

// CreateSpell validates the connections graph is acyclic before persisting,
// per the spell-creation invariant.
func (s *Scheduler) CreateSpell(ctx context.Context, spell *store.Spell) error {
	if _, err := topoSort(spell.Steps, spell.Connections); err != nil {
		return err
	}
	return s.store.CreateSpell(ctx, spell)
}

// CastSpell creates a cast record and runs its steps in topological order,
// routing each step's outputs to dependent steps' inputs. It blocks until
// the cast finishes or fails; callers that want async behavior should run
// it in a goroutine, as the scheduler's own admin surface does.
func (s *Scheduler) CastSpell(ctx context.Context, slug string, masterAccountID string, notificationPlatform string, input map[string]interface{}) (*store.SpellCast, error) {
	spell, err := s.store.FindSpellBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}

	order, err := topoSort(spell.Steps, spell.Connections)
	if err != nil {
		return nil, err
	}
	final := terminalSteps(spell.Steps, spell.Connections)

	cast := &store.SpellCast{
		CastID:    uuid.NewString(),
		Slug:      slug,
		Context:   input,
		Status:    store.CastRunning,
		CreatedAt: time.Now(),
	}
	if err := s.store.CreateSpellCast(ctx, cast); err != nil {
		return nil, err
	}

	outputs := make(map[string]map[string]interface{}, len(order))

	for stepIdx, stepID := range order {
		step, err := stepByID(spell.Steps, stepID)
		if err != nil {
			return s.failCast(ctx, cast.CastID, err)
		}

		inputs := inputsFor(step, spell.Connections, outputs)
		for k, v := range input {
			if _, exists := inputs[k]; !exists {
				inputs[k] = v
			}
		}

		delivery := "none"
		if final[stepID] {
			delivery = notificationPlatform
			if delivery == "" {
				delivery = "none"
			}
		}

		result, err := s.engine.Execute(ctx, lifecycle.ExecuteRequest{
			ToolIdentifier: step.ToolIdentifier,
			Inputs:         inputs,
			User:           lifecycle.User{MasterAccountID: masterAccountID},
			Delivery:       lifecycle.DeliveryHints{NotificationPlatform: delivery},
			IsSpell:        true,
			SpellCastID:    cast.CastID,
			StepIndex:      stepIdx,
		})
		if err != nil {
			return s.failCastStep(ctx, cast.CastID, stepID, err)
		}

		gen, err := pollGenerationUntilTerminal(ctx, s.store, result.GenerationID, 2*time.Hour)
		if err != nil {
			return s.failCastStep(ctx, cast.CastID, stepID, err)
		}

		if gen.Status != store.GenCompleted {
			errMsg := "step failed"
			if gen.Error != nil {
				errMsg = gen.Error.Message
			}
			return s.failCastStep(ctx, cast.CastID, stepID, apperr.New(apperr.KindUpstreamFailed, errMsg))
		}

		outputs[stepID] = gen.ResultPayload

		updated, err := s.store.UpdateSpellCast(ctx, cast.CastID, func(c *store.SpellCast) error {
			c.StepStatuses = append(c.StepStatuses, store.StepStatus{
				StepID: stepID, Status: string(store.GenCompleted), GenerationID: gen.ID,
			})
			return nil
		})
		if err != nil {
			return nil, err
		}
		cast = updated

		// The final step's generationUpdated is already emitted by the
		// Lifecycle Engine itself (processTerminal) once its deliveryStatus
		// is pending with a real notificationPlatform; only intermediate
		// steps need an explicit event here.
		if !final[stepID] {
			s.bus.Emit(events.TypeSpellStepCompleted, "scheduler", cast.CastID, map[string]interface{}{
				"castId":    cast.CastID,
				"stepIndex": stepIdx,
				"output":    gen.ResultPayload,
			})
		}
	}

	completed, err := s.store.UpdateSpellCast(ctx, cast.CastID, func(c *store.SpellCast) error {
		c.Status = store.CastCompleted
		now := time.Now()
		c.CompletedAt = &now
		c.AggregatedOutput = mergeOutputs(outputs, final)
		return nil
	})
	if err == nil && s.metrics != nil {
		s.metrics.SpellCastsTotal.WithLabelValues(string(store.CastCompleted)).Inc()
	}
	return completed, err
}

func mergeOutputs(outputs map[string]map[string]interface{}, final map[string]bool) map[string]interface{} {
	merged := make(map[string]interface{})
	for stepID := range final {
		if out, ok := outputs[stepID]; ok {
			merged[stepID] = out
		}
	}
	return merged
}

func (s *Scheduler) failCast(ctx context.Context, castID string, cause error) (*store.SpellCast, error) {
	_, _ = s.store.UpdateSpellCast(ctx, castID, func(c *store.SpellCast) error {
		c.Status = store.CastFailed
		now := time.Now()
		c.CompletedAt = &now
		return nil
	})
	if s.metrics != nil {
		s.metrics.SpellCastsTotal.WithLabelValues(string(store.CastFailed)).Inc()
	}
	return nil, cause
}

func (s *Scheduler) failCastStep(ctx context.Context, castID, stepID string, cause error) (*store.SpellCast, error) {
	_, _ = s.store.UpdateSpellCast(ctx, castID, func(c *store.SpellCast) error {
		c.StepStatuses = append(c.StepStatuses, store.StepStatus{StepID: stepID, Status: string(store.GenFailed)})
		c.Status = store.CastFailed
		now := time.Now()
		c.CompletedAt = &now
		return nil
	})
	if s.metrics != nil {
		s.metrics.SpellCastsTotal.WithLabelValues(string(store.CastFailed)).Inc()
	}
	return nil, cause
}
