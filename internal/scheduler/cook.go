package scheduler

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/noema/forge/internal/apperr"
	"github.com/noema/forge/internal/events"
	"github.com/noema/forge/internal/lifecycle"
	"github.com/noema/forge/internal/store"
)

const defaultMaxInflight = 2

// StartCook transitions a draft or paused cook to running and launches its
// worker.
func (s *Scheduler) StartCook(ctx context.Context, cookID string) error {
	cook, err := s.store.UpdateCook(ctx, cookID, func(c *store.Cook) error {
		if c.Status != store.CookDraft && c.Status != store.CookPaused {
			return apperr.New(apperr.KindConflict, "cook must be draft or paused to start")
		}
		if c.MaxInflight <= 0 {
			c.MaxInflight = defaultMaxInflight
		}
		c.Status = store.CookRunning
		return nil
	})
	if err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.CookActive.Inc()
	}
	go s.runCookWorker(cook)
	return nil
}

// PauseCook stops new pieces from starting; in-flight pieces finish.
func (s *Scheduler) PauseCook(ctx context.Context, cookID string) error {
	_, err := s.store.UpdateCook(ctx, cookID, func(c *store.Cook) error {
		if c.Status != store.CookRunning {
			return apperr.New(apperr.KindConflict, "cook is not running")
		}
		c.Status = store.CookPaused
		return nil
	})
	if err == nil && s.metrics != nil {
		s.metrics.CookActive.Dec()
	}
	return err
}

// ResumeCook continues the worker loop from the current counts. Since the
// worker goroutine exits once the cook leaves `running`, resuming requires
// relaunching it.
func (s *Scheduler) ResumeCook(ctx context.Context, cookID string) error {
	cook, err := s.store.UpdateCook(ctx, cookID, func(c *store.Cook) error {
		if c.Status != store.CookPaused {
			return apperr.New(apperr.KindConflict, "cook is not paused")
		}
		c.Status = store.CookRunning
		return nil
	})
	if err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.CookActive.Inc()
	}
	go s.runCookWorker(cook)
	return nil
}

// StopCook marks the cook stopped; in-flight pieces are allowed to finish
// and their results are still recorded by the goroutines already tracking
// them.
func (s *Scheduler) StopCook(ctx context.Context, cookID string) error {
	wasRunning := false
	_, err := s.store.UpdateCook(ctx, cookID, func(c *store.Cook) error {
		if c.Status == store.CookCompleted || c.Status == store.CookStopped {
			return apperr.New(apperr.KindConflict, "cook already terminal")
		}
		wasRunning = c.Status == store.CookRunning
		c.Status = store.CookStopped
		return nil
	})
	if err == nil && wasRunning && s.metrics != nil {
		s.metrics.CookActive.Dec()
	}
	return err
}

// runCookWorker is the per-cook loop: while running and under target, start
// pieces up to maxInflight; each piece records its own result once its
// generation reaches a terminal state.
func (s *Scheduler) runCookWorker(cook *store.Cook) {
	ctx := context.Background()
	sem := make(chan struct{}, cook.MaxInflight)
	var wg sync.WaitGroup
	variationIdx := 0

	for {
		current, err := s.store.FindCookByID(ctx, cook.ID)
		if err != nil {
			s.log.Error().Err(err).Str("cook_id", cook.ID).Msg("scheduler: cook lookup failed, aborting worker")
			return
		}
		if current.Status == store.CookStopped || current.Status == store.CookCompleted || current.Status == store.CookFailed {
			break
		}
		if current.Status == store.CookPaused {
			time.Sleep(2 * time.Second)
			continue
		}
		if current.GeneratedCount >= current.TargetCount {
			break
		}

		select {
		case sem <- struct{}{}:
		default:
			time.Sleep(500 * time.Millisecond)
			continue
		}

		variation := ""
		if len(current.Config.Variations) > 0 {
			variation = current.Config.Variations[variationIdx%len(current.Config.Variations)]
			variationIdx++
		}
		prompt := strings.ReplaceAll(current.PromptTemplate, "{variation}", variation)

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			s.runPiece(ctx, current, prompt)
		}()
	}

	wg.Wait()

	wasRunning := false
	final, err := s.store.UpdateCook(ctx, cook.ID, func(c *store.Cook) error {
		if c.Status == store.CookRunning && c.GeneratedCount >= c.TargetCount {
			wasRunning = true
			c.Status = store.CookCompleted
			now := time.Now()
			c.CompletedAt = &now
		}
		return nil
	})
	if err != nil {
		s.log.Error().Err(err).Str("cook_id", cook.ID).Msg("scheduler: failed to finalize cook completion")
		return
	}
	if final.Status == store.CookCompleted {
		if wasRunning && s.metrics != nil {
			s.metrics.CookActive.Dec()
		}
		s.emitCookProgress(final)
	}
}

// runPiece submits one piece through the Lifecycle Engine with
// deliveryMode none, waits for it to resolve, then atomically folds the
// result into the cook aggregate under the per-cook lock.
func (s *Scheduler) runPiece(ctx context.Context, cook *store.Cook, prompt string) {
	result, err := s.engine.Execute(ctx, lifecycle.ExecuteRequest{
		ToolIdentifier:  cook.ToolID,
		Inputs:          map[string]interface{}{"prompt": prompt},
		User:            lifecycle.User{MasterAccountID: cook.MasterAccountID},
		Delivery:        lifecycle.DeliveryHints{NotificationPlatform: "none"},
		CookExecutionID: cook.ID,
	})
	if err != nil {
		s.log.Error().Err(err).Str("cook_id", cook.ID).Msg("scheduler: cook piece submission failed")
		return
	}

	gen, err := pollGenerationUntilTerminal(ctx, s.store, result.GenerationID, 2*time.Hour)
	if err != nil {
		s.log.Warn().Err(err).Str("generation_id", result.GenerationID).Msg("scheduler: cook piece did not terminate in time")
		return
	}

	lock := s.cookLock(cook.ID)
	lock.Lock()
	updated, err := s.store.UpdateCook(ctx, cook.ID, func(c *store.Cook) error {
		c.GenerationIDs = append(c.GenerationIDs, gen.ID)
		c.GeneratedCount++
		c.CostUsd += gen.CostUsd
		if gen.Status == store.GenCompleted {
			c.AcceptedIDs = append(c.AcceptedIDs, gen.ID)
		}
		return nil
	})
	lock.Unlock()
	if err != nil {
		s.log.Error().Err(err).Str("cook_id", cook.ID).Msg("scheduler: failed to record cook piece result")
		return
	}

	if s.metrics != nil {
		outcome := "failed"
		if gen.Status == store.GenCompleted {
			outcome = "accepted"
		}
		s.metrics.CookPiecesGenerated.WithLabelValues(outcome).Inc()
	}

	s.emitCookProgress(updated)
}

func (s *Scheduler) emitCookProgress(cook *store.Cook) {
	s.bus.Emit(events.TypeCookProgress, "scheduler", cook.ID, map[string]interface{}{
		"cookId":         cook.ID,
		"generatedCount": cook.GeneratedCount,
		"targetCount":    cook.TargetCount,
		"costUsd":        cook.CostUsd.USD(),
	})
}

// ReviewDecision is either "accept" or "reject".
type ReviewDecision string

const (
	DecisionAccept ReviewDecision = "accept"
	DecisionReject ReviewDecision = "reject"
)

// Review moves a generation id between acceptedIds and rejectedIds.
func (s *Scheduler) Review(ctx context.Context, cookID, generationID string, decision ReviewDecision) error {
	_, err := s.store.UpdateCook(ctx, cookID, func(c *store.Cook) error {
		c.AcceptedIDs = removeID(c.AcceptedIDs, generationID)
		c.RejectedIDs = removeID(c.RejectedIDs, generationID)
		switch decision {
		case DecisionAccept:
			c.AcceptedIDs = append(c.AcceptedIDs, generationID)
		case DecisionReject:
			c.RejectedIDs = append(c.RejectedIDs, generationID)
		default:
			return apperr.New(apperr.KindInvalidInput, "decision must be accept or reject")
		}
		return nil
	})
	return err
}

func removeID(ids []string, target string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != target {
			out = append(out, id)
		}
	}
	return out
}

// Export zips every accepted piece's stored result payload as <id>.json,
// with a <id>.meta.json sidecar when includeMetadata is set. The output
// assets the payloads refer to are not downloaded into the zip.
func (s *Scheduler) Export(ctx context.Context, cookID string, includeMetadata bool) ([]byte, error) {
	cook, err := s.store.FindCookByID(ctx, cookID)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	for _, genID := range cook.AcceptedIDs {
		gen, err := s.store.FindGenerationByID(ctx, genID)
		if err != nil {
			s.log.Warn().Err(err).Str("generation_id", genID).Msg("scheduler: export skipping unreadable generation")
			continue
		}

		assetBytes, err := json.Marshal(gen.ResultPayload)
		if err != nil {
			continue
		}
		w, err := zw.Create(fmt.Sprintf("%s.json", gen.ID))
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(assetBytes); err != nil {
			return nil, err
		}

		if includeMetadata {
			meta, _ := json.MarshalIndent(map[string]interface{}{
				"generationId": gen.ID,
				"costUsd":      gen.CostUsd.USD(),
				"durationMs":   gen.DurationMs,
			}, "", "  ")
			mw, err := zw.Create(fmt.Sprintf("%s.meta.json", gen.ID))
			if err != nil {
				return nil, err
			}
			if _, err := mw.Write(meta); err != nil {
				return nil, err
			}
		}
	}

	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
