// Package comfydeploy implements the ComfyDeploy runtime: submits a
// deployment run over net/http, normalizes its webhook payloads into
// runtime.NormalizedEvent. Progress arrives over [0,1] plus a free-form
// liveStatus tag; exactly one terminal webhook follows.
package comfydeploy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/noema/forge/internal/apperr"
	"github.com/noema/forge/internal/circuitbreaker"
	"github.com/noema/forge/internal/runtime"
	"github.com/noema/forge/internal/store"
)

// Runtime talks to a ComfyDeploy instance over its deployment-run REST API.
type Runtime struct {
	baseURL string
	apiKey  string
	client  *http.Client
	breaker *circuitbreaker.CircuitBreaker
}

func New(baseURL, apiKey string) *Runtime {
	transport := &http.Transport{
		MaxIdleConns:        50,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}
	return &Runtime{
		baseURL: baseURL,
		apiKey:  apiKey,
		client: &http.Client{
			Transport: transport,
			Timeout:   30 * time.Second, // submission itself is fast; the run completes async via webhook
		},
		breaker: circuitbreaker.New(circuitbreaker.DefaultConfig("comfydeploy")),
	}
}

func (r *Runtime) Name() string { return "comfyui" }

type runRequest struct {
	DeploymentID string                 `json:"deployment_id"`
	Inputs       map[string]interface{} `json:"inputs"`
}

type runResponse struct {
	RunID string `json:"run_id"`
}

func (r *Runtime) Submit(ctx context.Context, req runtime.SubmitRequest) (runtime.SubmitResult, error) {
	body, err := json.Marshal(runRequest{
		DeploymentID: req.Tool.Metadata.DeploymentID,
		Inputs:       req.ResolvedInputs,
	})
	if err != nil {
		return runtime.SubmitResult{}, fmt.Errorf("marshal comfydeploy request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/api/run/deployment/queue", bytes.NewReader(body))
	if err != nil {
		return runtime.SubmitResult{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+r.apiKey)

	respAny, err := r.breaker.ExecuteContext(ctx, func(ctx context.Context) (interface{}, error) {
		return r.client.Do(httpReq)
	})
	if err != nil {
		if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
			return runtime.SubmitResult{}, apperr.Wrap(apperr.KindUpstreamFailed, "comfydeploy circuit open", err)
		}
		return runtime.SubmitResult{}, apperr.Wrap(apperr.KindUpstreamFailed, "comfydeploy submit failed", err)
	}
	resp := respAny.(*http.Response)
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return runtime.SubmitResult{}, apperr.New(apperr.KindUpstreamFailed, fmt.Sprintf("comfydeploy returned status %d: %s", resp.StatusCode, string(respBody)))
	}

	var parsed runResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return runtime.SubmitResult{}, apperr.Wrap(apperr.KindUpstreamFailed, "decode comfydeploy response", err)
	}
	if parsed.RunID == "" {
		return runtime.SubmitResult{}, apperr.New(apperr.KindUpstreamFailed, "comfydeploy response missing run_id")
	}

	return runtime.SubmitResult{RunID: parsed.RunID}, nil
}

// webhookPayload mirrors ComfyDeploy's queued/running/success/failed
// notification shape.
type webhookPayload struct {
	RunID      string                 `json:"run_id"`
	Status     string                 `json:"status"`
	Progress   *float64               `json:"progress,omitempty"`
	LiveStatus string                 `json:"live_status,omitempty"`
	Outputs    map[string]interface{} `json:"outputs,omitempty"`
	Error      string                 `json:"error,omitempty"`
}

func (r *Runtime) OnWebhook(ctx context.Context, payload []byte) (runtime.NormalizedEvent, error) {
	var wp webhookPayload
	if err := json.Unmarshal(payload, &wp); err != nil {
		return runtime.NormalizedEvent{}, apperr.Wrap(apperr.KindInvalidInput, "decode comfydeploy webhook", err)
	}

	event := runtime.NormalizedEvent{
		RunID:      wp.RunID,
		Progress:   wp.Progress,
		LiveStatus: wp.LiveStatus,
		Outputs:    wp.Outputs,
	}

	switch wp.Status {
	case "queued":
		event.Status = store.GenQueued
	case "running":
		event.Status = store.GenProcessing
	case "success":
		event.Status = store.GenCompleted
	case "failed":
		event.Status = store.GenFailed
		event.Error = &store.GenerationError{Code: string(apperr.KindUpstreamFailed), Message: wp.Error}
	default:
		return runtime.NormalizedEvent{}, apperr.New(apperr.KindInvalidInput, "comfydeploy: unknown webhook status "+wp.Status)
	}

	return event, nil
}

func (r *Runtime) Cancel(ctx context.Context, runID string) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/api/run/"+runID+"/cancel", nil)
	if err != nil {
		return fmt.Errorf("create cancel request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+r.apiKey)

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return apperr.Wrap(apperr.KindUpstreamFailed, "comfydeploy cancel failed", err)
	}
	defer resp.Body.Close()
	return nil // best-effort per §4.E
}

func (r *Runtime) HealthCheck(ctx context.Context) runtime.HealthStatus {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/api/health", nil)
	if err != nil {
		return runtime.HealthStatus{Healthy: false, Error: err.Error(), LastCheck: time.Now()}
	}
	respAny, err := r.breaker.ExecuteContext(ctx, func(ctx context.Context) (interface{}, error) {
		return r.client.Do(req)
	})
	if err != nil {
		return runtime.HealthStatus{Healthy: false, Error: err.Error(), LastCheck: time.Now()}
	}
	resp := respAny.(*http.Response)
	defer resp.Body.Close()

	return runtime.HealthStatus{
		Healthy:   resp.StatusCode == http.StatusOK,
		Latency:   time.Since(start),
		LastCheck: time.Now(),
	}
}
