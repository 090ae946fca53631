// Package openai implements the synchronous DALL·E / chat completion
// runtime and the in-process "string" runtime used by the worked
// string-ops example. Both are delivery-mode "immediate": Submit returns
// the final result directly, never through a webhook.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/noema/forge/internal/apperr"
	"github.com/noema/forge/internal/circuitbreaker"
	"github.com/noema/forge/internal/runtime"
	"github.com/noema/forge/internal/store"
)

const defaultBaseURL = "https://api.openai.com/v1"

// Runtime implements runtime.Runtime for OpenAI's chat and image endpoints.
// One instance is registered per service name ("dalle", "openai-chat") since
// the registry is keyed by Name() and a tool's Service field selects one.
type Runtime struct {
	name    string
	apiKey  string
	baseURL string
	client  *http.Client
	breaker *circuitbreaker.CircuitBreaker
}

// New constructs the image-generation runtime, registered as "dalle".
func New(apiKey string) *Runtime {
	return newRuntime("dalle", apiKey)
}

// NewChat constructs the chat-completion runtime, registered as
// "openai-chat".
func NewChat(apiKey string) *Runtime {
	return newRuntime("openai-chat", apiKey)
}

func newRuntime(name, apiKey string) *Runtime {
	transport := &http.Transport{
		MaxIdleConns:        50,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}
	return &Runtime{
		name:    name,
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		client: &http.Client{
			Transport: transport,
			Timeout:   120 * time.Second,
		},
		breaker: circuitbreaker.New(circuitbreaker.DefaultConfig(name)),
	}
}

func (r *Runtime) Name() string { return r.name }

func (r *Runtime) Submit(ctx context.Context, req runtime.SubmitRequest) (runtime.SubmitResult, error) {
	switch req.Tool.Service {
	case "openai-chat":
		return r.submitChat(ctx, req)
	case "dalle":
		return r.submitImage(ctx, req)
	default:
		return runtime.SubmitResult{}, fmt.Errorf("openai runtime: unsupported service %q", req.Tool.Service)
	}
}

func (r *Runtime) submitChat(ctx context.Context, req runtime.SubmitRequest) (runtime.SubmitResult, error) {
	prompt, _ := req.ResolvedInputs["prompt"].(string)
	model, _ := req.ResolvedInputs["model"].(string)
	if model == "" {
		model = "gpt-4o-mini"
	}

	body, _ := json.Marshal(map[string]interface{}{
		"model": model,
		"messages": []map[string]string{
			{"role": "user", "content": prompt},
		},
	})

	respBody, err := r.post(ctx, "/chat/completions", body)
	if err != nil {
		return runtime.SubmitResult{}, err
	}

	var parsed struct {
		ID      string `json:"id"`
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage struct {
			TotalTokens int64 `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return runtime.SubmitResult{}, apperr.Wrap(apperr.KindUpstreamFailed, "decode openai chat response", err)
	}

	text := ""
	if len(parsed.Choices) > 0 {
		text = parsed.Choices[0].Message.Content
	}

	event := &runtime.NormalizedEvent{
		RunID:  parsed.ID,
		Status: store.GenCompleted,
		Outputs: map[string]interface{}{
			"text":        text,
			"totalTokens": parsed.Usage.TotalTokens,
		},
	}
	return runtime.SubmitResult{RunID: parsed.ID, ImmediateResult: event}, nil
}

func (r *Runtime) submitImage(ctx context.Context, req runtime.SubmitRequest) (runtime.SubmitResult, error) {
	prompt, _ := req.ResolvedInputs["prompt"].(string)
	size, _ := req.ResolvedInputs["size"].(string)
	if size == "" {
		size = "1024x1024"
	}

	body, _ := json.Marshal(map[string]interface{}{
		"model":  "dall-e-3",
		"prompt": prompt,
		"size":   size,
		"n":      1,
	})

	respBody, err := r.post(ctx, "/images/generations", body)
	if err != nil {
		return runtime.SubmitResult{}, err
	}

	var parsed struct {
		Created int64 `json:"created"`
		Data    []struct {
			URL string `json:"url"`
		} `json:"data"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return runtime.SubmitResult{}, apperr.Wrap(apperr.KindUpstreamFailed, "decode openai image response", err)
	}

	urls := make([]string, 0, len(parsed.Data))
	for _, d := range parsed.Data {
		urls = append(urls, d.URL)
	}
	runID := fmt.Sprintf("dalle-%d", parsed.Created)

	event := &runtime.NormalizedEvent{
		RunID:   runID,
		Status:  store.GenCompleted,
		Outputs: map[string]interface{}{"imageUrls": urls},
	}
	return runtime.SubmitResult{RunID: runID, ImmediateResult: event}, nil
}

func (r *Runtime) post(ctx context.Context, path string, body []byte) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+r.apiKey)

	respAny, err := r.breaker.ExecuteContext(ctx, func(ctx context.Context) (interface{}, error) {
		return r.client.Do(httpReq)
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUpstreamFailed, "openai request failed", err)
	}
	resp := respAny.(*http.Response)
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, apperr.New(apperr.KindUpstreamFailed, fmt.Sprintf("openai returned status %d: %s", resp.StatusCode, string(respBody)))
	}
	return respBody, nil
}

// OnWebhook is never called for this runtime — delivery mode is immediate —
// but is implemented to satisfy runtime.Runtime.
func (r *Runtime) OnWebhook(ctx context.Context, payload []byte) (runtime.NormalizedEvent, error) {
	return runtime.NormalizedEvent{}, fmt.Errorf("openai runtime: synchronous, does not accept webhooks")
}

func (r *Runtime) Cancel(ctx context.Context, runID string) error {
	return nil // already completed synchronously by the time any cancel could arrive
}

func (r *Runtime) HealthCheck(ctx context.Context) runtime.HealthStatus {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/models", nil)
	if err != nil {
		return runtime.HealthStatus{Healthy: false, Error: err.Error(), LastCheck: time.Now()}
	}
	req.Header.Set("Authorization", "Bearer "+r.apiKey)

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

// StringOpsRuntime is the in-process "string" synchronous runtime from the
// worked example: no external call, resolved inputs are transformed
// directly and returned as the immediate result.
type StringOpsRuntime struct{}

func NewStringOpsRuntime() *StringOpsRuntime { return &StringOpsRuntime{} }

func (r *StringOpsRuntime) Name() string { return "string" }

func (r *StringOpsRuntime) Submit(ctx context.Context, req runtime.SubmitRequest) (runtime.SubmitResult, error) {
	input, _ := req.ResolvedInputs["text"].(string)
	op, _ := req.ResolvedInputs["operation"].(string)

	var out string
	switch op {
	case "upper":
		out = strings.ToUpper(input)
	case "lower":
		out = strings.ToLower(input)
	case "reverse":
		runes := []rune(input)
		for i, j := 0, len(runes)-1; i < j; i, j = i+1, j-1 {
			runes[i], runes[j] = runes[j], runes[i]
		}
		out = string(runes)
	default:
		out = input
	}

	runID := fmt.Sprintf("string-%s", req.Generation.ID)
	event := &runtime.NormalizedEvent{
		RunID:   runID,
		Status:  store.GenCompleted,
		Outputs: map[string]interface{}{"result": out},
	}
	return runtime.SubmitResult{RunID: runID, ImmediateResult: event}, nil
}

func (r *StringOpsRuntime) OnWebhook(ctx context.Context, payload []byte) (runtime.NormalizedEvent, error) {
	return runtime.NormalizedEvent{}, fmt.Errorf("string runtime: synchronous, does not accept webhooks")
}

func (r *StringOpsRuntime) Cancel(ctx context.Context, runID string) error { return nil }

func (r *StringOpsRuntime) HealthCheck(ctx context.Context) runtime.HealthStatus {
	return runtime.HealthStatus{Healthy: true, LastCheck: time.Now()}
}
