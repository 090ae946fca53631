// Package runtime defines the uniform interface every remote (or
// in-process) generation backend implements, plus a name-keyed registry for
// wiring them up at boot. Grounded on Sergey-Bar-Alfred's provider.Provider
// interface and provider.Registry, generalized from chat completion to
// generation submission.
package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/noema/forge/internal/store"
)

// SubmitRequest carries everything a runtime needs to start a generation.
type SubmitRequest struct {
	Generation  *store.GenerationRecord
	Tool        *store.Tool
	ResolvedInputs map[string]interface{}
}

// SubmitResult is returned immediately by Submit. RunID is echoed back in
// subsequent webhooks; ImmediateResult is populated for synchronous runtimes
// (delivery mode "immediate") that never produce a webhook.
type SubmitResult struct {
	RunID           string
	ImmediateResult *NormalizedEvent
}

// NormalizedEvent is the uniform shape every runtime's webhook (or
// synchronous completion) is translated into — the Lifecycle Engine is the
// only consumer and never inspects a runtime-specific payload shape.
type NormalizedEvent struct {
	RunID      string
	Status     store.GenerationStatus
	Progress   *float64
	LiveStatus string
	Outputs    map[string]interface{}
	Error      *store.GenerationError
}

// Runtime is implemented by every generation backend: ComfyDeploy, OpenAI,
// VastAI, and the in-process "string" synchronous runtime.
type Runtime interface {
	Name() string
	Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error)
	OnWebhook(ctx context.Context, payload []byte) (NormalizedEvent, error)
	Cancel(ctx context.Context, runID string) error
	HealthCheck(ctx context.Context) HealthStatus
}

// HealthStatus reports a runtime's reachability, polled periodically for
// admin visibility and circuit-breaker telemetry.
type HealthStatus struct {
	Healthy   bool
	Latency   time.Duration
	LastCheck time.Time
	Error     string
}

// Registry is a name-keyed lookup of registered runtimes, resolved from a
// tool's Service field.
type Registry struct {
	mu       sync.RWMutex
	runtimes map[string]Runtime
}

func NewRegistry() *Registry {
	return &Registry{runtimes: make(map[string]Runtime)}
}

func (r *Registry) Register(rt Runtime) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runtimes[rt.Name()] = rt
}

func (r *Registry) Get(name string) (Runtime, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.runtimes[name]
	if !ok {
		return nil, fmt.Errorf("runtime: no runtime registered for service %q", name)
	}
	return rt, nil
}

func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.runtimes))
	for name := range r.runtimes {
		names = append(names, name)
	}
	return names
}

// Sweepable is implemented by runtimes holding leased external resources
// (VastAI's rented GPU instances) that need periodic orphan reclamation —
// a crashed process or a failed TerminateInstance call can otherwise leave
// a billed instance running with nothing tracking it.
type Sweepable interface {
	Sweep(ctx context.Context) error
}

// SweepAll runs Sweep on every registered runtime that implements Sweepable,
// returning each one's error keyed by runtime name.
func (r *Registry) SweepAll(ctx context.Context) map[string]error {
	r.mu.RLock()
	runtimes := make(map[string]Runtime, len(r.runtimes))
	for k, v := range r.runtimes {
		runtimes[k] = v
	}
	r.mu.RUnlock()

	results := make(map[string]error)
	for name, rt := range runtimes {
		if sw, ok := rt.(Sweepable); ok {
			results[name] = sw.Sweep(ctx)
		}
	}
	return results
}

func (r *Registry) HealthCheckAll(ctx context.Context) map[string]HealthStatus {
	r.mu.RLock()
	runtimes := make(map[string]Runtime, len(r.runtimes))
	for k, v := range r.runtimes {
		runtimes[k] = v
	}
	r.mu.RUnlock()

	results := make(map[string]HealthStatus)
	var wg sync.WaitGroup
	var mu sync.Mutex
	for name, rt := range runtimes {
		wg.Add(1)
		go func(n string, rt Runtime) {
			defer wg.Done()
			status := rt.HealthCheck(ctx)
			mu.Lock()
			results[n] = status
			mu.Unlock()
		}(name, rt)
	}
	wg.Wait()
	return results
}
