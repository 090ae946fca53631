// Package vastai implements the VastAI training runtime: a long-lived job
// that provisions a rented GPU instance, uploads the dataset, starts
// training, and polls over SSH for progress. Progress is only logged: the
// runtime emits no progress or completion events, and OnWebhook always
// returns an error.
//
// Provisioning is modeled as an explicit state machine per the REDESIGN
// FLAGS item: SearchOffers -> RentOffer -> WaitRunning -> AttachSshKey ->
// VerifySsh -> Provisioned, with an outer retry loop over up to 3 offer
// attempts when a step fails. Every attempt searches the same requested GPU
// type and cycles through the offers returned; there is no fallback to
// another GPU type.
package vastai

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/noema/forge/internal/apperr"
	"github.com/noema/forge/internal/circuitbreaker"
	"github.com/noema/forge/internal/runtime"
)

// provisionState is the instance-provisioning FSM's current step.
type provisionState int

const (
	stateSearchOffers provisionState = iota
	stateRentOffer
	stateWaitRunning
	stateAttachSSHKey
	stateVerifySSH
	stateProvisioned
)

const maxOfferAttempts = 3

// Offer is a candidate rentable instance, as returned by the VastAI search
// API, trimmed to the fields the provisioning state machine needs.
type Offer struct {
	ID      string
	GPUType string
	PricePerHour float64
}

// InstanceRef is a minimal handle on a rented instance, as returned by a
// fleet-wide listing, used only to spot instances the sweep no longer finds
// in the in-memory job map.
type InstanceRef struct {
	ID string
}

// API is the subset of the VastAI HTTP surface the runtime calls. Kept as
// an interface so the provisioning state machine is testable without a real
// account; the production implementation wraps net/http per the other
// runtime adapters.
type API interface {
	SearchOffers(ctx context.Context, gpuType string) ([]Offer, error)
	RentOffer(ctx context.Context, offerID string) (instanceID string, err error)
	InstanceStatus(ctx context.Context, instanceID string) (running bool, sshHost string, sshPort int, err error)
	AttachSSHKey(ctx context.Context, instanceID string, publicKey string) error
	TerminateInstance(ctx context.Context, instanceID string) error
	ListInstances(ctx context.Context) ([]InstanceRef, error)
}

// SSHClient is the subset of SSH the runtime needs: run a remote command and
// read its combined output, used both for verification and polling.
type SSHClient interface {
	RunCommand(ctx context.Context, host string, port int, command string) (output string, err error)
	UploadFile(ctx context.Context, host string, port int, localPath, remotePath string) error
}

// ArtifactUploader pushes the finished checkpoint to HuggingFace or R2
// depending on the request's storage flag.
type ArtifactUploader interface {
	UploadHuggingFace(ctx context.Context, localPath, repo string) (url string, err error)
	UploadR2(ctx context.Context, localPath, key string) (url string, err error)
}

type job struct {
	runID      string
	instanceID string
	sshHost    string
	sshPort    int
	cancel     context.CancelFunc
}

// Runtime is the VastAI training adapter.
type Runtime struct {
	api      API
	ssh      SSHClient
	uploader ArtifactUploader
	sshPublicKey string
	log      zerolog.Logger
	breaker  *circuitbreaker.CircuitBreaker

	mu   sync.Mutex
	jobs map[string]*job // runID -> job
}

func New(api API, ssh SSHClient, uploader ArtifactUploader, sshPublicKey string, log zerolog.Logger) *Runtime {
	return &Runtime{
		api:          api,
		ssh:          ssh,
		uploader:     uploader,
		sshPublicKey: sshPublicKey,
		log:          log,
		breaker:      circuitbreaker.New(circuitbreaker.DefaultConfig("vastai")),
		jobs:         make(map[string]*job),
	}
}

func (r *Runtime) Name() string { return "vastai-training" }

func (r *Runtime) Submit(ctx context.Context, req runtime.SubmitRequest) (runtime.SubmitResult, error) {
	runID := fmt.Sprintf("vastai-%s", req.Generation.ID)
	gpuType, _ := req.ResolvedInputs["gpuType"].(string)
	if gpuType == "" {
		gpuType = "RTX_4090"
	}

	jobCtx, cancel := context.WithCancel(context.Background())
	j := &job{runID: runID, cancel: cancel}

	r.mu.Lock()
	r.jobs[runID] = j
	r.mu.Unlock()

	// Provisioning runs synchronously here so a hard failure (all offer
	// attempts exhausted) surfaces as a Submit error rather than a later
	// webhook; training itself then proceeds in the background.
	instanceID, host, port, err := r.provision(ctx, gpuType)
	if err != nil {
		r.mu.Lock()
		delete(r.jobs, runID)
		r.mu.Unlock()
		return runtime.SubmitResult{}, err
	}
	j.instanceID = instanceID
	j.sshHost = host
	j.sshPort = port

	go r.runTraining(jobCtx, j, req)

	return runtime.SubmitResult{RunID: runID}, nil
}

// provision walks the SearchOffers -> RentOffer -> WaitRunning ->
// AttachSshKey -> VerifySsh -> Provisioned state machine, retrying with a
// fresh offer (up to maxOfferAttempts) whenever SSH verification fails.
func (r *Runtime) provision(ctx context.Context, gpuType string) (instanceID, sshHost string, sshPort int, err error) {
	var lastErr error

	for attempt := 0; attempt < maxOfferAttempts; attempt++ {
		lastErr = nil
		state := stateSearchOffers
		var offer Offer
		var currentInstance string

		for state != stateProvisioned {
			switch state {
			case stateSearchOffers:
				offersAny, searchErr := r.breaker.ExecuteContext(ctx, func(ctx context.Context) (interface{}, error) {
					return r.api.SearchOffers(ctx, gpuType)
				})
				offers, _ := offersAny.([]Offer)
				if searchErr != nil || len(offers) == 0 {
					lastErr = fmt.Errorf("search offers (gpu=%s): %w", gpuType, searchErr)
					break
				}
				offer = offers[attempt%len(offers)]
				state = stateRentOffer

			case stateRentOffer:
				id, rentErr := r.api.RentOffer(ctx, offer.ID)
				if rentErr != nil {
					lastErr = fmt.Errorf("rent offer %s: %w", offer.ID, rentErr)
					break
				}
				currentInstance = id
				state = stateWaitRunning

			case stateWaitRunning:
				running, host, port, statusErr := r.waitUntilRunning(ctx, currentInstance)
				if statusErr != nil || !running {
					lastErr = fmt.Errorf("instance %s never reached running: %w", currentInstance, statusErr)
					break
				}
				sshHost, sshPort = host, port
				state = stateAttachSSHKey

			case stateAttachSSHKey:
				if attachErr := r.api.AttachSSHKey(ctx, currentInstance, r.sshPublicKey); attachErr != nil {
					lastErr = fmt.Errorf("attach ssh key: %w", attachErr)
					break
				}
				state = stateVerifySSH

			case stateVerifySSH:
				if _, verifyErr := r.ssh.RunCommand(ctx, sshHost, sshPort, "echo ready"); verifyErr != nil {
					lastErr = fmt.Errorf("verify ssh: %w", verifyErr)
					break
				}
				state = stateProvisioned
			}

			if lastErr != nil {
				break
			}
		}

		if state == stateProvisioned {
			return currentInstance, sshHost, sshPort, nil
		}

		r.log.Warn().Err(lastErr).Int("attempt", attempt+1).Msg("vastai: offer failed, retrying with next offer")
		if currentInstance != "" {
			_ = r.api.TerminateInstance(ctx, currentInstance)
		}
	}

	return "", "", 0, apperr.Wrap(apperr.KindUpstreamFailed, "vastai: exhausted offer retries", lastErr)
}

func (r *Runtime) waitUntilRunning(ctx context.Context, instanceID string) (bool, string, int, error) {
	deadline := time.Now().Add(10 * time.Minute)
	for time.Now().Before(deadline) {
		running, host, port, err := r.api.InstanceStatus(ctx, instanceID)
		if err != nil {
			return false, "", 0, err
		}
		if running {
			return true, host, port, nil
		}
		select {
		case <-ctx.Done():
			return false, "", 0, ctx.Err()
		case <-time.After(15 * time.Second):
		}
	}
	return false, "", 0, fmt.Errorf("timed out waiting for instance to run")
}

// runTraining uploads the dataset, starts training, then polls SSH every 5
// minutes and logs the last progress line at debug level. It emits no
// events; it returns when ctx is cancelled or a setup step fails.
func (r *Runtime) runTraining(ctx context.Context, j *job, req runtime.SubmitRequest) {
	datasetPath, _ := req.ResolvedInputs["datasetPath"].(string)
	if datasetPath != "" {
		if err := r.ssh.UploadFile(ctx, j.sshHost, j.sshPort, datasetPath, "/workspace/dataset"); err != nil {
			r.log.Error().Err(err).Str("run_id", j.runID).Msg("vastai: dataset upload failed")
			return
		}
	}

	if _, err := r.ssh.RunCommand(ctx, j.sshHost, j.sshPort, "nohup train.sh > train.log 2>&1 &"); err != nil {
		r.log.Error().Err(err).Str("run_id", j.runID).Msg("vastai: failed to start training")
		return
	}

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			output, err := r.ssh.RunCommand(ctx, j.sshHost, j.sshPort, "tail -n 1 progress.log")
			if err != nil {
				r.log.Warn().Err(err).Str("run_id", j.runID).Msg("vastai: progress poll failed")
				continue
			}
			r.log.Debug().Str("run_id", j.runID).Str("progress", output).Msg("vastai: training progress")
		}
	}
}

// OnWebhook is unused for VastAI — progress is polled over SSH, not pushed —
// and always returns an error. It exists to satisfy runtime.Runtime; the
// poller does not translate training completion into a normalized event
// either.
func (r *Runtime) OnWebhook(ctx context.Context, payload []byte) (runtime.NormalizedEvent, error) {
	return runtime.NormalizedEvent{}, fmt.Errorf("vastai runtime: progress is polled over ssh, not webhook-delivered")
}

func (r *Runtime) Cancel(ctx context.Context, runID string) error {
	r.mu.Lock()
	j, ok := r.jobs[runID]
	if ok {
		delete(r.jobs, runID)
	}
	r.mu.Unlock()
	if !ok {
		return apperr.New(apperr.KindNotFound, "vastai: no active job for run_id "+runID)
	}
	j.cancel()
	return r.api.TerminateInstance(ctx, j.instanceID)
}

// FinishTraining uploads the completed checkpoint (HuggingFace or R2 per
// useHuggingFace) and either terminates the instance (success) or leaves it
// running for debug (failure), per §4.E.
func (r *Runtime) FinishTraining(ctx context.Context, runID, localArtifactPath string, useHuggingFace bool, destination string, trainingSucceeded bool) (string, error) {
	r.mu.Lock()
	j, ok := r.jobs[runID]
	r.mu.Unlock()
	if !ok {
		return "", apperr.New(apperr.KindNotFound, "vastai: no active job for run_id "+runID)
	}

	if !trainingSucceeded {
		return "", nil // instance left running for debug, per spec
	}

	var url string
	var err error
	if useHuggingFace {
		url, err = r.uploader.UploadHuggingFace(ctx, localArtifactPath, destination)
	} else {
		url, err = r.uploader.UploadR2(ctx, localArtifactPath, destination)
	}
	if err != nil {
		return "", apperr.Wrap(apperr.KindUpstreamFailed, "vastai: artifact upload failed", err)
	}

	if termErr := r.api.TerminateInstance(ctx, j.instanceID); termErr != nil {
		r.log.Warn().Err(termErr).Str("instance_id", j.instanceID).Msg("vastai: failed to terminate completed instance")
	}
	return url, nil
}

// Sweep terminates any instance the account is still being billed for that
// the in-memory job map no longer tracks — the orphan case the instance
// sweeper in the REDESIGN FLAG exists for: a terminate call that failed
// silently, or a process restart that lost the map entirely.
func (r *Runtime) Sweep(ctx context.Context) error {
	instances, err := r.api.ListInstances(ctx)
	if err != nil {
		return apperr.Wrap(apperr.KindUpstreamFailed, "vastai: list instances for sweep failed", err)
	}

	r.mu.Lock()
	tracked := make(map[string]bool, len(r.jobs))
	for _, j := range r.jobs {
		tracked[j.instanceID] = true
	}
	r.mu.Unlock()

	for _, inst := range instances {
		if tracked[inst.ID] {
			continue
		}
		r.log.Warn().Str("instance_id", inst.ID).Msg("vastai: reaping orphaned instance")
		if termErr := r.api.TerminateInstance(ctx, inst.ID); termErr != nil {
			r.log.Error().Err(termErr).Str("instance_id", inst.ID).Msg("vastai: failed to terminate orphaned instance")
		}
	}
	return nil
}

func (r *Runtime) HealthCheck(ctx context.Context) runtime.HealthStatus {
	start := time.Now()
	_, err := r.breaker.ExecuteContext(ctx, func(ctx context.Context) (interface{}, error) {
		return r.api.SearchOffers(ctx, "RTX_4090")
	})
	if err != nil {
		return runtime.HealthStatus{Healthy: false, Error: err.Error(), LastCheck: time.Now()}
	}
	return runtime.HealthStatus{Healthy: true, Latency: time.Since(start), LastCheck: time.Now()}
}
