package vastai

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAPI struct {
	offers        []Offer
	rentFails     map[string]bool
	running       map[string]bool
	sshHost       string
	sshPort       int
	terminated    []string
	listInstances []InstanceRef
}

func (f *fakeAPI) SearchOffers(ctx context.Context, gpuType string) ([]Offer, error) {
	return f.offers, nil
}

func (f *fakeAPI) RentOffer(ctx context.Context, offerID string) (string, error) {
	if f.rentFails[offerID] {
		return "", assert.AnError
	}
	return "instance-" + offerID, nil
}

func (f *fakeAPI) InstanceStatus(ctx context.Context, instanceID string) (bool, string, int, error) {
	return f.running[instanceID], f.sshHost, f.sshPort, nil
}

func (f *fakeAPI) AttachSSHKey(ctx context.Context, instanceID, publicKey string) error {
	return nil
}

func (f *fakeAPI) TerminateInstance(ctx context.Context, instanceID string) error {
	f.terminated = append(f.terminated, instanceID)
	return nil
}

func (f *fakeAPI) ListInstances(ctx context.Context) ([]InstanceRef, error) {
	return f.listInstances, nil
}

type fakeSSH struct {
	verifyFails map[string]bool
}

func (s *fakeSSH) RunCommand(ctx context.Context, host string, port int, command string) (string, error) {
	if s.verifyFails[host] {
		return "", assert.AnError
	}
	return "ready", nil
}

func (s *fakeSSH) UploadFile(ctx context.Context, host string, port int, localPath, remotePath string) error {
	return nil
}

type fakeUploader struct{}

func (fakeUploader) UploadHuggingFace(ctx context.Context, localPath, repo string) (string, error) {
	return "https://huggingface.co/" + repo, nil
}

func (fakeUploader) UploadR2(ctx context.Context, localPath, key string) (string, error) {
	return "https://r2.example/" + key, nil
}

func newTestRuntime(api API, ssh SSHClient) *Runtime {
	return New(api, ssh, fakeUploader{}, "ssh-ed25519 AAAA test", zerolog.Nop())
}

func TestProvisionSucceedsOnFirstOffer(t *testing.T) {
	api := &fakeAPI{
		offers:  []Offer{{ID: "offer-1", GPUType: "RTX_4090"}},
		running: map[string]bool{"instance-offer-1": true},
		sshHost: "1.2.3.4",
		sshPort: 22,
	}
	r := newTestRuntime(api, &fakeSSH{})

	instanceID, host, port, err := r.provision(context.Background(), "RTX_4090")
	require.NoError(t, err)
	assert.Equal(t, "instance-offer-1", instanceID)
	assert.Equal(t, "1.2.3.4", host)
	assert.Equal(t, 22, port)
	assert.Empty(t, api.terminated)
}

func TestProvisionRetriesNextOfferOnSSHFailure(t *testing.T) {
	api := &fakeAPI{
		offers: []Offer{
			{ID: "offer-1", GPUType: "RTX_4090"},
			{ID: "offer-2", GPUType: "RTX_4090"},
		},
		running: map[string]bool{"instance-offer-1": true, "instance-offer-2": true},
		sshHost: "bad-host",
		sshPort: 22,
	}
	ssh := &fakeSSH{verifyFails: map[string]bool{"bad-host": true}}
	r := newTestRuntime(api, ssh)

	_, _, _, err := r.provision(context.Background(), "RTX_4090")
	require.Error(t, err)
	// Every offer attempt failed SSH verification, so every rented instance
	// should have been torn down rather than left running and billed. With
	// maxOfferAttempts=3 over 2 offers, offer-1 is picked twice (attempts 0
	// and 2) and offer-2 once (attempt 1).
	assert.ElementsMatch(t, []string{"instance-offer-1", "instance-offer-2", "instance-offer-1"}, api.terminated)
}

func TestProvisionExhaustsOfferRetries(t *testing.T) {
	api := &fakeAPI{
		offers:    []Offer{{ID: "offer-1"}},
		rentFails: map[string]bool{"offer-1": true},
	}
	r := newTestRuntime(api, &fakeSSH{})

	_, _, _, err := r.provision(context.Background(), "RTX_4090")
	require.Error(t, err)
}

func TestSweepTerminatesUntrackedInstances(t *testing.T) {
	api := &fakeAPI{
		listInstances: []InstanceRef{{ID: "tracked-1"}, {ID: "orphan-1"}},
	}
	r := newTestRuntime(api, &fakeSSH{})
	r.jobs["run-1"] = &job{runID: "run-1", instanceID: "tracked-1"}

	err := r.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"orphan-1"}, api.terminated)
}

func TestSweepNoOrphansTerminatesNothing(t *testing.T) {
	api := &fakeAPI{
		listInstances: []InstanceRef{{ID: "tracked-1"}},
	}
	r := newTestRuntime(api, &fakeSSH{})
	r.jobs["run-1"] = &job{runID: "run-1", instanceID: "tracked-1"}

	err := r.Sweep(context.Background())
	require.NoError(t, err)
	assert.Empty(t, api.terminated)
}

func TestCancelTerminatesInstanceAndRemovesJob(t *testing.T) {
	api := &fakeAPI{}
	r := newTestRuntime(api, &fakeSSH{})
	ctx, cancel := context.WithCancel(context.Background())
	r.jobs["run-1"] = &job{runID: "run-1", instanceID: "instance-1", cancel: cancel}

	err := r.Cancel(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"instance-1"}, api.terminated)
	assert.NotContains(t, r.jobs, "run-1")
	select {
	case <-ctx.Done():
	default:
		t.Fatal("expected job context to be cancelled")
	}
}

func TestFinishTrainingUploadsAndTerminatesOnSuccess(t *testing.T) {
	api := &fakeAPI{}
	r := newTestRuntime(api, &fakeSSH{})
	r.jobs["run-1"] = &job{runID: "run-1", instanceID: "instance-1"}

	url, err := r.FinishTraining(context.Background(), "run-1", "/tmp/ckpt.safetensors", true, "org/model", true)
	require.NoError(t, err)
	assert.Equal(t, "https://huggingface.co/org/model", url)
	assert.Equal(t, []string{"instance-1"}, api.terminated)
}

func TestFinishTrainingLeavesInstanceRunningOnFailure(t *testing.T) {
	api := &fakeAPI{}
	r := newTestRuntime(api, &fakeSSH{})
	r.jobs["run-1"] = &job{runID: "run-1", instanceID: "instance-1"}

	url, err := r.FinishTraining(context.Background(), "run-1", "/tmp/ckpt.safetensors", true, "org/model", false)
	require.NoError(t, err)
	assert.Empty(t, url)
	assert.Empty(t, api.terminated)
}
