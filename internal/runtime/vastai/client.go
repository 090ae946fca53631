package vastai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/noema/forge/internal/apperr"
)

// HTTPAPI is the production API implementation, talking to the VastAI
// console REST surface over net/http — the same bare-client shape as the
// comfydeploy and openai runtimes use.
type HTTPAPI struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewHTTPAPI(baseURL, apiKey string) *HTTPAPI {
	return &HTTPAPI{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 20 * time.Second},
	}
}

func (a *HTTPAPI) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+a.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return apperr.Wrap(apperr.KindUpstreamFailed, "vastai api request failed", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return apperr.New(apperr.KindUpstreamFailed, fmt.Sprintf("vastai api returned %d: %s", resp.StatusCode, string(respBody)))
	}
	if out != nil {
		return json.Unmarshal(respBody, out)
	}
	return nil
}

func (a *HTTPAPI) SearchOffers(ctx context.Context, gpuType string) ([]Offer, error) {
	var parsed struct {
		Offers []struct {
			ID       string  `json:"id"`
			GPUName  string  `json:"gpu_name"`
			DPHTotal float64 `json:"dph_total"`
		} `json:"offers"`
	}
	if err := a.do(ctx, http.MethodGet, "/api/v0/bundles?gpu_name="+gpuType, nil, &parsed); err != nil {
		return nil, err
	}
	offers := make([]Offer, 0, len(parsed.Offers))
	for _, o := range parsed.Offers {
		offers = append(offers, Offer{ID: o.ID, GPUType: o.GPUName, PricePerHour: o.DPHTotal})
	}
	return offers, nil
}

func (a *HTTPAPI) RentOffer(ctx context.Context, offerID string) (string, error) {
	var parsed struct {
		NewContract string `json:"new_contract"`
	}
	if err := a.do(ctx, http.MethodPut, "/api/v0/asks/"+offerID+"/", map[string]interface{}{"client_id": "me"}, &parsed); err != nil {
		return "", err
	}
	return parsed.NewContract, nil
}

func (a *HTTPAPI) InstanceStatus(ctx context.Context, instanceID string) (bool, string, int, error) {
	var parsed struct {
		Instances struct {
			ActualStatus string `json:"actual_status"`
			SSHHost      string `json:"ssh_host"`
			SSHPort      int    `json:"ssh_port"`
		} `json:"instances"`
	}
	if err := a.do(ctx, http.MethodGet, "/api/v0/instances/"+instanceID+"/", nil, &parsed); err != nil {
		return false, "", 0, err
	}
	running := parsed.Instances.ActualStatus == "running"
	return running, parsed.Instances.SSHHost, parsed.Instances.SSHPort, nil
}

func (a *HTTPAPI) AttachSSHKey(ctx context.Context, instanceID string, publicKey string) error {
	return a.do(ctx, http.MethodPost, "/api/v0/instances/"+instanceID+"/ssh/", map[string]interface{}{"ssh_key": publicKey}, nil)
}

func (a *HTTPAPI) TerminateInstance(ctx context.Context, instanceID string) error {
	return a.do(ctx, http.MethodDelete, "/api/v0/instances/"+instanceID+"/", nil, nil)
}

func (a *HTTPAPI) ListInstances(ctx context.Context) ([]InstanceRef, error) {
	var parsed struct {
		Instances []struct {
			ID json.Number `json:"id"`
		} `json:"instances"`
	}
	if err := a.do(ctx, http.MethodGet, "/api/v0/instances/", nil, &parsed); err != nil {
		return nil, err
	}
	refs := make([]InstanceRef, 0, len(parsed.Instances))
	for _, i := range parsed.Instances {
		refs = append(refs, InstanceRef{ID: i.ID.String()})
	}
	return refs, nil
}

// SSHExecutor runs commands and uploads files over golang.org/x/crypto/ssh,
// dialing fresh per call since rented instances are short-lived and their
// host keys aren't worth a persistent pool.
type SSHExecutor struct {
	signer ssh.Signer
	user   string
}

func NewSSHExecutor(privateKeyPEM []byte, user string) (*SSHExecutor, error) {
	signer, err := ssh.ParsePrivateKey(privateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse ssh private key: %w", err)
	}
	if user == "" {
		user = "root"
	}
	return &SSHExecutor{signer: signer, user: user}, nil
}

func (e *SSHExecutor) dial(host string, port int) (*ssh.Client, error) {
	cfg := &ssh.ClientConfig{
		User:            e.user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(e.signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), // rented instances present no known host key
		Timeout:         15 * time.Second,
	}
	return ssh.Dial("tcp", fmt.Sprintf("%s:%d", host, port), cfg)
}

func (e *SSHExecutor) RunCommand(ctx context.Context, host string, port int, command string) (string, error) {
	client, err := e.dial(host, port)
	if err != nil {
		return "", apperr.Wrap(apperr.KindUpstreamFailed, "vastai ssh dial failed", err)
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return "", err
	}
	defer session.Close()

	var out bytes.Buffer
	session.Stdout = &out
	if err := session.Run(command); err != nil {
		return out.String(), err
	}
	return out.String(), nil
}

func (e *SSHExecutor) UploadFile(ctx context.Context, host string, port int, localPath, remotePath string) error {
	client, err := e.dial(host, port)
	if err != nil {
		return apperr.Wrap(apperr.KindUpstreamFailed, "vastai ssh dial failed", err)
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return err
	}
	defer session.Close()

	// A minimal inline `cat >file` transfer; SFTP would need another
	// dependency for what is, on this code path, a one-shot dataset push.
	stdin, err := session.StdinPipe()
	if err != nil {
		return err
	}
	if err := session.Start(fmt.Sprintf("cat > %s", remotePath)); err != nil {
		return err
	}
	f, err := openLocal(localPath)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := io.Copy(stdin, f); err != nil {
		return err
	}
	stdin.Close()
	return session.Wait()
}

// Uploader pushes trained checkpoints to HuggingFace Hub or an R2 bucket.
type Uploader struct {
	hfToken      string
	hfClient     *http.Client
	r2Endpoint   string
	r2AccessKey  string
	r2SecretKey  string
}

func NewUploader(hfToken, r2Endpoint, r2AccessKey, r2SecretKey string) *Uploader {
	return &Uploader{
		hfToken:     hfToken,
		hfClient:    &http.Client{Timeout: 5 * time.Minute},
		r2Endpoint:  r2Endpoint,
		r2AccessKey: r2AccessKey,
		r2SecretKey: r2SecretKey,
	}
}

func openLocal(path string) (*os.File, error) {
	return os.Open(path)
}

func (u *Uploader) UploadHuggingFace(ctx context.Context, localPath, repo string) (string, error) {
	f, err := openLocal(localPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "checkpoint.safetensors")
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(part, f); err != nil {
		return "", err
	}
	mw.Close()

	url := fmt.Sprintf("https://huggingface.co/api/models/%s/upload/main/checkpoint.safetensors", repo)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+u.hfToken)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := u.hfClient.Do(req)
	if err != nil {
		return "", apperr.Wrap(apperr.KindUpstreamFailed, "huggingface upload failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return "", apperr.New(apperr.KindUpstreamFailed, fmt.Sprintf("huggingface upload returned %d: %s", resp.StatusCode, string(respBody)))
	}
	return fmt.Sprintf("https://huggingface.co/%s", repo), nil
}

func (u *Uploader) UploadR2(ctx context.Context, localPath, key string) (string, error) {
	f, err := openLocal(localPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	url := fmt.Sprintf("%s/%s", u.r2Endpoint, key)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, f)
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(u.r2AccessKey, u.r2SecretKey)

	resp, err := (&http.Client{Timeout: 5 * time.Minute}).Do(req)
	if err != nil {
		return "", apperr.Wrap(apperr.KindUpstreamFailed, "r2 upload failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", apperr.New(apperr.KindUpstreamFailed, fmt.Sprintf("r2 upload returned status %d", resp.StatusCode))
	}
	return url, nil
}
