package notify

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/noema/forge/internal/events"
)

// WebhookSubscription is a per-user delivery target, generic across
// platforms (the notificationPlatform tag on a generation is a free-form
// string; this adapter doesn't special-case any transport).
type WebhookSubscription struct {
	MasterAccountID string
	URL             string
	Secret          string // HMAC-SHA256 signing key, empty disables signing
}

// WebhookAdapter POSTs signed event payloads to registered per-user URLs, on
// a bounded worker pool with retry-with-backoff, adapted from the teacher's
// dispatcher shape.
type WebhookAdapter struct {
	mu   sync.RWMutex
	subs map[string][]*WebhookSubscription // masterAccountId -> subscriptions

	client *http.Client
	queue  chan *deliveryJob
	wg     sync.WaitGroup
	log    zerolog.Logger
}

type deliveryJob struct {
	sub     *WebhookSubscription
	event   *events.CloudEvent
	attempt int
}

func NewWebhookAdapter(workers int, log zerolog.Logger) *WebhookAdapter {
	if workers <= 0 {
		workers = 4
	}
	a := &WebhookAdapter{
		subs:   make(map[string][]*WebhookSubscription),
		client: &http.Client{Timeout: 10 * time.Second},
		queue:  make(chan *deliveryJob, 1000),
		log:    log,
	}
	for i := 0; i < workers; i++ {
		a.wg.Add(1)
		go a.worker()
	}
	return a
}

func (a *WebhookAdapter) Register(sub *WebhookSubscription) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.subs[sub.MasterAccountID] = append(a.subs[sub.MasterAccountID], sub)
}

func (a *WebhookAdapter) Unregister(masterAccountID, url string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	filtered := make([]*WebhookSubscription, 0, len(a.subs[masterAccountID]))
	for _, s := range a.subs[masterAccountID] {
		if s.URL != url {
			filtered = append(filtered, s)
		}
	}
	a.subs[masterAccountID] = filtered
}

// Subscribe attaches this adapter to the bus.
func (a *WebhookAdapter) Subscribe(bus *events.EventBus) {
	ch := bus.Subscribe(
		events.TypeGenerationUpdated,
		events.TypeGenerationProgress,
		events.TypeCookProgress,
		events.TypeSpellStepCompleted,
	)
	go func() {
		for event := range ch {
			a.enqueue(event)
		}
	}()
}

func (a *WebhookAdapter) enqueue(event *events.CloudEvent) {
	a.mu.RLock()
	subs := a.subs[event.MasterAccountID]
	a.mu.RUnlock()

	for _, sub := range subs {
		select {
		case a.queue <- &deliveryJob{sub: sub, event: event, attempt: 1}:
		default:
			a.log.Warn().Str("event_id", event.ID).Str("url", sub.URL).Msg("notify: webhook queue full, dropping")
		}
	}
}

func (a *WebhookAdapter) worker() {
	defer a.wg.Done()
	for job := range a.queue {
		a.deliver(job)
	}
}

func (a *WebhookAdapter) deliver(job *deliveryJob) {
	payload, err := json.Marshal(job.event)
	if err != nil {
		a.log.Error().Err(err).Msg("notify: marshal webhook event failed")
		return
	}

	req, err := http.NewRequest(http.MethodPost, job.sub.URL, bytes.NewReader(payload))
	if err != nil {
		a.log.Error().Err(err).Msg("notify: create webhook request failed")
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Forge-Event-Type", job.event.Type)
	req.Header.Set("X-Forge-Event-ID", job.event.ID)
	req.Header.Set("X-Forge-Delivery-Attempt", fmt.Sprintf("%d", job.attempt))
	if job.sub.Secret != "" {
		req.Header.Set("X-Forge-Signature", "sha256="+signPayload(payload, job.sub.Secret))
	}

	resp, err := a.client.Do(req)
	if err != nil {
		a.retry(job)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		a.retry(job)
		return
	}
	a.log.Debug().Str("url", job.sub.URL).Str("event_id", job.event.ID).Msg("notify: webhook delivered")
}

func (a *WebhookAdapter) retry(job *deliveryJob) {
	if job.attempt >= 3 {
		a.log.Warn().Str("url", job.sub.URL).Str("event_id", job.event.ID).Msg("notify: webhook delivery exhausted retries")
		return
	}
	delay := time.Duration(job.attempt*job.attempt) * time.Second
	job.attempt++
	time.AfterFunc(delay, func() {
		select {
		case a.queue <- job:
		default:
		}
	})
}

func signPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func (a *WebhookAdapter) Shutdown() {
	close(a.queue)
	a.wg.Wait()
}
