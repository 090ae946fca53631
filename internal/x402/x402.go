// Package x402 implements the pay-per-call entry point described in
// spec.md §4.I: a parallel path into the Lifecycle Engine that bypasses
// the credit ledger entirely, settling instead through an external
// facilitator's verified on-chain payment. Response/error shapes are
// adapted from the AI-first x402 middleware reference's AIResponse/
// PaymentAction types, trimmed to this system's header-based flow (no
// pre-authorized budgets, no idempotency cache — those are out of scope
// here; the Lifecycle Engine's own generation record is the ledger).
package x402

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/noema/forge/internal/apperr"
	"github.com/noema/forge/internal/store"
)

const (
	network     = "eip155:8453" // Base mainnet
	scheme      = "exact"
	maxTimeout  = 60 // seconds, per accepts[].maxTimeoutSeconds
	headerPayReq = "X-PAYMENT-REQUIRED"
	headerPay    = "X-PAYMENT"
)

// PaymentAccept is one entry in a 402 response's `accepts` array.
type PaymentAccept struct {
	Scheme           string `json:"scheme"`
	Network          string `json:"network"`
	Asset            string `json:"asset"`
	Amount           string `json:"amount"` // atomic units, decimal string
	PayTo            string `json:"payTo"`
	MaxTimeoutSeconds int   `json:"maxTimeoutSeconds"`
}

// PaymentRequired is the body of the 402 response.
type PaymentRequired struct {
	Accepts []PaymentAccept `json:"accepts"`
}

// Settlement is what the facilitator hands back after verifying an
// X-PAYMENT header; it becomes metadata.x402 on the generation record.
type Settlement struct {
	Transaction string  `json:"transaction"`
	Settled     bool    `json:"settled"`
	CostUsd     string  `json:"costUsd"`
	Payer       string  `json:"payer"`
}

// Facilitator verifies a signed EIP-3009 transferWithAuthorization payment
// against the external settlement network. Production implementations wrap
// net/http against a real facilitator endpoint; no local secp256k1 signature
// recovery is done in-process — verification is always delegated.
type Facilitator interface {
	Verify(ctx context.Context, paymentHeader string, requiredAmountAtomic string, asset, payTo, network string) (Settlement, error)
}

// HTTPFacilitator is the production Facilitator: a plain net/http client
// against a configured external verification endpoint.
type HTTPFacilitator struct {
	baseURL string
	client  *http.Client
}

func NewHTTPFacilitator(baseURL string) *HTTPFacilitator {
	return &HTTPFacilitator{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

type verifyRequest struct {
	PaymentHeader string `json:"paymentHeader"`
	RequiredAmount string `json:"requiredAmount"`
	Asset          string `json:"asset"`
	PayTo          string `json:"payTo"`
	Network        string `json:"network"`
}

func (f *HTTPFacilitator) Verify(ctx context.Context, paymentHeader, requiredAmountAtomic, asset, payTo, network string) (Settlement, error) {
	body, err := json.Marshal(verifyRequest{
		PaymentHeader:  paymentHeader,
		RequiredAmount: requiredAmountAtomic,
		Asset:          asset,
		PayTo:          payTo,
		Network:        network,
	})
	if err != nil {
		return Settlement{}, fmt.Errorf("marshal facilitator verify request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.baseURL+"/verify", bytes.NewReader(body))
	if err != nil {
		return Settlement{}, fmt.Errorf("create facilitator request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return Settlement{}, apperr.Wrap(apperr.KindUpstreamFailed, "facilitator verification failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Settlement{}, apperr.New(apperr.KindPaymentRequired, fmt.Sprintf("facilitator rejected payment: status %d", resp.StatusCode))
	}

	var settlement Settlement
	if err := json.NewDecoder(resp.Body).Decode(&settlement); err != nil {
		return Settlement{}, apperr.Wrap(apperr.KindUpstreamFailed, "decode facilitator response", err)
	}
	if !settlement.Settled {
		return Settlement{}, apperr.New(apperr.KindPaymentRequired, "facilitator did not settle payment")
	}
	return settlement, nil
}

// PayerAccountID builds the synthetic masterAccountId the Lifecycle Engine
// recognizes as ledger-bypassing, per spec.md §4.I.
func PayerAccountID(payerAddress string) string {
	return "x402:" + payerAddress
}

// BuildPaymentRequired computes the 402 response body from a quoted cost.
func BuildPaymentRequired(amountAtomicUSDC int64, asset, payTo string) PaymentRequired {
	return PaymentRequired{
		Accepts: []PaymentAccept{
			{
				Scheme:            scheme,
				Network:           network,
				Asset:             asset,
				Amount:            fmt.Sprintf("%d", amountAtomicUSDC),
				PayTo:             payTo,
				MaxTimeoutSeconds: maxTimeout,
			},
		},
	}
}

// WritePaymentRequired sends the 402 response with the X-PAYMENT-REQUIRED
// header populated alongside a JSON body mirroring it, for clients that
// read either.
func WritePaymentRequired(w http.ResponseWriter, required PaymentRequired) {
	body, _ := json.Marshal(required)
	w.Header().Set(headerPayReq, string(body))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusPaymentRequired)
	_, _ = w.Write(body)
}

// ExtractPaymentHeader reads the client's signed payment proof, if present.
func ExtractPaymentHeader(r *http.Request) string {
	return r.Header.Get(headerPay)
}

// AttachSettlement stamps a verified settlement onto the generation's
// x402 metadata.
func AttachSettlement(meta *store.GenerationMetadata, s Settlement) {
	meta.X402 = &store.X402Settlement{
		Transaction: s.Transaction,
		Settled:     s.Settled,
		CostUsd:     s.CostUsd,
		Payer:       s.Payer,
	}
}
