package x402

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noema/forge/internal/store"
)

func TestHTTPFacilitatorVerifySettled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/verify", r.URL.Path)
		var req verifyRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "payment-proof", req.PaymentHeader)
		assert.Equal(t, "1000000", req.RequiredAmount)

		_ = json.NewEncoder(w).Encode(Settlement{
			Transaction: "0xabc",
			Settled:     true,
			CostUsd:     "1.00",
			Payer:       "0xpayer",
		})
	}))
	defer srv.Close()

	f := NewHTTPFacilitator(srv.URL)
	settlement, err := f.Verify(context.Background(), "payment-proof", "1000000", "USDC", "0xpayto", network)
	require.NoError(t, err)
	assert.True(t, settlement.Settled)
	assert.Equal(t, "0xabc", settlement.Transaction)
}

func TestHTTPFacilitatorVerifyRejectedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	f := NewHTTPFacilitator(srv.URL)
	_, err := f.Verify(context.Background(), "bad-proof", "1000000", "USDC", "0xpayto", network)
	require.Error(t, err)
}

func TestHTTPFacilitatorVerifyUnsettledResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(Settlement{Settled: false})
	}))
	defer srv.Close()

	f := NewHTTPFacilitator(srv.URL)
	_, err := f.Verify(context.Background(), "proof", "1000000", "USDC", "0xpayto", network)
	require.Error(t, err)
}

func TestPayerAccountID(t *testing.T) {
	assert.Equal(t, "x402:0xabc123", PayerAccountID("0xabc123"))
}

func TestBuildPaymentRequired(t *testing.T) {
	required := BuildPaymentRequired(500000, "USDC", "0xpayto")
	require.Len(t, required.Accepts, 1)
	accept := required.Accepts[0]
	assert.Equal(t, scheme, accept.Scheme)
	assert.Equal(t, network, accept.Network)
	assert.Equal(t, fmt.Sprintf("%d", 500000), accept.Amount)
	assert.Equal(t, "0xpayto", accept.PayTo)
}

func TestWritePaymentRequiredSetsHeaderAndStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	WritePaymentRequired(rec, BuildPaymentRequired(100, "USDC", "0xpayto"))

	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(headerPayReq))

	var body PaymentRequired
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Accepts, 1)
}

func TestExtractPaymentHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/x402/generate", nil)
	req.Header.Set(headerPay, "signed-proof")
	assert.Equal(t, "signed-proof", ExtractPaymentHeader(req))
}

func TestAttachSettlement(t *testing.T) {
	meta := &store.GenerationMetadata{}
	AttachSettlement(meta, Settlement{Transaction: "0xdef", Settled: true, CostUsd: "2.00", Payer: "0xpayer"})

	require.NotNil(t, meta.X402)
	assert.Equal(t, "0xdef", meta.X402.Transaction)
	assert.True(t, meta.X402.Settled)
}
