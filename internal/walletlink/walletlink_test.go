package walletlink

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noema/forge/internal/apperr"
	"github.com/noema/forge/internal/store/storetest"
)

func TestInitiate_AllocatesUniqueMagicAmount(t *testing.T) {
	svc := NewService(storetest.New(), "0xDEPOSIT", "pepper")

	req1, err := svc.Initiate(context.Background())
	require.NoError(t, err)
	req2, err := svc.Initiate(context.Background())
	require.NoError(t, err)

	assert.NotEqual(t, req1.MagicAmountWei, req2.MagicAmountWei)
	assert.Equal(t, "0xDEPOSIT", req1.DepositToAddress)
}

func TestPoll_PendingUntilCompleted(t *testing.T) {
	svc := NewService(storetest.New(), "0xDEPOSIT", "pepper")
	req, err := svc.Initiate(context.Background())
	require.NoError(t, err)

	status, err := svc.Poll(context.Background(), req.RequestID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, status.RequestStatus)

	apiKey, err := svc.Complete(context.Background(), req.RequestID, "acct-1")
	require.NoError(t, err)
	assert.NotEmpty(t, apiKey)

	status, err = svc.Poll(context.Background(), req.RequestID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, status.RequestStatus)
	assert.Equal(t, apiKey, status.APIKey)
}

func TestComplete_RejectsAlreadyResolvedRequest(t *testing.T) {
	svc := NewService(storetest.New(), "0xDEPOSIT", "pepper")
	req, err := svc.Initiate(context.Background())
	require.NoError(t, err)

	_, err = svc.Complete(context.Background(), req.RequestID, "acct-1")
	require.NoError(t, err)

	_, err = svc.Complete(context.Background(), req.RequestID, "acct-2")
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindConflict))
}

func TestVerifyAPIKey_RoundTrips(t *testing.T) {
	st := storetest.New()
	svc := NewService(st, "0xDEPOSIT", "pepper")
	req, err := svc.Initiate(context.Background())
	require.NoError(t, err)

	plaintext, err := svc.Complete(context.Background(), req.RequestID, "acct-1")
	require.NoError(t, err)

	key, err := VerifyAPIKey(context.Background(), st, "pepper", plaintext)
	require.NoError(t, err)
	assert.Equal(t, "acct-1", key.MasterAccountID)

	_, err = VerifyAPIKey(context.Background(), st, "pepper", plaintext+"x")
	assert.Error(t, err)
}
