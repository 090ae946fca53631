package gateway

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noema/forge/internal/apperr"
	"github.com/noema/forge/internal/catalog"
	"github.com/noema/forge/internal/store"
	"github.com/noema/forge/internal/store/storetest"
)

func newTestService(t *testing.T, st store.Store) *Service {
	t.Helper()
	cat := catalog.NewToolCatalog(zerolog.Nop())
	return NewService(st, cat, nil, nil, nil, nil, nil, zerolog.Nop())
}

func TestCreateCookDefaultsMaxInflight(t *testing.T) {
	fake := storetest.New()
	svc := newTestService(t, fake)

	cook := &store.Cook{ID: "cook-1", MasterAccountID: "acct-1"}
	require.NoError(t, svc.CreateCook(context.Background(), cook))
	assert.Equal(t, 2, cook.MaxInflight)
}

func TestCreateCookPreservesExplicitMaxInflight(t *testing.T) {
	fake := storetest.New()
	svc := newTestService(t, fake)

	cook := &store.Cook{ID: "cook-1", MasterAccountID: "acct-1", MaxInflight: 10}
	require.NoError(t, svc.CreateCook(context.Background(), cook))
	assert.Equal(t, 10, cook.MaxInflight)
}

func TestAuthenticateAPIKeyRejectsEmptyKey(t *testing.T) {
	fake := storetest.New()
	svc := newTestService(t, fake)

	_, err := svc.AuthenticateAPIKey(context.Background(), "", "pepper")
	require.Error(t, err)
	assert.Equal(t, apperr.KindUnauthorized, apperr.KindOf(err))
}

func TestAuthenticateAPIKeyRejectsUnknownPrefix(t *testing.T) {
	fake := storetest.New()
	svc := newTestService(t, fake)

	_, err := svc.AuthenticateAPIKey(context.Background(), "abcd_secret", "pepper")
	require.Error(t, err)
	assert.Equal(t, apperr.KindUnauthorized, apperr.KindOf(err))
}

func TestListToolsReflectsCatalog(t *testing.T) {
	fake := storetest.New()
	svc := newTestService(t, fake)

	assert.Empty(t, svc.ListTools())
}

func TestGetGenerationDelegatesToStore(t *testing.T) {
	fake := storetest.New()
	svc := newTestService(t, fake)

	gen := &store.GenerationRecord{ID: "gen-1"}
	require.NoError(t, fake.CreateGeneration(context.Background(), gen))

	found, err := svc.GetGeneration(context.Background(), "gen-1")
	require.NoError(t, err)
	assert.Equal(t, "gen-1", found.ID)
}
