package vastai

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPAPISearchOffers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		fmt.Fprint(w, `{"offers":[{"id":"1","gpu_name":"RTX_4090","dph_total":0.4}]}`)
	}))
	defer srv.Close()

	api := NewHTTPAPI(srv.URL, "test-key")
	offers, err := api.SearchOffers(context.Background(), "RTX_4090")
	require.NoError(t, err)
	require.Len(t, offers, 1)
	assert.Equal(t, "1", offers[0].ID)
	assert.Equal(t, "RTX_4090", offers[0].GPUType)
	assert.Equal(t, 0.4, offers[0].PricePerHour)
}

func TestHTTPAPIRentOffer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		fmt.Fprint(w, `{"new_contract":"instance-42"}`)
	}))
	defer srv.Close()

	api := NewHTTPAPI(srv.URL, "test-key")
	id, err := api.RentOffer(context.Background(), "offer-1")
	require.NoError(t, err)
	assert.Equal(t, "instance-42", id)
}

func TestHTTPAPIInstanceStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"instances":{"actual_status":"running","ssh_host":"1.2.3.4","ssh_port":2222}}`)
	}))
	defer srv.Close()

	api := NewHTTPAPI(srv.URL, "test-key")
	running, host, port, err := api.InstanceStatus(context.Background(), "instance-42")
	require.NoError(t, err)
	assert.True(t, running)
	assert.Equal(t, "1.2.3.4", host)
	assert.Equal(t, 2222, port)
}

func TestHTTPAPIListInstances(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"instances":[{"id":101},{"id":202}]}`)
	}))
	defer srv.Close()

	api := NewHTTPAPI(srv.URL, "test-key")
	refs, err := api.ListInstances(context.Background())
	require.NoError(t, err)
	require.Len(t, refs, 2)
	assert.Equal(t, "101", refs[0].ID)
	assert.Equal(t, "202", refs[1].ID)
}

func TestHTTPAPIErrorStatusReturnsUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"error":"boom"}`)
	}))
	defer srv.Close()

	api := NewHTTPAPI(srv.URL, "test-key")
	_, err := api.SearchOffers(context.Background(), "RTX_4090")
	require.Error(t, err)
}

func TestUploaderUploadR2(t *testing.T) {
	tmp, err := os.CreateTemp(t.TempDir(), "ckpt-*.safetensors")
	require.NoError(t, err)
	_, err = tmp.WriteString("weights")
	require.NoError(t, err)
	require.NoError(t, tmp.Close())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "access", user)
		assert.Equal(t, "secret", pass)
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "weights", string(body))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	u := NewUploader("", srv.URL, "access", "secret")
	url, err := u.UploadR2(context.Background(), tmp.Name(), "checkpoints/model.safetensors")
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/checkpoints/model.safetensors", url)
}
