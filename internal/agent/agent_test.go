package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPClientGetDecodesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret-token", r.Header.Get("Authorization"))
		assert.Equal(t, "/v1/device-info", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]string{"model": "Pixel 7"})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "secret-token", time.Second)
	var out map[string]string
	err := c.Get(context.Background(), "/v1/device-info", &out)
	require.NoError(t, err)
	assert.Equal(t, "Pixel 7", out["model"])
}

func TestHTTPClientGetRetriesOn5xxThenSucceeds(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"ok": "true"})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "tok", time.Second)
	var out map[string]string
	err := c.Get(context.Background(), "/v1/anything", &out)
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestHTTPClientGetDoesNotRetryOn4xx(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "tok", time.Second)
	err := c.Get(context.Background(), "/v1/missing", nil)
	assert.Error(t, err)
	assert.Equal(t, 1, attempts, "4xx responses must be treated as permanent, not retried")
}

func TestHTTPClientPostNeverRetries(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "tok", time.Second)
	err := c.Post(context.Background(), "/v1/export-contacts", map[string]string{"format": "vcf"}, nil)
	assert.Error(t, err)
	assert.Equal(t, 1, attempts, "POST must never be retried")
}
