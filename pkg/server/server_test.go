package server

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spice-ws-proxy/pkg/config"
)

func TestNewProxyServerRejectsInvalidConfig(t *testing.T) {
	cfg := &config.Config{}
	cfg.SetDefaults()
	cfg.Proxy.BasePort = 65000

	_, err := NewProxyServer(cfg, nil)
	assert.Error(t, err)
}

func TestMetricsHandler(t *testing.T) {
	s := newTestServer(t, 5900)
	srv := httptest.NewServer(s.MetricsHandler("/metrics"))
	defer srv.Close()

	get := func(path string) (int, string) {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp.StatusCode, string(body)
	}

	code, body := get("/healthz")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body)

	code, body = get("/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "spice_ws_proxy_info")
	assert.Contains(t, body, "spice_ws_proxy_connections_active")

	code, body = get("/")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `href="/metrics"`)
}
