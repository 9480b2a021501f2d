package handler

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mir00r/bulu/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAdmin(t *testing.T) (*ProxyHandler, *httptest.Server) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Domains = []config.DomainConfig{
		{Domain: "aaa.xbyct.net", Nodes: []config.NodeConfig{
			{Name: "node1", URL: "http://127.0.0.1:8001", Weights: 3},
			{Name: "node2", URL: "http://127.0.0.1:8002", Weights: 1},
		}},
	}
	proxy := newTestProxy(t, cfg, DefaultForwardConfig())
	admin := NewAdminHandler(proxy, proxy.metrics, "test", proxy.logger)

	srv := httptest.NewServer(admin.Routes())
	t.Cleanup(srv.Close)
	return proxy, srv
}

func doJSON(t *testing.T, method, url, body string, out interface{}) int {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestAdminListNodes(t *testing.T) {
	_, srv := newTestAdmin(t)

	var resp struct {
		Nodes []NodeResponse `json:"nodes"`
		Total int            `json:"total"`
	}
	assert.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, srv.URL+"/nodes", "", &resp))
	assert.Equal(t, 2, resp.Total)
	assert.Equal(t, "node1", resp.Nodes[0].Name)
	assert.Equal(t, "aaa.xbyct.net", resp.Nodes[0].Domain)
	assert.Equal(t, 3, resp.Nodes[0].Weight)
	assert.True(t, resp.Nodes[0].Healthy)
}

func TestAdminStatus(t *testing.T) {
	_, srv := newTestAdmin(t)

	var resp StatusResponse
	assert.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, srv.URL+"/status", "", &resp))
	assert.Equal(t, "domains", resp.Mode)
	require.Len(t, resp.Domains, 1)
	assert.Equal(t, 2, resp.Domains[0].HealthyNodes)
	assert.Equal(t, 4, resp.Domains[0].TotalWeight)
}

func TestAdminHealthOverride(t *testing.T) {
	proxy, srv := newTestAdmin(t)
	pool, ok := proxy.Router().Pool("aaa.xbyct.net")
	require.True(t, ok)
	node1, _ := pool.Lookup("node1")

	var node NodeResponse
	code := doJSON(t, http.MethodPut, srv.URL+"/nodes/aaa.xbyct.net/node1/health", `{"healthy": false}`, &node)
	assert.Equal(t, http.StatusOK, code)
	assert.False(t, node.Healthy)
	assert.False(t, node1.IsHealthy())

	// Readiness stays green while node2 serves
	assert.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, srv.URL+"/readiness", "", nil))

	code = doJSON(t, http.MethodPut, srv.URL+"/nodes/aaa.xbyct.net/node2/health", `{"healthy": false}`, nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, http.StatusServiceUnavailable, doJSON(t, http.MethodGet, srv.URL+"/readiness", "", nil))

	code = doJSON(t, http.MethodPut, srv.URL+"/nodes/aaa.xbyct.net/node1/health", `{"healthy": true}`, nil)
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, node1.IsHealthy())
}

func TestAdminHealthOverrideErrors(t *testing.T) {
	_, srv := newTestAdmin(t)

	assert.Equal(t, http.StatusNotFound, doJSON(t, http.MethodPut, srv.URL+"/nodes/bbb.xbyct.net/node1/health", `{"healthy": true}`, nil))
	assert.Equal(t, http.StatusNotFound, doJSON(t, http.MethodPut, srv.URL+"/nodes/aaa.xbyct.net/node9/health", `{"healthy": true}`, nil))
	assert.Equal(t, http.StatusBadRequest, doJSON(t, http.MethodPut, srv.URL+"/nodes/aaa.xbyct.net/node1/health", `{}`, nil))
	assert.Equal(t, http.StatusMethodNotAllowed, doJSON(t, http.MethodGet, srv.URL+"/nodes/aaa.xbyct.net/node1/health", "", nil))
}

func TestAdminMetricsAndLiveness(t *testing.T) {
	_, srv := newTestAdmin(t)

	assert.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, srv.URL+"/liveness", "", nil))

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "go_goroutines")
}
