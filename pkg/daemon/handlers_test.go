package daemon

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/afterdarksys/appcached/pkg/cache"
	"github.com/afterdarksys/appcached/pkg/config"
	"github.com/afterdarksys/appcached/pkg/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestServer(t *testing.T) (*httptest.Server, *cache.Manager) {
	t.Helper()
	met := metrics.New()
	m := cache.NewManager(cache.DefaultConfig(), cache.NewMapStore(), cache.WithRecorder(met))
	srv := httptest.NewServer(NewAPI(m, met, nil, Version).Routes())
	t.Cleanup(func() {
		srv.Close()
		m.Close()
	})
	return srv, m
}

func do(t *testing.T, method, url string, body string) *http.Response {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, r)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(data)
}

func TestAPIEntryLifecycle(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := do(t, http.MethodGet, srv.URL+"/cache/smart/api_home.getCards", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "MISS", resp.Header.Get("X-Cache"))

	resp = do(t, http.MethodPut, srv.URL+"/cache/smart/api_home.getCards?ttl=1m", "[1,2,3]")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = do(t, http.MethodGet, srv.URL+"/cache/smart/api_home.getCards", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "HIT", resp.Header.Get("X-Cache"))
	assert.Equal(t, "[1,2,3]", readBody(t, resp))

	resp = do(t, http.MethodDelete, srv.URL+"/cache/smart/api_home.getCards", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = do(t, http.MethodGet, srv.URL+"/cache/smart/api_home.getCards", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPIKeysWithSlashes(t *testing.T) {
	srv, m := newTestServer(t)

	resp := do(t, http.MethodPut, srv.URL+"/cache/memory/users/42/profile", "alice")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	val, ok := m.Memory().Get("users/42/profile")
	require.True(t, ok)
	assert.Equal(t, "alice", string(val))
}

func TestAPIStrategy(t *testing.T) {
	srv, m := newTestServer(t)

	resp := do(t, http.MethodPut, srv.URL+"/cache/smart/settings?strategy=configData", "{}")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	_, ok := m.Memory().Get("settings")
	assert.True(t, ok)

	resp = do(t, http.MethodPut, srv.URL+"/cache/smart/settings?strategy=forever", "{}")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = do(t, http.MethodPut, srv.URL+"/cache/memory/settings?strategy=apiData", "{}")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = do(t, http.MethodGet, srv.URL+"/cache/strategies", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var strategies []map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&strategies))
	require.Len(t, strategies, 3)
	assert.Equal(t, "apiData", strategies[0]["name"])
	assert.Equal(t, "1m0s", strategies[0]["memory"])
}

func TestAPIBadRequests(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := do(t, http.MethodGet, srv.URL+"/cache/disk/k", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = do(t, http.MethodPut, srv.URL+"/cache/memory/k?ttl=soon", "v")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = do(t, http.MethodDelete, srv.URL+"/cache/disk", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPIClearAndStats(t *testing.T) {
	srv, m := newTestServer(t)

	do(t, http.MethodPut, srv.URL+"/cache/smart/a", "1")
	do(t, http.MethodPut, srv.URL+"/cache/smart/b", "2")
	do(t, http.MethodGet, srv.URL+"/cache/memory/a", "")

	resp := do(t, http.MethodGet, srv.URL+"/cache/stats", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stats cache.Stats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Equal(t, 2, stats.Memory.Size)
	assert.Equal(t, 2, stats.Storage.Size)
	assert.Equal(t, int64(1), stats.Memory.Hits)

	resp = do(t, http.MethodDelete, srv.URL+"/cache/memory", "")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, 0, m.Memory().Stats().Size)

	resp = do(t, http.MethodGet, srv.URL+"/cache/smart/a", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAPIConfig(t *testing.T) {
	srv, m := newTestServer(t)

	resp := do(t, http.MethodGet, srv.URL+"/cache/config", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var view map[string]tierView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&view))
	assert.Equal(t, 100, view["memory"].MaxSize)
	assert.Equal(t, "5m0s", view["memory"].DefaultTTL)
	assert.Equal(t, "app_cache_", view["storage"].Prefix)

	resp = do(t, http.MethodPatch, srv.URL+"/cache/config",
		`{"memory":{"max_size":0,"default_ttl":"90s"},"storage":{"prefix":"v2_"}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	cfg := m.Config()
	assert.Equal(t, 1, cfg.Memory.MaxSize)
	assert.Equal(t, "1m30s", cfg.Memory.DefaultTTL.String())
	assert.Equal(t, "v2_", cfg.Storage.Prefix)

	resp = do(t, http.MethodPatch, srv.URL+"/cache/config", `{"memory":{"default_ttl":"later"}}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = do(t, http.MethodPatch, srv.URL+"/cache/config", `{"memory":{"prefix":"x_"}}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = do(t, http.MethodPatch, srv.URL+"/cache/config", `not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPIHealthAndMetrics(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := do(t, http.MethodGet, srv.URL+"/health", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var health map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health["status"])
	assert.Equal(t, Version, health["version"])

	do(t, http.MethodGet, srv.URL+"/cache/memory/nothing", "")

	resp = do(t, http.MethodGet, srv.URL+"/metrics", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := readBody(t, resp)
	assert.Contains(t, body, `appcache_misses_total{tier="memory"} 1`)
	assert.Contains(t, body, `appcache_http_requests_total`)
}

func TestAPIConditionalGet(t *testing.T) {
	srv, _ := newTestServer(t)

	do(t, http.MethodPut, srv.URL+"/cache/memory/cards", "[1,2,3]")
	resp := do(t, http.MethodGet, srv.URL+"/cache/memory/cards", "")
	etag := resp.Header.Get("ETag")
	require.NotEmpty(t, etag)
	assert.Equal(t, etagFor([]byte("[1,2,3]")), etag)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/cache/memory/cards", nil)
	require.NoError(t, err)
	req.Header.Set("If-None-Match", etag)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotModified, resp.StatusCode)

	do(t, http.MethodPut, srv.URL+"/cache/memory/cards", "[4]")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "[4]", readBody(t, resp))
}

func TestNotModified(t *testing.T) {
	etag := etagFor([]byte("v"))
	cases := map[string]bool{
		"":                             false,
		"*":                            true,
		etag:                           true,
		strings.TrimPrefix(etag, "W/"): true,
		`"other", ` + etag:             true,
		`"other"`:                      false,
	}
	for header, want := range cases {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if header != "" {
			req.Header.Set("If-None-Match", header)
		}
		assert.Equal(t, want, notModified(req, etag), "If-None-Match %q", header)
	}
}

func TestBuildHandler(t *testing.T) {
	m := cache.NewManager(cache.DefaultConfig(), cache.NewMapStore())
	t.Cleanup(func() { m.Close() })

	cfg := config.Default().Server
	cfg.RateLimit = 1
	cfg.RateBurst = 2
	handler, release := buildHandler(NewAPI(m, nil, nil, Version).Routes(), cfg, zap.NewNop(), nil)
	t.Cleanup(release)

	codes := make([]int, 0, 3)
	for range 3 {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.RemoteAddr = "10.1.1.1:9999"
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		codes = append(codes, w.Code)
		assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}
