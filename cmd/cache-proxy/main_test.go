package main

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/requests-cache/requests-cache-sub000/internal/testutil"
	"github.com/requests-cache/requests-cache-sub000/pkg/backends/memory"
	"github.com/requests-cache/requests-cache-sub000/pkg/cache"
	"github.com/requests-cache/requests-cache-sub000/pkg/policy"
	"github.com/requests-cache/requests-cache-sub000/pkg/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupProxy(t *testing.T) (*server, *testutil.Origin) {
	t.Helper()
	origin := testutil.NewOrigin()
	t.Cleanup(origin.Close)

	upstream, err := url.Parse(origin.URL())
	require.NoError(t, err)

	s := session.New(cache.New(memory.New(), memory.New()), policy.DefaultSettings())
	t.Cleanup(func() { s.Close() })
	return newServer(s, upstream), origin
}

func do(t *testing.T, srv *server, method, target string, body io.Reader) *http.Response {
	t.Helper()
	w := httptest.NewRecorder()
	srv.Router.ServeHTTP(w, httptest.NewRequest(method, target, body))
	return w.Result()
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := setupProxy(t)

	resp := do(t, srv, http.MethodGet, "/health", nil)
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
	if string(body) != "OK" {
		t.Errorf("Expected body 'OK', got %s", string(body))
	}
}

func TestReadyEndpoint(t *testing.T) {
	srv, _ := setupProxy(t)

	resp := do(t, srv, http.MethodGet, "/ready", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
}

func TestProxy_CachesUpstreamResponse(t *testing.T) {
	srv, origin := setupProxy(t)
	origin.SetResponse("/v1/items", testutil.NewHealthyResponse(`{"items": [1, 2]}`))

	first := do(t, srv, http.MethodGet, "/proxy/v1/items?page=1", nil)
	assert.Equal(t, http.StatusOK, first.StatusCode)
	assert.Equal(t, "MISS", first.Header.Get("X-Cache"))
	assert.NotEmpty(t, first.Header.Get("X-Cache-Key"))
	body, _ := io.ReadAll(first.Body)
	assert.JSONEq(t, `{"items": [1, 2]}`, string(body))

	second := do(t, srv, http.MethodGet, "/proxy/v1/items?page=1", nil)
	assert.Equal(t, "HIT", second.Header.Get("X-Cache"))
	assert.Equal(t, first.Header.Get("X-Cache-Key"), second.Header.Get("X-Cache-Key"))
	assert.Equal(t, 1, origin.RequestCount())

	other := do(t, srv, http.MethodGet, "/proxy/v1/items?page=2", nil)
	assert.Equal(t, "MISS", other.Header.Get("X-Cache"))
	assert.Equal(t, 2, origin.RequestCount())
}

func TestProxy_ForwardsErrorStatus(t *testing.T) {
	srv, origin := setupProxy(t)
	origin.SetResponse("/missing", testutil.MockResponse{
		StatusCode: http.StatusNotFound,
		Body:       `{"error": "not found"}`,
	})

	for range 2 {
		resp := do(t, srv, http.MethodGet, "/proxy/missing", nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		assert.Equal(t, "MISS", resp.Header.Get("X-Cache"))
	}
	assert.Equal(t, 2, origin.RequestCount())
}

func TestProxy_ForwardsMethodAndBody(t *testing.T) {
	srv, origin := setupProxy(t)
	var got string
	origin.SetHandler("/submit", func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		got = r.Method + " " + string(b)
		w.WriteHeader(http.StatusCreated)
	})

	resp := do(t, srv, http.MethodPost, "/proxy/submit", strings.NewReader("payload"))
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "POST payload", got)
}

func TestProxy_UpstreamDown(t *testing.T) {
	srv, origin := setupProxy(t)
	origin.Close()

	resp := do(t, srv, http.MethodGet, "/proxy/anything", nil)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestAdminEndpoints(t *testing.T) {
	srv, origin := setupProxy(t)
	do(t, srv, http.MethodGet, "/proxy/a", nil)
	do(t, srv, http.MethodGet, "/proxy/b", nil)

	resp := do(t, srv, http.MethodGet, "/admin/keys", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var keys []keyInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&keys))
	require.Len(t, keys, 2)
	for _, k := range keys {
		assert.True(t, strings.HasPrefix(k.URL, origin.URL()))
		assert.Equal(t, http.StatusOK, k.Status)
		assert.False(t, k.Expired)
	}

	resp = do(t, srv, http.MethodDelete, "/admin/keys/"+keys[0].Key, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = do(t, srv, http.MethodDelete, "/admin/keys/"+keys[0].Key, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = do(t, srv, http.MethodPost, "/admin/remove-expired", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	n, err := srv.session.Cache().Len(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	resp = do(t, srv, http.MethodPost, "/admin/clear", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	n, err = srv.session.Cache().Len(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestAdminPrefetch(t *testing.T) {
	srv, origin := setupProxy(t)

	payload := `{"urls": ["/p/1", "/p/2?x=1", "` + origin.URL() + `/p/3"], "concurrency": 2}`
	resp := do(t, srv, http.MethodPost, "/admin/prefetch", strings.NewReader(payload))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var results []prefetchResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&results))
	require.Len(t, results, 3)
	assert.Equal(t, origin.URL()+"/p/2?x=1", results[1].URL)
	for _, r := range results {
		assert.Empty(t, r.Error)
		assert.Equal(t, http.StatusOK, r.Status)
		assert.False(t, r.FromCache)
	}
	assert.Equal(t, 3, origin.RequestCount())

	cached := do(t, srv, http.MethodGet, "/proxy/p/2?x=1", nil)
	assert.Equal(t, "HIT", cached.Header.Get("X-Cache"))

	resp = do(t, srv, http.MethodPost, "/admin/prefetch", strings.NewReader(`{"urls": []}`))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp = do(t, srv, http.MethodPost, "/admin/prefetch", strings.NewReader(`not json`))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := setupProxy(t)
	do(t, srv, http.MethodGet, "/proxy/warm", nil)

	resp := do(t, srv, http.MethodGet, "/metrics", nil)
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
	bodyStr := string(body)
	if !strings.Contains(bodyStr, "# HELP") || !strings.Contains(bodyStr, "# TYPE") {
		t.Error("Expected Prometheus format metrics output")
	}
	if !strings.Contains(bodyStr, "http_cache_responses_total") {
		t.Error("Expected metrics output to contain http_cache_responses_total")
	}
}
