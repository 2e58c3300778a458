package session

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/requests-cache/requests-cache-sub000/internal/testutil"
	"github.com/requests-cache/requests-cache-sub000/pkg/backends"
	"github.com/requests-cache/requests-cache-sub000/pkg/backends/memory"
	"github.com/requests-cache/requests-cache-sub000/pkg/cache"
	"github.com/requests-cache/requests-cache-sub000/pkg/policy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSession(t *testing.T, settings policy.Settings, opts ...Option) (*Session, *testutil.Origin) {
	t.Helper()
	origin := testutil.NewOrigin()
	t.Cleanup(origin.Close)

	s := New(cache.New(memory.New(), memory.New()), settings, opts...)
	t.Cleanup(func() { s.Close() })
	return s, origin
}

func TestSession_CachesResponse(t *testing.T) {
	s, origin := newSession(t, policy.DefaultSettings())
	ctx := context.Background()
	hits := promtest.ToFloat64(ResponsesTotal.WithLabelValues(sourceCache))

	first, err := s.Get(ctx, origin.URL()+"/data")
	require.NoError(t, err)
	assert.False(t, first.FromCache)
	assert.Equal(t, http.StatusOK, first.StatusCode)
	assert.Equal(t, "200 OK", first.Status)

	second, err := s.Get(ctx, origin.URL()+"/data")
	require.NoError(t, err)
	assert.True(t, second.FromCache)
	assert.Equal(t, first.Text(), second.Text())
	assert.Equal(t, first.CacheKey, second.CacheKey)

	var body struct {
		Status string `json:"status"`
	}
	require.NoError(t, second.JSON(&body))
	assert.Equal(t, "ok", body.Status)

	assert.Equal(t, 1, origin.RequestCount())
	assert.Equal(t, hits+1, promtest.ToFloat64(ResponsesTotal.WithLabelValues(sourceCache)))
}

func TestSession_Refresh(t *testing.T) {
	s, origin := newSession(t, policy.DefaultSettings())
	ctx := context.Background()

	_, err := s.Get(ctx, origin.URL()+"/data")
	require.NoError(t, err)

	refreshCtx := WithRequestSettings(ctx, policy.RequestSettings{Refresh: true})
	resp, err := s.Get(refreshCtx, origin.URL()+"/data")
	require.NoError(t, err)

	assert.Equal(t, 2, origin.RequestCount())
	assert.Equal(t, 1, origin.ConditionalCount())
	assert.Equal(t, `"default-etag"`, origin.LastRequestHeader().Get("If-None-Match"))
	assert.True(t, resp.Revalidated)
	assert.True(t, resp.FromCache)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, `{"status": "ok"}`, resp.Text())
}

func TestSession_RevalidatesExpired(t *testing.T) {
	settings := policy.DefaultSettings()
	settings.ExpireAfter = policy.After(100 * time.Millisecond)
	s, origin := newSession(t, settings)
	ctx := context.Background()

	first, err := s.Get(ctx, origin.URL()+"/data")
	require.NoError(t, err)
	time.Sleep(150 * time.Millisecond)

	resp, err := s.Get(ctx, origin.URL()+"/data")
	require.NoError(t, err)
	assert.True(t, resp.Revalidated)
	assert.Equal(t, first.Text(), resp.Text())
	assert.True(t, resp.Expires.After(first.Expires), "revalidation should extend the expiration")
	assert.Equal(t, 1, origin.ConditionalCount())

	stored, err := s.Cache().GetResponse(ctx, resp.CacheKey)
	require.NoError(t, err)
	assert.True(t, stored.Revalidated)
	assert.Equal(t, []byte(`{"status": "ok"}`), stored.Content)
}

func TestSession_ModifiedResponseReplacesCache(t *testing.T) {
	settings := policy.DefaultSettings()
	settings.ExpireAfter = policy.After(50 * time.Millisecond)
	s, origin := newSession(t, settings)
	ctx := context.Background()

	origin.SetHandler("/doc", testutil.NewConditionalHandler(`"v1"`, `{"version": 1}`))
	_, err := s.Get(ctx, origin.URL()+"/doc")
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	origin.SetHandler("/doc", testutil.NewConditionalHandler(`"v2"`, `{"version": 2}`))
	resp, err := s.Get(ctx, origin.URL()+"/doc")
	require.NoError(t, err)
	assert.False(t, resp.FromCache)
	assert.False(t, resp.Revalidated)
	assert.Equal(t, `{"version": 2}`, resp.Text())
	assert.Equal(t, `"v1"`, origin.LastRequestHeader().Get("If-None-Match"))
}

func TestSession_StaleIfError(t *testing.T) {
	tests := []struct {
		name         string
		staleIfError policy.Staleness
		wantStatus   int
		wantCached   bool
	}{
		{"stale response returned", policy.StaleAlways(), http.StatusOK, true},
		{"error returned without stale-if-error", policy.Staleness{}, http.StatusInternalServerError, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			settings := policy.DefaultSettings()
			settings.ExpireAfter = policy.After(50 * time.Millisecond)
			settings.StaleIfError = tt.staleIfError
			s, origin := newSession(t, settings)
			ctx := context.Background()

			origin.SetResponse("/flaky", testutil.MockResponse{StatusCode: http.StatusOK, Body: "fresh"})
			_, err := s.Get(ctx, origin.URL()+"/flaky")
			require.NoError(t, err)

			time.Sleep(100 * time.Millisecond)
			origin.SetResponse("/flaky", testutil.NewServerErrorResponse())

			resp, err := s.Get(ctx, origin.URL()+"/flaky")
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			assert.Equal(t, tt.wantCached, resp.FromCache)
			if tt.wantCached {
				assert.Equal(t, "fresh", resp.Text())
				assert.True(t, resp.IsExpired())
			} else {
				var httpErr *HTTPError
				require.ErrorAs(t, resp.RaiseForStatus(), &httpErr)
				assert.Equal(t, ErrorClassServer, httpErr.ErrorClass)
			}
		})
	}
}

func TestSession_StaleIfErrorOnTransportFailure(t *testing.T) {
	settings := policy.DefaultSettings()
	settings.ExpireAfter = policy.After(50 * time.Millisecond)
	settings.StaleIfError = policy.StaleFor(time.Hour)
	s, origin := newSession(t, settings)
	ctx := context.Background()

	url := origin.URL() + "/data"
	_, err := s.Get(ctx, url)
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	origin.Close()

	resp, err := s.Get(ctx, url)
	require.NoError(t, err)
	assert.True(t, resp.FromCache)
	assert.Equal(t, `{"status": "ok"}`, resp.Text())
}

func TestSession_TransportErrorWithoutCache(t *testing.T) {
	s, origin := newSession(t, policy.DefaultSettings())
	url := origin.URL() + "/data"
	origin.Close()

	_, err := s.Get(context.Background(), url)
	assert.Error(t, err)
}

func TestSession_OnlyIfCached(t *testing.T) {
	s, origin := newSession(t, policy.DefaultSettings())
	ctx := WithRequestSettings(context.Background(), policy.RequestSettings{OnlyIfCached: true})

	resp, err := s.Get(ctx, origin.URL()+"/data")
	require.NoError(t, err)
	assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
	assert.Equal(t, 0, origin.RequestCount())

	var httpErr *HTTPError
	require.ErrorAs(t, resp.RaiseForStatus(), &httpErr)
	assert.Equal(t, http.StatusGatewayTimeout, httpErr.StatusCode)

	_, err = s.Get(context.Background(), origin.URL()+"/data")
	require.NoError(t, err)

	resp, err = s.Get(ctx, origin.URL()+"/data")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, resp.FromCache)
	assert.Equal(t, 1, origin.RequestCount())
}

func TestSession_ExpirationPrecedence(t *testing.T) {
	settings := policy.DefaultSettings()
	settings.ExpireAfter = policy.Seconds(3600)
	pattern, err := policy.GlobPattern("*/patterned", policy.Seconds(60))
	require.NoError(t, err)
	settings.URLsExpireAfter = policy.URLPatterns{pattern}
	s, origin := newSession(t, settings)

	tests := []struct {
		name     string
		path     string
		override policy.Expiry
		want     time.Duration
	}{
		{"request override wins", "/patterned", policy.Seconds(30), 30 * time.Second},
		{"url pattern beats default", "/patterned/x", policy.Expiry{}, 60 * time.Second},
		{"session default", "/other", policy.Expiry{}, time.Hour},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := WithRequestSettings(context.Background(), policy.RequestSettings{ExpireAfter: tt.override})
			resp, err := s.Get(ctx, origin.URL()+tt.path)
			require.NoError(t, err)
			assert.WithinDuration(t, time.Now().Add(tt.want), resp.Expires, 5*time.Second)
		})
	}
}

func TestSession_CacheControl(t *testing.T) {
	settings := policy.DefaultSettings()
	settings.CacheControl = true
	settings.ExpireAfter = policy.Seconds(3600)
	s, origin := newSession(t, settings)
	ctx := context.Background()

	origin.SetResponse("/headers", testutil.NewHealthyResponse(`{"id": 1}`))
	resp, err := s.Get(ctx, origin.URL()+"/headers")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(300*time.Second), resp.Expires, 5*time.Second)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, origin.URL()+"/nostore", nil)
	require.NoError(t, err)
	req.Header.Set("Cache-Control", "no-store")
	_, err = s.Do(req)
	require.NoError(t, err)

	ok, err := s.Cache().ContainsRequest(ctx, req)
	require.NoError(t, err)
	assert.False(t, ok, "no-store response must not be written")
}

func TestSession_DoNotCache(t *testing.T) {
	s, origin := newSession(t, policy.DefaultSettings())
	ctx := WithRequestSettings(context.Background(), policy.RequestSettings{ExpireAfter: policy.Immediately()})

	for range 2 {
		resp, err := s.Get(ctx, origin.URL()+"/data")
		require.NoError(t, err)
		assert.False(t, resp.FromCache)
	}
	assert.Equal(t, 2, origin.RequestCount())

	n, err := s.Cache().Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestSession_CacheDisabled(t *testing.T) {
	s, origin := newSession(t, policy.DefaultSettings())
	ctx := context.Background()

	err := s.CacheDisabled(func() error {
		for range 2 {
			resp, err := s.Get(ctx, origin.URL()+"/data")
			if err != nil {
				return err
			}
			if resp.FromCache {
				return errors.New("response served from a disabled cache")
			}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, origin.RequestCount())

	n, err := s.Cache().Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	_, err = s.Get(ctx, origin.URL()+"/data")
	require.NoError(t, err)
	n, err = s.Cache().Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "cache should be enabled again")
}

func TestSession_CacheDisabledRestoredOnPanic(t *testing.T) {
	s, _ := newSession(t, policy.DefaultSettings())

	func() {
		defer func() { recover() }()
		s.CacheDisabled(func() error { panic("boom") })
	}()
	assert.Equal(t, int32(0), s.disabled.Load())
}

func TestSession_WithCacheDisabled(t *testing.T) {
	s, origin := newSession(t, policy.DefaultSettings())
	ctx := context.Background()

	_, err := s.Get(ctx, origin.URL()+"/data")
	require.NoError(t, err)

	resp, err := s.Get(WithCacheDisabled(ctx), origin.URL()+"/data")
	require.NoError(t, err)
	assert.False(t, resp.FromCache)
	assert.Equal(t, 2, origin.RequestCount())
}

func TestSession_Redirects(t *testing.T) {
	s, origin := newSession(t, policy.DefaultSettings())
	ctx := context.Background()

	origin.SetRedirect("/a", "/b")
	origin.SetRedirect("/b", "/c")

	resp, err := s.Get(ctx, origin.URL()+"/a")
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(resp.URL, "/c"), "URL = %s", resp.URL)
	require.Len(t, resp.History, 2)
	assert.Equal(t, http.StatusMovedPermanently, resp.History[0].StatusCode)
	assert.True(t, strings.HasSuffix(resp.History[1].URL, "/b"))
	assert.Equal(t, 3, origin.RequestCount())

	viaRedirect, err := s.Get(ctx, origin.URL()+"/b")
	require.NoError(t, err)
	assert.True(t, viaRedirect.FromCache)
	assert.Equal(t, resp.Text(), viaRedirect.Text())
	assert.Len(t, viaRedirect.History, 2)
	assert.Equal(t, 3, origin.RequestCount())
}

func TestSession_StaleWhileRevalidate(t *testing.T) {
	settings := policy.DefaultSettings()
	settings.ExpireAfter = policy.After(300 * time.Millisecond)
	settings.StaleWhileRevalidate = policy.StaleAlways()
	s, origin := newSession(t, settings)
	ctx := context.Background()

	_, err := s.Get(ctx, origin.URL()+"/data")
	require.NoError(t, err)
	time.Sleep(350 * time.Millisecond)

	resp, err := s.Get(ctx, origin.URL()+"/data")
	require.NoError(t, err)
	assert.True(t, resp.FromCache)
	assert.True(t, resp.IsExpired())

	s.wg.Wait()
	assert.Equal(t, 1, origin.ConditionalCount())

	stored, err := s.Cache().GetResponse(ctx, resp.CacheKey)
	require.NoError(t, err)
	assert.True(t, stored.Revalidated)
	assert.False(t, stored.IsExpired())
}

func TestSession_Retry(t *testing.T) {
	s, origin := newSession(t, policy.DefaultSettings(), WithRetry(fastRetry(3)))

	var calls atomic.Int32
	origin.SetHandler("/unstable", func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("recovered"))
	})

	resp, err := s.Get(context.Background(), origin.URL()+"/unstable")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "recovered", resp.Text())
	assert.Equal(t, int32(2), calls.Load())
}

func TestSession_RequestBody(t *testing.T) {
	settings := policy.DefaultSettings()
	settings.AllowableMethods = []string{http.MethodGet, http.MethodPost}
	s, origin := newSession(t, settings, WithRetry(fastRetry(2)))

	var calls atomic.Int32
	origin.SetHandler("/search", func(w http.ResponseWriter, r *http.Request) {
		var buf bytes.Buffer
		buf.ReadFrom(r.Body)
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write(buf.Bytes())
	})

	post := func(body string) *Response {
		req, err := http.NewRequest(http.MethodPost, origin.URL()+"/search", strings.NewReader(body))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/json")
		resp, err := s.Do(req)
		require.NoError(t, err)
		return resp
	}

	first := post(`{"q": "go"}`)
	assert.Equal(t, `{"q": "go"}`, first.Text(), "body must be resent on retry")

	assert.True(t, post(`{"q": "go"}`).FromCache)
	assert.False(t, post(`{"q": "rust"}`).FromCache)
	assert.Equal(t, int32(3), calls.Load())
}

func TestSession_IgnoredParametersRedacted(t *testing.T) {
	settings := policy.DefaultSettings()
	settings.IgnoredParameters = []string{"api_key"}
	s, origin := newSession(t, settings)
	ctx := context.Background()

	first, err := s.Get(ctx, origin.URL()+"/data?q=1&api_key=secret")
	require.NoError(t, err)
	second, err := s.Get(ctx, origin.URL()+"/data?q=1&api_key=other")
	require.NoError(t, err)
	assert.True(t, second.FromCache)
	assert.Equal(t, first.CacheKey, second.CacheKey)

	stored, err := s.Cache().GetResponse(ctx, first.CacheKey)
	require.NoError(t, err)
	assert.NotContains(t, stored.Request.URL, "secret")
	assert.NotContains(t, stored.URL, "secret")
	assert.Contains(t, first.URL, "secret", "the returned response is not redacted")
}

func TestSession_JSONRootRedacted(t *testing.T) {
	settings := policy.DefaultSettings()
	settings.AllowableMethods = []string{http.MethodPost}
	settings.IgnoredParameters = []string{"token"}
	settings.JSONRoot = "params"
	s, origin := newSession(t, settings)
	ctx := context.Background()

	post := func(body string) *Response {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, origin.URL()+"/rpc", strings.NewReader(body))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/json")
		resp, err := s.Do(req)
		require.NoError(t, err)
		return resp
	}

	first := post(`{"params": {"q": 1, "token": "secret-a"}}`)
	second := post(`{"params": {"q": 1, "token": "secret-b"}}`)
	assert.Equal(t, first.CacheKey, second.CacheKey)
	assert.True(t, second.FromCache)

	stored, err := s.Cache().GetResponse(ctx, first.CacheKey)
	require.NoError(t, err)
	assert.NotContains(t, string(stored.Request.Body), "secret")
	assert.JSONEq(t, `{"params": {"q": 1, "token": "REDACTED"}}`, string(stored.Request.Body))
}

func TestSession_ResponseHeadersIsolated(t *testing.T) {
	s, origin := newSession(t, policy.DefaultSettings())
	ctx := context.Background()

	first, err := s.Get(ctx, origin.URL()+"/data")
	require.NoError(t, err)
	first.Header.Set("X-Mutated", "live")

	second, err := s.Get(ctx, origin.URL()+"/data")
	require.NoError(t, err)
	require.True(t, second.FromCache)
	assert.Empty(t, second.Header.Get("X-Mutated"))
	second.Header.Set("X-Mutated", "hit")

	third, err := s.Get(ctx, origin.URL()+"/data")
	require.NoError(t, err)
	assert.Empty(t, third.Header.Get("X-Mutated"))

	stored, err := s.Cache().GetResponse(ctx, first.CacheKey)
	require.NoError(t, err)
	assert.Empty(t, stored.Headers.Get("X-Mutated"))
}

func TestSession_ExpireImmediately(t *testing.T) {
	tests := []struct {
		name         string
		cacheControl bool
		expireAfter  policy.Expiry
		headers      map[string]string
		wantStored   bool
	}{
		{
			name:        "session do not cache with validator",
			expireAfter: policy.Immediately(),
			headers:     map[string]string{"ETag": `"v1"`},
		},
		{
			name:         "session do not cache in cache-control mode",
			cacheControl: true,
			expireAfter:  policy.Immediately(),
			headers:      map[string]string{"ETag": `"v1"`, "Cache-Control": "max-age=0"},
		},
		{
			name:         "response max-age=0 with validator",
			cacheControl: true,
			headers:      map[string]string{"ETag": `"v1"`, "Cache-Control": "max-age=0"},
			wantStored:   true,
		},
		{
			name:         "response max-age=0 without validator",
			cacheControl: true,
			headers:      map[string]string{"Cache-Control": "max-age=0"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			settings := policy.DefaultSettings()
			settings.CacheControl = tt.cacheControl
			if tt.expireAfter.IsSet() {
				settings.ExpireAfter = tt.expireAfter
			}
			s, origin := newSession(t, settings)
			origin.SetResponse("/item", testutil.MockResponse{StatusCode: http.StatusOK, Body: "{}", Headers: tt.headers})
			ctx := context.Background()

			resp, err := s.Get(ctx, origin.URL()+"/item")
			require.NoError(t, err)
			assert.False(t, resp.FromCache)

			stored, err := s.Cache().Contains(ctx, resp.CacheKey)
			require.NoError(t, err)
			assert.Equal(t, tt.wantStored, stored)
		})
	}
}

func TestSession_Transport(t *testing.T) {
	s, origin := newSession(t, policy.DefaultSettings())
	client := &http.Client{Transport: s.Transport()}

	for range 2 {
		resp, err := client.Get(origin.URL() + "/data")
		require.NoError(t, err)
		var buf bytes.Buffer
		buf.ReadFrom(resp.Body)
		resp.Body.Close()
		assert.Equal(t, `{"status": "ok"}`, buf.String())
	}
	assert.Equal(t, 1, origin.RequestCount())
}

func TestSession_Concurrent(t *testing.T) {
	s, origin := newSession(t, policy.DefaultSettings())

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			path := "/item/" + string(rune('a'+i%4))
			if _, err := s.Get(context.Background(), origin.URL()+path); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent Get failed: %v", err)
	}

	n, err := s.Cache().Len(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestSession_PersistsAcrossSessions(t *testing.T) {
	origin := testutil.NewOrigin()
	defer origin.Close()
	ctx := context.Background()
	opts := backends.Options{Name: filepath.Join(t.TempDir(), "http_cache")}

	for i, wantCached := range []bool{false, true} {
		c, err := backends.Open(ctx, "sqlite", opts)
		require.NoError(t, err)
		s := New(c, policy.DefaultSettings())

		resp, err := s.Get(ctx, origin.URL()+"/data")
		require.NoError(t, err)
		assert.Equal(t, wantCached, resp.FromCache, "session %d", i)
		require.NoError(t, s.Close())
	}
	assert.Equal(t, 1, origin.RequestCount())
}

func TestInstall(t *testing.T) {
	s, origin := newSession(t, policy.DefaultSettings())
	original := http.DefaultClient.Transport

	Install(s)
	assert.Same(t, s, Default())
	for range 2 {
		resp, err := http.Get(origin.URL() + "/data")
		require.NoError(t, err)
		resp.Body.Close()
	}
	assert.Equal(t, 1, origin.RequestCount())

	Uninstall()
	assert.Nil(t, Default())
	assert.Equal(t, original, http.DefaultClient.Transport)

	resp, err := http.Get(origin.URL() + "/data")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, 2, origin.RequestCount())
}
