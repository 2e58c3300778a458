//go:build integration

package session

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/requests-cache/requests-cache-sub000/internal/storagetest"
	"github.com/requests-cache/requests-cache-sub000/internal/testutil"
	"github.com/requests-cache/requests-cache-sub000/pkg/backends"
	"github.com/requests-cache/requests-cache-sub000/pkg/policy"
)

// newRedisSession opens a session on a redis backend in a fresh container.
func newRedisSession(t *testing.T, settings policy.Settings, opts ...Option) *Session {
	t.Helper()
	addr := storagetest.StartRedis(t)

	c, err := backends.Open(context.Background(), "redis", backends.Options{
		Name: t.Name(),
		URL:  "redis://" + addr,
	})
	if err != nil {
		t.Fatalf("Failed to open redis cache: %v", err)
	}
	s := New(c, settings, opts...)
	t.Cleanup(func() { s.Close() })
	return s
}

// TestFullRequestFlow tests the complete flow: cache miss → origin → cache
// store → conditional request → 304 → cached body.
func TestFullRequestFlow(t *testing.T) {
	origin := testutil.NewOrigin()
	defer origin.Close()

	etag := `"stable-etag-123"`
	testData := `{"market": "data"}`
	origin.SetHandler("/v1/markets/orders/", testutil.NewConditionalHandler(etag, testData))

	settings := policy.DefaultSettings()
	settings.ExpireAfter = policy.After(200 * time.Millisecond)
	s := newRedisSession(t, settings)
	ctx := context.Background()

	resp1, err := s.Get(ctx, origin.URL()+"/v1/markets/orders/")
	if err != nil {
		t.Fatalf("Request 1 failed: %v", err)
	}
	if resp1.StatusCode != http.StatusOK || resp1.FromCache {
		t.Errorf("Request 1: status = %d, from cache = %v", resp1.StatusCode, resp1.FromCache)
	}

	resp2, err := s.Get(ctx, origin.URL()+"/v1/markets/orders/")
	if err != nil {
		t.Fatalf("Request 2 failed: %v", err)
	}
	if !resp2.FromCache {
		t.Error("Request 2 should be served from cache")
	}
	if origin.RequestCount() != 1 {
		t.Errorf("After request 2: origin requests = %d, want 1", origin.RequestCount())
	}

	time.Sleep(300 * time.Millisecond)

	resp3, err := s.Get(ctx, origin.URL()+"/v1/markets/orders/")
	if err != nil {
		t.Fatalf("Request 3 failed: %v", err)
	}
	if resp3.Text() != testData {
		t.Errorf("Request 3 body = %s, want %s (cached)", resp3.Text(), testData)
	}
	if !resp3.Revalidated {
		t.Error("Request 3 should be revalidated")
	}
	if origin.ConditionalCount() != 1 {
		t.Errorf("Conditional requests = %d, want 1", origin.ConditionalCount())
	}
}

// TestRetry5xxErrors tests that 5xx errors trigger retries when enabled.
func TestRetry5xxErrors(t *testing.T) {
	origin := testutil.NewOrigin()
	defer origin.Close()

	requestCount := 0
	origin.SetHandler("/v1/status/", func(w http.ResponseWriter, r *http.Request) {
		requestCount++
		if requestCount <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte(`{"error": "server error"}`))
			return
		}
		w.Header().Set("ETag", `"success"`)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status": "ok"}`))
	})

	s := newRedisSession(t, policy.DefaultSettings(), WithRetry(RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        time.Second,
		BackoffMultiplier: 2.0,
	}))

	resp, err := s.Get(context.Background(), origin.URL()+"/v1/status/")
	if err != nil {
		t.Fatalf("Request failed after retries: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Final status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if requestCount != 3 {
		t.Errorf("Request attempts = %d, want 3 (2 retries + 1 success)", requestCount)
	}
}

// TestNoRetry4xxErrors tests that 4xx errors are returned, not retried or cached.
func TestNoRetry4xxErrors(t *testing.T) {
	origin := testutil.NewOrigin()
	defer origin.Close()

	origin.SetResponse("/v1/invalid/", testutil.MockResponse{
		StatusCode: http.StatusNotFound,
		Body:       `{"error": "not found"}`,
	})

	s := newRedisSession(t, policy.DefaultSettings(), WithRetry(RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        time.Second,
		BackoffMultiplier: 2.0,
	}))
	ctx := context.Background()

	for range 2 {
		resp, err := s.Get(ctx, origin.URL()+"/v1/invalid/")
		if err != nil {
			t.Fatalf("Request failed: %v", err)
		}
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("Status = %d, want %d", resp.StatusCode, http.StatusNotFound)
		}
	}
	if origin.RequestCount() != 2 {
		t.Errorf("Origin requests = %d, want 2 (no retry, no caching)", origin.RequestCount())
	}
}
