// Package testutil provides a configurable origin server for session tests.
package testutil

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"time"
)

// MockResponse defines the behavior for a mock endpoint response.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// Origin is a mock origin server that counts the requests it receives.
type Origin struct {
	server   *httptest.Server
	mu       sync.RWMutex
	handlers map[string]http.HandlerFunc

	requestCount      int
	conditionalCount  int
	lastRequestHeader http.Header
}

// NewOrigin starts a new mock origin server. Unconfigured paths serve a
// cacheable JSON document with an ETag and answer 304 to a matching
// If-None-Match.
func NewOrigin() *Origin {
	o := &Origin{handlers: make(map[string]http.HandlerFunc)}

	o.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		o.mu.Lock()
		o.requestCount++
		o.lastRequestHeader = r.Header.Clone()
		if r.Header.Get("If-None-Match") != "" || r.Header.Get("If-Modified-Since") != "" {
			o.conditionalCount++
		}
		handler, exists := o.handlers[r.URL.Path]
		o.mu.Unlock()

		if exists {
			handler(w, r)
			return
		}
		NewConditionalHandler(`"default-etag"`, `{"status": "ok"}`)(w, r)
	}))

	return o
}

// URL returns the server URL.
func (o *Origin) URL() string {
	return o.server.URL
}

// Client returns an HTTP client configured for the server.
func (o *Origin) Client() *http.Client {
	return o.server.Client()
}

// Close shuts down the server.
func (o *Origin) Close() {
	o.server.Close()
}

// Reset clears all counters.
func (o *Origin) Reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.requestCount = 0
	o.conditionalCount = 0
	o.lastRequestHeader = nil
}

// SetHandler sets a custom handler for a path.
func (o *Origin) SetHandler(path string, handler http.HandlerFunc) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.handlers[path] = handler
}

// SetResponse configures a fixed response for a path.
func (o *Origin) SetResponse(path string, resp MockResponse) {
	o.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		if resp.Delay > 0 {
			time.Sleep(resp.Delay)
		}
		for key, value := range resp.Headers {
			w.Header().Set(key, value)
		}
		w.WriteHeader(resp.StatusCode)
		if resp.Body != "" {
			w.Write([]byte(resp.Body))
		}
	})
}

// SetRedirect makes path answer with a 301 to target.
func (o *Origin) SetRedirect(path, target string) {
	o.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, target, http.StatusMovedPermanently)
	})
}

// RequestCount returns the number of requests received.
func (o *Origin) RequestCount() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.requestCount
}

// ConditionalCount returns the number of requests that carried a validator.
func (o *Origin) ConditionalCount() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.conditionalCount
}

// LastRequestHeader returns the headers of the most recent request.
func (o *Origin) LastRequestHeader() http.Header {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.lastRequestHeader.Clone()
}

// NewHealthyResponse creates a 200 response with a validator and a
// Cache-Control max-age of five minutes.
func NewHealthyResponse(data string) MockResponse {
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       data,
		Headers: map[string]string{
			"ETag":          `"test-etag-123"`,
			"Cache-Control": "max-age=300",
			"Expires":       time.Now().Add(5 * time.Minute).Format(http.TimeFormat),
			"Content-Type":  "application/json; charset=utf-8",
		},
	}
}

// NewNotModifiedResponse creates a 304 Not Modified response.
func NewNotModifiedResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusNotModified,
		Headers: map[string]string{
			"Expires": time.Now().Add(5 * time.Minute).Format(http.TimeFormat),
		},
	}
}

// NewRateLimitResponse creates a 429 Too Many Requests response.
func NewRateLimitResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       `{"error": "Rate limit exceeded"}`,
		Headers: map[string]string{
			"Retry-After":  "1",
			"Content-Type": "application/json; charset=utf-8",
		},
	}
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       `{"error": "Internal server error"}`,
		Headers: map[string]string{
			"Content-Type": "application/json; charset=utf-8",
		},
	}
}

// NewConditionalHandler creates a handler that answers 304 when the request
// carries etag in If-None-Match, and a full response otherwise.
func NewConditionalHandler(etag string, data string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.Header().Set("ETag", etag)
		w.Header().Set("Expires", time.Now().Add(5*time.Minute).Format(http.TimeFormat))

		if r.Header.Get("If-None-Match") == etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(data))
	}
}
