package session

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/requests-cache/requests-cache-sub000/pkg/models"
)

// Response is the result of a session request, whether it came from the
// cache or the network. The body is always fully read.
type Response struct {
	// StatusCode is the HTTP status code
	StatusCode int

	// Status is the status line, e.g. "200 OK"
	Status string

	// Header holds the response headers
	Header http.Header

	// URL is the final URL, after redirects
	URL string

	// CacheKey is the key the response is (or would be) stored under
	CacheKey string

	// FromCache is set when the body came from the cache, including after a
	// 304 revalidation
	FromCache bool

	// Revalidated is set when this request was answered by a 304 Not
	// Modified that confirmed the cached response
	Revalidated bool

	// CreatedAt is when the response was first received
	CreatedAt time.Time

	// Expires is when the response becomes stale; zero means never
	Expires time.Time

	// Elapsed is the origin round trip time
	Elapsed time.Duration

	// History holds the redirects that led to this response, oldest first
	History []*Response

	body   []byte
	cached *models.CachedResponse
}

func newResponse(cr *models.CachedResponse, fromCache bool) *Response {
	r := &Response{
		StatusCode: cr.StatusCode,
		Status:     statusLine(cr.StatusCode, cr.Reason),
		Header:     cr.Headers.Clone(),
		URL:        cr.URL,
		CacheKey:   cr.CacheKey,
		FromCache:  fromCache,
		CreatedAt:  cr.CreatedAt,
		Expires:    cr.Expires,
		Elapsed:    cr.Elapsed,
		body:       cr.Content,
		cached:     cr,
	}
	if r.Header == nil {
		r.Header = http.Header{}
	}
	for i := range cr.History {
		r.History = append(r.History, newResponse(&cr.History[i], fromCache))
	}
	return r
}

// gatewayTimeout is returned when only-if-cached forbids a live request and
// nothing usable is cached.
func gatewayTimeout(req *http.Request, key string) *Response {
	return &Response{
		StatusCode: http.StatusGatewayTimeout,
		Status:     statusLine(http.StatusGatewayTimeout, ""),
		Header:     http.Header{},
		URL:        req.URL.String(),
		CacheKey:   key,
		CreatedAt:  models.Now(),
		cached: &models.CachedResponse{
			CacheKey:   key,
			StatusCode: http.StatusGatewayTimeout,
			Reason:     http.StatusText(http.StatusGatewayTimeout),
			URL:        req.URL.String(),
			Headers:    http.Header{},
			Request:    *models.NewCachedRequest(req, nil),
			CreatedAt:  models.Now(),
		},
	}
}

// Bytes returns the response body.
func (r *Response) Bytes() []byte { return r.body }

// Text returns the response body as a string.
func (r *Response) Text() string { return string(r.body) }

// JSON decodes the response body into v.
func (r *Response) JSON(v any) error {
	if err := json.Unmarshal(r.body, v); err != nil {
		return fmt.Errorf("decode response body: %w", err)
	}
	return nil
}

// IsExpired reports whether the response is past its expiration.
func (r *Response) IsExpired() bool {
	return !r.Expires.IsZero() && !models.Now().Before(r.Expires)
}

// RaiseForStatus returns an *HTTPError for 4xx and 5xx responses.
func (r *Response) RaiseForStatus() error {
	if r.StatusCode < 400 {
		return nil
	}
	return &HTTPError{
		StatusCode: r.StatusCode,
		ErrorClass: classifyStatus(r.StatusCode),
		Message:    r.Status,
		URL:        r.URL,
	}
}

// HTTPResponse converts the response to an *http.Response with a fresh body.
func (r *Response) HTTPResponse() *http.Response {
	resp := r.cached.HTTPResponse()
	resp.Header = r.Header.Clone()
	return resp
}

// Cached returns the snapshot behind the response.
func (r *Response) Cached() *models.CachedResponse { return r.cached }

func statusLine(code int, reason string) string {
	if reason == "" {
		reason = http.StatusText(code)
	}
	return fmt.Sprintf("%d %s", code, reason)
}
