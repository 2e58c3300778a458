// Package models provides serializable snapshots of HTTP requests and responses
// that can be written to and read from cache storage without holding any live
// network resources.
package models

import (
	"bytes"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// CachedResponse is a snapshot of an HTTP response, as stored in the cache.
type CachedResponse struct {
	// CacheKey is the key the response was stored under
	CacheKey string `json:"cache_key" yaml:"cache_key" bson:"cache_key" msgpack:"cache_key"`

	// StatusCode is the HTTP status code of the response
	StatusCode int `json:"status_code" yaml:"status_code" bson:"status_code" msgpack:"status_code"`

	// Reason is the status text (e.g. "OK")
	Reason string `json:"reason" yaml:"reason" bson:"reason" msgpack:"reason"`

	// URL is the final URL of the response, after redirects
	URL string `json:"url" yaml:"url" bson:"url" msgpack:"url"`

	// Headers are the response headers
	Headers http.Header `json:"headers" yaml:"headers" bson:"headers" msgpack:"headers"`

	// Content is the response body
	Content []byte `json:"content" yaml:"content" bson:"content" msgpack:"content"`

	// Cookies are the cookies set by the response
	Cookies []CachedCookie `json:"cookies,omitempty" yaml:"cookies,omitempty" bson:"cookies,omitempty" msgpack:"cookies,omitempty"`

	// Request is the request that produced this response
	Request CachedRequest `json:"request" yaml:"request" bson:"request" msgpack:"request"`

	// History holds the redirect responses that preceded this one, oldest first.
	// Entries never carry a history of their own.
	History []CachedResponse `json:"history,omitempty" yaml:"history,omitempty" bson:"history,omitempty" msgpack:"history,omitempty"`

	// CreatedAt is when the response was received
	CreatedAt time.Time `json:"created_at" yaml:"created_at" bson:"created_at" msgpack:"created_at"`

	// Expires is when the response becomes stale. The zero value means never.
	Expires time.Time `json:"expires" yaml:"expires" bson:"expires" msgpack:"expires"`

	// Elapsed is the time between sending the request and receiving the response
	Elapsed time.Duration `json:"elapsed" yaml:"elapsed" bson:"elapsed" msgpack:"elapsed"`

	// Revalidated is set when the response was refreshed by a 304 Not Modified
	Revalidated bool `json:"revalidated" yaml:"revalidated" bson:"revalidated" msgpack:"revalidated"`
}

// NewCachedResponse creates a snapshot of an HTTP response.
// The body must already have been read; it is passed separately so the caller
// keeps control of the live response stream.
func NewCachedResponse(resp *http.Response, body []byte, expires time.Time) *CachedResponse {
	cr := &CachedResponse{
		StatusCode: resp.StatusCode,
		Reason:     reasonPhrase(resp),
		Headers:    resp.Header.Clone(),
		Content:    body,
		Cookies:    cookiesFrom(resp.Cookies()),
		CreatedAt:  Now(),
		Expires:    UTC(expires),
	}
	if cr.Headers == nil {
		cr.Headers = http.Header{}
	}
	if resp.Request != nil {
		cr.URL = resp.Request.URL.String()
		cr.Request = *NewCachedRequest(resp.Request, nil)
	}
	return cr
}

// IsExpired returns true if the response has an expiration time that has passed.
func (r *CachedResponse) IsExpired() bool {
	return !r.Expires.IsZero() && !Now().Before(r.Expires)
}

// TTL returns the time until expiration.
// Returns 0 if already expired or if the response never expires.
func (r *CachedResponse) TTL() time.Duration {
	if r.Expires.IsZero() {
		return 0
	}
	ttl := time.Until(r.Expires)
	if ttl < 0 {
		return 0
	}
	return ttl
}

// Size returns the approximate stored size of the response in bytes.
func (r *CachedResponse) Size() int {
	size := len(r.Content) + len(r.Request.Body)
	for name, values := range r.Headers {
		for _, v := range values {
			size += len(name) + len(v)
		}
	}
	return size
}

// ETag returns the entity tag of the response, if any.
func (r *CachedResponse) ETag() string {
	return r.Headers.Get("ETag")
}

// LastModified returns the raw Last-Modified header, if any.
func (r *CachedResponse) LastModified() string {
	return r.Headers.Get("Last-Modified")
}

// AddHistory appends a redirect response to the history.
// The redirect is copied and its own history dropped, so entries are never shared
// between cache entries.
func (r *CachedResponse) AddHistory(redirect *CachedResponse) {
	h := redirect.Clone()
	h.History = nil
	r.History = append(r.History, *h)
}

// Clone returns a deep copy of the response.
func (r *CachedResponse) Clone() *CachedResponse {
	c := *r
	c.Headers = r.Headers.Clone()
	c.Content = bytes.Clone(r.Content)
	c.Request = *r.Request.Clone()
	if r.Cookies != nil {
		c.Cookies = append([]CachedCookie(nil), r.Cookies...)
	}
	if r.History != nil {
		c.History = make([]CachedResponse, len(r.History))
		for i := range r.History {
			c.History[i] = *r.History[i].Clone()
		}
	}
	return &c
}

// HTTPResponse converts the snapshot back to an *http.Response with a fresh body reader.
func (r *CachedResponse) HTTPResponse() *http.Response {
	header := r.Headers.Clone()
	if header == nil {
		header = http.Header{}
	}
	status := strconv.Itoa(r.StatusCode)
	if r.Reason != "" {
		status += " " + r.Reason
	}
	resp := &http.Response{
		Status:        status,
		StatusCode:    r.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(r.Content)),
		ContentLength: int64(len(r.Content)),
	}
	if req, err := r.Request.HTTPRequest(); err == nil {
		resp.Request = req
	}
	return resp
}

// reasonPhrase extracts the reason phrase from a response status line.
func reasonPhrase(resp *http.Response) string {
	if _, reason, ok := strings.Cut(resp.Status, " "); ok {
		return reason
	}
	return http.StatusText(resp.StatusCode)
}
