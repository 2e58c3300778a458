package models

import (
	"bytes"
	"io"
	"net/http"
	"strings"
)

// CachedRequest is a snapshot of the HTTP request that produced a cached response.
type CachedRequest struct {
	// Method is the HTTP method, upper-cased
	Method string `json:"method" yaml:"method" bson:"method" msgpack:"method"`

	// URL is the full request URL
	URL string `json:"url" yaml:"url" bson:"url" msgpack:"url"`

	// Headers are the request headers
	Headers http.Header `json:"headers" yaml:"headers" bson:"headers" msgpack:"headers"`

	// Body is the request body, if any
	Body []byte `json:"body,omitempty" yaml:"body,omitempty" bson:"body,omitempty" msgpack:"body,omitempty"`
}

// NewCachedRequest creates a snapshot of an HTTP request.
// If body is nil and the request has a replayable body (GetBody), the body is
// read from a fresh copy so the original stream is left untouched.
func NewCachedRequest(req *http.Request, body []byte) *CachedRequest {
	if body == nil && req.GetBody != nil {
		if rc, err := req.GetBody(); err == nil {
			body, _ = io.ReadAll(rc)
			rc.Close()
		}
	}
	headers := req.Header.Clone()
	if headers == nil {
		headers = http.Header{}
	}
	return &CachedRequest{
		Method:  strings.ToUpper(req.Method),
		URL:     req.URL.String(),
		Headers: headers,
		Body:    body,
	}
}

// Clone returns a deep copy of the request.
func (r *CachedRequest) Clone() *CachedRequest {
	c := *r
	c.Headers = r.Headers.Clone()
	c.Body = bytes.Clone(r.Body)
	return &c
}

// HTTPRequest rebuilds an *http.Request from the snapshot.
func (r *CachedRequest) HTTPRequest() (*http.Request, error) {
	method := r.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if len(r.Body) > 0 {
		body = bytes.NewReader(r.Body)
	}
	req, err := http.NewRequest(method, r.URL, body)
	if err != nil {
		return nil, err
	}
	if r.Headers != nil {
		req.Header = r.Headers.Clone()
	}
	return req, nil
}
