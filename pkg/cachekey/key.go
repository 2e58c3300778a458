// Package cachekey computes normalized, stable fingerprints of HTTP requests.
//
// Two requests that differ only in the order of their query parameters, form
// fields or JSON object keys, or in the case and order of their headers, map
// to the same key. Requests that differ in method, path, a non-ignored
// parameter or (when header matching is on) a matched header value map to
// different keys.
package cachekey

import (
	"bytes"
	"encoding/hex"
	"io"
	"net/http"
	"slices"
	"sort"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Size is the digest size in bytes; keys are hex encoded, so twice as long.
const Size = 8

// MaxNormBodySize is the largest body that is parsed for normalization.
// Larger bodies are hashed as-is.
const MaxNormBodySize = 10 << 20

// DefaultIgnoredParameters are credentials commonly passed as parameters or
// headers. They are a sensible value for Options.IgnoredParameters.
var DefaultIgnoredParameters = []string{"Authorization", "X-API-KEY", "access_token", "api_key"}

// defaultHeaders are sent by most clients on every request and never
// distinguish one resource from another.
var defaultHeaders = map[string]bool{
	"User-Agent":      true,
	"Accept":          true,
	"Accept-Encoding": true,
	"Connection":      true,
}

// conditionalHeaders are added by the cache itself during revalidation.
var conditionalHeaders = map[string]bool{
	"Cache-Control":     true,
	"If-None-Match":     true,
	"If-Modified-Since": true,
}

// KeyFunc computes a cache key. It can replace CreateKey entirely.
type KeyFunc func(req *http.Request, opts Options) string

// Options controls key normalization.
type Options struct {
	// IgnoredParameters are query parameters, body fields or headers left out
	// of the key. Two requests that differ only in these share a key.
	IgnoredParameters []string

	// MatchHeaders selects which request headers are part of the key.
	MatchHeaders HeaderMatch

	// JSONRoot, if set, names a top-level JSON object whose keys are also
	// filtered by IgnoredParameters.
	JSONRoot string
}

// CreateKey returns the 16 character hex key for req.
// The request body is read through GetBody and left untouched.
func CreateKey(req *http.Request, opts Options) string {
	norm := NormalizeRequest(req, opts)

	h, _ := blake2b.New(Size, nil)
	write := func(b []byte) {
		h.Write(b)
		h.Write([]byte{0})
	}

	write([]byte(norm.Method))
	write([]byte(norm.URL.String()))
	write(norm.body)
	for _, pair := range matchedHeaders(norm.Header, opts.MatchHeaders) {
		write([]byte(pair))
	}

	return hex.EncodeToString(h.Sum(nil))
}

// Normalized is the canonical form of a request that CreateKey hashes.
type Normalized struct {
	*http.Request
	body []byte
}

// Body returns the normalized body.
func (n *Normalized) Body() []byte { return n.body }

// NormalizeRequest returns the canonical copy of req used for hashing:
// upper-cased method, normalized URL with ignored parameters removed,
// normalized body and headers without ignored names.
func NormalizeRequest(req *http.Request, opts Options) *Normalized {
	ignored := newIgnoreSet(opts.IgnoredParameters)

	clone := req.Clone(req.Context())
	clone.Method = strings.ToUpper(req.Method)
	if clone.Method == "" {
		clone.Method = http.MethodGet
	}
	clone.URL = normalizeURL(req.URL, ignored)
	clone.Header = normalizeHeaders(req.Header, ignored)

	body, _ := PeekBody(req)
	return &Normalized{
		Request: clone,
		body:    normalizeBody(body, req.Header.Get("Content-Type"), ignored, opts.JSONRoot),
	}
}

// PeekBody returns the request body without consuming it. If the request has
// a body but no GetBody, the body is buffered and both fields are replaced
// so later readers see the same bytes.
func PeekBody(req *http.Request) ([]byte, error) {
	if req.GetBody != nil {
		rc, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		return io.ReadAll(rc)
	}
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}

	body, err := io.ReadAll(req.Body)
	req.Body.Close()
	if err != nil {
		return nil, err
	}
	req.Body = io.NopCloser(bytes.NewReader(body))
	req.ContentLength = int64(len(body))
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	return body, nil
}

func matchedHeaders(header http.Header, match HeaderMatch) []string {
	if !match.Enabled() {
		return nil
	}

	var names []string
	if match.All {
		for name := range header {
			if !defaultHeaders[name] && !conditionalHeaders[name] {
				names = append(names, name)
			}
		}
	} else {
		for _, name := range match.Names {
			names = append(names, http.CanonicalHeaderKey(name))
		}
	}
	sort.Strings(names)
	names = slices.Compact(names)

	pairs := make([]string, 0, len(names))
	for _, name := range names {
		values, ok := header[name]
		if !ok {
			continue
		}
		pairs = append(pairs, strings.ToLower(name)+"="+strings.Join(values, ", "))
	}
	return pairs
}
