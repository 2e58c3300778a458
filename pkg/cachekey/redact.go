package cachekey

import (
	"encoding/json"
	"net/url"
	"strings"

	"github.com/requests-cache/requests-cache-sub000/pkg/models"
)

// Redacted replaces the value of every ignored parameter in a stored request.
const Redacted = "REDACTED"

// RedactRequest replaces the values of opts.IgnoredParameters in the query
// string, the headers and form or JSON bodies of r, so credentials passed as
// ignored parameters are never persisted. JSON keys are redacted at the top
// level and under opts.JSONRoot, the same places CreateKey ignores them.
func RedactRequest(r *models.CachedRequest, opts Options) {
	if len(opts.IgnoredParameters) == 0 {
		return
	}
	ignored := newIgnoreSet(opts.IgnoredParameters)
	r.URL = redactURL(r.URL, ignored)

	for name, values := range r.Headers {
		if ignored.hasHeader(name) {
			r.Headers[name] = redactAll(values)
		}
	}

	r.Body = redactBody(r.Body, r.Headers.Get("Content-Type"), ignored, opts.JSONRoot)
}

// RedactResponse redacts the URL and request of r and of every response in
// its history.
func RedactResponse(r *models.CachedResponse, opts Options) {
	if len(opts.IgnoredParameters) == 0 {
		return
	}
	ignored := newIgnoreSet(opts.IgnoredParameters)
	RedactRequest(&r.Request, opts)
	r.URL = redactURL(r.URL, ignored)
	for i := range r.History {
		RedactRequest(&r.History[i].Request, opts)
		r.History[i].URL = redactURL(r.History[i].URL, ignored)
	}
}

func redactURL(raw string, ignored ignoreSet) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	changed := false
	for name, values := range q {
		if ignored.has(name) {
			q[name] = redactAll(values)
			changed = true
		}
	}
	if !changed {
		return raw
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func redactBody(body []byte, contentType string, ignored ignoreSet, jsonRoot string) []byte {
	if len(body) == 0 || len(body) > MaxNormBodySize {
		return body
	}

	switch {
	case strings.HasPrefix(contentType, "application/x-www-form-urlencoded"):
		values, err := url.ParseQuery(string(body))
		if err != nil {
			return body
		}
		for name, vs := range values {
			if ignored.has(name) {
				values[name] = redactAll(vs)
			}
		}
		return []byte(values.Encode())

	case strings.Contains(contentType, "json"):
		data, ok := decodeJSON(body)
		if !ok {
			return body
		}
		filterJSON(data, ignored, jsonRoot, func(m map[string]any, k string) { m[k] = Redacted })
		out, err := json.Marshal(data)
		if err != nil {
			return body
		}
		return out

	default:
		return body
	}
}

func redactAll(values []string) []string {
	out := make([]string, len(values))
	for i := range out {
		out[i] = Redacted
	}
	return out
}

