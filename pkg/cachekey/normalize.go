package cachekey

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/PuerkitoBio/purell"
)

const urlFlags = purell.FlagsSafe | purell.FlagRemoveDotSegments | purell.FlagRemoveFragment | purell.FlagSortQuery

type ignoreSet map[string]bool

func newIgnoreSet(names []string) ignoreSet {
	set := make(ignoreSet, len(names))
	for _, name := range names {
		set[name] = true
	}
	return set
}

func (s ignoreSet) has(name string) bool {
	return s[name]
}

// hasHeader matches header names case-insensitively.
func (s ignoreSet) hasHeader(name string) bool {
	for ignored := range s {
		if strings.EqualFold(ignored, name) {
			return true
		}
	}
	return false
}

// normalizeURL lower-cases the scheme and host, drops the default port, the
// fragment and dot segments, removes ignored query parameters and sorts the rest.
func normalizeURL(u *url.URL, ignored ignoreSet) *url.URL {
	c := *u
	q := c.Query()
	for name := range q {
		if ignored.has(name) {
			q.Del(name)
		}
	}
	c.RawQuery = q.Encode()

	normalized := purell.NormalizeURL(&c, urlFlags)
	parsed, err := url.Parse(normalized)
	if err != nil {
		return &c
	}
	return parsed
}

func normalizeHeaders(h http.Header, ignored ignoreSet) http.Header {
	out := make(http.Header, len(h))
	for name, values := range h {
		if ignored.hasHeader(name) {
			continue
		}
		out[http.CanonicalHeaderKey(name)] = append([]string(nil), values...)
	}
	return out
}

// normalizeBody re-encodes form and JSON bodies in sorted order without
// ignored fields. Anything else, including bodies that fail to parse, is
// returned unchanged.
func normalizeBody(body []byte, contentType string, ignored ignoreSet, jsonRoot string) []byte {
	if len(body) == 0 || len(body) > MaxNormBodySize {
		return body
	}

	switch {
	case strings.HasPrefix(contentType, "application/x-www-form-urlencoded"):
		values, err := url.ParseQuery(string(body))
		if err != nil {
			return body
		}
		for name := range values {
			if ignored.has(name) {
				values.Del(name)
			}
		}
		return []byte(sortedEncode(values))

	case strings.Contains(contentType, "json"):
		data, ok := decodeJSON(body)
		if !ok {
			return body
		}
		filterJSON(data, ignored, jsonRoot, func(m map[string]any, k string) { delete(m, k) })
		out, err := json.Marshal(data)
		if err != nil {
			return body
		}
		return out

	default:
		return body
	}
}

func decodeJSON(body []byte) (any, bool) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var data any
	if err := dec.Decode(&data); err != nil {
		return nil, false
	}
	if dec.More() {
		return nil, false
	}
	return data, true
}

// filterJSON applies fn to every ignored key at the top level of data and,
// when root is set, inside data[root].
func filterJSON(data any, ignored ignoreSet, root string, fn func(m map[string]any, k string)) {
	obj, ok := data.(map[string]any)
	if !ok {
		return
	}
	targets := []map[string]any{obj}
	if root != "" {
		if nested, ok := obj[root].(map[string]any); ok {
			targets = append(targets, nested)
		}
	}
	for _, m := range targets {
		for k := range m {
			if ignored.has(k) {
				fn(m, k)
			}
		}
	}
}

// sortedEncode is url.Values.Encode with values also sorted within each key.
func sortedEncode(values url.Values) string {
	for _, vs := range values {
		sort.Strings(vs)
	}
	return values.Encode()
}
