package policy

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// anyStaleness is the offset granted by a bare max-stale directive.
const anyStaleness = time.Duration(math.MaxInt64)

// Directives holds the Cache-Control directives and validators parsed from
// one header set. It is immutable once parsed; the zero value has no
// directives. Unparsable values are treated as absent.
type Directives struct {
	maxAge               seconds
	maxStale             seconds
	maxStaleAny          bool
	minFresh             seconds
	staleIfError         seconds
	staleWhileRevalidate seconds

	noCache        bool
	noStore        bool
	mustRevalidate bool
	immutable      bool
	onlyIfCached   bool

	expires      string
	etag         string
	lastModified string

	// unknown directives, retained and otherwise ignored
	extensions map[string]string
}

type seconds struct {
	value int
	set   bool
}

func (s seconds) get() (int, bool) { return s.value, s.set }

// DirectivesFromHeaders parses Cache-Control, Expires, ETag and Last-Modified.
// It never fails; malformed segments are skipped.
func DirectivesFromHeaders(h http.Header) Directives {
	var d Directives
	for _, line := range h.Values("Cache-Control") {
		for _, segment := range strings.Split(line, ",") {
			d.parseSegment(segment)
		}
	}
	d.expires = strings.TrimSpace(h.Get("Expires"))
	d.etag = strings.TrimSpace(h.Get("ETag"))
	d.lastModified = strings.TrimSpace(h.Get("Last-Modified"))
	return d
}

func (d *Directives) parseSegment(segment string) {
	segment = strings.ToLower(strings.TrimSpace(segment))
	if segment == "" {
		return
	}
	name, value, hasValue := strings.Cut(segment, "=")
	name = strings.TrimSpace(name)
	value = strings.Trim(strings.TrimSpace(value), `"`)

	switch name {
	case "max-age":
		d.maxAge.parse(value)
	case "max-stale":
		if !hasValue {
			d.maxStaleAny = true
		} else {
			d.maxStale.parse(value)
		}
	case "min-fresh":
		d.minFresh.parse(value)
	case "stale-if-error":
		d.staleIfError.parse(value)
	case "stale-while-revalidate":
		d.staleWhileRevalidate.parse(value)
	case "no-cache":
		d.noCache = true
	case "no-store":
		d.noStore = true
	case "must-revalidate":
		d.mustRevalidate = true
	case "immutable":
		d.immutable = true
	case "only-if-cached":
		d.onlyIfCached = true
	default:
		if d.extensions == nil {
			d.extensions = make(map[string]string)
		}
		if _, exists := d.extensions[name]; !exists {
			d.extensions[name] = value
		}
	}
}

// parse keeps the first valid value of a repeated directive.
func (s *seconds) parse(value string) {
	if s.set {
		return
	}
	n, err := strconv.Atoi(value)
	if err != nil || n < 0 {
		return
	}
	*s = seconds{value: n, set: true}
}

// MaxAge returns the max-age directive in seconds.
func (d Directives) MaxAge() (int, bool) { return d.maxAge.get() }

// MaxStale returns the max-stale directive in seconds. A bare max-stale,
// which accepts any staleness, is reported as -1.
func (d Directives) MaxStale() (int, bool) {
	if d.maxStaleAny {
		return -1, true
	}
	return d.maxStale.get()
}

// MinFresh returns the min-fresh directive in seconds.
func (d Directives) MinFresh() (int, bool) { return d.minFresh.get() }

// StaleIfError returns the stale-if-error directive in seconds.
func (d Directives) StaleIfError() (int, bool) { return d.staleIfError.get() }

// StaleWhileRevalidate returns the stale-while-revalidate directive in seconds.
func (d Directives) StaleWhileRevalidate() (int, bool) { return d.staleWhileRevalidate.get() }

func (d Directives) NoCache() bool        { return d.noCache }
func (d Directives) NoStore() bool        { return d.noStore }
func (d Directives) MustRevalidate() bool { return d.mustRevalidate }
func (d Directives) Immutable() bool      { return d.immutable }
func (d Directives) OnlyIfCached() bool   { return d.onlyIfCached }

// Expires returns the raw Expires header.
func (d Directives) Expires() string { return d.expires }

// ETag returns the entity tag, if any.
func (d Directives) ETag() string { return d.etag }

// LastModified returns the raw Last-Modified header.
func (d Directives) LastModified() string { return d.lastModified }

// HasValidator reports whether the headers carry an ETag or Last-Modified.
func (d Directives) HasValidator() bool {
	return d.etag != "" || d.lastModified != ""
}

// Extension returns an unrecognized directive and its value.
func (d Directives) Extension(name string) (string, bool) {
	v, ok := d.extensions[strings.ToLower(name)]
	return v, ok
}

// ExpireOffset returns how far past its expiration a response stays
// acceptable: +max-stale, or -min-fresh.
func (d Directives) ExpireOffset() time.Duration {
	if s, ok := d.MaxStale(); ok {
		if s < 0 {
			return anyStaleness
		}
		return time.Duration(s) * time.Second
	}
	if s, ok := d.MinFresh(); ok {
		return -time.Duration(s) * time.Second
	}
	return 0
}

// hasRecognized reports whether any directive that drives the policy engine
// is present.
func (d Directives) hasRecognized() bool {
	return d.maxAge.set || d.maxStale.set || d.maxStaleAny || d.minFresh.set || d.staleIfError.set ||
		d.noCache || d.noStore || d.mustRevalidate || d.onlyIfCached
}
