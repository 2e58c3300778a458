package policy

import (
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/requests-cache/requests-cache-sub000/pkg/cachekey"
	"github.com/requests-cache/requests-cache-sub000/pkg/logging"
	"github.com/requests-cache/requests-cache-sub000/pkg/models"
	"github.com/rs/zerolog"
)

// CacheActions is the decision record for one request/response cycle.
//
// It is created by FromRequest, updated once by UpdateFromCachedResponse
// after the cache lookup and once more by UpdateFromResponse (or
// UpdateRevalidatedResponse) after a live response arrives. It is never
// persisted and is not safe for concurrent use.
type CacheActions struct {
	// CacheKey is the key of the request
	CacheKey string

	// ExpireAfter is the precedence-resolved expiration
	ExpireAfter Expiry

	// SkipRead means the cache must not be consulted
	SkipRead bool

	// SkipWrite means the response must not be stored
	SkipWrite bool

	// SendRequest means a live request is needed, with any validation headers
	SendRequest bool

	// ResendRequest means the cached response is unusable and must be refreshed
	ResendRequest bool

	// ResendAsync means the stale cached response is returned while it is
	// refreshed in the background
	ResendAsync bool

	// Error504 means no usable response exists and only-if-cached forbids sending
	Error504 bool

	settings             Settings
	request              *http.Request
	directives           Directives
	onlyIfCached         bool
	refresh              bool
	staleIfError         Staleness
	staleWhileRevalidate Staleness
	skipWriteByRequest   bool
	expires              time.Time
	resolved             bool
	validationHeaders    http.Header
	logger               zerolog.Logger
}

type criterion struct {
	name   string
	failed bool
}

// FromRequest computes the initial actions for req.
func FromRequest(cacheKey string, req *http.Request, settings Settings, rs RequestSettings) *CacheActions {
	d := DirectivesFromHeaders(req.Header)
	a := &CacheActions{
		CacheKey:             cacheKey,
		settings:             settings,
		request:              req,
		directives:           d,
		onlyIfCached:         settings.OnlyIfCached || rs.OnlyIfCached,
		refresh:              rs.Refresh,
		staleIfError:         settings.StaleIfError,
		staleWhileRevalidate: settings.StaleWhileRevalidate,
		validationHeaders:    http.Header{},
		logger:               logging.NewLogger("policy").With().Str("cache_key", cacheKey).Logger(),
	}

	var skipByHeaders, doNotCache bool
	if settings.CacheControl && d.hasRecognized() {
		maxAge, hasMaxAge := d.MaxAge()
		if hasMaxAge {
			a.ExpireAfter = Seconds(maxAge)
		}
		skipByHeaders = d.NoCache() || d.NoStore() || (hasMaxAge && maxAge == 0)
		a.skipWriteByRequest = d.NoStore()
		a.onlyIfCached = a.onlyIfCached || d.OnlyIfCached()
		a.refresh = a.refresh || d.MustRevalidate()
		if s, ok := d.StaleIfError(); ok {
			a.staleIfError = StaleFor(time.Duration(s) * time.Second)
		}
	} else {
		a.ExpireAfter = Coalesce(
			rs.ExpireAfter,
			URLExpiration(req.URL.String(), settings.URLsExpireAfter),
			settings.ExpireAfter,
		)
		doNotCache = a.ExpireAfter.IsImmediately()
		a.skipWriteByRequest = doNotCache
	}

	a.SkipRead = a.check("read", []criterion{
		{"disabled cache", settings.Disabled},
		{"disabled method", !settings.methodAllowed(strings.ToUpper(req.Method))},
		{"force refresh", rs.ForceRefresh},
		{"disabled by headers", skipByHeaders},
		{"disabled by expiration", doNotCache},
	})
	a.SkipWrite = a.skipWriteByRequest || settings.Disabled
	return a
}

// UpdateFromCachedResponse updates the actions after a cache lookup. cached
// is nil on a miss. A response whose Vary headers do not match the request is
// treated as a miss. It returns the cached response the actions apply to,
// which is nil for a miss.
func (a *CacheActions) UpdateFromCachedResponse(cached *models.CachedResponse) *models.CachedResponse {
	if cached != nil && !a.varyMatches(cached) {
		a.logger.Debug().Str("vary", cached.Headers.Get("Vary")).Msg("Cached response does not match request Vary headers")
		cached = nil
	}

	usable := a.IsUsable(cached, false)
	usableIfError := a.IsUsable(cached, true)

	switch {
	case !usable && a.onlyIfCached && !usableIfError:
		a.Error504 = true
	case cached == nil:
		a.SendRequest = true
	case !usable && !(a.onlyIfCached && usableIfError):
		a.ResendRequest = true
	case cached.IsExpired() && usable && a.staleWhileRevalidate.Enabled():
		a.ResendAsync = true
	}

	if cached != nil && !a.onlyIfCached {
		a.updateValidationHeaders(cached)
	}

	a.logger.Debug().
		Bool("send_request", a.SendRequest).
		Bool("resend_request", a.ResendRequest).
		Bool("resend_async", a.ResendAsync).
		Bool("error_504", a.Error504).
		Msg("Updated actions from cached response")
	return cached
}

// updateValidationHeaders adds conditional headers when the cached response
// has a validator and is expired, a refresh was requested, or its own headers
// demand revalidation.
func (a *CacheActions) updateValidationHeaders(cached *models.CachedResponse) {
	d := DirectivesFromHeaders(cached.Headers)
	maxAge, hasMaxAge := d.MaxAge()
	revalidate := cached.IsExpired() || a.refresh || d.NoCache() ||
		(d.MustRevalidate() && hasMaxAge && maxAge == 0)
	if !revalidate {
		return
	}

	if !d.HasValidator() {
		// A refresh without validators can only be satisfied by a full request.
		if a.refresh && !a.ResendAsync {
			a.ResendRequest = true
		}
		return
	}

	if etag := d.ETag(); etag != "" {
		a.validationHeaders.Set("If-None-Match", etag)
	}
	if lm := d.LastModified(); lm != "" {
		a.validationHeaders.Set("If-Modified-Since", lm)
	}
	a.SendRequest = true
	a.ResendRequest = false
}

// UpdateFromResponse resolves the final expiration and write decision for a
// live response.
func (a *CacheActions) UpdateFromResponse(resp *models.CachedResponse) {
	d := DirectivesFromHeaders(resp.Headers)
	skipByHeaders := a.skipWriteByRequest

	if a.settings.CacheControl {
		if d.Immutable() {
			a.ExpireAfter = Never()
		} else {
			var maxAge, expires Expiry
			if n, ok := d.MaxAge(); ok {
				maxAge = Seconds(n)
			}
			if h := d.Expires(); h != "" {
				expires = HTTPDate(h)
			}
			a.ExpireAfter = Coalesce(maxAge, expires, a.ExpireAfter)
		}
		skipByHeaders = skipByHeaders || d.NoStore()
	}

	a.expires = ExpirationTime(a.ExpireAfter)
	a.resolved = true

	// Responses that expire immediately are still written when they can be
	// revalidated later.
	expireNow := a.ExpireAfter.IsImmediately() || (!a.expires.IsZero() && !a.expires.After(models.Now()))
	skipStale := expireNow && !d.HasValidator()

	method := resp.Request.Method
	if method == "" {
		method = strings.ToUpper(a.request.Method)
	}

	a.SkipWrite = a.check("write", []criterion{
		{"disabled cache", a.settings.Disabled},
		{"disabled method", !a.settings.methodAllowed(method)},
		{"disabled status", !a.settings.statusAllowed(resp.StatusCode)},
		{"disabled by filter", a.settings.FilterFn != nil && !a.settings.FilterFn(resp)},
		{"disabled by headers", skipByHeaders},
		{"disabled by expiration", skipStale},
	})
}

// UpdateRevalidatedResponse handles the reply to a conditional request. On
// 304 Not Modified it merges the new headers into a copy of cached, resolves
// a fresh expiration from the merged headers and returns the copy marked
// revalidated. Any other response is returned unchanged.
func (a *CacheActions) UpdateRevalidatedResponse(resp, cached *models.CachedResponse) *models.CachedResponse {
	if resp.StatusCode != http.StatusNotModified || cached == nil {
		return resp
	}

	merged := cached.Clone()
	for name, values := range resp.Headers {
		if name == "Content-Length" {
			continue
		}
		merged.Headers[name] = slices.Clone(values)
	}

	a.UpdateFromResponse(merged)
	merged.Expires = a.expires
	merged.Revalidated = true
	return merged
}

// IsUsable reports whether cached may be returned without a live request.
// With onError set, the stale-if-error window is applied instead of the
// normal freshness rules.
func (a *CacheActions) IsUsable(cached *models.CachedResponse, onError bool) bool {
	if cached == nil {
		return false
	}
	if cached.Expires.IsZero() {
		return true
	}

	now := models.Now()
	switch {
	case onError && a.staleIfError.Enabled():
		return a.staleIfError.Allows(cached.Expires, now)
	case cached.IsExpired() && a.staleWhileRevalidate.Enabled():
		return a.staleWhileRevalidate.Allows(cached.Expires, now)
	}

	var offset time.Duration
	if a.settings.CacheControl {
		offset = a.directives.ExpireOffset()
	}
	return now.Before(cached.Expires.Add(offset))
}

// Expires returns the absolute expiration of a new response. It is final
// after UpdateFromResponse; before that it is resolved on each call.
func (a *CacheActions) Expires() time.Time {
	if a.resolved {
		return a.expires
	}
	return ExpirationTime(a.ExpireAfter)
}

// ValidationHeaders returns the conditional headers to add to the live request.
func (a *CacheActions) ValidationHeaders() http.Header {
	return a.validationHeaders
}

// OnlyIfCached reports whether sending a live request is forbidden.
func (a *CacheActions) OnlyIfCached() bool { return a.onlyIfCached }

// StaleIfError returns the effective stale-if-error window.
func (a *CacheActions) StaleIfError() Staleness { return a.staleIfError }

func (a *CacheActions) varyMatches(cached *models.CachedResponse) bool {
	vary := strings.TrimSpace(strings.Join(cached.Headers.Values("Vary"), ","))
	if vary == "" {
		return true
	}
	if vary == "*" {
		return false
	}

	var names []string
	for _, name := range strings.Split(vary, ",") {
		if name = strings.TrimSpace(name); name != "" {
			names = append(names, name)
		}
	}

	cachedReq, err := cached.Request.HTTPRequest()
	if err != nil {
		return false
	}
	opts := a.settings.KeyOptions()
	opts.MatchHeaders = cachekey.MatchNames(names...)
	return a.settings.createKey(cachedReq, opts) == a.settings.createKey(a.request, opts)
}

// check logs every failed criterion at debug level and reports whether any failed.
func (a *CacheActions) check(kind string, criteria []criterion) bool {
	var failed []string
	for _, c := range criteria {
		if c.failed {
			failed = append(failed, c.name)
		}
	}
	if len(failed) > 0 {
		a.logger.Debug().Strs("criteria", failed).Msgf("Skipping cache %s", kind)
	} else {
		a.logger.Debug().Msgf("Cache %s allowed", kind)
	}
	return len(failed) > 0
}
