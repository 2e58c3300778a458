// Package policy decides, for each request, whether the cache may be read,
// whether a live request must be sent or revalidated, how long a new response
// lives and whether it may be written.
//
// Two modes exist. By default, expiration comes from settings with the
// precedence request override > URL pattern > session default, and HTTP
// cache headers are ignored except for validators. With Settings.CacheControl
// enabled, Cache-Control and Expires headers take over: request directives
// replace the settings entirely, and response directives override whatever
// the settings resolved.
package policy

import (
	"net/http"
	"slices"

	"github.com/requests-cache/requests-cache-sub000/pkg/cachekey"
	"github.com/requests-cache/requests-cache-sub000/pkg/models"
)

// FilterFunc decides whether a response may be cached.
type FilterFunc func(resp *models.CachedResponse) bool

// Settings are the session-wide cache settings.
type Settings struct {
	// AllowableCodes are the status codes that may be cached.
	AllowableCodes []int

	// AllowableMethods are the request methods that may be cached.
	AllowableMethods []string

	// CacheControl enables header-driven expiration.
	CacheControl bool

	// Disabled turns the cache off: nothing is read or written.
	Disabled bool

	// ExpireAfter is the default expiration of new responses.
	ExpireAfter Expiry

	// FilterFn, if set, rejects responses that must not be cached.
	FilterFn FilterFunc

	// IgnoredParameters are left out of cache keys and redacted before storage.
	IgnoredParameters []string

	// JSONRoot names a top-level object of JSON request bodies whose keys
	// are also matched against IgnoredParameters.
	JSONRoot string

	// KeyFn replaces cachekey.CreateKey.
	KeyFn cachekey.KeyFunc

	// MatchHeaders selects request headers that are part of the key.
	MatchHeaders cachekey.HeaderMatch

	// OnlyIfCached returns 504 instead of sending a request when no usable
	// response is cached.
	OnlyIfCached bool

	// StaleIfError serves expired responses when the refresh fails.
	StaleIfError Staleness

	// StaleWhileRevalidate serves expired responses while refreshing them in
	// the background.
	StaleWhileRevalidate Staleness

	// URLsExpireAfter maps URL patterns to expirations.
	URLsExpireAfter URLPatterns
}

// DefaultSettings returns settings that cache successful GET and HEAD
// responses forever.
func DefaultSettings() Settings {
	return Settings{
		AllowableCodes:   []int{http.StatusOK},
		AllowableMethods: []string{http.MethodGet, http.MethodHead},
		ExpireAfter:      Never(),
	}
}

// KeyOptions returns the key options implied by the settings.
func (s Settings) KeyOptions() cachekey.Options {
	return cachekey.Options{
		IgnoredParameters: s.IgnoredParameters,
		MatchHeaders:      s.MatchHeaders,
		JSONRoot:          s.JSONRoot,
	}
}

// CreateKey computes the cache key of req with KeyFn or cachekey.CreateKey.
func (s Settings) CreateKey(req *http.Request) string {
	return s.createKey(req, s.KeyOptions())
}

func (s Settings) createKey(req *http.Request, opts cachekey.Options) string {
	if s.KeyFn != nil {
		return s.KeyFn(req, opts)
	}
	return cachekey.CreateKey(req, opts)
}

func (s Settings) methodAllowed(method string) bool {
	return slices.Contains(s.AllowableMethods, method)
}

func (s Settings) statusAllowed(code int) bool {
	return slices.Contains(s.AllowableCodes, code)
}

// RequestSettings override Settings for a single request.
type RequestSettings struct {
	// ExpireAfter overrides URL patterns and the session default.
	ExpireAfter Expiry

	// OnlyIfCached returns 504 instead of sending a request when no usable
	// response is cached.
	OnlyIfCached bool

	// Refresh revalidates a cached response before using it.
	Refresh bool

	// ForceRefresh skips the cache read and always sends the request.
	ForceRefresh bool
}
