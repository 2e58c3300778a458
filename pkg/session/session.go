// Package session sends HTTP requests through a response cache.
//
// A Session decides per request whether the cache may answer it, sends live
// and conditional requests when it cannot, and stores what comes back:
//
//	c, _ := backends.Open(ctx, "sqlite", backends.Options{})
//	s := session.New(c, policy.DefaultSettings())
//	defer s.Close()
//
//	resp, err := s.Get(ctx, "https://example.com/data.json")
//
// Per request behaviour is controlled through the request context with
// WithRequestSettings and WithCacheDisabled. Transport adapts a session to
// an http.Client, and Install makes one the process-wide default.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/requests-cache/requests-cache-sub000/pkg/cache"
	"github.com/requests-cache/requests-cache-sub000/pkg/cachekey"
	"github.com/requests-cache/requests-cache-sub000/pkg/logging"
	"github.com/requests-cache/requests-cache-sub000/pkg/models"
	"github.com/requests-cache/requests-cache-sub000/pkg/policy"
	"github.com/rs/zerolog"
)

// Session is a caching HTTP client. It is safe for concurrent use.
//
// Concurrent misses on the same key may both reach the origin; the last
// response written wins.
type Session struct {
	cache    *cache.Cache
	settings policy.Settings
	client   *http.Client
	retry    RetryConfig
	disabled atomic.Int32
	wg       sync.WaitGroup
	logger   zerolog.Logger
}

// Option configures a Session.
type Option func(*Session)

// WithHTTPClient sets the client used for live requests. Its transport is
// wrapped, not replaced; the client itself is not modified.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Session) {
		client := *c
		s.client = &client
	}
}

// WithTransport sets the transport used for live requests.
func WithTransport(rt http.RoundTripper) Option {
	return func(s *Session) { s.client.Transport = rt }
}

// WithRetry enables retries of network errors, 429 and 5xx responses.
func WithRetry(cfg RetryConfig) Option {
	return func(s *Session) { s.retry = cfg }
}

// New creates a session over c. The cache's key function is replaced with
// the one implied by settings so cache-wide operations agree with the session.
func New(c *cache.Cache, settings policy.Settings, opts ...Option) *Session {
	s := &Session{
		cache:    c,
		settings: settings,
		client:   &http.Client{Timeout: 30 * time.Second},
		retry:    DefaultRetryConfig(),
		logger:   logging.NewLogger("session").With().Str("backend", c.Backend()).Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.client.Transport = &originTransport{next: s.client.Transport}
	c.SetKeyFunc(settings.CreateKey)
	return s
}

// Cache returns the underlying cache.
func (s *Session) Cache() *cache.Cache { return s.cache }

// Settings returns the session settings.
func (s *Session) Settings() policy.Settings { return s.settings }

// Get sends a GET request for url.
func (s *Session) Get(ctx context.Context, url string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return s.Do(req)
}

// Do sends req through the cache. A request that only-if-cached forbids
// sending and that the cache cannot answer gets a 504 response, not an error.
func (s *Session) Do(req *http.Request) (*Response, error) {
	ctx := req.Context()
	if _, err := cachekey.PeekBody(req); err != nil {
		return nil, fmt.Errorf("read request body: %w", err)
	}

	settings := s.settings
	if s.disabled.Load() > 0 || cacheDisabled(ctx) {
		settings.Disabled = true
	}
	key := settings.CreateKey(req)
	actions := policy.FromRequest(key, req, settings, requestSettings(ctx))

	var cached *models.CachedResponse
	if !actions.SkipRead {
		var err error
		cached, err = s.cache.GetResponse(ctx, key)
		if errors.Is(err, cache.ErrCacheMiss) {
			cached = nil
		} else if err != nil {
			return nil, err
		}
	}
	cached = actions.UpdateFromCachedResponse(cached)

	switch {
	case actions.Error504:
		s.logger.Debug().Str("url", req.URL.String()).Str("cache_key", key).Msg("No usable cached response and request forbids sending")
		ResponsesTotal.WithLabelValues(sourceUnavailable).Inc()
		return gatewayTimeout(req, key), nil

	case actions.ResendAsync:
		s.refreshAsync(req, actions, cached)
		ResponsesTotal.WithLabelValues(sourceStale).Inc()
		return newResponse(cached, true), nil

	case actions.SendRequest || actions.ResendRequest:
		resp, source, err := s.sendAndCache(req, actions, cached)
		if err != nil {
			return nil, err
		}
		ResponsesTotal.WithLabelValues(source).Inc()
		return resp, nil

	default:
		ResponsesTotal.WithLabelValues(sourceCache).Inc()
		return newResponse(cached, true), nil
	}
}

// refreshAsync revalidates an expired response in the background. The
// refresh outlives the request context; Close waits for it.
func (s *Session) refreshAsync(req *http.Request, actions *policy.CacheActions, cached *models.CachedResponse) {
	bg := req.Clone(context.WithoutCancel(req.Context()))
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, _, err := s.sendAndCache(bg, actions, cached); err != nil {
			s.logger.Warn().Err(err).Str("url", bg.URL.String()).Msg("Background refresh failed")
		}
	}()
}

// sendAndCache sends a live request and stores the result. It returns the
// response and its source for metrics.
func (s *Session) sendAndCache(req *http.Request, actions *policy.CacheActions, cached *models.CachedResponse) (*Response, string, error) {
	ctx := req.Context()
	logger := s.logger.With().Str("url", req.URL.String()).Str("cache_key", actions.CacheKey).Logger()

	live, err := s.send(req, actions.ValidationHeaders())
	if err != nil || live.StatusCode >= 400 {
		if actions.IsUsable(cached, true) {
			ev := logger.Warn()
			if err != nil {
				ev = ev.Err(err)
			} else {
				ev = ev.Int("status", live.StatusCode)
			}
			ev.Time("expires", cached.Expires).Msg("Request failed, returning stale response")
			return newResponse(cached, true), sourceStale, nil
		}
		if err != nil {
			return nil, "", err
		}
	}

	conditional := cached != nil && len(actions.ValidationHeaders()) > 0
	if live.StatusCode == http.StatusNotModified && cached != nil {
		merged := actions.UpdateRevalidatedResponse(live, cached)
		RevalidationsTotal.WithLabelValues("not_modified").Inc()
		logger.Debug().Time("expires", merged.Expires).Msg("Response not modified, reusing cached body")
		if !actions.SkipWrite {
			if err := s.save(ctx, merged, actions.CacheKey); err != nil {
				return nil, "", err
			}
		}
		resp := newResponse(merged, true)
		resp.Revalidated = true
		return resp, sourceRevalidated, nil
	}
	if conditional {
		RevalidationsTotal.WithLabelValues("modified").Inc()
	}

	actions.UpdateFromResponse(live)
	live.Expires = actions.Expires()
	live.CacheKey = actions.CacheKey
	if !actions.SkipWrite {
		if err := s.save(ctx, live, actions.CacheKey); err != nil {
			return nil, "", err
		}
	}
	return newResponse(live, false), sourceNetwork, nil
}

// save stores a redacted copy of resp.
func (s *Session) save(ctx context.Context, resp *models.CachedResponse, key string) error {
	stored := resp.Clone()
	cachekey.RedactResponse(stored, s.settings.KeyOptions())
	if err := s.cache.SaveResponse(ctx, stored, key); err != nil {
		return fmt.Errorf("cache response: %w", err)
	}
	return nil
}

// send performs the live request with validation headers added and returns
// a snapshot of the final response, including its redirect history.
func (s *Session) send(req *http.Request, validation http.Header) (*models.CachedResponse, error) {
	ctx := req.Context()

	var live *models.CachedResponse
	err := retryWithBackoff(ctx, s.retry, func() (ErrorClass, error) {
		attempt, err := prepareAttempt(req, validation)
		if err != nil {
			return "", err
		}
		hist := &history{}
		attempt = attempt.WithContext(context.WithValue(ctx, historyKey{}, hist))

		start := time.Now()
		resp, err := s.client.Do(attempt)
		if err != nil {
			s.logger.Debug().Err(err).Str("url", req.URL.String()).Msg("Request failed")
			return classifyError(nil, err), err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return ErrorClassNetwork, fmt.Errorf("read response body: %w", err)
		}

		live = models.NewCachedResponse(resp, body, time.Time{})
		live.Elapsed = time.Since(start)
		live.Request = *models.NewCachedRequest(req, nil)
		for _, hop := range hist.redirects() {
			live.AddHistory(hop)
		}
		return classifyError(resp, nil), nil
	})
	if err != nil {
		return nil, err
	}
	return live, nil
}

// prepareAttempt clones req with a fresh body and the validation headers set.
func prepareAttempt(req *http.Request, validation http.Header) (*http.Request, error) {
	attempt := req.Clone(req.Context())
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("rewind request body: %w", err)
		}
		attempt.Body = body
	}
	for name, values := range validation {
		attempt.Header[name] = values
	}
	return attempt, nil
}

// Close waits for background refreshes and closes the cache.
func (s *Session) Close() error {
	s.wg.Wait()
	return s.cache.Close()
}
