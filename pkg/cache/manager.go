package cache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/requests-cache/requests-cache-sub000/pkg/cachekey"
	"github.com/requests-cache/requests-cache-sub000/pkg/logging"
	"github.com/requests-cache/requests-cache-sub000/pkg/models"
	"github.com/requests-cache/requests-cache-sub000/pkg/policy"
	"github.com/requests-cache/requests-cache-sub000/pkg/serializer"
	"github.com/requests-cache/requests-cache-sub000/pkg/storage"
	"github.com/rs/zerolog"
)

// ErrCacheMiss indicates no usable response is stored under the key.
var ErrCacheMiss = errors.New("cache miss")

// KeyFunc computes the cache key of a request.
type KeyFunc func(req *http.Request) string

// Cache holds cached responses plus a redirect map from the keys of
// redirecting requests to the key of the final response.
//
// A Cache is safe for concurrent use when its stores are.
type Cache struct {
	responses *ResponseStore
	redirects storage.Store
	backend   string
	maxSize   int64
	keyFn     KeyFunc
	logger    zerolog.Logger
}

// Option configures a Cache.
type Option func(*Cache)

// WithSerializer sets the response serializer (default: JSON).
func WithSerializer(s serializer.Serializer) Option {
	return func(c *Cache) { c.responses.serializer = s }
}

// WithBackendName labels logs and metrics (default: "custom").
func WithBackendName(name string) Option {
	return func(c *Cache) { c.backend = name }
}

// WithMaxSize evicts least recently used responses once the stored total
// exceeds n bytes. It only takes effect when the response store implements
// storage.LRUIndex.
func WithMaxSize(n int64) Option {
	return func(c *Cache) { c.maxSize = n }
}

// WithKeyFunc sets the function used to key requests passed to Delete,
// Contains and RecreateKeys, and redirect history.
func WithKeyFunc(fn KeyFunc) Option {
	return func(c *Cache) { c.keyFn = fn }
}

// New creates a cache over a response store and a redirect store.
// The cache takes ownership of both.
func New(responses, redirects storage.Store, opts ...Option) *Cache {
	c := &Cache{
		responses: NewResponseStore(responses, serializer.JSON{}),
		redirects: redirects,
		backend:   "custom",
		keyFn: func(req *http.Request) string {
			return cachekey.CreateKey(req, cachekey.Options{})
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logging.NewLogger("cache").With().Str("backend", c.backend).Logger()
	return c
}

// Backend returns the backend name.
func (c *Cache) Backend() string { return c.backend }

// Responses returns the response store.
func (c *Cache) Responses() *ResponseStore { return c.responses }

// Redirects returns the redirect store.
func (c *Cache) Redirects() storage.Store { return c.redirects }

// SetKeyFunc replaces the key function. Sessions install their settings'
// key function here so cache-wide operations key requests the same way.
func (c *Cache) SetKeyFunc(fn KeyFunc) {
	if fn != nil {
		c.keyFn = fn
	}
}

// CreateKey returns the cache key of req.
func (c *Cache) CreateKey(req *http.Request) string {
	return c.keyFn(req)
}

// GetResponse returns the response stored under key, following the redirect
// map when key is not a response key. A value that fails to deserialize is
// logged, deleted and reported as ErrCacheMiss. Other storage errors are
// returned as is.
func (c *Cache) GetResponse(ctx context.Context, key string) (*models.CachedResponse, error) {
	resp, err := c.responses.Get(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		target, rerr := c.redirects.Get(ctx, key)
		switch {
		case errors.Is(rerr, storage.ErrNotFound):
			CacheMisses.WithLabelValues(c.backend).Inc()
			return nil, ErrCacheMiss
		case rerr != nil:
			CacheErrors.WithLabelValues("get").Inc()
			return nil, fmt.Errorf("get redirect: %w", rerr)
		}
		key = string(target)
		resp, err = c.responses.Get(ctx, key)
	}

	switch {
	case errors.Is(err, storage.ErrNotFound):
		CacheMisses.WithLabelValues(c.backend).Inc()
		return nil, ErrCacheMiss
	case errors.Is(err, ErrInvalidEntry):
		c.logger.Error().Err(err).Str("key", key).Msg("Unable to deserialize response, deleting it")
		CacheInvalid.WithLabelValues(c.backend).Inc()
		CacheMisses.WithLabelValues(c.backend).Inc()
		if derr := c.responses.store.Delete(ctx, key); derr != nil && !errors.Is(derr, storage.ErrNotFound) {
			c.logger.Warn().Err(derr).Str("key", key).Msg("Failed to delete invalid response")
		}
		return nil, ErrCacheMiss
	case err != nil:
		CacheErrors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("get response: %w", err)
	}

	if lru, ok := c.responses.store.(storage.LRUIndex); ok {
		if err := lru.UpdateAccessTime(ctx, key); err != nil && !errors.Is(err, storage.ErrNotFound) {
			c.logger.Warn().Err(err).Str("key", key).Msg("Failed to update access time")
		}
	}
	CacheHits.WithLabelValues(c.backend).Inc()
	return resp, nil
}

// SaveResponse stores resp under key, plus a redirect entry pointing to key
// for each response in its history.
func (c *Cache) SaveResponse(ctx context.Context, resp *models.CachedResponse, key string) error {
	resp.CacheKey = key
	err := storage.BulkCommit(ctx, c.responses.store, func(ctx context.Context) error {
		if err := c.responses.Set(ctx, key, resp); err != nil {
			return fmt.Errorf("save response: %w", err)
		}
		for i := range resp.History {
			req, err := resp.History[i].Request.HTTPRequest()
			if err != nil {
				c.logger.Debug().Err(err).Str("url", resp.History[i].URL).Msg("Skipping redirect with invalid request")
				continue
			}
			if err := c.redirects.Set(ctx, c.keyFn(req), []byte(key)); err != nil {
				return fmt.Errorf("save redirect: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		CacheErrors.WithLabelValues("save").Inc()
		return err
	}
	c.logger.Debug().Str("key", key).Time("expires", resp.Expires).Msg("Saved response")
	return c.evict(ctx)
}

// evict removes least recently used responses until the total stored size
// is within the limit.
func (c *Cache) evict(ctx context.Context) error {
	lru, ok := c.responses.store.(storage.LRUIndex)
	if !ok {
		return nil
	}
	total, err := lru.TotalSize(ctx)
	if err != nil {
		return fmt.Errorf("total size: %w", err)
	}
	if c.maxSize <= 0 || total <= c.maxSize {
		CacheSize.WithLabelValues(c.backend).Set(float64(total))
		return nil
	}

	keys, err := lru.GetLRU(ctx, total-c.maxSize)
	if err != nil {
		return fmt.Errorf("get lru: %w", err)
	}
	if err := c.Delete(ctx, DeleteOptions{Keys: keys}); err != nil {
		return err
	}
	CacheEvictions.WithLabelValues(c.backend).Add(float64(len(keys)))
	c.logger.Debug().Int("count", len(keys)).Int64("max_size", c.maxSize).Msg("Evicted responses")
	return nil
}

// DeleteOptions selects the responses removed by Delete.
type DeleteOptions struct {
	// Keys are response or redirect keys.
	Keys []string

	// Requests are keyed with the cache's key function.
	Requests []*http.Request

	// Expired selects responses past their expiration.
	Expired bool

	// Invalid selects values that fail to deserialize.
	Invalid bool

	// OlderThan selects responses created more than this long ago.
	OlderThan time.Duration
}

// Delete removes the selected responses and every redirect that pointed to them.
func (c *Cache) Delete(ctx context.Context, opts DeleteOptions) error {
	keys := append([]string(nil), opts.Keys...)
	for _, req := range opts.Requests {
		keys = append(keys, c.keyFn(req))
	}

	err := storage.BulkCommit(ctx, c.responses.store, func(ctx context.Context) error {
		var swept int
		if opts.Expired || opts.Invalid || opts.OlderThan > 0 {
			matched, n, err := c.matchForDelete(ctx, opts)
			if err != nil {
				return err
			}
			keys = append(keys, matched...)
			swept = n
		}
		if len(keys) > 0 {
			if err := c.responses.store.BulkDelete(ctx, keys); err != nil {
				return fmt.Errorf("delete responses: %w", err)
			}
			if err := c.redirects.BulkDelete(ctx, keys); err != nil {
				return fmt.Errorf("delete redirects: %w", err)
			}
		}
		switch {
		case swept > 0:
			return c.pruneOrphanedRedirects(ctx)
		case len(keys) > 0:
			return c.pruneRedirects(ctx, keys)
		}
		return nil
	})
	if err != nil {
		CacheErrors.WithLabelValues("delete").Inc()
		return err
	}
	c.logger.Debug().Int("keys", len(keys)).Msg("Deleted responses")
	if lru, ok := c.responses.store.(storage.LRUIndex); ok {
		if total, err := lru.TotalSize(ctx); err == nil {
			CacheSize.WithLabelValues(c.backend).Set(float64(total))
		}
	}
	return nil
}

// matchForDelete returns the keys selected by opts. Stores that sweep expired
// rows themselves report the number removed instead.
func (c *Cache) matchForDelete(ctx context.Context, opts DeleteOptions) ([]string, int, error) {
	// Stores that index expiration can sweep without decoding values
	if del, ok := c.responses.store.(storage.ExpiredDeleter); ok && opts.Expired && !opts.Invalid && opts.OlderThan == 0 {
		n, err := del.DeleteExpired(ctx, models.Now())
		if err != nil {
			return nil, 0, fmt.Errorf("delete expired: %w", err)
		}
		c.logger.Debug().Int("count", n).Msg("Deleted expired responses")
		return nil, n, nil
	}

	entries, err := c.responses.Entries(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("list responses: %w", err)
	}
	cutoff := models.Now().Add(-opts.OlderThan)
	var keys []string
	for _, e := range entries {
		switch {
		case e.Err != nil:
			if opts.Invalid {
				keys = append(keys, e.Key)
			}
		case opts.Expired && e.Response.IsExpired():
			keys = append(keys, e.Key)
		case opts.OlderThan > 0 && e.Response.CreatedAt.Before(cutoff):
			keys = append(keys, e.Key)
		}
	}
	return keys, 0, nil
}

// pruneRedirects removes redirects that point to one of deleted. The
// response store is not listed.
func (c *Cache) pruneRedirects(ctx context.Context, deleted []string) error {
	targets := make(map[string]bool, len(deleted))
	for _, k := range deleted {
		targets[k] = true
	}
	return c.deleteRedirects(ctx, func(target string) bool { return targets[target] })
}

// pruneOrphanedRedirects removes redirects whose target response no longer
// exists. It is used after sweeps that do not report which keys they removed.
func (c *Cache) pruneOrphanedRedirects(ctx context.Context) error {
	keys, err := c.responses.store.Keys(ctx)
	if err != nil {
		return fmt.Errorf("list responses: %w", err)
	}
	live := make(map[string]bool, len(keys))
	for _, k := range keys {
		live[k] = true
	}
	return c.deleteRedirects(ctx, func(target string) bool { return !live[target] })
}

func (c *Cache) deleteRedirects(ctx context.Context, stale func(target string) bool) error {
	items, err := c.redirects.Items(ctx)
	if err != nil {
		return fmt.Errorf("list redirects: %w", err)
	}

	var keys []string
	for _, item := range items {
		if stale(string(item.Value)) {
			keys = append(keys, item.Key)
		}
	}
	if len(keys) == 0 {
		return nil
	}
	if err := c.redirects.BulkDelete(ctx, keys); err != nil {
		return fmt.Errorf("prune redirects: %w", err)
	}
	return nil
}

// RemoveExpiredResponses deletes expired and invalid responses.
func (c *Cache) RemoveExpiredResponses(ctx context.Context) error {
	return c.Delete(ctx, DeleteOptions{Expired: true, Invalid: true})
}

// Clear removes every response and redirect.
func (c *Cache) Clear(ctx context.Context) error {
	err := storage.BulkCommit(ctx, c.responses.store, func(ctx context.Context) error {
		if err := c.responses.store.Clear(ctx); err != nil {
			return fmt.Errorf("clear responses: %w", err)
		}
		if err := c.redirects.Clear(ctx); err != nil {
			return fmt.Errorf("clear redirects: %w", err)
		}
		return nil
	})
	if err != nil {
		CacheErrors.WithLabelValues("clear").Inc()
		return err
	}
	CacheSize.WithLabelValues(c.backend).Set(0)
	c.logger.Info().Msg("Cleared cache")
	return nil
}

// Contains reports whether key is stored as a response or redirect key.
func (c *Cache) Contains(ctx context.Context, key string) (bool, error) {
	ok, err := storage.Contains(ctx, c.responses.store, key)
	if err != nil || ok {
		return ok, err
	}
	return storage.Contains(ctx, c.redirects, key)
}

// ContainsRequest reports whether a response is stored for req.
func (c *Cache) ContainsRequest(ctx context.Context, req *http.Request) (bool, error) {
	return c.Contains(ctx, c.keyFn(req))
}

// FilterOptions selects the responses returned by Filter.
type FilterOptions struct {
	// Valid selects responses that are not expired.
	Valid bool

	// Expired selects expired responses.
	Expired bool

	// Invalid selects values that fail to deserialize. They are returned as
	// responses that carry only CacheKey.
	Invalid bool

	// OlderThan, when set, restricts the result to responses created more
	// than this long ago.
	OlderThan time.Duration
}

// Filter returns the stored responses matching opts.
func (c *Cache) Filter(ctx context.Context, opts FilterOptions) ([]*models.CachedResponse, error) {
	entries, err := c.responses.Entries(ctx)
	if err != nil {
		return nil, fmt.Errorf("list responses: %w", err)
	}
	cutoff := models.Now().Add(-opts.OlderThan)
	var out []*models.CachedResponse
	for _, e := range entries {
		if e.Err != nil {
			if opts.Invalid {
				out = append(out, &models.CachedResponse{CacheKey: e.Key})
			}
			continue
		}
		if opts.OlderThan > 0 && !e.Response.CreatedAt.Before(cutoff) {
			continue
		}
		expired := e.Response.IsExpired()
		if (opts.Valid && !expired) || (opts.Expired && expired) {
			out = append(out, e.Response)
		}
	}
	return out, nil
}

// ResetExpiration recomputes the expiration of every valid or expired
// response from expireAfter, measured from now.
func (c *Cache) ResetExpiration(ctx context.Context, expireAfter policy.Expiry) error {
	responses, err := c.Filter(ctx, FilterOptions{Valid: true, Expired: true})
	if err != nil {
		return err
	}
	expires := policy.ExpirationTime(expireAfter)
	return storage.BulkCommit(ctx, c.responses.store, func(ctx context.Context) error {
		for _, resp := range responses {
			resp.Expires = expires
			if err := c.responses.Set(ctx, resp.CacheKey, resp); err != nil {
				return fmt.Errorf("reset expiration: %w", err)
			}
		}
		return nil
	})
}

// RecreateKeys re-keys every response with the current key function, for
// use after the key function or its options changed.
func (c *Cache) RecreateKeys(ctx context.Context) error {
	responses, err := c.Filter(ctx, FilterOptions{Valid: true, Expired: true})
	if err != nil {
		return err
	}
	var moved []string
	err = storage.BulkCommit(ctx, c.responses.store, func(ctx context.Context) error {
		for _, resp := range responses {
			req, err := resp.Request.HTTPRequest()
			if err != nil {
				c.logger.Warn().Err(err).Str("key", resp.CacheKey).Msg("Cannot rebuild request, keeping key")
				continue
			}
			newKey := c.keyFn(req)
			if newKey == resp.CacheKey {
				continue
			}
			old := resp.CacheKey
			resp.CacheKey = newKey
			if err := c.responses.Set(ctx, newKey, resp); err != nil {
				return fmt.Errorf("recreate key: %w", err)
			}
			moved = append(moved, old)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(moved) == 0 {
		return nil
	}
	c.logger.Info().Int("count", len(moved)).Msg("Recreated cache keys")
	return c.Delete(ctx, DeleteOptions{Keys: moved})
}

// Len returns the number of stored responses.
func (c *Cache) Len(ctx context.Context) (int, error) {
	return c.responses.store.Len(ctx)
}

// Keys returns the keys of every stored response.
func (c *Cache) Keys(ctx context.Context) ([]string, error) {
	return c.responses.store.Keys(ctx)
}

// Close closes both stores.
func (c *Cache) Close() error {
	return errors.Join(c.responses.store.Close(), c.redirects.Close())
}
