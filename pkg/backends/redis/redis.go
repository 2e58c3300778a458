// Package redis provides storage backends on a Redis server.
//
// Responses are stored as one string per key, named
// "<namespace>:<collection>:<key>", with a server-side TTL derived from the
// response expiration. Redirects are stored as fields of a single hash named
// "<namespace>:<collection>". Both share one client.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/requests-cache/requests-cache-sub000/pkg/logging"
	"github.com/requests-cache/requests-cache-sub000/pkg/storage"
	"github.com/rs/zerolog"
)

// DefaultTTLOffset keeps expired responses on the server for an extra hour,
// so they can still be revalidated or served as stale.
const DefaultTTLOffset = time.Hour

// batchSize bounds the number of keys sent in a single command.
const batchSize = 500

// Config holds connection settings.
type Config struct {
	// URL is a redis:// or rediss:// connection URL. It takes precedence over Addr.
	URL string

	// Addr is the server address (default: localhost:6379).
	Addr string

	// Namespace prefixes every key (default: http_cache).
	Namespace string

	// TTLOffset is added to every response TTL.
	TTLOffset time.Duration
}

// Client is a Redis connection shared by the stores opened from it.
type Client struct {
	rdb       goredis.UniversalClient
	namespace string
	ttlOffset time.Duration
	logger    zerolog.Logger

	mu   sync.Mutex
	refs int
}

// Connect creates a client and checks that the server is reachable.
func Connect(ctx context.Context, cfg Config) (*Client, error) {
	var opts *goredis.Options
	if cfg.URL != "" {
		parsed, err := goredis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts = parsed
	} else {
		addr := cfg.Addr
		if addr == "" {
			addr = "localhost:6379"
		}
		opts = &goredis.Options{Addr: addr}
	}

	rdb := goredis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewClient(rdb, cfg.Namespace, cfg.TTLOffset), nil
}

// NewClient wraps an existing client. The wrapper takes ownership of rdb.
func NewClient(rdb goredis.UniversalClient, namespace string, ttlOffset time.Duration) *Client {
	if namespace == "" {
		namespace = "http_cache"
	}
	if ttlOffset == 0 {
		ttlOffset = DefaultTTLOffset
	}
	return &Client{
		rdb:       rdb,
		namespace: namespace,
		ttlOffset: ttlOffset,
		logger:    logging.NewLogger("redis").With().Str("namespace", namespace).Logger(),
		refs:      1,
	}
}

// Close drops the caller's reference; the connection is closed with the last one.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refs--
	if c.refs > 0 {
		return nil
	}
	return c.rdb.Close()
}

func (c *Client) acquire() {
	c.mu.Lock()
	c.refs++
	c.mu.Unlock()
}

// Store keeps each value in its own Redis string.
type Store struct {
	client *Client
	prefix string
}

var (
	_ storage.Store         = (*Store)(nil)
	_ storage.ExpiringStore = (*Store)(nil)
)

// Strings returns a store for collection that keeps one string per key.
func (c *Client) Strings(collection string) *Store {
	c.acquire()
	return &Store{client: c, prefix: c.namespace + ":" + collection + ":"}
}

func (s *Store) rdb() goredis.UniversalClient { return s.client.rdb }

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.rdb().Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return data, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	return s.SetWithExpiry(ctx, key, value, time.Time{})
}

// SetWithExpiry stores value with a TTL of expires plus the client's TTL
// offset. A value whose TTL has already run out is removed instead.
func (s *Store) SetWithExpiry(ctx context.Context, key string, value []byte, expires time.Time) error {
	var ttl time.Duration
	if !expires.IsZero() {
		ttl = time.Until(expires) + s.client.ttlOffset
		if ttl <= 0 {
			s.client.logger.Debug().Str("key", key).Msg("TTL already elapsed, not storing")
			return s.rdb().Del(ctx, s.prefix+key).Err()
		}
	}
	if err := s.rdb().Set(ctx, s.prefix+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	n, err := s.rdb().Del(ctx, s.prefix+key).Result()
	if err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) BulkDelete(ctx context.Context, keys []string) error {
	for start := 0; start < len(keys); start += batchSize {
		end := min(start+batchSize, len(keys))
		full := make([]string, 0, end-start)
		for _, k := range keys[start:end] {
			full = append(full, s.prefix+k)
		}
		if err := s.rdb().Del(ctx, full...).Err(); err != nil {
			return fmt.Errorf("redis del: %w", err)
		}
	}
	return nil
}

// scan returns the full names of every key in the collection.
func (s *Store) scan(ctx context.Context) ([]string, error) {
	var names []string
	iter := s.rdb().Scan(ctx, 0, escapePattern(s.prefix)+"*", batchSize).Iterator()
	for iter.Next(ctx) {
		names = append(names, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan: %w", err)
	}
	return names, nil
}

func (s *Store) Keys(ctx context.Context) ([]string, error) {
	names, err := s.scan(ctx)
	if err != nil {
		return nil, err
	}
	keys := make([]string, len(names))
	for i, name := range names {
		keys[i] = strings.TrimPrefix(name, s.prefix)
	}
	return keys, nil
}

func (s *Store) Items(ctx context.Context) ([]storage.Item, error) {
	names, err := s.scan(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]storage.Item, 0, len(names))
	for start := 0; start < len(names); start += batchSize {
		batch := names[start:min(start+batchSize, len(names))]
		values, err := s.rdb().MGet(ctx, batch...).Result()
		if err != nil {
			return nil, fmt.Errorf("redis mget: %w", err)
		}
		for i, v := range values {
			str, ok := v.(string)
			if !ok {
				// Expired between SCAN and MGET
				continue
			}
			items = append(items, storage.Item{Key: strings.TrimPrefix(batch[i], s.prefix), Value: []byte(str)})
		}
	}
	return items, nil
}

func (s *Store) Len(ctx context.Context) (int, error) {
	names, err := s.scan(ctx)
	return len(names), err
}

func (s *Store) Clear(ctx context.Context) error {
	names, err := s.scan(ctx)
	if err != nil {
		return err
	}
	for start := 0; start < len(names); start += batchSize {
		if err := s.rdb().Del(ctx, names[start:min(start+batchSize, len(names))]...).Err(); err != nil {
			return fmt.Errorf("redis del: %w", err)
		}
	}
	return nil
}

// TTL returns the remaining server-side TTL of key; 0 means none.
func (s *Store) TTL(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := s.rdb().TTL(ctx, s.prefix+key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis ttl: %w", err)
	}
	if ttl == -2 {
		return 0, storage.ErrNotFound
	}
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

// escapePattern escapes glob characters in a SCAN MATCH prefix.
func escapePattern(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
