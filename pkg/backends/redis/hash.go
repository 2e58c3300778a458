package redis

import (
	"context"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
	"github.com/requests-cache/requests-cache-sub000/pkg/storage"
)

// HashStore keeps every value of a collection in one Redis hash. Values
// have no TTL; it is meant for small collections such as redirects.
type HashStore struct {
	client *Client
	name   string
}

var _ storage.Store = (*HashStore)(nil)

// Hash returns a store for collection backed by a single hash.
func (c *Client) Hash(collection string) *HashStore {
	c.acquire()
	return &HashStore{client: c, name: c.namespace + ":" + collection}
}

func (h *HashStore) rdb() goredis.UniversalClient { return h.client.rdb }

func (h *HashStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := h.rdb().HGet(ctx, h.name, key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis hget: %w", err)
	}
	return data, nil
}

func (h *HashStore) Set(ctx context.Context, key string, value []byte) error {
	if err := h.rdb().HSet(ctx, h.name, key, value).Err(); err != nil {
		return fmt.Errorf("redis hset: %w", err)
	}
	return nil
}

func (h *HashStore) Delete(ctx context.Context, key string) error {
	n, err := h.rdb().HDel(ctx, h.name, key).Result()
	if err != nil {
		return fmt.Errorf("redis hdel: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (h *HashStore) BulkDelete(ctx context.Context, keys []string) error {
	for start := 0; start < len(keys); start += batchSize {
		if err := h.rdb().HDel(ctx, h.name, keys[start:min(start+batchSize, len(keys))]...).Err(); err != nil {
			return fmt.Errorf("redis hdel: %w", err)
		}
	}
	return nil
}

func (h *HashStore) Keys(ctx context.Context) ([]string, error) {
	keys, err := h.rdb().HKeys(ctx, h.name).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hkeys: %w", err)
	}
	return keys, nil
}

func (h *HashStore) Items(ctx context.Context) ([]storage.Item, error) {
	all, err := h.rdb().HGetAll(ctx, h.name).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall: %w", err)
	}
	items := make([]storage.Item, 0, len(all))
	for k, v := range all {
		items = append(items, storage.Item{Key: k, Value: []byte(v)})
	}
	return items, nil
}

func (h *HashStore) Len(ctx context.Context) (int, error) {
	n, err := h.rdb().HLen(ctx, h.name).Result()
	if err != nil {
		return 0, fmt.Errorf("redis hlen: %w", err)
	}
	return int(n), nil
}

func (h *HashStore) Clear(ctx context.Context) error {
	if err := h.rdb().Del(ctx, h.name).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

func (h *HashStore) Close() error {
	return h.client.Close()
}
