package cache

import (
	"context"
	"errors"
	"fmt"

	"github.com/requests-cache/requests-cache-sub000/pkg/models"
	"github.com/requests-cache/requests-cache-sub000/pkg/serializer"
	"github.com/requests-cache/requests-cache-sub000/pkg/storage"
)

// ErrInvalidEntry indicates a stored value could not be deserialized.
var ErrInvalidEntry = errors.New("invalid cache entry")

// ResponseStore stores cached responses in a byte store, encoding them with
// a serializer. Values are written with the response expiration so stores
// with server-side expiry can act on it.
type ResponseStore struct {
	store      storage.Store
	serializer serializer.Serializer
}

// NewResponseStore wraps store with ser.
func NewResponseStore(store storage.Store, ser serializer.Serializer) *ResponseStore {
	return &ResponseStore{store: store, serializer: ser}
}

// Store returns the underlying byte store.
func (s *ResponseStore) Store() storage.Store { return s.store }

// Serializer returns the serializer used for values.
func (s *ResponseStore) Serializer() serializer.Serializer { return s.serializer }

// Get returns the response stored under key. A value that fails to
// deserialize yields an error wrapping ErrInvalidEntry.
func (s *ResponseStore) Get(ctx context.Context, key string) (*models.CachedResponse, error) {
	data, err := s.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	return s.decode(key, data)
}

// Set encodes resp and stores it under key.
func (s *ResponseStore) Set(ctx context.Context, key string, resp *models.CachedResponse) error {
	data, err := s.serializer.Dumps(resp)
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	return storage.SetWithExpiry(ctx, s.store, key, data, resp.Expires)
}

// Entry is a decoded store item. Err is set, wrapping ErrInvalidEntry, when
// the value could not be deserialized.
type Entry struct {
	Key      string
	Response *models.CachedResponse
	Err      error
}

// Entries decodes every stored response.
func (s *ResponseStore) Entries(ctx context.Context) ([]Entry, error) {
	items, err := s.store.Items(ctx)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(items))
	for _, item := range items {
		resp, err := s.decode(item.Key, item.Value)
		entries = append(entries, Entry{Key: item.Key, Response: resp, Err: err})
	}
	return entries, nil
}

func (s *ResponseStore) decode(key string, data []byte) (*models.CachedResponse, error) {
	resp, err := s.serializer.Loads(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidEntry, key, err)
	}
	resp.CacheKey = key
	return resp, nil
}
