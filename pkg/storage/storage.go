// Package storage defines the key-value contract that every cache backend
// implements, plus the optional capabilities a backend may add on top of it
// (bulk commits, server-side expiration, LRU size tracking).
//
// Values are opaque bytes. Serialization of cached responses happens one
// layer up, in package cache; stores never look inside the values.
package storage

import (
	"context"
	"errors"
	"iter"
	"time"
)

// ErrNotFound is returned by Get, Delete and UpdateAccessTime when the key is absent.
// Every backend maps its driver-specific "no rows" condition to this error.
var ErrNotFound = errors.New("key not found")

// Item is a single key-value pair.
type Item struct {
	Key   string
	Value []byte
}

// Store is a persistent mapping of string keys to byte values.
//
// Single-key operations are atomic per backend. Delete of a missing key
// returns ErrNotFound; BulkDelete never fails for missing keys.
type Store interface {
	// Get returns the value stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key, replacing any existing value.
	Set(ctx context.Context, key string, value []byte) error

	// Delete removes key, or returns ErrNotFound.
	Delete(ctx context.Context, key string) error

	// BulkDelete removes every key that exists; missing keys are ignored.
	BulkDelete(ctx context.Context, keys []string) error

	// Keys returns all keys in the store.
	Keys(ctx context.Context) ([]string, error)

	// Items returns all key-value pairs in the store.
	Items(ctx context.Context) ([]Item, error)

	// Len returns the number of keys in the store.
	Len(ctx context.Context) (int, error)

	// Clear removes every key.
	Clear(ctx context.Context) error

	// Close releases any resources owned by the store.
	Close() error
}

// BulkCommitter is implemented by stores that can defer commits until the end
// of a scope. Every store call made with the context passed to fn joins the
// same transaction. If fn returns an error the scope is rolled back.
//
// A crash inside the scope may lose the writes made so far.
type BulkCommitter interface {
	BulkCommit(ctx context.Context, fn func(ctx context.Context) error) error
}

// ExpiringStore is implemented by stores that can expire values on their own,
// either through a server-side TTL or an indexed expiry column.
// A zero expires means the value never expires.
type ExpiringStore interface {
	SetWithExpiry(ctx context.Context, key string, value []byte, expires time.Time) error
}

// ExpiredDeleter is implemented by stores that can remove values whose expiry
// (as given to SetWithExpiry) is before now, without reading the values.
type ExpiredDeleter interface {
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

// SortField names the column used by LRUIndex.Sorted.
type SortField string

const (
	// SortByAccessTime orders keys by last access, oldest first.
	SortByAccessTime SortField = "access_time"

	// SortBySize orders keys by stored size, smallest first.
	SortBySize SortField = "size"

	// SortByKey orders keys lexically.
	SortByKey SortField = "key"
)

// SortOptions controls LRUIndex.Sorted.
type SortOptions struct {
	By       SortField
	Reversed bool
	// Limit caps the number of keys yielded; 0 means no limit.
	Limit int
}

// LRUIndex is implemented by stores that track access recency and stored size
// per key, plus an aggregate total. Every insert adds its size to the total,
// every delete subtracts it and every update adds the delta, in the same
// transaction as the row change.
type LRUIndex interface {
	Store

	// GetLRU returns the least recently accessed keys, oldest first, forming
	// the shortest prefix whose sizes sum to at least threshold.
	GetLRU(ctx context.Context, threshold int64) ([]string, error)

	// UpdateAccessTime marks key as accessed now, or returns ErrNotFound.
	UpdateAccessTime(ctx context.Context, key string) error

	// TotalSize returns the maintained sum of all stored sizes.
	TotalSize(ctx context.Context) (int64, error)

	// Sorted yields keys in the requested order. The sequence is lazy and can
	// be ranged over more than once.
	Sorted(ctx context.Context, opts SortOptions) iter.Seq2[string, error]
}

// Values returns all values in the store.
func Values(ctx context.Context, s Store) ([][]byte, error) {
	items, err := s.Items(ctx)
	if err != nil {
		return nil, err
	}
	values := make([][]byte, 0, len(items))
	for _, item := range items {
		values = append(values, item.Value)
	}
	return values, nil
}

// Contains reports whether key exists in the store.
func Contains(ctx context.Context, s Store, key string) (bool, error) {
	_, err := s.Get(ctx, key)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

// SetWithExpiry stores value with an expiry when the store supports it, and
// falls back to a plain Set otherwise.
func SetWithExpiry(ctx context.Context, s Store, key string, value []byte, expires time.Time) error {
	if es, ok := s.(ExpiringStore); ok {
		return es.SetWithExpiry(ctx, key, value, expires)
	}
	return s.Set(ctx, key, value)
}

// BulkCommit runs fn inside a deferred-commit scope when the store supports
// one, and calls fn directly otherwise.
func BulkCommit(ctx context.Context, s Store, fn func(ctx context.Context) error) error {
	if bc, ok := s.(BulkCommitter); ok {
		return bc.BulkCommit(ctx, fn)
	}
	return fn(ctx)
}
