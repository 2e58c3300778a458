// Package memory provides a non-persistent storage backend backed by a map.
// It tracks access order and stored size, so it can be used with the
// size-limited cache as well.
package memory

import (
	"bytes"
	"cmp"
	"context"
	"iter"
	"slices"
	"sync"
	"time"

	"github.com/requests-cache/requests-cache-sub000/pkg/storage"
)

type entry struct {
	value   []byte
	expires time.Time
	access  uint64
}

// Store is an in-memory storage.Store. It is safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry
	clock   uint64
	total   int64
}

var (
	_ storage.LRUIndex       = (*Store)(nil)
	_ storage.ExpiringStore  = (*Store)(nil)
	_ storage.ExpiredDeleter = (*Store)(nil)
)

// New creates an empty store.
func New() *Store {
	return &Store{entries: make(map[string]*entry)}
}

func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return bytes.Clone(e.value), nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	return s.SetWithExpiry(ctx, key, value, time.Time{})
}

func (s *Store) SetWithExpiry(_ context.Context, key string, value []byte, expires time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.entries[key]; ok {
		s.total -= int64(len(old.value))
	}
	s.clock++
	s.entries[key] = &entry{value: bytes.Clone(value), expires: expires, access: s.clock}
	s.total += int64(len(value))
	return nil
}

func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.remove(key) {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) BulkDelete(_ context.Context, keys []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		s.remove(key)
	}
	return nil
}

// remove deletes key and reports whether it existed. Callers hold mu.
func (s *Store) remove(key string) bool {
	e, ok := s.entries[key]
	if !ok {
		return false
	}
	s.total -= int64(len(e.value))
	delete(s.entries, key)
	return true
}

func (s *Store) Keys(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.entries))
	for key := range s.entries {
		keys = append(keys, key)
	}
	return keys, nil
}

func (s *Store) Items(_ context.Context) ([]storage.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := make([]storage.Item, 0, len(s.entries))
	for key, e := range s.entries {
		items = append(items, storage.Item{Key: key, Value: bytes.Clone(e.value)})
	}
	return items, nil
}

func (s *Store) Len(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries), nil
}

func (s *Store) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.entries)
	s.total = 0
	return nil
}

// DeleteExpired removes entries whose expiry is before now.
func (s *Store) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for key, e := range s.entries {
		if !e.expires.IsZero() && e.expires.Before(now) {
			s.remove(key)
			n++
		}
	}
	return n, nil
}

func (s *Store) UpdateAccessTime(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return storage.ErrNotFound
	}
	s.clock++
	e.access = s.clock
	return nil
}

func (s *Store) TotalSize(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.total, nil
}

func (s *Store) GetLRU(ctx context.Context, threshold int64) ([]string, error) {
	if threshold <= 0 {
		return nil, nil
	}
	var (
		keys []string
		sum  int64
	)
	for _, r := range s.snapshot(storage.SortOptions{By: storage.SortByAccessTime}) {
		keys = append(keys, r.key)
		sum += r.size
		if sum >= threshold {
			break
		}
	}
	return keys, nil
}

func (s *Store) Sorted(_ context.Context, opts storage.SortOptions) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for _, r := range s.snapshot(opts) {
			if !yield(r.key, nil) {
				return
			}
		}
	}
}

type row struct {
	key    string
	size   int64
	access uint64
}

func (s *Store) snapshot(opts storage.SortOptions) []row {
	s.mu.RLock()
	rows := make([]row, 0, len(s.entries))
	for key, e := range s.entries {
		rows = append(rows, row{key: key, size: int64(len(e.value)), access: e.access})
	}
	s.mu.RUnlock()

	slices.SortFunc(rows, func(a, b row) int {
		var c int
		switch opts.By {
		case storage.SortBySize:
			c = cmp.Compare(a.size, b.size)
		case storage.SortByKey:
		default:
			c = cmp.Compare(a.access, b.access)
		}
		if c == 0 {
			c = cmp.Compare(a.key, b.key)
		}
		if opts.Reversed {
			c = -c
		}
		return c
	})
	if opts.Limit > 0 && len(rows) > opts.Limit {
		rows = rows[:opts.Limit]
	}
	return rows
}

// Close is a no-op; the contents are kept until the store is garbage collected.
func (s *Store) Close() error {
	return nil
}
