// Package filesystem stores each value in its own file under a directory.
// Writes go to a uniquely named temporary file that is renamed into place,
// so readers never observe a partial value.
package filesystem

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/requests-cache/requests-cache-sub000/pkg/storage"
)

const tmpPrefix = ".tmp-"

// Store is a directory of files, one per key.
type Store struct {
	dir string
	ext string
	mu  sync.RWMutex
}

var _ storage.Store = (*Store)(nil)

// New creates dir if needed and returns a store rooted at it. Files are named
// after the escaped key plus ext (for example ".json"), so the serializer
// format is visible on disk.
func New(dir, ext string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return &Store{dir: dir, ext: ext}, nil
}

// Dir returns the cache directory.
func (s *Store) Dir() string { return s.dir }

// Path returns the file that holds key.
func (s *Store) Path(key string) string {
	return filepath.Join(s.dir, encodeKey(key)+s.ext)
}

func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, err := os.ReadFile(s.Path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}

func (s *Store) Set(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tmp := filepath.Join(s.dir, tmpPrefix+uuid.NewString())
	if err := os.WriteFile(tmp, value, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	if err := os.Rename(tmp, s.Path(key)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", key, err)
	}
	return nil
}

func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remove(key)
}

func (s *Store) remove(key string) error {
	err := os.Remove(s.Path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return storage.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (s *Store) BulkDelete(_ context.Context, keys []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		if err := s.remove(key); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
	}
	return nil
}

func (s *Store) Keys(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.keys()
}

func (s *Store) keys() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", s.dir, err)
	}
	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, tmpPrefix) || !strings.HasSuffix(name, s.ext) {
			continue
		}
		key, err := decodeKey(strings.TrimSuffix(name, s.ext))
		if err != nil {
			continue
		}
		keys = append(keys, key)
	}
	return keys, nil
}

func (s *Store) Items(ctx context.Context) ([]storage.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys, err := s.keys()
	if err != nil {
		return nil, err
	}
	items := make([]storage.Item, 0, len(keys))
	for _, key := range keys {
		data, err := os.ReadFile(s.Path(key))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", key, err)
		}
		items = append(items, storage.Item{Key: key, Value: data})
	}
	return items, nil
}

func (s *Store) Len(ctx context.Context) (int, error) {
	keys, err := s.Keys(ctx)
	return len(keys), err
}

// Clear removes every cached file, leaving the directory in place.
func (s *Store) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys, err := s.keys()
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := s.remove(key); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
	}
	return nil
}

// Size returns the total size of the cached files in bytes.
func (s *Store) Size(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys, err := s.keys()
	if err != nil {
		return 0, err
	}
	var total int64
	for _, key := range keys {
		info, err := os.Stat(s.Path(key))
		if err != nil {
			continue
		}
		total += info.Size()
	}
	return total, nil
}

func (s *Store) Close() error {
	return nil
}

// encodeKey maps a key to a file name. Path separators are escaped and a
// leading dot is escaped so keys can't collide with temporary or hidden files.
func encodeKey(key string) string {
	name := url.PathEscape(key)
	if strings.HasPrefix(name, ".") {
		name = "%2E" + name[1:]
	}
	return name
}

func decodeKey(name string) (string, error) {
	return url.PathUnescape(name)
}
