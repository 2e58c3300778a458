// Package storagetest is a contract test suite shared by every storage backend.
package storagetest

import (
	"context"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/requests-cache/requests-cache-sub000/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns an empty store. The suite closes it when the test ends.
type Factory func(t *testing.T) storage.Store

// Run exercises the storage.Store contract, plus every optional capability
// the store implements.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	open := func(t *testing.T) storage.Store {
		s := newStore(t)
		t.Cleanup(func() { _ = s.Close() })
		return s
	}

	t.Run("GetMissing", func(t *testing.T) {
		s := open(t)
		_, err := s.Get(context.Background(), "missing")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("SetGet", func(t *testing.T) {
		ctx := context.Background()
		s := open(t)

		require.NoError(t, s.Set(ctx, "a", []byte("1")))
		got, err := s.Get(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, []byte("1"), got)

		require.NoError(t, s.Set(ctx, "a", []byte("2")))
		got, err = s.Get(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, []byte("2"), got)

		n, err := s.Len(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("BinaryValue", func(t *testing.T) {
		ctx := context.Background()
		s := open(t)

		value := make([]byte, 256)
		for i := range value {
			value[i] = byte(i)
		}
		require.NoError(t, s.Set(ctx, "bin", value))
		got, err := s.Get(ctx, "bin")
		require.NoError(t, err)
		assert.Equal(t, value, got)
	})

	t.Run("Delete", func(t *testing.T) {
		ctx := context.Background()
		s := open(t)

		require.NoError(t, s.Set(ctx, "a", []byte("1")))
		require.NoError(t, s.Delete(ctx, "a"))

		_, err := s.Get(ctx, "a")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		assert.ErrorIs(t, s.Delete(ctx, "a"), storage.ErrNotFound)
	})

	t.Run("BulkDelete", func(t *testing.T) {
		ctx := context.Background()
		s := open(t)
		fill(t, s, 60)

		keys := []string{"missing"}
		for i := 0; i < 50; i++ {
			keys = append(keys, key(i))
		}
		require.NoError(t, s.BulkDelete(ctx, keys))
		require.NoError(t, s.BulkDelete(ctx, nil))

		got, err := s.Keys(ctx)
		require.NoError(t, err)
		sort.Strings(got)
		want := make([]string, 0, 10)
		for i := 50; i < 60; i++ {
			want = append(want, key(i))
		}
		assert.Equal(t, want, got)
	})

	t.Run("KeysItemsValues", func(t *testing.T) {
		ctx := context.Background()
		s := open(t)
		fill(t, s, 5)

		keys, err := s.Keys(ctx)
		require.NoError(t, err)
		assert.Len(t, keys, 5)

		items, err := s.Items(ctx)
		require.NoError(t, err)
		require.Len(t, items, 5)
		for _, item := range items {
			assert.Equal(t, "value-"+item.Key, string(item.Value))
		}

		values, err := storage.Values(ctx, s)
		require.NoError(t, err)
		assert.Len(t, values, 5)
	})

	t.Run("Contains", func(t *testing.T) {
		ctx := context.Background()
		s := open(t)
		require.NoError(t, s.Set(ctx, "a", []byte("1")))

		ok, err := storage.Contains(ctx, s, "a")
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = storage.Contains(ctx, s, "b")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("Clear", func(t *testing.T) {
		ctx := context.Background()
		s := open(t)
		fill(t, s, 10)

		require.NoError(t, s.Clear(ctx))
		n, err := s.Len(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)

		// Still usable after a clear
		require.NoError(t, s.Set(ctx, "a", []byte("1")))
		n, err = s.Len(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("BulkCommit", func(t *testing.T) {
		ctx := context.Background()
		s := open(t)

		err := storage.BulkCommit(ctx, s, func(ctx context.Context) error {
			for i := 0; i < 20; i++ {
				if err := s.Set(ctx, key(i), []byte("v")); err != nil {
					return err
				}
			}
			return nil
		})
		require.NoError(t, err)

		n, err := s.Len(ctx)
		require.NoError(t, err)
		assert.Equal(t, 20, n)
	})

	if sample := newStore(t); sample != nil {
		_, committer := sample.(storage.BulkCommitter)
		_, expiring := sample.(storage.ExpiringStore)
		_, deleter := sample.(storage.ExpiredDeleter)
		_ = sample.Close()

		if committer {
			t.Run("BulkCommitRollback", func(t *testing.T) {
				ctx := context.Background()
				s := open(t)
				require.NoError(t, s.Set(ctx, "kept", []byte("1")))

				boom := fmt.Errorf("boom")
				err := storage.BulkCommit(ctx, s, func(ctx context.Context) error {
					if err := s.Set(ctx, "discarded", []byte("1")); err != nil {
						return err
					}
					if err := s.Delete(ctx, "kept"); err != nil {
						return err
					}
					return boom
				})
				assert.ErrorIs(t, err, boom)

				ok, err := storage.Contains(ctx, s, "discarded")
				require.NoError(t, err)
				assert.False(t, ok, "write inside a failed scope must be rolled back")

				ok, err = storage.Contains(ctx, s, "kept")
				require.NoError(t, err)
				assert.True(t, ok, "delete inside a failed scope must be rolled back")
			})
		}

		if expiring {
			t.Run("SetWithExpiry", func(t *testing.T) {
				ctx := context.Background()
				s := open(t)

				require.NoError(t, storage.SetWithExpiry(ctx, s, "never", []byte("1"), time.Time{}))
				require.NoError(t, storage.SetWithExpiry(ctx, s, "later", []byte("2"), time.Now().Add(time.Hour)))

				got, err := s.Get(ctx, "later")
				require.NoError(t, err)
				assert.Equal(t, []byte("2"), got)

				got, err = s.Get(ctx, "never")
				require.NoError(t, err)
				assert.Equal(t, []byte("1"), got)
			})
		}

		if expiring && deleter {
			t.Run("DeleteExpired", func(t *testing.T) {
				ctx := context.Background()
				s := open(t)
				es := s.(storage.ExpiringStore)

				require.NoError(t, es.SetWithExpiry(ctx, "never", []byte("1"), time.Time{}))
				require.NoError(t, es.SetWithExpiry(ctx, "fresh", []byte("2"), time.Now().Add(3*time.Hour)))
				require.NoError(t, es.SetWithExpiry(ctx, "stale", []byte("3"), time.Now().Add(30*time.Minute)))

				n, err := s.(storage.ExpiredDeleter).DeleteExpired(ctx, time.Now().Add(2*time.Hour))
				require.NoError(t, err)
				assert.Equal(t, 1, n)

				keys, err := s.Keys(ctx)
				require.NoError(t, err)
				sort.Strings(keys)
				assert.Equal(t, []string{"fresh", "never"}, keys)
			})
		}
	}
}

// RunLRU exercises the storage.LRUIndex contract.
func RunLRU(t *testing.T, newStore func(t *testing.T) storage.LRUIndex) {
	t.Helper()

	open := func(t *testing.T) storage.LRUIndex {
		s := newStore(t)
		t.Cleanup(func() { _ = s.Close() })
		return s
	}

	t.Run("Store", func(t *testing.T) {
		Run(t, func(t *testing.T) storage.Store { return newStore(t) })
	})

	t.Run("TotalSize", func(t *testing.T) {
		ctx := context.Background()
		s := open(t)

		require.NoError(t, s.Set(ctx, "a", make([]byte, 10)))
		require.NoError(t, s.Set(ctx, "b", make([]byte, 20)))
		requireTotal(t, s, 30)

		// Update adds the delta
		require.NoError(t, s.Set(ctx, "a", make([]byte, 15)))
		requireTotal(t, s, 35)

		require.NoError(t, s.Delete(ctx, "b"))
		requireTotal(t, s, 15)

		require.NoError(t, s.Set(ctx, "c", make([]byte, 5)))
		require.NoError(t, s.BulkDelete(ctx, []string{"a", "missing"}))
		requireTotal(t, s, 5)

		require.NoError(t, s.Clear(ctx))
		requireTotal(t, s, 0)
	})

	t.Run("TotalSizeMatchesSum", func(t *testing.T) {
		ctx := context.Background()
		s := open(t)

		for i := 0; i < 30; i++ {
			require.NoError(t, s.Set(ctx, key(i%7), make([]byte, i+1)))
		}
		require.NoError(t, s.Delete(ctx, key(3)))

		items, err := s.Items(ctx)
		require.NoError(t, err)
		var sum int64
		for _, item := range items {
			sum += int64(len(item.Value))
		}
		requireTotal(t, s, sum)
	})

	t.Run("GetLRU", func(t *testing.T) {
		ctx := context.Background()
		s := open(t)

		for i, size := range []int{10, 20, 30, 40} {
			require.NoError(t, s.Set(ctx, key(i), make([]byte, size)))
			tick()
		}
		// key-0 becomes the most recently used
		require.NoError(t, s.UpdateAccessTime(ctx, key(0)))

		got, err := s.GetLRU(ctx, 25)
		require.NoError(t, err)
		assert.Equal(t, []string{key(1), key(2)}, got)

		got, err = s.GetLRU(ctx, 20)
		require.NoError(t, err)
		assert.Equal(t, []string{key(1)}, got)

		got, err = s.GetLRU(ctx, 0)
		require.NoError(t, err)
		assert.Empty(t, got)

		got, err = s.GetLRU(ctx, 1000)
		require.NoError(t, err)
		assert.Equal(t, []string{key(1), key(2), key(3), key(0)}, got)
	})

	t.Run("UpdateAccessTimeMissing", func(t *testing.T) {
		s := open(t)
		assert.ErrorIs(t, s.UpdateAccessTime(context.Background(), "missing"), storage.ErrNotFound)
	})

	t.Run("Sorted", func(t *testing.T) {
		ctx := context.Background()
		s := open(t)

		sizes := map[string]int{"b": 30, "c": 10, "a": 20}
		for _, k := range []string{"b", "c", "a"} {
			require.NoError(t, s.Set(ctx, k, make([]byte, sizes[k])))
			tick()
		}

		tests := []struct {
			name string
			opts storage.SortOptions
			want []string
		}{
			{"by access time", storage.SortOptions{By: storage.SortByAccessTime}, []string{"b", "c", "a"}},
			{"by size", storage.SortOptions{By: storage.SortBySize}, []string{"c", "a", "b"}},
			{"by key", storage.SortOptions{By: storage.SortByKey}, []string{"a", "b", "c"}},
			{"by key reversed", storage.SortOptions{By: storage.SortByKey, Reversed: true}, []string{"c", "b", "a"}},
			{"limit", storage.SortOptions{By: storage.SortBySize, Limit: 2}, []string{"c", "a"}},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				seq := s.Sorted(ctx, tt.opts)
				// The sequence is restartable
				for range 2 {
					var got []string
					for k, err := range seq {
						require.NoError(t, err)
						got = append(got, k)
					}
					assert.Equal(t, tt.want, got)
				}
			})
		}

		// Stopping early is allowed
		for k, err := range s.Sorted(ctx, storage.SortOptions{By: storage.SortByKey}) {
			require.NoError(t, err)
			assert.Equal(t, "a", k)
			break
		}
	})
}

func requireTotal(t *testing.T, s storage.LRUIndex, want int64) {
	t.Helper()
	got, err := s.TotalSize(context.Background())
	require.NoError(t, err)
	require.Equal(t, want, got, "total size")
}

func fill(t *testing.T, s storage.Store, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		require.NoError(t, s.Set(ctx, key(i), []byte("value-"+key(i))))
	}
}

func key(i int) string { return fmt.Sprintf("key-%03d", i) }

// tick separates access times on backends with millisecond resolution.
func tick() { time.Sleep(5 * time.Millisecond) }
