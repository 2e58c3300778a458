package sqlite

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/requests-cache/requests-cache-sub000/internal/storagetest"
	"github.com/requests-cache/requests-cache-sub000/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openDB(t *testing.T, path string) *DB {
	t.Helper()
	db, err := Open(context.Background(), DefaultConfig(path))
	require.NoError(t, err)
	return db
}

func tempPath(t *testing.T) string {
	return filepath.Join(t.TempDir(), "cache.sqlite")
}

func TestStore(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store {
		db := openDB(t, tempPath(t))
		defer db.Close()
		s, err := db.Table(context.Background(), "responses")
		require.NoError(t, err)
		return s
	})
}

func TestStore_Memory(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store {
		db := openDB(t, Memory)
		defer db.Close()
		s, err := db.Table(context.Background(), "responses")
		require.NoError(t, err)
		return s
	})
}

func TestLRUStore(t *testing.T) {
	storagetest.RunLRU(t, func(t *testing.T) storage.LRUIndex {
		db := openDB(t, tempPath(t))
		defer db.Close()
		s, err := db.LRUTable(context.Background(), "responses")
		require.NoError(t, err)
		return s
	})
}

func TestLRUStore_TotalSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := tempPath(t)

	db := openDB(t, path)
	s, err := db.LRUTable(ctx, "responses")
	require.NoError(t, err)
	require.NoError(t, db.Close())
	require.NoError(t, s.Set(ctx, "a", make([]byte, 42)))
	require.NoError(t, s.Close())

	db = openDB(t, path)
	s, err = db.LRUTable(ctx, "responses")
	require.NoError(t, err)
	require.NoError(t, db.Close())
	defer s.Close()

	total, err := s.TotalSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(42), total)
}

func TestLRUStore_SortedReentrant(t *testing.T) {
	ctx := context.Background()
	db := openDB(t, Memory)
	s, err := db.LRUTable(ctx, "responses")
	require.NoError(t, err)
	require.NoError(t, db.Close())
	defer s.Close()

	for i, key := range []string{"a", "b", "c"} {
		require.NoError(t, s.Set(ctx, key, make([]byte, i+1)))
	}

	done := make(chan []string)
	go func() {
		var seen []string
		for key, err := range s.Sorted(ctx, storage.SortOptions{By: storage.SortByKey}) {
			if !assert.NoError(t, err) {
				break
			}
			seen = append(seen, key)
			_, err := s.Get(ctx, key)
			assert.NoError(t, err)
			assert.NoError(t, s.Delete(ctx, key))
		}
		done <- seen
	}()

	select {
	case seen := <-done:
		assert.Equal(t, []string{"a", "b", "c"}, seen)
	case <-time.After(5 * time.Second):
		t.Fatal("store calls inside Sorted did not return")
	}

	total, err := s.TotalSize(ctx)
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestLRUStore_BulkCommitRollsBackIndex(t *testing.T) {
	ctx := context.Background()
	db := openDB(t, tempPath(t))
	s, err := db.LRUTable(ctx, "responses")
	require.NoError(t, err)
	require.NoError(t, db.Close())
	defer s.Close()

	require.NoError(t, s.Set(ctx, "a", make([]byte, 10)))

	err = s.BulkCommit(ctx, func(ctx context.Context) error {
		if err := s.Set(ctx, "b", make([]byte, 100)); err != nil {
			return err
		}
		return fmt.Errorf("abort")
	})
	require.Error(t, err)

	total, err := s.TotalSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(10), total)
}

func TestDB_SharedTables(t *testing.T) {
	ctx := context.Background()
	db := openDB(t, tempPath(t))

	responses, err := db.Table(ctx, "responses")
	require.NoError(t, err)
	redirects, err := db.Table(ctx, "redirects")
	require.NoError(t, err)
	require.NoError(t, db.Close())

	require.NoError(t, responses.Set(ctx, "k", []byte("response")))
	require.NoError(t, redirects.Set(ctx, "alias", []byte("k")))

	// One BulkCommit covers both tables.
	err = responses.BulkCommit(ctx, func(ctx context.Context) error {
		if err := responses.Delete(ctx, "k"); err != nil {
			return err
		}
		return redirects.Delete(ctx, "alias")
	})
	require.NoError(t, err)

	n, err := redirects.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	// The pool stays open until the last table is closed.
	require.NoError(t, responses.Close())
	_, err = redirects.Len(ctx)
	require.NoError(t, err)
	require.NoError(t, redirects.Close())
}

func TestDB_InvalidTableName(t *testing.T) {
	db := openDB(t, Memory)
	defer db.Close()

	_, err := db.Table(context.Background(), "responses; DROP TABLE x")
	assert.Error(t, err)
}

func TestStore_ConcurrentWrites(t *testing.T) {
	ctx := context.Background()
	db := openDB(t, tempPath(t))
	s, err := db.LRUTable(ctx, "responses")
	require.NoError(t, err)
	require.NoError(t, db.Close())
	defer s.Close()

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				key := fmt.Sprintf("w%d-%d", w, i)
				assert.NoError(t, s.Set(ctx, key, make([]byte, 4)))
			}
		}(w)
	}
	wg.Wait()

	n, err := s.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 200, n)

	total, err := s.TotalSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(800), total)
}

func TestStore_ExpiresColumn(t *testing.T) {
	ctx := context.Background()
	db := openDB(t, Memory)
	s, err := db.Table(ctx, "responses")
	require.NoError(t, err)
	require.NoError(t, db.Close())
	defer s.Close()

	expires := time.Now().Add(time.Minute)
	require.NoError(t, s.SetWithExpiry(ctx, "k", []byte("v"), expires))

	var got int64
	require.NoError(t, db.sql.QueryRowContext(ctx, `SELECT expires FROM responses WHERE key = 'k'`).Scan(&got))
	assert.Equal(t, expires.UnixMilli(), got)
}
