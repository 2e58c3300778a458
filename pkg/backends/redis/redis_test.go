package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/requests-cache/requests-cache-sub000/internal/storagetest"
	"github.com/requests-cache/requests-cache-sub000/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testAddr returns the Redis server used by the unit tests.
func testAddr() string {
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		return addr
	}
	return "localhost:6379"
}

// connect creates a client in a fresh namespace, or skips the test when no
// server is reachable.
func connect(t *testing.T, addr string) *Client {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	c, err := Connect(ctx, Config{Addr: addr, Namespace: "test-" + uuid.NewString(), TTLOffset: time.Minute})
	if err != nil {
		t.Skipf("Redis not available for testing: %v", err)
	}

	// Hold a reference so the namespace can be purged after the stores close.
	c.acquire()
	t.Cleanup(func() {
		ctx := context.Background()
		iter := c.rdb.Scan(ctx, 0, escapePattern(c.namespace)+"*", batchSize).Iterator()
		for iter.Next(ctx) {
			c.rdb.Del(ctx, iter.Val())
		}
		c.Close()
	})
	return c
}

func runStoreTests(t *testing.T, addr string) {
	t.Run("Strings", func(t *testing.T) {
		storagetest.Run(t, func(t *testing.T) storage.Store {
			c := connect(t, addr)
			defer c.Close()
			return c.Strings("responses")
		})
	})

	t.Run("Hash", func(t *testing.T) {
		storagetest.Run(t, func(t *testing.T) storage.Store {
			c := connect(t, addr)
			defer c.Close()
			return c.Hash("redirects")
		})
	})
}

func TestStore(t *testing.T) {
	runStoreTests(t, testAddr())
}

func TestStore_TTL(t *testing.T) {
	ctx := context.Background()
	c := connect(t, testAddr())
	s := c.Strings("responses")
	defer s.Close()
	defer c.Close()

	require.NoError(t, s.SetWithExpiry(ctx, "fresh", []byte("v"), time.Now().Add(time.Hour)))
	ttl, err := s.TTL(ctx, "fresh")
	require.NoError(t, err)
	// One hour plus the one-minute offset
	assert.InDelta(t, (time.Hour + time.Minute).Seconds(), ttl.Seconds(), 5)

	require.NoError(t, s.Set(ctx, "forever", []byte("v")))
	ttl, err = s.TTL(ctx, "forever")
	require.NoError(t, err)
	assert.Zero(t, ttl)

	// Past the offset already: not stored at all
	require.NoError(t, s.SetWithExpiry(ctx, "gone", []byte("v"), time.Now().Add(-time.Hour)))
	_, err = s.Get(ctx, "gone")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = s.TTL(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStore_NamespaceIsolation(t *testing.T) {
	ctx := context.Background()
	a := connect(t, testAddr())
	b := connect(t, testAddr())
	sa, sb := a.Strings("responses"), b.Strings("responses")
	defer sa.Close()
	defer sb.Close()
	defer a.Close()
	defer b.Close()

	require.NoError(t, sa.Set(ctx, "k", []byte("a")))

	n, err := sb.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, sb.Clear(ctx))
	_, err = sa.Get(ctx, "k")
	assert.NoError(t, err)
}

func TestEscapePattern(t *testing.T) {
	assert.Equal(t, `ns\*:a\?:`, escapePattern("ns*:a?:"))
	assert.Equal(t, `ns:\[x\]:`, escapePattern("ns:[x]:"))
}

func TestNewClient_Defaults(t *testing.T) {
	rdb := goredis.NewClient(&goredis.Options{Addr: testAddr()})

	c := NewClient(rdb, "", 0)
	defer c.Close()
	assert.Equal(t, "http_cache", c.namespace)
	assert.Equal(t, DefaultTTLOffset, c.ttlOffset)

	custom := NewClient(goredis.NewClient(&goredis.Options{Addr: testAddr()}), "ns", time.Minute)
	defer custom.Close()
	assert.Equal(t, time.Minute, custom.ttlOffset)
}
