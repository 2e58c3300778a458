package backends

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/requests-cache/requests-cache-sub000/pkg/cache"
	"github.com/requests-cache/requests-cache-sub000/pkg/models"
	"github.com/requests-cache/requests-cache-sub000/pkg/serializer"
	"github.com/requests-cache/requests-cache-sub000/pkg/storage"
)

func response(t *testing.T, url string) *models.CachedResponse {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	return models.NewCachedResponse(&http.Response{
		Status:     "200 OK",
		StatusCode: http.StatusOK,
		Header:     http.Header{},
		Request:    req,
	}, []byte("hello"), time.Now().Add(time.Hour))
}

func TestOpen_LocalBackends(t *testing.T) {
	for _, name := range []string{"memory", "filesystem", "sqlite", "sqlite-lru"} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			c, err := Open(ctx, name, Options{Name: filepath.Join(t.TempDir(), "http_cache")})
			if err != nil {
				t.Fatalf("Open(%q) failed: %v", name, err)
			}
			defer c.Close()

			if c.Backend() != name {
				t.Errorf("Backend() = %q, want %q", c.Backend(), name)
			}

			final := response(t, "https://example.com/new")
			final.AddHistory(response(t, "https://example.com/old"))
			if err := c.SaveResponse(ctx, final, "k"); err != nil {
				t.Fatalf("SaveResponse failed: %v", err)
			}
			got, err := c.GetResponse(ctx, "k")
			if err != nil {
				t.Fatalf("GetResponse failed: %v", err)
			}
			if string(got.Content) != "hello" {
				t.Errorf("Content = %q", got.Content)
			}

			oldReq, _ := http.NewRequest(http.MethodGet, "https://example.com/old", nil)
			if _, err := c.GetResponse(ctx, c.CreateKey(oldReq)); err != nil {
				t.Errorf("GetResponse via redirect failed: %v", err)
			}
		})
	}
}

func TestOpen_DefaultSerializers(t *testing.T) {
	tests := []struct {
		backend string
		want    string
	}{
		{"memory", "json"},
		{"filesystem", "json"},
		{"sqlite", "msgpack"},
		{"mongodb", "bson"},
		{"gridfs", "bson"},
		{"redis", "msgpack"},
	}
	for _, tt := range tests {
		if got := registry[tt.backend].serializer; got != tt.want {
			t.Errorf("%s serializer = %q, want %q", tt.backend, got, tt.want)
		}
	}
}

func TestOpen_FilesystemLayout(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "responses")
	c, err := Open(ctx, "filesystem", Options{Name: dir, Serializer: "yaml"})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if err := c.SaveResponse(ctx, response(t, "https://example.com/"), "abc"); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "abc.yaml")); err != nil {
		t.Errorf("response file missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "redirects.sqlite")); err != nil {
		t.Errorf("redirect database missing: %v", err)
	}
}

func TestOpen_Signed(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "signed.sqlite")

	c, err := Open(ctx, "sqlite", Options{Name: path, Secret: []byte("s3cret")})
	if err != nil {
		t.Fatal(err)
	}
	if err := c.SaveResponse(ctx, response(t, "https://example.com/"), "k"); err != nil {
		t.Fatal(err)
	}
	if _, ok := c.Responses().Serializer().(*serializer.Signed); !ok {
		t.Errorf("serializer = %T, want *serializer.Signed", c.Responses().Serializer())
	}
	c.Close()

	other, err := Open(ctx, "sqlite", Options{Name: path, Secret: []byte("other")})
	if err != nil {
		t.Fatal(err)
	}
	defer other.Close()
	if _, err := other.GetResponse(ctx, "k"); !errors.Is(err, cache.ErrCacheMiss) {
		t.Errorf("GetResponse with another secret: err = %v, want ErrCacheMiss", err)
	}
}

func TestOpen_SignedWithoutSecret(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "unsigned.sqlite")

	c, err := Open(ctx, "sqlite", Options{Name: path, Secret: []byte{}})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := c.Responses().Serializer().(*serializer.Signed); !ok {
		t.Errorf("serializer = %T, want *serializer.Signed", c.Responses().Serializer())
	}
	if err := c.SaveResponse(ctx, response(t, "https://example.com/"), "k"); err != nil {
		t.Fatal(err)
	}
	c.Close()

	plain, err := Open(ctx, "sqlite", Options{Name: path})
	if err != nil {
		t.Fatal(err)
	}
	defer plain.Close()
	if _, err := plain.GetResponse(ctx, "k"); err != nil {
		t.Errorf("GetResponse without signing: %v", err)
	}
}

func TestOpen_SQLiteLRUMaxSize(t *testing.T) {
	ctx := context.Background()
	c, err := Open(ctx, "sqlite-lru", Options{Name: sqlitePath(filepath.Join(t.TempDir(), "lru")), MaxSize: 1})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if _, ok := c.Responses().Store().(storage.LRUIndex); !ok {
		t.Fatalf("response store %T is not an LRU index", c.Responses().Store())
	}
	if err := c.SaveResponse(ctx, response(t, "https://example.com/"), "k"); err != nil {
		t.Fatal(err)
	}
	if n, _ := c.Len(ctx); n != 0 {
		t.Errorf("Len() = %d, want 0 with a 1 byte limit", n)
	}
}

func TestOpen_Unknown(t *testing.T) {
	_, err := Open(context.Background(), "cassandra", Options{})
	if !errors.Is(err, ErrUnknownBackend) {
		t.Errorf("Open(cassandra) error = %v, want ErrUnknownBackend", err)
	}
}

func TestOpen_UnknownSerializer(t *testing.T) {
	_, err := Open(context.Background(), "memory", Options{Serializer: "pickle"})
	if !errors.Is(err, serializer.ErrUnknown) {
		t.Errorf("error = %v, want serializer.ErrUnknown", err)
	}
}

func TestSQLitePath(t *testing.T) {
	tests := map[string]string{
		"http_cache":        "http_cache.sqlite",
		"cache.db":          "cache.db",
		":memory:":          ":memory:",
		"/tmp/x/http_cache": "/tmp/x/http_cache.sqlite",
	}
	for in, want := range tests {
		if got := sqlitePath(in); got != want {
			t.Errorf("sqlitePath(%q) = %q, want %q", in, got, want)
		}
	}
}
