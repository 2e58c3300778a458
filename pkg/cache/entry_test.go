package cache

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/requests-cache/requests-cache-sub000/pkg/backends/memory"
	"github.com/requests-cache/requests-cache-sub000/pkg/models"
	"github.com/requests-cache/requests-cache-sub000/pkg/serializer"
)

func TestResponseStore_SetGet(t *testing.T) {
	for _, name := range serializer.Names() {
		t.Run(name, func(t *testing.T) {
			ser, err := serializer.Get(name)
			if err != nil {
				t.Fatal(err)
			}
			s := NewResponseStore(memory.New(), ser)
			ctx := context.Background()

			resp := newResponse(t, "https://example.com/a", time.Now().Add(time.Hour))
			if err := s.Set(ctx, "k", resp); err != nil {
				t.Fatalf("Set failed: %v", err)
			}

			got, err := s.Get(ctx, "k")
			if err != nil {
				t.Fatalf("Get failed: %v", err)
			}
			if got.CacheKey != "k" {
				t.Errorf("CacheKey = %q, want k", got.CacheKey)
			}
			if string(got.Content) != string(resp.Content) {
				t.Errorf("Content = %q, want %q", got.Content, resp.Content)
			}
			if !got.Expires.Equal(resp.Expires) {
				t.Errorf("Expires = %v, want %v", got.Expires, resp.Expires)
			}
		})
	}
}

func TestResponseStore_InvalidValue(t *testing.T) {
	store := memory.New()
	s := NewResponseStore(store, serializer.JSON{})
	ctx := context.Background()

	if err := store.Set(ctx, "bad", []byte("not json")); err != nil {
		t.Fatal(err)
	}

	_, err := s.Get(ctx, "bad")
	if !errors.Is(err, ErrInvalidEntry) {
		t.Errorf("Get() error = %v, want ErrInvalidEntry", err)
	}

	entries, err := s.Entries(ctx)
	if err != nil {
		t.Fatalf("Entries failed: %v", err)
	}
	if len(entries) != 1 || !errors.Is(entries[0].Err, ErrInvalidEntry) {
		t.Errorf("Entries() = %+v, want one invalid entry", entries)
	}
}

func TestResponseStore_PassesExpiryToStore(t *testing.T) {
	store := memory.New()
	s := NewResponseStore(store, serializer.JSON{})
	ctx := context.Background()

	if err := s.Set(ctx, "old", newResponse(t, "https://example.com/old", time.Now().Add(-time.Hour))); err != nil {
		t.Fatal(err)
	}
	if err := s.Set(ctx, "new", newResponse(t, "https://example.com/new", time.Now().Add(time.Hour))); err != nil {
		t.Fatal(err)
	}

	n, err := store.DeleteExpired(ctx, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("DeleteExpired() = %d, want 1", n)
	}
}

// newResponse builds a cached 200 response for a GET of url.
func newResponse(t *testing.T, url string, expires time.Time) *models.CachedResponse {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	resp := &http.Response{
		Status:     "200 OK",
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Request:    req,
	}
	return models.NewCachedResponse(resp, []byte(`{"url":"`+url+`"}`), expires)
}
