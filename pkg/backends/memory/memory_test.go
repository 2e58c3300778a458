package memory

import (
	"context"
	"testing"

	"github.com/requests-cache/requests-cache-sub000/internal/storagetest"
	"github.com/requests-cache/requests-cache-sub000/pkg/storage"
)

func TestStore(t *testing.T) {
	storagetest.RunLRU(t, func(t *testing.T) storage.LRUIndex { return New() })
}

func TestStore_ValuesAreCopied(t *testing.T) {
	ctx := context.Background()
	s := New()

	value := []byte("abc")
	if err := s.Set(ctx, "k", value); err != nil {
		t.Fatal(err)
	}
	value[0] = 'X'

	got, err := s.Get(ctx, "k")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "abc" {
		t.Errorf("stored value aliased caller slice: %q", got)
	}

	got[1] = 'Y'
	again, _ := s.Get(ctx, "k")
	if string(again) != "abc" {
		t.Errorf("returned value aliased stored slice: %q", again)
	}
}
