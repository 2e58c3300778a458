package mongodb

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/requests-cache/requests-cache-sub000/pkg/storage"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/gridfs"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// GridFSStore keeps each value in a GridFS file whose id is the key. It has
// no size limit per value but no server-side expiration either.
type GridFSStore struct {
	client *Client
	bucket *gridfs.Bucket

	// Bucket deadlines are per bucket, not per call.
	mu sync.Mutex
}

var _ storage.Store = (*GridFSStore)(nil)

// GridFS opens the bucket name.
func (c *Client) GridFS(name string) (*GridFSStore, error) {
	bucket, err := gridfs.NewBucket(c.db, options.GridFSBucket().SetName(name))
	if err != nil {
		return nil, fmt.Errorf("open gridfs bucket %s: %w", name, err)
	}
	c.acquire()
	return &GridFSStore{client: c, bucket: bucket}, nil
}

// withDeadline applies the context deadline to the bucket for one call.
func (g *GridFSStore) withDeadline(ctx context.Context, fn func() error) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	deadline, _ := ctx.Deadline()
	if err := g.bucket.SetReadDeadline(deadline); err != nil {
		return err
	}
	if err := g.bucket.SetWriteDeadline(deadline); err != nil {
		return err
	}
	defer func() {
		_ = g.bucket.SetReadDeadline(time.Time{})
		_ = g.bucket.SetWriteDeadline(time.Time{})
	}()
	return fn()
}

func (g *GridFSStore) Get(ctx context.Context, key string) ([]byte, error) {
	var buf bytes.Buffer
	err := g.withDeadline(ctx, func() error {
		_, err := g.bucket.DownloadToStream(key, &buf)
		return err
	})
	if errors.Is(err, gridfs.ErrFileNotFound) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("gridfs get: %w", err)
	}
	return buf.Bytes(), nil
}

// Set replaces any existing file for key.
func (g *GridFSStore) Set(ctx context.Context, key string, value []byte) error {
	err := g.withDeadline(ctx, func() error {
		if err := g.bucket.DeleteContext(ctx, key); err != nil && !errors.Is(err, gridfs.ErrFileNotFound) {
			return err
		}
		return g.bucket.UploadFromStreamWithID(key, key, bytes.NewReader(value))
	})
	if err != nil {
		return fmt.Errorf("gridfs set: %w", err)
	}
	return nil
}

func (g *GridFSStore) Delete(ctx context.Context, key string) error {
	err := g.bucket.DeleteContext(ctx, key)
	if errors.Is(err, gridfs.ErrFileNotFound) {
		return storage.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("gridfs delete: %w", err)
	}
	return nil
}

func (g *GridFSStore) BulkDelete(ctx context.Context, keys []string) error {
	for _, key := range keys {
		if err := g.Delete(ctx, key); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
	}
	return nil
}

func (g *GridFSStore) Keys(ctx context.Context) ([]string, error) {
	cur, err := g.bucket.FindContext(ctx, bson.D{})
	if err != nil {
		return nil, fmt.Errorf("gridfs keys: %w", err)
	}
	var files []struct {
		ID string `bson:"_id"`
	}
	if err := cur.All(ctx, &files); err != nil {
		return nil, fmt.Errorf("gridfs keys: %w", err)
	}
	keys := make([]string, len(files))
	for i, f := range files {
		keys[i] = f.ID
	}
	return keys, nil
}

func (g *GridFSStore) Items(ctx context.Context) ([]storage.Item, error) {
	keys, err := g.Keys(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]storage.Item, 0, len(keys))
	for _, key := range keys {
		value, err := g.Get(ctx, key)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		items = append(items, storage.Item{Key: key, Value: value})
	}
	return items, nil
}

func (g *GridFSStore) Len(ctx context.Context) (int, error) {
	n, err := g.bucket.GetFilesCollection().CountDocuments(ctx, bson.D{})
	if err != nil {
		return 0, fmt.Errorf("gridfs len: %w", err)
	}
	return int(n), nil
}

// Clear drops the bucket's files and chunks collections.
func (g *GridFSStore) Clear(ctx context.Context) error {
	if err := g.bucket.DropContext(ctx); err != nil {
		return fmt.Errorf("gridfs clear: %w", err)
	}
	return nil
}

func (g *GridFSStore) Close() error {
	return g.client.Close()
}
