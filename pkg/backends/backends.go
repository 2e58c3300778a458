// Package backends opens a cache on a named storage backend.
//
// Each backend pairs a response store with a redirect store:
//
//	memory      map / map
//	filesystem  one file per response / sqlite table in the same directory
//	sqlite      table / table, one database file
//	sqlite-lru  size-tracking table / table, one database file
//	postgres    table / table, one pool
//	redis       one string per response with TTL / one hash, one client
//	mongodb     collection with TTL index / collection, one client
//	gridfs      GridFS bucket / collection, one client
//	dynamodb    namespace in a shared table / namespace, one client
package backends

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/requests-cache/requests-cache-sub000/pkg/backends/dynamo"
	"github.com/requests-cache/requests-cache-sub000/pkg/backends/filesystem"
	"github.com/requests-cache/requests-cache-sub000/pkg/backends/memory"
	"github.com/requests-cache/requests-cache-sub000/pkg/backends/mongodb"
	"github.com/requests-cache/requests-cache-sub000/pkg/backends/postgres"
	"github.com/requests-cache/requests-cache-sub000/pkg/backends/redis"
	"github.com/requests-cache/requests-cache-sub000/pkg/backends/sqlite"
	"github.com/requests-cache/requests-cache-sub000/pkg/cache"
	"github.com/requests-cache/requests-cache-sub000/pkg/serializer"
	"github.com/requests-cache/requests-cache-sub000/pkg/storage"
)

// ErrUnknownBackend is returned by Open for an unregistered backend name.
var ErrUnknownBackend = errors.New("unknown backend")

// DefaultName is the cache name used when Options.Name is empty.
const DefaultName = "http_cache"

// Options configure Open. Fields that do not apply to a backend are ignored.
type Options struct {
	// Name is the cache name: the sqlite file, the filesystem directory, the
	// postgres table prefix, the redis namespace, the mongodb database or
	// the dynamodb table (default: http_cache).
	Name string

	// URL is the server connection string for postgres, redis and mongodb.
	URL string

	// Serializer overrides the backend's default serializer.
	Serializer string

	// Secret signs stored values with HMAC-SHA256 when set.
	Secret []byte

	// MaxSize limits the stored bytes of size-tracking backends (memory, sqlite-lru).
	MaxSize int64

	// TTLOffset keeps expired responses on servers with native TTLs for
	// this long. Zero selects the backend's DefaultTTLOffset.
	TTLOffset time.Duration

	// Region and Endpoint configure dynamodb.
	Region   string
	Endpoint string

	// KeyFunc keys requests for cache-wide operations.
	KeyFunc cache.KeyFunc
}

type opener func(ctx context.Context, opts Options) (responses, redirects storage.Store, err error)

type backend struct {
	open       opener
	serializer string
}

var registry = map[string]backend{
	"memory":     {openMemory, "json"},
	"filesystem": {openFilesystem, "json"},
	"sqlite":     {openSQLite, "msgpack"},
	"sqlite-lru": {openSQLiteLRU, "msgpack"},
	"postgres":   {openPostgres, "msgpack"},
	"redis":      {openRedis, "msgpack"},
	"mongodb":    {openMongoDB, "bson"},
	"gridfs":     {openGridFS, "bson"},
	"dynamodb":   {openDynamoDB, "msgpack"},
}

// Names returns the registered backend names, sorted.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Open connects to the named backend and returns a cache over it.
func Open(ctx context.Context, name string, opts Options) (*cache.Cache, error) {
	b, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, name)
	}
	if opts.Name == "" {
		opts.Name = DefaultName
	}
	if opts.Serializer == "" {
		opts.Serializer = b.serializer
	}

	ser, err := serializer.Get(opts.Serializer)
	if err != nil {
		return nil, err
	}
	if opts.Secret != nil {
		ser = serializer.NewSigned(ser, opts.Secret)
	}

	responses, redirects, err := b.open(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("open %s backend: %w", name, err)
	}

	cacheOpts := []cache.Option{
		cache.WithBackendName(name),
		cache.WithSerializer(ser),
		cache.WithMaxSize(opts.MaxSize),
	}
	if opts.KeyFunc != nil {
		cacheOpts = append(cacheOpts, cache.WithKeyFunc(opts.KeyFunc))
	}
	return cache.New(responses, redirects, cacheOpts...), nil
}

func openMemory(context.Context, Options) (storage.Store, storage.Store, error) {
	return memory.New(), memory.New(), nil
}

func openFilesystem(ctx context.Context, opts Options) (storage.Store, storage.Store, error) {
	responses, err := filesystem.New(opts.Name, opts.Serializer)
	if err != nil {
		return nil, nil, err
	}
	db, err := sqlite.Open(ctx, sqlite.DefaultConfig(filepath.Join(opts.Name, "redirects.sqlite")))
	if err != nil {
		return nil, nil, err
	}
	defer db.Close()
	redirects, err := db.Table(ctx, "redirects")
	if err != nil {
		return nil, nil, err
	}
	return responses, redirects, nil
}

func sqlitePath(name string) string {
	if name == sqlite.Memory || filepath.Ext(name) != "" {
		return name
	}
	return name + ".sqlite"
}

func openSQLite(ctx context.Context, opts Options) (storage.Store, storage.Store, error) {
	db, err := sqlite.Open(ctx, sqlite.DefaultConfig(sqlitePath(opts.Name)))
	if err != nil {
		return nil, nil, err
	}
	defer db.Close()
	responses, err := db.Table(ctx, "responses")
	if err != nil {
		return nil, nil, err
	}
	redirects, err := db.Table(ctx, "redirects")
	if err != nil {
		responses.Close()
		return nil, nil, err
	}
	return responses, redirects, nil
}

func openSQLiteLRU(ctx context.Context, opts Options) (storage.Store, storage.Store, error) {
	db, err := sqlite.Open(ctx, sqlite.DefaultConfig(sqlitePath(opts.Name)))
	if err != nil {
		return nil, nil, err
	}
	defer db.Close()
	responses, err := db.LRUTable(ctx, "responses")
	if err != nil {
		return nil, nil, err
	}
	redirects, err := db.Table(ctx, "redirects")
	if err != nil {
		responses.Close()
		return nil, nil, err
	}
	return responses, redirects, nil
}

func openPostgres(ctx context.Context, opts Options) (storage.Store, storage.Store, error) {
	db, err := postgres.Connect(ctx, opts.URL)
	if err != nil {
		return nil, nil, err
	}
	defer db.Close()
	responses, err := db.Table(ctx, opts.Name+"_responses")
	if err != nil {
		return nil, nil, err
	}
	redirects, err := db.Table(ctx, opts.Name+"_redirects")
	if err != nil {
		responses.Close()
		return nil, nil, err
	}
	return responses, redirects, nil
}

func openRedis(ctx context.Context, opts Options) (storage.Store, storage.Store, error) {
	client, err := redis.Connect(ctx, redis.Config{URL: opts.URL, Namespace: opts.Name, TTLOffset: opts.TTLOffset})
	if err != nil {
		return nil, nil, err
	}
	defer client.Close()
	return client.Strings("responses"), client.Hash("redirects"), nil
}

func openMongoDB(ctx context.Context, opts Options) (storage.Store, storage.Store, error) {
	client, err := mongodb.Connect(ctx, mongodb.Config{URI: opts.URL, Database: opts.Name, TTLOffset: opts.TTLOffset})
	if err != nil {
		return nil, nil, err
	}
	defer client.Close()
	responses, err := client.Collection(ctx, "responses")
	if err != nil {
		return nil, nil, err
	}
	redirects, err := client.Collection(ctx, "redirects")
	if err != nil {
		responses.Close()
		return nil, nil, err
	}
	return responses, redirects, nil
}

func openGridFS(ctx context.Context, opts Options) (storage.Store, storage.Store, error) {
	client, err := mongodb.Connect(ctx, mongodb.Config{URI: opts.URL, Database: opts.Name, TTLOffset: opts.TTLOffset})
	if err != nil {
		return nil, nil, err
	}
	defer client.Close()
	responses, err := client.GridFS("fs")
	if err != nil {
		return nil, nil, err
	}
	redirects, err := client.Collection(ctx, "redirects")
	if err != nil {
		responses.Close()
		return nil, nil, err
	}
	return responses, redirects, nil
}

func openDynamoDB(ctx context.Context, opts Options) (storage.Store, storage.Store, error) {
	client, err := dynamo.Connect(ctx, dynamo.Config{
		Table:     opts.Name,
		Region:    opts.Region,
		Endpoint:  opts.Endpoint,
		TTLOffset: opts.TTLOffset,
	})
	if err != nil {
		return nil, nil, err
	}
	return client.Namespace("responses"), client.Namespace("redirects"), nil
}
