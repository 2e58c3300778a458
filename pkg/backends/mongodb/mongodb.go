// Package mongodb provides storage backends on MongoDB: a document
// collection with a TTL index, and a GridFS bucket for large values.
//
// Values that are valid BSON documents (as produced by the bson serializer)
// are stored as embedded documents, so cached responses stay queryable from
// the mongo shell. Anything else is stored as binary.
package mongodb

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/requests-cache/requests-cache-sub000/pkg/logging"
	"github.com/requests-cache/requests-cache-sub000/pkg/storage"
	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// DefaultTTLOffset keeps expired responses for an extra hour before the TTL
// monitor removes them, so they can still be revalidated.
const DefaultTTLOffset = time.Hour

// Config holds connection settings.
type Config struct {
	// URI is the connection string (default: mongodb://localhost:27017).
	URI string

	// Database is the database name (default: http_cache).
	Database string

	// TTLOffset is added to every expiration before the server deletes the document.
	TTLOffset time.Duration
}

// Client is a MongoDB connection shared by the stores opened from it.
type Client struct {
	client    *mongo.Client
	db        *mongo.Database
	ttlOffset time.Duration
	logger    zerolog.Logger

	mu   sync.Mutex
	refs int
}

// Connect opens a client and checks that the server is reachable.
func Connect(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.URI == "" {
		cfg.URI = "mongodb://localhost:27017"
	}
	if cfg.Database == "" {
		cfg.Database = "http_cache"
	}
	if cfg.TTLOffset == 0 {
		cfg.TTLOffset = DefaultTTLOffset
	}

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("mongodb connect: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongodb ping: %w", err)
	}

	return &Client{
		client:    client,
		db:        client.Database(cfg.Database),
		ttlOffset: cfg.TTLOffset,
		logger:    logging.NewLogger("mongodb").With().Str("database", cfg.Database).Logger(),
		refs:      1,
	}, nil
}

// Database returns the database the stores are opened in.
func (c *Client) Database() *mongo.Database { return c.db }

// Close drops the caller's reference; the client disconnects with the last one.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refs--
	if c.refs > 0 {
		return nil
	}
	return c.client.Disconnect(context.Background())
}

func (c *Client) acquire() {
	c.mu.Lock()
	c.refs++
	c.mu.Unlock()
}

type document struct {
	Key     string        `bson:"_id"`
	Value   bson.RawValue `bson:"value"`
	Expires *time.Time    `bson:"expires,omitempty"`
}

func (d document) bytes() []byte {
	switch d.Value.Type {
	case bson.TypeEmbeddedDocument:
		return []byte(d.Value.Value)
	case bson.TypeBinary:
		_, data := d.Value.Binary()
		return data
	default:
		return nil
	}
}

// encodeValue returns value as an embedded document when it is valid BSON.
func encodeValue(value []byte) any {
	if len(value) > 0 && bson.Raw(value).Validate() == nil {
		return bson.Raw(value)
	}
	if value == nil {
		value = []byte{}
	}
	return value
}

// Store keeps each value in its own document.
type Store struct {
	client *Client
	coll   *mongo.Collection
}

var (
	_ storage.Store          = (*Store)(nil)
	_ storage.ExpiringStore  = (*Store)(nil)
	_ storage.ExpiredDeleter = (*Store)(nil)
)

// Collection opens the collection name and makes sure its TTL index exists.
func (c *Client) Collection(ctx context.Context, name string) (*Store, error) {
	coll := c.db.Collection(name)
	_, err := coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "expires", Value: 1}},
		Options: options.Index().SetName("expires_ttl").SetExpireAfterSeconds(int32(c.ttlOffset / time.Second)),
	})
	if err != nil {
		return nil, fmt.Errorf("create ttl index on %s: %w", name, err)
	}
	c.acquire()
	return &Store{client: c, coll: coll}, nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var doc document
	err := s.coll.FindOne(ctx, bson.M{"_id": key}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mongodb get: %w", err)
	}
	return doc.bytes(), nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	return s.SetWithExpiry(ctx, key, value, time.Time{})
}

// SetWithExpiry stores value with an expires field; the TTL monitor deletes
// the document once expires plus the TTL offset has passed.
func (s *Store) SetWithExpiry(ctx context.Context, key string, value []byte, expires time.Time) error {
	doc := bson.D{{Key: "_id", Value: key}, {Key: "value", Value: encodeValue(value)}}
	if !expires.IsZero() {
		doc = append(doc, bson.E{Key: "expires", Value: expires.UTC()})
	}
	_, err := s.coll.ReplaceOne(ctx, bson.M{"_id": key}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("mongodb set: %w", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	res, err := s.coll.DeleteOne(ctx, bson.M{"_id": key})
	if err != nil {
		return fmt.Errorf("mongodb delete: %w", err)
	}
	if res.DeletedCount == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) BulkDelete(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	if _, err := s.coll.DeleteMany(ctx, bson.M{"_id": bson.M{"$in": keys}}); err != nil {
		return fmt.Errorf("mongodb bulk delete: %w", err)
	}
	return nil
}

func (s *Store) Keys(ctx context.Context) ([]string, error) {
	cur, err := s.coll.Find(ctx, bson.D{}, options.Find().SetProjection(bson.M{"_id": 1}))
	if err != nil {
		return nil, fmt.Errorf("mongodb keys: %w", err)
	}
	var docs []struct {
		Key string `bson:"_id"`
	}
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongodb keys: %w", err)
	}
	keys := make([]string, len(docs))
	for i, d := range docs {
		keys[i] = d.Key
	}
	return keys, nil
}

func (s *Store) Items(ctx context.Context) ([]storage.Item, error) {
	cur, err := s.coll.Find(ctx, bson.D{})
	if err != nil {
		return nil, fmt.Errorf("mongodb items: %w", err)
	}
	defer cur.Close(ctx)

	var items []storage.Item
	for cur.Next(ctx) {
		var doc document
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("mongodb items: %w", err)
		}
		items = append(items, storage.Item{Key: doc.Key, Value: doc.bytes()})
	}
	return items, cur.Err()
}

func (s *Store) Len(ctx context.Context) (int, error) {
	n, err := s.coll.CountDocuments(ctx, bson.D{})
	if err != nil {
		return 0, fmt.Errorf("mongodb len: %w", err)
	}
	return int(n), nil
}

func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.coll.DeleteMany(ctx, bson.D{}); err != nil {
		return fmt.Errorf("mongodb clear: %w", err)
	}
	return nil
}

// DeleteExpired removes documents whose expires is before now, without
// waiting for the TTL monitor.
func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := s.coll.DeleteMany(ctx, bson.M{"expires": bson.M{"$lt": now.UTC()}})
	if err != nil {
		return 0, fmt.Errorf("mongodb delete expired: %w", err)
	}
	return int(res.DeletedCount), nil
}

func (s *Store) Close() error {
	return s.client.Close()
}
