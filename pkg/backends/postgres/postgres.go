// Package postgres provides a storage backend on PostgreSQL tables.
//
// Tables share one pgx connection pool. BulkCommit runs its callback in a
// transaction that travels in the context; store calls made with that
// context join it.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/requests-cache/requests-cache-sub000/pkg/logging"
	"github.com/requests-cache/requests-cache-sub000/pkg/storage"
	"github.com/rs/zerolog"
)

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type txKey struct{ db *DB }

// DB is a connection pool shared by the tables opened from it.
type DB struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger

	mu   sync.Mutex
	refs int
}

// Connect opens a pool for the given connection string and checks the server.
func Connect(ctx context.Context, url string) (*DB, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return NewDB(pool), nil
}

// NewDB wraps an existing pool. The wrapper takes ownership of pool.
func NewDB(pool *pgxpool.Pool) *DB {
	return &DB{
		pool:   pool,
		logger: logging.NewLogger("postgres"),
		refs:   1,
	}
}

// Close drops the caller's reference; the pool is closed with the last one.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.refs--
	if db.refs == 0 {
		db.pool.Close()
	}
	return nil
}

// BulkCommit runs fn in one transaction. Nested calls reuse the outer transaction.
func (db *DB) BulkCommit(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{db}).(pgx.Tx); ok {
		return fn(ctx)
	}
	return pgx.BeginFunc(ctx, db.pool, func(tx pgx.Tx) error {
		return fn(context.WithValue(ctx, txKey{db}, tx))
	})
}

func (db *DB) q(ctx context.Context) querier {
	if tx, ok := ctx.Value(txKey{db}).(pgx.Tx); ok {
		return tx
	}
	return db.pool
}

// Store is a key-value table:
//
//	CREATE TABLE <name> (key TEXT PRIMARY KEY, value BYTEA NOT NULL, expires TIMESTAMPTZ)
type Store struct {
	db    *DB
	table string
}

var (
	_ storage.Store          = (*Store)(nil)
	_ storage.BulkCommitter  = (*Store)(nil)
	_ storage.ExpiringStore  = (*Store)(nil)
	_ storage.ExpiredDeleter = (*Store)(nil)
)

// Table opens (creating if needed) the table name.
func (db *DB) Table(ctx context.Context, name string) (*Store, error) {
	if !tableName.MatchString(name) {
		return nil, fmt.Errorf("invalid table name %q", name)
	}
	for _, stmt := range []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (key TEXT PRIMARY KEY, value BYTEA NOT NULL, expires TIMESTAMPTZ)`, name),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_expires_idx ON %s (expires)`, name, name),
	} {
		if _, err := db.q(ctx).Exec(ctx, stmt); err != nil {
			return nil, fmt.Errorf("create table %s: %w", name, err)
		}
	}
	db.mu.Lock()
	db.refs++
	db.mu.Unlock()
	db.logger.Debug().Str("table", name).Msg("Opened table")
	return &Store{db: db, table: name}, nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.q(ctx).QueryRow(ctx, `SELECT value FROM `+s.table+` WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres get: %w", err)
	}
	return value, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	return s.SetWithExpiry(ctx, key, value, time.Time{})
}

func (s *Store) SetWithExpiry(ctx context.Context, key string, value []byte, expires time.Time) error {
	if value == nil {
		value = []byte{}
	}
	var exp *time.Time
	if !expires.IsZero() {
		exp = &expires
	}
	_, err := s.db.q(ctx).Exec(ctx,
		`INSERT INTO `+s.table+` (key, value, expires) VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires = EXCLUDED.expires`,
		key, value, exp)
	if err != nil {
		return fmt.Errorf("postgres set: %w", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	tag, err := s.db.q(ctx).Exec(ctx, `DELETE FROM `+s.table+` WHERE key = $1`, key)
	if err != nil {
		return fmt.Errorf("postgres delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) BulkDelete(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	if _, err := s.db.q(ctx).Exec(ctx, `DELETE FROM `+s.table+` WHERE key = ANY($1)`, keys); err != nil {
		return fmt.Errorf("postgres bulk delete: %w", err)
	}
	return nil
}

func (s *Store) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.q(ctx).Query(ctx, `SELECT key FROM `+s.table)
	if err != nil {
		return nil, fmt.Errorf("postgres keys: %w", err)
	}
	keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("postgres keys: %w", err)
	}
	return keys, nil
}

func (s *Store) Items(ctx context.Context) ([]storage.Item, error) {
	rows, err := s.db.q(ctx).Query(ctx, `SELECT key, value FROM `+s.table)
	if err != nil {
		return nil, fmt.Errorf("postgres items: %w", err)
	}
	items, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (storage.Item, error) {
		var item storage.Item
		err := row.Scan(&item.Key, &item.Value)
		return item, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres items: %w", err)
	}
	return items, nil
}

func (s *Store) Len(ctx context.Context) (int, error) {
	var n int
	if err := s.db.q(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM `+s.table).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres len: %w", err)
	}
	return n, nil
}

func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.db.q(ctx).Exec(ctx, `DELETE FROM `+s.table); err != nil {
		return fmt.Errorf("postgres clear: %w", err)
	}
	return nil
}

// DeleteExpired removes rows whose expiry is before now.
func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.db.q(ctx).Exec(ctx,
		`DELETE FROM `+s.table+` WHERE expires IS NOT NULL AND expires < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("postgres delete expired: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) BulkCommit(ctx context.Context, fn func(ctx context.Context) error) error {
	return s.db.BulkCommit(ctx, fn)
}

// Drop removes the table.
func (s *Store) Drop(ctx context.Context) error {
	if _, err := s.db.q(ctx).Exec(ctx, `DROP TABLE IF EXISTS `+s.table); err != nil {
		return fmt.Errorf("postgres drop: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
