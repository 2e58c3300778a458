// Package sqlite provides storage backends on a single SQLite database file.
//
// A DB is shared by every table opened from it. Writes are serialized by a
// per-database mutex; with WAL enabled, reads run concurrently with writes.
// Inside BulkCommit the transaction travels in the context, and every store
// call made with that context joins it.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/requests-cache/requests-cache-sub000/pkg/logging"
	"github.com/rs/zerolog"
)

// Memory opens a private in-memory database.
const Memory = ":memory:"

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Config holds database settings.
type Config struct {
	// Path is the database file, or Memory.
	Path string

	// WAL enables write-ahead logging (default: true via DefaultConfig).
	WAL bool

	// BusyTimeout is how long a connection waits for a lock held by another process.
	BusyTimeout time.Duration
}

// DefaultConfig returns the default configuration for path.
func DefaultConfig(path string) Config {
	return Config{
		Path:        path,
		WAL:         true,
		BusyTimeout: 5 * time.Second,
	}
}

// DB is a shared SQLite connection pool.
type DB struct {
	sql        *sql.DB
	path       string
	writeMutex sync.Mutex
	logger     zerolog.Logger

	mu   sync.Mutex
	refs int
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type txKey struct{ db *DB }

// Open opens (creating if needed) the database described by cfg.
func Open(ctx context.Context, cfg Config) (*DB, error) {
	if cfg.Path == "" {
		cfg.Path = "http_cache.sqlite"
	}
	if cfg.Path != Memory {
		if dir := filepath.Dir(cfg.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
	}

	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", cfg.BusyTimeout.Milliseconds()))
	if cfg.WAL && cfg.Path != Memory {
		q.Add("_pragma", "journal_mode(WAL)")
	}
	q.Add("_txlock", "immediate")

	sqlDB, err := sql.Open("sqlite", cfg.Path+"?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", cfg.Path, err)
	}
	if cfg.Path == Memory {
		// Every connection to :memory: is a separate database.
		sqlDB.SetMaxOpenConns(1)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", cfg.Path, err)
	}

	logger := logging.NewLogger("sqlite").With().Str("path", cfg.Path).Logger()
	logger.Info().Bool("wal", cfg.WAL).Msg("Opened database")

	return &DB{sql: sqlDB, path: cfg.Path, logger: logger, refs: 1}, nil
}

// Path returns the database file path.
func (db *DB) Path() string { return db.path }

// Close drops the caller's reference; the pool is closed with the last one.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.refs--
	if db.refs > 0 {
		return nil
	}
	db.logger.Info().Msg("Closed database")
	return db.sql.Close()
}

func (db *DB) acquire() {
	db.mu.Lock()
	db.refs++
	db.mu.Unlock()
}

// BulkCommit runs fn in one transaction. Store calls made with the context
// passed to fn join it. Nested calls reuse the outer transaction.
func (db *DB) BulkCommit(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := db.tx(ctx); ok {
		return fn(ctx)
	}

	db.writeMutex.Lock()
	defer db.writeMutex.Unlock()

	return db.inTx(ctx, func(tx *sql.Tx) error {
		return fn(context.WithValue(ctx, txKey{db}, tx))
	})
}

func (db *DB) tx(ctx context.Context) (*sql.Tx, bool) {
	tx, ok := ctx.Value(txKey{db}).(*sql.Tx)
	return tx, ok
}

// reader returns the transaction in ctx, or the pool.
func (db *DB) reader(ctx context.Context) querier {
	if tx, ok := db.tx(ctx); ok {
		return tx
	}
	return db.sql
}

// write runs fn under the write lock. With atomic set, fn runs in its own
// transaction unless ctx already carries one.
func (db *DB) write(ctx context.Context, atomic bool, fn func(q querier) error) error {
	if tx, ok := db.tx(ctx); ok {
		return fn(tx)
	}

	db.writeMutex.Lock()
	defer db.writeMutex.Unlock()

	if !atomic {
		return fn(db.sql)
	}
	return db.inTx(ctx, func(tx *sql.Tx) error { return fn(tx) })
}

func (db *DB) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.sql.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			db.logger.Error().Err(rbErr).Msg("Rollback failed")
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func checkTable(name string) error {
	if !tableName.MatchString(name) {
		return fmt.Errorf("invalid table name %q", name)
	}
	return nil
}

// placeholders returns "?, ?, ..." for n arguments.
func placeholders(n int) string {
	if n == 0 {
		return ""
	}
	b := make([]byte, 0, 3*n)
	for i := 0; i < n; i++ {
		if i > 0 {
			b = append(b, ", "...)
		}
		b = append(b, '?')
	}
	return string(b)
}

// chunks splits keys into batches that stay under SQLite's variable limit.
func chunks(keys []string, size int) [][]string {
	var out [][]string
	for len(keys) > size {
		out = append(out, keys[:size])
		keys = keys[size:]
	}
	if len(keys) > 0 {
		out = append(out, keys)
	}
	return out
}

func anys(keys []string) []any {
	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = k
	}
	return args
}

// unixMillis encodes an expiry for the expires column; never is NULL.
func unixMillis(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}
