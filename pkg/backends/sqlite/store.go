package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/requests-cache/requests-cache-sub000/pkg/storage"
)

// maxVariables keeps IN lists under SQLITE_MAX_VARIABLE_NUMBER on old builds.
const maxVariables = 500

// Store is a key-value table:
//
//	CREATE TABLE <name> (key TEXT PRIMARY KEY, value BLOB, expires INTEGER)
//
// expires is a Unix timestamp in milliseconds, NULL for values that never expire.
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

// Table opens (creating if needed) the table name. The store holds a
// reference to db; closing it releases that reference.
func (db *DB) Table(ctx context.Context, name string) (*Store, error) {
	if err := checkTable(name); err != nil {
		return nil, err
	}
	err := db.write(ctx, true, func(q querier) error {
		if _, err := q.ExecContext(ctx, fmt.Sprintf(
			`CREATE TABLE IF NOT EXISTS %s (key TEXT PRIMARY KEY, value BLOB, expires INTEGER)`, name)); err != nil {
			return err
		}
		_, err := q.ExecContext(ctx, fmt.Sprintf(
			`CREATE INDEX IF NOT EXISTS %s_expires_idx ON %s (expires)`, name, name))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create table %s: %w", name, err)
	}
	db.acquire()
	return &Store{db: db, table: name}, nil
}

// Name returns the table name.
func (s *Store) Name() string { return s.table }

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.reader(ctx).QueryRowContext(ctx,
		`SELECT value FROM `+s.table+` WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite get: %w", err)
	}
	return value, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	return s.SetWithExpiry(ctx, key, value, time.Time{})
}

// SetWithExpiry stores value with an indexed expiry. Expired rows stay
// readable until DeleteExpired removes them.
func (s *Store) SetWithExpiry(ctx context.Context, key string, value []byte, expires time.Time) error {
	return s.db.write(ctx, false, func(q querier) error {
		return s.upsert(ctx, q, key, value, expires)
	})
}

func (s *Store) upsert(ctx context.Context, q querier, key string, value []byte, expires time.Time) error {
	if value == nil {
		value = []byte{}
	}
	_, err := q.ExecContext(ctx,
		`INSERT INTO `+s.table+` (key, value, expires) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires = excluded.expires`,
		key, value, unixMillis(expires))
	if err != nil {
		return fmt.Errorf("sqlite set: %w", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	return s.db.write(ctx, false, func(q querier) error {
		res, err := q.ExecContext(ctx, `DELETE FROM `+s.table+` WHERE key = ?`, key)
		if err != nil {
			return fmt.Errorf("sqlite delete: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return storage.ErrNotFound
		}
		return nil
	})
}

func (s *Store) BulkDelete(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.db.write(ctx, true, func(q querier) error {
		for _, batch := range chunks(keys, maxVariables) {
			if _, err := q.ExecContext(ctx,
				`DELETE FROM `+s.table+` WHERE key IN (`+placeholders(len(batch))+`)`, anys(batch)...); err != nil {
				return fmt.Errorf("sqlite bulk delete: %w", err)
			}
		}
		return nil
	})
}

func (s *Store) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.reader(ctx).QueryContext(ctx, `SELECT key FROM `+s.table)
	if err != nil {
		return nil, fmt.Errorf("sqlite keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("sqlite keys: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (s *Store) Items(ctx context.Context) ([]storage.Item, error) {
	rows, err := s.db.reader(ctx).QueryContext(ctx, `SELECT key, value FROM `+s.table)
	if err != nil {
		return nil, fmt.Errorf("sqlite items: %w", err)
	}
	defer rows.Close()

	var items []storage.Item
	for rows.Next() {
		var item storage.Item
		if err := rows.Scan(&item.Key, &item.Value); err != nil {
			return nil, fmt.Errorf("sqlite items: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *Store) Len(ctx context.Context) (int, error) {
	var n int
	if err := s.db.reader(ctx).QueryRowContext(ctx, `SELECT COUNT(*) FROM `+s.table).Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlite len: %w", err)
	}
	return n, nil
}

func (s *Store) Clear(ctx context.Context) error {
	return s.db.write(ctx, false, func(q querier) error {
		if _, err := q.ExecContext(ctx, `DELETE FROM `+s.table); err != nil {
			return fmt.Errorf("sqlite clear: %w", err)
		}
		return nil
	})
}

// DeleteExpired removes rows whose expiry is before now.
func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	var n int64
	err := s.db.write(ctx, false, func(q querier) error {
		res, err := q.ExecContext(ctx,
			`DELETE FROM `+s.table+` WHERE expires IS NOT NULL AND expires < ?`, now.UnixMilli())
		if err != nil {
			return fmt.Errorf("sqlite delete expired: %w", err)
		}
		n, _ = res.RowsAffected()
		return nil
	})
	return int(n), err
}

// BulkCommit runs fn in one transaction on the underlying database.
func (s *Store) BulkCommit(ctx context.Context, fn func(ctx context.Context) error) error {
	return s.db.BulkCommit(ctx, fn)
}

// Vacuum rebuilds the database file to reclaim the space of deleted rows.
func (s *Store) Vacuum(ctx context.Context) error {
	return s.db.write(ctx, false, func(q querier) error {
		_, err := q.ExecContext(ctx, `VACUUM`)
		return err
	})
}

// Close releases the store's reference to the database.
func (s *Store) Close() error {
	return s.db.Close()
}
