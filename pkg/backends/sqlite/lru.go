package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/requests-cache/requests-cache-sub000/pkg/storage"
)

// LRUStore is a Store that also maintains, in the same database:
//
//	lru_index(key TEXT PRIMARY KEY, access_time INTEGER, size INTEGER)
//	lru_total(id INTEGER PRIMARY KEY CHECK (id = 1), total_size INTEGER)
//
// Every write updates the value row, its index row and the total in one
// transaction, so TotalSize always equals the sum of the indexed sizes.
// A database holds at most one LRU table.
type LRUStore struct {
	*Store
}

var _ storage.LRUIndex = (*LRUStore)(nil)

// LRUTable opens (creating if needed) the table name with size tracking.
func (db *DB) LRUTable(ctx context.Context, name string) (*LRUStore, error) {
	s, err := db.Table(ctx, name)
	if err != nil {
		return nil, err
	}
	err = db.write(ctx, true, func(q querier) error {
		for _, stmt := range []string{
			`CREATE TABLE IF NOT EXISTS lru_index (key TEXT PRIMARY KEY, access_time INTEGER NOT NULL, size INTEGER NOT NULL)`,
			`CREATE INDEX IF NOT EXISTS lru_index_access_time_idx ON lru_index (access_time)`,
			`CREATE INDEX IF NOT EXISTS lru_index_size_idx ON lru_index (size)`,
			`CREATE TABLE IF NOT EXISTS lru_total (id INTEGER PRIMARY KEY CHECK (id = 1), total_size INTEGER NOT NULL)`,
			`INSERT OR IGNORE INTO lru_total (id, total_size) VALUES (1, 0)`,
		} {
			if _, err := q.ExecContext(ctx, stmt); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("create lru index: %w", err)
	}
	return &LRUStore{Store: s}, nil
}

func (s *LRUStore) Set(ctx context.Context, key string, value []byte) error {
	return s.SetWithExpiry(ctx, key, value, time.Time{})
}

func (s *LRUStore) SetWithExpiry(ctx context.Context, key string, value []byte, expires time.Time) error {
	return s.db.write(ctx, true, func(q querier) error {
		old, err := indexedSize(ctx, q, key)
		if err != nil {
			return err
		}
		if err := s.upsert(ctx, q, key, value, expires); err != nil {
			return err
		}
		size := int64(len(value))
		if _, err := q.ExecContext(ctx,
			`INSERT INTO lru_index (key, access_time, size) VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET access_time = excluded.access_time, size = excluded.size`,
			key, accessTime(), size); err != nil {
			return fmt.Errorf("sqlite lru index: %w", err)
		}
		return addTotal(ctx, q, size-old)
	})
}

func (s *LRUStore) Delete(ctx context.Context, key string) error {
	return s.db.write(ctx, true, func(q querier) error {
		size, err := indexedSize(ctx, q, key)
		if err != nil {
			return err
		}
		res, err := q.ExecContext(ctx, `DELETE FROM `+s.table+` WHERE key = ?`, key)
		if err != nil {
			return fmt.Errorf("sqlite delete: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return storage.ErrNotFound
		}
		if _, err := q.ExecContext(ctx, `DELETE FROM lru_index WHERE key = ?`, key); err != nil {
			return fmt.Errorf("sqlite lru index: %w", err)
		}
		return addTotal(ctx, q, -size)
	})
}

func (s *LRUStore) BulkDelete(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.db.write(ctx, true, func(q querier) error {
		for _, batch := range chunks(keys, maxVariables) {
			in := `(` + placeholders(len(batch)) + `)`
			args := anys(batch)

			var removed int64
			if err := q.QueryRowContext(ctx,
				`SELECT COALESCE(SUM(size), 0) FROM lru_index WHERE key IN `+in, args...).Scan(&removed); err != nil {
				return fmt.Errorf("sqlite lru index: %w", err)
			}
			if _, err := q.ExecContext(ctx, `DELETE FROM `+s.table+` WHERE key IN `+in, args...); err != nil {
				return fmt.Errorf("sqlite bulk delete: %w", err)
			}
			if _, err := q.ExecContext(ctx, `DELETE FROM lru_index WHERE key IN `+in, args...); err != nil {
				return fmt.Errorf("sqlite lru index: %w", err)
			}
			if err := addTotal(ctx, q, -removed); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *LRUStore) Clear(ctx context.Context) error {
	return s.db.write(ctx, true, func(q querier) error {
		for _, stmt := range []string{
			`DELETE FROM ` + s.table,
			`DELETE FROM lru_index`,
			`UPDATE lru_total SET total_size = 0 WHERE id = 1`,
		} {
			if _, err := q.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("sqlite clear: %w", err)
			}
		}
		return nil
	})
}

func (s *LRUStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	var n int64
	err := s.db.write(ctx, true, func(q querier) error {
		expired := `SELECT key FROM ` + s.table + ` WHERE expires IS NOT NULL AND expires < ?`
		cutoff := now.UnixMilli()

		var removed int64
		if err := q.QueryRowContext(ctx,
			`SELECT COALESCE(SUM(size), 0) FROM lru_index WHERE key IN (`+expired+`)`, cutoff).Scan(&removed); err != nil {
			return fmt.Errorf("sqlite lru index: %w", err)
		}
		if _, err := q.ExecContext(ctx, `DELETE FROM lru_index WHERE key IN (`+expired+`)`, cutoff); err != nil {
			return fmt.Errorf("sqlite lru index: %w", err)
		}
		res, err := q.ExecContext(ctx,
			`DELETE FROM `+s.table+` WHERE expires IS NOT NULL AND expires < ?`, cutoff)
		if err != nil {
			return fmt.Errorf("sqlite delete expired: %w", err)
		}
		n, _ = res.RowsAffected()
		return addTotal(ctx, q, -removed)
	})
	return int(n), err
}

func (s *LRUStore) UpdateAccessTime(ctx context.Context, key string) error {
	return s.db.write(ctx, false, func(q querier) error {
		res, err := q.ExecContext(ctx, `UPDATE lru_index SET access_time = ? WHERE key = ?`, accessTime(), key)
		if err != nil {
			return fmt.Errorf("sqlite update access time: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return storage.ErrNotFound
		}
		return nil
	})
}

func (s *LRUStore) TotalSize(ctx context.Context) (int64, error) {
	var total int64
	err := s.db.reader(ctx).QueryRowContext(ctx,
		`SELECT total_size FROM lru_total WHERE id = 1`).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sqlite total size: %w", err)
	}
	return total, nil
}

// GetLRU returns the oldest-accessed keys whose sizes add up to at least threshold.
func (s *LRUStore) GetLRU(ctx context.Context, threshold int64) ([]string, error) {
	if threshold <= 0 {
		return nil, nil
	}
	rows, err := s.db.reader(ctx).QueryContext(ctx,
		`SELECT key, size FROM lru_index ORDER BY access_time ASC, key ASC`)
	if err != nil {
		return nil, fmt.Errorf("sqlite get lru: %w", err)
	}
	defer rows.Close()

	var (
		keys []string
		sum  int64
	)
	for rows.Next() && sum < threshold {
		var (
			key  string
			size int64
		)
		if err := rows.Scan(&key, &size); err != nil {
			return nil, fmt.Errorf("sqlite get lru: %w", err)
		}
		keys = append(keys, key)
		sum += size
	}
	return keys, rows.Err()
}

// Sorted yields keys ordered by opts. Each range runs a new query, and the
// rows are read in full before the first key is yielded so the loop body can
// use the store on a single-connection database.
func (s *LRUStore) Sorted(ctx context.Context, opts storage.SortOptions) iter.Seq2[string, error] {
	var column string
	switch opts.By {
	case storage.SortBySize:
		column = "size"
	case storage.SortByKey:
		column = "key"
	default:
		column = "access_time"
	}
	dir := "ASC"
	if opts.Reversed {
		dir = "DESC"
	}
	query := fmt.Sprintf(`SELECT key FROM lru_index ORDER BY %s %s, key %s`, column, dir, dir)
	if opts.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, opts.Limit)
	}

	return func(yield func(string, error) bool) {
		keys, err := s.sortedKeys(ctx, query)
		if err != nil {
			yield("", fmt.Errorf("sqlite sorted: %w", err))
			return
		}
		for _, key := range keys {
			if !yield(key, nil) {
				return
			}
		}
	}
}

func (s *LRUStore) sortedKeys(ctx context.Context, query string) ([]string, error) {
	rows, err := s.db.reader(ctx).QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func indexedSize(ctx context.Context, q querier, key string) (int64, error) {
	var size int64
	err := q.QueryRowContext(ctx, `SELECT size FROM lru_index WHERE key = ?`, key).Scan(&size)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("sqlite lru index: %w", err)
	}
	return size, nil
}

func addTotal(ctx context.Context, q querier, delta int64) error {
	if delta == 0 {
		return nil
	}
	if _, err := q.ExecContext(ctx,
		`UPDATE lru_total SET total_size = total_size + ? WHERE id = 1`, delta); err != nil {
		return fmt.Errorf("sqlite lru total: %w", err)
	}
	return nil
}

func accessTime() int64 {
	return time.Now().UnixNano()
}
