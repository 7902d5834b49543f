package diskcache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"math"
)

// iterBatch is the page size for key iteration. Pages run outside any
// transaction, so iteration never blocks writers.
const iterBatch = 100

// Keys iterates over all keys in insertion order, including expired ones.
// [Reverse] yields newest-first instead.
//
// Iteration pages through the index without holding locks: entries inserted
// after the iteration started are not yielded, entries removed during
// iteration may or may not be. A non-nil error ends the sequence.
func (c *Cache) Keys(ctx context.Context, opts ...OpOption) iter.Seq2[any, error] {
	cfg := applyOpOptions(opts)

	return func(yield func(any, error) bool) {
		db, err := c.handle()
		if err != nil {
			yield(nil, err)
			return
		}

		// Snapshot the upper bound so concurrent inserts don't extend the
		// iteration indefinitely.
		var bound sql.NullInt64

		err = db.QueryRowContext(ctx, "SELECT MAX(rowid) FROM Cache").Scan(&bound)
		if err != nil {
			yield(nil, fmt.Errorf("keys: %w", err))
			return
		}

		if !bound.Valid {
			return
		}

		cursor := int64(0)
		if cfg.reverse {
			cursor = math.MaxInt64
		}

		for {
			more, last, err := c.keysPage(ctx, db, cfg.reverse, cursor, bound.Int64, yield)
			if err != nil || !more {
				return
			}

			cursor = last
		}
	}
}

func (c *Cache) keysPage(ctx context.Context, db *sql.DB, reverse bool, cursor, bound int64, yield func(any, error) bool) (bool, int64, error) {
	query := `SELECT rowid, key, typeof(key), raw FROM Cache
		WHERE ? < rowid AND rowid <= ? ORDER BY rowid LIMIT ?`
	args := []any{cursor, bound, iterBatch}

	if reverse {
		query = `SELECT rowid, key, typeof(key), raw FROM Cache
			WHERE rowid < ? AND rowid <= ? ORDER BY rowid DESC LIMIT ?`
		args = []any{cursor, bound, iterBatch}
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		yield(nil, fmt.Errorf("keys: %w", err))
		return false, 0, err
	}
	defer rows.Close()

	var (
		n    int
		last int64
	)

	for rows.Next() {
		var (
			rowid   int64
			dbKey   any
			keyType string
			rawFlag int64
		)

		err = rows.Scan(&rowid, &dbKey, &keyType, &rawFlag)
		if err != nil {
			yield(nil, fmt.Errorf("keys: %w", err))
			return false, 0, err
		}

		key, err := c.disk.Get(scalarFromDB(dbKey, keyType), rawFlag != 0)
		if err != nil {
			yield(nil, err)
			return false, 0, err
		}

		if !yield(key, nil) {
			return false, 0, nil
		}

		n++
		last = rowid
	}

	err = rows.Err()
	if err != nil {
		yield(nil, fmt.Errorf("keys: %w", err))
		return false, 0, err
	}

	return n == iterBatch, last, nil
}

// SortedKeys iterates over all keys in database key order, including expired
// ones. Keys of different storage classes sort by class: integers before
// floats before text before blobs. [Reverse] yields the same sequence
// backwards.
func (c *Cache) SortedKeys(ctx context.Context, opts ...OpOption) iter.Seq2[any, error] {
	cfg := applyOpOptions(opts)

	first := `SELECT key, typeof(key), raw FROM Cache
		ORDER BY key, raw LIMIT 1`

	next := `SELECT key, typeof(key), raw FROM Cache
		WHERE (key = ? AND raw > ?) OR key > ?
		ORDER BY key, raw LIMIT 1`

	if cfg.reverse {
		first = `SELECT key, typeof(key), raw FROM Cache
			ORDER BY key DESC, raw DESC LIMIT 1`

		next = `SELECT key, typeof(key), raw FROM Cache
			WHERE (key = ? AND raw < ?) OR key < ?
			ORDER BY key DESC, raw DESC LIMIT 1`
	}

	return func(yield func(any, error) bool) {
		db, err := c.handle()
		if err != nil {
			yield(nil, err)
			return
		}

		row := db.QueryRowContext(ctx, first)

		for {
			var (
				dbKey   any
				keyType string
				rawFlag int64
			)

			err := row.Scan(&dbKey, &keyType, &rawFlag)
			if err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					return
				}

				yield(nil, fmt.Errorf("sorted keys: %w", err))

				return
			}

			cursorKey := scalarFromDB(dbKey, keyType)

			key, err := c.disk.Get(cursorKey, rawFlag != 0)
			if err != nil {
				yield(nil, err)
				return
			}

			if !yield(key, nil) {
				return
			}

			row = db.QueryRowContext(ctx, next, cursorKey, rawFlag, cursorKey)
		}
	}
}
