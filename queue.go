package diskcache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
)

// Queue keys occupy a dedicated range so queue entries sort correctly and
// never collide with serialized keys: the default queue uses bare integers
// in [0, 999999999999999] starting from the midpoint, prefixed queues use
// "<prefix>-<15 digit>" strings spanning the lexicographically equivalent
// range.
const (
	queueKeyMin = int64(0)
	queueKeyMid = int64(500_000_000_000_000)
	queueKeyMax = int64(999_999_999_999_999)

	queueKeyDigits = 15
)

func queueBounds(prefix string) (any, any) {
	if prefix == "" {
		return queueKeyMin, queueKeyMax
	}

	return fmt.Sprintf("%s-%0*d", prefix, queueKeyDigits, queueKeyMin),
		fmt.Sprintf("%s-%0*d", prefix, queueKeyDigits, queueKeyMax)
}

func queueKey(prefix string, num int64) any {
	if prefix == "" {
		return num
	}

	return fmt.Sprintf("%s-%0*d", prefix, queueKeyDigits, num)
}

func queueKeyNum(prefix string, dbKey any) (int64, error) {
	if prefix == "" {
		num, ok := dbKey.(int64)
		if !ok {
			return 0, fmt.Errorf("push: unexpected queue key type %T", dbKey)
		}

		return num, nil
	}

	key := settingString(dbKey)

	num, err := strconv.ParseInt(key[len(prefix)+1:], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("push: parse queue key %q: %w", key, err)
	}

	return num, nil
}

// Push appends value to a queue and returns the key it was stored under.
//
// The default is the back of the unnamed queue; use [Front] to prepend and
// [Prefix] to select a named queue. Also supported: [Expire], [Tag],
// [Retry].
func (c *Cache) Push(ctx context.Context, value any, opts ...OpOption) (any, error) {
	cfg := applyOpOptions(opts)

	sv, err := c.storeValue(value, nil)
	if err != nil {
		return nil, err
	}

	var dbKey any

	err = c.transact(ctx, cfg.retry, sv.filename, func(s *session) error {
		dbKey, err = c.pushRow(s, cfg, sv)
		return err
	})
	if err != nil {
		return nil, err
	}

	return dbKey, nil
}

// pushRow assigns the next key at the chosen end of the queue and inserts
// the row.
func (c *Cache) pushRow(s *session, cfg opConfig, sv storedValue) (any, error) {
	minKey, maxKey := queueBounds(cfg.prefix)

	order := "DESC"
	if cfg.hasSide && cfg.front {
		order = "ASC"
	}

	row := s.tx.QueryRow(
		"SELECT key, typeof(key) FROM Cache WHERE ? <= key AND key <= ? ORDER BY key "+order+" LIMIT 1",
		minKey, maxKey,
	)

	var (
		edgeKey  any
		edgeType string
	)

	num := queueKeyMid

	err := row.Scan(&edgeKey, &edgeType)

	switch {
	case err == nil:
		num, err = queueKeyNum(cfg.prefix, scalarFromDB(edgeKey, edgeType))
		if err != nil {
			return nil, err
		}

		if cfg.hasSide && cfg.front {
			num--
		} else {
			num++
		}

	case !errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("push: select edge: %w", err)
	}

	dbKey := queueKey(cfg.prefix, num)

	_, err = s.tx.Exec(
		`INSERT INTO Cache(
			key, raw, store_time, expire_time, access_time,
			access_count, tag, size, mode, filename, value
		) VALUES (?, 1, ?, ?, ?, 0, ?, ?, ?, ?, ?)`,
		dbKey, s.now, expireTimeValue(s.now, cfg), s.now,
		tagValue(cfg), sv.size, int64(sv.mode),
		nullableName(sv.filename), sv.dbValue,
	)
	if err != nil {
		return nil, fmt.Errorf("push: insert row: %w", err)
	}

	return dbKey, c.cullInTx(s, 0)
}

// queueEntry is one queue row captured inside a transaction.
type queueEntry struct {
	rowid    int64
	key      any
	raw      bool
	expired  bool
	mode     Mode
	filename string
	dbValue  any
}

func scanQueueEntry(row *sql.Row, now float64) (*queueEntry, error) {
	var (
		e         queueEntry
		keyType   string
		rawFlag   int64
		expire    sql.NullFloat64
		mode      int64
		filename  sql.NullString
		valueType string
	)

	err := row.Scan(&e.rowid, &e.key, &keyType, &rawFlag, &expire, &mode, &filename, &e.dbValue, &valueType)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, fmt.Errorf("queue: select row: %w", err)
	}

	e.key = scalarFromDB(e.key, keyType)
	e.dbValue = scalarFromDB(e.dbValue, valueType)
	e.raw = rawFlag != 0
	e.mode = Mode(mode)
	e.filename = filename.String
	e.expired = expire.Valid && expire.Float64 <= now

	return &e, nil
}

// queueSelect builds the extreme-row query for Pull and Peek, which default
// to the front of the queue.
func queueSelect(cfg opConfig) (string, any, any) {
	minKey, maxKey := queueBounds(cfg.prefix)

	order := "ASC"
	if cfg.hasSide && !cfg.front {
		order = "DESC"
	}

	query := `SELECT rowid, key, typeof(key), raw, expire_time, mode, filename, value, typeof(value)
		FROM Cache WHERE ? <= key AND key <= ? ORDER BY key ` + order + " LIMIT 1"

	return query, minKey, maxKey
}

// Pull removes and returns the next (key, value) pair from a queue. An empty
// queue returns [ErrEmpty].
//
// The default is the front of the unnamed queue; use [Back] and [Prefix] to
// change that. Expired entries are discarded in passing. Also supported:
// [Retry].
func (c *Cache) Pull(ctx context.Context, opts ...OpOption) (any, any, error) {
	cfg := applyOpOptions(opts)

	query, minKey, maxKey := queueSelect(cfg)

	for {
		var entry *queueEntry

		err := c.transact(ctx, cfg.retry, "", func(s *session) error {
			e, err := scanQueueEntry(s.tx.QueryRow(query, minKey, maxKey), s.now)
			if err != nil || e == nil {
				return err
			}

			_, err = s.tx.Exec("DELETE FROM Cache WHERE rowid = ?", e.rowid)
			if err != nil {
				return fmt.Errorf("pull: delete row: %w", err)
			}

			if e.expired {
				s.removeAfterCommit(e.filename)
			} else {
				entry = e
			}

			return nil
		})
		if err != nil {
			return nil, nil, err
		}

		if entry == nil {
			again, err := c.queueHasEntries(ctx, minKey, maxKey)
			if err != nil {
				return nil, nil, err
			}

			if again {
				continue
			}

			return nil, nil, ErrEmpty
		}

		value, err := c.disk.Fetch(entry.mode, entry.filename, entry.dbValue, false)

		if entry.filename != "" {
			c.disk.Remove(entry.filename)
		}

		if err != nil {
			if errors.Is(err, ErrMissingValue) {
				continue
			}

			return nil, nil, err
		}

		return entry.key, value, nil
	}
}

// queueHasEntries distinguishes "queue drained" from "skipped an expired
// entry" after an iteration captured nothing.
func (c *Cache) queueHasEntries(ctx context.Context, minKey, maxKey any) (bool, error) {
	db, err := c.handle()
	if err != nil {
		return false, err
	}

	var rowid int64

	row := db.QueryRowContext(ctx,
		"SELECT rowid FROM Cache WHERE ? <= key AND key <= ? LIMIT 1", minKey, maxKey)

	err = row.Scan(&rowid)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}

		return false, fmt.Errorf("queue: probe: %w", err)
	}

	return true, nil
}

// Peek returns the next (key, value) pair from a queue without removing it.
// An empty queue returns [ErrEmpty]. Expired entries and entries whose blob
// file has vanished are removed in passing.
//
// Defaults and options match [Cache.Pull].
func (c *Cache) Peek(ctx context.Context, opts ...OpOption) (any, any, error) {
	cfg := applyOpOptions(opts)

	query, minKey, maxKey := queueSelect(cfg)

	entry, value, err := c.peekLoop(ctx, cfg, query, []any{minKey, maxKey})
	if err != nil {
		return nil, nil, err
	}

	return entry.key, value, nil
}

// PeekItem returns the most recently stored (key, value) pair in the whole
// cache without removing it, or the oldest with [Front]. An empty cache
// returns [ErrEmpty].
func (c *Cache) PeekItem(ctx context.Context, opts ...OpOption) (any, any, error) {
	cfg := applyOpOptions(opts)

	order := "DESC"
	if cfg.hasSide && cfg.front {
		order = "ASC"
	}

	query := `SELECT rowid, key, typeof(key), raw, expire_time, mode, filename, value, typeof(value)
		FROM Cache ORDER BY rowid ` + order + " LIMIT 1"

	entry, value, err := c.peekLoop(ctx, cfg, query, nil)
	if err != nil {
		return nil, nil, err
	}

	// Keys outside the queue ranges may be serialized.
	key, err := c.disk.Get(entry.key, entry.raw)
	if err != nil {
		return nil, nil, err
	}

	return key, value, nil
}

func (c *Cache) peekLoop(ctx context.Context, cfg opConfig, query string, args []any) (*queueEntry, any, error) {
	for {
		var (
			entry *queueEntry
			value any
			empty bool
		)

		err := c.transact(ctx, cfg.retry, "", func(s *session) error {
			e, err := scanQueueEntry(s.tx.QueryRow(query, args...), s.now)
			if err != nil {
				return err
			}

			if e == nil {
				empty = true
				return nil
			}

			if e.expired {
				_, err = s.tx.Exec("DELETE FROM Cache WHERE rowid = ?", e.rowid)
				if err != nil {
					return fmt.Errorf("peek: delete expired: %w", err)
				}

				s.removeAfterCommit(e.filename)

				return nil
			}

			value, err = c.disk.Fetch(e.mode, e.filename, e.dbValue, false)
			if err != nil {
				if errors.Is(err, ErrMissingValue) {
					// Stale row, its file is gone.
					_, err = s.tx.Exec("DELETE FROM Cache WHERE rowid = ?", e.rowid)
					if err != nil {
						return fmt.Errorf("peek: delete stale: %w", err)
					}

					return nil
				}

				return err
			}

			entry = e

			return nil
		})
		if err != nil {
			return nil, nil, err
		}

		if empty {
			return nil, nil, ErrEmpty
		}

		if entry == nil {
			continue
		}

		return entry, value, nil
	}
}
