package diskcache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Incr atomically adds delta to the integer stored under key and returns the
// new value.
//
// An absent or expired key is initialized to the [Default] starting value
// (zero without the option) before delta is applied, unless [MustExist] is
// set, in which case Incr fails with [ErrKeyNotFound]. A non-integer value
// under key fails with [ErrInvalidValue].
//
// Incrementing refreshes the entry's store time and counts as an access
// under read-tracking eviction policies. Supported options: [Default],
// [MustExist], [Retry].
func (c *Cache) Incr(ctx context.Context, key any, delta int64, opts ...OpOption) (int64, error) {
	cfg := applyOpOptions(opts)

	dbKey, raw, err := c.disk.Put(key)
	if err != nil {
		return 0, err
	}

	var result int64

	err = c.transact(ctx, cfg.retry, "", func(s *session) error {
		result, err = c.incrRow(s, dbKey, raw, delta, cfg)
		return err
	})
	if err != nil {
		return 0, err
	}

	return result, nil
}

// Decr is [Cache.Incr] with a negated delta.
func (c *Cache) Decr(ctx context.Context, key any, delta int64, opts ...OpOption) (int64, error) {
	return c.Incr(ctx, key, -delta, opts...)
}

func (c *Cache) incrRow(s *session, dbKey any, raw bool, delta int64, cfg opConfig) (int64, error) {
	row := s.tx.QueryRow(
		`SELECT rowid, expire_time, filename, value, typeof(value)
			FROM Cache WHERE key = ? AND raw = ?`,
		dbKey, raw,
	)

	var (
		rowid      int64
		expireTime sql.NullFloat64
		filename   sql.NullString
		dbValue    any
		valueType  string
	)

	err := row.Scan(&rowid, &expireTime, &filename, &dbValue, &valueType)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		if cfg.mustExist {
			return 0, ErrKeyNotFound
		}

		return c.incrInsert(s, dbKey, raw, cfg.initial+delta)

	case err != nil:
		return 0, fmt.Errorf("incr: select row: %w", err)
	}

	if expireTime.Valid && expireTime.Float64 <= s.now {
		if cfg.mustExist {
			return 0, ErrKeyNotFound
		}

		// Reinitialize the expired entry in place.
		value := cfg.initial + delta

		s.removeAfterCommit(filename.String)

		_, err = s.tx.Exec(
			`UPDATE Cache SET
				store_time = ?, expire_time = NULL, access_time = ?,
				access_count = 0, tag = NULL, size = 0, mode = ?,
				filename = NULL, value = ?
			WHERE rowid = ?`,
			s.now, s.now, int64(ModeRaw), value, rowid,
		)
		if err != nil {
			return 0, fmt.Errorf("incr: reset row: %w", err)
		}

		return value, nil
	}

	current, ok := scalarFromDB(dbValue, valueType).(int64)
	if !ok {
		return 0, fmt.Errorf("%w: stored value is not an integer", ErrInvalidValue)
	}

	value := current + delta

	columns := "store_time = ?, value = ?"
	if update := c.settings.Load().policy.readUpdate(s.now); update != "" {
		columns += ", " + update
	}

	_, err = s.tx.Exec(
		"UPDATE Cache SET "+columns+" WHERE rowid = ?",
		s.now, value, rowid,
	)
	if err != nil {
		return 0, fmt.Errorf("incr: update row: %w", err)
	}

	return value, nil
}

func (c *Cache) incrInsert(s *session, dbKey any, raw bool, value int64) (int64, error) {
	_, err := s.tx.Exec(
		`INSERT INTO Cache(
			key, raw, store_time, expire_time, access_time,
			access_count, tag, size, mode, filename, value
		) VALUES (?, ?, ?, NULL, ?, 0, NULL, 0, ?, NULL, ?)`,
		dbKey, raw, s.now, s.now, int64(ModeRaw), value,
	)
	if err != nil {
		return 0, fmt.Errorf("incr: insert row: %w", err)
	}

	err = c.cullInTx(s, 0)
	if err != nil {
		return 0, err
	}

	return value, nil
}
