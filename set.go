package diskcache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
)

// storedValue is the row representation of a value, produced by
// [Disk.Store]. Exactly one of filename and dbValue is meaningful.
type storedValue struct {
	size     int64
	mode     Mode
	filename string
	dbValue  any
}

func (c *Cache) storeValue(value any, r io.Reader) (storedValue, error) {
	size, mode, filename, dbValue, err := c.disk.Store(value, r)
	if err != nil {
		return storedValue{}, err
	}

	return storedValue{size: size, mode: mode, filename: filename, dbValue: dbValue}, nil
}

// Set stores value under key, replacing any previous entry.
//
// Large values spill to a blob file which is written before the index
// transaction begins, so the write lock is held only for the row update.
// Supported options: [Expire], [Tag], [Retry].
func (c *Cache) Set(ctx context.Context, key, value any, opts ...OpOption) error {
	return c.set(ctx, key, value, nil, opts)
}

// SetReader stores the contents of r under key as a byte stream. The stream
// is always written to a blob file regardless of size.
func (c *Cache) SetReader(ctx context.Context, key any, r io.Reader, opts ...OpOption) error {
	if r == nil {
		return fmt.Errorf("%w: nil reader", ErrInvalidValue)
	}

	return c.set(ctx, key, nil, r, opts)
}

func (c *Cache) set(ctx context.Context, key, value any, r io.Reader, opts []OpOption) error {
	cfg := applyOpOptions(opts)

	dbKey, raw, err := c.disk.Put(key)
	if err != nil {
		return err
	}

	sv, err := c.storeValue(value, r)
	if err != nil {
		return err
	}

	return c.transact(ctx, cfg.retry, sv.filename, func(s *session) error {
		_, err := c.setRow(s, dbKey, raw, sv, cfg, false)
		return err
	})
}

// Add stores value under key only if the key is absent or expired. It
// reports whether the value was stored. Supported options: [Expire], [Tag],
// [Retry].
func (c *Cache) Add(ctx context.Context, key, value any, opts ...OpOption) (bool, error) {
	cfg := applyOpOptions(opts)

	dbKey, raw, err := c.disk.Put(key)
	if err != nil {
		return false, err
	}

	sv, err := c.storeValue(value, nil)
	if err != nil {
		return false, err
	}

	var added bool

	err = c.transact(ctx, cfg.retry, sv.filename, func(s *session) error {
		added, err = c.setRow(s, dbKey, raw, sv, cfg, true)
		return err
	})
	if err != nil {
		return false, err
	}

	return added, nil
}

// Touch updates the expiration of an existing, unexpired entry without
// touching its value. It reports whether the entry was found. Supported
// options: [Expire], [Retry]. Omitting [Expire] clears the expiration.
func (c *Cache) Touch(ctx context.Context, key any, opts ...OpOption) (bool, error) {
	cfg := applyOpOptions(opts)

	dbKey, raw, err := c.disk.Put(key)
	if err != nil {
		return false, err
	}

	var touched bool

	err = c.transact(ctx, cfg.retry, "", func(s *session) error {
		touched, err = c.touchRow(s, dbKey, raw, cfg)
		return err
	})
	if err != nil {
		return false, err
	}

	return touched, nil
}

// expireTimeValue converts the per-call expire option to the column value,
// nil meaning "never expires".
func expireTimeValue(now float64, cfg opConfig) any {
	if !cfg.hasExpire {
		return nil
	}

	return now + cfg.expire.Seconds()
}

func tagValue(cfg opConfig) any {
	if !cfg.hasTag {
		return nil
	}

	return cfg.tag
}

// setRow writes one entry inside an open transaction. With addOnly it keeps
// an existing live entry and reports false. The replaced entry's blob file
// is removed only after the transaction commits.
func (c *Cache) setRow(s *session, dbKey any, raw bool, sv storedValue, cfg opConfig, addOnly bool) (bool, error) {
	row := s.tx.QueryRow(
		"SELECT rowid, filename, expire_time FROM Cache WHERE key = ? AND raw = ?",
		dbKey, boolSetting(raw),
	)

	var (
		rowid       int64
		oldFilename sql.NullString
		expireTime  sql.NullFloat64
	)

	err := row.Scan(&rowid, &oldFilename, &expireTime)

	switch {
	case err == nil:
		if addOnly && (!expireTime.Valid || expireTime.Float64 > s.now) {
			s.removeAfterCommit(sv.filename)
			return false, nil
		}

		s.removeAfterCommit(oldFilename.String)

		_, err = s.tx.Exec(
			`UPDATE Cache SET
				store_time = ?, expire_time = ?, access_time = ?,
				access_count = ?, tag = ?, size = ?, mode = ?,
				filename = ?, value = ?
			WHERE rowid = ?`,
			s.now, expireTimeValue(s.now, cfg), s.now,
			0, tagValue(cfg), sv.size, int64(sv.mode),
			nullableName(sv.filename), sv.dbValue,
			rowid,
		)
		if err != nil {
			return false, fmt.Errorf("set: update row: %w", err)
		}

	case errors.Is(err, sql.ErrNoRows):
		_, err = s.tx.Exec(
			`INSERT INTO Cache(
				key, raw, store_time, expire_time, access_time,
				access_count, tag, size, mode, filename, value
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			dbKey, boolSetting(raw), s.now, expireTimeValue(s.now, cfg), s.now,
			0, tagValue(cfg), sv.size, int64(sv.mode),
			nullableName(sv.filename), sv.dbValue,
		)
		if err != nil {
			return false, fmt.Errorf("set: insert row: %w", err)
		}

	default:
		return false, fmt.Errorf("set: select row: %w", err)
	}

	err = c.cullInTx(s, 0)
	if err != nil {
		return false, err
	}

	return true, nil
}

func (c *Cache) touchRow(s *session, dbKey any, raw bool, cfg opConfig) (bool, error) {
	row := s.tx.QueryRow(
		"SELECT rowid, expire_time FROM Cache WHERE key = ? AND raw = ?",
		dbKey, boolSetting(raw),
	)

	var (
		rowid      int64
		expireTime sql.NullFloat64
	)

	err := row.Scan(&rowid, &expireTime)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}

		return false, fmt.Errorf("touch: select row: %w", err)
	}

	if expireTime.Valid && expireTime.Float64 <= s.now {
		return false, nil
	}

	_, err = s.tx.Exec(
		"UPDATE Cache SET expire_time = ? WHERE rowid = ?",
		expireTimeValue(s.now, cfg), rowid,
	)
	if err != nil {
		return false, fmt.Errorf("touch: update row: %w", err)
	}

	return true, nil
}

func nullableName(filename string) any {
	if filename == "" {
		return nil
	}

	return filename
}
