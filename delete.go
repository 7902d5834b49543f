package diskcache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Delete removes the entry stored under key and reports whether a live entry
// existed. Supported options: [Retry].
func (c *Cache) Delete(ctx context.Context, key any, opts ...OpOption) (bool, error) {
	cfg := applyOpOptions(opts)

	dbKey, raw, err := c.disk.Put(key)
	if err != nil {
		return false, err
	}

	var deleted bool

	err = c.transact(ctx, cfg.retry, "", func(s *session) error {
		deleted, err = c.deleteRow(s, dbKey, raw)
		return err
	})
	if err != nil {
		return false, err
	}

	return deleted, nil
}

func (c *Cache) deleteRow(s *session, dbKey any, raw bool) (bool, error) {
	row := s.tx.QueryRow(
		`SELECT rowid, filename FROM Cache
			WHERE key = ? AND raw = ? AND (expire_time IS NULL OR expire_time > ?)`,
		dbKey, boolSetting(raw), s.now,
	)

	var (
		rowid    int64
		filename sql.NullString
	)

	err := row.Scan(&rowid, &filename)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}

		return false, fmt.Errorf("delete: select row: %w", err)
	}

	_, err = s.tx.Exec("DELETE FROM Cache WHERE rowid = ?", rowid)
	if err != nil {
		return false, fmt.Errorf("delete: %w", err)
	}

	s.removeAfterCommit(filename.String)

	return true, nil
}

// Pop removes and returns the value stored under key. Absent and expired
// keys return [ErrKeyNotFound].
//
// File-backed values are read after the removing transaction commits, so the
// write lock is never held during value I/O. Supported options: [Retry].
func (c *Cache) Pop(ctx context.Context, key any, opts ...OpOption) (any, error) {
	cfg := applyOpOptions(opts)

	dbKey, raw, err := c.disk.Put(key)
	if err != nil {
		return nil, err
	}

	var (
		popped *entryRow
	)

	err = c.transact(ctx, cfg.retry, "", func(s *session) error {
		e, err := getRow(ctx, s.tx, dbKey, raw, s.now)
		if err != nil {
			return err
		}

		if e == nil {
			return nil
		}

		_, err = s.tx.Exec("DELETE FROM Cache WHERE rowid = ?", e.rowid)
		if err != nil {
			return fmt.Errorf("pop: %w", err)
		}

		popped = e

		return nil
	})
	if err != nil {
		return nil, err
	}

	if popped == nil {
		return nil, ErrKeyNotFound
	}

	value, err := c.disk.Fetch(popped.mode, popped.filename, popped.dbValue, false)

	if popped.filename != "" {
		c.disk.Remove(popped.filename)
	}

	if err != nil {
		if errors.Is(err, ErrMissingValue) {
			return nil, ErrKeyNotFound
		}

		return nil, err
	}

	return value, nil
}
