package diskcache

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"time"
)

// Item is a cache entry with its metadata.
type Item struct {
	// Value is the stored value.
	Value any

	// ExpireTime is when the entry expires. The zero time means the entry
	// never expires.
	ExpireTime time.Time

	// Tag is the label attached at write time, nil when untagged.
	Tag any
}

// entryRow is one live Cache row as read from the index.
type entryRow struct {
	rowid      int64
	expireTime sql.NullFloat64
	tag        any
	mode       Mode
	filename   string
	dbValue    any
}

const selectEntry = `SELECT rowid, expire_time, tag, typeof(tag), mode, filename, value, typeof(value)
	FROM Cache WHERE key = ? AND raw = ? AND (expire_time IS NULL OR expire_time > ?)`

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// getRow reads the live entry for a database key. A missing or expired
// entry returns (nil, nil).
func getRow(ctx context.Context, q rowQuerier, dbKey any, raw bool, now float64) (*entryRow, error) {
	row := q.QueryRowContext(ctx, selectEntry, dbKey, boolSetting(raw), now)

	var (
		e         entryRow
		tagType   string
		valueType string
		filename  sql.NullString
		mode      int64
	)

	err := row.Scan(&e.rowid, &e.expireTime, &e.tag, &tagType, &mode, &filename, &e.dbValue, &valueType)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, fmt.Errorf("get: select row: %w", err)
	}

	e.mode = Mode(mode)
	e.filename = filename.String
	e.tag = scalarFromDB(e.tag, tagType)
	e.dbValue = scalarFromDB(e.dbValue, valueType)

	return &e, nil
}

func (e *entryRow) item(value any) Item {
	item := Item{Value: value, Tag: e.tag}

	if e.expireTime.Valid {
		sec, frac := math.Modf(e.expireTime.Float64)
		item.ExpireTime = time.Unix(int64(sec), int64(frac*1e9))
	}

	return item
}

// Get returns the value stored under key. Absent and expired keys return
// [ErrKeyNotFound]. Supported options: [Retry].
//
// Under the default eviction policy with statistics disabled, Get never
// takes the write lock.
func (c *Cache) Get(ctx context.Context, key any, opts ...OpOption) (any, error) {
	item, err := c.getItem(ctx, key, applyOpOptions(opts), false)
	if err != nil {
		return nil, err
	}

	return item.Value, nil
}

// GetItem is [Cache.Get] returning the entry's metadata alongside its value.
func (c *Cache) GetItem(ctx context.Context, key any, opts ...OpOption) (Item, error) {
	return c.getItem(ctx, key, applyOpOptions(opts), false)
}

// Reader returns the value stored under key as a stream. File-backed values
// stream directly from the blob file; inline byte and text values are
// wrapped in memory. Other inline values return [ErrInvalidValue]. The
// caller owns the returned reader.
func (c *Cache) Reader(ctx context.Context, key any, opts ...OpOption) (io.ReadCloser, error) {
	item, err := c.getItem(ctx, key, applyOpOptions(opts), true)
	if err != nil {
		return nil, err
	}

	switch v := item.Value.(type) {
	case io.ReadCloser:
		return v, nil
	case []byte:
		return io.NopCloser(bytes.NewReader(v)), nil
	case string:
		return io.NopCloser(strings.NewReader(v)), nil
	default:
		return nil, fmt.Errorf("%w: value of type %T is not streamable", ErrInvalidValue, item.Value)
	}
}

func (c *Cache) getItem(ctx context.Context, key any, cfg opConfig, asHandle bool) (Item, error) {
	settings := c.settings.Load()

	dbKey, raw, err := c.disk.Put(key)
	if err != nil {
		return Item{}, err
	}

	now := nowSeconds()
	update := settings.policy.readUpdate(now)

	if !settings.statistics && update == "" {
		return c.getFast(ctx, dbKey, raw, now, asHandle)
	}

	var (
		item  Item
		found bool
	)

	err = c.transact(ctx, cfg.retry, "", func(s *session) error {
		item, found, err = c.getInTx(ctx, s, dbKey, raw, asHandle)
		return err
	})
	if err != nil {
		return Item{}, err
	}

	if !found {
		return Item{}, ErrKeyNotFound
	}

	return item, nil
}

// getInTx is the transactional read: it maintains hit/miss counters and the
// access metadata the eviction policy tracks.
func (c *Cache) getInTx(ctx context.Context, s *session, dbKey any, raw, asHandle bool) (Item, bool, error) {
	settings := c.settings.Load()

	e, err := getRow(ctx, s.tx, dbKey, raw, s.now)
	if err != nil {
		return Item{}, false, err
	}

	if e == nil {
		return Item{}, false, c.recordMiss(s, settings)
	}

	value, err := c.disk.Fetch(e.mode, e.filename, e.dbValue, asHandle)
	if err != nil {
		if errors.Is(err, ErrMissingValue) {
			return Item{}, false, c.recordMiss(s, settings)
		}

		return Item{}, false, err
	}

	if settings.statistics {
		_, err = s.tx.Exec(`UPDATE Settings SET value = value + 1 WHERE key = "hits"`)
		if err != nil {
			return Item{}, false, fmt.Errorf("get: record hit: %w", err)
		}
	}

	if update := settings.policy.readUpdate(s.now); update != "" {
		_, err = s.tx.Exec("UPDATE Cache SET "+update+" WHERE rowid = ?", e.rowid)
		if err != nil {
			return Item{}, false, fmt.Errorf("get: access update: %w", err)
		}
	}

	return e.item(value), true, nil
}

// getFast reads without a transaction. Valid only when reads mutate nothing.
func (c *Cache) getFast(ctx context.Context, dbKey any, raw bool, now float64, asHandle bool) (Item, error) {
	db, err := c.handle()
	if err != nil {
		return Item{}, err
	}

	e, err := getRow(ctx, db, dbKey, raw, now)
	if err != nil {
		return Item{}, err
	}

	if e == nil {
		return Item{}, ErrKeyNotFound
	}

	value, err := c.disk.Fetch(e.mode, e.filename, e.dbValue, asHandle)
	if err != nil {
		if errors.Is(err, ErrMissingValue) {
			return Item{}, ErrKeyNotFound
		}

		return Item{}, err
	}

	return e.item(value), nil
}

func (c *Cache) recordMiss(s *session, settings *runtimeSettings) error {
	if !settings.statistics {
		return nil
	}

	_, err := s.tx.Exec(`UPDATE Settings SET value = value + 1 WHERE key = "misses"`)
	if err != nil {
		return fmt.Errorf("get: record miss: %w", err)
	}

	return nil
}

// Contains reports whether a live entry exists for key. It never counts as
// a hit or miss and never updates access metadata.
func (c *Cache) Contains(ctx context.Context, key any) (bool, error) {
	db, err := c.handle()
	if err != nil {
		return false, err
	}

	dbKey, raw, err := c.disk.Put(key)
	if err != nil {
		return false, err
	}

	row := db.QueryRowContext(ctx,
		"SELECT rowid FROM Cache WHERE key = ? AND raw = ? AND (expire_time IS NULL OR expire_time > ?)",
		dbKey, boolSetting(raw), nowSeconds(),
	)

	var rowid int64

	err = row.Scan(&rowid)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}

		return false, fmt.Errorf("contains: %w", err)
	}

	return true, nil
}
