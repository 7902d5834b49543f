// Package diskcache implements a disk-backed key/value cache indexed by
// SQLite. Values live either inline in the index or as files in a sharded
// directory tree, and every mutation runs inside a single SQLite
// transaction, which makes the cache safe to share between processes.
package diskcache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// busyRetryInterval paces retries when another process holds the write lock
// and the caller asked for unbounded retry.
const busyRetryInterval = time.Millisecond

const dirPerms = 0o755

// Cache is a disk-backed key/value store. It is safe for concurrent use by
// multiple goroutines and by multiple processes sharing the same directory.
//
// Open a cache with [Open] and release it with [Cache.Close].
type Cache struct {
	directory string
	timeout   time.Duration
	disk      Disk
	log       zerolog.Logger

	db       atomic.Pointer[sql.DB]
	settings atomic.Pointer[runtimeSettings]

	// mu serializes setting changes and reopen; regular operations only
	// load the atomic pointers.
	mu sync.Mutex

	pageSize int64
}

// Open creates or opens the cache rooted at directory.
//
// Settings persisted by a previous open take precedence over built-in
// defaults; settings passed as options take precedence over both and are
// written back to the index.
func Open(directory string, opts ...Option) (*Cache, error) {
	cfg := defaultConfig()

	for _, opt := range opts {
		opt(cfg)
	}

	err := os.MkdirAll(directory, dirPerms)
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}

	merged := defaultSettings()

	persisted, err := readPersistedSettings(directory, cfg.timeout)
	if err != nil {
		return nil, err
	}

	for key, value := range persisted {
		if _, known := merged[key]; known {
			merged[key] = value
		}
	}

	for key, value := range cfg.settings {
		merged[key] = value
	}

	settings, err := settingsFromMap(merged)
	if err != nil {
		return nil, err
	}

	c := &Cache{
		directory: directory,
		timeout:   cfg.timeout,
		disk:      cfg.disk,
		log:       cfg.logger,
	}

	if c.disk == nil {
		c.disk = NewFileDisk(directory, settings.minFileSize)
	}

	c.disk.SetMinFileSize(settings.minFileSize)

	if d, ok := c.disk.(interface{ SetCompressLevel(int) }); ok {
		d.SetCompressLevel(int(settings.compressLevel))
	}

	c.settings.Store(settings)

	db, err := openIndex(directory, settings, cfg.timeout)
	if err != nil {
		return nil, err
	}

	c.db.Store(db)

	err = c.initSchema(context.Background(), merged)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	row := db.QueryRow("PRAGMA page_size")

	err = row.Scan(&c.pageSize)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open cache: page size: %w", err)
	}

	return c, nil
}

// readPersistedSettings loads the Settings table before the main handle is
// configured, so pragmas like journal_mode can be set correctly on first
// open. A missing table means a fresh cache.
func readPersistedSettings(directory string, timeout time.Duration) (map[string]any, error) {
	defaults := defaultSettings()

	dsn := (&runtimeSettings{
		journalMode: settingString(defaults[settingJournalMode]),
		synchronous: settingInt(defaults[settingSynchronous]),
		cacheSize:   settingInt(defaults[settingCacheSize]),
		autoVacuum:  settingInt(defaults[settingAutoVacuum]),
	}).dsn(directory, timeout)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	defer db.Close()

	rows, err := db.Query("SELECT key, value FROM Settings")
	if err != nil {
		// Fresh directory, the schema does not exist yet.
		return nil, nil
	}
	defer rows.Close()

	persisted := make(map[string]any)

	for rows.Next() {
		var (
			key   string
			value any
		)

		err = rows.Scan(&key, &value)
		if err != nil {
			return nil, fmt.Errorf("open cache: settings: %w", err)
		}

		persisted[key] = value
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("open cache: settings: %w", err)
	}

	return persisted, nil
}

func openIndex(directory string, settings *runtimeSettings, timeout time.Duration) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", settings.dsn(directory, timeout))
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}

	_, err = db.Exec(fmt.Sprintf("PRAGMA mmap_size = %d", settings.mmapSize))
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open cache: mmap: %w", err)
	}

	return db, nil
}

func (c *Cache) initSchema(ctx context.Context, merged map[string]any) error {
	for _, stmt := range schemaStatements {
		err := c.execRetry(ctx, stmt)
		if err != nil {
			return fmt.Errorf("open cache: schema: %w", err)
		}
	}

	settings := c.settings.Load()

	if init := settings.policy.spec().init; init != "" {
		err := c.execRetry(ctx, init)
		if err != nil {
			return fmt.Errorf("open cache: policy index: %w", err)
		}
	}

	if settings.tagIndex {
		err := c.createTagIndexLocked(ctx)
		if err != nil {
			return err
		}
	}

	for key := range merged {
		value, err := settings.value(key)
		if err != nil {
			return err
		}

		err = c.execRetry(ctx, "INSERT OR REPLACE INTO Settings VALUES (?, ?)", key, value)
		if err != nil {
			return fmt.Errorf("open cache: persist settings: %w", err)
		}
	}

	for _, key := range metadataDefaults {
		err := c.execRetry(ctx, "INSERT OR IGNORE INTO Settings VALUES (?, 0)", key)
		if err != nil {
			return fmt.Errorf("open cache: metadata: %w", err)
		}
	}

	return nil
}

// Close releases the index handle. Blob files and the index remain on disk;
// reopening the same directory restores the cache. Close is idempotent.
func (c *Cache) Close() error {
	db := c.db.Swap(nil)
	if db == nil {
		return nil
	}

	err := db.Close()
	if err != nil {
		return fmt.Errorf("close cache: %w", err)
	}

	return nil
}

// Directory returns the root directory of the cache.
func (c *Cache) Directory() string {
	return c.directory
}

func (c *Cache) handle() (*sql.DB, error) {
	db := c.db.Load()
	if db == nil {
		return nil, ErrClosed
	}

	return db, nil
}

// reopenLocked swaps the index handle for one carrying next's pragmas.
// Callers hold c.mu.
func (c *Cache) reopenLocked(next *runtimeSettings) error {
	old := c.db.Load()
	if old == nil {
		return ErrClosed
	}

	db, err := openIndex(c.directory, next, c.timeout)
	if err != nil {
		return err
	}

	c.db.Store(db)

	err = old.Close()
	if err != nil {
		c.log.Warn().Err(err).Msg("closing previous index handle")
	}

	return nil
}

// session is the view of the cache inside one transaction. Filenames queued
// in deferred are removed only after the transaction commits; filenames in
// created are removed if it rolls back. Together they guarantee that a blob
// file outlives its index row on success and never survives a failed write.
type session struct {
	tx  *sql.Tx
	now float64

	deferred []string
	created  []string
}

func (s *session) removeAfterCommit(filename string) {
	if filename != "" {
		s.deferred = append(s.deferred, filename)
	}
}

func (s *session) removeOnRollback(filename string) {
	if filename != "" {
		s.created = append(s.created, filename)
	}
}

// transact runs fn inside a BEGIN IMMEDIATE transaction.
//
// When the write lock is held elsewhere: with retry the begin is repeated
// every millisecond until it succeeds; without retry newFile is removed and
// ErrTimeout returned. newFile names a blob written optimistically before
// the transaction began.
func (c *Cache) transact(ctx context.Context, retry bool, newFile string, fn func(*session) error) error {
	db, err := c.handle()
	if err != nil {
		if newFile != "" {
			c.disk.Remove(newFile)
		}

		return err
	}

	for {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			if isBusy(err) && retry {
				select {
				case <-ctx.Done():
					if newFile != "" {
						c.disk.Remove(newFile)
					}

					return ctx.Err()
				case <-time.After(busyRetryInterval):
				}

				continue
			}

			if newFile != "" {
				c.disk.Remove(newFile)
			}

			if isBusy(err) {
				return ErrTimeout
			}

			return fmt.Errorf("begin transaction: %w", err)
		}

		s := &session{tx: tx, now: nowSeconds()}

		if newFile != "" {
			s.removeOnRollback(newFile)
		}

		err = fn(s)
		if err != nil {
			_ = tx.Rollback()

			for _, filename := range s.created {
				c.disk.Remove(filename)
			}

			return err
		}

		err = tx.Commit()
		if err != nil {
			_ = tx.Rollback()

			if isBusy(err) && retry {
				// The next attempt re-runs fn, which rewrites any blobs
				// it stored itself, but newFile was written before the
				// transaction and must survive the retry.
				for _, filename := range s.created {
					if filename != newFile {
						c.disk.Remove(filename)
					}
				}

				select {
				case <-ctx.Done():
					if newFile != "" {
						c.disk.Remove(newFile)
					}

					return ctx.Err()
				case <-time.After(busyRetryInterval):
				}

				continue
			}

			for _, filename := range s.created {
				c.disk.Remove(filename)
			}

			if isBusy(err) {
				return ErrTimeout
			}

			return fmt.Errorf("commit transaction: %w", err)
		}

		for _, filename := range s.deferred {
			c.disk.Remove(filename)
		}

		return nil
	}
}

// execRetry executes a statement outside any transaction, retrying while the
// database is busy, up to the cache timeout.
func (c *Cache) execRetry(ctx context.Context, query string, args ...any) error {
	db, err := c.handle()
	if err != nil {
		return err
	}

	deadline := time.Now().Add(c.timeout)

	for {
		_, err = db.ExecContext(ctx, query, args...)
		if err == nil {
			return nil
		}

		if !isBusy(err) {
			return err
		}

		if time.Now().After(deadline) {
			return ErrTimeout
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(busyRetryInterval):
		}
	}
}

func isBusy(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}

	return false
}

// nowSeconds returns the current time as unix seconds with sub-second
// precision, matching the REAL columns in the index.
func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

// scalarFromDB normalizes a scanned value using its SQLite storage class.
// The driver returns TEXT columns as []byte, so raw string keys and values
// need the typeof() column to round-trip.
func scalarFromDB(value any, typeName string) any {
	switch typeName {
	case "text":
		if b, ok := value.([]byte); ok {
			return string(b)
		}

		return value
	case "integer":
		return settingInt(value)
	case "real":
		if f, ok := value.(float64); ok {
			return f
		}

		return value
	case "null":
		return nil
	default: // blob
		return value
	}
}
