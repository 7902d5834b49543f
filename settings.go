package diskcache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strconv"
	"time"
)

// dbName is the index file inside the cache directory. SQLite places its
// write-ahead-log and shared-memory files alongside it.
const dbName = "cache.db"

// Persisted setting keys. All are stored in the Settings table and survive
// reopening the cache; sqlite_* keys map to per-connection pragmas.
const (
	settingStatistics     = "statistics"
	settingTagIndex       = "tag_index"
	settingEvictionPolicy = "eviction_policy"
	settingSizeLimit      = "size_limit"
	settingCullLimit      = "cull_limit"
	settingMinFileSize    = "disk_min_file_size"
	settingCompressLevel  = "disk_compress_level"

	settingAutoVacuum  = "sqlite_auto_vacuum"
	settingCacheSize   = "sqlite_cache_size"
	settingJournalMode = "sqlite_journal_mode"
	settingMmapSize    = "sqlite_mmap_size"
	settingSynchronous = "sqlite_synchronous"
)

// Aggregate counter keys, maintained by triggers (count, size) or inline on
// the transactional read path (hits, misses). Not settable via Open options.
const (
	metaCount  = "count"
	metaSize   = "size"
	metaHits   = "hits"
	metaMisses = "misses"
)

func defaultSettings() map[string]any {
	return map[string]any{
		settingStatistics:     int64(0),
		settingTagIndex:       int64(0),
		settingEvictionPolicy: string(PolicyLeastRecentlyStored),
		settingSizeLimit:      int64(1 << 30), // 1 GiB
		settingCullLimit:      int64(10),
		settingMinFileSize:    int64(32 << 10), // 32 KiB
		settingCompressLevel:  int64(1),
		settingAutoVacuum:     int64(1), // FULL
		settingCacheSize:      int64(1 << 13),
		settingJournalMode:    "wal",
		settingMmapSize:       int64(1 << 26), // 64 MiB
		settingSynchronous:    int64(1),       // NORMAL
	}
}

var metadataDefaults = []string{metaCount, metaSize, metaHits, metaMisses}

// runtimeSettings is the immutable in-memory snapshot of the persisted
// settings. Cache swaps the whole snapshot on change so readers never see a
// half-updated view.
type runtimeSettings struct {
	statistics    bool
	tagIndex      bool
	policy        Policy
	sizeLimit     int64
	cullLimit     int64
	minFileSize   int64
	compressLevel int64

	autoVacuum  int64
	cacheSize   int64
	journalMode string
	mmapSize    int64
	synchronous int64
}

// fromMap builds a snapshot from raw persisted values.
func settingsFromMap(values map[string]any) (*runtimeSettings, error) {
	s := &runtimeSettings{}

	for key, value := range values {
		err := s.apply(key, value)
		if err != nil {
			return nil, err
		}
	}

	return s, nil
}

func (s *runtimeSettings) apply(key string, value any) error {
	switch key {
	case settingStatistics:
		s.statistics = settingInt(value) != 0
	case settingTagIndex:
		s.tagIndex = settingInt(value) != 0
	case settingEvictionPolicy:
		policy := Policy(settingString(value))
		if !policy.valid() {
			return fmt.Errorf("settings: unknown eviction policy %q", value)
		}

		s.policy = policy
	case settingSizeLimit:
		s.sizeLimit = settingInt(value)
	case settingCullLimit:
		s.cullLimit = settingInt(value)
	case settingMinFileSize:
		s.minFileSize = settingInt(value)
	case settingCompressLevel:
		s.compressLevel = settingInt(value)
	case settingAutoVacuum:
		s.autoVacuum = settingInt(value)
	case settingCacheSize:
		s.cacheSize = settingInt(value)
	case settingJournalMode:
		s.journalMode = settingString(value)
	case settingMmapSize:
		s.mmapSize = settingInt(value)
	case settingSynchronous:
		s.synchronous = settingInt(value)
	default:
		return fmt.Errorf("settings: unknown key %q", key)
	}

	return nil
}

// value returns the persisted representation for key.
func (s *runtimeSettings) value(key string) (any, error) {
	switch key {
	case settingStatistics:
		return boolSetting(s.statistics), nil
	case settingTagIndex:
		return boolSetting(s.tagIndex), nil
	case settingEvictionPolicy:
		return string(s.policy), nil
	case settingSizeLimit:
		return s.sizeLimit, nil
	case settingCullLimit:
		return s.cullLimit, nil
	case settingMinFileSize:
		return s.minFileSize, nil
	case settingCompressLevel:
		return s.compressLevel, nil
	case settingAutoVacuum:
		return s.autoVacuum, nil
	case settingCacheSize:
		return s.cacheSize, nil
	case settingJournalMode:
		return s.journalMode, nil
	case settingMmapSize:
		return s.mmapSize, nil
	case settingSynchronous:
		return s.synchronous, nil
	}

	return nil, fmt.Errorf("settings: unknown key %q", key)
}

// dsn builds the SQLite connection string. Pragmas carried here apply to
// every pooled connection at open, which keeps them idempotent: a connection
// never re-executes a pragma after tables exist. mmap_size has no DSN form
// and is applied by statement after open.
func (s *runtimeSettings) dsn(directory string, timeout time.Duration) string {
	v := url.Values{}
	v.Set("_busy_timeout", strconv.FormatInt(timeout.Milliseconds(), 10))
	v.Set("_journal_mode", s.journalMode)
	v.Set("_synchronous", strconv.FormatInt(s.synchronous, 10))
	v.Set("_cache_size", strconv.FormatInt(s.cacheSize, 10))
	v.Set("_auto_vacuum", strconv.FormatInt(s.autoVacuum, 10))
	v.Set("_txlock", "immediate")

	return "file:" + filepath.Join(directory, dbName) + "?" + v.Encode()
}

func settingInt(value any) int64 {
	switch n := value.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case bool:
		if n {
			return 1
		}

		return 0
	case float64:
		return int64(n)
	case []byte:
		parsed, _ := strconv.ParseInt(string(n), 10, 64)
		return parsed
	case string:
		parsed, _ := strconv.ParseInt(n, 10, 64)
		return parsed
	}

	return 0
}

func settingString(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case []byte:
		return string(v)
	}

	return fmt.Sprint(value)
}

// schemaStatements creates the index schema. Triggers keep the count and
// size aggregates consistent with every committed transaction.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS Settings (
		key TEXT NOT NULL UNIQUE,
		value)`,
	`CREATE TABLE IF NOT EXISTS Cache (
		rowid INTEGER PRIMARY KEY,
		key BLOB,
		raw INTEGER,
		store_time REAL,
		expire_time REAL,
		access_time REAL,
		access_count INTEGER DEFAULT 0,
		tag BLOB,
		size INTEGER DEFAULT 0,
		mode INTEGER DEFAULT 0,
		filename TEXT,
		value BLOB)`,
	"CREATE UNIQUE INDEX IF NOT EXISTS Cache_key_raw ON Cache(key, raw)",
	"CREATE INDEX IF NOT EXISTS Cache_expire_time ON Cache (expire_time)",
	`CREATE TRIGGER IF NOT EXISTS Settings_count_insert
		AFTER INSERT ON Cache FOR EACH ROW BEGIN
		UPDATE Settings SET value = value + 1 WHERE key = "count"; END`,
	`CREATE TRIGGER IF NOT EXISTS Settings_count_delete
		AFTER DELETE ON Cache FOR EACH ROW BEGIN
		UPDATE Settings SET value = value - 1 WHERE key = "count"; END`,
	`CREATE TRIGGER IF NOT EXISTS Settings_size_insert
		AFTER INSERT ON Cache FOR EACH ROW BEGIN
		UPDATE Settings SET value = value + NEW.size WHERE key = "size"; END`,
	`CREATE TRIGGER IF NOT EXISTS Settings_size_update
		AFTER UPDATE ON Cache FOR EACH ROW BEGIN
		UPDATE Settings SET value = value + NEW.size - OLD.size
		WHERE key = "size"; END`,
	`CREATE TRIGGER IF NOT EXISTS Settings_size_delete
		AFTER DELETE ON Cache FOR EACH ROW BEGIN
		UPDATE Settings SET value = value - OLD.size WHERE key = "size"; END`,
}

// Setting reloads a persisted setting from the index and returns its value.
// Integer-valued settings return int64; eviction_policy and journal mode
// return string.
func (c *Cache) Setting(ctx context.Context, key string) (any, error) {
	db, err := c.handle()
	if err != nil {
		return nil, err
	}

	var value any

	row := db.QueryRowContext(ctx, "SELECT value FROM Settings WHERE key = ?", key)

	err = row.Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("settings: unknown key %q", key)
		}

		return nil, fmt.Errorf("settings: read %q: %w", key, err)
	}

	switch key {
	case settingEvictionPolicy, settingJournalMode:
		return settingString(value), nil
	default:
		return settingInt(value), nil
	}
}

// SetSetting updates a persisted setting and applies it live.
//
// Changing a sqlite_* tunable reopens the database handle so every pooled
// connection observes the new pragma. Changing disk_min_file_size forwards
// to the configured [Disk]. Changing the eviction policy creates any index
// the new policy needs.
func (c *Cache) SetSetting(ctx context.Context, key string, value any) error {
	_, err := c.handle()
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	next := *c.settings.Load()

	err = next.apply(key, value)
	if err != nil {
		return err
	}

	persisted, err := next.value(key)
	if err != nil {
		return err
	}

	err = c.execRetry(ctx, "INSERT OR REPLACE INTO Settings VALUES (?, ?)", key, persisted)
	if err != nil {
		return fmt.Errorf("settings: persist %q: %w", key, err)
	}

	c.settings.Store(&next)

	switch key {
	case settingMinFileSize:
		c.disk.SetMinFileSize(next.minFileSize)
	case settingCompressLevel:
		if d, ok := c.disk.(interface{ SetCompressLevel(int) }); ok {
			d.SetCompressLevel(int(next.compressLevel))
		}
	case settingEvictionPolicy:
		if init := next.policy.spec().init; init != "" {
			err = c.execRetry(ctx, init)
			if err != nil {
				return fmt.Errorf("settings: policy index: %w", err)
			}
		}
	case settingTagIndex:
		if next.tagIndex {
			err = c.createTagIndexLocked(ctx)
		} else {
			err = c.dropTagIndexLocked(ctx)
		}

		if err != nil {
			return err
		}
	case settingAutoVacuum, settingCacheSize, settingJournalMode,
		settingMmapSize, settingSynchronous:
		err = c.reopenLocked(&next)
		if err != nil {
			return err
		}

		c.log.Debug().Str("setting", key).Msg("reopened index for pragma change")
	}

	return nil
}

// CreateTagIndex creates the secondary index on (tag, rowid) used by
// [Cache.EvictTag] and persists the tag_index setting.
func (c *Cache) CreateTagIndex(ctx context.Context) error {
	return c.SetSetting(ctx, settingTagIndex, int64(1))
}

// DropTagIndex removes the (tag, rowid) index and persists the setting.
func (c *Cache) DropTagIndex(ctx context.Context) error {
	return c.SetSetting(ctx, settingTagIndex, int64(0))
}

func (c *Cache) createTagIndexLocked(ctx context.Context) error {
	err := c.execRetry(ctx, "CREATE INDEX IF NOT EXISTS Cache_tag_rowid ON Cache(tag, rowid)")
	if err != nil {
		return fmt.Errorf("settings: create tag index: %w", err)
	}

	return nil
}

func (c *Cache) dropTagIndexLocked(ctx context.Context) error {
	err := c.execRetry(ctx, "DROP INDEX IF EXISTS Cache_tag_rowid")
	if err != nil {
		return fmt.Errorf("settings: drop tag index: %w", err)
	}

	return nil
}
