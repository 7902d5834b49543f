package diskcache

import (
	"time"

	"github.com/rs/zerolog"
)

// config collects Open-time configuration.
type config struct {
	timeout  time.Duration
	disk     Disk
	logger   zerolog.Logger
	settings map[string]any // persisted setting overrides
}

func defaultConfig() *config {
	return &config{
		timeout:  time.Minute,
		logger:   zerolog.Nop(),
		settings: make(map[string]any),
	}
}

// Option configures a Cache at [Open].
type Option func(*config)

// WithTimeout sets how long a write waits for the database lock before the
// operation fails with [ErrTimeout]. Default is one minute.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithDisk replaces the default [FileDisk] serialization strategy.
func WithDisk(d Disk) Option {
	return func(c *config) {
		c.disk = d
	}
}

// WithLogger sets the logger used for maintenance activity (culling, expiry
// sweeps, consistency checks). Default discards everything.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// WithStatistics enables hit/miss counting. Counting forces reads onto the
// transactional path, trading speed for observability.
func WithStatistics(on bool) Option {
	return func(c *config) {
		c.settings[settingStatistics] = boolSetting(on)
	}
}

// WithTagIndex maintains a secondary index on (tag, rowid) to speed up
// [Cache.EvictTag].
func WithTagIndex(on bool) Option {
	return func(c *config) {
		c.settings[settingTagIndex] = boolSetting(on)
	}
}

// WithEvictionPolicy selects the eviction policy. Default is
// [PolicyLeastRecentlyStored].
func WithEvictionPolicy(p Policy) Option {
	return func(c *config) {
		c.settings[settingEvictionPolicy] = string(p)
	}
}

// WithSizeLimit sets the byte budget that proactive culling enforces.
// Default is 1 GiB.
func WithSizeLimit(n int64) Option {
	return func(c *config) {
		c.settings[settingSizeLimit] = n
	}
}

// WithCullLimit caps how many rows a single write-triggered culling pass may
// remove. Zero disables cull-on-write entirely. Default is 10.
func WithCullLimit(n int64) Option {
	return func(c *config) {
		c.settings[settingCullLimit] = n
	}
}

// WithMinFileSize sets the threshold below which values stay inline in the
// index instead of spilling to a blob file. Default is 32 KiB.
func WithMinFileSize(n int64) Option {
	return func(c *config) {
		c.settings[settingMinFileSize] = n
	}
}

// WithSetting overrides any persisted setting by key, including the
// sqlite_* engine tunables. See the package documentation for the full list.
func WithSetting(key string, value any) Option {
	return func(c *config) {
		c.settings[key] = value
	}
}

// opConfig collects per-call options.
type opConfig struct {
	retry     bool
	expire    time.Duration
	hasExpire bool
	tag       string
	hasTag    bool
	initial   int64
	mustExist bool
	prefix    string
	front     bool
	hasSide   bool
	reverse   bool
	typed     bool
	name      string
}

// OpOption configures a single cache operation. Options that do not apply to
// an operation are ignored by it.
type OpOption func(*opConfig)

func applyOpOptions(opts []OpOption) opConfig {
	var cfg opConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	return cfg
}

// Retry makes the operation block and retry when the database write lock is
// busy, instead of failing fast with [ErrTimeout].
func Retry() OpOption {
	return func(c *opConfig) {
		c.retry = true
	}
}

// Expire sets the time until the item expires. Without this option items
// never expire. Expire(0) stores an already-expired item, except in
// [Memoize] where it disables storing results entirely.
func Expire(d time.Duration) OpOption {
	return func(c *opConfig) {
		c.expire = d
		c.hasExpire = true
	}
}

// Tag attaches an opaque label to the item for bulk eviction via
// [Cache.EvictTag].
func Tag(tag string) OpOption {
	return func(c *opConfig) {
		c.tag = tag
		c.hasTag = true
	}
}

// Default sets the starting value [Cache.Incr] and [Cache.Decr] use when the
// key is absent or expired. Without this option the starting value is 0.
func Default(n int64) OpOption {
	return func(c *opConfig) {
		c.initial = n
	}
}

// MustExist makes [Cache.Incr] and [Cache.Decr] fail with [ErrKeyNotFound]
// when the key is absent or expired, instead of initializing it.
func MustExist() OpOption {
	return func(c *opConfig) {
		c.mustExist = true
	}
}

// Prefix selects a named queue for [Cache.Push], [Cache.Pull], and
// [Cache.Peek]. Prefixed queues use string keys of the form
// "prefix-<15 digit number>"; the default queue uses bare integer keys.
func Prefix(prefix string) OpOption {
	return func(c *opConfig) {
		c.prefix = prefix
	}
}

// Front targets the front of the queue. Default for Pull and Peek.
func Front() OpOption {
	return func(c *opConfig) {
		c.front = true
		c.hasSide = true
	}
}

// Back targets the back of the queue. Default for Push.
func Back() OpOption {
	return func(c *opConfig) {
		c.front = false
		c.hasSide = true
	}
}

// Reverse flips the direction of [Cache.Keys] and [Cache.SortedKeys].
func Reverse() OpOption {
	return func(c *opConfig) {
		c.reverse = true
	}
}

// Typed makes [Memoize] cache arguments of different concrete types
// separately, so fn(3) and fn(3.0) occupy distinct entries.
func Typed() OpOption {
	return func(c *opConfig) {
		c.typed = true
	}
}

// Name overrides the automatic cache-key base [Memoize] derives for the
// wrapped function.
func Name(name string) OpOption {
	return func(c *opConfig) {
		c.name = name
	}
}

func boolSetting(on bool) int64 {
	if on {
		return 1
	}

	return 0
}
