package diskcache

import (
	"fmt"
	"strings"
)

// Policy selects how entries are chosen for eviction when the cache volume
// exceeds its size limit, and which access statistics reads maintain.
type Policy string

// The closed set of eviction policies.
const (
	// PolicyNone disables proactive culling entirely. Expired entries are
	// still removed; size-based eviction never runs.
	PolicyNone Policy = "none"

	// PolicyLeastRecentlyStored evicts entries by store time (insertion /
	// last write order). Reads mutate nothing, enabling the lock-free read
	// fast path. This is the default.
	PolicyLeastRecentlyStored Policy = "least-recently-stored"

	// PolicyLeastRecentlyUsed evicts entries by access time. Every read
	// updates access_time, so reads run inside a transaction.
	PolicyLeastRecentlyUsed Policy = "least-recently-used"

	// PolicyLeastFrequentlyUsed evicts entries by access count. Every read
	// increments access_count, so reads run inside a transaction.
	PolicyLeastFrequentlyUsed Policy = "least-frequently-used"
)

// policySpec carries the SQL hooks for one eviction policy: an optional
// index to create at open, an optional read-side column mutation, and the
// ordering used to pick eviction victims.
type policySpec struct {
	// init creates the supporting index, empty when no index is needed.
	init string

	// get is a SET fragment applied to rows on read. A "%f" verb, when
	// present, expands to the current time. Empty means reads mutate
	// nothing.
	get string

	// cull is a SELECT template over Cache ordered by the policy's victim
	// order; %s receives the selected column list. Empty disables
	// size-based eviction.
	cull string
}

var policies = map[Policy]policySpec{
	PolicyNone: {},
	PolicyLeastRecentlyStored: {
		init: "CREATE INDEX IF NOT EXISTS Cache_store_time ON Cache (store_time)",
		cull: "SELECT %s FROM Cache ORDER BY store_time LIMIT ?",
	},
	PolicyLeastRecentlyUsed: {
		init: "CREATE INDEX IF NOT EXISTS Cache_access_time ON Cache (access_time)",
		get:  "access_time = %f",
		cull: "SELECT %s FROM Cache ORDER BY access_time LIMIT ?",
	},
	PolicyLeastFrequentlyUsed: {
		init: "CREATE INDEX IF NOT EXISTS Cache_access_count ON Cache (access_count)",
		get:  "access_count = access_count + 1",
		cull: "SELECT %s FROM Cache ORDER BY access_count LIMIT ?",
	},
}

// spec returns the SQL hooks for p.
func (p Policy) spec() policySpec {
	return policies[p]
}

// valid reports whether p is one of the known policies.
func (p Policy) valid() bool {
	_, ok := policies[p]
	return ok
}

// readUpdate returns the SET fragment applied on read, or "" when the
// policy does not mutate on read. now is in unix seconds.
func (p Policy) readUpdate(now float64) string {
	get := p.spec().get
	if get == "" || !strings.Contains(get, "%") {
		return get
	}

	return fmt.Sprintf(get, now)
}
