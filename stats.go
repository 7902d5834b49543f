package diskcache

import (
	"context"
	"fmt"
)

// Stats returns the hit and miss counters. With reset both counters are
// zeroed after reading.
//
// Counters only advance while the statistics setting is enabled; see
// [WithStatistics].
func (c *Cache) Stats(ctx context.Context, reset bool) (hits, misses int64, err error) {
	db, err := c.handle()
	if err != nil {
		return 0, 0, err
	}

	err = db.QueryRowContext(ctx, `SELECT value FROM Settings WHERE key = "hits"`).Scan(&hits)
	if err != nil {
		return 0, 0, fmt.Errorf("stats: hits: %w", err)
	}

	err = db.QueryRowContext(ctx, `SELECT value FROM Settings WHERE key = "misses"`).Scan(&misses)
	if err != nil {
		return 0, 0, fmt.Errorf("stats: misses: %w", err)
	}

	if reset {
		err = c.execRetry(ctx, `UPDATE Settings SET value = 0 WHERE key IN ("hits", "misses")`)
		if err != nil {
			return 0, 0, fmt.Errorf("stats: reset: %w", err)
		}
	}

	return hits, misses, nil
}

// Count returns the number of entries in the cache, including expired
// entries that have not been culled yet. The count is maintained by
// triggers and costs a single row lookup.
func (c *Cache) Count(ctx context.Context) (int64, error) {
	db, err := c.handle()
	if err != nil {
		return 0, err
	}

	var count int64

	err = db.QueryRowContext(ctx, `SELECT value FROM Settings WHERE key = "count"`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}

	return count, nil
}
