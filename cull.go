package diskcache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// selectBatch is the page size for batch removals. Each batch commits its
// own transaction so other writers interleave between pages.
const selectBatch = 100

// cullBatch is the page size for size-based eviction in [Cache.Cull].
const cullBatch = 10

// cullInTx removes expired entries first, then evicts by policy while the
// cache volume exceeds its size limit, removing at most limit rows total.
// limit zero means the persisted cull_limit. Runs inside a write
// transaction; every write path calls it after inserting.
func (c *Cache) cullInTx(s *session, limit int64) error {
	settings := c.settings.Load()

	if limit == 0 {
		limit = settings.cullLimit
	}

	if limit == 0 {
		return nil
	}

	removed, err := c.deleteExpiredInTx(s, limit)
	if err != nil {
		return err
	}

	limit -= removed
	if limit == 0 {
		return nil
	}

	spec := settings.policy.spec()
	if spec.cull == "" {
		return nil
	}

	volume, err := c.volumeInTx(s)
	if err != nil {
		return err
	}

	if volume < settings.sizeLimit {
		return nil
	}

	filenames, err := collectFilenames(s.tx.Query(fmt.Sprintf(spec.cull, "filename"), limit))
	if err != nil {
		return fmt.Errorf("cull: select victims: %w", err)
	}

	if len(filenames) == 0 {
		return nil
	}

	_, err = s.tx.Exec(
		"DELETE FROM Cache WHERE rowid IN ("+fmt.Sprintf(spec.cull, "rowid")+")",
		limit,
	)
	if err != nil {
		return fmt.Errorf("cull: delete victims: %w", err)
	}

	for _, filename := range filenames {
		s.removeAfterCommit(filename)
	}

	return nil
}

func (c *Cache) deleteExpiredInTx(s *session, limit int64) (int64, error) {
	const selectExpired = `SELECT %s FROM Cache
		WHERE expire_time IS NOT NULL AND expire_time < ?
		ORDER BY expire_time LIMIT ?`

	filenames, err := collectFilenames(s.tx.Query(fmt.Sprintf(selectExpired, "filename"), s.now, limit))
	if err != nil {
		return 0, fmt.Errorf("cull: select expired: %w", err)
	}

	if len(filenames) == 0 {
		return 0, nil
	}

	_, err = s.tx.Exec(
		"DELETE FROM Cache WHERE rowid IN ("+fmt.Sprintf(selectExpired, "rowid")+")",
		s.now, limit,
	)
	if err != nil {
		return 0, fmt.Errorf("cull: delete expired: %w", err)
	}

	for _, filename := range filenames {
		s.removeAfterCommit(filename)
	}

	return int64(len(filenames)), nil
}

// collectFilenames drains a single-column filename query, keeping NULLs as
// empty strings so the row count stays exact.
func collectFilenames(rows *sql.Rows, err error) ([]string, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var filenames []string

	for rows.Next() {
		var filename sql.NullString

		err = rows.Scan(&filename)
		if err != nil {
			return nil, err
		}

		filenames = append(filenames, filename.String)
	}

	return filenames, rows.Err()
}

func (c *Cache) volumeInTx(s *session) (int64, error) {
	var pageCount int64

	err := s.tx.QueryRow("PRAGMA page_count").Scan(&pageCount)
	if err != nil {
		return 0, fmt.Errorf("volume: page count: %w", err)
	}

	var size int64

	err = s.tx.QueryRow(`SELECT value FROM Settings WHERE key = "size"`).Scan(&size)
	if err != nil {
		return 0, fmt.Errorf("volume: size: %w", err)
	}

	return pageCount*c.pageSize + size, nil
}

// Volume returns the estimated on-disk footprint of the cache in bytes: the
// index file plus all externally stored values.
func (c *Cache) Volume(ctx context.Context) (int64, error) {
	db, err := c.handle()
	if err != nil {
		return 0, err
	}

	var pageCount int64

	err = db.QueryRowContext(ctx, "PRAGMA page_count").Scan(&pageCount)
	if err != nil {
		return 0, fmt.Errorf("volume: page count: %w", err)
	}

	var size int64

	err = db.QueryRowContext(ctx, `SELECT value FROM Settings WHERE key = "size"`).Scan(&size)
	if err != nil {
		return 0, fmt.Errorf("volume: size: %w", err)
	}

	return pageCount*c.pageSize + size, nil
}

// selectDelete pages through query, deleting each page in its own
// transaction. query must select (rowid, cursor, filename); the cursor
// column value of the last row replaces args[argIdx] to advance the page.
//
// On a lock timeout the error is a [*TimeoutError] carrying the number of
// rows already removed; those removals stay committed.
func (c *Cache) selectDelete(ctx context.Context, retry bool, query string, args []any, argIdx int) (int, error) {
	count := 0

	for {
		var (
			done     bool
			rowids   []int64
			cursors  []any
			removals []string
		)

		err := c.transact(ctx, retry, "", func(s *session) error {
			rows, err := s.tx.Query(query, args...)
			if err != nil {
				return fmt.Errorf("select batch: %w", err)
			}
			defer rows.Close()

			for rows.Next() {
				var (
					rowid    int64
					cursor   any
					filename sql.NullString
				)

				err = rows.Scan(&rowid, &cursor, &filename)
				if err != nil {
					return fmt.Errorf("scan batch: %w", err)
				}

				rowids = append(rowids, rowid)
				cursors = append(cursors, cursor)
				removals = append(removals, filename.String)
			}

			err = rows.Err()
			if err != nil {
				return fmt.Errorf("select batch: %w", err)
			}

			if len(rowids) == 0 {
				done = true
				return nil
			}

			ids := make([]string, len(rowids))
			for i, id := range rowids {
				ids[i] = strconv.FormatInt(id, 10)
			}

			_, err = s.tx.Exec("DELETE FROM Cache WHERE rowid IN (" + strings.Join(ids, ",") + ")")
			if err != nil {
				return fmt.Errorf("delete batch: %w", err)
			}

			for _, filename := range removals {
				s.removeAfterCommit(filename)
			}

			return nil
		})
		if err != nil {
			if errors.Is(err, ErrTimeout) {
				return count, &TimeoutError{Removed: count}
			}

			return count, err
		}

		if done {
			return count, nil
		}

		count += len(rowids)
		args[argIdx] = cursors[len(cursors)-1]
	}
}

// Expire removes all expired entries and returns how many were removed.
// Supported options: [Retry].
func (c *Cache) Expire(ctx context.Context, opts ...OpOption) (int, error) {
	cfg := applyOpOptions(opts)

	const query = `SELECT rowid, expire_time, filename FROM Cache
		WHERE ? < expire_time AND expire_time < ?
		ORDER BY expire_time LIMIT ?`

	count, err := c.selectDelete(ctx, cfg.retry, query, []any{float64(0), nowSeconds(), selectBatch}, 0)
	if count > 0 {
		c.log.Debug().Int("removed", count).Msg("expired entries removed")
	}

	return count, err
}

// Cull removes expired entries, then evicts by policy until the cache volume
// is below its size limit. Returns the total number of entries removed.
// Supported options: [Retry].
func (c *Cache) Cull(ctx context.Context, opts ...OpOption) (int, error) {
	cfg := applyOpOptions(opts)

	count, err := c.Expire(ctx, opts...)
	if err != nil {
		return count, err
	}

	settings := c.settings.Load()

	spec := settings.policy.spec()
	if spec.cull == "" {
		return count, nil
	}

	selectFilenames := fmt.Sprintf(spec.cull, "filename")
	deleteVictims := "DELETE FROM Cache WHERE rowid IN (" + fmt.Sprintf(spec.cull, "rowid") + ")"

	for {
		volume, err := c.Volume(ctx)
		if err != nil {
			return count, err
		}

		if volume <= settings.sizeLimit {
			break
		}

		removed := 0

		err = c.transact(ctx, cfg.retry, "", func(s *session) error {
			filenames, err := collectFilenames(s.tx.Query(selectFilenames, cullBatch))
			if err != nil {
				return fmt.Errorf("cull: select victims: %w", err)
			}

			if len(filenames) == 0 {
				return nil
			}

			_, err = s.tx.Exec(deleteVictims, cullBatch)
			if err != nil {
				return fmt.Errorf("cull: delete victims: %w", err)
			}

			for _, filename := range filenames {
				s.removeAfterCommit(filename)
			}

			removed = len(filenames)

			return nil
		})
		if err != nil {
			if errors.Is(err, ErrTimeout) {
				return count, &TimeoutError{Removed: count}
			}

			return count, err
		}

		if removed == 0 {
			break
		}

		count += removed
	}

	if count > 0 {
		c.log.Debug().Int("removed", count).Msg("cull finished")
	}

	return count, nil
}

// EvictTag removes every entry carrying tag and returns how many were
// removed. The persisted tag_index setting makes this operation an index
// scan instead of a table scan. Supported options: [Retry].
func (c *Cache) EvictTag(ctx context.Context, tag string, opts ...OpOption) (int, error) {
	cfg := applyOpOptions(opts)

	const query = `SELECT rowid, rowid, filename FROM Cache
		WHERE tag = ? AND rowid > ?
		ORDER BY rowid LIMIT ?`

	count, err := c.selectDelete(ctx, cfg.retry, query, []any{tag, int64(0), selectBatch}, 1)
	if count > 0 {
		c.log.Debug().Str("tag", tag).Int("removed", count).Msg("tagged entries evicted")
	}

	return count, err
}

// Clear removes every entry in the cache and returns how many were removed.
// Supported options: [Retry].
func (c *Cache) Clear(ctx context.Context, opts ...OpOption) (int, error) {
	cfg := applyOpOptions(opts)

	const query = `SELECT rowid, rowid, filename FROM Cache
		WHERE rowid > ?
		ORDER BY rowid LIMIT ?`

	count, err := c.selectDelete(ctx, cfg.retry, query, []any{int64(0), selectBatch}, 0)
	if count > 0 {
		c.log.Debug().Int("removed", count).Msg("cache cleared")
	}

	return count, err
}
