package diskcache

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Check verifies the consistency of the index and the blob files and
// returns a description of every problem found.
//
// It validates the SQLite file, cross-checks every file-backed row against
// the filesystem, reports files no row references, and reconciles the
// count and size aggregates. With fix, problems that can be repaired are:
// rows pointing at vanished files are deleted, stale row sizes and
// aggregates are corrected, orphaned files and empty directories are
// removed, and the index is vacuumed. Supported options: [Retry].
func (c *Cache) Check(ctx context.Context, fix bool, opts ...OpOption) ([]string, error) {
	cfg := applyOpOptions(opts)

	db, err := c.handle()
	if err != nil {
		return nil, err
	}

	var warnings []string

	rows, err := db.QueryContext(ctx, "PRAGMA integrity_check")
	if err != nil {
		return nil, fmt.Errorf("check: integrity: %w", err)
	}

	for rows.Next() {
		var result string

		err = rows.Scan(&result)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("check: integrity: %w", err)
		}

		if result != "ok" {
			warnings = append(warnings, "integrity check: "+result)
		}
	}

	err = rows.Err()
	if err != nil {
		rows.Close()
		return nil, fmt.Errorf("check: integrity: %w", err)
	}

	rows.Close()

	known := make(map[string]bool)

	err = c.transact(ctx, cfg.retry, "", func(s *session) error {
		w, err := c.checkRows(s, known, fix)
		if err != nil {
			return err
		}

		warnings = append(warnings, w...)

		w, err = c.checkAggregates(s, fix)
		if err != nil {
			return err
		}

		warnings = append(warnings, w...)

		return nil
	})
	if err != nil {
		return warnings, err
	}

	w, err := c.checkFiles(known, fix)
	if err != nil {
		return warnings, err
	}

	warnings = append(warnings, w...)

	if fix {
		err = c.execRetry(ctx, "VACUUM")
		if err != nil {
			return warnings, fmt.Errorf("check: vacuum: %w", err)
		}
	}

	for _, warning := range warnings {
		c.log.Warn().Str("warning", warning).Msg("consistency check")
	}

	return warnings, nil
}

// checkRows cross-checks every file-backed row against the filesystem and
// records each referenced filename in known.
func (c *Cache) checkRows(s *session, known map[string]bool, fix bool) ([]string, error) {
	rows, err := s.tx.Query("SELECT rowid, size, filename FROM Cache WHERE filename IS NOT NULL")
	if err != nil {
		return nil, fmt.Errorf("check: select rows: %w", err)
	}
	defer rows.Close()

	type fileRow struct {
		rowid    int64
		size     int64
		filename string
	}

	var fileRows []fileRow

	for rows.Next() {
		var r fileRow

		err = rows.Scan(&r.rowid, &r.size, &r.filename)
		if err != nil {
			return nil, fmt.Errorf("check: scan row: %w", err)
		}

		fileRows = append(fileRows, r)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("check: select rows: %w", err)
	}

	var warnings []string

	for _, r := range fileRows {
		known[r.filename] = true

		info, err := os.Stat(filepath.Join(c.directory, r.filename))
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("row %d references missing file %q", r.rowid, r.filename))

			if fix {
				_, err = s.tx.Exec("DELETE FROM Cache WHERE rowid = ?", r.rowid)
				if err != nil {
					return nil, fmt.Errorf("check: delete row: %w", err)
				}
			}

			continue
		}

		if info.Size() != r.size {
			warnings = append(warnings, fmt.Sprintf(
				"row %d size %d does not match file %q size %d",
				r.rowid, r.size, r.filename, info.Size()))

			if fix {
				_, err = s.tx.Exec("UPDATE Cache SET size = ? WHERE rowid = ?", info.Size(), r.rowid)
				if err != nil {
					return nil, fmt.Errorf("check: fix size: %w", err)
				}
			}
		}
	}

	return warnings, nil
}

// checkAggregates recomputes the trigger-maintained count and size.
func (c *Cache) checkAggregates(s *session, fix bool) ([]string, error) {
	var warnings []string

	var actualCount, storedCount int64

	err := s.tx.QueryRow("SELECT COUNT(key) FROM Cache").Scan(&actualCount)
	if err != nil {
		return nil, fmt.Errorf("check: count rows: %w", err)
	}

	err = s.tx.QueryRow(`SELECT value FROM Settings WHERE key = "count"`).Scan(&storedCount)
	if err != nil {
		return nil, fmt.Errorf("check: stored count: %w", err)
	}

	if actualCount != storedCount {
		warnings = append(warnings, fmt.Sprintf("count %d does not match rows %d", storedCount, actualCount))

		if fix {
			_, err = s.tx.Exec(`UPDATE Settings SET value = ? WHERE key = "count"`, actualCount)
			if err != nil {
				return nil, fmt.Errorf("check: fix count: %w", err)
			}
		}
	}

	var actualSize, storedSize int64

	err = s.tx.QueryRow("SELECT COALESCE(SUM(size), 0) FROM Cache").Scan(&actualSize)
	if err != nil {
		return nil, fmt.Errorf("check: sum sizes: %w", err)
	}

	err = s.tx.QueryRow(`SELECT value FROM Settings WHERE key = "size"`).Scan(&storedSize)
	if err != nil {
		return nil, fmt.Errorf("check: stored size: %w", err)
	}

	if actualSize != storedSize {
		warnings = append(warnings, fmt.Sprintf("size %d does not match rows %d", storedSize, actualSize))

		if fix {
			_, err = s.tx.Exec(`UPDATE Settings SET value = ? WHERE key = "size"`, actualSize)
			if err != nil {
				return nil, fmt.Errorf("check: fix size: %w", err)
			}
		}
	}

	return warnings, nil
}

// checkFiles walks the cache directory for files no row references and, with
// fix, removes them together with any directories left empty.
func (c *Cache) checkFiles(known map[string]bool, fix bool) ([]string, error) {
	var (
		warnings []string
		dirs     []string
	)

	err := filepath.WalkDir(c.directory, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() {
			if path != c.directory {
				dirs = append(dirs, path)
			}

			return nil
		}

		name := d.Name()
		if name == dbName || strings.HasPrefix(name, dbName+"-") {
			return nil
		}

		rel, err := filepath.Rel(c.directory, path)
		if err != nil {
			return err
		}

		if !known[rel] {
			warnings = append(warnings, fmt.Sprintf("unreferenced file %q", rel))

			if fix {
				err = os.Remove(path)
				if err != nil {
					return err
				}
			}
		}

		return nil
	})
	if err != nil {
		return warnings, fmt.Errorf("check: walk files: %w", err)
	}

	if fix {
		// Deepest first so emptied parents are removed too.
		sort.Slice(dirs, func(i, j int) bool { return len(dirs[i]) > len(dirs[j]) })

		for _, dir := range dirs {
			// Fails for non-empty directories, which is the point.
			_ = os.Remove(dir)
		}
	}

	return warnings, nil
}
