package diskcache_test

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/calvinalkan/diskcache"
)

func blobFiles(t *testing.T, dir string) []string {
	t.Helper()

	var files []string

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if !d.IsDir() && !strings.HasPrefix(d.Name(), "cache.db") {
			files = append(files, path)
		}

		return nil
	})
	if err != nil {
		t.Fatalf("WalkDir() error = %v", err)
	}

	return files
}

func TestCheckCleanCache(t *testing.T) {
	t.Parallel()

	c := newCache(t)
	ctx := context.Background()

	for i := range 10 {
		if err := c.Set(ctx, i, strings.Repeat("x", 100)); err != nil {
			t.Fatalf("Set() error = %v", err)
		}
	}

	warnings, err := c.Check(ctx, false)
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}

	if len(warnings) != 0 {
		t.Errorf("Check() = %v, want no warnings", warnings)
	}
}

func TestCheckMissingBlobFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ctx := context.Background()

	c, err := diskcache.Open(dir, diskcache.WithMinFileSize(16))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer c.Close()

	if err := c.Set(ctx, "big", strings.Repeat("x", 1024)); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	files := blobFiles(t, dir)
	if len(files) != 1 {
		t.Fatalf("blob files = %v, want exactly one", files)
	}

	if err := os.Remove(files[0]); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}

	warnings, err := c.Check(ctx, false)
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}

	if len(warnings) == 0 {
		t.Fatal("Check() reported no warnings for a missing blob file")
	}

	// Repair removes the orphaned row and fixes the aggregates.
	if _, err := c.Check(ctx, true); err != nil {
		t.Fatalf("Check(fix) error = %v", err)
	}

	warnings, err = c.Check(ctx, false)
	if err != nil {
		t.Fatalf("Check() after fix error = %v", err)
	}

	if len(warnings) != 0 {
		t.Errorf("Check() after fix = %v, want no warnings", warnings)
	}

	if _, err := c.Get(ctx, "big"); !errors.Is(err, diskcache.ErrKeyNotFound) {
		t.Errorf("Get() after fix error = %v, want ErrKeyNotFound", err)
	}
}

func TestCheckUnknownFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ctx := context.Background()

	c, err := diskcache.Open(dir)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer c.Close()

	stray := filepath.Join(dir, "aa", "bb", "stray.val")
	if err := os.MkdirAll(filepath.Dir(stray), 0o755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}

	if err := os.WriteFile(stray, []byte("junk"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	warnings, err := c.Check(ctx, false)
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}

	if len(warnings) == 0 {
		t.Fatal("Check() reported no warnings for an unreferenced file")
	}

	if _, err := c.Check(ctx, true); err != nil {
		t.Fatalf("Check(fix) error = %v", err)
	}

	if _, err := os.Stat(stray); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("stray file still exists after fix: %v", err)
	}

	warnings, err = c.Check(ctx, false)
	if err != nil {
		t.Fatalf("Check() after fix error = %v", err)
	}

	if len(warnings) != 0 {
		t.Errorf("Check() after fix = %v, want no warnings", warnings)
	}
}

func TestCheckSizeMismatch(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ctx := context.Background()

	c, err := diskcache.Open(dir, diskcache.WithMinFileSize(16))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer c.Close()

	if err := c.Set(ctx, "big", strings.Repeat("x", 512)); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	files := blobFiles(t, dir)
	if len(files) != 1 {
		t.Fatalf("blob files = %v, want exactly one", files)
	}

	// Truncate the blob so the recorded size no longer matches.
	if err := os.Truncate(files[0], 100); err != nil {
		t.Fatalf("Truncate() error = %v", err)
	}

	warnings, err := c.Check(ctx, false)
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}

	if len(warnings) == 0 {
		t.Fatal("Check() reported no warnings for a size mismatch")
	}

	if _, err := c.Check(ctx, true); err != nil {
		t.Fatalf("Check(fix) error = %v", err)
	}

	warnings, err = c.Check(ctx, false)
	if err != nil {
		t.Fatalf("Check() after fix error = %v", err)
	}

	if len(warnings) != 0 {
		t.Errorf("Check() after fix = %v, want no warnings", warnings)
	}
}
