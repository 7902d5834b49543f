package diskcache_test

import (
	"context"
	"errors"
	"io/fs"
	"path/filepath"
	"strings"
	"testing"

	"github.com/calvinalkan/diskcache"
)

func TestTransactAtomicWrites(t *testing.T) {
	t.Parallel()

	c := newCache(t)
	ctx := context.Background()

	err := c.Transact(ctx, func(tx *diskcache.Tx) error {
		if err := tx.Set("a", 1); err != nil {
			return err
		}

		return tx.Set("b", 2)
	})
	if err != nil {
		t.Fatalf("Transact() error = %v", err)
	}

	for key, want := range map[string]int64{"a": 1, "b": 2} {
		got, err := c.Get(ctx, key)
		if err != nil {
			t.Fatalf("Get(%q) error = %v", key, err)
		}

		if got != want {
			t.Errorf("Get(%q) = %v, want %d", key, got, want)
		}
	}
}

func TestTransactReadsOwnWrites(t *testing.T) {
	t.Parallel()

	c := newCache(t)
	ctx := context.Background()

	err := c.Transact(ctx, func(tx *diskcache.Tx) error {
		if err := tx.Set("k", "v"); err != nil {
			return err
		}

		got, err := tx.Get("k")
		if err != nil {
			return err
		}

		if got != "v" {
			t.Errorf("tx.Get() = %v, want v", got)
		}

		return nil
	})
	if err != nil {
		t.Fatalf("Transact() error = %v", err)
	}
}

func TestTransactRollbackLeavesNothing(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ctx := context.Background()

	c, err := diskcache.Open(dir, diskcache.WithMinFileSize(16))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer c.Close()

	boom := errors.New("boom")

	// The large value spills to a blob file inside the transaction; rollback
	// must remove it along with the row.
	err = c.Transact(ctx, func(tx *diskcache.Tx) error {
		if err := tx.Set("doomed", strings.Repeat("x", 4096)); err != nil {
			return err
		}

		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Transact() error = %v, want boom", err)
	}

	if _, err := c.Get(ctx, "doomed"); !errors.Is(err, diskcache.ErrKeyNotFound) {
		t.Errorf("Get() after rollback error = %v, want ErrKeyNotFound", err)
	}

	var blobs []string

	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if !d.IsDir() && !strings.HasPrefix(d.Name(), "cache.db") {
			blobs = append(blobs, path)
		}

		return nil
	})
	if err != nil {
		t.Fatalf("WalkDir() error = %v", err)
	}

	if len(blobs) != 0 {
		t.Errorf("rolled back transaction left blob files: %v", blobs)
	}

	warnings, err := c.Check(ctx, false)
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}

	if len(warnings) != 0 {
		t.Errorf("Check() after rollback = %v, want no warnings", warnings)
	}
}

func TestTransactCounter(t *testing.T) {
	t.Parallel()

	c := newCache(t)
	ctx := context.Background()

	err := c.Transact(ctx, func(tx *diskcache.Tx) error {
		for range 10 {
			if _, err := tx.Incr("n", 1); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		t.Fatalf("Transact() error = %v", err)
	}

	got, err := c.Get(ctx, "n")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	if got != int64(10) {
		t.Errorf("counter = %v, want 10", got)
	}
}

func TestTxQueueOps(t *testing.T) {
	t.Parallel()

	c := newCache(t)
	ctx := context.Background()

	err := c.Transact(ctx, func(tx *diskcache.Tx) error {
		for _, v := range []string{"a", "b"} {
			if _, err := tx.Push(v); err != nil {
				return err
			}
		}

		_, value, err := tx.Pull()
		if err != nil {
			return err
		}

		if value != "a" {
			t.Errorf("tx.Pull() = %v, want a", value)
		}

		return nil
	})
	if err != nil {
		t.Fatalf("Transact() error = %v", err)
	}

	_, value, err := c.Pull(ctx)
	if err != nil {
		t.Fatalf("Pull() error = %v", err)
	}

	if value != "b" {
		t.Errorf("Pull() = %v, want b", value)
	}

	if _, _, err := c.Pull(ctx); !errors.Is(err, diskcache.ErrEmpty) {
		t.Errorf("Pull() on drained queue error = %v, want ErrEmpty", err)
	}
}

func TestTxPopAndDelete(t *testing.T) {
	t.Parallel()

	c := newCache(t)
	ctx := context.Background()

	if err := c.Set(ctx, "a", "va"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	if err := c.Set(ctx, "b", "vb"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	err := c.Transact(ctx, func(tx *diskcache.Tx) error {
		got, err := tx.Pop("a")
		if err != nil {
			return err
		}

		if got != "va" {
			t.Errorf("tx.Pop() = %v, want va", got)
		}

		deleted, err := tx.Delete("b")
		if err != nil {
			return err
		}

		if !deleted {
			t.Error("tx.Delete() = false on live key")
		}

		return nil
	})
	if err != nil {
		t.Fatalf("Transact() error = %v", err)
	}

	count, err := c.Count(ctx)
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}

	if count != 0 {
		t.Errorf("Count() = %d, want 0", count)
	}
}
