package diskcache_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/calvinalkan/diskcache"
)

func TestPushPullOrdering(t *testing.T) {
	t.Parallel()

	c := newCache(t)
	ctx := context.Background()

	for _, v := range []string{"a", "b", "c"} {
		if _, err := c.Push(ctx, v); err != nil {
			t.Fatalf("Push(%q) error = %v", v, err)
		}
	}

	for _, want := range []string{"a", "b", "c"} {
		_, got, err := c.Pull(ctx)
		if err != nil {
			t.Fatalf("Pull() error = %v", err)
		}

		if got != want {
			t.Errorf("Pull() = %v, want %v", got, want)
		}
	}

	_, _, err := c.Pull(ctx)
	if !errors.Is(err, diskcache.ErrEmpty) {
		t.Errorf("Pull() on empty queue error = %v, want ErrEmpty", err)
	}
}

func TestPushAssignsSequentialKeys(t *testing.T) {
	t.Parallel()

	c := newCache(t)
	ctx := context.Background()

	first, err := c.Push(ctx, "a")
	if err != nil {
		t.Fatalf("Push() error = %v", err)
	}

	if first != int64(500_000_000_000_000) {
		t.Errorf("first key = %v, want 500000000000000", first)
	}

	second, err := c.Push(ctx, "b")
	if err != nil {
		t.Fatalf("Push() error = %v", err)
	}

	if second != int64(500_000_000_000_001) {
		t.Errorf("second key = %v, want 500000000000001", second)
	}
}

func TestPushFront(t *testing.T) {
	t.Parallel()

	c := newCache(t)
	ctx := context.Background()

	if _, err := c.Push(ctx, "middle"); err != nil {
		t.Fatalf("Push() error = %v", err)
	}

	if _, err := c.Push(ctx, "first", diskcache.Front()); err != nil {
		t.Fatalf("Push(Front) error = %v", err)
	}

	_, got, err := c.Pull(ctx)
	if err != nil {
		t.Fatalf("Pull() error = %v", err)
	}

	if got != "first" {
		t.Errorf("Pull() = %v, want first", got)
	}
}

func TestPullBack(t *testing.T) {
	t.Parallel()

	c := newCache(t)
	ctx := context.Background()

	for _, v := range []string{"a", "b", "c"} {
		if _, err := c.Push(ctx, v); err != nil {
			t.Fatalf("Push(%q) error = %v", v, err)
		}
	}

	_, got, err := c.Pull(ctx, diskcache.Back())
	if err != nil {
		t.Fatalf("Pull(Back) error = %v", err)
	}

	if got != "c" {
		t.Errorf("Pull(Back) = %v, want c", got)
	}
}

func TestPrefixedQueuesAreIndependent(t *testing.T) {
	t.Parallel()

	c := newCache(t)
	ctx := context.Background()

	if _, err := c.Push(ctx, "plain"); err != nil {
		t.Fatalf("Push() error = %v", err)
	}

	key, err := c.Push(ctx, "named", diskcache.Prefix("jobs"))
	if err != nil {
		t.Fatalf("Push(Prefix) error = %v", err)
	}

	if key != "jobs-500000000000000" {
		t.Errorf("prefixed key = %v, want jobs-500000000000000", key)
	}

	_, got, err := c.Pull(ctx, diskcache.Prefix("jobs"))
	if err != nil {
		t.Fatalf("Pull(Prefix) error = %v", err)
	}

	if got != "named" {
		t.Errorf("Pull(Prefix) = %v, want named", got)
	}

	_, got, err = c.Pull(ctx)
	if err != nil {
		t.Fatalf("Pull() error = %v", err)
	}

	if got != "plain" {
		t.Errorf("Pull() = %v, want plain", got)
	}
}

func TestQueueIgnoresNonQueueKeys(t *testing.T) {
	t.Parallel()

	c := newCache(t)
	ctx := context.Background()

	if err := c.Set(ctx, "regular", "entry"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	_, _, err := c.Pull(ctx)
	if !errors.Is(err, diskcache.ErrEmpty) {
		t.Errorf("Pull() error = %v, want ErrEmpty", err)
	}
}

func TestPullSkipsExpired(t *testing.T) {
	t.Parallel()

	c := newCache(t)
	ctx := context.Background()

	if _, err := c.Push(ctx, "stale", diskcache.Expire(20*time.Millisecond)); err != nil {
		t.Fatalf("Push() error = %v", err)
	}

	if _, err := c.Push(ctx, "fresh"); err != nil {
		t.Fatalf("Push() error = %v", err)
	}

	time.Sleep(40 * time.Millisecond)

	_, got, err := c.Pull(ctx)
	if err != nil {
		t.Fatalf("Pull() error = %v", err)
	}

	if got != "fresh" {
		t.Errorf("Pull() = %v, want fresh", got)
	}
}

func TestPeekDoesNotRemove(t *testing.T) {
	t.Parallel()

	c := newCache(t)
	ctx := context.Background()

	if _, err := c.Push(ctx, "keep"); err != nil {
		t.Fatalf("Push() error = %v", err)
	}

	for range 2 {
		_, got, err := c.Peek(ctx)
		if err != nil {
			t.Fatalf("Peek() error = %v", err)
		}

		if got != "keep" {
			t.Errorf("Peek() = %v, want keep", got)
		}
	}

	count, err := c.Count(ctx)
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}

	if count != 1 {
		t.Errorf("Count() = %d, want 1", count)
	}
}

func TestPeekEmpty(t *testing.T) {
	t.Parallel()

	c := newCache(t)

	_, _, err := c.Peek(context.Background())
	if !errors.Is(err, diskcache.ErrEmpty) {
		t.Errorf("Peek() error = %v, want ErrEmpty", err)
	}
}

func TestPeekItem(t *testing.T) {
	t.Parallel()

	c := newCache(t)
	ctx := context.Background()

	if err := c.Set(ctx, "oldest", 1); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	if err := c.Set(ctx, "newest", 2); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	key, value, err := c.PeekItem(ctx)
	if err != nil {
		t.Fatalf("PeekItem() error = %v", err)
	}

	if key != "newest" || value != int64(2) {
		t.Errorf("PeekItem() = (%v, %v), want (newest, 2)", key, value)
	}

	key, value, err = c.PeekItem(ctx, diskcache.Front())
	if err != nil {
		t.Fatalf("PeekItem(Front) error = %v", err)
	}

	if key != "oldest" || value != int64(1) {
		t.Errorf("PeekItem(Front) = (%v, %v), want (oldest, 1)", key, value)
	}
}
