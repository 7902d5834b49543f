package diskcache_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/calvinalkan/diskcache"
)

func TestIncrInitializes(t *testing.T) {
	t.Parallel()

	c := newCache(t)
	ctx := context.Background()

	got, err := c.Incr(ctx, "counter", 1)
	if err != nil {
		t.Fatalf("Incr() error = %v", err)
	}

	if got != 1 {
		t.Errorf("Incr() = %d, want 1", got)
	}

	got, err = c.Incr(ctx, "counter", 5)
	if err != nil {
		t.Fatalf("Incr() error = %v", err)
	}

	if got != 6 {
		t.Errorf("Incr() = %d, want 6", got)
	}
}

func TestIncrDefault(t *testing.T) {
	t.Parallel()

	c := newCache(t)
	ctx := context.Background()

	got, err := c.Incr(ctx, "counter", 1, diskcache.Default(100))
	if err != nil {
		t.Fatalf("Incr() error = %v", err)
	}

	if got != 101 {
		t.Errorf("Incr() = %d, want 101", got)
	}
}

func TestIncrMustExist(t *testing.T) {
	t.Parallel()

	c := newCache(t)
	ctx := context.Background()

	_, err := c.Incr(ctx, "missing", 1, diskcache.MustExist())
	if !errors.Is(err, diskcache.ErrKeyNotFound) {
		t.Errorf("Incr() error = %v, want ErrKeyNotFound", err)
	}
}

func TestIncrExpiredReinitializes(t *testing.T) {
	t.Parallel()

	c := newCache(t)
	ctx := context.Background()

	if err := c.Set(ctx, "counter", 50, diskcache.Expire(0)); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	got, err := c.Incr(ctx, "counter", 1)
	if err != nil {
		t.Fatalf("Incr() error = %v", err)
	}

	if got != 1 {
		t.Errorf("Incr() = %d, want 1 after expiry", got)
	}

	_, err = c.Incr(ctx, "gone", 1, diskcache.MustExist())
	if !errors.Is(err, diskcache.ErrKeyNotFound) {
		t.Errorf("Incr() on expired with MustExist error = %v, want ErrKeyNotFound", err)
	}
}

func TestIncrSerializedKey(t *testing.T) {
	t.Parallel()

	c := newCache(t)
	ctx := context.Background()

	key := point{X: 3, Y: 7}

	got, err := c.Incr(ctx, key, 5)
	if err != nil {
		t.Fatalf("Incr() error = %v", err)
	}

	if got != 5 {
		t.Errorf("Incr() = %d, want 5", got)
	}

	got, err = c.Decr(ctx, key, 2)
	if err != nil {
		t.Fatalf("Decr() error = %v", err)
	}

	if got != 3 {
		t.Errorf("Decr() = %d, want 3", got)
	}

	value, err := c.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	if value != int64(3) {
		t.Errorf("Get() = %v (%T), want 3", value, value)
	}
}

func TestIncrNonInteger(t *testing.T) {
	t.Parallel()

	c := newCache(t)
	ctx := context.Background()

	if err := c.Set(ctx, "text", "not a number"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	_, err := c.Incr(ctx, "text", 1)
	if !errors.Is(err, diskcache.ErrInvalidValue) {
		t.Errorf("Incr() error = %v, want ErrInvalidValue", err)
	}
}

func TestDecr(t *testing.T) {
	t.Parallel()

	c := newCache(t)
	ctx := context.Background()

	if err := c.Set(ctx, "counter", 10); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	got, err := c.Decr(ctx, "counter", 3)
	if err != nil {
		t.Fatalf("Decr() error = %v", err)
	}

	if got != 7 {
		t.Errorf("Decr() = %d, want 7", got)
	}
}

func TestIncrConcurrent(t *testing.T) {
	t.Parallel()

	c := newCache(t, diskcache.WithTimeout(time.Minute))
	ctx := context.Background()

	const (
		workers = 16
		rounds  = 25
	)

	var wg sync.WaitGroup

	for range workers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for range rounds {
				if _, err := c.Incr(ctx, "shared", 1, diskcache.Retry()); err != nil {
					t.Errorf("Incr() error = %v", err)
					return
				}
			}
		}()
	}

	wg.Wait()

	got, err := c.Get(ctx, "shared")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	if got != int64(workers*rounds) {
		t.Errorf("counter = %v, want %d", got, workers*rounds)
	}
}
