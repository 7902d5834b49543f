package diskcache

import (
	"context"
	"errors"
	"io"
)

// Tx groups cache operations into one atomic transaction.
//
// All operations inside a Tx observe each other's effects and commit or roll
// back together; a rolled-back transaction leaves no index rows and no blob
// files behind. A Tx must not be used after the function passed to
// [Cache.Transact] returns.
type Tx struct {
	ctx context.Context
	c   *Cache
	s   *session
}

// Transact runs fn inside a single write transaction. Returning an error
// from fn rolls everything back, including blob files written by the
// transaction's stores.
//
// The transaction holds the database write lock for its whole duration, so
// keep fn short. Supported options: [Retry].
func (c *Cache) Transact(ctx context.Context, fn func(*Tx) error, opts ...OpOption) error {
	cfg := applyOpOptions(opts)

	return c.transact(ctx, cfg.retry, "", func(s *session) error {
		return fn(&Tx{ctx: ctx, c: c, s: s})
	})
}

// Set stores value under key within the transaction. Supported options:
// [Expire], [Tag].
func (t *Tx) Set(key, value any, opts ...OpOption) error {
	cfg := applyOpOptions(opts)

	dbKey, raw, err := t.c.disk.Put(key)
	if err != nil {
		return err
	}

	sv, err := t.c.storeValue(value, nil)
	if err != nil {
		return err
	}

	t.s.removeOnRollback(sv.filename)

	_, err = t.c.setRow(t.s, dbKey, raw, sv, cfg, false)

	return err
}

// SetReader stores the contents of r under key as a byte stream.
func (t *Tx) SetReader(key any, r io.Reader, opts ...OpOption) error {
	cfg := applyOpOptions(opts)

	dbKey, raw, err := t.c.disk.Put(key)
	if err != nil {
		return err
	}

	sv, err := t.c.storeValue(nil, r)
	if err != nil {
		return err
	}

	t.s.removeOnRollback(sv.filename)

	_, err = t.c.setRow(t.s, dbKey, raw, sv, cfg, false)

	return err
}

// Add stores value under key only if the key is absent or expired and
// reports whether it was stored.
func (t *Tx) Add(key, value any, opts ...OpOption) (bool, error) {
	cfg := applyOpOptions(opts)

	dbKey, raw, err := t.c.disk.Put(key)
	if err != nil {
		return false, err
	}

	sv, err := t.c.storeValue(value, nil)
	if err != nil {
		return false, err
	}

	t.s.removeOnRollback(sv.filename)

	return t.c.setRow(t.s, dbKey, raw, sv, cfg, true)
}

// Get returns the value stored under key, observing writes made earlier in
// the transaction. Absent and expired keys return [ErrKeyNotFound].
func (t *Tx) Get(key any) (any, error) {
	dbKey, raw, err := t.c.disk.Put(key)
	if err != nil {
		return nil, err
	}

	item, found, err := t.c.getInTx(t.ctx, t.s, dbKey, raw, false)
	if err != nil {
		return nil, err
	}

	if !found {
		return nil, ErrKeyNotFound
	}

	return item.Value, nil
}

// Delete removes the entry stored under key and reports whether a live
// entry existed.
func (t *Tx) Delete(key any) (bool, error) {
	dbKey, raw, err := t.c.disk.Put(key)
	if err != nil {
		return false, err
	}

	return t.c.deleteRow(t.s, dbKey, raw)
}

// Incr atomically adds delta to the integer stored under key. Supported
// options: [Default], [MustExist].
func (t *Tx) Incr(key any, delta int64, opts ...OpOption) (int64, error) {
	cfg := applyOpOptions(opts)

	dbKey, raw, err := t.c.disk.Put(key)
	if err != nil {
		return 0, err
	}

	return t.c.incrRow(t.s, dbKey, raw, delta, cfg)
}

// Decr is [Tx.Incr] with a negated delta.
func (t *Tx) Decr(key any, delta int64, opts ...OpOption) (int64, error) {
	return t.Incr(key, -delta, opts...)
}

// Touch updates the expiration of an existing, unexpired entry. Supported
// options: [Expire].
func (t *Tx) Touch(key any, opts ...OpOption) (bool, error) {
	cfg := applyOpOptions(opts)

	dbKey, raw, err := t.c.disk.Put(key)
	if err != nil {
		return false, err
	}

	return t.c.touchRow(t.s, dbKey, raw, cfg)
}

// Pop removes and returns the value stored under key. File-backed values
// are read while the transaction holds the lock; their files are removed
// after commit.
func (t *Tx) Pop(key any) (any, error) {
	dbKey, raw, err := t.c.disk.Put(key)
	if err != nil {
		return nil, err
	}

	e, err := getRow(t.ctx, t.s.tx, dbKey, raw, t.s.now)
	if err != nil {
		return nil, err
	}

	if e == nil {
		return nil, ErrKeyNotFound
	}

	value, err := t.c.disk.Fetch(e.mode, e.filename, e.dbValue, false)
	if err != nil {
		if errors.Is(err, ErrMissingValue) {
			return nil, ErrKeyNotFound
		}

		return nil, err
	}

	_, err = t.s.tx.Exec("DELETE FROM Cache WHERE rowid = ?", e.rowid)
	if err != nil {
		return nil, err
	}

	t.s.removeAfterCommit(e.filename)

	return value, nil
}

// Push appends value to a queue and returns the key it was stored under.
// Supported options: [Prefix], [Front], [Back], [Expire], [Tag].
func (t *Tx) Push(value any, opts ...OpOption) (any, error) {
	cfg := applyOpOptions(opts)

	sv, err := t.c.storeValue(value, nil)
	if err != nil {
		return nil, err
	}

	t.s.removeOnRollback(sv.filename)

	return t.c.pushRow(t.s, cfg, sv)
}

// Pull removes and returns the next (key, value) pair from a queue,
// discarding expired entries in passing. An empty queue returns [ErrEmpty].
// Supported options: [Prefix], [Front], [Back].
func (t *Tx) Pull(opts ...OpOption) (any, any, error) {
	cfg := applyOpOptions(opts)

	query, minKey, maxKey := queueSelect(cfg)

	for {
		e, err := scanQueueEntry(t.s.tx.QueryRow(query, minKey, maxKey), t.s.now)
		if err != nil {
			return nil, nil, err
		}

		if e == nil {
			return nil, nil, ErrEmpty
		}

		_, err = t.s.tx.Exec("DELETE FROM Cache WHERE rowid = ?", e.rowid)
		if err != nil {
			return nil, nil, err
		}

		if e.expired {
			t.s.removeAfterCommit(e.filename)
			continue
		}

		value, err := t.c.disk.Fetch(e.mode, e.filename, e.dbValue, false)
		if err != nil {
			if errors.Is(err, ErrMissingValue) {
				continue
			}

			return nil, nil, err
		}

		t.s.removeAfterCommit(e.filename)

		return e.key, value, nil
	}
}
