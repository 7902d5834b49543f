package diskcache

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by cache operations.
//
// Callers should use [errors.Is] to check error types:
//
//	if errors.Is(err, diskcache.ErrKeyNotFound) {
//	    value = computeExpensive()
//	}
var (
	// ErrKeyNotFound indicates the requested key is absent or expired.
	//
	// Expired entries are logically absent even while their row still exists
	// on disk; they are removed by a later cull or an explicit Expire.
	ErrKeyNotFound = errors.New("diskcache: key not found")

	// ErrEmpty indicates a queue or peek operation found no items.
	ErrEmpty = errors.New("diskcache: empty")

	// ErrTimeout indicates the database write lock could not be acquired.
	//
	// Retryable: pass the [Retry] option to block until the lock is free
	// instead of failing fast. Batch operations return a [*TimeoutError]
	// carrying partial progress; it matches ErrTimeout under [errors.Is].
	ErrTimeout = errors.New("diskcache: database timeout")

	// ErrClosed indicates the [Cache] has already been closed.
	//
	// This is a programming error.
	ErrClosed = errors.New("diskcache: closed")

	// ErrInvalidValue indicates a value cannot be used by the requested
	// operation, for example calling [Cache.Incr] on a non-integer value.
	ErrInvalidValue = errors.New("diskcache: invalid value")
)

// TimeoutError reports a database timeout during a batch operation
// (Cull, Expire, EvictTag, Clear).
//
// Each batch commits its own transaction, so the items removed before the
// timeout stay removed. Removed carries that count.
type TimeoutError struct {
	// Removed is the number of items removed before the timeout occurred.
	Removed int
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("diskcache: database timeout after removing %d items", e.Removed)
}

// Is reports that a TimeoutError matches [ErrTimeout].
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}
