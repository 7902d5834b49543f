package diskcache_test

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/diskcache"
)

func Test_Operations_Return_ErrKeyNotFound_When_Key_Absent(t *testing.T) {
	t.Parallel()

	c := newCache(t)
	ctx := context.Background()

	testCases := []struct {
		name string
		op   func() error
	}{
		{
			name: "Get",
			op: func() error {
				_, err := c.Get(ctx, "missing")
				return err
			},
		},
		{
			name: "GetItem",
			op: func() error {
				_, err := c.GetItem(ctx, "missing")
				return err
			},
		},
		{
			name: "Reader",
			op: func() error {
				_, err := c.Reader(ctx, "missing")
				return err
			},
		},
		{
			name: "Pop",
			op: func() error {
				_, err := c.Pop(ctx, "missing")
				return err
			},
		},
		{
			name: "IncrMustExist",
			op: func() error {
				_, err := c.Incr(ctx, "missing", 1, diskcache.MustExist())
				return err
			},
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			err := testCase.op()
			require.ErrorIs(t, err, diskcache.ErrKeyNotFound, "absent key should map to ErrKeyNotFound")
		})
	}
}

func Test_Incr_Returns_ErrInvalidValue_When_Value_Not_Integer(t *testing.T) {
	t.Parallel()

	c := newCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "text", "not a number"))

	_, err := c.Incr(ctx, "text", 1)
	assert.ErrorIs(t, err, diskcache.ErrInvalidValue, "Incr on a string value should fail")
}

func Test_Reader_Returns_ErrInvalidValue_When_Value_Not_Bytes(t *testing.T) {
	t.Parallel()

	c := newCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "number", 42))

	_, err := c.Reader(ctx, "number")
	assert.ErrorIs(t, err, diskcache.ErrInvalidValue, "Reader on an integer value should fail")
}

func Test_TimeoutError_Matches_ErrTimeout(t *testing.T) {
	t.Parallel()

	err := error(&diskcache.TimeoutError{Removed: 7})

	require.ErrorIs(t, err, diskcache.ErrTimeout)
	assert.Contains(t, err.Error(), "7")

	var timeoutErr *diskcache.TimeoutError

	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, 7, timeoutErr.Removed)
}

func Test_Pull_Returns_ErrEmpty_When_Queue_Drained(t *testing.T) {
	t.Parallel()

	c := newCache(t)
	ctx := context.Background()

	_, err := c.Push(ctx, "only")
	require.NoError(t, err)

	_, _, err = c.Pull(ctx)
	require.NoError(t, err)

	_, _, err = c.Pull(ctx)
	assert.ErrorIs(t, err, diskcache.ErrEmpty)

	_, _, err = c.Peek(ctx)
	assert.ErrorIs(t, err, diskcache.ErrEmpty)
}

func Test_Operations_Return_ErrClosed_After_Close(t *testing.T) {
	t.Parallel()

	c, err := diskcache.Open(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, c.Close())

	ctx := context.Background()

	assert.ErrorIs(t, c.Set(ctx, "k", "v"), diskcache.ErrClosed)

	_, err = c.Get(ctx, "k")
	assert.ErrorIs(t, err, diskcache.ErrClosed)

	_, err = c.Push(ctx, "v")
	assert.ErrorIs(t, err, diskcache.ErrClosed)

	_, err = c.Cull(ctx)
	assert.ErrorIs(t, err, diskcache.ErrClosed)

	err = c.Transact(ctx, func(*diskcache.Tx) error { return nil })
	assert.ErrorIs(t, err, diskcache.ErrClosed)
}

func Test_MissingBlobFile_Reads_As_Miss(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ctx := context.Background()

	c, err := diskcache.Open(dir, diskcache.WithMinFileSize(16))
	require.NoError(t, err)

	t.Cleanup(func() { _ = c.Close() })

	require.NoError(t, c.Set(ctx, "big", strings.Repeat("x", 256)))

	for _, file := range blobFiles(t, dir) {
		require.NoError(t, os.Remove(file))
	}

	_, err = c.Get(ctx, "big")
	assert.ErrorIs(t, err, diskcache.ErrKeyNotFound, "a vanished blob file should read as a miss")
}
