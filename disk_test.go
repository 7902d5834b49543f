package diskcache_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"hash/adler32"
	"io"
	"math"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/calvinalkan/diskcache"
)

func TestFileDiskPutRawKeys(t *testing.T) {
	t.Parallel()

	d := diskcache.NewFileDisk(t.TempDir(), 32)

	tests := []struct {
		name string
		key  any
		want any
	}{
		{"string", "hello", "hello"},
		{"bytes", []byte{1, 2, 3}, []byte{1, 2, 3}},
		{"int", 42, int64(42)},
		{"negative int", -7, int64(-7)},
		{"uint32", uint32(9), int64(9)},
		{"float64", 2.5, 2.5},
		{"float32", float32(0.5), 0.5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			dbKey, raw, err := d.Put(tt.key)
			if err != nil {
				t.Fatalf("Put() error = %v", err)
			}

			if !raw {
				t.Errorf("Put(%v) raw = false, want true", tt.key)
			}

			if diff := cmp.Diff(tt.want, dbKey); diff != "" {
				t.Errorf("Put(%v) mismatch (-want +got):\n%s", tt.key, diff)
			}

			got, err := d.Get(dbKey, raw)
			if err != nil {
				t.Fatalf("Get() error = %v", err)
			}

			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Get() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestFileDiskPutSerializedKey(t *testing.T) {
	t.Parallel()

	d := diskcache.NewFileDisk(t.TempDir(), 32)

	key := point{X: 3, Y: 4}

	dbKey, raw, err := d.Put(key)
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	if raw {
		t.Error("Put(struct) raw = true, want false")
	}

	if _, ok := dbKey.([]byte); !ok {
		t.Fatalf("Put(struct) dbKey = %T, want []byte", dbKey)
	}

	got, err := d.Get(dbKey, raw)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	if got != key {
		t.Errorf("Get() = %v, want %v", got, key)
	}
}

func TestFileDiskHash(t *testing.T) {
	t.Parallel()

	d := diskcache.NewFileDisk(t.TempDir(), 32)

	var floatBuf [8]byte

	binary.BigEndian.PutUint64(floatBuf[:], math.Float64bits(1.5))

	tests := []struct {
		name string
		key  any
		want uint32
	}{
		{"string", "abc", adler32.Checksum([]byte("abc"))},
		{"bytes", []byte("abc"), adler32.Checksum([]byte("abc"))},
		{"small int", 7, 7},
		{"negative int", -1, 0xFFFFFFFF - 1},
		{"float", 1.5, adler32.Checksum(floatBuf[:])},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := d.Hash(tt.key)
			if err != nil {
				t.Fatalf("Hash() error = %v", err)
			}

			if got != tt.want {
				t.Errorf("Hash(%v) = %d, want %d", tt.key, got, tt.want)
			}
		})
	}
}

func TestFileDiskStoreInlineVsFile(t *testing.T) {
	t.Parallel()

	d := diskcache.NewFileDisk(t.TempDir(), 32)

	_, mode, filename, dbValue, err := d.Store("short", nil)
	if err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	if mode != diskcache.ModeRaw || filename != "" {
		t.Errorf("small string stored as mode=%d filename=%q, want inline raw", mode, filename)
	}

	if dbValue != "short" {
		t.Errorf("dbValue = %v, want short", dbValue)
	}

	long := strings.Repeat("y", 100)

	size, mode, filename, dbValue, err := d.Store(long, nil)
	if err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	if mode != diskcache.ModeText || filename == "" || dbValue != nil {
		t.Fatalf("large string stored as mode=%d filename=%q dbValue=%v, want external text", mode, filename, dbValue)
	}

	if size != 100 {
		t.Errorf("size = %d, want 100", size)
	}

	got, err := d.Fetch(mode, filename, dbValue, false)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}

	if got != long {
		t.Error("Fetch() did not round-trip the external text value")
	}
}

func TestFileDiskStoreStream(t *testing.T) {
	t.Parallel()

	d := diskcache.NewFileDisk(t.TempDir(), 1<<20)

	payload := []byte("streamed bytes")

	size, mode, filename, _, err := d.Store(nil, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	// Streams always go to a file, regardless of the inline threshold.
	if mode != diskcache.ModeBinary || filename == "" {
		t.Fatalf("stream stored as mode=%d filename=%q, want external binary", mode, filename)
	}

	if size != int64(len(payload)) {
		t.Errorf("size = %d, want %d", size, len(payload))
	}

	handle, err := d.Fetch(mode, filename, nil, true)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}

	rc, ok := handle.(io.ReadCloser)
	if !ok {
		t.Fatalf("Fetch(asHandle) = %T, want io.ReadCloser", handle)
	}
	defer rc.Close()

	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}

	if !bytes.Equal(got, payload) {
		t.Errorf("Fetch() = %q, want %q", got, payload)
	}
}

func TestFileDiskFetchMissingFile(t *testing.T) {
	t.Parallel()

	d := diskcache.NewFileDisk(t.TempDir(), 32)

	_, err := d.Fetch(diskcache.ModeBinary, "aa/bb/gone.val", nil, false)
	if err == nil {
		t.Fatal("Fetch() error = nil for missing file")
	}

	if !errors.Is(err, diskcache.ErrMissingValue) {
		t.Errorf("Fetch() error = %v, want ErrMissingValue", err)
	}
}

func TestJSONDiskRoundTrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ctx := context.Background()

	c, err := diskcache.Open(dir, diskcache.WithDisk(diskcache.NewJSONDisk(diskcache.NewFileDisk(dir, 32*1024), 1)))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer c.Close()

	value := map[string]any{"name": "widget", "qty": 3.0, "tags": []any{"a", "b"}}

	if err := c.Set(ctx, "doc", value); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	got, err := c.Get(ctx, "doc")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	// JSON has no integer type, so numbers come back as float64.
	if diff := cmp.Diff(value, got); diff != "" {
		t.Errorf("Get() mismatch (-want +got):\n%s", diff)
	}
}

func TestJSONDiskCompressedKeys(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ctx := context.Background()

	c, err := diskcache.Open(dir, diskcache.WithDisk(diskcache.NewJSONDisk(diskcache.NewFileDisk(dir, 32*1024), 1)))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer c.Close()

	key := []any{"composite", 1.0}

	if err := c.Set(ctx, key, "v"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	got, err := c.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	if got != "v" {
		t.Errorf("Get() = %v, want v", got)
	}

	for k, err := range c.Keys(ctx) {
		if err != nil {
			t.Fatalf("Keys() error = %v", err)
		}

		if diff := cmp.Diff(key, k); diff != "" {
			t.Errorf("Keys() mismatch (-want +got):\n%s", diff)
		}
	}
}
