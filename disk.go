package diskcache

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"hash/adler32"
	"io"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"github.com/calvinalkan/diskcache/internal/blob"
)

// Mode records how a value is stored in its index row.
type Mode int64

// Storage modes. The zero value means "no value stored".
const (
	ModeNone   Mode = 0
	ModeRaw    Mode = 1 // native scalar or small bytes, inline in the row
	ModeBinary Mode = 2 // bytes in an external blob file
	ModeText   Mode = 3 // UTF-8 text in an external blob file
	ModeGob    Mode = 4 // gob-serialized value, inline or external
)

// ErrMissingValue indicates a file-backed value could not be read because
// its blob file is gone. Read paths treat this as a cache miss rather than
// a hard error; the stale index row is reconciled by a later cull or
// [Cache.Check].
var ErrMissingValue = errors.New("diskcache: value missing")

// Disk converts keys and values between their Go form and the row fields the
// index stores. Implementations decide, per value, between inline scalar,
// inline serialized blob, and external file storage.
//
// Disk is a swappable strategy: see [JSONDisk] for a variant that layers
// JSON encoding and zlib compression over the default implementation.
type Disk interface {
	// Put converts key to its database form. raw reports whether the key is
	// stored natively (string, bytes, 64-bit int, float) rather than as an
	// opaque serialized blob. The (key, raw) pair is the uniqueness
	// constraint: identical bytes with different raw flags are distinct.
	Put(key any) (dbKey any, raw bool, err error)

	// Get is the inverse of Put.
	Get(dbKey any, raw bool) (any, error)

	// Hash computes a portable, stable 32-bit hash of key.
	Hash(key any) (uint32, error)

	// Store converts value to row fields. When r is non-nil the value is a
	// byte stream and is always written to an external file via chunked
	// copy. Otherwise the representation depends on the value's type and
	// size relative to the minimum file size. filename is empty and dbValue
	// non-nil for inline storage; the reverse for external storage.
	Store(value any, r io.Reader) (size int64, mode Mode, filename string, dbValue any, err error)

	// Fetch is the inverse of Store. When asHandle is true, file-backed
	// values are returned as an io.ReadCloser the caller owns; inline values
	// ignore asHandle. Returns an error matching [ErrMissingValue] when the
	// blob file does not exist.
	Fetch(mode Mode, filename string, dbValue any, asHandle bool) (any, error)

	// Remove deletes an external value file, best-effort. Concurrent
	// deletion races are swallowed.
	Remove(filename string)

	// SetMinFileSize updates the inline-vs-external threshold. Called when
	// the persisted disk_min_file_size setting changes.
	SetMinFileSize(n int64)
}

// gobValue wraps serialized values so arbitrary concrete types round-trip
// through an interface field.
type gobValue struct {
	V any
}

func init() {
	// Basic types and slices of basics are pre-registered by encoding/gob
	// itself. Cover the common composites callers put in a cache.
	gob.Register(time.Time{})
	gob.Register(map[string]any(nil))
	gob.Register([]any(nil))
}

// Register records a concrete type for serialized storage, wrapping
// [gob.Register]. Values whose type is not natively storable (anything other
// than strings, bytes, 64-bit integers, and floats) must have their concrete
// type registered before use.
func Register(value any) {
	gob.Register(value)
}

// FileDisk is the default [Disk]: native scalars inline, gob serialization
// for everything else, external files for large values.
type FileDisk struct {
	files       *blob.Store
	minFileSize atomic.Int64
}

// NewFileDisk creates a FileDisk storing blob files under directory.
// Values smaller than minFileSize stay inline in the index.
func NewFileDisk(directory string, minFileSize int64) *FileDisk {
	d := &FileDisk{files: blob.New(directory)}
	d.minFileSize.Store(minFileSize)

	return d
}

// SetMinFileSize updates the inline-vs-external threshold.
func (d *FileDisk) SetMinFileSize(n int64) {
	d.minFileSize.Store(n)
}

// Put implements [Disk].
func (d *FileDisk) Put(key any) (any, bool, error) {
	switch k := key.(type) {
	case []byte:
		return k, true, nil
	case string:
		return k, true, nil
	case float64:
		return k, true, nil
	case float32:
		return float64(k), true, nil
	default:
		if n, ok := asInt64(key); ok {
			return n, true, nil
		}
	}

	data, err := encodeGob(key)
	if err != nil {
		return nil, false, fmt.Errorf("put key: %w", err)
	}

	return data, false, nil
}

// Get implements [Disk].
func (d *FileDisk) Get(dbKey any, raw bool) (any, error) {
	if raw {
		return dbKey, nil
	}

	data, ok := dbKey.([]byte)
	if !ok {
		return nil, fmt.Errorf("get key: expected blob, got %T", dbKey)
	}

	key, err := decodeGob(data)
	if err != nil {
		return nil, fmt.Errorf("get key: %w", err)
	}

	return key, nil
}

// Hash implements [Disk]. The hash is Adler-32 over the canonical byte form
// of the database key: blobs directly, text as UTF-8, integers reduced
// modulo 2^32, floats as their big-endian IEEE 754 bytes.
func (d *FileDisk) Hash(key any) (uint32, error) {
	dbKey, _, err := d.Put(key)
	if err != nil {
		return 0, err
	}

	switch k := dbKey.(type) {
	case []byte:
		return adler32.Checksum(k), nil
	case string:
		return adler32.Checksum([]byte(k)), nil
	case int64:
		const mask = 0xFFFFFFFF

		m := k % mask
		if m < 0 {
			m += mask
		}

		return uint32(m), nil
	case float64:
		var buf [8]byte

		binary.BigEndian.PutUint64(buf[:], math.Float64bits(k))

		return adler32.Checksum(buf[:]), nil
	default:
		return 0, fmt.Errorf("hash: unsupported database key type %T", dbKey)
	}
}

// Store implements [Disk].
func (d *FileDisk) Store(value any, r io.Reader) (int64, Mode, string, any, error) {
	if r != nil {
		filename, size, err := d.files.Write(r)
		if err != nil {
			return 0, ModeNone, "", nil, err
		}

		return size, ModeBinary, filename, nil, nil
	}

	minSize := d.minFileSize.Load()

	switch v := value.(type) {
	case string:
		if int64(len(v)) < minSize {
			return 0, ModeRaw, "", v, nil
		}

		filename, size, err := d.files.Write(strings.NewReader(v))
		if err != nil {
			return 0, ModeNone, "", nil, err
		}

		return size, ModeText, filename, nil, nil

	case []byte:
		if int64(len(v)) < minSize {
			return 0, ModeRaw, "", v, nil
		}

		filename, size, err := d.files.Write(bytes.NewReader(v))
		if err != nil {
			return 0, ModeNone, "", nil, err
		}

		return size, ModeBinary, filename, nil, nil

	case float64:
		return 0, ModeRaw, "", v, nil

	case float32:
		return 0, ModeRaw, "", float64(v), nil
	}

	if n, ok := asInt64(value); ok {
		return 0, ModeRaw, "", n, nil
	}

	data, err := encodeGob(value)
	if err != nil {
		return 0, ModeNone, "", nil, fmt.Errorf("store: %w", err)
	}

	if int64(len(data)) < minSize {
		return 0, ModeGob, "", data, nil
	}

	filename, _, err := d.files.Write(bytes.NewReader(data))
	if err != nil {
		return 0, ModeNone, "", nil, err
	}

	return int64(len(data)), ModeGob, filename, nil, nil
}

// Fetch implements [Disk].
func (d *FileDisk) Fetch(mode Mode, filename string, dbValue any, asHandle bool) (any, error) {
	switch mode {
	case ModeRaw:
		return dbValue, nil

	case ModeBinary:
		if asHandle {
			file, err := d.files.Open(filename)
			if err != nil {
				return nil, missingOr(err)
			}

			return file, nil
		}

		data, err := d.files.ReadAll(filename)
		if err != nil {
			return nil, missingOr(err)
		}

		return data, nil

	case ModeText:
		data, err := d.files.ReadAll(filename)
		if err != nil {
			return nil, missingOr(err)
		}

		return string(data), nil

	case ModeGob:
		data, ok := dbValue.([]byte)
		if !ok {
			var err error

			data, err = d.files.ReadAll(filename)
			if err != nil {
				return nil, missingOr(err)
			}
		}

		value, err := decodeGob(data)
		if err != nil {
			return nil, fmt.Errorf("fetch: %w", err)
		}

		return value, nil
	}

	return nil, fmt.Errorf("fetch: unknown mode %d", mode)
}

// Remove implements [Disk].
func (d *FileDisk) Remove(filename string) {
	d.files.Remove(filename)
}

// missingOr maps a vanished blob file to ErrMissingValue and passes every
// other error through.
func missingOr(err error) error {
	if errors.Is(err, blob.ErrMissing) {
		return fmt.Errorf("%w: %w", ErrMissingValue, err)
	}

	return err
}

func encodeGob(value any) ([]byte, error) {
	var buf bytes.Buffer

	err := gob.NewEncoder(&buf).Encode(&gobValue{V: value})
	if err != nil {
		return nil, fmt.Errorf("gob encode: %w", err)
	}

	return buf.Bytes(), nil
}

func decodeGob(data []byte) (any, error) {
	var wrapped gobValue

	err := gob.NewDecoder(bytes.NewReader(data)).Decode(&wrapped)
	if err != nil {
		return nil, fmt.Errorf("gob decode: %w", err)
	}

	return wrapped.V, nil
}

// asInt64 normalizes any Go integer type that fits in a signed 64-bit
// column. Unsigned values above MaxInt64 fall through to serialization.
func asInt64(value any) (int64, bool) {
	switch n := value.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		if uint64(n) <= math.MaxInt64 {
			return int64(n), true
		}
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		if n <= math.MaxInt64 {
			return int64(n), true
		}
	}

	return 0, false
}
