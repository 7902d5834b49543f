package diskcache

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
)

// JSONDisk layers JSON encoding plus zlib compression over a base [Disk].
//
// Keys and values are marshalled to JSON, compressed, and handed to the base
// disk as opaque bytes. Streamed values (SetReader) bypass the JSON layer and
// are stored verbatim. JSONDisk demonstrates that the codec is a swappable
// strategy: it composes with the base disk rather than replacing it.
//
// Note that JSON round-trips lose Go type fidelity the way JSON always does:
// all numbers come back as float64 and byte slices as base64 strings.
type JSONDisk struct {
	base  Disk
	level int
}

// NewJSONDisk wraps base with JSON+zlib serialization. level is the zlib
// compression level, 0 (none) through 9 (best); out-of-range levels fall
// back to zlib.DefaultCompression.
func NewJSONDisk(base Disk, level int) *JSONDisk {
	if level < zlib.NoCompression || level > zlib.BestCompression {
		level = zlib.DefaultCompression
	}

	return &JSONDisk{base: base, level: level}
}

// Put implements [Disk].
func (d *JSONDisk) Put(key any) (any, bool, error) {
	data, err := d.compress(key)
	if err != nil {
		return nil, false, fmt.Errorf("json put: %w", err)
	}

	return d.base.Put(data)
}

// Get implements [Disk].
func (d *JSONDisk) Get(dbKey any, raw bool) (any, error) {
	inner, err := d.base.Get(dbKey, raw)
	if err != nil {
		return nil, err
	}

	data, ok := inner.([]byte)
	if !ok {
		return nil, fmt.Errorf("json get: expected blob, got %T", inner)
	}

	key, err := d.decompress(data)
	if err != nil {
		return nil, fmt.Errorf("json get: %w", err)
	}

	return key, nil
}

// Hash implements [Disk].
func (d *JSONDisk) Hash(key any) (uint32, error) {
	data, err := d.compress(key)
	if err != nil {
		return 0, fmt.Errorf("json hash: %w", err)
	}

	return d.base.Hash(data)
}

// Store implements [Disk].
func (d *JSONDisk) Store(value any, r io.Reader) (int64, Mode, string, any, error) {
	if r != nil {
		return d.base.Store(nil, r)
	}

	data, err := d.compress(value)
	if err != nil {
		return 0, ModeNone, "", nil, fmt.Errorf("json store: %w", err)
	}

	return d.base.Store(data, nil)
}

// Fetch implements [Disk].
func (d *JSONDisk) Fetch(mode Mode, filename string, dbValue any, asHandle bool) (any, error) {
	inner, err := d.base.Fetch(mode, filename, dbValue, asHandle)
	if err != nil {
		return nil, err
	}

	if asHandle {
		return inner, nil
	}

	data, ok := inner.([]byte)
	if !ok {
		return nil, fmt.Errorf("json fetch: expected blob, got %T", inner)
	}

	value, err := d.decompress(data)
	if err != nil {
		return nil, fmt.Errorf("json fetch: %w", err)
	}

	return value, nil
}

// Remove implements [Disk].
func (d *JSONDisk) Remove(filename string) {
	d.base.Remove(filename)
}

// SetMinFileSize implements [Disk].
func (d *JSONDisk) SetMinFileSize(n int64) {
	d.base.SetMinFileSize(n)
}

func (d *JSONDisk) compress(value any) ([]byte, error) {
	jsonBytes, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}

	var buf bytes.Buffer

	w, err := zlib.NewWriterLevel(&buf, d.level)
	if err != nil {
		return nil, fmt.Errorf("zlib writer: %w", err)
	}

	_, err = w.Write(jsonBytes)
	if err != nil {
		return nil, fmt.Errorf("compress: %w", err)
	}

	err = w.Close()
	if err != nil {
		return nil, fmt.Errorf("compress close: %w", err)
	}

	return buf.Bytes(), nil
}

func (d *JSONDisk) decompress(data []byte) (any, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("zlib reader: %w", err)
	}

	jsonBytes, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("decompress: %w", err)
	}

	err = r.Close()
	if err != nil {
		return nil, fmt.Errorf("decompress close: %w", err)
	}

	var value any

	err = json.Unmarshal(jsonBytes, &value)
	if err != nil {
		return nil, fmt.Errorf("unmarshal: %w", err)
	}

	return value, nil
}
