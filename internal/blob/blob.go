// Package blob stores large cache values as files outside the index.
//
// Files get random 16-byte hex names split across two levels of sharding
// directories ("xx/yy/<28 hex>.val") to bound directory fan-out. Names are
// generated without coordination, which is what makes concurrent writers
// from multiple processes safe: two stores pointed at the same directory
// never contend on the same path.
package blob

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// ErrMissing indicates the blob file does not exist.
//
// Callers treat this as a cache miss: the index row may still exist and is
// reconciled by a later consistency check or cull.
var ErrMissing = errors.New("blob: missing")

// copyBufferSize is the chunk size used when streaming values to disk.
const copyBufferSize = 4 << 20 // 4 MiB

// createAttempts bounds retries when a randomly chosen name already exists
// or the parent directory vanishes between MkdirAll and create.
const createAttempts = 10

const (
	dirPerms  = 0o755
	filePerms = 0o644
)

// Store manages blob files under a root directory.
//
// All filenames returned and accepted by Store are relative to the root.
// Store is safe for concurrent use by multiple goroutines and by multiple
// processes sharing the same directory.
type Store struct {
	dir string
}

// New creates a Store rooted at dir. The directory is not created here;
// parents are created lazily on write.
func New(dir string) *Store {
	return &Store{dir: dir}
}

// Path returns the absolute path for a relative blob filename.
func (s *Store) Path(filename string) string {
	return filepath.Join(s.dir, filename)
}

// Filename generates a new relative blob path of the form
// "xx/yy/<28 hex chars>.val". The name is random; callers must create the
// file with O_EXCL to detect the (vanishingly unlikely) collision.
func Filename() string {
	u := uuid.New()
	hexName := hex.EncodeToString(u[:])

	return filepath.Join(hexName[:2], hexName[2:4], hexName[4:]+".val")
}

// Write streams r into a freshly named blob file and returns its relative
// filename and size in bytes.
//
// The target is opened in exclusive-create mode. If the name collides or the
// parent directory is removed by a concurrent cleanup before the file opens,
// Write picks a new name and retries, giving up after ten attempts. Any other
// I/O failure is fatal and propagated; a partially written file is removed.
func (s *Store) Write(r io.Reader) (string, int64, error) {
	var (
		file     *os.File
		filename string
		err      error
	)

	for attempt := 1; ; attempt++ {
		filename = Filename()
		fullPath := s.Path(filename)

		// Race-tolerant: another process may create (or remove) the shard
		// directories at any time.
		mkdirErr := os.MkdirAll(filepath.Dir(fullPath), dirPerms)
		if mkdirErr != nil && !errors.Is(mkdirErr, fs.ErrExist) {
			return "", 0, fmt.Errorf("blob write: create shard dir: %w", mkdirErr)
		}

		file, err = os.OpenFile(fullPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, filePerms)
		if err == nil {
			break
		}

		if attempt == createAttempts {
			return "", 0, fmt.Errorf("blob write: open %s: %w", filename, err)
		}
	}

	buf := make([]byte, copyBufferSize)

	size, err := io.CopyBuffer(file, r, buf)
	if err != nil {
		_ = file.Close()
		s.Remove(filename)

		return "", 0, fmt.Errorf("blob write: copy: %w", err)
	}

	err = file.Close()
	if err != nil {
		s.Remove(filename)

		return "", 0, fmt.Errorf("blob write: close: %w", err)
	}

	return filename, size, nil
}

// Open returns an open handle to the blob file. The caller owns closing it.
// Returns ErrMissing if the file does not exist.
func (s *Store) Open(filename string) (*os.File, error) {
	file, err := os.Open(s.Path(filename))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrMissing
		}

		return nil, fmt.Errorf("blob open %s: %w", filename, err)
	}

	return file, nil
}

// ReadAll reads the full contents of the blob file.
// Returns ErrMissing if the file does not exist.
func (s *Store) ReadAll(filename string) ([]byte, error) {
	data, err := os.ReadFile(s.Path(filename))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrMissing
		}

		return nil, fmt.Errorf("blob read %s: %w", filename, err)
	}

	return data, nil
}

// Remove deletes the blob file and prunes now-empty shard directories.
//
// All errors are swallowed: another store instance may have deleted the file
// or its directories already, and "already gone" is success.
func (s *Store) Remove(filename string) {
	if filename == "" {
		return
	}

	fullPath := s.Path(filename)

	_ = os.Remove(fullPath)

	// Prune the two shard levels, innermost first. Remove fails on
	// non-empty directories, which ends the pruning.
	dir := filepath.Dir(fullPath)
	for range 2 {
		if err := os.Remove(dir); err != nil {
			break
		}

		dir = filepath.Dir(dir)
	}
}
