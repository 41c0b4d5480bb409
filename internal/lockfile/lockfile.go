// Package lockfile provides the file primitives shared by the dashboard
// store, the agent registry and the IPC bus: a cross-process advisory lock,
// an atomic rename writer and an mtime-keyed read cache. Several server
// processes may touch the same workspace at once; everything they share goes
// through this package.
package lockfile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// ErrLockTimeout is returned when the advisory lock stayed contended for the
// whole timeout. Callers may retry; parse and IO errors must be surfaced.
var ErrLockTimeout = errors.New("lock acquisition timed out")

// ErrLockBusy is returned by the fail-fast variant when the lock is held.
var ErrLockBusy = errors.New("lock is held by another process")

const lockRetryInterval = 50 * time.Millisecond

// WithLock runs fn while holding the advisory lock at path, retrying with a
// fixed interval up to timeout. The lock must be short-held; fn runs no
// subprocesses and does no blocking IO beyond the guarded files.
func WithLock(path string, timeout time.Duration, fn func() error) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("lock dir: %w", err)
	}
	fl := flock.New(path)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	locked, err := fl.TryLockContext(ctx, lockRetryInterval)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s", ErrLockTimeout, path)
		}
		return fmt.Errorf("lock %s: %w", path, err)
	}
	if !locked {
		return fmt.Errorf("%w: %s", ErrLockTimeout, path)
	}
	defer fl.Unlock()
	return fn()
}

// WithLockNoWait runs fn only if the lock is immediately free. Transactional
// callers that must not stall a request in flight use this instead of
// blocking on a contended lock.
func WithLockNoWait(path string, fn func() error) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("lock dir: %w", err)
	}
	fl := flock.New(path)
	locked, err := fl.TryLock()
	if err != nil {
		return fmt.Errorf("lock %s: %w", path, err)
	}
	if !locked {
		return fmt.Errorf("%w: %s", ErrLockBusy, path)
	}
	defer fl.Unlock()
	return fn()
}

// AtomicWrite replaces the file at path via a sibling temp file and rename.
// The temp file is fsynced before the rename and unlinked on failure.
func AtomicWrite(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if tmpName != "" {
			os.Remove(tmpName)
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return fmt.Errorf("chmod temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	tmpName = ""
	return nil
}

// MtimeNS returns the file's modification time in nanoseconds, or 0 when the
// file does not exist.
func MtimeNS(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	return info.ModTime().UnixNano(), nil
}

// Cache is a single-file parsed-value cache keyed by mtime_ns. A reader that
// sees an unchanged mtime reuses the parsed value; any writer invalidates
// explicitly after a successful write.
type Cache[T any] struct {
	mtimeNS int64
	value   T
	valid   bool
}

// Get returns the cached value when the file's mtime still matches.
func (c *Cache[T]) Get(path string) (T, bool) {
	var zero T
	if !c.valid {
		return zero, false
	}
	mt, err := MtimeNS(path)
	if err != nil || mt == 0 || mt != c.mtimeNS {
		return zero, false
	}
	return c.value, true
}

// Put stores the parsed value against the file's current mtime.
func (c *Cache[T]) Put(path string, value T) {
	mt, err := MtimeNS(path)
	if err != nil || mt == 0 {
		c.valid = false
		return
	}
	c.mtimeNS = mt
	c.value = value
	c.valid = true
}

// Invalidate drops the cached value.
func (c *Cache[T]) Invalidate() {
	var zero T
	c.value = zero
	c.valid = false
}
