// Package safefs wraps blocking filesystem calls on device storage (FUSE
// backed /storage, adopted SD cards) so a stuck mount cannot hang a run.
package safefs

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"syscall"
	"time"

	"github.com/CrackerCat/Android-DataBackup/pkg/utils"
)

var (
	osStat        = os.Stat
	osLstat       = os.Lstat
	osReadDir     = os.ReadDir
	treeSize      = utils.TreeSize
	syscallStatfs = syscall.Statfs
)

// ErrTimeout classifies filesystem operations that did not complete in time.
var ErrTimeout = errors.New("filesystem operation timed out")

// TimeoutError is returned when a filesystem operation exceeds its allowed
// duration. The underlying call is not interrupted; the caller stops waiting.
type TimeoutError struct {
	Op      string
	Path    string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	if e == nil {
		return "filesystem operation timed out"
	}
	if e.Timeout > 0 {
		return fmt.Sprintf("%s %s: timeout after %s", e.Op, e.Path, e.Timeout)
	}
	return fmt.Sprintf("%s %s: timeout", e.Op, e.Path)
}

func (e *TimeoutError) Unwrap() error { return ErrTimeout }

func effectiveTimeout(ctx context.Context, timeout time.Duration) time.Duration {
	if timeout <= 0 {
		return 0
	}
	if deadline, ok := ctx.Deadline(); ok {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return 0
		}
		if remaining < timeout {
			return remaining
		}
	}
	return timeout
}

// bounded runs fn and waits at most timeout for it. timeout <= 0 waits forever.
func bounded[T any](ctx context.Context, op, path string, timeout time.Duration, fn func() (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	timeout = effectiveTimeout(ctx, timeout)
	if timeout <= 0 {
		return fn()
	}

	type result struct {
		value T
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{value: v, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-ch:
		return r.value, r.err
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-timer.C:
		return zero, &TimeoutError{Op: op, Path: path, Timeout: timeout}
	}
}

// Stat is os.Stat bounded by timeout.
func Stat(ctx context.Context, path string, timeout time.Duration) (fs.FileInfo, error) {
	return bounded(ctx, "stat", path, timeout, func() (fs.FileInfo, error) { return osStat(path) })
}

// Lstat is os.Lstat bounded by timeout.
func Lstat(ctx context.Context, path string, timeout time.Duration) (fs.FileInfo, error) {
	return bounded(ctx, "lstat", path, timeout, func() (fs.FileInfo, error) { return osLstat(path) })
}

// ReadDir is os.ReadDir bounded by timeout.
func ReadDir(ctx context.Context, path string, timeout time.Duration) ([]os.DirEntry, error) {
	return bounded(ctx, "readdir", path, timeout, func() ([]os.DirEntry, error) { return osReadDir(path) })
}

// TreeSize sums regular file sizes under path, bounded by timeout.
func TreeSize(ctx context.Context, path string, timeout time.Duration) (int64, error) {
	return bounded(ctx, "du", path, timeout, func() (int64, error) { return treeSize(path) })
}

// Statfs is syscall.Statfs bounded by timeout.
func Statfs(ctx context.Context, path string, timeout time.Duration) (syscall.Statfs_t, error) {
	return bounded(ctx, "statfs", path, timeout, func() (syscall.Statfs_t, error) {
		var stat syscall.Statfs_t
		err := syscallStatfs(path, &stat)
		return stat, err
	})
}

// FreeBytes returns the bytes available to unprivileged writers on the
// filesystem holding path.
func FreeBytes(ctx context.Context, path string, timeout time.Duration) (uint64, error) {
	stat, err := Statfs(ctx, path, timeout)
	if err != nil {
		return 0, err
	}
	return uint64(stat.Bavail) * uint64(stat.Bsize), nil
}
