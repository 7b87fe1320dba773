package checks

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/CrackerCat/Android-DataBackup/internal/logging"
	"github.com/CrackerCat/Android-DataBackup/internal/types"
)

func newTestChecker(t *testing.T, mutate func(*CheckerConfig)) (*Checker, *CheckerConfig) {
	t.Helper()
	cfg := &CheckerConfig{BackupPath: filepath.Join(t.TempDir(), "DataBackup"), RunID: "run-1"}
	if mutate != nil {
		mutate(cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	return NewChecker(logging.New(types.LogLevelNone, false), cfg), cfg
}

func TestCheckerConfigValidate(t *testing.T) {
	cfg := &CheckerConfig{BackupPath: "/b"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.LockFilePath != "/b/.databackup.lock" || cfg.MaxLockAge != 6*time.Hour {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if err := (&CheckerConfig{}).Validate(); err == nil {
		t.Fatal("expected error for empty backup path")
	}
	if err := (&CheckerConfig{BackupPath: "/b", MinFreeMB: -1}).Validate(); err == nil {
		t.Fatal("expected error for negative free space")
	}
}

func TestRunAllChecksTakesAndReleasesLock(t *testing.T) {
	checker, cfg := newTestChecker(t, nil)

	results, err := checker.RunAllChecks(context.Background(), true)
	if err != nil {
		t.Fatalf("RunAllChecks: %v (%+v)", err, results)
	}
	data, err := os.ReadFile(cfg.LockFilePath)
	if err != nil {
		t.Fatalf("lock file missing: %v", err)
	}
	if !strings.Contains(string(data), "run=run-1") || !strings.Contains(string(data), "pid=") {
		t.Fatalf("unexpected lock content %q", data)
	}

	second := NewChecker(logging.New(types.LogLevelNone, false), cfg)
	if _, err := second.RunAllChecks(context.Background(), false); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
	if err := second.ReleaseLock(); err != nil {
		t.Fatalf("ReleaseLock without lock: %v", err)
	}
	if _, err := os.Stat(cfg.LockFilePath); err != nil {
		t.Fatal("a checker that did not take the lock must not remove it")
	}

	if err := checker.ReleaseLock(); err != nil {
		t.Fatalf("ReleaseLock: %v", err)
	}
	if _, err := os.Stat(cfg.LockFilePath); !os.IsNotExist(err) {
		t.Fatalf("lock still present: %v", err)
	}
}

func TestCheckLockFileRemovesStaleLock(t *testing.T) {
	checker, cfg := newTestChecker(t, func(c *CheckerConfig) { c.MaxLockAge = time.Minute })
	if err := os.MkdirAll(cfg.BackupPath, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(cfg.LockFilePath, []byte("pid=1\n"), 0o640); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-time.Hour)
	if err := os.Chtimes(cfg.LockFilePath, old, old); err != nil {
		t.Fatal(err)
	}

	if result := checker.CheckLockFile(); !result.Passed {
		t.Fatalf("stale lock not replaced: %s", result.Message)
	}
}

func TestCheckDiskSpace(t *testing.T) {
	orig := freeBytes
	t.Cleanup(func() { freeBytes = orig })

	tests := []struct {
		name   string
		minMB  int
		free   uint64
		err    error
		passed bool
	}{
		{"disabled", 0, 0, nil, true},
		{"enough", 10, 20 * 1024 * 1024, nil, true},
		{"not enough", 10, 5 * 1024 * 1024, nil, false},
		{"statfs error", 10, 0, errors.New("eio"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			freeBytes = func(context.Context, string, time.Duration) (uint64, error) { return tt.free, tt.err }
			checker, _ := newTestChecker(t, func(c *CheckerConfig) { c.MinFreeMB = tt.minMB })
			if result := checker.CheckDiskSpace(context.Background()); result.Passed != tt.passed {
				t.Fatalf("Passed = %v, message %q", result.Passed, result.Message)
			}
		})
	}
}

func TestRunAllChecksStopsBeforeLockOnDiskFailure(t *testing.T) {
	orig := freeBytes
	t.Cleanup(func() { freeBytes = orig })
	freeBytes = func(context.Context, string, time.Duration) (uint64, error) { return 0, nil }

	checker, cfg := newTestChecker(t, func(c *CheckerConfig) { c.MinFreeMB = 1 })
	if _, err := checker.RunAllChecks(context.Background(), true); !errors.Is(err, ErrInsufficientSpace) {
		t.Fatalf("err = %v, want ErrInsufficientSpace", err)
	}
	if _, err := os.Stat(cfg.LockFilePath); !os.IsNotExist(err) {
		t.Fatal("lock must not be created when an earlier check fails")
	}
}
