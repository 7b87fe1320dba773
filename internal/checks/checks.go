package checks

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/CrackerCat/Android-DataBackup/internal/logging"
	"github.com/CrackerCat/Android-DataBackup/internal/safefs"
	"github.com/CrackerCat/Android-DataBackup/pkg/utils"
)

var (
	osStat     = os.Stat
	osRemove   = os.Remove
	osOpenFile = os.OpenFile
	osMkdirAll = os.MkdirAll
	freeBytes  = safefs.FreeBytes
	syncFile   = func(f *os.File) error { return f.Sync() }
	now        = time.Now
)

// ErrLocked is returned when another run holds the lock file.
var ErrLocked = errors.New("another run is in progress")

// ErrInsufficientSpace is returned when the backup root is below MinFreeMB.
var ErrInsufficientSpace = errors.New("insufficient disk space")

// Checker performs pre-run validation checks
type Checker struct {
	logger *logging.Logger
	config *CheckerConfig
	locked bool
}

// CheckerConfig holds configuration for pre-run checks
type CheckerConfig struct {
	BackupPath   string
	LockFilePath string
	MaxLockAge   time.Duration
	MinFreeMB    int
	FSTimeout    time.Duration
	// RunID is written into the lock file.
	RunID string
}

// Validate checks if the checker configuration is valid
func (c *CheckerConfig) Validate() error {
	if c.BackupPath == "" {
		return fmt.Errorf("backup path cannot be empty")
	}
	if c.LockFilePath == "" {
		c.LockFilePath = filepath.Join(c.BackupPath, ".databackup.lock")
	}
	if c.MaxLockAge <= 0 {
		c.MaxLockAge = 6 * time.Hour
	}
	if c.MinFreeMB < 0 {
		return fmt.Errorf("minimum free space must be >= 0, got %d", c.MinFreeMB)
	}
	return nil
}

// CheckResult holds the result of a validation check
type CheckResult struct {
	Name    string
	Passed  bool
	Message string
	Error   error
}

// NewChecker creates a new pre-run checker
func NewChecker(logger *logging.Logger, config *CheckerConfig) *Checker {
	return &Checker{logger: logger, config: config}
}

// RunAllChecks validates the backup root, the free space (backup runs only)
// and finally takes the lock. The lock comes last so a failed check never
// leaves a lock file behind.
func (c *Checker) RunAllChecks(ctx context.Context, backupRun bool) ([]CheckResult, error) {
	c.logger.Debug("Running pre-run validation checks")
	var results []CheckResult

	dirResult := c.CheckDirectories()
	results = append(results, dirResult)
	if !dirResult.Passed {
		return results, fmt.Errorf("directory check failed: %s", dirResult.Message)
	}

	if backupRun {
		diskResult := c.CheckDiskSpace(ctx)
		results = append(results, diskResult)
		if !diskResult.Passed {
			if diskResult.Error != nil {
				return results, fmt.Errorf("disk space check failed: %w", diskResult.Error)
			}
			return results, fmt.Errorf("%w: %s", ErrInsufficientSpace, diskResult.Message)
		}
	}

	lockResult := c.CheckLockFile()
	results = append(results, lockResult)
	if !lockResult.Passed {
		if lockResult.Error != nil {
			return results, lockResult.Error
		}
		return results, fmt.Errorf("%w: %s", ErrLocked, lockResult.Message)
	}

	c.logger.Debug("All pre-run checks passed")
	return results, nil
}

// CheckDirectories makes sure the backup root exists.
func (c *Checker) CheckDirectories() CheckResult {
	result := CheckResult{Name: "Directories"}
	if err := osMkdirAll(c.config.BackupPath, 0o771); err != nil {
		result.Error = fmt.Errorf("cannot create backup root %s: %w", c.config.BackupPath, err)
		result.Message = result.Error.Error()
		return result
	}
	result.Passed = true
	result.Message = "Backup root available"
	return result
}

// CheckDiskSpace verifies the backup root has at least MinFreeMB free.
func (c *Checker) CheckDiskSpace(ctx context.Context) CheckResult {
	result := CheckResult{Name: "Disk Space"}
	if c.config.MinFreeMB <= 0 {
		result.Passed = true
		result.Message = "Free space check disabled"
		return result
	}
	free, err := freeBytes(ctx, c.config.BackupPath, c.config.FSTimeout)
	if err != nil {
		result.Error = fmt.Errorf("cannot read free space of %s: %w", c.config.BackupPath, err)
		result.Message = result.Error.Error()
		return result
	}
	required := uint64(c.config.MinFreeMB) * 1024 * 1024
	if free < required {
		result.Message = fmt.Sprintf("only %s free on %s, %s required",
			utils.FormatBytes(int64(free)), c.config.BackupPath, utils.FormatBytes(int64(required)))
		c.logger.Error("%s", result.Message)
		return result
	}
	result.Passed = true
	result.Message = fmt.Sprintf("%s free", utils.FormatBytes(int64(free)))
	c.logger.Debug("%s", result.Message)
	return result
}

// CheckLockFile removes a stale lock and creates a new one atomically.
func (c *Checker) CheckLockFile() CheckResult {
	result := CheckResult{Name: "Lock File"}
	lockPath := c.config.LockFilePath
	c.logger.Debug("Lock file path: %s", lockPath)

	if info, err := osStat(lockPath); err == nil {
		age := now().Sub(info.ModTime())
		if age <= c.config.MaxLockAge {
			result.Message = fmt.Sprintf("Another run is in progress (lock age: %v)", age.Round(time.Second))
			c.logger.Error("%s", result.Message)
			return result
		}
		c.logger.Warning("Removing stale lock file (age: %v)", age.Round(time.Second))
		if err := osRemove(lockPath); err != nil {
			result.Error = fmt.Errorf("failed to remove stale lock: %w", err)
			result.Message = result.Error.Error()
			return result
		}
	}

	f, err := osOpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		if os.IsExist(err) {
			result.Message = "Another run acquired the lock"
			c.logger.Error("%s", result.Message)
			return result
		}
		result.Error = fmt.Errorf("failed to create lock file: %w", err)
		result.Message = result.Error.Error()
		return result
	}
	defer f.Close()

	hostname, _ := os.Hostname()
	content := fmt.Sprintf("pid=%d\nhost=%s\ntime=%s\nrun=%s\n", os.Getpid(), hostname, now().Format(time.RFC3339), c.config.RunID)
	if _, err := f.WriteString(content); err != nil {
		_ = osRemove(lockPath)
		result.Error = fmt.Errorf("failed to write lock file: %w", err)
		result.Message = result.Error.Error()
		return result
	}
	if err := syncFile(f); err != nil {
		c.logger.Warning("Failed to sync lock file %s: %v", lockPath, err)
	}

	c.locked = true
	result.Passed = true
	result.Message = "Lock file acquired successfully"
	c.logger.Debug("%s", result.Message)
	return result
}

// ReleaseLock removes the lock file taken by this checker.
func (c *Checker) ReleaseLock() error {
	if !c.locked {
		return nil
	}
	if err := osRemove(c.config.LockFilePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	c.locked = false
	c.logger.Debug("Lock file released: %s", c.config.LockFilePath)
	return nil
}
