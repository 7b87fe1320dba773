package gateway

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/CrackerCat/Android-DataBackup/internal/backup"
	"github.com/CrackerCat/Android-DataBackup/internal/logging"
	"github.com/CrackerCat/Android-DataBackup/internal/safefs"
)

// DeviceConfig tunes the device gateway.
type DeviceConfig struct {
	FSTimeout time.Duration
	// AutoFixMultiUserContext computes the MLS context for user and user_de
	// instead of asking restorecon.
	AutoFixMultiUserContext bool
}

// Device runs everything on the local device through sh.
type Device struct {
	logger   *logging.Logger
	runner   CommandRunner
	archiver *backup.Archiver
	cfg      DeviceConfig
	now      func() time.Time
	stat     func(path string) (os.FileInfo, error)
}

// NewDevice creates the device gateway.
func NewDevice(logger *logging.Logger, runner CommandRunner, archiver *backup.Archiver, cfg DeviceConfig) *Device {
	if runner == nil {
		runner = OSRunner{}
	}
	return &Device{
		logger:   logger,
		runner:   runner,
		archiver: archiver,
		cfg:      cfg,
		now:      time.Now,
		stat:     os.Stat,
	}
}

var _ Gateway = (*Device)(nil)

type exitCoder interface {
	ExitCode() int
}

// Execute runs command through sh -c and captures combined output.
func (d *Device) Execute(ctx context.Context, command string) Result {
	out, err := d.runner.Run(ctx, "sh", "-c", command)
	lines := splitLines(string(out))
	d.logger.Shell(command, lines)

	res := Result{Success: err == nil, Lines: lines}
	if err != nil {
		res.ExitCode = 1
		var ec exitCoder
		if errors.As(err, &ec) {
			res.ExitCode = ec.ExitCode()
		}
		if len(lines) == 0 {
			res.Lines = []string{err.Error()}
		}
	}
	return res
}

func splitLines(out string) []string {
	out = strings.TrimRight(out, "\n")
	if out == "" {
		return nil
	}
	return strings.Split(out, "\n")
}

func (d *Device) ReadFile(_ context.Context, path string) ([]byte, error) {
	return os.ReadFile(path)
}

func (d *Device) WriteFile(_ context.Context, path string, data []byte) error {
	return writeFileAtomic(path, data, 0o644, d.now)
}

func (d *Device) Find(ctx context.Context, root, pattern string) []string {
	var paths []string
	err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			if path == root {
				return err
			}
			d.logger.Debug("find: skipping %s: %v", path, err)
			return nil
		}
		if !entry.Type().IsRegular() {
			return nil
		}
		if ok, _ := filepath.Match(pattern, entry.Name()); ok {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		d.logger.Warning("find %s (%s): %v", root, pattern, err)
	}
	sort.Strings(paths)
	return paths
}

func (d *Device) StatSize(ctx context.Context, path string) (int64, error) {
	return safefs.TreeSize(ctx, path, d.cfg.FSTimeout)
}

func (d *Device) Exists(ctx context.Context, path string) bool {
	_, err := safefs.Lstat(ctx, path, d.cfg.FSTimeout)
	return err == nil
}

func (d *Device) DeleteRecursive(_ context.Context, path string) bool {
	if err := os.RemoveAll(path); err != nil {
		d.logger.Warning("delete %s: %v", path, err)
		return false
	}
	return true
}

func (d *Device) MkdirAll(_ context.Context, path string) bool {
	if err := ensureDirExistsWithInheritedMeta(path); err != nil {
		d.logger.Warning("mkdir %s: %v", path, err)
		return false
	}
	return true
}

func (d *Device) CreateArchive(ctx context.Context, outputPath, baseDir string, entries []string) Result {
	sum, err := d.archiver.Create(ctx, outputPath, baseDir, entries)
	if err != nil {
		return failed(err)
	}
	return Result{Success: true, Lines: []string{sum.String()}}
}

func (d *Device) TestArchive(ctx context.Context, path string) Result {
	sum, err := d.archiver.Test(ctx, path)
	if errors.Is(err, backup.ErrEncryptedArchive) {
		d.logger.Warning("%s is encrypted and no identity is loaded; skipping content test", path)
		return Result{Success: true, Lines: []string{"encrypted, not verified"}}
	}
	if err != nil {
		return failed(err)
	}
	return Result{Success: true, Lines: []string{sum.String()}}
}

func (d *Device) ExtractArchive(ctx context.Context, path, destDir string) Result {
	sum, err := d.archiver.Extract(ctx, path, destDir)
	if err != nil {
		return failed(err)
	}
	return Result{Success: true, Lines: []string{sum.String()}}
}
