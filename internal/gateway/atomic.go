package gateway

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

type uidGid struct {
	uid int
	gid int
	ok  bool
}

func uidGidFromFileInfo(info os.FileInfo) uidGid {
	if info == nil {
		return uidGid{}
	}
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok || st == nil {
		return uidGid{}
	}
	return uidGid{uid: int(st.Uid), gid: int(st.Gid), ok: true}
}

// nearestDirMeta walks up from dir to the first existing directory and
// returns its owner and mode.
func nearestDirMeta(dir string) (uidGid, os.FileMode) {
	for candidate := filepath.Clean(dir); ; {
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			mode := info.Mode().Perm()
			if mode == 0 {
				mode = 0o755
			}
			return uidGidFromFileInfo(info), mode
		}
		parent := filepath.Dir(candidate)
		if parent == candidate {
			return uidGid{}, 0o755
		}
		candidate = parent
	}
}

// ensureDirExistsWithInheritedMeta creates dir with the owner and mode of
// its nearest existing ancestor, so backup folders stay readable by the
// storage owner.
func ensureDirExistsWithInheritedMeta(dir string) error {
	dir = filepath.Clean(strings.TrimSpace(dir))
	if dir == "" || dir == "." || dir == string(os.PathSeparator) {
		return nil
	}
	if info, err := os.Stat(dir); err == nil {
		if info.IsDir() {
			return nil
		}
		return fmt.Errorf("path exists but is not a directory: %s", dir)
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat %s: %w", dir, err)
	}

	owner, perm := nearestDirMeta(filepath.Dir(dir))
	if err := os.MkdirAll(dir, perm); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	if os.Geteuid() == 0 && owner.ok {
		if err := os.Chown(dir, owner.uid, owner.gid); err != nil {
			return fmt.Errorf("chown dir %s: %w", dir, err)
		}
	}
	return nil
}

// writeFileAtomic writes through a temp file in the same directory and
// renames it over path. An existing file keeps its owner.
func writeFileAtomic(path string, data []byte, perm os.FileMode, now func() time.Time) error {
	path = filepath.Clean(strings.TrimSpace(path))
	if path == "" || path == "." {
		return fmt.Errorf("invalid path")
	}
	if err := ensureDirExistsWithInheritedMeta(filepath.Dir(path)); err != nil {
		return err
	}

	var owner uidGid
	if info, err := os.Stat(path); err == nil && !info.IsDir() {
		owner = uidGidFromFileInfo(info)
	} else {
		owner, _ = nearestDirMeta(filepath.Dir(path))
	}

	tmpPath := fmt.Sprintf("%s.tmp.%d", path, now().UnixNano())
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	_, writeErr := f.Write(data)
	if writeErr == nil && os.Geteuid() == 0 && owner.ok {
		writeErr = f.Chown(owner.uid, owner.gid)
	}
	if writeErr == nil {
		writeErr = f.Chmod(perm)
	}
	if closeErr := f.Close(); writeErr == nil {
		writeErr = closeErr
	}
	if writeErr != nil {
		_ = os.Remove(tmpPath)
		return writeErr
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}
