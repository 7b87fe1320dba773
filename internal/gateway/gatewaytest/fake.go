// Package gatewaytest provides an in-memory gateway for tests.
package gatewaytest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/CrackerCat/Android-DataBackup/internal/gateway"
	"github.com/CrackerCat/Android-DataBackup/internal/types"
)

// Fake keeps files in memory and records every privileged call. Hooks
// override the default (successful) behaviour of single operations.
type Fake struct {
	mu       sync.Mutex
	Files    map[string][]byte
	Sizes    map[string]int64
	Packages map[int][]gateway.Package
	Contexts map[string]string
	Calls    []string

	CreateFn    func(output, baseDir string, entries []string) gateway.Result
	TestFn      func(path string) gateway.Result
	ExtractFn   func(path, dest string) gateway.Result
	InstallFn   func(path string, userID int) gateway.Result
	OwnershipFn func(object types.ObjectType, pkg, path string) gateway.Result
	// OnCall runs after a call is recorded, outside the lock.
	OnCall func(call string)
}

var _ gateway.Gateway = (*Fake)(nil)

// New returns an empty fake.
func New() *Fake {
	return &Fake{
		Files:    map[string][]byte{},
		Sizes:    map[string]int64{},
		Packages: map[int][]gateway.Package{},
		Contexts: map[string]string{},
	}
}

func (f *Fake) record(format string, args ...interface{}) {
	call := fmt.Sprintf(format, args...)
	f.mu.Lock()
	f.Calls = append(f.Calls, call)
	hook := f.OnCall
	f.mu.Unlock()
	if hook != nil {
		hook(call)
	}
}

// Called returns the recorded calls starting with prefix.
func (f *Fake) Called(prefix string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.Calls {
		if strings.HasPrefix(c, prefix) {
			out = append(out, c)
		}
	}
	return out
}

// AddFile stores content at path.
func (f *Fake) AddFile(path string, content string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Files[filepath.Clean(path)] = []byte(content)
}

// SetSize sets the StatSize answer for path.
func (f *Fake) SetSize(path string, size int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Sizes[filepath.Clean(path)] = size
}

// Install registers an installed package for userID.
func (f *Fake) Install(userID int, pkg gateway.Package) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pkgs := f.Packages[userID]
	for i := range pkgs {
		if pkgs[i].Name == pkg.Name {
			pkgs[i] = pkg
			return
		}
	}
	f.Packages[userID] = append(pkgs, pkg)
}

// HasFile reports whether path is stored.
func (f *Fake) HasFile(path string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.Files[filepath.Clean(path)]
	return ok
}

func (f *Fake) Execute(_ context.Context, command string) gateway.Result {
	f.record("execute %s", command)
	return gateway.Result{Success: true}
}

func (f *Fake) ReadFile(_ context.Context, path string) ([]byte, error) {
	f.record("read %s", path)
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.Files[filepath.Clean(path)]
	if !ok {
		return nil, os.ErrNotExist
	}
	return append([]byte(nil), data...), nil
}

func (f *Fake) WriteFile(_ context.Context, path string, data []byte) error {
	f.record("write %s", path)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Files[filepath.Clean(path)] = append([]byte(nil), data...)
	return nil
}

func (f *Fake) Find(_ context.Context, root, pattern string) []string {
	f.record("find %s %s", root, pattern)
	f.mu.Lock()
	defer f.mu.Unlock()
	prefix := filepath.Clean(root) + string(filepath.Separator)
	var out []string
	for path := range f.Files {
		if !strings.HasPrefix(path, prefix) {
			continue
		}
		if ok, _ := filepath.Match(pattern, filepath.Base(path)); ok {
			out = append(out, path)
		}
	}
	sort.Strings(out)
	return out
}

func (f *Fake) StatSize(_ context.Context, path string) (int64, error) {
	f.record("stat %s", path)
	f.mu.Lock()
	defer f.mu.Unlock()
	if size, ok := f.Sizes[filepath.Clean(path)]; ok {
		return size, nil
	}
	return 0, os.ErrNotExist
}

func (f *Fake) Exists(_ context.Context, path string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	clean := filepath.Clean(path)
	if _, ok := f.Files[clean]; ok {
		return true
	}
	_, ok := f.Sizes[clean]
	return ok
}

func (f *Fake) DeleteRecursive(_ context.Context, path string) bool {
	f.record("delete %s", path)
	f.mu.Lock()
	defer f.mu.Unlock()
	clean := filepath.Clean(path)
	for p := range f.Files {
		if p == clean || strings.HasPrefix(p, clean+string(filepath.Separator)) {
			delete(f.Files, p)
		}
	}
	return true
}

func (f *Fake) MkdirAll(_ context.Context, path string) bool {
	f.record("mkdir %s", path)
	return true
}

func (f *Fake) SetInstallEnv(context.Context) gateway.Result {
	f.record("installenv")
	return gateway.Result{Success: true}
}

func (f *Fake) InstallPackage(_ context.Context, path string, userID int) gateway.Result {
	f.record("install %s %d", path, userID)
	if f.InstallFn != nil {
		return f.InstallFn(path, userID)
	}
	return gateway.Result{Success: true, Lines: []string{"Success"}}
}

func (f *Fake) SetOwnershipAndContext(_ context.Context, object types.ObjectType, pkg, path string, userID int, previous string) gateway.Result {
	f.record("owner %s %s %s", object, pkg, path)
	if f.OwnershipFn != nil {
		return f.OwnershipFn(object, pkg, path)
	}
	return gateway.Result{Success: true}
}

func (f *Fake) GetSecurityContext(_ context.Context, path string) string {
	f.record("context %s", path)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Contexts[path]
}

func (f *Fake) ListPackages(_ context.Context, userID int) ([]gateway.Package, error) {
	f.record("list %d", userID)
	f.mu.Lock()
	defer f.mu.Unlock()
	pkgs := append([]gateway.Package(nil), f.Packages[userID]...)
	sort.Slice(pkgs, func(i, j int) bool { return pkgs[i].Name < pkgs[j].Name })
	return pkgs, nil
}

func (f *Fake) lookup(userID int, name string) (gateway.Package, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.Packages[userID] {
		if p.Name == name {
			return p, true
		}
	}
	return gateway.Package{}, false
}

func (f *Fake) PackageInfo(_ context.Context, userID int, name string) (gateway.Package, bool) {
	f.record("info %d %s", userID, name)
	return f.lookup(userID, name)
}

func (f *Fake) PackagePath(_ context.Context, userID int, name string) (string, bool) {
	f.record("path %d %s", userID, name)
	if _, ok := f.lookup(userID, name); !ok {
		return "", false
	}
	return "/data/app/" + name, true
}

func (f *Fake) QueryInstalled(_ context.Context, userID int, name string) bool {
	_, ok := f.lookup(userID, name)
	return ok
}

func (f *Fake) QueryInstalledVersion(_ context.Context, userID int, name string) (int64, bool) {
	f.record("version %d %s", userID, name)
	p, ok := f.lookup(userID, name)
	return p.VersionCode, ok
}

func (f *Fake) CreateArchive(_ context.Context, output, baseDir string, entries []string) gateway.Result {
	f.record("create %s", output)
	if f.CreateFn != nil {
		return f.CreateFn(output, baseDir, entries)
	}
	f.AddFile(output, "archive")
	return gateway.Result{Success: true, Lines: []string{"1 entries"}}
}

func (f *Fake) TestArchive(_ context.Context, path string) gateway.Result {
	f.record("test %s", path)
	if f.TestFn != nil {
		return f.TestFn(path)
	}
	return gateway.Result{Success: true}
}

func (f *Fake) ExtractArchive(_ context.Context, path, dest string) gateway.Result {
	f.record("extract %s %s", path, dest)
	if f.ExtractFn != nil {
		return f.ExtractFn(path, dest)
	}
	return gateway.Result{Success: true, Lines: []string{"1 entries"}}
}
