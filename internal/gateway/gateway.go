// Package gateway is the privileged execution channel: shell commands,
// filesystem access as root, package manager queries and the archive codec.
// Expected failures are reported as values, never as panics.
package gateway

import (
	"context"
	"strings"

	"github.com/CrackerCat/Android-DataBackup/internal/types"
)

// Result is the outcome of a privileged operation.
type Result struct {
	Success  bool
	Lines    []string
	ExitCode int
}

// Output joins the captured lines.
func (r Result) Output() string {
	return strings.Join(r.Lines, "\n")
}

// LastLine returns the last non-empty captured line.
func (r Result) LastLine() string {
	for i := len(r.Lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(r.Lines[i]); line != "" {
			return line
		}
	}
	return ""
}

func failed(err error) Result {
	return Result{Success: false, Lines: []string{err.Error()}, ExitCode: 1}
}

// Package is one entry of the package manager listing.
type Package struct {
	Name             string
	VersionName      string
	VersionCode      int64
	IsSystem         bool
	FirstInstallTime int64
	AppID            int
}

// Gateway is everything the engine needs from the device.
type Gateway interface {
	Execute(ctx context.Context, command string) Result

	ReadFile(ctx context.Context, path string) ([]byte, error)
	WriteFile(ctx context.Context, path string, data []byte) error
	// Find returns the regular files under root whose base name matches
	// pattern, in lexical path order.
	Find(ctx context.Context, root, pattern string) []string
	StatSize(ctx context.Context, path string) (int64, error)
	Exists(ctx context.Context, path string) bool
	DeleteRecursive(ctx context.Context, path string) bool
	MkdirAll(ctx context.Context, path string) bool

	SetInstallEnv(ctx context.Context) Result
	InstallPackage(ctx context.Context, path string, userID int) Result
	SetOwnershipAndContext(ctx context.Context, object types.ObjectType, packageName, path string, userID int, previousContext string) Result
	GetSecurityContext(ctx context.Context, path string) string

	ListPackages(ctx context.Context, userID int) ([]Package, error)
	PackageInfo(ctx context.Context, userID int, packageName string) (Package, bool)
	PackagePath(ctx context.Context, userID int, packageName string) (string, bool)
	QueryInstalled(ctx context.Context, userID int, packageName string) bool
	QueryInstalledVersion(ctx context.Context, userID int, packageName string) (int64, bool)

	CreateArchive(ctx context.Context, outputPath, baseDir string, entries []string) Result
	TestArchive(ctx context.Context, path string) Result
	ExtractArchive(ctx context.Context, path, destDir string) Result
}

// IndexFiles adapts a Gateway to the file access the index store needs.
func IndexFiles(ctx context.Context, g Gateway) *FileAdapter {
	return &FileAdapter{ctx: ctx, g: g}
}

// FileAdapter binds a context to gateway file operations.
type FileAdapter struct {
	ctx context.Context
	g   Gateway
}

func (f *FileAdapter) ReadFile(path string) ([]byte, error) {
	return f.g.ReadFile(f.ctx, path)
}

func (f *FileAdapter) WriteFile(path string, data []byte) error {
	return f.g.WriteFile(f.ctx, path, data)
}

// ShellQuote quotes value for sh -c.
func ShellQuote(value string) string {
	return "'" + strings.ReplaceAll(value, "'", `'\''`) + "'"
}
