package gateway

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

var (
	sessionIDPattern = regexp.MustCompile(`\[(\d+)\]`)
	dumpsysField     = regexp.MustCompile(`^\s*(versionName|versionCode|firstInstallTime|userId|appId)=(\S+)`)
)

// ListPackages returns the packages installed for userID, sorted by name.
func (d *Device) ListPackages(ctx context.Context, userID int) ([]Package, error) {
	all := d.Execute(ctx, fmt.Sprintf("pm list packages --user %d --show-versioncode", userID))
	if !all.Success {
		return nil, fmt.Errorf("pm list packages failed (exit %d): %s", all.ExitCode, all.LastLine())
	}
	system := map[string]bool{}
	if res := d.Execute(ctx, fmt.Sprintf("pm list packages -s --user %d", userID)); res.Success {
		for _, line := range res.Lines {
			if name, _ := parsePackageLine(line); name != "" {
				system[name] = true
			}
		}
	}

	var pkgs []Package
	for _, line := range all.Lines {
		name, code := parsePackageLine(line)
		if name == "" {
			continue
		}
		pkgs = append(pkgs, Package{Name: name, VersionCode: code, IsSystem: system[name]})
	}
	sort.Slice(pkgs, func(i, j int) bool { return pkgs[i].Name < pkgs[j].Name })
	return pkgs, nil
}

// parsePackageLine handles "package:com.x versionCode:42".
func parsePackageLine(line string) (string, int64) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "package:") {
		return "", 0
	}
	fields := strings.Fields(strings.TrimPrefix(line, "package:"))
	if len(fields) == 0 {
		return "", 0
	}
	var code int64
	for _, f := range fields[1:] {
		if v, ok := strings.CutPrefix(f, "versionCode:"); ok {
			code, _ = strconv.ParseInt(v, 10, 64)
		}
	}
	return fields[0], code
}

// PackageInfo reads version, install time and app id from dumpsys.
func (d *Device) PackageInfo(ctx context.Context, userID int, packageName string) (Package, bool) {
	res := d.Execute(ctx, "dumpsys package "+ShellQuote(packageName))
	if !res.Success {
		return Package{}, false
	}
	return parseDumpsys(packageName, res.Lines)
}

func parseDumpsys(packageName string, lines []string) (Package, bool) {
	pkg := Package{Name: packageName}
	found := false
	for _, line := range lines {
		for _, field := range strings.Fields(line) {
			m := dumpsysField.FindStringSubmatch(field)
			if m == nil {
				continue
			}
			switch m[1] {
			case "versionName":
				if pkg.VersionName == "" {
					pkg.VersionName = m[2]
				}
			case "versionCode":
				if pkg.VersionCode == 0 {
					pkg.VersionCode, _ = strconv.ParseInt(m[2], 10, 64)
				}
			case "firstInstallTime":
				if pkg.FirstInstallTime == 0 {
					if t, err := time.ParseInLocation("2006-01-02 15:04:05", strings.TrimSpace(afterEquals(line)), time.Local); err == nil {
						pkg.FirstInstallTime = t.UnixMilli()
					}
				}
			case "userId", "appId":
				if pkg.AppID == 0 {
					pkg.AppID, _ = strconv.Atoi(m[2])
				}
			}
			found = true
		}
	}
	return pkg, found
}

func afterEquals(line string) string {
	if idx := strings.Index(line, "="); idx >= 0 {
		return line[idx+1:]
	}
	return ""
}

// PackagePath returns the directory holding the package's apk splits.
func (d *Device) PackagePath(ctx context.Context, userID int, packageName string) (string, bool) {
	res := d.Execute(ctx, fmt.Sprintf("pm path --user %d %s", userID, ShellQuote(packageName)))
	if !res.Success {
		return "", false
	}
	for _, line := range res.Lines {
		if p, ok := strings.CutPrefix(strings.TrimSpace(line), "package:"); ok && p != "" {
			return filepath.Dir(p), true
		}
	}
	return "", false
}

func (d *Device) QueryInstalled(ctx context.Context, userID int, packageName string) bool {
	_, ok := d.QueryInstalledVersion(ctx, userID, packageName)
	return ok
}

func (d *Device) QueryInstalledVersion(ctx context.Context, userID int, packageName string) (int64, bool) {
	pkgs, err := d.ListPackages(ctx, userID)
	if err != nil {
		d.logger.Debug("query %s: %v", packageName, err)
		return 0, false
	}
	return lookupVersion(pkgs, packageName)
}

func lookupVersion(pkgs []Package, name string) (int64, bool) {
	i := sort.Search(len(pkgs), func(i int) bool { return pkgs[i].Name >= name })
	if i < len(pkgs) && pkgs[i].Name == name {
		return pkgs[i].VersionCode, true
	}
	return 0, false
}

// SetInstallEnv turns off install-time verification for adb installs.
func (d *Device) SetInstallEnv(ctx context.Context) Result {
	return d.Execute(ctx, "settings put global verifier_verify_adb_installs 0; settings put global package_verifier_enable 0")
}

// InstallPackage installs a single apk, or every *.apk in a directory as
// one split session.
func (d *Device) InstallPackage(ctx context.Context, path string, userID int) Result {
	apks, err := collectAPKs(path)
	if err != nil {
		return failed(err)
	}
	if len(apks) == 1 {
		return d.Execute(ctx, fmt.Sprintf("pm install -r -t --user %d %s", userID, ShellQuote(apks[0])))
	}

	create := d.Execute(ctx, fmt.Sprintf("pm install-create -r -t --user %d", userID))
	if !create.Success {
		return create
	}
	m := sessionIDPattern.FindStringSubmatch(create.Output())
	if m == nil {
		return Result{Success: false, Lines: append(create.Lines, "no install session id"), ExitCode: 1}
	}
	session := m[1]
	lines := append([]string(nil), create.Lines...)
	for _, apk := range apks {
		write := d.Execute(ctx, fmt.Sprintf("pm install-write %s %s %s", session, ShellQuote(filepath.Base(apk)), ShellQuote(apk)))
		lines = append(lines, write.Lines...)
		if !write.Success {
			d.Execute(ctx, "pm install-abandon "+session)
			return Result{Success: false, Lines: lines, ExitCode: write.ExitCode}
		}
	}
	commit := d.Execute(ctx, "pm install-commit "+session)
	commit.Lines = append(lines, commit.Lines...)
	return commit
}

func collectAPKs(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{path}, nil
	}
	matches, err := filepath.Glob(filepath.Join(path, "*.apk"))
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("no apk found in %s", path)
	}
	sort.Strings(matches)
	return matches, nil
}
