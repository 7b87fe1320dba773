// Package version reports the build version of the binary.
package version

import (
	"fmt"
	"runtime/debug"
	"strings"
)

// Set at build time, e.g.
//
//	-X github.com/CrackerCat/Android-DataBackup/internal/version.Version=v1.2.0
var (
	Version = ""
	Commit  = ""
	Date    = ""
)

const devVersion = "0.0.0-dev"

var readBuildInfo = debug.ReadBuildInfo

// String returns the injected version, else the module version from the
// build info, else a development placeholder. A leading "v" is stripped.
func String() string {
	v := strings.TrimSpace(Version)
	if v == "" {
		if info, ok := readBuildInfo(); ok && info != nil {
			if mv := strings.TrimSpace(info.Main.Version); mv != "" && mv != "(devel)" {
				v = mv
			}
		}
	}
	if v == "" {
		v = devVersion
	}
	return strings.TrimPrefix(v, "v")
}

// Full appends commit and build date when known.
func Full() string {
	out := String()
	var extra []string
	if c := strings.TrimSpace(Commit); c != "" {
		if len(c) > 12 {
			c = c[:12]
		}
		extra = append(extra, c)
	}
	if d := strings.TrimSpace(Date); d != "" {
		extra = append(extra, d)
	}
	if len(extra) > 0 {
		out = fmt.Sprintf("%s (%s)", out, strings.Join(extra, ", "))
	}
	return out
}
