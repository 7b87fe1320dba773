package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/CrackerCat/Android-DataBackup/internal/types"
)

// DefaultSessionDir is used when no log directory is configured.
const DefaultSessionDir = "/data/local/tmp/databackup/log"

// StartSessionLogger creates a logger mirrored to
// <dir>/<flow>-<device>-<timestamp>.log. The returned cleanup closes the file.
func StartSessionLogger(dir, flow string, level types.LogLevel, useColor bool) (*Logger, string, func(), error) {
	if strings.TrimSpace(dir) == "" {
		dir = DefaultSessionDir
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, "", nil, fmt.Errorf("create session log directory: %w", err)
	}

	name := fmt.Sprintf("%s-%s-%s.log", sanitizeName(flow, "session"), deviceName(), time.Now().Format("20060102-150405"))
	logPath := filepath.Join(dir, name)

	logger := New(level, useColor)
	if err := logger.OpenLogFile(logPath); err != nil {
		return nil, "", nil, err
	}
	return logger, logPath, func() { _ = logger.CloseLogFile() }, nil
}

func sanitizeName(value, fallback string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	sanitized := strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			return r
		}
		return '-'
	}, value)
	sanitized = strings.Trim(sanitized, "-")
	for strings.Contains(sanitized, "--") {
		sanitized = strings.ReplaceAll(sanitized, "--", "-")
	}
	if sanitized == "" {
		return fallback
	}
	return sanitized
}

// deviceName prefers the Android model property exported by the shell,
// then the hostname.
func deviceName() string {
	if model := os.Getenv("ANDROID_MODEL"); model != "" {
		return sanitizeName(model, "device")
	}
	host, err := os.Hostname()
	if err != nil {
		return "device"
	}
	return sanitizeName(host, "device")
}
