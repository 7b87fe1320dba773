package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/CrackerCat/Android-DataBackup/internal/types"
)

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", "session"},
		{"   ", "session"},
		{"Restore Apps", "restore-apps"},
		{"a__b", "a-b"},
		{"----", "session"},
		{"Pixel 7.Pro", "pixel-7-pro"},
	}

	for _, tt := range tests {
		if got := sanitizeName(tt.in, "session"); got != tt.want {
			t.Fatalf("sanitizeName(%q) = %q; want %q", tt.in, got, tt.want)
		}
	}
}

func TestDeviceNameFromEnv(t *testing.T) {
	t.Setenv("ANDROID_MODEL", "Pixel 8")
	if got := deviceName(); got != "pixel-8" {
		t.Fatalf("deviceName() = %q; want pixel-8", got)
	}
}

func TestStartSessionLogger(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	logger, path, cleanup, err := StartSessionLogger(dir, "Backup Apps", types.LogLevelInfo, false)
	if err != nil {
		t.Fatalf("StartSessionLogger: %v", err)
	}
	logger.SetOutput(&strings.Builder{})
	logger.Info("session line")
	cleanup()

	if filepath.Dir(path) != dir {
		t.Fatalf("log placed in %q; want %q", filepath.Dir(path), dir)
	}
	if !strings.HasPrefix(filepath.Base(path), "backup-apps-") || !strings.HasSuffix(path, ".log") {
		t.Fatalf("unexpected log name %q", filepath.Base(path))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "session line") {
		t.Fatalf("session log missing line: %q", data)
	}
}
