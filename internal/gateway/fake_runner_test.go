package gateway

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/CrackerCat/Android-DataBackup/internal/backup"
	"github.com/CrackerCat/Android-DataBackup/internal/logging"
	"github.com/CrackerCat/Android-DataBackup/internal/types"
)

type exitError int

func (e exitError) Error() string { return "exit status" }
func (e exitError) ExitCode() int { return int(e) }

type fakeResponse struct {
	out  string
	code int
}

// fakeRunner answers sh -c commands by longest matching prefix.
type fakeRunner struct {
	mu        sync.Mutex
	responses map[string]fakeResponse
	calls     []string
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{responses: map[string]fakeResponse{}}
}

func (f *fakeRunner) on(prefix, out string, code int) {
	f.responses[prefix] = fakeResponse{out: out, code: code}
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	if name != "sh" || len(args) != 2 || args[0] != "-c" {
		return nil, errors.New("unexpected invocation")
	}
	cmd := args[1]
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, cmd)

	best := ""
	for prefix := range f.responses {
		if strings.HasPrefix(cmd, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	resp, ok := f.responses[best]
	if !ok {
		return nil, nil
	}
	if resp.code != 0 {
		return []byte(resp.out), exitError(resp.code)
	}
	return []byte(resp.out), nil
}

func (f *fakeRunner) called(prefix string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			out = append(out, c)
		}
	}
	return out
}

func newTestDevice(runner CommandRunner, cfg DeviceConfig) *Device {
	logger := logging.New(types.LogLevelError, false)
	archiver := backup.NewArchiver(logger, &backup.ArchiverConfig{Compression: types.CompressionTar, CompressionLevel: 1})
	return NewDevice(logger, runner, archiver, cfg)
}
