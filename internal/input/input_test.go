package input

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"testing"
	"time"
)

func TestMapInputError(t *testing.T) {
	if MapInputError(nil) != nil {
		t.Fatalf("expected nil")
	}
	if !errors.Is(MapInputError(io.EOF), ErrInputAborted) {
		t.Fatalf("expected ErrInputAborted for EOF")
	}
	if !errors.Is(MapInputError(os.ErrClosed), ErrInputAborted) {
		t.Fatalf("expected ErrInputAborted for ErrClosed")
	}

	for _, msg := range []string{
		"use of closed file",
		"bad file descriptor",
		"file already closed",
		"Use Of Closed File", // case-insensitive
	} {
		if !errors.Is(MapInputError(errors.New(msg)), ErrInputAborted) {
			t.Fatalf("expected ErrInputAborted for %q", msg)
		}
	}

	sentinel := errors.New("some other error")
	if MapInputError(sentinel) != sentinel {
		t.Fatalf("expected passthrough for non-mapped errors")
	}
}

func TestIsAborted(t *testing.T) {
	if IsAborted(nil) {
		t.Fatalf("expected false for nil")
	}
	if !IsAborted(ErrInputAborted) {
		t.Fatalf("expected true for ErrInputAborted")
	}
	if !IsAborted(context.Canceled) {
		t.Fatalf("expected true for context.Canceled")
	}
	if IsAborted(errors.New("other")) {
		t.Fatalf("expected false for non-abort errors")
	}
}

func TestReadLineWithContext_ReturnsLine(t *testing.T) {
	reader := bufio.NewReader(strings.NewReader("hello\n"))
	got, err := ReadLineWithContext(context.Background(), reader)
	if err != nil {
		t.Fatalf("ReadLineWithContext error: %v", err)
	}
	if got != "hello\n" {
		t.Fatalf("got=%q; want %q", got, "hello\n")
	}
}

func TestReadLineWithContext_NilContextWorks(t *testing.T) {
	reader := bufio.NewReader(strings.NewReader("hello\n"))
	got, err := ReadLineWithContext(nil, reader)
	if err != nil {
		t.Fatalf("ReadLineWithContext error: %v", err)
	}
	if got != "hello\n" {
		t.Fatalf("got=%q; want %q", got, "hello\n")
	}
}

func TestReadLineWithContext_CancelledReturnsAborted(t *testing.T) {
	pr, pw := io.Pipe()
	defer pr.Close()
	defer pw.Close()

	reader := bufio.NewReader(pr)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	var err error
	go func() {
		defer close(done)
		_, err = ReadLineWithContext(ctx, reader)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("ReadLineWithContext did not return after cancellation")
	}
	if !errors.Is(err, ErrInputAborted) {
		t.Fatalf("err=%v; want %v", err, ErrInputAborted)
	}

	// Ensure the read goroutine unblocks and exits.
	_ = pw.Close()
}

func TestReadLineWithContext_DeadlineReturnsDeadlineExceeded(t *testing.T) {
	pr, pw := io.Pipe()
	defer pr.Close()
	defer pw.Close()

	reader := bufio.NewReader(pr)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	var err error
	go func() {
		defer close(done)
		_, err = ReadLineWithContext(ctx, reader)
	}()

	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("ReadLineWithContext did not return after deadline")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err=%v; want %v", err, context.DeadlineExceeded)
	}

	_ = pw.Close()
}

func TestReadPasswordWithContext_NilReadPasswordErrors(t *testing.T) {
	_, err := ReadPasswordWithContext(context.Background(), nil, 0)
	if err == nil {
		t.Fatalf("expected error")
	}
}

func TestReadPasswordWithContext_ReturnsBytes(t *testing.T) {
	readPassword := func(fd int) ([]byte, error) {
		if fd != 123 {
			t.Fatalf("fd=%d; want 123", fd)
		}
		return []byte("secret"), nil
	}
	got, err := ReadPasswordWithContext(context.Background(), readPassword, 123)
	if err != nil {
		t.Fatalf("ReadPasswordWithContext error: %v", err)
	}
	if string(got) != "secret" {
		t.Fatalf("got=%q; want %q", string(got), "secret")
	}
}

func TestReadPasswordWithContext_NilContextWorks(t *testing.T) {
	readPassword := func(fd int) ([]byte, error) {
		return []byte("secret"), nil
	}
	got, err := ReadPasswordWithContext(nil, readPassword, 0)
	if err != nil {
		t.Fatalf("ReadPasswordWithContext error: %v", err)
	}
	if string(got) != "secret" {
		t.Fatalf("got=%q; want %q", string(got), "secret")
	}
}

func TestReadPasswordWithContext_CancelledReturnsAborted(t *testing.T) {
	unblock := make(chan struct{})
	readPassword := func(fd int) ([]byte, error) {
		<-unblock
		return []byte("secret"), nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	got, err := ReadPasswordWithContext(ctx, readPassword, 0)
	close(unblock) // ensure goroutine can exit
	if got != nil {
		t.Fatalf("expected nil bytes on cancel")
	}
	if !errors.Is(err, ErrInputAborted) {
		t.Fatalf("err=%v; want %v", err, ErrInputAborted)
	}
}

func TestReadPasswordWithContext_DeadlineReturnsDeadlineExceeded(t *testing.T) {
	unblock := make(chan struct{})
	readPassword := func(fd int) ([]byte, error) {
		<-unblock
		return []byte("secret"), nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	got, err := ReadPasswordWithContext(ctx, readPassword, 0)
	close(unblock)
	if got != nil {
		t.Fatalf("expected nil bytes on deadline")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err=%v; want %v", err, context.DeadlineExceeded)
	}
}

func TestConfirm(t *testing.T) {
	tests := []struct {
		name  string
		input string
		def   bool
		want  bool
	}{
		{"yes", "y\n", false, true},
		{"no", "no\n", true, false},
		{"default true", "\n", true, true},
		{"default false", "\n", false, false},
		{"retry after junk", "maybe\nYES\n", false, true},
		{"answer without newline", "y", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out strings.Builder
			got, err := Confirm(context.Background(), bufio.NewReader(strings.NewReader(tt.input)), &out, "Restore?", tt.def)
			if err != nil {
				t.Fatalf("Confirm error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("Confirm(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestConfirmClosedInputAborts(t *testing.T) {
	var out strings.Builder
	_, err := Confirm(context.Background(), bufio.NewReader(strings.NewReader("")), &out, "Restore?", true)
	if !errors.Is(err, ErrInputAborted) {
		t.Fatalf("err=%v; want %v", err, ErrInputAborted)
	}
}

func TestPassphraseConfirmation(t *testing.T) {
	answers := func(values ...string) func(int) ([]byte, error) {
		return func(int) ([]byte, error) {
			v := values[0]
			values = values[1:]
			return []byte(v), nil
		}
	}
	var out strings.Builder

	got, err := passphrase(context.Background(), &out, answers("secret", "secret"), 0, "Passphrase", true)
	if err != nil || got != "secret" {
		t.Fatalf("passphrase = %q, %v", got, err)
	}
	if !strings.Contains(out.String(), "Repeat passphrase: ") {
		t.Fatalf("prompt output = %q", out.String())
	}
	if _, err := passphrase(context.Background(), &out, answers("secret", "other"), 0, "Passphrase", true); err == nil {
		t.Fatal("expected mismatch error")
	}
	if got, err := passphrase(context.Background(), &out, answers("once"), 0, "Passphrase", false); err != nil || got != "once" {
		t.Fatalf("single passphrase = %q, %v", got, err)
	}
}
