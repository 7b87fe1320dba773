// Package input reads interactive answers from the terminal with
// cancellation support.
package input

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// ErrInputAborted signals that input was interrupted by Ctrl+C or a closed stdin.
var ErrInputAborted = errors.New("input aborted")

// IsAborted reports whether err means the user aborted the prompt.
func IsAborted(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrInputAborted) || errors.Is(err, context.Canceled)
}

// MapInputError turns EOF and closed-descriptor errors into ErrInputAborted.
func MapInputError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
		return ErrInputAborted
	}
	errStr := strings.ToLower(err.Error())
	if strings.Contains(errStr, "use of closed file") ||
		strings.Contains(errStr, "bad file descriptor") ||
		strings.Contains(errStr, "file already closed") {
		return ErrInputAborted
	}
	return err
}

// ReadLineWithContext reads one line. Cancellation yields ErrInputAborted,
// a deadline yields context.DeadlineExceeded.
func ReadLineWithContext(ctx context.Context, reader *bufio.Reader) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	type result struct {
		line string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		line, err := reader.ReadString('\n')
		ch <- result{line: line, err: MapInputError(err)}
	}()
	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", context.DeadlineExceeded
		}
		return "", ErrInputAborted
	case res := <-ch:
		return res.line, res.err
	}
}

// ReadPasswordWithContext reads without echo through readPassword.
func ReadPasswordWithContext(ctx context.Context, readPassword func(int) ([]byte, error), fd int) ([]byte, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if readPassword == nil {
		return nil, errors.New("readPassword function is nil")
	}
	type result struct {
		b   []byte
		err error
	}
	ch := make(chan result, 1)
	go func() {
		b, err := readPassword(fd)
		ch <- result{b: b, err: MapInputError(err)}
	}()
	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, context.DeadlineExceeded
		}
		return nil, ErrInputAborted
	case res := <-ch:
		return res.b, res.err
	}
}

// Confirm asks a yes/no question; an empty answer returns def.
func Confirm(ctx context.Context, reader *bufio.Reader, out io.Writer, question string, def bool) (bool, error) {
	hint := "[y/N]"
	if def {
		hint = "[Y/n]"
	}
	for {
		fmt.Fprintf(out, "%s %s: ", question, hint)
		line, err := ReadLineWithContext(ctx, reader)
		if err != nil && !(errors.Is(err, ErrInputAborted) && line != "") {
			return false, err
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "":
			return def, nil
		case "y", "yes":
			return true, nil
		case "n", "no":
			return false, nil
		}
		fmt.Fprintln(out, "Please answer y or n.")
	}
}

// Passphrase reads a passphrase from the terminal on fd without echo. With
// confirm set it is asked twice and both entries must match.
func Passphrase(ctx context.Context, out io.Writer, fd int, prompt string, confirm bool) (string, error) {
	if !term.IsTerminal(fd) {
		return "", errors.New("passphrase prompt requires a terminal")
	}
	return passphrase(ctx, out, term.ReadPassword, fd, prompt, confirm)
}

func passphrase(ctx context.Context, out io.Writer, read func(int) ([]byte, error), fd int, prompt string, confirm bool) (string, error) {
	fmt.Fprint(out, prompt+": ")
	first, err := ReadPasswordWithContext(ctx, read, fd)
	fmt.Fprintln(out)
	if err != nil {
		return "", err
	}
	if !confirm {
		return string(first), nil
	}
	fmt.Fprint(out, "Repeat "+strings.ToLower(prompt[:1])+prompt[1:]+": ")
	second, err := ReadPasswordWithContext(ctx, read, fd)
	fmt.Fprintln(out)
	if err != nil {
		return "", err
	}
	if string(first) != string(second) {
		return "", errors.New("passphrases do not match")
	}
	return string(first), nil
}
