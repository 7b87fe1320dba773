package logging

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/CrackerCat/Android-DataBackup/internal/types"
)

const (
	colorReset   = "\033[0m"
	colorCyan    = "\033[36m"
	colorGreen   = "\033[32m"
	colorYellow  = "\033[33m"
	colorRed     = "\033[31m"
	colorBoldRed = "\033[1;31m"
	colorBlue    = "\033[34m"
	colorMagenta = "\033[35m"
	colorGray    = "\033[90m"
)

// Logger writes leveled lines to the console and, optionally, to a log file.
// All methods are safe on a nil receiver.
type Logger struct {
	mu           sync.Mutex
	level        types.LogLevel
	useColor     bool
	output       io.Writer
	timeFormat   string
	prefix       string
	logFile      *os.File
	warningCount int64
	errorCount   int64
	exitFunc     func(int)
	now          func() time.Time
}

// New creates a new logger.
func New(level types.LogLevel, useColor bool) *Logger {
	return &Logger{
		level:      level,
		useColor:   useColor,
		output:     os.Stdout,
		timeFormat: "2006-01-02 15:04:05",
		exitFunc:   os.Exit,
		now:        time.Now,
	}
}

// SetOutput sets the console writer. nil restores stdout.
func (l *Logger) SetOutput(w io.Writer) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if w == nil {
		l.output = os.Stdout
		return
	}
	l.output = w
}

// SetLevel sets the logging level.
func (l *Logger) SetLevel(level types.LogLevel) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// GetLevel returns the current log level.
func (l *Logger) GetLevel() types.LogLevel {
	if l == nil {
		return types.LogLevelNone
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.level
}

// SetRunID tags every following line with a short run identifier.
func (l *Logger) SetRunID(runID string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(runID) > 8 {
		runID = runID[:8]
	}
	if runID == "" {
		l.prefix = ""
		return
	}
	l.prefix = "[" + runID + "] "
}

// SetExitFunc overrides the exit function used by Fatal. nil restores os.Exit.
func (l *Logger) SetExitFunc(fn func(int)) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if fn == nil {
		l.exitFunc = os.Exit
		return
	}
	l.exitFunc = fn
}

// OpenLogFile mirrors every line (uncolored) to logPath.
func (l *Logger) OpenLogFile(logPath string) error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.logFile != nil {
		_ = l.logFile.Close()
	}

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("failed to open log file %s: %w", logPath, err)
	}
	l.logFile = file
	return nil
}

// CloseLogFile closes the mirrored log file, if any.
func (l *Logger) CloseLogFile() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.logFile == nil {
		return nil
	}
	err := l.logFile.Close()
	l.logFile = nil
	return err
}

// GetLogFilePath returns the path of the open log file or "".
func (l *Logger) GetLogFilePath() string {
	if l == nil {
		return ""
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.logFile == nil {
		return ""
	}
	return l.logFile.Name()
}

// UsesColor reports whether console output is colored.
func (l *Logger) UsesColor() bool {
	return l != nil && l.useColor
}

// HasWarnings reports whether at least one warning was logged.
func (l *Logger) HasWarnings() bool {
	if l == nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.warningCount > 0
}

// HasErrors reports whether at least one error or critical line was logged.
func (l *Logger) HasErrors() bool {
	if l == nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.errorCount > 0
}

func levelColor(level types.LogLevel) string {
	switch level {
	case types.LogLevelDebug:
		return colorCyan
	case types.LogLevelInfo:
		return colorGreen
	case types.LogLevelWarning:
		return colorYellow
	case types.LogLevelError:
		return colorRed
	case types.LogLevelCritical:
		return colorBoldRed
	default:
		return ""
	}
}

func (l *Logger) write(level types.LogLevel, label, color, format string, args ...interface{}) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if level > l.level {
		return
	}

	switch level {
	case types.LogLevelWarning:
		l.warningCount++
	case types.LogLevelError, types.LogLevelCritical:
		l.errorCount++
	}

	if label == "" {
		label = level.String()
	}
	if color == "" {
		color = levelColor(level)
	}
	timestamp := l.now().Format(l.timeFormat)
	message := l.prefix + fmt.Sprintf(format, args...)

	if l.useColor {
		fmt.Fprintf(l.output, "[%s] %s%-8s%s %s\n", timestamp, color, label, colorReset, message)
	} else {
		fmt.Fprintf(l.output, "[%s] %-8s %s\n", timestamp, label, message)
	}
	if l.logFile != nil {
		fmt.Fprintf(l.logFile, "[%s] %-8s %s\n", timestamp, label, message)
	}
}

// Debug writes a debug line.
func (l *Logger) Debug(format string, args ...interface{}) {
	l.write(types.LogLevelDebug, "", "", format, args...)
}

// Info writes an informational line.
func (l *Logger) Info(format string, args ...interface{}) {
	l.write(types.LogLevelInfo, "", "", format, args...)
}

// Phase marks the start of a run phase (scan, backup, restore, save).
func (l *Logger) Phase(format string, args ...interface{}) {
	l.write(types.LogLevelInfo, "PHASE", colorBlue, format, args...)
}

// Step highlights one unit of sequential work, usually one subject.
func (l *Logger) Step(format string, args ...interface{}) {
	l.write(types.LogLevelInfo, "STEP", colorBlue, format, args...)
}

// Skip reports an element that was intentionally not processed.
func (l *Logger) Skip(format string, args ...interface{}) {
	l.write(types.LogLevelInfo, "SKIP", colorMagenta, format, args...)
}

// Warning writes a warning line.
func (l *Logger) Warning(format string, args ...interface{}) {
	l.write(types.LogLevelWarning, "", "", format, args...)
}

// Error writes an error line.
func (l *Logger) Error(format string, args ...interface{}) {
	l.write(types.LogLevelError, "", "", format, args...)
}

// Critical writes a critical line.
func (l *Logger) Critical(format string, args ...interface{}) {
	l.write(types.LogLevelCritical, "", "", format, args...)
}

// Fatal writes a critical line and exits with the given code.
func (l *Logger) Fatal(exitCode types.ExitCode, format string, args ...interface{}) {
	if l == nil {
		os.Exit(exitCode.Int())
	}
	l.Critical(format, args...)
	l.mu.Lock()
	exit := l.exitFunc
	l.mu.Unlock()
	if exit == nil {
		exit = os.Exit
	}
	exit(exitCode.Int())
}

// Action writes a debug line tagged with the device operation that produced it
// (compress, installAPK, setOwnerAndSELinux, ...).
func (l *Logger) Action(tag, format string, args ...interface{}) {
	l.write(types.LogLevelDebug, "ACTION", colorGray, "%s: %s", tag, fmt.Sprintf(format, args...))
}

// Shell traces one privileged command and its captured output.
func (l *Logger) Shell(command string, lines []string) {
	if l == nil || l.GetLevel() < types.LogLevelDebug {
		return
	}
	l.write(types.LogLevelDebug, "SHELL", colorGray, "SHELL_IN: %s", command)
	for _, line := range lines {
		l.write(types.LogLevelDebug, "SHELL", colorGray, "SHELL_OUT: %s", line)
	}
}

// Timed logs a debug start line and returns a function logging the outcome
// with the elapsed time.
func (l *Logger) Timed(operation, format string, args ...interface{}) func(error) {
	if l == nil {
		return func(error) {}
	}
	if format != "" {
		l.Debug("Start %s: %s", operation, fmt.Sprintf(format, args...))
	} else {
		l.Debug("Start %s", operation)
	}
	started := l.now()
	return func(err error) {
		if err != nil {
			l.Debug("End %s (error=%v, duration=%s)", operation, err, l.now().Sub(started))
			return
		}
		l.Debug("End %s (ok, duration=%s)", operation, l.now().Sub(started))
	}
}

var defaultLogger = New(types.LogLevelInfo, true)

// SetDefaultLogger replaces the process default logger.
func SetDefaultLogger(logger *Logger) {
	if logger != nil {
		defaultLogger = logger
	}
}

// GetDefaultLogger returns the process default logger.
func GetDefaultLogger() *Logger {
	return defaultLogger
}

// Debug writes a debug line using the default logger.
func Debug(format string, args ...interface{}) {
	defaultLogger.Debug(format, args...)
}

// Info writes an informational line using the default logger.
func Info(format string, args ...interface{}) {
	defaultLogger.Info(format, args...)
}

// Warning writes a warning line using the default logger.
func Warning(format string, args ...interface{}) {
	defaultLogger.Warning(format, args...)
}

// Error writes an error line using the default logger.
func Error(format string, args ...interface{}) {
	defaultLogger.Error(format, args...)
}

// Fatal writes a critical line and exits using the default logger.
func Fatal(exitCode types.ExitCode, format string, args ...interface{}) {
	defaultLogger.Fatal(exitCode, format, args...)
}

// ParseLevel maps a DEBUG_LEVEL value to a log level.
// Accepts names (standard, advanced, extreme, warning, error, none) or 0-5.
func ParseLevel(value string) (types.LogLevel, bool) {
	switch value {
	case "", "standard", "info", "4":
		return types.LogLevelInfo, true
	case "advanced", "extreme", "debug", "5":
		return types.LogLevelDebug, true
	case "warning", "3":
		return types.LogLevelWarning, true
	case "error", "2":
		return types.LogLevelError, true
	case "critical", "1":
		return types.LogLevelCritical, true
	case "none", "0":
		return types.LogLevelNone, true
	default:
		return types.LogLevelInfo, false
	}
}
