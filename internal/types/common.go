package types

import "strings"

// CompressionType represents the archive compression applied on top of tar.
type CompressionType string

const (
	// CompressionTar - plain tar, no compression
	CompressionTar CompressionType = "tar"

	// CompressionLZ4 - lz4 frame compression
	CompressionLZ4 CompressionType = "lz4"

	// CompressionZstd - zstd compression
	CompressionZstd CompressionType = "zstd"
)

// String returns the string representation of the compression type.
func (c CompressionType) String() string {
	return string(c)
}

// Suffix returns the archive file suffix (without leading dot).
func (c CompressionType) Suffix() string {
	switch c {
	case CompressionTar:
		return "tar"
	case CompressionLZ4:
		return "tar.lz4"
	case CompressionZstd:
		return "tar.zst"
	default:
		return ""
	}
}

// Valid reports whether c is one of the supported compression types.
func (c CompressionType) Valid() bool {
	return c.Suffix() != ""
}

// CompressionTypes lists every supported compression type in lookup order.
func CompressionTypes() []CompressionType {
	return []CompressionType{CompressionZstd, CompressionLZ4, CompressionTar}
}

// CompressionTypeFromPath infers the compression type from the last
// extension of an archive path. Unknown extensions return "".
func CompressionTypeFromPath(path string) CompressionType {
	idx := strings.LastIndex(path, ".")
	if idx < 0 {
		return ""
	}
	switch path[idx+1:] {
	case "tar":
		return CompressionTar
	case "lz4":
		return CompressionLZ4
	case "zst":
		return CompressionZstd
	default:
		return ""
	}
}

// BackupStrategy controls where a backup run writes its snapshot.
type BackupStrategy string

const (
	// StrategyCover overwrites a single snapshot and skips unchanged objects.
	StrategyCover BackupStrategy = "cover"

	// StrategyByTime writes a new dated snapshot on every run.
	StrategyByTime BackupStrategy = "bytime"
)

// String returns the string representation of the strategy.
func (s BackupStrategy) String() string {
	return string(s)
}

// Valid reports whether s is a known strategy.
func (s BackupStrategy) Valid() bool {
	return s == StrategyCover || s == StrategyByTime
}

// LogLevel represents the logging level.
type LogLevel int

const (
	// LogLevelDebug - Debug logs (maximum detail)
	LogLevelDebug LogLevel = 5

	// LogLevelInfo - General information
	LogLevelInfo LogLevel = 4

	// LogLevelWarning - Warnings
	LogLevelWarning LogLevel = 3

	// LogLevelError - Errors
	LogLevelError LogLevel = 2

	// LogLevelCritical - Critical errors
	LogLevelCritical LogLevel = 1

	// LogLevelNone - No logs
	LogLevelNone LogLevel = 0
)

// String returns the string representation of the log level.
func (l LogLevel) String() string {
	switch l {
	case LogLevelDebug:
		return "DEBUG"
	case LogLevelInfo:
		return "INFO"
	case LogLevelWarning:
		return "WARNING"
	case LogLevelError:
		return "ERROR"
	case LogLevelCritical:
		return "CRITICAL"
	case LogLevelNone:
		return "NONE"
	default:
		return "UNKNOWN"
	}
}
