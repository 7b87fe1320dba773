// Package types defines shared application data types.
package types

// ExitCode represents the application's exit codes.
type ExitCode int

const (
	// ExitSuccess - Execution completed successfully.
	ExitSuccess ExitCode = 0

	// ExitGenericError - Unspecified generic error.
	ExitGenericError ExitCode = 1

	// ExitConfigError - Configuration error.
	ExitConfigError ExitCode = 2

	// ExitEnvironmentError - Missing root privileges or device tools.
	ExitEnvironmentError ExitCode = 3

	// ExitLockError - Another run holds the lock.
	ExitLockError ExitCode = 4

	// ExitPartialError - The run finished but at least one task failed.
	ExitPartialError ExitCode = 5

	// ExitDiskSpaceError - Insufficient disk space.
	ExitDiskSpaceError ExitCode = 6

	// ExitCancelled - The run was cancelled before draining its worklist.
	ExitCancelled ExitCode = 7

	// ExitPanicError - Unhandled panic caught.
	ExitPanicError ExitCode = 13
)

// String returns a human-readable description of the exit code.
func (e ExitCode) String() string {
	switch e {
	case ExitSuccess:
		return "success"
	case ExitGenericError:
		return "generic error"
	case ExitConfigError:
		return "configuration error"
	case ExitEnvironmentError:
		return "environment error"
	case ExitLockError:
		return "lock error"
	case ExitPartialError:
		return "partial failure"
	case ExitDiskSpaceError:
		return "disk space error"
	case ExitCancelled:
		return "cancelled"
	case ExitPanicError:
		return "panic error"
	default:
		return "unknown error"
	}
}

// Int returns the exit code as an int.
func (e ExitCode) Int() int {
	return int(e)
}
