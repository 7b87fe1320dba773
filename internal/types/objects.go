package types

// ObjectType identifies one archive inside a snapshot. The set is closed.
type ObjectType string

const (
	ObjectAPK    ObjectType = "apk"
	ObjectUser   ObjectType = "user"
	ObjectUserDE ObjectType = "user_de"
	ObjectData   ObjectType = "data"
	ObjectOBB    ObjectType = "obb"
	ObjectMedia  ObjectType = "media"
)

// AppObjects returns the fixed processing order for application objects.
func AppObjects() []ObjectType {
	return []ObjectType{ObjectAPK, ObjectUser, ObjectUserDE, ObjectData, ObjectOBB}
}

// String returns the on-disk name of the object type.
func (o ObjectType) String() string {
	return string(o)
}

// Title returns the label used in progress output.
func (o ObjectType) Title() string {
	switch o {
	case ObjectAPK:
		return "APK"
	case ObjectUser:
		return "USER"
	case ObjectUserDE:
		return "USER_DE"
	case ObjectData:
		return "DATA"
	case ObjectOBB:
		return "OBB"
	case ObjectMedia:
		return "MEDIA"
	default:
		return "UNKNOWN"
	}
}

// IsAppData reports whether o is one of the per-package data objects.
func (o ObjectType) IsAppData() bool {
	switch o {
	case ObjectUser, ObjectUserDE, ObjectData, ObjectOBB:
		return true
	default:
		return false
	}
}

// ParseObjectType maps an archive base name ("user_de", "apk", ...) to its type.
func ParseObjectType(name string) (ObjectType, bool) {
	switch ObjectType(name) {
	case ObjectAPK, ObjectUser, ObjectUserDE, ObjectData, ObjectOBB:
		return ObjectType(name), true
	default:
		return "", false
	}
}

// TaskState is the lifecycle state of a task or of a single object step.
type TaskState int

const (
	TaskWaiting TaskState = iota
	TaskProcessing
	TaskSuccess
	TaskFailed
	// TaskError marks an object step that was never attempted because an
	// earlier step of the same subject failed.
	TaskError
)

// String returns the string representation of the state.
func (s TaskState) String() string {
	switch s {
	case TaskWaiting:
		return "waiting"
	case TaskProcessing:
		return "processing"
	case TaskSuccess:
		return "success"
	case TaskFailed:
		return "failed"
	case TaskError:
		return "error"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state ends processing for the task or object.
func (s TaskState) Terminal() bool {
	return s == TaskSuccess || s == TaskFailed || s == TaskError
}

// StatusKind is the kind of a status event reported for an object step.
type StatusKind int

const (
	StatusCompressing StatusKind = iota
	StatusDecompressing
	StatusInstallingApk
	StatusSettingContext
	StatusTesting
	StatusShowTotal
	StatusSkip
	StatusError
	StatusFinished
)

// String returns the string representation of the status kind.
func (k StatusKind) String() string {
	switch k {
	case StatusCompressing:
		return "compressing"
	case StatusDecompressing:
		return "decompressing"
	case StatusInstallingApk:
		return "installing apk"
	case StatusSettingContext:
		return "setting security context"
	case StatusTesting:
		return "testing"
	case StatusShowTotal:
		return "total"
	case StatusSkip:
		return "skip"
	case StatusError:
		return "error"
	case StatusFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// Terminal reports whether the kind closes an operation.
func (k StatusKind) Terminal() bool {
	return k == StatusError || k == StatusFinished
}
