package orchestrator

import (
	"github.com/CrackerCat/Android-DataBackup/internal/types"
)

// Flow selects what a run processes.
type Flow string

const (
	FlowBackupApp    Flow = "backup-app"
	FlowRestoreApp   Flow = "restore-app"
	FlowBackupMedia  Flow = "backup-media"
	FlowRestoreMedia Flow = "restore-media"
)

// Valid reports whether f is a known flow.
func (f Flow) Valid() bool {
	switch f {
	case FlowBackupApp, FlowRestoreApp, FlowBackupMedia, FlowRestoreMedia:
		return true
	}
	return false
}

// IsBackup reports whether the flow writes archives.
func (f Flow) IsBackup() bool {
	return f == FlowBackupApp || f == FlowBackupMedia
}

// Flows lists every flow.
func Flows() []Flow {
	return []Flow{FlowBackupApp, FlowRestoreApp, FlowBackupMedia, FlowRestoreMedia}
}

// ObjectStep is one archive step of a task.
type ObjectStep struct {
	Object   types.ObjectType
	State    types.TaskState
	Visible  bool
	Title    string
	Subtitle string
}

// Task is one subject of a run.
type Task struct {
	Subject string
	AppName string
	Date    string
	State   types.TaskState
	// Objects is the working list mutated while the task runs.
	Objects []ObjectStep
	// Result is a copy of Objects taken when the task completed.
	Result []ObjectStep
}

func newObjectStep(obj types.ObjectType, visible bool) ObjectStep {
	return ObjectStep{Object: obj, State: types.TaskWaiting, Visible: visible, Title: obj.Title()}
}

// VisibleObjects returns the steps shown for the task.
func (t *Task) VisibleObjects() []ObjectStep {
	var out []ObjectStep
	for _, step := range t.Objects {
		if step.Visible {
			out = append(out, step)
		}
	}
	return out
}

// resetForRetry puts the working objects back to Waiting.
func (t *Task) resetForRetry() {
	for i := range t.Objects {
		t.Objects[i].State = types.TaskWaiting
		t.Objects[i].Subtitle = ""
	}
}

func (t *Task) snapshotResult() {
	t.Result = append([]ObjectStep(nil), t.Objects...)
}

func cloneTasks(tasks []*Task) []*Task {
	out := make([]*Task, len(tasks))
	for i, t := range tasks {
		c := *t
		c.Objects = append([]ObjectStep(nil), t.Objects...)
		c.Result = append([]ObjectStep(nil), t.Result...)
		out[i] = &c
	}
	return out
}

// RunMode selects between a fresh worklist and a retry of failed tasks.
type RunMode int

const (
	RunFresh RunMode = iota
	RunRetry
)

func (m RunMode) String() string {
	if m == RunRetry {
		return "retry"
	}
	return "fresh"
}

// Selection overrides the persisted selection flags before a fresh run.
// Subjects not matched by the selection are deselected. Media flows only
// look at Data.
type Selection struct {
	All   bool
	Names []string
	App   bool
	Data  bool
}

// RunOptions control a single run.
type RunOptions struct {
	Mode   RunMode
	Select *Selection
}
