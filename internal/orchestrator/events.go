package orchestrator

import (
	"sync/atomic"

	"github.com/CrackerCat/Android-DataBackup/internal/types"
)

// EventKind classifies progress events.
type EventKind int

const (
	EventTaskStarted EventKind = iota
	EventObjectStatus
	EventTaskFinished
	EventRunFinished
)

func (k EventKind) String() string {
	switch k {
	case EventTaskStarted:
		return "task-started"
	case EventObjectStatus:
		return "object-status"
	case EventTaskFinished:
		return "task-finished"
	case EventRunFinished:
		return "run-finished"
	default:
		return "unknown"
	}
}

// Event is one progress notification for the presentation layer.
type Event struct {
	RunID     string
	Flow      Flow
	Kind      EventKind
	TaskIndex int
	Subject   string
	Object    types.ObjectType
	Status    types.StatusKind
	State     types.TaskState
	Detail    string
	Progress  int
	Total     int
}

// eventBus delivers events without ever blocking the worker. Events that
// do not fit in the buffer are dropped and counted.
type eventBus struct {
	ch      chan Event
	dropped atomic.Int64
}

func newEventBus(size int) *eventBus {
	if size <= 0 {
		size = 1
	}
	return &eventBus{ch: make(chan Event, size)}
}

func (b *eventBus) emit(ev Event) {
	select {
	case b.ch <- ev:
	default:
		b.dropped.Add(1)
	}
}

// takeDropped returns and resets the drop counter.
func (b *eventBus) takeDropped() int {
	return int(b.dropped.Swap(0))
}
