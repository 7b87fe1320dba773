// Package orchestrator drives backup and restore runs: it builds the task
// worklist from the metadata index, walks every subject through its object
// steps and persists the index once the run ends.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/juju/collections/set"

	"github.com/CrackerCat/Android-DataBackup/internal/config"
	"github.com/CrackerCat/Android-DataBackup/internal/gateway"
	"github.com/CrackerCat/Android-DataBackup/internal/index"
	"github.com/CrackerCat/Android-DataBackup/internal/logging"
	"github.com/CrackerCat/Android-DataBackup/internal/metrics"
	"github.com/CrackerCat/Android-DataBackup/internal/pipeline"
	"github.com/CrackerCat/Android-DataBackup/internal/scanner"
	"github.com/CrackerCat/Android-DataBackup/internal/storage"
	"github.com/CrackerCat/Android-DataBackup/internal/types"
)

var (
	// ErrRunInProgress is returned when a run or an index mutation is
	// requested while another run is active.
	ErrRunInProgress = errors.New("a run is already in progress")
	// ErrUnknownFlow is returned for flows outside the known set.
	ErrUnknownFlow = errors.New("unknown flow")
)

// RunSummary describes a finished run.
type RunSummary struct {
	RunID     string
	Flow      Flow
	Mode      RunMode
	StartTime time.Time
	EndTime   time.Time

	Total          int
	Succeeded      int
	Failed         int
	ObjectsSkipped int
	ObjectsFailed  int
	EventsDropped  int
	Cancelled      bool

	// Tasks is a copy of the flow worklist after the run.
	Tasks []*Task
}

// Success reports whether the run finished without failed tasks.
func (s *RunSummary) Success() bool {
	return !s.Cancelled && s.Failed == 0
}

// Duration returns the wall time of the run.
func (s *RunSummary) Duration() time.Duration {
	return s.EndTime.Sub(s.StartTime)
}

// Orchestrator runs one flow at a time against a gateway.
type Orchestrator struct {
	logger  *logging.Logger
	cfg     *config.Config
	gw      gateway.Gateway
	clock   TimeProvider
	guard   RunGuard
	metrics MetricsExporter

	pipe      *pipeline.Pipeline
	scanner   *scanner.Scanner
	retention *storage.Retention
	events    *eventBus

	running   atomic.Bool
	cancelled atomic.Bool

	mu    sync.Mutex
	tasks map[Flow][]*Task
}

// New creates an orchestrator with the production guard, clock and metrics.
func New(logger *logging.Logger, cfg *config.Config, gw gateway.Gateway) *Orchestrator {
	return NewWithDeps(defaultDeps(logger, cfg, gw))
}

// NewWithDeps creates an orchestrator from explicit dependencies. Missing
// optional dependencies fall back to no-op implementations.
func NewWithDeps(deps Deps) *Orchestrator {
	if deps.Logger == nil {
		deps.Logger = logging.GetDefaultLogger()
	}
	if deps.Time == nil {
		deps.Time = realTimeProvider{}
	}
	if deps.Guard == nil {
		deps.Guard = noopGuard{}
	}
	if deps.Metrics == nil {
		deps.Metrics = nilExporter{}
	}
	cfg := deps.Config
	return &Orchestrator{
		logger:  deps.Logger,
		cfg:     cfg,
		gw:      deps.Gateway,
		clock:   deps.Time,
		guard:   deps.Guard,
		metrics: deps.Metrics,
		pipe: pipeline.New(deps.Gateway, deps.Logger, pipeline.Options{
			Strategy:    cfg.BackupStrategy,
			Compression: cfg.CompressionType,
			Test:        cfg.BackupTest,
		}),
		scanner:   scanner.New(deps.Gateway, deps.Logger),
		retention: storage.NewRetention(deps.Gateway, deps.Logger, storage.RetentionConfig{MaxSnapshots: cfg.MaxSnapshots}),
		events:    newEventBus(cfg.EventBuffer),
		tasks:     make(map[Flow][]*Task),
	}
}

// Events returns the progress channel. It is never closed.
func (o *Orchestrator) Events() <-chan Event {
	return o.events.ch
}

// Cancel asks the active run to stop at the next object boundary. The
// gateway call in flight completes first.
func (o *Orchestrator) Cancel() {
	if o.running.Load() && !o.cancelled.Swap(true) {
		o.logger.Warning("Cancellation requested, stopping after the current step")
	}
}

// Cancelled reports whether the active run was asked to stop.
func (o *Orchestrator) Cancelled() bool {
	return o.cancelled.Load()
}

// Running reports whether a run is active.
func (o *Orchestrator) Running() bool {
	return o.running.Load()
}

// Tasks returns a copy of the latest worklist of flow.
func (o *Orchestrator) Tasks(flow Flow) []*Task {
	o.mu.Lock()
	defer o.mu.Unlock()
	return cloneTasks(o.tasks[flow])
}

// outcome is how processing of a single task ended.
type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeFailed
	outcomeCancelled
)

// flowHandler implements the flow-specific parts of a run. The run loop owns
// task state transitions, progress and persistence timing.
type flowHandler interface {
	load(ctx context.Context)
	applySelection(sel *Selection)
	worklist(ctx context.Context) []*Task
	process(ctx context.Context, r *runState, ti int, t *Task) outcome
	save(ctx context.Context) error
}

func (o *Orchestrator) handler(flow Flow, store *index.Store, date string) flowHandler {
	switch flow {
	case FlowBackupApp:
		return &backupApps{o: o, store: store, date: date}
	case FlowRestoreApp:
		return &restoreApps{o: o, store: store}
	case FlowBackupMedia:
		return &backupMedia{o: o, store: store, date: date}
	default:
		return &restoreMedia{o: o, store: store}
	}
}

// snapshotDate is the directory a backup run writes into.
func (o *Orchestrator) snapshotDate() string {
	if o.cfg.BackupStrategy == types.StrategyCover {
		return storage.CoverDate
	}
	return storage.SnapshotDate(o.clock.Now())
}

// Run executes flow. Context cancellation maps onto Cancel; the index is
// saved exactly once, also after a cancelled run.
func (o *Orchestrator) Run(ctx context.Context, flow Flow, opts RunOptions) (*RunSummary, error) {
	if !flow.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFlow, flow)
	}
	if !o.running.CompareAndSwap(false, true) {
		return nil, ErrRunInProgress
	}
	defer o.running.Store(false)
	o.cancelled.Store(false)

	runID := uuid.NewString()
	o.logger.SetRunID(runID)
	defer o.logger.SetRunID("")

	if err := o.guard.Acquire(ctx, runID, flow.IsBackup()); err != nil {
		return nil, fmt.Errorf("pre-run checks failed: %w", err)
	}
	defer func() {
		if err := o.guard.Release(); err != nil {
			o.logger.Warning("Failed to release run lock: %v", err)
		}
	}()

	stop := context.AfterFunc(ctx, o.Cancel)
	defer stop()
	// Gateway calls must finish once started; cancellation is polled.
	work := context.WithoutCancel(ctx)

	summary := &RunSummary{RunID: runID, Flow: flow, Mode: opts.Mode, StartTime: o.clock.Now()}
	o.logger.Phase("Run %s started (%s)", flow, opts.Mode)

	store := index.NewStore(gateway.IndexFiles(work, o.gw), o.logger)
	h := o.handler(flow, store, o.snapshotDate())
	h.load(work)

	tasks, worklist := o.prepare(work, flow, opts, h)
	r := &runState{o: o, runID: runID, flow: flow, total: len(worklist), summary: summary}
	o.logger.Info("%d task(s) to process", r.total)

	for _, ti := range worklist {
		if o.Cancelled() {
			summary.Cancelled = true
			break
		}
		t := tasks[ti]
		o.mutate(func() {
			if opts.Mode == RunRetry {
				t.resetForRetry()
			}
			t.State = types.TaskProcessing
		})
		o.logger.Step("%s %s (%d/%d)", flow, t.Subject, r.progress+1, r.total)
		r.emit(Event{Kind: EventTaskStarted, TaskIndex: ti, Subject: t.Subject, State: types.TaskProcessing})

		res := h.process(work, r, ti, t)
		if res == outcomeCancelled {
			o.mutate(func() { t.State = types.TaskWaiting })
			summary.Cancelled = true
			o.logger.Skip("%s interrupted, left waiting", t.Subject)
			break
		}
		o.mutate(func() {
			if res == outcomeSuccess {
				t.State = types.TaskSuccess
			} else {
				t.State = types.TaskFailed
			}
			t.snapshotResult()
		})
		if res == outcomeSuccess {
			summary.Succeeded++
		} else {
			summary.Failed++
			o.logger.Error("%s failed", t.Subject)
		}
		r.progress++
		r.emit(Event{Kind: EventTaskFinished, TaskIndex: ti, Subject: t.Subject, State: t.State})
	}

	saveErr := h.save(work)
	if saveErr != nil {
		o.logger.Error("Failed to save index: %v", saveErr)
	}

	summary.EndTime = o.clock.Now()
	summary.Total = r.total
	summary.Tasks = o.Tasks(flow)
	r.emit(Event{Kind: EventRunFinished, TaskIndex: -1})
	summary.EventsDropped = o.events.takeDropped()
	if summary.EventsDropped > 0 {
		o.logger.Warning("%d progress event(s) dropped, consumer too slow", summary.EventsDropped)
	}
	o.exportMetrics(summary)
	o.logSummary(summary)

	if saveErr != nil {
		return summary, fmt.Errorf("save index: %w", saveErr)
	}
	return summary, nil
}

// prepare returns the flow worklist and the indexes of the tasks to process.
// A retry only revisits failed tasks of the previous worklist.
func (o *Orchestrator) prepare(ctx context.Context, flow Flow, opts RunOptions, h flowHandler) ([]*Task, []int) {
	var (
		tasks    []*Task
		worklist []int
	)
	if opts.Mode == RunRetry {
		o.mu.Lock()
		tasks = o.tasks[flow]
		o.mu.Unlock()
		for i, t := range tasks {
			if t.State == types.TaskFailed {
				worklist = append(worklist, i)
			}
		}
		return tasks, worklist
	}

	if opts.Select != nil {
		h.applySelection(opts.Select)
	}
	tasks = h.worklist(ctx)
	for i := range tasks {
		worklist = append(worklist, i)
	}
	o.mu.Lock()
	o.tasks[flow] = tasks
	o.mu.Unlock()
	return tasks, worklist
}

// mutate serializes task updates against Tasks readers.
func (o *Orchestrator) mutate(fn func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	fn()
}

func (o *Orchestrator) exportMetrics(s *RunSummary) {
	m := &metrics.RunMetrics{
		Flow:           string(s.Flow),
		RunID:          s.RunID,
		StartTime:      s.StartTime,
		EndTime:        s.EndTime,
		TasksTotal:     s.Total,
		TasksSucceeded: s.Succeeded,
		TasksFailed:    s.Failed,
		ObjectsSkipped: s.ObjectsSkipped,
		ObjectsFailed:  s.ObjectsFailed,
		EventsDropped:  s.EventsDropped,
		Cancelled:      s.Cancelled,
	}
	if err := o.metrics.Export(m); err != nil {
		o.logger.Warning("Failed to export metrics: %v", err)
	}
}

func (o *Orchestrator) logSummary(s *RunSummary) {
	switch {
	case s.Cancelled:
		o.logger.Warning("Run %s cancelled: %d/%d task(s) done, %d failed", s.Flow, s.Succeeded+s.Failed, s.Total, s.Failed)
	case s.Failed > 0:
		o.logger.Warning("Run %s finished with %d failed task(s) of %d in %s", s.Flow, s.Failed, s.Total, s.Duration().Round(time.Second))
	default:
		o.logger.Info("Run %s finished: %d task(s) in %s", s.Flow, s.Total, s.Duration().Round(time.Second))
	}
}

// runState carries per-run counters shared by the flow handlers.
type runState struct {
	o        *Orchestrator
	runID    string
	flow     Flow
	progress int
	total    int
	summary  *RunSummary
}

func (r *runState) emit(ev Event) {
	ev.RunID = r.runID
	ev.Flow = r.flow
	ev.Progress = r.progress
	ev.Total = r.total
	r.o.events.emit(ev)
}

func (r *runState) cancelled() bool {
	return r.o.Cancelled()
}

// setState moves object step si of t to state.
func (r *runState) setState(t *Task, si int, state types.TaskState) {
	r.o.mutate(func() { t.Objects[si].State = state })
	if state == types.TaskFailed {
		r.summary.ObjectsFailed++
	}
}

// reporter forwards the status events of object step si.
func (r *runState) reporter(ti int, t *Task, si int) pipeline.Reporter {
	return func(kind types.StatusKind, detail string) {
		obj := t.Objects[si].Object
		r.o.mutate(func() { t.Objects[si].Subtitle = subtitle(kind, detail) })
		if kind == types.StatusSkip {
			r.summary.ObjectsSkipped++
		}
		r.emit(Event{
			Kind:      EventObjectStatus,
			TaskIndex: ti,
			Subject:   t.Subject,
			Object:    obj,
			Status:    kind,
			Detail:    detail,
		})
	}
}

// cascade marks every step after from as Error, hidden ones included.
// Visibility is left alone, so displays still list only selected objects.
func (r *runState) cascade(ti int, t *Task, from int, reason string) {
	for si := from; si < len(t.Objects); si++ {
		r.setState(t, si, types.TaskError)
		r.reporter(ti, t, si)(types.StatusError, reason)
	}
}

// finishedLater swallows Finished so the caller can report it after
// further work on the same object.
func finishedLater(report pipeline.Reporter) pipeline.Reporter {
	return func(kind types.StatusKind, detail string) {
		if kind == types.StatusFinished {
			return
		}
		report(kind, detail)
	}
}

func subtitle(kind types.StatusKind, detail string) string {
	if detail != "" {
		return detail
	}
	return kind.String()
}

// matcher returns whether a subject name is covered by sel.
func (sel *Selection) matcher() func(string) bool {
	names := set.NewStrings(sel.Names...)
	return func(name string) bool {
		return sel.All || names.Contains(name)
	}
}

// loadBlacklist reads the blacklist as a set of package names.
func (o *Orchestrator) loadBlacklist(store *index.Store) set.Strings {
	bl := index.Load[index.BlacklistItem](store, o.cfg.BlacklistPath)
	return set.NewStrings(bl.Keys()...)
}
