package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/CrackerCat/Android-DataBackup/internal/checks"
	"github.com/CrackerCat/Android-DataBackup/internal/cli"
	"github.com/CrackerCat/Android-DataBackup/internal/config"
	"github.com/CrackerCat/Android-DataBackup/internal/input"
	"github.com/CrackerCat/Android-DataBackup/internal/logging"
	"github.com/CrackerCat/Android-DataBackup/internal/orchestrator"
	"github.com/CrackerCat/Android-DataBackup/internal/tui"
	"github.com/CrackerCat/Android-DataBackup/internal/types"
)

var titleCaser = cases.Title(language.English)

// flowTitle turns "restore-app" into "Restore App".
func flowTitle(flow orchestrator.Flow) string {
	return titleCaser.String(strings.ReplaceAll(string(flow), "-", " "))
}

var confirm = input.Confirm

type flowRunner struct {
	o           *orchestrator.Orchestrator
	logger      *logging.Logger
	useTUI      bool
	interactive bool
	stdin       *bufio.Reader
	out         io.Writer
}

// run executes flow, then re-runs failed tasks: up to retries times, or
// while the user agrees when interactive and retries is zero.
func (r *flowRunner) run(ctx context.Context, flow orchestrator.Flow, opts orchestrator.RunOptions, retries int) (*orchestrator.RunSummary, error) {
	summary, err := r.once(ctx, flow, opts)
	for attempt := 0; err == nil && summary.Failed > 0 && !summary.Cancelled && ctx.Err() == nil; attempt++ {
		if retries > 0 {
			if attempt >= retries {
				break
			}
		} else {
			if !r.interactive {
				break
			}
			ok, cerr := confirm(ctx, r.stdin, r.out, fmt.Sprintf("Retry %d failed task(s)?", summary.Failed), false)
			if cerr != nil || !ok {
				break
			}
		}
		r.logger.Step("Retrying %d failed task(s)", summary.Failed)
		summary, err = r.once(ctx, flow, orchestrator.RunOptions{Mode: orchestrator.RunRetry})
	}
	if err == nil {
		printSummary(r.out, summary)
	}
	return summary, err
}

func (r *flowRunner) once(ctx context.Context, flow orchestrator.Flow, opts orchestrator.RunOptions) (*orchestrator.RunSummary, error) {
	if !r.useTUI {
		stop := discardEvents(r.o.Events())
		defer stop()
		return r.o.Run(ctx, flow, opts)
	}

	app := tui.NewApp()
	dash := tui.NewDashboard(app, flowTitle(flow), r.o.Cancel)
	var (
		summary *orchestrator.RunSummary
		runErr  error
	)
	done := make(chan struct{})
	r.logger.SetOutput(io.Discard)
	defer r.logger.SetOutput(nil)

	go func() {
		defer close(done)
		summary, runErr = r.o.Run(ctx, flow, opts)
	}()
	go dash.Follow(r.o.Events(), done)
	if err := app.Run(); err != nil {
		r.o.Cancel()
		<-done
		r.logger.SetOutput(nil)
		r.logger.Warning("Dashboard failed: %v", err)
		return summary, runErr
	}
	<-done
	return summary, runErr
}

// discardEvents drains the event stream so the bus never reports drops
// when nothing renders it.
func discardEvents(events <-chan orchestrator.Event) (stop func()) {
	quit := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-events:
			case <-quit:
				return
			}
		}
	}()
	return func() {
		close(quit)
		wg.Wait()
	}
}

func printSummary(w io.Writer, s *orchestrator.RunSummary) {
	if s == nil {
		return
	}
	fmt.Fprintf(w, "%s: %d task(s), %d succeeded, %d failed, %d object(s) skipped in %s\n",
		flowTitle(s.Flow), s.Total, s.Succeeded, s.Failed, s.ObjectsSkipped, s.Duration().Round(time.Millisecond))
	for _, task := range s.Tasks {
		if task.State != types.TaskFailed {
			continue
		}
		fmt.Fprintf(w, "  failed: %s", task.Subject)
		for _, step := range task.VisibleObjects() {
			if step.State == types.TaskFailed {
				fmt.Fprintf(w, " [%s: %s]", step.Object.Title(), step.Subtitle)
			}
		}
		fmt.Fprintln(w)
	}
	if s.Cancelled {
		fmt.Fprintln(w, "Run cancelled; remaining tasks were left untouched")
	}
}

func runScan(ctx context.Context, o *orchestrator.Orchestrator, w io.Writer) int {
	report, err := o.Scan(ctx)
	if err != nil {
		fmt.Fprintf(w, "Scan failed: %v\n", err)
		return exitCode(nil, err)
	}
	fmt.Fprintf(w, "Apps: %d, media: %d\n", report.Apps, report.Media)
	if len(report.RemovedApps) > 0 {
		fmt.Fprintf(w, "Removed apps: %s\n", strings.Join(report.RemovedApps, ", "))
	}
	if len(report.RemovedMedia) > 0 {
		fmt.Fprintf(w, "Removed media: %s\n", strings.Join(report.RemovedMedia, ", "))
	}
	return types.ExitSuccess.Int()
}

func runBlacklist(ctx context.Context, o *orchestrator.Orchestrator, args *cli.Args, w io.Writer) int {
	var err error
	switch args.BlacklistAction {
	case cli.BlacklistAdd:
		err = o.BlacklistAdd(ctx, args.Names...)
	case cli.BlacklistRemove:
		err = o.BlacklistRemove(ctx, args.Names...)
	case cli.BlacklistList:
		for _, item := range o.BlacklistList(ctx) {
			if item.AppName != "" {
				fmt.Fprintf(w, "%s\t%s\n", item.PackageName, item.AppName)
			} else {
				fmt.Fprintln(w, item.PackageName)
			}
		}
	}
	if err != nil {
		fmt.Fprintf(w, "Blacklist %s failed: %v\n", args.BlacklistAction, err)
	}
	return exitCode(nil, err)
}

func runDaemon(ctx context.Context, o *orchestrator.Orchestrator, cfg *config.Config, logger *logging.Logger) int {
	if strings.TrimSpace(cfg.BackupSchedule) == "" {
		logger.Error("BACKUP_SCHEDULE is not set")
		return types.ExitConfigError.Int()
	}
	d, err := orchestrator.NewDaemon(o, cfg.BackupSchedule)
	if err != nil {
		logger.Error("%v", err)
		return types.ExitConfigError.Int()
	}
	stop := discardEvents(o.Events())
	defer stop()
	if err := d.Run(ctx); err != nil {
		logger.Error("Scheduler failed: %v", err)
		return types.ExitGenericError.Int()
	}
	return types.ExitSuccess.Int()
}

// exitCode maps a run result to the process exit status. summary may be
// nil for commands that do not run a flow.
func exitCode(summary *orchestrator.RunSummary, err error) int {
	switch {
	case errors.Is(err, checks.ErrLocked), errors.Is(err, orchestrator.ErrRunInProgress):
		return types.ExitLockError.Int()
	case errors.Is(err, checks.ErrInsufficientSpace):
		return types.ExitDiskSpaceError.Int()
	case errors.Is(err, input.ErrInputAborted), errors.Is(err, context.Canceled):
		return types.ExitCancelled.Int()
	case err != nil:
		return types.ExitGenericError.Int()
	case summary == nil:
		return types.ExitSuccess.Int()
	case summary.Cancelled:
		return types.ExitCancelled.Int()
	case !summary.Success():
		return types.ExitPartialError.Int()
	}
	return types.ExitSuccess.Int()
}
