package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/robfig/cron/v3"

	"github.com/CrackerCat/Android-DataBackup/internal/logging"
)

// Daemon triggers backup runs on a cron schedule.
type Daemon struct {
	o      *Orchestrator
	logger *logging.Logger
	cron   *cron.Cron
	flows  []Flow
	ctx    context.Context
}

// NewDaemon schedules flows (default: app and media backup) on schedule,
// a standard five-field expression or a descriptor like "@daily".
func NewDaemon(o *Orchestrator, schedule string, flows ...Flow) (*Daemon, error) {
	if len(flows) == 0 {
		flows = []Flow{FlowBackupApp, FlowBackupMedia}
	}
	d := &Daemon{
		o:      o,
		logger: o.logger,
		flows:  flows,
		ctx:    context.Background(),
		cron: cron.New(cron.WithParser(cron.NewParser(
			cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
		))),
	}
	if _, err := d.cron.AddFunc(schedule, d.tick); err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", schedule, err)
	}
	return d, nil
}

// Run starts the scheduler and blocks until ctx is done. A run in flight
// when ctx ends is cancelled and waited for.
func (d *Daemon) Run(ctx context.Context) error {
	d.ctx = ctx
	d.cron.Start()
	d.logger.Info("Scheduler started (%d flow(s))", len(d.flows))
	<-ctx.Done()
	d.logger.Info("Scheduler stopping")
	<-d.cron.Stop().Done()
	return nil
}

func (d *Daemon) tick() {
	for _, flow := range d.flows {
		if d.ctx.Err() != nil {
			return
		}
		summary, err := d.o.Run(d.ctx, flow, RunOptions{Mode: RunFresh})
		switch {
		case errors.Is(err, ErrRunInProgress):
			d.logger.Skip("Scheduled %s skipped: a run is in progress", flow)
			return
		case err != nil:
			d.logger.Error("Scheduled %s failed: %v", flow, err)
		case !summary.Success():
			d.logger.Warning("Scheduled %s finished with %d failed task(s)", flow, summary.Failed)
		}
	}
}
