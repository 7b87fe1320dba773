package orchestrator

import (
	"context"
	"errors"
	"path/filepath"

	"github.com/juju/collections/set"

	"github.com/CrackerCat/Android-DataBackup/internal/index"
	"github.com/CrackerCat/Android-DataBackup/internal/pipeline"
	"github.com/CrackerCat/Android-DataBackup/internal/types"
)

type backupMedia struct {
	o       *Orchestrator
	store   *index.Store
	date    string
	backups index.MediaBackupMap
	restore index.MediaRestoreMap
}

// load reads the media index; an empty index starts from the configured
// default folders, unselected.
func (h *backupMedia) load(context.Context) {
	cfg := h.o.cfg
	h.backups = index.Load[index.MediaBackup](h.store, cfg.IndexPath(index.KindMediaBackup))
	h.restore = index.Load[index.MediaRestore](h.store, cfg.IndexPath(index.KindMediaRestore))
	if len(h.backups) > 0 {
		return
	}
	for _, path := range cfg.MediaFolders {
		path = filepath.Clean(path)
		name := filepath.Base(path)
		h.backups.Upsert(name, func(b *index.MediaBackup) {
			b.Name = name
			b.Path = path
		})
	}
}

func (h *backupMedia) applySelection(sel *Selection) {
	match := sel.matcher()
	for name, rec := range h.backups {
		rec.Select = match(name) && sel.Data
	}
}

func (h *backupMedia) worklist(context.Context) []*Task {
	var tasks []*Task
	for _, name := range h.backups.Keys() {
		rec := h.backups[name]
		if !rec.Select {
			continue
		}
		tasks = append(tasks, &Task{
			Subject: name,
			AppName: rec.Path,
			Date:    h.date,
			State:   types.TaskWaiting,
			Objects: []ObjectStep{newObjectStep(types.ObjectMedia, true)},
		})
	}
	return tasks
}

func (h *backupMedia) process(ctx context.Context, r *runState, ti int, t *Task) outcome {
	rec := h.backups.Get(t.Subject)
	if rec == nil {
		h.o.logger.Error("%s: no longer in the media index", t.Subject)
		return outcomeFailed
	}
	if r.cancelled() {
		return outcomeCancelled
	}

	r.setState(t, 0, types.TaskProcessing)
	req := pipeline.CompressRequest{
		Name:      rec.Name,
		BaseDir:   filepath.Dir(rec.Path),
		Entries:   []string{filepath.Base(rec.Path)},
		OutputDir: filepath.Join(h.o.cfg.MediaDataDir(), rec.Name, t.Date),
	}
	if rec.Date != "" {
		size := rec.Size
		req.ExpectedSize = &size
	}
	res := h.o.pipe.Compress(ctx, req, r.reporter(ti, t, 0))
	if !res.OK {
		r.setState(t, 0, types.TaskFailed)
		return outcomeFailed
	}
	r.setState(t, 0, types.TaskSuccess)

	if res.SourceSize >= 0 {
		rec.Size = res.SourceSize
	}
	rec.Date = t.Date
	h.record(ctx, rec, t.Date)
	return outcomeSuccess
}

func (h *backupMedia) record(ctx context.Context, rec *index.MediaBackup, date string) {
	restore := h.restore.Upsert(rec.Name, func(r *index.MediaRestore) {
		if r.Name == "" {
			r.RestoreIndex = -1
		}
		r.Name = rec.Name
		r.Path = rec.Path
	})
	if snap := restore.Snapshot(date); snap != nil {
		snap.HasData = true
	} else {
		restore.Snapshots = append(restore.Snapshots, index.MediaSnapshot{Date: date, HasData: true})
	}

	if h.o.cfg.BackupStrategy != types.StrategyByTime || !h.o.retention.Enabled() {
		return
	}
	dates := make([]string, 0, len(restore.Snapshots))
	for _, s := range restore.Snapshots {
		dates = append(dates, s.Date)
	}
	summary := h.o.retention.Apply(ctx, filepath.Join(h.o.cfg.MediaDataDir(), rec.Name), dates)
	deleted := set.NewStrings(summary.Deleted...)
	kept := restore.Snapshots[:0]
	for _, s := range restore.Snapshots {
		if !deleted.Contains(s.Date) {
			kept = append(kept, s)
		}
	}
	restore.Snapshots = kept
}

func (h *backupMedia) save(context.Context) error {
	cfg := h.o.cfg
	return errors.Join(
		index.Save(h.store, cfg.IndexPath(index.KindMediaBackup), h.backups),
		index.Save(h.store, cfg.IndexPath(index.KindMediaRestore), h.restore),
	)
}
