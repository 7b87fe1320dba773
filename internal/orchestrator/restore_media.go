package orchestrator

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/CrackerCat/Android-DataBackup/internal/index"
	"github.com/CrackerCat/Android-DataBackup/internal/pipeline"
	"github.com/CrackerCat/Android-DataBackup/internal/types"
)

type restoreMedia struct {
	o       *Orchestrator
	store   *index.Store
	restore index.MediaRestoreMap
	backups index.MediaBackupMap
}

func (h *restoreMedia) load(ctx context.Context) {
	cfg := h.o.cfg
	h.restore = index.Load[index.MediaRestore](h.store, cfg.IndexPath(index.KindMediaRestore))
	h.backups = index.Load[index.MediaBackup](h.store, cfg.IndexPath(index.KindMediaBackup))
	h.o.logger.Debug("Reconciling %d indexed folder(s) with %s", len(h.restore), cfg.MediaDataDir())
	if removed := h.o.scanner.ReconcileMedia(ctx, cfg.MediaDataDir(), h.restore, h.backups); len(removed) > 0 {
		h.o.logger.Warning("No archives left on disk for: %s", strings.Join(removed, ", "))
	}
}

func (h *restoreMedia) applySelection(sel *Selection) {
	match := sel.matcher()
	for name, rec := range h.restore {
		snap := rec.Current()
		if snap == nil {
			continue
		}
		for i := range rec.Snapshots {
			rec.Snapshots[i].Select = false
		}
		if match(name) {
			snap.Select = sel.Data
			snap.Narrow()
		}
	}
}

func (h *restoreMedia) worklist(context.Context) []*Task {
	var tasks []*Task
	for _, name := range h.restore.Keys() {
		rec := h.restore[name]
		if !rec.HasSelection() {
			continue
		}
		snap := rec.Current()
		if snap == nil {
			continue
		}
		tasks = append(tasks, &Task{
			Subject: name,
			AppName: rec.Path,
			Date:    snap.Date,
			State:   types.TaskWaiting,
			Objects: []ObjectStep{newObjectStep(types.ObjectMedia, snap.Select && snap.HasData)},
		})
	}
	return tasks
}

func (h *restoreMedia) process(ctx context.Context, r *runState, ti int, t *Task) outcome {
	rec := h.restore.Get(t.Subject)
	var snap *index.MediaSnapshot
	if rec != nil {
		snap = rec.Snapshot(t.Date)
	}
	if snap == nil {
		h.o.logger.Error("%s: snapshot %s no longer indexed", t.Subject, t.Date)
		return outcomeFailed
	}
	if r.cancelled() {
		return outcomeCancelled
	}
	if !t.Objects[0].Visible {
		return outcomeSuccess
	}

	report := r.reporter(ti, t, 0)
	r.setState(t, 0, types.TaskProcessing)
	dir := filepath.Join(h.o.cfg.MediaDataDir(), t.Subject, t.Date)
	archive, ok := h.o.pipe.FindArchive(ctx, dir, t.Subject)
	if !ok {
		report(types.StatusError, "archive not found")
		r.setState(t, 0, types.TaskFailed)
		return outcomeFailed
	}
	req := pipeline.DecompressRequest{Object: types.ObjectMedia, ArchivePath: archive, Subject: t.Subject, DestDir: filepath.Dir(rec.Path)}
	if !h.o.pipe.Decompress(ctx, req, report) {
		r.setState(t, 0, types.TaskFailed)
		return outcomeFailed
	}
	r.setState(t, 0, types.TaskSuccess)
	snap.Select = false
	return outcomeSuccess
}

func (h *restoreMedia) save(context.Context) error {
	return index.Save(h.store, h.o.cfg.IndexPath(index.KindMediaRestore), h.restore)
}
