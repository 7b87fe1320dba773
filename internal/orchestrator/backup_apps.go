package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/juju/collections/set"

	"github.com/CrackerCat/Android-DataBackup/internal/gateway"
	"github.com/CrackerCat/Android-DataBackup/internal/index"
	"github.com/CrackerCat/Android-DataBackup/internal/pipeline"
	"github.com/CrackerCat/Android-DataBackup/internal/types"
)

type backupApps struct {
	o         *Orchestrator
	store     *index.Store
	date      string
	backups   index.AppBackupMap
	restore   index.AppRestoreMap
	blacklist set.Strings
}

// load merges the persisted backup index with the live package listing.
// Packages that are gone keep their record but are no longer on the device.
func (h *backupApps) load(ctx context.Context) {
	cfg := h.o.cfg
	h.backups = index.Load[index.AppBackup](h.store, cfg.IndexPath(index.KindAppBackup))
	h.restore = index.Load[index.AppRestore](h.store, cfg.IndexPath(index.KindAppRestore))
	h.blacklist = h.o.loadBlacklist(h.store)

	for _, rec := range h.backups {
		rec.IsOnThisDevice = false
	}
	pkgs, err := h.o.gw.ListPackages(ctx, cfg.BackupUser)
	if err != nil {
		h.o.logger.Warning("Cannot list packages for user %d: %v", cfg.BackupUser, err)
	}
	for _, p := range pkgs {
		if p.Name == cfg.SelfPackage {
			continue
		}
		h.backups.Upsert(p.Name, func(b *index.AppBackup) {
			b.Base.PackageName = p.Name
			if b.Base.AppName == "" {
				b.Base.AppName = p.Name
			}
			b.Base.IsSystemApp = p.IsSystem
			b.Base.FirstInstallTime = p.FirstInstallTime
			b.VersionName = p.VersionName
			b.VersionCode = p.VersionCode
			b.IsOnThisDevice = true
		})
	}
	for _, name := range h.blacklist.Values() {
		h.backups.Remove(name)
	}
	h.backups.Remove(cfg.SelfPackage)
}

func (h *backupApps) applySelection(sel *Selection) {
	match := sel.matcher()
	for name, rec := range h.backups {
		if match(name) {
			rec.SelectApp, rec.SelectData = sel.App, sel.Data
		} else {
			rec.SelectApp, rec.SelectData = false, false
		}
	}
}

// enabled reports whether obj is backed up at all under the configuration.
func (h *backupApps) enabled(obj types.ObjectType) bool {
	cfg := h.o.cfg
	switch obj {
	case types.ObjectUser:
		return true
	case types.ObjectUserDE:
		return cfg.BackupUserDE
	case types.ObjectData:
		return cfg.BackupData
	case types.ObjectOBB:
		return cfg.BackupOBB
	}
	return false
}

func (h *backupApps) worklist(ctx context.Context) []*Task {
	user := h.o.cfg.BackupUser
	var tasks []*Task
	for _, name := range h.backups.Keys() {
		rec := h.backups[name]
		if !rec.IsOnThisDevice || !(rec.SelectApp || rec.SelectData) {
			continue
		}
		t := &Task{Subject: name, AppName: rec.Base.AppName, Date: h.date, State: types.TaskWaiting}
		for _, obj := range types.AppObjects() {
			var visible bool
			if obj == types.ObjectAPK {
				visible = rec.SelectApp
			} else {
				visible = rec.SelectData && h.enabled(obj) &&
					h.o.gw.Exists(ctx, filepath.Join(gateway.UserDir(obj, user), name))
			}
			t.Objects = append(t.Objects, newObjectStep(obj, visible))
		}
		tasks = append(tasks, t)
	}
	return tasks
}

func (h *backupApps) process(ctx context.Context, r *runState, ti int, t *Task) outcome {
	rec := h.backups.Get(t.Subject)
	if rec == nil {
		h.o.logger.Error("%s: no longer in the backup index", t.Subject)
		return outcomeFailed
	}

	out := filepath.Join(h.o.cfg.AppDataDir(), t.Subject, t.Date)
	success := true
	done := make(map[types.ObjectType]bool)
	for si := range t.Objects {
		if r.cancelled() {
			return outcomeCancelled
		}
		if !t.Objects[si].Visible {
			continue
		}
		obj := t.Objects[si].Object
		report := r.reporter(ti, t, si)
		r.setState(t, si, types.TaskProcessing)

		res, ok := h.compress(ctx, rec, obj, out, report)
		if !ok {
			r.setState(t, si, types.TaskFailed)
			success = false
			continue
		}
		if res.SourceSize >= 0 {
			rec.SetSize(obj, res.SourceSize)
		}
		done[obj] = true
		r.setState(t, si, types.TaskSuccess)
	}

	if !success {
		return outcomeFailed
	}
	h.record(ctx, rec, t.Date, done)
	return outcomeSuccess
}

// compress archives one object of rec into out.
func (h *backupApps) compress(ctx context.Context, rec *index.AppBackup, obj types.ObjectType, out string, report pipeline.Reporter) (pipeline.Outcome, bool) {
	pkg, user := rec.Base.PackageName, h.o.cfg.BackupUser
	req := pipeline.CompressRequest{Name: string(obj), OutputDir: out}
	if size, ok := rec.SizeOf(obj); ok {
		req.ExpectedSize = &size
	}

	if obj == types.ObjectAPK {
		apkDir, ok := h.o.gw.PackagePath(ctx, user, pkg)
		if !ok {
			report(types.StatusError, "apk path not found")
			return pipeline.Outcome{}, false
		}
		for _, path := range h.o.gw.Find(ctx, apkDir, "*.apk") {
			req.Entries = append(req.Entries, filepath.Base(path))
		}
		if len(req.Entries) == 0 {
			report(types.StatusError, fmt.Sprintf("no apk found in %s", apkDir))
			return pipeline.Outcome{}, false
		}
		req.BaseDir = apkDir
	} else {
		req.BaseDir = gateway.UserDir(obj, user)
		req.Entries = []string{pkg}
	}

	res := h.o.pipe.Compress(ctx, req, report)
	return res, res.OK
}

// record updates the backup record and upserts the restore snapshot for
// date after a successful task.
func (h *backupApps) record(ctx context.Context, rec *index.AppBackup, date string, done map[types.ObjectType]bool) {
	pkg := rec.Base.PackageName
	rec.Date = date
	if info, ok := h.o.gw.PackageInfo(ctx, h.o.cfg.BackupUser, pkg); ok {
		rec.VersionName = info.VersionName
		rec.VersionCode = info.VersionCode
	}

	restore := h.restore.Upsert(pkg, func(r *index.AppRestore) {
		if r.Base.PackageName == "" {
			r.RestoreIndex = -1
		}
		r.Base = rec.Base
		r.IsOnThisDevice = true
	})
	snap := restore.Snapshot(date)
	if snap == nil {
		restore.Snapshots = append(restore.Snapshots, index.AppSnapshot{Date: date})
		snap = &restore.Snapshots[len(restore.Snapshots)-1]
	}
	snap.VersionName = rec.VersionName
	snap.VersionCode = rec.VersionCode
	for obj := range done {
		if obj == types.ObjectAPK {
			snap.HasApp = true
		} else {
			snap.Objects.Set(obj, true)
		}
	}
	snap.HasData = snap.Objects.Any()
	snap.Narrow()

	if h.o.cfg.BackupStrategy == types.StrategyByTime && h.o.retention.Enabled() {
		h.applyRetention(ctx, restore)
	}
}

// applyRetention drops old dated snapshots from disk and from the index.
func (h *backupApps) applyRetention(ctx context.Context, restore *index.AppRestore) {
	dates := make([]string, 0, len(restore.Snapshots))
	for _, s := range restore.Snapshots {
		dates = append(dates, s.Date)
	}
	summary := h.o.retention.Apply(ctx, filepath.Join(h.o.cfg.AppDataDir(), restore.Base.PackageName), dates)
	deleted := set.NewStrings(summary.Deleted...)
	kept := restore.Snapshots[:0]
	for _, s := range restore.Snapshots {
		if !deleted.Contains(s.Date) {
			kept = append(kept, s)
		}
	}
	restore.Snapshots = kept
}

func (h *backupApps) save(context.Context) error {
	cfg := h.o.cfg
	return errors.Join(
		index.Save(h.store, cfg.IndexPath(index.KindAppBackup), h.backups),
		index.Save(h.store, cfg.IndexPath(index.KindAppRestore), h.restore),
	)
}
