package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/juju/collections/set"

	"github.com/CrackerCat/Android-DataBackup/internal/gateway"
	"github.com/CrackerCat/Android-DataBackup/internal/index"
	"github.com/CrackerCat/Android-DataBackup/internal/pipeline"
	"github.com/CrackerCat/Android-DataBackup/internal/types"
)

const reasonApkNotInstalled = "apk not installed"

type restoreApps struct {
	o         *Orchestrator
	store     *index.Store
	restore   index.AppRestoreMap
	blacklist set.Strings
}

func (h *restoreApps) load(ctx context.Context) {
	cfg := h.o.cfg
	h.restore = index.Load[index.AppRestore](h.store, cfg.IndexPath(index.KindAppRestore))
	h.blacklist = h.o.loadBlacklist(h.store)
	h.o.logger.Debug("Reconciling %d indexed app(s) with %s", len(h.restore), cfg.AppDataDir())
	if removed := h.o.scanner.ReconcileApps(ctx, cfg.AppDataDir(), h.restore); len(removed) > 0 {
		h.o.logger.Warning("No archives left on disk for: %s", strings.Join(removed, ", "))
	}
	h.o.scanner.MarkInstalled(ctx, h.restore, cfg.RestoreUser)
}

func (h *restoreApps) applySelection(sel *Selection) {
	match := sel.matcher()
	for name, rec := range h.restore {
		snap := rec.Current()
		if snap == nil {
			continue
		}
		for i := range rec.Snapshots {
			rec.Snapshots[i].SelectApp = false
			rec.Snapshots[i].SelectData = false
		}
		if match(name) {
			snap.SelectApp = sel.App
			snap.SelectData = sel.Data
			snap.Narrow()
		}
	}
}

func (h *restoreApps) worklist(ctx context.Context) []*Task {
	var tasks []*Task
	for _, name := range h.restore.Keys() {
		rec := h.restore[name]
		if h.blacklist.Contains(name) || !rec.HasSelection() {
			continue
		}
		snap := rec.Current()
		if snap == nil {
			continue
		}
		dir := h.snapshotDir(name, snap.Date)
		t := &Task{Subject: name, AppName: rec.Base.AppName, Date: snap.Date, State: types.TaskWaiting}
		for _, obj := range types.AppObjects() {
			t.Objects = append(t.Objects, newObjectStep(obj, h.visible(ctx, snap, dir, obj)))
		}
		tasks = append(tasks, t)
	}
	return tasks
}

// visible intersects the selection with presence. Indexes written before
// per-object flags existed only carry HasData; the archive is looked up then.
func (h *restoreApps) visible(ctx context.Context, snap *index.AppSnapshot, dir string, obj types.ObjectType) bool {
	if obj == types.ObjectAPK {
		return snap.SelectApp && snap.HasApp
	}
	if !snap.SelectData {
		return false
	}
	if snap.Objects.Any() {
		return snap.Objects.Has(obj)
	}
	if !snap.HasData {
		return false
	}
	_, ok := h.o.pipe.FindArchive(ctx, dir, string(obj))
	return ok
}

func (h *restoreApps) snapshotDir(name, date string) string {
	return filepath.Join(h.o.cfg.AppDataDir(), name, date)
}

func (h *restoreApps) process(ctx context.Context, r *runState, ti int, t *Task) outcome {
	rec := h.restore.Get(t.Subject)
	var snap *index.AppSnapshot
	if rec != nil {
		snap = rec.Snapshot(t.Date)
	}
	if snap == nil {
		h.o.logger.Error("%s: snapshot %s no longer indexed", t.Subject, t.Date)
		return outcomeFailed
	}

	dir := h.snapshotDir(t.Subject, t.Date)
	success := true
	var appDone, dataDone bool
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

		if obj == types.ObjectAPK {
			if !h.installApk(ctx, t.Subject, snap, dir, report) {
				r.setState(t, si, types.TaskFailed)
				r.cascade(ti, t, si+1, reasonApkNotInstalled)
				return outcomeFailed
			}
			r.setState(t, si, types.TaskSuccess)
			appDone = true
			continue
		}

		dataDone = true
		if h.restoreData(ctx, t.Subject, obj, dir, report) {
			r.setState(t, si, types.TaskSuccess)
		} else {
			r.setState(t, si, types.TaskFailed)
			success = false
		}
	}

	if !success {
		return outcomeFailed
	}
	if appDone {
		snap.SelectApp = false
	}
	if dataDone {
		snap.SelectData = false
	}
	return outcomeSuccess
}

// installApk extracts the apk archive into a scratch directory and installs
// every apk found there for the restore user.
func (h *restoreApps) installApk(ctx context.Context, pkg string, snap *index.AppSnapshot, dir string, report pipeline.Reporter) bool {
	gw, user, logger := h.o.gw, h.o.cfg.RestoreUser, h.o.logger
	report(types.StatusInstallingApk, "")

	archive, ok := h.o.pipe.FindArchive(ctx, dir, string(types.ObjectAPK))
	if !ok {
		report(types.StatusError, "apk archive not found")
		return false
	}
	if live, installed := gw.QueryInstalledVersion(ctx, user, pkg); installed && snap.VersionCode != 0 && live != snap.VersionCode {
		logger.Action("install", "%s: archived version %d, installed version %d", pkg, snap.VersionCode, live)
	}
	if res := gw.SetInstallEnv(ctx); !res.Success {
		logger.Action("install", "failed to relax package verification: %s", res.LastLine())
	}

	tmp := filepath.Join(h.o.cfg.TempDir, pkg)
	gw.DeleteRecursive(ctx, tmp)
	defer gw.DeleteRecursive(ctx, tmp)
	if !gw.MkdirAll(ctx, tmp) {
		report(types.StatusError, fmt.Sprintf("cannot create %s", tmp))
		return false
	}
	if res := gw.ExtractArchive(ctx, archive, tmp); !res.Success {
		report(types.StatusError, res.Output())
		logger.Action("install", "%s: extract apk failed: %s", pkg, res.LastLine())
		return false
	}
	if res := gw.InstallPackage(ctx, tmp, user); !res.Success {
		report(types.StatusError, res.Output())
		logger.Action("install", "%s: %s", pkg, res.LastLine())
		return false
	}
	if !gw.QueryInstalled(ctx, user, pkg) {
		report(types.StatusError, reasonApkNotInstalled)
		logger.Action("install", "%s missing from package list after install", pkg)
		return false
	}
	logger.Action("install", "%s installed", pkg)
	report(types.StatusFinished, "")
	return true
}

// restoreData extracts one data archive into the live user directory and
// reapplies ownership and security context, also after a failed extraction.
func (h *restoreApps) restoreData(ctx context.Context, pkg string, obj types.ObjectType, dir string, report pipeline.Reporter) bool {
	gw, user := h.o.gw, h.o.cfg.RestoreUser

	archive, ok := h.o.pipe.FindArchive(ctx, dir, string(obj))
	if !ok {
		report(types.StatusError, fmt.Sprintf("%s archive not found", obj))
		return false
	}
	userDir := gateway.UserDir(obj, user)
	target := filepath.Join(userDir, pkg)
	previous := gw.GetSecurityContext(ctx, target)
	h.o.logger.Action("restore", "%s %s: previous context %q", pkg, obj, previous)

	req := pipeline.DecompressRequest{Object: obj, ArchivePath: archive, Subject: pkg, DestDir: userDir}
	extracted := h.o.pipe.Decompress(ctx, req, finishedLater(report))

	// A failed extraction may still have written files; they get owner and
	// context too, but the step already reported its Error.
	if extracted {
		report(types.StatusSettingContext, "")
	}
	if res := gw.SetOwnershipAndContext(ctx, obj, pkg, target, user, previous); !res.Success {
		h.o.logger.Action("restore", "%s %s: ownership or context failed: %s", pkg, obj, res.LastLine())
		if extracted {
			report(types.StatusError, res.Output())
		}
		return false
	}
	if !extracted {
		return false
	}
	report(types.StatusFinished, "")
	return true
}

func (h *restoreApps) save(context.Context) error {
	return index.Save(h.store, h.o.cfg.IndexPath(index.KindAppRestore), h.restore)
}
