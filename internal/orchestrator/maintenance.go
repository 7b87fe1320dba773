package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/juju/collections/set"

	"github.com/CrackerCat/Android-DataBackup/internal/gateway"
	"github.com/CrackerCat/Android-DataBackup/internal/index"
)

// ScanReport summarizes a reconciliation of the restore indexes.
type ScanReport struct {
	Apps         int
	Media        int
	RemovedApps  []string
	RemovedMedia []string
}

// exclusive runs fn with the same guards as a run, so index mutations
// never interleave with one.
func (o *Orchestrator) exclusive(ctx context.Context, fn func(store *index.Store) error) error {
	if !o.running.CompareAndSwap(false, true) {
		return ErrRunInProgress
	}
	defer o.running.Store(false)

	if err := o.guard.Acquire(ctx, uuid.NewString(), false); err != nil {
		return fmt.Errorf("pre-run checks failed: %w", err)
	}
	defer func() {
		if err := o.guard.Release(); err != nil {
			o.logger.Warning("Failed to release run lock: %v", err)
		}
	}()
	return fn(index.NewStore(gateway.IndexFiles(ctx, o.gw), o.logger))
}

// Scan rebuilds both restore indexes from the backup tree and refreshes the
// installed flag of every app.
func (o *Orchestrator) Scan(ctx context.Context) (*ScanReport, error) {
	report := &ScanReport{}
	err := o.exclusive(ctx, func(store *index.Store) error {
		cfg := o.cfg
		apps := index.Load[index.AppRestore](store, cfg.IndexPath(index.KindAppRestore))
		media := index.Load[index.MediaRestore](store, cfg.IndexPath(index.KindMediaRestore))
		mediaBackups := index.Load[index.MediaBackup](store, cfg.IndexPath(index.KindMediaBackup))

		report.RemovedApps = o.scanner.ReconcileApps(ctx, cfg.AppDataDir(), apps)
		o.scanner.MarkInstalled(ctx, apps, cfg.RestoreUser)
		report.RemovedMedia = o.scanner.ReconcileMedia(ctx, cfg.MediaDataDir(), media, mediaBackups)
		report.Apps, report.Media = len(apps), len(media)

		return errors.Join(
			index.Save(store, cfg.IndexPath(index.KindAppRestore), apps),
			index.Save(store, cfg.IndexPath(index.KindMediaRestore), media),
		)
	})
	if err != nil {
		return nil, err
	}
	o.logger.Info("Scan complete: %d app(s), %d media folder(s)", report.Apps, report.Media)
	return report, nil
}

// BlacklistAdd excludes packages from every backup run.
func (o *Orchestrator) BlacklistAdd(ctx context.Context, names ...string) error {
	return o.exclusive(ctx, func(store *index.Store) error {
		bl := index.Load[index.BlacklistItem](store, o.cfg.BlacklistPath)
		backups := index.Load[index.AppBackup](store, o.cfg.IndexPath(index.KindAppBackup))
		for _, name := range cleanNames(names) {
			bl.Upsert(name, func(item *index.BlacklistItem) {
				item.PackageName = name
				if rec := backups.Get(name); rec != nil && rec.Base.AppName != name {
					item.AppName = rec.Base.AppName
				}
			})
			o.logger.Info("Blacklisted %s", name)
		}
		return index.Save(store, o.cfg.BlacklistPath, bl)
	})
}

// BlacklistRemove allows packages to be backed up again.
func (o *Orchestrator) BlacklistRemove(ctx context.Context, names ...string) error {
	return o.exclusive(ctx, func(store *index.Store) error {
		bl := index.Load[index.BlacklistItem](store, o.cfg.BlacklistPath)
		for _, name := range cleanNames(names) {
			if bl.Get(name) == nil {
				o.logger.Warning("%s is not blacklisted", name)
				continue
			}
			bl.Remove(name)
			o.logger.Info("Removed %s from the blacklist", name)
		}
		return index.Save(store, o.cfg.BlacklistPath, bl)
	})
}

// BlacklistList returns the blacklist sorted by package name.
func (o *Orchestrator) BlacklistList(ctx context.Context) []index.BlacklistItem {
	store := index.NewStore(gateway.IndexFiles(ctx, o.gw), o.logger)
	bl := index.Load[index.BlacklistItem](store, o.cfg.BlacklistPath)
	items := make([]index.BlacklistItem, 0, len(bl))
	for _, key := range bl.Keys() {
		items = append(items, *bl[key])
	}
	return items
}

func cleanNames(names []string) []string {
	out := set.NewStrings()
	for _, n := range names {
		if n = strings.TrimSpace(n); n != "" {
			out.Add(n)
		}
	}
	return out.SortedValues()
}
