// Package scanner rebuilds restore indexes from the archives actually
// present under the backup root.
package scanner

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/CrackerCat/Android-DataBackup/internal/gateway"
	"github.com/CrackerCat/Android-DataBackup/internal/index"
	"github.com/CrackerCat/Android-DataBackup/internal/logging"
	"github.com/CrackerCat/Android-DataBackup/internal/types"
)

// DefaultMediaRoot is where media folders live on the primary user storage.
const DefaultMediaRoot = "/storage/emulated/0"

const archivePattern = "*.tar*"

// entry is one discovered archive: root/<subject>/<date>/<file>.
type entry struct {
	subject string
	date    string
	file    string
}

// sentinel terminates every discovered sequence. Its empty subject differs
// from every real subject, so the last real group sees a boundary.
var sentinel = entry{}

// Scanner reconciles restore indexes against the backup tree.
type Scanner struct {
	gw     gateway.Gateway
	logger *logging.Logger
}

// New creates a scanner.
func New(gw gateway.Gateway, logger *logging.Logger) *Scanner {
	return &Scanner{gw: gw, logger: logger}
}

// discover lists archives under root in gateway order, dropping paths that do
// not follow the subject/date/file layout, and appends the sentinel.
func (s *Scanner) discover(ctx context.Context, root string) []entry {
	paths := s.gw.Find(ctx, root, archivePattern)
	entries := make([]entry, 0, len(paths)+1)
	for _, path := range paths {
		rel, err := filepath.Rel(root, path)
		if err != nil {
			continue
		}
		parts := strings.Split(filepath.ToSlash(rel), "/")
		if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
			s.logger.Debug("scanner: ignoring %s", path)
			continue
		}
		entries = append(entries, entry{subject: parts[0], date: parts[1], file: parts[2]})
	}
	return append(entries, sentinel)
}

// archiveObject maps "user_de.tar.zst" to user_de.
func archiveObject(file string) (types.ObjectType, bool) {
	name, _, ok := strings.Cut(file, ".tar")
	if !ok {
		return "", false
	}
	return types.ParseObjectType(name)
}

// ReconcileApps replaces the snapshot lists of restore with the dated
// snapshots found under root. Selections carried over from the index are
// narrowed to what is present; subjects left without snapshots are removed.
// A restore cursor keeps pointing at its date, or at the newest snapshot once
// that date is gone.
// It returns the removed package names.
func (s *Scanner) ReconcileApps(ctx context.Context, root string, restore index.AppRestoreMap) []string {
	entries := s.discover(ctx, root)
	observed := make(map[string]bool)

	var (
		snapshots []index.AppSnapshot
		current   index.AppSnapshot
	)
	for i := 0; i < len(entries)-1; i++ {
		e, next := entries[i], entries[i+1]

		if obj, ok := archiveObject(e.file); ok {
			if obj == types.ObjectAPK {
				current.HasApp = true
			} else {
				current.Objects.Set(obj, true)
			}
		}

		if next.subject != e.subject || next.date != e.date {
			current.Date = e.date
			current.HasData = current.Objects.Any()
			if current.HasApp || current.HasData {
				snapshots = append(snapshots, current)
			}
			current = index.AppSnapshot{}
		}
		if next.subject != e.subject {
			s.flushApp(restore, e.subject, snapshots)
			observed[e.subject] = true
			snapshots = nil
		}
	}

	for name, rec := range restore {
		if !observed[name] && rec != nil {
			rec.Snapshots = nil
		}
	}
	removed := index.PruneAppRestore(restore)
	if len(removed) > 0 {
		s.logger.Info("Dropped %d app(s) without backups on disk", len(removed))
	}
	return removed
}

func (s *Scanner) flushApp(restore index.AppRestoreMap, subject string, found []index.AppSnapshot) {
	rec := restore.Get(subject)
	if rec == nil {
		rec = restore.Upsert(subject, func(r *index.AppRestore) {
			r.Base.PackageName = subject
			r.Base.AppName = index.AppNameMissing
			r.RestoreIndex = -1
		})
	}
	if rec.Base.PackageName == "" {
		rec.Base.PackageName = subject
	}

	cursor := ""
	if cur := rec.Current(); cur != nil && rec.RestoreIndex >= 0 {
		cursor = cur.Date
	}
	merged := make([]index.AppSnapshot, 0, len(found))
	rec.RestoreIndex = -1
	for _, snap := range found {
		if prev := rec.Snapshot(snap.Date); prev != nil {
			snap.VersionName = prev.VersionName
			snap.VersionCode = prev.VersionCode
			snap.SelectApp = prev.SelectApp
			snap.SelectData = prev.SelectData
		}
		snap.Narrow()
		if snap.Date == cursor {
			rec.RestoreIndex = len(merged)
		}
		merged = append(merged, snap)
	}
	rec.Snapshots = merged
}

// ReconcileMedia does for media folders what ReconcileApps does for apps.
// A snapshot has data when it holds <name>.tar*. New records take their path
// from backups, or from DefaultMediaRoot.
func (s *Scanner) ReconcileMedia(ctx context.Context, root string, restore index.MediaRestoreMap, backups index.MediaBackupMap) []string {
	entries := s.discover(ctx, root)
	observed := make(map[string]bool)

	var (
		snapshots []index.MediaSnapshot
		hasData   bool
	)
	for i := 0; i < len(entries)-1; i++ {
		e, next := entries[i], entries[i+1]

		if strings.HasPrefix(e.file, e.subject+".tar") {
			hasData = true
		}
		if next.subject != e.subject || next.date != e.date {
			if hasData {
				snapshots = append(snapshots, index.MediaSnapshot{Date: e.date, HasData: true})
			}
			hasData = false
		}
		if next.subject != e.subject {
			s.flushMedia(restore, backups, e.subject, snapshots)
			observed[e.subject] = true
			snapshots = nil
		}
	}

	for name, rec := range restore {
		if !observed[name] && rec != nil {
			rec.Snapshots = nil
		}
	}
	return index.PruneMediaRestore(restore)
}

func (s *Scanner) flushMedia(restore index.MediaRestoreMap, backups index.MediaBackupMap, name string, found []index.MediaSnapshot) {
	rec := restore.Get(name)
	if rec == nil {
		rec = restore.Upsert(name, func(r *index.MediaRestore) {
			r.Name = name
			r.RestoreIndex = -1
		})
	}
	if rec.Path == "" {
		if b := backups.Get(name); b != nil && b.Path != "" {
			rec.Path = b.Path
		} else {
			rec.Path = filepath.Join(DefaultMediaRoot, name)
		}
	}

	cursor := ""
	if cur := rec.Current(); cur != nil && rec.RestoreIndex >= 0 {
		cursor = cur.Date
	}
	merged := make([]index.MediaSnapshot, 0, len(found))
	rec.RestoreIndex = -1
	for _, snap := range found {
		if prev := rec.Snapshot(snap.Date); prev != nil {
			snap.Select = prev.Select
		}
		snap.Narrow()
		if snap.Date == cursor {
			rec.RestoreIndex = len(merged)
		}
		merged = append(merged, snap)
	}
	rec.Snapshots = merged
}

// MarkInstalled refreshes IsOnThisDevice for every app in restore. It runs
// after grouping so the grouping pass never talks to the package manager.
func (s *Scanner) MarkInstalled(ctx context.Context, restore index.AppRestoreMap, userID int) {
	for _, name := range restore.Keys() {
		rec := restore[name]
		rec.IsOnThisDevice = s.gw.QueryInstalled(ctx, userID, name)
	}
}
