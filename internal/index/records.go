package index

import "github.com/CrackerCat/Android-DataBackup/internal/types"

// AppNameMissing is the display name given to packages first discovered on disk.
const AppNameMissing = "(app name missing)"

// Base describes a package independently of any snapshot.
type Base struct {
	PackageName      string `json:"packageName"`
	AppName          string `json:"appName"`
	IsSystemApp      bool   `json:"isSystemApp"`
	FirstInstallTime int64  `json:"firstInstallTime"`
}

// ObjectFlags records which data archives a snapshot contains.
type ObjectFlags struct {
	User   bool `json:"user"`
	UserDE bool `json:"userDe"`
	Data   bool `json:"data"`
	OBB    bool `json:"obb"`
}

// Has reports whether the snapshot contains an archive of the given object type.
func (f ObjectFlags) Has(obj types.ObjectType) bool {
	switch obj {
	case types.ObjectUser:
		return f.User
	case types.ObjectUserDE:
		return f.UserDE
	case types.ObjectData:
		return f.Data
	case types.ObjectOBB:
		return f.OBB
	default:
		return false
	}
}

// Set records the presence of one data object type. Other types are ignored.
func (f *ObjectFlags) Set(obj types.ObjectType, present bool) {
	switch obj {
	case types.ObjectUser:
		f.User = present
	case types.ObjectUserDE:
		f.UserDE = present
	case types.ObjectData:
		f.Data = present
	case types.ObjectOBB:
		f.OBB = present
	}
}

// Any reports whether at least one data object is present.
func (f ObjectFlags) Any() bool {
	return f.User || f.UserDE || f.Data || f.OBB
}

// AppSnapshot is one dated backup of a package.
type AppSnapshot struct {
	Date        string      `json:"date"`
	VersionName string      `json:"versionName,omitempty"`
	VersionCode int64       `json:"versionCode,omitempty"`
	HasApp      bool        `json:"hasApp"`
	HasData     bool        `json:"hasData"`
	Objects     ObjectFlags `json:"objects"`
	SelectApp   bool        `json:"selectApp"`
	SelectData  bool        `json:"selectData"`
}

// Narrow clears selection flags whose archives are not present.
func (s *AppSnapshot) Narrow() {
	s.SelectApp = s.SelectApp && s.HasApp
	s.SelectData = s.SelectData && s.HasData
}

// Selected reports whether any object class of the snapshot is selected.
func (s *AppSnapshot) Selected() bool {
	return s.SelectApp || s.SelectData
}

// AppRestore lists the restorable snapshots of one package.
type AppRestore struct {
	Base           Base          `json:"base"`
	IsOnThisDevice bool          `json:"isOnThisDevice"`
	RestoreIndex   int           `json:"restoreIndex"`
	Snapshots      []AppSnapshot `json:"snapshots"`
}

// Current returns the snapshot the restore cursor points to. A cursor outside
// the list selects the newest snapshot. Returns nil for an empty list.
func (r *AppRestore) Current() *AppSnapshot {
	if len(r.Snapshots) == 0 {
		return nil
	}
	if r.RestoreIndex < 0 || r.RestoreIndex >= len(r.Snapshots) {
		return &r.Snapshots[len(r.Snapshots)-1]
	}
	return &r.Snapshots[r.RestoreIndex]
}

// Snapshot returns the snapshot for date, or nil.
func (r *AppRestore) Snapshot(date string) *AppSnapshot {
	for i := range r.Snapshots {
		if r.Snapshots[i].Date == date {
			return &r.Snapshots[i]
		}
	}
	return nil
}

// HasSelection reports whether any snapshot has a selected object class.
func (r *AppRestore) HasSelection() bool {
	for i := range r.Snapshots {
		if r.Snapshots[i].Selected() {
			return true
		}
	}
	return false
}

// AppBackup describes an installed package as a backup candidate.
type AppBackup struct {
	Base           Base                       `json:"base"`
	IsOnThisDevice bool                       `json:"isOnThisDevice"`
	VersionName    string                     `json:"versionName"`
	VersionCode    int64                      `json:"versionCode"`
	SelectApp      bool                       `json:"selectApp"`
	SelectData     bool                       `json:"selectData"`
	Date           string                     `json:"date,omitempty"`
	Sizes          map[types.ObjectType]int64 `json:"sizes,omitempty"`
}

// SizeOf returns the recorded source size of obj and whether one was recorded.
func (b *AppBackup) SizeOf(obj types.ObjectType) (int64, bool) {
	if b.Sizes == nil {
		return 0, false
	}
	size, ok := b.Sizes[obj]
	return size, ok
}

// SetSize records the measured source size of obj.
func (b *AppBackup) SetSize(obj types.ObjectType, size int64) {
	if b.Sizes == nil {
		b.Sizes = make(map[types.ObjectType]int64)
	}
	b.Sizes[obj] = size
}

// MediaBackup describes a media folder as a backup candidate.
type MediaBackup struct {
	Name   string `json:"name"`
	Path   string `json:"path"`
	Select bool   `json:"select"`
	Size   int64  `json:"size"`
	Date   string `json:"date,omitempty"`
}

// MediaSnapshot is one dated backup of a media folder.
type MediaSnapshot struct {
	Date    string `json:"date"`
	HasData bool   `json:"hasData"`
	Select  bool   `json:"select"`
}

// Narrow clears the selection when the archive is not present.
func (s *MediaSnapshot) Narrow() {
	s.Select = s.Select && s.HasData
}

// MediaRestore lists the restorable snapshots of one media folder.
type MediaRestore struct {
	Name         string          `json:"name"`
	Path         string          `json:"path"`
	RestoreIndex int             `json:"restoreIndex"`
	Snapshots    []MediaSnapshot `json:"snapshots"`
}

// Current returns the snapshot the restore cursor points to, or nil.
func (r *MediaRestore) Current() *MediaSnapshot {
	if len(r.Snapshots) == 0 {
		return nil
	}
	if r.RestoreIndex < 0 || r.RestoreIndex >= len(r.Snapshots) {
		return &r.Snapshots[len(r.Snapshots)-1]
	}
	return &r.Snapshots[r.RestoreIndex]
}

// Snapshot returns the snapshot for date, or nil.
func (r *MediaRestore) Snapshot(date string) *MediaSnapshot {
	for i := range r.Snapshots {
		if r.Snapshots[i].Date == date {
			return &r.Snapshots[i]
		}
	}
	return nil
}

// HasSelection reports whether any snapshot is selected.
func (r *MediaRestore) HasSelection() bool {
	for i := range r.Snapshots {
		if r.Snapshots[i].Select {
			return true
		}
	}
	return false
}

// BlacklistItem excludes a package from every backup run.
type BlacklistItem struct {
	PackageName string `json:"packageName"`
	AppName     string `json:"appName,omitempty"`
}

// Map kinds persisted as separate JSON documents.
type (
	AppBackupMap    = Map[AppBackup]
	AppRestoreMap   = Map[AppRestore]
	MediaBackupMap  = Map[MediaBackup]
	MediaRestoreMap = Map[MediaRestore]
	BlacklistMap    = Map[BlacklistItem]
)

// Document names used for each kind under the index directory.
const (
	KindAppBackup    = "appBackup"
	KindAppRestore   = "appRestore"
	KindMediaBackup  = "mediaBackup"
	KindMediaRestore = "mediaRestore"
)
