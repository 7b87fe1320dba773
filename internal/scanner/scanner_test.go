package scanner

import (
	"context"
	"reflect"
	"testing"

	"github.com/CrackerCat/Android-DataBackup/internal/gateway"
	"github.com/CrackerCat/Android-DataBackup/internal/gateway/gatewaytest"
	"github.com/CrackerCat/Android-DataBackup/internal/index"
	"github.com/CrackerCat/Android-DataBackup/internal/logging"
	"github.com/CrackerCat/Android-DataBackup/internal/types"
)

const root = "/backup/data"

func newScanner(gw *gatewaytest.Fake) *Scanner {
	return New(gw, logging.New(types.LogLevelError, false))
}

func addArchives(gw *gatewaytest.Fake, rels ...string) {
	for _, rel := range rels {
		gw.AddFile(root+"/"+rel, "x")
	}
}

func TestReconcileAppsGroupsBySubjectAndDate(t *testing.T) {
	gw := gatewaytest.New()
	addArchives(gw,
		"pkgA/2024-01-01/apk.tar",
		"pkgA/2024-01-01/data.tar",
		"pkgA/2024-01-02/data.tar",
		"pkgB/2024-01-03/apk.tar",
	)
	restore := index.AppRestoreMap{}

	removed := newScanner(gw).ReconcileApps(context.Background(), root, restore)
	if len(removed) != 0 {
		t.Fatalf("unexpected removals %v", removed)
	}
	if got := restore.Keys(); !reflect.DeepEqual(got, []string{"pkgA", "pkgB"}) {
		t.Fatalf("subjects = %v", got)
	}

	a := restore.Get("pkgA")
	if len(a.Snapshots) != 2 {
		t.Fatalf("pkgA snapshots = %+v", a.Snapshots)
	}
	first, second := a.Snapshots[0], a.Snapshots[1]
	if first.Date != "2024-01-01" || !first.HasApp || !first.HasData || !first.Objects.Data {
		t.Fatalf("unexpected first snapshot %+v", first)
	}
	if second.Date != "2024-01-02" || second.HasApp || !second.HasData {
		t.Fatalf("unexpected second snapshot %+v", second)
	}
	if a.Base.AppName != index.AppNameMissing || a.Base.PackageName != "pkgA" || a.RestoreIndex != -1 {
		t.Fatalf("unexpected new record base %+v", a)
	}

	b := restore.Get("pkgB")
	if len(b.Snapshots) != 1 || !b.Snapshots[0].HasApp || b.Snapshots[0].HasData {
		t.Fatalf("unexpected pkgB %+v", b.Snapshots)
	}
}

func TestReconcileAppsNarrowsCarriedSelection(t *testing.T) {
	gw := gatewaytest.New()
	addArchives(gw, "pkgA/2024-01-01/user.tar.zst", "pkgA/2024-01-01/obb.tar.zst")
	restore := index.AppRestoreMap{
		"pkgA": {
			Base:         index.Base{PackageName: "pkgA", AppName: "Alpha"},
			RestoreIndex: 0,
			Snapshots: []index.AppSnapshot{{
				Date: "2024-01-01", VersionName: "1.0", VersionCode: 10,
				HasApp: true, HasData: true, SelectApp: true, SelectData: true,
			}},
		},
	}

	newScanner(gw).ReconcileApps(context.Background(), root, restore)

	rec := restore.Get("pkgA")
	if rec.Base.AppName != "Alpha" {
		t.Fatalf("existing display name was overwritten: %q", rec.Base.AppName)
	}
	snap := rec.Snapshots[0]
	if snap.HasApp || snap.SelectApp {
		t.Fatalf("selectApp must be narrowed when apk is gone: %+v", snap)
	}
	if !snap.SelectData || !snap.Objects.User || !snap.Objects.OBB || snap.Objects.Data {
		t.Fatalf("unexpected data flags %+v", snap)
	}
	if snap.VersionCode != 10 || snap.VersionName != "1.0" {
		t.Fatalf("version metadata lost: %+v", snap)
	}
}

func TestReconcileAppsKeepsCursorOnItsDate(t *testing.T) {
	tests := []struct {
		name   string
		on     []string
		cursor int
		want   string
	}{
		{"older snapshot removed", []string{"2024-01-02", "2024-01-03"}, 1, "2024-01-02"},
		{"cursor date removed", []string{"2024-01-01", "2024-01-03"}, 1, "2024-01-03"},
		{"newest by default", []string{"2024-01-01", "2024-01-02"}, -1, "2024-01-02"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw := gatewaytest.New()
			for _, date := range tt.on {
				addArchives(gw, "pkgA/"+date+"/user.tar")
			}
			restore := index.AppRestoreMap{"pkgA": {
				RestoreIndex: tt.cursor,
				Snapshots: []index.AppSnapshot{
					{Date: "2024-01-01", HasData: true},
					{Date: "2024-01-02", HasData: true},
					{Date: "2024-01-03", HasData: true},
				},
			}}

			newScanner(gw).ReconcileApps(context.Background(), root, restore)

			rec := restore.Get("pkgA")
			if cur := rec.Current(); cur == nil || cur.Date != tt.want {
				t.Fatalf("current = %+v (index %d), want %s", cur, rec.RestoreIndex, tt.want)
			}
		})
	}
}

func TestReconcileAppsDropsSubjectsWithoutArchives(t *testing.T) {
	gw := gatewaytest.New()
	addArchives(gw, "pkgA/2024-01-01/apk.tar", "pkgB/2024-01-01/readme.tar.bak")
	restore := index.AppRestoreMap{
		"gone": {Snapshots: []index.AppSnapshot{{Date: "2023-01-01", HasApp: true}}},
	}

	removed := newScanner(gw).ReconcileApps(context.Background(), root, restore)

	if !reflect.DeepEqual(removed, []string{"gone", "pkgB"}) {
		t.Fatalf("removed = %v", removed)
	}
	for _, key := range restore.Keys() {
		if len(restore[key].Snapshots) == 0 {
			t.Fatalf("%s kept with empty snapshots", key)
		}
	}
}

func TestReconcileAppsIgnoresMalformedPaths(t *testing.T) {
	gw := gatewaytest.New()
	addArchives(gw, "stray.tar", "pkgA/apk.tar", "pkgA/2024/extra/apk.tar", "pkgA/2024-01-01/apk.tar")
	restore := index.AppRestoreMap{}

	newScanner(gw).ReconcileApps(context.Background(), root, restore)

	if len(restore) != 1 || len(restore.Get("pkgA").Snapshots) != 1 {
		t.Fatalf("unexpected index %+v", restore)
	}
}

func TestReconcileAppsEmptyTree(t *testing.T) {
	restore := index.AppRestoreMap{"a": {Snapshots: []index.AppSnapshot{{Date: "d", HasApp: true}}}}
	newScanner(gatewaytest.New()).ReconcileApps(context.Background(), root, restore)
	if len(restore) != 0 {
		t.Fatalf("expected empty index, got %v", restore.Keys())
	}
}

func TestReconcileMedia(t *testing.T) {
	gw := gatewaytest.New()
	for _, rel := range []string{
		"DCIM/2024-01-01/DCIM.tar.zst",
		"DCIM/2024-01-02/other.tar",
		"Music/Cover/Music.tar",
	} {
		gw.AddFile("/backup/media/"+rel, "x")
	}
	restore := index.MediaRestoreMap{
		"Music": {Name: "Music", Path: "/sdcard/Music", Snapshots: []index.MediaSnapshot{{Date: "Cover", HasData: true, Select: true}}},
	}
	backups := index.MediaBackupMap{"DCIM": {Name: "DCIM", Path: "/storage/emulated/0/DCIM"}}

	removed := newScanner(gw).ReconcileMedia(context.Background(), "/backup/media", restore, backups)
	if len(removed) != 0 {
		t.Fatalf("removed = %v", removed)
	}
	dcim := restore.Get("DCIM")
	if dcim.Path != "/storage/emulated/0/DCIM" || len(dcim.Snapshots) != 1 || dcim.Snapshots[0].Date != "2024-01-01" {
		t.Fatalf("unexpected DCIM %+v", dcim)
	}
	music := restore.Get("Music")
	if music.Path != "/sdcard/Music" || !music.Snapshots[0].Select {
		t.Fatalf("unexpected Music %+v", music)
	}
}

func TestMarkInstalled(t *testing.T) {
	gw := gatewaytest.New()
	gw.Install(0, gateway.Package{Name: "pkgA"})
	restore := index.AppRestoreMap{
		"pkgA": {Snapshots: []index.AppSnapshot{{Date: "d"}}},
		"pkgB": {IsOnThisDevice: true, Snapshots: []index.AppSnapshot{{Date: "d"}}},
	}
	newScanner(gw).MarkInstalled(context.Background(), restore, 0)
	if !restore.Get("pkgA").IsOnThisDevice || restore.Get("pkgB").IsOnThisDevice {
		t.Fatalf("unexpected install flags")
	}
}
