package orchestrator

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/CrackerCat/Android-DataBackup/internal/config"
	"github.com/CrackerCat/Android-DataBackup/internal/gateway"
	"github.com/CrackerCat/Android-DataBackup/internal/gateway/gatewaytest"
	"github.com/CrackerCat/Android-DataBackup/internal/index"
	"github.com/CrackerCat/Android-DataBackup/internal/logging"
	"github.com/CrackerCat/Android-DataBackup/internal/types"
)

const testDate = "2024-01-01"

type fixedClock struct{ now time.Time }

func (c *fixedClock) Now() time.Time { return c.now }

type harness struct {
	gw    *gatewaytest.Fake
	cfg   *config.Config
	clock *fixedClock
	o     *Orchestrator
}

func testConfig() *config.Config {
	return &config.Config{
		BackupRoot:       "/backup",
		IndexDir:         "/backup/config",
		BlacklistPath:    "/backup/config/blacklist.json",
		TempDir:          "/tmp/db",
		SelfPackage:      config.DefaultSelfPackage,
		CompressionType:  types.CompressionZstd,
		CompressionLevel: 3,
		BackupStrategy:   types.StrategyCover,
		BackupTest:       true,
		BackupUserDE:     true,
		BackupData:       true,
		BackupOBB:        true,
		MediaFolders:     []string{"/storage/emulated/0/Pictures"},
		EventBuffer:      256,
	}
}

func newHarness(t *testing.T, mutate ...func(*config.Config)) *harness {
	t.Helper()
	cfg := testConfig()
	for _, fn := range mutate {
		fn(cfg)
	}
	logger := logging.New(types.LogLevelDebug, false)
	logger.SetOutput(io.Discard)
	h := &harness{
		gw:    gatewaytest.New(),
		cfg:   cfg,
		clock: &fixedClock{now: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)},
	}
	h.o = NewWithDeps(Deps{Logger: logger, Config: cfg, Gateway: h.gw, Time: h.clock})
	return h
}

func (h *harness) store() *index.Store {
	logger := logging.New(types.LogLevelError, false)
	logger.SetOutput(io.Discard)
	return index.NewStore(gateway.IndexFiles(context.Background(), h.gw), logger)
}

// seedApp stores archives for objs under testDate and a selected restore
// record pointing at them.
func (h *harness) seedApp(t *testing.T, m index.AppRestoreMap, name string, objs ...types.ObjectType) {
	t.Helper()
	snap := index.AppSnapshot{Date: testDate, SelectApp: true, SelectData: true}
	for _, obj := range objs {
		h.gw.AddFile(filepath.Join("/backup/data", name, testDate, string(obj)+".tar.zst"), "archive")
		if obj == types.ObjectAPK {
			snap.HasApp = true
		} else {
			snap.Objects.Set(obj, true)
		}
	}
	snap.HasData = snap.Objects.Any()
	snap.Narrow()
	m[name] = &index.AppRestore{
		Base:         index.Base{PackageName: name, AppName: name},
		RestoreIndex: -1,
		Snapshots:    []index.AppSnapshot{snap},
	}
}

func (h *harness) saveAppRestore(t *testing.T, m index.AppRestoreMap) {
	t.Helper()
	if err := index.Save(h.store(), h.cfg.IndexPath(index.KindAppRestore), m); err != nil {
		t.Fatalf("seed index: %v", err)
	}
}

func (h *harness) appRestore() index.AppRestoreMap {
	return index.Load[index.AppRestore](h.store(), h.cfg.IndexPath(index.KindAppRestore))
}

// installOnSuccess makes InstallPackage register the package extracted to
// the scratch directory.
func (h *harness) installOnSuccess() {
	h.gw.InstallFn = func(path string, userID int) gateway.Result {
		h.gw.Install(userID, gateway.Package{Name: filepath.Base(path), VersionCode: 1})
		return gateway.Result{Success: true, Lines: []string{"Success"}}
	}
}

func (h *harness) run(t *testing.T, flow Flow, opts RunOptions) *RunSummary {
	t.Helper()
	summary, err := h.o.Run(context.Background(), flow, opts)
	if err != nil {
		t.Fatalf("Run(%s) error: %v", flow, err)
	}
	return summary
}

func drain(ch <-chan Event) []Event {
	var out []Event
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func stepStates(task *Task) map[types.ObjectType]types.TaskState {
	out := make(map[types.ObjectType]types.TaskState)
	for _, step := range task.Objects {
		out[step.Object] = step.State
	}
	return out
}

func TestRestoreApkFailureShortCircuitsSubject(t *testing.T) {
	h := newHarness(t)
	m := index.AppRestoreMap{}
	h.seedApp(t, m, "com.a", types.ObjectAPK, types.ObjectUser, types.ObjectData)
	h.saveAppRestore(t, m)
	h.gw.InstallFn = func(string, int) gateway.Result {
		return gateway.Result{Success: false, Lines: []string{"Failure [INSTALL_FAILED_INVALID_APK]"}}
	}

	summary := h.run(t, FlowRestoreApp, RunOptions{})
	if summary.Failed != 1 || summary.Succeeded != 0 {
		t.Fatalf("summary = %+v", summary)
	}
	task := summary.Tasks[0]
	if task.State != types.TaskFailed {
		t.Fatalf("task state = %s", task.State)
	}
	want := map[types.ObjectType]types.TaskState{
		types.ObjectAPK:    types.TaskFailed,
		types.ObjectUser:   types.TaskError,
		types.ObjectUserDE: types.TaskError,
		types.ObjectData:   types.TaskError,
		types.ObjectOBB:    types.TaskError,
	}
	if got := stepStates(task); !reflect.DeepEqual(got, want) {
		t.Fatalf("states = %v, want %v", got, want)
	}
	if visible := task.VisibleObjects(); len(visible) != 3 {
		t.Fatalf("visible = %+v, hidden objects must stay hidden", visible)
	}
	for _, step := range task.Result {
		if step.State == types.TaskError && step.Subtitle != reasonApkNotInstalled {
			t.Fatalf("%s subtitle = %q", step.Object, step.Subtitle)
		}
	}
	if calls := h.gw.Called("owner"); len(calls) != 0 {
		t.Fatalf("ownership calls after apk failure: %v", calls)
	}
	for _, call := range h.gw.Called("extract") {
		if strings.Contains(call, "/data/user") || strings.Contains(call, "/data/media") {
			t.Fatalf("data extracted after apk failure: %s", call)
		}
	}
	if snap := h.appRestore()["com.a"].Current(); !snap.SelectApp || !snap.SelectData {
		t.Fatalf("selection cleared on failure: %+v", snap)
	}
}

func TestRestoreSuccessClearsSelection(t *testing.T) {
	h := newHarness(t)
	m := index.AppRestoreMap{}
	h.seedApp(t, m, "com.a", types.ObjectAPK, types.ObjectUser, types.ObjectData)
	h.saveAppRestore(t, m)
	h.installOnSuccess()
	h.gw.Calls = nil

	summary := h.run(t, FlowRestoreApp, RunOptions{})
	if !summary.Success() || summary.Succeeded != 1 {
		t.Fatalf("summary = %+v", summary)
	}
	wantOwner := []string{
		"owner user com.a /data/user/0/com.a",
		"owner data com.a /data/media/0/Android/data/com.a",
	}
	if got := h.gw.Called("owner"); !reflect.DeepEqual(got, wantOwner) {
		t.Fatalf("owner calls = %v, want %v", got, wantOwner)
	}
	if got := h.gw.Called("extract /backup/data/com.a/2024-01-01/user.tar.zst"); len(got) != 1 || !strings.HasSuffix(got[0], " /data/user/0") {
		t.Fatalf("user extract = %v", got)
	}
	if writes := h.gw.Called("write " + h.cfg.IndexPath(index.KindAppRestore)); len(writes) != 1 {
		t.Fatalf("index written %d times, want 1", len(writes))
	}
	if h.gw.HasFile("/tmp/db/com.a/base.apk") || len(h.gw.Called("delete /tmp/db/com.a")) != 2 {
		t.Fatalf("scratch dir not cleaned: %v", h.gw.Called("delete"))
	}
	snap := h.appRestore()["com.a"].Current()
	if snap.SelectApp || snap.SelectData {
		t.Fatalf("selection not cleared: %+v", snap)
	}
}

func TestRestoreDataFailureDoesNotShortCircuit(t *testing.T) {
	h := newHarness(t)
	m := index.AppRestoreMap{}
	h.seedApp(t, m, "com.a", types.ObjectUser, types.ObjectData)
	h.saveAppRestore(t, m)
	h.gw.OwnershipFn = func(obj types.ObjectType, _, _ string) gateway.Result {
		if obj == types.ObjectUser {
			return gateway.Result{Success: false, Lines: []string{"chown: Operation not permitted"}}
		}
		return gateway.Result{Success: true}
	}

	summary := h.run(t, FlowRestoreApp, RunOptions{})
	states := stepStates(summary.Tasks[0])
	if states[types.ObjectUser] != types.TaskFailed || states[types.ObjectData] != types.TaskSuccess {
		t.Fatalf("states = %v", states)
	}
	if summary.Tasks[0].State != types.TaskFailed || summary.ObjectsFailed != 1 {
		t.Fatalf("summary = %+v", summary)
	}
	if snap := h.appRestore()["com.a"].Current(); !snap.SelectData {
		t.Fatal("selection cleared although a data object failed")
	}
}

func TestRestoreReappliesOwnershipAfterFailedExtract(t *testing.T) {
	h := newHarness(t)
	m := index.AppRestoreMap{}
	h.seedApp(t, m, "com.a", types.ObjectUser, types.ObjectData)
	h.saveAppRestore(t, m)
	h.gw.ExtractFn = func(path, _ string) gateway.Result {
		if strings.HasSuffix(path, "/user.tar.zst") {
			return gateway.Result{Success: false, Lines: []string{"tar: short read"}}
		}
		return gateway.Result{Success: true}
	}

	summary := h.run(t, FlowRestoreApp, RunOptions{})
	states := stepStates(summary.Tasks[0])
	if states[types.ObjectUser] != types.TaskFailed || states[types.ObjectData] != types.TaskSuccess {
		t.Fatalf("states = %v", states)
	}
	wantOwner := []string{
		"owner user com.a /data/user/0/com.a",
		"owner data com.a /data/media/0/Android/data/com.a",
	}
	if got := h.gw.Called("owner"); !reflect.DeepEqual(got, wantOwner) {
		t.Fatalf("owner calls = %v, want %v", got, wantOwner)
	}

	var userStatus []types.StatusKind
	for _, ev := range drain(h.o.Events()) {
		if ev.Kind == EventObjectStatus && ev.Object == types.ObjectUser {
			userStatus = append(userStatus, ev.Status)
		}
	}
	want := []types.StatusKind{types.StatusDecompressing, types.StatusError}
	if !reflect.DeepEqual(userStatus, want) {
		t.Fatalf("user statuses = %v, want %v", userStatus, want)
	}
}

func TestRestoreScansEmptyIndex(t *testing.T) {
	h := newHarness(t)
	for _, obj := range []string{"apk", "user", "user_de"} {
		h.gw.AddFile("/backup/data/com.a/2024-01-01/"+obj+".tar.zst", "archive")
	}
	h.gw.AddFile("/backup/data/com.b/2024-01-01/apk.tar.lz4", "archive")
	h.installOnSuccess()

	summary := h.run(t, FlowRestoreApp, RunOptions{Select: &Selection{Names: []string{"com.a"}, App: true, Data: true}})
	if summary.Total != 1 || summary.Tasks[0].Subject != "com.a" {
		t.Fatalf("tasks = %+v", summary.Tasks)
	}
	visible := summary.Tasks[0].VisibleObjects()
	var titles []string
	for _, step := range visible {
		titles = append(titles, step.Title)
	}
	if want := []string{"APK", "USER", "USER_DE"}; !reflect.DeepEqual(titles, want) {
		t.Fatalf("visible = %v, want %v", titles, want)
	}
	restore := h.appRestore()
	if restore["com.b"] == nil || restore["com.b"].Base.AppName != index.AppNameMissing {
		t.Fatalf("scan did not index com.b: %+v", restore["com.b"])
	}
}

func TestRestoreReconcilesStaleIndex(t *testing.T) {
	h := newHarness(t)
	m := index.AppRestoreMap{}
	h.seedApp(t, m, "com.a", types.ObjectAPK, types.ObjectUser)
	h.seedApp(t, m, "com.gone", types.ObjectUser)
	h.seedApp(t, m, "com.partial", types.ObjectAPK, types.ObjectUser)
	h.saveAppRestore(t, m)
	h.gw.DeleteRecursive(context.Background(), "/backup/data/com.gone")
	h.gw.DeleteRecursive(context.Background(), "/backup/data/com.partial/2024-01-01/apk.tar.zst")
	h.installOnSuccess()

	summary := h.run(t, FlowRestoreApp, RunOptions{})
	if summary.Total != 2 || !summary.Success() {
		t.Fatalf("summary = %+v", summary)
	}
	for _, task := range summary.Tasks {
		if task.Subject == "com.gone" {
			t.Fatal("task created for a subject without archives")
		}
	}
	if got := h.gw.Called("install /tmp/db/com.partial"); len(got) != 0 {
		t.Fatalf("apk installed from a deleted archive: %v", got)
	}

	restore := h.appRestore()
	if restore["com.gone"] != nil {
		t.Fatalf("stale subject still indexed: %+v", restore["com.gone"])
	}
	for name, rec := range restore {
		for _, snap := range rec.Snapshots {
			if (snap.SelectApp && !snap.HasApp) || (snap.SelectData && !snap.HasData) {
				t.Fatalf("%s: selection exceeds presence: %+v", name, snap)
			}
		}
	}
}

func TestMediaRestoreReconcilesStaleIndex(t *testing.T) {
	h := newHarness(t)
	media := index.MediaRestoreMap{}
	for _, name := range []string{"DCIM", "Music"} {
		h.gw.AddFile("/backup/media/"+name+"/Cover/"+name+".tar.zst", "archive")
		media[name] = &index.MediaRestore{
			Name:         name,
			Path:         "/storage/emulated/0/" + name,
			RestoreIndex: -1,
			Snapshots:    []index.MediaSnapshot{{Date: "Cover", HasData: true, Select: true}},
		}
	}
	if err := index.Save(h.store(), h.cfg.IndexPath(index.KindMediaRestore), media); err != nil {
		t.Fatalf("seed index: %v", err)
	}
	h.gw.DeleteRecursive(context.Background(), "/backup/media/Music")

	summary := h.run(t, FlowRestoreMedia, RunOptions{})
	if summary.Total != 1 || !summary.Success() || summary.Tasks[0].Subject != "DCIM" {
		t.Fatalf("summary = %+v", summary)
	}
	saved := index.Load[index.MediaRestore](h.store(), h.cfg.IndexPath(index.KindMediaRestore))
	if saved["Music"] != nil {
		t.Fatalf("stale folder still indexed: %+v", saved["Music"])
	}
}

func TestRetryReprocessesOnlyFailedTasks(t *testing.T) {
	h := newHarness(t)
	m := index.AppRestoreMap{}
	for _, name := range []string{"com.a", "com.b", "com.c"} {
		h.seedApp(t, m, name, types.ObjectAPK, types.ObjectUser)
	}
	h.saveAppRestore(t, m)
	h.gw.InstallFn = func(path string, userID int) gateway.Result {
		if filepath.Base(path) == "com.b" {
			return gateway.Result{Success: false, Lines: []string{"Failure"}}
		}
		h.gw.Install(userID, gateway.Package{Name: filepath.Base(path)})
		return gateway.Result{Success: true}
	}
	h.gw.OnCall = func(call string) {
		if call == "install /tmp/db/com.b 0" {
			h.o.Cancel()
		}
	}

	first := h.run(t, FlowRestoreApp, RunOptions{})
	if !first.Cancelled || first.Succeeded != 1 || first.Failed != 1 {
		t.Fatalf("first run = %+v", first)
	}
	before := h.o.Tasks(FlowRestoreApp)
	if before[2].State != types.TaskWaiting {
		t.Fatalf("com.c state = %s", before[2].State)
	}

	h.gw.OnCall = nil
	h.installOnSuccess()
	h.gw.Calls = nil
	retry := h.run(t, FlowRestoreApp, RunOptions{Mode: RunRetry})
	if retry.Total != 1 || retry.Succeeded != 1 {
		t.Fatalf("retry = %+v", retry)
	}
	after := h.o.Tasks(FlowRestoreApp)
	for _, i := range []int{0, 2} {
		if !reflect.DeepEqual(before[i], after[i]) {
			t.Fatalf("task %s changed by retry:\n%+v\n%+v", before[i].Subject, before[i], after[i])
		}
	}
	if after[1].State != types.TaskSuccess {
		t.Fatalf("com.b state = %s", after[1].State)
	}
	for _, call := range h.gw.Calls {
		if strings.Contains(call, "com.a") || strings.Contains(call, "com.c") {
			t.Fatalf("retry touched another subject: %s", call)
		}
	}
}

func TestCancelBetweenObjects(t *testing.T) {
	h := newHarness(t)
	m := index.AppRestoreMap{}
	h.seedApp(t, m, "com.a", types.ObjectUser, types.ObjectData)
	h.seedApp(t, m, "com.b", types.ObjectUser)
	h.saveAppRestore(t, m)
	h.gw.OnCall = func(call string) {
		if strings.HasPrefix(call, "owner user com.a") {
			h.o.Cancel()
		}
	}
	h.gw.Calls = nil

	summary := h.run(t, FlowRestoreApp, RunOptions{})
	if !summary.Cancelled || summary.Succeeded != 0 || summary.Failed != 0 {
		t.Fatalf("summary = %+v", summary)
	}
	task := summary.Tasks[0]
	states := stepStates(task)
	if task.State != types.TaskWaiting || states[types.ObjectUser] != types.TaskSuccess || states[types.ObjectData] != types.TaskWaiting {
		t.Fatalf("task = %s %v", task.State, states)
	}
	if got := h.gw.Called("extract /backup/data/com.a/2024-01-01/data"); len(got) != 0 {
		t.Fatalf("data extracted after cancel: %v", got)
	}
	if got := h.gw.Called("extract /backup/data/com.b"); len(got) != 0 {
		t.Fatalf("next subject processed after cancel: %v", got)
	}
	if writes := h.gw.Called("write " + h.cfg.IndexPath(index.KindAppRestore)); len(writes) != 1 {
		t.Fatalf("index written %d times after cancel, want 1", len(writes))
	}
}

func TestRunRejectsConcurrentRun(t *testing.T) {
	h := newHarness(t)
	m := index.AppRestoreMap{}
	h.seedApp(t, m, "com.a", types.ObjectUser)
	h.saveAppRestore(t, m)
	var nested error
	h.gw.OnCall = func(call string) {
		if strings.HasPrefix(call, "owner") && nested == nil {
			_, nested = h.o.Run(context.Background(), FlowBackupApp, RunOptions{})
		}
	}
	h.run(t, FlowRestoreApp, RunOptions{})
	if !errors.Is(nested, ErrRunInProgress) {
		t.Fatalf("nested run error = %v", nested)
	}
	if h.o.Running() {
		t.Fatal("still running after Run returned")
	}
}

func TestRunUnknownFlow(t *testing.T) {
	h := newHarness(t)
	if _, err := h.o.Run(context.Background(), Flow("bogus"), RunOptions{}); !errors.Is(err, ErrUnknownFlow) {
		t.Fatalf("err = %v", err)
	}
}

type failingGuard struct{ released bool }

func (g *failingGuard) Acquire(context.Context, string, bool) error { return errors.New("locked") }
func (g *failingGuard) Release() error                              { g.released = true; return nil }

func TestRunGuardFailureAbortsBeforeWork(t *testing.T) {
	h := newHarness(t)
	guard := &failingGuard{}
	h.o.guard = guard
	if _, err := h.o.Run(context.Background(), FlowRestoreApp, RunOptions{}); err == nil {
		t.Fatal("expected guard error")
	}
	if len(h.gw.Calls) != 0 || guard.released {
		t.Fatalf("work done despite guard failure: %v", h.gw.Calls)
	}
}

func TestEventsReportProgressAndOneTerminalPerObject(t *testing.T) {
	h := newHarness(t)
	m := index.AppRestoreMap{}
	h.seedApp(t, m, "com.a", types.ObjectAPK, types.ObjectUser)
	h.seedApp(t, m, "com.b", types.ObjectUser, types.ObjectOBB)
	h.saveAppRestore(t, m)
	h.installOnSuccess()

	summary := h.run(t, FlowRestoreApp, RunOptions{})
	events := drain(h.o.Events())
	if summary.EventsDropped != 0 {
		t.Fatalf("dropped %d events", summary.EventsDropped)
	}

	var progress []int
	terminals := make(map[string]int)
	for _, ev := range events {
		if ev.RunID != summary.RunID || ev.Total != 2 {
			t.Fatalf("event %+v", ev)
		}
		switch ev.Kind {
		case EventTaskFinished:
			progress = append(progress, ev.Progress)
		case EventObjectStatus:
			if ev.Status.Terminal() {
				terminals[ev.Subject+"/"+string(ev.Object)]++
			}
		}
	}
	if want := []int{1, 2}; !reflect.DeepEqual(progress, want) {
		t.Fatalf("progress = %v, want %v", progress, want)
	}
	wantTerminals := map[string]int{"com.a/apk": 1, "com.a/user": 1, "com.b/user": 1, "com.b/obb": 1}
	if !reflect.DeepEqual(terminals, wantTerminals) {
		t.Fatalf("terminal events = %v", terminals)
	}
	if last := events[len(events)-1]; last.Kind != EventRunFinished {
		t.Fatalf("last event = %+v", last)
	}
}

func TestEventsDropWhenBufferFull(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.EventBuffer = 1 })
	m := index.AppRestoreMap{}
	h.seedApp(t, m, "com.a", types.ObjectUser)
	h.saveAppRestore(t, m)

	summary := h.run(t, FlowRestoreApp, RunOptions{})
	if summary.EventsDropped == 0 {
		t.Fatal("expected dropped events with a one-slot buffer")
	}
	if len(drain(h.o.Events())) != 1 {
		t.Fatal("buffer should hold exactly one event")
	}
}
