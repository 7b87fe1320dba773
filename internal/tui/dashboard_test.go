package tui

import (
	"strings"
	"testing"
	"time"

	"github.com/gdamore/tcell/v2"

	"github.com/CrackerCat/Android-DataBackup/internal/orchestrator"
	"github.com/CrackerCat/Android-DataBackup/internal/types"
)

func newTestDashboard(t *testing.T, cancel func()) *Dashboard {
	t.Helper()
	app := NewApp()
	screen := tcell.NewSimulationScreen("UTF-8")
	if err := screen.Init(); err != nil {
		t.Fatalf("init screen: %v", err)
	}
	t.Cleanup(screen.Fini)
	app.SetScreen(screen)
	return NewDashboard(app, "restore-app", cancel)
}

func TestDashboardTracksTaskRows(t *testing.T) {
	d := newTestDashboard(t, nil)
	events := []orchestrator.Event{
		{Kind: orchestrator.EventTaskStarted, TaskIndex: 3, Subject: "com.a", State: types.TaskProcessing, Total: 2},
		{Kind: orchestrator.EventObjectStatus, TaskIndex: 3, Subject: "com.a", Object: types.ObjectUser, Status: types.StatusDecompressing, Total: 2},
		{Kind: orchestrator.EventObjectStatus, TaskIndex: 3, Subject: "com.a", Object: types.ObjectUser, Status: types.StatusError, Detail: "tar: short read", Total: 2},
		{Kind: orchestrator.EventTaskFinished, TaskIndex: 3, Subject: "com.a", State: types.TaskFailed, Progress: 1, Total: 2},
		{Kind: orchestrator.EventTaskStarted, TaskIndex: 4, Subject: "com.b", State: types.TaskProcessing, Progress: 1, Total: 2},
	}
	for _, ev := range events {
		d.Apply(ev)
	}

	if got := d.table.GetCell(1, 1).Text; got != "com.a" {
		t.Fatalf("row 1 subject = %q", got)
	}
	if got := d.table.GetCell(1, 2).Text; got != "USER" {
		t.Fatalf("row 1 object = %q", got)
	}
	if got := d.table.GetCell(1, 3).Text; got != "failed" {
		t.Fatalf("row 1 status = %q", got)
	}
	if got := d.table.GetCell(1, 0).Text; got != SymbolError {
		t.Fatalf("row 1 symbol = %q", got)
	}
	if got := d.table.GetCell(2, 1).Text; got != "com.b" {
		t.Fatalf("row 2 subject = %q", got)
	}
	if header := d.header.GetText(true); !strings.Contains(header, "1/2") || !strings.Contains(header, "running") {
		t.Fatalf("header = %q", header)
	}

	d.Apply(orchestrator.Event{Kind: orchestrator.EventRunFinished, TaskIndex: -1, Progress: 2, Total: 2})
	if header := d.header.GetText(true); !strings.Contains(header, "2/2") || !strings.Contains(header, "finished") {
		t.Fatalf("header after finish = %q", header)
	}
}

func TestDashboardStatusTextIncludesDetail(t *testing.T) {
	d := newTestDashboard(t, nil)
	d.Apply(orchestrator.Event{Kind: orchestrator.EventObjectStatus, TaskIndex: 0, Subject: "Pictures", Object: types.ObjectMedia, Status: types.StatusShowTotal, Detail: "12 entries"})
	if got := d.table.GetCell(1, 3).Text; got != "total: 12 entries" {
		t.Fatalf("status = %q", got)
	}
}

func TestDashboardKeysRequestCancel(t *testing.T) {
	for _, ev := range []*tcell.EventKey{
		tcell.NewEventKey(tcell.KeyRune, 'q', tcell.ModNone),
		tcell.NewEventKey(tcell.KeyCtrlC, 0, tcell.ModCtrl),
	} {
		calls := 0
		d := newTestDashboard(t, func() { calls++ })
		if got := d.handleKey(ev); got != nil {
			t.Fatalf("key %v not consumed", ev.Name())
		}
		if calls != 1 {
			t.Fatalf("cancel called %d times for %v", calls, ev.Name())
		}
	}

	d := newTestDashboard(t, func() { t.Fatal("cancel on unrelated key") })
	other := tcell.NewEventKey(tcell.KeyRune, 'x', tcell.ModNone)
	if got := d.handleKey(other); got != other {
		t.Fatal("unrelated key swallowed")
	}
}

func followInBackground(d *Dashboard, events []orchestrator.Event) <-chan struct{} {
	ch := make(chan orchestrator.Event, len(events))
	for _, ev := range events {
		ch <- ev
	}
	done := make(chan struct{})
	close(done)
	returned := make(chan struct{})
	go func() {
		defer close(returned)
		d.Follow(ch, done)
	}()
	return returned
}

func TestFollowReturnsWhenEventLoopNeverRuns(t *testing.T) {
	d := newTestDashboard(t, nil)
	d.app.stopHook = func() {}
	events := make([]orchestrator.Event, 500)
	for i := range events {
		events[i] = orchestrator.Event{Kind: orchestrator.EventTaskStarted, TaskIndex: i, Subject: "com.a"}
	}

	select {
	case <-followInBackground(d, events):
	case <-time.After(5 * time.Second):
		t.Fatal("Follow blocked on the update queue")
	}

	d.flush()
	if got := d.table.GetRowCount(); got != len(events)+1 {
		t.Fatalf("rows = %d, want %d", got, len(events)+1)
	}
}

func TestFollowDropsEventsAfterEventLoopExit(t *testing.T) {
	d := newTestDashboard(t, nil)
	d.app.stopHook = func() {}
	d.app.exited.Store(true)

	select {
	case <-followInBackground(d, []orchestrator.Event{{Kind: orchestrator.EventTaskStarted, Subject: "com.a"}}):
	case <-time.After(5 * time.Second):
		t.Fatal("Follow did not return")
	}
	if len(d.pending) != 0 || d.scheduled {
		t.Fatalf("events kept after exit: %d pending", len(d.pending))
	}
}
