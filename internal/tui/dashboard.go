package tui

import (
	"fmt"
	"sync"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/CrackerCat/Android-DataBackup/internal/orchestrator"
	"github.com/CrackerCat/Android-DataBackup/internal/types"
)

// Dashboard lists the tasks of a run and the status of the current object.
type Dashboard struct {
	app    *App
	header *tview.TextView
	table  *tview.Table
	footer *tview.TextView
	cancel func()

	title    string
	rows     map[int]int
	progress int
	total    int
	finished bool

	mu        sync.Mutex
	pending   []orchestrator.Event
	scheduled bool
}

// NewDashboard builds the view for a run titled title. cancel is called when
// the user presses q or Ctrl+C.
func NewDashboard(app *App, title string, cancel func()) *Dashboard {
	d := &Dashboard{
		app:    app,
		header: tview.NewTextView().SetDynamicColors(true),
		table:  tview.NewTable().SetFixed(1, 0).SetSelectable(false, false),
		footer: tview.NewTextView().SetDynamicColors(true),
		cancel: cancel,
		title:  title,
		rows:   make(map[int]int),
	}
	framed(d.header.Box, title)
	framed(d.table.Box, "Tasks")
	for col, name := range []string{"", "Subject", "Object", "Status"} {
		d.table.SetCell(0, col, tview.NewTableCell(name).SetTextColor(AccentTeal).SetSelectable(false))
	}
	d.footer.SetText("[gray]q / Ctrl+C: stop after the current step")
	d.renderHeader()

	layout := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(d.header, 3, 0, false).
		AddItem(d.table, 0, 1, true).
		AddItem(d.footer, 1, 0, false)
	app.SetRoot(layout, true)
	app.SetInputCapture(d.handleKey)
	return d
}

// Follow applies events until done is closed, then stops the app. At most
// one redraw is queued at a time, so a dead event loop never blocks it.
func (d *Dashboard) Follow(events <-chan orchestrator.Event, done <-chan struct{}) {
	for {
		select {
		case ev := <-events:
			d.enqueue(ev)
		case <-done:
			for drained := false; !drained; {
				select {
				case ev := <-events:
					d.enqueue(ev)
				default:
					drained = true
				}
			}
			if !d.app.Exited() {
				d.app.QueueUpdateDraw(func() {
					d.finished = true
					d.renderHeader()
				})
			}
			d.app.Stop()
			return
		}
	}
}

func (d *Dashboard) enqueue(ev orchestrator.Event) {
	if d.app.Exited() {
		return
	}
	d.mu.Lock()
	d.pending = append(d.pending, ev)
	if d.scheduled {
		d.mu.Unlock()
		return
	}
	d.scheduled = true
	d.mu.Unlock()
	d.app.QueueUpdateDraw(d.flush)
}

// flush applies the pending events on the UI goroutine.
func (d *Dashboard) flush() {
	d.mu.Lock()
	batch := d.pending
	d.pending, d.scheduled = nil, false
	d.mu.Unlock()
	for _, ev := range batch {
		d.Apply(ev)
	}
}

func (d *Dashboard) handleKey(ev *tcell.EventKey) *tcell.EventKey {
	if ev.Key() == tcell.KeyCtrlC || (ev.Key() == tcell.KeyRune && ev.Rune() == 'q') {
		if d.cancel != nil {
			d.cancel()
		}
		d.footer.SetText("[yellow]Stopping after the current step...")
		return nil
	}
	return ev
}

// Apply updates the view for one event. It must run on the UI goroutine.
func (d *Dashboard) Apply(ev orchestrator.Event) {
	d.progress, d.total = ev.Progress, ev.Total
	switch ev.Kind {
	case orchestrator.EventTaskStarted:
		row := d.row(ev.TaskIndex)
		d.setRow(row, ev.State, ev.Subject, "", "")
	case orchestrator.EventObjectStatus:
		state := types.TaskProcessing
		switch ev.Status {
		case types.StatusError:
			state = types.TaskFailed
		case types.StatusFinished:
			state = types.TaskSuccess
		}
		d.setRow(d.row(ev.TaskIndex), state, ev.Subject, ev.Object.Title(), statusText(ev))
	case orchestrator.EventTaskFinished:
		row := d.row(ev.TaskIndex)
		d.table.SetCell(row, 0, symbolCell(ev.State))
		d.table.SetCell(row, 3, tview.NewTableCell(ev.State.String()).SetTextColor(StatusColor(ev.State)))
	case orchestrator.EventRunFinished:
		d.finished = true
	}
	d.renderHeader()
}

func (d *Dashboard) row(taskIndex int) int {
	if row, ok := d.rows[taskIndex]; ok {
		return row
	}
	row := len(d.rows) + 1
	d.rows[taskIndex] = row
	return row
}

func (d *Dashboard) setRow(row int, state types.TaskState, subject, object, status string) {
	d.table.SetCell(row, 0, symbolCell(state))
	d.table.SetCell(row, 1, tview.NewTableCell(subject).SetExpansion(1))
	d.table.SetCell(row, 2, tview.NewTableCell(object))
	d.table.SetCell(row, 3, tview.NewTableCell(status).SetTextColor(StatusColor(state)).SetMaxWidth(60))
	d.table.ScrollToEnd()
}

func (d *Dashboard) renderHeader() {
	state := "running"
	if d.finished {
		state = "finished"
	}
	d.header.SetText(fmt.Sprintf("%s  [white]%d/%d[-]  %s", d.title, d.progress, d.total, state))
}

func symbolCell(state types.TaskState) *tview.TableCell {
	return tview.NewTableCell(StatusSymbol(state)).SetTextColor(StatusColor(state))
}

func statusText(ev orchestrator.Event) string {
	if ev.Detail != "" {
		return ev.Status.String() + ": " + ev.Detail
	}
	return ev.Status.String()
}
