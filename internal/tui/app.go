// Package tui renders the run dashboard in the terminal.
package tui

import (
	"sync/atomic"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
)

// App wraps tview.Application with the dashboard theme.
type App struct {
	*tview.Application
	stopHook func()
	exited   atomic.Bool
}

// NewApp creates a themed application bound to the abort context.
func NewApp() *App {
	app := &App{
		Application: tview.NewApplication(),
	}

	tview.Styles.PrimitiveBackgroundColor = tcell.ColorBlack
	tview.Styles.ContrastBackgroundColor = tcell.ColorBlack
	tview.Styles.MoreContrastBackgroundColor = PanelDark
	tview.Styles.BorderColor = AccentTeal
	tview.Styles.TitleColor = AccentTeal
	tview.Styles.GraphicsColor = AccentTeal
	tview.Styles.PrimaryTextColor = tcell.ColorWhite
	tview.Styles.SecondaryTextColor = tcell.ColorLightGray
	tview.Styles.TertiaryTextColor = tcell.ColorGray

	bindAbortContext(app)
	return app
}

// Run runs the event loop. Once it returns, queued updates are never drained.
func (a *App) Run() error {
	defer a.exited.Store(true)
	return a.Application.Run()
}

// Exited reports whether Run has returned.
func (a *App) Exited() bool {
	return a.exited.Load()
}

func (a *App) Stop() {
	if a == nil {
		return
	}
	if a.stopHook != nil {
		a.stopHook()
		return
	}
	if a.Application != nil {
		a.Application.Stop()
	}
}

// framed gives box the dashboard border and title.
func framed(box *tview.Box, title string) {
	box.SetBorder(true).
		SetTitle(" " + title + " ").
		SetTitleAlign(tview.AlignLeft).
		SetTitleColor(AccentTeal).
		SetBorderColor(AccentTeal)
}
