package tui

import (
	"context"
	"sync"
)

var (
	abortContextMu sync.RWMutex
	abortContext   context.Context
)

// SetAbortContext registers the process context; any App created afterwards
// stops when it is cancelled.
func SetAbortContext(ctx context.Context) {
	abortContextMu.Lock()
	abortContext = ctx
	abortContextMu.Unlock()
}

func getAbortContext() context.Context {
	abortContextMu.RLock()
	defer abortContextMu.RUnlock()
	return abortContext
}

func bindAbortContext(app *App) {
	ctx := getAbortContext()
	if ctx == nil {
		return
	}
	go func() {
		<-ctx.Done()
		app.Stop()
	}()
}
