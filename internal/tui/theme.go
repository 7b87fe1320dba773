package tui

import (
	"github.com/gdamore/tcell/v2"

	"github.com/CrackerCat/Android-DataBackup/internal/types"
)

// Palette
var (
	AccentTeal = tcell.NewRGBColor(0, 150, 136) // #009688
	PanelDark  = tcell.NewRGBColor(33, 33, 33)  // #212121

	SuccessGreen  = tcell.NewRGBColor(34, 197, 94)  // #22C55E
	ErrorRed      = tcell.NewRGBColor(239, 68, 68)  // #EF4444
	WarningYellow = tcell.NewRGBColor(234, 179, 8)  // #EAB308
	InfoBlue      = tcell.NewRGBColor(59, 130, 246) // #3B82F6

	LightGray = tcell.ColorLightGray
)

const (
	SymbolSuccess = "✓"
	SymbolError   = "✗"
	SymbolWarning = "⚠"
	SymbolRunning = "▸"
	SymbolWaiting = "•"
)

// StatusColor returns the color used for a task or object state.
func StatusColor(state types.TaskState) tcell.Color {
	switch state {
	case types.TaskSuccess:
		return SuccessGreen
	case types.TaskFailed:
		return ErrorRed
	case types.TaskError:
		return WarningYellow
	case types.TaskProcessing:
		return InfoBlue
	default:
		return LightGray
	}
}

// StatusSymbol returns the symbol shown next to a state.
func StatusSymbol(state types.TaskState) string {
	switch state {
	case types.TaskSuccess:
		return SymbolSuccess
	case types.TaskFailed:
		return SymbolError
	case types.TaskError:
		return SymbolWarning
	case types.TaskProcessing:
		return SymbolRunning
	default:
		return SymbolWaiting
	}
}
