// Package tui provides a Bubble Tea-based terminal UI that follows a plan
// until it reaches a terminal state.
package tui

import "github.com/imamik/vmpilot/internal/orchestrator"

// StatusMsg carries the latest snapshot of the watched plan.
type StatusMsg struct {
	Status orchestrator.Status
}

// TickMsg is sent periodically to refresh the display.
type TickMsg struct{}

// ErrMsg carries an error.
type ErrMsg struct{ Err error }

// DoneMsg signals that the plan finished.
type DoneMsg struct{}
