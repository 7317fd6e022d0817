package tui

import (
	"context"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/imamik/vmpilot/internal/orchestrator"
)

// FetchFunc returns the current status of a plan.
type FetchFunc func(ctx context.Context, planID string) (orchestrator.Status, error)

// RunWatchTUI follows planID until it reaches a terminal state or the user quits.
func RunWatchTUI(ctx context.Context, fetch FetchFunc, planID string, interval time.Duration) (orchestrator.Status, error) {
	m := NewWatchModel(planID)

	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx))

	go pollStatus(ctx, p, fetch, planID, interval)

	finalModel, err := p.Run()
	if err != nil {
		return orchestrator.Status{}, fmt.Errorf("TUI error: %w", err)
	}

	fm := finalModel.(Model)
	if fm.Err != nil {
		return fm.Status, fm.Err
	}
	return fm.Status, nil
}

// pollStatus fetches the plan status and sends updates to the TUI.
func pollStatus(ctx context.Context, p *tea.Program, fetch FetchFunc, planID string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		st, err := fetch(ctx, planID)
		if err != nil {
			p.Send(ErrMsg{Err: err})
			return
		}
		p.Send(StatusMsg{Status: st})
		if st.Terminal() {
			return
		}

		select {
		case <-ctx.Done():
			p.Send(ErrMsg{Err: ctx.Err()})
			return
		case <-ticker.C:
		}
	}
}
