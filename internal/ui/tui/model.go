package tui

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/imamik/vmpilot/internal/deployment"
	"github.com/imamik/vmpilot/internal/orchestrator"
	"github.com/imamik/vmpilot/internal/ui/benchmarks"
)

// Model is the Bubble Tea model of the plan watcher.
type Model struct {
	PlanID string
	Status orchestrator.Status
	Loaded bool

	// ETA
	EstimatedRemaining time.Duration
	PerformanceScale   float64
	StartTime          time.Time

	// Animation
	SpinnerFrame int

	// UI state
	Width  int
	Height int
	Err    error
	Done   bool
}

// NewWatchModel creates a model for following one plan.
func NewWatchModel(planID string) Model {
	return Model{
		PlanID:           planID,
		StartTime:        time.Now(),
		PerformanceScale: 1.0,
	}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tickCmd()
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.Width = msg.Width
		m.Height = msg.Height

	case StatusMsg:
		m.Status = msg.Status
		m.Loaded = true
		m.updateETA(time.Now())
		if msg.Status.Terminal() {
			m.Done = true
			return m, tea.Quit
		}

	case TickMsg:
		m.SpinnerFrame++
		m.updateETA(time.Now())
		return m, tickCmd()

	case ErrMsg:
		m.Err = msg.Err
		return m, tea.Quit

	case DoneMsg:
		m.Done = true
		return m, tea.Quit
	}

	return m, nil
}

func (m *Model) updateETA(now time.Time) {
	if !m.Loaded || m.Status.Terminal() || m.Status.State == deployment.StateAwaitingEscalation {
		m.EstimatedRemaining = 0
		return
	}
	m.PerformanceScale = benchmarks.PerformanceScale(m.Status.Stages, now)
	m.EstimatedRemaining = benchmarks.EstimateRemainingWithScale(m.Status.Stages, now, m.PerformanceScale)
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(_ time.Time) tea.Msg {
		return TickMsg{}
	})
}

// View implements tea.Model.
func (m Model) View() string {
	return renderView(m)
}
