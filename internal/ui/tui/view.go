package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/imamik/vmpilot/internal/deployment"
)

// styleFunc is a single-string styling function.
type styleFunc func(string) string

// sf wraps a lipgloss.Style into a styleFunc.
func sf(s lipgloss.Style) styleFunc {
	return func(str string) string { return s.Render(str) }
}

func renderView(m Model) string {
	var b strings.Builder

	renderHeader(&b, m)
	if !m.Loaded {
		b.WriteString(dimStyle.Render("  waiting for the first status...") + "\n")
		renderFooter(&b, m)
		return b.String()
	}

	renderProgressBar(&b, m)
	if m.Status.Assessment != nil {
		renderAssessment(&b, m)
	}
	renderStages(&b, m)
	if len(m.Status.Reservations) > 0 {
		renderReservations(&b, m)
	}
	if m.Status.Rollback != nil {
		renderRollback(&b, m)
	}
	if m.Status.Error != "" {
		b.WriteString(sectionStyle.Render("Error") + "\n")
		b.WriteString("  " + failedStyle.Render(m.Status.Error) + "\n")
	}
	renderFooter(&b, m)

	return b.String()
}

func renderHeader(b *strings.Builder, m Model) {
	title := fmt.Sprintf("vmpilot: %s", m.PlanID)
	if m.Status.Requester != "" {
		title += fmt.Sprintf(" (%s)", m.Status.Requester)
	}
	b.WriteString(titleStyle.Render(title))

	b.WriteString(" ")
	switch {
	case m.Err != nil:
		b.WriteString(failedStyle.Render(fmt.Sprintf("Error: %v", m.Err)))
	case !m.Loaded:
		b.WriteString(activeStyle.Render(currentSpinner(m.SpinnerFrame)))
	default:
		b.WriteString(stateStyle(m.Status.State, m.SpinnerFrame))
	}
	b.WriteString("\n")
}

func stateStyle(state deployment.PlanState, frame int) string {
	switch state {
	case deployment.StateCommitted:
		return readyStyle.Render(string(state))
	case deployment.StateDenied, deployment.StateRolledBack:
		return failedStyle.Render(string(state))
	case deployment.StateAwaitingEscalation:
		return warningStyle.Render(string(state) + " (waiting for a reviewer)")
	default:
		return activeStyle.Render(currentSpinner(frame)+" ") + warningStyle.Render(string(state))
	}
}

func renderProgressBar(b *strings.Builder, m Model) {
	progress := calculateProgress(m)
	barWidth := 40
	if m.Width > 0 && m.Width < 80 {
		barWidth = max(m.Width-30, 10)
	}
	filled := min(int(float64(barWidth)*progress), barWidth)

	bar := progressBarFull.Render(strings.Repeat("█", filled)) +
		progressBarEmpty.Render(strings.Repeat("░", barWidth-filled))

	eta := ""
	if m.EstimatedRemaining > 0 {
		eta = fmt.Sprintf(" ETA %s", formatDuration(m.EstimatedRemaining))
	}
	if m.PerformanceScale != 0 && m.PerformanceScale != 1.0 {
		eta += fmt.Sprintf("  speed x%.2f", m.PerformanceScale)
	}

	fmt.Fprintf(b, "\n  %s %3d%%%s\n", bar, int(progress*100), subtitleStyle.Render(eta))
}

func renderAssessment(b *strings.Builder, m Model) {
	a := m.Status.Assessment
	b.WriteString(sectionStyle.Render("Risk") + "\n")
	fmt.Fprintf(b, "  score %.2f  decision %s  shape %s\n", a.Score, a.Decision, dimStyle.Render(a.PlanShape))
	for _, f := range a.Factors {
		line := fmt.Sprintf("    %-22s %+.2f", f.Name, f.Weight)
		if f.Detail != "" {
			line += "  " + f.Detail
		}
		b.WriteString(dimStyle.Render(line) + "\n")
	}
}

func renderStages(b *strings.Builder, m Model) {
	b.WriteString(sectionStyle.Render("Stages") + "\n")
	for _, s := range m.Status.Stages {
		icon, style := stageIcon(s.Status, m.SpinnerFrame)
		line := fmt.Sprintf("  %s %-28s", style(icon), s.StageID)
		if s.Attempts > 1 {
			line += dimStyle.Render(fmt.Sprintf(" %d attempts", s.Attempts))
		}
		if d := stageDuration(s); d > 0 {
			line += dimStyle.Render(" " + formatDuration(d))
		}
		b.WriteString(line + "\n")
		if s.LastError != "" && s.Status != deployment.StageSucceeded {
			b.WriteString("       " + failedStyle.Render(s.LastError) + "\n")
		}
	}
}

func renderReservations(b *strings.Builder, m Model) {
	b.WriteString(sectionStyle.Render("Reservations") + "\n")
	for _, r := range m.Status.Reservations {
		fmt.Fprintf(b, "  %-10s %s\n", r.Class, r.Value)
	}
}

func renderRollback(b *strings.Builder, m Model) {
	rb := m.Status.Rollback
	b.WriteString(sectionStyle.Render("Rollback") + "\n")
	for _, id := range rb.Compensated {
		b.WriteString("  " + readyStyle.Render(undoMark) + " " + id + "\n")
	}
	for _, id := range rb.Irreversible {
		b.WriteString("  " + warningStyle.Render(warnMark) + " " + id + dimStyle.Render(" irreversible") + "\n")
	}
	for _, r := range rb.Residuals {
		line := fmt.Sprintf("  %s %s", failedStyle.Render(crossMark), r.StageID)
		if r.Resource != "" {
			line += " " + r.Resource
		}
		b.WriteString(line + "\n       " + failedStyle.Render(r.Error) + "\n")
	}
}

func renderFooter(b *strings.Builder, m Model) {
	parts := []string{fmt.Sprintf("elapsed: %s", formatDuration(time.Since(m.StartTime)))}
	if m.Loaded && !m.Status.UpdatedAt.IsZero() {
		parts = append(parts, fmt.Sprintf("updated: %s ago", formatDuration(time.Since(m.Status.UpdatedAt))))
	}
	b.WriteString(footerStyle.Render(fmt.Sprintf("  %s  |  q: quit", strings.Join(parts, "  |  "))))
	b.WriteString("\n")
}

// Helper functions

func stageIcon(status deployment.StageStatus, frame int) (string, styleFunc) {
	switch status {
	case deployment.StageSucceeded:
		return checkMark, sf(readyStyle)
	case deployment.StageFailed:
		return crossMark, sf(failedStyle)
	case deployment.StageCompensated:
		return undoMark, sf(warningStyle)
	case deployment.StageRunning:
		return currentSpinner(frame), sf(activeStyle)
	default:
		return pending, sf(dimStyle)
	}
}

func stageDuration(s deployment.StageExecution) time.Duration {
	if s.StartedAt.IsZero() || s.FinishedAt.IsZero() {
		return 0
	}
	return s.FinishedAt.Sub(s.StartedAt)
}

func currentSpinner(frame int) string {
	if frame < 0 {
		frame = -frame
	}
	return spinnerFrames[frame%len(spinnerFrames)]
}

// calculateProgress is the share of stages that finished, either way.
func calculateProgress(m Model) float64 {
	if m.Status.State == deployment.StateCommitted {
		return 1.0
	}
	if len(m.Status.Stages) == 0 {
		return 0
	}
	done := 0
	for _, s := range m.Status.Stages {
		if s.Status == deployment.StageSucceeded || s.Status == deployment.StageCompensated {
			done++
		}
	}
	return float64(done) / float64(len(m.Status.Stages))
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}
