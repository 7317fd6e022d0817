package handlers

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/imamik/vmpilot/internal/api"
	"github.com/imamik/vmpilot/internal/audit"
	"github.com/imamik/vmpilot/internal/deployment"
	"github.com/imamik/vmpilot/internal/escalation"
	"github.com/imamik/vmpilot/internal/orchestrator"
)

// Colors matching internal/ui/tui/styles.go palette.
var (
	colorGreen  = lipgloss.Color("#22c55e")
	colorRed    = lipgloss.Color("#ef4444")
	colorYellow = lipgloss.Color("#eab308")
	colorBlue   = lipgloss.Color("#3b82f6")
	colorDim    = lipgloss.Color("#6b7280")
	colorWhite  = lipgloss.Color("#f9fafb")
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorWhite)

	sectionStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorBlue)

	dimStyle = lipgloss.NewStyle().
			Foreground(colorDim)

	greenStyle = lipgloss.NewStyle().
			Foreground(colorGreen)

	redStyle = lipgloss.NewStyle().
			Foreground(colorRed)

	yellowStyle = lipgloss.NewStyle().
			Foreground(colorYellow)
)

func stateText(state deployment.PlanState) string {
	switch state {
	case deployment.StateCommitted:
		return greenStyle.Render(string(state))
	case deployment.StateDenied, deployment.StateRolledBack:
		return redStyle.Render(string(state))
	default:
		return yellowStyle.Render(string(state))
	}
}

func decisionText(d deployment.Decision) string {
	switch d {
	case deployment.DecisionAllow:
		return greenStyle.Render(string(d))
	case deployment.DecisionDeny:
		return redStyle.Render(string(d))
	default:
		return yellowStyle.Render(string(d))
	}
}

func writeSection(b *strings.Builder, title string) {
	b.WriteString("\n")
	b.WriteString(sectionStyle.Render("  " + title))
	b.WriteString("\n")
	b.WriteString(dimStyle.Render("  " + strings.Repeat("─", 40)))
	b.WriteString("\n")
}

func writeAssessment(b *strings.Builder, a deployment.RiskAssessment) {
	writeSection(b, "Risk")
	fmt.Fprintf(b, "    Score:     %.2f\n", a.Score)
	fmt.Fprintf(b, "    Decision:  %s\n", decisionText(a.Decision))
	fmt.Fprintf(b, "    Shape:     %s\n", a.PlanShape)
	for _, f := range a.Factors {
		line := fmt.Sprintf("      %-22s %+.2f", f.Name, f.Weight)
		if f.Detail != "" {
			line += "  " + f.Detail
		}
		b.WriteString(dimStyle.Render(line))
		b.WriteString("\n")
	}
}

// renderPlan produces the offline plan preview.
func renderPlan(req deployment.Request, p PlanPreview) string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(titleStyle.Render(fmt.Sprintf("  vmpilot plan: %s", req.ID)))
	b.WriteString("\n")
	b.WriteString(dimStyle.Render(fmt.Sprintf("  %s (%s), %d x %s in %s",
		req.Requester, req.Tier, req.Resources.Instances, req.Resources.ServerType, req.Resources.Location)))
	b.WriteString("\n")

	writeSection(&b, "Stages")
	for _, s := range p.Plan.Stages {
		line := fmt.Sprintf("    %-28s %s", s.ID, dimStyle.Render(string(s.Compensation)))
		if s.Irreversible {
			line += " " + redStyle.Render("irreversible")
		}
		b.WriteString(line)
		b.WriteString("\n")
		for _, n := range s.Needs {
			b.WriteString(dimStyle.Render(fmt.Sprintf("      needs %s", n.Class)))
			b.WriteString("\n")
		}
	}

	writeAssessment(&b, p.Assessment)
	return b.String()
}

// renderStatus produces the detailed view of one plan.
func renderStatus(st orchestrator.Status) string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(titleStyle.Render(fmt.Sprintf("  vmpilot plan: %s", st.PlanID)))
	b.WriteString("  ")
	b.WriteString(stateText(st.State))
	b.WriteString("\n")
	if st.Requester != "" {
		b.WriteString(dimStyle.Render(fmt.Sprintf("  requested by %s, updated %s", st.Requester, st.UpdatedAt.Format(time.RFC3339))))
		b.WriteString("\n")
	}

	if st.Assessment != nil {
		writeAssessment(&b, *st.Assessment)
	}

	if len(st.Stages) > 0 {
		writeSection(&b, fmt.Sprintf("Stages (%d/%d succeeded)", st.Succeeded(), len(st.Stages)))
		for _, s := range st.Stages {
			fmt.Fprintf(&b, "    %-28s %-12s", s.StageID, stageText(s.Status))
			if s.Attempts > 0 {
				b.WriteString(dimStyle.Render(fmt.Sprintf(" attempts=%d", s.Attempts)))
			}
			b.WriteString("\n")
			if s.LastError != "" && s.Status != deployment.StageSucceeded {
				b.WriteString("      " + redStyle.Render(s.LastError) + "\n")
			}
		}
	}

	if len(st.Reservations) > 0 {
		writeSection(&b, "Reservations")
		for _, r := range st.Reservations {
			fmt.Fprintf(&b, "    %-14s %s\n", r.Class, r.Value)
		}
	}

	if rb := st.Rollback; rb != nil {
		writeSection(&b, "Rollback")
		if len(rb.Compensated) > 0 {
			fmt.Fprintf(&b, "    Compensated:   %s\n", strings.Join(rb.Compensated, ", "))
		}
		if len(rb.Irreversible) > 0 {
			fmt.Fprintf(&b, "    Irreversible:  %s\n", yellowStyle.Render(strings.Join(rb.Irreversible, ", ")))
		}
		for _, r := range rb.Residuals {
			fmt.Fprintf(&b, "    %s %s %s: %s\n", redStyle.Render("residual"), r.StageID, r.Resource, r.Error)
		}
	}

	if st.Residual {
		b.WriteString("\n  " + redStyle.Render("Manual cleanup required: some resources could not be compensated.") + "\n")
	}
	if st.Error != "" {
		b.WriteString("\n  " + redStyle.Render(st.Error) + "\n")
	}
	return b.String()
}

func stageText(s deployment.StageStatus) string {
	switch s {
	case deployment.StageSucceeded:
		return greenStyle.Render(string(s))
	case deployment.StageFailed:
		return redStyle.Render(string(s))
	case deployment.StageRunning, deployment.StageCompensated:
		return yellowStyle.Render(string(s))
	default:
		return dimStyle.Render(string(s))
	}
}

// renderPlanList produces one line per plan, newest first.
func renderPlanList(plans []orchestrator.Status) string {
	if len(plans) == 0 {
		return dimStyle.Render("No plans") + "\n"
	}
	sorted := append([]orchestrator.Status(nil), plans...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].CreatedAt.After(sorted[j].CreatedAt) })

	var b strings.Builder
	b.WriteString(titleStyle.Render(fmt.Sprintf("  %-38s %-20s %-7s %s", "PLAN", "STATE", "STAGES", "REQUESTER")))
	b.WriteString("\n")
	for _, st := range sorted {
		stages := fmt.Sprintf("%d/%d", st.Succeeded(), len(st.Stages))
		fmt.Fprintf(&b, "  %-38s %-20s %-7s %s\n", st.PlanID, string(st.State), stages, st.Requester)
	}
	return b.String()
}

// renderEscalations lists plans waiting for a reviewer with the time left.
func renderEscalations(pending []escalation.Pending, now time.Time) string {
	if len(pending) == 0 {
		return dimStyle.Render("No plans awaiting review") + "\n"
	}
	var b strings.Builder
	b.WriteString(titleStyle.Render(fmt.Sprintf("  %-38s %-10s %s", "PLAN", "WAITING", "EXPIRES IN")))
	b.WriteString("\n")
	for _, p := range pending {
		left := p.Deadline.Sub(now).Round(time.Second)
		expires := left.String()
		if left <= 0 {
			expires = redStyle.Render("expired")
		}
		fmt.Fprintf(&b, "  %-38s %-10s %s\n", p.RequestID, now.Sub(p.Since).Round(time.Second), expires)
	}
	return b.String()
}

// renderAudit produces the trail of one request.
func renderAudit(requestID string, entries []audit.Entry) string {
	var b strings.Builder
	b.WriteString("\n")
	b.WriteString(titleStyle.Render(fmt.Sprintf("  vmpilot audit: %s", requestID)))
	b.WriteString("\n\n")
	for _, e := range entries {
		line := fmt.Sprintf("  %5d  %s  %-26s", e.Seq, e.Timestamp.Format(time.RFC3339), e.Action)
		if e.StageID != "" {
			line += " " + e.StageID
		}
		if e.Outcome != "" {
			line += " " + e.Outcome
		}
		b.WriteString(line)
		b.WriteString(dimStyle.Render(" by " + e.Actor))
		b.WriteString("\n")
		keys := make([]string, 0, len(e.Detail))
		for k := range e.Detail {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			b.WriteString(dimStyle.Render(fmt.Sprintf("         %s=%s", k, e.Detail[k])))
			b.WriteString("\n")
		}
	}
	return b.String()
}

// renderDraft summarises a drafted request.
func renderDraft(resp api.DraftResponse) string {
	req := resp.Request
	var b strings.Builder
	b.WriteString("\n")
	b.WriteString(titleStyle.Render(fmt.Sprintf("  vmpilot draft: %s", req.ID)))
	b.WriteString("\n")
	fmt.Fprintf(&b, "    Artifact:    %s (confidence %.2f)\n", req.Artifact.Location, req.Artifact.Confidence)
	fmt.Fprintf(&b, "    Resources:   %d x %s, %s, %s\n", req.Resources.Instances, req.Resources.ServerType, req.Resources.Image, req.Resources.Location)
	if req.Hardening != "" {
		fmt.Fprintf(&b, "    Hardening:   %s\n", req.Hardening)
	}
	if resp.PlanID != "" {
		fmt.Fprintf(&b, "    Submitted:   %s\n", greenStyle.Render(resp.PlanID))
	} else {
		b.WriteString(dimStyle.Render("    Not submitted, rerun with --submit or save it with --json") + "\n")
	}
	return b.String()
}
