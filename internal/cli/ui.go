package cli

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/dyike/TradeFlowGo/consts"
	"github.com/dyike/TradeFlowGo/models"
)

// UI styles
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#7C3AED")).
			Padding(0, 1)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#3B82F6")).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#3B82F6")).
			Padding(0, 2).
			Width(76)

	reportBoxStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#10B981")).
			Padding(0, 2).
			Width(76)

	pendingStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#6B7280"))

	runningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#F59E0B")).
			Bold(true)

	completedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#10B981")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#EF4444")).
			Bold(true)

	buyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#10B981")).
			Bold(true)

	sellStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#EF4444")).
			Bold(true)

	holdStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#F59E0B")).
			Bold(true)
)

// RenderSessionHeader formats the session banner.
func RenderSessionHeader(sess *models.Session) string {
	return headerStyle.Render(fmt.Sprintf("%s  %s  %s  %s",
		sess.Ticker, sess.Market, sess.Model, sess.EndDate))
}

// RenderProgress draws one line per pipeline stage with its state.
func RenderProgress(sess *models.Session) string {
	done := make(map[string]bool, len(sess.Progress))
	for _, stage := range sess.Progress {
		done[stage] = true
	}

	var b strings.Builder
	for _, stage := range consts.StageOrder {
		switch {
		case done[stage]:
			b.WriteString(completedStyle.Render("  ✔ " + stage))
		case stage == sess.CurrentAgent:
			b.WriteString(runningStyle.Render("  ▸ " + stage))
		default:
			b.WriteString(pendingStyle.Render("    " + stage))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// RenderStatus formats the session status with its color.
func RenderStatus(status models.Status) string {
	switch status {
	case models.StatusRunning:
		return runningStyle.Render(string(status))
	case models.StatusCompleted:
		return completedStyle.Render(string(status))
	case models.StatusError:
		return errorStyle.Render(string(status))
	default:
		return pendingStyle.Render(string(status))
	}
}

// RenderDecision colors the final trading decision.
func RenderDecision(decision string) string {
	switch decision {
	case "BUY":
		return buyStyle.Render(decision)
	case "SELL":
		return sellStyle.Render(decision)
	case "HOLD":
		return holdStyle.Render(decision)
	default:
		return decision
	}
}

// RenderReports formats the completed stage reports in stage order.
func RenderReports(sess *models.Session) string {
	if len(sess.Reports) == 0 {
		return pendingStyle.Render("  no reports yet")
	}

	stages := make([]string, 0, len(sess.Reports))
	for stage := range sess.Reports {
		stages = append(stages, stage)
	}
	sort.Slice(stages, func(i, j int) bool {
		return stageIndex(stages[i]) < stageIndex(stages[j])
	})

	var b strings.Builder
	for _, stage := range stages {
		b.WriteString(titleStyle.Render(stage))
		b.WriteString("\n")
		b.WriteString(reportBoxStyle.Render(sess.Reports[stage]))
		b.WriteString("\n")
	}
	return b.String()
}

// RenderSummaryLine formats one session for list output.
func RenderSummaryLine(sess *models.Session) string {
	line := fmt.Sprintf("%-36s  %-8s  %-8s  %s", sess.ID, sess.Ticker, sess.Market, RenderStatus(sess.Status))
	if sess.Status == models.StatusQueued && sess.QueuePosition > 0 {
		line += pendingStyle.Render(fmt.Sprintf(" (position %d)", sess.QueuePosition))
	}
	if sess.Decision != "" {
		line += "  " + RenderDecision(sess.Decision)
	}
	if sess.ErrorMsg != "" {
		line += "  " + errorStyle.Render(sess.ErrorMsg)
	}
	return line
}

func stageIndex(stage string) int {
	for i, s := range consts.StageOrder {
		if s == stage {
			return i
		}
	}
	return len(consts.StageOrder)
}
