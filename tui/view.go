package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/hochfrequenz/experiment-orchestrator/internal/domain"
)

var (
	headerStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("236")).
			Foreground(lipgloss.Color("255")).
			Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("236")).
			Foreground(lipgloss.Color("255"))

	tabActiveStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")).
			Underline(true)

	tabInactiveStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("244"))

	selectedStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("238"))

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214"))

	dimmedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))

	statusStyles = map[domain.RunStatus]lipgloss.Style{
		domain.RunComplete:   lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		domain.RunIncomplete: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		domain.RunFail:       lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		domain.RunReady:      lipgloss.NewStyle().Foreground(lipgloss.Color("244")),
	}
)

var tabNames = []string{"Runs", "Failures"}

// View renders the TUI
func (m Model) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	var b strings.Builder

	status := m.status
	if status == "" {
		status = "no runs"
	}
	header := fmt.Sprintf(" Experiment %s │ %s │ Runs: %d │ Failed: %d ",
		shortID(m.source.ID()), status, len(m.runs), len(m.filtered(FilterFail)))
	b.WriteString(headerStyle.Width(m.width).Render(header))
	b.WriteString("\n")

	b.WriteString(m.renderTabs())
	b.WriteString("\n")

	b.WriteString(sectionStyle.Width(m.width - 2).Render(m.renderRuns()))
	b.WriteString("\n")

	if m.observer != nil {
		b.WriteString(sectionStyle.Width(m.width - 2).Render(m.renderMetrics()))
		b.WriteString("\n")
	}

	b.WriteString(m.renderStatusBar())
	return b.String()
}

func (m Model) renderTabs() string {
	var tabs []string
	for i, name := range tabNames {
		if i == m.activeTab {
			tabs = append(tabs, tabActiveStyle.Render(name))
		} else {
			tabs = append(tabs, tabInactiveStyle.Render(name))
		}
	}
	return " " + strings.Join(tabs, "  ")
}

func (m Model) renderRuns() string {
	runs := m.visibleRuns()
	if len(runs) == 0 {
		return dimmedStyle.Render("No runs")
	}

	var b strings.Builder
	if m.activeTab == 0 {
		fmt.Fprintf(&b, "Filter: %s\n", m.filter)
	}

	end := min(m.scroll+m.pageSize(), len(runs))
	for i := m.scroll; i < end; i++ {
		r := runs[i]
		style, ok := statusStyles[r.Status]
		if !ok {
			style = dimmedStyle
		}
		line := fmt.Sprintf("%4d  %-24s %s", i, r.Address, style.Render(string(r.Status)))
		if i == m.selectedRow {
			line = selectedStyle.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	if len(runs) > end {
		b.WriteString(dimmedStyle.Render(fmt.Sprintf("… %d more", len(runs)-end)))
	}
	return strings.TrimRight(b.String(), "\n")
}

func (m Model) renderMetrics() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Completed: %d  Failed: %d  In flight: %d",
		m.metrics.TotalCompleted, m.metrics.TotalFailed, m.metrics.InFlight)
	if m.metrics.AvgDuration > 0 {
		fmt.Fprintf(&b, "  Avg: %s", m.metrics.AvgDuration.Round(100 * time.Millisecond))
	}
	if len(m.stuck) > 0 {
		b.WriteString("\n")
		b.WriteString(warningStyle.Render("Stuck: " + strings.Join(m.stuck, ", ")))
	}
	return b.String()
}

func (m Model) renderStatusBar() string {
	refreshed := "never"
	if !m.lastRefresh.IsZero() {
		refreshed = humanize.Time(m.lastRefresh)
	}
	bar := fmt.Sprintf(" [tab] switch  [f] filter  [j/k] move  [r] refresh  [q] quit │ refreshed %s", refreshed)
	return statusBarStyle.Width(m.width).Render(bar)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
