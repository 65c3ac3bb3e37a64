package tui

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

const tabCount = 2

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			m.refresh(time.Now())
		case "j", "down":
			if m.selectedRow < len(m.visibleRuns())-1 {
				m.selectedRow++
			}
			if m.selectedRow >= m.scroll+m.pageSize() {
				m.scroll = m.selectedRow - m.pageSize() + 1
			}
		case "k", "up":
			if m.selectedRow > 0 {
				m.selectedRow--
			}
			if m.selectedRow < m.scroll {
				m.scroll = m.selectedRow
			}
		case "tab":
			m.activeTab = (m.activeTab + 1) % tabCount
			m.selectedRow = 0
			m.scroll = 0
		case "f":
			// Cycle the status filter on the runs tab
			m.filter = (m.filter + 1) % (FilterFail + 1)
			m.selectedRow = 0
			m.scroll = 0
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case TickMsg:
		m.refresh(time.Time(msg))
		return m, tickCmd(m.interval)
	}

	return m, nil
}

// pageSize is the number of run rows that fit below the header and tabs
func (m Model) pageSize() int {
	if m.height <= 0 {
		return 20
	}
	return max(m.height-9, 1)
}
