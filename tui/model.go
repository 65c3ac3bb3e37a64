package tui

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/hochfrequenz/experiment-orchestrator/internal/domain"
	"github.com/hochfrequenz/experiment-orchestrator/internal/observer"
)

// Source is the experiment view the dashboard polls
type Source interface {
	ID() string
	Status() string
	RunList() []domain.ListEntry
}

// Filter selects which runs the Runs tab shows
type Filter int

const (
	FilterAll Filter = iota
	FilterPending
	FilterComplete
	FilterFail
)

func (f Filter) String() string {
	switch f {
	case FilterPending:
		return "pending"
	case FilterComplete:
		return "complete"
	case FilterFail:
		return "failed"
	default:
		return "all"
	}
}

func (f Filter) match(status domain.RunStatus) bool {
	switch f {
	case FilterPending:
		return status.Pending()
	case FilterComplete:
		return status == domain.RunComplete
	case FilterFail:
		return status == domain.RunFail
	default:
		return true
	}
}

// Model is the TUI application model
type Model struct {
	source   Source
	observer *observer.Observer
	interval time.Duration

	// Data
	runs    []domain.ListEntry
	status  string
	metrics observer.Metrics
	stuck   []string

	// UI state
	width       int
	height      int
	activeTab   int
	selectedRow int
	scroll      int
	filter      Filter

	// Refresh
	lastRefresh time.Time
}

// ModelConfig holds the collaborators of the TUI model
type ModelConfig struct {
	Source   Source
	Observer *observer.Observer // optional
	Interval time.Duration
}

// NewModel creates a new TUI model and takes an initial snapshot
func NewModel(cfg ModelConfig) Model {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Second
	}
	m := Model{
		source:   cfg.Source,
		observer: cfg.Observer,
		interval: interval,
	}
	m.refresh(time.Now())
	return m
}

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return tickCmd(m.interval)
}

// TickMsg triggers a refresh
type TickMsg time.Time

func tickCmd(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

func (m *Model) refresh(now time.Time) {
	m.runs = m.source.RunList()
	m.status = m.source.Status()
	if m.observer != nil {
		m.metrics = m.observer.GetMetrics()
		m.stuck = m.observer.Stuck()
	}
	m.lastRefresh = now
	if visible := len(m.visibleRuns()); m.selectedRow >= visible {
		m.selectedRow = max(visible-1, 0)
	}
}

func (m Model) visibleRuns() []domain.ListEntry {
	if m.activeTab == 1 {
		return m.filtered(FilterFail)
	}
	return m.filtered(m.filter)
}

func (m Model) filtered(f Filter) []domain.ListEntry {
	var out []domain.ListEntry
	for _, r := range m.runs {
		if f.match(r.Status) {
			out = append(out, r)
		}
	}
	return out
}
