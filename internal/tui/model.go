// Package tui is the live run monitor and the interactive settings form.
package tui

import (
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/ruleflow/internal/config"
	"github.com/aristath/ruleflow/internal/events"
)

// PaneID identifies which pane is focused.
type PaneID int

const (
	PaneJobs PaneID = iota
	PaneDAG
	paneCount
)

// Model is the root Bubble Tea model for the run monitor.
type Model struct {
	jobsPane     JobsPaneModel
	dagPane      DAGPaneModel
	settingsPane SettingsPaneModel
	focusedPane  PaneID
	eventSub     <-chan events.Event
	width        int
	height       int
	quitting     bool
	finished     bool
	showSettings bool
}

// New creates a new monitor model subscribed to every event on bus.
func New(eventBus *events.EventBus, cfg *config.EngineConfig, globalPath, projectPath string) Model {
	return Model{
		jobsPane:     NewJobsPaneModel(),
		dagPane:      NewDAGPaneModel(),
		settingsPane: NewSettingsPaneModel(cfg, globalPath, projectPath),
		focusedPane:  PaneJobs,
		eventSub:     eventBus.SubscribeAll(1024),
	}
}

// Init initializes the model and returns the initial command.
func (m Model) Init() tea.Cmd {
	return waitForEvent(m.eventSub)
}

// busClosedMsg is delivered once the event bus has been closed.
type busClosedMsg struct{}

// waitForEvent returns a command that waits for the next event from the event bus.
func waitForEvent(sub <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		event, ok := <-sub
		if !ok {
			return busClosedMsg{}
		}
		return event
	}
}

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		// The settings form is modal.
		if m.showSettings {
			if msg.String() == "esc" {
				m.showSettings = false
				m.settingsPane.SetVisible(false)
				return m, nil
			}
			var cmd tea.Cmd
			m.settingsPane, cmd = m.settingsPane.Update(msg)
			if !m.settingsPane.IsVisible() {
				m.showSettings = false
			}
			return m, cmd
		}

		switch {
		case key.Matches(msg, keys.Quit, keys.ForceQuit):
			m.quitting = true
			return m, tea.Quit

		case key.Matches(msg, keys.Settings):
			m.showSettings = true
			m.settingsPane.SetVisible(true)
			cmds = append(cmds, m.settingsPane.Init())

		case key.Matches(msg, keys.Focus):
			m.focusedPane = (m.focusedPane + 1) % paneCount
			m.updateFocusStates()

		case key.Matches(msg, keys.Pane1):
			m.focusedPane = PaneJobs
			m.updateFocusStates()

		case key.Matches(msg, keys.Pane2):
			m.focusedPane = PaneDAG
			m.updateFocusStates()

		default:
			if m.focusedPane == PaneJobs {
				var cmd tea.Cmd
				m.jobsPane, cmd = m.jobsPane.Update(msg)
				cmds = append(cmds, cmd)
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.computeLayout()
		m.settingsPane.SetSize(msg.Width, msg.Height)

	case events.JobStartedEvent, events.JobOutputEvent, events.JobSucceededEvent,
		events.JobFailedEvent, events.JobSkippedEvent:
		var cmd tea.Cmd
		m.jobsPane, cmd = m.jobsPane.Update(msg)
		cmds = append(cmds, cmd, waitForEvent(m.eventSub))

	case events.DAGProgressEvent:
		m.dagPane, _ = m.dagPane.Update(msg)
		cmds = append(cmds, waitForEvent(m.eventSub))

	case events.RunFinishedEvent:
		m.finished = true
		m.dagPane, _ = m.dagPane.Update(msg)
		cmds = append(cmds, waitForEvent(m.eventSub))

	case busClosedMsg:
		m.finished = true

	case tickMsg:
		var cmd tea.Cmd
		m.jobsPane, cmd = m.jobsPane.Update(msg)
		cmds = append(cmds, cmd)

	default:
		// Forward anything else (cursor blinks and the like) to the form.
		if m.showSettings {
			var cmd tea.Cmd
			m.settingsPane, cmd = m.settingsPane.Update(msg)
			cmds = append(cmds, cmd)
		}
	}

	return m, tea.Batch(cmds...)
}

// Finished reports whether the run has ended.
func (m Model) Finished() bool {
	return m.finished
}

// Jobs returns the jobs pane, for inspection.
func (m Model) Jobs() JobsPaneModel {
	return m.jobsPane
}

// View renders the TUI.
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}
	if m.showSettings {
		return m.settingsPane.View()
	}

	mainContent := lipgloss.JoinHorizontal(lipgloss.Top, m.jobsPane.View(), m.dagPane.View())
	return lipgloss.JoinVertical(lipgloss.Left, mainContent, HelpView(m.finished))
}

// computeLayout calculates pane dimensions and updates all child models.
func (m *Model) computeLayout() {
	rightWidth := max(30, (m.width*30)/100)
	leftWidth := m.width - rightWidth
	availableHeight := m.height - 1 // help bar

	m.jobsPane.SetSize(leftWidth, availableHeight)
	m.dagPane.SetSize(rightWidth, availableHeight)
	m.updateFocusStates()
}

// updateFocusStates updates the focus state of all panes.
func (m *Model) updateFocusStates() {
	m.jobsPane.SetFocused(m.focusedPane == PaneJobs)
	m.dagPane.SetFocused(m.focusedPane == PaneDAG)
}
