package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/aristath/ruleflow/internal/events"
)

// Job display states.
const (
	StateRunning   = "running"
	StateSucceeded = "succeeded"
	StateFailed    = "failed"
	StateSkipped   = "skipped"
)

// maxOutputLines bounds the output kept per job.
const maxOutputLines = 2000

// JobState is what the monitor knows about one job.
type JobState struct {
	ID        string
	Rule      string
	Status    string
	Reason    string // skip reason
	Output    []string
	StartTime time.Time
	Duration  time.Duration
}

// JobsPaneModel shows the job list and the selected job's output.
type JobsPaneModel struct {
	jobs        map[string]*JobState
	order       []string // first-seen order
	selectedIdx int
	viewport    viewport.Model
	width       int
	height      int
	focused     bool
	updateTag   int // for debouncing
}

// NewJobsPaneModel creates a new jobs pane.
func NewJobsPaneModel() JobsPaneModel {
	return JobsPaneModel{
		jobs:     make(map[string]*JobState),
		viewport: viewport.New(0, 0),
	}
}

// tickMsg is used for debouncing viewport updates.
type tickMsg struct {
	tag int
}

// Update handles messages for the jobs pane.
func (m JobsPaneModel) Update(msg tea.Msg) (JobsPaneModel, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if !m.focused {
			break
		}
		switch {
		case key.Matches(msg, keys.Down):
			if m.selectedIdx < len(m.order)-1 {
				m.selectedIdx++
				m.updateViewportContent()
			}
		case key.Matches(msg, keys.Up):
			if m.selectedIdx > 0 {
				m.selectedIdx--
				m.updateViewportContent()
			}
		case key.Matches(msg, keys.NextFailed):
			m.selectNextFailed()
		default:
			m.viewport, cmd = m.viewport.Update(msg)
		}

	case events.JobStartedEvent:
		job := m.ensure(msg.ID, msg.Rule)
		job.Status = StateRunning
		job.StartTime = msg.Timestamp
		job.Output = append(job.Output, fmt.Sprintf("[started on %s]", msg.Executor))
		m.refreshIfSelected(msg.ID)

	case events.JobOutputEvent:
		job, ok := m.jobs[msg.ID]
		if !ok {
			break
		}
		job.Output = append(job.Output, msg.Line)
		if len(job.Output) > maxOutputLines {
			job.Output = job.Output[len(job.Output)-maxOutputLines:]
		}
		if m.selectedID() == msg.ID {
			m.updateTag++
			tag := m.updateTag
			return m, tea.Tick(50*time.Millisecond, func(time.Time) tea.Msg {
				return tickMsg{tag: tag}
			})
		}

	case events.JobSucceededEvent:
		job := m.ensure(msg.ID, msg.Rule)
		job.Status = StateSucceeded
		job.Duration = msg.Duration
		job.Output = append(job.Output, fmt.Sprintf("[succeeded in %s]", msg.Duration.Round(time.Millisecond)))
		m.refreshIfSelected(msg.ID)

	case events.JobFailedEvent:
		job := m.ensure(msg.ID, msg.Rule)
		job.Status = StateFailed
		job.Duration = msg.Duration
		job.Output = append(job.Output, fmt.Sprintf("[failed: %v]", msg.Err))
		m.refreshIfSelected(msg.ID)

	case events.JobSkippedEvent:
		job := m.ensure(msg.ID, msg.Rule)
		job.Status = StateSkipped
		job.Reason = msg.Reason
		job.Output = append(job.Output, "[skipped: "+msg.Reason+"]")
		m.refreshIfSelected(msg.ID)

	case tickMsg:
		if msg.tag == m.updateTag {
			m.updateViewportContent()
		}
	}

	return m, cmd
}

func (m *JobsPaneModel) ensure(id, rule string) *JobState {
	job, ok := m.jobs[id]
	if !ok {
		job = &JobState{ID: id, Rule: rule}
		m.jobs[id] = job
		m.order = append(m.order, id)
		if len(m.order) == 1 {
			m.selectedIdx = 0
			m.updateViewportContent()
		}
	}
	return job
}

func (m *JobsPaneModel) refreshIfSelected(id string) {
	if m.selectedID() == id {
		m.updateViewportContent()
	}
}

// selectNextFailed moves the selection to the next failed job, wrapping.
func (m *JobsPaneModel) selectNextFailed() {
	n := len(m.order)
	for i := 1; i <= n; i++ {
		idx := (m.selectedIdx + i) % n
		if m.jobs[m.order[idx]].Status == StateFailed {
			m.selectedIdx = idx
			m.updateViewportContent()
			return
		}
	}
}

// Job returns the state of a job seen by the pane.
func (m JobsPaneModel) Job(id string) (JobState, bool) {
	job, ok := m.jobs[id]
	if !ok {
		return JobState{}, false
	}
	return *job, true
}

// View renders the jobs pane.
func (m JobsPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	listWidth := m.listWidth()
	viewportWidth := m.width - listWidth - 4

	content := lipgloss.JoinHorizontal(
		lipgloss.Top,
		m.renderJobList(listWidth),
		lipgloss.NewStyle().
			Width(viewportWidth).
			Height(m.height-2).
			Render(m.viewport.View()),
	)

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}
	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(content)
}

func (m JobsPaneModel) listWidth() int {
	return max(24, min(40, m.width/3))
}

func (m JobsPaneModel) renderJobList(width int) string {
	var b strings.Builder

	title := StyleTitle.Render("Jobs")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", min(width, lipgloss.Width(title))))
	b.WriteString("\n\n")

	if len(m.order) == 0 {
		b.WriteString(StyleStatusPending.Render("Waiting..."))
	}

	// Keep the selection visible when the list is taller than the pane.
	visible := max(1, m.height-6)
	start := 0
	if m.selectedIdx >= visible {
		start = m.selectedIdx - visible + 1
	}
	for i := start; i < len(m.order) && i < start+visible; i++ {
		job := m.jobs[m.order[i]]
		name := job.ID
		if len(name) > width-4 {
			name = name[:width-7] + "..."
		}
		line := fmt.Sprintf("%s %s", StatusIcon(job.Status), name)
		if i == m.selectedIdx {
			line = StyleSelected.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	return lipgloss.NewStyle().
		Width(width).
		Height(m.height - 2).
		Render(b.String())
}

func (m JobsPaneModel) selectedID() string {
	if m.selectedIdx >= 0 && m.selectedIdx < len(m.order) {
		return m.order[m.selectedIdx]
	}
	return ""
}

func (m *JobsPaneModel) updateViewportContent() {
	job, ok := m.jobs[m.selectedID()]
	if !ok {
		m.viewport.SetContent("Waiting for jobs...")
		return
	}

	header := fmt.Sprintf("%s  rule=%s  status=%s", job.ID, job.Rule, job.Status)
	if !job.StartTime.IsZero() {
		header += "  started " + humanize.Time(job.StartTime)
	}
	m.viewport.SetContent(StyleTitle.Render(header) + "\n\n" + strings.Join(job.Output, "\n"))
	m.viewport.GotoBottom()
}

func (m *JobsPaneModel) resizeViewport() {
	m.viewport.Width = max(10, m.width-m.listWidth()-4)
	m.viewport.Height = max(5, m.height-4)
}

// SetSize updates the pane dimensions.
func (m *JobsPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.resizeViewport()
}

// SetFocused updates the focus state.
func (m *JobsPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
