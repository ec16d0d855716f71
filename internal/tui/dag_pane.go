package tui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/aristath/ruleflow/internal/events"
)

// DAGPaneModel shows overall run progress.
type DAGPaneModel struct {
	progress events.DAGProgressEvent
	started  time.Time
	finished *events.RunFinishedEvent
	width    int
	height   int
	focused  bool
}

// NewDAGPaneModel creates a new DAG pane model.
func NewDAGPaneModel() DAGPaneModel {
	return DAGPaneModel{started: time.Now()}
}

// Update handles messages for the DAG pane.
func (m DAGPaneModel) Update(msg tea.Msg) (DAGPaneModel, tea.Cmd) {
	switch msg := msg.(type) {
	case events.DAGProgressEvent:
		m.progress = msg
	case events.RunFinishedEvent:
		m.finished = &msg
	}
	return m, nil
}

// Progress returns the last progress event seen.
func (m DAGPaneModel) Progress() events.DAGProgressEvent {
	return m.progress
}

// View renders the DAG pane.
func (m DAGPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}
	p := m.progress

	var b strings.Builder
	title := StyleTitle.Render("Run Progress")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", lipgloss.Width(title)))
	b.WriteString("\n\n")

	fmt.Fprintf(&b, "Total:     %s\n", humanize.Comma(int64(p.Total)))
	fmt.Fprintf(&b, "Succeeded: %s\n", StyleStatusSucceeded.Render(humanize.Comma(int64(p.Succeeded))))
	fmt.Fprintf(&b, "Skipped:   %s\n", StyleStatusSkipped.Render(humanize.Comma(int64(p.Skipped))))
	fmt.Fprintf(&b, "Running:   %s\n", StyleStatusRunning.Render(humanize.Comma(int64(p.Running))))
	fmt.Fprintf(&b, "Failed:    %s\n", StyleStatusFailed.Render(humanize.Comma(int64(p.Failed))))
	fmt.Fprintf(&b, "Pending:   %s\n", StyleStatusPending.Render(humanize.Comma(int64(p.Pending))))
	b.WriteString("\n")

	if p.Total > 0 {
		barWidth := min(m.width-4, 40)
		succeeded := (p.Succeeded + p.Skipped) * barWidth / p.Total
		failed := p.Failed * barWidth / p.Total
		running := p.Running * barWidth / p.Total
		pending := barWidth - succeeded - failed - running

		bar := StyleStatusSucceeded.Render(strings.Repeat("=", max(0, succeeded)))
		bar += StyleStatusFailed.Render(strings.Repeat("!", max(0, failed)))
		bar += StyleStatusRunning.Render(strings.Repeat("-", max(0, running)))
		bar += StyleStatusPending.Render(strings.Repeat(".", max(0, pending)))
		fmt.Fprintf(&b, "[%s]  %d/%d\n\n", bar, p.Done(), p.Total)
	}

	switch {
	case m.finished == nil:
		fmt.Fprintf(&b, "Elapsed %s", time.Since(m.started).Round(time.Second))
	case m.finished.Cancelled:
		b.WriteString(StyleStatusFailed.Render("Run cancelled"))
	case m.finished.OK:
		b.WriteString(StyleStatusSucceeded.Render("Run finished"))
	default:
		b.WriteString(StyleStatusFailed.Render("Run finished with failures"))
	}

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}
	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(b.String())
}

// SetSize updates the pane dimensions.
func (m *DAGPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
}

// SetFocused updates the focus state.
func (m *DAGPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
