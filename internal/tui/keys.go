package tui

import (
	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
)

// keyMap lists the monitor's bindings.
type keyMap struct {
	Focus      key.Binding
	Pane1      key.Binding
	Pane2      key.Binding
	Up         key.Binding
	Down       key.Binding
	NextFailed key.Binding
	Settings   key.Binding
	Quit       key.Binding
	ForceQuit  key.Binding
}

var keys = keyMap{
	Focus:      key.NewBinding(key.WithKeys("tab", "shift+tab"), key.WithHelp("tab", "cycle focus")),
	Pane1:      key.NewBinding(key.WithKeys("1"), key.WithHelp("1/2", "jump to pane")),
	Pane2:      key.NewBinding(key.WithKeys("2")),
	Up:         key.NewBinding(key.WithKeys("k", "up"), key.WithHelp("j/k", "select job")),
	Down:       key.NewBinding(key.WithKeys("j", "down")),
	NextFailed: key.NewBinding(key.WithKeys("f"), key.WithHelp("f", "next failed")),
	Settings:   key.NewBinding(key.WithKeys("s"), key.WithHelp("s", "settings")),
	Quit:       key.NewBinding(key.WithKeys("q"), key.WithHelp("q", "quit")),
	ForceQuit:  key.NewBinding(key.WithKeys("ctrl+c")),
}

// ShortHelp implements help.KeyMap.
func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Focus, k.Pane1, k.Up, k.NextFailed, k.Settings, k.Quit}
}

// FullHelp implements help.KeyMap.
func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{k.ShortHelp()}
}

// HelpView returns the one-line help bar. Until the run finishes, quitting
// also cancels it.
func HelpView(finished bool) string {
	km := keys
	if !finished {
		km.Quit = key.NewBinding(key.WithKeys("q"), key.WithHelp("q", "cancel run and quit"))
	}
	h := help.New()
	h.ShortSeparator = " | "
	return StyleHelp.Render(h.View(km))
}
