package tui

import "strings"

const (
	KeyTab      = "tab"
	KeyShiftTab = "shift+tab"
	KeyQuit     = "q"
	KeyCtrlC    = "ctrl+c"
	KeyPane1    = "1"
	KeyPane2    = "2"
	KeyPane3    = "3"
	KeyUp       = "up"
	KeyDown     = "down"
	KeyJ        = "j"
	KeyK        = "k"
	KeyCancel   = "c"
)

// bindings lists what the help bar shows, in display order.
var bindings = []struct{ keys, action string }{
	{"tab", "next pane"},
	{"1-3", "executions/agents/batches"},
	{"j/k", "select execution"},
	{KeyCancel, "cancel execution"},
	{KeyQuit, "quit"},
}

// HelpView renders the key hints shown under the panes.
func HelpView() string {
	parts := make([]string, 0, len(bindings))
	for _, b := range bindings {
		parts = append(parts, b.keys+" "+b.action)
	}
	return StyleHelp.Render(strings.Join(parts, " · "))
}
