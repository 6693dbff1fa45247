package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/taskmesh/internal/events"
)

// ExecutionState is what the dashboard knows about one execution.
type ExecutionState struct {
	ExecutionID string
	TaskID      string
	Title       string
	AgentID     string
	Status      string // "running", "retrying", "completed", "failed", "cancelled"
	Attempt     int
	Progress    int
	Output      []string
	StartTime   time.Time
	Duration    time.Duration
}

// ExecutionPaneModel is the execution list plus a scrollable log of the selected one.
type ExecutionPaneModel struct {
	execs       map[string]*ExecutionState // execution ID -> state
	order       []string                   // insertion order for display
	selectedIdx int
	viewport    viewport.Model
	width       int
	height      int
	focused     bool
	updateTag   int // for debouncing
}

// NewExecutionPaneModel creates an empty execution pane.
func NewExecutionPaneModel() ExecutionPaneModel {
	return ExecutionPaneModel{
		execs:    make(map[string]*ExecutionState),
		viewport: viewport.New(0, 0),
	}
}

// tickMsg is used for debouncing viewport updates.
type tickMsg struct {
	tag int
}

// Update handles messages for the execution pane.
func (m ExecutionPaneModel) Update(msg tea.Msg) (ExecutionPaneModel, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if !m.focused {
			break
		}
		switch msg.String() {
		case KeyJ, KeyDown:
			if m.selectedIdx < len(m.order)-1 {
				m.selectedIdx++
				m.updateViewportContent()
			}
		case KeyK, KeyUp:
			if m.selectedIdx > 0 {
				m.selectedIdx--
				m.updateViewportContent()
			}
		default:
			m.viewport, cmd = m.viewport.Update(msg)
		}

	case events.ExecutionStartedEvent:
		e, exists := m.execs[msg.ExecutionID]
		if !exists {
			e = &ExecutionState{ExecutionID: msg.ExecutionID, TaskID: msg.Task, Title: msg.Title, Progress: -1}
			m.execs[msg.ExecutionID] = e
			m.order = append(m.order, msg.ExecutionID)
		}
		e.AgentID = msg.AgentID
		e.Attempt = msg.Attempt
		e.Status = "running"
		e.StartTime = msg.Timestamp
		e.Output = append(e.Output, fmt.Sprintf("[attempt %d on %s]", msg.Attempt, msg.AgentID))
		return m, m.touch(msg.ExecutionID)

	case events.ExecutionProgressEvent:
		if e, ok := m.execs[msg.ExecutionID]; ok {
			if msg.Percent >= 0 {
				e.Progress = msg.Percent
			}
			line := msg.Message
			if msg.Percent >= 0 {
				line = fmt.Sprintf("%3d%% %s", msg.Percent, msg.Message)
			}
			e.Output = append(e.Output, line)
			return m, m.touch(msg.ExecutionID)
		}

	case events.ExecutionRetryingEvent:
		if e, ok := m.execs[msg.ExecutionID]; ok {
			e.Status = "retrying"
			e.Output = append(e.Output, fmt.Sprintf("[retry %d in %v]", msg.RetryCount, msg.Delay))
			return m, m.touch(msg.ExecutionID)
		}

	case events.ExecutionCompletedEvent:
		if e, ok := m.execs[msg.ExecutionID]; ok {
			e.Status = "completed"
			e.Progress = 100
			e.Duration = msg.Duration
			if msg.Output != "" {
				e.Output = append(e.Output, msg.Output)
			}
			e.Output = append(e.Output, fmt.Sprintf("\n[Completed in %v]", msg.Duration))
			return m, m.touch(msg.ExecutionID)
		}

	case events.ExecutionFailedEvent:
		if e, ok := m.execs[msg.ExecutionID]; ok {
			e.Status = "failed"
			e.Duration = msg.Duration
			e.Output = append(e.Output, fmt.Sprintf("\n[Failed: %s]", msg.Err))
			return m, m.touch(msg.ExecutionID)
		}

	case events.ExecutionCancelledEvent:
		if e, ok := m.execs[msg.ExecutionID]; ok {
			e.Status = "cancelled"
			e.Output = append(e.Output, "\n[Cancelled]")
			return m, m.touch(msg.ExecutionID)
		}

	case tickMsg:
		// Only the latest tick refreshes
		if msg.tag == m.updateTag {
			m.updateViewportContent()
		}
	}

	return m, cmd
}

// touch schedules a debounced refresh when id is the selected execution.
func (m *ExecutionPaneModel) touch(id string) tea.Cmd {
	if len(m.order) == 1 {
		m.selectedIdx = 0
	}
	if m.selectedID() != id {
		return nil
	}
	m.updateTag++
	tag := m.updateTag
	return tea.Tick(50*time.Millisecond, func(time.Time) tea.Msg {
		return tickMsg{tag: tag}
	})
}

// View renders the execution pane.
func (m ExecutionPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	listWidth := 28
	viewportWidth := m.width - listWidth - 4

	content := lipgloss.JoinHorizontal(
		lipgloss.Top,
		m.renderList(listWidth),
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

func (m ExecutionPaneModel) renderList(width int) string {
	var b strings.Builder

	title := StyleTitle.Render("Executions")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", min(width, lipgloss.Width(title))))
	b.WriteString("\n\n")

	if len(m.order) == 0 {
		b.WriteString(StyleStatusPending.Render("Waiting..."))
	}
	for i, id := range m.order {
		e := m.execs[id]
		name := e.TaskID
		if e.Title != "" {
			name += " " + e.Title
		}
		if e.Status == "running" && e.Progress >= 0 {
			name = fmt.Sprintf("%s %d%%", name, e.Progress)
		}
		if len(name) > width-4 {
			name = name[:width-7] + "..."
		}

		line := fmt.Sprintf("%s %s", StatusIcon(e.Status), name)
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

// StatusIcon returns a styled status indicator.
func StatusIcon(status string) string {
	switch status {
	case "running", "busy":
		return StyleStatusRunning.Render("●")
	case "retrying":
		return StyleStatusRunning.Render("↻")
	case "completed", "idle":
		return StyleStatusComplete.Render("✓")
	case "failed", "offline":
		return StyleStatusFailed.Render("✗")
	default:
		return StyleStatusPending.Render("○")
	}
}

func (m ExecutionPaneModel) selectedID() string {
	if m.selectedIdx >= 0 && m.selectedIdx < len(m.order) {
		return m.order[m.selectedIdx]
	}
	return ""
}

// Selected returns the selected execution, if any.
func (m ExecutionPaneModel) Selected() (ExecutionState, bool) {
	e, ok := m.execs[m.selectedID()]
	if !ok {
		return ExecutionState{}, false
	}
	return *e, true
}

func (m *ExecutionPaneModel) updateViewportContent() {
	e, ok := m.execs[m.selectedID()]
	if !ok {
		m.viewport.SetContent("Waiting for tasks...")
		return
	}
	m.viewport.SetContent(strings.Join(e.Output, "\n"))
	m.viewport.GotoBottom()
}

func (m *ExecutionPaneModel) resizeViewport() {
	m.viewport.Width = max(m.width-28-4, 10)
	m.viewport.Height = max(m.height-4, 5)
}

// SetSize updates the pane dimensions.
func (m *ExecutionPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.resizeViewport()
}

// SetFocused updates the focus state.
func (m *ExecutionPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
