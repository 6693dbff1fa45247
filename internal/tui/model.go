// Package tui is the terminal dashboard for a running schedule. It renders
// coordinator events from the event bus.
package tui

import (
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/taskmesh/internal/events"
)

// PaneID identifies which pane is focused.
type PaneID int

const (
	PaneExecutions PaneID = iota
	PaneAgents
	PaneDAG
)

// CancelFunc cancels an execution by ID and reports whether it was active.
type CancelFunc func(executionID string) bool

// cancelledMsg carries the result of a cancel request.
type cancelledMsg struct {
	executionID string
	ok          bool
}

// Model is the root Bubble Tea model for the TUI.
type Model struct {
	execPane    ExecutionPaneModel
	agentPane   AgentPaneModel
	dagPane     DAGPaneModel
	focusedPane PaneID
	eventSub    <-chan events.Event
	cancel      CancelFunc
	status      string
	width       int
	height      int
	quitting    bool
}

// New creates a new TUI model subscribed to every topic of the bus.
// cancel may be nil, which disables the cancel key.
func New(eventBus *events.EventBus, cancel CancelFunc) Model {
	return Model{
		execPane:    NewExecutionPaneModel(),
		agentPane:   NewAgentPaneModel(),
		dagPane:     NewDAGPaneModel(),
		focusedPane: PaneExecutions,
		eventSub:    eventBus.SubscribeAll(256),
		cancel:      cancel,
	}
}

// Init initializes the model and returns the initial command.
func (m Model) Init() tea.Cmd {
	return waitForEvent(m.eventSub)
}

// waitForEvent returns a command that waits for the next event from the event bus.
func waitForEvent(sub <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		event, ok := <-sub
		if !ok {
			return nil // bus closed
		}
		return event
	}
}

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case KeyQuit, KeyCtrlC:
			m.quitting = true
			return m, tea.Quit

		case KeyTab:
			m.focusedPane = (m.focusedPane + 1) % 3
			m.updateFocusStates()

		case KeyShiftTab:
			m.focusedPane = (m.focusedPane + 2) % 3 // +2 is equivalent to -1 mod 3
			m.updateFocusStates()

		case KeyPane1:
			m.focusedPane = PaneExecutions
			m.updateFocusStates()

		case KeyPane2:
			m.focusedPane = PaneAgents
			m.updateFocusStates()

		case KeyPane3:
			m.focusedPane = PaneDAG
			m.updateFocusStates()

		case KeyCancel:
			if e, ok := m.execPane.Selected(); ok && m.cancel != nil && m.focusedPane == PaneExecutions {
				cancel, id := m.cancel, e.ExecutionID
				cmds = append(cmds, func() tea.Msg {
					return cancelledMsg{executionID: id, ok: cancel(id)}
				})
			}

		default:
			if m.focusedPane == PaneExecutions {
				var cmd tea.Cmd
				m.execPane, cmd = m.execPane.Update(msg)
				cmds = append(cmds, cmd)
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.computeLayout()

	case cancelledMsg:
		if msg.ok {
			m.status = "cancelled " + msg.executionID
		} else {
			m.status = msg.executionID + " is not running"
		}

	case tickMsg:
		var cmd tea.Cmd
		m.execPane, cmd = m.execPane.Update(msg)
		cmds = append(cmds, cmd)

	case events.ExecutionStartedEvent, events.ExecutionCompletedEvent, events.ExecutionFailedEvent, events.ExecutionCancelledEvent:
		var cmd tea.Cmd
		m.execPane, cmd = m.execPane.Update(msg)
		cmds = append(cmds, cmd)
		m.agentPane, _ = m.agentPane.Update(msg)
		cmds = append(cmds, waitForEvent(m.eventSub))

	case events.ExecutionProgressEvent, events.ExecutionRetryingEvent:
		var cmd tea.Cmd
		m.execPane, cmd = m.execPane.Update(msg)
		cmds = append(cmds, cmd)
		cmds = append(cmds, waitForEvent(m.eventSub))

	case events.AgentStatusEvent:
		m.agentPane, _ = m.agentPane.Update(msg)
		cmds = append(cmds, waitForEvent(m.eventSub))

	case events.BatchProgressEvent:
		var cmd tea.Cmd
		m.dagPane, cmd = m.dagPane.Update(msg)
		cmds = append(cmds, cmd)
		cmds = append(cmds, waitForEvent(m.eventSub))
	}

	return m, tea.Batch(cmds...)
}

// View renders the TUI.
func (m Model) View() string {
	if m.quitting {
		return "Goodbye!\n"
	}
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	rightPane := lipgloss.JoinVertical(lipgloss.Left, m.agentPane.View(), m.dagPane.View())
	mainContent := lipgloss.JoinHorizontal(lipgloss.Top, m.execPane.View(), rightPane)

	helpBar := HelpView()
	if m.status != "" {
		helpBar += StyleHelp.Render(" | " + m.status)
	}
	return lipgloss.JoinVertical(lipgloss.Left, mainContent, helpBar)
}

// computeLayout calculates pane dimensions and updates all child models.
func (m *Model) computeLayout() {
	leftWidth := (m.width * 55) / 100
	rightWidth := m.width - leftWidth
	availableHeight := m.height - 1 // reserve 1 line for help bar
	rightTopHeight := (availableHeight * 55) / 100

	m.execPane.SetSize(leftWidth, availableHeight)
	m.agentPane.SetSize(rightWidth, rightTopHeight)
	m.dagPane.SetSize(rightWidth, availableHeight-rightTopHeight)

	m.updateFocusStates()
}

// updateFocusStates updates the focus state of all panes.
func (m *Model) updateFocusStates() {
	m.execPane.SetFocused(m.focusedPane == PaneExecutions)
	m.agentPane.SetFocused(m.focusedPane == PaneAgents)
	m.dagPane.SetFocused(m.focusedPane == PaneDAG)
}
