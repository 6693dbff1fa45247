package tui

import (
	"fmt"
	"sort"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/taskmesh/internal/events"
)

// AgentRow is one agent in the pool view.
type AgentRow struct {
	ID       string
	Status   string
	Active   int // Executions currently running on the agent
	Finished int
	Failed   int
}

// AgentPaneModel shows the agent pool and what each agent is doing.
type AgentPaneModel struct {
	agents  map[string]*AgentRow
	running map[string]string // execution ID -> agent ID
	width   int
	height  int
	focused bool
}

// NewAgentPaneModel creates an empty pool pane.
func NewAgentPaneModel() AgentPaneModel {
	return AgentPaneModel{
		agents:  make(map[string]*AgentRow),
		running: make(map[string]string),
	}
}

func (m AgentPaneModel) row(id string) *AgentRow {
	r, ok := m.agents[id]
	if !ok {
		r = &AgentRow{ID: id, Status: "idle"}
		m.agents[id] = r
	}
	return r
}

// finish moves an execution off its agent.
func (m AgentPaneModel) finish(execID string, failed bool) {
	id, ok := m.running[execID]
	if !ok {
		return
	}
	delete(m.running, execID)
	r := m.row(id)
	r.Active = max(r.Active-1, 0)
	if failed {
		r.Failed++
	} else {
		r.Finished++
	}
}

// Update handles messages for the pool pane.
func (m AgentPaneModel) Update(msg tea.Msg) (AgentPaneModel, tea.Cmd) {
	switch msg := msg.(type) {
	case events.AgentStatusEvent:
		m.row(msg.AgentID).Status = msg.Status

	case events.ExecutionStartedEvent:
		// A retry may land on a different agent
		if prev, ok := m.running[msg.ExecutionID]; ok {
			r := m.row(prev)
			r.Active = max(r.Active-1, 0)
		}
		m.running[msg.ExecutionID] = msg.AgentID
		m.row(msg.AgentID).Active++

	case events.ExecutionCompletedEvent:
		m.finish(msg.ExecutionID, false)

	case events.ExecutionFailedEvent:
		m.finish(msg.ExecutionID, true)

	case events.ExecutionCancelledEvent:
		if id, ok := m.running[msg.ExecutionID]; ok {
			delete(m.running, msg.ExecutionID)
			r := m.row(id)
			r.Active = max(r.Active-1, 0)
		}
	}
	return m, nil
}

// Rows returns the agents sorted by ID.
func (m AgentPaneModel) Rows() []AgentRow {
	out := make([]AgentRow, 0, len(m.agents))
	for _, r := range m.agents {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// View renders the pool pane.
func (m AgentPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	var b strings.Builder
	title := StyleTitle.Render("Agents")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", lipgloss.Width(title)))
	b.WriteString("\n\n")

	rows := m.Rows()
	if len(rows) == 0 {
		b.WriteString(StyleStatusPending.Render("No agents registered"))
	}
	for _, r := range rows {
		b.WriteString(fmt.Sprintf("%s %-16s %-8s active %d  done %d  failed %d\n",
			StatusIcon(r.Status), r.ID, r.Status, r.Active, r.Finished, r.Failed))
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
func (m *AgentPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
}

// SetFocused updates the focus state.
func (m *AgentPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
