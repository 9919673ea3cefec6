package tui

import (
	"fmt"
	"sort"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/swarmlet/coordinator/internal/events"
)

// maxIncidents bounds the incident feed kept in memory.
const maxIncidents = 50

// ResourcePaneModel shows current resource holders and a feed of conflict,
// deadlock and circuit breaker incidents.
type ResourcePaneModel struct {
	holders   map[string]string // resourceID -> agentID
	incidents []string          // newest last
	width     int
	height    int
	focused   bool
}

// NewResourcePaneModel creates a new resource pane model.
func NewResourcePaneModel() ResourcePaneModel {
	return ResourcePaneModel{holders: make(map[string]string)}
}

// Update handles messages for the resource pane.
func (m ResourcePaneModel) Update(msg tea.Msg) (ResourcePaneModel, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case events.ResourceAcquiredEvent:
		m.holders[msg.ResourceID] = msg.AgentID

	case events.ResourceReleasedEvent:
		delete(m.holders, msg.ResourceID)

	case events.ConflictDetectedEvent:
		m.addIncident(StyleAlert.Render("conflict") +
			fmt.Sprintf(" %s among [%s]", msg.SubjectID, strings.Join(msg.Agents, ", ")))

	case events.ConflictResolvedEvent:
		m.addIncident(StyleStatusComplete.Render("resolved") +
			fmt.Sprintf(" winner %s (%s)", msg.Winner, msg.Strategy))

	case events.DeadlockDetectedEvent:
		m.addIncident(StyleStatusFailed.Render("deadlock") +
			fmt.Sprintf(" [%s] victim %s", strings.Join(msg.Agents, ", "), msg.Victim))

	case events.CircuitOpenedEvent:
		m.addIncident(StyleStatusFailed.Render("breaker open") +
			fmt.Sprintf(" %s after %d failures", msg.Name, msg.Failures))

	case events.CircuitClosedEvent:
		m.addIncident(StyleStatusComplete.Render("breaker closed") + " " + msg.Name)
	}

	return m, nil
}

func (m *ResourcePaneModel) addIncident(line string) {
	m.incidents = append(m.incidents, line)
	if len(m.incidents) > maxIncidents {
		m.incidents = m.incidents[len(m.incidents)-maxIncidents:]
	}
}

// View renders the resource pane.
func (m ResourcePaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	var b strings.Builder

	title := StyleTitle.Render("Resources & Incidents")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", lipgloss.Width(title)))
	b.WriteString("\n\n")

	if len(m.holders) == 0 {
		b.WriteString(StyleStatusPending.Render("No resources held"))
		b.WriteString("\n")
	} else {
		for _, id := range sortedKeys(m.holders) {
			b.WriteString(fmt.Sprintf("%s %s -> %s\n",
				StyleStatusRunning.Render("●"), id, m.holders[id]))
		}
	}

	b.WriteString("\n")
	// Show the most recent incidents that fit.
	visible := m.height - len(m.holders) - 8
	if visible < 1 {
		visible = 1
	}
	start := len(m.incidents) - visible
	if start < 0 {
		start = 0
	}
	for _, line := range m.incidents[start:] {
		b.WriteString(line)
		b.WriteString("\n")
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

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// SetSize updates the pane dimensions.
func (m *ResourcePaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
}

// SetFocused updates the focus state.
func (m *ResourcePaneModel) SetFocused(focused bool) {
	m.focused = focused
}
