package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/swarmlet/coordinator/internal/events"
)

// taskState tracks one task's lifecycle for display.
type taskState struct {
	TaskID   string
	TaskType string
	AgentID  string
	Status   string // "running", "completed", "failed", "cancelled"
	Log      []string
	Started  time.Time
	Duration time.Duration
}

// TaskPaneModel shows the task list and a per-task event log viewport.
type TaskPaneModel struct {
	tasks       map[string]*taskState // taskID -> state
	taskOrder   []string              // insertion order for display
	selectedIdx int
	viewport    viewport.Model
	width       int
	height      int
	focused     bool
}

// NewTaskPaneModel creates a new task pane model.
func NewTaskPaneModel() TaskPaneModel {
	vp := viewport.New(0, 0)
	return TaskPaneModel{
		tasks:    make(map[string]*taskState),
		viewport: vp,
	}
}

// Update handles messages for the task pane.
func (m TaskPaneModel) Update(msg tea.Msg) (TaskPaneModel, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resizeViewport()

	case tea.KeyMsg:
		if !m.focused {
			break
		}
		switch msg.String() {
		case KeyJ, KeyDown:
			if m.selectedIdx < len(m.taskOrder)-1 {
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

	case events.TaskAssignedEvent:
		t, exists := m.tasks[msg.TaskID]
		if !exists {
			t = &taskState{
				TaskID:   msg.TaskID,
				TaskType: msg.TaskType,
				Started:  msg.Timestamp,
			}
			m.tasks[msg.TaskID] = t
			m.taskOrder = append(m.taskOrder, msg.TaskID)
			if len(m.taskOrder) == 1 {
				m.selectedIdx = 0
			}
		}
		t.Status = "running"
		t.AgentID = msg.AgentID
		t.Log = append(t.Log, fmt.Sprintf("assigned to %s", msg.AgentID))
		m.refreshIfSelected(msg.TaskID)

	case events.WorkStolenEvent:
		if t, exists := m.tasks[msg.TaskID]; exists {
			t.AgentID = msg.ToAgent
			t.Log = append(t.Log, fmt.Sprintf("stolen %s -> %s", msg.FromAgent, msg.ToAgent))
			m.refreshIfSelected(msg.TaskID)
		}

	case events.TaskCompletedEvent:
		if t, exists := m.tasks[msg.TaskID]; exists {
			t.Status = "completed"
			t.Duration = msg.Duration
			t.Log = append(t.Log, fmt.Sprintf("completed in %v", msg.Duration))
			m.refreshIfSelected(msg.TaskID)
		}

	case events.TaskFailedEvent:
		if t, exists := m.tasks[msg.TaskID]; exists {
			t.Status = "failed"
			t.Log = append(t.Log, fmt.Sprintf("failed after %d attempts: %v", msg.Attempts, msg.Err))
			m.refreshIfSelected(msg.TaskID)
		}

	case events.TaskCancelledEvent:
		if t, exists := m.tasks[msg.TaskID]; exists {
			t.Status = "cancelled"
			t.Log = append(t.Log, fmt.Sprintf("cancelled: %s", msg.Reason))
			m.refreshIfSelected(msg.TaskID)
		}
	}

	return m, cmd
}

// View renders the task pane.
func (m TaskPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	listWidth := 25
	viewportWidth := m.width - listWidth - 4

	content := lipgloss.JoinHorizontal(
		lipgloss.Top,
		m.renderTaskList(listWidth),
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

// renderTaskList renders the task list column.
func (m TaskPaneModel) renderTaskList(width int) string {
	var b strings.Builder

	title := StyleTitle.Render("Tasks")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", min(width, lipgloss.Width(title))))
	b.WriteString("\n\n")

	if len(m.taskOrder) == 0 {
		b.WriteString(StyleStatusPending.Render("Waiting..."))
	} else {
		for i, taskID := range m.taskOrder {
			t := m.tasks[taskID]
			icon := statusIcon(t.Status)
			name := taskID
			if len(name) > width-6 {
				name = name[:width-9] + "..."
			}

			line := fmt.Sprintf("%s %s", icon, name)
			if i == m.selectedIdx {
				line = lipgloss.NewStyle().
					Background(lipgloss.Color("62")).
					Foreground(lipgloss.Color("0")).
					Render(line)
			}
			b.WriteString(line)
			b.WriteString("\n")
		}
	}

	return lipgloss.NewStyle().
		Width(width).
		Height(m.height - 2).
		Render(b.String())
}

// statusIcon returns a styled status indicator.
func statusIcon(status string) string {
	switch status {
	case "running":
		return StyleStatusRunning.Render("●")
	case "completed":
		return StyleStatusComplete.Render("✓")
	case "failed":
		return StyleStatusFailed.Render("✗")
	case "cancelled":
		return StyleAlert.Render("⊘")
	default:
		return StyleStatusPending.Render("○")
	}
}

func (m TaskPaneModel) selectedTaskID() string {
	if m.selectedIdx >= 0 && m.selectedIdx < len(m.taskOrder) {
		return m.taskOrder[m.selectedIdx]
	}
	return ""
}

func (m *TaskPaneModel) refreshIfSelected(taskID string) {
	if m.selectedTaskID() == taskID {
		m.updateViewportContent()
	}
}

// updateViewportContent shows the selected task's event log.
func (m *TaskPaneModel) updateViewportContent() {
	taskID := m.selectedTaskID()
	t, exists := m.tasks[taskID]
	if taskID == "" || !exists {
		m.viewport.SetContent("Waiting for tasks...")
		return
	}

	header := fmt.Sprintf("%s (%s) on %s\n\n", t.TaskID, t.TaskType, t.AgentID)
	m.viewport.SetContent(header + strings.Join(t.Log, "\n"))
	m.viewport.GotoBottom()
}

func (m *TaskPaneModel) resizeViewport() {
	listWidth := 25
	viewportWidth := m.width - listWidth - 4
	viewportHeight := m.height - 4

	if viewportWidth < 10 {
		viewportWidth = 10
	}
	if viewportHeight < 5 {
		viewportHeight = 5
	}
	m.viewport.Width = viewportWidth
	m.viewport.Height = viewportHeight
}

// SetSize updates the pane dimensions.
func (m *TaskPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.resizeViewport()
}

// SetFocused updates the focus state.
func (m *TaskPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
