// Package tui renders a live monitor for a running loop: the current
// iteration with a spinner, a scrollback of finished iterations, and the
// final terminal state. Fed entirely by the event bus; it never touches
// the store or the loop directly.
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"prdloop/internal/events"
)

const maxHistoryLines = 20

var (
	titleStyle   = lipgloss.NewStyle().Bold(true)
	activeStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	failStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	dimStyle     = lipgloss.NewStyle().Faint(true)
)

// Model is the Bubble Tea model for the run monitor.
type Model struct {
	sub      <-chan events.Event
	spin     spinner.Model
	current  string
	history  []string
	terminal string
	done     bool
	quitting bool
}

// New creates a monitor subscribed to every topic on bus.
func New(bus *events.Bus) Model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = activeStyle
	return Model{
		sub:  bus.SubscribeAll(256),
		spin: s,
	}
}

// waitForEvent blocks until the bus delivers the next event.
func waitForEvent(sub <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		event, ok := <-sub
		if !ok {
			return busClosedMsg{}
		}
		return event
	}
}

type busClosedMsg struct{}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spin.Tick, waitForEvent(m.sub))
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		}
		return m, nil

	case busClosedMsg:
		return m, tea.Quit

	case events.IterationStartedEvent:
		m.current = fmt.Sprintf("#%d %s (%s)", msg.Number, msg.ID, pair(msg.Agent, msg.Model))
		return m, waitForEvent(m.sub)

	case events.IterationFinishedEvent:
		m.current = ""
		m.appendHistory(renderFinished(msg))
		return m, waitForEvent(m.sub)

	case events.AgentRotatedEvent:
		m.appendHistory(warnStyle.Render(fmt.Sprintf("   rotated %s -> %s (%s)",
			pair(msg.FromAgent, msg.FromModel), pair(msg.ToAgent, msg.ToModel), msg.Reason)))
		return m, waitForEvent(m.sub)

	case events.RunFinishedEvent:
		m.done = true
		m.terminal = fmt.Sprintf("%s  %d/%d tasks in %s",
			msg.Terminal, msg.Completed, msg.Total, msg.Elapsed.Round(time.Second))
		return m, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m Model) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("prdloop"))
	b.WriteString("\n\n")

	for _, line := range m.history {
		b.WriteString(line)
		b.WriteString("\n")
	}

	switch {
	case m.done:
		b.WriteString("\n")
		b.WriteString(titleStyle.Render(m.terminal))
		b.WriteString("\n")
	case m.current != "":
		b.WriteString(m.spin.View())
		b.WriteString(" ")
		b.WriteString(activeStyle.Render(m.current))
		b.WriteString("\n")
	default:
		b.WriteString(dimStyle.Render("waiting for first iteration"))
		b.WriteString("\n")
	}

	b.WriteString(dimStyle.Render("\nq to quit"))
	return b.String()
}

func (m *Model) appendHistory(line string) {
	m.history = append(m.history, line)
	if len(m.history) > maxHistoryLines {
		m.history = m.history[len(m.history)-maxHistoryLines:]
	}
}

func renderFinished(ev events.IterationFinishedEvent) string {
	mark := successStyle.Render("ok")
	switch ev.Outcome {
	case "failure", "timeout":
		mark = failStyle.Render(ev.Outcome)
	case "rate-limited":
		mark = warnStyle.Render(ev.Outcome)
	}
	return fmt.Sprintf("#%d %s %s (%s, %s)",
		ev.Number, ev.ID, mark, pair(ev.Agent, ev.Model), ev.Duration.Round(time.Second))
}

func pair(agent, model string) string {
	if model == "" {
		return agent
	}
	return agent + "/" + model
}
