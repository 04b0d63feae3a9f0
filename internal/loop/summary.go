package loop

import (
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/lipgloss"
)

var (
	summaryBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			Padding(0, 2)

	summaryTitleStyle = lipgloss.NewStyle().Bold(true)

	summaryGoodStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	summaryWarnStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	summaryBadStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

// PrintSummary writes the end-of-run summary. Every terminal state gets
// one, so an operator never has to read logs to know progress.
func PrintSummary(w io.Writer, o Outcome) {
	var stateStyle lipgloss.Style
	switch o.Terminal {
	case TerminalComplete:
		stateStyle = summaryGoodStyle
	case TerminalMaxIterations, TerminalDependencyBlocked, TerminalRateLimitExhausted, TerminalInterrupted:
		stateStyle = summaryWarnStyle
	default:
		stateStyle = summaryBadStyle
	}

	body := fmt.Sprintf("%s\n\n%s\nTasks completed: %d/%d\nIterations:      %d\nElapsed:         %s",
		summaryTitleStyle.Render("prdloop run finished"),
		stateStyle.Render("State: "+o.Terminal.String()),
		o.Completed, o.Total,
		o.Iterations,
		o.Elapsed.Round(time.Second),
	)
	fmt.Fprintln(w, summaryBoxStyle.Render(body))
}
