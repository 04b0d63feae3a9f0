package loop

// Terminal identifies why a run stopped. Every terminal state maps to a
// distinct process exit code so calling scripts can react differently to
// "resume later" versus "fix configuration" versus done.
type Terminal string

const (
	TerminalComplete           Terminal = "complete"
	TerminalMaxIterations      Terminal = "max-iterations-reached"
	TerminalDependencyBlocked  Terminal = "dependency-blocked"
	TerminalRateLimitExhausted Terminal = "rate-limit-exhausted"
	TerminalGitDriftFatal      Terminal = "git-drift-fatal"
	TerminalInterrupted        Terminal = "interrupted"
)

// ExitCode returns the process exit code for the terminal state.
func (t Terminal) ExitCode() int {
	switch t {
	case TerminalComplete:
		return 0
	case TerminalMaxIterations:
		return 2
	case TerminalDependencyBlocked:
		return 3
	case TerminalRateLimitExhausted:
		return 4
	case TerminalGitDriftFatal:
		return 5
	case TerminalInterrupted:
		return 130
	}
	return 1
}

func (t Terminal) String() string { return string(t) }
