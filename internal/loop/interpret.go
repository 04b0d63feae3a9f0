package loop

import (
	"fmt"
	"regexp"
	"strings"

	"prdloop/internal/prd"
)

// CompletionSentinel is the literal line an agent emits once it observes
// every story in the PRD marked passing. The match requires a standalone
// line; the phrase appearing inside prose or quoted instructions does not
// count. Even a standalone match is only honored after the store confirms
// all stories actually pass.
const CompletionSentinel = "ALL TASKS COMPLETE"

// rateLimitPhrases are scanned case-insensitively in combined agent
// output. A match takes priority over exit-code interpretation: a
// rate-limited agent often exits non-zero, and rotating the model would
// waste the cooldown signal.
var rateLimitPhrases = []string{
	"rate limit",
	"rate-limited",
	"usage limit reached",
	"quota exceeded",
	"too many requests",
}

// statusCode429 matches the HTTP status only as a standalone token.
// A substring match would hit inside unrelated numbers ("4290 tests
// passed") and poison a healthy agent's cooldown.
var statusCode429 = regexp.MustCompile(`\b429\b`)

// isRateLimited reports whether output contains a known rate-limit phrase.
func isRateLimited(output string) bool {
	lower := strings.ToLower(output)
	for _, phrase := range rateLimitPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return statusCode429.MatchString(output)
}

// sentinelPresent reports whether the completion sentinel appears as its
// own output line.
func sentinelPresent(output string) bool {
	for _, line := range strings.Split(output, "\n") {
		if strings.TrimSpace(line) == CompletionSentinel {
			return true
		}
	}
	return false
}

// buildPrompt produces the instruction given to the agent for one story.
// The agent owns the working tree for the duration of the invocation; the
// prompt tells it which story to implement, where the PRD lives, and the
// completion-signal convention.
func buildPrompt(story *prd.Story, prdPath string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "You are working through the PRD at %s, one user story per invocation.\n\n", prdPath)
	fmt.Fprintf(&b, "Implement this story now:\n\n")
	fmt.Fprintf(&b, "  ID: %s\n", story.ID)
	fmt.Fprintf(&b, "  Title: %s\n", story.Title)
	if story.Description != "" {
		fmt.Fprintf(&b, "  Description: %s\n", story.Description)
	}
	for _, criterion := range story.AcceptanceCriteria {
		fmt.Fprintf(&b, "  - %s\n", criterion)
	}
	if story.Notes != "" {
		fmt.Fprintf(&b, "  Notes: %s\n", story.Notes)
	}

	b.WriteString("\nWhen the story is implemented and verified:\n")
	fmt.Fprintf(&b, "1. Set \"passes\": true for %s in %s.\n", story.ID, prdPath)
	b.WriteString("2. Commit all changes with a descriptive message.\n")
	fmt.Fprintf(&b, "3. Only if EVERY story in the PRD now has \"passes\": true, print the exact line:\n%s\n", CompletionSentinel)

	return b.String()
}
