package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"prdloop/internal/history"
	"prdloop/internal/prd"
)

func newStatusCmd() *cobra.Command {
	var prdPath string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show PRD progress and the last run",
		RunE: func(cmd *cobra.Command, args []string) error {
			return executeStatus(cmd, prdPath)
		},
	}
	cmd.Flags().StringVar(&prdPath, "prd", defaultPRDPath, "path to the PRD task list")
	return cmd
}

func executeStatus(cmd *cobra.Command, prdPath string) error {
	doc, err := prd.Load(prdPath)
	if err != nil {
		return err
	}

	t := table.NewWriter()
	t.SetOutputMirror(cmd.OutOrStdout())
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"ID", "Title", "Priority", "Blocked By", "State"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "Title", WidthMax: 48},
		{Name: "Priority", Align: text.AlignRight},
	})

	for _, story := range doc.UserStories {
		t.AppendRow(table.Row{
			story.ID,
			story.Title,
			story.Priority,
			strings.Join(story.BlockedBy, ", "),
			storyState(story),
		})
	}
	t.Render()

	completed := 0
	for _, story := range doc.UserStories {
		if story.Passes {
			completed++
		}
	}
	fmt.Fprintf(cmd.OutOrStdout(), "\n%s on %s: %d/%d stories passing\n",
		doc.Project, doc.BranchName, completed, len(doc.UserStories))

	printLastRun(cmd)
	return nil
}

func storyState(s prd.Story) string {
	switch {
	case s.Removed():
		return "removed"
	case s.Passes:
		return "passed"
	default:
		return "pending"
	}
}

// printLastRun is best-effort: a missing history database just means no
// runs have happened here yet.
func printLastRun(cmd *cobra.Command) {
	repoRoot, err := os.Getwd()
	if err != nil {
		return
	}
	store, err := history.Open(cmd.Context(), history.DefaultPath(repoRoot))
	if err != nil {
		return
	}
	defer store.Close()

	run, err := store.LastRun(cmd.Context())
	if err != nil || run == nil {
		return
	}

	out := cmd.OutOrStdout()
	if run.Terminal == "" {
		fmt.Fprintf(out, "Last run %s: started %s, still in progress or aborted\n",
			run.ID, run.StartedAt.Local().Format("2006-01-02 15:04"))
		return
	}
	fmt.Fprintf(out, "Last run %s: %s after %d iterations (%d/%d tasks), finished %s\n",
		run.ID, run.Terminal, run.Iterations, run.Completed, run.Total,
		run.FinishedAt.Local().Format("2006-01-02 15:04"))

	iterations, err := store.RunIterations(cmd.Context(), run.ID)
	if err != nil || len(iterations) == 0 {
		return
	}
	last := iterations[len(iterations)-1]
	fmt.Fprintf(out, "Last iteration: #%d %s via %s (%s)\n",
		last.Number, last.StoryID, pairLabel(last.Agent, last.Model), last.Outcome)
}

func pairLabel(agent, model string) string {
	if model == "" {
		return agent
	}
	return agent + "/" + model
}
