// Package loop drives the iteration state machine: select a story,
// invoke an agent, interpret its output, reconcile git, update the
// store, repeat until a terminal state.
package loop

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"prdloop/internal/agent"
	"prdloop/internal/config"
	"prdloop/internal/events"
	"prdloop/internal/gitflow"
	"prdloop/internal/history"
	"prdloop/internal/prd"
	"prdloop/internal/rotation"
	"prdloop/internal/trace"
)

// Invoker runs one agent subprocess per call.
type Invoker interface {
	Invoke(ctx context.Context, d agent.Descriptor, model, prompt string, timeout time.Duration) (agent.Result, error)
}

// Git is the workflow coordination surface the loop needs.
type Git interface {
	EnsureBranch(name, base string) error
	Reconcile(expectedBranch, base string, progressMade bool) (gitflow.Reconciliation, error)
	Push(branch string) error
	OpenPullRequest(branch, base string, draft bool) (string, error)
	MergePullRequest(auto bool) error
}

// Outcome summarizes a finished run.
type Outcome struct {
	Terminal   Terminal
	Iterations int
	Completed  int
	Total      int
	Elapsed    time.Duration
}

// Options carries the optional collaborators a Runner can work without.
type Options struct {
	Bus     *events.Bus
	History *history.Store
	Tracer  *trace.Exporter
	Out     io.Writer // summary destination; nil silences the summary
}

// Runner executes the iteration loop for one PRD.
type Runner struct {
	cfg     *config.Config
	catalog agent.Catalog
	invoker Invoker
	git     Git
	machine *rotation.Machine
	prdPath string
	opts    Options
}

// New assembles a Runner. The rotation machine must already be scoped to
// the PRD's fingerprint.
func New(cfg *config.Config, catalog agent.Catalog, invoker Invoker, git Git, machine *rotation.Machine, prdPath string, opts Options) *Runner {
	return &Runner{
		cfg:     cfg,
		catalog: catalog,
		invoker: invoker,
		git:     git,
		machine: machine,
		prdPath: prdPath,
		opts:    opts,
	}
}

// Invocation outcomes as recorded in events and history.
const (
	outcomeSuccess     = "success"
	outcomeFailure     = "failure"
	outcomeRateLimited = "rate-limited"
	outcomeTimeout     = "timeout"
)

// Run executes the loop until a terminal state. The returned error covers
// only structural failures (unreadable store, unknown agent); every
// recoverable condition is absorbed into rotation or a terminal state.
func (r *Runner) Run(ctx context.Context) (Outcome, error) {
	start := time.Now()

	doc, err := prd.Load(r.prdPath)
	if err != nil {
		return Outcome{}, err
	}
	if err := doc.DetectCycles(); err != nil {
		log.Printf("WARNING: %v", err)
	}

	branch := doc.BranchName
	base := r.cfg.Git.BaseBranch

	ctx, endRun := r.opts.Tracer.StartRun(ctx, r.prdPath, branch)

	var runID string
	if r.opts.History != nil {
		runID, err = r.opts.History.BeginRun(ctx, r.prdPath, branch, doc.Remaining())
		if err != nil {
			log.Printf("WARNING: history unavailable: %v", err)
		}
	}

	driftStreak := 0
	if r.cfg.Git.AutoCheckoutBranch {
		if err := r.git.EnsureBranch(branch, base); err != nil {
			log.Printf("WARNING: initial branch setup failed: %v", err)
			driftStreak++
		}
	}

	iterations := 0
	var terminal Terminal

loop:
	for {
		if ctx.Err() != nil {
			terminal = TerminalInterrupted
			break
		}

		// The agent may have edited the PRD directly; disk is truth.
		doc, err = prd.Load(r.prdPath)
		if err != nil {
			return Outcome{}, fmt.Errorf("re-reading task store: %w", err)
		}

		story := doc.NextEligible()
		if story == nil {
			if doc.AllComplete() {
				terminal = TerminalComplete
			} else {
				log.Printf("WARNING: %d stories remain but none are eligible; dependency graph is blocked", doc.Remaining())
				terminal = TerminalDependencyBlocked
			}
			break
		}

		if iterations >= r.cfg.Loop.MaxIterations {
			terminal = TerminalMaxIterations
			break
		}
		iterations++

		sel, ok := r.machine.SelectNext()
		if !ok {
			terminal = TerminalRateLimitExhausted
			break
		}
		desc, ok := r.catalog.Agent(sel.Agent)
		if !ok {
			return Outcome{}, fmt.Errorf("agent %q in rotation order is not in the catalog", sel.Agent)
		}

		r.publish(events.TopicIteration, events.IterationStartedEvent{
			Number:    iterations,
			ID:        story.ID,
			Title:     story.Title,
			Agent:     sel.Agent,
			Model:     sel.Model,
			Timestamp: time.Now(),
		})
		endIter := r.opts.Tracer.StartIteration(ctx, iterations, story.ID, sel.Agent, sel.Model)

		prompt := buildPrompt(story, r.prdPath)
		res := r.invokeOnce(ctx, desc, sel.Model, prompt)
		usedAgent, usedModel := sel.Agent, sel.Model

		// A cancelled context means the watchdog killed the agent; the
		// exit status reflects the shutdown signal, not the agent. No
		// rotation bookkeeping, no fallback retry.
		if ctx.Err() != nil {
			endIter(outcomeFailure, res.Duration)
			r.recordIteration(ctx, runID, iterations, story.ID, usedAgent, usedModel, outcomeFailure, res)
			terminal = TerminalInterrupted
			break
		}

		outcome := classify(res)
		switch outcome {
		case outcomeRateLimited:
			log.Printf("Agent %s rate-limited; cooling down for %ds", sel.Agent, r.cfg.Rotation.RateLimitCooldown)
			if err := r.machine.OnRateLimit(sel.Agent); err != nil {
				log.Printf("WARNING: persisting rotation state: %v", err)
			}
			r.publishRotation(sel, "rate-limit")

		case outcomeFailure, outcomeTimeout:
			log.Printf("Agent %s/%s failed (exit %d, timed out %v)", sel.Agent, sel.Model, res.ExitCode, res.TimedOut)
			if err := r.machine.OnFailure(sel.Agent, sel.Model); err != nil {
				log.Printf("WARNING: persisting rotation state: %v", err)
			}
			r.publishRotation(sel, "failures")

			if fbRes, fbModel, tried := r.tryFallback(ctx, sel.Agent, prompt); tried {
				if fbOutcome := classify(fbRes); fbOutcome == outcomeSuccess {
					res, outcome = fbRes, outcomeSuccess
					usedAgent, usedModel = r.cfg.Agent.Fallback, fbModel
				} else if fbOutcome == outcomeRateLimited {
					if err := r.machine.OnRateLimit(r.cfg.Agent.Fallback); err != nil {
						log.Printf("WARNING: persisting rotation state: %v", err)
					}
				}
			}

		case outcomeSuccess:
			if err := r.machine.OnSuccess(sel.Agent, sel.Model); err != nil {
				log.Printf("WARNING: persisting rotation state: %v", err)
			}
		}

		fresh, err := prd.Load(r.prdPath)
		if err != nil {
			return Outcome{}, fmt.Errorf("task store unreadable after agent invocation: %w", err)
		}

		progress := false
		if outcome == outcomeSuccess {
			progress = true
			if !storyPassed(fresh, story.ID) {
				fresh.MarkCompleted(story.ID)
				if err := fresh.Save(r.prdPath); err != nil {
					log.Printf("WARNING: recording completion of %s: %v", story.ID, err)
				}
			}
		}

		if _, recErr := r.git.Reconcile(branch, base, progress); recErr != nil {
			if errors.Is(recErr, gitflow.ErrBranchSwitchFailed) || errors.Is(recErr, gitflow.ErrStashPopConflict) {
				driftStreak++
				log.Printf("WARNING: git reconciliation failed (%d consecutive): %v", driftStreak, recErr)
				if driftStreak >= r.cfg.Loop.MaxGitDrift {
					terminal = TerminalGitDriftFatal
					endIter(outcome, res.Duration)
					r.recordIteration(ctx, runID, iterations, story.ID, usedAgent, usedModel, outcome, res)
					break loop
				}
			} else {
				log.Printf("WARNING: git reconciliation failed: %v", recErr)
			}
		} else {
			driftStreak = 0
		}

		if progress && r.cfg.Git.Push.Enabled && r.cfg.Git.Push.Timing != "end-of-run" {
			if err := r.git.Push(branch); err != nil {
				log.Printf("WARNING: %v", err)
			}
		}

		endIter(outcome, res.Duration)
		r.recordIteration(ctx, runID, iterations, story.ID, usedAgent, usedModel, outcome, res)
		r.publish(events.TopicIteration, events.IterationFinishedEvent{
			Number:    iterations,
			ID:        story.ID,
			Agent:     usedAgent,
			Model:     usedModel,
			Outcome:   outcome,
			Duration:  res.Duration,
			Timestamp: time.Now(),
		})

		// The sentinel is a hypothesis; the store is the authority.
		if sentinelPresent(res.Output) && fresh.AllComplete() {
			terminal = TerminalComplete
			break
		}
	}

	r.finishGit(terminal, branch, base)

	final, loadErr := prd.Load(r.prdPath)
	if loadErr != nil {
		final = doc
	}
	total := len(final.UserStories)
	removed := 0
	for _, s := range final.UserStories {
		if s.Removed() {
			removed++
		}
	}
	total -= removed

	out := Outcome{
		Terminal:   terminal,
		Iterations: iterations,
		Completed:  total - final.Remaining(),
		Total:      total,
		Elapsed:    time.Since(start),
	}

	if r.opts.History != nil && runID != "" {
		if err := r.opts.History.FinishRun(context.WithoutCancel(ctx), runID, string(terminal), out.Iterations, out.Completed); err != nil {
			log.Printf("WARNING: recording run finish: %v", err)
		}
	}
	r.publish(events.TopicRun, events.RunFinishedEvent{
		Terminal:   string(terminal),
		Iterations: out.Iterations,
		Completed:  out.Completed,
		Total:      out.Total,
		Elapsed:    out.Elapsed,
		Timestamp:  time.Now(),
	})
	endRun(string(terminal))

	if r.opts.Out != nil {
		PrintSummary(r.opts.Out, out)
	}
	return out, nil
}

// invokeOnce shields the loop from invocation plumbing errors: an
// unstartable binary is a failure outcome, not a loop abort.
func (r *Runner) invokeOnce(ctx context.Context, d agent.Descriptor, model, prompt string) agent.Result {
	timeout := time.Duration(r.cfg.Loop.TimeoutSeconds) * time.Second
	res, err := r.invoker.Invoke(ctx, d, model, prompt, timeout)
	if err != nil {
		log.Printf("WARNING: invoking %s: %v", d.Name, err)
		return agent.Result{ExitCode: -1, Output: err.Error()}
	}
	return res
}

// tryFallback runs the configured fallback agent once. Returns tried=false
// when no distinct fallback is configured or it is unknown.
func (r *Runner) tryFallback(ctx context.Context, failedAgent, prompt string) (agent.Result, string, bool) {
	fb := r.cfg.Agent.Fallback
	if fb == "" || fb == failedAgent {
		return agent.Result{}, "", false
	}
	desc, ok := r.catalog.Agent(fb)
	if !ok {
		log.Printf("WARNING: fallback agent %q is not in the catalog", fb)
		return agent.Result{}, "", false
	}

	model := ""
	if models := r.cfg.ModelsFor(fb, desc.Models); len(models) > 0 {
		model = models[0]
	}
	log.Printf("Retrying with fallback agent %s", fb)
	return r.invokeOnce(ctx, desc, model, prompt), model, true
}

// classify maps an invocation result to a rotation outcome. Rate-limit
// phrases win over exit codes: a throttled agent usually exits non-zero
// and rotating its model would burn the cooldown signal.
func classify(res agent.Result) string {
	if isRateLimited(res.Output) {
		return outcomeRateLimited
	}
	if res.TimedOut {
		return outcomeTimeout
	}
	if res.ExitCode != 0 {
		return outcomeFailure
	}
	return outcomeSuccess
}

func storyPassed(doc *prd.Document, id string) bool {
	for _, s := range doc.UserStories {
		if s.ID == id {
			return s.Passes
		}
	}
	return false
}

// finishGit performs the end-of-run remote work: deferred push, PR open,
// auto-merge. Failures are logged; the terminal state is already decided.
func (r *Runner) finishGit(terminal Terminal, branch, base string) {
	if r.cfg.Git.Push.Enabled && r.cfg.Git.Push.Timing == "end-of-run" {
		switch terminal {
		case TerminalComplete, TerminalMaxIterations:
			if err := r.git.Push(branch); err != nil {
				log.Printf("WARNING: %v", err)
			}
		}
	}

	if terminal != TerminalComplete || !r.cfg.Git.PR.Enabled {
		return
	}
	out, err := r.git.OpenPullRequest(branch, base, r.cfg.Git.PR.Draft)
	if err != nil {
		log.Printf("WARNING: %v", err)
		return
	}
	log.Printf("Pull request: %s", out)
	if r.cfg.Git.PR.AutoMerge {
		if err := r.git.MergePullRequest(true); err != nil {
			log.Printf("WARNING: %v", err)
		}
	}
}

func (r *Runner) publish(topic events.Topic, ev events.Event) {
	if r.opts.Bus != nil {
		r.opts.Bus.Publish(topic, ev)
	}
}

// publishRotation reports where rotation landed after a failure or
// rate-limit event.
func (r *Runner) publishRotation(from rotation.Selection, reason string) {
	if r.opts.Bus == nil {
		return
	}
	next, ok := r.machine.SelectNext()
	if !ok || next == from {
		return
	}
	r.opts.Bus.Publish(events.TopicIteration, events.AgentRotatedEvent{
		FromAgent: from.Agent,
		FromModel: from.Model,
		ToAgent:   next.Agent,
		ToModel:   next.Model,
		Reason:    reason,
		Timestamp: time.Now(),
	})
}

func (r *Runner) recordIteration(ctx context.Context, runID string, number int, storyID, agentName, model, outcome string, res agent.Result) {
	if r.opts.History == nil || runID == "" {
		return
	}
	// Recording must survive a cancelled run context.
	ctx = context.WithoutCancel(ctx)
	err := r.opts.History.RecordIteration(ctx, history.Iteration{
		RunID:    runID,
		Number:   number,
		StoryID:  storyID,
		Agent:    agentName,
		Model:    model,
		Outcome:  outcome,
		ExitCode: res.ExitCode,
		Duration: res.Duration,
	})
	if err != nil {
		log.Printf("WARNING: recording iteration: %v", err)
	}
}
