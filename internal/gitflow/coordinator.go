// Package gitflow keeps the working tree on the correct branch around
// agent invocations and reconciles whatever mess an invocation leaves
// behind: forgotten commits, branch drift, unpushed work.
package gitflow

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
)

var (
	// ErrBranchSwitchFailed means the tree could not be brought onto the
	// requested branch after every strategy was tried.
	ErrBranchSwitchFailed = errors.New("gitflow: branch switch failed")

	// ErrStashPopConflict means stashed changes could not be re-applied
	// after a branch switch. The stash is left intact; nothing is lost.
	ErrStashPopConflict = errors.New("gitflow: stash re-apply conflicted, stash preserved")
)

// autoCommitMessage marks commits the coordinator created because the
// agent finished a task without committing.
const autoCommitMessage = "auto-commit: agent completed work without committing"

// wipCommitMessage marks commits created to preserve in-progress changes
// before forcing the tree back onto the expected branch.
const wipCommitMessage = "wip: preserve uncommitted work before branch restore"

// Reconciliation reports what the post-iteration cleanup actually did.
type Reconciliation struct {
	Drifted       bool
	AutoCommitted bool
	Pushed        bool
}

// Coordinator wraps git and the remote host CLI (gh). It never caches
// branch or dirty state across calls: the repository is queryable truth.
type Coordinator struct {
	git     Runner
	gh      Runner
	remote  string
	breaker *gobreaker.CircuitBreaker
}

// New creates a Coordinator using the given runners. The gh runner guards
// remote-host calls behind a circuit breaker so a dead or misconfigured
// host fails fast instead of stalling every iteration.
func New(git Runner, gh Runner) *Coordinator {
	return &Coordinator{
		git:    git,
		gh:     gh,
		remote: "origin",
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "remote-host",
			Timeout: 60 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
			OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
				log.Printf("Circuit breaker %q: %s -> %s", name, from, to)
			},
		}),
	}
}

// CurrentBranch returns the checked-out branch name.
func (c *Coordinator) CurrentBranch() (string, error) {
	out, err := c.git.Run("git", "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", fmt.Errorf("resolving current branch: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// IsDirty reports whether the working tree has uncommitted changes,
// including untracked files.
func (c *Coordinator) IsDirty() (bool, error) {
	out, err := c.git.Run("git", "status", "--porcelain")
	if err != nil {
		return false, fmt.Errorf("checking tree state: %w", err)
	}
	return strings.TrimSpace(out) != "", nil
}

// EnsureBranch brings the tree onto name. Strategy order: already there;
// local branch; remote-tracking branch; fresh branch from base (preferring
// the remote-tracked copy of base). A dirty tree is stashed across the
// switch and re-applied afterwards -- if re-applying conflicts, the stash
// is kept and the operation fails loudly rather than discarding work.
func (c *Coordinator) EnsureBranch(name, base string) error {
	current, err := c.CurrentBranch()
	if err != nil {
		return err
	}
	if current == name {
		return nil
	}

	dirty, err := c.IsDirty()
	if err != nil {
		return err
	}
	if dirty {
		if _, err := c.git.Run("git", "stash", "push", "--include-untracked", "-m", "prdloop branch switch"); err != nil {
			return fmt.Errorf("stashing before switch: %w", err)
		}
	}

	switchErr := c.switchTo(name, base)

	if dirty {
		if _, popErr := c.git.Run("git", "stash", "pop"); popErr != nil {
			// Conflict: the stash entry survives a failed pop.
			return fmt.Errorf("%w: %v", ErrStashPopConflict, popErr)
		}
	}
	if switchErr != nil {
		return switchErr
	}

	current, err = c.CurrentBranch()
	if err != nil {
		return err
	}
	if current != name {
		return fmt.Errorf("%w: on %q, wanted %q", ErrBranchSwitchFailed, current, name)
	}
	return nil
}

func (c *Coordinator) switchTo(name, base string) error {
	// Local branch exists.
	if _, err := c.git.Run("git", "rev-parse", "--verify", "refs/heads/"+name); err == nil {
		_, err := c.git.Run("git", "checkout", name)
		return err
	}

	// Remote branch exists: fetch and track it.
	if _, err := c.git.Run("git", "ls-remote", "--exit-code", "--heads", c.remote, name); err == nil {
		if _, err := c.git.Run("git", "fetch", c.remote, name); err != nil {
			return fmt.Errorf("fetching %s/%s: %w", c.remote, name, err)
		}
		_, err := c.git.Run("git", "checkout", "-b", name, "--track", c.remote+"/"+name)
		return err
	}

	// Branch fresh from base, remote-tracked copy preferred.
	startPoint := base
	if _, err := c.git.Run("git", "rev-parse", "--verify", "refs/remotes/"+c.remote+"/"+base); err == nil {
		startPoint = c.remote + "/" + base
	}
	_, err := c.git.Run("git", "checkout", "-b", name, startPoint)
	return err
}

// Reconcile restores consistency after an agent invocation.
//
// If the branch drifted from expectedBranch, any in-progress change is
// committed first (nothing may be lost) and the tree is forced back. If
// the tree is dirty and progressMade indicates the iteration actually
// completed a task, the leftovers are auto-committed with a marker
// message. Dirty with no progress evidence is left alone with a warning:
// it may be legitimate multi-iteration work in progress.
func (c *Coordinator) Reconcile(expectedBranch, base string, progressMade bool) (Reconciliation, error) {
	var rec Reconciliation

	current, err := c.CurrentBranch()
	if err != nil {
		return rec, err
	}

	if current != expectedBranch {
		rec.Drifted = true
		log.Printf("WARNING: branch drifted to %q, restoring %q", current, expectedBranch)
		dirty, err := c.IsDirty()
		if err != nil {
			return rec, err
		}
		if dirty {
			if err := c.commitAll(wipCommitMessage); err != nil {
				return rec, err
			}
		}
		if err := c.EnsureBranch(expectedBranch, base); err != nil {
			return rec, err
		}
	}

	dirty, err := c.IsDirty()
	if err != nil {
		return rec, err
	}
	if !dirty {
		return rec, nil
	}

	if progressMade {
		if err := c.commitAll(autoCommitMessage); err != nil {
			return rec, err
		}
		rec.AutoCommitted = true
		return rec, nil
	}

	log.Printf("WARNING: uncommitted changes with no completed task; leaving them in place")
	return rec, nil
}

func (c *Coordinator) commitAll(message string) error {
	if _, err := c.git.Run("git", "add", "-A"); err != nil {
		return fmt.Errorf("staging changes: %w", err)
	}
	if _, err := c.git.Run("git", "commit", "-m", message); err != nil {
		return fmt.Errorf("committing changes: %w", err)
	}
	return nil
}

// Push pushes the branch to the remote, retrying transient failures with
// exponential backoff. A final failure is surfaced, never swallowed:
// silent loss of remote sync could mask lost work.
func (c *Coordinator) Push(branch string) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxInterval = 10 * time.Second
	policy.MaxElapsedTime = 45 * time.Second

	operation := func() error {
		_, err := c.git.Run("git", "push", "-u", c.remote, branch)
		return err
	}
	if err := backoff.Retry(operation, policy); err != nil {
		return fmt.Errorf("pushing %s: %w", branch, err)
	}
	return nil
}

// OpenPullRequest opens a PR from branch onto base via the host CLI.
// Idempotent at the CLI level: an already-open PR is not an error.
func (c *Coordinator) OpenPullRequest(branch, base string, draft bool) (string, error) {
	args := []string{"pr", "create", "--head", branch, "--base", base, "--fill"}
	if draft {
		args = append(args, "--draft")
	}

	out, err := c.breaker.Execute(func() (interface{}, error) {
		out, err := c.gh.Run("gh", args...)
		if err != nil && strings.Contains(out, "already exists") {
			return out, nil
		}
		return out, err
	})
	if err != nil {
		return "", fmt.Errorf("opening pull request: %w", err)
	}
	return out.(string), nil
}

// MergePullRequest merges the current branch's PR (squash). With auto set,
// the merge is queued to fire once checks pass.
func (c *Coordinator) MergePullRequest(auto bool) error {
	args := []string{"pr", "merge", "--squash"}
	if auto {
		args = append(args, "--auto")
	}

	_, err := c.breaker.Execute(func() (interface{}, error) {
		return c.gh.Run("gh", args...)
	})
	if err != nil {
		return fmt.Errorf("merging pull request: %w", err)
	}
	return nil
}
