package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
)

// ExitTimeout is the sentinel exit code reported when an invocation is
// killed by the governing timeout, matching conventional shell-timeout
// semantics. Agent processes report their own exit status through Wait, so
// the sentinel is only ever set by the invoker itself and cannot collide
// with a genuine agent exit code.
const ExitTimeout = 124

// termGracePeriod is how long a timed-out agent gets between SIGTERM and
// SIGKILL.
const termGracePeriod = 5 * time.Second

// Result is the outcome of one agent invocation.
type Result struct {
	ExitCode int
	Output   string // stdout and stderr merged, in arrival order
	TimedOut bool
	Duration time.Duration
}

// Invoker executes exactly one external coding-agent process per call.
// All side effects happen inside the subprocess; the invoker itself never
// touches the working tree.
type Invoker struct {
	workDir string
	procMgr *ProcessManager
	live    io.Writer // output is teed here for operator visibility; nil disables
}

// NewInvoker creates an Invoker rooted at workDir. procMgr may be nil, in
// which case subprocesses are not tracked for shutdown cleanup.
func NewInvoker(workDir string, procMgr *ProcessManager, live io.Writer) *Invoker {
	return &Invoker{workDir: workDir, procMgr: procMgr, live: live}
}

// lockedWriter serializes writes from the stdout and stderr drain
// goroutines into one combined stream.
type lockedWriter struct {
	mu   sync.Mutex
	buf  bytes.Buffer
	live io.Writer
}

func (w *lockedWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.live != nil {
		// Live output is best-effort; the captured buffer is authoritative.
		w.live.Write(p)
	}
	return w.buf.Write(p)
}

func (w *lockedWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

// Invoke runs the described agent once with the given model and prompt.
//
// Both pipes are drained continuously while the process runs so a full
// pipe buffer can never deadlock the subprocess. A timeout of zero means
// unbounded: no timer is armed. On timeout the whole process group gets
// SIGTERM, then SIGKILL after a grace period, and the result carries
// TimedOut=true with the ExitTimeout sentinel.
//
// A non-zero agent exit is not an error here -- it is reported through
// Result.ExitCode for the caller to interpret. The returned error covers
// only invocation failures (bad descriptor, unstartable binary).
func (inv *Invoker) Invoke(ctx context.Context, d Descriptor, model, prompt string, timeout time.Duration) (Result, error) {
	args, err := BuildArgs(d, model, prompt)
	if err != nil {
		return Result{}, err
	}

	cmd := newCommand(d.Binary, args...)
	cmd.Dir = inv.workDir

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return Result{}, fmt.Errorf("creating stderr pipe: %w", err)
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("starting %s: %w", d.Binary, err)
	}
	if inv.procMgr != nil {
		inv.procMgr.Track(cmd)
		defer inv.procMgr.Untrack(cmd)
	}

	out := &lockedWriter{live: inv.live}

	var g errgroup.Group
	g.Go(func() error {
		_, err := io.Copy(out, stdoutPipe)
		return err
	})
	g.Go(func() error {
		_, err := io.Copy(out, stderrPipe)
		return err
	})

	// Watchdog: enforces the timeout and honors context cancellation.
	// Runs concurrently with the pipe drain so the timer fires even when
	// the agent floods its output.
	done := make(chan struct{})
	timedOut := make(chan struct{}, 1)
	var timerC <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timerC = timer.C
	}
	go func() {
		select {
		case <-done:
			return
		case <-ctx.Done():
			_ = signalProcessGroup(cmd, syscall.SIGKILL)
		case <-timerC:
			timedOut <- struct{}{}
			_ = signalProcessGroup(cmd, syscall.SIGTERM)
			select {
			case <-done:
			case <-time.After(termGracePeriod):
				_ = signalProcessGroup(cmd, syscall.SIGKILL)
			}
		}
	}()

	// Pipes must be fully drained before Wait.
	_ = g.Wait()
	waitErr := cmd.Wait()
	close(done)

	result := Result{
		Output:   out.String(),
		Duration: time.Since(start),
	}

	select {
	case <-timedOut:
		result.TimedOut = true
		result.ExitCode = ExitTimeout
		return result, nil
	default:
	}

	result.ExitCode = exitCode(waitErr)
	return result, nil
}

// exitCode maps a Wait error to a numeric exit status.
func exitCode(waitErr error) int {
	if waitErr == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
