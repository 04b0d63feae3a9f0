package gitflow

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

// fakeRunner scripts subprocess output per command line. Stubbing the same
// command repeatedly queues responses; the last one repeats once the queue
// drains. Every call is recorded for assertions.
type fakeRunner struct {
	responses map[string][]fakeResponse
	calls     []string
}

type fakeResponse struct {
	out string
	err error
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{responses: map[string][]fakeResponse{}}
}

func (f *fakeRunner) stub(cmdline string, out string, err error) {
	f.responses[cmdline] = append(f.responses[cmdline], fakeResponse{out: out, err: err})
}

func (f *fakeRunner) Run(name string, args ...string) (string, error) {
	key := strings.Join(append([]string{name}, args...), " ")
	f.calls = append(f.calls, key)

	queue, ok := f.responses[key]
	if !ok || len(queue) == 0 {
		return "", fmt.Errorf("no stub for command %q", key)
	}
	resp := queue[0]
	if len(queue) > 1 {
		f.responses[key] = queue[1:]
	}
	return resp.out, resp.err
}

func (f *fakeRunner) called(cmdline string) bool {
	for _, call := range f.calls {
		if call == cmdline {
			return true
		}
	}
	return false
}

// TestEnsureBranch_AlreadyCheckedOut verifies a no-op when the tree is
// already on the requested branch.
func TestEnsureBranch_AlreadyCheckedOut(t *testing.T) {
	git := newFakeRunner()
	git.stub("git rev-parse --abbrev-ref HEAD", "feature/x", nil)

	c := New(git, newFakeRunner())
	if err := c.EnsureBranch("feature/x", "main"); err != nil {
		t.Fatalf("EnsureBranch failed: %v", err)
	}
	if git.called("git checkout feature/x") {
		t.Fatal("checkout issued for already-current branch")
	}
}

// TestEnsureBranch_LocalBranch verifies an existing local branch is
// checked out directly.
func TestEnsureBranch_LocalBranch(t *testing.T) {
	git := newFakeRunner()
	git.stub("git rev-parse --abbrev-ref HEAD", "main", nil)
	git.stub("git rev-parse --abbrev-ref HEAD", "feature/x", nil)
	git.stub("git status --porcelain", "", nil)
	git.stub("git rev-parse --verify refs/heads/feature/x", "abc123", nil)
	git.stub("git checkout feature/x", "Switched to branch 'feature/x'", nil)

	c := New(git, newFakeRunner())
	if err := c.EnsureBranch("feature/x", "main"); err != nil {
		t.Fatalf("EnsureBranch failed: %v", err)
	}
	if !git.called("git checkout feature/x") {
		t.Fatal("local checkout not issued")
	}
}

// TestEnsureBranch_FreshFromRemoteBase verifies branching from the
// remote-tracked copy of base when neither local nor remote branch exists.
func TestEnsureBranch_FreshFromRemoteBase(t *testing.T) {
	git := newFakeRunner()
	git.stub("git rev-parse --abbrev-ref HEAD", "main", nil)
	git.stub("git rev-parse --abbrev-ref HEAD", "feature/x", nil)
	git.stub("git status --porcelain", "", nil)
	git.stub("git rev-parse --verify refs/heads/feature/x", "", errors.New("unknown revision"))
	git.stub("git ls-remote --exit-code --heads origin feature/x", "", errors.New("exit status 2"))
	git.stub("git rev-parse --verify refs/remotes/origin/main", "def456", nil)
	git.stub("git checkout -b feature/x origin/main", "", nil)

	c := New(git, newFakeRunner())
	if err := c.EnsureBranch("feature/x", "main"); err != nil {
		t.Fatalf("EnsureBranch failed: %v", err)
	}
	if !git.called("git checkout -b feature/x origin/main") {
		t.Fatal("fresh branch not created from origin/main")
	}
}

// TestEnsureBranch_StashesDirtyTree verifies the stash/switch/pop dance.
func TestEnsureBranch_StashesDirtyTree(t *testing.T) {
	git := newFakeRunner()
	git.stub("git rev-parse --abbrev-ref HEAD", "main", nil)
	git.stub("git rev-parse --abbrev-ref HEAD", "feature/x", nil)
	git.stub("git status --porcelain", " M file.go", nil)
	git.stub("git stash push --include-untracked -m prdloop branch switch", "Saved", nil)
	git.stub("git rev-parse --verify refs/heads/feature/x", "abc123", nil)
	git.stub("git checkout feature/x", "", nil)
	git.stub("git stash pop", "Dropped", nil)

	c := New(git, newFakeRunner())
	if err := c.EnsureBranch("feature/x", "main"); err != nil {
		t.Fatalf("EnsureBranch failed: %v", err)
	}
	if !git.called("git stash pop") {
		t.Fatal("stash not re-applied after switch")
	}
}

// TestEnsureBranch_StashPopConflict verifies a failed pop keeps the stash
// and fails loudly.
func TestEnsureBranch_StashPopConflict(t *testing.T) {
	git := newFakeRunner()
	git.stub("git rev-parse --abbrev-ref HEAD", "main", nil)
	git.stub("git status --porcelain", " M file.go", nil)
	git.stub("git stash push --include-untracked -m prdloop branch switch", "Saved", nil)
	git.stub("git rev-parse --verify refs/heads/feature/x", "abc123", nil)
	git.stub("git checkout feature/x", "", nil)
	git.stub("git stash pop", "CONFLICT (content)", errors.New("exit status 1"))

	c := New(git, newFakeRunner())
	err := c.EnsureBranch("feature/x", "main")
	if !errors.Is(err, ErrStashPopConflict) {
		t.Fatalf("error = %v, want ErrStashPopConflict", err)
	}
	if git.called("git stash drop") {
		t.Fatal("stash must be preserved on conflict")
	}
}

// TestReconcile_CleanTree verifies a clean on-branch tree reconciles to a
// zero-value result.
func TestReconcile_CleanTree(t *testing.T) {
	git := newFakeRunner()
	git.stub("git rev-parse --abbrev-ref HEAD", "feature/x", nil)
	git.stub("git status --porcelain", "", nil)

	c := New(git, newFakeRunner())
	rec, err := c.Reconcile("feature/x", "main", false)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if rec.Drifted || rec.AutoCommitted {
		t.Fatalf("unexpected reconciliation: %+v", rec)
	}
}

// TestReconcile_AutoCommitsOnProgress verifies dirty + completed task is
// committed with the marker message.
func TestReconcile_AutoCommitsOnProgress(t *testing.T) {
	git := newFakeRunner()
	git.stub("git rev-parse --abbrev-ref HEAD", "feature/x", nil)
	git.stub("git status --porcelain", " M impl.go", nil)
	git.stub("git add -A", "", nil)
	git.stub("git commit -m "+autoCommitMessage, "", nil)

	c := New(git, newFakeRunner())
	rec, err := c.Reconcile("feature/x", "main", true)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if !rec.AutoCommitted {
		t.Fatal("AutoCommitted = false, want true")
	}
}

// TestReconcile_LeavesDirtyWithoutProgress verifies dirty + no progress is
// left untouched.
func TestReconcile_LeavesDirtyWithoutProgress(t *testing.T) {
	git := newFakeRunner()
	git.stub("git rev-parse --abbrev-ref HEAD", "feature/x", nil)
	git.stub("git status --porcelain", " M wip.go", nil)

	c := New(git, newFakeRunner())
	rec, err := c.Reconcile("feature/x", "main", false)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if rec.AutoCommitted {
		t.Fatal("AutoCommitted = true for no-progress iteration")
	}
	if git.called("git add -A") {
		t.Fatal("changes staged despite no progress evidence")
	}
}

// TestReconcile_RestoresDriftedBranch verifies drift forces the tree back,
// committing in-progress work first.
func TestReconcile_RestoresDriftedBranch(t *testing.T) {
	git := newFakeRunner()
	// Sequence: drift check, post-commit EnsureBranch check, final verify,
	// then the post-restore dirty check.
	git.stub("git rev-parse --abbrev-ref HEAD", "wandered-off", nil)
	git.stub("git rev-parse --abbrev-ref HEAD", "wandered-off", nil)
	git.stub("git rev-parse --abbrev-ref HEAD", "feature/x", nil)
	git.stub("git status --porcelain", " M stray.go", nil)
	git.stub("git status --porcelain", "", nil)
	git.stub("git add -A", "", nil)
	git.stub("git commit -m "+wipCommitMessage, "", nil)
	git.stub("git rev-parse --verify refs/heads/feature/x", "abc123", nil)
	git.stub("git checkout feature/x", "", nil)

	c := New(git, newFakeRunner())
	rec, err := c.Reconcile("feature/x", "main", false)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if !rec.Drifted {
		t.Fatal("Drifted = false, want true")
	}
	if !git.called("git commit -m " + wipCommitMessage) {
		t.Fatal("in-progress work not committed before restore")
	}
}

// TestPush_RetriesTransientFailure verifies backoff retry on push.
func TestPush_RetriesTransientFailure(t *testing.T) {
	git := newFakeRunner()
	git.stub("git push -u origin feature/x", "", errors.New("remote hung up"))
	git.stub("git push -u origin feature/x", "", nil)

	c := New(git, newFakeRunner())
	if err := c.Push("feature/x"); err != nil {
		t.Fatalf("Push failed after retry: %v", err)
	}
}

// TestOpenPullRequest_AlreadyExists verifies an existing PR is success.
func TestOpenPullRequest_AlreadyExists(t *testing.T) {
	gh := newFakeRunner()
	gh.stub("gh pr create --head feature/x --base main --fill",
		"a pull request for branch feature/x already exists", errors.New("exit status 1"))

	c := New(newFakeRunner(), gh)
	if _, err := c.OpenPullRequest("feature/x", "main", false); err != nil {
		t.Fatalf("OpenPullRequest failed: %v", err)
	}
}
