package prd

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writePRD(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "prd.json")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}
	return path
}

const validPRD = `{
  "project": "demo",
  "branchName": "feature/demo",
  "userStories": [
    {"id": "US-001", "title": "First", "priority": 1, "passes": false},
    {"id": "US-002", "title": "Second", "priority": 2, "passes": false, "blockedBy": ["US-001"]}
  ]
}`

// TestLoad_Validation exercises the load-time error taxonomy.
func TestLoad_Validation(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr error
	}{
		{
			name:    "valid document",
			content: validPRD,
			wantErr: nil,
		},
		{
			name:    "not json",
			content: "branchName: nope",
			wantErr: ErrMalformedInput,
		},
		{
			name:    "container is an array",
			content: `[{"id": "US-001"}]`,
			wantErr: ErrMalformedInput,
		},
		{
			name: "story missing title",
			content: `{"project": "p", "branchName": "b", "userStories": [
				{"id": "US-001", "priority": 1}
			]}`,
			wantErr: ErrMalformedInput, // schema catches required fields first
		},
		{
			name: "duplicate id",
			content: `{"project": "p", "branchName": "b", "userStories": [
				{"id": "US-001", "title": "a", "priority": 1},
				{"id": "US-001", "title": "b", "priority": 2}
			]}`,
			wantErr: ErrDuplicateID,
		},
		{
			name: "dangling blockedBy",
			content: `{"project": "p", "branchName": "b", "userStories": [
				{"id": "US-001", "title": "a", "priority": 1, "blockedBy": ["US-999"]}
			]}`,
			wantErr: ErrDanglingReference,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writePRD(t, tt.content)
			_, err := Load(path)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("Load failed: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Load error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

// TestNextEligible verifies priority order, blocking, and tie-breaking.
func TestNextEligible(t *testing.T) {
	tests := []struct {
		name    string
		stories []Story
		wantID  string // "" means nil expected
	}{
		{
			name: "lowest priority wins",
			stories: []Story{
				{ID: "A", Title: "a", Priority: 2},
				{ID: "B", Title: "b", Priority: 1},
			},
			wantID: "B",
		},
		{
			name: "ties break by input order",
			stories: []Story{
				{ID: "A", Title: "a", Priority: 1},
				{ID: "B", Title: "b", Priority: 1},
			},
			wantID: "A",
		},
		{
			name: "blocked story skipped",
			stories: []Story{
				{ID: "A", Title: "a", Priority: 1, BlockedBy: []string{"B"}},
				{ID: "B", Title: "b", Priority: 2},
			},
			wantID: "B",
		},
		{
			name: "blocked story eligible once dependency passes",
			stories: []Story{
				{ID: "A", Title: "a", Priority: 1, BlockedBy: []string{"B"}},
				{ID: "B", Title: "b", Priority: 2, Passes: true},
			},
			wantID: "A",
		},
		{
			name: "removed story never returned",
			stories: []Story{
				{ID: "A", Title: "a", Priority: 1, Status: StatusRemoved},
				{ID: "B", Title: "b", Priority: 2},
			},
			wantID: "B",
		},
		{
			name: "all blocked returns nil",
			stories: []Story{
				{ID: "A", Title: "a", Priority: 1, BlockedBy: []string{"B"}},
				{ID: "B", Title: "b", Priority: 2, BlockedBy: []string{"A"}},
			},
			wantID: "",
		},
		{
			name: "all passed returns nil",
			stories: []Story{
				{ID: "A", Title: "a", Priority: 1, Passes: true},
			},
			wantID: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := &Document{Project: "p", BranchName: "b", UserStories: tt.stories}
			got := doc.NextEligible()
			if tt.wantID == "" {
				if got != nil {
					t.Fatalf("NextEligible = %q, want nil", got.ID)
				}
				return
			}
			if got == nil {
				t.Fatalf("NextEligible = nil, want %q", tt.wantID)
			}
			if got.ID != tt.wantID {
				t.Fatalf("NextEligible = %q, want %q", got.ID, tt.wantID)
			}
		})
	}
}

// TestNextEligible_NeverReturnsBlocked is the property form: no returned
// story may have an unpassed dependency.
func TestNextEligible_NeverReturnsBlocked(t *testing.T) {
	doc := &Document{
		Project:    "p",
		BranchName: "b",
		UserStories: []Story{
			{ID: "A", Title: "a", Priority: 3},
			{ID: "B", Title: "b", Priority: 1, BlockedBy: []string{"A"}},
			{ID: "C", Title: "c", Priority: 2, BlockedBy: []string{"A", "B"}},
		},
	}

	for {
		next := doc.NextEligible()
		if next == nil {
			break
		}
		passed := map[string]bool{}
		for _, s := range doc.UserStories {
			passed[s.ID] = s.Passes
		}
		for _, dep := range next.BlockedBy {
			if !passed[dep] {
				t.Fatalf("story %q returned with unpassed dependency %q", next.ID, dep)
			}
		}
		doc.MarkCompleted(next.ID)
	}

	if !doc.AllComplete() {
		t.Fatal("expected all stories complete after draining")
	}
}

// TestMarkCompleted_Idempotent verifies marking twice equals marking once.
func TestMarkCompleted_Idempotent(t *testing.T) {
	doc := &Document{
		BranchName:  "b",
		UserStories: []Story{{ID: "A", Title: "a", Priority: 1}},
	}

	if !doc.MarkCompleted("A") {
		t.Fatal("MarkCompleted returned false for known id")
	}
	if !doc.MarkCompleted("A") {
		t.Fatal("second MarkCompleted returned false")
	}
	if !doc.UserStories[0].Passes {
		t.Fatal("story not marked passed")
	}
	if doc.MarkCompleted("missing") {
		t.Fatal("MarkCompleted returned true for unknown id")
	}
}

// TestDetectCycles verifies cycles warn while acyclic graphs pass.
func TestDetectCycles(t *testing.T) {
	cyclic := &Document{
		BranchName: "b",
		UserStories: []Story{
			{ID: "A", Title: "a", Priority: 1, BlockedBy: []string{"B"}},
			{ID: "B", Title: "b", Priority: 2, BlockedBy: []string{"A"}},
		},
	}
	if err := cyclic.DetectCycles(); err == nil {
		t.Fatal("expected cycle error")
	}

	acyclic := &Document{
		BranchName: "b",
		UserStories: []Story{
			{ID: "A", Title: "a", Priority: 1},
			{ID: "B", Title: "b", Priority: 2, BlockedBy: []string{"A"}},
		},
	}
	if err := acyclic.DetectCycles(); err != nil {
		t.Fatalf("unexpected cycle error: %v", err)
	}
}

// TestSave_RoundTrip verifies atomic save and re-load.
func TestSave_RoundTrip(t *testing.T) {
	path := writePRD(t, validPRD)
	doc, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	doc.MarkCompleted("US-001")
	if err := doc.Save(path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if !reloaded.UserStories[0].Passes {
		t.Fatal("completion flag lost across save/load")
	}
	if reloaded.BranchName != doc.BranchName {
		t.Fatalf("branchName changed: %q", reloaded.BranchName)
	}
}

// TestFingerprint verifies identity is stable and sensitive to branch.
func TestFingerprint(t *testing.T) {
	a := &Document{Project: "p", BranchName: "feature/one"}
	b := &Document{Project: "p", BranchName: "feature/one"}
	c := &Document{Project: "p", BranchName: "feature/two"}

	fa, err := a.Fingerprint()
	if err != nil {
		t.Fatalf("Fingerprint failed: %v", err)
	}
	fb, _ := b.Fingerprint()
	fc, _ := c.Fingerprint()

	if fa != fb {
		t.Fatalf("identical documents produced different fingerprints: %s vs %s", fa, fb)
	}
	if fa == fc {
		t.Fatal("different branches produced the same fingerprint")
	}
}
