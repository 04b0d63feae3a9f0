package prd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gammazero/toposort"
	"github.com/mitchellh/hashstructure/v2"
)

// Validation failures surfaced by Load. All of them mean the PRD file is
// structurally unusable and the loop must not start.
var (
	ErrMalformedInput    = errors.New("prd: malformed input")
	ErrMissingField      = errors.New("prd: missing required field")
	ErrDuplicateID       = errors.New("prd: duplicate story id")
	ErrDanglingReference = errors.New("prd: blockedBy references unknown story")
)

// Load reads and validates a PRD document from path.
//
// Validation order: JSON schema, then duplicate IDs, then dangling
// blockedBy references. Circular blockedBy chains are NOT fatal -- they are
// reported by DetectCycles and simply leave the loop with nothing eligible.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	if err := validateSchema(data); err != nil {
		return nil, err
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedInput, err)
	}

	if err := validateStructure(&doc); err != nil {
		return nil, err
	}

	return &doc, nil
}

// validateStructure enforces the invariants the schema cannot express:
// unique IDs and resolvable blockedBy edges.
func validateStructure(doc *Document) error {
	if doc.BranchName == "" {
		return fmt.Errorf("%w: branchName", ErrMissingField)
	}

	seen := make(map[string]struct{}, len(doc.UserStories))
	for _, story := range doc.UserStories {
		if story.ID == "" {
			return fmt.Errorf("%w: story id", ErrMissingField)
		}
		if story.Title == "" {
			return fmt.Errorf("%w: story %q title", ErrMissingField, story.ID)
		}
		if _, dup := seen[story.ID]; dup {
			return fmt.Errorf("%w: %q", ErrDuplicateID, story.ID)
		}
		seen[story.ID] = struct{}{}
	}

	for _, story := range doc.UserStories {
		for _, dep := range story.BlockedBy {
			if _, ok := seen[dep]; !ok {
				return fmt.Errorf("%w: story %q blocked by %q", ErrDanglingReference, story.ID, dep)
			}
		}
	}

	return nil
}

// DetectCycles runs a topological sort over the blockedBy graph and returns
// an error describing any cycle. Callers treat this as a warning: a cyclic
// graph yields zero eligible stories and the loop halts as blocked.
func (d *Document) DetectCycles() error {
	var edges []toposort.Edge
	for _, story := range d.UserStories {
		if len(story.BlockedBy) == 0 {
			edges = append(edges, toposort.Edge{nil, story.ID})
			continue
		}
		for _, dep := range story.BlockedBy {
			edges = append(edges, toposort.Edge{dep, story.ID})
		}
	}

	if _, err := toposort.Toposort(edges); err != nil {
		return fmt.Errorf("blockedBy graph contains a cycle: %w", err)
	}
	return nil
}

// NextEligible returns the next story the loop should work on: the
// lowest-priority (lower number wins), not-passed, not-removed story whose
// every blockedBy entry has passed. Ties break by input order. Returns nil
// when nothing is eligible -- the caller disambiguates "all done" from
// "all blocked" via Remaining.
func (d *Document) NextEligible() *Story {
	passed := make(map[string]bool, len(d.UserStories))
	for _, story := range d.UserStories {
		passed[story.ID] = story.Passes
	}

	var best *Story
	for i := range d.UserStories {
		story := &d.UserStories[i]
		if story.Passes || story.Removed() {
			continue
		}

		blocked := false
		for _, dep := range story.BlockedBy {
			if !passed[dep] {
				blocked = true
				break
			}
		}
		if blocked {
			continue
		}

		if best == nil || story.Priority < best.Priority {
			best = story
		}
	}

	return best
}

// Remaining counts stories that are neither passed nor removed.
func (d *Document) Remaining() int {
	n := 0
	for _, story := range d.UserStories {
		if !story.Passes && !story.Removed() {
			n++
		}
	}
	return n
}

// AllComplete reports whether every in-scope story has passed.
func (d *Document) AllComplete() bool {
	return d.Remaining() == 0
}

// MarkCompleted sets passes=true on the story with the given ID.
// Idempotent: marking an already-passed story again is a no-op.
// Returns false if the ID is unknown.
func (d *Document) MarkCompleted(id string) bool {
	for i := range d.UserStories {
		if d.UserStories[i].ID == id {
			d.UserStories[i].Passes = true
			return true
		}
	}
	return false
}

// Save writes the document atomically: marshal to a temp file in the same
// directory, then rename over the target. A crash mid-write never leaves a
// corrupt PRD behind.
func (d *Document) Save(path string) error {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling prd: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".prd-*.json")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replacing %s: %w", path, err)
	}
	return nil
}

// Fingerprint identifies the task list for rotation-state scoping: a hash
// over the project name and branch name. When the fingerprint changes, the
// rotation machine discards its history so a prior unrelated run's failures
// never bias a fresh one.
func (d *Document) Fingerprint() (string, error) {
	identity := struct {
		Project    string
		BranchName string
	}{d.Project, d.BranchName}

	hash, err := hashstructure.Hash(identity, hashstructure.FormatV2, nil)
	if err != nil {
		return "", fmt.Errorf("hashing prd identity: %w", err)
	}
	return fmt.Sprintf("%016x", hash), nil
}
