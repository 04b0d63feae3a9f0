package prd

// StatusRemoved tags stories that were dropped from scope. Removed stories
// are never physically deleted, only tagged, so the history stays intact.
const StatusRemoved = "removed"

// Story is one unit of work in the PRD.
type Story struct {
	ID                 string   `json:"id"`
	Title              string   `json:"title"`
	Description        string   `json:"description,omitempty"`
	AcceptanceCriteria []string `json:"acceptanceCriteria,omitempty"`
	Priority           int      `json:"priority"`
	BlockedBy          []string `json:"blockedBy,omitempty"`
	Passes             bool     `json:"passes"`
	Notes              string   `json:"notes,omitempty"`
	Status             string   `json:"status,omitempty"`
}

// Removed reports whether the story has been tagged out of scope.
func (s Story) Removed() bool {
	return s.Status == StatusRemoved
}

// Document is the on-disk PRD: a project name, the branch all work lands
// on, and the ordered story list. BranchName is immutable once set.
type Document struct {
	Project     string  `json:"project"`
	BranchName  string  `json:"branchName"`
	UserStories []Story `json:"userStories"`
}
