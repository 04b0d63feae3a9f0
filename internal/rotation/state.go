package rotation

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// State is the persisted rotation record: cursor position, per-pair
// consecutive-failure counters, and per-agent cooldown expiry timestamps.
type State struct {
	Fingerprint string               `json:"fingerprint"`
	AgentIndex  int                  `json:"agentIndex"`
	ModelIndex  int                  `json:"modelIndex"`
	Failures    map[string]int       `json:"failures"`
	Cooldowns   map[string]time.Time `json:"cooldowns"`
}

func newState(fingerprint string) *State {
	return &State{
		Fingerprint: fingerprint,
		Failures:    map[string]int{},
		Cooldowns:   map[string]time.Time{},
	}
}

func (s State) clone() State {
	cp := s
	cp.Failures = make(map[string]int, len(s.Failures))
	for k, v := range s.Failures {
		cp.Failures[k] = v
	}
	cp.Cooldowns = make(map[string]time.Time, len(s.Cooldowns))
	for k, v := range s.Cooldowns {
		cp.Cooldowns[k] = v
	}
	return cp
}

// Store reads and writes rotation state as JSON at a fixed path.
type Store struct {
	path string
}

// NewStore creates a store at path. The parent directory is created on
// first save.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Load returns the persisted state, or nil when no state file exists yet.
func (st *Store) Load() (*State, error) {
	data, err := os.ReadFile(st.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading rotation state: %w", err)
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("parsing rotation state %s: %w", st.path, err)
	}
	if state.Failures == nil {
		state.Failures = map[string]int{}
	}
	if state.Cooldowns == nil {
		state.Cooldowns = map[string]time.Time{}
	}
	return &state, nil
}

// Save writes the state atomically (temp file then rename).
func (st *Store) Save(state *State) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling rotation state: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(st.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".rotation-*.json")
	if err != nil {
		return fmt.Errorf("creating temp state file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing rotation state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing rotation state: %w", err)
	}
	if err := os.Rename(tmpPath, st.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replacing rotation state: %w", err)
	}
	return nil
}
