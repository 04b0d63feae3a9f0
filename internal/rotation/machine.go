// Package rotation decides which (agent, model) pair handles the next
// iteration, given the failure and rate-limit history of the current run.
// The full state survives process restarts; it is wiped whenever the
// identity of the active task list changes so stale history never leaks
// across unrelated runs.
package rotation

import (
	"fmt"
	"time"
)

// AgentModels is one rotation slot: an agent name and its ordered model
// fallback list.
type AgentModels struct {
	Name   string
	Models []string
}

// Config is the rotation policy for one run.
type Config struct {
	Agents           []AgentModels
	FailureThreshold int           // consecutive failures before advancing the model
	Cooldown         time.Duration // how long a rate-limited agent sits out
}

// Selection is a concrete (agent, model) pair to invoke next.
type Selection struct {
	Agent string
	Model string
}

// Machine is the rotation state machine. All mutating events persist the
// state before returning so a restart resumes exactly where it left off.
type Machine struct {
	cfg   Config
	state State
	store *Store
	now   func() time.Time
}

// NewMachine builds a machine for the given policy, restoring persisted
// state from store. State recorded under a different task-list fingerprint
// is discarded and rotation restarts from the first agent and model.
func NewMachine(cfg Config, store *Store, fingerprint string) (*Machine, error) {
	if len(cfg.Agents) == 0 {
		return nil, fmt.Errorf("rotation: no agents configured")
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}

	m := &Machine{cfg: cfg, store: store, now: time.Now}

	state, err := store.Load()
	if err != nil {
		return nil, err
	}
	if state == nil || state.Fingerprint != fingerprint {
		state = newState(fingerprint)
		if err := store.Save(state); err != nil {
			return nil, err
		}
	}
	m.state = *state
	m.clampCursor()
	return m, nil
}

// clampCursor guards against configuration shrinking between runs (an
// agent removed from the rotation order leaves a stale index behind).
func (m *Machine) clampCursor() {
	if m.state.AgentIndex >= len(m.cfg.Agents) {
		m.state.AgentIndex = 0
		m.state.ModelIndex = 0
	}
	if m.state.ModelIndex >= len(m.modelsAt(m.state.AgentIndex)) {
		m.state.ModelIndex = 0
	}
}

func (m *Machine) modelsAt(agentIndex int) []string {
	models := m.cfg.Agents[agentIndex].Models
	if len(models) == 0 {
		// An agent with no configured models still rotates as one slot.
		return []string{""}
	}
	return models
}

// SelectNext returns the pair at the cursor, skipping agents inside their
// cooldown window. Returns ok=false when every agent is cooling down; the
// caller must halt with a rate-limit-exhausted outcome rather than spin.
func (m *Machine) SelectNext() (Selection, bool) {
	now := m.now()
	n := len(m.cfg.Agents)
	for i := 0; i < n; i++ {
		idx := (m.state.AgentIndex + i) % n
		a := m.cfg.Agents[idx]
		if until, cooling := m.state.Cooldowns[a.Name]; cooling && now.Before(until) {
			continue
		}

		modelIdx := 0
		if idx == m.state.AgentIndex {
			modelIdx = m.state.ModelIndex
		}
		return Selection{Agent: a.Name, Model: m.modelsAt(idx)[modelIdx]}, true
	}
	return Selection{}, false
}

// OnSuccess resets the consecutive-failure counter for the pair. The
// cursor stays put: the winning combination handles the next task too.
func (m *Machine) OnSuccess(agent, model string) error {
	m.state.Failures[pairKey(agent, model)] = 0
	return m.store.Save(&m.state)
}

// OnFailure increments the pair's consecutive-failure counter. Reaching
// the threshold advances the model cursor, wrapping to the next agent when
// the model list is exhausted, and resets the counter at the new position.
func (m *Machine) OnFailure(agent, model string) error {
	key := pairKey(agent, model)
	m.state.Failures[key]++
	if m.state.Failures[key] < m.cfg.FailureThreshold {
		return m.store.Save(&m.state)
	}

	m.advanceModel()
	next, _ := m.SelectNext()
	m.state.Failures[pairKey(next.Agent, next.Model)] = 0
	return m.store.Save(&m.state)
}

// OnRateLimit records the agent's cooldown window and advances straight to
// the next agent in rotation order, skipping its remaining models.
func (m *Machine) OnRateLimit(agent string) error {
	m.state.Cooldowns[agent] = m.now().Add(m.cfg.Cooldown)
	m.advanceAgent()
	return m.store.Save(&m.state)
}

func (m *Machine) advanceModel() {
	m.state.ModelIndex++
	if m.state.ModelIndex >= len(m.modelsAt(m.state.AgentIndex)) {
		m.advanceAgent()
	}
}

func (m *Machine) advanceAgent() {
	m.state.AgentIndex = (m.state.AgentIndex + 1) % len(m.cfg.Agents)
	m.state.ModelIndex = 0
}

// Snapshot returns a copy of the current state. Useful for status output
// and tests.
func (m *Machine) Snapshot() State {
	return m.state.clone()
}

func pairKey(agent, model string) string {
	return agent + "/" + model
}
