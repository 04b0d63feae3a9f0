package config

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// AgentSelection names the primary agent and an optional fallback tried
// once immediately after a primary failure.
type AgentSelection struct {
	Primary  string `yaml:"primary"`
	Fallback string `yaml:"fallback"`
}

// RotationConfig is the failure/rate-limit rotation policy.
type RotationConfig struct {
	Enabled           bool   `yaml:"enabled"`
	FailureThreshold  int    `yaml:"failure-threshold"`
	RateLimitCooldown int    `yaml:"rate-limit-cooldown"` // seconds
	Strategy          string `yaml:"strategy"`
}

// PushConfig controls remote sync.
type PushConfig struct {
	Enabled bool   `yaml:"enabled"`
	Timing  string `yaml:"timing"` // per-iteration or end-of-run
}

// PRConfig controls pull-request automation.
type PRConfig struct {
	Enabled   bool `yaml:"enabled"`
	Draft     bool `yaml:"draft"`
	AutoMerge bool `yaml:"auto-merge"`
}

// GitConfig controls the git workflow around iterations.
type GitConfig struct {
	AutoCheckoutBranch bool       `yaml:"auto-checkout-branch"`
	BaseBranch         string     `yaml:"base-branch"`
	Push               PushConfig `yaml:"push"`
	PR                 PRConfig   `yaml:"pr"`
}

// LoopConfig bounds the iteration loop.
type LoopConfig struct {
	MaxIterations  int `yaml:"max-iterations"`
	TimeoutSeconds int `yaml:"timeout"` // per-invocation; 0 = unbounded
	// MaxGitDrift is how many consecutive branch-switch failures are
	// tolerated before the run halts fatally.
	MaxGitDrift int `yaml:"max-git-drift"`
}

// AgentOverride is a per-agent configuration section keyed by agent name
// at the top level of the config file.
type AgentOverride struct {
	Model        string   `yaml:"model"`
	Models       []string `yaml:"models"`
	ToolApproval string   `yaml:"tool-approval"`
	ApprovalMode string   `yaml:"approval-mode"`
	DenyTools    []string `yaml:"deny-tools"`
}

// Config is the full orchestrator configuration.
type Config struct {
	Agent         AgentSelection `yaml:"agent"`
	Rotation      RotationConfig `yaml:"rotation"`
	AgentRotation []string       `yaml:"agent-rotation"`
	Git           GitConfig      `yaml:"git"`
	Loop          LoopConfig     `yaml:"loop"`

	// Agents holds the per-agent override sections. Populated from every
	// top-level key that is not one of the known sections.
	Agents map[string]AgentOverride `yaml:"-"`
}

// knownSections are the top-level keys that are NOT agent overrides.
var knownSections = map[string]bool{
	"agent":          true,
	"rotation":       true,
	"agent-rotation": true,
	"git":            true,
	"loop":           true,
}

// UnmarshalYAML decodes the known sections, then sweeps every remaining
// top-level key into the per-agent override map. Decoding over an already
// populated Config merges: present keys override, absent keys persist.
func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	type plain Config
	if err := value.Decode((*plain)(c)); err != nil {
		return err
	}

	var raw map[string]yaml.Node
	if err := value.Decode(&raw); err != nil {
		return err
	}

	if c.Agents == nil {
		c.Agents = map[string]AgentOverride{}
	}
	for key, node := range raw {
		if knownSections[key] {
			continue
		}
		var override AgentOverride
		if err := node.Decode(&override); err != nil {
			return fmt.Errorf("agent section %q: %w", key, err)
		}
		c.Agents[key] = override
	}
	return nil
}

// Validate checks the configuration for structural problems. Called after
// all layers are merged, before the loop starts.
func (c *Config) Validate() error {
	if c.Agent.Primary == "" {
		return fmt.Errorf("agent.primary is required")
	}
	if c.Rotation.FailureThreshold <= 0 {
		return fmt.Errorf("rotation.failure-threshold must be positive")
	}
	if c.Rotation.RateLimitCooldown <= 0 {
		return fmt.Errorf("rotation.rate-limit-cooldown must be positive")
	}
	if c.Git.BaseBranch == "" {
		return fmt.Errorf("git.base-branch is required")
	}
	switch c.Git.Push.Timing {
	case "", "per-iteration", "end-of-run":
	default:
		return fmt.Errorf("git.push.timing must be per-iteration or end-of-run, got %q", c.Git.Push.Timing)
	}
	if c.Loop.MaxIterations <= 0 {
		return fmt.Errorf("loop.max-iterations must be positive")
	}
	return nil
}

// RotationOrder returns the effective agent rotation order: the explicit
// agent-rotation list when set, otherwise just the primary agent.
func (c *Config) RotationOrder() []string {
	if len(c.AgentRotation) > 0 {
		return c.AgentRotation
	}
	return []string{c.Agent.Primary}
}

// ModelsFor returns the model rotation list for an agent: the override's
// models list, else its single model, else the catalog defaults passed in.
func (c *Config) ModelsFor(agent string, catalogDefaults []string) []string {
	override, ok := c.Agents[agent]
	if ok {
		if len(override.Models) > 0 {
			return override.Models
		}
		if override.Model != "" {
			return []string{override.Model}
		}
	}
	return catalogDefaults
}
