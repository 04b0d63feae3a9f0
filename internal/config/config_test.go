package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}
	return path
}

// TestLoad_Defaults verifies missing files fall through to defaults.
func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), "")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Agent.Primary != "claude-code" {
		t.Fatalf("Primary = %q, want claude-code", cfg.Agent.Primary)
	}
	if cfg.Rotation.FailureThreshold != 3 {
		t.Fatalf("FailureThreshold = %d, want 3", cfg.Rotation.FailureThreshold)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

// TestLoad_AgentOverrideSections verifies dynamic top-level agent keys.
func TestLoad_AgentOverrideSections(t *testing.T) {
	path := writeConfig(t, `
agent:
  primary: claude-code
  fallback: codex
agent-rotation:
  - claude-code
  - codex
claude-code:
  model: opus
  models: [opus, sonnet]
  deny-tools: [WebSearch]
codex:
  model: gpt-5-codex
  approval-mode: full-auto
`)

	cfg, err := Load("", path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	claude, ok := cfg.Agents["claude-code"]
	if !ok {
		t.Fatal("claude-code override missing")
	}
	if len(claude.Models) != 2 || claude.Models[0] != "opus" {
		t.Fatalf("claude models = %v", claude.Models)
	}
	if len(claude.DenyTools) != 1 || claude.DenyTools[0] != "WebSearch" {
		t.Fatalf("claude deny-tools = %v", claude.DenyTools)
	}
	if cfg.Agents["codex"].ApprovalMode != "full-auto" {
		t.Fatalf("codex approval-mode = %q", cfg.Agents["codex"].ApprovalMode)
	}
	if cfg.Agent.Fallback != "codex" {
		t.Fatalf("fallback = %q", cfg.Agent.Fallback)
	}
}

// TestLoad_ProjectOverridesGlobal verifies layer precedence.
func TestLoad_ProjectOverridesGlobal(t *testing.T) {
	global := writeConfig(t, `
agent:
  primary: codex
rotation:
  failure-threshold: 5
`)
	project := writeConfig(t, `
agent:
  primary: claude-code
`)

	cfg, err := Load(global, project)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Agent.Primary != "claude-code" {
		t.Fatalf("Primary = %q, want project override", cfg.Agent.Primary)
	}
	// Global-only key survives the project layer.
	if cfg.Rotation.FailureThreshold != 5 {
		t.Fatalf("FailureThreshold = %d, want global value 5", cfg.Rotation.FailureThreshold)
	}
}

// TestValidate rejects structurally broken configs.
func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing primary", func(c *Config) { c.Agent.Primary = "" }},
		{"zero threshold", func(c *Config) { c.Rotation.FailureThreshold = 0 }},
		{"zero cooldown", func(c *Config) { c.Rotation.RateLimitCooldown = 0 }},
		{"missing base branch", func(c *Config) { c.Git.BaseBranch = "" }},
		{"bad push timing", func(c *Config) { c.Git.Push.Timing = "sometimes" }},
		{"zero iterations", func(c *Config) { c.Loop.MaxIterations = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

// TestModelsFor verifies override/catalog precedence for model lists.
func TestModelsFor(t *testing.T) {
	cfg := Default()
	cfg.Agents["claude-code"] = AgentOverride{Models: []string{"opus"}}
	cfg.Agents["gemini"] = AgentOverride{Model: "gemini-2.5-pro"}

	if got := cfg.ModelsFor("claude-code", []string{"sonnet"}); got[0] != "opus" {
		t.Fatalf("ModelsFor = %v, want override list", got)
	}
	if got := cfg.ModelsFor("gemini", nil); got[0] != "gemini-2.5-pro" {
		t.Fatalf("ModelsFor = %v, want single model", got)
	}
	if got := cfg.ModelsFor("codex", []string{"gpt-5-codex"}); got[0] != "gpt-5-codex" {
		t.Fatalf("ModelsFor = %v, want catalog defaults", got)
	}
}
