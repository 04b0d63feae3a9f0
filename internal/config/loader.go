package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"
)

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Agent: AgentSelection{Primary: "claude-code"},
		Rotation: RotationConfig{
			Enabled:           true,
			FailureThreshold:  3,
			RateLimitCooldown: 1800,
			Strategy:          "sequential",
		},
		Git: GitConfig{
			AutoCheckoutBranch: true,
			BaseBranch:         "main",
			Push:               PushConfig{Enabled: true, Timing: "per-iteration"},
			PR:                 PRConfig{Enabled: false},
		},
		Loop: LoopConfig{
			MaxIterations:  10,
			TimeoutSeconds: 3600,
			MaxGitDrift:    3,
		},
		Agents: map[string]AgentOverride{},
	}
}

// GlobalPath returns the user-level config location under the XDG config
// home.
func GlobalPath() string {
	return filepath.Join(xdg.ConfigHome, "prdloop", "config.yaml")
}

// ProjectPath returns the repo-level config location.
func ProjectPath(repoRoot string) string {
	return filepath.Join(repoRoot, ".prdloop", "config.yaml")
}

// Load reads and merges configuration. Precedence, highest last applied:
// defaults, global config, project config. Missing files are skipped;
// malformed YAML is an error.
func Load(globalPath, projectPath string) (*Config, error) {
	cfg := Default()

	if globalPath != "" {
		if err := mergeFile(cfg, globalPath); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}
	if projectPath != "" {
		if err := mergeFile(cfg, projectPath); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}

	return cfg, nil
}

// LoadForRepo loads configuration for a repository using conventional
// paths.
func LoadForRepo(repoRoot string) (*Config, error) {
	return Load(GlobalPath(), ProjectPath(repoRoot))
}

// mergeFile unmarshals path over the existing config. Absent keys keep
// their current values; present keys override.
func mergeFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}
