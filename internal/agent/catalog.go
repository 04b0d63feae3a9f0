package agent

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed builtin/*.yaml
var builtinFS embed.FS

const (
	builtinDir       = "builtin"
	configDirName    = ".prdloop"
	customAgentsPath = "agents"
)

// Descriptor describes one external coding-agent CLI: how to build its
// command line, which models to rotate through, and whether to pass the
// skip-confirmations flags. Descriptors are loaded once at startup and are
// immutable for the duration of a run.
type Descriptor struct {
	Name            string   `yaml:"name"`
	Kind            string   `yaml:"kind"`
	Binary          string   `yaml:"binary"`
	Args            []string `yaml:"args"`
	Models          []string `yaml:"models"`
	SkipPermissions bool     `yaml:"skip_permissions"`
	DenyTools       []string `yaml:"deny_tools"`
}

// Catalog holds every known agent descriptor, builtin and custom.
type Catalog struct {
	agents map[string]Descriptor
}

// LoadCatalog loads the builtin descriptors plus any custom definitions
// under <repoRoot>/.prdloop/agents/*.yaml. Custom definitions with the same
// name override builtins.
func LoadCatalog(repoRoot string) (Catalog, error) {
	catalog := Catalog{agents: map[string]Descriptor{}}

	builtin, err := loadBuiltinAgents()
	if err != nil {
		return Catalog{}, err
	}
	for _, d := range builtin {
		if err := catalog.add(d); err != nil {
			return Catalog{}, err
		}
	}

	repoRoot = strings.TrimSpace(repoRoot)
	if repoRoot == "" {
		return catalog, nil
	}

	customDir := filepath.Join(repoRoot, configDirName, customAgentsPath)
	entries, err := os.ReadDir(customDir)
	if err != nil {
		if os.IsNotExist(err) {
			return catalog, nil
		}
		return Catalog{}, fmt.Errorf("reading custom agents from %q: %w", customDir, err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".yaml", ".yml":
		default:
			continue
		}

		path := filepath.Join(customDir, entry.Name())
		payload, err := os.ReadFile(path)
		if err != nil {
			return Catalog{}, fmt.Errorf("reading agent definition %q: %w", path, err)
		}
		d, err := parseDescriptor(payload)
		if err != nil {
			return Catalog{}, fmt.Errorf("parsing agent definition %q: %w", path, err)
		}
		if err := catalog.add(d); err != nil {
			return Catalog{}, fmt.Errorf("invalid agent definition %q: %w", path, err)
		}
	}

	return catalog, nil
}

func loadBuiltinAgents() ([]Descriptor, error) {
	entries, err := fs.ReadDir(builtinFS, builtinDir)
	if err != nil {
		return nil, fmt.Errorf("reading builtin agent definitions: %w", err)
	}
	out := make([]Descriptor, 0, len(entries))
	for _, entry := range entries {
		payload, err := fs.ReadFile(builtinFS, builtinDir+"/"+entry.Name())
		if err != nil {
			return nil, fmt.Errorf("reading builtin agent %q: %w", entry.Name(), err)
		}
		d, err := parseDescriptor(payload)
		if err != nil {
			return nil, fmt.Errorf("parsing builtin agent %q: %w", entry.Name(), err)
		}
		out = append(out, d)
	}
	return out, nil
}

func parseDescriptor(payload []byte) (Descriptor, error) {
	var d Descriptor
	if err := yaml.Unmarshal(payload, &d); err != nil {
		return Descriptor{}, err
	}
	return normalizeDescriptor(d), nil
}

func normalizeDescriptor(d Descriptor) Descriptor {
	d.Name = strings.ToLower(strings.TrimSpace(d.Name))
	d.Kind = strings.ToLower(strings.TrimSpace(d.Kind))
	d.Binary = strings.TrimSpace(d.Binary)
	if d.Kind == "" {
		d.Kind = d.Name
	}
	if d.Binary == "" {
		d.Binary = d.Name
	}
	return d
}

func (c *Catalog) add(d Descriptor) error {
	if d.Name == "" {
		return fmt.Errorf("agent name is required")
	}
	if err := validateDescriptor(d); err != nil {
		return err
	}
	c.agents[d.Name] = d
	return nil
}

// validateDescriptor rejects unknown kinds. Agent kinds are a closed set:
// each has a dedicated argument builder in args.go.
func validateDescriptor(d Descriptor) error {
	switch d.Kind {
	case KindClaude, KindCodex, KindCopilot, KindGemini, KindOpencode, KindCommand:
	default:
		return fmt.Errorf("unsupported agent kind %q", d.Kind)
	}
	if d.Kind == KindCommand && len(d.Args) == 0 {
		return fmt.Errorf("command agents require an args template")
	}
	return nil
}

// ApplyDenyTools merges extra deny-tool entries into a named descriptor.
// Unknown names are ignored; the rotation order is validated separately.
func (c Catalog) ApplyDenyTools(name string, tools []string) {
	key := strings.ToLower(strings.TrimSpace(name))
	d, ok := c.agents[key]
	if !ok || len(tools) == 0 {
		return
	}
	have := make(map[string]bool, len(d.DenyTools))
	for _, tool := range d.DenyTools {
		have[tool] = true
	}
	for _, tool := range tools {
		if !have[tool] {
			d.DenyTools = append(d.DenyTools, tool)
		}
	}
	c.agents[key] = d
}

// Agent returns the descriptor for name, if known.
func (c Catalog) Agent(name string) (Descriptor, bool) {
	d, ok := c.agents[strings.ToLower(strings.TrimSpace(name))]
	return d, ok
}

// Names returns all known agent names, sorted.
func (c Catalog) Names() []string {
	if len(c.agents) == 0 {
		return nil
	}
	names := make([]string, 0, len(c.agents))
	for name := range c.agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
