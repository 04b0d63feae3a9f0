package agent

import (
	"reflect"
	"testing"
)

// TestBuildArgs covers the per-kind argument builders. Every invocation is
// a discrete argv: the prompt must stay one element no matter what it
// contains.
func TestBuildArgs(t *testing.T) {
	tests := []struct {
		name string
		d    Descriptor
		want []string
	}{
		{
			name: "claude with model and permissions",
			d:    Descriptor{Name: "claude-code", Kind: KindClaude, Binary: "claude", SkipPermissions: true},
			want: []string{"-p", "do the thing", "--output-format", "text", "--dangerously-skip-permissions", "--model", "opus"},
		},
		{
			name: "claude deny tools",
			d:    Descriptor{Name: "claude-code", Kind: KindClaude, Binary: "claude", DenyTools: []string{"WebSearch", "Bash(rm*)"}},
			want: []string{"-p", "do the thing", "--output-format", "text", "--model", "opus", "--disallowedTools", "WebSearch,Bash(rm*)"},
		},
		{
			name: "codex full auto",
			d:    Descriptor{Name: "codex", Kind: KindCodex, Binary: "codex", SkipPermissions: true},
			want: []string{"exec", "do the thing", "--full-auto", "--model", "opus"},
		},
		{
			name: "copilot allow all",
			d:    Descriptor{Name: "github-copilot", Kind: KindCopilot, Binary: "copilot", SkipPermissions: true},
			want: []string{"-p", "do the thing", "--allow-all-tools", "--model", "opus"},
		},
		{
			name: "gemini yolo",
			d:    Descriptor{Name: "gemini", Kind: KindGemini, Binary: "gemini", SkipPermissions: true},
			want: []string{"--prompt", "do the thing", "--yolo", "--model", "opus"},
		},
		{
			name: "opencode run",
			d:    Descriptor{Name: "opencode", Kind: KindOpencode, Binary: "opencode"},
			want: []string{"run", "do the thing", "--model", "opus"},
		},
		{
			name: "custom template substitution",
			d:    Descriptor{Name: "mytool", Kind: KindCommand, Binary: "mytool", Args: []string{"go", "--prompt", "{prompt}", "-m", "{model}"}},
			want: []string{"go", "--prompt", "do the thing", "-m", "opus"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := BuildArgs(tt.d, "opus", "do the thing")
			if err != nil {
				t.Fatalf("BuildArgs failed: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("BuildArgs = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestBuildArgs_PromptStaysOneArgument guards against shell-style
// interpolation: whitespace and metacharacters in the prompt must not
// split into extra argv elements.
func TestBuildArgs_PromptStaysOneArgument(t *testing.T) {
	prompt := `implement "US-001"; rm -rf / && echo $(whoami)`
	d := Descriptor{Name: "claude-code", Kind: KindClaude, Binary: "claude"}

	args, err := BuildArgs(d, "", prompt)
	if err != nil {
		t.Fatalf("BuildArgs failed: %v", err)
	}

	found := false
	for _, arg := range args {
		if arg == prompt {
			found = true
		}
	}
	if !found {
		t.Fatalf("prompt was not preserved as a single argument: %v", args)
	}
}

// TestBuildArgs_UnknownKind verifies the closed-set contract.
func TestBuildArgs_UnknownKind(t *testing.T) {
	_, err := BuildArgs(Descriptor{Name: "x", Kind: "mystery"}, "m", "p")
	if err == nil {
		t.Fatal("expected error for unknown kind")
	}
}
