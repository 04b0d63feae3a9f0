package agent

import (
	"fmt"
	"strings"
)

// Agent kinds form a closed set. Each kind has its own argument builder so
// a command line is always an explicit ordered argv, never an interpolated
// shell string.
const (
	KindClaude   = "claude"
	KindCodex    = "codex"
	KindCopilot  = "copilot"
	KindGemini   = "gemini"
	KindOpencode = "opencode"
	KindCommand  = "command"
)

// BuildArgs constructs the argv (excluding the binary) for one invocation
// of the described agent with the given model and prompt.
func BuildArgs(d Descriptor, model, prompt string) ([]string, error) {
	switch d.Kind {
	case KindClaude:
		return claudeArgs(d, model, prompt), nil
	case KindCodex:
		return codexArgs(d, model, prompt), nil
	case KindCopilot:
		return copilotArgs(d, model, prompt), nil
	case KindGemini:
		return geminiArgs(d, model, prompt), nil
	case KindOpencode:
		return opencodeArgs(d, model, prompt), nil
	case KindCommand:
		return templateArgs(d, model, prompt)
	default:
		return nil, fmt.Errorf("unsupported agent kind %q", d.Kind)
	}
}

func claudeArgs(d Descriptor, model, prompt string) []string {
	args := []string{"-p", prompt, "--output-format", "text"}
	if d.SkipPermissions {
		args = append(args, "--dangerously-skip-permissions")
	}
	if model != "" {
		args = append(args, "--model", model)
	}
	if len(d.DenyTools) > 0 {
		args = append(args, "--disallowedTools", strings.Join(d.DenyTools, ","))
	}
	args = append(args, d.Args...)
	return args
}

func codexArgs(d Descriptor, model, prompt string) []string {
	args := []string{"exec", prompt}
	if d.SkipPermissions {
		args = append(args, "--full-auto")
	}
	if model != "" {
		args = append(args, "--model", model)
	}
	args = append(args, d.Args...)
	return args
}

func copilotArgs(d Descriptor, model, prompt string) []string {
	args := []string{"-p", prompt}
	if d.SkipPermissions {
		args = append(args, "--allow-all-tools")
	}
	if model != "" {
		args = append(args, "--model", model)
	}
	for _, tool := range d.DenyTools {
		args = append(args, "--deny-tool", tool)
	}
	args = append(args, d.Args...)
	return args
}

func geminiArgs(d Descriptor, model, prompt string) []string {
	args := []string{"--prompt", prompt}
	if d.SkipPermissions {
		args = append(args, "--yolo")
	}
	if model != "" {
		args = append(args, "--model", model)
	}
	args = append(args, d.Args...)
	return args
}

func opencodeArgs(d Descriptor, model, prompt string) []string {
	args := []string{"run", prompt}
	if model != "" {
		args = append(args, "--model", model)
	}
	args = append(args, d.Args...)
	return args
}

// templateArgs substitutes {prompt} and {model} placeholders in a custom
// agent's args template. Each placeholder stays a single argv element
// regardless of whitespace in the substituted value.
func templateArgs(d Descriptor, model, prompt string) ([]string, error) {
	if len(d.Args) == 0 {
		return nil, fmt.Errorf("agent %q has no args template", d.Name)
	}
	args := make([]string, 0, len(d.Args))
	for _, raw := range d.Args {
		arg := strings.ReplaceAll(raw, "{prompt}", prompt)
		arg = strings.ReplaceAll(arg, "{model}", model)
		args = append(args, arg)
	}
	return args, nil
}
