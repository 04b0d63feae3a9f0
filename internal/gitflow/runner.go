package gitflow

import (
	"fmt"
	"os/exec"
	"strings"
)

// Runner executes one VCS command and returns its combined output. The
// coordinator drives everything through this interface so tests can script
// subprocess behavior without a real repository.
type Runner interface {
	Run(name string, args ...string) (string, error)
}

// ExecRunner runs commands in a fixed working directory.
type ExecRunner struct {
	Dir string
}

func (r ExecRunner) Run(name string, args ...string) (string, error) {
	cmd := exec.Command(name, args...)
	cmd.Dir = r.Dir
	output, err := cmd.CombinedOutput()
	out := strings.TrimSpace(string(output))
	if err != nil {
		return out, fmt.Errorf("%s %s: %w (output: %s)", name, strings.Join(args, " "), err, out)
	}
	return out, nil
}
