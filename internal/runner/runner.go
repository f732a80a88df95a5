// Package runner invokes the external automation tool. Every step is an
// ansible-playbook run executed through a shell so the configured
// environment file can be sourced first.
package runner

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"time"
)

// Step is one convergence invocation.
type Step struct {
	Playbook string
	// ExtraVars are passed as -e key=value.
	ExtraVars map[string]string
	// InventoryFile, when set, is passed as -i.
	InventoryFile string
}

// Name is the playbook basename, used in log lines and errors.
func (s Step) Name() string { return filepath.Base(s.Playbook) }

// StepRunner is what the sync service depends on; the real
// implementation shells out, tests substitute a fake.
type StepRunner interface {
	Run(ctx context.Context, step Step) (output string, err error)
}

type Runner struct {
	workDir string
	envFile string
	timeout time.Duration
}

func New(workDir, envFile string, timeout time.Duration) *Runner {
	return &Runner{workDir: workDir, envFile: envFile, timeout: timeout}
}

// Run executes one step with a timeout, capturing combined output. A
// non-zero exit is returned as an error wrapping the output tail.
func (r *Runner) Run(ctx context.Context, step Step) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmdline := "ansible-playbook"
	if step.InventoryFile != "" {
		cmdline += " -i " + step.InventoryFile
	}
	cmdline += " " + step.Playbook
	for k, v := range step.ExtraVars {
		cmdline += fmt.Sprintf(" -e '%s=%s'", k, v)
	}
	if r.envFile != "" {
		cmdline = "source " + r.envFile + " && " + cmdline
	}

	cmd := exec.CommandContext(ctx, "bash", "-c", cmdline)
	cmd.Dir = r.workDir

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Run(); err != nil {
		return out.String(), fmt.Errorf("step %s: %w: %s", step.Name(), err, tail(out.Bytes(), 1024))
	}
	return out.String(), nil
}

func tail(b []byte, n int) string {
	if len(b) <= n {
		return string(bytes.TrimSpace(b))
	}
	return string(bytes.TrimSpace(b[len(b)-n:]))
}
