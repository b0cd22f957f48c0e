package procs

import (
	"context"
	"os/exec"
)

// Runner executes an external command and returns its stdout. It is the only
// way this package and the tmux/focus resolvers touch the OS, so tests can
// substitute canned output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner implements Runner using os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}
