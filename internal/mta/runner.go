package mta

import (
	"context"
	"fmt"
	"os/exec"
)

// Runner executes MTA control commands (postmap, postfix, doveadm).
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands on the local host.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return output, fmt.Errorf("%s %v failed: %w: %s", name, args, err, string(output))
	}
	return output, nil
}
