package executor

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
)

// VerificationRunner runs a node's configured verification commands against
// its workspace and reports the first failure's combined output, if any.
// Grounded on the teacher's features/mcp/runtime/stdiocaller.go use of
// exec.CommandContext for an external tool invocation.
type VerificationRunner interface {
	Run(ctx context.Context, workspaceRoot string, commands []string) (failureMessage string, ok bool)
}

// ShellVerificationRunner runs each command with `sh -c` in workspaceRoot,
// stopping at the first non-zero exit.
type ShellVerificationRunner struct{}

func (ShellVerificationRunner) Run(ctx context.Context, workspaceRoot string, commands []string) (string, bool) {
	for _, c := range commands {
		cmd := exec.CommandContext(ctx, "sh", "-c", c)
		if workspaceRoot != "" {
			cmd.Dir = workspaceRoot
		}
		var out bytes.Buffer
		cmd.Stdout = &out
		cmd.Stderr = &out
		if err := cmd.Run(); err != nil {
			return strings.TrimSpace(out.String()), false
		}
	}
	return "", true
}
