package provider

import (
	"strings"

	"github.com/vuhlp/engine/internal/tool"
)

// lowRiskTools never touch the workspace: pure reads. Grounded on the
// teacher's features/policy/basic read-only allowlist shape.
var lowRiskTools = map[string]bool{
	"Read": true,
	"Glob": true,
	"Grep": true,
	"LS":   true,
	"Ls":   true,
}

// mediumRiskTools mutate the workspace but within the node's own sandbox.
var mediumRiskTools = map[string]bool{
	"Write":        true,
	"Edit":         true,
	"MultiEdit":    true,
	"ApplyPatch":   true,
	"NotebookEdit": true,
}

// destructivePatterns elevate an otherwise medium-risk shell invocation to
// high risk regardless of tool name. Matched as case-insensitive substrings
// of the command argument.
var destructivePatterns = []string{
	"rm -rf",
	"rm -fr",
	"mkfs",
	"dd if=",
	":(){:|:&};:",
	"> /dev/sd",
	"chmod -r 777",
	"git push --force",
	"git reset --hard",
}

// ClassifyRisk assigns a Risk tier to a proposed tool call. Unknown tool
// names default to medium (spec.md §4.4: "unknown tools default to
// medium"); any tool whose command argument matches a destructive shell
// pattern is elevated to high regardless of its name or allowlist tier.
func ClassifyRisk(name string, args map[string]any) tool.Risk {
	if cmd, ok := commandArg(args); ok && isDestructive(cmd) {
		return tool.RiskHigh
	}
	if lowRiskTools[name] {
		return tool.RiskLow
	}
	if name == "Bash" || name == "Shell" || name == "Exec" {
		return tool.RiskMedium
	}
	if mediumRiskTools[name] {
		return tool.RiskMedium
	}
	return tool.RiskMedium
}

func commandArg(args map[string]any) (string, bool) {
	for _, key := range []string{"command", "cmd", "script"} {
		if v, ok := args[key]; ok {
			if s, ok := v.(string); ok {
				return s, true
			}
		}
	}
	return "", false
}

func isDestructive(cmd string) bool {
	lower := strings.ToLower(cmd)
	for _, p := range destructivePatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}
