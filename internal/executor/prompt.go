package executor

import (
	"strings"

	"github.com/vuhlp/engine/internal/store"
)

// buildPrompt assembles one turn's prompt: role-template text, global-mode
// instructions, pending envelope bodies in arrival order, and (if present)
// the chat-context block, per spec.md §4.7 step 2.
func buildPrompt(node store.Node, mode store.GlobalMode, envelopes []store.Envelope, chatContext string, globalModeInstructions func(store.GlobalMode) string) string {
	var b strings.Builder

	b.WriteString(node.RoleTemplate)
	b.WriteString("\n\n")

	if globalModeInstructions != nil {
		if instr := globalModeInstructions(mode); instr != "" {
			b.WriteString(instr)
			b.WriteString("\n\n")
		}
	}

	if len(envelopes) > 0 {
		b.WriteString("--- INCOMING ENVELOPES ---\n")
		for _, env := range envelopes {
			b.WriteString(envelopeBody(env))
			b.WriteString("\n")
		}
		b.WriteString("--- END INCOMING ENVELOPES ---\n\n")
	}

	if chatContext != "" {
		b.WriteString(chatContext)
		b.WriteString("\n")
	}

	return strings.TrimRight(b.String(), "\n")
}

// DefaultGlobalModeInstructions is the stock PLANNING/IMPLEMENTATION
// instruction text; callers may supply their own resolver instead.
func DefaultGlobalModeInstructions(mode store.GlobalMode) string {
	switch mode {
	case store.Planning:
		return "Global mode: PLANNING. Propose and discuss changes; do not write code or run commands yet."
	case store.Implementation:
		return "Global mode: IMPLEMENTATION. Make the changes and run any required commands."
	default:
		return ""
	}
}

func envelopeBody(env store.Envelope) string {
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(string(env.Kind))
	b.WriteString(" from ")
	b.WriteString(env.FromNodeID)
	b.WriteString("] ")
	b.WriteString(env.Message)
	if env.Status != nil && !env.Status.OK {
		b.WriteString(" (reported failure: ")
		b.WriteString(env.Status.Reason)
		b.WriteString(")")
	}
	return b.String()
}
