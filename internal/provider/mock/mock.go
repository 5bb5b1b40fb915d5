// Package mock implements an in-process provider.Session that replays a
// scripted sequence of Frames instead of spawning a real coding-assistant
// CLI. It is grounded on dmora-agentrun's engine/acp/testdata/mock-acp
// harness: a mode string selects one of several canned streams (a plain
// completion, a denied-tool scenario, a stalled/repeating-output scenario,
// a slow turn for cancellation tests), the same shape as mock-acp's
// ACP_MOCK_MODE env var selecting a canned RPC transcript.
package mock

import (
	"context"
	"time"

	"github.com/vuhlp/engine/internal/provider"
)

// Mode selects a canned script, mirroring mock-acp's ACP_MOCK_MODE knob.
type Mode string

const (
	ModeSimple       Mode = "simple"        // one message.final then final
	ModeToolCall     Mode = "tool_call"     // proposes one tool, then finishes
	ModeRepeatOutput Mode = "repeat_output" // emits the same final every turn (stall bait)
	ModeSlow         Mode = "slow"          // delays each frame, for cancellation tests
	ModeErrorThenOK  Mode = "error_then_ok" // emits an error progress frame, then recovers
)

// Session is a scripted provider.Session. Each call to Stream advances to
// the next turn's script, so ModeRepeatOutput can be asserted to replay an
// identical transcript turn after turn.
type Session struct {
	mode      Mode
	sessionID string
	frameGap  time.Duration

	turn int
}

// New returns a scripted Session. frameGap, when non-zero, delays each
// frame by that duration (used by ModeSlow to exercise context
// cancellation without a real sleep baked into the script itself).
func New(mode Mode, sessionID string, frameGap time.Duration) *Session {
	return &Session{mode: mode, sessionID: sessionID, frameGap: frameGap}
}

// Factory adapts New to provider.Factory, reading the mode from
// cfg.Options["mode"] (defaulting to ModeSimple) and the per-frame delay
// from cfg.Options["frameGapMs"]. ModeSlow defaults to a 50ms gap when
// frameGapMs is not set, so it is actually slow enough to exercise
// cancellation without the caller having to know that detail.
func Factory(cfg provider.Config) (provider.Session, error) {
	mode := ModeSimple
	if v, ok := cfg.Options["mode"].(string); ok && v != "" {
		mode = Mode(v)
	}
	sessionID := cfg.Options["sessionId"]
	sid, _ := sessionID.(string)
	if sid == "" {
		sid = "mock-session-001"
	}

	var gap time.Duration
	if v, ok := cfg.Options["frameGapMs"].(int); ok {
		gap = time.Duration(v) * time.Millisecond
	} else if mode == ModeSlow {
		gap = 50 * time.Millisecond
	}
	return New(mode, sid, gap), nil
}

func (s *Session) SessionID() string { return s.sessionID }

// Stream replays this Session's mode script for one turn.
func (s *Session) Stream(ctx context.Context, prompt string) (<-chan provider.Frame, error) {
	s.turn++
	frames := s.script(prompt)

	out := make(chan provider.Frame, len(frames))
	go func() {
		defer close(out)
		for _, f := range frames {
			if s.frameGap > 0 {
				select {
				case <-time.After(s.frameGap):
				case <-ctx.Done():
					return
				}
			}
			select {
			case out <- f:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (s *Session) script(prompt string) []provider.Frame {
	base := []provider.Frame{{Kind: provider.KindSession, SessionID: s.sessionID}}

	switch s.mode {
	case ModeToolCall:
		return append(base,
			provider.Frame{Kind: provider.KindDelta, Text: "Let me check that.\n"},
			provider.Frame{Kind: provider.KindToolProposed, ToolID: "call_001", ToolName: "Bash", ToolArgs: map[string]any{"command": "rm -rf /tmp/x"}},
			provider.Frame{Kind: provider.KindToolStarted, ToolID: "call_001"},
			provider.Frame{Kind: provider.KindToolResult, ToolID: "call_001", ErrMsg: "denied"},
			provider.Frame{Kind: provider.KindMessageFinal, Text: "Skipped the risky command."},
			provider.Frame{Kind: provider.KindFinal, Text: "Skipped the risky command.", Summary: "declined a destructive command"},
		)

	case ModeRepeatOutput:
		return append(base,
			provider.Frame{Kind: provider.KindMessageFinal, Text: "no progress made"},
			provider.Frame{Kind: provider.KindFinal, Text: "no progress made", Summary: "stuck"},
		)

	case ModeSlow:
		return append(base,
			provider.Frame{Kind: provider.KindDelta, Text: "working"},
			provider.Frame{Kind: provider.KindMessageFinal, Text: "done eventually"},
			provider.Frame{Kind: provider.KindFinal, Text: "done eventually"},
		)

	case ModeErrorThenOK:
		return append(base,
			provider.Frame{Kind: provider.KindError, ErrMsg: "transient provider error"},
			provider.Frame{Kind: provider.KindMessageFinal, Text: "recovered"},
			provider.Frame{Kind: provider.KindFinal, Text: "recovered"},
		)

	default: // ModeSimple
		return append(base,
			provider.Frame{Kind: provider.KindMessageFinal, Text: "ok"},
			provider.Frame{Kind: provider.KindFinal, Text: "ok"},
		)
	}
}

// ResolveTool is a no-op: the script already decided each tool's outcome up
// front, since the mock does not actually branch on live approval results.
func (s *Session) ResolveTool(ctx context.Context, toolID string, res provider.ToolResolution) error {
	return nil
}

// Abort is a no-op; in-flight Stream goroutines exit via ctx cancellation.
func (s *Session) Abort(ctx context.Context) error { return nil }

// Reset clears turn count so the next Stream call replays turn one.
func (s *Session) Reset(ctx context.Context) error {
	s.turn = 0
	return nil
}
