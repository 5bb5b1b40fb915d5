package provider

import (
	"github.com/vuhlp/engine/internal/tool"
)

// EventKind tags one canonical event the Mapper emits, per spec.md §4.4's
// canonical set: session, message.delta, message.reasoning, message.final,
// tool.proposed, tool.started, tool.completed, diff, log, json, progress,
// final.
type EventKind string

const (
	EventSession          EventKind = "session"
	EventMessageDelta     EventKind = "message.delta"
	EventMessageReasoning EventKind = "message.reasoning"
	EventMessageFinal     EventKind = "message.final"
	EventToolProposed     EventKind = "tool.proposed"
	EventToolStarted      EventKind = "tool.started"
	EventToolCompleted    EventKind = "tool.completed"
	EventDiff             EventKind = "diff"
	EventLog              EventKind = "log"
	EventJSON             EventKind = "json"
	EventProgress         EventKind = "progress"
	EventFinal            EventKind = "final"
)

// Event is one canonical, provider-independent event out of the Mapper. The
// Node Executor is the only consumer; it translates these onto eventbus
// Events and artifact writes.
type Event struct {
	Kind EventKind

	SessionID string

	Delta      string
	Index      *int
	TokenCount *int

	Content string // reasoning / message.final content

	Tool tool.Call // tool.proposed

	ToolID     string // tool.started / tool.completed
	Result     any
	Err        string
	DurationMS *int64

	Name    string // diff/log/json artifact name
	Patch   string // diff
	Payload any    // json

	Message string // progress

	Output  string // final
	Summary string // final
}

// Mapper is stateful per provider Session: it tracks in-flight tool calls
// (to pair proposed→started→completed) and the text already surfaced via
// deltas or an explicit message.final, so a later duplicate aggregate frame
// does not produce a second message.final (spec.md §4.4).
type Mapper struct {
	pending map[string]tool.Call

	hadTextSource bool
	finalEmitted  bool
	lastFinal     string
}

// NewMapper returns a Mapper with empty per-session state.
func NewMapper() *Mapper {
	return &Mapper{pending: make(map[string]tool.Call)}
}

// Map translates one raw provider Frame into zero or more canonical Events.
// Most frame kinds translate 1:1; message-final dedup and tool id pairing
// are the exceptions.
func (m *Mapper) Map(f Frame) []Event {
	switch f.Kind {
	case KindSession:
		return []Event{{Kind: EventSession, SessionID: f.SessionID}}

	case KindDelta:
		m.hadTextSource = true
		return []Event{{Kind: EventMessageDelta, Delta: f.Text, Index: f.Index}}

	case KindReasoning:
		return []Event{{Kind: EventMessageReasoning, Content: f.Text}}

	case KindMessageFinal:
		m.hadTextSource = true
		return m.emitFinal(f.Text, f.TokenCount)

	case KindAggregateFinal:
		if m.finalEmitted && f.Text == m.lastFinal {
			// Duplicate of the message already surfaced via deltas/an
			// explicit message_final frame; suppress it.
			return nil
		}
		if m.finalEmitted {
			// A distinct final already emitted and this aggregate carries
			// different content: nothing in spec.md §4.4 asks for a second
			// message.final here, so treat it as a duplicate wrapper.
			return nil
		}
		// No explicit final seen; the aggregate is the only source of
		// text and must itself produce message.final, even if prior
		// deltas existed without ever being finalized.
		return m.emitFinal(f.Text, f.TokenCount)

	case KindToolProposed:
		call := tool.Call{ID: f.ToolID, Name: f.ToolName, Args: f.ToolArgs, Risk: ClassifyRisk(f.ToolName, f.ToolArgs)}
		m.pending[f.ToolID] = call
		return []Event{{Kind: EventToolProposed, Tool: call}}

	case KindToolStarted:
		return []Event{{Kind: EventToolStarted, ToolID: f.ToolID}}

	case KindToolResult:
		delete(m.pending, f.ToolID)
		ev := Event{Kind: EventToolCompleted, ToolID: f.ToolID, Result: f.Result, DurationMS: f.DurationMS}
		if f.ErrMsg != "" {
			ev.Err = f.ErrMsg
		}
		return []Event{ev}

	case KindDiff:
		return []Event{{Kind: EventDiff, Name: f.Name, Patch: f.Patch}}

	case KindLog:
		return []Event{{Kind: EventLog, Name: f.Name, Content: f.Text}}

	case KindJSON:
		return []Event{{Kind: EventJSON, Name: f.Name, Payload: f.Payload}}

	case KindProgress:
		return []Event{{Kind: EventProgress, Message: f.Text}}

	case KindError:
		// Error frames never terminate the session; they surface as
		// progress (spec.md §4.4).
		return []Event{{Kind: EventProgress, Message: f.ErrMsg}}

	case KindFinal:
		return []Event{{Kind: EventFinal, Output: f.Text, Summary: f.Summary}}

	default:
		return nil
	}
}

func (m *Mapper) emitFinal(content string, tokenCount *int) []Event {
	if m.finalEmitted && content == m.lastFinal {
		return nil
	}
	m.finalEmitted = true
	m.lastFinal = content
	return []Event{{Kind: EventMessageFinal, Content: content, TokenCount: tokenCount}}
}

// PendingTools returns the tool calls proposed but not yet completed, for
// callers (e.g. the executor, on cancellation) that need to abandon them.
func (m *Mapper) PendingTools() map[string]tool.Call {
	out := make(map[string]tool.Call, len(m.pending))
	for k, v := range m.pending {
		out[k] = v
	}
	return out
}
