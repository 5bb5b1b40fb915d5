// Package provider defines the abstract streaming-session contract a
// concrete coding-assistant CLI binds to, and the registry that resolves a
// provider name to a constructor. Concrete child-process spawning and
// argument assembly are out of scope (spec.md §1); this package only
// defines the shape a Node Executor drives.
package provider

import (
	"context"

	"github.com/vuhlp/engine/internal/errs"
)

// Frame is one raw event out of a provider's native stream, already
// translated into a small tagged-union shape the Mapper understands. A
// concrete provider adapter (not part of this module) is responsible for
// turning its own wire dialect into Frames; this keeps the Mapper the only
// place that understands canonical semantics, per spec.md §4.4's "new
// providers are added by supplying a mapper instance" design note.
type Frame struct {
	Kind Kind

	SessionID string

	// Text carries delta/reasoning/message-final/aggregate-final content.
	Text       string
	Index      *int
	TokenCount *int

	ToolID     string
	ToolName   string
	ToolArgs   map[string]any
	Result     any
	ErrMsg     string
	DurationMS *int64

	Name    string // diff/log/json artifact name
	Patch   string
	Payload any

	Summary string
}

// Kind tags a Frame's shape. These are provider-native event shapes, not
// the canonical event set the Mapper emits (see mapper.go's Event).
type Kind string

const (
	KindSession        Kind = "session"
	KindDelta          Kind = "delta"
	KindReasoning      Kind = "reasoning"
	KindMessageFinal   Kind = "message_final"
	KindAggregateFinal Kind = "aggregate_final"
	KindToolProposed   Kind = "tool_proposed"
	KindToolStarted    Kind = "tool_started"
	KindToolResult     Kind = "tool_result"
	KindDiff           Kind = "diff"
	KindLog            Kind = "log"
	KindJSON           Kind = "json"
	KindProgress       Kind = "progress"
	KindError          Kind = "error"
	KindFinal          Kind = "final"
)

// ToolResolution is what the Node Executor sends back to a provider session
// after an approval gate resolves, so the provider can continue or abandon
// the tool call.
type ToolResolution struct {
	Approved     bool
	ModifiedArgs map[string]any
	Feedback     string
}

// Session is the abstract streaming session the Node Executor drives for
// one turn. Concrete providers (Claude, Codex, Gemini, mock) implement
// this; spawning their child process is a collaborator outside this
// module's scope.
type Session interface {
	// SessionID returns the provider's session identifier. It may be empty
	// until the provider has reported one.
	SessionID() string

	// Stream starts one turn with the given prompt and returns a channel
	// of raw Frames. The channel closes when the provider's native stream
	// ends (normally via a KindFinal frame, or on context cancellation).
	Stream(ctx context.Context, prompt string) (<-chan Frame, error)

	// ResolveTool delivers an approval outcome for a previously proposed
	// tool call so the provider can continue (or abandon) it.
	ResolveTool(ctx context.Context, toolID string, res ToolResolution) error

	// Abort cancels the in-flight turn, if any.
	Abort(ctx context.Context) error

	// Reset closes and reopens the session, discarding prior context.
	Reset(ctx context.Context) error
}

// Config carries provider-specific construction options (command, args,
// env, and provider-specific options per spec.md §6's `providers` map).
type Config struct {
	Kind    string
	Command string
	Args    []string
	Env     map[string]string
	Options map[string]any
}

// Factory constructs a Session for one (run, node).
type Factory func(cfg Config) (Session, error)

// Registry maps a provider kind name to a Factory (SPEC_FULL.md §4.10).
type Registry struct {
	factories map[string]Factory
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a Factory under kind. Re-registering the same kind
// overwrites the prior factory, so tests can swap in fakes.
func (r *Registry) Register(kind string, factory Factory) {
	r.factories[kind] = factory
}

// NewSession constructs a Session for cfg.Kind. Returns a validation error
// for an unregistered kind.
func (r *Registry) NewSession(cfg Config) (Session, error) {
	factory, ok := r.factories[cfg.Kind]
	if !ok {
		return nil, errs.Validation("provider kind %q is not registered", cfg.Kind)
	}
	return factory(cfg)
}
