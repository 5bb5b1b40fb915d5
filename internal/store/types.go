// Package store holds the authoritative in-memory run state: the Run, Node,
// Edge, Envelope, and Artifact entities from spec.md §3, and the Store that
// exclusively owns their mutation. Every other component mutates this state
// only through Store's narrow methods; readers get immutable snapshots.
package store

import "time"

// RunStatus is a run's lifecycle status.
type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunPaused    RunStatus = "paused"
	RunStopped   RunStatus = "stopped"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// OrchestrationMode is a run-wide posture: whether the scheduler may
// proceed without waiting on chat input.
type OrchestrationMode string

const (
	Auto        OrchestrationMode = "AUTO"
	Interactive OrchestrationMode = "INTERACTIVE"
)

// GlobalMode restricts what a node's turn is allowed to do.
type GlobalMode string

const (
	Planning       GlobalMode = "PLANNING"
	Implementation GlobalMode = "IMPLEMENTATION"
)

// NodeStatus is a node's lifecycle status, the scheduler-facing vocabulary
// chosen per SPEC_FULL.md's Open-Question resolution.
type NodeStatus string

const (
	NodeQueued    NodeStatus = "queued"
	NodeRunning   NodeStatus = "running"
	NodeCompleted NodeStatus = "completed"
	NodeFailed    NodeStatus = "failed"
	NodeSkipped   NodeStatus = "skipped"
	NodeCancelled NodeStatus = "cancelled"
)

// IsTerminal reports whether a node in this status will never run again
// without external re-activation.
func (s NodeStatus) IsTerminal() bool {
	switch s {
	case NodeCompleted, NodeFailed, NodeSkipped, NodeCancelled:
		return true
	default:
		return false
	}
}

// EdgeScope bounds a node's authority to create or remove edges.
type EdgeScope string

const (
	EdgeScopeNone EdgeScope = "none"
	EdgeScopeSelf EdgeScope = "self"
	EdgeScopeAll  EdgeScope = "all"
)

// PermissionMode governs whether a node's proposed tool calls are gated by
// the Approval Queue.
type PermissionMode string

const (
	PermissionSkip  PermissionMode = "skip"
	PermissionGated PermissionMode = "gated"
)

// ControlMode distinguishes nodes the scheduler wakes automatically from
// nodes that only run when explicitly queued (e.g. by an operator).
type ControlMode string

const (
	ControlAuto   ControlMode = "AUTO"
	ControlManual ControlMode = "MANUAL"
)

// Capabilities bounds what a node's turn is allowed to attempt.
type Capabilities struct {
	WriteCode    bool
	WriteDocs    bool
	RunCommands  bool
	DelegateOnly bool
	EdgeScope    EdgeScope
}

// Permissions governs tool-call gating and agent-management approval for a
// node.
type Permissions struct {
	CLIPermissions               PermissionMode
	AgentManagementRequiresApproval bool
}

// Session identifies a node's long-lived provider session for resume/reset.
type Session struct {
	SessionID     string
	ResetCommands []string
}

// Node is a worker inside a run bound to one external provider session.
type Node struct {
	ID           string
	RunID        string
	Label        string
	RoleTemplate string
	Provider     string
	Status       NodeStatus
	Capabilities Capabilities
	Permissions  Permissions
	Session      Session
	Control      ControlMode
	TurnCount    int
	LastOutput   string
	Summary      string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// EdgeType distinguishes a handoff channel from a side-channel report.
type EdgeType string

const (
	EdgeHandoff EdgeType = "handoff"
	EdgeReport  EdgeType = "report"
)

// EnvelopeKind distinguishes a work handoff from a lightweight signal.
type EnvelopeKind string

const (
	EnvelopeHandoff EnvelopeKind = "handoff"
	EnvelopeSignal  EnvelopeKind = "signal"
)

// ResponseExpectation tells the receiving node whether the sender expects a
// reply.
type ResponseExpectation string

const (
	ResponseNone     ResponseExpectation = "none"
	ResponseOptional ResponseExpectation = "optional"
	ResponseRequired ResponseExpectation = "required"
)

// EnvelopeStatus is the sender's self-reported outcome, carried in the
// payload so the receiver can distinguish a successful handoff from one
// reporting a problem.
type EnvelopeStatus struct {
	OK     bool
	Reason string
}

// Envelope is one message flowing along an Edge.
type Envelope struct {
	ID         string
	Kind       EnvelopeKind
	FromNodeID string
	ToNodeID   string
	CreatedAt  time.Time

	Message      string
	Record       map[string]any
	ArtifactRefs []string
	Status       *EnvelopeStatus
	Expectation  ResponseExpectation
	ContextRef   string
	Meta         map[string]any
}

// Edge is a directed channel carrying envelopes from one node to another.
type Edge struct {
	ID             string
	RunID          string
	FromNodeID     string
	ToNodeID       string
	Bidirectional  bool
	Type           EdgeType
	Label          string
	PendingEnvelopes []Envelope
}

// ArtifactKind classifies an Artifact's content.
type ArtifactKind string

const (
	ArtifactDiff        ArtifactKind = "diff"
	ArtifactPrompt      ArtifactKind = "prompt"
	ArtifactLog         ArtifactKind = "log"
	ArtifactTranscript  ArtifactKind = "transcript"
	ArtifactContextPack ArtifactKind = "contextpack"
	ArtifactReport      ArtifactKind = "report"
)

// ArtifactMetadata carries optional descriptive data about an Artifact.
type ArtifactMetadata struct {
	FilesChanged []string
	Summary      string
}

// Artifact is a piece of durable output produced by a node's turn.
type Artifact struct {
	ID        string
	RunID     string
	NodeID    string
	Kind      ArtifactKind
	Name      string
	Path      string
	CreatedAt time.Time
	Metadata  ArtifactMetadata
}

// ChatMessageRole is the author role of a chat message exchanged between
// the human user and a run or a specific node. See package chat for the
// manager that owns the messages.
type ChatMessageRole string

const (
	RoleUser      ChatMessageRole = "user"
	RoleAssistant ChatMessageRole = "assistant"
	RoleSystem    ChatMessageRole = "system"
)

// Run is a single execution of a user-defined agent graph.
type Run struct {
	ID                string
	Status            RunStatus
	OrchestrationMode OrchestrationMode
	GlobalMode        GlobalMode
	CreatedAt         time.Time
	UpdatedAt         time.Time
	RootOrchestratorID string
	WorkspaceRoot     string

	Nodes     map[string]Node
	Edges     map[string]Edge
	Artifacts map[string]Artifact
}
