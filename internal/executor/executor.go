// Package executor implements the Node Executor from spec.md §4.7: running
// exactly one turn of one node against its provider session, threading the
// stream through the Provider Event Mapper and into the event bus,
// enforcing approval gating and stall detection.
package executor

import (
	"context"
	"fmt"
	"sync"

	"github.com/vuhlp/engine/internal/approval"
	"github.com/vuhlp/engine/internal/clock"
	"github.com/vuhlp/engine/internal/errs"
	"github.com/vuhlp/engine/internal/eventbus"
	"github.com/vuhlp/engine/internal/provider"
	"github.com/vuhlp/engine/internal/session"
	"github.com/vuhlp/engine/internal/store"
	"github.com/vuhlp/engine/internal/telemetry"
)

// Input configures one ExecuteTurn call.
type Input struct {
	RunID  string
	NodeID string

	Envelopes   []store.Envelope
	ChatContext string

	// GlobalModeInstructions resolves the run's current global mode to the
	// instruction text prepended to the turn prompt.
	GlobalModeInstructions func(store.GlobalMode) string

	ProviderConfig provider.Config

	// ApprovalTimeoutMS is passed through to every requestApproval call
	// this turn issues. Zero means no auto-timeout, the spec.md §5
	// default.
	ApprovalTimeoutMS int64

	// VerificationCommands, when non-empty, run against WorkspaceRoot
	// after the turn completes; a repeated identical failure message
	// feeds stall detection alongside output/diff hashes.
	VerificationCommands []string
	WorkspaceRoot         string
}

// Outcome reports how the turn ended.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

// Result is what ExecuteTurn returns once the turn has settled.
type Result struct {
	Outcome Outcome
	Output  string
	Stalled bool
}

// Executor runs turns. Its only state that survives across calls is the
// per-node stall-detection history.
type Executor struct {
	store     *store.Store
	bus       *eventbus.Bus
	approvals *approval.Queue
	sessions  *session.Registry
	clock     clock.Clock
	logger    telemetry.Logger
	tracer    telemetry.Tracer
	verifier  VerificationRunner

	historyMu sync.Mutex
	history   map[nodeKey]*turnHistory
}

type nodeKey struct{ runID, nodeID string }

// New wires an Executor to its collaborators, defaulting to
// ShellVerificationRunner for any node that configures verification
// commands.
func New(st *store.Store, bus *eventbus.Bus, approvals *approval.Queue, sessions *session.Registry, c clock.Clock, logger telemetry.Logger, tracer telemetry.Tracer) *Executor {
	return &Executor{
		store:     st,
		bus:       bus,
		approvals: approvals,
		sessions:  sessions,
		clock:     c,
		logger:    logger,
		tracer:    tracer,
		verifier:  ShellVerificationRunner{},
		history:   make(map[nodeKey]*turnHistory),
	}
}

// WithVerificationRunner overrides the default shell-based verification
// runner, for tests.
func (e *Executor) WithVerificationRunner(v VerificationRunner) *Executor {
	e.verifier = v
	return e
}

// ExecuteTurn runs one turn of in.NodeID within in.RunID to completion,
// failure, or cancellation, per spec.md §4.7.
func (e *Executor) ExecuteTurn(ctx context.Context, in Input) (Result, error) {
	ctx, span := e.tracer.Start(ctx, "executor.turn")
	defer span.End()

	run, err := e.store.GetRun(in.RunID)
	if err != nil {
		return Result{}, err
	}
	node, ok := run.Nodes[in.NodeID]
	if !ok {
		return Result{}, errs.NotFound("node %q not found in run %q", in.NodeID, in.RunID)
	}

	prompt := buildPrompt(node, run.GlobalMode, in.Envelopes, in.ChatContext, in.GlobalModeInstructions)

	if _, err := e.store.IncrementTurnCount(in.RunID, in.NodeID); err != nil {
		return Result{}, err
	}
	node, err = e.store.UpdateNodeStatus(in.RunID, in.NodeID, store.NodeRunning)
	if err != nil {
		return Result{}, err
	}
	e.publishNodePatch(ctx, in.RunID, node)
	e.bus.Publish(ctx, eventbus.Event{
		RunID:   in.RunID,
		Type:    eventbus.TypeTurnStarted,
		Payload: map[string]any{"nodeId": in.NodeID, "turn": node.TurnCount},
	})

	sess, err := e.sessions.Open(in.RunID, in.NodeID, in.ProviderConfig)
	if err != nil {
		return e.fail(ctx, in, err)
	}

	frames, err := sess.Stream(ctx, prompt)
	if err != nil {
		return e.fail(ctx, in, err)
	}

	mapper := provider.NewMapper()
	var output, summary string
	var diffPatch string
	gated := node.Permissions.CLIPermissions == store.PermissionGated

	for {
		select {
		case <-ctx.Done():
			_ = sess.Abort(context.Background())
			return e.cancel(ctx, in)

		case frame, open := <-frames:
			if !open {
				goto completed
			}
			for _, ev := range mapper.Map(frame) {
				done, out, sum, diff := e.handleEvent(ctx, in, sess, ev, gated)
				if out != "" {
					output = out
				}
				if sum != "" {
					summary = sum
				}
				if diff != "" {
					diffPatch = diff
				}
				if done {
					goto completed
				}
			}
		}
	}

completed:
	node, err = e.store.UpdateNodeTurn(in.RunID, in.NodeID, store.NodeCompleted, output, summary)
	if err != nil {
		return Result{}, err
	}
	e.publishNodePatch(ctx, in.RunID, node)
	e.bus.Publish(ctx, eventbus.Event{
		RunID:   in.RunID,
		Type:    eventbus.TypeTurnCompleted,
		Payload: map[string]any{"nodeId": in.NodeID, "turn": node.TurnCount, "output": output},
	})
	e.persistTurnArtifacts(ctx, in, node, output, summary, diffPatch)

	// Verification only runs on the completed path, so a stall driven by a
	// repeated verification-failure message never fires on a turn that
	// itself failed; that's consistent with step 6 covering completed
	// turns only.
	var verificationFailure string
	if len(in.VerificationCommands) > 0 {
		verificationFailure, _ = e.verifier.Run(ctx, in.WorkspaceRoot, in.VerificationCommands)
	}

	stalled := e.recordAndCheckStall(ctx, in.RunID, in.NodeID, output, diffPatch, verificationFailure)
	return Result{Outcome: OutcomeCompleted, Output: output, Stalled: stalled}, nil
}

// handleEvent forwards one canonical event to the bus (or the approval
// gate, for tool.proposed), returning whether the stream is now done and
// any output/summary/diff it carried.
func (e *Executor) handleEvent(ctx context.Context, in Input, sess provider.Session, ev provider.Event, gated bool) (done bool, output, summary, diffPatch string) {
	switch ev.Kind {
	case provider.EventMessageDelta:
		e.bus.Publish(ctx, eventbus.Event{RunID: in.RunID, Type: eventbus.TypeAssistantDelta, Payload: map[string]any{"nodeId": in.NodeID, "delta": ev.Delta, "index": ev.Index}})

	case provider.EventMessageReasoning:
		e.bus.Publish(ctx, eventbus.Event{RunID: in.RunID, Type: eventbus.TypeNodeProgress, Payload: map[string]any{"nodeId": in.NodeID, "kind": "reasoning", "content": ev.Content}})

	case provider.EventMessageFinal:
		e.bus.Publish(ctx, eventbus.Event{RunID: in.RunID, Type: eventbus.TypeAssistantFinal, Payload: map[string]any{"nodeId": in.NodeID, "content": ev.Content, "tokenCount": ev.TokenCount}})

	case provider.EventToolProposed:
		e.handleToolProposed(ctx, in, sess, ev, gated)

	case provider.EventToolStarted:
		e.bus.Publish(ctx, eventbus.Event{RunID: in.RunID, Type: eventbus.TypeToolStarted, Payload: map[string]any{"nodeId": in.NodeID, "toolId": ev.ToolID}})

	case provider.EventToolCompleted:
		payload := map[string]any{"nodeId": in.NodeID, "toolId": ev.ToolID, "durationMs": ev.DurationMS}
		if ev.Err != "" {
			payload["error"] = ev.Err
		} else {
			payload["result"] = ev.Result
		}
		e.bus.Publish(ctx, eventbus.Event{RunID: in.RunID, Type: eventbus.TypeToolCompleted, Payload: payload})

	case provider.EventDiff:
		diffPatch = ev.Patch
		e.bus.Publish(ctx, eventbus.Event{RunID: in.RunID, Type: eventbus.TypeNodeProgress, Payload: map[string]any{"nodeId": in.NodeID, "kind": "diff", "name": ev.Name, "patch": ev.Patch}})

	case provider.EventLog:
		e.bus.Publish(ctx, eventbus.Event{RunID: in.RunID, Type: eventbus.TypeNodeProgress, Payload: map[string]any{"nodeId": in.NodeID, "kind": "log", "name": ev.Name, "content": ev.Content}})

	case provider.EventJSON:
		e.bus.Publish(ctx, eventbus.Event{RunID: in.RunID, Type: eventbus.TypeNodeProgress, Payload: map[string]any{"nodeId": in.NodeID, "kind": "json", "name": ev.Name, "payload": ev.Payload}})

	case provider.EventProgress:
		e.bus.Publish(ctx, eventbus.Event{RunID: in.RunID, Type: eventbus.TypeNodeProgress, Payload: map[string]any{"nodeId": in.NodeID, "kind": "progress", "message": ev.Message}})

	case provider.EventFinal:
		return true, ev.Output, ev.Summary, diffPatch
	}
	return false, "", "", diffPatch
}

// handleToolProposed gates a proposed tool call through the Approval Queue
// when the node's permission mode is gated, then relays the resolution
// back to the provider session before continuing.
func (e *Executor) handleToolProposed(ctx context.Context, in Input, sess provider.Session, ev provider.Event, gated bool) {
	e.bus.Publish(ctx, eventbus.Event{RunID: in.RunID, Type: eventbus.TypeToolProposed, Payload: map[string]any{"nodeId": in.NodeID, "tool": ev.Tool}})

	if !gated {
		_ = sess.ResolveTool(ctx, ev.Tool.ID, provider.ToolResolution{Approved: true})
		return
	}

	res, err := e.approvals.RequestApproval(ctx, approval.Params{
		RunID:     in.RunID,
		NodeID:    in.NodeID,
		Tool:      ev.Tool,
		TimeoutMS: in.ApprovalTimeoutMS,
	})
	if err != nil {
		// Context cancelled mid-wait; the outer loop's cancellation branch
		// handles turn teardown.
		return
	}

	switch res.Status {
	case approval.StatusApproved:
		_ = sess.ResolveTool(ctx, ev.Tool.ID, provider.ToolResolution{Approved: true, Feedback: res.Feedback})
	case approval.StatusModified:
		_ = sess.ResolveTool(ctx, ev.Tool.ID, provider.ToolResolution{Approved: true, ModifiedArgs: res.ModifiedArgs, Feedback: res.Feedback})
	default: // denied or timeout: treated as tool-level denial, not a turn failure
		_ = sess.ResolveTool(ctx, ev.Tool.ID, provider.ToolResolution{Approved: false, Feedback: res.Feedback})
	}
}

func (e *Executor) fail(ctx context.Context, in Input, cause error) (Result, error) {
	node, err := e.store.UpdateNodeTurn(in.RunID, in.NodeID, store.NodeFailed, "", "")
	if err != nil {
		return Result{}, err
	}
	e.publishNodePatch(ctx, in.RunID, node)
	e.bus.Publish(ctx, eventbus.Event{
		RunID:   in.RunID,
		Type:    eventbus.TypeTurnFailed,
		Payload: map[string]any{"nodeId": in.NodeID, "error": cause.Error()},
	})
	return Result{Outcome: OutcomeFailed}, errs.Provider(cause, "node %q turn failed", in.NodeID)
}

func (e *Executor) cancel(ctx context.Context, in Input) (Result, error) {
	node, err := e.store.UpdateNodeStatus(in.RunID, in.NodeID, store.NodeCancelled)
	if err != nil {
		return Result{}, err
	}
	e.publishNodePatch(ctx, in.RunID, node)
	e.bus.Publish(ctx, eventbus.Event{
		RunID:   in.RunID,
		Type:    eventbus.TypeTurnInterrupted,
		Payload: map[string]any{"nodeId": in.NodeID},
	})
	return Result{Outcome: OutcomeCancelled}, nil
}

// persistTurnArtifacts implements spec.md §4.7 step 6's "persist last
// output + any diff artifact": every completed turn records a report
// artifact for its output, plus a diff artifact when the turn produced
// one, each announced with artifact.created.
func (e *Executor) persistTurnArtifacts(ctx context.Context, in Input, node store.Node, output, summary, diffPatch string) {
	report, err := e.store.AddArtifact(in.RunID, store.Artifact{
		NodeID:   in.NodeID,
		Kind:     store.ArtifactReport,
		Name:     fmt.Sprintf("turn-%d-output", node.TurnCount),
		Path:     fmt.Sprintf("runs/%s/artifacts/turn-%d-output", in.RunID, node.TurnCount),
		Metadata: store.ArtifactMetadata{Summary: summary},
	})
	if err != nil {
		e.logger.Error(ctx, "add output artifact failed", "run", in.RunID, "node", in.NodeID, "err", err)
	} else {
		e.publishArtifactCreated(ctx, in.RunID, report)
	}

	if diffPatch == "" {
		return
	}
	diff, err := e.store.AddArtifact(in.RunID, store.Artifact{
		NodeID: in.NodeID,
		Kind:   store.ArtifactDiff,
		Name:   fmt.Sprintf("turn-%d-diff", node.TurnCount),
		Path:   fmt.Sprintf("runs/%s/artifacts/turn-%d-diff", in.RunID, node.TurnCount),
	})
	if err != nil {
		e.logger.Error(ctx, "add diff artifact failed", "run", in.RunID, "node", in.NodeID, "err", err)
		return
	}
	e.publishArtifactCreated(ctx, in.RunID, diff)
}

func (e *Executor) publishArtifactCreated(ctx context.Context, runID string, a store.Artifact) {
	e.bus.Publish(ctx, eventbus.Event{
		RunID: runID,
		Type:  eventbus.TypeArtifactCreated,
		Payload: map[string]any{
			"artifactId": a.ID,
			"nodeId":     a.NodeID,
			"kind":       string(a.Kind),
		},
	})
}

func (e *Executor) publishNodePatch(ctx context.Context, runID string, node store.Node) {
	e.bus.Publish(ctx, eventbus.Event{
		RunID: runID,
		Type:  eventbus.TypeNodePatch,
		Payload: map[string]any{
			"nodeId": node.ID,
			"status": string(node.Status),
			"turn":   node.TurnCount,
		},
	})
}
