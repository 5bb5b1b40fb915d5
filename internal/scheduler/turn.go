package scheduler

import (
	"context"

	"github.com/vuhlp/engine/internal/chat"
	"github.com/vuhlp/engine/internal/eventbus"
	"github.com/vuhlp/engine/internal/executor"
	"github.com/vuhlp/engine/internal/store"
)

// wakeUpScan implements spec.md §4.8 step 3: every node with a pending
// chat message is queued, and if an orphan (run-level) message is
// pending, the root orchestrator is queued as its first-line recipient.
func (s *Scheduler) wakeUpScan(ctx context.Context) {
	nodeIDs, hasOrphan := s.chat.TargetNodeIDs(s.runID)
	for _, id := range nodeIDs {
		s.wakeNode(ctx, id)
	}
	if !hasOrphan {
		return
	}
	run, err := s.store.GetRun(s.runID)
	if err != nil {
		return
	}
	rootTerminal, lowestActiveID := orphanAdoptionFacts(run)
	if !rootTerminal {
		s.wakeNode(ctx, run.RootOrchestratorID)
		return
	}
	// The root has already settled (or there never was one); per scenario
	// §8.4 the next run-level message goes to the lowest-id active node,
	// not back to a terminal root.
	if lowestActiveID != "" {
		s.wakeNode(ctx, lowestActiveID)
	}
}

// wakeNode transitions nodeID to queued unless it is already running or
// queued, per the wake-up rule shared by chat scan and handoff dispatch.
func (s *Scheduler) wakeNode(ctx context.Context, nodeID string) {
	run, err := s.store.GetRun(s.runID)
	if err != nil {
		return
	}
	n, ok := run.Nodes[nodeID]
	if !ok || n.Status == store.NodeRunning || n.Status == store.NodeQueued {
		return
	}
	updated, err := s.store.UpdateNodeStatus(s.runID, nodeID, store.NodeQueued)
	if err != nil {
		return
	}
	s.bus.Publish(ctx, eventbus.Event{
		RunID: s.runID,
		Type:  eventbus.TypeNodePatch,
		Payload: map[string]any{
			"nodeId": updated.ID,
			"status": string(updated.Status),
		},
	})
}

// runNodeTurn assembles one node's incoming envelopes and chat context,
// runs its turn via the executor, and dispatches output on success.
func (s *Scheduler) runNodeTurn(ctx context.Context, node store.Node) {
	run, err := s.store.GetRun(s.runID)
	if err != nil {
		return
	}

	envelopes, err := s.store.ConsumeEnvelopes(s.runID, node.ID)
	if err != nil {
		s.logger.Error(ctx, "consume envelopes failed", "run", s.runID, "node", node.ID, "err", err)
		return
	}

	rootTerminal, lowestActiveID := orphanAdoptionFacts(run)
	// knownNodes holds only non-terminal nodes, so a message whose target
	// is terminal is treated like one whose target is missing.
	knownNodes := make(map[string]bool, len(run.Nodes))
	for id, n := range run.Nodes {
		if !n.Status.IsTerminal() {
			knownNodes[id] = true
		}
	}
	selector := chat.OrphanAdoptionSelector(node.ID, run.RootOrchestratorID, rootTerminal, node.ID == lowestActiveID, knownNodes)
	chatContext, _ := s.chat.ConsumeMessages(s.runID, selector)

	res, err := s.executor.ExecuteTurn(ctx, executor.Input{
		RunID:                  s.runID,
		NodeID:                 node.ID,
		Envelopes:              envelopes,
		ChatContext:            chatContext,
		GlobalModeInstructions: s.cfg.GlobalModeInstructions,
		ProviderConfig:         s.cfg.ProviderConfigFor(node),
		ApprovalTimeoutMS:      s.cfg.ApprovalTimeoutMS,
		VerificationCommands:   s.cfg.VerificationCommands,
		WorkspaceRoot:          run.WorkspaceRoot,
	})
	if err != nil {
		s.logger.Error(ctx, "node turn failed", "run", s.runID, "node", node.ID, "err", err)
		return
	}
	if res.Outcome != executor.OutcomeCompleted {
		return
	}
	s.dispatchOutput(ctx, run, node, res.Output)
}

// dispatchOutput implements spec.md §4.8 step 5's handoff: the node's
// output becomes a new envelope on every outgoing edge, handoff.sent is
// published, and each target not under manual control is woken.
func (s *Scheduler) dispatchOutput(ctx context.Context, run store.Run, node store.Node, output string) {
	for _, edge := range run.OutgoingEdges(node.ID) {
		toID := edge.ToNodeID
		if edge.Bidirectional && toID == node.ID {
			toID = edge.FromNodeID
		}
		env := store.Envelope{
			Kind:       store.EnvelopeHandoff,
			FromNodeID: node.ID,
			ToNodeID:   toID,
			Message:    output,
		}
		if _, err := s.store.EnqueueEnvelope(s.runID, env); err != nil {
			s.logger.Error(ctx, "enqueue envelope failed", "run", s.runID, "edge", edge.ID, "err", err)
			continue
		}
		s.bus.Publish(ctx, eventbus.Event{
			RunID: s.runID,
			Type:  eventbus.TypeHandoffSent,
			Payload: map[string]any{
				"fromNodeId": node.ID,
				"toNodeId":   toID,
			},
		})

		target, ok := run.Nodes[toID]
		if ok && target.Control != store.ControlManual {
			s.wakeNode(ctx, toID)
		}
	}
}

// orphanAdoptionFacts reports whether the run's root orchestrator is
// terminal (or missing) and which node currently holds the lowest-id
// among non-terminal nodes, the two facts OrphanAdoptionSelector needs
// that only the scheduler, seeing every node's status, can supply.
func orphanAdoptionFacts(run store.Run) (rootTerminal bool, lowestActiveID string) {
	root, ok := run.Nodes[run.RootOrchestratorID]
	rootTerminal = !ok || root.Status.IsTerminal()
	for _, id := range run.NodeIDs() {
		if !run.Nodes[id].Status.IsTerminal() {
			return rootTerminal, id
		}
	}
	return rootTerminal, ""
}
