package store

import (
	"fmt"
	"sort"
	"sync"

	"github.com/vuhlp/engine/internal/clock"
	"github.com/vuhlp/engine/internal/errs"
)

// Store is the authoritative in-memory map of run id to run state. It is
// guarded by one mutex per run rather than a single global lock, so two
// unrelated runs never contend on each other's mutations (SPEC_FULL.md
// §4.2).
type Store struct {
	clock clock.Clock
	ids   clock.IDSource

	mu   sync.RWMutex
	runs map[string]*runEntry
}

type runEntry struct {
	mu  sync.RWMutex
	run Run
}

// New returns an empty Store.
func New(c clock.Clock, ids clock.IDSource) *Store {
	return &Store{clock: c, ids: ids, runs: make(map[string]*runEntry)}
}

// CreateRun adds a new run and returns its snapshot.
func (s *Store) CreateRun(mode OrchestrationMode, global GlobalMode, workspaceRoot string) Run {
	now := s.clock.Now()
	run := Run{
		ID:                s.ids.NewID(),
		Status:            RunQueued,
		OrchestrationMode: mode,
		GlobalMode:        global,
		CreatedAt:         now,
		UpdatedAt:         now,
		WorkspaceRoot:     workspaceRoot,
		Nodes:             make(map[string]Node),
		Edges:             make(map[string]Edge),
		Artifacts:         make(map[string]Artifact),
	}
	s.mu.Lock()
	s.runs[run.ID] = &runEntry{run: run}
	s.mu.Unlock()
	return run.clone()
}

func (r Run) clone() Run {
	out := r
	out.Nodes = make(map[string]Node, len(r.Nodes))
	for k, v := range r.Nodes {
		out.Nodes[k] = v
	}
	out.Edges = make(map[string]Edge, len(r.Edges))
	for k, v := range r.Edges {
		ev := v
		ev.PendingEnvelopes = append([]Envelope(nil), v.PendingEnvelopes...)
		out.Edges[k] = ev
	}
	out.Artifacts = make(map[string]Artifact, len(r.Artifacts))
	for k, v := range r.Artifacts {
		out.Artifacts[k] = v
	}
	return out
}

func (s *Store) entry(runID string) (*runEntry, error) {
	s.mu.RLock()
	e, ok := s.runs[runID]
	s.mu.RUnlock()
	if !ok {
		return nil, errs.NotFound("run %q not found", runID)
	}
	return e, nil
}

// GetRun returns an immutable snapshot of a run.
func (s *Store) GetRun(runID string) (Run, error) {
	e, err := s.entry(runID)
	if err != nil {
		return Run{}, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.run.clone(), nil
}

// ListRuns returns immutable snapshots of every run, ordered by id for
// deterministic iteration.
func (s *Store) ListRuns() []Run {
	s.mu.RLock()
	entries := make([]*runEntry, 0, len(s.runs))
	for _, e := range s.runs {
		entries = append(entries, e)
	}
	s.mu.RUnlock()
	out := make([]Run, 0, len(entries))
	for _, e := range entries {
		e.mu.RLock()
		out = append(out, e.run.clone())
		e.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// DeleteRun removes a run entirely.
func (s *Store) DeleteRun(runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[runID]; !ok {
		return errs.NotFound("run %q not found", runID)
	}
	delete(s.runs, runID)
	return nil
}

// UpdateRunStatus transitions a run's status and bumps UpdatedAt.
func (s *Store) UpdateRunStatus(runID string, status RunStatus) (Run, error) {
	e, err := s.entry(runID)
	if err != nil {
		return Run{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.run.Status = status
	e.run.UpdatedAt = s.clock.Now()
	return e.run.clone(), nil
}

// UpdateRunMode updates orchestration and/or global mode. Pass the zero
// value to leave a field unchanged.
func (s *Store) UpdateRunMode(runID string, orch OrchestrationMode, global GlobalMode) (Run, error) {
	e, err := s.entry(runID)
	if err != nil {
		return Run{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if orch != "" {
		e.run.OrchestrationMode = orch
	}
	if global != "" {
		e.run.GlobalMode = global
	}
	e.run.UpdatedAt = s.clock.Now()
	return e.run.clone(), nil
}

// SetRootOrchestrator records the run's designated root-orchestrator node.
// The node must already exist.
func (s *Store) SetRootOrchestrator(runID, nodeID string) error {
	e, err := s.entry(runID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.run.Nodes[nodeID]; !ok {
		return errs.Validation("root orchestrator %q is not a node of run %q", nodeID, runID)
	}
	e.run.RootOrchestratorID = nodeID
	return nil
}

// AddNode creates a node in the given run.
func (s *Store) AddNode(runID string, n Node) (Node, error) {
	e, err := s.entry(runID)
	if err != nil {
		return Node{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if n.ID == "" {
		n.ID = s.ids.NewID()
	}
	if _, dup := e.run.Nodes[n.ID]; dup {
		return Node{}, errs.Validation("node %q already exists in run %q", n.ID, runID)
	}
	now := s.clock.Now()
	n.RunID = runID
	if n.Status == "" {
		n.Status = NodeQueued
	}
	n.CreatedAt = now
	n.UpdatedAt = now
	e.run.Nodes[n.ID] = n
	return n, nil
}

// RemoveNode deletes a node and any edges touching it.
func (s *Store) RemoveNode(runID, nodeID string) error {
	e, err := s.entry(runID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.run.Nodes[nodeID]; !ok {
		return errs.NotFound("node %q not found in run %q", nodeID, runID)
	}
	delete(e.run.Nodes, nodeID)
	for id, edge := range e.run.Edges {
		if edge.FromNodeID == nodeID || edge.ToNodeID == nodeID {
			delete(e.run.Edges, id)
		}
	}
	if e.run.RootOrchestratorID == nodeID {
		e.run.RootOrchestratorID = ""
	}
	return nil
}

// UpdateNodeStatus sets a node's status and bumps its UpdatedAt.
func (s *Store) UpdateNodeStatus(runID, nodeID string, status NodeStatus) (Node, error) {
	return s.mutateNode(runID, nodeID, func(n *Node) { n.Status = status })
}

// UpdateNodeTurn records the last output (and summary, when non-empty) and
// sets the node status in one mutation, the single update the Node
// Executor makes at the end of a turn. It leaves the turn counter alone;
// IncrementTurnCount bumps it when the turn starts.
func (s *Store) UpdateNodeTurn(runID, nodeID string, status NodeStatus, output, summary string) (Node, error) {
	return s.mutateNode(runID, nodeID, func(n *Node) {
		n.Status = status
		n.LastOutput = output
		if summary != "" {
			n.Summary = summary
		}
	})
}

// IncrementTurnCount bumps a node's turn counter and marks it running.
func (s *Store) IncrementTurnCount(runID, nodeID string) (Node, error) {
	return s.mutateNode(runID, nodeID, func(n *Node) {
		n.TurnCount++
		n.Status = NodeRunning
	})
}

// UpdateNodeConfig applies a partial config patch (capabilities,
// permissions, control, session) to a node.
func (s *Store) UpdateNodeConfig(runID, nodeID string, patch func(*Node)) (Node, error) {
	return s.mutateNode(runID, nodeID, patch)
}

func (s *Store) mutateNode(runID, nodeID string, mutate func(*Node)) (Node, error) {
	e, err := s.entry(runID)
	if err != nil {
		return Node{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	n, ok := e.run.Nodes[nodeID]
	if !ok {
		return Node{}, errs.NotFound("node %q not found in run %q", nodeID, runID)
	}
	mutate(&n)
	n.UpdatedAt = s.clock.Now()
	e.run.Nodes[nodeID] = n
	return n, nil
}

// AddEdge creates an edge between two existing nodes in the same run. It
// rejects self-loops unless the edge is bidirectional, per spec.md §3.
func (s *Store) AddEdge(runID string, edge Edge) (Edge, error) {
	e, err := s.entry(runID)
	if err != nil {
		return Edge{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.run.Nodes[edge.FromNodeID]; !ok {
		return Edge{}, errs.Validation("edge from-node %q does not exist", edge.FromNodeID)
	}
	if _, ok := e.run.Nodes[edge.ToNodeID]; !ok {
		return Edge{}, errs.Validation("edge to-node %q does not exist", edge.ToNodeID)
	}
	if edge.FromNodeID == edge.ToNodeID && !edge.Bidirectional {
		return Edge{}, errs.Validation("self-loop on node %q requires bidirectional=true", edge.FromNodeID)
	}
	if edge.ID == "" {
		edge.ID = s.ids.NewID()
	}
	edge.RunID = runID
	edge.PendingEnvelopes = nil
	e.run.Edges[edge.ID] = edge
	return edge, nil
}

// RemoveEdge deletes an edge.
func (s *Store) RemoveEdge(runID, edgeID string) error {
	e, err := s.entry(runID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.run.Edges[edgeID]; !ok {
		return errs.NotFound("edge %q not found in run %q", edgeID, runID)
	}
	delete(e.run.Edges, edgeID)
	return nil
}

// EnqueueEnvelope appends an envelope to every outgoing edge from
// fromNodeID that targets toNodeID (ordinarily exactly one edge). Envelopes
// accumulate FIFO on edge.PendingEnvelopes until consumed.
func (s *Store) EnqueueEnvelope(runID string, env Envelope) (Envelope, error) {
	e, err := s.entry(runID)
	if err != nil {
		return Envelope{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if env.ID == "" {
		env.ID = s.ids.NewID()
	}
	if env.CreatedAt.IsZero() {
		env.CreatedAt = s.clock.Now()
	}
	found := false
	for id, edge := range e.run.Edges {
		if edge.FromNodeID == env.FromNodeID && edge.ToNodeID == env.ToNodeID {
			edge.PendingEnvelopes = append(edge.PendingEnvelopes, env)
			e.run.Edges[id] = edge
			found = true
		}
	}
	if !found {
		return Envelope{}, errs.Validation("no edge from %q to %q in run %q", env.FromNodeID, env.ToNodeID, runID)
	}
	return env, nil
}

// ConsumeEnvelopes drains and returns, in FIFO arrival order across all
// incoming edges, every pending envelope targeting nodeID. Each envelope is
// consumed exactly once (spec.md §8 universal invariant).
func (s *Store) ConsumeEnvelopes(runID, nodeID string) ([]Envelope, error) {
	e, err := s.entry(runID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []Envelope
	ids := make([]string, 0, len(e.run.Edges))
	for id := range e.run.Edges {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		edge := e.run.Edges[id]
		if edge.ToNodeID != nodeID || len(edge.PendingEnvelopes) == 0 {
			continue
		}
		out = append(out, edge.PendingEnvelopes...)
		edge.PendingEnvelopes = nil
		e.run.Edges[id] = edge
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// PendingEnvelopeCount returns the number of envelopes queued on incoming
// edges targeting nodeID, the envelope half of a node's inbox count.
func (s *Store) PendingEnvelopeCount(runID, nodeID string) (int, error) {
	e, err := s.entry(runID)
	if err != nil {
		return 0, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	n := 0
	for _, edge := range e.run.Edges {
		if edge.ToNodeID == nodeID {
			n += len(edge.PendingEnvelopes)
		}
	}
	return n, nil
}

// AddArtifact records a new artifact produced by a node's turn.
func (s *Store) AddArtifact(runID string, a Artifact) (Artifact, error) {
	e, err := s.entry(runID)
	if err != nil {
		return Artifact{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.run.Nodes[a.NodeID]; !ok {
		return Artifact{}, errs.Validation("artifact node %q does not exist", a.NodeID)
	}
	if a.ID == "" {
		a.ID = s.ids.NewID()
	}
	a.RunID = runID
	a.CreatedAt = s.clock.Now()
	e.run.Artifacts[a.ID] = a
	return a, nil
}

// GetArtifact fetches one artifact by id.
func (s *Store) GetArtifact(runID, artifactID string) (Artifact, error) {
	e, err := s.entry(runID)
	if err != nil {
		return Artifact{}, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	a, ok := e.run.Artifacts[artifactID]
	if !ok {
		return Artifact{}, errs.NotFound("artifact %q not found in run %q", artifactID, runID)
	}
	return a, nil
}

// NodeIDs returns the run's node ids in ascending order, the scheduler's
// deterministic tie-break order (spec.md §4.8).
func (r Run) NodeIDs() []string {
	ids := make([]string, 0, len(r.Nodes))
	for id := range r.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// IncomingEdges returns edges in this run whose ToNodeID equals nodeID.
func (r Run) IncomingEdges(nodeID string) []Edge {
	var out []Edge
	for _, e := range r.Edges {
		if e.ToNodeID == nodeID {
			out = append(out, e)
		}
	}
	return out
}

// OutgoingEdges returns edges in this run whose FromNodeID equals nodeID
// (and, for bidirectional edges, also ToNodeID).
func (r Run) OutgoingEdges(nodeID string) []Edge {
	var out []Edge
	for _, e := range r.Edges {
		if e.FromNodeID == nodeID || (e.Bidirectional && e.ToNodeID == nodeID) {
			out = append(out, e)
		}
	}
	return out
}

// ValidateInvariants checks the structural invariants from spec.md §3: every
// edge endpoint references an existing node, and the root-orchestrator id,
// if set, names an existing node. Intended for tests and defensive
// assertions, not the request hot path.
func (r Run) ValidateInvariants() error {
	for id, edge := range r.Edges {
		if _, ok := r.Nodes[edge.FromNodeID]; !ok {
			return fmt.Errorf("edge %s: from-node %s does not exist", id, edge.FromNodeID)
		}
		if _, ok := r.Nodes[edge.ToNodeID]; !ok {
			return fmt.Errorf("edge %s: to-node %s does not exist", id, edge.ToNodeID)
		}
	}
	if r.RootOrchestratorID != "" {
		if _, ok := r.Nodes[r.RootOrchestratorID]; !ok {
			return fmt.Errorf("root orchestrator %s does not exist", r.RootOrchestratorID)
		}
	}
	return nil
}
