// Package engine is the facade external surfaces (HTTP, WebSocket, CLI —
// out of scope per spec.md §1) call into: one method per HTTP table row
// in spec.md §6, wiring the run store, event bus, chat manager, prompt
// queue, approval queue, session registry and per-run Graph Scheduler
// together. It owns no transport of its own.
package engine

import (
	"context"
	"sync"

	"github.com/vuhlp/engine/internal/approval"
	"github.com/vuhlp/engine/internal/chat"
	"github.com/vuhlp/engine/internal/clock"
	"github.com/vuhlp/engine/internal/config"
	"github.com/vuhlp/engine/internal/errs"
	"github.com/vuhlp/engine/internal/eventbus"
	"github.com/vuhlp/engine/internal/executor"
	"github.com/vuhlp/engine/internal/promptqueue"
	"github.com/vuhlp/engine/internal/provider"
	"github.com/vuhlp/engine/internal/scheduler"
	"github.com/vuhlp/engine/internal/session"
	"github.com/vuhlp/engine/internal/store"
	"github.com/vuhlp/engine/internal/telemetry"
)

// Engine owns one process's worth of runs and their schedulers.
type Engine struct {
	cfg config.Config

	Store     *store.Store
	Bus       *eventbus.Bus
	Chat      *chat.Manager
	Prompts   *promptqueue.Queue
	Approvals *approval.Queue
	Sessions  *session.Registry
	Providers *provider.Registry

	executor *executor.Executor
	logger   telemetry.Logger
	tracer   telemetry.Tracer

	mu         sync.Mutex
	schedulers map[string]*scheduler.Scheduler
	cancels    map[string]context.CancelFunc
}

// New wires every collaborator from cfg and the given provider registry
// (callers register concrete Factory functions, e.g. the mock provider
// for tests, before passing it in).
func New(cfg config.Config, providers *provider.Registry, logger telemetry.Logger, tracer telemetry.Tracer) *Engine {
	c := clock.New()
	ids := clock.NewIDSource()
	bus := eventbus.New(cfg.Server.DataDir, c, ids, logger, tracer)
	st := store.New(c, ids)
	chatMgr := chat.New(c, ids, bus)
	prompts := promptqueue.New(c, ids)
	approvals := approval.New(c, ids, bus)
	sessions := session.New(providers)
	exec := executor.New(st, bus, approvals, sessions, c, logger, tracer)

	return &Engine{
		cfg:        cfg,
		Store:      st,
		Bus:        bus,
		Chat:       chatMgr,
		Prompts:    prompts,
		Approvals:  approvals,
		Sessions:   sessions,
		Providers:  providers,
		executor:   exec,
		logger:     logger,
		tracer:     tracer,
		schedulers: make(map[string]*scheduler.Scheduler),
		cancels:    make(map[string]context.CancelFunc),
	}
}

// providerConfigFor resolves a node's bound role (its Provider field names
// a role id, per config's roles map) to a concrete provider.Config.
func (e *Engine) providerConfigFor(n store.Node) provider.Config {
	pc, err := e.cfg.ProviderConfigForRole(n.Provider)
	if err != nil {
		// Fall back to treating Provider as a provider kind directly, so
		// tests and simple single-provider setups need not populate a
		// roles map.
		return provider.Config{Kind: n.Provider}
	}
	return pc
}

// CreateRun creates a run and immediately starts its Graph Scheduler, per
// spec.md §2's control-flow summary ("external API creates a run →
// scheduler is started").
func (e *Engine) CreateRun(mode store.OrchestrationMode, global store.GlobalMode, workspaceRoot string) store.Run {
	if mode == "" {
		mode = store.Auto
	}
	if global == "" {
		global = store.Implementation
	}
	run := e.Store.CreateRun(mode, global, workspaceRoot)

	sched := scheduler.New(run.ID, e.Store, e.Bus, e.Chat, e.executor, scheduler.Config{
		MaxConcurrency:         e.cfg.Scheduler.MaxConcurrency,
		ApprovalTimeoutMS:      e.cfg.Orchestration.ApprovalTimeoutMS,
		VerificationCommands:   e.cfg.Verification.Commands,
		ProviderConfigFor:      e.providerConfigFor,
		GlobalModeInstructions: executor.DefaultGlobalModeInstructions,
	}, e.logger, e.tracer)

	ctx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	e.schedulers[run.ID] = sched
	e.cancels[run.ID] = cancel
	e.mu.Unlock()

	go sched.Run(ctx)

	e.Bus.Publish(ctx, eventbus.Event{RunID: run.ID, Type: eventbus.TypeRunPatch, Payload: map[string]any{"status": string(run.Status)}})
	return run
}

// ListRuns returns every run's snapshot.
func (e *Engine) ListRuns() []store.Run {
	return e.Store.ListRuns()
}

// GetRun returns one run's snapshot.
func (e *Engine) GetRun(runID string) (store.Run, error) {
	return e.Store.GetRun(runID)
}

// UpdateRun patches a run's status and/or modes. Pass the zero value for
// any field that should stay unchanged.
func (e *Engine) UpdateRun(runID string, status store.RunStatus, orch store.OrchestrationMode, global store.GlobalMode) (store.Run, error) {
	if status != "" {
		if _, err := e.Store.UpdateRunStatus(runID, status); err != nil {
			return store.Run{}, err
		}
	}
	run, err := e.Store.UpdateRunMode(runID, orch, global)
	if err != nil {
		return store.Run{}, err
	}
	e.Bus.Publish(context.Background(), eventbus.Event{RunID: runID, Type: eventbus.TypeRunPatch, Payload: map[string]any{"status": string(run.Status)}})
	if orch != "" || global != "" {
		e.Bus.Publish(context.Background(), eventbus.Event{RunID: runID, Type: eventbus.TypeRunMode, Payload: map[string]any{"orchestrationMode": string(run.OrchestrationMode), "globalMode": string(run.GlobalMode)}})
	}
	return run, nil
}

// DeleteRun stops the run's scheduler, cancels pending approvals and
// prompts, and removes the run entirely.
func (e *Engine) DeleteRun(runID string) error {
	e.stopScheduler(runID)
	e.Approvals.CancelForRun(runID)
	e.Prompts.ClearRun(runID)
	e.Sessions.CloseRun(runID)
	if err := e.Store.DeleteRun(runID); err != nil {
		return err
	}
	return e.Bus.CloseRun(runID)
}

// StopRun stops a run's scheduler and cancels the context its in-flight
// turns run under, so those turns end as cancelled. The run's state is
// kept and its status set to stopped.
func (e *Engine) StopRun(runID string) error {
	if _, err := e.Store.GetRun(runID); err != nil {
		return err
	}
	e.stopScheduler(runID)
	_, err := e.Store.UpdateRunStatus(runID, store.RunStopped)
	return err
}

// PauseRun / ResumeRun control a run's scheduler loop without touching
// in-flight turns.
func (e *Engine) PauseRun(runID string) error {
	sched, err := e.schedulerFor(runID)
	if err != nil {
		return err
	}
	sched.Pause()
	_, err = e.Store.UpdateRunStatus(runID, store.RunPaused)
	return err
}

func (e *Engine) ResumeRun(runID string) error {
	sched, err := e.schedulerFor(runID)
	if err != nil {
		return err
	}
	sched.Resume()
	_, err = e.Store.UpdateRunStatus(runID, store.RunRunning)
	return err
}

func (e *Engine) schedulerFor(runID string) (*scheduler.Scheduler, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	sched, ok := e.schedulers[runID]
	if !ok {
		return nil, errs.NotFound("no scheduler running for run %q", runID)
	}
	return sched, nil
}

func (e *Engine) stopScheduler(runID string) {
	e.mu.Lock()
	sched, ok := e.schedulers[runID]
	cancel := e.cancels[runID]
	delete(e.schedulers, runID)
	delete(e.cancels, runID)
	e.mu.Unlock()
	if !ok {
		return
	}
	sched.Stop()
	if cancel != nil {
		cancel()
	}
}

// ListEvents pages a run's durable event log, most-recent-first on disk
// but chronological in the returned page, per spec.md §4.1.
func (e *Engine) ListEvents(runID string, limit int, before *int64) (eventbus.Page, error) {
	return e.Bus.Replay(runID, limit, before)
}

// CreateNode adds a node to a run.
func (e *Engine) CreateNode(runID string, n store.Node) (store.Node, error) {
	return e.Store.AddNode(runID, n)
}

// UpdateNode applies a patch (status and/or config) to a node.
func (e *Engine) UpdateNode(runID, nodeID string, patch func(*store.Node)) (store.Node, error) {
	n, err := e.Store.UpdateNodeConfig(runID, nodeID, patch)
	if err != nil {
		return store.Node{}, err
	}
	e.Bus.Publish(context.Background(), eventbus.Event{RunID: runID, Type: eventbus.TypeNodePatch, Payload: map[string]any{"nodeId": n.ID, "status": string(n.Status)}})
	return n, nil
}

// DeleteNode removes a node and emits node.deleted.
func (e *Engine) DeleteNode(runID, nodeID string) error {
	e.executor.ClearHistory(runID, nodeID)
	e.Sessions.Close(runID, nodeID)
	e.Approvals.CancelForNode(nodeID)
	if err := e.Store.RemoveNode(runID, nodeID); err != nil {
		return err
	}
	e.Bus.Publish(context.Background(), eventbus.Event{RunID: runID, Type: eventbus.TypeNodeDeleted, Payload: map[string]any{"nodeId": nodeID}})
	return nil
}

// ResetNode clears a node's provider session and stall history, and
// requeues it so the scheduler picks it up fresh.
func (e *Engine) ResetNode(runID, nodeID string) (store.Node, error) {
	if err := e.Sessions.Reset(context.Background(), runID, nodeID); err != nil {
		return store.Node{}, err
	}
	e.executor.ClearHistory(runID, nodeID)
	n, err := e.Store.UpdateNodeStatus(runID, nodeID, store.NodeQueued)
	if err != nil {
		return store.Node{}, err
	}
	e.Bus.Publish(context.Background(), eventbus.Event{RunID: runID, Type: eventbus.TypeNodePatch, Payload: map[string]any{"nodeId": n.ID, "status": string(n.Status)}})
	return n, nil
}

// CreateEdge adds an edge between two nodes of a run.
func (e *Engine) CreateEdge(runID string, edge store.Edge) (store.Edge, error) {
	edge, err := e.Store.AddEdge(runID, edge)
	if err != nil {
		return store.Edge{}, err
	}
	e.Bus.Publish(context.Background(), eventbus.Event{RunID: runID, Type: eventbus.TypeEdgeCreated, Payload: map[string]any{"edgeId": edge.ID, "from": edge.FromNodeID, "to": edge.ToNodeID}})
	return edge, nil
}

// DeleteEdge removes an edge from a run.
func (e *Engine) DeleteEdge(runID, edgeID string) error {
	if err := e.Store.RemoveEdge(runID, edgeID); err != nil {
		return err
	}
	e.Bus.Publish(context.Background(), eventbus.Event{RunID: runID, Type: eventbus.TypeEdgeDeleted, Payload: map[string]any{"edgeId": edgeID}})
	return nil
}

// PostChat appends a user chat message to a run or one of its nodes.
func (e *Engine) PostChat(runID, nodeID, content string, interrupt bool) (chat.Message, error) {
	return e.Chat.SendMessage(context.Background(), runID, nodeID, content, interrupt)
}

// ListApprovals returns every pending approval, optionally narrowed to one
// run.
func (e *Engine) ListApprovals(runID string) []approval.Request {
	if runID == "" {
		return e.Approvals.GetPending()
	}
	return e.Approvals.GetPendingForRun(runID)
}

// ApprovalResolution is the caller's chosen outcome for ResolveApproval.
type ApprovalResolution string

const (
	ResolveApprove ApprovalResolution = "approve"
	ResolveDeny    ApprovalResolution = "deny"
	ResolveModify  ApprovalResolution = "modify"
)

// ResolveApproval approves, denies, or modifies a pending approval
// request. Returns a validation error if the request is unknown or
// already resolved.
func (e *Engine) ResolveApproval(id string, resolution ApprovalResolution, modifiedArgs map[string]any, feedback string) error {
	var ok bool
	switch resolution {
	case ResolveApprove:
		ok = e.Approvals.Approve(id, feedback)
	case ResolveDeny:
		ok = e.Approvals.Deny(id, feedback)
	case ResolveModify:
		ok = e.Approvals.Modify(id, modifiedArgs, feedback)
	default:
		return errs.Validation("unknown approval resolution %q", resolution)
	}
	if !ok {
		return errs.Validation("approval %q not found or already resolved", id)
	}
	return nil
}

// GetArtifact fetches one artifact's metadata by id.
func (e *Engine) GetArtifact(runID, artifactID string) (store.Artifact, error) {
	return e.Store.GetArtifact(runID, artifactID)
}

// AddArtifact records a new artifact and emits artifact.created.
func (e *Engine) AddArtifact(runID string, a store.Artifact) (store.Artifact, error) {
	a, err := e.Store.AddArtifact(runID, a)
	if err != nil {
		return store.Artifact{}, err
	}
	e.Bus.Publish(context.Background(), eventbus.Event{RunID: runID, Type: eventbus.TypeArtifactCreated, Payload: map[string]any{"artifactId": a.ID, "nodeId": a.NodeID, "kind": string(a.Kind)}})
	return a, nil
}

// Shutdown stops every run's scheduler and blocks until in-flight turns
// drain, for graceful daemon shutdown.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	scheds := make([]*scheduler.Scheduler, 0, len(e.schedulers))
	for _, s := range e.schedulers {
		scheds = append(scheds, s)
	}
	cancels := make([]context.CancelFunc, 0, len(e.cancels))
	for _, c := range e.cancels {
		cancels = append(cancels, c)
	}
	e.schedulers = make(map[string]*scheduler.Scheduler)
	e.cancels = make(map[string]context.CancelFunc)
	e.mu.Unlock()

	for _, s := range scheds {
		s.Stop()
	}
	for _, s := range scheds {
		s.Wait()
	}
	for _, cancel := range cancels {
		cancel()
	}
}
