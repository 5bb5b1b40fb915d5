package scheduler_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vuhlp/engine/internal/approval"
	"github.com/vuhlp/engine/internal/chat"
	"github.com/vuhlp/engine/internal/clock"
	"github.com/vuhlp/engine/internal/eventbus"
	"github.com/vuhlp/engine/internal/executor"
	"github.com/vuhlp/engine/internal/provider"
	"github.com/vuhlp/engine/internal/provider/mock"
	"github.com/vuhlp/engine/internal/scheduler"
	"github.com/vuhlp/engine/internal/session"
	"github.com/vuhlp/engine/internal/store"
	"github.com/vuhlp/engine/internal/telemetry"
)

type harness struct {
	st        *store.Store
	bus       *eventbus.Bus
	chatMgr   *chat.Manager
	approvals *approval.Queue
	exec      *executor.Executor
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	c := clock.New()
	ids := clock.NewIDSource()
	bus := eventbus.New(t.TempDir(), c, ids, telemetry.NewNoopLogger(), telemetry.NewNoopTracer())
	st := store.New(c, ids)
	chatMgr := chat.New(c, ids, bus)
	approvals := approval.New(c, ids, bus)
	providers := provider.NewRegistry()
	providers.Register("mock", mock.Factory)
	sessions := session.New(providers)
	exec := executor.New(st, bus, approvals, sessions, c, telemetry.NewNoopLogger(), telemetry.NewNoopTracer())
	return &harness{st: st, bus: bus, chatMgr: chatMgr, approvals: approvals, exec: exec}
}

func (h *harness) newScheduler(runID string, maxConcurrency int) *scheduler.Scheduler {
	cfg := scheduler.Config{
		MaxConcurrency: maxConcurrency,
		TickInterval:   5 * time.Millisecond,
		ProviderConfigFor: func(n store.Node) provider.Config {
			return provider.Config{Kind: "mock", Options: map[string]any{"mode": string(mock.ModeSimple)}}
		},
		GlobalModeInstructions: executor.DefaultGlobalModeInstructions,
	}
	return scheduler.New(runID, h.st, h.bus, h.chatMgr, h.exec, cfg, telemetry.NewNoopLogger(), telemetry.NewNoopTracer())
}

func TestSchedulerRunsQueuedNodeToCompletion(t *testing.T) {
	h := newHarness(t)
	run := h.st.CreateRun(store.Auto, store.Implementation, "")
	node, err := h.st.AddNode(run.ID, store.Node{Label: "solo", Provider: "mock"})
	require.NoError(t, err)

	sched := h.newScheduler(run.ID, 2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sched.Run(ctx)

	require.Eventually(t, func() bool {
		got, err := h.st.GetRun(run.ID)
		return err == nil && got.Nodes[node.ID].Status == store.NodeCompleted
	}, time.Second, 5*time.Millisecond)

	sched.Stop()
}

func TestSchedulerDispatchesHandoffAndWakesTarget(t *testing.T) {
	h := newHarness(t)
	run := h.st.CreateRun(store.Auto, store.Implementation, "")
	a, err := h.st.AddNode(run.ID, store.Node{Label: "a", Provider: "mock"})
	require.NoError(t, err)
	b, err := h.st.AddNode(run.ID, store.Node{Label: "b", Provider: "mock", Status: store.NodeSkipped})
	require.NoError(t, err)
	_, err = h.st.AddEdge(run.ID, store.Edge{FromNodeID: a.ID, ToNodeID: b.ID, Type: store.EdgeHandoff})
	require.NoError(t, err)

	sched := h.newScheduler(run.ID, 2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sched.Run(ctx)

	require.Eventually(t, func() bool {
		got, err := h.st.GetRun(run.ID)
		return err == nil && got.Nodes[b.ID].Status != store.NodeSkipped
	}, time.Second, 5*time.Millisecond)

	sched.Stop()

	got, err := h.st.GetRun(run.ID)
	require.NoError(t, err)
	require.Equal(t, store.NodeCompleted, got.Nodes[a.ID].Status)
}

func TestSchedulerInteractiveModeWaitsForChat(t *testing.T) {
	h := newHarness(t)
	run := h.st.CreateRun(store.Interactive, store.Implementation, "")
	node, err := h.st.AddNode(run.ID, store.Node{Label: "solo", Provider: "mock"})
	require.NoError(t, err)

	sched := h.newScheduler(run.ID, 2)
	cfg := scheduler.Config{MaxConcurrency: 2, TickInterval: 5 * time.Millisecond, InteractiveIdleInterval: 10 * time.Millisecond,
		ProviderConfigFor: func(n store.Node) provider.Config {
			return provider.Config{Kind: "mock", Options: map[string]any{"mode": string(mock.ModeSimple)}}
		},
		GlobalModeInstructions: executor.DefaultGlobalModeInstructions,
	}
	sched = scheduler.New(run.ID, h.st, h.bus, h.chatMgr, h.exec, cfg, telemetry.NewNoopLogger(), telemetry.NewNoopTracer())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sched.Run(ctx)

	time.Sleep(40 * time.Millisecond)
	got, err := h.st.GetRun(run.ID)
	require.NoError(t, err)
	require.Equal(t, store.NodeQueued, got.Nodes[node.ID].Status)

	_, err = h.chatMgr.SendMessage(context.Background(), run.ID, "", "go ahead", false)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := h.st.GetRun(run.ID)
		return err == nil && got.Nodes[node.ID].Status == store.NodeCompleted
	}, time.Second, 5*time.Millisecond)

	sched.Stop()
}

func TestSchedulerPauseBlocksNewTurnsUntilResume(t *testing.T) {
	h := newHarness(t)
	run := h.st.CreateRun(store.Auto, store.Implementation, "")
	node, err := h.st.AddNode(run.ID, store.Node{Label: "solo", Provider: "mock"})
	require.NoError(t, err)

	sched := h.newScheduler(run.ID, 2)
	sched.Pause()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sched.Run(ctx)

	time.Sleep(40 * time.Millisecond)
	got, err := h.st.GetRun(run.ID)
	require.NoError(t, err)
	require.Equal(t, store.NodeQueued, got.Nodes[node.ID].Status)

	sched.Resume()

	require.Eventually(t, func() bool {
		got, err := h.st.GetRun(run.ID)
		return err == nil && got.Nodes[node.ID].Status == store.NodeCompleted
	}, time.Second, 5*time.Millisecond)

	sched.Stop()
}

func TestSchedulerStopLeavesInFlightTurnToFinish(t *testing.T) {
	h := newHarness(t)
	run := h.st.CreateRun(store.Auto, store.Implementation, "")
	node, err := h.st.AddNode(run.ID, store.Node{Label: "slow", Provider: "mock"})
	require.NoError(t, err)

	cfg := scheduler.Config{
		MaxConcurrency: 1,
		TickInterval:   5 * time.Millisecond,
		ProviderConfigFor: func(n store.Node) provider.Config {
			return provider.Config{Kind: "mock", Options: map[string]any{"mode": string(mock.ModeSlow), "frameGapMs": 20}}
		},
		GlobalModeInstructions: executor.DefaultGlobalModeInstructions,
	}
	sched := scheduler.New(run.ID, h.st, h.bus, h.chatMgr, h.exec, cfg, telemetry.NewNoopLogger(), telemetry.NewNoopTracer())

	ctx := context.Background()
	go sched.Run(ctx)

	require.Eventually(t, func() bool {
		got, err := h.st.GetRun(run.ID)
		return err == nil && got.Nodes[node.ID].Status == store.NodeRunning
	}, time.Second, 2*time.Millisecond)

	sched.Stop()
	sched.Wait()

	got, err := h.st.GetRun(run.ID)
	require.NoError(t, err)
	require.Equal(t, store.NodeCompleted, got.Nodes[node.ID].Status)
}
