package executor_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vuhlp/engine/internal/approval"
	"github.com/vuhlp/engine/internal/clock"
	"github.com/vuhlp/engine/internal/errs"
	"github.com/vuhlp/engine/internal/eventbus"
	"github.com/vuhlp/engine/internal/executor"
	"github.com/vuhlp/engine/internal/provider"
	"github.com/vuhlp/engine/internal/provider/mock"
	"github.com/vuhlp/engine/internal/session"
	"github.com/vuhlp/engine/internal/store"
	"github.com/vuhlp/engine/internal/telemetry"
)

type harness struct {
	st        *store.Store
	bus       *eventbus.Bus
	approvals *approval.Queue
	sessions  *session.Registry
	exec      *executor.Executor
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	c := clock.New()
	ids := clock.NewIDSource()
	bus := eventbus.New(t.TempDir(), c, ids, telemetry.NewNoopLogger(), telemetry.NewNoopTracer())
	st := store.New(c, ids)
	approvals := approval.New(c, ids, bus)
	providers := provider.NewRegistry()
	providers.Register("mock", mock.Factory)
	sessions := session.New(providers)
	exec := executor.New(st, bus, approvals, sessions, c, telemetry.NewNoopLogger(), telemetry.NewNoopTracer())
	return &harness{st: st, bus: bus, approvals: approvals, sessions: sessions, exec: exec}
}

func (h *harness) newRunAndNode(t *testing.T, mockMode mock.Mode, gated bool) (string, string) {
	t.Helper()
	run := h.st.CreateRun(store.Auto, store.Implementation, "")
	perm := store.PermissionSkip
	if gated {
		perm = store.PermissionGated
	}
	node, err := h.st.AddNode(run.ID, store.Node{
		Label:        "implementer",
		RoleTemplate: "You are an implementer.",
		Provider:     "mock",
		Permissions:  store.Permissions{CLIPermissions: perm},
	})
	require.NoError(t, err)
	return run.ID, node.ID
}

func TestExecuteTurnSingleNodeCompletion(t *testing.T) {
	h := newHarness(t)
	runID, nodeID := h.newRunAndNode(t, mock.ModeSimple, false)

	res, err := h.exec.ExecuteTurn(context.Background(), executor.Input{
		RunID:                  runID,
		NodeID:                 nodeID,
		GlobalModeInstructions: executor.DefaultGlobalModeInstructions,
		ProviderConfig:         provider.Config{Kind: "mock", Options: map[string]any{"mode": string(mock.ModeSimple)}},
	})
	require.NoError(t, err)
	require.Equal(t, executor.OutcomeCompleted, res.Outcome)
	require.Equal(t, "ok", res.Output)

	node, err := h.st.GetRun(runID)
	require.NoError(t, err)
	require.Equal(t, store.NodeCompleted, node.Nodes[nodeID].Status)
	require.Equal(t, 1, node.Nodes[nodeID].TurnCount)
}

func TestExecuteTurnApprovalGatingDeny(t *testing.T) {
	h := newHarness(t)
	runID, nodeID := h.newRunAndNode(t, mock.ModeToolCall, true)

	done := make(chan executor.Result, 1)
	errCh := make(chan error, 1)
	go func() {
		res, err := h.exec.ExecuteTurn(context.Background(), executor.Input{
			RunID:                  runID,
			NodeID:                 nodeID,
			GlobalModeInstructions: executor.DefaultGlobalModeInstructions,
			ProviderConfig:         provider.Config{Kind: "mock", Options: map[string]any{"mode": string(mock.ModeToolCall)}},
		})
		done <- res
		errCh <- err
	}()

	require.Eventually(t, func() bool {
		return len(h.approvals.GetPendingForRun(runID)) == 1
	}, time.Second, time.Millisecond)

	pending := h.approvals.GetPendingForRun(runID)
	require.Equal(t, "Bash", pending[0].Tool.Name)
	require.True(t, h.approvals.Deny(pending[0].ID, "risky"))

	res := <-done
	require.NoError(t, <-errCh)
	require.Equal(t, executor.OutcomeCompleted, res.Outcome)
}

func TestExecuteTurnUnknownNodeReturnsNotFound(t *testing.T) {
	h := newHarness(t)
	run := h.st.CreateRun(store.Auto, store.Implementation, "")

	_, err := h.exec.ExecuteTurn(context.Background(), executor.Input{RunID: run.ID, NodeID: "missing"})
	require.Error(t, err)
	require.True(t, errs.IsCategory(err, errs.CategoryNotFound))
}

func TestExecuteTurnCancellationMarksInterrupted(t *testing.T) {
	h := newHarness(t)
	runID, nodeID := h.newRunAndNode(t, mock.ModeSlow, false)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan executor.Result, 1)
	go func() {
		res, _ := h.exec.ExecuteTurn(ctx, executor.Input{
			RunID:                  runID,
			NodeID:                 nodeID,
			GlobalModeInstructions: executor.DefaultGlobalModeInstructions,
			ProviderConfig:         provider.Config{Kind: "mock", Options: map[string]any{"mode": string(mock.ModeSlow)}},
		})
		done <- res
	}()

	time.Sleep(5 * time.Millisecond)
	cancel()

	res := <-done
	require.Equal(t, executor.OutcomeCancelled, res.Outcome)

	run, err := h.st.GetRun(runID)
	require.NoError(t, err)
	require.Equal(t, store.NodeCancelled, run.Nodes[nodeID].Status)
}

func TestExecuteTurnRepeatedOutputPausesRun(t *testing.T) {
	h := newHarness(t)
	runID, nodeID := h.newRunAndNode(t, mock.ModeRepeatOutput, false)

	in := executor.Input{
		RunID:                  runID,
		NodeID:                 nodeID,
		GlobalModeInstructions: executor.DefaultGlobalModeInstructions,
		ProviderConfig:         provider.Config{Kind: "mock", Options: map[string]any{"mode": string(mock.ModeRepeatOutput)}},
	}

	_, err := h.exec.ExecuteTurn(context.Background(), in)
	require.NoError(t, err)

	res2, err := h.exec.ExecuteTurn(context.Background(), in)
	require.NoError(t, err)
	require.True(t, res2.Stalled)

	run, err := h.st.GetRun(runID)
	require.NoError(t, err)
	require.Equal(t, store.RunPaused, run.Status)
}
