package engine_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vuhlp/engine/internal/config"
	"github.com/vuhlp/engine/internal/engine"
	"github.com/vuhlp/engine/internal/provider"
	"github.com/vuhlp/engine/internal/provider/mock"
	"github.com/vuhlp/engine/internal/store"
	"github.com/vuhlp/engine/internal/telemetry"
)

func newEngine(t *testing.T) *engine.Engine {
	t.Helper()
	cfg := config.Default()
	cfg.Server.DataDir = t.TempDir()
	cfg.Roles = map[string]string{"implementer": "mock-provider"}
	cfg.Providers = map[string]config.ProviderEntry{
		"mock-provider": {Kind: "mock", Options: map[string]any{"mode": string(mock.ModeSimple)}},
	}
	providers := provider.NewRegistry()
	providers.Register("mock", mock.Factory)
	return engine.New(cfg, providers, telemetry.NewNoopLogger(), telemetry.NewNoopTracer())
}

func TestCreateRunStartsSchedulerAndCompletesSoloNode(t *testing.T) {
	e := newEngine(t)
	run := e.CreateRun(store.Auto, store.Implementation, "")

	_, err := e.CreateNode(run.ID, store.Node{Label: "impl", RoleTemplate: "implement things", Provider: "implementer"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := e.GetRun(run.ID)
		if err != nil {
			return false
		}
		for _, n := range got.Nodes {
			if n.Status == store.NodeCompleted {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, e.DeleteRun(run.ID))
	_, err = e.GetRun(run.ID)
	require.Error(t, err)
}

func TestResolveApprovalUnknownIDIsValidationError(t *testing.T) {
	e := newEngine(t)
	err := e.ResolveApproval("missing", engine.ResolveApprove, nil, "")
	require.Error(t, err)
}

func TestDeleteNodeRemovesNodeFromRun(t *testing.T) {
	e := newEngine(t)
	run := e.CreateRun(store.Auto, store.Implementation, "")
	node, err := e.CreateNode(run.ID, store.Node{Label: "a", Provider: "implementer", Permissions: store.Permissions{CLIPermissions: store.PermissionGated}})
	require.NoError(t, err)

	require.NoError(t, e.DeleteNode(run.ID, node.ID))

	got, err := e.GetRun(run.ID)
	require.NoError(t, err)
	_, exists := got.Nodes[node.ID]
	require.False(t, exists)
}

func TestListEventsHonorsLimit(t *testing.T) {
	e := newEngine(t)
	run := e.CreateRun(store.Auto, store.Implementation, "")
	_, err := e.CreateNode(run.ID, store.Node{Label: "impl", Provider: "implementer"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		page, err := e.ListEvents(run.ID, 50, nil)
		return err == nil && len(page.Events) > 0
	}, time.Second, 5*time.Millisecond)

	page, err := e.ListEvents(run.ID, 1, nil)
	require.NoError(t, err)
	require.Len(t, page.Events, 1)
}

func TestPauseRunBlocksSchedulingUntilResume(t *testing.T) {
	e := newEngine(t)
	run := e.CreateRun(store.Auto, store.Implementation, "")
	node, err := e.CreateNode(run.ID, store.Node{Label: "impl", Provider: "implementer"})
	require.NoError(t, err)

	require.NoError(t, e.PauseRun(run.ID))
	time.Sleep(40 * time.Millisecond)

	got, err := e.GetRun(run.ID)
	require.NoError(t, err)
	require.Equal(t, store.NodeQueued, got.Nodes[node.ID].Status)

	require.NoError(t, e.ResumeRun(run.ID))

	require.Eventually(t, func() bool {
		got, err := e.GetRun(run.ID)
		return err == nil && got.Nodes[node.ID].Status == store.NodeCompleted
	}, time.Second, 5*time.Millisecond)
}
