package approval_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vuhlp/engine/internal/approval"
	"github.com/vuhlp/engine/internal/clock"
	"github.com/vuhlp/engine/internal/eventbus"
	"github.com/vuhlp/engine/internal/telemetry"
	"github.com/vuhlp/engine/internal/tool"
)

func newQueue(t *testing.T) *approval.Queue {
	t.Helper()
	bus := eventbus.New(t.TempDir(), clock.New(), clock.NewIDSource(), telemetry.NewNoopLogger(), telemetry.NewNoopTracer())
	return approval.New(clock.New(), clock.NewIDSource(), bus)
}

func TestDenyUnblocksWaiter(t *testing.T) {
	q := newQueue(t)
	var id string

	done := make(chan approval.Resolution, 1)
	go func() {
		res, err := q.RequestApproval(context.Background(), approval.Params{
			RunID: "r1", NodeID: "n1",
			Tool: tool.Call{Name: "Bash", Args: map[string]any{"command": "rm -rf /tmp/x"}, Risk: tool.RiskHigh},
		})
		require.NoError(t, err)
		done <- res
	}()

	require.Eventually(t, func() bool {
		pending := q.GetPendingForRun("r1")
		if len(pending) == 0 {
			return false
		}
		id = pending[0].ID
		return true
	}, time.Second, time.Millisecond)

	require.True(t, q.Deny(id, "risky"))
	res := <-done
	require.Equal(t, approval.StatusDenied, res.Status)
	require.Equal(t, "risky", res.Feedback)
}

func TestApproveTwiceReturnsFalseSecondTime(t *testing.T) {
	q := newQueue(t)
	go func() { _, _ = q.RequestApproval(context.Background(), approval.Params{RunID: "r1", Tool: tool.Call{Name: "Read"}}) }()

	var id string
	require.Eventually(t, func() bool {
		pending := q.GetPendingForRun("r1")
		if len(pending) == 0 {
			return false
		}
		id = pending[0].ID
		return true
	}, time.Second, time.Millisecond)

	require.True(t, q.Approve(id, ""))
	require.False(t, q.Approve(id, ""))
}

func TestTimeoutAutoDenies(t *testing.T) {
	q := newQueue(t)
	res, err := q.RequestApproval(context.Background(), approval.Params{
		RunID: "r1", Tool: tool.Call{Name: "Write"}, TimeoutMS: 20,
	})
	require.NoError(t, err)
	require.Equal(t, approval.StatusTimeout, res.Status)
	require.Contains(t, res.Feedback, "timed out")
}

func TestTimeoutZeroNeverExpires(t *testing.T) {
	q := newQueue(t)
	go func() {
		_, _ = q.RequestApproval(context.Background(), approval.Params{RunID: "r1", Tool: tool.Call{Name: "Read"}, TimeoutMS: 0})
	}()

	time.Sleep(30 * time.Millisecond)
	pending := q.GetPendingForRun("r1")
	require.Len(t, pending, 1)
	require.True(t, q.Deny(pending[0].ID, "cleanup"))
}

func TestCancelForRunTwiceReturnsCountThenZero(t *testing.T) {
	q := newQueue(t)
	for i := 0; i < 3; i++ {
		go func() { _, _ = q.RequestApproval(context.Background(), approval.Params{RunID: "r1", Tool: tool.Call{Name: "Read"}}) }()
	}

	require.Eventually(t, func() bool { return len(q.GetPendingForRun("r1")) == 3 }, time.Second, time.Millisecond)

	require.Equal(t, 3, q.CancelForRun("r1"))
	require.Equal(t, 0, q.CancelForRun("r1"))

	for _, r := range q.GetAll() {
		require.Equal(t, approval.StatusDenied, r.Status)
		require.Contains(t, r.Resolution.Feedback, "stopped")
	}
}

func TestClearResolvedRemovesOnlyTerminal(t *testing.T) {
	q := newQueue(t)
	go func() { _, _ = q.RequestApproval(context.Background(), approval.Params{RunID: "r1", Tool: tool.Call{Name: "A"}}) }()
	go func() { _, _ = q.RequestApproval(context.Background(), approval.Params{RunID: "r1", Tool: tool.Call{Name: "B"}}) }()

	require.Eventually(t, func() bool { return len(q.GetPendingForRun("r1")) == 2 }, time.Second, time.Millisecond)

	all := q.GetAll()
	require.True(t, q.Approve(all[0].ID, ""))

	require.Equal(t, 1, q.ClearResolved())
	require.Len(t, q.GetAll(), 1)
}
