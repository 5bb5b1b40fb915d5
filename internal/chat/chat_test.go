package chat_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vuhlp/engine/internal/chat"
	"github.com/vuhlp/engine/internal/clock"
	"github.com/vuhlp/engine/internal/eventbus"
	"github.com/vuhlp/engine/internal/telemetry"
)

func newManager(t *testing.T) *chat.Manager {
	t.Helper()
	bus := eventbus.New(t.TempDir(), clock.New(), clock.NewIDSource(), telemetry.NewNoopLogger(), telemetry.NewNoopTracer())
	return chat.New(clock.New(), clock.NewIDSource(), bus)
}

func TestGetPendingMessagesFilterRule(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()
	_, err := m.SendMessage(ctx, "r1", "nodeA", "to A", true)
	require.NoError(t, err)
	_, err = m.SendMessage(ctx, "r1", "", "run level", true)
	require.NoError(t, err)
	_, err = m.SendMessage(ctx, "r1", "nodeB", "to B", true)
	require.NoError(t, err)

	forA := m.GetPendingMessages("r1", "nodeA")
	require.Len(t, forA, 2) // direct + orphan

	all := m.GetPendingMessages("r1", "")
	require.Len(t, all, 3)
}

func TestConsumeMessagesMarksProcessedAndFormats(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()
	_, _ = m.SendMessage(ctx, "r1", "nodeA", "hello", true)

	block, consumed := m.ConsumeMessages("r1", func(msg chat.Message) bool { return msg.NodeID == "nodeA" })
	require.Len(t, consumed, 1)
	require.Contains(t, block, "hello")
	require.Contains(t, block, "USER CHAT MESSAGES")

	// Already processed: a second consume with the same selector sees nothing.
	_, consumed2 := m.ConsumeMessages("r1", func(msg chat.Message) bool { return msg.NodeID == "nodeA" })
	require.Empty(t, consumed2)
}

func TestOrphanAdoptionRootAdoptsRunLevel(t *testing.T) {
	sel := chat.OrphanAdoptionSelector("root", "root", false, false, map[string]bool{"root": true})
	require.True(t, sel(chat.Message{NodeID: ""}))
	require.False(t, sel(chat.Message{NodeID: "other"}))
}

func TestOrphanAdoptionLowestActiveAdoptsWhenRootTerminal(t *testing.T) {
	known := map[string]bool{"root": true, "childA": true, "childB": true}
	sel := chat.OrphanAdoptionSelector("childA", "root", true, true, known)
	require.True(t, sel(chat.Message{NodeID: ""}))
	require.True(t, sel(chat.Message{NodeID: "gone"})) // target missing
	require.False(t, sel(chat.Message{NodeID: "childB"}))
}

func TestSetInteractionModeUpdatesEffectiveMode(t *testing.T) {
	m := newManager(t)
	require.Equal(t, chat.Autonomous, m.InteractionModeFor("r1", ""))
	m.SetInteractionMode(context.Background(), "r1", "", chat.Manual)
	require.Equal(t, chat.Manual, m.InteractionModeFor("r1", ""))
}

func TestHistoryBoundDropsOldestFIFO(t *testing.T) {
	m := newManager(t).WithHistoryLimit(2)
	ctx := context.Background()
	m1, _ := m.SendMessage(ctx, "r1", "", "one", true)
	_ = m1
	time.Sleep(time.Millisecond)
	m2, _ := m.SendMessage(ctx, "r1", "", "two", true)
	m3, _ := m.SendMessage(ctx, "r1", "", "three", true)

	pending := m.GetPendingMessages("r1", "")
	require.Len(t, pending, 2)
	ids := []string{pending[0].ID, pending[1].ID}
	require.Contains(t, ids, m2.ID)
	require.Contains(t, ids, m3.ID)
}
