package eventbus_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vuhlp/engine/internal/clock"
	"github.com/vuhlp/engine/internal/eventbus"
	"github.com/vuhlp/engine/internal/telemetry"
)

func newBus(t *testing.T) *eventbus.Bus {
	t.Helper()
	dir := t.TempDir()
	return eventbus.New(dir, clock.New(), clock.NewIDSource(), telemetry.NewNoopLogger(), telemetry.NewNoopTracer())
}

func TestPublishDeliversToMatchingSubscriber(t *testing.T) {
	b := newBus(t)
	sub := b.Subscribe(eventbus.Filter{RunID: "r1"})
	defer sub.Close()

	b.Publish(context.Background(), eventbus.Event{RunID: "r1", Type: eventbus.TypeNodePatch})
	b.Publish(context.Background(), eventbus.Event{RunID: "r2", Type: eventbus.TypeNodePatch})

	select {
	case ev := <-sub.Events():
		require.Equal(t, "r1", ev.RunID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}

	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected event for unrelated run: %+v", ev)
	default:
	}
}

func TestPublicationOrderingWithinRun(t *testing.T) {
	b := newBus(t)
	var last time.Time
	for i := 0; i < 5; i++ {
		ev := b.Publish(context.Background(), eventbus.Event{RunID: "r1", Type: eventbus.TypeNodePatch})
		require.True(t, ev.Ts.After(last))
		last = ev.Ts
	}
}

func TestReplayPagesChronologically(t *testing.T) {
	b := newBus(t)
	for i := 0; i < 10; i++ {
		b.Publish(context.Background(), eventbus.Event{RunID: "r1", Type: eventbus.TypeNodePatch, Payload: i})
	}

	page, err := b.Replay("r1", 3, nil)
	require.NoError(t, err)
	require.Len(t, page.Events, 3)
	require.True(t, page.HasMore)
	require.NotNil(t, page.NextCursor)
	// Chronological order within the page.
	require.Equal(t, float64(7), page.Events[0].Payload)
	require.Equal(t, float64(9), page.Events[2].Payload)

	page2, err := b.Replay("r1", 3, page.NextCursor)
	require.NoError(t, err)
	require.Len(t, page2.Events, 3)
	require.Equal(t, float64(4), page2.Events[0].Payload)

	all, err := b.Replay("r1", 100, nil)
	require.NoError(t, err)
	require.Len(t, all.Events, 10)
	require.False(t, all.HasMore)
	require.Nil(t, all.NextCursor)
	for i, ev := range all.Events {
		require.Equal(t, float64(i), ev.Payload)
	}
}

func TestReplayUnknownRunReturnsEmptyPage(t *testing.T) {
	b := newBus(t)
	page, err := b.Replay("nope", 10, nil)
	require.NoError(t, err)
	require.Empty(t, page.Events)
	require.False(t, page.HasMore)
}
