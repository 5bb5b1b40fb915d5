package provider_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vuhlp/engine/internal/provider"
	"github.com/vuhlp/engine/internal/tool"
)

func TestMapperDeltasThenExplicitFinalEmitsOnce(t *testing.T) {
	m := provider.NewMapper()

	evs := m.Map(provider.Frame{Kind: provider.KindDelta, Text: "hel"})
	require.Len(t, evs, 1)
	require.Equal(t, provider.EventMessageDelta, evs[0].Kind)

	evs = m.Map(provider.Frame{Kind: provider.KindDelta, Text: "lo"})
	require.Equal(t, provider.EventMessageDelta, evs[0].Kind)

	evs = m.Map(provider.Frame{Kind: provider.KindMessageFinal, Text: "hello"})
	require.Len(t, evs, 1)
	require.Equal(t, provider.EventMessageFinal, evs[0].Kind)
	require.Equal(t, "hello", evs[0].Content)

	// A later aggregate event carrying the identical text is suppressed.
	evs = m.Map(provider.Frame{Kind: provider.KindAggregateFinal, Text: "hello"})
	require.Empty(t, evs)
}

func TestMapperAggregateOnlySourceStillEmitsFinal(t *testing.T) {
	m := provider.NewMapper()

	evs := m.Map(provider.Frame{Kind: provider.KindAggregateFinal, Text: "done"})
	require.Len(t, evs, 1)
	require.Equal(t, provider.EventMessageFinal, evs[0].Kind)
	require.Equal(t, "done", evs[0].Content)

	// A second identical aggregate is still a duplicate.
	evs = m.Map(provider.Frame{Kind: provider.KindAggregateFinal, Text: "done"})
	require.Empty(t, evs)
}

func TestMapperErrorFrameBecomesProgressNotTerminal(t *testing.T) {
	m := provider.NewMapper()
	evs := m.Map(provider.Frame{Kind: provider.KindError, ErrMsg: "boom"})
	require.Len(t, evs, 1)
	require.Equal(t, provider.EventProgress, evs[0].Kind)
	require.Equal(t, "boom", evs[0].Message)
}

func TestMapperToolLifecyclePairing(t *testing.T) {
	m := provider.NewMapper()

	evs := m.Map(provider.Frame{Kind: provider.KindToolProposed, ToolID: "t1", ToolName: "Bash", ToolArgs: map[string]any{"command": "ls"}})
	require.Equal(t, provider.EventToolProposed, evs[0].Kind)
	require.Equal(t, tool.RiskMedium, evs[0].Tool.Risk)
	require.Len(t, m.PendingTools(), 1)

	evs = m.Map(provider.Frame{Kind: provider.KindToolStarted, ToolID: "t1"})
	require.Equal(t, provider.EventToolStarted, evs[0].Kind)

	dur := int64(12)
	evs = m.Map(provider.Frame{Kind: provider.KindToolResult, ToolID: "t1", Result: "ok", DurationMS: &dur})
	require.Equal(t, provider.EventToolCompleted, evs[0].Kind)
	require.Equal(t, "ok", evs[0].Result)
	require.Empty(t, m.PendingTools())
}

func TestMapperDiffLogJSONProgressFinalPassthrough(t *testing.T) {
	m := provider.NewMapper()

	evs := m.Map(provider.Frame{Kind: provider.KindDiff, Name: "patch.diff", Patch: "@@ -1 +1 @@"})
	require.Equal(t, provider.EventDiff, evs[0].Kind)
	require.Equal(t, "patch.diff", evs[0].Name)

	evs = m.Map(provider.Frame{Kind: provider.KindLog, Name: "build", Text: "compiling"})
	require.Equal(t, provider.EventLog, evs[0].Kind)

	evs = m.Map(provider.Frame{Kind: provider.KindJSON, Name: "report", Payload: map[string]any{"ok": true}})
	require.Equal(t, provider.EventJSON, evs[0].Kind)

	evs = m.Map(provider.Frame{Kind: provider.KindProgress, Text: "50%"})
	require.Equal(t, provider.EventProgress, evs[0].Kind)

	evs = m.Map(provider.Frame{Kind: provider.KindFinal, Text: "output text", Summary: "did the thing"})
	require.Equal(t, provider.EventFinal, evs[0].Kind)
	require.Equal(t, "output text", evs[0].Output)
	require.Equal(t, "did the thing", evs[0].Summary)
}
