package provider_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vuhlp/engine/internal/provider"
	"github.com/vuhlp/engine/internal/tool"
)

func TestClassifyRiskAllowlists(t *testing.T) {
	require.Equal(t, tool.RiskLow, provider.ClassifyRisk("Read", nil))
	require.Equal(t, tool.RiskMedium, provider.ClassifyRisk("Write", nil))
	require.Equal(t, tool.RiskMedium, provider.ClassifyRisk("SomeBrandNewTool", nil))
}

func TestClassifyRiskDestructiveShellElevatesToHigh(t *testing.T) {
	risk := provider.ClassifyRisk("Bash", map[string]any{"command": "rm -rf /tmp/x"})
	require.Equal(t, tool.RiskHigh, risk)

	risk = provider.ClassifyRisk("Read", map[string]any{"command": "rm -RF /"})
	require.Equal(t, tool.RiskHigh, risk, "destructive pattern elevates even a low-risk tool name")
}

func TestClassifyRiskNonDestructiveBashIsMedium(t *testing.T) {
	require.Equal(t, tool.RiskMedium, provider.ClassifyRisk("Bash", map[string]any{"command": "ls -la"}))
}
