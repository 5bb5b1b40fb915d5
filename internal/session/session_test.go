package session_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vuhlp/engine/internal/provider"
	"github.com/vuhlp/engine/internal/provider/mock"
	"github.com/vuhlp/engine/internal/session"
)

func newRegistry() *session.Registry {
	providers := provider.NewRegistry()
	providers.Register("mock", mock.Factory)
	return session.New(providers)
}

func TestLookupUndefinedBeforeFirstTurn(t *testing.T) {
	r := newRegistry()
	_, ok := r.Lookup("r1", "n1")
	require.False(t, ok)
}

func TestOpenIsIdempotentPerNode(t *testing.T) {
	r := newRegistry()
	s1, err := r.Open("r1", "n1", provider.Config{Kind: "mock"})
	require.NoError(t, err)
	s2, err := r.Open("r1", "n1", provider.Config{Kind: "mock"})
	require.NoError(t, err)
	require.Same(t, s1, s2)

	_, ok := r.Lookup("r1", "n1")
	require.True(t, ok)
}

func TestResetNoOpWithoutOpenSession(t *testing.T) {
	r := newRegistry()
	require.NoError(t, r.Reset(context.Background(), "r1", "missing"))
}

func TestCloseRunRemovesOnlyThatRunsHandles(t *testing.T) {
	r := newRegistry()
	_, err := r.Open("r1", "n1", provider.Config{Kind: "mock"})
	require.NoError(t, err)
	_, err = r.Open("r2", "n1", provider.Config{Kind: "mock"})
	require.NoError(t, err)

	require.Equal(t, 1, r.CloseRun("r1"))
	_, ok := r.Lookup("r1", "n1")
	require.False(t, ok)
	_, ok = r.Lookup("r2", "n1")
	require.True(t, ok)
}
