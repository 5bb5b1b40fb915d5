// Package session implements the Session Registry from spec.md §4.9: a map
// from (run, node) to the long-lived provider session handle that backs it,
// so a node's provider process survives across turns until explicitly
// reset. Grounded on the teacher's registry/manager.go registration-map
// pattern, minus DSL codegen.
package session

import (
	"context"
	"sync"

	"github.com/vuhlp/engine/internal/provider"
)

type key struct {
	runID  string
	nodeID string
}

// Registry owns every node's provider.Session handle.
type Registry struct {
	mu       sync.Mutex
	handles  map[key]provider.Session
	registry *provider.Registry
}

// New returns an empty Registry backed by providers, which resolves a
// provider kind name to a constructor.
func New(providers *provider.Registry) *Registry {
	return &Registry{handles: make(map[key]provider.Session), registry: providers}
}

// Lookup returns the session handle for (runID, nodeID), if one has been
// opened. ok is false before the first turn, matching spec.md §4.9's
// "lookup returns undefined before the first turn".
func (r *Registry) Lookup(runID, nodeID string) (provider.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.handles[key{runID, nodeID}]
	return s, ok
}

// Open returns the existing session handle for (runID, nodeID), or
// constructs and stores one via cfg if none exists yet.
func (r *Registry) Open(runID, nodeID string, cfg provider.Config) (provider.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key{runID, nodeID}
	if s, ok := r.handles[k]; ok {
		return s, nil
	}
	s, err := r.registry.NewSession(cfg)
	if err != nil {
		return nil, err
	}
	r.handles[k] = s
	return s, nil
}

// Reset closes and reopens (run, node)'s session, discarding its prior
// context. A node with no open session is a no-op.
func (r *Registry) Reset(ctx context.Context, runID, nodeID string) error {
	r.mu.Lock()
	s, ok := r.handles[key{runID, nodeID}]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return s.Reset(ctx)
}

// Close drops (run, node)'s handle from the registry without calling
// Reset or Abort on it; used when a node is deleted outright.
func (r *Registry) Close(runID, nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handles, key{runID, nodeID})
}

// CloseRun drops every handle belonging to runID, returning the count
// removed.
func (r *Registry) CloseRun(runID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for k := range r.handles {
		if k.runID == runID {
			delete(r.handles, k)
			n++
		}
	}
	return n
}
