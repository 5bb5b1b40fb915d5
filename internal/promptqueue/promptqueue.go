// Package promptqueue implements the Prompt Queue from spec.md §4.6: the
// append-only per-run list of PendingPrompts awaiting dispatch to a node.
package promptqueue

import (
	"sync"
	"time"

	"github.com/vuhlp/engine/internal/clock"
	"github.com/vuhlp/engine/internal/errs"
)

// Source distinguishes a prompt the orchestrator generated from one a user
// edited before it is sent.
type Source string

const (
	SourceOrchestrator Source = "orchestrator"
	SourceUser         Source = "user"
)

// Status is a PendingPrompt's lifecycle status.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusCancelled Status = "cancelled"
)

// Prompt is one PendingPrompt entity.
type Prompt struct {
	ID           string
	RunID        string
	TargetNodeID string
	Source       Source
	Content      string
	Status       Status
	CreatedAt    time.Time
	CancelReason string
}

// Queue owns every Prompt across every run.
type Queue struct {
	clock clock.Clock
	ids   clock.IDSource

	mu       sync.Mutex
	byID     map[string]*Prompt
	byRun    map[string][]string // ordered prompt ids, insertion order
}

// New returns an empty Queue.
func New(c clock.Clock, ids clock.IDSource) *Queue {
	return &Queue{clock: c, ids: ids, byID: make(map[string]*Prompt), byRun: make(map[string][]string)}
}

// Enqueue appends a new pending prompt.
func (q *Queue) Enqueue(runID, targetNodeID string, source Source, content string) Prompt {
	q.mu.Lock()
	defer q.mu.Unlock()
	p := &Prompt{
		ID:           q.ids.NewID(),
		RunID:        runID,
		TargetNodeID: targetNodeID,
		Source:       source,
		Content:      content,
		Status:       StatusPending,
		CreatedAt:    q.clock.Now(),
	}
	q.byID[p.ID] = p
	q.byRun[runID] = append(q.byRun[runID], p.ID)
	return *p
}

// MarkSent transitions a pending prompt to sent. No-op transitions (the
// prompt is not currently pending) return an error.
func (q *Queue) MarkSent(id string) (Prompt, error) {
	return q.transition(id, func(p *Prompt) error {
		p.Status = StatusSent
		return nil
	})
}

// Cancel transitions a pending prompt to cancelled, recording reason.
func (q *Queue) Cancel(id, reason string) (Prompt, error) {
	return q.transition(id, func(p *Prompt) error {
		p.Status = StatusCancelled
		p.CancelReason = reason
		return nil
	})
}

// ModifyContent rewrites a still-pending prompt's content.
func (q *Queue) ModifyContent(id, content string) (Prompt, error) {
	return q.transition(id, func(p *Prompt) error {
		p.Content = content
		return nil
	})
}

func (q *Queue) transition(id string, mutate func(*Prompt) error) (Prompt, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	p, ok := q.byID[id]
	if !ok {
		return Prompt{}, errs.NotFound("prompt %q not found", id)
	}
	if p.Status != StatusPending {
		return Prompt{}, errs.Validation("prompt %q is not pending (status=%s)", id, p.Status)
	}
	if err := mutate(p); err != nil {
		return Prompt{}, err
	}
	return *p, nil
}

// Get fetches one prompt by id.
func (q *Queue) Get(id string) (Prompt, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	p, ok := q.byID[id]
	if !ok {
		return Prompt{}, errs.NotFound("prompt %q not found", id)
	}
	return *p, nil
}

// ByRun returns every prompt for a run, in insertion order.
func (q *Queue) ByRun(runID string) []Prompt {
	q.mu.Lock()
	defer q.mu.Unlock()
	ids := q.byRun[runID]
	out := make([]Prompt, 0, len(ids))
	for _, id := range ids {
		out = append(out, *q.byID[id])
	}
	return out
}

// BySource returns every prompt for a run with the given source, in
// insertion order.
func (q *Queue) BySource(runID string, source Source) []Prompt {
	all := q.ByRun(runID)
	out := all[:0:0]
	for _, p := range all {
		if p.Source == source {
			out = append(out, p)
		}
	}
	return out
}

// ClearRun cancels every still-pending prompt for a run with reason
// "run_cleared" and returns the number cancelled.
func (q *Queue) ClearRun(runID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, id := range q.byRun[runID] {
		p := q.byID[id]
		if p.Status == StatusPending {
			p.Status = StatusCancelled
			p.CancelReason = "run_cleared"
			n++
		}
	}
	return n
}
