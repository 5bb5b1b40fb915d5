// Package approval implements the Approval Queue from spec.md §4.3: the
// per-tool-call human-in-the-loop gate with pending/approved/denied/
// modified/timeout outcomes, blocking waiters, and cascade cancellation.
package approval

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/vuhlp/engine/internal/clock"
	"github.com/vuhlp/engine/internal/errs"
	"github.com/vuhlp/engine/internal/eventbus"
	"github.com/vuhlp/engine/internal/tool"
)

// Status is an ApprovalRequest's lifecycle status.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
	StatusModified Status = "modified"
	StatusTimeout  Status = "timeout"
)

func (s Status) terminal() bool { return s != StatusPending }

// Resolution is what a blocked requestApproval call observes once the
// request leaves pending.
type Resolution struct {
	Status       Status
	ModifiedArgs map[string]any
	Feedback     string
}

// Request is one ApprovalRequest entity.
type Request struct {
	ID         string
	RunID      string
	NodeID     string
	Tool       tool.Call
	Context    string
	Status     Status
	CreatedAt  time.Time
	ResolvedAt time.Time
	TimeoutMS  int64
	TimeoutAt  time.Time
	Resolution *Resolution
}

// Params configures one requestApproval call.
type Params struct {
	RunID     string
	NodeID    string
	Tool      tool.Call
	Context   string
	TimeoutMS int64
	// Schema, when non-nil, validates Tool.Args before the request is
	// queued. A schema violation is a validation error, never reaching a
	// human approver (SPEC_FULL.md §4.3).
	Schema *jsonschema.Schema
}

// Queue owns every ApprovalRequest. AutoDenyOnTimeout defaults to true per
// spec.md §4.3.
type Queue struct {
	clock clock.Clock
	ids   clock.IDSource
	bus   *eventbus.Bus

	AutoDenyOnTimeout bool

	mu       sync.Mutex
	byID     map[string]*entry
	order    []string // insertion order, for deterministic enumeration
}

type entry struct {
	req    Request
	waitCh chan Resolution
	timer  *time.Timer
}

// New returns an empty Queue with auto-deny-on-timeout enabled.
func New(c clock.Clock, ids clock.IDSource, bus *eventbus.Bus) *Queue {
	return &Queue{
		clock:             c,
		ids:               ids,
		bus:               bus,
		AutoDenyOnTimeout: true,
		byID:              make(map[string]*entry),
	}
}

// RequestApproval creates an ApprovalRequest, emits approval.requested,
// schedules a timeout timer when params.TimeoutMS > 0, and blocks until the
// request is resolved or ctx is cancelled. Cancelling ctx does not resolve
// the request itself (another caller may still resolve it); it only stops
// this particular wait.
func (q *Queue) RequestApproval(ctx context.Context, params Params) (Resolution, error) {
	if params.Schema != nil {
		if err := params.Schema.Validate(params.Tool.Args); err != nil {
			return Resolution{}, errs.Validation("tool %q args failed schema validation: %v", params.Tool.Name, err)
		}
	}

	now := q.clock.Now()
	req := Request{
		ID:        q.ids.NewID(),
		RunID:     params.RunID,
		NodeID:    params.NodeID,
		Tool:      params.Tool,
		Context:   params.Context,
		Status:    StatusPending,
		CreatedAt: now,
		TimeoutMS: params.TimeoutMS,
	}
	if params.TimeoutMS > 0 {
		req.TimeoutAt = now.Add(time.Duration(params.TimeoutMS) * time.Millisecond)
	}

	e := &entry{req: req, waitCh: make(chan Resolution, 1)}
	q.mu.Lock()
	q.byID[req.ID] = e
	q.order = append(q.order, req.ID)
	if params.TimeoutMS > 0 {
		e.timer = time.AfterFunc(time.Duration(params.TimeoutMS)*time.Millisecond, func() {
			q.expire(req.ID)
		})
	}
	q.mu.Unlock()

	q.bus.Publish(ctx, eventbus.Event{
		RunID: params.RunID,
		Type:  eventbus.TypeApprovalRequested,
		Payload: map[string]any{
			"id":     req.ID,
			"nodeId": req.NodeID,
			"tool":   req.Tool,
		},
	})

	select {
	case res := <-e.waitCh:
		return res, nil
	case <-ctx.Done():
		return Resolution{}, ctx.Err()
	}
}

func (q *Queue) expire(id string) {
	if !q.AutoDenyOnTimeout {
		return
	}
	q.resolve(id, Resolution{
		Status:   StatusTimeout,
		Feedback: fmt.Sprintf("Approval timed out after %s", timeoutLabel(q, id)),
	})
}

func timeoutLabel(q *Queue, id string) string {
	q.mu.Lock()
	defer q.mu.Unlock()
	if e, ok := q.byID[id]; ok {
		return fmt.Sprintf("%d ms", e.req.TimeoutMS)
	}
	return "unknown duration"
}

// Approve resolves a pending request as approved. Returns false if the
// request was already resolved or does not exist.
func (q *Queue) Approve(id, feedback string) bool {
	return q.resolve(id, Resolution{Status: StatusApproved, Feedback: feedback}) == nil
}

// Deny resolves a pending request as denied.
func (q *Queue) Deny(id, feedback string) bool {
	return q.resolve(id, Resolution{Status: StatusDenied, Feedback: feedback}) == nil
}

// Modify resolves a pending request as modified, substituting modifiedArgs
// for the original tool arguments.
func (q *Queue) Modify(id string, modifiedArgs map[string]any, feedback string) bool {
	return q.resolve(id, Resolution{Status: StatusModified, ModifiedArgs: modifiedArgs, Feedback: feedback}) == nil
}

// resolve transitions a pending request to terminal exactly once. A second
// attempt (or resolving an unknown id) returns an error and has no effect,
// matching spec.md §4.3's "second attempts return 'already resolved'
// without effect".
func (q *Queue) resolve(id string, res Resolution) error {
	q.mu.Lock()
	e, ok := q.byID[id]
	if !ok {
		q.mu.Unlock()
		return errs.NotFound("approval %q not found", id)
	}
	if e.req.Status.terminal() {
		q.mu.Unlock()
		return errs.Validation("approval %q already resolved", id)
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	now := q.clock.Now()
	e.req.Status = res.Status
	e.req.ResolvedAt = now
	e.req.Resolution = &res
	runID := e.req.RunID
	q.mu.Unlock()

	e.waitCh <- res

	q.bus.Publish(context.Background(), eventbus.Event{
		RunID: runID,
		Type:  eventbus.TypeApprovalResolved,
		Payload: map[string]any{
			"id":       id,
			"status":   string(res.Status),
			"feedback": res.Feedback,
		},
	})
	return nil
}

// CancelForRun transitions every still-pending request for a run to denied,
// feedback mentioning "stopped", and returns the count cancelled. Calling
// it again returns 0.
func (q *Queue) CancelForRun(runID string) int {
	return q.cancelMatching(func(r Request) bool { return r.RunID == runID })
}

// CancelForNode transitions every still-pending request for a node to
// denied.
func (q *Queue) CancelForNode(nodeID string) int {
	return q.cancelMatching(func(r Request) bool { return r.NodeID == nodeID })
}

func (q *Queue) cancelMatching(match func(Request) bool) int {
	q.mu.Lock()
	var ids []string
	for _, id := range q.order {
		e := q.byID[id]
		if !e.req.Status.terminal() && match(e.req) {
			ids = append(ids, id)
		}
	}
	q.mu.Unlock()

	n := 0
	for _, id := range ids {
		if q.resolve(id, Resolution{Status: StatusDenied, Feedback: "request stopped"}) == nil {
			n++
		}
	}
	return n
}

// Get fetches one request by id.
func (q *Queue) Get(id string) (Request, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.byID[id]
	if !ok {
		return Request{}, errs.NotFound("approval %q not found", id)
	}
	return e.req, nil
}

// GetPending returns every pending request across every run, insertion
// order.
func (q *Queue) GetPending() []Request {
	return q.filtered(func(r Request) bool { return r.Status == StatusPending })
}

// GetPendingForRun returns pending requests for one run.
func (q *Queue) GetPendingForRun(runID string) []Request {
	return q.filtered(func(r Request) bool { return r.Status == StatusPending && r.RunID == runID })
}

// GetPendingForNode returns pending requests for one node.
func (q *Queue) GetPendingForNode(nodeID string) []Request {
	return q.filtered(func(r Request) bool { return r.Status == StatusPending && r.NodeID == nodeID })
}

// GetAll returns every request, insertion order.
func (q *Queue) GetAll() []Request {
	return q.filtered(func(Request) bool { return true })
}

func (q *Queue) filtered(match func(Request) bool) []Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []Request
	for _, id := range q.order {
		r := q.byID[id].req
		if match(r) {
			out = append(out, r)
		}
	}
	return out
}

// ClearResolved removes every terminal entry and returns the count removed.
func (q *Queue) ClearResolved() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	var kept []string
	n := 0
	for _, id := range q.order {
		if q.byID[id].req.Status.terminal() {
			delete(q.byID, id)
			n++
			continue
		}
		kept = append(kept, id)
	}
	q.order = kept
	return n
}
