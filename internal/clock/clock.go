// Package clock provides the monotonic wall-clock timestamps and unique
// identifiers shared by every other component. Every entity and every
// broadcast event gets its id and timestamp from here so that ordering and
// equality checks never depend on a component's own notion of "now".
package clock

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Clock issues ISO-8601 UTC timestamps that are strictly increasing for a
// single Clock instance, even when called back-to-back within the same
// time.Now() tick. Components that need "later publish implies later
// timestamp" (event bus ordering) depend on this guarantee rather than on
// wall-clock resolution.
type Clock interface {
	// Now returns the current instant, guaranteed greater than the instant
	// returned by any prior call to Now on the same Clock.
	Now() time.Time

	// ISONow is a convenience wrapper returning Now formatted as RFC3339Nano
	// in UTC, the wire format used throughout the event bus and the API
	// contracts in §6.
	ISONow() string
}

// IDSource mints unique identifiers for runs, nodes, edges, envelopes,
// messages, prompts, approvals, artifacts, and events.
type IDSource interface {
	NewID() string
}

type systemClock struct {
	mu   sync.Mutex
	last time.Time
}

// New returns a Clock backed by time.Now, serialized so that two calls
// issued from different goroutines in the same nanosecond still observe a
// strict ordering.
func New() Clock {
	return &systemClock{}
}

func (c *systemClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now().UTC()
	if !now.After(c.last) {
		now = c.last.Add(time.Nanosecond)
	}
	c.last = now
	return now
}

func (c *systemClock) ISONow() string {
	return c.Now().Format(time.RFC3339Nano)
}

type uuidSource struct{}

// NewIDSource returns an IDSource backed by google/uuid random (v4) ids.
func NewIDSource() IDSource {
	return uuidSource{}
}

func (uuidSource) NewID() string {
	return uuid.NewString()
}
