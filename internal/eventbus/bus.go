package eventbus

import (
	"context"
	"fmt"
	"sync"

	"github.com/vuhlp/engine/internal/clock"
	"github.com/vuhlp/engine/internal/telemetry"
)

// subscriberBufferSize bounds how many events a slow subscriber may lag
// behind before it starts missing events, per spec.md §4.1 ("bounded
// per-subscriber buffering, drop-with-gap-marker on overflow").
const subscriberBufferSize = 256

// Filter narrows a subscription to events matching a run id (empty string
// subscribes to every run) and, optionally, a set of types (nil means
// every type).
type Filter struct {
	RunID string
	Types map[Type]struct{}
}

func (f Filter) matches(ev Event) bool {
	if f.RunID != "" && f.RunID != ev.RunID {
		return false
	}
	if f.Types != nil {
		if _, ok := f.Types[ev.Type]; !ok {
			return false
		}
	}
	return true
}

// Subscription is a live handle returned by Subscribe. Events() delivers
// matching events until Close is called; callers must drain or Close
// promptly, since a subscriber that never reads still only ever holds
// subscriberBufferSize events of backlog before the bus starts dropping for
// it specifically.
type Subscription struct {
	events chan Event
	bus    *Bus
	id     int64
}

// Events returns the channel this subscription delivers events on. It is
// closed when Close is called.
func (s *Subscription) Events() <-chan Event { return s.events }

// Close releases the subscription. Idempotent.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s.id)
}

// Bus is the process-wide event bus: one durable log per run, fanned out
// to any number of live subscribers.
type Bus struct {
	clock  clock.Clock
	ids    clock.IDSource
	logger telemetry.Logger
	tracer telemetry.Tracer

	dataDir string

	mu          sync.Mutex
	logs        map[string]*runLog
	subs        map[int64]*subEntry
	nextSubID   int64
}

type subEntry struct {
	filter Filter
	ch     chan Event
}

// New returns a Bus that persists per-run logs under dataDir.
func New(dataDir string, c clock.Clock, ids clock.IDSource, logger telemetry.Logger, tracer telemetry.Tracer) *Bus {
	return &Bus{
		clock:   c,
		ids:     ids,
		logger:  logger,
		tracer:  tracer,
		dataDir: dataDir,
		logs:    make(map[string]*runLog),
		subs:    make(map[int64]*subEntry),
	}
}

// Publish fans ev out to every matching live subscriber and appends it to
// the run's durable log. The durable append is fsynced before Publish
// returns (spec.md §4.1 durability guarantee); a log write failure is
// logged and does not prevent in-memory delivery (spec.md §7).
//
// Publish assigns ev.ID and ev.Ts if unset, using the bus's own clock, so
// that publication order within a single run implies timestamp order even
// under concurrent callers.
func (b *Bus) Publish(ctx context.Context, ev Event) Event {
	if ev.ID == "" {
		ev.ID = b.ids.NewID()
	}
	if ev.Ts.IsZero() {
		ev.Ts = b.clock.Now()
	}

	ctx, span := b.tracer.Start(ctx, "eventbus.publish")
	span.AddEvent("publish", "run.id", ev.RunID, "event.type", string(ev.Type))
	defer span.End()

	log, err := b.logFor(ev.RunID)
	if err != nil {
		b.logger.Error(ctx, "eventbus: open run log failed", "run_id", ev.RunID, "err", err)
	} else if err := log.append(ev); err != nil {
		b.logger.Error(ctx, "eventbus: append failed", "run_id", ev.RunID, "err", err)
	}

	b.mu.Lock()
	subs := make([]*subEntry, 0, len(b.subs))
	for _, s := range b.subs {
		if s.filter.matches(ev) {
			subs = append(subs, s)
		}
	}
	b.mu.Unlock()

	for _, s := range subs {
		select {
		case s.ch <- ev:
		default:
			// Overflow: drop for this subscriber only, and tell it a gap
			// occurred rather than silently desyncing it.
			select {
			case s.ch <- Event{ID: b.ids.NewID(), RunID: ev.RunID, Ts: b.clock.Now(), Type: TypeBusGap}:
			default:
				// Even the gap marker didn't fit; the subscriber is far
				// enough behind that the next successful send will still
				// carry a gap's worth of missing context via replay.
			}
		}
	}
	return ev
}

// Subscribe registers a live subscriber matching filter. Call Close on the
// returned Subscription when done.
func (b *Bus) Subscribe(filter Filter) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextSubID++
	id := b.nextSubID
	entry := &subEntry{filter: filter, ch: make(chan Event, subscriberBufferSize)}
	b.subs[id] = entry
	return &Subscription{events: entry.ch, bus: b, id: id}
}

func (b *Bus) unsubscribe(id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.subs[id]; ok {
		close(s.ch)
		delete(b.subs, id)
	}
}

// Replay pages through a run's durable log, most-recent-first, returning at
// most limit events per call in chronological order. Pass the NextCursor
// from a prior Page as before to continue paging backward; nil means start
// from the end of the file. NextCursor is nil exactly when HasMore is
// false.
func (b *Bus) Replay(runID string, limit int, before *int64) (Page, error) {
	path, err := b.logPath(runID)
	if err != nil {
		return Page{}, err
	}
	return replayLog(path, limit, before)
}

func (b *Bus) logFor(runID string) (*runLog, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if l, ok := b.logs[runID]; ok {
		return l, nil
	}
	l, err := openRunLog(b.dataDir, runID)
	if err != nil {
		return nil, err
	}
	b.logs[runID] = l
	return l, nil
}

func (b *Bus) logPath(runID string) (string, error) {
	l, err := b.logFor(runID)
	if err != nil {
		return "", err
	}
	return l.path, nil
}

// CloseRun releases the open file handle for a run's log. Safe to call even
// if the run was never published to.
func (b *Bus) CloseRun(runID string) error {
	b.mu.Lock()
	l, ok := b.logs[runID]
	if ok {
		delete(b.logs, runID)
	}
	b.mu.Unlock()
	if !ok {
		return nil
	}
	if err := l.close(); err != nil {
		return fmt.Errorf("eventbus: close run log: %w", err)
	}
	return nil
}
