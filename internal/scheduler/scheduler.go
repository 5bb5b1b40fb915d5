// Package scheduler implements the Graph Scheduler from spec.md §4.8: the
// per-run cooperative loop that scans for ready nodes, arbitrates
// concurrency with a fair FIFO semaphore, invokes the Node Executor, and
// dispatches completed output along outgoing edges.
package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vuhlp/engine/internal/chat"
	"github.com/vuhlp/engine/internal/eventbus"
	"github.com/vuhlp/engine/internal/executor"
	"github.com/vuhlp/engine/internal/provider"
	"github.com/vuhlp/engine/internal/store"
	"github.com/vuhlp/engine/internal/telemetry"
)

// defaultTick and defaultIdle are spec.md §5's suggested intervals.
const (
	defaultTick = 200 * time.Millisecond
	defaultIdle = 500 * time.Millisecond
)

// Config bounds one run's scheduler loop.
type Config struct {
	MaxConcurrency int

	TickInterval            time.Duration
	InteractiveIdleInterval time.Duration

	ApprovalTimeoutMS    int64
	VerificationCommands []string

	// ProviderConfigFor resolves a node to the provider.Config its
	// session should open with.
	ProviderConfigFor func(store.Node) provider.Config

	GlobalModeInstructions func(store.GlobalMode) string
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrency < 1 {
		c.MaxConcurrency = 1
	}
	if c.TickInterval <= 0 {
		c.TickInterval = defaultTick
	}
	if c.InteractiveIdleInterval <= 0 {
		c.InteractiveIdleInterval = defaultIdle
	}
	if c.ProviderConfigFor == nil {
		c.ProviderConfigFor = func(n store.Node) provider.Config { return provider.Config{Kind: n.Provider} }
	}
	return c
}

// Scheduler drives one run's main loop.
type Scheduler struct {
	runID string
	cfg   Config

	store     *store.Store
	bus       *eventbus.Bus
	chat      *chat.Manager
	executor  *executor.Executor
	sem       *Semaphore
	logger    telemetry.Logger
	tracer    telemetry.Tracer

	stopOnce sync.Once
	stopCh   chan struct{}

	pauseMu sync.Mutex
	pauseCh chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]bool

	wg sync.WaitGroup
}

// New wires a Scheduler for one run.
func New(runID string, st *store.Store, bus *eventbus.Bus, chatMgr *chat.Manager, exec *executor.Executor, cfg Config, logger telemetry.Logger, tracer telemetry.Tracer) *Scheduler {
	cfg = cfg.withDefaults()
	return &Scheduler{
		runID:    runID,
		cfg:      cfg,
		store:    st,
		bus:      bus,
		chat:     chatMgr,
		executor: exec,
		sem:      NewSemaphore(cfg.MaxConcurrency),
		logger:   logger,
		tracer:   tracer,
		stopCh:   make(chan struct{}),
		inflight: make(map[string]bool),
	}
}

// Run drives the main loop until ctx is cancelled or Stop is called. ctx
// cancellation also cancels every in-flight node turn (run-level abort);
// Stop alone does not.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		if s.exiting(ctx) {
			return
		}

		if paused, ch := s.pauseState(); paused {
			select {
			case <-ch:
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			}
		}

		if s.effectiveInteractive() && !s.chat.HasPending(s.runID) {
			select {
			case <-time.After(s.cfg.InteractiveIdleInterval):
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			}
			continue
		}

		s.wakeUpScan(ctx)

		for _, node := range s.readyNodes() {
			if err := s.sem.Acquire(ctx); err != nil {
				return
			}
			s.markInflight(node.ID)
			s.wg.Add(1)
			go func(n store.Node) {
				defer s.wg.Done()
				defer s.sem.Release()
				defer s.clearInflight(n.ID)
				s.runNodeTurn(ctx, n)
			}(node)
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		}
	}
}

func (s *Scheduler) exiting(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

// Stop ends the loop without cancelling in-flight turns, which run to
// completion or detect ctx's own cancellation (spec.md §4.8 stop
// semantics).
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.pauseMu.Lock()
		if s.pauseCh != nil {
			close(s.pauseCh)
			s.pauseCh = nil
		}
		s.pauseMu.Unlock()
	})
}

// Pause installs a resolvable handle the loop waits on before its next
// iteration; in-flight turns are unaffected.
func (s *Scheduler) Pause() {
	s.pauseMu.Lock()
	defer s.pauseMu.Unlock()
	if s.pauseCh == nil {
		s.pauseCh = make(chan struct{})
	}
}

// Resume releases a handle installed by Pause. A no-op if not paused.
func (s *Scheduler) Resume() {
	s.pauseMu.Lock()
	defer s.pauseMu.Unlock()
	if s.pauseCh != nil {
		close(s.pauseCh)
		s.pauseCh = nil
	}
}

// Wait blocks until every in-flight turn this Scheduler started has
// returned, for a caller draining before shutdown.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) pauseState() (bool, chan struct{}) {
	s.pauseMu.Lock()
	defer s.pauseMu.Unlock()
	return s.pauseCh != nil, s.pauseCh
}

// effectiveInteractive implements spec.md §4.8 step 2: INTERACTIVE if the
// run's orchestration mode is interactive, or the run-level interaction
// mode is manual (the "interaction-mode-stop-flag").
func (s *Scheduler) effectiveInteractive() bool {
	run, err := s.store.GetRun(s.runID)
	if err != nil {
		return false
	}
	if run.OrchestrationMode == store.Interactive {
		return true
	}
	return s.chat.InteractionModeFor(s.runID, "") == chat.Manual
}

func (s *Scheduler) readyNodes() []store.Node {
	run, err := s.store.GetRun(s.runID)
	if err != nil {
		return nil
	}
	var ready []store.Node
	for _, n := range run.Nodes {
		if n.Status == store.NodeQueued && !s.isInflight(n.ID) {
			ready = append(ready, n)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].ID < ready[j].ID })
	return ready
}

func (s *Scheduler) isInflight(nodeID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	return s.inflight[nodeID]
}

func (s *Scheduler) markInflight(nodeID string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	s.inflight[nodeID] = true
}

func (s *Scheduler) clearInflight(nodeID string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, nodeID)
}
