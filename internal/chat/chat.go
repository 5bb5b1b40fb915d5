// Package chat implements the Chat Manager from spec.md §4.5: the queue of
// user messages addressed to a run or a specific node, the orphan-adoption
// selector the scheduler uses to route run-level messages, and the
// per-(run|node) interaction mode.
package chat

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vuhlp/engine/internal/clock"
	"github.com/vuhlp/engine/internal/errs"
	"github.com/vuhlp/engine/internal/eventbus"
	"github.com/vuhlp/engine/internal/store"
)

// defaultHistoryLimit bounds retained messages per run per spec.md §4.5.
const defaultHistoryLimit = 50

// InteractionMode is the per-(run|node) setting that forces the scheduler
// to require user input between turns. It is a distinct axis from a run's
// OrchestrationMode; see SPEC_FULL.md §9.
type InteractionMode string

const (
	Autonomous InteractionMode = "autonomous"
	Manual     InteractionMode = "manual"
)

// Message is one ChatMessage entity from spec.md §3.
type Message struct {
	ID                   string
	RunID                string
	NodeID               string // empty = run-level / orphan
	Role                 store.ChatMessageRole
	Content              string
	CreatedAt            time.Time
	Processed            bool
	InterruptedExecution bool
}

// Selector decides whether a message should be adopted by the node
// currently executing. The Graph Scheduler supplies this predicate
// implementing the orphan-adoption rules of spec.md §4.5.
type Selector func(Message) bool

// Manager owns every ChatMessage and the interaction-mode settings.
type Manager struct {
	clock clock.Clock
	ids   clock.IDSource
	bus   *eventbus.Bus

	historyLimit int

	mu       sync.Mutex
	byRun    map[string][]*storedMessage
	modeRun  map[string]InteractionMode
	modeNode map[nodeKey]InteractionMode
}

type nodeKey struct {
	runID, nodeID string
}

type storedMessage struct {
	msg Message
}

// New returns a Manager with the default 50-message-per-run history bound.
func New(c clock.Clock, ids clock.IDSource, bus *eventbus.Bus) *Manager {
	return &Manager{
		clock:        c,
		ids:          ids,
		bus:          bus,
		historyLimit: defaultHistoryLimit,
		byRun:        make(map[string][]*storedMessage),
		modeRun:      make(map[string]InteractionMode),
		modeNode:     make(map[nodeKey]InteractionMode),
	}
}

// WithHistoryLimit overrides the default retention bound. Intended for
// tests exercising the FIFO-drop boundary behaviour.
func (m *Manager) WithHistoryLimit(n int) *Manager {
	m.historyLimit = n
	return m
}

// SendMessage appends a ChatMessage and publishes message.user (the
// interrupt variant unless interrupt is false, in which case a queued
// counterpart publishes instead).
func (m *Manager) SendMessage(ctx context.Context, runID, nodeID, content string, interrupt bool) (Message, error) {
	if strings.TrimSpace(content) == "" {
		return Message{}, errs.Validation("chat message content must not be empty")
	}
	msg := Message{
		ID:                   m.ids.NewID(),
		RunID:                runID,
		NodeID:               nodeID,
		Role:                 store.RoleUser,
		Content:              content,
		CreatedAt:            m.clock.Now(),
		InterruptedExecution: interrupt,
	}

	m.mu.Lock()
	entries := m.byRun[runID]
	entries = append(entries, &storedMessage{msg: msg})
	if len(entries) > m.historyLimit {
		entries = entries[len(entries)-m.historyLimit:]
	}
	m.byRun[runID] = entries
	m.mu.Unlock()

	evType := eventbus.Type("message.user.queued")
	if interrupt {
		evType = eventbus.TypeMessageUser
	}
	m.bus.Publish(ctx, eventbus.Event{
		RunID: runID,
		Type:  evType,
		Payload: map[string]any{
			"id":      msg.ID,
			"nodeId":  msg.NodeID,
			"content": msg.Content,
		},
	})
	return msg, nil
}

// GetPendingMessages returns unprocessed messages for a run. When nodeID is
// non-empty, it includes messages targeting that node plus run-level
// (no-node-id) messages. When nodeID is empty, it returns every unprocessed
// message.
func (m *Manager) GetPendingMessages(runID, nodeID string) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Message
	for _, e := range m.byRun[runID] {
		if e.msg.Processed {
			continue
		}
		if nodeID == "" || e.msg.NodeID == nodeID || e.msg.NodeID == "" {
			out = append(out, e.msg)
		}
	}
	return out
}

// ConsumeMessages atomically collects every unprocessed message in runID
// matching selector, marks them processed, and returns a formatted prompt
// block plus the consumed list in insertion order. The block is empty when
// nothing matched.
func (m *Manager) ConsumeMessages(runID string, selector Selector) (string, []Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var consumed []Message
	for _, e := range m.byRun[runID] {
		if e.msg.Processed || !selector(e.msg) {
			continue
		}
		e.msg.Processed = true
		consumed = append(consumed, e.msg)
	}
	if len(consumed) == 0 {
		return "", nil
	}
	var b strings.Builder
	b.WriteString("--- USER CHAT MESSAGES ---\n")
	for _, msg := range consumed {
		scope := "run"
		if msg.NodeID != "" {
			scope = msg.NodeID
		}
		fmt.Fprintf(&b, "[%s] [%s]: %s\n", scope, msg.CreatedAt.Format(time.RFC3339Nano), msg.Content)
	}
	b.WriteString("--- END USER CHAT MESSAGES ---")
	return b.String(), consumed
}

// OrphanAdoptionSelector builds the Selector implementing spec.md §4.5's
// rules for a node about to execute:
//
//  1. Direct match: msg.NodeID == executingNodeID.
//  2. If executingNodeID is the run's root orchestrator, also adopt
//     run-level (NodeID == "") messages.
//  3. If the root orchestrator is terminal (or missing), the lowest-id
//     currently active node adopts run-level messages AND messages whose
//     target node is terminal or missing — rootTerminal and
//     executingIsLowestActive convey that decision, computed by the
//     scheduler which alone knows every node's status.
//
// knownNodes holds the run's non-terminal nodes; a target absent from it
// counts as terminal or missing.
func OrphanAdoptionSelector(executingNodeID, rootOrchestratorID string, rootTerminal, executingIsLowestActive bool, knownNodes map[string]bool) Selector {
	isRoot := executingNodeID != "" && executingNodeID == rootOrchestratorID
	return func(msg Message) bool {
		if msg.NodeID == executingNodeID {
			return true
		}
		if msg.NodeID == "" {
			if isRoot {
				return true
			}
			if rootTerminal && executingIsLowestActive {
				return true
			}
			return false
		}
		// Message targets a specific, different node.
		if rootTerminal && executingIsLowestActive {
			if !knownNodes[msg.NodeID] {
				return true // target node terminal or missing
			}
		}
		return false
	}
}

// SetInteractionMode sets the run-level or, when nodeID is non-empty, the
// per-(run,node) interaction mode. Publishes a mode-change event only when
// the value actually differs from the current setting.
func (m *Manager) SetInteractionMode(ctx context.Context, runID, nodeID string, mode InteractionMode) {
	m.mu.Lock()
	var changed bool
	if nodeID == "" {
		if m.modeRun[runID] != mode {
			m.modeRun[runID] = mode
			changed = true
		}
	} else {
		k := nodeKey{runID, nodeID}
		if m.modeNode[k] != mode {
			m.modeNode[k] = mode
			changed = true
		}
	}
	m.mu.Unlock()

	if changed {
		m.bus.Publish(ctx, eventbus.Event{
			RunID: runID,
			Type:  eventbus.Type("chat.mode"),
			Payload: map[string]any{
				"nodeId": nodeID,
				"mode":   string(mode),
			},
		})
	}
}

// InteractionModeFor returns the effective interaction mode for (runID,
// nodeID): the per-node override if set, else the run-level setting, else
// Autonomous.
func (m *Manager) InteractionModeFor(runID, nodeID string) InteractionMode {
	m.mu.Lock()
	defer m.mu.Unlock()
	if nodeID != "" {
		if mode, ok := m.modeNode[nodeKey{runID, nodeID}]; ok {
			return mode
		}
	}
	if mode, ok := m.modeRun[runID]; ok {
		return mode
	}
	return Autonomous
}

// HasPending reports whether any unprocessed message exists for runID,
// used by the scheduler's INTERACTIVE-mode idle check.
func (m *Manager) HasPending(runID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.byRun[runID] {
		if !e.msg.Processed {
			return true
		}
	}
	return false
}

// TargetNodeIDs returns, sorted, the distinct non-empty node ids with at
// least one unprocessed message, and whether any unprocessed run-level
// (orphan) message exists. Used by the scheduler's wake-up scan (spec.md
// §4.8 step 3).
func (m *Manager) TargetNodeIDs(runID string) (nodeIDs []string, hasOrphan bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := map[string]bool{}
	for _, e := range m.byRun[runID] {
		if e.msg.Processed {
			continue
		}
		if e.msg.NodeID == "" {
			hasOrphan = true
			continue
		}
		if !seen[e.msg.NodeID] {
			seen[e.msg.NodeID] = true
			nodeIDs = append(nodeIDs, e.msg.NodeID)
		}
	}
	sort.Strings(nodeIDs)
	return nodeIDs, hasOrphan
}
