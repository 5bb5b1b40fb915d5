package executor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"github.com/vuhlp/engine/internal/eventbus"
	"github.com/vuhlp/engine/internal/store"
)

// stallWindow is how many of a node's most recent completed turns the
// stall-detection history keeps.
const stallWindow = 3

// turnHistory is the rolling window of the last stallWindow completed
// turns' output/diff hashes and verification-failure messages for one
// node, per spec.md §4.7's stall detection.
type turnHistory struct {
	outputHashes         []string
	diffHashes           []string
	verificationFailures []string
}

func hashText(s string) string {
	if s == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// recordAndCheckStall appends this turn's output/diff hashes to the node's
// history, trims it to stallWindow, and reports (and publishes) a stall
// when the last two completed turns share an identical output hash, diff
// hash, or verification-failure message.
func (e *Executor) recordAndCheckStall(ctx context.Context, runID, nodeID, output, diffPatch, verificationFailure string) bool {
	e.historyMu.Lock()
	k := nodeKey{runID, nodeID}
	h, ok := e.history[k]
	if !ok {
		h = &turnHistory{}
		e.history[k] = h
	}

	outHash := hashText(output)
	diffHash := hashText(diffPatch)
	h.outputHashes = append(h.outputHashes, outHash)
	h.diffHashes = append(h.diffHashes, diffHash)
	h.verificationFailures = append(h.verificationFailures, verificationFailure)
	if len(h.outputHashes) > stallWindow {
		h.outputHashes = h.outputHashes[len(h.outputHashes)-stallWindow:]
		h.diffHashes = h.diffHashes[len(h.diffHashes)-stallWindow:]
		h.verificationFailures = h.verificationFailures[len(h.verificationFailures)-stallWindow:]
	}

	stalled := false
	n := len(h.outputHashes)
	if n >= 2 {
		last, prev := h.outputHashes[n-1], h.outputHashes[n-2]
		lastDiff, prevDiff := h.diffHashes[n-1], h.diffHashes[n-2]
		lastFail, prevFail := h.verificationFailures[n-1], h.verificationFailures[n-2]
		if (last != "" && last == prev) || (lastDiff != "" && lastDiff == prevDiff) || (lastFail != "" && lastFail == prevFail) {
			stalled = true
		}
	}
	summaries := append([]string(nil), h.outputHashes...)
	e.historyMu.Unlock()

	if !stalled {
		return false
	}

	e.bus.Publish(ctx, eventbus.Event{
		RunID: runID,
		Type:  eventbus.TypeRunStalled,
		Payload: map[string]any{
			"nodeId":             nodeID,
			"outputHash":         outHash,
			"diffHash":           diffHash,
			"verificationFailure": verificationFailure,
			"summaries":          summaries,
		},
	})
	_, _ = e.store.UpdateRunStatus(runID, store.RunPaused)
	return true
}

// ClearHistory drops a node's stall-detection history, used when a node is
// reset or removed.
func (e *Executor) ClearHistory(runID, nodeID string) {
	e.historyMu.Lock()
	defer e.historyMu.Unlock()
	delete(e.history, nodeKey{runID, nodeID})
}
