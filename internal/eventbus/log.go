package eventbus

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// readBlockSize is the minimum chunk read backward from the end of the log
// file while paging, per spec.md §4.1 ("fixed-size blocks (≥64 KiB)").
const readBlockSize = 64 * 1024

// runLog is the append-only events.jsonl file for one run. Appends are
// fsynced before append returns, so Bus.Publish can guarantee durability
// before notifying subscribers.
type runLog struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

func openRunLog(dataDir, runID string) (*runLog, error) {
	dir := filepath.Join(dataDir, "runs", runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("eventbus: create run dir: %w", err)
	}
	path := filepath.Join(dir, "events.jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("eventbus: open run log: %w", err)
	}
	return &runLog{path: path, f: f}, nil
}

// append writes one event as a single JSON line and fsyncs before
// returning. A write or sync failure is returned to the caller (Bus.Publish
// logs it at error level and proceeds with in-memory delivery per spec.md
// §7, "Event log write failure").
func (l *runLog) append(ev Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("eventbus: marshal event: %w", err)
	}
	line = append(line, '\n')
	if _, err := l.f.Write(line); err != nil {
		return fmt.Errorf("eventbus: append event: %w", err)
	}
	return l.f.Sync()
}

func (l *runLog) close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}

// Page is one page of replayed history: Events in chronological order, the
// byte offset to resume from on the next call, and whether more history
// remains before that offset.
type Page struct {
	Events     []Event
	NextCursor *int64
	HasMore    bool
}

// replay reads up to limit events from the run's log, most-recent-first,
// then returns them in chronological order. before, when non-nil, is a byte
// offset: only lines starting strictly before that offset are considered,
// so repeated calls page backward through history. before == nil means
// "start from the end of the file".
func replayLog(path string, limit int, before *int64) (Page, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Page{HasMore: false}, nil
		}
		return Page{}, fmt.Errorf("eventbus: open log for replay: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return Page{}, fmt.Errorf("eventbus: stat log: %w", err)
	}
	end := info.Size()
	if before != nil && *before < end {
		end = *before
	}
	if end <= 0 || limit <= 0 {
		return Page{HasMore: end > 0}, nil
	}

	lineStarts, err := scanLineStartsBackward(f, end, limit+1)
	if err != nil {
		return Page{}, err
	}

	hasMore := false
	if len(lineStarts) > limit {
		hasMore = true
		lineStarts = lineStarts[len(lineStarts)-limit:]
	}

	events := make([]Event, 0, len(lineStarts))
	for _, start := range lineStarts {
		if _, err := f.Seek(start, io.SeekStart); err != nil {
			return Page{}, fmt.Errorf("eventbus: seek log: %w", err)
		}
		reader := bufio.NewReader(f)
		raw, err := reader.ReadBytes('\n')
		if err != nil && len(raw) == 0 {
			continue
		}
		raw = bytes.TrimRight(raw, "\n")
		if len(raw) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			return Page{}, fmt.Errorf("eventbus: decode log line: %w", err)
		}
		events = append(events, ev)
	}

	page := Page{Events: events, HasMore: hasMore}
	if hasMore {
		cursor := lineStarts[0]
		page.NextCursor = &cursor
	}
	return page, nil
}

// scanLineStartsBackward walks backward from offset end in fixed-size
// blocks, prepending each block to an accumulating buffer, until either the
// buffer holds at least want newline-delimited lines or the start of the
// file is reached. It then returns the file offsets of every line start in
// that buffer, oldest first.
func scanLineStartsBackward(f *os.File, end int64, want int) ([]int64, error) {
	pos := end
	var buf []byte
	for pos > 0 && countLines(buf) <= want {
		blockLen := int64(readBlockSize)
		if blockLen > pos {
			blockLen = pos
		}
		start := pos - blockLen
		block := make([]byte, blockLen)
		if _, err := f.ReadAt(block, start); err != nil && err != io.EOF {
			return nil, fmt.Errorf("eventbus: read log block: %w", err)
		}
		buf = append(block, buf...)
		pos = start
	}

	starts := lineStartsIn(buf, pos)
	if len(starts) > want {
		starts = starts[len(starts)-want:]
	}
	return starts, nil
}

func countLines(buf []byte) int {
	return bytes.Count(buf, []byte{'\n'})
}

// lineStartsIn returns, in ascending order, the file offsets of every line
// start within buf, where buf begins at file offset base. Only offset 0 is
// known to be a line start; any other base is a block boundary that may
// fall mid-line, so the bytes before buf's first newline are treated as a
// partial line and not reported. A newline at the very end of buf starts
// no line within buf and is not reported either.
func lineStartsIn(buf []byte, base int64) []int64 {
	var starts []int64
	if base == 0 {
		starts = append(starts, 0)
	}
	for i, b := range buf {
		if b == '\n' && i+1 < len(buf) {
			starts = append(starts, base+int64(i)+1)
		}
	}
	return starts
}
