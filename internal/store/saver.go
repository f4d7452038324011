package store

import (
	"log/slog"
	"sync"

	"github.com/Alishahryar1/free-claude-code/internal/tree"
)

// TreeSaver coalesces snapshot writes per tree. While a write is in flight,
// newer snapshots of the same tree replace the queued one, so only the last
// snapshot reaches the backend.
type TreeSaver struct {
	store SessionStore

	mu      sync.Mutex
	pending map[string]tree.Snapshot
	order   []string

	kick chan struct{}
	stop chan struct{}
	done chan struct{}
}

// NewTreeSaver starts the background writer.
func NewTreeSaver(s SessionStore) *TreeSaver {
	ts := &TreeSaver{
		store:   s,
		pending: map[string]tree.Snapshot{},
		kick:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go ts.run()
	return ts
}

// Queue schedules a snapshot write. A queued snapshot for the same tree is
// replaced; the last one wins.
func (ts *TreeSaver) Queue(snap tree.Snapshot) {
	ts.mu.Lock()
	if _, queued := ts.pending[snap.RootID]; !queued {
		ts.order = append(ts.order, snap.RootID)
	}
	ts.pending[snap.RootID] = snap
	ts.mu.Unlock()

	select {
	case ts.kick <- struct{}{}:
	default:
	}
}

// Flush writes everything queued so far before returning.
func (ts *TreeSaver) Flush() {
	ts.drain()
}

// Close flushes pending writes and stops the background writer.
func (ts *TreeSaver) Close() {
	close(ts.stop)
	<-ts.done
}

func (ts *TreeSaver) run() {
	defer close(ts.done)
	for {
		select {
		case <-ts.kick:
			ts.drain()
		case <-ts.stop:
			ts.drain()
			return
		}
	}
}

func (ts *TreeSaver) drain() {
	for {
		ts.mu.Lock()
		if len(ts.order) == 0 {
			ts.mu.Unlock()
			return
		}
		rootID := ts.order[0]
		ts.order = ts.order[1:]
		snap := ts.pending[rootID]
		delete(ts.pending, rootID)
		ts.mu.Unlock()

		if err := ts.store.SaveTree(snap); err != nil {
			slog.Error("tree snapshot write failed", "root_id", rootID, "error", err)
		}
	}
}
