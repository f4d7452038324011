// Package file implements the JSON-file SessionStore backend. The whole
// state lives in one sessions.json written atomically on every mutation.
package file

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Alishahryar1/free-claude-code/internal/store"
	"github.com/Alishahryar1/free-claude-code/internal/tree"
)

// Store is a file-backed SessionStore.
type Store struct {
	mu     sync.Mutex
	path   string
	maxAge time.Duration
	state  *store.State
}

// New creates a store writing to path. Trees whose snapshot is older than
// maxAge are pruned on Load; zero disables pruning.
func New(path string, maxAge time.Duration) *Store {
	return &Store{path: path, maxAge: maxAge, state: store.NewState()}
}

func (s *Store) Load() (*store.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	switch {
	case os.IsNotExist(err):
		s.state = store.NewState()
		return cloneState(s.state), nil
	case err != nil:
		return nil, err
	}

	loaded := store.NewState()
	if err := json.Unmarshal(data, loaded); err != nil {
		return nil, err
	}
	if loaded.Roots == nil {
		loaded.Roots = map[string]tree.Snapshot{}
	}
	if loaded.NodeIndex == nil {
		loaded.NodeIndex = map[string]string{}
	}
	if loaded.MsgLog == nil {
		loaded.MsgLog = map[string][]store.MessageRecord{}
	}

	pruned := s.pruneOld(loaded)
	s.state = loaded
	if pruned {
		if err := s.saveLocked(); err != nil {
			return nil, err
		}
	}
	return cloneState(s.state), nil
}

// pruneOld drops expired tree snapshots and their index entries.
func (s *Store) pruneOld(st *store.State) bool {
	if s.maxAge <= 0 {
		return false
	}
	cutoff := time.Now().Add(-s.maxAge)
	pruned := false
	for rootID, snap := range st.Roots {
		if snap.SavedAt.Before(cutoff) {
			delete(st.Roots, rootID)
			pruned = true
		}
	}
	for nodeID, rootID := range st.NodeIndex {
		if _, ok := st.Roots[rootID]; !ok {
			delete(st.NodeIndex, nodeID)
			pruned = true
		}
	}
	return pruned
}

func (s *Store) SaveTree(snap tree.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Roots[snap.RootID] = snap
	for id := range snap.Nodes {
		s.state.NodeIndex[id] = snap.RootID
	}
	return s.saveLocked()
}

func (s *Store) DeleteTree(rootID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.state.Roots, rootID)
	for nodeID, root := range s.state.NodeIndex {
		if root == rootID {
			delete(s.state.NodeIndex, nodeID)
		}
	}
	return s.saveLocked()
}

func (s *Store) IndexNodes(rootID string, nodeIDs ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range nodeIDs {
		s.state.NodeIndex[id] = rootID
	}
	return s.saveLocked()
}

func (s *Store) DeleteNodes(nodeIDs ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range nodeIDs {
		delete(s.state.NodeIndex, id)
	}
	return s.saveLocked()
}

func (s *Store) RecordMessage(chatID string, rec store.MessageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.MsgLog[chatID] = append(s.state.MsgLog[chatID], rec)
	return s.saveLocked()
}

func (s *Store) MessageLog(chatID string) ([]store.MessageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	log := s.state.MsgLog[chatID]
	out := make([]store.MessageRecord, len(log))
	copy(out, log)
	return out, nil
}

func (s *Store) ClearMessageLog(chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.state.MsgLog, chatID)
	return s.saveLocked()
}

func (s *Store) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = store.NewState()
	return s.saveLocked()
}

func (s *Store) Close() error { return nil }

// saveLocked writes the state atomically: temp file, fsync, rename.
func (s *Store) saveLocked() error {
	data, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "sessions-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return err
	}
	cleanup = false
	return nil
}

func cloneState(st *store.State) *store.State {
	out := store.NewState()
	for k, v := range st.Roots {
		out.Roots[k] = v
	}
	for k, v := range st.NodeIndex {
		out.NodeIndex[k] = v
	}
	for k, v := range st.MsgLog {
		out.MsgLog[k] = append([]store.MessageRecord(nil), v...)
	}
	return out
}
