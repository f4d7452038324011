// Package cli manages Claude CLI sessions: a bounded session registry and a
// subprocess-backed session that streams task events.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Event types emitted by a session while a task runs.
const (
	EventSessionInfo   = "session_info"
	EventThinkingStart = "thinking_start"
	EventThinkingDelta = "thinking_delta"
	EventThinkingChunk = "thinking_chunk"
	EventThinkingStop  = "thinking_stop"
	EventTextStart     = "text_start"
	EventTextDelta     = "text_delta"
	EventTextChunk     = "text_chunk"
	EventTextStop      = "text_stop"
	EventToolUseStart  = "tool_use_start"
	EventToolUseDelta  = "tool_use_delta"
	EventToolUseStop   = "tool_use_stop"
	EventToolUse       = "tool_use"
	EventToolResult    = "tool_result"
	EventBlockStop     = "block_stop"
	EventError         = "error"
	EventComplete      = "complete"
)

// Event is one unit of task output.
type Event struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	Text      string          `json:"text,omitempty"`
	Name      string          `json:"name,omitempty"`
	ID        string          `json:"id,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	Content   string          `json:"content,omitempty"`
	Message   string          `json:"message,omitempty"`
}

// TaskOptions control how a task starts.
type TaskOptions struct {
	// SessionID resumes an existing backend session.
	SessionID string
	// ForkSession branches off the resumed session instead of continuing it.
	ForkSession bool
}

// Session runs tasks against one Claude CLI conversation.
type Session interface {
	ID() string
	// StartTask launches the task and streams events until completion. The
	// channel closes after the final complete or error event. Cancelling ctx
	// kills the task.
	StartTask(ctx context.Context, prompt string, opts TaskOptions) (<-chan Event, error)
	Kill()
}

// Factory builds a session for an id.
type Factory func(id string) Session

// ErrSessionLimit is returned when the registry is full.
var ErrSessionLimit = errors.New("session limit reached")

// Stats summarizes registry load.
type Stats struct {
	ActiveSessions int `json:"active_sessions"`
}

// Manager is the bounded session registry. Sessions created before their
// backend id is known get a temporary id; RegisterRealSessionID swaps it.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]Session
	max      int
	factory  Factory
}

// NewManager creates a registry bounded to max sessions (default 10).
func NewManager(max int, factory Factory) *Manager {
	if max <= 0 {
		max = 10
	}
	return &Manager{
		sessions: map[string]Session{},
		max:      max,
		factory:  factory,
	}
}

// GetOrCreate returns the session for sessionID, creating one when missing.
// With an empty sessionID a fresh session is created under a temporary id.
// Returns the session, its current id, and whether it is new.
func (m *Manager) GetOrCreate(sessionID string) (Session, string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sessionID != "" {
		if s, ok := m.sessions[sessionID]; ok {
			return s, sessionID, false, nil
		}
	}
	if len(m.sessions) >= m.max {
		return nil, "", false, fmt.Errorf("%w (%d active)", ErrSessionLimit, len(m.sessions))
	}

	id := sessionID
	isNew := false
	if id == "" {
		id = "temp_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
		isNew = true
	}
	s := m.factory(id)
	m.sessions[id] = s
	slog.Debug("cli session created", "session_id", id, "active", len(m.sessions))
	return s, id, isNew, nil
}

// RegisterRealSessionID rebinds a temporary session to its backend id.
func (m *Manager) RegisterRealSessionID(tempID, realID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[tempID]
	if !ok || realID == "" || tempID == realID {
		return
	}
	delete(m.sessions, tempID)
	if rebind, ok := s.(interface{ setID(string) }); ok {
		rebind.setID(realID)
	}
	m.sessions[realID] = s
}

// RemoveSession releases a slot. The session's backend state survives and can
// be resumed later by id.
func (m *Manager) RemoveSession(id string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if ok {
		s.Kill()
	}
}

// StopAll kills every session and empties the registry.
func (m *Manager) StopAll() {
	m.mu.Lock()
	all := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.sessions = map[string]Session{}
	m.mu.Unlock()

	for _, s := range all {
		s.Kill()
	}
}

// Stats reports current registry load.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{ActiveSessions: len(m.sessions)}
}
