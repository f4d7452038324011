// Package store persists conversation trees and the per-chat message log.
// In-memory tree state is authoritative; a SessionStore only makes it
// durable across restarts.
package store

import (
	"time"

	"github.com/Alishahryar1/free-claude-code/internal/tree"
)

// Message directions and kinds recorded in the per-chat log. Global /clear
// replays the log to delete every message the bot has seen or sent.
const (
	DirIn  = "in"
	DirOut = "out"

	KindContent = "content"
	KindCommand = "command"
	KindStatus  = "status"
)

// MessageRecord is one entry of a chat's message-id log.
type MessageRecord struct {
	ID   string    `json:"id"`
	Dir  string    `json:"dir"`
	Kind string    `json:"kind"`
	At   time.Time `json:"ts"`
}

// State is everything a backend persists.
type State struct {
	Roots     map[string]tree.Snapshot   `json:"roots"`
	NodeIndex map[string]string          `json:"node_index"`
	MsgLog    map[string][]MessageRecord `json:"msg_log"`
}

// NewState returns an empty state with all maps allocated.
func NewState() *State {
	return &State{
		Roots:     map[string]tree.Snapshot{},
		NodeIndex: map[string]string{},
		MsgLog:    map[string][]MessageRecord{},
	}
}

// SessionStore persists tree snapshots, the node-to-root index and the
// message-id log.
type SessionStore interface {
	// Load reads the full persisted state, pruning trees older than the
	// backend's configured retention.
	Load() (*State, error)

	SaveTree(snap tree.Snapshot) error
	DeleteTree(rootID string) error

	IndexNodes(rootID string, nodeIDs ...string) error
	DeleteNodes(nodeIDs ...string) error

	RecordMessage(chatID string, rec MessageRecord) error
	MessageLog(chatID string) ([]MessageRecord, error)
	ClearMessageLog(chatID string) error

	// Reset drops all persisted state.
	Reset() error
	Close() error
}
