// Package tree implements the conversation message tree: per-chat trees of
// user messages with reply edges, a per-root FIFO work queue and the
// cross-tree manager that schedules, cancels and persists them.
package tree

import "time"

// State is a node's processing state. PENDING and IN_PROGRESS may advance;
// COMPLETED and ERROR are terminal.
type State string

const (
	StatePending    State = "PENDING"
	StateInProgress State = "IN_PROGRESS"
	StateCompleted  State = "COMPLETED"
	StateError      State = "ERROR"
)

// Terminal reports whether the state forbids further transitions.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateError
}

// Incoming captures the platform message a node was created from.
type Incoming struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ThreadID  int    `json:"thread_id,omitempty"`
	ReplyToID string `json:"reply_to_id,omitempty"`
	Sender    string `json:"sender,omitempty"`
}

// Node is one conversation turn in a message tree.
type Node struct {
	ID       string `json:"id"`
	RootID   string `json:"root_id"`
	ParentID string `json:"parent_id,omitempty"`
	State    State  `json:"state"`

	Incoming        Incoming `json:"incoming"`
	StatusMessageID string   `json:"status_message_id,omitempty"`
	SessionID       string   `json:"session_id,omitempty"`
	ErrorMessage    string   `json:"error_message,omitempty"`

	// Context carries opaque per-node values such as cancel_reason.
	Context map[string]string `json:"context,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewNode returns a PENDING node for an incoming message.
func NewNode(id string, incoming Incoming) *Node {
	now := time.Now().UTC()
	return &Node{
		ID:        id,
		State:     StatePending,
		Incoming:  incoming,
		Context:   map[string]string{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// SetContext stores an opaque value on the node.
func (n *Node) SetContext(key, value string) {
	if n.Context == nil {
		n.Context = map[string]string{}
	}
	n.Context[key] = value
}

// ContextValue reads an opaque value from the node.
func (n *Node) ContextValue(key string) string {
	if n.Context == nil {
		return ""
	}
	return n.Context[key]
}
