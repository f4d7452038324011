package tree

import (
	"fmt"
	"sync"
	"time"
)

// Tree is one conversation tree rooted at the first message of a thread.
// All operations are serialized by the tree mutex.
type Tree struct {
	mu sync.Mutex

	RootID   string
	nodes    map[string]*Node
	children map[string][]string
	queue    []string
}

// NewTree creates a tree containing only the root node.
func NewTree(root *Node) *Tree {
	root.RootID = root.ID
	root.ParentID = ""
	return &Tree{
		RootID:   root.ID,
		nodes:    map[string]*Node{root.ID: root},
		children: map[string][]string{},
	}
}

// Node returns the node by id, or nil.
func (t *Tree) Node(id string) *Node {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nodes[id]
}

// AddChild attaches node under parentID. Fails when the parent is missing or
// already failed; children of a failed parent would inherit broken session
// state.
func (t *Tree) AddChild(parentID string, node *Node) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	parent, ok := t.nodes[parentID]
	if !ok {
		return fmt.Errorf("parent node %s not found in tree %s", parentID, t.RootID)
	}
	if parent.State == StateError {
		return fmt.Errorf("parent node %s failed, not attaching children", parentID)
	}

	node.RootID = t.RootID
	node.ParentID = parentID
	t.nodes[node.ID] = node
	t.children[parentID] = append(t.children[parentID], node.ID)
	return nil
}

// UpdateState transitions a node, enforcing terminal monotonicity.
func (t *Tree) UpdateState(nodeID string, state State) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.updateStateLocked(nodeID, state)
}

func (t *Tree) updateStateLocked(nodeID string, state State) error {
	node, ok := t.nodes[nodeID]
	if !ok {
		return fmt.Errorf("node %s not found in tree %s", nodeID, t.RootID)
	}
	if node.State.Terminal() {
		return fmt.Errorf("node %s is %s, cannot transition to %s", nodeID, node.State, state)
	}
	node.State = state
	node.UpdatedAt = time.Now().UTC()
	return nil
}

// SetSessionID records the backend session id captured for a node.
func (t *Tree) SetSessionID(nodeID, sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if node, ok := t.nodes[nodeID]; ok {
		node.SessionID = sessionID
		node.UpdatedAt = time.Now().UTC()
	}
}

// Complete marks a node COMPLETED with its session id.
func (t *Tree) Complete(nodeID, sessionID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.updateStateLocked(nodeID, StateCompleted); err != nil {
		return err
	}
	if sessionID != "" {
		t.nodes[nodeID].SessionID = sessionID
	}
	return nil
}

// Fail marks a node ERROR with a message.
func (t *Tree) Fail(nodeID, message string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.updateStateLocked(nodeID, StateError); err != nil {
		return err
	}
	t.nodes[nodeID].ErrorMessage = message
	return nil
}

// Enqueue appends a node to the tree's FIFO queue.
func (t *Tree) Enqueue(nodeID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.queue = append(t.queue, nodeID)
}

// Dequeue pops the next pending node and marks it IN_PROGRESS. Returns nil
// while another node in the tree is still running or the queue is empty.
func (t *Tree) Dequeue() *Node {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, node := range t.nodes {
		if node.State == StateInProgress {
			return nil
		}
	}
	for len(t.queue) > 0 {
		id := t.queue[0]
		t.queue = t.queue[1:]
		node, ok := t.nodes[id]
		if !ok || node.State != StatePending {
			continue
		}
		node.State = StateInProgress
		node.UpdatedAt = time.Now().UTC()
		return node
	}
	return nil
}

// RemoveFromQueue drops a node from the queue without touching its state.
func (t *Tree) RemoveFromQueue(nodeID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, id := range t.queue {
		if id == nodeID {
			t.queue = append(t.queue[:i], t.queue[i+1:]...)
			return true
		}
	}
	return false
}

// QueueSnapshot returns the pending node ids in queue order.
func (t *Tree) QueueSnapshot() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.queue))
	copy(out, t.queue)
	return out
}

// ParentSessionID walks ancestors until a COMPLETED node with a session id is
// found. The returned id is a fork source, not a shared identity.
func (t *Tree) ParentSessionID(nodeID string) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	node, ok := t.nodes[nodeID]
	if !ok {
		return ""
	}
	for node.ParentID != "" {
		node, ok = t.nodes[node.ParentID]
		if !ok {
			return ""
		}
		if node.State == StateCompleted && node.SessionID != "" {
			return node.SessionID
		}
	}
	return ""
}

// Descendants returns every node below nodeID in depth-first order.
func (t *Tree) Descendants(nodeID string) []*Node {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.descendantsLocked(nodeID)
}

func (t *Tree) descendantsLocked(nodeID string) []*Node {
	var out []*Node
	for _, childID := range t.children[nodeID] {
		if child, ok := t.nodes[childID]; ok {
			out = append(out, child)
			out = append(out, t.descendantsLocked(childID)...)
		}
	}
	return out
}

// Remove deletes a node and its subtree. Returns the removed node ids.
func (t *Tree) Remove(nodeID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	node, ok := t.nodes[nodeID]
	if !ok {
		return nil
	}

	ids := []string{nodeID}
	for _, d := range t.descendantsLocked(nodeID) {
		ids = append(ids, d.ID)
	}

	for _, id := range ids {
		delete(t.nodes, id)
		delete(t.children, id)
		for i, qid := range t.queue {
			if qid == id {
				t.queue = append(t.queue[:i], t.queue[i+1:]...)
				break
			}
		}
	}
	if node.ParentID != "" {
		siblings := t.children[node.ParentID]
		for i, id := range siblings {
			if id == nodeID {
				t.children[node.ParentID] = append(siblings[:i], siblings[i+1:]...)
				break
			}
		}
	}
	return ids
}

// Empty reports whether the tree has no nodes left.
func (t *Tree) Empty() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.nodes) == 0
}

// NodeIDs returns all node ids in the tree.
func (t *Tree) NodeIDs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.nodes))
	for id := range t.nodes {
		out = append(out, id)
	}
	return out
}

// Snapshot is the serializable form of a tree for the session store.
type Snapshot struct {
	RootID   string              `json:"root_id"`
	Nodes    map[string]*Node    `json:"nodes"`
	Children map[string][]string `json:"children"`
	Queue    []string            `json:"queue"`
	SavedAt  time.Time           `json:"saved_at"`
}

// Snapshot captures the current tree state for persistence.
func (t *Tree) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	nodes := make(map[string]*Node, len(t.nodes))
	for id, n := range t.nodes {
		cp := *n
		nodes[id] = &cp
	}
	children := make(map[string][]string, len(t.children))
	for id, c := range t.children {
		children[id] = append([]string(nil), c...)
	}
	return Snapshot{
		RootID:   t.RootID,
		Nodes:    nodes,
		Children: children,
		Queue:    append([]string(nil), t.queue...),
		SavedAt:  time.Now().UTC(),
	}
}

// FromSnapshot rebuilds a tree from a stored snapshot. Nodes that were
// mid-flight when the snapshot was taken come back PENDING.
func FromSnapshot(s Snapshot) *Tree {
	t := &Tree{
		RootID:   s.RootID,
		nodes:    map[string]*Node{},
		children: map[string][]string{},
	}
	for id, n := range s.Nodes {
		cp := *n
		if cp.State == StateInProgress {
			cp.State = StatePending
		}
		t.nodes[id] = &cp
	}
	for id, c := range s.Children {
		t.children[id] = append([]string(nil), c...)
	}
	t.queue = append([]string(nil), s.Queue...)
	return t
}
