package tree

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// ProcessorFunc runs one node. The context is cancelled when the node or its
// branch is stopped; implementations must stop the upstream work and return.
type ProcessorFunc func(ctx context.Context, node *Node)

// ErrParentFailed is the error message propagated to pending descendants of
// a failed node.
const ErrParentFailed = "parent failed"

type runningTask struct {
	nodeID string
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager owns every tree and the flat node-to-root index. It schedules at
// most one node per tree at a time and exposes cross-tree cancellation.
type Manager struct {
	mu      sync.Mutex
	trees   map[string]*Tree
	index   map[string]string
	running map[string]*runningTask
	procs   map[string]ProcessorFunc

	baseCtx context.Context

	// Callbacks injected by the handler. Both may be nil.
	OnQueueChanged func(t *Tree)
	OnNodeStarted  func(t *Tree, n *Node)
}

// NewManager returns an empty manager. baseCtx bounds all node processing.
func NewManager(baseCtx context.Context) *Manager {
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	return &Manager{
		trees:   map[string]*Tree{},
		index:   map[string]string{},
		running: map[string]*runningTask{},
		procs:   map[string]ProcessorFunc{},
		baseCtx: baseCtx,
	}
}

// AddRoot creates a new tree rooted at node.
func (m *Manager) AddRoot(node *Node) *Tree {
	t := NewTree(node)
	m.mu.Lock()
	m.trees[t.RootID] = t
	m.index[node.ID] = t.RootID
	m.mu.Unlock()
	return t
}

// AddChild attaches node under parentID in whichever tree owns the parent.
func (m *Manager) AddChild(parentID string, node *Node) (*Tree, error) {
	t := m.TreeForNode(parentID)
	if t == nil {
		return nil, fmt.Errorf("no tree contains node %s", parentID)
	}
	owner := m.resolveNodeID(parentID)
	if err := t.AddChild(owner, node); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.index[node.ID] = t.RootID
	m.mu.Unlock()
	return t, nil
}

// RegisterMessage maps an additional message id (the bot's status message) to
// a node so replies to either resolve to the same tree.
func (m *Manager) RegisterMessage(messageID, nodeID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rootID, ok := m.index[nodeID]; ok {
		m.index[messageID] = rootID
	}
}

// TreeForNode returns the tree owning the given message id, or nil.
func (m *Manager) TreeForNode(id string) *Tree {
	m.mu.Lock()
	defer m.mu.Unlock()
	rootID, ok := m.index[id]
	if !ok {
		return nil
	}
	return m.trees[rootID]
}

// resolveNodeID maps a message id to the owning node id: status message ids
// resolve to the node that owns the status message.
func (m *Manager) resolveNodeID(id string) string {
	t := m.TreeForNode(id)
	if t == nil {
		return id
	}
	if t.Node(id) != nil {
		return id
	}
	for _, nodeID := range t.NodeIDs() {
		if n := t.Node(nodeID); n != nil && n.StatusMessageID == id {
			return nodeID
		}
	}
	return id
}

// ResolveParentNodeID maps a reply target to a node id: if the target is a
// status message, its owning node; otherwise the target itself when it is a
// known node. Empty when the target resolves to nothing.
func (m *Manager) ResolveParentNodeID(id string) string {
	t := m.TreeForNode(id)
	if t == nil {
		return ""
	}
	resolved := m.resolveNodeID(id)
	if t.Node(resolved) == nil {
		return ""
	}
	return resolved
}

// Enqueue queues the node for processing and starts it immediately when its
// tree is idle.
func (m *Manager) Enqueue(node *Node, proc ProcessorFunc) error {
	t := m.TreeForNode(node.ID)
	if t == nil {
		return fmt.Errorf("node %s is not registered in any tree", node.ID)
	}

	m.mu.Lock()
	m.procs[node.ID] = proc
	m.mu.Unlock()

	t.Enqueue(node.ID)
	m.notifyQueueChanged(t)
	m.startNext(t)
	return nil
}

func (m *Manager) notifyQueueChanged(t *Tree) {
	if m.OnQueueChanged != nil {
		m.OnQueueChanged(t)
	}
}

// startNext dequeues and launches the next node of the tree, if any.
func (m *Manager) startNext(t *Tree) {
	node := t.Dequeue()
	if node == nil {
		return
	}

	m.mu.Lock()
	proc := m.procs[node.ID]
	delete(m.procs, node.ID)
	ctx, cancel := context.WithCancel(m.baseCtx)
	task := &runningTask{nodeID: node.ID, cancel: cancel, done: make(chan struct{})}
	m.running[node.ID] = task
	m.mu.Unlock()

	if m.OnNodeStarted != nil {
		m.OnNodeStarted(t, node)
	}

	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("node processor panicked", "node_id", node.ID, "panic", r)
				_ = t.Fail(node.ID, "internal error")
			}
			cancel()
			close(task.done)
			m.mu.Lock()
			delete(m.running, node.ID)
			m.mu.Unlock()
			m.notifyQueueChanged(t)
			m.startNext(t)
		}()
		if proc != nil {
			proc(ctx, node)
		}
	}()
}

// CancelNode cancels exactly one node: interrupts it when running, removes it
// from the queue when pending. Descendants are untouched. Returns the
// affected nodes.
func (m *Manager) CancelNode(id string) []*Node {
	t := m.TreeForNode(id)
	if t == nil {
		return nil
	}
	nodeID := m.resolveNodeID(id)
	node := t.Node(nodeID)
	if node == nil {
		return nil
	}

	affected := m.cancelSingle(t, node, "stop")
	m.notifyQueueChanged(t)
	return affected
}

func (m *Manager) cancelSingle(t *Tree, node *Node, reason string) []*Node {
	m.mu.Lock()
	task, isRunning := m.running[node.ID]
	m.mu.Unlock()

	switch {
	case isRunning:
		node.SetContext("cancel_reason", reason)
		task.cancel()
		return []*Node{node}
	case node.State == StatePending:
		t.RemoveFromQueue(node.ID)
		node.SetContext("cancel_reason", reason)
		if err := t.Fail(node.ID, "Cancelled"); err == nil {
			return []*Node{node}
		}
		return nil
	default:
		return nil
	}
}

// CancelBranch cancels the node and every descendant that is queued or
// running.
func (m *Manager) CancelBranch(id string) []*Node {
	t := m.TreeForNode(id)
	if t == nil {
		return nil
	}
	nodeID := m.resolveNodeID(id)
	node := t.Node(nodeID)
	if node == nil {
		return nil
	}

	var affected []*Node
	affected = append(affected, m.cancelSingle(t, node, "stop")...)
	for _, d := range t.Descendants(nodeID) {
		affected = append(affected, m.cancelSingle(t, d, "stop")...)
	}
	m.notifyQueueChanged(t)
	return affected
}

// CancelAll cancels every queued and running node across all trees.
func (m *Manager) CancelAll() []*Node {
	m.mu.Lock()
	trees := make([]*Tree, 0, len(m.trees))
	for _, t := range m.trees {
		trees = append(trees, t)
	}
	m.mu.Unlock()

	var affected []*Node
	for _, t := range trees {
		for _, id := range t.NodeIDs() {
			if node := t.Node(id); node != nil {
				affected = append(affected, m.cancelSingle(t, node, "stop")...)
			}
		}
		m.notifyQueueChanged(t)
	}
	return affected
}

// MarkNodeError transitions the node to ERROR. With propagate, every PENDING
// descendant fails too and leaves the queue; they expected this node's
// session state.
func (m *Manager) MarkNodeError(id, message string, propagate bool) []*Node {
	t := m.TreeForNode(id)
	if t == nil {
		return nil
	}
	nodeID := m.resolveNodeID(id)
	node := t.Node(nodeID)
	if node == nil {
		return nil
	}

	var affected []*Node
	if err := t.Fail(nodeID, message); err == nil {
		affected = append(affected, node)
	}
	if propagate {
		for _, d := range t.Descendants(nodeID) {
			if d.State != StatePending {
				continue
			}
			t.RemoveFromQueue(d.ID)
			if err := t.Fail(d.ID, ErrParentFailed); err == nil {
				affected = append(affected, d)
			}
		}
	}
	m.notifyQueueChanged(t)
	return affected
}

// RemoveBranch purges the node and its descendants from the tree and index.
// Removing the root removes the entire tree.
func (m *Manager) RemoveBranch(id string) (removed []string, rootID string, removedTree bool) {
	t := m.TreeForNode(id)
	if t == nil {
		return nil, "", false
	}
	nodeID := m.resolveNodeID(id)

	for _, n := range m.CancelBranch(nodeID) {
		_ = n
	}
	removed = t.Remove(nodeID)

	m.mu.Lock()
	for _, rid := range removed {
		delete(m.index, rid)
	}
	for msgID, root := range m.index {
		if root == t.RootID && m.trees[root] != nil && m.trees[root].Node(msgID) == nil {
			if m.resolveOwnerLocked(t, msgID) == "" {
				delete(m.index, msgID)
			}
		}
	}
	if nodeID == t.RootID || t.Empty() {
		delete(m.trees, t.RootID)
		removedTree = true
	}
	m.mu.Unlock()
	return removed, t.RootID, removedTree
}

// resolveOwnerLocked finds the node owning a status message id, if any.
func (m *Manager) resolveOwnerLocked(t *Tree, msgID string) string {
	for _, nodeID := range t.NodeIDs() {
		if n := t.Node(nodeID); n != nil && n.StatusMessageID == msgID {
			return nodeID
		}
	}
	return ""
}

// Reset drops every tree and cancels all running work. Used by global /clear.
func (m *Manager) Reset() {
	m.CancelAll()
	m.mu.Lock()
	m.trees = map[string]*Tree{}
	m.index = map[string]string{}
	m.procs = map[string]ProcessorFunc{}
	m.mu.Unlock()
}

// Restore reinstates a tree from a snapshot, rebuilding the index.
func (m *Manager) Restore(s Snapshot) *Tree {
	t := FromSnapshot(s)
	m.mu.Lock()
	m.trees[t.RootID] = t
	for _, id := range t.NodeIDs() {
		m.index[id] = t.RootID
		if n := t.Node(id); n != nil && n.StatusMessageID != "" {
			m.index[n.StatusMessageID] = t.RootID
		}
	}
	m.mu.Unlock()
	return t
}

// TreeCount returns the number of live trees.
func (m *Manager) TreeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.trees)
}

// Trees returns all live trees.
func (m *Manager) Trees() []*Tree {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Tree, 0, len(m.trees))
	for _, t := range m.trees {
		out = append(out, t)
	}
	return out
}

// Wait blocks until the node's running task finishes. Used in tests and by
// global clear to drain interrupted work.
func (m *Manager) Wait(nodeID string) {
	m.mu.Lock()
	task, ok := m.running[nodeID]
	m.mu.Unlock()
	if ok {
		<-task.done
	}
}
