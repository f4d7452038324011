package messaging

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Alishahryar1/free-claude-code/internal/cli"
	"github.com/Alishahryar1/free-claude-code/internal/platform"
	"github.com/Alishahryar1/free-claude-code/internal/store"
	"github.com/Alishahryar1/free-claude-code/internal/tree"
)

// fakePlatform records outbound calls and hands out numeric message ids.
type fakePlatform struct {
	mu      sync.Mutex
	sends   []string
	edits   []string
	deleted []string
	nextID  int
}

func (f *fakePlatform) Name() string                    { return "telegram" }
func (f *fakePlatform) Start(context.Context) error     { return nil }
func (f *fakePlatform) Stop() error                     { return nil }
func (f *fakePlatform) OnMessage(func(platform.IncomingMessage)) {}

func (f *fakePlatform) SendMessage(_ context.Context, chatID, text string, _ platform.SendOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.sends = append(f.sends, text)
	return fmt.Sprintf("%d", 900+f.nextID), nil
}

func (f *fakePlatform) EditMessage(_ context.Context, _, _, text, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, text)
	return nil
}

func (f *fakePlatform) DeleteMessage(_ context.Context, _, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, messageID)
	return nil
}

func (f *fakePlatform) DeleteMessages(_ context.Context, _ string, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, ids...)
	return nil
}

func (f *fakePlatform) sentContaining(substr string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.sends {
		if strings.Contains(s, substr) {
			return true
		}
	}
	return false
}

func (f *fakePlatform) editContaining(substr string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.edits {
		if strings.Contains(s, substr) {
			return true
		}
	}
	return false
}

func (f *fakePlatform) deletedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

// scriptedFactory builds sessions that replay a scripted event sequence and
// record the task options they were started with.
type scriptedFactory struct {
	mu       sync.Mutex
	opts     []cli.TaskOptions
	sessions int
	// blockUntilCancel makes tasks emit session_info and then hang until the
	// context is cancelled.
	blockUntilCancel bool
}

func (f *scriptedFactory) factory(id string) cli.Session {
	return &scriptedSession{id: id, parent: f}
}

func (f *scriptedFactory) recordedOpts() []cli.TaskOptions {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]cli.TaskOptions(nil), f.opts...)
}

type scriptedSession struct {
	mu     sync.Mutex
	id     string
	parent *scriptedFactory
}

func (s *scriptedSession) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

func (s *scriptedSession) setID(id string) {
	s.mu.Lock()
	s.id = id
	s.mu.Unlock()
}

func (s *scriptedSession) Kill() {}

func (s *scriptedSession) StartTask(ctx context.Context, _ string, opts cli.TaskOptions) (<-chan cli.Event, error) {
	s.parent.mu.Lock()
	s.parent.opts = append(s.parent.opts, opts)
	s.parent.sessions++
	sessionID := fmt.Sprintf("sess-%d", s.parent.sessions)
	block := s.parent.blockUntilCancel
	s.parent.mu.Unlock()

	ch := make(chan cli.Event, 8)
	go func() {
		defer close(ch)
		ch <- cli.Event{Type: cli.EventSessionInfo, SessionID: sessionID}
		if block {
			<-ctx.Done()
			return
		}
		ch <- cli.Event{Type: cli.EventTextDelta, Text: "Hello back"}
		ch <- cli.Event{Type: cli.EventBlockStop}
		ch <- cli.Event{Type: cli.EventComplete, SessionID: sessionID}
	}()
	return ch, nil
}

// fakeSessionStore records calls in memory.
type fakeSessionStore struct {
	mu          sync.Mutex
	trees       map[string]tree.Snapshot
	indexed     map[string]string
	log         map[string][]store.MessageRecord
	deletedTree []string
	resetCalled bool
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{
		trees:   map[string]tree.Snapshot{},
		indexed: map[string]string{},
		log:     map[string][]store.MessageRecord{},
	}
}

func (f *fakeSessionStore) Load() (*store.State, error) { return store.NewState(), nil }

func (f *fakeSessionStore) SaveTree(snap tree.Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.trees[snap.RootID] = snap
	return nil
}

func (f *fakeSessionStore) DeleteTree(rootID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.trees, rootID)
	f.deletedTree = append(f.deletedTree, rootID)
	return nil
}

func (f *fakeSessionStore) IndexNodes(rootID string, nodeIDs ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range nodeIDs {
		f.indexed[id] = rootID
	}
	return nil
}

func (f *fakeSessionStore) DeleteNodes(nodeIDs ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range nodeIDs {
		delete(f.indexed, id)
	}
	return nil
}

func (f *fakeSessionStore) RecordMessage(chatID string, rec store.MessageRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log[chatID] = append(f.log[chatID], rec)
	return nil
}

func (f *fakeSessionStore) MessageLog(chatID string) ([]store.MessageRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.MessageRecord(nil), f.log[chatID]...), nil
}

func (f *fakeSessionStore) ClearMessageLog(chatID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.log, chatID)
	return nil
}

func (f *fakeSessionStore) Reset() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.trees = map[string]tree.Snapshot{}
	f.indexed = map[string]string{}
	f.log = map[string][]store.MessageRecord{}
	f.resetCalled = true
	return nil
}

func (f *fakeSessionStore) Close() error { return nil }

func (f *fakeSessionStore) wasReset() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resetCalled
}

type testRig struct {
	handler  *Handler
	platform *fakePlatform
	factory  *scriptedFactory
	store    *fakeSessionStore
	trees    *tree.Manager
	queue    *platform.Queue
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	fp := &fakePlatform{}
	sf := &scriptedFactory{}
	fs := newFakeSessionStore()
	trees := tree.NewManager(context.Background())
	q := platform.NewQueue(fp, 1000)
	h := NewHandler(q, cli.NewManager(5, sf.factory), fs, trees)
	t.Cleanup(h.Close)
	return &testRig{handler: h, platform: fp, factory: sf, store: fs, trees: trees, queue: q}
}

func (r *testRig) waitTerminal(t *testing.T, nodeID string) *tree.Node {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if tr := r.trees.TreeForNode(nodeID); tr != nil {
			if n := tr.Node(nodeID); n != nil && n.State.Terminal() {
				r.trees.Wait(nodeID)
				r.queue.Drain()
				return n
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("node %s never reached a terminal state", nodeID)
	return nil
}

func incomingText(msgID, text string) platform.IncomingMessage {
	return platform.IncomingMessage{
		Platform:  "telegram",
		ChatID:    "chat1",
		MessageID: msgID,
		Text:      text,
		Sender:    "alice",
	}
}

func TestHandlerNewMessageLifecycle(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	rig.handler.HandleMessage(ctx, incomingText("100", "hello"))
	node := rig.waitTerminal(t, "100")

	if node.State != tree.StateCompleted {
		t.Fatalf("state = %s, want COMPLETED", node.State)
	}
	if node.SessionID != "sess-1" {
		t.Errorf("session id = %q, want sess-1", node.SessionID)
	}
	if !rig.platform.sentContaining("Launching new Claude CLI instance") {
		t.Errorf("initial status never sent: %v", rig.platform.sends)
	}
	if !rig.platform.editContaining("Complete") {
		t.Errorf("final status never shown: %v", rig.platform.edits)
	}
	if !rig.platform.editContaining("Hello back") {
		t.Errorf("transcript text never shown: %v", rig.platform.edits)
	}
}

func TestHandlerReplyForksParentSession(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	rig.handler.HandleMessage(ctx, incomingText("100", "hello"))
	rig.waitTerminal(t, "100")

	reply := incomingText("101", "follow up")
	reply.ReplyToID = "100"
	rig.handler.HandleMessage(ctx, reply)
	child := rig.waitTerminal(t, "101")

	if child.ParentID != "100" {
		t.Errorf("parent = %q, want 100", child.ParentID)
	}
	opts := rig.factory.recordedOpts()
	if len(opts) != 2 {
		t.Fatalf("tasks started = %d, want 2", len(opts))
	}
	if opts[1].SessionID != "sess-1" || !opts[1].ForkSession {
		t.Errorf("fork opts = %+v, want resume sess-1 with fork", opts[1])
	}
}

func TestHandlerReplyToStatusMessageResolvesNode(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	rig.handler.HandleMessage(ctx, incomingText("100", "hello"))
	rig.waitTerminal(t, "100")

	// The status message of node 100 is the first send: id 901.
	reply := incomingText("101", "follow up")
	reply.ReplyToID = "901"
	rig.handler.HandleMessage(ctx, reply)
	child := rig.waitTerminal(t, "101")

	if child.ParentID != "100" {
		t.Errorf("parent = %q, want 100", child.ParentID)
	}
}

func TestHandlerIgnoresOwnStatusEcho(t *testing.T) {
	rig := newTestRig(t)

	rig.handler.HandleMessage(context.Background(), incomingText("100", "✅ Complete"))
	rig.queue.Drain()

	if rig.trees.TreeCount() != 0 {
		t.Error("status echo created a tree")
	}
	if len(rig.platform.sends) != 0 {
		t.Errorf("status echo triggered sends: %v", rig.platform.sends)
	}
}

func TestStopCommandReplyWithoutTarget(t *testing.T) {
	rig := newTestRig(t)

	cmd := incomingText("200", "/stop")
	cmd.ReplyToID = "999"
	rig.handler.HandleMessage(context.Background(), cmd)
	rig.queue.Drain()

	if !rig.platform.sentContaining("Nothing to stop for that message") {
		t.Errorf("sends = %v", rig.platform.sends)
	}
}

func TestStopCommandGlobalCancelsRunning(t *testing.T) {
	rig := newTestRig(t)
	rig.factory.blockUntilCancel = true
	ctx := context.Background()

	rig.handler.HandleMessage(ctx, incomingText("100", "long running"))

	// Wait for the task to be in flight.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(rig.factory.recordedOpts()) == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	rig.handler.HandleMessage(ctx, incomingText("101", "/stop"))
	node := rig.waitTerminal(t, "100")

	if node.State != tree.StateError {
		t.Fatalf("state = %s, want ERROR", node.State)
	}
	if !rig.platform.sentContaining("pending or active requests") {
		t.Errorf("sends = %v", rig.platform.sends)
	}
	if !rig.platform.editContaining("Stopped") {
		t.Errorf("edits = %v", rig.platform.edits)
	}
}

func TestStatsCommand(t *testing.T) {
	rig := newTestRig(t)

	rig.handler.HandleMessage(context.Background(), incomingText("200", "/stats"))
	rig.queue.Drain()

	if !rig.platform.sentContaining("Active CLI: 0") || !rig.platform.sentContaining("Message Trees: 0") {
		t.Errorf("sends = %v", rig.platform.sends)
	}
}

func TestClearCommandBranch(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	rig.handler.HandleMessage(ctx, incomingText("100", "hello"))
	rig.waitTerminal(t, "100")

	cmd := incomingText("102", "/clear")
	cmd.ReplyToID = "100"
	rig.handler.HandleMessage(ctx, cmd)
	rig.queue.Drain()

	deleted := rig.platform.deletedIDs()
	want := map[string]bool{"100": false, "901": false, "102": false}
	for _, id := range deleted {
		if _, ok := want[id]; ok {
			want[id] = true
		}
	}
	for id, seen := range want {
		if !seen {
			t.Errorf("message %s not deleted; deleted = %v", id, deleted)
		}
	}
	if rig.trees.TreeCount() != 0 {
		t.Error("tree survived branch clear of its root")
	}
	rig.store.mu.Lock()
	_, treeKept := rig.store.trees["100"]
	rig.store.mu.Unlock()
	if treeKept {
		t.Error("tree snapshot survived in store")
	}
}

func TestClearCommandGlobal(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	rig.handler.HandleMessage(ctx, incomingText("100", "hello"))
	rig.waitTerminal(t, "100")

	rig.handler.HandleMessage(ctx, incomingText("103", "/clear"))
	rig.queue.Drain()

	if !rig.store.wasReset() {
		t.Error("store was not reset")
	}
	if rig.trees.TreeCount() != 0 {
		t.Error("trees survived global clear")
	}
	deleted := rig.platform.deletedIDs()
	found := map[string]bool{}
	for _, id := range deleted {
		found[id] = true
	}
	for _, id := range []string{"100", "901", "103"} {
		if !found[id] {
			t.Errorf("message %s not deleted; deleted = %v", id, deleted)
		}
	}
}

func TestQueuedChildWaitsForParent(t *testing.T) {
	rig := newTestRig(t)
	rig.factory.blockUntilCancel = true
	ctx := context.Background()

	rig.handler.HandleMessage(ctx, incomingText("100", "first"))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(rig.factory.recordedOpts()) == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	reply := incomingText("101", "second")
	reply.ReplyToID = "100"
	rig.handler.HandleMessage(ctx, reply)
	rig.queue.Drain()

	tr := rig.trees.TreeForNode("101")
	if tr == nil {
		t.Fatal("child not registered")
	}
	if n := tr.Node("101"); n == nil || n.State != tree.StatePending {
		t.Fatalf("child state = %v, want PENDING", n)
	}
	if !rig.platform.editContaining("Queued") && !rig.platform.sentContaining("Queued") {
		t.Errorf("queued status never shown: sends=%v edits=%v", rig.platform.sends, rig.platform.edits)
	}
}

func TestHandlerPropagatesErrorToPendingChildren(t *testing.T) {
	rig := newTestRig(t)
	trees := rig.trees

	root := tree.NewNode("r1", tree.Incoming{ChatID: "chat1", Text: "root"})
	root.StatusMessageID = "s1"
	tr := trees.AddRoot(root)
	child := tree.NewNode("c1", tree.Incoming{ChatID: "chat1", Text: "child"})
	child.StatusMessageID = "s2"
	if _, err := trees.AddChild("r1", child); err != nil {
		t.Fatal(err)
	}
	tr.Enqueue("c1")

	rig.handler.propagateError(root, "boom")
	rig.queue.Drain()

	if root.State != tree.StateError {
		t.Fatalf("root state = %s", root.State)
	}
	if child.State != tree.StateError || child.ErrorMessage != tree.ErrParentFailed {
		t.Fatalf("child = %s/%q", child.State, child.ErrorMessage)
	}
	if !rig.platform.editContaining("Parent task failed") {
		t.Errorf("edits = %v", rig.platform.edits)
	}
}
