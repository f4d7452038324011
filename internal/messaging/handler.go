package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Alishahryar1/free-claude-code/internal/cli"
	"github.com/Alishahryar1/free-claude-code/internal/platform"
	"github.com/Alishahryar1/free-claude-code/internal/providers"
	"github.com/Alishahryar1/free-claude-code/internal/store"
	"github.com/Alishahryar1/free-claude-code/internal/tree"
)

// statusPrefixes mark our own status messages; inbound text starting with
// one is an echo and gets dropped.
var statusPrefixes = []string{
	"⏳", "💭", "🔧", "✅", "❌", "🚀", "🤖", "📋", "📊", "🔄", "🧠", "⏹", "💥", "🗑",
}

// uiThrottle is the minimum interval between non-forced status edits.
const uiThrottle = time.Second

// Handler drives the conversation flow: one tree node per user message,
// processed by a Claude CLI task streaming into the node's status message.
type Handler struct {
	queue      *platform.Queue
	cliManager *cli.Manager
	store      store.SessionStore
	saver      *store.TreeSaver
	trees      *tree.Manager
	render     RenderCtx

	// ShowToolResults includes tool output blocks in the live transcript.
	ShowToolResults bool
}

// NewHandler wires the handler into the tree manager's callbacks.
func NewHandler(q *platform.Queue, cliManager *cli.Manager, st store.SessionStore, trees *tree.Manager) *Handler {
	h := &Handler{
		queue:      q,
		cliManager: cliManager,
		store:      st,
		saver:      store.NewTreeSaver(st),
		trees:      trees,
		render:     NewRenderCtx(q.Name()),
	}
	trees.OnQueueChanged = h.updateQueuePositions
	trees.OnNodeStarted = h.markNodeProcessing
	return h
}

// Close flushes pending snapshot writes.
func (h *Handler) Close() {
	h.saver.Close()
}

// Trees exposes the tree manager for command handling and stats.
func (h *Handler) Trees() *tree.Manager { return h.trees }

func (h *Handler) status(emoji, label, suffix string) string {
	return h.render.FormatStatus(emoji, label, suffix)
}

// HandleMessage is the inbound entry point.
func (h *Handler) HandleMessage(ctx context.Context, incoming platform.IncomingMessage) {
	preview := incoming.Text
	if len(preview) > 80 {
		preview = preview[:80] + "..."
	}
	slog.Info("handler entry",
		"chat_id", incoming.ChatID,
		"message_id", incoming.MessageID,
		"reply_to", incoming.ReplyToID,
		"text_preview", preview,
	)

	parts := strings.Fields(incoming.Text)
	cmd := ""
	if len(parts) > 0 {
		cmd, _, _ = strings.Cut(parts[0], "@")
	}

	// Record the inbound id even for messages we end up ignoring, so /clear
	// can delete them.
	if incoming.MessageID != "" {
		kind := store.KindContent
		if strings.HasPrefix(cmd, "/") {
			kind = store.KindCommand
		}
		h.recordMessage(incoming.ChatID, incoming.MessageID, store.DirIn, kind)
	}

	switch cmd {
	case "/clear":
		h.handleClearCommand(ctx, incoming)
		return
	case "/stop":
		h.handleStopCommand(ctx, incoming)
		return
	case "/stats":
		h.handleStatsCommand(ctx, incoming)
		return
	}

	for _, prefix := range statusPrefixes {
		if strings.HasPrefix(incoming.Text, prefix) {
			return
		}
	}

	// Reply to a known node (or its status message) extends that tree.
	parentNodeID := ""
	if incoming.IsReply() {
		if t := h.trees.TreeForNode(incoming.ReplyToID); t != nil {
			parentNodeID = h.trees.ResolveParentNodeID(incoming.ReplyToID)
			if parentNodeID == "" {
				slog.Warn("reply found tree but no valid parent node",
					"reply_to", incoming.ReplyToID)
			}
		}
	}

	statusText := h.initialStatus(parentNodeID)
	statusMsgID := incoming.StatusMessageID
	if statusMsgID != "" {
		if err := h.queue.QueueEditMessage(ctx, incoming.ChatID, statusMsgID, statusText, h.render.ParseMode, false); err != nil {
			slog.Warn("failed to reuse status message", "error", err)
		}
	} else {
		var err error
		statusMsgID, err = h.queue.QueueSendMessage(ctx, incoming.ChatID, statusText, platform.SendOptions{
			ReplyTo:   incoming.MessageID,
			ThreadID:  incoming.ThreadID,
			ParseMode: h.render.ParseMode,
		}, false)
		if err != nil {
			slog.Error("failed to send status message", "chat_id", incoming.ChatID, "error", err)
			return
		}
	}
	h.recordMessage(incoming.ChatID, statusMsgID, store.DirOut, store.KindStatus)

	node := tree.NewNode(incoming.MessageID, tree.Incoming{
		ChatID:    incoming.ChatID,
		Text:      incoming.Text,
		ThreadID:  incoming.ThreadID,
		ReplyToID: incoming.ReplyToID,
		Sender:    incoming.Sender,
	})
	node.StatusMessageID = statusMsgID

	var t *tree.Tree
	if parentNodeID != "" {
		var err error
		t, err = h.trees.AddChild(parentNodeID, node)
		if err != nil {
			slog.Warn("failed to attach reply, starting new tree", "error", err)
			t = h.trees.AddRoot(node)
		}
	} else {
		t = h.trees.AddRoot(node)
	}
	h.trees.RegisterMessage(statusMsgID, node.ID)
	if err := h.store.IndexNodes(t.RootID, node.ID, statusMsgID); err != nil {
		slog.Debug("failed to index nodes", "error", err)
	}
	h.saver.Queue(t.Snapshot())

	if err := h.trees.Enqueue(node, h.processNode); err != nil {
		slog.Error("failed to enqueue node", "node_id", node.ID, "error", err)
		return
	}

	// Still pending means another node in the tree is running.
	if node.State == tree.StatePending {
		if pos := queuePosition(t, node.ID); pos > 0 {
			h.queue.QueueEditMessage(ctx, incoming.ChatID, statusMsgID,
				h.status("📋", "Queued", fmt.Sprintf("(position %d) - waiting...", pos)),
				h.render.ParseMode, true)
		}
	}
}

func (h *Handler) initialStatus(parentNodeID string) string {
	if parentNodeID != "" {
		if t := h.trees.TreeForNode(parentNodeID); t != nil {
			if size := len(t.QueueSnapshot()); size > 0 || treeBusy(t) {
				return h.status("📋", "Queued", fmt.Sprintf("(position %d) - waiting...", size+1))
			}
		}
		return h.status("🔄", "Continuing conversation...", "")
	}
	return h.status("⏳", "Launching new Claude CLI instance...", "")
}

func treeBusy(t *tree.Tree) bool {
	for _, id := range t.NodeIDs() {
		if n := t.Node(id); n != nil && n.State == tree.StateInProgress {
			return true
		}
	}
	return false
}

func queuePosition(t *tree.Tree, nodeID string) int {
	pos := 0
	for _, id := range t.QueueSnapshot() {
		n := t.Node(id)
		if n == nil || n.State != tree.StatePending {
			continue
		}
		pos++
		if id == nodeID {
			return pos
		}
	}
	return 0
}

// updateQueuePositions refreshes queued status messages after a dequeue.
func (h *Handler) updateQueuePositions(t *tree.Tree) {
	position := 0
	for _, nodeID := range t.QueueSnapshot() {
		node := t.Node(nodeID)
		if node == nil || node.State != tree.StatePending {
			continue
		}
		position++
		h.queue.QueueEditMessage(context.Background(), node.Incoming.ChatID, node.StatusMessageID,
			h.status("📋", "Queued", fmt.Sprintf("(position %d) - waiting...", position)),
			h.render.ParseMode, true)
	}
}

// markNodeProcessing flips the dequeued node's status immediately.
func (h *Handler) markNodeProcessing(_ *tree.Tree, node *tree.Node) {
	if node.State == tree.StateError {
		return
	}
	h.queue.QueueEditMessage(context.Background(), node.Incoming.ChatID, node.StatusMessageID,
		h.status("🔄", "Processing...", ""), h.render.ParseMode, true)
}

// eventStatus maps transcript event types to the status line they imply.
func (h *Handler) eventStatus(ev cli.Event) string {
	switch ev.Type {
	case cli.EventThinkingStart, cli.EventThinkingDelta, cli.EventThinkingChunk:
		return h.status("🧠", "Claude is thinking...", "")
	case cli.EventTextStart, cli.EventTextDelta, cli.EventTextChunk:
		return h.status("🧠", "Claude is working...", "")
	case cli.EventToolResult:
		return h.status("⏳", "Executing tools...", "")
	case cli.EventToolUseStart, cli.EventToolUseDelta, cli.EventToolUse:
		if ev.Name == "Task" {
			return h.status("🤖", "Subagent working...", "")
		}
		return h.status("⏳", "Executing tools...", "")
	}
	return ""
}

func isTranscriptEvent(eventType string) bool {
	switch eventType {
	case cli.EventThinkingStart, cli.EventThinkingDelta, cli.EventThinkingChunk, cli.EventThinkingStop,
		cli.EventTextStart, cli.EventTextDelta, cli.EventTextChunk, cli.EventTextStop,
		cli.EventToolUseStart, cli.EventToolUseDelta, cli.EventToolUseStop, cli.EventToolUse,
		cli.EventToolResult, cli.EventBlockStop, cli.EventError:
		return true
	}
	return false
}

// processNode runs one node: a single CLI task streaming into the status
// message.
func (h *Handler) processNode(ctx context.Context, node *tree.Node) {
	tracer := otel.Tracer("messaging")
	ctx, span := tracer.Start(ctx, "process_node")
	span.SetAttributes(
		attribute.String("chat_id", node.Incoming.ChatID),
		attribute.String("node_id", node.ID),
	)
	defer span.End()

	t := h.trees.TreeForNode(node.ID)
	chatID := node.Incoming.ChatID
	statusMsgID := node.StatusMessageID

	transcript := NewTranscriptBuffer(h.ShowToolResults)

	parentSessionID := ""
	if t != nil && node.ParentID != "" {
		parentSessionID = t.ParentSessionID(node.ID)
		if parentSessionID != "" {
			slog.Info("forking from parent session",
				"node_id", node.ID, "session_id", parentSessionID)
		}
	}

	var lastUIUpdate time.Time
	lastDisplayed := ""
	lastStatus := ""
	updateUI := func(status string, force bool) {
		now := time.Now()
		if !force && now.Sub(lastUIUpdate) < uiThrottle {
			return
		}
		lastUIUpdate = now
		if status != "" {
			lastStatus = status
		}
		display := transcript.Render(h.render, h.render.LimitChars, lastStatus)
		if display == "" || display == lastDisplayed {
			return
		}
		lastDisplayed = display
		if err := h.queue.QueueEditMessage(context.Background(), chatID, statusMsgID, display, h.render.ParseMode, false); err != nil {
			slog.Warn("failed to update status message", "node_id", node.ID, "error", err)
		}
	}

	session, sessionOrTempID, isNew, err := h.cliManager.GetOrCreate("")
	if err != nil {
		msg := providers.UserFacingMessage(err)
		transcript.Apply(cli.Event{Type: cli.EventError, Message: msg})
		updateUI(h.status("⏳", "Session limit reached", ""), true)
		if t != nil {
			t.Fail(node.ID, msg)
			h.saver.Queue(t.Snapshot())
		}
		return
	}
	capturedSessionID := ""
	tempSessionID := ""
	if isNew {
		tempSessionID = sessionOrTempID
	} else {
		capturedSessionID = sessionOrTempID
	}
	defer func() {
		if capturedSessionID != "" {
			h.cliManager.RemoveSession(capturedSessionID)
		} else if tempSessionID != "" {
			h.cliManager.RemoveSession(tempSessionID)
		}
	}()

	events, err := session.StartTask(ctx, node.Incoming.Text, cli.TaskOptions{
		SessionID:   parentSessionID,
		ForkSession: parentSessionID != "",
	})
	if err != nil {
		h.failNode(node, t, transcript, updateUI, err)
		return
	}

	hadTranscriptEvents := false
	finished := false
	for {
		var ev cli.Event
		var ok bool
		select {
		case <-ctx.Done():
			if !finished {
				h.cancelNodeUI(node, t, transcript, updateUI)
			}
			return
		case ev, ok = <-events:
			if !ok {
				// Channel closed without a terminal event only happens when
				// the task was killed mid-stream.
				if !finished && ctx.Err() != nil {
					h.cancelNodeUI(node, t, transcript, updateUI)
				}
				return
			}
		}

		if ev.Type == cli.EventSessionInfo {
			if ev.SessionID != "" && tempSessionID != "" {
				h.cliManager.RegisterRealSessionID(tempSessionID, ev.SessionID)
				capturedSessionID = ev.SessionID
				tempSessionID = ""
				if t != nil {
					t.SetSessionID(node.ID, ev.SessionID)
					h.saver.Queue(t.Snapshot())
				}
			}
			continue
		}

		if isTranscriptEvent(ev.Type) {
			transcript.Apply(ev)
			hadTranscriptEvents = true
		}

		switch {
		case ev.Type == cli.EventBlockStop:
			updateUI(lastStatus, true)
		case ev.Type == cli.EventComplete:
			finished = true
			if !hadTranscriptEvents {
				transcript.Apply(cli.Event{Type: cli.EventTextChunk, Text: "Done."})
			}
			if capturedSessionID == "" && ev.SessionID != "" {
				capturedSessionID = ev.SessionID
			}
			updateUI(h.status("✅", "Complete", ""), true)
			if t != nil {
				if err := t.Complete(node.ID, capturedSessionID); err == nil {
					h.saver.Queue(t.Snapshot())
				}
			}
		case ev.Type == cli.EventError:
			finished = true
			msg := ev.Message
			if msg == "" {
				msg = "Unknown error"
			}
			slog.Error("task error event", "node_id", node.ID, "error", msg)
			updateUI(h.status("❌", "Error", ""), true)
			if t != nil {
				h.propagateError(node, msg)
			}
		default:
			if status := h.eventStatus(ev); status != "" {
				updateUI(status, false)
			}
		}
	}
}

// failNode handles an unexpected task failure.
func (h *Handler) failNode(node *tree.Node, t *tree.Tree, transcript *TranscriptBuffer, updateUI func(string, bool), err error) {
	msg := providers.UserFacingMessage(err)
	if len(msg) > 200 {
		msg = msg[:200]
	}
	slog.Error("task failed", "node_id", node.ID, "error", err)
	transcript.Apply(cli.Event{Type: cli.EventError, Message: msg})
	updateUI(h.status("💥", "Task Failed", ""), true)
	if t != nil {
		h.propagateError(node, msg)
	}
}

// cancelNodeUI renders the cancellation outcome. A reply-scoped /stop shows
// "Stopped." without an error block; anything else shows "Cancelled".
func (h *Handler) cancelNodeUI(node *tree.Node, t *tree.Tree, transcript *TranscriptBuffer, updateUI func(string, bool)) {
	slog.Warn("task cancelled", "node_id", node.ID)
	if node.ContextValue("cancel_reason") == "stop" {
		updateUI(h.status("⏹", "Stopped.", ""), true)
	} else {
		transcript.Apply(cli.Event{Type: cli.EventError, Message: "Task was cancelled"})
		updateUI(h.status("❌", "Cancelled", ""), true)
	}
	// Cancellation stays scoped to this node; children are not touched.
	if t != nil {
		t.Fail(node.ID, "Cancelled by user")
		h.saver.Queue(t.Snapshot())
	}
}

// propagateError fails the node and its pending descendants, updating their
// status messages.
func (h *Handler) propagateError(node *tree.Node, errMsg string) {
	affected := h.trees.MarkNodeError(node.ID, errMsg, true)
	for _, child := range affected {
		if child.ID == node.ID {
			continue
		}
		h.queue.QueueEditMessage(context.Background(), child.Incoming.ChatID, child.StatusMessageID,
			h.status("❌", "Cancelled:", "Parent task failed"), h.render.ParseMode, true)
	}
	if t := h.trees.TreeForNode(node.ID); t != nil {
		h.saver.Queue(t.Snapshot())
	}
}

// StopAll cancels every pending and running task across all trees.
func (h *Handler) StopAll() int {
	cancelled := h.trees.CancelAll()
	h.cliManager.StopAll()
	h.updateCancelledNodesUI(cancelled)
	return len(cancelled)
}

// StopTask cancels a single queued or running node.
func (h *Handler) StopTask(nodeID string) int {
	cancelled := h.trees.CancelNode(nodeID)
	h.updateCancelledNodesUI(cancelled)
	return len(cancelled)
}

func (h *Handler) updateCancelledNodesUI(nodes []*tree.Node) {
	seen := map[string]*tree.Tree{}
	for _, node := range nodes {
		h.queue.QueueEditMessage(context.Background(), node.Incoming.ChatID, node.StatusMessageID,
			h.status("⏹", "Stopped.", ""), h.render.ParseMode, true)
		if t := h.trees.TreeForNode(node.ID); t != nil {
			seen[t.RootID] = t
		}
	}
	for _, t := range seen {
		h.saver.Queue(t.Snapshot())
	}
}

// recordMessage logs a message id for /clear. Best effort.
func (h *Handler) recordMessage(chatID, messageID, dir, kind string) {
	if messageID == "" {
		return
	}
	err := h.store.RecordMessage(chatID, store.MessageRecord{
		ID: messageID, Dir: dir, Kind: kind, At: time.Now().UTC(),
	})
	if err != nil {
		slog.Debug("failed to record message id", "error", err)
	}
}
