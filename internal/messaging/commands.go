package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"

	"github.com/Alishahryar1/free-claude-code/internal/platform"
	"github.com/Alishahryar1/free-claude-code/internal/store"
	"github.com/Alishahryar1/free-claude-code/internal/tree"
)

// handleStopCommand handles /stop. Replying "/stop" to a message stops only
// that task; a bare /stop stops everything.
func (h *Handler) handleStopCommand(ctx context.Context, incoming platform.IncomingMessage) {
	if incoming.IsReply() {
		nodeID := ""
		if t := h.trees.TreeForNode(incoming.ReplyToID); t != nil {
			nodeID = h.trees.ResolveParentNodeID(incoming.ReplyToID)
		}
		if nodeID == "" {
			h.sendCommandReply(ctx, incoming, h.status("⏹", "Stopped.", "Nothing to stop for that message."))
			return
		}
		count := h.StopTask(nodeID)
		noun := "request"
		if count != 1 {
			noun = "requests"
		}
		h.sendCommandReply(ctx, incoming, h.status("⏹", "Stopped.", fmt.Sprintf("Cancelled %d %s.", count, noun)))
		return
	}

	count := h.StopAll()
	h.sendCommandReply(ctx, incoming, h.status("⏹", "Stopped.", fmt.Sprintf("Cancelled %d pending or active requests.", count)))
}

// handleStatsCommand handles /stats.
func (h *Handler) handleStatsCommand(ctx context.Context, incoming platform.IncomingMessage) {
	stats := h.cliManager.Stats()
	treeCount := h.trees.TreeCount()
	text := "📊 " + h.render.Bold("Stats") +
		"\n" + h.render.EscapeText(fmt.Sprintf("• Active CLI: %d", stats.ActiveSessions)) +
		"\n" + h.render.EscapeText(fmt.Sprintf("• Message Trees: %d", treeCount))
	h.sendCommandReply(ctx, incoming, text)
}

// handleClearCommand handles /clear. Replying "/clear" to a message clears
// that branch; a bare /clear stops everything and wipes the chat.
func (h *Handler) handleClearCommand(ctx context.Context, incoming platform.IncomingMessage) {
	if incoming.IsReply() {
		branchRootID := ""
		if t := h.trees.TreeForNode(incoming.ReplyToID); t != nil {
			branchRootID = h.trees.ResolveParentNodeID(incoming.ReplyToID)
		}
		if branchRootID == "" {
			h.sendCommandReply(ctx, incoming, h.status("🗑", "Cleared.", "Nothing to clear for that message."))
			return
		}
		h.clearBranch(ctx, incoming, branchRootID)
		return
	}
	h.clearAll(ctx, incoming)
}

// clearBranch cancels the branch, deletes its messages and purges it from the
// tree and the session store.
func (h *Handler) clearBranch(ctx context.Context, incoming platform.IncomingMessage, branchRootID string) {
	t := h.trees.TreeForNode(branchRootID)
	if t == nil {
		return
	}

	// Settle pending snapshot writes so the store deletes below are final.
	h.saver.Flush()

	cancelled := h.trees.CancelBranch(branchRootID)
	h.updateCancelledNodesUI(cancelled)

	msgIDs := map[string]bool{}
	collect := func(node *tree.Node) {
		if node == nil {
			return
		}
		if node.ID != "" {
			msgIDs[node.ID] = true
		}
		if node.StatusMessageID != "" {
			msgIDs[node.StatusMessageID] = true
		}
	}
	collect(t.Node(branchRootID))
	for _, d := range t.Descendants(branchRootID) {
		collect(d)
	}
	if incoming.MessageID != "" {
		msgIDs[incoming.MessageID] = true
	}

	h.deleteMessageIDs(ctx, incoming.ChatID, msgIDs)

	removed, rootID, removedTree := h.trees.RemoveBranch(branchRootID)

	if err := h.store.DeleteNodes(removed...); err != nil {
		slog.Warn("failed to drop node mappings after branch clear", "error", err)
	}
	if removedTree {
		if err := h.store.DeleteTree(rootID); err != nil {
			slog.Warn("failed to drop tree after branch clear", "error", err)
		}
	} else if t := h.trees.TreeForNode(rootID); t != nil {
		h.saver.Queue(t.Snapshot())
	}
}

// clearAll stops every task, deletes every message we know about in the chat
// and resets persistent and in-memory state.
func (h *Handler) clearAll(ctx context.Context, incoming platform.IncomingMessage) {
	h.saver.Flush()
	h.StopAll()

	msgIDs := map[string]bool{}
	if log, err := h.store.MessageLog(incoming.ChatID); err != nil {
		slog.Debug("failed to read message log for /clear", "error", err)
	} else {
		for _, rec := range log {
			if rec.ID != "" {
				msgIDs[rec.ID] = true
			}
		}
	}
	for _, t := range h.trees.Trees() {
		for _, id := range t.NodeIDs() {
			node := t.Node(id)
			if node == nil || node.Incoming.ChatID != incoming.ChatID {
				continue
			}
			msgIDs[node.ID] = true
			if node.StatusMessageID != "" {
				msgIDs[node.StatusMessageID] = true
			}
		}
	}
	if incoming.MessageID != "" {
		msgIDs[incoming.MessageID] = true
	}

	h.deleteMessageIDs(ctx, incoming.ChatID, msgIDs)

	if err := h.store.Reset(); err != nil {
		slog.Warn("failed to clear session store", "error", err)
	}
	h.trees.Reset()
}

// deleteMessageIDs deletes messages best-effort, newest first so partial
// failures leave the oldest history.
func (h *Handler) deleteMessageIDs(ctx context.Context, chatID string, msgIDs map[string]bool) {
	if len(msgIDs) == 0 {
		return
	}

	type numbered struct {
		n  int64
		id string
	}
	var numeric []numbered
	var other []string
	for id := range msgIDs {
		if n, err := strconv.ParseInt(id, 10, 64); err == nil {
			numeric = append(numeric, numbered{n, id})
		} else {
			other = append(other, id)
		}
	}
	sort.Slice(numeric, func(i, j int) bool { return numeric[i].n > numeric[j].n })
	sort.Strings(other)

	ordered := make([]string, 0, len(msgIDs))
	for _, m := range numeric {
		ordered = append(ordered, m.id)
	}
	ordered = append(ordered, other...)

	if err := h.queue.QueueDeleteMessages(ctx, chatID, ordered); err != nil {
		slog.Debug("batch delete failed", "chat_id", chatID, "error", err)
	}
}

// sendCommandReply sends a command response and records its id for /clear.
func (h *Handler) sendCommandReply(ctx context.Context, incoming platform.IncomingMessage, text string) {
	msgID, err := h.queue.QueueSendMessage(ctx, incoming.ChatID, text, platform.SendOptions{
		ThreadID:  incoming.ThreadID,
		ParseMode: h.render.ParseMode,
	}, false)
	if err != nil {
		slog.Warn("failed to send command reply", "chat_id", incoming.ChatID, "error", err)
		return
	}
	h.recordMessage(incoming.ChatID, msgID, store.DirOut, store.KindCommand)
}
