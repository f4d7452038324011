// Package stream converts OpenAI-compatible chat completion streams into
// Anthropic Messages SSE streams: <think> tag splitting, textual tool call
// detection, content block bookkeeping and event serialization.
package stream

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Alishahryar1/free-claude-code/internal/token"
)

// stopReasonMap maps OpenAI finish_reason values to Anthropic stop_reason.
var stopReasonMap = map[string]string{
	"stop":           "end_turn",
	"length":         "max_tokens",
	"tool_calls":     "tool_use",
	"content_filter": "end_turn",
}

// MapStopReason maps an OpenAI finish_reason to an Anthropic stop_reason.
// Unknown and empty reasons map to "end_turn".
func MapStopReason(openaiReason string) string {
	if r, ok := stopReasonMap[openaiReason]; ok {
		return r
	}
	return "end_turn"
}

// ToolCallState tracks a single streaming tool call.
type ToolCallState struct {
	BlockIndex int // -1 until allocated
	ToolID     string
	Name       string
	Contents   []string
	Started    bool
	Stopped    bool

	taskArgBuffer   string
	taskArgsEmitted bool
}

// ContentBlockManager manages content block indices and open/closed state.
type ContentBlockManager struct {
	NextIndex       int
	ThinkingIndex   int
	TextIndex       int
	ThinkingStarted bool
	TextStarted     bool
	ToolStates      map[int]*ToolCallState
	toolOrder       []int
}

func newContentBlockManager() *ContentBlockManager {
	return &ContentBlockManager{
		ThinkingIndex: -1,
		TextIndex:     -1,
		ToolStates:    map[int]*ToolCallState{},
	}
}

// AllocateIndex returns the next block index.
func (m *ContentBlockManager) AllocateIndex() int {
	idx := m.NextIndex
	m.NextIndex++
	return idx
}

// RegisterToolName registers or merges a streaming tool name fragment.
// Handles providers that stream names as fragments and those that resend the
// full name on every chunk.
func (m *ContentBlockManager) RegisterToolName(index int, name string) {
	state, ok := m.ToolStates[index]
	if !ok {
		m.ToolStates[index] = &ToolCallState{BlockIndex: -1, Name: name}
		m.toolOrder = append(m.toolOrder, index)
		return
	}
	prev := state.Name
	switch {
	case prev == "" || strings.HasPrefix(name, prev):
		state.Name = name
	case !strings.HasPrefix(prev, name):
		state.Name = prev + name
	}
}

// BufferTaskArgs accumulates Task tool arguments and returns the parsed,
// patched args once the buffer forms valid JSON, or nil while accumulating.
func (m *ContentBlockManager) BufferTaskArgs(index int, args string) map[string]any {
	state, ok := m.ToolStates[index]
	if !ok || state.taskArgsEmitted {
		return nil
	}
	state.taskArgBuffer += args

	var parsed map[string]any
	if err := json.Unmarshal([]byte(state.taskArgBuffer), &parsed); err != nil {
		return nil
	}
	if v, ok := parsed["run_in_background"].(bool); !ok || v {
		parsed["run_in_background"] = false
	}
	state.taskArgsEmitted = true
	state.taskArgBuffer = ""
	return parsed
}

// FlushTaskArgBuffers drains incomplete Task arg buffers at end of stream.
// Returns (toolIndex, jsonString) pairs; invalid JSON degrades to "{}".
func (m *ContentBlockManager) FlushTaskArgBuffers() [][2]any {
	var results [][2]any
	for _, toolIndex := range m.toolOrder {
		state := m.ToolStates[toolIndex]
		if state.taskArgBuffer == "" || state.taskArgsEmitted {
			continue
		}

		out := "{}"
		var parsed map[string]any
		if err := json.Unmarshal([]byte(state.taskArgBuffer), &parsed); err != nil {
			prefix := state.taskArgBuffer
			if len(prefix) > 120 {
				prefix = prefix[:120]
			}
			id := state.ToolID
			if id == "" {
				id = "unknown"
			}
			slog.Warn("task args invalid JSON",
				"tool_id", id, "len", len(state.taskArgBuffer), "prefix", prefix, "error", err)
		} else {
			if v, ok := parsed["run_in_background"].(bool); !ok || v {
				parsed["run_in_background"] = false
			}
			if data, err := json.Marshal(parsed); err == nil {
				out = string(data)
			}
		}

		state.taskArgsEmitted = true
		state.taskArgBuffer = ""
		results = append(results, [2]any{toolIndex, out})
	}
	return results
}

// ToolUse is the assembled form of a streamed tool call.
type ToolUse struct {
	ID        string
	Name      string
	InputJSON string
}

// ToolUses returns the started tool calls in allocation order with their
// concatenated input JSON.
func (m *ContentBlockManager) ToolUses() []ToolUse {
	var out []ToolUse
	for _, idx := range m.toolOrder {
		state := m.ToolStates[idx]
		if !state.Started {
			continue
		}
		input := strings.Join(state.Contents, "")
		if input == "" {
			input = "{}"
		}
		out = append(out, ToolUse{ID: state.ToolID, Name: state.Name, InputJSON: input})
	}
	return out
}

// SSEBuilder serializes Anthropic streaming events for one message.
type SSEBuilder struct {
	MessageID   string
	Model       string
	InputTokens int
	Blocks      *ContentBlockManager

	textParts      []string
	reasoningParts []string
}

// NewSSEBuilder returns a builder for one assistant message.
func NewSSEBuilder(messageID, model string, inputTokens int) *SSEBuilder {
	return &SSEBuilder{
		MessageID:   messageID,
		Model:       model,
		InputTokens: inputTokens,
		Blocks:      newContentBlockManager(),
	}
}

func (b *SSEBuilder) formatEvent(eventType string, data map[string]any) string {
	payload, err := json.Marshal(data)
	if err != nil {
		slog.Error("failed to marshal SSE event", "event", eventType, "error", err)
		payload = []byte("{}")
	}
	event := fmt.Sprintf("event: %s\ndata: %s\n\n", eventType, payload)
	slog.Debug("SSE_EVENT", "type", eventType, "event", strings.TrimSpace(event))
	return event
}

// MessageStart emits the message_start event. Output tokens start at 1, the
// real count follows in message_delta.
func (b *SSEBuilder) MessageStart() string {
	return b.formatEvent("message_start", map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id":            b.MessageID,
			"type":          "message",
			"role":          "assistant",
			"content":       []any{},
			"model":         b.Model,
			"stop_reason":   nil,
			"stop_sequence": nil,
			"usage": map[string]any{
				"input_tokens":  b.InputTokens,
				"output_tokens": 1,
			},
		},
	})
}

// MessageDelta emits the final stop reason and usage.
func (b *SSEBuilder) MessageDelta(stopReason string, outputTokens int) string {
	return b.formatEvent("message_delta", map[string]any{
		"type":  "message_delta",
		"delta": map[string]any{"stop_reason": stopReason, "stop_sequence": nil},
		"usage": map[string]any{
			"input_tokens":  b.InputTokens,
			"output_tokens": outputTokens,
		},
	})
}

// MessageStop emits the message_stop event.
func (b *SSEBuilder) MessageStop() string {
	return b.formatEvent("message_stop", map[string]any{"type": "message_stop"})
}

// ContentBlockStart emits content_block_start for the given block shape.
func (b *SSEBuilder) ContentBlockStart(index int, blockType string, attrs map[string]any) string {
	block := map[string]any{"type": blockType}
	switch blockType {
	case "thinking":
		block["thinking"] = ""
	case "text":
		block["text"] = ""
	case "tool_use":
		block["id"] = attrs["id"]
		block["name"] = attrs["name"]
		block["input"] = map[string]any{}
	}
	return b.formatEvent("content_block_start", map[string]any{
		"type":          "content_block_start",
		"index":         index,
		"content_block": block,
	})
}

// ContentBlockDelta emits a content delta of the given kind.
func (b *SSEBuilder) ContentBlockDelta(index int, deltaType, content string) string {
	delta := map[string]any{"type": deltaType}
	switch deltaType {
	case "thinking_delta":
		delta["thinking"] = content
	case "text_delta":
		delta["text"] = content
	case "input_json_delta":
		delta["partial_json"] = content
	}
	return b.formatEvent("content_block_delta", map[string]any{
		"type":  "content_block_delta",
		"index": index,
		"delta": delta,
	})
}

// ContentBlockStop emits content_block_stop.
func (b *SSEBuilder) ContentBlockStop(index int) string {
	return b.formatEvent("content_block_stop", map[string]any{
		"type":  "content_block_stop",
		"index": index,
	})
}

func (b *SSEBuilder) startThinkingBlock() string {
	b.Blocks.ThinkingIndex = b.Blocks.AllocateIndex()
	b.Blocks.ThinkingStarted = true
	return b.ContentBlockStart(b.Blocks.ThinkingIndex, "thinking", nil)
}

// EmitThinkingDelta emits a thinking delta and accumulates it for token
// estimation.
func (b *SSEBuilder) EmitThinkingDelta(content string) string {
	b.reasoningParts = append(b.reasoningParts, content)
	return b.ContentBlockDelta(b.Blocks.ThinkingIndex, "thinking_delta", content)
}

func (b *SSEBuilder) stopThinkingBlock() string {
	b.Blocks.ThinkingStarted = false
	return b.ContentBlockStop(b.Blocks.ThinkingIndex)
}

func (b *SSEBuilder) startTextBlock() string {
	b.Blocks.TextIndex = b.Blocks.AllocateIndex()
	b.Blocks.TextStarted = true
	return b.ContentBlockStart(b.Blocks.TextIndex, "text", nil)
}

// EmitTextDelta emits a text delta and accumulates it for token estimation.
func (b *SSEBuilder) EmitTextDelta(content string) string {
	b.textParts = append(b.textParts, content)
	return b.ContentBlockDelta(b.Blocks.TextIndex, "text_delta", content)
}

func (b *SSEBuilder) stopTextBlock() string {
	b.Blocks.TextStarted = false
	return b.ContentBlockStop(b.Blocks.TextIndex)
}

// StartToolBlock opens a tool_use block for the upstream tool index.
func (b *SSEBuilder) StartToolBlock(toolIndex int, toolID, name string) string {
	blockIdx := b.Blocks.AllocateIndex()
	if state, ok := b.Blocks.ToolStates[toolIndex]; ok {
		state.BlockIndex = blockIdx
		state.ToolID = toolID
		state.Started = true
	} else {
		b.Blocks.ToolStates[toolIndex] = &ToolCallState{
			BlockIndex: blockIdx,
			ToolID:     toolID,
			Name:       name,
			Started:    true,
		}
		b.Blocks.toolOrder = append(b.Blocks.toolOrder, toolIndex)
	}
	return b.ContentBlockStart(blockIdx, "tool_use", map[string]any{"id": toolID, "name": name})
}

// EmitToolDelta emits an input_json_delta for the given upstream tool index.
func (b *SSEBuilder) EmitToolDelta(toolIndex int, partialJSON string) string {
	state := b.Blocks.ToolStates[toolIndex]
	state.Contents = append(state.Contents, partialJSON)
	return b.ContentBlockDelta(state.BlockIndex, "input_json_delta", partialJSON)
}

// StopToolBlock closes the tool block for the given upstream tool index.
func (b *SSEBuilder) StopToolBlock(toolIndex int) string {
	state := b.Blocks.ToolStates[toolIndex]
	state.Stopped = true
	return b.ContentBlockStop(state.BlockIndex)
}

// EnsureThinkingBlock opens a thinking block, closing an open text block
// first. Returns the events to emit, possibly none.
func (b *SSEBuilder) EnsureThinkingBlock() []string {
	var out []string
	if b.Blocks.TextStarted {
		out = append(out, b.stopTextBlock())
	}
	if !b.Blocks.ThinkingStarted {
		out = append(out, b.startThinkingBlock())
	}
	return out
}

// EnsureTextBlock opens a text block, closing an open thinking block first.
func (b *SSEBuilder) EnsureTextBlock() []string {
	var out []string
	if b.Blocks.ThinkingStarted {
		out = append(out, b.stopThinkingBlock())
	}
	if !b.Blocks.TextStarted {
		out = append(out, b.startTextBlock())
	}
	return out
}

// CloseContentBlocks closes thinking and text blocks, typically before tool
// calls begin.
func (b *SSEBuilder) CloseContentBlocks() []string {
	var out []string
	if b.Blocks.ThinkingStarted {
		out = append(out, b.stopThinkingBlock())
	}
	if b.Blocks.TextStarted {
		out = append(out, b.stopTextBlock())
	}
	return out
}

// CloseAllBlocks closes every open block including tools, in allocation order.
func (b *SSEBuilder) CloseAllBlocks() []string {
	out := b.CloseContentBlocks()
	for _, toolIndex := range b.Blocks.toolOrder {
		if state := b.Blocks.ToolStates[toolIndex]; state.Started && !state.Stopped {
			out = append(out, b.StopToolBlock(toolIndex))
		}
	}
	return out
}

// EmitError renders an error message as its own text block so clients always
// receive a well-formed stream.
func (b *SSEBuilder) EmitError(message string) []string {
	idx := b.Blocks.AllocateIndex()
	return []string{
		b.ContentBlockStart(idx, "text", nil),
		b.ContentBlockDelta(idx, "text_delta", message),
		b.ContentBlockStop(idx),
	}
}

// AccumulatedText returns all emitted text content.
func (b *SSEBuilder) AccumulatedText() string {
	return strings.Join(b.textParts, "")
}

// AccumulatedReasoning returns all emitted thinking content.
func (b *SSEBuilder) AccumulatedReasoning() string {
	return strings.Join(b.reasoningParts, "")
}

// EstimateOutputTokens approximates the output token count from accumulated
// content. Tool calls add a fixed control-token overhead of 15 each, plus
// roughly 4 tokens per content block.
func (b *SSEBuilder) EstimateOutputTokens() int {
	text := b.AccumulatedText()
	reasoning := b.AccumulatedReasoning()

	if !token.Approximate() {
		total := token.Count(text) + token.Count(reasoning)
		startedTools := 0
		for _, state := range b.Blocks.ToolStates {
			total += token.Count(state.Name)
			total += token.Count(strings.Join(state.Contents, ""))
			total += 15
			if state.Started {
				startedTools++
			}
		}
		blockCount := startedTools
		if reasoning != "" {
			blockCount++
		}
		if text != "" {
			blockCount++
		}
		return total + blockCount*4
	}

	startedTools := 0
	for _, state := range b.Blocks.ToolStates {
		if state.Started {
			startedTools++
		}
	}
	return len(text)/4 + len(reasoning)/4 + startedTools*50
}
