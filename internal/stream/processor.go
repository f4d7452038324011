package stream

import (
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/google/uuid"
)

// Chunk is one upstream streaming chunk, already unwrapped to choices[0].
type Chunk struct {
	Content      string
	Reasoning    string
	ToolCalls    []ToolCallDelta
	FinishReason string
}

// ToolCallDelta is a structured tool-call fragment from the upstream delta.
type ToolCallDelta struct {
	Index     int
	ID        string
	Name      string
	Arguments string
}

// ProcessorOptions tunes stream translation behavior.
type ProcessorOptions struct {
	// TaskBuffering holds Task tool arguments until they form complete JSON
	// so run_in_background can be patched before anything is emitted.
	TaskBuffering bool
}

// Processor consumes upstream chunks and produces a legal Anthropic SSE event
// sequence: exactly one message_start, balanced content_block_start/stop pairs
// with monotonically increasing indices, then message_delta and message_stop.
type Processor struct {
	builder   *SSEBuilder
	thinkTag  *ThinkTagParser
	heuristic *HeuristicToolParser
	opts      ProcessorOptions

	// Synthetic block slots for heuristic tool calls live above any index an
	// upstream structured tool call could use.
	nextSynthetic int

	finishReason string
	finished     bool
}

// NewProcessor returns a processor for one assistant message.
func NewProcessor(messageID, model string, inputTokens int, opts ProcessorOptions) *Processor {
	return &Processor{
		builder:       NewSSEBuilder(messageID, model, inputTokens),
		thinkTag:      &ThinkTagParser{},
		heuristic:     NewHeuristicToolParser(),
		opts:          opts,
		nextSynthetic: 1 << 20,
	}
}

// Builder exposes the underlying SSE builder for accumulation inspection.
func (p *Processor) Builder() *SSEBuilder { return p.builder }

// StopReason returns the mapped Anthropic stop reason once the stream ended.
func (p *Processor) StopReason() string { return MapStopReason(p.finishReason) }

// Start emits the message_start event.
func (p *Processor) Start() []string {
	return []string{p.builder.MessageStart()}
}

// ProcessChunk translates one upstream chunk into SSE events. When the chunk
// carries a finish_reason the returned events include the stream tail.
func (p *Processor) ProcessChunk(c Chunk) []string {
	if p.finished {
		return nil
	}
	var out []string

	if c.Reasoning != "" {
		out = append(out, p.builder.EnsureThinkingBlock()...)
		out = append(out, p.builder.EmitThinkingDelta(c.Reasoning))
	}

	if c.Content != "" {
		for _, seg := range p.thinkTag.Feed(c.Content) {
			out = append(out, p.emitSegment(seg)...)
		}
	}

	for _, tc := range c.ToolCalls {
		out = append(out, p.processToolCallDelta(tc)...)
	}

	if c.FinishReason != "" {
		p.finishReason = c.FinishReason
		out = append(out, p.finish()...)
	}
	return out
}

func (p *Processor) emitSegment(seg Segment) []string {
	if seg.Kind == SegmentThinking {
		out := p.builder.EnsureThinkingBlock()
		return append(out, p.builder.EmitThinkingDelta(seg.Text))
	}

	text, tools := p.heuristic.Feed(seg.Text)
	var out []string
	if text != "" {
		out = append(out, p.builder.EnsureTextBlock()...)
		out = append(out, p.builder.EmitTextDelta(text))
	}
	for _, call := range tools {
		out = append(out, p.emitSyntheticTool(call)...)
	}
	return out
}

// emitSyntheticTool renders a heuristic tool call as a complete tool_use
// block. Any open text or thinking block closes first.
func (p *Processor) emitSyntheticTool(call ToolCall) []string {
	input, err := json.Marshal(call.Input)
	if err != nil {
		slog.Warn("failed to marshal heuristic tool input", "name", call.Name, "error", err)
		input = []byte("{}")
	}

	slot := p.nextSynthetic
	p.nextSynthetic++

	out := p.builder.CloseContentBlocks()
	out = append(out, p.builder.StartToolBlock(slot, call.ID, call.Name))
	out = append(out, p.builder.EmitToolDelta(slot, string(input)))
	out = append(out, p.builder.StopToolBlock(slot))
	return out
}

func (p *Processor) processToolCallDelta(tc ToolCallDelta) []string {
	var out []string

	if tc.Name != "" {
		p.builder.Blocks.RegisterToolName(tc.Index, tc.Name)
	}
	state := p.builder.Blocks.ToolStates[tc.Index]
	if tc.ID != "" {
		if state == nil {
			p.builder.Blocks.RegisterToolName(tc.Index, "")
			state = p.builder.Blocks.ToolStates[tc.Index]
		}
		state.ToolID = tc.ID
	}

	if tc.Arguments == "" {
		return out
	}

	if state == nil || !state.Started {
		name := tc.Name
		id := tc.ID
		if state != nil {
			name = state.Name
			if state.ToolID != "" {
				id = state.ToolID
			}
		}
		if id == "" {
			id = "toolu_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
		}
		out = append(out, p.builder.CloseContentBlocks()...)
		out = append(out, p.builder.StartToolBlock(tc.Index, id, name))
		state = p.builder.Blocks.ToolStates[tc.Index]
	}

	if p.opts.TaskBuffering && state.Name == "Task" {
		parsed := p.builder.Blocks.BufferTaskArgs(tc.Index, tc.Arguments)
		if parsed == nil {
			return out
		}
		data, err := json.Marshal(parsed)
		if err != nil {
			slog.Warn("failed to marshal buffered task args", "error", err)
			data = []byte("{}")
		}
		return append(out, p.builder.EmitToolDelta(tc.Index, string(data)))
	}

	return append(out, p.builder.EmitToolDelta(tc.Index, tc.Arguments))
}

// finish flushes both parsers, drains Task buffers, closes every open block
// and emits the message_delta and message_stop tail.
func (p *Processor) finish() []string {
	p.finished = true
	var out []string

	for _, seg := range p.thinkTag.Flush() {
		out = append(out, p.emitSegment(seg)...)
	}
	for _, call := range p.heuristic.Flush() {
		out = append(out, p.emitSyntheticTool(call)...)
	}
	for _, pair := range p.builder.Blocks.FlushTaskArgBuffers() {
		toolIndex := pair[0].(int)
		if state := p.builder.Blocks.ToolStates[toolIndex]; state != nil && state.Started {
			out = append(out, p.builder.EmitToolDelta(toolIndex, pair[1].(string)))
		}
	}

	out = append(out, p.builder.CloseAllBlocks()...)
	out = append(out, p.builder.MessageDelta(MapStopReason(p.finishReason), p.outputTokens()))
	out = append(out, p.builder.MessageStop())
	return out
}

// Finish ends the stream without an upstream finish_reason, as when the
// connection closes cleanly after [DONE].
func (p *Processor) Finish() []string {
	if p.finished {
		return nil
	}
	return p.finish()
}

// EmitErrorTail closes any open blocks, renders the message as an error text
// block and ends the stream legally. Used when the upstream fails after
// headers were already sent.
func (p *Processor) EmitErrorTail(message string) []string {
	if p.finished {
		return nil
	}
	p.finished = true

	out := p.builder.CloseAllBlocks()
	out = append(out, p.builder.EmitError(message)...)
	out = append(out, p.builder.MessageDelta("end_turn", p.outputTokens()))
	out = append(out, p.builder.MessageStop())
	return out
}

func (p *Processor) outputTokens() int {
	if n := p.builder.EstimateOutputTokens(); n > 1 {
		return n
	}
	return 1
}
