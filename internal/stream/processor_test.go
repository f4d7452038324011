package stream

import (
	"encoding/json"
	"strings"
	"testing"
)

type sseEvent struct {
	Type string
	Data map[string]any
}

func parseEvents(t *testing.T, raw []string) []sseEvent {
	t.Helper()
	var events []sseEvent
	for _, ev := range raw {
		lines := strings.Split(strings.TrimSpace(ev), "\n")
		if len(lines) != 2 {
			t.Fatalf("malformed SSE event: %q", ev)
		}
		name := strings.TrimPrefix(lines[0], "event: ")
		var data map[string]any
		if err := json.Unmarshal([]byte(strings.TrimPrefix(lines[1], "data: ")), &data); err != nil {
			t.Fatalf("invalid event JSON: %v in %q", err, ev)
		}
		events = append(events, sseEvent{Type: name, Data: data})
	}
	return events
}

// checkWellFormed asserts the universal SSE invariants: one message_start and
// one message_stop, balanced start/stop per index, indices dense from zero,
// message_delta before message_stop.
func checkWellFormed(t *testing.T, events []sseEvent) {
	t.Helper()
	if len(events) == 0 {
		t.Fatal("no events")
	}
	if events[0].Type != "message_start" {
		t.Fatalf("first event = %s, want message_start", events[0].Type)
	}
	if events[len(events)-1].Type != "message_stop" {
		t.Fatalf("last event = %s, want message_stop", events[len(events)-1].Type)
	}

	open := map[int]bool{}
	seen := map[int]bool{}
	maxIdx := -1
	sawDelta := false
	for i, ev := range events[1 : len(events)-1] {
		switch ev.Type {
		case "message_start", "message_stop":
			t.Fatalf("duplicate %s at position %d", ev.Type, i+1)
		case "message_delta":
			sawDelta = true
			if len(open) != 0 {
				t.Fatalf("message_delta with %d blocks still open", len(open))
			}
		case "content_block_start":
			idx := int(ev.Data["index"].(float64))
			if seen[idx] {
				t.Fatalf("block index %d reused", idx)
			}
			if idx != maxIdx+1 {
				t.Fatalf("index %d not dense after %d", idx, maxIdx)
			}
			maxIdx = idx
			seen[idx] = true
			open[idx] = true
		case "content_block_delta":
			idx := int(ev.Data["index"].(float64))
			if !open[idx] {
				t.Fatalf("delta for closed or unopened block %d", idx)
			}
		case "content_block_stop":
			idx := int(ev.Data["index"].(float64))
			if !open[idx] {
				t.Fatalf("stop for block %d that is not open", idx)
			}
			delete(open, idx)
		}
	}
	if !sawDelta {
		t.Fatal("no message_delta emitted")
	}
}

func runStream(t *testing.T, chunks []Chunk, opts ProcessorOptions) []sseEvent {
	t.Helper()
	p := NewProcessor("msg_test", "model-x", 12, opts)
	raw := p.Start()
	for _, c := range chunks {
		raw = append(raw, p.ProcessChunk(c)...)
	}
	raw = append(raw, p.Finish()...)
	return parseEvents(t, raw)
}

func blockTypes(events []sseEvent) []string {
	var types []string
	for _, ev := range events {
		if ev.Type == "content_block_start" {
			block := ev.Data["content_block"].(map[string]any)
			types = append(types, block["type"].(string))
		}
	}
	return types
}

func toolInputJSON(t *testing.T, events []sseEvent, blockIdx int) string {
	t.Helper()
	var parts []string
	for _, ev := range events {
		if ev.Type != "content_block_delta" || int(ev.Data["index"].(float64)) != blockIdx {
			continue
		}
		delta := ev.Data["delta"].(map[string]any)
		if delta["type"] == "input_json_delta" {
			parts = append(parts, delta["partial_json"].(string))
		}
	}
	joined := strings.Join(parts, "")
	if !json.Valid([]byte(joined)) {
		t.Fatalf("tool input deltas do not form valid JSON: %q", joined)
	}
	return joined
}

func TestProcessorTextOnly(t *testing.T) {
	events := runStream(t, []Chunk{
		{Content: "Hello "},
		{Content: "world", FinishReason: "stop"},
	}, ProcessorOptions{})

	checkWellFormed(t, events)
	if got := blockTypes(events); len(got) != 1 || got[0] != "text" {
		t.Fatalf("block types = %v, want [text]", got)
	}
	for _, ev := range events {
		if ev.Type == "message_delta" {
			delta := ev.Data["delta"].(map[string]any)
			if delta["stop_reason"] != "end_turn" {
				t.Errorf("stop_reason = %v, want end_turn", delta["stop_reason"])
			}
			usage := ev.Data["usage"].(map[string]any)
			if usage["output_tokens"].(float64) < 1 {
				t.Errorf("output_tokens = %v, want >= 1", usage["output_tokens"])
			}
		}
	}
}

func TestProcessorReasoningThenText(t *testing.T) {
	events := runStream(t, []Chunk{
		{Reasoning: "let me think"},
		{Content: "the answer"},
		{FinishReason: "stop"},
	}, ProcessorOptions{})

	checkWellFormed(t, events)
	if got := blockTypes(events); len(got) != 2 || got[0] != "thinking" || got[1] != "text" {
		t.Fatalf("block types = %v, want [thinking text]", got)
	}
}

func TestProcessorInlineThinkTags(t *testing.T) {
	events := runStream(t, []Chunk{
		{Content: "<th"},
		{Content: "ink>hidden</think>visible"},
		{FinishReason: "stop"},
	}, ProcessorOptions{})

	checkWellFormed(t, events)
	if got := blockTypes(events); len(got) != 2 || got[0] != "thinking" || got[1] != "text" {
		t.Fatalf("block types = %v, want [thinking text]", got)
	}
	for _, ev := range events {
		if ev.Type != "content_block_delta" {
			continue
		}
		delta := ev.Data["delta"].(map[string]any)
		if delta["type"] == "text_delta" && strings.Contains(delta["text"].(string), "think") {
			t.Errorf("think tag leaked into text: %v", delta["text"])
		}
	}
}

func TestProcessorStructuredToolCall(t *testing.T) {
	events := runStream(t, []Chunk{
		{Content: "Let me check."},
		{ToolCalls: []ToolCallDelta{{Index: 0, ID: "call_1", Name: "get_weather"}}},
		{ToolCalls: []ToolCallDelta{{Index: 0, Arguments: `{"city":`}}},
		{ToolCalls: []ToolCallDelta{{Index: 0, Arguments: `"Hanoi"}`}}},
		{FinishReason: "tool_calls"},
	}, ProcessorOptions{})

	checkWellFormed(t, events)
	if got := blockTypes(events); len(got) != 2 || got[1] != "tool_use" {
		t.Fatalf("block types = %v, want [text tool_use]", got)
	}
	input := toolInputJSON(t, events, 1)
	if input != `{"city":"Hanoi"}` {
		t.Errorf("tool input = %q", input)
	}
	for _, ev := range events {
		if ev.Type == "message_delta" {
			delta := ev.Data["delta"].(map[string]any)
			if delta["stop_reason"] != "tool_use" {
				t.Errorf("stop_reason = %v, want tool_use", delta["stop_reason"])
			}
		}
	}
}

func TestProcessorFragmentedToolName(t *testing.T) {
	tests := []struct {
		name      string
		fragments []string
	}{
		{"name streamed as fragments", []string{"get_", "get_wea", "get_weather"}},
		{"full name resent each chunk", []string{"get_weather", "get_weather"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var chunks []Chunk
			for _, f := range tt.fragments {
				chunks = append(chunks, Chunk{ToolCalls: []ToolCallDelta{{Index: 0, ID: "call_1", Name: f}}})
			}
			chunks = append(chunks,
				Chunk{ToolCalls: []ToolCallDelta{{Index: 0, Arguments: `{}`}}},
				Chunk{FinishReason: "tool_calls"},
			)
			events := runStream(t, chunks, ProcessorOptions{})
			checkWellFormed(t, events)

			for _, ev := range events {
				if ev.Type == "content_block_start" {
					block := ev.Data["content_block"].(map[string]any)
					if block["type"] == "tool_use" && block["name"] != "get_weather" {
						t.Errorf("tool name = %v, want get_weather", block["name"])
					}
				}
			}
		})
	}
}

func TestProcessorHeuristicToolMidStream(t *testing.T) {
	events := runStream(t, []Chunk{
		{Content: "Running a search. "},
		{Content: "● <function=Grep><parameter=pattern>foo</parameter>\ndone"},
		{FinishReason: "stop"},
	}, ProcessorOptions{})

	checkWellFormed(t, events)
	got := blockTypes(events)
	if len(got) != 2 || got[0] != "text" || got[1] != "tool_use" {
		t.Fatalf("block types = %v, want [text tool_use]", got)
	}
	input := toolInputJSON(t, events, 1)
	var parsed map[string]string
	if err := json.Unmarshal([]byte(input), &parsed); err != nil || parsed["pattern"] != "foo" {
		t.Errorf("heuristic tool input = %q", input)
	}
}

func TestProcessorTaskArgumentBuffering(t *testing.T) {
	chunks := []Chunk{
		{ToolCalls: []ToolCallDelta{{Index: 0, ID: "call_t", Name: "Task"}}},
		{ToolCalls: []ToolCallDelta{{Index: 0, Arguments: `{"description":"sub",`}}},
		{ToolCalls: []ToolCallDelta{{Index: 0, Arguments: `"run_in_background":true}`}}},
		{FinishReason: "tool_calls"},
	}

	t.Run("buffering on", func(t *testing.T) {
		events := runStream(t, chunks, ProcessorOptions{TaskBuffering: true})
		checkWellFormed(t, events)

		deltaCount := 0
		for _, ev := range events {
			if ev.Type == "content_block_delta" {
				deltaCount++
			}
		}
		if deltaCount != 1 {
			t.Errorf("delta count = %d, want single buffered delta", deltaCount)
		}
		input := toolInputJSON(t, events, 0)
		var parsed map[string]any
		if err := json.Unmarshal([]byte(input), &parsed); err != nil {
			t.Fatal(err)
		}
		if parsed["run_in_background"] != false {
			t.Errorf("run_in_background = %v, want false", parsed["run_in_background"])
		}
	})

	t.Run("buffering off streams raw deltas", func(t *testing.T) {
		events := runStream(t, chunks, ProcessorOptions{})
		checkWellFormed(t, events)
		input := toolInputJSON(t, events, 0)
		var parsed map[string]any
		if err := json.Unmarshal([]byte(input), &parsed); err != nil {
			t.Fatal(err)
		}
		if parsed["run_in_background"] != true {
			t.Errorf("raw args were patched: %v", parsed)
		}
	})
}

func TestProcessorTaskBufferFlushOnTruncatedArgs(t *testing.T) {
	p := NewProcessor("msg_test", "model-x", 0, ProcessorOptions{TaskBuffering: true})
	raw := p.Start()
	raw = append(raw, p.ProcessChunk(Chunk{ToolCalls: []ToolCallDelta{{Index: 0, ID: "call_t", Name: "Task"}}})...)
	raw = append(raw, p.ProcessChunk(Chunk{ToolCalls: []ToolCallDelta{{Index: 0, Arguments: `{"description":"never fini`}}})...)
	raw = append(raw, p.Finish()...)

	events := parseEvents(t, raw)
	checkWellFormed(t, events)
	if input := toolInputJSON(t, events, 0); input != "{}" {
		t.Errorf("truncated task args = %q, want {}", input)
	}
}

func TestProcessorErrorTail(t *testing.T) {
	p := NewProcessor("msg_test", "model-x", 5, ProcessorOptions{})
	raw := p.Start()
	raw = append(raw, p.ProcessChunk(Chunk{ToolCalls: []ToolCallDelta{{Index: 0, ID: "call_1", Name: "Bash"}}})...)
	raw = append(raw, p.ProcessChunk(Chunk{ToolCalls: []ToolCallDelta{{Index: 0, Arguments: `{"command":`}}})...)
	raw = append(raw, p.EmitErrorTail("Provider request failed.")...)

	events := parseEvents(t, raw)
	checkWellFormed(t, events)

	var sawError bool
	for _, ev := range events {
		if ev.Type != "content_block_delta" {
			continue
		}
		delta := ev.Data["delta"].(map[string]any)
		if delta["type"] == "text_delta" && delta["text"] == "Provider request failed." {
			sawError = true
		}
	}
	if !sawError {
		t.Error("error message not rendered as text block")
	}
}

func TestMapStopReason(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"stop", "end_turn"},
		{"length", "max_tokens"},
		{"tool_calls", "tool_use"},
		{"content_filter", "end_turn"},
		{"", "end_turn"},
		{"weird", "end_turn"},
	}
	for _, tt := range tests {
		if got := MapStopReason(tt.in); got != tt.want {
			t.Errorf("MapStopReason(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
