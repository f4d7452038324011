package providers

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/Alishahryar1/free-claude-code/internal/anthropic"
)

func mustRequest(t *testing.T, raw string) *anthropic.MessagesRequest {
	t.Helper()
	var req anthropic.MessagesRequest
	if err := json.Unmarshal([]byte(raw), &req); err != nil {
		t.Fatalf("parse request: %v", err)
	}
	return &req
}

func TestConvertMessagesToolResultSplit(t *testing.T) {
	req := mustRequest(t, `{
		"model": "m",
		"messages": [
			{"role": "assistant", "content": [
				{"type": "text", "text": "checking"},
				{"type": "tool_use", "id": "toolu_1", "name": "Bash", "input": {"command": "ls"}}
			]},
			{"role": "user", "content": [
				{"type": "tool_result", "tool_use_id": "toolu_1", "content": "file.txt"},
				{"type": "text", "text": "now what?"}
			]}
		]
	}`)

	msgs := ConvertMessages(req.Messages)
	if len(msgs) != 3 {
		t.Fatalf("messages = %d, want 3", len(msgs))
	}

	if msgs[0]["role"] != "assistant" {
		t.Errorf("msg0 role = %v", msgs[0]["role"])
	}
	calls := msgs[0]["tool_calls"].([]map[string]any)
	if len(calls) != 1 {
		t.Fatalf("tool_calls = %d, want 1", len(calls))
	}
	fn := calls[0]["function"].(map[string]any)
	if fn["name"] != "Bash" {
		t.Errorf("function name = %v", fn["name"])
	}
	if !json.Valid([]byte(fn["arguments"].(string))) {
		t.Errorf("arguments not JSON: %v", fn["arguments"])
	}

	if msgs[1]["role"] != "tool" || msgs[1]["tool_call_id"] != "toolu_1" || msgs[1]["content"] != "file.txt" {
		t.Errorf("tool message = %v", msgs[1])
	}
	if msgs[2]["role"] != "user" || msgs[2]["content"] != "now what?" {
		t.Errorf("trailing user message = %v", msgs[2])
	}
}

func TestConvertMessagesToolResultBlockList(t *testing.T) {
	req := mustRequest(t, `{
		"model": "m",
		"messages": [
			{"role": "user", "content": [
				{"type": "tool_result", "tool_use_id": "toolu_2",
				 "content": [{"type": "text", "text": "part1 "}, {"type": "text", "text": "part2"}]}
			]}
		]
	}`)

	msgs := ConvertMessages(req.Messages)
	if len(msgs) != 1 || msgs[0]["content"] != "part1 part2" {
		t.Errorf("flattened content = %v", msgs[0]["content"])
	}
}

func TestConvertMessagesImage(t *testing.T) {
	req := mustRequest(t, `{
		"model": "m",
		"messages": [
			{"role": "user", "content": [
				{"type": "text", "text": "what is this"},
				{"type": "image", "source": {"type": "base64", "media_type": "image/png", "data": "AAAA"}}
			]}
		]
	}`)

	msgs := ConvertMessages(req.Messages)
	parts := msgs[0]["content"].([]map[string]any)
	if len(parts) != 2 {
		t.Fatalf("parts = %d, want 2", len(parts))
	}
	imageURL := parts[1]["image_url"].(map[string]any)
	if imageURL["url"] != "data:image/png;base64,AAAA" {
		t.Errorf("url = %v", imageURL["url"])
	}
}

func TestConvertMessagesDropsThinking(t *testing.T) {
	req := mustRequest(t, `{
		"model": "m",
		"messages": [
			{"role": "assistant", "content": [
				{"type": "thinking", "thinking": "secret reasoning"},
				{"type": "text", "text": "answer"}
			]}
		]
	}`)

	msgs := ConvertMessages(req.Messages)
	if msgs[0]["content"] != "answer" {
		t.Errorf("content = %v", msgs[0]["content"])
	}
	data, _ := json.Marshal(msgs)
	if strings.Contains(string(data), "secret reasoning") {
		t.Error("thinking content was re-sent upstream")
	}
}

func TestConvertToolChoice(t *testing.T) {
	tests := []struct {
		name string
		in   map[string]any
		want any
	}{
		{"auto", map[string]any{"type": "auto"}, "auto"},
		{"any becomes required", map[string]any{"type": "any"}, "required"},
		{"nil passes", nil, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ConvertToolChoice(tt.in)
			if got != tt.want {
				t.Errorf("ConvertToolChoice = %v, want %v", got, tt.want)
			}
		})
	}

	t.Run("specific tool", func(t *testing.T) {
		got := ConvertToolChoice(map[string]any{"type": "tool", "name": "Grep"}).(map[string]any)
		if got["type"] != "function" {
			t.Errorf("type = %v", got["type"])
		}
		if got["function"].(map[string]any)["name"] != "Grep" {
			t.Errorf("name = %v", got["function"])
		}
	})
}

func TestBuildBaseRequestBody(t *testing.T) {
	req := mustRequest(t, `{
		"model": "meta/llama3-70b",
		"max_tokens": 1000,
		"temperature": 0.7,
		"stop_sequences": ["END"],
		"system": "be brief",
		"messages": [{"role": "user", "content": "hi"}],
		"tools": [{"name": "Grep", "input_schema": {"type": "object"}}]
	}`)

	body := BuildBaseRequestBody(req, 0)

	if body["stream"] != true {
		t.Error("stream not set")
	}
	if body["max_tokens"] != 1000 {
		t.Errorf("max_tokens = %v", body["max_tokens"])
	}
	if body["temperature"] != 0.7 {
		t.Errorf("temperature = %v", body["temperature"])
	}
	msgs := body["messages"].([]map[string]any)
	if msgs[0]["role"] != "system" || msgs[0]["content"] != "be brief" {
		t.Errorf("system message = %v", msgs[0])
	}
	if len(body["tools"].([]map[string]any)) != 1 {
		t.Error("tools missing")
	}
}

func TestBuildNIMRequestBody(t *testing.T) {
	req := mustRequest(t, `{
		"model": "meta/llama3-70b",
		"max_tokens": 200000,
		"messages": [{"role": "user", "content": "hi"}]
	}`)

	tuning := NimTuning{
		MaxTokens:         8192,
		TopK:              40,
		MinP:              0.05,
		RepetitionPenalty: 1.1,
		ParallelToolCalls: true,
	}
	body := BuildNIMRequestBody(req, tuning)

	if body["max_tokens"] != 8192 {
		t.Errorf("max_tokens = %v, want capped to 8192", body["max_tokens"])
	}
	if body["parallel_tool_calls"] != true {
		t.Error("parallel_tool_calls not set")
	}

	extra := body["extra_body"].(map[string]any)
	if thinking := extra["thinking"].(map[string]any); thinking["type"] != "enabled" {
		t.Errorf("thinking = %v", extra["thinking"])
	}
	if extra["reasoning_split"] != true {
		t.Error("reasoning_split not defaulted")
	}
	kwargs := extra["chat_template_kwargs"].(map[string]any)
	if kwargs["clear_thinking"] != false || kwargs["enable_thinking"] != true {
		t.Errorf("chat_template_kwargs = %v", kwargs)
	}
	if extra["top_k"] != 40 {
		t.Errorf("top_k = %v", extra["top_k"])
	}
	if extra["min_p"] != 0.05 {
		t.Errorf("min_p = %v", extra["min_p"])
	}
	if extra["repetition_penalty"] != 1.1 {
		t.Errorf("repetition_penalty = %v", extra["repetition_penalty"])
	}
}

func TestBuildNIMRequestBodyIgnoreValues(t *testing.T) {
	req := mustRequest(t, `{"model": "m", "messages": [{"role": "user", "content": "hi"}]}`)

	body := BuildNIMRequestBody(req, NimTuning{TopK: -1, MinP: 0, RepetitionPenalty: 1.0, MinTokens: 0})
	extra := body["extra_body"].(map[string]any)

	for _, key := range []string{"top_k", "min_p", "repetition_penalty", "min_tokens"} {
		if _, ok := extra[key]; ok {
			t.Errorf("%s set despite ignore value", key)
		}
	}
}

func TestBuildNIMRequestBodyRequestExtraWins(t *testing.T) {
	req := mustRequest(t, `{
		"model": "m",
		"messages": [{"role": "user", "content": "hi"}],
		"extra_body": {"thinking": {"type": "disabled"}, "top_k": 7}
	}`)

	body := BuildNIMRequestBody(req, NimTuning{TopK: 40})
	extra := body["extra_body"].(map[string]any)

	if thinking := extra["thinking"].(map[string]any); thinking["type"] != "disabled" {
		t.Errorf("request extra_body overridden: %v", extra["thinking"])
	}
	if extra["top_k"] != float64(7) {
		t.Errorf("top_k = %v, want request value 7", extra["top_k"])
	}
}

func TestBuildOpenRouterRequestBody(t *testing.T) {
	req := mustRequest(t, `{"model": "m", "messages": [{"role": "user", "content": "hi"}]}`)

	body := BuildOpenRouterRequestBody(req)
	if body["max_tokens"] != openRouterDefaultMaxTokens {
		t.Errorf("max_tokens = %v", body["max_tokens"])
	}
	extra := body["extra_body"].(map[string]any)
	reasoning := extra["reasoning"].(map[string]any)
	if reasoning["enabled"] != true {
		t.Errorf("reasoning = %v", reasoning)
	}

	disabled := mustRequest(t, `{"model": "m", "messages": [{"role": "user", "content": "hi"}], "thinking": {"enabled": false}}`)
	body = BuildOpenRouterRequestBody(disabled)
	if _, ok := body["extra_body"]; ok {
		t.Error("reasoning injected although thinking is disabled")
	}
}

func TestBuildLMStudioRequestBody(t *testing.T) {
	req := mustRequest(t, `{"model": "m", "messages": [{"role": "user", "content": "hi"}]}`)

	body := BuildLMStudioRequestBody(req, 0)
	if body["max_tokens"] != lmStudioDefaultMaxTokens {
		t.Errorf("max_tokens = %v, want %d", body["max_tokens"], lmStudioDefaultMaxTokens)
	}
	if _, ok := body["extra_body"]; ok {
		t.Error("LM Studio body must not carry extra_body")
	}
}
