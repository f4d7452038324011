package providers

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/Alishahryar1/free-claude-code/internal/anthropic"
)

// ConvertMessages translates Anthropic conversation turns into OpenAI chat
// messages. User turns containing tool_result blocks are split into tool
// messages interleaved with the surrounding user content; assistant tool_use
// blocks become structured tool_calls; thinking blocks are not re-sent.
func ConvertMessages(messages []anthropic.Message) []map[string]any {
	var out []map[string]any
	for _, msg := range messages {
		switch msg.Role {
		case "assistant":
			out = append(out, convertAssistantMessage(msg))
		default:
			out = append(out, convertUserMessage(msg)...)
		}
	}
	return out
}

func convertUserMessage(msg anthropic.Message) []map[string]any {
	if msg.Content.IsText {
		return []map[string]any{{"role": "user", "content": msg.Content.Text}}
	}

	var out []map[string]any
	var parts []map[string]any

	flush := func() {
		if len(parts) == 0 {
			return
		}
		if len(parts) == 1 && parts[0]["type"] == "text" {
			out = append(out, map[string]any{"role": "user", "content": parts[0]["text"]})
		} else {
			out = append(out, map[string]any{"role": "user", "content": parts})
		}
		parts = nil
	}

	for _, block := range msg.Content.Blocks {
		switch block.Type {
		case anthropic.BlockText:
			parts = append(parts, map[string]any{"type": "text", "text": block.Text})
		case anthropic.BlockImage:
			if url := imageDataURL(block.Source); url != "" {
				parts = append(parts, map[string]any{
					"type":      "image_url",
					"image_url": map[string]any{"url": url},
				})
			}
		case anthropic.BlockToolResult:
			flush()
			out = append(out, map[string]any{
				"role":         "tool",
				"tool_call_id": block.ToolUseID,
				"content":      flattenToolResult(block.Content),
			})
		}
	}
	flush()

	if len(out) == 0 {
		out = append(out, map[string]any{"role": "user", "content": ""})
	}
	return out
}

func convertAssistantMessage(msg anthropic.Message) map[string]any {
	result := map[string]any{"role": "assistant"}
	if msg.Content.IsText {
		result["content"] = msg.Content.Text
		return result
	}

	var text string
	var toolCalls []map[string]any
	for _, block := range msg.Content.Blocks {
		switch block.Type {
		case anthropic.BlockText:
			text += block.Text
		case anthropic.BlockToolUse:
			args, err := json.Marshal(block.Input)
			if err != nil {
				slog.Warn("failed to marshal tool_use input", "tool", block.Name, "error", err)
				args = []byte("{}")
			}
			toolCalls = append(toolCalls, map[string]any{
				"id":   block.ID,
				"type": "function",
				"function": map[string]any{
					"name":      block.Name,
					"arguments": string(args),
				},
			})
		case anthropic.BlockThinking:
			// Reasoning from history is not replayed upstream.
		}
	}

	if text != "" || len(toolCalls) == 0 {
		result["content"] = text
	}
	if len(toolCalls) > 0 {
		result["tool_calls"] = toolCalls
	}
	return result
}

func imageDataURL(source map[string]any) string {
	if source == nil {
		return ""
	}
	if t, _ := source["type"].(string); t != "base64" {
		return ""
	}
	mediaType, _ := source["media_type"].(string)
	data, _ := source["data"].(string)
	if mediaType == "" || data == "" {
		return ""
	}
	return fmt.Sprintf("data:%s;base64,%s", mediaType, data)
}

// flattenToolResult reduces a tool_result content value to a plain string.
// Block lists concatenate their text entries; other JSON renders verbatim.
func flattenToolResult(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []map[string]any
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var out string
		for _, b := range blocks {
			if text, ok := b["text"].(string); ok {
				out += text
			}
		}
		if out != "" {
			return out
		}
	}
	return string(raw)
}

// ConvertTools translates tool declarations to OpenAI function specs.
func ConvertTools(tools []anthropic.Tool) []map[string]any {
	out := make([]map[string]any, 0, len(tools))
	for _, t := range tools {
		fn := map[string]any{"name": t.Name, "parameters": t.InputSchema}
		if t.Description != "" {
			fn["description"] = t.Description
		}
		out = append(out, map[string]any{"type": "function", "function": fn})
	}
	return out
}

// ConvertToolChoice coerces Anthropic tool_choice variants to the OpenAI
// shape. Unknown shapes pass through unchanged.
func ConvertToolChoice(tc map[string]any) any {
	if tc == nil {
		return nil
	}
	switch tc["type"] {
	case "auto":
		return "auto"
	case "any":
		return "required"
	case "tool":
		if name, ok := tc["name"].(string); ok {
			return map[string]any{
				"type":     "function",
				"function": map[string]any{"name": name},
			}
		}
	}
	return tc
}

// BuildBaseRequestBody assembles the provider-independent OpenAI body.
func BuildBaseRequestBody(req *anthropic.MessagesRequest, defaultMaxTokens int) map[string]any {
	messages := ConvertMessages(req.Messages)
	if system := req.System.Joined(); system != "" {
		messages = append([]map[string]any{{"role": "system", "content": system}}, messages...)
	}

	body := map[string]any{
		"model":    req.Model,
		"messages": messages,
		"stream":   true,
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}
	if maxTokens > 0 {
		body["max_tokens"] = maxTokens
	}
	if req.Temperature != nil {
		body["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		body["top_p"] = *req.TopP
	}
	if len(req.StopSequences) > 0 {
		body["stop"] = req.StopSequences
	}
	if len(req.Tools) > 0 {
		body["tools"] = ConvertTools(req.Tools)
	}
	if choice := ConvertToolChoice(req.ToolChoice); choice != nil {
		body["tool_choice"] = choice
	}
	return body
}
