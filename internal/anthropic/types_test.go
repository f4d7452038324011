package anthropic

import (
	"encoding/json"
	"testing"
)

func TestContentBlockRejectsUnknownType(t *testing.T) {
	var b ContentBlock
	err := json.Unmarshal([]byte(`{"type":"video","text":"x"}`), &b)
	if err == nil {
		t.Fatal("unknown block type accepted")
	}
}

func TestContentBlockVariants(t *testing.T) {
	tests := []struct {
		name string
		in   string
		typ  string
	}{
		{"text", `{"type":"text","text":"hi"}`, BlockText},
		{"image", `{"type":"image","source":{"type":"base64","data":"AA=="}}`, BlockImage},
		{"tool_use", `{"type":"tool_use","id":"toolu_1","name":"Bash","input":{"command":"ls"}}`, BlockToolUse},
		{"tool_result", `{"type":"tool_result","tool_use_id":"toolu_1","content":"ok"}`, BlockToolResult},
		{"thinking", `{"type":"thinking","thinking":"hmm"}`, BlockThinking},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var b ContentBlock
			if err := json.Unmarshal([]byte(tt.in), &b); err != nil {
				t.Fatal(err)
			}
			if b.Type != tt.typ {
				t.Errorf("type = %q, want %q", b.Type, tt.typ)
			}
		})
	}
}

func TestMessageContentStringOrBlocks(t *testing.T) {
	var m Message
	if err := json.Unmarshal([]byte(`{"role":"user","content":"hello"}`), &m); err != nil {
		t.Fatal(err)
	}
	if !m.Content.IsText || m.Content.Text != "hello" {
		t.Errorf("content = %+v", m.Content)
	}

	if err := json.Unmarshal([]byte(`{"role":"user","content":[{"type":"text","text":"a"},{"type":"text","text":"b"}]}`), &m); err != nil {
		t.Fatal(err)
	}
	if m.Content.IsText || len(m.Content.Blocks) != 2 {
		t.Errorf("content = %+v", m.Content)
	}

	// Round trip keeps the original shape.
	out, err := json.Marshal(Message{Role: "user", Content: MessageContent{IsText: true, Text: "hello"}})
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != `{"role":"user","content":"hello"}` {
		t.Errorf("marshal = %s", out)
	}
}

func TestSystemContentJoined(t *testing.T) {
	var s SystemContent
	if err := json.Unmarshal([]byte(`[{"type":"text","text":"one"},{"type":"text","text":"two"}]`), &s); err != nil {
		t.Fatal(err)
	}
	if got := s.Joined(); got != "one\ntwo" {
		t.Errorf("joined = %q", got)
	}

	var nilSys *SystemContent
	if nilSys.Joined() != "" {
		t.Error("nil system should join to empty")
	}
}

func TestThinkingConfigShapes(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want bool
	}{
		{"anthropic enabled", `{"type":"enabled","budget_tokens":1024}`, true},
		{"anthropic disabled", `{"type":"disabled"}`, false},
		{"legacy bool", `{"enabled":false}`, false},
		{"empty object", `{}`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var c ThinkingConfig
			if err := json.Unmarshal([]byte(tt.in), &c); err != nil {
				t.Fatal(err)
			}
			if c.Enabled != tt.want {
				t.Errorf("enabled = %v, want %v", c.Enabled, tt.want)
			}
		})
	}
}

func TestWantsStreamDefaultsTrue(t *testing.T) {
	var req MessagesRequest
	if err := json.Unmarshal([]byte(`{"model":"m","messages":[]}`), &req); err != nil {
		t.Fatal(err)
	}
	if !req.WantsStream() {
		t.Error("stream should default to true")
	}

	off := false
	req.Stream = &off
	if req.WantsStream() {
		t.Error("explicit stream:false ignored")
	}
}
