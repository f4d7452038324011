package cli

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
)

// DefaultBinary is the Claude CLI executable name.
const DefaultBinary = "claude"

// SubprocessSession runs each task as one `claude -p` invocation with
// stream-json output. Conversation continuity comes from --resume with the
// session id the CLI reports.
type SubprocessSession struct {
	binary string

	mu  sync.Mutex
	id  string
	cmd *exec.Cmd
}

// NewSubprocessSession creates a session driving the given binary.
func NewSubprocessSession(binary, id string) *SubprocessSession {
	if binary == "" {
		binary = DefaultBinary
	}
	return &SubprocessSession{binary: binary, id: id}
}

// SubprocessFactory returns a Factory for Manager.
func SubprocessFactory(binary string) Factory {
	return func(id string) Session {
		return NewSubprocessSession(binary, id)
	}
}

func (s *SubprocessSession) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

func (s *SubprocessSession) setID(id string) {
	s.mu.Lock()
	s.id = id
	s.mu.Unlock()
}

func (s *SubprocessSession) StartTask(ctx context.Context, prompt string, opts TaskOptions) (<-chan Event, error) {
	args := []string{
		"-p",
		"--output-format", "stream-json",
		"--verbose",
		"--include-partial-messages",
	}
	if opts.SessionID != "" {
		args = append(args, "--resume", opts.SessionID)
		if opts.ForkSession {
			args = append(args, "--fork-session")
		}
	}

	cmd := exec.CommandContext(ctx, s.binary, args...)
	cmd.Stdin = strings.NewReader(prompt)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("cli stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", s.binary, err)
	}

	s.mu.Lock()
	s.cmd = cmd
	s.mu.Unlock()

	events := make(chan Event, 64)
	go func() {
		defer close(events)

		terminal := false
		emit := func(ev Event) bool {
			if ev.Type == EventComplete || ev.Type == EventError {
				terminal = true
			}
			select {
			case events <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), 10*1024*1024)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			for _, ev := range parseCLILine(line) {
				if !emit(ev) {
					cmd.Wait()
					return
				}
			}
		}

		err := cmd.Wait()
		s.mu.Lock()
		s.cmd = nil
		s.mu.Unlock()

		if terminal {
			return
		}
		switch {
		case ctx.Err() != nil:
			// Cancelled; the caller already knows.
		case err != nil:
			msg := strings.TrimSpace(stderr.String())
			if msg == "" {
				msg = err.Error()
			}
			slog.Error("cli task failed", "session_id", s.ID(), "error", msg)
			emit(Event{Type: EventError, Message: msg})
		default:
			emit(Event{Type: EventComplete})
		}
	}()
	return events, nil
}

// Kill terminates the running task process, if any.
func (s *SubprocessSession) Kill() {
	s.mu.Lock()
	cmd := s.cmd
	s.mu.Unlock()
	if cmd != nil && cmd.Process != nil {
		cmd.Process.Kill()
	}
}

// Wire shapes of `claude --output-format stream-json` lines.
type cliLine struct {
	Type      string          `json:"type"`
	Subtype   string          `json:"subtype"`
	SessionID string          `json:"session_id"`
	IsError   bool            `json:"is_error"`
	Result    string          `json:"result"`
	Message   *cliMessage     `json:"message"`
	Event     json.RawMessage `json:"event"`
}

type cliMessage struct {
	Content []cliBlock `json:"content"`
}

type cliBlock struct {
	Type     string          `json:"type"`
	Text     string          `json:"text"`
	Thinking string          `json:"thinking"`
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Input    json.RawMessage `json:"input"`
	Content  json.RawMessage `json:"content"`
}

type partialEvent struct {
	Type         string    `json:"type"`
	ContentBlock *cliBlock `json:"content_block"`
	Delta        *struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		Thinking    string `json:"thinking"`
		PartialJSON string `json:"partial_json"`
	} `json:"delta"`
}

// parseCLILine maps one stream-json line to session events. Unknown lines
// parse to nothing.
func parseCLILine(line []byte) []Event {
	var l cliLine
	if err := json.Unmarshal(line, &l); err != nil {
		return nil
	}

	switch l.Type {
	case "system":
		if l.Subtype == "init" && l.SessionID != "" {
			return []Event{{Type: EventSessionInfo, SessionID: l.SessionID}}
		}
	case "stream_event":
		return parsePartialEvent(l.Event)
	case "assistant":
		return parseAssistantMessage(l.Message)
	case "user":
		return parseToolResults(l.Message)
	case "result":
		if l.IsError {
			msg := strings.TrimSpace(l.Result)
			if msg == "" {
				msg = "Task failed"
			}
			return []Event{{Type: EventError, Message: msg}}
		}
		return []Event{{Type: EventComplete, SessionID: l.SessionID}}
	}
	return nil
}

func parsePartialEvent(raw json.RawMessage) []Event {
	if len(raw) == 0 {
		return nil
	}
	var ev partialEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil
	}

	switch ev.Type {
	case "content_block_start":
		if ev.ContentBlock == nil {
			return nil
		}
		switch ev.ContentBlock.Type {
		case "thinking":
			return []Event{{Type: EventThinkingStart}}
		case "text":
			return []Event{{Type: EventTextStart}}
		case "tool_use":
			return []Event{{Type: EventToolUseStart, ID: ev.ContentBlock.ID, Name: ev.ContentBlock.Name}}
		}
	case "content_block_delta":
		if ev.Delta == nil {
			return nil
		}
		switch ev.Delta.Type {
		case "thinking_delta":
			return []Event{{Type: EventThinkingDelta, Text: ev.Delta.Thinking}}
		case "text_delta":
			return []Event{{Type: EventTextDelta, Text: ev.Delta.Text}}
		case "input_json_delta":
			return []Event{{Type: EventToolUseDelta, Text: ev.Delta.PartialJSON}}
		}
	case "content_block_stop":
		return []Event{{Type: EventBlockStop}}
	}
	return nil
}

// parseAssistantMessage emits complete blocks. Text and thinking arrive as
// chunk events that replace whatever the partial deltas accumulated.
func parseAssistantMessage(msg *cliMessage) []Event {
	if msg == nil {
		return nil
	}
	var out []Event
	for _, block := range msg.Content {
		switch block.Type {
		case "thinking":
			out = append(out, Event{Type: EventThinkingChunk, Text: block.Thinking})
		case "text":
			out = append(out, Event{Type: EventTextChunk, Text: block.Text})
		case "tool_use":
			out = append(out, Event{Type: EventToolUse, ID: block.ID, Name: block.Name, Input: block.Input})
		}
	}
	return out
}

func parseToolResults(msg *cliMessage) []Event {
	if msg == nil {
		return nil
	}
	var out []Event
	for _, block := range msg.Content {
		if block.Type != "tool_result" {
			continue
		}
		out = append(out, Event{Type: EventToolResult, Content: flattenResultContent(block.Content)})
	}
	return out
}

// flattenResultContent reduces a tool_result content field (string or block
// list) to plain text.
func flattenResultContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []cliBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var parts []string
		for _, b := range blocks {
			if b.Type == "text" && b.Text != "" {
				parts = append(parts, b.Text)
			}
		}
		return strings.Join(parts, "\n")
	}
	return string(raw)
}
