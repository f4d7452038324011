// Package anthropic defines the wire types of the Anthropic Messages API
// surface this gateway exposes.
package anthropic

import (
	"encoding/json"
	"fmt"
)

// Content block type discriminators.
const (
	BlockText       = "text"
	BlockImage      = "image"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
	BlockThinking   = "thinking"
)

// ContentBlock is the discriminated union of Anthropic content block
// variants. Exactly the fields for the active Type are populated.
type ContentBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// image
	Source map[string]any `json:"source,omitempty"`

	// tool_use
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// tool_result. Content may be a string, a block list or any JSON value.
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`

	// thinking
	Thinking string `json:"thinking,omitempty"`
}

// UnmarshalJSON validates the discriminator. Validated inputs reject unknown
// block types; streamed upstream content is parsed elsewhere and tolerates
// them.
func (b *ContentBlock) UnmarshalJSON(data []byte) error {
	type alias ContentBlock
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	switch a.Type {
	case BlockText, BlockImage, BlockToolUse, BlockToolResult, BlockThinking:
	default:
		return fmt.Errorf("unknown content block type %q", a.Type)
	}
	*b = ContentBlock(a)
	return nil
}

// MessageContent is either a plain string or a list of content blocks.
type MessageContent struct {
	Text   string
	Blocks []ContentBlock
	IsText bool
}

func (c *MessageContent) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		c.IsText = true
		return json.Unmarshal(data, &c.Text)
	}
	c.IsText = false
	return json.Unmarshal(data, &c.Blocks)
}

func (c MessageContent) MarshalJSON() ([]byte, error) {
	if c.IsText {
		return json.Marshal(c.Text)
	}
	return json.Marshal(c.Blocks)
}

// Message is one conversation turn.
type Message struct {
	Role    string         `json:"role"`
	Content MessageContent `json:"content"`
}

// SystemContent is either a plain string or a list of text blocks.
type SystemContent struct {
	Text   string
	Blocks []ContentBlock
	IsText bool
}

func (s *SystemContent) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		s.IsText = true
		return json.Unmarshal(data, &s.Text)
	}
	s.IsText = false
	return json.Unmarshal(data, &s.Blocks)
}

func (s SystemContent) MarshalJSON() ([]byte, error) {
	if s.IsText {
		return json.Marshal(s.Text)
	}
	return json.Marshal(s.Blocks)
}

// Joined flattens system content to a single string.
func (s *SystemContent) Joined() string {
	if s == nil {
		return ""
	}
	if s.IsText {
		return s.Text
	}
	var out string
	for _, b := range s.Blocks {
		if b.Type == BlockText {
			if out != "" {
				out += "\n"
			}
			out += b.Text
		}
	}
	return out
}

// Tool declares a callable tool with its JSON schema.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema"`
}

// ThinkingConfig enables extended reasoning.
type ThinkingConfig struct {
	Enabled bool `json:"enabled"`
}

func (t *ThinkingConfig) UnmarshalJSON(data []byte) error {
	// Anthropic clients send {"type":"enabled","budget_tokens":N}; older
	// ones send {"enabled":true}. Accept both.
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if v, ok := raw["enabled"].(bool); ok {
		t.Enabled = v
		return nil
	}
	if v, ok := raw["type"].(string); ok {
		t.Enabled = v == "enabled"
		return nil
	}
	t.Enabled = true
	return nil
}

// MessagesRequest is the body of POST /v1/messages.
type MessagesRequest struct {
	Model         string          `json:"model"`
	MaxTokens     int             `json:"max_tokens,omitempty"`
	Messages      []Message       `json:"messages"`
	System        *SystemContent  `json:"system,omitempty"`
	StopSequences []string        `json:"stop_sequences,omitempty"`
	Stream        *bool           `json:"stream,omitempty"`
	Temperature   *float64        `json:"temperature,omitempty"`
	TopP          *float64        `json:"top_p,omitempty"`
	TopK          *int            `json:"top_k,omitempty"`
	Metadata      map[string]any  `json:"metadata,omitempty"`
	Tools         []Tool          `json:"tools,omitempty"`
	ToolChoice    map[string]any  `json:"tool_choice,omitempty"`
	Thinking      *ThinkingConfig `json:"thinking,omitempty"`
	ExtraBody     map[string]any  `json:"extra_body,omitempty"`

	// OriginalModel preserves the client's model string before mapping.
	OriginalModel string `json:"original_model,omitempty"`
}

// WantsStream reports whether the client asked for SSE. Defaults to true,
// matching client behavior of the CLI this gateway serves.
func (r *MessagesRequest) WantsStream() bool {
	return r.Stream == nil || *r.Stream
}

// TokenCountRequest is the body of POST /v1/messages/count_tokens.
type TokenCountRequest struct {
	Model      string          `json:"model"`
	Messages   []Message       `json:"messages"`
	System     *SystemContent  `json:"system,omitempty"`
	Tools      []Tool          `json:"tools,omitempty"`
	Thinking   *ThinkingConfig `json:"thinking,omitempty"`
	ToolChoice map[string]any  `json:"tool_choice,omitempty"`
}

// TokenCountResponse is the count_tokens reply.
type TokenCountResponse struct {
	InputTokens int `json:"input_tokens"`
}

// Usage reports token accounting on a response.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// MessageResponse is the non-streaming reply shape of POST /v1/messages.
type MessageResponse struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Role         string         `json:"role"`
	Content      []ContentBlock `json:"content"`
	Model        string         `json:"model"`
	StopReason   string         `json:"stop_reason"`
	StopSequence *string        `json:"stop_sequence"`
	Usage        Usage          `json:"usage"`
}

// ErrorResponse is the Anthropic-shaped error envelope.
type ErrorResponse struct {
	Type  string      `json:"type"`
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries the error kind and human-readable message.
type ErrorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// NewErrorResponse builds the standard error envelope.
func NewErrorResponse(errType, message string) ErrorResponse {
	return ErrorResponse{Type: "error", Error: ErrorDetail{Type: errType, Message: message}}
}
