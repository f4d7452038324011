package messaging

import (
	"strings"
	"sync"

	"github.com/Alishahryar1/free-claude-code/internal/cli"
)

type blockKind int

const (
	blockThinking blockKind = iota
	blockText
	blockTool
	blockToolResult
	blockError
)

type transcriptBlock struct {
	kind     blockKind
	text     string
	toolName string
	closed   bool
}

// TranscriptBuffer accumulates task events into renderable blocks. Delta
// events append; chunk events carry the full block text and replace whatever
// the deltas built up.
type TranscriptBuffer struct {
	mu              sync.Mutex
	blocks          []*transcriptBlock
	showToolResults bool
}

func NewTranscriptBuffer(showToolResults bool) *TranscriptBuffer {
	return &TranscriptBuffer{showToolResults: showToolResults}
}

// Apply folds one event into the transcript. Unknown types are ignored.
func (t *TranscriptBuffer) Apply(ev cli.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch ev.Type {
	case cli.EventThinkingStart:
		t.open(blockThinking)
	case cli.EventThinkingDelta:
		t.current(blockThinking).text += ev.Text
	case cli.EventThinkingChunk:
		t.current(blockThinking).text = ev.Text
	case cli.EventThinkingStop:
		t.closeCurrent()

	case cli.EventTextStart:
		t.open(blockText)
	case cli.EventTextDelta:
		t.current(blockText).text += ev.Text
	case cli.EventTextChunk:
		t.current(blockText).text = ev.Text
	case cli.EventTextStop:
		t.closeCurrent()

	case cli.EventToolUseStart:
		b := t.open(blockTool)
		b.toolName = ev.Name
	case cli.EventToolUseDelta:
		// Tool arguments are not rendered; the block only shows the name.
	case cli.EventToolUse:
		b := t.current(blockTool)
		if ev.Name != "" {
			b.toolName = ev.Name
		}
		b.closed = true
	case cli.EventToolUseStop, cli.EventBlockStop:
		t.closeCurrent()

	case cli.EventToolResult:
		if t.showToolResults {
			t.blocks = append(t.blocks, &transcriptBlock{
				kind: blockToolResult, text: ev.Content, closed: true,
			})
		}

	case cli.EventError:
		msg := ev.Message
		if msg == "" {
			msg = "Unknown error"
		}
		t.blocks = append(t.blocks, &transcriptBlock{
			kind: blockError, text: msg, closed: true,
		})
	}
}

// open starts a new block of the given kind and makes it current.
func (t *TranscriptBuffer) open(kind blockKind) *transcriptBlock {
	b := &transcriptBlock{kind: kind}
	t.blocks = append(t.blocks, b)
	return b
}

// current returns the last open block of the kind, opening one if needed.
func (t *TranscriptBuffer) current(kind blockKind) *transcriptBlock {
	if n := len(t.blocks); n > 0 {
		last := t.blocks[n-1]
		if last.kind == kind && !last.closed {
			return last
		}
	}
	return t.open(kind)
}

func (t *TranscriptBuffer) closeCurrent() {
	if n := len(t.blocks); n > 0 {
		t.blocks[n-1].closed = true
	}
}

// Empty reports whether nothing has been accumulated.
func (t *TranscriptBuffer) Empty() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.blocks) == 0
}

// Render produces the display text: transcript blocks, newest-tail truncated
// to limitChars, with the status line at the bottom.
func (t *TranscriptBuffer) Render(ctx RenderCtx, limitChars int, status string) string {
	t.mu.Lock()
	var parts []string
	for _, b := range t.blocks {
		text := strings.TrimSpace(b.text)
		switch b.kind {
		case blockThinking:
			if text != "" {
				parts = append(parts, "💭 "+ctx.EscapeText(text))
			}
		case blockText:
			if text != "" {
				parts = append(parts, ctx.RenderMarkdown(text))
			}
		case blockTool:
			name := b.toolName
			if name == "" {
				name = "tool"
			}
			parts = append(parts, "🔧 "+ctx.CodeInline(name))
		case blockToolResult:
			if text != "" {
				parts = append(parts, ctx.CodeInline(text))
			}
		case blockError:
			parts = append(parts, "❌ "+ctx.EscapeText(text))
		}
	}
	t.mu.Unlock()

	body := strings.Join(parts, "\n\n")
	if status != "" {
		budget := limitChars - len(status) - 2
		if budget < 0 {
			budget = 0
		}
		body = TailTruncate(body, budget)
		if body == "" {
			return status
		}
		return body + "\n\n" + status
	}
	return TailTruncate(body, limitChars)
}
