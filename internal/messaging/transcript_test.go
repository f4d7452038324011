package messaging

import (
	"strings"
	"testing"

	"github.com/Alishahryar1/free-claude-code/internal/cli"
)

func TestTranscriptDeltasThenChunkReplace(t *testing.T) {
	tb := NewTranscriptBuffer(false)
	tb.Apply(cli.Event{Type: cli.EventTextStart})
	tb.Apply(cli.Event{Type: cli.EventTextDelta, Text: "Hel"})
	tb.Apply(cli.Event{Type: cli.EventTextDelta, Text: "lo"})
	// The full-message chunk repeats what the deltas built up.
	tb.Apply(cli.Event{Type: cli.EventTextChunk, Text: "Hello"})

	got := tb.Render(NewRenderCtx("discord"), 0, "")
	if got != "Hello" {
		t.Errorf("got %q, want Hello", got)
	}
}

func TestTranscriptSeparateBlocks(t *testing.T) {
	tb := NewTranscriptBuffer(false)
	tb.Apply(cli.Event{Type: cli.EventThinkingStart})
	tb.Apply(cli.Event{Type: cli.EventThinkingDelta, Text: "hmm"})
	tb.Apply(cli.Event{Type: cli.EventBlockStop})
	tb.Apply(cli.Event{Type: cli.EventTextStart})
	tb.Apply(cli.Event{Type: cli.EventTextDelta, Text: "answer"})

	got := tb.Render(NewRenderCtx("discord"), 0, "")
	want := "💭 hmm\n\nanswer"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestTranscriptClosedBlockNotReopened(t *testing.T) {
	tb := NewTranscriptBuffer(false)
	tb.Apply(cli.Event{Type: cli.EventTextDelta, Text: "first"})
	tb.Apply(cli.Event{Type: cli.EventTextStop})
	tb.Apply(cli.Event{Type: cli.EventTextDelta, Text: "second"})

	got := tb.Render(NewRenderCtx("discord"), 0, "")
	if got != "first\n\nsecond" {
		t.Errorf("got %q", got)
	}
}

func TestTranscriptToolBlock(t *testing.T) {
	tb := NewTranscriptBuffer(false)
	tb.Apply(cli.Event{Type: cli.EventToolUseStart, Name: "Bash", ID: "t1"})
	tb.Apply(cli.Event{Type: cli.EventToolUseDelta, Text: `{"command":`})
	tb.Apply(cli.Event{Type: cli.EventToolUse, Name: "Bash", ID: "t1"})

	got := tb.Render(NewRenderCtx("discord"), 0, "")
	if got != "🔧 `Bash`" {
		t.Errorf("got %q", got)
	}
}

func TestTranscriptToolResultsHiddenByDefault(t *testing.T) {
	tb := NewTranscriptBuffer(false)
	tb.Apply(cli.Event{Type: cli.EventToolResult, Content: "ok"})
	if !tb.Empty() {
		t.Error("tool result recorded with showToolResults off")
	}

	shown := NewTranscriptBuffer(true)
	shown.Apply(cli.Event{Type: cli.EventToolResult, Content: "ok"})
	got := shown.Render(NewRenderCtx("discord"), 0, "")
	if got != "`ok`" {
		t.Errorf("got %q", got)
	}
}

func TestTranscriptErrorDefaultMessage(t *testing.T) {
	tb := NewTranscriptBuffer(false)
	tb.Apply(cli.Event{Type: cli.EventError})
	got := tb.Render(NewRenderCtx("discord"), 0, "")
	if got != "❌ Unknown error" {
		t.Errorf("got %q", got)
	}
}

func TestTranscriptRenderStatusAtBottom(t *testing.T) {
	tb := NewTranscriptBuffer(false)
	tb.Apply(cli.Event{Type: cli.EventTextChunk, Text: "body"})
	got := tb.Render(NewRenderCtx("discord"), 100, "✅ done")
	if got != "body\n\n✅ done" {
		t.Errorf("got %q", got)
	}
}

func TestTranscriptRenderTruncatesBodyNotStatus(t *testing.T) {
	tb := NewTranscriptBuffer(false)
	tb.Apply(cli.Event{Type: cli.EventTextChunk, Text: strings.Repeat("x", 200) + "TAIL"})
	status := "✅ done"
	got := tb.Render(NewRenderCtx("discord"), 50, status)
	if !strings.HasSuffix(got, "\n\n"+status) {
		t.Fatalf("status not at bottom: %q", got)
	}
	body := strings.TrimSuffix(got, "\n\n"+status)
	if !strings.HasSuffix(body, "TAIL") {
		t.Errorf("body tail lost: %q", body)
	}
	if len(body) > 50 {
		t.Errorf("body over budget: %d chars", len(body))
	}
}

func TestTranscriptRenderOnlyStatusWhenEmpty(t *testing.T) {
	tb := NewTranscriptBuffer(false)
	got := tb.Render(NewRenderCtx("discord"), 100, "⏳ starting")
	if got != "⏳ starting" {
		t.Errorf("got %q", got)
	}
}
