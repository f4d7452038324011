package stream

import (
	"reflect"
	"testing"
)

func collect(p *ThinkTagParser, chunks []string) []Segment {
	var out []Segment
	for _, c := range chunks {
		out = append(out, p.Feed(c)...)
	}
	return append(out, p.Flush()...)
}

func joinKind(segs []Segment, kind SegmentKind) string {
	var s string
	for _, seg := range segs {
		if seg.Kind == kind {
			s += seg.Text
		}
	}
	return s
}

func TestThinkTagParser(t *testing.T) {
	tests := []struct {
		name         string
		chunks       []string
		wantThinking string
		wantText     string
	}{
		{
			name:         "plain text",
			chunks:       []string{"hello ", "world"},
			wantThinking: "",
			wantText:     "hello world",
		},
		{
			name:         "single think region",
			chunks:       []string{"<think>pondering</think>answer"},
			wantThinking: "pondering",
			wantText:     "answer",
		},
		{
			name:         "tag split across chunks",
			chunks:       []string{"before<th", "ink>inside</th", "ink>after"},
			wantThinking: "inside",
			wantText:     "beforeafter",
		},
		{
			name:         "unclosed think flushes as thinking",
			chunks:       []string{"<think>never closed"},
			wantThinking: "never closed",
			wantText:     "",
		},
		{
			name:         "lone angle bracket flushes as text",
			chunks:       []string{"a < b"},
			wantThinking: "",
			wantText:     "a < b",
		},
		{
			name:         "partial open tag that never resolves",
			chunks:       []string{"x<thi"},
			wantThinking: "",
			wantText:     "x<thi",
		},
		{
			name:         "multiple regions",
			chunks:       []string{"<think>a</think>b<think>c</think>d"},
			wantThinking: "ac",
			wantText:     "bd",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			segs := collect(&ThinkTagParser{}, tt.chunks)
			if got := joinKind(segs, SegmentThinking); got != tt.wantThinking {
				t.Errorf("thinking = %q, want %q", got, tt.wantThinking)
			}
			if got := joinKind(segs, SegmentText); got != tt.wantText {
				t.Errorf("text = %q, want %q", got, tt.wantText)
			}
		})
	}
}

func TestThinkTagParserNeverLeaksSplitTag(t *testing.T) {
	p := &ThinkTagParser{}
	segs := p.Feed("abc<th")
	if !reflect.DeepEqual(segs, []Segment{{Kind: SegmentText, Text: "abc"}}) {
		t.Fatalf("partial tag leaked: %#v", segs)
	}
	segs = p.Feed("ink>hidden")
	if !reflect.DeepEqual(segs, []Segment{{Kind: SegmentThinking, Text: "hidden"}}) {
		t.Fatalf("expected thinking after tag completes, got %#v", segs)
	}
}
