package stream

import "strings"

const (
	thinkOpen  = "<think>"
	thinkClose = "</think>"
)

// SegmentKind classifies a fragment of model output.
type SegmentKind int

const (
	SegmentText SegmentKind = iota
	SegmentThinking
)

// Segment is a classified fragment of streamed content, in encounter order.
type Segment struct {
	Kind SegmentKind
	Text string
}

// ThinkTagParser splits an inline character stream into thinking and text
// regions using <think>...</think> sentinels. A sentinel split across chunk
// boundaries is held until disambiguated.
type ThinkTagParser struct {
	inThinking bool
	buf        string
}

// Feed consumes a chunk and returns the fragments that can be classified so
// far. A trailing partial sentinel stays buffered.
func (p *ThinkTagParser) Feed(chunk string) []Segment {
	p.buf += chunk
	var out []Segment

	for {
		tag := thinkOpen
		kind := SegmentText
		if p.inThinking {
			tag = thinkClose
			kind = SegmentThinking
		}

		idx := strings.Index(p.buf, tag)
		if idx >= 0 {
			if idx > 0 {
				out = append(out, Segment{Kind: kind, Text: p.buf[:idx]})
			}
			p.buf = p.buf[idx+len(tag):]
			p.inThinking = !p.inThinking
			continue
		}

		held := partialSuffixLen(p.buf, tag)
		if emit := p.buf[:len(p.buf)-held]; emit != "" {
			out = append(out, Segment{Kind: kind, Text: emit})
		}
		p.buf = p.buf[len(p.buf)-held:]
		return out
	}
}

// Flush emits whatever is still buffered. A partial sentinel that never
// resolved is flushed as content of the current region.
func (p *ThinkTagParser) Flush() []Segment {
	if p.buf == "" {
		return nil
	}
	kind := SegmentText
	if p.inThinking {
		kind = SegmentThinking
	}
	seg := Segment{Kind: kind, Text: p.buf}
	p.buf = ""
	return []Segment{seg}
}

// partialSuffixLen returns the length of the longest proper prefix of tag
// that is a suffix of s.
func partialSuffixLen(s, tag string) int {
	max := len(tag) - 1
	if max > len(s) {
		max = len(s)
	}
	for n := max; n > 0; n-- {
		if strings.HasSuffix(s, tag[:n]) {
			return n
		}
	}
	return 0
}
