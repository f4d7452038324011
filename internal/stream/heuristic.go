package stream

import (
	"log/slog"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Some OpenAI-compatible backends occasionally leak internal sentinel tokens
// into delta content (e.g. "<|tool_call_end|>"). These must never reach end
// users and they can disrupt downstream parsing if left in place.
var controlTokenRe = regexp.MustCompile(`<\|[^|>]{1,80}\|>`)

const (
	controlTokenStart = "<|"
	controlTokenEnd   = "|>"

	toolTrigger = "●"
)

type parserState int

const (
	stateText parserState = iota
	stateMatchingFunction
	stateParsingParameters
)

// ToolCall is a detected textual tool invocation in Anthropic tool_use shape.
type ToolCall struct {
	ID    string
	Name  string
	Input map[string]string
}

// HeuristicToolParser detects raw text tool calls in the format
//
//	● <function=Name><parameter=key>value</parameter>...
//
// Used as a fallback for models that emit tool calls as text instead of
// through the structured API.
type HeuristicToolParser struct {
	state  parserState
	buffer string

	currentID     string
	currentName   string
	currentParams map[string]string
}

var (
	funcStartRe    = regexp.MustCompile(`●\s*<function=([^>]+)>`)
	paramRe        = regexp.MustCompile(`(?s)<parameter=([^>]+)>(.*?)(?:</parameter>|$)`)
	partialParamRe = regexp.MustCompile(`(?s)<parameter=([^>]+)>(.*)$`)
)

// NewHeuristicToolParser returns a parser in the text state.
func NewHeuristicToolParser() *HeuristicToolParser {
	return &HeuristicToolParser{}
}

func stripControlTokens(text string) string {
	return controlTokenRe.ReplaceAllString(text, "")
}

// splitIncompleteControlTokenTail keeps a trailing incomplete "<|...|>"
// fragment in the buffer and returns the safe-to-emit prefix. Prevents
// leaking raw sentinel fragments to the user while streaming.
func (p *HeuristicToolParser) splitIncompleteControlTokenTail() string {
	start := strings.LastIndex(p.buffer, controlTokenStart)
	if start == -1 {
		return ""
	}
	if strings.Contains(p.buffer[start:], controlTokenEnd) {
		return ""
	}
	prefix := p.buffer[:start]
	p.buffer = p.buffer[start:]
	return prefix
}

// Feed consumes a content chunk and returns the text that should pass through
// as normal message content plus any completed tool calls.
func (p *HeuristicToolParser) Feed(text string) (string, []ToolCall) {
	p.buffer += text
	p.buffer = stripControlTokens(p.buffer)

	var detected []ToolCall
	var filtered strings.Builder

	for {
		if p.state == stateText {
			if idx := strings.Index(p.buffer, toolTrigger); idx >= 0 {
				filtered.WriteString(p.buffer[:idx])
				p.buffer = p.buffer[idx:]
				p.state = stateMatchingFunction
			} else {
				if prefix := p.splitIncompleteControlTokenTail(); prefix != "" {
					filtered.WriteString(prefix)
					break
				}
				filtered.WriteString(p.buffer)
				p.buffer = ""
				break
			}
		}

		if p.state == stateMatchingFunction {
			if loc := funcStartRe.FindStringSubmatchIndex(p.buffer); loc != nil {
				p.currentName = strings.TrimSpace(p.buffer[loc[2]:loc[3]])
				p.currentID = "toolu_heuristic_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
				p.currentParams = map[string]string{}
				p.buffer = p.buffer[loc[1]:]
				p.state = stateParsingParameters
				slog.Debug("heuristic bypass: detected start of tool call", "name", p.currentName)
			} else if utf8.RuneCountInString(p.buffer) > 100 {
				// Trigger seen but no function tag followed. Probably not a
				// tool call, release the trigger rune and fall back to text.
				_, size := utf8.DecodeRuneInString(p.buffer)
				filtered.WriteString(p.buffer[:size])
				p.buffer = p.buffer[size:]
				p.state = stateText
				continue
			} else {
				break
			}
		}

		if p.state == stateParsingParameters {
			for {
				loc := paramRe.FindStringSubmatchIndex(p.buffer)
				if loc == nil || !strings.Contains(p.buffer[loc[0]:loc[1]], "</parameter>") {
					break
				}
				if pre := p.buffer[:loc[0]]; pre != "" {
					filtered.WriteString(pre)
				}
				key := strings.TrimSpace(p.buffer[loc[2]:loc[3]])
				val := strings.TrimSpace(p.buffer[loc[4]:loc[5]])
				p.currentParams[key] = val
				p.buffer = p.buffer[loc[1]:]
			}

			finished := false
			if idx := strings.Index(p.buffer, toolTrigger); idx >= 0 {
				// Next tool call starting, close the current one. Preserve
				// any text before the trigger.
				if idx > 0 {
					filtered.WriteString(p.buffer[:idx])
					p.buffer = p.buffer[idx:]
				}
				finished = true
			} else if p.buffer != "" && !strings.HasPrefix(strings.TrimSpace(p.buffer), "<") {
				if !strings.Contains(p.buffer, "<parameter=") {
					// Plain text after the parameters means the call is over.
					filtered.WriteString(p.buffer)
					p.buffer = ""
					finished = true
				}
			}

			if finished {
				detected = append(detected, ToolCall{
					ID:    p.currentID,
					Name:  p.currentName,
					Input: p.currentParams,
				})
				slog.Debug("heuristic bypass: emitting tool call",
					"name", p.currentName, "params", len(p.currentParams))
				p.state = stateText
				// Loop again over the remaining buffer, which is empty or
				// starts with the trigger.
			} else {
				break
			}
		}
	}

	return filtered.String(), detected
}

// Flush closes a tool call still being parsed, extracting parameters that
// never saw their closing tag.
func (p *HeuristicToolParser) Flush() []ToolCall {
	p.buffer = stripControlTokens(p.buffer)
	if p.state != stateParsingParameters {
		return nil
	}
	if m := partialParamRe.FindStringSubmatch(p.buffer); m != nil {
		p.currentParams[strings.TrimSpace(m[1])] = strings.TrimSpace(m[2])
	}
	call := ToolCall{ID: p.currentID, Name: p.currentName, Input: p.currentParams}
	p.state = stateText
	p.buffer = ""
	return []ToolCall{call}
}
