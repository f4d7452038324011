// Package messaging implements the chat front-end: tree-queued message
// handling, the live transcript, per-platform rendering and the
// /stop /stats /clear commands.
package messaging

import (
	"strings"

	"github.com/mattn/go-runewidth"
)

// Display limits per platform. Telegram rejects messages over 4096 chars and
// MarkdownV2 escaping inflates text, so both stay well under the hard caps.
const (
	discordLimitChars = 1900
	defaultLimitChars = 3900
)

// RenderCtx bundles the markdown flavor for one platform.
type RenderCtx struct {
	ParseMode  string
	LimitChars int

	Bold           func(string) string
	CodeInline     func(string) string
	EscapeText     func(string) string
	EscapeCode     func(string) string
	RenderMarkdown func(string) string
}

// NewRenderCtx selects the renderer by platform name: "discord" gets Discord
// markdown, everything else Telegram MarkdownV2.
func NewRenderCtx(platformName string) RenderCtx {
	if platformName == "discord" {
		return RenderCtx{
			ParseMode:      "",
			LimitChars:     discordLimitChars,
			Bold:           discordBold,
			CodeInline:     discordCodeInline,
			EscapeText:     escapeDiscord,
			EscapeCode:     escapeDiscordCode,
			RenderMarkdown: renderMarkdownToDiscord,
		}
	}
	return RenderCtx{
		ParseMode:      "MarkdownV2",
		LimitChars:     defaultLimitChars,
		Bold:           mdv2Bold,
		CodeInline:     mdv2CodeInline,
		EscapeText:     escapeMDV2,
		EscapeCode:     escapeMDV2Code,
		RenderMarkdown: renderMarkdownToMDV2,
	}
}

// FormatStatus renders a status line: emoji, bold label, optional suffix.
func (ctx RenderCtx) FormatStatus(emoji, label, suffix string) string {
	out := emoji + " " + ctx.Bold(ctx.EscapeText(label))
	if suffix != "" {
		out += " " + ctx.EscapeText(suffix)
	}
	return out
}

// TailTruncate keeps the trailing part of s so the newest output stays
// visible. Width-aware so wide runes count double.
func TailTruncate(s string, limit int) string {
	if limit <= 0 || runewidth.StringWidth(s) <= limit {
		return s
	}
	runes := []rune(s)
	width := 0
	for i := len(runes) - 1; i >= 0; i-- {
		width += runewidth.RuneWidth(runes[i])
		if width > limit {
			return string(runes[i+1:])
		}
	}
	return s
}

// Telegram MarkdownV2

const mdv2Special = `_*[]()~` + "`" + `>#+-=|{}.!\`

func escapeMDV2(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if strings.ContainsRune(mdv2Special, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// escapeMDV2Code escapes the only characters special inside code spans.
func escapeMDV2Code(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, "`", "\\`")
}

func mdv2Bold(s string) string       { return "*" + s + "*" }
func mdv2CodeInline(s string) string { return "`" + escapeMDV2Code(s) + "`" }

// renderMarkdownToMDV2 converts common markdown to MarkdownV2: fenced code
// blocks and inline code pass through with code escaping, **bold** becomes
// *bold*, everything else is escaped.
func renderMarkdownToMDV2(text string) string {
	var out strings.Builder
	lines := strings.Split(text, "\n")
	inFence := false
	for i, line := range lines {
		if i > 0 {
			out.WriteByte('\n')
		}
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			out.WriteString("```")
			if !inFence {
				out.WriteString(escapeMDV2Code(strings.TrimPrefix(trimmed, "```")))
			}
			inFence = !inFence
			continue
		}
		if inFence {
			out.WriteString(escapeMDV2Code(line))
			continue
		}
		out.WriteString(renderInlineMDV2(line))
	}
	if inFence {
		out.WriteString("\n```")
	}
	return out.String()
}

func renderInlineMDV2(line string) string {
	var out strings.Builder
	rest := line
	for {
		if idx := strings.Index(rest, "`"); idx >= 0 {
			if end := strings.Index(rest[idx+1:], "`"); end >= 0 {
				out.WriteString(renderBoldMDV2(rest[:idx]))
				out.WriteString(mdv2CodeInline(rest[idx+1 : idx+1+end]))
				rest = rest[idx+2+end:]
				continue
			}
		}
		out.WriteString(renderBoldMDV2(rest))
		return out.String()
	}
}

func renderBoldMDV2(s string) string {
	var out strings.Builder
	for {
		start := strings.Index(s, "**")
		if start < 0 {
			out.WriteString(escapeMDV2(s))
			return out.String()
		}
		end := strings.Index(s[start+2:], "**")
		if end < 0 {
			out.WriteString(escapeMDV2(s))
			return out.String()
		}
		out.WriteString(escapeMDV2(s[:start]))
		out.WriteString(mdv2Bold(escapeMDV2(s[start+2 : start+2+end])))
		s = s[start+4+end:]
	}
}

// Discord markdown

const discordSpecial = "*_~`|>"

func escapeDiscord(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if strings.ContainsRune(discordSpecial, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func escapeDiscordCode(s string) string {
	return strings.ReplaceAll(s, "`", "'")
}

func discordBold(s string) string       { return "**" + s + "**" }
func discordCodeInline(s string) string { return "`" + escapeDiscordCode(s) + "`" }

// Discord renders standard markdown natively.
func renderMarkdownToDiscord(text string) string { return text }
