// Package token estimates token counts for converted request payloads and
// streamed output. Uses the cl100k_base BPE encoding when available and a
// chars/4 approximation otherwise.
package token

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

var (
	encOnce sync.Once
	enc     tokenizer.Codec
)

func encoder() tokenizer.Codec {
	encOnce.Do(func() {
		c, err := tokenizer.Get(tokenizer.Cl100kBase)
		if err != nil {
			slog.Warn("cl100k_base tokenizer unavailable, falling back to chars/4", "error", err)
			return
		}
		enc = c
	})
	return enc
}

// Approximate reports whether counts come from the chars/4 fallback rather
// than the real encoding.
func Approximate() bool {
	return encoder() == nil
}

// Count returns the token count of s.
func Count(s string) int {
	if s == "" {
		return 0
	}
	if c := encoder(); c != nil {
		ids, _, err := c.Encode(s)
		if err == nil {
			return len(ids)
		}
	}
	return len(s) / 4
}

// CountJSON serializes v and counts the result. Used for tool schemas and
// other structured payload fragments.
func CountJSON(v any) int {
	data, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return Count(string(data))
}
