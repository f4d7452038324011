package providers

import (
	"log/slog"

	"github.com/Alishahryar1/free-claude-code/internal/anthropic"
)

// NimTuning holds the NVIDIA NIM sampling and template knobs. Zero values
// for fields with a documented ignore value (TopK -1, MinP 0, penalties,
// MinTokens 0) mean "leave unset".
type NimTuning struct {
	MaxTokens         int
	Temperature       *float64
	TopP              *float64
	TopK              int
	MinP              float64
	RepetitionPenalty float64
	MinTokens         int
	PresencePenalty   float64
	FrequencyPenalty  float64
	Seed              *int
	Stop              []string
	ParallelToolCalls bool

	ChatTemplate           string
	RequestID              string
	ReturnTokensAsTokenIDs *bool
	IncludeStopStrInOutput *bool
	IgnoreEOS              *bool
	ReasoningEffort        string
	IncludeReasoning       *bool
}

// setExtra writes a value into extra_body unless the key is already present
// (request extra_body wins) or the value matches its ignore sentinel.
func setExtra(extra map[string]any, key string, value any) {
	if _, exists := extra[key]; exists {
		return
	}
	if value == nil {
		return
	}
	extra[key] = value
}

// BuildNIMRequestBody builds the NIM request. NIM speaks OpenAI plus an
// extra_body block for reasoning and sampling extensions.
func BuildNIMRequestBody(req *anthropic.MessagesRequest, nim NimTuning) map[string]any {
	slog.Debug("NIM_REQUEST: conversion start", "model", req.Model, "msgs", len(req.Messages))
	body := BuildBaseRequestBody(req, 0)

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = nim.MaxTokens
	} else if nim.MaxTokens > 0 && maxTokens > nim.MaxTokens {
		maxTokens = nim.MaxTokens
	}
	if maxTokens > 0 {
		body["max_tokens"] = maxTokens
	}

	if _, ok := body["temperature"]; !ok && nim.Temperature != nil {
		body["temperature"] = *nim.Temperature
	}
	if _, ok := body["top_p"]; !ok && nim.TopP != nil {
		body["top_p"] = *nim.TopP
	}
	if _, ok := body["stop"]; !ok && len(nim.Stop) > 0 {
		body["stop"] = nim.Stop
	}
	if nim.PresencePenalty != 0 {
		body["presence_penalty"] = nim.PresencePenalty
	}
	if nim.FrequencyPenalty != 0 {
		body["frequency_penalty"] = nim.FrequencyPenalty
	}
	if nim.Seed != nil {
		body["seed"] = *nim.Seed
	}
	body["parallel_tool_calls"] = nim.ParallelToolCalls

	extra := map[string]any{}
	for k, v := range req.ExtraBody {
		extra[k] = v
	}

	if _, ok := extra["thinking"]; !ok {
		extra["thinking"] = map[string]any{"type": "enabled"}
	}
	if _, ok := extra["reasoning_split"]; !ok {
		extra["reasoning_split"] = true
	}
	if _, ok := extra["chat_template_kwargs"]; !ok {
		extra["chat_template_kwargs"] = map[string]any{
			"thinking":        true,
			"enable_thinking": true,
			"reasoning_split": true,
			"clear_thinking":  false,
		}
	}

	topK := nim.TopK
	if req.TopK != nil {
		topK = *req.TopK
	}
	if topK != -1 && topK != 0 {
		setExtra(extra, "top_k", topK)
	}
	if nim.MinP != 0 {
		setExtra(extra, "min_p", nim.MinP)
	}
	if nim.RepetitionPenalty != 0 && nim.RepetitionPenalty != 1.0 {
		setExtra(extra, "repetition_penalty", nim.RepetitionPenalty)
	}
	if nim.MinTokens != 0 {
		setExtra(extra, "min_tokens", nim.MinTokens)
	}
	if nim.ChatTemplate != "" {
		setExtra(extra, "chat_template", nim.ChatTemplate)
	}
	if nim.RequestID != "" {
		setExtra(extra, "request_id", nim.RequestID)
	}
	if nim.ReturnTokensAsTokenIDs != nil {
		setExtra(extra, "return_tokens_as_token_ids", *nim.ReturnTokensAsTokenIDs)
	}
	if nim.IncludeStopStrInOutput != nil {
		setExtra(extra, "include_stop_str_in_output", *nim.IncludeStopStrInOutput)
	}
	if nim.IgnoreEOS != nil {
		setExtra(extra, "ignore_eos", *nim.IgnoreEOS)
	}
	if nim.ReasoningEffort != "" {
		setExtra(extra, "reasoning_effort", nim.ReasoningEffort)
	}
	if nim.IncludeReasoning != nil {
		setExtra(extra, "include_reasoning", *nim.IncludeReasoning)
	}

	if len(extra) > 0 {
		body["extra_body"] = extra
	}

	slog.Debug("NIM_REQUEST: conversion done", "model", body["model"], "msgs", len(req.Messages))
	return body
}

// OPENROUTER_DEFAULT_MAX_TOKENS and LMSTUDIO_DEFAULT_MAX_TOKENS apply when a
// request does not set max_tokens for those backends.
const (
	openRouterDefaultMaxTokens = 81920
	lmStudioDefaultMaxTokens   = 81920
)

// BuildOpenRouterRequestBody builds an OpenRouter request using standard
// OpenAI params only, plus the reasoning toggle when thinking is enabled.
func BuildOpenRouterRequestBody(req *anthropic.MessagesRequest) map[string]any {
	slog.Debug("OPENROUTER_REQUEST: conversion start", "model", req.Model, "msgs", len(req.Messages))
	body := BuildBaseRequestBody(req, openRouterDefaultMaxTokens)

	extra := map[string]any{}
	for k, v := range req.ExtraBody {
		extra[k] = v
	}
	thinkingEnabled := req.Thinking == nil || req.Thinking.Enabled
	if thinkingEnabled {
		if _, ok := extra["reasoning"]; !ok {
			extra["reasoning"] = map[string]any{"enabled": true}
		}
	}
	if len(extra) > 0 {
		body["extra_body"] = extra
	}

	slog.Debug("OPENROUTER_REQUEST: conversion done", "model", body["model"], "msgs", len(req.Messages))
	return body
}

// BuildLMStudioRequestBody builds a plain OpenAI request with LM Studio's
// large default max_tokens, overridable per config.
func BuildLMStudioRequestBody(req *anthropic.MessagesRequest, defaultMaxTokens int) map[string]any {
	if defaultMaxTokens <= 0 {
		defaultMaxTokens = lmStudioDefaultMaxTokens
	}
	slog.Debug("LMSTUDIO_REQUEST: conversion start", "model", req.Model, "msgs", len(req.Messages))
	body := BuildBaseRequestBody(req, defaultMaxTokens)
	slog.Debug("LMSTUDIO_REQUEST: conversion done", "model", body["model"], "msgs", len(req.Messages))
	return body
}
