package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Alishahryar1/free-claude-code/internal/anthropic"
	"github.com/Alishahryar1/free-claude-code/internal/stream"
	"github.com/Alishahryar1/free-claude-code/internal/token"
)

// Provider streams Anthropic SSE events for a translated request.
type Provider interface {
	Name() string
	// Stream emits a complete, legal Anthropic SSE event sequence through
	// emit. A non-nil error means nothing was emitted and the caller still
	// controls the HTTP status.
	Stream(ctx context.Context, req *anthropic.MessagesRequest, emit func(event string) error) error
	// Complete collects the upstream stream into a single message response.
	Complete(ctx context.Context, req *anthropic.MessagesRequest) (*anthropic.MessageResponse, error)
}

// Config is the per-backend transport configuration.
type Config struct {
	Name           string
	APIKey         string
	BaseURL        string
	ChatPath       string
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	Retry          RetryConfig
	TaskBuffering  bool
}

// OpenAICompatProvider drives any OpenAI-compatible chat completion backend.
// The request body builder carries per-backend differences.
type OpenAICompatProvider struct {
	name          string
	apiKey        string
	apiBase       string
	chatPath      string
	client        *http.Client
	limiter       *GlobalRateLimiter
	retry         RetryConfig
	readTimeout   time.Duration
	taskBuffering bool
	buildBody     func(*anthropic.MessagesRequest) map[string]any
}

func newOpenAICompat(cfg Config, limiter *GlobalRateLimiter, buildBody func(*anthropic.MessagesRequest) map[string]any) *OpenAICompatProvider {
	connectTimeout := cfg.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}
	readTimeout := cfg.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 300 * time.Second
	}
	chatPath := cfg.ChatPath
	if chatPath == "" {
		chatPath = "/chat/completions"
	}
	retry := cfg.Retry
	if retry.MaxAttempts == 0 {
		retry = DefaultRetryConfig()
	}

	transport := &http.Transport{
		DialContext:           (&net.Dialer{Timeout: connectTimeout}).DialContext,
		TLSHandshakeTimeout:   connectTimeout,
		ResponseHeaderTimeout: readTimeout,
	}

	return &OpenAICompatProvider{
		name:          cfg.Name,
		apiKey:        cfg.APIKey,
		apiBase:       strings.TrimRight(cfg.BaseURL, "/"),
		chatPath:      chatPath,
		client:        &http.Client{Transport: transport},
		limiter:       limiter,
		retry:         retry,
		readTimeout:   readTimeout,
		taskBuffering: cfg.TaskBuffering,
		buildBody:     buildBody,
	}
}

// NewNIM builds the NVIDIA NIM provider.
func NewNIM(cfg Config, tuning NimTuning, limiter *GlobalRateLimiter) *OpenAICompatProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://integrate.api.nvidia.com/v1"
	}
	if cfg.Name == "" {
		cfg.Name = "nvidia_nim"
	}
	return newOpenAICompat(cfg, limiter, func(req *anthropic.MessagesRequest) map[string]any {
		return BuildNIMRequestBody(req, tuning)
	})
}

// NewOpenRouter builds the OpenRouter provider.
func NewOpenRouter(cfg Config, limiter *GlobalRateLimiter) *OpenAICompatProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://openrouter.ai/api/v1"
	}
	if cfg.Name == "" {
		cfg.Name = "open_router"
	}
	return newOpenAICompat(cfg, limiter, BuildOpenRouterRequestBody)
}

// NewLMStudio builds the LM Studio provider. No API key required.
// defaultMaxTokens overrides the built-in default when positive.
func NewLMStudio(cfg Config, defaultMaxTokens int, limiter *GlobalRateLimiter) *OpenAICompatProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:1234/v1"
	}
	if cfg.Name == "" {
		cfg.Name = "lmstudio"
	}
	return newOpenAICompat(cfg, limiter, func(req *anthropic.MessagesRequest) map[string]any {
		return BuildLMStudioRequestBody(req, defaultMaxTokens)
	})
}

func (p *OpenAICompatProvider) Name() string { return p.name }

// wireChunk is the upstream streaming chunk shape. Reasoning arrives as
// reasoning_content on NIM and reasoning on OpenRouter.
type wireChunk struct {
	Choices []struct {
		Delta struct {
			Content          string `json:"content"`
			ReasoningContent string `json:"reasoning_content"`
			Reasoning        string `json:"reasoning"`
			ToolCalls        []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

func (c *wireChunk) toChunk() (stream.Chunk, bool) {
	if len(c.Choices) == 0 {
		return stream.Chunk{}, false
	}
	choice := c.Choices[0]
	out := stream.Chunk{
		Content:      choice.Delta.Content,
		Reasoning:    choice.Delta.ReasoningContent,
		FinishReason: choice.FinishReason,
	}
	if out.Reasoning == "" {
		out.Reasoning = choice.Delta.Reasoning
	}
	for _, tc := range choice.Delta.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, stream.ToolCallDelta{
			Index:     tc.Index,
			ID:        tc.ID,
			Name:      strings.TrimSpace(tc.Function.Name),
			Arguments: tc.Function.Arguments,
		})
	}
	return out, true
}

func (p *OpenAICompatProvider) doRequest(ctx context.Context, body any) (io.ReadCloser, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", p.name, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", p.apiBase+p.chatPath, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", p.name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, MapTransportError(err, p.readTimeout, false)
	}

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		resp.Body.Close()
		return nil, &HTTPError{
			Status:     resp.StatusCode,
			Body:       fmt.Sprintf("%s: %s", p.name, string(respBody)),
			RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	return resp.Body, nil
}

// connect acquires the rate limiter slot and opens the upstream stream,
// retrying only the connection phase. Callers must call release and close
// the body.
func (p *OpenAICompatProvider) connect(ctx context.Context, body map[string]any) (io.ReadCloser, func(), error) {
	if err := p.limiter.Acquire(ctx); err != nil {
		return nil, nil, err
	}
	release := func() { p.limiter.Release() }

	respBody, err := RetryDo(ctx, p.retry, func() (io.ReadCloser, error) {
		return p.doRequest(ctx, body)
	})
	if err != nil {
		release()
		mapped := p.mapError(err)
		return nil, nil, mapped
	}
	return respBody, release, nil
}

// mapError converts transport-level failures to the taxonomy and arms the
// global cooldown on 429.
func (p *OpenAICompatProvider) mapError(err error) error {
	var he *HTTPError
	if errors.As(err, &he) {
		mapped := MapHTTPError(he)
		var rl *RateLimitError
		if errors.As(mapped, &rl) {
			cooldown := 60 * time.Second
			if rl.RetryAfter > 0 {
				cooldown = rl.RetryAfter
			}
			p.limiter.SetBlocked(cooldown)
		}
		return mapped
	}
	return err
}

func (p *OpenAICompatProvider) inputTokens(body map[string]any) int {
	n := token.CountJSON(body["messages"])
	if tools, ok := body["tools"]; ok {
		n += token.CountJSON(tools)
	}
	return n
}

// pump reads the upstream SSE lines and feeds each chunk to handle. Returns
// the taxonomy error on a mid-stream failure.
func (p *OpenAICompatProvider) pump(body io.ReadCloser, handle func(stream.Chunk) error) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			return nil
		}

		var wc wireChunk
		if err := json.Unmarshal([]byte(data), &wc); err != nil {
			slog.Debug("skipping unparseable upstream chunk", "provider", p.name, "error", err)
			continue
		}
		chunk, ok := wc.toChunk()
		if !ok {
			continue
		}
		if err := handle(chunk); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return MapTransportError(err, p.readTimeout, true)
	}
	return nil
}

// Stream translates the request and emits the Anthropic SSE sequence. Errors
// before the first byte return without emitting; errors after that are
// rendered in-band as an error text block with a legal stream tail.
func (p *OpenAICompatProvider) Stream(ctx context.Context, req *anthropic.MessagesRequest, emit func(string) error) error {
	body := p.buildBody(req)
	respBody, release, err := p.connect(ctx, body)
	if err != nil {
		return err
	}
	defer release()
	defer respBody.Close()

	respBody = newStallReader(respBody, p.readTimeout)

	proc := stream.NewProcessor(
		"msg_"+strings.ReplaceAll(uuid.NewString(), "-", ""),
		req.Model,
		p.inputTokens(body),
		stream.ProcessorOptions{TaskBuffering: p.taskBuffering},
	)

	emitAll := func(events []string) error {
		for _, ev := range events {
			if err := emit(ev); err != nil {
				return err
			}
		}
		return nil
	}

	if err := emitAll(proc.Start()); err != nil {
		return nil
	}

	pumpErr := p.pump(respBody, func(c stream.Chunk) error {
		return emitAll(proc.ProcessChunk(c))
	})
	if pumpErr != nil {
		if errors.Is(pumpErr, context.Canceled) {
			return nil
		}
		mapped := p.mapError(pumpErr)
		slog.Warn("upstream stream failed mid-flight", "provider", p.name, "error", mapped)
		_ = emitAll(proc.EmitErrorTail(UserFacingMessage(mapped)))
		return nil
	}

	_ = emitAll(proc.Finish())
	return nil
}

// Complete collects the stream into one non-streaming message response.
func (p *OpenAICompatProvider) Complete(ctx context.Context, req *anthropic.MessagesRequest) (*anthropic.MessageResponse, error) {
	body := p.buildBody(req)
	respBody, release, err := p.connect(ctx, body)
	if err != nil {
		return nil, err
	}
	defer release()
	defer respBody.Close()

	respBody = newStallReader(respBody, p.readTimeout)

	proc := stream.NewProcessor(
		"msg_"+strings.ReplaceAll(uuid.NewString(), "-", ""),
		req.Model,
		p.inputTokens(body),
		stream.ProcessorOptions{TaskBuffering: p.taskBuffering},
	)
	proc.Start()

	pumpErr := p.pump(respBody, func(c stream.Chunk) error {
		proc.ProcessChunk(c)
		return nil
	})
	if pumpErr != nil {
		return nil, p.mapError(pumpErr)
	}
	proc.Finish()

	return assembleResponse(proc, req.Model), nil
}

func assembleResponse(proc *stream.Processor, model string) *anthropic.MessageResponse {
	builder := proc.Builder()

	var content []anthropic.ContentBlock
	if reasoning := builder.AccumulatedReasoning(); reasoning != "" {
		content = append(content, anthropic.ContentBlock{Type: anthropic.BlockThinking, Thinking: reasoning})
	}
	if text := builder.AccumulatedText(); text != "" {
		content = append(content, anthropic.ContentBlock{Type: anthropic.BlockText, Text: text})
	}

	toolUses := builder.Blocks.ToolUses()
	for _, tu := range toolUses {
		input := map[string]any{}
		if err := json.Unmarshal([]byte(tu.InputJSON), &input); err != nil {
			slog.Warn("tool input is not valid JSON", "tool", tu.Name, "error", err)
		}
		content = append(content, anthropic.ContentBlock{
			Type:  anthropic.BlockToolUse,
			ID:    tu.ID,
			Name:  tu.Name,
			Input: input,
		})
	}

	stopReason := proc.StopReason()
	if len(toolUses) > 0 && stopReason == "end_turn" {
		stopReason = "tool_use"
	}

	outputTokens := builder.EstimateOutputTokens()
	if outputTokens < 1 {
		outputTokens = 1
	}

	return &anthropic.MessageResponse{
		ID:         builder.MessageID,
		Type:       "message",
		Role:       "assistant",
		Content:    content,
		Model:      model,
		StopReason: stopReason,
		Usage: anthropic.Usage{
			InputTokens:  builder.InputTokens,
			OutputTokens: outputTokens,
		},
	}
}

// stallReader fails reads that stall longer than the read timeout by closing
// the underlying body.
type stallReader struct {
	rc      io.ReadCloser
	timeout time.Duration

	mu       sync.Mutex
	timer    *time.Timer
	timedOut bool
	closed   bool
}

func newStallReader(rc io.ReadCloser, timeout time.Duration) io.ReadCloser {
	if timeout <= 0 {
		return rc
	}
	s := &stallReader{rc: rc, timeout: timeout}
	s.timer = time.AfterFunc(timeout, s.onStall)
	return s
}

func (s *stallReader) onStall() {
	s.mu.Lock()
	if !s.closed {
		s.timedOut = true
		s.rc.Close()
	}
	s.mu.Unlock()
}

func (s *stallReader) Read(p []byte) (int, error) {
	n, err := s.rc.Read(p)

	s.mu.Lock()
	if s.timedOut {
		s.mu.Unlock()
		return n, &TimeoutError{
			Message:  fmt.Sprintf("Provider request timed out after %gs.", s.timeout.Seconds()),
			Duration: s.timeout,
		}
	}
	if !s.closed {
		s.timer.Reset(s.timeout)
	}
	s.mu.Unlock()
	return n, err
}

func (s *stallReader) Close() error {
	s.mu.Lock()
	s.closed = true
	s.timer.Stop()
	s.mu.Unlock()
	return s.rc.Close()
}
