package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Alishahryar1/free-claude-code/internal/anthropic"
	"github.com/Alishahryar1/free-claude-code/internal/config"
	"github.com/Alishahryar1/free-claude-code/internal/providers"
	"github.com/Alishahryar1/free-claude-code/internal/token"
)

// Server is the Anthropic-compatible HTTP gateway.
type Server struct {
	cfg    *config.Config
	source ProviderSource
	engine *gin.Engine
}

// New builds the router.
func New(cfg *config.Config, source ProviderSource) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{cfg: cfg, source: source, engine: engine}
	engine.GET("/health", s.handleHealth)
	engine.POST("/v1/messages", s.handleMessages)
	engine.POST("/v1/messages/count_tokens", s.handleCountTokens)
	return s
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler { return s.engine }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	srv := &http.Server{Addr: addr, Handler: s.engine}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("api gateway listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"provider": s.cfg.Provider.Type,
	})
}

// errorTypeFor maps a taxonomy error to the Anthropic error envelope type.
func errorTypeFor(err error) string {
	var (
		auth     *providers.AuthenticationError
		rate     *providers.RateLimitError
		invalid  *providers.InvalidRequestError
		overload *providers.OverloadedError
	)
	switch {
	case errors.As(err, &auth):
		return "authentication_error"
	case errors.As(err, &rate):
		return "rate_limit_error"
	case errors.As(err, &invalid):
		return "invalid_request_error"
	case errors.As(err, &overload):
		return "overloaded_error"
	default:
		return "api_error"
	}
}

func (s *Server) respondError(c *gin.Context, err error) {
	var setup *SetupError
	if errors.As(err, &setup) {
		c.JSON(http.StatusServiceUnavailable, anthropic.NewErrorResponse("api_error", setup.Message))
		return
	}
	c.JSON(providers.HTTPStatusFor(err), anthropic.NewErrorResponse(errorTypeFor(err), providers.UserFacingMessage(err)))
}

func (s *Server) handleMessages(c *gin.Context) {
	ctx, span := otel.Tracer("server").Start(c.Request.Context(), "messages")
	defer span.End()

	var req anthropic.MessagesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, anthropic.NewErrorResponse("invalid_request_error", "Invalid request body: "+err.Error()))
		return
	}
	if req.Model == "" || len(req.Messages) == 0 {
		c.JSON(http.StatusBadRequest, anthropic.NewErrorResponse("invalid_request_error", "model and messages are required"))
		return
	}

	req.OriginalModel = req.Model
	req.Model = providers.MapModel(req.Model, s.cfg.ModelMappings())
	span.SetAttributes(
		attribute.String("model", req.Model),
		attribute.Bool("stream", req.WantsStream()),
	)

	provider, err := s.source.Provider()
	if err != nil {
		s.respondError(c, err)
		return
	}

	if !req.WantsStream() {
		resp, err := provider.Complete(ctx, &req)
		if err != nil {
			s.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, resp)
		return
	}

	// Headers go out with the first event, so a pre-stream failure can still
	// choose its own status code.
	wroteHeader := false
	emit := func(event string) error {
		if !wroteHeader {
			header := c.Writer.Header()
			header.Set("Content-Type", "text/event-stream")
			header.Set("Cache-Control", "no-cache")
			header.Set("Connection", "keep-alive")
			header.Set("X-Accel-Buffering", "no")
			c.Writer.WriteHeader(http.StatusOK)
			wroteHeader = true
		}
		if _, err := c.Writer.WriteString(event); err != nil {
			return err
		}
		c.Writer.Flush()
		return nil
	}

	if err := provider.Stream(ctx, &req, emit); err != nil {
		if wroteHeader {
			slog.Warn("stream failed after headers were sent", "error", err)
			return
		}
		s.respondError(c, err)
	}
}

func (s *Server) handleCountTokens(c *gin.Context) {
	var req anthropic.TokenCountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, anthropic.NewErrorResponse("invalid_request_error", "Invalid request body: "+err.Error()))
		return
	}

	count := token.CountJSON(req.Messages)
	if req.System != nil {
		count += token.CountJSON(req.System)
	}
	if len(req.Tools) > 0 {
		count += token.CountJSON(req.Tools)
	}
	if count < 1 {
		count = 1
	}
	c.JSON(http.StatusOK, anthropic.TokenCountResponse{InputTokens: count})
}
