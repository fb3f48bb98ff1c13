// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/edittrack/pkg/extensions"
	"github.com/AleutianAI/edittrack/pkg/telemetry"
)

// DefaultShutdownTimeout bounds graceful shutdown in Run.
const DefaultShutdownTimeout = 5 * time.Second

// Config configures a Server.
type Config struct {
	// Addr is the listen address for Run, e.g. ":9464".
	Addr string

	// Version is reported by /healthz.
	Version string

	// Metrics serves /metrics. Nil leaves the route unregistered.
	Metrics http.Handler

	// Logger receives access and error logs. Default: slog.Default().
	Logger *slog.Logger

	// ShutdownTimeout bounds graceful shutdown. Default: DefaultShutdownTimeout.
	ShutdownTimeout time.Duration

	// Extensions authenticates /v1 requests and audits state changes.
	// Zero fields get the no-op defaults.
	Extensions extensions.Options
}

// Server is the HTTP surface of a running engine.
//
// Thread Safety:
//
//	Handlers run concurrently; the engine serialises its own state.
type Server struct {
	cfg    Config
	router *gin.Engine
	logger *slog.Logger
}

// NewServer builds the router for engine.
func NewServer(engine Engine, cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	cfg.Extensions = cfg.Extensions.Normalize()
	logger := cfg.Logger.With(slog.String("component", "api"))

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("edittrack"))
	router.Use(requestContext(logger))

	handlers := NewHandlers(engine, cfg.Version, logger)
	handlers.audit = cfg.Extensions.Audit
	router.GET("/healthz", handlers.HandleHealth)
	if cfg.Metrics != nil {
		router.GET("/metrics", gin.WrapH(cfg.Metrics))
	}
	v1 := router.Group("/v1", authenticate(cfg.Extensions, logger))
	RegisterRoutes(v1, handlers)

	return &Server{cfg: cfg, router: router, logger: logger}
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run listens on cfg.Addr and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled, then shuts down gracefully.
// A clean shutdown returns nil.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api listening", slog.String("addr", ln.Addr().String()))
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

// requestContext tags every request with a request id and the trace id,
// and writes a debug access log.
func requestContext(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := requestID(c)
		if traceID := telemetry.TraceID(c.Request.Context()); traceID != "" {
			c.Header("X-Trace-ID", traceID)
		}

		start := time.Now()
		c.Next()

		logger.Debug("request",
			slog.String("request_id", id),
			slog.String("method", c.Request.Method),
			slog.String("path", c.FullPath()),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("duration", time.Since(start)))
	}
}

// authenticate validates the bearer token of every request in the group.
// A rejected request is audited and answered with 401.
func authenticate(ext extensions.Options, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := strings.TrimSpace(strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer "))
		info, err := ext.Auth.Validate(c.Request.Context(), token)
		if err != nil {
			logger.Warn("request rejected",
				slog.String("request_id", requestID(c)),
				slog.String("path", c.Request.URL.Path),
				slog.String("error", err.Error()))
			event := extensions.AuditEvent{
				EventType:    "auth.denied",
				UserID:       "anonymous",
				Action:       c.Request.Method,
				ResourceType: "route",
				ResourceID:   c.Request.URL.Path,
				Outcome:      extensions.OutcomeDenied,
				Metadata:     map[string]any{"request_id": requestID(c)},
			}
			if aerr := ext.Audit.Log(c.Request.Context(), event); aerr != nil {
				logger.Warn("audit log failed", slog.String("error", aerr.Error()))
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{Error: "unauthorized", Code: "UNAUTHORIZED"})
			return
		}
		c.Set("user_id", info.UserID)
		c.Next()
	}
}

// requestID gets or creates the X-Request-ID of c.
func requestID(c *gin.Context) string {
	if id := c.GetString("request_id"); id != "" {
		return id
	}
	id := c.GetHeader("X-Request-ID")
	if id == "" {
		id = uuid.NewString()
	}
	c.Set("request_id", id)
	c.Header("X-Request-ID", id)
	return id
}
