// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package api exposes the pipe library over HTTP.
//
// Routes:
//
//	GET  /health
//	GET  /metrics
//	GET  /v1/pipes                   pipes grouped by domain
//	GET  /v1/pipes/:code             one pipe with its needed inputs
//	POST /v1/pipes/:code/run         live run, waits for the output
//	POST /v1/pipes/:code/dry-run     dry run on given or mock inputs
//	POST /v1/pipes/:code/start       live run in the background
//	GET  /v1/runs/:id                status of a background run
package api

import (
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/AleutianPipes/services/pipes/pipe"
	"github.com/AleutianAI/AleutianPipes/services/pipes/pipeline"
	"github.com/AleutianAI/AleutianPipes/services/pipes/telemetry"
)

// Snapshot is one loaded library together with the runner serving it.
type Snapshot struct {
	Runner *pipeline.Runner
	Pipes  *pipe.Library
}

// Source hands out the current snapshot. Handlers call Current once per
// request so a reload never changes the library mid-request.
type Source interface {
	Current() *Snapshot
}

// AtomicSource is a Source that can be swapped at runtime.
//
// Thread Safety: Safe for concurrent use.
type AtomicSource struct {
	current atomic.Pointer[Snapshot]
}

// NewAtomicSource creates a source holding s.
func NewAtomicSource(s *Snapshot) *AtomicSource {
	src := &AtomicSource{}
	src.current.Store(s)
	return src
}

// Current implements Source.
func (a *AtomicSource) Current() *Snapshot { return a.current.Load() }

// Swap installs s and returns the previous snapshot.
func (a *AtomicSource) Swap(s *Snapshot) *Snapshot { return a.current.Swap(s) }

// Options configures a Server.
type Options struct {
	ServiceName string
	Logger      *slog.Logger
	Metrics     *telemetry.Metrics

	// MetricsHandler serves /metrics. Nil disables the route.
	MetricsHandler http.Handler
}

// Server is the gin engine with the pipe routes.
type Server struct {
	source  Source
	logger  *slog.Logger
	metrics *telemetry.Metrics
	engine  *gin.Engine
}

// NewServer builds the engine and registers every route.
func NewServer(source Source, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ServiceName == "" {
		opts.ServiceName = "pipes"
	}
	s := &Server{
		source:  source,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		engine:  gin.New(),
	}
	s.engine.Use(gin.Recovery())
	s.engine.Use(otelgin.Middleware(opts.ServiceName))
	s.engine.Use(s.observe())

	s.engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if opts.MetricsHandler != nil {
		s.engine.GET("/metrics", gin.WrapH(opts.MetricsHandler))
	}

	v1 := s.engine.Group("/v1")
	{
		pipes := v1.Group("/pipes")
		{
			pipes.GET("", s.listPipes)
			pipes.GET("/:code", s.getPipe)
			pipes.POST("/:code/run", s.runPipe)
			pipes.POST("/:code/dry-run", s.dryRunPipe)
			pipes.POST("/:code/start", s.startPipe)
		}
		v1.GET("/runs/:id", s.getRun)
	}
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.engine }

// observe logs every request and records its metrics.
func (s *Server) observe() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		d := time.Since(start)
		s.metrics.HTTPRequest(c.Request.Context(), c.Request.Method, route, status, d)

		logger := telemetry.LoggerWithTrace(c.Request.Context(), s.logger)
		attrs := []any{
			slog.String("method", c.Request.Method),
			slog.String("route", route),
			slog.Int("status", status),
			slog.Duration("duration", d),
		}
		if status >= http.StatusInternalServerError {
			logger.Error("request failed", attrs...)
			return
		}
		logger.Debug("request served", attrs...)
	}
}
