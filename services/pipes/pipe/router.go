// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipe

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/AleutianPipes/services/pipes/memory"
	"github.com/AleutianAI/AleutianPipes/services/pipes/telemetry"
)

// DefaultMaxDepth is the default router depth limit.
const DefaultMaxDepth = 64

// Router is the central dispatch point for pipe runs.
type Router interface {
	// RunPipeCode looks up code and runs it.
	RunPipeCode(ctx context.Context, env *Env, code string, job JobMetadata, wm *memory.WorkingMemory, params RunParams, outputName string) (*Output, error)

	// RunPipe runs an already resolved pipe.
	RunPipe(ctx context.Context, env *Env, p Pipe, job JobMetadata, wm *memory.WorkingMemory, params RunParams, outputName string) (*Output, error)
}

// DefaultRouter pushes the pipe onto the layer stack, enforces the depth
// limit and wraps every run in a span, metrics and logs.
//
// Thread Safety: Safe for concurrent use.
type DefaultRouter struct {
	// MaxDepth bounds the pipe-layer stack. Zero means DefaultMaxDepth.
	MaxDepth int
}

// NewRouter creates a router with the given depth limit.
func NewRouter(maxDepth int) *DefaultRouter {
	return &DefaultRouter{MaxDepth: maxDepth}
}

func (r *DefaultRouter) maxDepth() int {
	if r.MaxDepth <= 0 {
		return DefaultMaxDepth
	}
	return r.MaxDepth
}

// RunPipeCode implements Router.
func (r *DefaultRouter) RunPipeCode(
	ctx context.Context,
	env *Env,
	code string,
	job JobMetadata,
	wm *memory.WorkingMemory,
	params RunParams,
	outputName string,
) (*Output, error) {
	p, err := env.Pipes.GetRequiredPipe(code)
	if err != nil {
		return nil, err
	}
	return r.RunPipe(ctx, env, p, job, wm, params, outputName)
}

// RunPipe implements Router.
//
// Description:
//
//	Runs p one layer deeper than params. Errors are wrapped in a PipeError
//	naming the innermost failing pipe; outer layers do not re-wrap.
//
// Inputs:
//
//	ctx - Context for cancellation and tracing. Must not be nil.
//	env - Execution environment.
//	p - Pipe to run.
//	job - Metadata of the enclosing pipeline run.
//	wm - Working memory the pipe reads and writes.
//	params - Caller params; the run mode is taken from here unchanged.
//	outputName - Optional name for the main output.
//
// Outputs:
//
//	*Output - The pipe output.
//	error - ErrMaxDepth, or the wrapped pipe error.
func (r *DefaultRouter) RunPipe(
	ctx context.Context,
	env *Env,
	p Pipe,
	job JobMetadata,
	wm *memory.WorkingMemory,
	params RunParams,
	outputName string,
) (*Output, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	if params.Depth() >= r.maxDepth() {
		return nil, &PipeError{
			PipeCode: p.Code(),
			Err:      fmt.Errorf("%w: %d at %s", ErrMaxDepth, r.maxDepth(), params.Path(p.Code())),
		}
	}

	child := params.WithPipeLayer(p.Code())
	kind := string(p.Kind())
	mode := string(params.RunMode)

	ctx, span := telemetry.StartSpan(ctx, "pipes.Router.Run",
		attribute.String("pipe.code", p.Code()),
		attribute.String("pipe.kind", kind),
		attribute.String("pipe.path", child.Path()),
		attribute.String("run.mode", mode),
		attribute.String("pipeline.run_id", job.PipelineRunID),
	)
	defer span.End()

	logger := telemetry.LoggerWithTrace(ctx, env.Log())
	logger.Debug("pipe started",
		slog.String("pipe", p.Code()),
		slog.String("kind", kind),
		slog.String("mode", mode),
		slog.String("path", child.Path()))

	start := time.Now()
	env.Metrics.RunStarted(ctx, kind, mode)
	out, err := p.Run(ctx, env, job, wm, child, outputName)
	env.Metrics.RunFinished(ctx, kind, mode, time.Since(start), err)

	if err != nil {
		err = NewPipeError(p.Code(), err)
		telemetry.RecordError(span, err)
		logger.Error("pipe failed",
			slog.String("pipe", p.Code()),
			slog.String("path", child.Path()),
			slog.String("error", err.Error()))
		return nil, err
	}

	telemetry.SetSpanOK(span)
	logger.Debug("pipe completed",
		slog.String("pipe", p.Code()),
		slog.Duration("duration", time.Since(start)))
	return out, nil
}
