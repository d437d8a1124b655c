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
	"errors"
	"fmt"
	"log/slog"

	"github.com/AleutianAI/AleutianPipes/services/pipes/concept"
	"github.com/AleutianAI/AleutianPipes/services/pipes/generation"
	"github.com/AleutianAI/AleutianPipes/services/pipes/telemetry"
	"github.com/AleutianAI/AleutianPipes/services/pipes/templating"
	"github.com/AleutianAI/AleutianPipes/services/pipes/tracker"
)

// Provider resolves pipes by code.
type Provider interface {
	// GetRequiredPipe returns the pipe or an error wrapping ErrPipeNotFound.
	GetRequiredPipe(code string) (Pipe, error)

	// GetOptionalPipe returns the pipe and whether it exists.
	GetOptionalPipe(code string) (Pipe, bool)
}

// Env is the execution context threaded through every pipe call.
//
// Description:
//
//	Env replaces process-wide registries: every collaborator a pipe needs is
//	reached through it, so tests substitute fakes by building their own Env.
//	The Generator serves live runs and DryGenerator serves dry runs; pipes
//	ask GeneratorFor(mode) and never branch on the mode themselves.
//
// Thread Safety:
//
//	Env is read-only after construction and is shared by concurrent runs.
type Env struct {
	Pipes        Provider
	Concepts     concept.Provider
	Router       Router
	Tracker      tracker.Tracker
	Templates    templating.Renderer
	Generator    generation.Generator
	DryGenerator generation.Generator
	Policy       concept.ReactionPolicy
	Logger       *slog.Logger
	Metrics      *telemetry.Metrics

	// HistoryItemsLimit caps how many batch branches are tracked. Zero means
	// no cap. Every branch runs regardless.
	HistoryItemsLimit int

	// MaxBatchConcurrency bounds concurrent branches per batch. Zero or
	// negative means unbounded.
	MaxBatchConcurrency int
}

// Validate checks the mandatory collaborators are present.
func (e *Env) Validate() error {
	var errs []error
	if e.Pipes == nil {
		errs = append(errs, errors.New("pipe provider is nil"))
	}
	if e.Concepts == nil {
		errs = append(errs, errors.New("concept provider is nil"))
	}
	if e.Router == nil {
		errs = append(errs, errors.New("router is nil"))
	}
	if e.Templates == nil {
		errs = append(errs, errors.New("template renderer is nil"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid execution env: %w", errors.Join(errs...))
	}
	return nil
}

// GeneratorFor returns the content strategy for mode. Dry mode never falls
// back to the live generator.
func (e *Env) GeneratorFor(mode RunMode) generation.Generator {
	if mode == RunModeDry {
		if e.DryGenerator != nil {
			return e.DryGenerator
		}
		return generation.NewDryGenerator()
	}
	return e.Generator
}

// Track returns the tracker, or a no-op tracker when none is configured.
func (e *Env) Track() tracker.Tracker {
	if e.Tracker == nil {
		return tracker.Nop{}
	}
	return e.Tracker
}

// Log returns the logger, or slog.Default().
func (e *Env) Log() *slog.Logger {
	if e.Logger == nil {
		return slog.Default()
	}
	return e.Logger
}
