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
	"sort"
	"strings"
	"sync"
)

// Library is the pipe registry.
//
// Description:
//
//	Pipes are added one at a time and may refer to pipes or concepts that
//	are registered later. ValidateWithLibraries resolves those references
//	once everything is loaded and must succeed before any run.
//
// Thread Safety: Safe for concurrent use.
type Library struct {
	mu    sync.RWMutex
	pipes map[string]Pipe
}

// NewLibrary creates an empty library.
func NewLibrary() *Library {
	return &Library{pipes: make(map[string]Pipe)}
}

// AddPipe registers p. Duplicate codes are a definition error.
func (l *Library) AddPipe(p Pipe) error {
	if p == nil || p.Code() == "" {
		return fmt.Errorf("%w: pipe must have a code", ErrPipeDefinition)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.pipes[p.Code()]; exists {
		return fmt.Errorf("%w: duplicate pipe code %q", ErrPipeDefinition, p.Code())
	}
	l.pipes[p.Code()] = p
	return nil
}

// AddPipes registers several pipes, stopping at the first error.
func (l *Library) AddPipes(pipes ...Pipe) error {
	for _, p := range pipes {
		if err := l.AddPipe(p); err != nil {
			return err
		}
	}
	return nil
}

// GetRequiredPipe implements Provider.
func (l *Library) GetRequiredPipe(code string) (Pipe, error) {
	if p, ok := l.GetOptionalPipe(code); ok {
		return p, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrPipeNotFound, code)
}

// GetOptionalPipe implements Provider.
func (l *Library) GetOptionalPipe(code string) (Pipe, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.pipes[code]
	return p, ok
}

// Len returns the number of registered pipes.
func (l *Library) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.pipes)
}

// Pipes returns every pipe sorted by code.
func (l *Library) Pipes() []Pipe {
	l.mu.RLock()
	out := make([]Pipe, 0, len(l.pipes))
	for _, p := range l.pipes {
		out = append(out, p)
	}
	l.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Code() < out[j].Code() })
	return out
}

// ListByDomain groups pipes by domain, each group sorted by code.
func (l *Library) ListByDomain() map[string][]Pipe {
	out := make(map[string][]Pipe)
	for _, p := range l.Pipes() {
		out[p.Domain()] = append(out[p.Domain()], p)
	}
	return out
}

// Teardown removes every pipe.
func (l *Library) Teardown() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pipes = make(map[string]Pipe)
}

// ValidateWithLibraries checks every pipe's concept and pipe references and
// then runs each pipe's own second-pass validation.
//
// Description:
//
//	The pipe graph is checked for cycles first. A cyclic library is
//	rejected before any per-pipe validation, since resolving the inputs of
//	a pipe that reaches itself never terminates. Otherwise all problems are
//	collected and returned joined under ErrLibrary so a broken library
//	reports everything at once.
//
// Inputs:
//
//	env - Execution environment; env.Concepts resolves concept codes.
//
// Outputs:
//
//	error - Nil when the library is consistent.
func (l *Library) ValidateWithLibraries(env *Env) error {
	if err := l.checkCycles(); err != nil {
		return fmt.Errorf("%w: %w", ErrLibrary, err)
	}
	var errs []error
	for _, p := range l.Pipes() {
		for _, code := range p.ConceptDependencies() {
			if _, err := env.Concepts.GetRequiredConcept(code); err != nil {
				errs = append(errs, fmt.Errorf("%w: pipe %q: %w", ErrPipeDefinition, p.Code(), err))
			}
		}
		for _, code := range p.PipeDependencies() {
			if _, ok := l.GetOptionalPipe(code); !ok {
				errs = append(errs, fmt.Errorf("%w: pipe %q depends on unknown pipe %q", ErrPipeDefinition, p.Code(), code))
			}
		}
		if err := p.ValidateWithLibraries(env); err != nil {
			errs = append(errs, fmt.Errorf("pipe %q: %w", p.Code(), err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrLibrary, errors.Join(errs...))
	}
	return nil
}

// checkCycles walks PipeDependencies depth first and reports the first
// cycle found as a path such as a -> b -> a. Unknown codes are skipped and
// reported by ValidateWithLibraries.
func (l *Library) checkCycles() error {
	const (
		unvisited = iota
		onStack
		done
	)
	state := make(map[string]int)
	var stack []string

	var visit func(code string) error
	visit = func(code string) error {
		switch state[code] {
		case onStack:
			start := 0
			for i, c := range stack {
				if c == code {
					start = i
					break
				}
			}
			cycle := append(append([]string(nil), stack[start:]...), code)
			return fmt.Errorf("%w: pipe cycle %s", ErrPipeDefinition, strings.Join(cycle, " -> "))
		case done:
			return nil
		}
		p, ok := l.GetOptionalPipe(code)
		if !ok {
			return nil
		}
		state[code] = onStack
		stack = append(stack, code)
		for _, dep := range p.PipeDependencies() {
			if err := visit(dep); err != nil {
				return err
			}
		}
		stack = stack[:len(stack)-1]
		state[code] = done
		return nil
	}

	for _, p := range l.Pipes() {
		if err := visit(p.Code()); err != nil {
			return err
		}
	}
	return nil
}
