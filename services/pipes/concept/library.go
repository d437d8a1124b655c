// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package concept

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/AleutianAI/AleutianPipes/services/pipes/memory"
)

// Provider resolves concepts and answers compatibility questions.
type Provider interface {
	// GetRequiredConcept returns a concept or a *ConceptNotFoundError.
	GetRequiredConcept(code string) (Concept, error)

	// GetOptionalConcept returns a concept and whether it exists.
	GetOptionalConcept(code string) (Concept, bool)

	// IsCompatibleByConceptCode reports whether tested can be used where
	// wanted is expected.
	IsCompatibleByConceptCode(tested, wanted string) bool

	// ContentKindFor returns the content shape of a registered concept.
	ContentKindFor(code string) (memory.ContentKind, bool)
}

// Library is the in-memory concept registry.
//
// Description:
//
//	A new Library contains every native concept. Domain concepts are added
//	with AddConcept; refinement targets may be forward references and are
//	checked once by ValidateWithLibraries after everything is loaded.
//
// Thread Safety: Safe for concurrent use.
type Library struct {
	mu       sync.RWMutex
	concepts map[string]Concept
}

// NewLibrary creates a library preloaded with the native concepts.
func NewLibrary() *Library {
	lib := &Library{concepts: make(map[string]Concept)}
	for _, n := range NativeConcepts {
		lib.concepts[n.Code()] = Concept{
			Code:          n.Code(),
			Domain:        NativeDomain,
			Name:          string(n),
			Definition:    n.definition(),
			StructureKind: n.ContentKind(),
		}
	}
	return lib
}

// AddConcept registers a domain concept.
func (l *Library) AddConcept(c Concept) error {
	if _, _, err := ParseCode(c.Code); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.concepts[c.Code]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateConcept, c.Code)
	}
	c.Refines = append([]string(nil), c.Refines...)
	l.concepts[c.Code] = c
	return nil
}

// GetRequiredConcept implements Provider.
func (l *Library) GetRequiredConcept(code string) (Concept, error) {
	c, ok := l.GetOptionalConcept(code)
	if !ok {
		return Concept{}, &ConceptNotFoundError{Code: code}
	}
	return c, nil
}

// GetOptionalConcept implements Provider.
func (l *Library) GetOptionalConcept(code string) (Concept, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	c, ok := l.concepts[code]
	return c, ok
}

// IsCompatibleByConceptCode reports whether tested is wanted, refines wanted
// transitively, or wanted is Anything.
func (l *Library) IsCompatibleByConceptCode(tested, wanted string) bool {
	if tested == wanted || wanted == Anything.Code() {
		return true
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	visited := make(map[string]bool)
	var walk func(code string) bool
	walk = func(code string) bool {
		if visited[code] {
			return false
		}
		visited[code] = true
		c, ok := l.concepts[code]
		if !ok {
			return false
		}
		for _, parent := range c.Refines {
			if parent == wanted || walk(parent) {
				return true
			}
		}
		return false
	}
	return walk(tested)
}

// ContentKindFor implements Provider and memory.KindResolver.
func (l *Library) ContentKindFor(code string) (memory.ContentKind, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if _, ok := l.concepts[code]; !ok {
		return "", false
	}
	visited := make(map[string]bool)
	var find func(code string) memory.ContentKind
	find = func(code string) memory.ContentKind {
		if visited[code] {
			return ""
		}
		visited[code] = true
		c, ok := l.concepts[code]
		if !ok {
			return ""
		}
		if c.StructureKind != "" {
			return c.StructureKind
		}
		for _, parent := range c.Refines {
			if k := find(parent); k != "" {
				return k
			}
		}
		return ""
	}
	if k := find(code); k != "" {
		return k, true
	}
	return memory.KindText, true
}

// Concepts returns every concept sorted by code.
func (l *Library) Concepts() []Concept {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Concept, 0, len(l.concepts))
	for _, c := range l.concepts {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

// ValidateWithLibraries checks that every refinement target exists and that
// no concept refines itself, directly or transitively.
func (l *Library) ValidateWithLibraries() error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	codes := make([]string, 0, len(l.concepts))
	for code := range l.concepts {
		codes = append(codes, code)
	}
	sort.Strings(codes)

	var errs []error
	for _, code := range codes {
		for _, parent := range l.concepts[code].Refines {
			if _, ok := l.concepts[parent]; !ok {
				errs = append(errs, fmt.Errorf("concept %s refines unknown concept %s", code, parent))
			}
		}
	}

	const (
		unvisited = iota
		inProgress
		done
	)
	state := make(map[string]int, len(codes))
	var visit func(code string, path []string) error
	visit = func(code string, path []string) error {
		switch state[code] {
		case inProgress:
			return fmt.Errorf("refinement cycle: %s", strings.Join(append(path, code), " -> "))
		case done:
			return nil
		}
		state[code] = inProgress
		for _, parent := range l.concepts[code].Refines {
			if _, ok := l.concepts[parent]; !ok {
				continue
			}
			if err := visit(parent, append(path, code)); err != nil {
				return err
			}
		}
		state[code] = done
		return nil
	}
	for _, code := range codes {
		if state[code] == unvisited {
			if err := visit(code, nil); err != nil {
				errs = append(errs, err)
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrConceptLibrary, errors.Join(errs...))
	}
	return nil
}
