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
	"sort"
	"strings"

	"github.com/AleutianAI/AleutianPipes/services/pipes/memory"
)

// InputRequirement is the expected concept of one named input.
type InputRequirement struct {
	Name        string `json:"name"`
	ConceptCode string `json:"concept_code"`

	// Multiple is true when the input is a list of ConceptCode items,
	// declared as "Concept[]".
	Multiple bool `json:"multiple,omitempty"`
}

// InputSpec is an insertion-ordered set of input requirements.
//
// The zero value is an empty, usable spec. InputSpec is not safe for
// concurrent mutation; pipes build it once at construction.
type InputSpec struct {
	order []string
	items map[string]InputRequirement
}

// NewInputSpec builds a spec from requirements, later names overriding
// earlier ones.
func NewInputSpec(reqs ...InputRequirement) InputSpec {
	var s InputSpec
	for _, r := range reqs {
		s.Add(r)
	}
	return s
}

// ParseRequirement parses a declaration like "Text" or "domain.Page[]".
func ParseRequirement(name, declared string) InputRequirement {
	declared = strings.TrimSpace(declared)
	multiple := strings.HasSuffix(declared, "[]")
	return InputRequirement{
		Name:        name,
		ConceptCode: strings.TrimSuffix(declared, "[]"),
		Multiple:    multiple,
	}
}

// Add inserts or replaces a requirement.
func (s *InputSpec) Add(r InputRequirement) {
	if s.items == nil {
		s.items = make(map[string]InputRequirement)
	}
	if _, ok := s.items[r.Name]; !ok {
		s.order = append(s.order, r.Name)
	}
	s.items[r.Name] = r
}

// Merge adds every requirement of other not already present in s.
func (s *InputSpec) Merge(other InputSpec) {
	for _, name := range other.order {
		if _, ok := s.items[name]; !ok {
			s.Add(other.items[name])
		}
	}
}

// Get returns a requirement by name.
func (s InputSpec) Get(name string) (InputRequirement, bool) {
	r, ok := s.items[name]
	return r, ok
}

// Has reports whether name is declared.
func (s InputSpec) Has(name string) bool {
	_, ok := s.items[name]
	return ok
}

// Names returns the declared names in insertion order.
func (s InputSpec) Names() []string {
	return append([]string(nil), s.order...)
}

// Len returns the number of requirements.
func (s InputSpec) Len() int {
	return len(s.order)
}

// Items returns the requirements in insertion order.
func (s InputSpec) Items() []InputRequirement {
	out := make([]InputRequirement, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.items[name])
	}
	return out
}

// Clone returns an independent copy.
func (s InputSpec) Clone() InputSpec {
	return NewInputSpec(s.Items()...)
}

// ConceptCodes returns the distinct concept codes, sorted.
func (s InputSpec) ConceptCodes() []string {
	seen := make(map[string]bool, len(s.items))
	for _, r := range s.items {
		seen[r.ConceptCode] = true
	}
	out := make([]string, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// DryRunInputs converts the declared inputs into mock instructions, resolving each
// concept's content kind through resolver.
func (s InputSpec) DryRunInputs(resolver memory.KindResolver) []memory.DryRunInput {
	out := make([]memory.DryRunInput, 0, len(s.order))
	for _, r := range s.Items() {
		kind := memory.KindText
		if resolver != nil {
			if k, ok := resolver.ContentKindFor(r.ConceptCode); ok {
				kind = k
			}
		}
		out = append(out, memory.DryRunInput{
			Name:        r.Name,
			ConceptCode: r.ConceptCode,
			Kind:        kind,
			Multiple:    r.Multiple,
		})
	}
	return out
}
