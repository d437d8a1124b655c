// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pipe defines the polymorphic pipe contract, the per-run
// parameters and metadata, the execution environment threaded through every
// call, the central router and the pipe library.
package pipe

import (
	"context"
	"sort"
	"strings"

	"github.com/AleutianAI/AleutianPipes/services/pipes/memory"
)

// Kind tags the closed set of pipe variants.
type Kind string

const (
	KindOperator  Kind = "operator"
	KindBatch     Kind = "batch"
	KindCondition Kind = "condition"
	KindSequence  Kind = "sequence"
)

// Pipe is a unit of work over a working memory.
//
// Description:
//
//	Every variant, plain operator or controller, implements the same
//	contract. RequiredVariables and NeededInputs take the execution Env
//	because controllers answer them by asking the pipes they wrap.
//	Run executes in the mode carried by params; live and dry share one path
//	and differ only in the strategies the Env hands out for the mode.
//
// Thread Safety:
//
//	Pipes are immutable after library validation and may run concurrently
//	on different working memories.
type Pipe interface {
	Code() string
	Domain() string
	Description() string
	Kind() Kind

	// Inputs is the declared input spec.
	Inputs() InputSpec

	// OutputConcept is the concept code of the produced main stuff.
	OutputConcept() string

	// RequiredVariables lists the working-memory names the pipe reads. For
	// conditions it covers every possible branch.
	RequiredVariables(env *Env) ([]string, error)

	// NeededInputs lists the name to concept pairs a caller must provide.
	NeededInputs(env *Env) (InputSpec, error)

	// PipeDependencies lists the pipe codes this pipe may run.
	PipeDependencies() []string

	// ConceptDependencies lists the concept codes this pipe refers to.
	ConceptDependencies() []string

	// ValidateWithLibraries runs once every pipe and concept is registered.
	ValidateWithLibraries(env *Env) error

	// Run executes the pipe. outputName, when set, names the main output.
	Run(ctx context.Context, env *Env, job JobMetadata, wm *memory.WorkingMemory, params RunParams, outputName string) (*Output, error)
}

// Output is the result of any pipe run.
type Output struct {
	WorkingMemory *memory.WorkingMemory
	PipelineRunID string
}

// NewOutput wraps a memory with the run id of job.
func NewOutput(wm *memory.WorkingMemory, job JobMetadata) *Output {
	return &Output{WorkingMemory: wm, PipelineRunID: job.PipelineRunID}
}

// MainStuff returns the current main artifact.
func (o *Output) MainStuff() (*memory.Stuff, error) {
	return o.WorkingMemory.GetMainStuff()
}

// Base carries the identity fields shared by every variant.
type Base struct {
	code          string
	domain        string
	description   string
	inputs        InputSpec
	outputConcept string
}

// NewBase builds the shared fields of a pipe.
func NewBase(code, domain, description string, inputs InputSpec, outputConcept string) Base {
	return Base{
		code:          code,
		domain:        domain,
		description:   description,
		inputs:        inputs.Clone(),
		outputConcept: outputConcept,
	}
}

func (b Base) Code() string          { return b.code }
func (b Base) Domain() string        { return b.domain }
func (b Base) Description() string   { return b.description }
func (b Base) Inputs() InputSpec     { return b.inputs.Clone() }
func (b Base) OutputConcept() string { return b.outputConcept }

// ConceptDependencies returns the input and output concept codes.
func (b Base) ConceptDependencies() []string {
	codes := b.inputs.ConceptCodes()
	if b.outputConcept != "" {
		codes = append(codes, b.outputConcept)
	}
	return SortedUnique(codes)
}

// SortedUnique returns the distinct non-empty values, sorted.
func SortedUnique(values []string) []string {
	seen := make(map[string]bool, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// PublicNames drops names starting with an underscore, which templates use
// for locals that never come from the working memory.
func PublicNames(names []string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		if !strings.HasPrefix(n, "_") {
			out = append(out, n)
		}
	}
	return out
}

// ResolveRequired fetches every named stuff or fails with an InputError
// naming all of the missing ones under path.
func ResolveRequired(wm *memory.WorkingMemory, names []string, mode RunMode, path string) (map[string]*memory.Stuff, error) {
	if missing := wm.MissingNames(names); len(missing) > 0 {
		return nil, InputError(mode, path, missing, "")
	}
	return wm.GetExistingStuffs(names), nil
}
