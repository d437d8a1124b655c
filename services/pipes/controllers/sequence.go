// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package controllers

import (
	"context"
	"fmt"
	"slices"

	"github.com/AleutianAI/AleutianPipes/services/pipes/memory"
	"github.com/AleutianAI/AleutianPipes/services/pipes/pipe"
)

// Sequence runs its steps in order on one shared working memory.
//
// Thread Safety: Immutable after construction; safe for concurrent runs.
type Sequence struct {
	pipe.Base
	steps []SubPipe
}

// NewSequence builds a sequence. It needs at least one step.
func NewSequence(code, domain, description string, inputs pipe.InputSpec, outputConcept string, steps []SubPipe) (*Sequence, error) {
	if len(steps) == 0 {
		return nil, fmt.Errorf("%w: sequence %q has no steps", pipe.ErrPipeDefinition, code)
	}
	for i, st := range steps {
		if st.PipeCode == "" {
			return nil, fmt.Errorf("%w: sequence %q step %d has no pipe code", pipe.ErrPipeDefinition, code, i)
		}
	}
	return &Sequence{
		Base:  pipe.NewBase(code, domain, description, inputs, outputConcept),
		steps: slices.Clone(steps),
	}, nil
}

// Kind implements pipe.Pipe.
func (s *Sequence) Kind() pipe.Kind { return pipe.KindSequence }

// Steps returns a copy of the steps.
func (s *Sequence) Steps() []SubPipe { return slices.Clone(s.steps) }

// PipeDependencies implements pipe.Pipe.
func (s *Sequence) PipeDependencies() []string {
	codes := make([]string, 0, len(s.steps))
	for _, st := range s.steps {
		codes = append(codes, st.PipeCode)
	}
	return pipe.SortedUnique(codes)
}

// RequiredVariables returns the names the chain reads that no earlier step
// produced.
func (s *Sequence) RequiredVariables(env *pipe.Env) ([]string, error) {
	produced := make(map[string]bool)
	var required []string
	for i, st := range s.steps {
		p, err := env.Pipes.GetRequiredPipe(st.PipeCode)
		if err != nil {
			return nil, err
		}
		vars, err := p.RequiredVariables(env)
		if err != nil {
			return nil, err
		}
		if st.BatchParams != nil {
			vars = slices.DeleteFunc(slices.Clone(vars), func(v string) bool {
				return v == st.BatchParams.InputItemStuffName
			})
			vars = append(vars, st.BatchParams.InputListStuffName)
		}
		for _, v := range pipe.PublicNames(vars) {
			if !produced[v] {
				required = append(required, v)
			}
		}
		if st.OutputName != "" {
			produced[st.OutputName] = true
		}
		if i == 0 {
			produced[memory.MainStuffName] = true
		}
	}
	return pipe.SortedUnique(required), nil
}

// NeededInputs implements pipe.Pipe.
func (s *Sequence) NeededInputs(*pipe.Env) (pipe.InputSpec, error) {
	return s.Inputs(), nil
}

// ValidateWithLibraries checks the declared inputs against the chain.
func (s *Sequence) ValidateWithLibraries(env *pipe.Env) error {
	required, err := s.RequiredVariables(env)
	if err != nil {
		return err
	}
	return pipe.CheckDeclaredInputs(env, s, required)
}

// Run executes the steps in order. Only the last step targets the final
// stuff code requested by the caller.
func (s *Sequence) Run(ctx context.Context, env *pipe.Env, job pipe.JobMetadata, wm *memory.WorkingMemory, params pipe.RunParams, outputName string) (*pipe.Output, error) {
	last := len(s.steps) - 1
	out := pipe.NewOutput(wm, job)
	for i, st := range s.steps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		stepParams := params
		if i < last {
			stepParams = params.WithFinalStuffCode("")
		}
		if i == last && outputName != "" && st.OutputName == "" {
			st.OutputName = outputName
		}
		stepOut, err := st.Run(ctx, env, s.Code(), job, out.WorkingMemory, stepParams)
		if err != nil {
			return nil, err
		}
		out = stepOut
	}
	return out, nil
}
