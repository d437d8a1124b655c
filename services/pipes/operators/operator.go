// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package operators implements the leaf pipes that produce content: Go
// functions, Jinja2 templates, LLM prompts and OCR page extraction.
package operators

import (
	"fmt"

	"github.com/AleutianAI/AleutianPipes/services/pipes/concept"
	"github.com/AleutianAI/AleutianPipes/services/pipes/generation"
	"github.com/AleutianAI/AleutianPipes/services/pipes/memory"
	"github.com/AleutianAI/AleutianPipes/services/pipes/pipe"
)

// operatorBase holds what every operator shares on top of pipe.Base.
type operatorBase struct {
	pipe.Base
}

// Kind implements pipe.Pipe.
func (operatorBase) Kind() pipe.Kind { return pipe.KindOperator }

// PipeDependencies implements pipe.Pipe. Operators run no other pipe.
func (operatorBase) PipeDependencies() []string { return nil }

// NeededInputs implements pipe.Pipe.
func (o operatorBase) NeededInputs(*pipe.Env) (pipe.InputSpec, error) {
	return o.Inputs(), nil
}

// resolvedOutputConcept is the concept the output is tagged with. A pipe
// declaring native.Dynamic takes the caller's DynamicOutputConcept when one
// is given, and it must be registered.
func (o operatorBase) resolvedOutputConcept(env *pipe.Env, params pipe.RunParams) (string, error) {
	declared := o.OutputConcept()
	if declared != concept.Dynamic.Code() || params.DynamicOutputConcept == "" {
		return declared, nil
	}
	code := concept.QualifyCode(o.Domain(), params.DynamicOutputConcept)
	if env.Concepts != nil {
		if _, err := env.Concepts.GetRequiredConcept(code); err != nil {
			return "", fmt.Errorf("%w: pipe %q dynamic output: %w", pipe.ErrPipeInput, o.Code(), err)
		}
	}
	return code, nil
}

// setOutput stores content as the new main stuff of wm.
func (o operatorBase) setOutput(env *pipe.Env, wm *memory.WorkingMemory, job pipe.JobMetadata, params pipe.RunParams, outputName string, content memory.Content) (*pipe.Output, error) {
	conceptCode, err := o.resolvedOutputConcept(env, params)
	if err != nil {
		return nil, err
	}
	stuff := memory.NewStuff(params.OutputStuffCode(), outputName, conceptCode, content)
	if err := wm.SetNewMainStuff(stuff, outputName); err != nil {
		return nil, fmt.Errorf("operator %q: %w", o.Code(), err)
	}
	return pipe.NewOutput(wm, job), nil
}

// generator returns the strategy for the run mode or a definition error
// when live generation is not configured.
func (o operatorBase) generator(env *pipe.Env, params pipe.RunParams) (generation.Generator, error) {
	g := env.GeneratorFor(params.RunMode)
	if g == nil {
		return nil, fmt.Errorf("%w: pipe %q needs a content generator but none is configured for %s runs",
			pipe.ErrPipeDefinition, o.Code(), params.RunMode)
	}
	return g, nil
}

// mockOutput returns placeholder content shaped like the output concept.
func (o operatorBase) mockOutput(env *pipe.Env, params pipe.RunParams) memory.Content {
	kind := memory.KindText
	code, err := o.resolvedOutputConcept(env, params)
	if err == nil && env.Concepts != nil {
		if k, ok := env.Concepts.ContentKindFor(code); ok {
			kind = k
		}
	}
	return memory.MockContent(kind, o.Code())
}
