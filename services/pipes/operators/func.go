// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package operators

import (
	"context"
	"fmt"

	"github.com/AleutianAI/AleutianPipes/services/pipes/memory"
	"github.com/AleutianAI/AleutianPipes/services/pipes/pipe"
)

// FuncBody computes output content from the resolved inputs.
type FuncBody func(ctx context.Context, inputs map[string]*memory.Stuff) (memory.Content, error)

// Func runs a Go function over its declared inputs. Dry runs return mock
// content instead of calling the function.
type Func struct {
	operatorBase
	body FuncBody
}

// NewFunc builds a function operator.
func NewFunc(code, domain, description string, inputs pipe.InputSpec, outputConcept string, body FuncBody) (*Func, error) {
	if body == nil {
		return nil, fmt.Errorf("%w: func pipe %q has no body", pipe.ErrPipeDefinition, code)
	}
	return &Func{
		operatorBase: operatorBase{Base: pipe.NewBase(code, domain, description, inputs, outputConcept)},
		body:         body,
	}, nil
}

// RequiredVariables is the declared input names.
func (f *Func) RequiredVariables(*pipe.Env) ([]string, error) {
	return f.Inputs().Names(), nil
}

// ValidateWithLibraries implements pipe.Pipe.
func (f *Func) ValidateWithLibraries(*pipe.Env) error { return nil }

// Run implements pipe.Pipe.
func (f *Func) Run(ctx context.Context, env *pipe.Env, job pipe.JobMetadata, wm *memory.WorkingMemory, params pipe.RunParams, outputName string) (*pipe.Output, error) {
	inputs, err := pipe.ResolveRequired(wm, f.Inputs().Names(), params.RunMode, params.Path())
	if err != nil {
		return nil, err
	}
	var content memory.Content
	if params.IsDry() {
		content = f.mockOutput(env, params)
	} else {
		content, err = f.body(ctx, inputs)
		if err != nil {
			return nil, err
		}
		if content == nil {
			return nil, fmt.Errorf("func pipe %q returned no content", f.Code())
		}
	}
	return f.setOutput(env, wm, job, params, outputName, content)
}
