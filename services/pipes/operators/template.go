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

// Template renders a Jinja2 template against the working memory into text.
// Rendering costs nothing, so dry runs render too.
type Template struct {
	operatorBase
	template string
}

// NewTemplate builds a template operator.
func NewTemplate(code, domain, description string, inputs pipe.InputSpec, outputConcept, tmpl string) (*Template, error) {
	if tmpl == "" {
		return nil, fmt.Errorf("%w: template pipe %q has an empty template", pipe.ErrPipeDefinition, code)
	}
	return &Template{
		operatorBase: operatorBase{Base: pipe.NewBase(code, domain, description, inputs, outputConcept)},
		template:     tmpl,
	}, nil
}

// RequiredVariables is the template's variables.
func (t *Template) RequiredVariables(env *pipe.Env) ([]string, error) {
	vars, err := env.Templates.RequiredVariables(t.template)
	if err != nil {
		return nil, fmt.Errorf("%w: template pipe %q: %w", pipe.ErrPipeDefinition, t.Code(), err)
	}
	return pipe.PublicNames(vars), nil
}

// ValidateWithLibraries checks the template variables against the inputs.
func (t *Template) ValidateWithLibraries(env *pipe.Env) error {
	required, err := t.RequiredVariables(env)
	if err != nil {
		return err
	}
	return pipe.CheckDeclaredInputs(env, t, required)
}

// Run implements pipe.Pipe.
func (t *Template) Run(ctx context.Context, env *pipe.Env, job pipe.JobMetadata, wm *memory.WorkingMemory, params pipe.RunParams, outputName string) (*pipe.Output, error) {
	required, err := t.RequiredVariables(env)
	if err != nil {
		return nil, err
	}
	if _, err := pipe.ResolveRequired(wm, required, params.RunMode, params.Path()); err != nil {
		return nil, err
	}
	text, err := env.Templates.Render(ctx, t.template, wm)
	if err != nil {
		return nil, err
	}
	return t.setOutput(env, wm, job, params, outputName, &memory.TextContent{Text: text})
}
