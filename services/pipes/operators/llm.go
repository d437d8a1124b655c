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
	"log/slog"

	"github.com/AleutianAI/AleutianPipes/services/pipes/concept"
	"github.com/AleutianAI/AleutianPipes/services/pipes/generation"
	"github.com/AleutianAI/AleutianPipes/services/pipes/memory"
	"github.com/AleutianAI/AleutianPipes/services/pipes/pipe"
)

const variableListInstruction = "\n\nReturn a JSON object with a single key \"items\" holding the list of answers as strings."

// LLMSpec defines an LLM operator.
type LLMSpec struct {
	Code          string
	Domain        string
	Description   string
	Inputs        pipe.InputSpec
	OutputConcept string

	// SystemPrompt and Prompt are Jinja2 templates.
	SystemPrompt string
	Prompt       string

	Model       string
	Temperature *float32
	MaxTokens   int

	// Structured asks for a JSON object instead of text.
	Structured bool

	// Multiplicity is the default output multiplicity. Run params override it.
	Multiplicity *pipe.Multiplicity
}

// LLM renders its prompts against the working memory and asks the content
// generator of the run mode for the output.
//
// Description:
//
//	Inputs whose concept refines native.Image are sent as images and are
//	not required by the prompt templates. With a multiple output the
//	result is a list: a fixed count makes one request per item, a
//	variable count asks for a JSON list once.
//
// Thread Safety: Immutable after construction; safe for concurrent runs.
type LLM struct {
	operatorBase
	spec LLMSpec
}

// NewLLM builds an LLM operator.
func NewLLM(spec LLMSpec) (*LLM, error) {
	if spec.Prompt == "" {
		return nil, fmt.Errorf("%w: llm pipe %q has an empty prompt", pipe.ErrPipeDefinition, spec.Code)
	}
	if spec.Multiplicity != nil {
		m := *spec.Multiplicity
		spec.Multiplicity = &m
	}
	if spec.Temperature != nil {
		t := *spec.Temperature
		spec.Temperature = &t
	}
	return &LLM{
		operatorBase: operatorBase{Base: pipe.NewBase(spec.Code, spec.Domain, spec.Description, spec.Inputs, spec.OutputConcept)},
		spec:         spec,
	}, nil
}

// Model returns the model the pipe asks the generator for.
func (l *LLM) Model() string { return l.spec.Model }

// imageInputs returns the declared inputs that carry images, single or
// lists.
func (l *LLM) imageInputs(env *pipe.Env) []pipe.InputRequirement {
	var reqs []pipe.InputRequirement
	for _, req := range l.Inputs().Items() {
		if env.Concepts.IsCompatibleByConceptCode(req.ConceptCode, concept.Image.Code()) {
			reqs = append(reqs, req)
		}
	}
	return reqs
}

// images collects the image inputs in declaration order. A list input
// contributes each of its images.
func (l *LLM) images(env *pipe.Env, wm *memory.WorkingMemory) ([]*memory.ImageContent, error) {
	var out []*memory.ImageContent
	for _, req := range l.imageInputs(env) {
		if !req.Multiple {
			img, err := memory.StuffAs[*memory.ImageContent](wm, req.Name)
			if err != nil {
				return nil, err
			}
			out = append(out, img)
			continue
		}
		list, err := memory.StuffAs[*memory.ListContent](wm, req.Name)
		if err != nil {
			return nil, err
		}
		for i, item := range list.Items {
			img, ok := item.(*memory.ImageContent)
			if !ok {
				return nil, &memory.TypeMismatchError{
					Name: fmt.Sprintf("%s[%d]", req.Name, i),
					Want: fmt.Sprintf("%T", img),
					Got:  item.Kind(),
				}
			}
			out = append(out, img)
		}
	}
	return out, nil
}

func (l *LLM) templateVariables(env *pipe.Env) ([]string, error) {
	var names []string
	for _, tmpl := range []string{l.spec.SystemPrompt, l.spec.Prompt} {
		if tmpl == "" {
			continue
		}
		vars, err := env.Templates.RequiredVariables(tmpl)
		if err != nil {
			return nil, fmt.Errorf("%w: llm pipe %q: %w", pipe.ErrPipeDefinition, l.Code(), err)
		}
		names = append(names, vars...)
	}
	return pipe.PublicNames(names), nil
}

// RequiredVariables is the prompt variables plus the image inputs.
func (l *LLM) RequiredVariables(env *pipe.Env) ([]string, error) {
	names, err := l.templateVariables(env)
	if err != nil {
		return nil, err
	}
	for _, req := range l.imageInputs(env) {
		names = append(names, req.Name)
	}
	return pipe.SortedUnique(names), nil
}

// ValidateWithLibraries checks the prompt variables against the inputs.
func (l *LLM) ValidateWithLibraries(env *pipe.Env) error {
	required, err := l.RequiredVariables(env)
	if err != nil {
		return err
	}
	return pipe.CheckDeclaredInputs(env, l, required)
}

func (l *LLM) multiplicity(params pipe.RunParams) pipe.Multiplicity {
	if params.OutputMultiplicity != nil {
		return *params.OutputMultiplicity
	}
	if l.spec.Multiplicity != nil {
		return *l.spec.Multiplicity
	}
	return pipe.Multiplicity{}
}

// Run implements pipe.Pipe.
func (l *LLM) Run(ctx context.Context, env *pipe.Env, job pipe.JobMetadata, wm *memory.WorkingMemory, params pipe.RunParams, outputName string) (*pipe.Output, error) {
	required, err := l.RequiredVariables(env)
	if err != nil {
		return nil, err
	}
	if _, err := pipe.ResolveRequired(wm, required, params.RunMode, params.Path()); err != nil {
		return nil, err
	}
	gen, err := l.generator(env, params)
	if err != nil {
		return nil, err
	}

	req := generation.TextRequest{
		Model:       l.spec.Model,
		Temperature: l.spec.Temperature,
		MaxTokens:   l.spec.MaxTokens,
		Label:       l.Code(),
	}
	if l.spec.SystemPrompt != "" {
		if req.SystemPrompt, err = env.Templates.Render(ctx, l.spec.SystemPrompt, wm); err != nil {
			return nil, err
		}
	}
	if req.UserPrompt, err = env.Templates.Render(ctx, l.spec.Prompt, wm); err != nil {
		return nil, err
	}
	if req.Images, err = l.images(env, wm); err != nil {
		return nil, fmt.Errorf("llm pipe %q: %w", l.Code(), err)
	}

	m := l.multiplicity(params)
	env.Log().Debug("llm generation",
		slog.String("pipe", l.Code()),
		slog.String("mode", string(params.RunMode)),
		slog.Int("images", len(req.Images)),
		slog.Int("count", m.Count),
		slog.Bool("variable", m.Variable))

	var content memory.Content
	switch {
	case m.Variable:
		content, err = l.generateVariableList(ctx, gen, req)
	case m.Count > 1:
		items := make([]memory.Content, 0, m.Count)
		for range m.Count {
			item, err := l.generateOne(ctx, gen, req)
			if err != nil {
				return nil, err
			}
			items = append(items, item)
		}
		content = &memory.ListContent{Items: items}
	default:
		content, err = l.generateOne(ctx, gen, req)
	}
	if err != nil {
		return nil, err
	}
	return l.setOutput(env, wm, job, params, outputName, content)
}

func (l *LLM) generateOne(ctx context.Context, gen generation.Generator, req generation.TextRequest) (memory.Content, error) {
	if l.spec.Structured {
		obj, err := gen.GenerateObject(ctx, req)
		if err != nil {
			return nil, err
		}
		return &memory.StructuredContent{Fields: obj}, nil
	}
	text, err := gen.GenerateText(ctx, req)
	if err != nil {
		return nil, err
	}
	return &memory.TextContent{Text: text}, nil
}

func (l *LLM) generateVariableList(ctx context.Context, gen generation.Generator, req generation.TextRequest) (memory.Content, error) {
	req.UserPrompt += variableListInstruction
	obj, err := gen.GenerateObject(ctx, req)
	if err != nil {
		return nil, err
	}
	raw, ok := obj["items"].([]any)
	if !ok {
		// A single answer without the list wrapper still counts as one item.
		return &memory.ListContent{Items: []memory.Content{memory.FallbackTextContent(obj)}}, nil
	}
	items := make([]memory.Content, 0, len(raw))
	for _, v := range raw {
		items = append(items, memory.FallbackTextContent(v))
	}
	return &memory.ListContent{Items: items}, nil
}
