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
	"errors"
	"fmt"

	"github.com/AleutianAI/AleutianPipes/services/pipes/concept"
	"github.com/AleutianAI/AleutianPipes/services/pipes/generation"
	"github.com/AleutianAI/AleutianPipes/services/pipes/memory"
	"github.com/AleutianAI/AleutianPipes/services/pipes/pipe"
)

const ocrExplanation = "OCR needs exactly one input that is an image or a pdf, or a concept refining one of them"

// OCR extracts pages from exactly one image or pdf input.
//
// Description:
//
//	Inputs are classified through the concept layer, since their concepts
//	may refine the native image or pdf concepts from another domain.
//	ValidateWithLibraries reacts to each mismatch through the policy. The
//	output is a list of pages.
//
// Thread Safety: Immutable after construction; safe for concurrent runs.
type OCR struct {
	operatorBase
	model            string
	includePageViews bool
}

// ocrInputs is the classification of the declared inputs.
type ocrInputs struct {
	image      string
	pdf        string
	candidates []pipe.InputRequirement
	inadequate []pipe.InputRequirement
}

// NewOCR builds an OCR operator. outputConcept defaults to native.Page.
func NewOCR(code, domain, description string, inputs pipe.InputSpec, outputConcept, model string, includePageViews bool) *OCR {
	if outputConcept == "" {
		outputConcept = concept.Page.Code()
	}
	return &OCR{
		operatorBase:     operatorBase{Base: pipe.NewBase(code, domain, description, inputs, outputConcept)},
		model:            model,
		includePageViews: includePageViews,
	}
}

// RequiredVariables is the image or pdf input.
func (o *OCR) RequiredVariables(env *pipe.Env) ([]string, error) {
	in := o.classifyInputs(env)
	switch {
	case in.image != "":
		return []string{in.image}, nil
	case in.pdf != "":
		return []string{in.pdf}, nil
	}
	return nil, nil
}

// classifyInputs sorts the inputs into image, pdf and inadequate ones by
// concept compatibility.
func (o *OCR) classifyInputs(env *pipe.Env) ocrInputs {
	var in ocrInputs
	for _, req := range o.Inputs().Items() {
		switch {
		case env.Concepts.IsCompatibleByConceptCode(req.ConceptCode, concept.Image.Code()):
			in.image = req.Name
			in.candidates = append(in.candidates, req)
		case env.Concepts.IsCompatibleByConceptCode(req.ConceptCode, concept.PDF.Code()):
			in.pdf = req.Name
			in.candidates = append(in.candidates, req)
		default:
			in.inadequate = append(in.inadequate, req)
		}
	}
	return in
}

// ValidateWithLibraries checks there is exactly one image or pdf input and
// nothing else.
func (o *OCR) ValidateWithLibraries(env *pipe.Env) error {
	in := o.classifyInputs(env)
	var errs []error
	for _, req := range in.inadequate {
		errs = append(errs, env.Policy.React(env.Log(), &concept.StaticValidationError{
			Type:            concept.InadequateInputConcept,
			Domain:          o.Domain(),
			PipeCode:        o.Code(),
			VariableNames:   []string{req.Name},
			ProvidedConcept: req.ConceptCode,
			Explanation:     ocrExplanation,
		}))
	}
	switch {
	case len(in.candidates) > 1:
		names := make([]string, 0, len(in.candidates))
		for _, c := range in.candidates {
			names = append(names, c.Name)
		}
		errs = append(errs, env.Policy.React(env.Log(), &concept.StaticValidationError{
			Type:          concept.TooManyCandidateInputs,
			Domain:        o.Domain(),
			PipeCode:      o.Code(),
			VariableNames: names,
			Explanation:   "only one image or pdf can be provided for OCR",
		}))
	case len(in.candidates) == 0:
		errs = append(errs, env.Policy.React(env.Log(), &concept.StaticValidationError{
			Type:        concept.MissingInputVariable,
			Domain:      o.Domain(),
			PipeCode:    o.Code(),
			Explanation: ocrExplanation,
		}))
	}
	return errors.Join(errs...)
}

// Run implements pipe.Pipe.
func (o *OCR) Run(ctx context.Context, env *pipe.Env, job pipe.JobMetadata, wm *memory.WorkingMemory, params pipe.RunParams, outputName string) (*pipe.Output, error) {
	in := o.classifyInputs(env)
	required, _ := o.RequiredVariables(env)
	if len(required) == 0 {
		return nil, fmt.Errorf("%w: ocr pipe %q has no image or pdf input", pipe.ErrPipeDefinition, o.Code())
	}
	if _, err := pipe.ResolveRequired(wm, required, params.RunMode, params.Path()); err != nil {
		return nil, err
	}
	gen, err := o.generator(env, params)
	if err != nil {
		return nil, err
	}

	req := generation.PagesRequest{Model: o.model, Label: o.Code()}
	var image *memory.ImageContent
	if in.image != "" {
		if image, err = memory.StuffAs[*memory.ImageContent](wm, in.image); err != nil {
			return nil, fmt.Errorf("ocr pipe %q: %w", o.Code(), err)
		}
		req.Images = []*memory.ImageContent{image}
	} else {
		if req.PDF, err = memory.StuffAs[*memory.PDFContent](wm, in.pdf); err != nil {
			return nil, fmt.Errorf("ocr pipe %q: %w", o.Code(), err)
		}
	}

	pages, err := gen.ExtractPages(ctx, req)
	if err != nil {
		return nil, err
	}
	items := make([]memory.Content, 0, len(pages))
	for _, page := range pages {
		switch {
		case !o.includePageViews:
			page.PageView = nil
		case page.PageView == nil && image != nil:
			view := *image
			page.PageView = &view
		}
		items = append(items, page)
	}
	return o.setOutput(env, wm, job, params, outputName, &memory.ListContent{Items: items})
}
