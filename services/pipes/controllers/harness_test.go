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
	"sync"
	"sync/atomic"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianPipes/services/pipes/concept"
	"github.com/AleutianAI/AleutianPipes/services/pipes/generation"
	"github.com/AleutianAI/AleutianPipes/services/pipes/memory"
	"github.com/AleutianAI/AleutianPipes/services/pipes/pipe"
	"github.com/AleutianAI/AleutianPipes/services/pipes/templating"
	"github.com/AleutianAI/AleutianPipes/services/pipes/tracker"
)

// countingPipe writes "<code>" as text output and counts its runs per mode.
type countingPipe struct {
	pipe.Base
	required []string
	live     atomic.Int32
	dry      atomic.Int32

	mu     sync.Mutex
	layers [][]string
}

func newCounting(code string, required ...string) *countingPipe {
	inputs := pipe.NewInputSpec()
	for _, r := range required {
		inputs.Add(pipe.InputRequirement{Name: r, ConceptCode: concept.Text.Code()})
	}
	return &countingPipe{
		Base:     pipe.NewBase(code, "test", "counting", inputs, concept.Text.Code()),
		required: required,
	}
}

func (c *countingPipe) Kind() pipe.Kind                              { return pipe.KindOperator }
func (c *countingPipe) PipeDependencies() []string                   { return nil }
func (c *countingPipe) ValidateWithLibraries(*pipe.Env) error        { return nil }
func (c *countingPipe) RequiredVariables(*pipe.Env) ([]string, error) { return c.required, nil }
func (c *countingPipe) NeededInputs(*pipe.Env) (pipe.InputSpec, error) {
	return c.Inputs(), nil
}

func (c *countingPipe) Run(ctx context.Context, env *pipe.Env, job pipe.JobMetadata, wm *memory.WorkingMemory, params pipe.RunParams, outputName string) (*pipe.Output, error) {
	if _, err := pipe.ResolveRequired(wm, c.required, params.RunMode, params.Path()); err != nil {
		return nil, err
	}
	if params.IsDry() {
		c.dry.Add(1)
	} else {
		c.live.Add(1)
	}
	c.mu.Lock()
	c.layers = append(c.layers, params.PipeLayers)
	c.mu.Unlock()
	stuff := memory.NewStuff(params.OutputStuffCode(), outputName, c.OutputConcept(), &memory.TextContent{Text: c.Code()})
	if err := wm.SetNewMainStuff(stuff, outputName); err != nil {
		return nil, err
	}
	return pipe.NewOutput(wm, job), nil
}

// countingGenerator is a live generator that must never be reached by dry
// runs.
type countingGenerator struct {
	calls atomic.Int64
}

func (g *countingGenerator) GenerateText(context.Context, generation.TextRequest) (string, error) {
	g.calls.Add(1)
	return "live", nil
}

func (g *countingGenerator) GenerateObject(context.Context, generation.TextRequest) (map[string]any, error) {
	g.calls.Add(1)
	return map[string]any{"text": "live"}, nil
}

func (g *countingGenerator) ExtractPages(context.Context, generation.PagesRequest) ([]*memory.PageContent, error) {
	g.calls.Add(1)
	return nil, nil
}

type harness struct {
	env      *pipe.Env
	pipes    *pipe.Library
	recorder *tracker.Recorder
	live     *countingGenerator
}

func newHarness(t *testing.T, pipes ...pipe.Pipe) *harness {
	t.Helper()
	lib := pipe.NewLibrary()
	require.NoError(t, lib.AddPipes(pipes...))
	rec := tracker.NewRecorder(clockwork.NewFakeClock(), nil)
	live := &countingGenerator{}
	return &harness{
		env: &pipe.Env{
			Pipes:        lib,
			Concepts:     concept.NewLibrary(),
			Router:       pipe.NewRouter(0),
			Tracker:      rec,
			Templates:    templating.NewJinja2Renderer(nil),
			Generator:    live,
			DryGenerator: generation.NewDryGenerator(),
			Policy:       concept.StrictPolicy(),
		},
		pipes:    lib,
		recorder: rec,
		live:     live,
	}
}

func (h *harness) run(t *testing.T, code string, wm *memory.WorkingMemory, mode pipe.RunMode, outputName string) (*pipe.Output, error) {
	t.Helper()
	return h.env.Router.RunPipeCode(context.Background(), h.env, code, pipe.NewJobMetadata(t.Name()), wm, pipe.NewRunParams(mode), outputName)
}

func textStuff(name, text string) *memory.Stuff {
	return memory.MakeStuff(concept.Text.Code(), name, &memory.TextContent{Text: text})
}

func textList(name string, values ...string) *memory.Stuff {
	items := make([]memory.Content, 0, len(values))
	for _, v := range values {
		items = append(items, &memory.TextContent{Text: v})
	}
	return memory.MakeStuff(concept.Text.Code(), name, &memory.ListContent{Items: items})
}

func listTexts(t *testing.T, s *memory.Stuff) []string {
	t.Helper()
	list, ok := s.Content().(*memory.ListContent)
	require.True(t, ok, "content is %T, want list", s.Content())
	out := make([]string, 0, len(list.Items))
	for _, item := range list.Items {
		out = append(out, item.Rendered())
	}
	return out
}
