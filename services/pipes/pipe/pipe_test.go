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
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianPipes/services/pipes/concept"
	"github.com/AleutianAI/AleutianPipes/services/pipes/generation"
	"github.com/AleutianAI/AleutianPipes/services/pipes/memory"
	"github.com/AleutianAI/AleutianPipes/services/pipes/templating"
)

// stubPipe records the params it ran with and optionally fails or recurses.
type stubPipe struct {
	Base
	deps     []string
	err      error
	validate error
	recurse  bool
	seen     []RunParams
}

func newStub(code string) *stubPipe {
	return &stubPipe{Base: NewBase(code, "test", "stub", NewInputSpec(), concept.Text.Code())}
}

func (s *stubPipe) Kind() Kind { return KindOperator }

func (s *stubPipe) RequiredVariables(*Env) ([]string, error) { return nil, nil }

func (s *stubPipe) NeededInputs(*Env) (InputSpec, error) { return s.Inputs(), nil }

func (s *stubPipe) PipeDependencies() []string { return s.deps }

func (s *stubPipe) ValidateWithLibraries(*Env) error { return s.validate }

func (s *stubPipe) Run(ctx context.Context, env *Env, job JobMetadata, wm *memory.WorkingMemory, params RunParams, outputName string) (*Output, error) {
	s.seen = append(s.seen, params)
	if s.err != nil {
		return nil, s.err
	}
	if s.recurse {
		return env.Router.RunPipeCode(ctx, env, s.Code(), job, wm, params, outputName)
	}
	return NewOutput(wm, job), nil
}

func newTestEnv(t *testing.T, pipes ...Pipe) (*Env, *Library) {
	t.Helper()
	lib := NewLibrary()
	require.NoError(t, lib.AddPipes(pipes...))
	return &Env{
		Pipes:     lib,
		Concepts:  concept.NewLibrary(),
		Router:    NewRouter(8),
		Templates: templating.NewJinja2Renderer(nil),
		Policy:    concept.StrictPolicy(),
	}, lib
}

func TestRunParams_WithPipeLayerDoesNotAlias(t *testing.T) {
	base := NewRunParams(RunModeLive).WithPipeLayer("a")
	left := base.WithPipeLayer("b")
	right := base.WithPipeLayer("c")

	assert.Equal(t, "a.b", left.Path())
	assert.Equal(t, "a.c", right.Path())
	assert.Equal(t, "a", base.Path())
	assert.Equal(t, "a.x.y", base.Path("x", "y"))
}

func TestRunParams_Copies(t *testing.T) {
	bp := DefaultBatchParams()
	p := NewRunParams(RunModeDry).WithBatchParams(&bp)
	bp.InputListStuffName = "changed"
	assert.Equal(t, memory.MainStuffName, p.BatchParams.InputListStuffName)
	assert.True(t, p.IsDry())

	p = p.WithBatchParams(nil).WithFinalStuffCode("abc")
	assert.Nil(t, p.BatchParams)
	assert.Equal(t, "abc", p.OutputStuffCode())
	assert.Len(t, NewRunParams(RunModeLive).OutputStuffCode(), 12)
}

func TestParseRunMode(t *testing.T) {
	m, err := ParseRunMode("DRY")
	require.NoError(t, err)
	assert.Equal(t, RunModeDry, m)
	_, err = ParseRunMode("fast")
	assert.Error(t, err)
}

func TestJobMetadata_CopyWithUpdate(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	job := JobMetadata{JobName: "a", PipelineRunID: "run", PipeJobIDs: []string{"j1"}, StartedAt: start}
	done := start.Add(time.Minute)

	got := job.CopyWithUpdate(JobMetadata{JobName: "b", PipeJobIDs: []string{"j2"}, CompletedAt: &done})
	want := JobMetadata{JobName: "b", PipelineRunID: "run", PipeJobIDs: []string{"j1", "j2"}, StartedAt: start, CompletedAt: &done}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("CopyWithUpdate mismatch (-want +got):\n%s", diff)
	}
	if len(job.PipeJobIDs) != 1 {
		t.Errorf("original PipeJobIDs mutated: %v", job.PipeJobIDs)
	}
}

func TestInputSpec(t *testing.T) {
	s := NewInputSpec(
		ParseRequirement("doc", "native.PDF"),
		ParseRequirement("pages", "native.Page[]"),
	)
	s.Add(ParseRequirement("doc", "native.Image"))

	assert.Equal(t, []string{"doc", "pages"}, s.Names())
	r, ok := s.Get("pages")
	require.True(t, ok)
	assert.True(t, r.Multiple)
	assert.Equal(t, "native.Page", r.ConceptCode)
	assert.Equal(t, []string{"native.Image", "native.Page"}, s.ConceptCodes())

	other := NewInputSpec(ParseRequirement("extra", "native.Text"), ParseRequirement("doc", "native.PDF"))
	s.Merge(other)
	assert.Equal(t, []string{"doc", "pages", "extra"}, s.Names())
	r, _ = s.Get("doc")
	assert.Equal(t, "native.Image", r.ConceptCode)

	inputs := s.DryRunInputs(concept.NewLibrary())
	require.Len(t, inputs, 3)
	assert.Equal(t, memory.KindImage, inputs[0].Kind)
	assert.Equal(t, memory.KindPage, inputs[1].Kind)
}

func TestPipeErrors(t *testing.T) {
	inputErr := &PipeInputError{Path: "a.b", Missing: []string{"x", "y"}}
	assert.ErrorIs(t, inputErr, ErrPipeInput)
	assert.Contains(t, inputErr.Error(), "x, y")

	dry := &DryRunError{PipeCode: "p", MissingInputs: []string{"x"}}
	assert.ErrorIs(t, dry, ErrDryRun)

	wrapped := NewPipeError("inner", inputErr)
	twice := NewPipeError("outer", wrapped)
	var pe *PipeError
	require.True(t, errors.As(twice, &pe))
	assert.Equal(t, "inner", pe.PipeCode)
	assert.ErrorIs(t, twice, ErrPipeInput)
	assert.NoError(t, NewPipeError("p", nil))
}

func TestResolveRequired(t *testing.T) {
	wm := memory.New(nil)
	require.NoError(t, wm.AddNewStuff("a", memory.MakeStuff("native.Text", "a", &memory.TextContent{Text: "A"})))

	got, err := ResolveRequired(wm, []string{"a"}, RunModeLive, "p")
	require.NoError(t, err)
	assert.Equal(t, "A", got["a"].Rendered())

	_, err = ResolveRequired(wm, []string{"a", "b", "c"}, RunModeLive, "outer.p")
	var inputErr *PipeInputError
	require.ErrorAs(t, err, &inputErr)
	assert.Equal(t, "outer.p", inputErr.Path)
	assert.Equal(t, []string{"b", "c"}, inputErr.Missing)
	assert.NotErrorIs(t, err, ErrDryRun)

	_, err = ResolveRequired(wm, []string{"a", "b"}, RunModeDry, "outer.p")
	var dryErr *DryRunError
	require.ErrorAs(t, err, &dryErr)
	assert.ErrorIs(t, err, ErrDryRun)
	assert.NotErrorIs(t, err, ErrPipeInput)
	assert.Equal(t, "p", dryErr.PipeCode)
	assert.Equal(t, "outer.p", dryErr.Path)
	assert.Equal(t, []string{"b"}, dryErr.MissingInputs)
	assert.Equal(t, `dry run failed for pipe "p" at "outer.p": missing required inputs: b`, dryErr.Error())
}

func TestHelpers(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, SortedUnique([]string{"b", "", "a", "b"}))
	assert.Equal(t, []string{"a"}, PublicNames([]string{"_loop", "a"}))
}

func TestLibrary_AddAndGet(t *testing.T) {
	lib := NewLibrary()
	require.NoError(t, lib.AddPipe(newStub("b")))
	require.NoError(t, lib.AddPipe(newStub("a")))

	err := lib.AddPipe(newStub("a"))
	assert.ErrorIs(t, err, ErrPipeDefinition)

	_, err = lib.GetRequiredPipe("missing")
	assert.ErrorIs(t, err, ErrPipeNotFound)

	codes := []string{}
	for _, p := range lib.Pipes() {
		codes = append(codes, p.Code())
	}
	assert.Equal(t, []string{"a", "b"}, codes)
	assert.Len(t, lib.ListByDomain()["test"], 2)

	lib.Teardown()
	assert.Equal(t, 0, lib.Len())
}

func TestLibrary_ValidateWithLibraries(t *testing.T) {
	good := newStub("good")
	dangling := newStub("dangling")
	dangling.deps = []string{"nowhere"}
	badConcept := newStub("bad_concept")
	badConcept.outputConcept = "test.Unregistered"
	selfInvalid := newStub("self_invalid")
	selfInvalid.validate = errors.New("broken")

	env, lib := newTestEnv(t, good)
	require.NoError(t, lib.ValidateWithLibraries(env))

	require.NoError(t, lib.AddPipes(dangling, badConcept, selfInvalid))
	err := lib.ValidateWithLibraries(env)
	require.ErrorIs(t, err, ErrLibrary)
	assert.ErrorIs(t, err, concept.ErrConceptNotFound)
	assert.Contains(t, err.Error(), "nowhere")
	assert.Contains(t, err.Error(), "broken")
}

func TestLibrary_ValidateRejectsCycles(t *testing.T) {
	a, b, c := newStub("a"), newStub("b"), newStub("c")
	a.deps = []string{"b"}
	b.deps = []string{"c"}
	c.deps = []string{"a"}
	// Would fail if reached, proving the cycle check runs first.
	a.validate = errors.New("per-pipe validation ran")

	env, lib := newTestEnv(t, a, b, c)
	err := lib.ValidateWithLibraries(env)
	require.ErrorIs(t, err, ErrLibrary)
	assert.ErrorIs(t, err, ErrPipeDefinition)
	assert.Contains(t, err.Error(), "a -> b -> c -> a")
	assert.NotContains(t, err.Error(), "per-pipe validation ran")

	self := newStub("self")
	self.deps = []string{"self"}
	env, lib = newTestEnv(t, self)
	assert.ErrorContains(t, lib.ValidateWithLibraries(env), "self -> self")

	shared := newStub("shared")
	left, right := newStub("left"), newStub("right")
	left.deps = []string{"shared"}
	right.deps = []string{"shared", "left"}
	env, lib = newTestEnv(t, shared, left, right)
	assert.NoError(t, lib.ValidateWithLibraries(env), "a diamond is not a cycle")
}

func TestRouter_PushesLayerAndKeepsMode(t *testing.T) {
	p := newStub("leaf")
	env, _ := newTestEnv(t, p)

	params := NewRunParams(RunModeDry).WithPipeLayer("root")
	_, err := env.Router.RunPipeCode(context.Background(), env, "leaf", NewJobMetadata("t"), memory.New(nil), params, "")
	require.NoError(t, err)

	require.Len(t, p.seen, 1)
	assert.Equal(t, []string{"root", "leaf"}, p.seen[0].PipeLayers)
	assert.Equal(t, RunModeDry, p.seen[0].RunMode)
	assert.Equal(t, []string{"root"}, params.PipeLayers)
}

func TestRouter_WrapsErrors(t *testing.T) {
	p := newStub("leaf")
	p.err = &PipeInputError{Path: "leaf", Missing: []string{"x"}}
	env, _ := newTestEnv(t, p)

	_, err := env.Router.RunPipeCode(context.Background(), env, "leaf", NewJobMetadata("t"), memory.New(nil), NewRunParams(RunModeLive), "")
	var pe *PipeError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "leaf", pe.PipeCode)
	assert.ErrorIs(t, err, ErrPipeInput)

	_, err = env.Router.RunPipeCode(context.Background(), env, "ghost", NewJobMetadata("t"), memory.New(nil), NewRunParams(RunModeLive), "")
	assert.ErrorIs(t, err, ErrPipeNotFound)
}

func TestRouter_MaxDepth(t *testing.T) {
	p := newStub("loop")
	p.recurse = true
	env, _ := newTestEnv(t, p)

	_, err := env.Router.RunPipeCode(context.Background(), env, "loop", NewJobMetadata("t"), memory.New(nil), NewRunParams(RunModeLive), "")
	require.ErrorIs(t, err, ErrMaxDepth)
	assert.Len(t, p.seen, 8)
}

func TestRouter_NilContext(t *testing.T) {
	env, _ := newTestEnv(t)
	var ctx context.Context
	_, err := env.Router.RunPipe(ctx, env, newStub("x"), NewJobMetadata("t"), memory.New(nil), NewRunParams(RunModeLive), "")
	assert.ErrorIs(t, err, ErrNilContext)
}

func TestEnv(t *testing.T) {
	var empty Env
	assert.Error(t, empty.Validate())
	assert.NotNil(t, empty.Log())
	assert.NotNil(t, empty.Track())
	assert.Nil(t, empty.GeneratorFor(RunModeLive))
	assert.NotNil(t, empty.GeneratorFor(RunModeDry))

	dry := generation.NewDryGenerator()
	env, _ := newTestEnv(t)
	env.DryGenerator = dry
	require.NoError(t, env.Validate())
	assert.Same(t, dry, env.GeneratorFor(RunModeDry))
}
