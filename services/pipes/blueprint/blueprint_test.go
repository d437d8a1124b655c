// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package blueprint

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianPipes/services/pipes/concept"
	"github.com/AleutianAI/AleutianPipes/services/pipes/controllers"
	"github.com/AleutianAI/AleutianPipes/services/pipes/operators"
	"github.com/AleutianAI/AleutianPipes/services/pipes/pipe"
)

const docsDomain = `
domain: docs
definition: Document processing
system_prompt: You are precise.
concepts:
  Invoice: An invoice
  Summary:
    definition: A short summary
    refines: Text
  Verdict:
    definition: A routing decision
    refines: [Text]
pipes:
  summarize:
    type: llm
    description: Summarize one invoice
    inputs:
      invoice: Invoice
    output: Summary
    prompt: "Summarize {{ invoice }}"
  summarize_all:
    type: batch
    inputs:
      invoices: Invoice[]
      invoice: Invoice
    output: Summary
    branch_pipe_code: summarize
    input_list_stuff_name: invoices
    input_item_stuff_name: invoice
  format:
    type: template
    inputs:
      summaries: Summary[]
    output: Text
    template: "Summaries: {{ summaries }}"
  report:
    type: sequence
    inputs:
      invoices: Invoice[]
    output: Text
    steps:
      - pipe: summarize
        batch_over: invoices
        batch_as: invoice
        result: summaries
      - pipe: format
        result: report
  route:
    type: condition
    inputs:
      verdict: Verdict
      invoice: Invoice
    output: Text
    expression: verdict
    outcomes:
      short: summarize
    default_outcome: summarize
`

func strictOptions() Options {
	return Options{DefaultModel: "test-model", MaxTokens: 256, Policy: concept.StrictPolicy()}
}

func loadDocs(t *testing.T) *Loader {
	t.Helper()
	l := NewLoader(strictOptions(), nil)
	require.NoError(t, l.AddBytes("docs.yaml", []byte(docsDomain)))
	require.NoError(t, l.Validate())
	return l
}

// =============================================================================
// Parse Tests
// =============================================================================

func TestParse_KeepsInputOrder(t *testing.T) {
	f, err := Parse(strings.NewReader(docsDomain))
	require.NoError(t, err)

	want := Inputs{{Name: "verdict", Concept: "Verdict"}, {Name: "invoice", Concept: "Invoice"}}
	if diff := cmp.Diff(want, f.Pipes["route"].Inputs); diff != "" {
		t.Errorf("route inputs mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, StringList{"Text"}, f.Concepts["Summary"].Refines)
	assert.Equal(t, "An invoice", f.Concepts["Invoice"].Definition)
	assert.Len(t, f.Pipes["report"].Steps, 2)
}

func TestParse_Rejects(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"empty document", ""},
		{"missing domain", "pipes: {}\n"},
		{"unknown top-level key", "domain: d\npipez: {}\n"},
		{"unknown pipe key", "domain: d\npipes:\n  p:\n    type: template\n    output: Text\n    templat: x\n"},
		{"unknown concept key", "domain: d\nconcepts:\n  A:\n    definiton: x\n"},
		{"bad structure", "domain: d\nconcepts:\n  A:\n    structure: hologram\n"},
		{"bad pipe type", "domain: d\npipes:\n  p:\n    type: magic\n    output: Text\n"},
		{"missing output", "domain: d\npipes:\n  p:\n    type: template\n    template: x\n"},
		{"inputs as list", "domain: d\npipes:\n  p:\n    type: template\n    output: Text\n    inputs: [a]\n"},
		{"batch_over without batch_as", "domain: d\npipes:\n  p:\n    type: sequence\n    output: Text\n    steps:\n      - pipe: q\n        batch_over: xs\n"},
		{"step without pipe", "domain: d\npipes:\n  p:\n    type: sequence\n    output: Text\n    steps:\n      - result: r\n"},
		{"temperature too high", "domain: d\npipes:\n  p:\n    type: llm\n    output: Text\n    prompt: hi\n    temperature: 3\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tt.body))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrBlueprint)
		})
	}
}

// =============================================================================
// Loader Tests
// =============================================================================

func TestLoader_BuildsEveryPipeType(t *testing.T) {
	l := loadDocs(t)

	kinds := map[string]pipe.Kind{
		"summarize":     pipe.KindOperator,
		"format":        pipe.KindOperator,
		"summarize_all": pipe.KindBatch,
		"report":        pipe.KindSequence,
		"route":         pipe.KindCondition,
	}
	for code, kind := range kinds {
		p, err := l.Pipes().GetRequiredPipe(code)
		require.NoError(t, err, code)
		assert.Equal(t, kind, p.Kind(), code)
		assert.Equal(t, "docs", p.Domain(), code)
	}
	assert.Equal(t, []string{"docs.yaml"}, l.Files())
}

func TestLoader_QualifiesConceptCodes(t *testing.T) {
	l := loadDocs(t)

	summary, err := l.Concepts().GetRequiredConcept("docs.Summary")
	require.NoError(t, err)
	assert.Equal(t, []string{concept.Text.Code()}, summary.Refines)
	assert.True(t, l.Concepts().IsCompatibleByConceptCode("docs.Summary", concept.Text.Code()))

	all, err := l.Pipes().GetRequiredPipe("summarize_all")
	require.NoError(t, err)
	invoices, ok := all.Inputs().Get("invoices")
	require.True(t, ok)
	assert.Equal(t, pipe.InputRequirement{Name: "invoices", ConceptCode: "docs.Invoice", Multiple: true}, invoices)
	assert.Equal(t, "docs.Summary", all.OutputConcept())

	format, err := l.Pipes().GetRequiredPipe("format")
	require.NoError(t, err)
	assert.Equal(t, concept.Text.Code(), format.OutputConcept())
}

func TestLoader_AppliesOptions(t *testing.T) {
	l := loadDocs(t)
	p, err := l.Pipes().GetRequiredPipe("summarize")
	require.NoError(t, err)
	llm, ok := p.(*operators.LLM)
	require.True(t, ok)
	assert.Equal(t, "test-model", llm.Model())
}

func TestLoader_SequenceAndCondition(t *testing.T) {
	l := loadDocs(t)

	p, err := l.Pipes().GetRequiredPipe("report")
	require.NoError(t, err)
	seq := p.(*controllers.Sequence)
	steps := seq.Steps()
	require.Len(t, steps, 2)
	assert.Equal(t, &pipe.BatchParams{InputListStuffName: "invoices", InputItemStuffName: "invoice"}, steps[0].BatchParams)
	assert.Equal(t, "summaries", steps[0].OutputName)
	assert.Nil(t, steps[1].BatchParams)

	required, err := seq.RequiredVariables(l.ValidationEnv())
	require.NoError(t, err)
	assert.Equal(t, []string{"invoices"}, required)

	p, err = l.Pipes().GetRequiredPipe("route")
	require.NoError(t, err)
	cond := p.(*controllers.Condition)
	assert.Equal(t, map[string]string{"short": "summarize"}, cond.PipeMap())
	assert.Equal(t, "summarize", cond.DefaultPipeCode())
}

func TestLoader_ForwardReferencesAcrossFiles(t *testing.T) {
	pipes := `
domain: billing
pipes:
  describe:
    type: template
    inputs:
      invoice: docs.Invoice
    output: Text
    template: "{{ invoice }}"
`
	l := NewLoader(strictOptions(), nil)
	require.NoError(t, l.AddBytes("billing.yaml", []byte(pipes)))
	require.NoError(t, l.AddBytes("docs.yaml", []byte(docsDomain)))
	assert.NoError(t, l.Validate())
}

func TestLoader_ValidateUnknownReferences(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unknown branch pipe", `
domain: d
pipes:
  all:
    type: batch
    output: Text
    branch_pipe_code: ghost
`},
		{"pipe cycle", `
domain: d
pipes:
  loop:
    type: sequence
    inputs:
      x: Text
    output: Text
    steps:
      - pipe: again
  again:
    type: condition
    inputs:
      x: Text
    output: Text
    expression: x
    outcomes:
      go: loop
    default_outcome: loop
`},
		{"unknown concept", `
domain: d
pipes:
  t:
    type: template
    inputs:
      x: Ghost
    output: Text
    template: "{{ x }}"
`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := NewLoader(strictOptions(), nil)
			require.NoError(t, l.AddBytes("d.yaml", []byte(tt.body)))
			assert.ErrorIs(t, l.Validate(), pipe.ErrLibrary)
		})
	}
}

func TestLoader_UnknownRefinement(t *testing.T) {
	l := NewLoader(strictOptions(), nil)
	require.NoError(t, l.AddBytes("d.yaml", []byte("domain: d\nconcepts:\n  A:\n    refines: Ghost\n")))
	assert.Error(t, l.Validate())
}

func TestLoader_DeclaredInputPolicy(t *testing.T) {
	body := `
domain: d
pipes:
  t:
    type: template
    inputs:
      unused: Text
    output: Text
    template: "{{ used }}"
`
	strict := NewLoader(strictOptions(), nil)
	require.NoError(t, strict.AddBytes("d.yaml", []byte(body)))
	err := strict.Validate()
	require.Error(t, err)
	var sve *concept.StaticValidationError
	assert.ErrorAs(t, err, &sve)

	lenient := NewLoader(Options{Policy: concept.ReactionPolicy{DefaultReaction: concept.ReactionIgnore}}, nil)
	require.NoError(t, lenient.AddBytes("d.yaml", []byte(body)))
	assert.NoError(t, lenient.Validate())
}

func TestLoader_DuplicatePipe(t *testing.T) {
	body := "domain: d\npipes:\n  p:\n    type: template\n    output: Text\n    template: hi\n"
	l := NewLoader(strictOptions(), nil)
	require.NoError(t, l.AddBytes("a.yaml", []byte(body)))
	err := l.AddBytes("b.yaml", []byte(body))
	require.Error(t, err)
	assert.ErrorIs(t, err, pipe.ErrPipeDefinition)
	assert.Contains(t, err.Error(), "b.yaml")
}

func TestLoader_ConstructorErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"llm without prompt", "domain: d\npipes:\n  p:\n    type: llm\n    output: Text\n"},
		{"sequence without steps", "domain: d\npipes:\n  p:\n    type: sequence\n    output: Text\n"},
		{"condition without outcomes", "domain: d\npipes:\n  p:\n    type: condition\n    output: Text\n    expression: x\n"},
		{"batch without branch", "domain: d\npipes:\n  p:\n    type: batch\n    output: Text\n"},
		{"bad concept name", "domain: d\nconcepts:\n  lower: x\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := NewLoader(strictOptions(), nil)
			assert.ErrorIs(t, l.AddBytes("d.yaml", []byte(tt.body)), ErrBlueprint)
		})
	}
}

// =============================================================================
// Path Tests
// =============================================================================

func TestLoad_Paths(t *testing.T) {
	dir := t.TempDir()
	nested := filepath.Join(dir, "nested")
	require.NoError(t, os.MkdirAll(nested, 0750))
	require.NoError(t, os.WriteFile(filepath.Join(nested, "docs.yml"), []byte(docsDomain), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.txt"), []byte("not yaml"), 0600))

	concepts, pipes, err := Load([]string{dir}, strictOptions(), nil)
	require.NoError(t, err)
	assert.Equal(t, 5, pipes.Len())
	_, ok := concepts.GetOptionalConcept("docs.Verdict")
	assert.True(t, ok)
}

func TestLoad_NoFiles(t *testing.T) {
	_, _, err := Load([]string{t.TempDir()}, strictOptions(), nil)
	assert.ErrorIs(t, err, ErrNoBlueprints)
}

func TestLoad_MissingPath(t *testing.T) {
	_, _, err := Load([]string{filepath.Join(t.TempDir(), "absent")}, strictOptions(), nil)
	assert.ErrorIs(t, err, os.ErrNotExist)
}
