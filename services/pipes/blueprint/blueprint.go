// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package blueprint loads concept and pipe libraries from YAML domain files.
//
// A domain file declares one domain, its concepts and its pipes:
//
//	domain: docs
//	definition: Document processing
//	concepts:
//	  Invoice: An invoice document
//	  Summary:
//	    definition: A short summary
//	    refines: Text
//	pipes:
//	  summarize:
//	    type: llm
//	    inputs:
//	      invoice: Invoice
//	    output: Summary
//	    prompt: "Summarize {{ invoice }}"
//
// Loading happens in two phases. Every file is decoded and registered first,
// so concepts and pipes may reference each other across files in any order.
// Validate then checks concept refinements and every pipe against the
// complete libraries.
package blueprint

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianPipes/services/pipes/concept"
	"github.com/AleutianAI/AleutianPipes/services/pipes/controllers"
	"github.com/AleutianAI/AleutianPipes/services/pipes/memory"
	"github.com/AleutianAI/AleutianPipes/services/pipes/operators"
	"github.com/AleutianAI/AleutianPipes/services/pipes/pipe"
	"github.com/AleutianAI/AleutianPipes/services/pipes/templating"
)

var (
	// ErrBlueprint wraps every decode or definition problem in a file.
	ErrBlueprint = errors.New("invalid blueprint")

	// ErrNoBlueprints is returned when the given paths hold no YAML files.
	ErrNoBlueprints = errors.New("no blueprint files found")
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// PipeType names the pipe variants a blueprint can declare.
type PipeType string

const (
	TypeLLM       PipeType = "llm"
	TypeTemplate  PipeType = "template"
	TypeOCR       PipeType = "ocr"
	TypeSequence  PipeType = "sequence"
	TypeBatch     PipeType = "batch"
	TypeCondition PipeType = "condition"
)

// File is one decoded domain file.
type File struct {
	Domain       string                      `yaml:"domain" validate:"required"`
	Definition   string                      `yaml:"definition"`
	SystemPrompt string                      `yaml:"system_prompt"`
	Concepts     map[string]ConceptBlueprint `yaml:"concepts" validate:"dive"`
	Pipes        map[string]PipeBlueprint    `yaml:"pipes" validate:"dive"`
}

// ConceptBlueprint declares a domain concept. In YAML it is either a plain
// definition string or a mapping with definition, refines and structure.
type ConceptBlueprint struct {
	Definition string             `yaml:"definition"`
	Refines    StringList         `yaml:"refines"`
	Structure  memory.ContentKind `yaml:"structure" validate:"omitempty,oneof=text number image pdf text_and_images page llm_prompt"`
}

var conceptKeys = []string{"definition", "refines", "structure"}

// UnmarshalYAML accepts the short string form.
func (c *ConceptBlueprint) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		c.Definition = node.Value
		return nil
	}
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: concept must be a string or a mapping", node.Line)
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		if key := node.Content[i].Value; !slices.Contains(conceptKeys, key) {
			return fmt.Errorf("line %d: field %s not found in concept", node.Content[i].Line, key)
		}
	}
	type plain ConceptBlueprint
	return node.Decode((*plain)(c))
}

// StringList is a YAML string or list of strings.
type StringList []string

// UnmarshalYAML accepts a single scalar as a one-item list.
func (s *StringList) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		*s = StringList{node.Value}
		return nil
	}
	var items []string
	if err := node.Decode(&items); err != nil {
		return err
	}
	*s = items
	return nil
}

// InputDecl is one declared input, "name: Concept" or "name: Concept[]".
type InputDecl struct {
	Name    string
	Concept string
}

// Inputs keeps the declaration order of a YAML inputs mapping.
type Inputs []InputDecl

// UnmarshalYAML walks the mapping node pairwise to keep the key order.
func (in *Inputs) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: inputs must be a mapping of name to concept", node.Line)
	}
	out := make(Inputs, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, value := node.Content[i], node.Content[i+1]
		if value.Kind != yaml.ScalarNode {
			return fmt.Errorf("line %d: input %q must name a concept", value.Line, key.Value)
		}
		out = append(out, InputDecl{Name: key.Value, Concept: value.Value})
	}
	*in = out
	return nil
}

// PipeBlueprint declares one pipe. Which fields apply depends on Type.
type PipeBlueprint struct {
	Type        PipeType `yaml:"type" validate:"required,oneof=llm template ocr sequence batch condition"`
	Description string   `yaml:"description"`
	Inputs      Inputs   `yaml:"inputs"`
	Output      string   `yaml:"output" validate:"required"`

	// llm
	Prompt         string   `yaml:"prompt"`
	SystemPrompt   string   `yaml:"system_prompt"`
	Model          string   `yaml:"model"`
	Temperature    *float32 `yaml:"temperature" validate:"omitempty,gte=0,lte=2"`
	MaxTokens      int      `yaml:"max_tokens" validate:"gte=0"`
	Structured     bool     `yaml:"structured"`
	NbOutput       int      `yaml:"nb_output" validate:"gte=0"`
	MultipleOutput bool     `yaml:"multiple_output"`

	// template
	Template string `yaml:"template"`

	// ocr
	PageViews bool `yaml:"page_views"`

	// sequence
	Steps []StepBlueprint `yaml:"steps" validate:"dive"`

	// batch
	BranchPipeCode     string `yaml:"branch_pipe_code"`
	InputListStuffName string `yaml:"input_list_stuff_name"`
	InputItemStuffName string `yaml:"input_item_stuff_name"`

	// condition
	Expression               string            `yaml:"expression"`
	ExpressionTemplate       string            `yaml:"expression_template"`
	Outcomes                 map[string]string `yaml:"outcomes"`
	DefaultOutcome           string            `yaml:"default_outcome"`
	AddAliasFromExpressionTo string            `yaml:"add_alias_from_expression_to"`
}

// StepBlueprint is one sequence step.
type StepBlueprint struct {
	Pipe           string `yaml:"pipe" validate:"required"`
	Result         string `yaml:"result"`
	NbOutput       int    `yaml:"nb_output" validate:"gte=0"`
	MultipleOutput bool   `yaml:"multiple_output"`
	BatchOver      string `yaml:"batch_over" validate:"required_with=BatchAs"`
	BatchAs        string `yaml:"batch_as" validate:"required_with=BatchOver"`
}

// Parse decodes and validates one domain file. Unknown keys are rejected.
func Parse(r io.Reader) (*File, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var f File
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty document", ErrBlueprint)
		}
		return nil, fmt.Errorf("%w: %w", ErrBlueprint, err)
	}
	if err := validate.Struct(f); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBlueprint, err)
	}
	return &f, nil
}

// Options carries defaults applied to pipes that leave them unset.
type Options struct {
	DefaultModel string
	Temperature  *float32
	MaxTokens    int

	// Policy is the static validation policy used by Validate.
	Policy concept.ReactionPolicy
}

// Loader accumulates domain files into a concept and a pipe library.
//
// Description:
//
//	Add registers concepts and pipes without cross-checking them. Call
//	Validate once every file has been added.
//
// Thread Safety: Not safe for concurrent use.
type Loader struct {
	opts     Options
	logger   *slog.Logger
	concepts *concept.Library
	pipes    *pipe.Library
	files    []string
}

// NewLoader creates a loader with empty libraries.
func NewLoader(opts Options, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		opts:     opts,
		logger:   logger,
		concepts: concept.NewLibrary(),
		pipes:    pipe.NewLibrary(),
	}
}

// Concepts returns the concept library being built.
func (l *Loader) Concepts() *concept.Library { return l.concepts }

// Pipes returns the pipe library being built.
func (l *Loader) Pipes() *pipe.Library { return l.pipes }

// Files returns the files added so far, in load order.
func (l *Loader) Files() []string { return slices.Clone(l.files) }

// AddBytes parses data and registers its contents. name labels errors.
func (l *Loader) AddBytes(name string, data []byte) error {
	f, err := Parse(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if err := l.register(f); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	l.files = append(l.files, name)
	l.logger.Debug("blueprint registered",
		slog.String("file", name),
		slog.String("domain", f.Domain),
		slog.Int("concepts", len(f.Concepts)),
		slog.Int("pipes", len(f.Pipes)))
	return nil
}

// AddPaths registers every .yaml or .yml file under paths. Directories are
// walked recursively in lexical order.
func (l *Loader) AddPaths(paths ...string) error {
	var files []string
	for _, root := range paths {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			if ext := strings.ToLower(filepath.Ext(path)); ext == ".yaml" || ext == ".yml" {
				files = append(files, path)
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("scan %s: %w", root, err)
		}
	}
	if len(files) == 0 {
		return fmt.Errorf("%w in %s", ErrNoBlueprints, strings.Join(paths, ", "))
	}
	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read blueprint: %w", err)
		}
		if err := l.AddBytes(path, data); err != nil {
			return err
		}
	}
	return nil
}

// ValidationEnv returns an Env wired to the loader's libraries, suitable
// for load-time checks.
func (l *Loader) ValidationEnv() *pipe.Env {
	return &pipe.Env{
		Pipes:     l.pipes,
		Concepts:  l.concepts,
		Router:    pipe.NewRouter(0),
		Templates: templating.NewJinja2Renderer(l.logger),
		Policy:    l.opts.Policy,
		Logger:    l.logger,
	}
}

// Validate runs the second phase: concept refinements, then every pipe
// against the complete libraries.
func (l *Loader) Validate() error {
	if err := l.concepts.ValidateWithLibraries(); err != nil {
		return err
	}
	return l.pipes.ValidateWithLibraries(l.ValidationEnv())
}

// Load builds and validates libraries from paths in one call.
func Load(paths []string, opts Options, logger *slog.Logger) (*concept.Library, *pipe.Library, error) {
	l := NewLoader(opts, logger)
	if err := l.AddPaths(paths...); err != nil {
		return nil, nil, err
	}
	if err := l.Validate(); err != nil {
		return nil, nil, err
	}
	l.logger.Info("pipe library loaded",
		slog.Int("files", len(l.files)),
		slog.Int("pipes", l.pipes.Len()))
	return l.concepts, l.pipes, nil
}

func (l *Loader) register(f *File) error {
	var errs []error
	for _, name := range sortedKeys(f.Concepts) {
		cb := f.Concepts[name]
		c, err := concept.New(f.Domain, name, cb.Definition, cb.Refines...)
		if err != nil {
			errs = append(errs, fmt.Errorf("concept %s: %w", name, err))
			continue
		}
		c.StructureKind = cb.Structure
		if err := l.concepts.AddConcept(c); err != nil {
			errs = append(errs, err)
		}
	}
	for _, code := range sortedKeys(f.Pipes) {
		p, err := l.build(f, code, f.Pipes[code])
		if err != nil {
			errs = append(errs, fmt.Errorf("pipe %s: %w", code, err))
			continue
		}
		if err := l.pipes.AddPipe(p); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrBlueprint, errors.Join(errs...))
	}
	return nil
}

func (l *Loader) build(f *File, code string, b PipeBlueprint) (pipe.Pipe, error) {
	inputs := pipe.InputSpec{}
	for _, in := range b.Inputs {
		req := pipe.ParseRequirement(in.Name, in.Concept)
		req.ConceptCode = concept.QualifyCode(f.Domain, req.ConceptCode)
		inputs.Add(req)
	}
	output := concept.QualifyCode(f.Domain, b.Output)

	switch b.Type {
	case TypeLLM:
		spec := operators.LLMSpec{
			Code:          code,
			Domain:        f.Domain,
			Description:   b.Description,
			Inputs:        inputs,
			OutputConcept: output,
			SystemPrompt:  firstNonEmpty(b.SystemPrompt, f.SystemPrompt),
			Prompt:        b.Prompt,
			Model:         firstNonEmpty(b.Model, l.opts.DefaultModel),
			Temperature:   b.Temperature,
			MaxTokens:     b.MaxTokens,
			Structured:    b.Structured,
			Multiplicity:  multiplicity(b.NbOutput, b.MultipleOutput),
		}
		if spec.Temperature == nil {
			spec.Temperature = l.opts.Temperature
		}
		if spec.MaxTokens == 0 {
			spec.MaxTokens = l.opts.MaxTokens
		}
		return operators.NewLLM(spec)
	case TypeTemplate:
		return operators.NewTemplate(code, f.Domain, b.Description, inputs, output, b.Template)
	case TypeOCR:
		return operators.NewOCR(code, f.Domain, b.Description, inputs, output, firstNonEmpty(b.Model, l.opts.DefaultModel), b.PageViews), nil
	case TypeSequence:
		steps := make([]controllers.SubPipe, 0, len(b.Steps))
		for _, st := range b.Steps {
			sub := controllers.SubPipe{
				PipeCode:           st.Pipe,
				OutputName:         st.Result,
				OutputMultiplicity: multiplicity(st.NbOutput, st.MultipleOutput),
			}
			if st.BatchOver != "" {
				sub.BatchParams = &pipe.BatchParams{
					InputListStuffName: st.BatchOver,
					InputItemStuffName: st.BatchAs,
				}
			}
			steps = append(steps, sub)
		}
		return controllers.NewSequence(code, f.Domain, b.Description, inputs, output, steps)
	case TypeBatch:
		var bp *pipe.BatchParams
		if b.InputListStuffName != "" || b.InputItemStuffName != "" {
			def := pipe.DefaultBatchParams()
			bp = &pipe.BatchParams{
				InputListStuffName: firstNonEmpty(b.InputListStuffName, def.InputListStuffName),
				InputItemStuffName: firstNonEmpty(b.InputItemStuffName, def.InputItemStuffName),
			}
		}
		return controllers.NewBatch(code, f.Domain, b.Description, inputs, output, b.BranchPipeCode, bp)
	case TypeCondition:
		return controllers.NewCondition(controllers.ConditionSpec{
			Code:                     code,
			Domain:                   f.Domain,
			Description:              b.Description,
			Inputs:                   inputs,
			OutputConcept:            output,
			Expression:               b.Expression,
			ExpressionTemplate:       b.ExpressionTemplate,
			PipeMap:                  b.Outcomes,
			DefaultPipeCode:          b.DefaultOutcome,
			AddAliasFromExpressionTo: b.AddAliasFromExpressionTo,
		})
	}
	return nil, fmt.Errorf("%w: unknown pipe type %q", pipe.ErrPipeDefinition, b.Type)
}

func multiplicity(count int, variable bool) *pipe.Multiplicity {
	if count == 0 && !variable {
		return nil
	}
	return &pipe.Multiplicity{Count: count, Variable: variable}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
