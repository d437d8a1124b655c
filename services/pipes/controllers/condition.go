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
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/AleutianPipes/services/pipes/concept"
	"github.com/AleutianAI/AleutianPipes/services/pipes/memory"
	"github.com/AleutianAI/AleutianPipes/services/pipes/pipe"
	"github.com/AleutianAI/AleutianPipes/services/pipes/telemetry"
	"github.com/AleutianAI/AleutianPipes/services/pipes/templating"
	"github.com/AleutianAI/AleutianPipes/services/pipes/tracker"
)

// ConditionSpec is the definition of a condition pipe.
type ConditionSpec struct {
	Code        string
	Domain      string
	Description string
	Inputs      pipe.InputSpec

	// OutputConcept is the concept every branch produces.
	OutputConcept string

	// Expression is a bare Jinja2 expression. Exactly one of Expression and
	// ExpressionTemplate must be set.
	Expression string

	// ExpressionTemplate is a full Jinja2 template.
	ExpressionTemplate string

	// PipeMap maps an evaluated value to the pipe code to run.
	PipeMap map[string]string

	// DefaultPipeCode runs when the value is not in PipeMap.
	DefaultPipeCode string

	// AddAliasFromExpressionTo, when set, binds the evaluated value as an
	// alias to this stuff name before the chosen pipe runs.
	AddAliasFromExpressionTo string
}

// Condition evaluates an expression against the working memory and runs
// the pipe mapped to its value.
//
// Thread Safety: Immutable after construction; safe for concurrent runs.
type Condition struct {
	pipe.Base
	expression               string
	expressionTemplate       string
	pipeMap                  map[string]string
	defaultPipeCode          string
	addAliasFromExpressionTo string
}

// NewCondition validates spec and builds the pipe.
func NewCondition(spec ConditionSpec) (*Condition, error) {
	hasExpr := strings.TrimSpace(spec.Expression) != ""
	hasTmpl := strings.TrimSpace(spec.ExpressionTemplate) != ""
	switch {
	case hasExpr && hasTmpl:
		return nil, fmt.Errorf("%w: condition %q has both expression and expression_template", pipe.ErrPipeDefinition, spec.Code)
	case !hasExpr && !hasTmpl:
		return nil, fmt.Errorf("%w: condition %q needs an expression or an expression_template", pipe.ErrPipeDefinition, spec.Code)
	}
	if len(spec.PipeMap) == 0 {
		return nil, fmt.Errorf("%w: condition %q has an empty pipe_map", pipe.ErrPipeDefinition, spec.Code)
	}
	return &Condition{
		Base:                     pipe.NewBase(spec.Code, spec.Domain, spec.Description, spec.Inputs, spec.OutputConcept),
		expression:               spec.Expression,
		expressionTemplate:       spec.ExpressionTemplate,
		pipeMap:                  maps.Clone(spec.PipeMap),
		defaultPipeCode:          spec.DefaultPipeCode,
		addAliasFromExpressionTo: spec.AddAliasFromExpressionTo,
	}, nil
}

// Kind implements pipe.Pipe.
func (c *Condition) Kind() pipe.Kind { return pipe.KindCondition }

// AppliedTemplate is the template actually rendered.
func (c *Condition) AppliedTemplate() string {
	if c.expressionTemplate != "" {
		return c.expressionTemplate
	}
	return "{{ " + c.expression + " }}"
}

// PipeMap returns a copy of the value to pipe mapping.
func (c *Condition) PipeMap() map[string]string { return maps.Clone(c.pipeMap) }

// DefaultPipeCode returns the fallback pipe, possibly empty.
func (c *Condition) DefaultPipeCode() string { return c.defaultPipeCode }

// PipeDependencies is every mapped pipe plus the default, sorted by map key
// with the default last.
func (c *Condition) PipeDependencies() []string {
	var out []string
	seen := make(map[string]bool)
	for _, key := range slices.Sorted(maps.Keys(c.pipeMap)) {
		code := c.pipeMap[key]
		if !seen[code] {
			seen[code] = true
			out = append(out, code)
		}
	}
	if c.defaultPipeCode != "" && !seen[c.defaultPipeCode] {
		out = append(out, c.defaultPipeCode)
	}
	return out
}

func (c *Condition) expressionVariables(env *pipe.Env) ([]string, error) {
	vars, err := env.Templates.RequiredVariables(c.AppliedTemplate())
	if err != nil {
		return nil, fmt.Errorf("%w: condition %q: %w", pipe.ErrPipeDefinition, c.Code(), err)
	}
	return pipe.PublicNames(vars), nil
}

// RequiredVariables covers the expression and every possible branch.
func (c *Condition) RequiredVariables(env *pipe.Env) ([]string, error) {
	names, err := c.expressionVariables(env)
	if err != nil {
		return nil, err
	}
	for _, code := range c.PipeDependencies() {
		p, err := env.Pipes.GetRequiredPipe(code)
		if err != nil {
			return nil, err
		}
		vars, err := p.RequiredVariables(env)
		if err != nil {
			return nil, err
		}
		names = append(names, vars...)
	}
	return pipe.SortedUnique(names), nil
}

// NeededInputs is the declared inputs, the expression variables and the
// needed inputs of every branch.
func (c *Condition) NeededInputs(env *pipe.Env) (pipe.InputSpec, error) {
	needed := c.Inputs()
	vars, err := c.expressionVariables(env)
	if err != nil {
		return pipe.InputSpec{}, err
	}
	for _, name := range vars {
		if !needed.Has(name) {
			needed.Add(pipe.InputRequirement{Name: name, ConceptCode: concept.Anything.Code()})
		}
	}
	for _, code := range c.PipeDependencies() {
		p, err := env.Pipes.GetRequiredPipe(code)
		if err != nil {
			return pipe.InputSpec{}, err
		}
		branchNeeded, err := p.NeededInputs(env)
		if err != nil {
			return pipe.InputSpec{}, err
		}
		needed.Merge(branchNeeded)
	}
	return needed, nil
}

// ValidateWithLibraries checks the template and the declared inputs.
func (c *Condition) ValidateWithLibraries(env *pipe.Env) error {
	required, err := c.RequiredVariables(env)
	if err != nil {
		return err
	}
	return pipe.CheckDeclaredInputs(env, c, required)
}

// Run evaluates the expression in live mode and validates every branch in
// dry mode.
func (c *Condition) Run(ctx context.Context, env *pipe.Env, job pipe.JobMetadata, wm *memory.WorkingMemory, params pipe.RunParams, outputName string) (*pipe.Output, error) {
	ctx, span := telemetry.StartSpan(ctx, "pipes.Condition",
		attribute.String("pipe.code", c.Code()),
		attribute.String("run.mode", string(params.RunMode)),
	)
	defer span.End()

	var out *pipe.Output
	var err error
	if params.IsDry() {
		out, err = c.dryRun(ctx, env, job, wm, params, outputName)
	} else {
		out, err = c.liveRun(ctx, env, job, wm, params, outputName)
	}
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	telemetry.SetSpanOK(span)
	return out, nil
}

func (c *Condition) details(evaluated, chosen string) tracker.ConditionDetails {
	return tracker.ConditionDetails{
		Code:                "condition-" + memory.NewStuffCode(),
		TestExpression:      c.AppliedTemplate(),
		PipeMap:             c.PipeMap(),
		DefaultPipeCode:     c.defaultPipeCode,
		EvaluatedExpression: evaluated,
		ChosenPipeCode:      chosen,
	}
}

// Evaluate renders the expression and picks the pipe code to run.
func (c *Condition) Evaluate(ctx context.Context, env *pipe.Env, wm *memory.WorkingMemory) (evaluated, chosen string, err error) {
	rendered, err := env.Templates.Render(ctx, c.AppliedTemplate(), wm)
	if err != nil {
		return "", "", fmt.Errorf("%w: condition %q: %w", pipe.ErrPipeCondition, c.Code(), err)
	}
	evaluated = strings.TrimSpace(rendered)
	if evaluated == "" || evaluated == "None" {
		return evaluated, "", fmt.Errorf("%w: condition %q evaluated to %q, which cannot select a pipe",
			pipe.ErrPipeCondition, c.Code(), evaluated)
	}
	if code, ok := c.pipeMap[evaluated]; ok {
		return evaluated, code, nil
	}
	if c.defaultPipeCode != "" {
		return evaluated, c.defaultPipeCode, nil
	}
	return evaluated, "", fmt.Errorf("%w: condition %q evaluated to %q, which is not mapped and no default pipe is set",
		pipe.ErrPipeCondition, c.Code(), evaluated)
}

func (c *Condition) liveRun(ctx context.Context, env *pipe.Env, job pipe.JobMetadata, wm *memory.WorkingMemory, params pipe.RunParams, outputName string) (*pipe.Output, error) {
	vars, err := c.expressionVariables(env)
	if err != nil {
		return nil, err
	}
	used, err := pipe.ResolveRequired(wm, vars, params.RunMode, params.Path())
	if err != nil {
		return nil, err
	}

	evaluated, chosen, err := c.Evaluate(ctx, env, wm)
	if err != nil {
		return nil, err
	}
	if c.addAliasFromExpressionTo != "" {
		if err := wm.AddAlias(evaluated, c.addAliasFromExpressionTo); err != nil {
			return nil, fmt.Errorf("condition %q: %w", c.Code(), err)
		}
	}

	env.Log().Debug("condition evaluated",
		slog.String("pipe", c.Code()),
		slog.String("evaluated", evaluated),
		slog.String("chosen", chosen))
	env.Metrics.ConditionChoice(ctx, c.Code(), chosen)

	details := c.details(evaluated, chosen)
	t := env.Track()
	for _, s := range sortedStuffs(used) {
		t.AddConditionStep(tracker.ConditionStep{
			From:       s,
			Condition:  details,
			Expression: c.AppliedTemplate(),
			PipeLayers: params.PipeLayers,
			Comment:    "condition live",
		})
	}

	out, err := env.Router.RunPipeCode(ctx, env, chosen, job, wm, params, outputName)
	if err != nil {
		return nil, err
	}
	if main, err := out.MainStuff(); err == nil {
		t.AddChoiceStep(tracker.ChoiceStep{
			Condition:  details,
			To:         main,
			PipeLayers: params.PipeLayers,
			Comment:    "condition live",
		})
	}
	return out, nil
}

// dryRun checks every needed input at once, the template and every branch
// pipe, then dry-runs all branches. Branches other than the adopted one run
// on forks; the adopted branch (the default pipe if set, else the first
// mapped pipe) runs on wm.
func (c *Condition) dryRun(ctx context.Context, env *pipe.Env, job pipe.JobMetadata, wm *memory.WorkingMemory, params pipe.RunParams, outputName string) (*pipe.Output, error) {
	needed, err := c.NeededInputs(env)
	if err != nil {
		return nil, &pipe.DryRunError{PipeCode: c.Code(), Path: params.Path(), Detail: err.Error()}
	}
	if missing := wm.MissingNames(needed.Names()); len(missing) > 0 {
		return nil, &pipe.DryRunError{PipeCode: c.Code(), Path: params.Path(), MissingInputs: missing}
	}
	if _, err := env.Templates.Render(ctx, c.AppliedTemplate(), wm); err != nil {
		if errors.Is(err, templating.ErrSyntax) || errors.Is(err, templating.ErrRender) {
			return nil, &pipe.DryRunError{PipeCode: c.Code(), Path: params.Path(), Detail: "expression does not render: " + err.Error()}
		}
		return nil, err
	}

	deps := c.PipeDependencies()
	var unknown []string
	for _, code := range deps {
		if _, ok := env.Pipes.GetOptionalPipe(code); !ok {
			unknown = append(unknown, code)
		}
	}
	if len(unknown) > 0 {
		return nil, &pipe.DryRunError{PipeCode: c.Code(), Path: params.Path(), Detail: "unknown pipes: " + strings.Join(unknown, ", ")}
	}

	adopted := deps[0]
	if c.defaultPipeCode != "" {
		adopted = c.defaultPipeCode
	}
	for _, code := range deps {
		if code == adopted {
			continue
		}
		if _, err := env.Router.RunPipeCode(ctx, env, code, job, wm.MakeDeepCopy(), params, outputName); err != nil {
			return nil, err
		}
	}
	out, err := env.Router.RunPipeCode(ctx, env, adopted, job, wm, params, outputName)
	if err != nil {
		return nil, err
	}

	details := c.details("", adopted)
	if main, err := out.MainStuff(); err == nil {
		env.Track().AddChoiceStep(tracker.ChoiceStep{
			Condition:  details,
			To:         main,
			PipeLayers: params.PipeLayers,
			Comment:    "condition dry",
		})
	}
	env.Log().Debug("condition dry run validated every branch",
		slog.String("pipe", c.Code()),
		slog.Int("branches", len(deps)))
	return out, nil
}
