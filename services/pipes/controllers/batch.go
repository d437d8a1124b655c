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
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianPipes/services/pipes/memory"
	"github.com/AleutianAI/AleutianPipes/services/pipes/pipe"
	"github.com/AleutianAI/AleutianPipes/services/pipes/telemetry"
	"github.com/AleutianAI/AleutianPipes/services/pipes/tracker"
)

// Batch runs a branch pipe once per item of a list and gathers the results
// into a new list, preserving item order.
//
// Thread Safety: Immutable after construction; safe for concurrent runs.
type Batch struct {
	pipe.Base
	branchPipeCode string
	batchParams    *pipe.BatchParams
}

// NewBatch creates a batch controller. batchParams may be nil, in which
// case run params or the defaults apply.
func NewBatch(code, domain, description string, inputs pipe.InputSpec, outputConcept, branchPipeCode string, batchParams *pipe.BatchParams) (*Batch, error) {
	if branchPipeCode == "" {
		return nil, fmt.Errorf("%w: batch %q needs a branch pipe code", pipe.ErrPipeDefinition, code)
	}
	b := &Batch{
		Base:           pipe.NewBase(code, domain, description, inputs, outputConcept),
		branchPipeCode: branchPipeCode,
	}
	if batchParams != nil {
		bp := *batchParams
		b.batchParams = &bp
	}
	return b, nil
}

// Kind implements pipe.Pipe.
func (b *Batch) Kind() pipe.Kind { return pipe.KindBatch }

// BranchPipeCode returns the pipe run for every item.
func (b *Batch) BranchPipeCode() string { return b.branchPipeCode }

// PipeDependencies implements pipe.Pipe.
func (b *Batch) PipeDependencies() []string { return []string{b.branchPipeCode} }

// RequiredVariables is the branch pipe's declared inputs plus the item name.
func (b *Batch) RequiredVariables(env *pipe.Env) ([]string, error) {
	branch, err := env.Pipes.GetRequiredPipe(b.branchPipeCode)
	if err != nil {
		return nil, err
	}
	names := branch.Inputs().Names()
	if b.batchParams != nil && b.batchParams.InputItemStuffName != "" {
		names = append(names, b.batchParams.InputItemStuffName)
	}
	return pipe.SortedUnique(names), nil
}

// NeededInputs implements pipe.Pipe.
func (b *Batch) NeededInputs(*pipe.Env) (pipe.InputSpec, error) {
	return b.Inputs(), nil
}

// ValidateWithLibraries checks that every variable the branch reads is a
// declared input of the batch.
func (b *Batch) ValidateWithLibraries(env *pipe.Env) error {
	required, err := b.RequiredVariables(env)
	if err != nil {
		return err
	}
	inputs := b.Inputs()
	for _, name := range required {
		if !inputs.Has(name) {
			return fmt.Errorf("%w: input %q of batch %q is not declared, branch pipe %q reads it",
				pipe.ErrPipeDefinition, name, b.Code(), b.branchPipeCode)
		}
	}
	return nil
}

type branchPlan struct {
	item     *memory.Stuff
	wm       *memory.WorkingMemory
	required []*memory.Stuff
	params   pipe.RunParams
}

// Run fans out over the input list in the mode carried by params.
//
// Description:
//
//	Every branch gets a forked working memory whose main stuff is the
//	branch item. Branches run concurrently through the router, bounded by
//	env.MaxBatchConcurrency. The first failing branch cancels the others
//	and its error is returned; the parent memory is untouched in that case.
//	On success the gathered list becomes the new main stuff of wm.
//
// Inputs:
//
//	ctx - Context for cancellation and tracing.
//	env - Execution environment.
//	job - Metadata of the enclosing run.
//	wm - Parent working memory. Only written after every branch succeeds.
//	params - Run params; BatchParams override the batch's own.
//	outputName - Name of the gathered list.
//
// Outputs:
//
//	*pipe.Output - Output wrapping wm.
//	error - pipe.InputError for a missing or non-list input (a
//	*pipe.DryRunError in dry mode), or the first branch failure.
func (b *Batch) Run(ctx context.Context, env *pipe.Env, job pipe.JobMetadata, wm *memory.WorkingMemory, params pipe.RunParams, outputName string) (*pipe.Output, error) {
	bp := pipe.DefaultBatchParams()
	switch {
	case params.BatchParams != nil:
		bp = *params.BatchParams
	case b.batchParams != nil:
		bp = *b.batchParams
	}
	mode := string(params.RunMode)

	ctx, span := telemetry.StartSpan(ctx, "pipes.Batch",
		attribute.String("pipe.code", b.Code()),
		attribute.String("batch.branch_pipe", b.branchPipeCode),
		attribute.String("batch.list", bp.InputListStuffName),
		attribute.String("run.mode", mode),
	)
	defer span.End()
	logger := telemetry.LoggerWithTrace(ctx, env.Log())

	listStuff, err := wm.GetStuff(bp.InputListStuffName)
	if err != nil {
		err = pipe.InputError(params.RunMode, params.Path(), []string{bp.InputListStuffName},
			fmt.Sprintf("input list required by batch %q not found", b.Code()))
		telemetry.RecordError(span, err)
		return nil, err
	}
	list, ok := listStuff.Content().(*memory.ListContent)
	if !ok {
		err = pipe.InputError(params.RunMode, params.Path(), nil,
			fmt.Sprintf("input %q of batch %q must be a list, got %s", bp.InputListStuffName, b.Code(), listStuff.Kind()))
		telemetry.RecordError(span, err)
		return nil, err
	}

	itemConcept := listStuff.ConceptCode()
	if req, ok := b.Inputs().Get(bp.InputItemStuffName); ok {
		itemConcept = req.ConceptCode
	}

	branchPipe, err := env.Pipes.GetRequiredPipe(b.branchPipeCode)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	requiredVars, err := branchPipe.RequiredVariables(env)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}

	outputCode := params.OutputStuffCode()
	label := outputName
	if label == "" {
		label = b.Code()
	}

	plans := make([]branchPlan, 0, len(list.Items))
	for i, item := range list.Items {
		itemStuff := memory.NewStuff(fmt.Sprintf("%s-branch-%d", listStuff.Code(), i), bp.InputItemStuffName, itemConcept, item)
		branchWM := wm.MakeDeepCopy()
		if err := branchWM.SetNewMainStuff(itemStuff, bp.InputItemStuffName); err != nil {
			telemetry.RecordError(span, err)
			return nil, fmt.Errorf("batch %q branch %d: %w", b.Code(), i, err)
		}
		var required []*memory.Stuff
		for _, s := range sortedStuffs(branchWM.GetExistingStuffs(requiredVars)) {
			if s.Code() != listStuff.Code() {
				required = append(required, s)
			}
		}
		plans = append(plans, branchPlan{
			item:     itemStuff,
			wm:       branchWM,
			required: required,
			params: params.
				WithBatchParams(nil).
				WithFinalStuffCode(fmt.Sprintf("%s-branch-%d", outputCode, i)),
		})
	}

	logger.Info("batch started",
		slog.String("pipe", b.Code()),
		slog.String("branch_pipe", b.branchPipeCode),
		slog.Int("branches", len(plans)),
		slog.String("mode", mode))
	env.Metrics.BatchBranches(ctx, mode, len(plans))
	start := time.Now()

	results := make([]*memory.Stuff, len(plans))
	g, gctx := errgroup.WithContext(ctx)
	if env.MaxBatchConcurrency > 0 {
		g.SetLimit(env.MaxBatchConcurrency)
	}
	for i, plan := range plans {
		g.Go(func() error {
			out, err := env.Router.RunPipe(gctx, env, branchPipe, job, plan.wm, plan.params,
				fmt.Sprintf("Batch result %d of %s", i+1, label))
			if err != nil {
				return fmt.Errorf("batch %q branch %d: %w", b.Code(), i, err)
			}
			main, err := out.MainStuff()
			if err != nil {
				return fmt.Errorf("batch %q branch %d: %w", b.Code(), i, err)
			}
			results[i] = main
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		telemetry.RecordError(span, err)
		logger.Error("batch failed", slog.String("pipe", b.Code()), slog.String("error", err.Error()))
		return nil, err
	}

	items := make([]memory.Content, 0, len(results))
	for _, r := range results {
		items = append(items, r.Content())
	}
	outputStuff := memory.NewStuff(outputCode, outputName, b.OutputConcept(), &memory.ListContent{Items: items})

	b.track(env, params, listStuff, plans, results, outputStuff)

	if err := wm.SetNewMainStuff(outputStuff, outputName); err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}

	telemetry.SetSpanOK(span)
	logger.Info("batch completed",
		slog.String("pipe", b.Code()),
		slog.Int("branches", len(plans)),
		slog.Duration("duration", time.Since(start)))
	return pipe.NewOutput(wm, job), nil
}

// track records lineage for at most env.HistoryItemsLimit branches.
func (b *Batch) track(env *pipe.Env, params pipe.RunParams, listStuff *memory.Stuff, plans []branchPlan, results []*memory.Stuff, outputStuff *memory.Stuff) {
	t := env.Track()
	comment := "batch " + string(params.RunMode)
	for i, plan := range plans {
		if env.HistoryItemsLimit > 0 && i >= env.HistoryItemsLimit {
			break
		}
		t.AddBatchStep(tracker.BatchStep{
			From:        listStuff,
			To:          plan.item,
			BranchIndex: i,
			PipeLayers:  params.PipeLayers,
			Comment:     comment,
		})
		for _, req := range plan.required {
			t.AddPipeStep(tracker.PipeStep{
				From:        req,
				To:          results[i],
				PipeCode:    b.branchPipeCode,
				PipeLayers:  params.PipeLayers,
				Comment:     comment,
				AsItemIndex: i,
				IsWithEdge:  req.Name() != memory.MainStuffName,
			})
		}
		t.AddAggregateStep(tracker.AggregateStep{
			From:       results[i],
			To:         outputStuff,
			PipeLayers: params.PipeLayers,
			Comment:    comment,
		})
	}
}
