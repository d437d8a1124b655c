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

	"github.com/AleutianAI/AleutianPipes/services/pipes/memory"
	"github.com/AleutianAI/AleutianPipes/services/pipes/pipe"
	"github.com/AleutianAI/AleutianPipes/services/pipes/tracker"
)

// SubPipe invokes a named pipe from inside a composite pipe without knowing
// its variant.
type SubPipe struct {
	PipeCode           string
	OutputName         string
	OutputMultiplicity *pipe.Multiplicity
	BatchParams        *pipe.BatchParams
}

// Run dispatches the target pipe.
//
// Description:
//
//	With BatchParams a transient Batch named after the target wraps it and
//	runs directly, so the target's code appears once on the layer stack.
//	A condition target goes through the router as is. Any other target
//	first has every required stuff resolved, failing with a path-qualified
//	pipe.InputError, then goes through the router and gets one lineage edge
//	per consumed stuff. The run mode always comes from params.
//
// Inputs:
//
//	ctx - Context for cancellation and tracing.
//	env - Execution environment.
//	callingPipeCode - Code of the composite pipe, for diagnostics.
//	job - Metadata of the enclosing run.
//	wm - Working memory shared with the calling pipe.
//	params - Params of the calling pipe.
//
// Outputs:
//
//	*pipe.Output - Output of the target.
//	error - Lookup, input or target failure.
func (s SubPipe) Run(ctx context.Context, env *pipe.Env, callingPipeCode string, job pipe.JobMetadata, wm *memory.WorkingMemory, params pipe.RunParams) (*pipe.Output, error) {
	env.Log().Debug("sub pipe dispatch",
		slog.String("pipe", s.PipeCode),
		slog.String("caller", callingPipeCode),
		slog.String("output_name", s.OutputName))

	target, err := env.Pipes.GetRequiredPipe(s.PipeCode)
	if err != nil {
		return nil, err
	}
	if s.OutputMultiplicity != nil {
		params = params.WithOutputMultiplicity(s.OutputMultiplicity)
	}
	params = params.WithBatchParams(s.BatchParams)

	if s.BatchParams != nil {
		return s.runBatch(ctx, env, callingPipeCode, target, job, wm, params)
	}

	switch target.Kind() {
	case pipe.KindCondition:
		return env.Router.RunPipe(ctx, env, target, job, wm, params, s.OutputName)
	default:
		return s.runPlain(ctx, env, target, job, wm, params)
	}
}

func (s SubPipe) runBatch(ctx context.Context, env *pipe.Env, callingPipeCode string, target pipe.Pipe, job pipe.JobMetadata, wm *memory.WorkingMemory, params pipe.RunParams) (*pipe.Output, error) {
	listName := s.BatchParams.InputListStuffName
	listStuff, err := wm.GetStuff(listName)
	if err != nil {
		return nil, pipe.InputError(params.RunMode, params.Path(s.PipeCode), []string{listName},
			fmt.Sprintf("input list required by sub pipe %q of pipe %q not found", s.PipeCode, callingPipeCode))
	}
	inputs := target.Inputs()
	inputs.Add(pipe.InputRequirement{Name: listName, ConceptCode: listStuff.ConceptCode()})

	batch, err := NewBatch(s.PipeCode, target.Domain(), target.Description(), inputs, target.OutputConcept(), s.PipeCode, s.BatchParams)
	if err != nil {
		return nil, err
	}
	return batch.Run(ctx, env, job, wm, params, s.OutputName)
}

func (s SubPipe) runPlain(ctx context.Context, env *pipe.Env, target pipe.Pipe, job pipe.JobMetadata, wm *memory.WorkingMemory, params pipe.RunParams) (*pipe.Output, error) {
	required, err := target.RequiredVariables(env)
	if err != nil {
		return nil, err
	}
	used, err := pipe.ResolveRequired(wm, pipe.PublicNames(required), params.RunMode, params.Path(s.PipeCode))
	if err != nil {
		return nil, err
	}

	out, err := env.Router.RunPipe(ctx, env, target, job, wm, params, s.OutputName)
	if err != nil {
		return nil, err
	}

	produced, err := out.MainStuff()
	if err != nil {
		return out, nil
	}
	t := env.Track()
	for _, stuff := range sortedStuffs(used) {
		t.AddPipeStep(tracker.PipeStep{
			From:        stuff,
			To:          produced,
			PipeCode:    s.PipeCode,
			PipeLayers:  params.PipeLayers,
			Comment:     "sub pipe " + string(params.RunMode),
			AsItemIndex: -1,
			IsWithEdge:  true,
		})
	}
	return out, nil
}
