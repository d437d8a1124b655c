// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pipeline is the entry point for running a pipe as a pipeline.
//
// A pipeline run gets a fresh run id and job metadata, an input memory built
// from either a working memory or a compact memory, and goes through the
// router like any nested pipe.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/jellydator/ttlcache/v3"

	"github.com/AleutianAI/AleutianPipes/services/pipes/memory"
	"github.com/AleutianAI/AleutianPipes/services/pipes/pipe"
)

var (
	// ErrStartPipeline indicates the request cannot be started.
	ErrStartPipeline = errors.New("cannot start pipeline")

	// ErrRunNotFound indicates an unknown or expired run id.
	ErrRunNotFound = errors.New("pipeline run not found")

	// ErrRunnerClosed is returned after Close.
	ErrRunnerClosed = errors.New("pipeline runner closed")
)

// DefaultRunTTL is how long a finished background run stays queryable.
const DefaultRunTTL = 30 * time.Minute

// Request describes one pipeline run.
type Request struct {
	PipeCode string

	// WorkingMemory and InputMemory are mutually exclusive. With neither,
	// the pipe starts from an empty memory.
	WorkingMemory *memory.WorkingMemory
	InputMemory   memory.CompactMemory

	OutputName           string
	OutputMultiplicity   *pipe.Multiplicity
	DynamicOutputConcept string
	RunMode              pipe.RunMode

	// JobName labels the run. Defaults to PipeCode.
	JobName string
}

// Options configures a Runner.
type Options struct {
	// RunTTL is how long finished background runs are kept. Zero means
	// DefaultRunTTL.
	RunTTL time.Duration

	// DryRunConcurrency bounds DryRunAll. Zero means 4.
	DryRunConcurrency int
}

// Runner executes pipelines against one Env.
//
// Description:
//
//	Execute runs synchronously. Start runs in the background and registers
//	the run so callers can poll it by id until RunTTL after completion.
//
// Thread Safety: Safe for concurrent use.
type Runner struct {
	env    *pipe.Env
	opts   Options
	runs   *ttlcache.Cache[string, *Run]
	dryRun pond.ResultPool[DryRunResult]

	mu     sync.Mutex
	closed bool
	active sync.WaitGroup
}

// NewRunner validates env and starts the run registry.
func NewRunner(env *pipe.Env, opts Options) (*Runner, error) {
	if env == nil {
		return nil, fmt.Errorf("%w: env is nil", ErrStartPipeline)
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	if opts.RunTTL <= 0 {
		opts.RunTTL = DefaultRunTTL
	}
	if opts.DryRunConcurrency <= 0 {
		opts.DryRunConcurrency = 4
	}
	runs := ttlcache.New(
		ttlcache.WithTTL[string, *Run](opts.RunTTL),
		ttlcache.WithDisableTouchOnHit[string, *Run](),
	)
	go runs.Start()
	return &Runner{
		env:    env,
		opts:   opts,
		runs:   runs,
		dryRun: pond.NewResultPool[DryRunResult](opts.DryRunConcurrency),
	}, nil
}

// Env returns the execution environment.
func (r *Runner) Env() *pipe.Env { return r.env }

// Shutdown stops accepting runs and waits for active ones until ctx is
// done, then cancels what is left. Finished runs are no longer queryable
// afterwards.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.active.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		for _, item := range r.runs.Items() {
			item.Value().Cancel()
		}
		<-done
	}
	r.dryRun.StopAndWait()
	r.runs.Stop()
	return err
}

// Close cancels background runs and releases the runner.
func (r *Runner) Close() {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = r.Shutdown(ctx)
}

type prepared struct {
	pipe   pipe.Pipe
	wm     *memory.WorkingMemory
	job    pipe.JobMetadata
	params pipe.RunParams
}

func (r *Runner) prepare(req Request) (prepared, error) {
	if req.WorkingMemory != nil && len(req.InputMemory) > 0 {
		return prepared{}, fmt.Errorf("%w: pipe %q: pass either a working memory or an input memory, not both",
			ErrStartPipeline, req.PipeCode)
	}
	p, err := r.env.Pipes.GetRequiredPipe(req.PipeCode)
	if err != nil {
		return prepared{}, fmt.Errorf("%w: %w", ErrStartPipeline, err)
	}

	wm := req.WorkingMemory
	switch {
	case len(req.InputMemory) > 0:
		wm, err = memory.MakeFromCompactMemory(req.InputMemory, r.env.Concepts, r.env.Log())
		if err != nil {
			return prepared{}, fmt.Errorf("%w: input memory: %w", ErrStartPipeline, err)
		}
	case wm == nil:
		wm = memory.MakeEmpty(r.env.Log())
	}

	mode := req.RunMode
	if mode == "" {
		mode = pipe.RunModeLive
	}
	params := pipe.NewRunParams(mode).WithOutputMultiplicity(req.OutputMultiplicity)
	params.DynamicOutputConcept = req.DynamicOutputConcept

	name := req.JobName
	if name == "" {
		name = req.PipeCode
	}
	return prepared{pipe: p, wm: wm, job: pipe.NewJobMetadata(name), params: params}, nil
}

func (r *Runner) run(ctx context.Context, pr prepared, outputName string) (*pipe.Output, error) {
	logger := r.env.Log().With(
		slog.String("pipeline_run_id", pr.job.PipelineRunID),
		slog.String("pipe", pr.pipe.Code()),
		slog.String("mode", string(pr.params.RunMode)))
	logger.Info("pipeline started", slog.Any("inputs", pr.wm.ListKeys()))

	out, err := r.env.Router.RunPipe(ctx, r.env, pr.pipe, pr.job, pr.wm, pr.params, outputName)
	job := pr.job.Completed(time.Now().UTC())
	duration := job.CompletedAt.Sub(job.StartedAt)
	if err != nil {
		logger.Error("pipeline failed", slog.Duration("duration", duration), slog.String("error", err.Error()))
		return nil, err
	}
	logger.Info("pipeline completed", slog.Duration("duration", duration))
	return out, nil
}

// Execute runs a pipeline and waits for its output.
//
// Description:
//
//	Builds the input memory, creates fresh job metadata and runs the pipe
//	through the router in the requested mode (live by default).
//
// Inputs:
//
//	ctx - Context for cancellation and tracing.
//	req - The pipeline request.
//
// Outputs:
//
//	*pipe.Output - Final memory and the pipeline run id.
//	error - ErrStartPipeline for bad requests, otherwise the pipe error.
func (r *Runner) Execute(ctx context.Context, req Request) (*pipe.Output, error) {
	pr, err := r.prepare(req)
	if err != nil {
		return nil, err
	}
	return r.run(ctx, pr, req.OutputName)
}

// Start launches a pipeline in the background and returns immediately.
//
// The run is detached from ctx cancellation but keeps its values. Cancel
// it through Run.Cancel or Runner.Close.
func (r *Runner) Start(ctx context.Context, req Request) (*Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRunnerClosed
	}

	pr, err := r.prepare(req)
	if err != nil {
		return nil, err
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	run := &Run{
		ID:        pr.job.PipelineRunID,
		PipeCode:  pr.pipe.Code(),
		Mode:      pr.params.RunMode,
		StartedAt: pr.job.StartedAt,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	r.runs.Set(run.ID, run, ttlcache.NoTTL)

	r.active.Add(1)
	go func() {
		defer r.active.Done()
		defer cancel()
		out, err := r.run(runCtx, pr, req.OutputName)
		run.finish(out, err)
		r.runs.Set(run.ID, run, ttlcache.DefaultTTL)
	}()
	return run, nil
}

// GetRun returns a background run by id.
func (r *Runner) GetRun(id string) (*Run, error) {
	item := r.runs.Get(id)
	if item == nil {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return item.Value(), nil
}

// DryRunPipe dry-runs one pipe against mock inputs built from its needed
// inputs.
func (r *Runner) DryRunPipe(ctx context.Context, code string) (*pipe.Output, error) {
	p, err := r.env.Pipes.GetRequiredPipe(code)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStartPipeline, err)
	}
	needed, err := p.NeededInputs(r.env)
	if err != nil {
		return nil, fmt.Errorf("%w: needed inputs of %q: %w", pipe.ErrDryRun, code, err)
	}
	wm, err := memory.MakeForDryRun(needed.DryRunInputs(r.env.Concepts), r.env.Log())
	if err != nil {
		return nil, fmt.Errorf("%w: mock inputs of %q: %w", pipe.ErrDryRun, code, err)
	}
	return r.Execute(ctx, Request{
		PipeCode:      code,
		WorkingMemory: wm,
		RunMode:       pipe.RunModeDry,
		JobName:       "dry_run_" + code,
	})
}

// DryRunResult is the outcome of one pipe in DryRunAll.
type DryRunResult struct {
	PipeCode string
	Err      error
}

// DryRunAll dry-runs every code concurrently and reports each outcome in
// the order given.
func (r *Runner) DryRunAll(ctx context.Context, codes []string) []DryRunResult {
	group := r.dryRun.NewGroupContext(ctx)
	for _, code := range codes {
		group.SubmitErr(func() (DryRunResult, error) {
			_, err := r.DryRunPipe(ctx, code)
			return DryRunResult{PipeCode: code, Err: err}, nil
		})
	}
	results, err := group.Wait()
	if err != nil {
		// Only a cancelled ctx ends the group early.
		out := make([]DryRunResult, len(codes))
		for i, code := range codes {
			out[i] = DryRunResult{PipeCode: code, Err: err}
		}
		return out
	}
	return results
}

// RunStatus is the lifecycle state of a background run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// Run is a pipeline running in the background.
//
// Thread Safety: Safe for concurrent use.
type Run struct {
	ID        string
	PipeCode  string
	Mode      pipe.RunMode
	StartedAt time.Time

	cancel context.CancelFunc
	done   chan struct{}

	mu          sync.RWMutex
	output      *pipe.Output
	err         error
	completedAt time.Time
}

func (r *Run) finish(out *pipe.Output, err error) {
	r.mu.Lock()
	r.output, r.err, r.completedAt = out, err, time.Now().UTC()
	r.mu.Unlock()
	close(r.done)
}

// Done is closed once the run has finished.
func (r *Run) Done() <-chan struct{} { return r.done }

// Cancel asks the run to stop.
func (r *Run) Cancel() { r.cancel() }

// Wait blocks until the run finishes or ctx is done.
func (r *Run) Wait(ctx context.Context) (*pipe.Output, error) {
	select {
	case <-r.done:
		return r.Result()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result returns the output and error. Both are nil while running.
func (r *Run) Result() (*pipe.Output, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.output, r.err
}

// Status reports the lifecycle state.
func (r *Run) Status() RunStatus {
	select {
	case <-r.done:
	default:
		return RunRunning
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.err != nil {
		return RunFailed
	}
	return RunSucceeded
}

// CompletedAt is zero while running.
func (r *Run) CompletedAt() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.completedAt
}
