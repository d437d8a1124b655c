// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianPipes/services/pipes/memory"
	"github.com/AleutianAI/AleutianPipes/services/pipes/pipe"
	"github.com/AleutianAI/AleutianPipes/services/pipes/pipeline"
)

// =============================================================================
// Wire Types
// =============================================================================

// RunRequest is the body of run, dry-run and start.
type RunRequest struct {
	InputMemory          memory.CompactMemory `json:"input_memory"`
	OutputName           string               `json:"output_name" binding:"omitempty,max=128"`
	OutputMultiplicity   *pipe.Multiplicity   `json:"output_multiplicity"`
	DynamicOutputConcept string               `json:"dynamic_output_concept"`
}

// StuffView is one stuff in a response.
type StuffView struct {
	Name        string `json:"name,omitempty"`
	ConceptCode string `json:"concept_code"`
	Content     any    `json:"content"`
}

// RunResponse is returned by run and dry-run.
type RunResponse struct {
	PipelineRunID string               `json:"pipeline_run_id"`
	MainStuff     *StuffView           `json:"main_stuff,omitempty"`
	Memory        memory.CompactMemory `json:"memory"`
}

// InputView is one declared or needed input.
type InputView struct {
	Name        string `json:"name"`
	ConceptCode string `json:"concept_code"`
	Multiple    bool   `json:"multiple,omitempty"`
}

// PipeView describes a pipe.
type PipeView struct {
	Code          string      `json:"code"`
	Domain        string      `json:"domain"`
	Kind          pipe.Kind   `json:"kind"`
	Description   string      `json:"description,omitempty"`
	Inputs        []InputView `json:"inputs"`
	OutputConcept string      `json:"output_concept"`
	NeededInputs  []InputView `json:"needed_inputs,omitempty"`
	Dependencies  []string    `json:"dependencies,omitempty"`
}

// RunStatusView describes a background run.
type RunStatusView struct {
	PipelineRunID string             `json:"pipeline_run_id"`
	PipeCode      string             `json:"pipe_code"`
	Mode          pipe.RunMode       `json:"mode"`
	Status        pipeline.RunStatus `json:"status"`
	StartedAt     time.Time          `json:"started_at"`
	CompletedAt   *time.Time         `json:"completed_at,omitempty"`
	Error         string             `json:"error,omitempty"`
	Result        *RunResponse       `json:"result,omitempty"`
}

func inputViews(spec pipe.InputSpec) []InputView {
	items := spec.Items()
	out := make([]InputView, 0, len(items))
	for _, r := range items {
		out = append(out, InputView{Name: r.Name, ConceptCode: r.ConceptCode, Multiple: r.Multiple})
	}
	return out
}

func pipeView(p pipe.Pipe) PipeView {
	return PipeView{
		Code:          p.Code(),
		Domain:        p.Domain(),
		Kind:          p.Kind(),
		Description:   p.Description(),
		Inputs:        inputViews(p.Inputs()),
		OutputConcept: p.OutputConcept(),
		Dependencies:  p.PipeDependencies(),
	}
}

// NewRunResponse converts a pipe output to its wire form.
func NewRunResponse(out *pipe.Output) *RunResponse {
	resp := &RunResponse{
		PipelineRunID: out.PipelineRunID,
		Memory:        out.WorkingMemory.ToCompact(),
	}
	if main, err := out.MainStuff(); err == nil {
		resp.MainStuff = &StuffView{Name: main.Name(), ConceptCode: main.ConceptCode(), Content: main.TemplateValue()}
	}
	return resp
}

// =============================================================================
// Error Mapping
// =============================================================================

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, pipe.ErrPipeNotFound):
		return http.StatusNotFound
	case errors.Is(err, pipeline.ErrRunNotFound):
		return http.StatusNotFound
	case errors.Is(err, pipeline.ErrRunnerClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, pipeline.ErrStartPipeline):
		return http.StatusBadRequest
	case errors.Is(err, pipe.ErrPipeInput),
		errors.Is(err, pipe.ErrDryRun),
		errors.Is(err, pipe.ErrPipeCondition),
		errors.Is(err, memory.ErrTypeMismatch):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func (s *Server) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("pipe request failed",
			slog.String("path", c.Request.URL.Path),
			slog.String("error", err.Error()))
	}
	body := gin.H{"error": err.Error()}
	var pe *pipe.PipeError
	if errors.As(err, &pe) {
		body["pipe_code"] = pe.PipeCode
	}
	var ie *pipe.PipeInputError
	var de *pipe.DryRunError
	switch {
	case errors.As(err, &ie):
		body["path"] = ie.Path
		body["missing"] = ie.Missing
	case errors.As(err, &de):
		body["path"] = de.Path
		body["missing"] = de.MissingInputs
	}
	c.JSON(status, body)
}

// bindRun decodes an optional RunRequest body.
func bindRun(c *gin.Context) (RunRequest, bool) {
	var req RunRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return req, false
	}
	return req, true
}

// =============================================================================
// Handlers
// =============================================================================

func (s *Server) listPipes(c *gin.Context) {
	snap := s.source.Current()
	byDomain := snap.Pipes.ListByDomain()
	domains := make(map[string][]PipeView, len(byDomain))
	for domain, pipes := range byDomain {
		views := make([]PipeView, 0, len(pipes))
		for _, p := range pipes {
			views = append(views, pipeView(p))
		}
		sort.Slice(views, func(i, j int) bool { return views[i].Code < views[j].Code })
		domains[domain] = views
	}
	c.JSON(http.StatusOK, gin.H{"domains": domains, "count": snap.Pipes.Len()})
}

func (s *Server) getPipe(c *gin.Context) {
	snap := s.source.Current()
	p, err := snap.Pipes.GetRequiredPipe(c.Param("code"))
	if err != nil {
		s.fail(c, err)
		return
	}
	view := pipeView(p)
	needed, err := p.NeededInputs(snap.Runner.Env())
	if err != nil {
		s.fail(c, err)
		return
	}
	view.NeededInputs = inputViews(needed)
	c.JSON(http.StatusOK, view)
}

func (s *Server) request(c *gin.Context, body RunRequest, mode pipe.RunMode) pipeline.Request {
	return pipeline.Request{
		PipeCode:             c.Param("code"),
		InputMemory:          body.InputMemory,
		OutputName:           body.OutputName,
		OutputMultiplicity:   body.OutputMultiplicity,
		DynamicOutputConcept: body.DynamicOutputConcept,
		RunMode:              mode,
	}
}

func (s *Server) runPipe(c *gin.Context) {
	body, ok := bindRun(c)
	if !ok {
		return
	}
	out, err := s.source.Current().Runner.Execute(c.Request.Context(), s.request(c, body, pipe.RunModeLive))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, NewRunResponse(out))
}

// dryRunPipe runs on the given input memory, or on mock inputs when the
// body carries none.
func (s *Server) dryRunPipe(c *gin.Context) {
	body, ok := bindRun(c)
	if !ok {
		return
	}
	runner := s.source.Current().Runner
	var out *pipe.Output
	var err error
	if len(body.InputMemory) == 0 {
		out, err = runner.DryRunPipe(c.Request.Context(), c.Param("code"))
	} else {
		out, err = runner.Execute(c.Request.Context(), s.request(c, body, pipe.RunModeDry))
	}
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, NewRunResponse(out))
}

func (s *Server) startPipe(c *gin.Context) {
	body, ok := bindRun(c)
	if !ok {
		return
	}
	run, err := s.source.Current().Runner.Start(c.Request.Context(), s.request(c, body, pipe.RunModeLive))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.Header("Location", "/v1/runs/"+run.ID)
	c.JSON(http.StatusAccepted, gin.H{"pipeline_run_id": run.ID, "status": run.Status()})
}

func (s *Server) getRun(c *gin.Context) {
	run, err := s.source.Current().Runner.GetRun(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	view := RunStatusView{
		PipelineRunID: run.ID,
		PipeCode:      run.PipeCode,
		Mode:          run.Mode,
		Status:        run.Status(),
		StartedAt:     run.StartedAt,
	}
	if view.Status != pipeline.RunRunning {
		completed := run.CompletedAt()
		view.CompletedAt = &completed
		out, err := run.Result()
		if err != nil {
			view.Error = err.Error()
		} else if out != nil {
			view.Result = NewRunResponse(out)
		}
	}
	c.JSON(http.StatusOK, view)
}
