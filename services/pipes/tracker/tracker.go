// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package tracker records the lineage of a pipeline run: which artifacts
// were derived from which, through which pipe, batch branch or condition.
//
// Recording is append-only and must never abort a run. Every Tracker method
// swallows its own failures.
package tracker

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/AleutianPipes/services/pipes/memory"
)

var trackerFailures = promauto.NewCounter(prometheus.CounterOpts{
	Name: "pipes_tracker_failures_total",
	Help: "Lineage steps that could not be recorded",
})

// ConditionDetails describes one evaluation of a condition pipe.
type ConditionDetails struct {
	Code                string
	TestExpression      string
	PipeMap             map[string]string
	DefaultPipeCode     string
	EvaluatedExpression string
	ChosenPipeCode      string
}

// PipeStep links a consumed artifact to the output of a pipe.
type PipeStep struct {
	From       *memory.Stuff
	To         *memory.Stuff
	PipeCode   string
	PipeLayers []string
	Comment    string

	// AsItemIndex is the batch branch index, or -1 outside a batch.
	AsItemIndex int

	// IsWithEdge is false when the consumed artifact is the main stuff,
	// which is already linked by the batch step.
	IsWithEdge bool
}

// BatchStep links a source list to one branch item.
type BatchStep struct {
	From        *memory.Stuff
	To          *memory.Stuff
	BranchIndex int
	PipeLayers  []string
	Comment     string
}

// AggregateStep links one branch output to the aggregated list.
type AggregateStep struct {
	From       *memory.Stuff
	To         *memory.Stuff
	PipeLayers []string
	Comment    string
}

// ConditionStep links an artifact read by an expression to the condition.
type ConditionStep struct {
	From       *memory.Stuff
	Condition  ConditionDetails
	Expression string
	PipeLayers []string
	Comment    string
}

// ChoiceStep links a condition to the output of the chosen pipe.
type ChoiceStep struct {
	Condition  ConditionDetails
	To         *memory.Stuff
	PipeLayers []string
	Comment    string
}

// Tracker is the lineage collaborator used by pipes.
type Tracker interface {
	AddPipeStep(step PipeStep)
	AddBatchStep(step BatchStep)
	AddAggregateStep(step AggregateStep)
	AddConditionStep(step ConditionStep)
	AddChoiceStep(step ChoiceStep)
}

// Nop discards every step.
type Nop struct{}

func (Nop) AddPipeStep(PipeStep)           {}
func (Nop) AddBatchStep(BatchStep)         {}
func (Nop) AddAggregateStep(AggregateStep) {}
func (Nop) AddConditionStep(ConditionStep) {}
func (Nop) AddChoiceStep(ChoiceStep)       {}

// EdgeKind is the type of a lineage edge.
type EdgeKind string

const (
	EdgePipe      EdgeKind = "pipe"
	EdgeBatch     EdgeKind = "batch"
	EdgeAggregate EdgeKind = "aggregate"
	EdgeCondition EdgeKind = "condition"
	EdgeChoice    EdgeKind = "choice"
)

// Node is an artifact or condition in the lineage graph.
type Node struct {
	Code        string `json:"code"`
	Name        string `json:"name,omitempty"`
	ConceptCode string `json:"concept_code,omitempty"`
	IsCondition bool   `json:"is_condition,omitempty"`
}

// Edge is one recorded lineage link.
type Edge struct {
	Kind        EdgeKind  `json:"kind"`
	From        Node      `json:"from"`
	To          Node      `json:"to"`
	PipeCode    string    `json:"pipe_code,omitempty"`
	PipeLayer   string    `json:"pipe_layer,omitempty"`
	BranchIndex int       `json:"branch_index"`
	Label       string    `json:"label,omitempty"`
	Comment     string    `json:"comment,omitempty"`
	At          time.Time `json:"at"`
}

// Recorder keeps the lineage graph in memory.
//
// Description:
//
//	Steps with missing artifacts are counted as failures and logged, never
//	returned. A panic inside a recording method is recovered the same way.
//
// Thread Safety: Safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	clock  clockwork.Clock
	logger *slog.Logger
	nodes  map[string]Node
	order  []string
	edges  []Edge
}

// NewRecorder creates an empty recorder. A nil clock uses the real clock.
func NewRecorder(clock clockwork.Clock, logger *slog.Logger) *Recorder {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{clock: clock, logger: logger, nodes: make(map[string]Node)}
}

func (r *Recorder) fail(step string, err any) {
	trackerFailures.Inc()
	r.logger.Warn("lineage step not recorded",
		slog.String("step", step),
		slog.String("error", fmt.Sprint(err)))
}

func (r *Recorder) guard(step string) {
	if rec := recover(); rec != nil {
		r.fail(step, rec)
	}
}

func stuffNode(s *memory.Stuff) Node {
	return Node{Code: s.Code(), Name: s.Name(), ConceptCode: s.ConceptCode()}
}

func conditionNode(c ConditionDetails) Node {
	return Node{Code: c.Code, Name: c.TestExpression, IsCondition: true}
}

// addNode registers a node. Caller holds mu.
func (r *Recorder) addNode(n Node) {
	if _, ok := r.nodes[n.Code]; !ok {
		r.order = append(r.order, n.Code)
	}
	r.nodes[n.Code] = n
}

func (r *Recorder) addEdge(e Edge) {
	e.At = r.clock.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.addNode(e.From)
	r.addNode(e.To)
	r.edges = append(r.edges, e)
}

// AddPipeStep implements Tracker.
func (r *Recorder) AddPipeStep(step PipeStep) {
	defer r.guard("pipe")
	if step.From == nil || step.To == nil {
		r.fail("pipe", "missing stuff")
		return
	}
	if !step.IsWithEdge {
		r.mu.Lock()
		r.addNode(stuffNode(step.To))
		r.mu.Unlock()
		return
	}
	r.addEdge(Edge{
		Kind:        EdgePipe,
		From:        stuffNode(step.From),
		To:          stuffNode(step.To),
		PipeCode:    step.PipeCode,
		PipeLayer:   strings.Join(step.PipeLayers, "."),
		BranchIndex: step.AsItemIndex,
		Comment:     step.Comment,
	})
}

// AddBatchStep implements Tracker.
func (r *Recorder) AddBatchStep(step BatchStep) {
	defer r.guard("batch")
	if step.From == nil || step.To == nil {
		r.fail("batch", "missing stuff")
		return
	}
	r.addEdge(Edge{
		Kind:        EdgeBatch,
		From:        stuffNode(step.From),
		To:          stuffNode(step.To),
		PipeLayer:   strings.Join(step.PipeLayers, "."),
		BranchIndex: step.BranchIndex,
		Label:       fmt.Sprintf("item %d", step.BranchIndex),
		Comment:     step.Comment,
	})
}

// AddAggregateStep implements Tracker.
func (r *Recorder) AddAggregateStep(step AggregateStep) {
	defer r.guard("aggregate")
	if step.From == nil || step.To == nil {
		r.fail("aggregate", "missing stuff")
		return
	}
	r.addEdge(Edge{
		Kind:        EdgeAggregate,
		From:        stuffNode(step.From),
		To:          stuffNode(step.To),
		PipeLayer:   strings.Join(step.PipeLayers, "."),
		BranchIndex: -1,
		Comment:     step.Comment,
	})
}

// AddConditionStep implements Tracker.
func (r *Recorder) AddConditionStep(step ConditionStep) {
	defer r.guard("condition")
	if step.From == nil || step.Condition.Code == "" {
		r.fail("condition", "missing stuff or condition code")
		return
	}
	r.addEdge(Edge{
		Kind:        EdgeCondition,
		From:        stuffNode(step.From),
		To:          conditionNode(step.Condition),
		PipeLayer:   strings.Join(step.PipeLayers, "."),
		BranchIndex: -1,
		Label:       step.Expression,
		Comment:     step.Comment,
	})
}

// AddChoiceStep implements Tracker.
func (r *Recorder) AddChoiceStep(step ChoiceStep) {
	defer r.guard("choice")
	if step.To == nil || step.Condition.Code == "" {
		r.fail("choice", "missing stuff or condition code")
		return
	}
	r.addEdge(Edge{
		Kind:        EdgeChoice,
		From:        conditionNode(step.Condition),
		To:          stuffNode(step.To),
		PipeCode:    step.Condition.ChosenPipeCode,
		PipeLayer:   strings.Join(step.PipeLayers, "."),
		BranchIndex: -1,
		Label:       step.Condition.EvaluatedExpression,
		Comment:     step.Comment,
	})
}

// Edges returns a snapshot of every recorded edge in recording order.
func (r *Recorder) Edges() []Edge {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Edge, len(r.edges))
	copy(out, r.edges)
	return out
}

// EdgesOfKind returns a snapshot of the edges of one kind.
func (r *Recorder) EdgesOfKind(kind EdgeKind) []Edge {
	var out []Edge
	for _, e := range r.Edges() {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// Nodes returns a snapshot of every node in first-seen order.
func (r *Recorder) Nodes() []Node {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Node, 0, len(r.order))
	for _, code := range r.order {
		out = append(out, r.nodes[code])
	}
	return out
}

// Reset drops everything recorded so far.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodes = make(map[string]Node)
	r.order = nil
	r.edges = nil
}
