// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tracker

import (
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianPipes/services/pipes/memory"
)

func stuff(name string) *memory.Stuff {
	return memory.MakeStuff("native.Text", name, &memory.TextContent{Text: name})
}

func TestRecorder_RecordsEdgesWithClock(t *testing.T) {
	start := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	clock := clockwork.NewFakeClockAt(start)
	r := NewRecorder(clock, nil)

	list, item, out, agg := stuff("list"), stuff("item"), stuff("out"), stuff("agg")
	r.AddBatchStep(BatchStep{From: list, To: item, BranchIndex: 0, PipeLayers: []string{"outer", "batch"}})
	clock.Advance(time.Second)
	r.AddPipeStep(PipeStep{From: item, To: out, PipeCode: "summarize", AsItemIndex: 0, IsWithEdge: true})
	r.AddAggregateStep(AggregateStep{From: out, To: agg})

	edges := r.Edges()
	require.Len(t, edges, 3)
	assert.Equal(t, EdgeBatch, edges[0].Kind)
	assert.Equal(t, "outer.batch", edges[0].PipeLayer)
	assert.Equal(t, start, edges[0].At)
	assert.Equal(t, start.Add(time.Second), edges[1].At)
	assert.Equal(t, "summarize", edges[1].PipeCode)
	assert.Equal(t, item.Code(), edges[1].From.Code)
	assert.Len(t, r.Nodes(), 4)
}

func TestRecorder_PipeStepWithoutEdge(t *testing.T) {
	r := NewRecorder(nil, nil)
	r.AddPipeStep(PipeStep{From: stuff("main"), To: stuff("out"), IsWithEdge: false})
	assert.Empty(t, r.Edges())
	require.Len(t, r.Nodes(), 1)
	assert.Equal(t, "out", r.Nodes()[0].Name)
}

func TestRecorder_ConditionAndChoice(t *testing.T) {
	r := NewRecorder(nil, nil)
	details := ConditionDetails{
		Code:                "cond-1",
		TestExpression:      "{{ category }}",
		PipeMap:             map[string]string{"a": "pa"},
		EvaluatedExpression: "a",
		ChosenPipeCode:      "pa",
	}
	r.AddConditionStep(ConditionStep{From: stuff("category"), Condition: details, Expression: "{{ category }}"})
	r.AddChoiceStep(ChoiceStep{Condition: details, To: stuff("result")})

	cond := r.EdgesOfKind(EdgeCondition)
	require.Len(t, cond, 1)
	assert.True(t, cond[0].To.IsCondition)
	choice := r.EdgesOfKind(EdgeChoice)
	require.Len(t, choice, 1)
	assert.Equal(t, "pa", choice[0].PipeCode)
	assert.Equal(t, "a", choice[0].Label)
}

func TestRecorder_InvalidStepsDoNotPanic(t *testing.T) {
	r := NewRecorder(nil, nil)
	assert.NotPanics(t, func() {
		r.AddPipeStep(PipeStep{IsWithEdge: true})
		r.AddBatchStep(BatchStep{From: stuff("x")})
		r.AddAggregateStep(AggregateStep{To: stuff("x")})
		r.AddConditionStep(ConditionStep{From: stuff("x")})
		r.AddChoiceStep(ChoiceStep{To: stuff("x")})
	})
	assert.Empty(t, r.Edges())
}

func TestRecorder_Concurrent(t *testing.T) {
	r := NewRecorder(nil, nil)
	from := stuff("list")
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r.AddBatchStep(BatchStep{From: from, To: stuff("item"), BranchIndex: i})
		}(i)
	}
	wg.Wait()
	assert.Len(t, r.Edges(), 50)

	r.Reset()
	assert.Empty(t, r.Edges())
	assert.Empty(t, r.Nodes())
}

func TestNop(t *testing.T) {
	var tr Tracker = Nop{}
	assert.NotPanics(t, func() {
		tr.AddPipeStep(PipeStep{})
		tr.AddChoiceStep(ChoiceStep{})
	})
}
