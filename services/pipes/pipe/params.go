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
	"fmt"
	"strings"

	"github.com/AleutianAI/AleutianPipes/services/pipes/memory"
)

// RunMode selects between real execution and cost-free validation.
type RunMode string

const (
	// RunModeLive performs real, possibly costly, work.
	RunModeLive RunMode = "live"

	// RunModeDry validates structure and availability without cost.
	RunModeDry RunMode = "dry"
)

// ParseRunMode converts a string into a RunMode.
func ParseRunMode(s string) (RunMode, error) {
	switch RunMode(strings.ToLower(s)) {
	case RunModeLive:
		return RunModeLive, nil
	case RunModeDry:
		return RunModeDry, nil
	}
	return "", fmt.Errorf("unknown run mode %q", s)
}

// BatchParams names the list a batch iterates over and the per-branch item.
type BatchParams struct {
	InputListStuffName string `yaml:"input_list_stuff_name" json:"input_list_stuff_name"`
	InputItemStuffName string `yaml:"input_item_stuff_name" json:"input_item_stuff_name"`
}

// DefaultBatchParams iterates over the main stuff.
func DefaultBatchParams() BatchParams {
	return BatchParams{
		InputListStuffName: memory.MainStuffName,
		InputItemStuffName: memory.BatchItemStuffName,
	}
}

// Multiplicity is the requested number of outputs of a pipe. Zero means a
// single output; Variable lets the pipe decide.
type Multiplicity struct {
	Count    int  `yaml:"count,omitempty" json:"count,omitempty"`
	Variable bool `yaml:"variable,omitempty" json:"variable,omitempty"`
}

// IsMultiple reports whether the pipe should produce a list.
func (m Multiplicity) IsMultiple() bool {
	return m.Variable || m.Count > 1
}

// RunParams is the per-invocation state carried down the call tree.
//
// RunParams is a value. Derive a child copy with the With* methods; never
// share the PipeLayers backing array between calls.
type RunParams struct {
	RunMode              RunMode
	PipeLayers           []string
	BatchParams          *BatchParams
	FinalStuffCode       string
	OutputMultiplicity   *Multiplicity
	DynamicOutputConcept string
}

// NewRunParams returns params for a top-level run.
func NewRunParams(mode RunMode) RunParams {
	return RunParams{RunMode: mode}
}

// IsDry reports whether the run is a dry run.
func (p RunParams) IsDry() bool {
	return p.RunMode == RunModeDry
}

// WithPipeLayer returns a copy with code pushed onto the layer stack.
func (p RunParams) WithPipeLayer(code string) RunParams {
	layers := make([]string, len(p.PipeLayers), len(p.PipeLayers)+1)
	copy(layers, p.PipeLayers)
	p.PipeLayers = append(layers, code)
	return p
}

// WithFinalStuffCode returns a copy targeting a specific output stuff code.
func (p RunParams) WithFinalStuffCode(code string) RunParams {
	p.PipeLayers = append([]string(nil), p.PipeLayers...)
	p.FinalStuffCode = code
	return p
}

// WithBatchParams returns a copy carrying batch parameters.
func (p RunParams) WithBatchParams(bp *BatchParams) RunParams {
	p.PipeLayers = append([]string(nil), p.PipeLayers...)
	if bp != nil {
		cp := *bp
		p.BatchParams = &cp
	} else {
		p.BatchParams = nil
	}
	return p
}

// WithOutputMultiplicity returns a copy with a requested multiplicity.
func (p RunParams) WithOutputMultiplicity(m *Multiplicity) RunParams {
	p.PipeLayers = append([]string(nil), p.PipeLayers...)
	if m != nil {
		cp := *m
		p.OutputMultiplicity = &cp
	} else {
		p.OutputMultiplicity = nil
	}
	return p
}

// Path joins the layer stack and optional trailing codes with dots.
func (p RunParams) Path(codes ...string) string {
	parts := make([]string, 0, len(p.PipeLayers)+len(codes))
	parts = append(parts, p.PipeLayers...)
	parts = append(parts, codes...)
	return strings.Join(parts, ".")
}

// Depth is the number of pipes on the layer stack.
func (p RunParams) Depth() int {
	return len(p.PipeLayers)
}

// OutputStuffCode returns FinalStuffCode when set, or a new stuff code.
func (p RunParams) OutputStuffCode() string {
	if p.FinalStuffCode != "" {
		return p.FinalStuffCode
	}
	return memory.NewStuffCode()
}
