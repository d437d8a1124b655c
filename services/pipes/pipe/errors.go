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
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for pipe definition and execution.
var (
	// ErrPipeInput indicates a required input is missing or malformed at run time.
	ErrPipeInput = errors.New("pipe input error")

	// ErrPipeDefinition indicates an invalid pipe definition.
	ErrPipeDefinition = errors.New("pipe definition error")

	// ErrPipeCondition indicates a condition could not choose a pipe.
	ErrPipeCondition = errors.New("pipe condition error")

	// ErrDryRun indicates a dry run found a structural problem.
	ErrDryRun = errors.New("dry run error")

	// ErrPipeNotFound indicates an unregistered pipe code.
	ErrPipeNotFound = errors.New("pipe not found")

	// ErrLibrary indicates the pipe library failed load-time validation.
	ErrLibrary = errors.New("pipe library validation failed")

	// ErrMaxDepth indicates the router refused to go deeper.
	ErrMaxDepth = errors.New("maximum pipe depth exceeded")

	// ErrNilContext indicates a nil context was passed to a run.
	ErrNilContext = errors.New("context must not be nil")
)

// PipeInputError reports missing artifacts together with the pipe path that
// needed them.
type PipeInputError struct {
	// Path is the dotted pipe-layer path, e.g. "main.extract.summarize".
	Path string

	// Missing lists the names that did not resolve.
	Missing []string

	// Detail is an optional free-form explanation.
	Detail string
}

func (e *PipeInputError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "pipe %q", e.Path)
	if len(e.Missing) > 0 {
		fmt.Fprintf(&b, ": missing required stuff(s): %s", strings.Join(e.Missing, ", "))
	}
	if e.Detail != "" {
		fmt.Fprintf(&b, ": %s", e.Detail)
	}
	return b.String()
}

func (e *PipeInputError) Unwrap() error {
	return ErrPipeInput
}

// DryRunError collects every problem a dry run found for one pipe.
type DryRunError struct {
	PipeCode string

	// Path is the dotted pipe-layer path when it differs from PipeCode.
	Path string

	MissingInputs []string
	Detail        string
}

func (e *DryRunError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "dry run failed for pipe %q", e.PipeCode)
	if e.Path != "" && e.Path != e.PipeCode {
		fmt.Fprintf(&b, " at %q", e.Path)
	}
	if len(e.MissingInputs) > 0 {
		fmt.Fprintf(&b, ": missing required inputs: %s", strings.Join(e.MissingInputs, ", "))
	}
	if e.Detail != "" {
		fmt.Fprintf(&b, ": %s", e.Detail)
	}
	return b.String()
}

func (e *DryRunError) Unwrap() error {
	return ErrDryRun
}

// InputError reports inputs that are missing or malformed at path. Dry runs
// get a DryRunError so every pipe kind fails a dry run with ErrDryRun; live
// runs get a PipeInputError.
func InputError(mode RunMode, path string, missing []string, detail string) error {
	if mode == RunModeDry {
		code := path
		if i := strings.LastIndexByte(path, '.'); i >= 0 {
			code = path[i+1:]
		}
		return &DryRunError{PipeCode: code, Path: path, MissingInputs: missing, Detail: detail}
	}
	return &PipeInputError{Path: path, Missing: missing, Detail: detail}
}

// PipeError wraps an error with the code of the pipe that failed.
type PipeError struct {
	PipeCode string
	Err      error
}

func (e *PipeError) Error() string {
	return fmt.Sprintf("pipe %s: %v", e.PipeCode, e.Err)
}

func (e *PipeError) Unwrap() error {
	return e.Err
}

// NewPipeError wraps err unless it already carries a PipeError.
func NewPipeError(pipeCode string, err error) error {
	if err == nil {
		return nil
	}
	var pe *PipeError
	if errors.As(err, &pe) {
		return err
	}
	return &PipeError{PipeCode: pipeCode, Err: err}
}
