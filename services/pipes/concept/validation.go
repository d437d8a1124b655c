// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package concept

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// ErrStaticValidation is the sentinel behind every StaticValidationError.
var ErrStaticValidation = errors.New("static validation error")

// Reaction is what to do when a static validation error is found.
type Reaction string

const (
	// ReactionIgnore drops the error silently.
	ReactionIgnore Reaction = "ignore"

	// ReactionLog records the error and continues.
	ReactionLog Reaction = "log"

	// ReactionRaise aborts with the error.
	ReactionRaise Reaction = "raise"
)

// ParseReaction converts a configuration string into a Reaction.
func ParseReaction(s string) (Reaction, error) {
	switch r := Reaction(strings.ToLower(strings.TrimSpace(s))); r {
	case ReactionIgnore, ReactionLog, ReactionRaise:
		return r, nil
	}
	return "", fmt.Errorf("unknown static validation reaction %q", s)
}

// ErrorType is the category of a static validation error.
type ErrorType string

const (
	MissingInputVariable    ErrorType = "missing_input_variable"
	ExtraneousInputVariable ErrorType = "extraneous_input_variable"
	InadequateInputConcept  ErrorType = "inadequate_input_concept"
	TooManyCandidateInputs  ErrorType = "too_many_candidate_inputs"
)

// ErrorTypes lists every category.
var ErrorTypes = []ErrorType{
	MissingInputVariable, ExtraneousInputVariable, InadequateInputConcept, TooManyCandidateInputs,
}

// StaticValidationError describes a load-time input problem of a pipe.
type StaticValidationError struct {
	Type            ErrorType
	Domain          string
	PipeCode        string
	VariableNames   []string
	ProvidedConcept string
	Explanation     string
}

func (e *StaticValidationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s in pipe %q", e.Type, e.PipeCode)
	if e.Domain != "" {
		fmt.Fprintf(&b, " (domain %s)", e.Domain)
	}
	if len(e.VariableNames) > 0 {
		fmt.Fprintf(&b, ", variables: %s", strings.Join(e.VariableNames, ", "))
	}
	if e.ProvidedConcept != "" {
		fmt.Fprintf(&b, ", provided concept: %s", e.ProvidedConcept)
	}
	if e.Explanation != "" {
		fmt.Fprintf(&b, ": %s", e.Explanation)
	}
	return b.String()
}

func (e *StaticValidationError) Unwrap() error {
	return ErrStaticValidation
}

// ReactionPolicy maps each error type to a reaction.
type ReactionPolicy struct {
	DefaultReaction Reaction
	Reactions       map[ErrorType]Reaction
}

// StrictPolicy raises on every static validation error.
func StrictPolicy() ReactionPolicy {
	return ReactionPolicy{DefaultReaction: ReactionRaise}
}

// ReactionFor returns the configured reaction for an error type.
func (p ReactionPolicy) ReactionFor(t ErrorType) Reaction {
	if r, ok := p.Reactions[t]; ok {
		return r
	}
	if p.DefaultReaction == "" {
		return ReactionRaise
	}
	return p.DefaultReaction
}

// React applies the policy to an error. It returns the error only when the
// reaction is to raise.
func (p ReactionPolicy) React(logger *slog.Logger, err *StaticValidationError) error {
	switch p.ReactionFor(err.Type) {
	case ReactionIgnore:
		return nil
	case ReactionLog:
		if logger == nil {
			logger = slog.Default()
		}
		logger.Error("static validation error",
			slog.String("type", string(err.Type)),
			slog.String("pipe", err.PipeCode),
			slog.String("error", err.Error()))
		return nil
	default:
		return err
	}
}
