// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package memory

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for working memory operations.
var (
	// ErrStuffNotFound indicates that neither a name nor an alias resolves.
	ErrStuffNotFound = errors.New("stuff not found")

	// ErrTypeMismatch indicates the stored content is not of the requested shape.
	ErrTypeMismatch = errors.New("stuff content type mismatch")

	// ErrConsistency indicates an operation would break a memory invariant.
	ErrConsistency = errors.New("working memory consistency error")

	// ErrFactory indicates a memory could not be built from its inputs.
	ErrFactory = errors.New("working memory factory error")
)

// StuffNotFoundError reports a failed lookup together with the names
// available at the time, which is usually enough to spot a typo.
type StuffNotFoundError struct {
	Name      string
	Available []string
}

func (e *StuffNotFoundError) Error() string {
	if len(e.Available) == 0 {
		return fmt.Sprintf("stuff %q not found in empty working memory", e.Name)
	}
	return fmt.Sprintf("stuff %q not found in working memory, available: %s",
		e.Name, strings.Join(e.Available, ", "))
}

func (e *StuffNotFoundError) Unwrap() error {
	return ErrStuffNotFound
}

// TypeMismatchError reports a typed accessor mismatch.
type TypeMismatchError struct {
	Name string
	Want string
	Got  ContentKind
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("stuff %q content is %s, expected %s", e.Name, e.Got, e.Want)
}

func (e *TypeMismatchError) Unwrap() error {
	return ErrTypeMismatch
}
