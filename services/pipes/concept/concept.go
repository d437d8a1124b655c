// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package concept provides the semantic type layer: concept codes, the native
// concepts, a refinement-aware concept library and the reaction policy for
// static validation errors.
package concept

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/AleutianAI/AleutianPipes/services/pipes/memory"
)

// NativeDomain is the domain of the built-in concepts.
const NativeDomain = "native"

// Sentinel errors for the concept layer.
var (
	// ErrConceptNotFound indicates an unregistered concept code.
	ErrConceptNotFound = errors.New("concept not found")

	// ErrDuplicateConcept indicates a concept code registered twice.
	ErrDuplicateConcept = errors.New("duplicate concept")

	// ErrInvalidConceptCode indicates a malformed concept code.
	ErrInvalidConceptCode = errors.New("invalid concept code")

	// ErrConceptLibrary indicates the library failed cross-reference validation.
	ErrConceptLibrary = errors.New("concept library validation failed")
)

// ConceptNotFoundError names the missing concept.
type ConceptNotFoundError struct {
	Code string
}

func (e *ConceptNotFoundError) Error() string {
	return fmt.Sprintf("concept %q not found", e.Code)
}

func (e *ConceptNotFoundError) Unwrap() error {
	return ErrConceptNotFound
}

// NativeConcept enumerates the built-in concepts.
type NativeConcept string

const (
	Anything      NativeConcept = "Anything"
	Dynamic       NativeConcept = "Dynamic"
	Text          NativeConcept = "Text"
	Image         NativeConcept = "Image"
	PDF           NativeConcept = "PDF"
	TextAndImages NativeConcept = "TextAndImages"
	Number        NativeConcept = "Number"
	LlmPrompt     NativeConcept = "LlmPrompt"
	Page          NativeConcept = "Page"
)

// NativeConcepts lists every native concept.
var NativeConcepts = []NativeConcept{
	Anything, Dynamic, Text, Image, PDF, TextAndImages, Number, LlmPrompt, Page,
}

// Code returns the domain-qualified code, e.g. "native.Text".
func (n NativeConcept) Code() string {
	return NativeDomain + "." + string(n)
}

// ContentKind returns the content shape the native concept carries.
func (n NativeConcept) ContentKind() memory.ContentKind {
	switch n {
	case Image:
		return memory.KindImage
	case PDF:
		return memory.KindPDF
	case TextAndImages:
		return memory.KindTextAndImages
	case Number:
		return memory.KindNumber
	case LlmPrompt:
		return memory.KindLLMPrompt
	case Page:
		return memory.KindPage
	case Dynamic:
		return memory.KindStructured
	default:
		return memory.KindText
	}
}

func (n NativeConcept) definition() string {
	switch n {
	case Anything:
		return "Anything at all"
	case Dynamic:
		return "Content whose structure is decided at run time"
	case Text:
		return "A text"
	case Image:
		return "An image"
	case PDF:
		return "A PDF document"
	case TextAndImages:
		return "Some text and images"
	case Number:
		return "A number"
	case LlmPrompt:
		return "A prompt for a language model"
	case Page:
		return "The content of a document page, with text, images and a page view"
	}
	return ""
}

func isNativeName(name string) bool {
	for _, n := range NativeConcepts {
		if string(n) == name {
			return true
		}
	}
	return false
}

// Concept is a semantic type tag with optional refinement ancestors.
type Concept struct {
	// Code is the domain-qualified code.
	Code string

	// Domain is the domain part of Code.
	Domain string

	// Name is the concept part of Code.
	Name string

	// Definition is a human description.
	Definition string

	// Refines lists the qualified codes this concept specializes.
	Refines []string

	// StructureKind overrides the content kind. Empty means inherited from
	// the refinement ancestors, or text.
	StructureKind memory.ContentKind
}

var (
	domainPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)
	namePattern   = regexp.MustCompile(`^[A-Z][A-Za-z0-9]*$`)
)

// ParseCode splits a qualified concept code into domain and name.
func ParseCode(code string) (domain, name string, err error) {
	parts := strings.Split(code, ".")
	if len(parts) != 2 {
		return "", "", fmt.Errorf("%w: %q must be domain.ConceptName", ErrInvalidConceptCode, code)
	}
	if !domainPattern.MatchString(parts[0]) {
		return "", "", fmt.Errorf("%w: domain %q must be snake_case", ErrInvalidConceptCode, parts[0])
	}
	if !namePattern.MatchString(parts[1]) {
		return "", "", fmt.Errorf("%w: name %q must be PascalCase", ErrInvalidConceptCode, parts[1])
	}
	return parts[0], parts[1], nil
}

// QualifyCode turns a bare concept name into a qualified code. Native names
// resolve to the native domain, other bare names to the given domain.
// Codes that already contain a dot are returned unchanged.
func QualifyCode(domain, codeOrName string) string {
	if strings.Contains(codeOrName, ".") {
		return codeOrName
	}
	if isNativeName(codeOrName) {
		return NativeDomain + "." + codeOrName
	}
	return domain + "." + codeOrName
}

// New builds a concept in a domain. Refines entries may be bare names.
func New(domain, name, definition string, refines ...string) (Concept, error) {
	code := QualifyCode(domain, name)
	d, n, err := ParseCode(code)
	if err != nil {
		return Concept{}, err
	}
	qualified := make([]string, 0, len(refines))
	for _, r := range refines {
		qualified = append(qualified, QualifyCode(domain, r))
	}
	return Concept{Code: code, Domain: d, Name: n, Definition: definition, Refines: qualified}, nil
}
