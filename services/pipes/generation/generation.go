// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package generation provides the content-producing strategies used by
// operators. A live strategy calls a model backend; the dry strategy returns
// mocks and never incurs cost.
package generation

import (
	"context"
	"errors"

	"github.com/AleutianAI/AleutianPipes/services/pipes/memory"
)

var (
	// ErrGeneration indicates the backend failed to produce content.
	ErrGeneration = errors.New("generation failed")

	// ErrUnsupported indicates the backend cannot handle the request.
	ErrUnsupported = errors.New("unsupported generation request")

	// ErrEmptyResponse indicates the backend returned nothing usable.
	ErrEmptyResponse = errors.New("empty generation response")
)

// TextRequest asks for text (or a JSON object) from a prompt.
type TextRequest struct {
	Model        string
	SystemPrompt string
	UserPrompt   string
	Images       []*memory.ImageContent
	Temperature  *float32
	MaxTokens    int

	// Label identifies the request in logs and mocks, usually the pipe code.
	Label string
}

// PagesRequest asks for page extraction from images or a PDF.
type PagesRequest struct {
	Model  string
	Images []*memory.ImageContent
	PDF    *memory.PDFContent
	Label  string
}

// Generator is a content-producing strategy.
type Generator interface {
	// GenerateText returns free text.
	GenerateText(ctx context.Context, req TextRequest) (string, error)

	// GenerateObject returns a JSON object decoded into a map.
	GenerateObject(ctx context.Context, req TextRequest) (map[string]any, error)

	// ExtractPages returns one page per input image or PDF page.
	ExtractPages(ctx context.Context, req PagesRequest) ([]*memory.PageContent, error)
}
