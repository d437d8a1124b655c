// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package generation

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/AleutianAI/AleutianPipes/services/pipes/memory"
)

// DryGenerator returns deterministic mocks without calling any backend.
//
// Thread Safety: Safe for concurrent use.
type DryGenerator struct {
	calls atomic.Int64
}

// NewDryGenerator creates a dry generator.
func NewDryGenerator() *DryGenerator {
	return &DryGenerator{}
}

// Calls returns how many requests were served.
func (g *DryGenerator) Calls() int64 {
	return g.calls.Load()
}

// GenerateText returns a mock text naming the request label.
func (g *DryGenerator) GenerateText(ctx context.Context, req TextRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	g.calls.Add(1)
	return fmt.Sprintf("DRY RUN: mock text for %s", labelOr(req.Label)), nil
}

// GenerateObject returns a mock object with a single text field.
func (g *DryGenerator) GenerateObject(ctx context.Context, req TextRequest) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.calls.Add(1)
	return map[string]any{
		"text": fmt.Sprintf("DRY RUN: mock object for %s", labelOr(req.Label)),
	}, nil
}

// ExtractPages returns one mock page per image, or a single page for a PDF.
func (g *DryGenerator) ExtractPages(ctx context.Context, req PagesRequest) ([]*memory.PageContent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.calls.Add(1)
	n := len(req.Images)
	if n == 0 {
		n = 1
	}
	pages := make([]*memory.PageContent, 0, n)
	for i := range n {
		mock := memory.MockContent(memory.KindPage, fmt.Sprintf("%s page %d", labelOr(req.Label), i+1))
		pages = append(pages, mock.(*memory.PageContent))
	}
	return pages, nil
}

func labelOr(label string) string {
	if label == "" {
		return "request"
	}
	return label
}
