// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package templating renders Jinja2 templates against a working memory and
// discovers the variables a template reads without evaluating it.
package templating

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tmc/langchaingo/prompts"

	"github.com/AleutianAI/AleutianPipes/services/pipes/memory"
)

var (
	// ErrRender indicates the template failed to parse or execute.
	ErrRender = errors.New("template render failed")

	// ErrSyntax indicates the template could not be scanned for variables.
	ErrSyntax = errors.New("template syntax error")
)

// Renderer renders templates and reports the variables they need.
type Renderer interface {
	// Render evaluates tmpl with the flattened contents of wm.
	Render(ctx context.Context, tmpl string, wm *memory.WorkingMemory) (string, error)

	// RequiredVariables returns the sorted root names read by tmpl.
	RequiredVariables(tmpl string) ([]string, error)
}

// Jinja2Renderer renders Jinja2 templates with langchaingo's sandboxed
// gonja environment. Templates cannot include or import files.
//
// Thread Safety: Safe for concurrent use.
type Jinja2Renderer struct {
	logger *slog.Logger
}

// NewJinja2Renderer creates a renderer.
func NewJinja2Renderer(logger *slog.Logger) *Jinja2Renderer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Jinja2Renderer{logger: logger}
}

// Render implements Renderer.
func (r *Jinja2Renderer) Render(ctx context.Context, tmpl string, wm *memory.WorkingMemory) (string, error) {
	return r.RenderValues(ctx, tmpl, wm.TemplateValues())
}

// RenderValues renders tmpl with explicit values.
func (r *Jinja2Renderer) RenderValues(ctx context.Context, tmpl string, values map[string]any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	out, err := prompts.RenderTemplate(tmpl, prompts.TemplateFormatJinja2, values)
	if err != nil {
		r.logger.Debug("template render failed",
			slog.String("template", truncate(tmpl, 120)),
			slog.String("error", err.Error()))
		return "", fmt.Errorf("%w: %v", ErrRender, err)
	}
	return out, nil
}

// RequiredVariables implements Renderer.
func (r *Jinja2Renderer) RequiredVariables(tmpl string) ([]string, error) {
	return ScanVariables(tmpl)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.TrimSpace(s[:n]) + "..."
}
