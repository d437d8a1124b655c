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
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ContentKind identifies the structural shape of a Content payload.
type ContentKind string

const (
	// KindText is a plain text payload.
	KindText ContentKind = "text"

	// KindNumber is a numeric payload.
	KindNumber ContentKind = "number"

	// KindImage is an image reference (url or base64).
	KindImage ContentKind = "image"

	// KindPDF is a PDF document reference.
	KindPDF ContentKind = "pdf"

	// KindTextAndImages is a text with attached images.
	KindTextAndImages ContentKind = "text_and_images"

	// KindPage is a document page: text and images plus an optional page view.
	KindPage ContentKind = "page"

	// KindLLMPrompt is a prepared prompt for a language model.
	KindLLMPrompt ContentKind = "llm_prompt"

	// KindList is an ordered list of other contents.
	KindList ContentKind = "list"

	// KindStructured is a free-form object, used for refined or dynamic concepts.
	KindStructured ContentKind = "structured"
)

// Content is the polymorphic payload carried by a Stuff.
//
// Implementations are plain data holders. Callers must treat a Content
// obtained from a Stuff as read-only; use Clone to derive a mutable copy.
type Content interface {
	// Kind returns the structural shape of the content.
	Kind() ContentKind

	// Rendered returns a plain-text rendering of the content.
	Rendered() string

	// TemplateValue returns the content as plain Go values (strings,
	// numbers, maps and slices) for template rendering and compact
	// serialization.
	TemplateValue() any

	// Clone returns an independent deep copy.
	Clone() Content
}

// TextContent is a plain text payload.
type TextContent struct {
	Text string `json:"text"`
}

func (c *TextContent) Kind() ContentKind  { return KindText }
func (c *TextContent) Rendered() string   { return c.Text }
func (c *TextContent) TemplateValue() any { return c.Text }
func (c *TextContent) Clone() Content     { return &TextContent{Text: c.Text} }

func (c *TextContent) nested() map[string]any {
	return map[string]any{"text": c.Text}
}

// NumberContent is a numeric payload.
type NumberContent struct {
	Number float64 `json:"number"`
}

func (c *NumberContent) Kind() ContentKind { return KindNumber }

func (c *NumberContent) Rendered() string {
	return strconv.FormatFloat(c.Number, 'f', -1, 64)
}

// TemplateValue returns an int64 for integral values so templates print "3"
// rather than "3.0".
func (c *NumberContent) TemplateValue() any {
	if c.Number == math.Trunc(c.Number) && math.Abs(c.Number) < 1<<53 {
		return int64(c.Number)
	}
	return c.Number
}

func (c *NumberContent) Clone() Content { return &NumberContent{Number: c.Number} }

// ImageContent references an image by url or inline base64 data.
type ImageContent struct {
	URL          string `json:"url"`
	Caption      string `json:"caption,omitempty"`
	Base64       string `json:"base_64,omitempty"`
	SourcePrompt string `json:"source_prompt,omitempty"`
}

func (c *ImageContent) Kind() ContentKind { return KindImage }

func (c *ImageContent) Rendered() string {
	if c.Caption != "" {
		return fmt.Sprintf("%s (%s)", c.URL, c.Caption)
	}
	return c.URL
}

func (c *ImageContent) TemplateValue() any {
	m := map[string]any{"url": c.URL}
	if c.Caption != "" {
		m["caption"] = c.Caption
	}
	if c.Base64 != "" {
		m["base_64"] = c.Base64
	}
	if c.SourcePrompt != "" {
		m["source_prompt"] = c.SourcePrompt
	}
	return m
}

func (c *ImageContent) Clone() Content {
	cp := *c
	return &cp
}

// PDFContent references a PDF document.
type PDFContent struct {
	URL string `json:"url"`
}

func (c *PDFContent) Kind() ContentKind  { return KindPDF }
func (c *PDFContent) Rendered() string   { return c.URL }
func (c *PDFContent) TemplateValue() any { return map[string]any{"url": c.URL} }
func (c *PDFContent) Clone() Content     { return &PDFContent{URL: c.URL} }

// TextAndImagesContent is a text with attached images. Either part may be
// absent.
type TextAndImagesContent struct {
	Text   *TextContent   `json:"text,omitempty"`
	Images []ImageContent `json:"images,omitempty"`
}

func (c *TextAndImagesContent) Kind() ContentKind { return KindTextAndImages }

func (c *TextAndImagesContent) Rendered() string {
	var parts []string
	if c.Text != nil {
		parts = append(parts, c.Text.Text)
	}
	for i := range c.Images {
		parts = append(parts, c.Images[i].Rendered())
	}
	return strings.Join(parts, "\n")
}

func (c *TextAndImagesContent) TemplateValue() any {
	m := map[string]any{}
	if c.Text != nil {
		m["text"] = c.Text.nested()
	}
	if len(c.Images) > 0 {
		images := make([]any, len(c.Images))
		for i := range c.Images {
			images[i] = c.Images[i].TemplateValue()
		}
		m["images"] = images
	}
	return m
}

func (c *TextAndImagesContent) Clone() Content {
	cp := &TextAndImagesContent{}
	if c.Text != nil {
		cp.Text = &TextContent{Text: c.Text.Text}
	}
	if c.Images != nil {
		cp.Images = make([]ImageContent, len(c.Images))
		copy(cp.Images, c.Images)
	}
	return cp
}

// PageContent is one page of an extracted document.
type PageContent struct {
	TextAndImages TextAndImagesContent `json:"text_and_images"`
	PageView      *ImageContent        `json:"page_view,omitempty"`
}

func (c *PageContent) Kind() ContentKind { return KindPage }
func (c *PageContent) Rendered() string  { return c.TextAndImages.Rendered() }

func (c *PageContent) TemplateValue() any {
	m := map[string]any{"text_and_images": c.TextAndImages.TemplateValue()}
	if c.PageView != nil {
		m["page_view"] = c.PageView.TemplateValue()
	}
	return m
}

func (c *PageContent) Clone() Content {
	cp := &PageContent{TextAndImages: *c.TextAndImages.Clone().(*TextAndImagesContent)}
	if c.PageView != nil {
		view := *c.PageView
		cp.PageView = &view
	}
	return cp
}

// LLMPromptContent is a prompt prepared for a language model.
type LLMPromptContent struct {
	SystemText string         `json:"system_text,omitempty"`
	UserText   string         `json:"user_text,omitempty"`
	UserImages []ImageContent `json:"user_images,omitempty"`
}

func (c *LLMPromptContent) Kind() ContentKind { return KindLLMPrompt }

func (c *LLMPromptContent) Rendered() string {
	if c.SystemText == "" {
		return c.UserText
	}
	return c.SystemText + "\n\n" + c.UserText
}

func (c *LLMPromptContent) TemplateValue() any {
	m := map[string]any{"system_text": c.SystemText, "user_text": c.UserText}
	if len(c.UserImages) > 0 {
		images := make([]any, len(c.UserImages))
		for i := range c.UserImages {
			images[i] = c.UserImages[i].TemplateValue()
		}
		m["user_images"] = images
	}
	return m
}

func (c *LLMPromptContent) Clone() Content {
	cp := *c
	if c.UserImages != nil {
		cp.UserImages = make([]ImageContent, len(c.UserImages))
		copy(cp.UserImages, c.UserImages)
	}
	return &cp
}

// ListContent is an ordered list of contents.
type ListContent struct {
	Items []Content `json:"items"`
}

func (c *ListContent) Kind() ContentKind { return KindList }

func (c *ListContent) Rendered() string {
	parts := make([]string, len(c.Items))
	for i, item := range c.Items {
		parts[i] = item.Rendered()
	}
	return strings.Join(parts, "\n")
}

func (c *ListContent) TemplateValue() any {
	values := make([]any, len(c.Items))
	for i, item := range c.Items {
		values[i] = item.TemplateValue()
	}
	return values
}

func (c *ListContent) Clone() Content {
	cp := &ListContent{Items: make([]Content, len(c.Items))}
	for i, item := range c.Items {
		cp.Items[i] = item.Clone()
	}
	return cp
}

// StructuredContent is a free-form object.
type StructuredContent struct {
	Fields map[string]any `json:"fields"`
}

func (c *StructuredContent) Kind() ContentKind { return KindStructured }

func (c *StructuredContent) Rendered() string {
	data, err := json.Marshal(c.Fields)
	if err != nil {
		return fmt.Sprintf("%v", c.Fields)
	}
	return string(data)
}

func (c *StructuredContent) TemplateValue() any { return deepCopyValue(c.Fields) }

func (c *StructuredContent) Clone() Content {
	fields, _ := deepCopyValue(c.Fields).(map[string]any)
	return &StructuredContent{Fields: fields}
}

// deepCopyValue copies maps and slices made of plain JSON-like values.
func deepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		if t == nil {
			return map[string]any(nil)
		}
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = deepCopyValue(val)
		}
		return out
	case []any:
		if t == nil {
			return []any(nil)
		}
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = deepCopyValue(val)
		}
		return out
	default:
		return v
	}
}

// DecodeContent builds a Content of the given kind from a plain value, as
// produced by JSON decoding or TemplateValue.
//
// An array given for any kind other than KindList is a list of that kind,
// which is how ToCompact writes a list stuff tagged with its item concept.
func DecodeContent(kind ContentKind, value any) (Content, error) {
	if items, ok := value.([]any); ok && kind != KindList {
		return decodeList(kind, items)
	}
	switch kind {
	case KindText:
		switch v := value.(type) {
		case string:
			return &TextContent{Text: v}, nil
		case map[string]any:
			if s, ok := v["text"].(string); ok {
				return &TextContent{Text: s}, nil
			}
		}
		return nil, fmt.Errorf("%w: text content must be a string or {text: string}, got %T", ErrFactory, value)
	case KindNumber:
		switch v := value.(type) {
		case float64:
			return &NumberContent{Number: v}, nil
		case int:
			return &NumberContent{Number: float64(v)}, nil
		case int64:
			return &NumberContent{Number: float64(v)}, nil
		case string:
			f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				return nil, fmt.Errorf("%w: number content: %v", ErrFactory, err)
			}
			return &NumberContent{Number: f}, nil
		case map[string]any:
			if f, ok := v["number"].(float64); ok {
				return &NumberContent{Number: f}, nil
			}
		}
		return nil, fmt.Errorf("%w: number content must be numeric, got %T", ErrFactory, value)
	case KindImage:
		if s, ok := value.(string); ok {
			return &ImageContent{URL: s}, nil
		}
		out := &ImageContent{}
		return out, decodeVia(value, out)
	case KindPDF:
		if s, ok := value.(string); ok {
			return &PDFContent{URL: s}, nil
		}
		out := &PDFContent{}
		return out, decodeVia(value, out)
	case KindTextAndImages:
		if s, ok := value.(string); ok {
			return &TextAndImagesContent{Text: &TextContent{Text: s}}, nil
		}
		out := &TextAndImagesContent{}
		return out, decodeVia(value, out)
	case KindPage:
		out := &PageContent{}
		return out, decodeVia(value, out)
	case KindLLMPrompt:
		if s, ok := value.(string); ok {
			return &LLMPromptContent{UserText: s}, nil
		}
		out := &LLMPromptContent{}
		return out, decodeVia(value, out)
	case KindList:
		items, ok := value.([]any)
		if !ok {
			return nil, fmt.Errorf("%w: list content must be an array, got %T", ErrFactory, value)
		}
		return decodeList(KindList, items)
	case KindStructured:
		if m, ok := value.(map[string]any); ok {
			fields, _ := deepCopyValue(m).(map[string]any)
			return &StructuredContent{Fields: fields}, nil
		}
		return nil, fmt.Errorf("%w: structured content must be an object, got %T", ErrFactory, value)
	default:
		return nil, fmt.Errorf("%w: unknown content kind %q", ErrFactory, kind)
	}
}

// DecodeListOf decodes every item as kind. Items of a KindList list are
// inferred one by one.
func DecodeListOf(kind ContentKind, items []any) (*ListContent, error) {
	list := &ListContent{Items: make([]Content, 0, len(items))}
	for i, item := range items {
		var (
			c   Content
			err error
		)
		if kind == KindList {
			c, err = InferContent(item)
		} else {
			c, err = DecodeContent(kind, item)
		}
		if err != nil {
			return nil, fmt.Errorf("list item %d: %w", i, err)
		}
		list.Items = append(list.Items, c)
	}
	return list, nil
}

func decodeList(kind ContentKind, items []any) (Content, error) {
	list, err := DecodeListOf(kind, items)
	if err != nil {
		return nil, err
	}
	return list, nil
}

// ItemKind returns the kind shared by every item, or "" when the list is
// empty or mixed.
func (c *ListContent) ItemKind() ContentKind {
	if len(c.Items) == 0 {
		return ""
	}
	kind := c.Items[0].Kind()
	for _, item := range c.Items[1:] {
		if item.Kind() != kind {
			return ""
		}
	}
	return kind
}

// InferContent guesses a content shape from a plain value. Used for list
// items, whose concept is not carried in compact form.
func InferContent(value any) (Content, error) {
	switch v := value.(type) {
	case string:
		return &TextContent{Text: v}, nil
	case float64, int, int64:
		return DecodeContent(KindNumber, v)
	case []any:
		return DecodeContent(KindList, v)
	case map[string]any:
		if _, ok := v["text_and_images"]; ok {
			return DecodeContent(KindPage, v)
		}
		if u, ok := v["url"].(string); ok && len(v) == 1 && isPDFURL(u) {
			return &PDFContent{URL: u}, nil
		}
		if _, ok := v["url"]; ok && len(v) <= 4 {
			return DecodeContent(KindImage, v)
		}
		if s, ok := v["text"].(string); ok && len(v) == 1 {
			return &TextContent{Text: s}, nil
		}
		return DecodeContent(KindStructured, v)
	case nil:
		return nil, fmt.Errorf("%w: cannot infer content from null", ErrFactory)
	default:
		return nil, fmt.Errorf("%w: cannot infer content from %T", ErrFactory, value)
	}
}

func isPDFURL(u string) bool {
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		u = u[:i]
	}
	return strings.HasSuffix(strings.ToLower(u), ".pdf")
}

// FallbackTextContent converts any plain value into text, used when the
// concept of a value is not registered.
func FallbackTextContent(value any) *TextContent {
	if s, ok := value.(string); ok {
		return &TextContent{Text: s}
	}
	data, err := json.Marshal(value)
	if err != nil {
		return &TextContent{Text: fmt.Sprintf("%v", value)}
	}
	return &TextContent{Text: string(data)}
}

func decodeVia(value any, out any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFactory, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: %v", ErrFactory, err)
	}
	return nil
}

// MockContent returns placeholder content of the given kind, used to build
// working memories for dry runs.
func MockContent(kind ContentKind, label string) Content {
	text := fmt.Sprintf("DRY RUN: mock content for %s", label)
	switch kind {
	case KindNumber:
		return &NumberContent{Number: 0}
	case KindImage:
		return &ImageContent{URL: "dry-run://image/" + label, Caption: text}
	case KindPDF:
		return &PDFContent{URL: "dry-run://pdf/" + label}
	case KindTextAndImages:
		return &TextAndImagesContent{Text: &TextContent{Text: text}}
	case KindPage:
		return &PageContent{TextAndImages: TextAndImagesContent{Text: &TextContent{Text: text}}}
	case KindLLMPrompt:
		return &LLMPromptContent{UserText: text}
	case KindList:
		return &ListContent{Items: []Content{&TextContent{Text: text}}}
	case KindStructured:
		return &StructuredContent{Fields: map[string]any{}}
	default:
		return &TextContent{Text: text}
	}
}
