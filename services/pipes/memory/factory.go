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
	"log/slog"
	"os"
	"path/filepath"
	"sort"
)

// Native concept codes used by the factory helpers. The concept package owns
// the full list.
const (
	textConceptCode  = "native.Text"
	imageConceptCode = "native.Image"
	pdfConceptCode   = "native.PDF"
)

// KindResolver maps a concept code to the content shape it carries.
type KindResolver interface {
	// ContentKindFor returns the content kind of a registered concept.
	// The boolean is false when the concept is unknown.
	ContentKindFor(conceptCode string) (ContentKind, bool)
}

// CompactStuff is the exchange form of one named stuff.
type CompactStuff struct {
	ConceptCode string `json:"concept_code" yaml:"concept_code"`
	Content     any    `json:"content" yaml:"content"`
}

// CompactMemory is the exchange form of a working memory: name to
// {concept_code, content}.
type CompactMemory map[string]CompactStuff

// DryRunInput describes one input to mock for a dry run.
type DryRunInput struct {
	Name        string
	ConceptCode string
	Kind        ContentKind
	Multiple    bool
}

// MakeEmpty returns an empty memory.
func MakeEmpty(logger *slog.Logger) *WorkingMemory {
	return New(logger)
}

// MakeFromSingleStuff stores one stuff under its name and makes it main.
// An unnamed stuff is stored directly as main.
func MakeFromSingleStuff(stuff *Stuff, logger *slog.Logger) (*WorkingMemory, error) {
	wm := New(logger)
	if err := wm.SetNewMainStuff(stuff, stuff.Name()); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFactory, err)
	}
	return wm, nil
}

// MakeFromStuffAndName renames a stuff and stores it as main.
func MakeFromStuffAndName(stuff *Stuff, name string, logger *slog.Logger) (*WorkingMemory, error) {
	return MakeFromSingleStuff(stuff.WithName(name), logger)
}

// MakeFromText builds a memory holding one text as main.
func MakeFromText(text, conceptCode, name string, logger *slog.Logger) (*WorkingMemory, error) {
	if conceptCode == "" {
		conceptCode = textConceptCode
	}
	return MakeFromSingleStuff(MakeStuff(conceptCode, name, &TextContent{Text: text}), logger)
}

// MakeFromImage builds a memory holding one image url as main.
func MakeFromImage(url, conceptCode, name string, logger *slog.Logger) (*WorkingMemory, error) {
	if conceptCode == "" {
		conceptCode = imageConceptCode
	}
	return MakeFromSingleStuff(MakeStuff(conceptCode, name, &ImageContent{URL: url}), logger)
}

// MakeFromPDF builds a memory holding one PDF url as main.
func MakeFromPDF(url, conceptCode, name string, logger *slog.Logger) (*WorkingMemory, error) {
	if conceptCode == "" {
		conceptCode = pdfConceptCode
	}
	return MakeFromSingleStuff(MakeStuff(conceptCode, name, &PDFContent{URL: url}), logger)
}

// MakeFromMultipleStuffs stores each stuff under its own name.
//
// Inputs:
//
//	stuffs - The stuffs to store, in order.
//	mainName - Optional name to alias as main. Must be one of the stuffs.
//	ignoreUnnamed - Skip unnamed stuffs instead of failing.
func MakeFromMultipleStuffs(stuffs []*Stuff, mainName string, ignoreUnnamed bool, logger *slog.Logger) (*WorkingMemory, error) {
	wm := New(logger)
	for _, s := range stuffs {
		if s.Name() == "" {
			if ignoreUnnamed {
				continue
			}
			return nil, fmt.Errorf("%w: stuff %s has no name", ErrFactory, s.Code())
		}
		if err := wm.AddNewStuff(s.Name(), s); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFactory, err)
		}
	}
	if mainName != "" {
		if err := wm.SetAlias(MainStuffName, mainName); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFactory, err)
		}
	}
	return wm, nil
}

// MakeFromStringsFromDict stores each entry as a text stuff.
func MakeFromStringsFromDict(values map[string]string, logger *slog.Logger) (*WorkingMemory, error) {
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)
	stuffs := make([]*Stuff, 0, len(names))
	for _, name := range names {
		stuffs = append(stuffs, MakeStuff(textConceptCode, name, &TextContent{Text: values[name]}))
	}
	return MakeFromMultipleStuffs(stuffs, "", false, logger)
}

// MakeFromCompactMemory decodes a compact memory.
//
// Description:
//
//	Each entry's content is decoded according to the content kind of its
//	concept. An array under a non-list concept decodes as a list of that
//	concept's kind, which is how batch outputs and list inputs travel. Entries whose concept is not registered fall back to text
//	content, keeping their concept code. An entry named MainStuffName is
//	stored directly as main.
//
// Outputs:
//
//	*WorkingMemory - The decoded memory.
//	error - ErrFactory wrapped when a registered concept's content is malformed.
func MakeFromCompactMemory(compact CompactMemory, resolver KindResolver, logger *slog.Logger) (*WorkingMemory, error) {
	wm := New(logger)
	names := make([]string, 0, len(compact))
	for name := range compact {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		entry := compact[name]
		var content Content
		kind, known := ContentKind(""), false
		if resolver != nil {
			kind, known = resolver.ContentKindFor(entry.ConceptCode)
		}
		if known {
			decoded, err := DecodeContent(kind, entry.Content)
			if err != nil {
				return nil, fmt.Errorf("decoding %q as %s: %w", name, entry.ConceptCode, err)
			}
			content = decoded
		} else {
			wm.logger.Debug("unregistered concept in compact memory, using text content",
				slog.String("name", name),
				slog.String("concept_code", entry.ConceptCode))
			content = FallbackTextContent(entry.Content)
		}
		stuff := MakeStuff(entry.ConceptCode, name, content)
		if name == MainStuffName {
			if err := wm.SetNewMainStuff(stuff, ""); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrFactory, err)
			}
			continue
		}
		if err := wm.AddNewStuff(name, stuff); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFactory, err)
		}
	}
	return wm, nil
}

// ToCompact serializes the primary names of a memory into compact form.
func (wm *WorkingMemory) ToCompact() CompactMemory {
	wm.mu.RLock()
	defer wm.mu.RUnlock()
	out := make(CompactMemory, len(wm.state.root))
	for name, s := range wm.state.root {
		out[name] = CompactStuff{ConceptCode: s.ConceptCode(), Content: s.TemplateValue()}
	}
	return out
}

// MakeForDryRun builds a memory of mock contents for the given inputs.
// A memory with a single input also gets that input as main.
func MakeForDryRun(inputs []DryRunInput, logger *slog.Logger) (*WorkingMemory, error) {
	wm := New(logger)
	for _, in := range inputs {
		var content Content
		if in.Multiple {
			content = &ListContent{Items: []Content{
				MockContent(in.Kind, in.Name+"[0]"),
				MockContent(in.Kind, in.Name+"[1]"),
			}}
		} else {
			content = MockContent(in.Kind, in.Name)
		}
		if err := wm.AddNewStuff(in.Name, MakeStuff(in.ConceptCode, in.Name, content)); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFactory, err)
		}
	}
	if len(inputs) == 1 {
		if err := wm.SetAlias(MainStuffName, inputs[0].Name); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFactory, err)
		}
	}
	return wm, nil
}

type fileStuff struct {
	StuffCode   string      `json:"stuff_code"`
	ConceptCode string      `json:"concept_code"`
	Kind        ContentKind `json:"kind"`
	ItemKind    ContentKind `json:"item_kind,omitempty"`
	Content     any         `json:"content"`
}

// decode restores the content. Lists with a recorded item kind decode each
// item as that kind, since shapes such as PDF and image are not
// distinguishable from their values alone.
func (fs fileStuff) decode() (Content, error) {
	if fs.Kind == KindList && fs.ItemKind != "" {
		items, ok := fs.Content.([]any)
		if !ok {
			return nil, fmt.Errorf("%w: list content must be an array, got %T", ErrFactory, fs.Content)
		}
		return decodeList(fs.ItemKind, items)
	}
	return DecodeContent(fs.Kind, fs.Content)
}

type fileMemory struct {
	Order   []string             `json:"order"`
	Root    map[string]fileStuff `json:"root"`
	Aliases map[string]string    `json:"aliases"`
}

// SaveToFile writes the memory as JSON, preserving codes, order and aliases.
func (wm *WorkingMemory) SaveToFile(path string) error {
	wm.mu.RLock()
	fm := fileMemory{
		Order:   append([]string(nil), wm.state.order...),
		Root:    make(map[string]fileStuff, len(wm.state.root)),
		Aliases: make(map[string]string, len(wm.state.aliases)),
	}
	for name, s := range wm.state.root {
		entry := fileStuff{
			StuffCode:   s.Code(),
			ConceptCode: s.ConceptCode(),
			Kind:        s.Kind(),
			Content:     s.TemplateValue(),
		}
		if list, ok := s.Content().(*ListContent); ok {
			entry.ItemKind = list.ItemKind()
		}
		fm.Root[name] = entry
	}
	for k, v := range wm.state.aliases {
		fm.Aliases[k] = v
	}
	wm.mu.RUnlock()

	data, err := json.MarshalIndent(fm, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling working memory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("creating directory for %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, 0640); err != nil {
		return fmt.Errorf("writing working memory to %s: %w", path, err)
	}
	return nil
}

// MakeFromFile reads a memory written by SaveToFile.
func MakeFromFile(path string, logger *slog.Logger) (*WorkingMemory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrFactory, path, err)
	}
	var fm fileMemory
	if err := json.Unmarshal(data, &fm); err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %v", ErrFactory, path, err)
	}
	wm := New(logger)
	for _, name := range fm.Order {
		fs, ok := fm.Root[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s lists %q but has no entry for it", ErrFactory, path, name)
		}
		content, err := fs.decode()
		if err != nil {
			return nil, fmt.Errorf("decoding %q from %s: %w", name, path, err)
		}
		if err := wm.AddNewStuff(name, NewStuff(fs.StuffCode, name, fs.ConceptCode, content)); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFactory, err)
		}
	}
	aliases := make([]string, 0, len(fm.Aliases))
	for alias := range fm.Aliases {
		aliases = append(aliases, alias)
	}
	sort.Strings(aliases)
	for _, alias := range aliases {
		if err := wm.SetAlias(alias, fm.Aliases[alias]); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFactory, err)
		}
	}
	return wm, nil
}
