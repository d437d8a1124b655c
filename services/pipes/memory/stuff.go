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
	"fmt"
	"reflect"

	"github.com/google/uuid"
)

// Stuff is a named artifact tagged with a concept code.
//
// Description:
//
//	A Stuff is immutable once built. Its content is cloned on the way in
//	and on the way out, so any number of working memories and branches
//	can share the same *Stuff without copying it.
//
// Thread Safety: Safe for concurrent use.
type Stuff struct {
	code        string
	name        string
	conceptCode string
	content     Content
}

// NewStuff builds a Stuff with an explicit code.
func NewStuff(code, name, conceptCode string, content Content) *Stuff {
	var c Content
	if content != nil {
		c = content.Clone()
	}
	return &Stuff{code: code, name: name, conceptCode: conceptCode, content: c}
}

// MakeStuff builds a Stuff with a freshly generated code.
func MakeStuff(conceptCode, name string, content Content) *Stuff {
	return NewStuff(NewStuffCode(), name, conceptCode, content)
}

// NewStuffCode returns a new unique stuff code.
func NewStuffCode() string {
	return uuid.NewString()[:12]
}

// Code returns the unique identity of the stuff.
func (s *Stuff) Code() string { return s.code }

// Name returns the optional human name.
func (s *Stuff) Name() string { return s.name }

// ConceptCode returns the domain-qualified concept code.
func (s *Stuff) ConceptCode() string { return s.conceptCode }

// Content returns a copy of the payload.
func (s *Stuff) Content() Content {
	if s.content == nil {
		return nil
	}
	return s.content.Clone()
}

// Kind returns the shape of the payload without copying it.
func (s *Stuff) Kind() ContentKind {
	if s.content == nil {
		return ""
	}
	return s.content.Kind()
}

// Rendered returns the plain-text rendering of the payload.
func (s *Stuff) Rendered() string {
	if s.content == nil {
		return ""
	}
	return s.content.Rendered()
}

// TemplateValue returns the payload as plain Go values.
func (s *Stuff) TemplateValue() any {
	if s.content == nil {
		return nil
	}
	return s.content.TemplateValue()
}

// WithName returns a copy of the stuff carrying a different name but the same
// code and content.
func (s *Stuff) WithName(name string) *Stuff {
	return &Stuff{code: s.code, name: name, conceptCode: s.conceptCode, content: s.content}
}

// Equal reports whether two stuffs have the same identity, name, concept and
// content.
func (s *Stuff) Equal(other *Stuff) bool {
	if s == other {
		return true
	}
	if s == nil || other == nil {
		return false
	}
	if s.code != other.code || s.name != other.name || s.conceptCode != other.conceptCode {
		return false
	}
	if s.Kind() != other.Kind() {
		return false
	}
	return reflect.DeepEqual(s.TemplateValue(), other.TemplateValue())
}

// ShortDesc is a one-line description for logs.
func (s *Stuff) ShortDesc() string {
	return fmt.Sprintf("%s (%s, %s)", s.code, s.name, s.conceptCode)
}
