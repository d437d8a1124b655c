// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package memory provides the working memory that pipes read from and write
// to during a pipeline run.
//
// A WorkingMemory maps names to immutable Stuff values and keeps an alias
// table on the side. The reserved name MainStuffName designates the current
// main artifact of a pipe chain.
//
// Forking a memory with MakeDeepCopy is cheap: both memories share their maps
// until one of them writes, at which point the writer takes a private copy.
// Because Stuff values are immutable this gives every branch the semantics of
// an independent deep copy.
package memory

import (
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
)

const (
	// MainStuffName is the reserved name of the main artifact.
	MainStuffName = "main_stuff"

	// BatchItemStuffName is the default name of the current item in a batch branch.
	BatchItemStuffName = "BATCH_ITEM"
)

// memState is the shareable payload of a WorkingMemory. A memState referenced
// by more than one memory is never mutated.
type memState struct {
	root    map[string]*Stuff
	order   []string
	aliases map[string]string
}

func newMemState() *memState {
	return &memState{
		root:    make(map[string]*Stuff),
		aliases: make(map[string]string),
	}
}

func (s *memState) clone() *memState {
	cp := &memState{
		root:    make(map[string]*Stuff, len(s.root)),
		order:   make([]string, len(s.order)),
		aliases: make(map[string]string, len(s.aliases)),
	}
	for k, v := range s.root {
		cp.root[k] = v
	}
	copy(cp.order, s.order)
	for k, v := range s.aliases {
		cp.aliases[k] = v
	}
	return cp
}

// WorkingMemory is the per-run store of named artifacts plus aliases.
//
// Thread Safety: Safe for concurrent use. Concurrent branches should still
// each work on their own fork obtained from MakeDeepCopy.
type WorkingMemory struct {
	mu     sync.RWMutex
	state  *memState
	shared bool
	logger *slog.Logger
}

// New creates an empty working memory.
func New(logger *slog.Logger) *WorkingMemory {
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkingMemory{state: newMemState(), logger: logger}
}

// ensureOwned gives the memory a private state before a write. Caller holds mu.
func (wm *WorkingMemory) ensureOwned() {
	if wm.shared {
		wm.state = wm.state.clone()
		wm.shared = false
	}
}

// MakeDeepCopy returns an independent memory with the same contents.
//
// Description:
//
//	The copy shares storage with the receiver until either side writes.
//	Writes on one side are never visible on the other.
//
// Outputs:
//
//	*WorkingMemory - The fork.
func (wm *WorkingMemory) MakeDeepCopy() *WorkingMemory {
	wm.mu.Lock()
	defer wm.mu.Unlock()
	wm.shared = true
	return &WorkingMemory{state: wm.state, shared: true, logger: wm.logger}
}

// Len returns the number of primary names.
func (wm *WorkingMemory) Len() int {
	wm.mu.RLock()
	defer wm.mu.RUnlock()
	return len(wm.state.root)
}

// IsEmpty reports whether the memory holds no stuff.
func (wm *WorkingMemory) IsEmpty() bool {
	return wm.Len() == 0
}

// resolve looks up a name directly, then through the alias table. Caller holds mu.
func (wm *WorkingMemory) resolve(name string) (*Stuff, bool) {
	if s, ok := wm.state.root[name]; ok {
		return s, true
	}
	if target, ok := wm.state.aliases[name]; ok {
		if s, ok := wm.state.root[target]; ok {
			return s, true
		}
	}
	return nil, false
}

func (wm *WorkingMemory) notFound(name string) error {
	available := make([]string, 0, len(wm.state.root)+len(wm.state.aliases))
	available = append(available, wm.state.order...)
	for alias := range wm.state.aliases {
		available = append(available, alias)
	}
	sort.Strings(available[len(wm.state.order):])
	return &StuffNotFoundError{Name: name, Available: available}
}

// GetStuff resolves a name, falling back to the alias table.
func (wm *WorkingMemory) GetStuff(name string) (*Stuff, error) {
	wm.mu.RLock()
	defer wm.mu.RUnlock()
	if s, ok := wm.resolve(name); ok {
		return s, nil
	}
	return nil, wm.notFound(name)
}

// GetOptionalStuff resolves a name and returns nil when it is absent.
func (wm *WorkingMemory) GetOptionalStuff(name string) *Stuff {
	wm.mu.RLock()
	defer wm.mu.RUnlock()
	s, _ := wm.resolve(name)
	return s
}

// GetStuffs resolves several names, failing on the first missing one.
func (wm *WorkingMemory) GetStuffs(names []string) (map[string]*Stuff, error) {
	wm.mu.RLock()
	defer wm.mu.RUnlock()
	out := make(map[string]*Stuff, len(names))
	for _, name := range names {
		s, ok := wm.resolve(name)
		if !ok {
			return nil, wm.notFound(name)
		}
		out[name] = s
	}
	return out, nil
}

// GetExistingStuffs resolves the names that exist and skips the rest.
func (wm *WorkingMemory) GetExistingStuffs(names []string) map[string]*Stuff {
	wm.mu.RLock()
	defer wm.mu.RUnlock()
	out := make(map[string]*Stuff, len(names))
	for _, name := range names {
		if s, ok := wm.resolve(name); ok {
			out[name] = s
		}
	}
	return out
}

// MissingNames returns the names, in input order, that do not resolve.
func (wm *WorkingMemory) MissingNames(names []string) []string {
	wm.mu.RLock()
	defer wm.mu.RUnlock()
	var missing []string
	for _, name := range names {
		if _, ok := wm.resolve(name); !ok {
			missing = append(missing, name)
		}
	}
	return missing
}

// GetMainStuff returns the current main artifact.
func (wm *WorkingMemory) GetMainStuff() (*Stuff, error) {
	return wm.GetStuff(MainStuffName)
}

// GetStuffOrAttribute resolves a dotted path such as "page.text_and_images.text".
//
// Description:
//
//	The first segment names a stuff. With no further segments the *Stuff
//	itself is returned. Otherwise the remaining segments walk the stuff's
//	template value; numeric segments index into lists.
func (wm *WorkingMemory) GetStuffOrAttribute(path string) (any, error) {
	parts := strings.Split(path, ".")
	s, err := wm.GetStuff(parts[0])
	if err != nil {
		return nil, err
	}
	if len(parts) == 1 {
		return s, nil
	}
	value := s.TemplateValue()
	for i, part := range parts[1:] {
		switch v := value.(type) {
		case map[string]any:
			next, ok := v[part]
			if !ok {
				return nil, fmt.Errorf("%w: attribute %q not found on %q",
					ErrStuffNotFound, strings.Join(parts[:i+2], "."), parts[0])
			}
			value = next
		case []any:
			idx, convErr := strconv.Atoi(part)
			if convErr != nil || idx < 0 || idx >= len(v) {
				return nil, fmt.Errorf("%w: index %q out of range on %q",
					ErrStuffNotFound, part, strings.Join(parts[:i+1], "."))
			}
			value = v[idx]
		default:
			return nil, fmt.Errorf("%w: %q has no attribute %q",
				ErrStuffNotFound, strings.Join(parts[:i+1], "."), part)
		}
	}
	return value, nil
}

// StuffAs returns the content of a stuff as a concrete content type.
func StuffAs[T Content](wm *WorkingMemory, name string) (T, error) {
	var zero T
	s, err := wm.GetStuff(name)
	if err != nil {
		return zero, err
	}
	typed, ok := s.Content().(T)
	if !ok {
		return zero, &TypeMismatchError{Name: name, Want: fmt.Sprintf("%T", zero), Got: s.Kind()}
	}
	return typed, nil
}

// MainStuffAs returns the content of the main stuff as a concrete content type.
func MainStuffAs[T Content](wm *WorkingMemory) (T, error) {
	return StuffAs[T](wm, MainStuffName)
}

// IsStuffCodeUsed reports whether any primary name holds a stuff with this code.
func (wm *WorkingMemory) IsStuffCodeUsed(code string) bool {
	wm.mu.RLock()
	defer wm.mu.RUnlock()
	return wm.nameForCode(code) != ""
}

// nameForCode returns the primary name holding code, or "". Caller holds mu.
func (wm *WorkingMemory) nameForCode(code string) string {
	for _, name := range wm.state.order {
		if wm.state.root[name].Code() == code {
			return name
		}
	}
	return ""
}

// SetStuff stores a stuff under a name without any consistency check.
func (wm *WorkingMemory) SetStuff(name string, stuff *Stuff) {
	wm.mu.Lock()
	defer wm.mu.Unlock()
	wm.ensureOwned()
	wm.put(name, stuff)
}

// put stores a stuff keeping insertion order. Caller holds mu and owns state.
func (wm *WorkingMemory) put(name string, stuff *Stuff) {
	if _, exists := wm.state.root[name]; !exists {
		wm.state.order = append(wm.state.order, name)
	}
	wm.state.root[name] = stuff
}

// AddNewStuff inserts a stuff under a name and records optional aliases.
//
// Description:
//
//	Re-adding an identical stuff under the same name is a no-op. Adding a
//	different stuff under an existing name replaces it. A stuff code that
//	already lives under another name is rejected.
//
// Outputs:
//
//	error - ErrConsistency on duplicate code or invalid alias.
func (wm *WorkingMemory) AddNewStuff(name string, stuff *Stuff, aliases ...string) error {
	wm.mu.Lock()
	defer wm.mu.Unlock()
	return wm.addNewStuff(name, stuff, aliases)
}

func (wm *WorkingMemory) addNewStuff(name string, stuff *Stuff, aliases []string) error {
	if stuff == nil {
		return fmt.Errorf("%w: cannot add nil stuff under %q", ErrConsistency, name)
	}
	if holder := wm.nameForCode(stuff.Code()); holder != "" && holder != name {
		return fmt.Errorf("%w: stuff code %q is already used by %q", ErrConsistency, stuff.Code(), holder)
	}
	if existing, ok := wm.state.root[name]; ok {
		if existing.Equal(stuff) {
			wm.logger.Warn("stuff already present in working memory",
				slog.String("name", name),
				slog.String("stuff_code", stuff.Code()))
			return wm.addAliases(name, aliases)
		}
		wm.logger.Warn("replacing stuff in working memory",
			slog.String("name", name),
			slog.String("previous_code", existing.Code()),
			slog.String("stuff_code", stuff.Code()))
	}
	wm.ensureOwned()
	wm.put(name, stuff)
	return wm.addAliases(name, aliases)
}

func (wm *WorkingMemory) addAliases(target string, aliases []string) error {
	for _, alias := range aliases {
		if err := wm.addAlias(alias, target); err != nil {
			return err
		}
	}
	return nil
}

// SetNewMainStuff makes a stuff the main artifact.
//
// Description:
//
//	With a name, the stuff is stored under that name and the main name
//	becomes an alias to it; any stuff stored directly under the main name
//	is removed. Without a name, the stuff is stored directly under the main
//	name and any main alias is dropped. The memory is left unchanged when
//	an error is returned.
//
// Outputs:
//
//	error - ErrConsistency for a nil stuff or a code held by another name.
func (wm *WorkingMemory) SetNewMainStuff(stuff *Stuff, name string) error {
	if stuff == nil {
		return fmt.Errorf("%w: cannot set nil stuff as main", ErrConsistency)
	}
	if name == "" {
		name = MainStuffName
	}
	wm.mu.Lock()
	defer wm.mu.Unlock()
	if holder := wm.nameForCode(stuff.Code()); holder != "" && holder != name && holder != MainStuffName {
		return fmt.Errorf("%w: stuff code %q is already used by %q", ErrConsistency, stuff.Code(), holder)
	}

	wm.ensureOwned()
	delete(wm.state.aliases, MainStuffName)
	if name == MainStuffName {
		wm.put(MainStuffName, stuff)
		return nil
	}
	wm.remove(MainStuffName)
	return wm.addNewStuff(name, stuff, []string{MainStuffName})
}

// SetAlias points alias at an existing primary name.
func (wm *WorkingMemory) SetAlias(alias, target string) error {
	wm.mu.Lock()
	defer wm.mu.Unlock()
	return wm.setAlias(alias, target)
}

func (wm *WorkingMemory) setAlias(alias, target string) error {
	if alias == target {
		return fmt.Errorf("%w: cannot alias %q to itself", ErrConsistency, alias)
	}
	if _, ok := wm.state.root[target]; !ok {
		return fmt.Errorf("%w: alias target %q does not exist", ErrConsistency, target)
	}
	wm.ensureOwned()
	wm.state.aliases[alias] = target
	return nil
}

// AddAlias is SetAlias but refuses to shadow an existing primary name.
func (wm *WorkingMemory) AddAlias(alias, target string) error {
	wm.mu.Lock()
	defer wm.mu.Unlock()
	return wm.addAlias(alias, target)
}

func (wm *WorkingMemory) addAlias(alias, target string) error {
	if _, ok := wm.state.root[alias]; ok {
		return fmt.Errorf("%w: alias %q would shadow an existing stuff", ErrConsistency, alias)
	}
	return wm.setAlias(alias, target)
}

// RemoveAlias drops an alias. Missing aliases are ignored.
func (wm *WorkingMemory) RemoveAlias(alias string) {
	wm.mu.Lock()
	defer wm.mu.Unlock()
	if _, ok := wm.state.aliases[alias]; !ok {
		return
	}
	wm.ensureOwned()
	delete(wm.state.aliases, alias)
}

// RemoveStuff drops a primary name and every alias pointing at it.
func (wm *WorkingMemory) RemoveStuff(name string) {
	wm.mu.Lock()
	defer wm.mu.Unlock()
	if _, ok := wm.state.root[name]; !ok {
		return
	}
	wm.ensureOwned()
	wm.remove(name)
}

// RemoveMainStuff drops the main artifact, whether stored directly or aliased.
func (wm *WorkingMemory) RemoveMainStuff() {
	wm.mu.Lock()
	defer wm.mu.Unlock()
	wm.ensureOwned()
	wm.remove(MainStuffName)
	delete(wm.state.aliases, MainStuffName)
}

// remove drops a primary name and its aliases. Caller holds mu and owns state.
func (wm *WorkingMemory) remove(name string) {
	if _, ok := wm.state.root[name]; !ok {
		return
	}
	delete(wm.state.root, name)
	for i, n := range wm.state.order {
		if n == name {
			wm.state.order = append(wm.state.order[:i:i], wm.state.order[i+1:]...)
			break
		}
	}
	for alias, target := range wm.state.aliases {
		if target == name {
			delete(wm.state.aliases, alias)
		}
	}
}

// AliasesFor returns the sorted aliases that point at a primary name.
func (wm *WorkingMemory) AliasesFor(target string) []string {
	wm.mu.RLock()
	defer wm.mu.RUnlock()
	var out []string
	for alias, t := range wm.state.aliases {
		if t == target {
			out = append(out, alias)
		}
	}
	sort.Strings(out)
	return out
}

// Aliases returns a copy of the alias table.
func (wm *WorkingMemory) Aliases() map[string]string {
	wm.mu.RLock()
	defer wm.mu.RUnlock()
	out := make(map[string]string, len(wm.state.aliases))
	for k, v := range wm.state.aliases {
		out[k] = v
	}
	return out
}

// ListKeys returns the primary names in insertion order.
func (wm *WorkingMemory) ListKeys() []string {
	wm.mu.RLock()
	defer wm.mu.RUnlock()
	out := make([]string, len(wm.state.order))
	copy(out, wm.state.order)
	return out
}

// FullStuffDict flattens aliases into one name to stuff view.
func (wm *WorkingMemory) FullStuffDict() map[string]*Stuff {
	wm.mu.RLock()
	defer wm.mu.RUnlock()
	out := make(map[string]*Stuff, len(wm.state.root)+len(wm.state.aliases))
	for name, s := range wm.state.root {
		out[name] = s
	}
	for alias, target := range wm.state.aliases {
		if s, ok := wm.state.root[target]; ok {
			out[alias] = s
		}
	}
	return out
}

// ContentDict flattens aliases into one name to content view.
func (wm *WorkingMemory) ContentDict() map[string]Content {
	full := wm.FullStuffDict()
	out := make(map[string]Content, len(full))
	for name, s := range full {
		out[name] = s.Content()
	}
	return out
}

// TemplateValues flattens aliases into one name to plain value view, ready
// for template rendering.
func (wm *WorkingMemory) TemplateValues() map[string]any {
	full := wm.FullStuffDict()
	out := make(map[string]any, len(full))
	for name, s := range full {
		out[name] = s.TemplateValue()
	}
	return out
}

// Summary returns a compact description of the memory for debug logs.
func (wm *WorkingMemory) Summary() string {
	wm.mu.RLock()
	defer wm.mu.RUnlock()
	parts := make([]string, 0, len(wm.state.order))
	for _, name := range wm.state.order {
		s := wm.state.root[name]
		aliases := ""
		for alias, target := range wm.state.aliases {
			if target == name {
				aliases += " @" + alias
			}
		}
		parts = append(parts, fmt.Sprintf("%s=%s%s", name, s.ConceptCode(), aliases))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}
