// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package controllers implements the pipes that compose other pipes: batch
// fan-out, conditional branching, ordered sequences and the SubPipe
// dispatcher they share.
package controllers

import (
	"sort"

	"github.com/AleutianAI/AleutianPipes/services/pipes/memory"
)

// sortedStuffs returns the stuffs of m ordered by key.
func sortedStuffs(m map[string]*memory.Stuff) []*memory.Stuff {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]*memory.Stuff, 0, len(keys))
	for _, k := range keys {
		out = append(out, m[k])
	}
	return out
}
