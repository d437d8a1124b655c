// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipe

import (
	"errors"
	"sort"

	"github.com/AleutianAI/AleutianPipes/services/pipes/concept"
	"github.com/AleutianAI/AleutianPipes/services/pipes/memory"
)

// CheckDeclaredInputs compares the names p reads against its declared
// inputs and reacts to each mismatch through env.Policy. The main stuff
// never needs declaring.
func CheckDeclaredInputs(env *Env, p Pipe, required []string) error {
	inputs := p.Inputs()
	requiredSet := make(map[string]bool, len(required))
	var missing []string
	for _, name := range SortedUnique(PublicNames(required)) {
		requiredSet[name] = true
		if name == memory.MainStuffName {
			continue
		}
		if !inputs.Has(name) {
			missing = append(missing, name)
		}
	}
	var extraneous []string
	for _, name := range inputs.Names() {
		if !requiredSet[name] {
			extraneous = append(extraneous, name)
		}
	}
	sort.Strings(extraneous)

	var errs []error
	if len(missing) > 0 {
		errs = append(errs, env.Policy.React(env.Log(), &concept.StaticValidationError{
			Type:          concept.MissingInputVariable,
			Domain:        p.Domain(),
			PipeCode:      p.Code(),
			VariableNames: missing,
			Explanation:   "required variables are not declared as inputs",
		}))
	}
	if len(extraneous) > 0 {
		errs = append(errs, env.Policy.React(env.Log(), &concept.StaticValidationError{
			Type:          concept.ExtraneousInputVariable,
			Domain:        p.Domain(),
			PipeCode:      p.Code(),
			VariableNames: extraneous,
			Explanation:   "declared inputs are never used",
		}))
	}
	return errors.Join(errs...)
}
