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
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func textStuff(name, text string) *Stuff {
	return MakeStuff("native.Text", name, &TextContent{Text: text})
}

func TestWorkingMemory_GetStuff(t *testing.T) {
	wm := New(nil)
	s := textStuff("question", "what?")
	require.NoError(t, wm.AddNewStuff("question", s, "q"))

	t.Run("direct name", func(t *testing.T) {
		got, err := wm.GetStuff("question")
		require.NoError(t, err)
		assert.Same(t, s, got)
	})

	t.Run("alias resolves to target", func(t *testing.T) {
		byAlias, err := wm.GetStuff("q")
		require.NoError(t, err)
		byTarget, err := wm.GetStuff("question")
		require.NoError(t, err)
		assert.Same(t, byTarget, byAlias)
	})

	t.Run("missing name", func(t *testing.T) {
		_, err := wm.GetStuff("answer")
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrStuffNotFound))
		var nf *StuffNotFoundError
		require.True(t, errors.As(err, &nf))
		assert.Equal(t, "answer", nf.Name)
		assert.Contains(t, nf.Available, "question")
	})

	t.Run("optional missing is nil", func(t *testing.T) {
		assert.Nil(t, wm.GetOptionalStuff("answer"))
	})
}

func TestWorkingMemory_AliasRules(t *testing.T) {
	wm := New(nil)
	require.NoError(t, wm.AddNewStuff("a", textStuff("a", "x")))
	require.NoError(t, wm.AddNewStuff("b", textStuff("b", "y")))

	tests := []struct {
		name   string
		alias  string
		target string
	}{
		{"self reference", "a", "a"},
		{"self reference on unknown name", "z", "z"},
		{"missing target", "z", "missing"},
		{"shadows primary name", "b", "a"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := wm.AddAlias(tt.alias, tt.target)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrConsistency), "got %v", err)
		})
	}

	t.Run("set alias may point an existing alias elsewhere", func(t *testing.T) {
		require.NoError(t, wm.SetAlias("current", "a"))
		require.NoError(t, wm.SetAlias("current", "b"))
		got, err := wm.GetStuff("current")
		require.NoError(t, err)
		assert.Equal(t, "y", got.Rendered())
	})
}

func TestWorkingMemory_AddNewStuff(t *testing.T) {
	t.Run("identical re-add is a no-op", func(t *testing.T) {
		wm := New(nil)
		s := textStuff("a", "x")
		require.NoError(t, wm.AddNewStuff("a", s))
		require.NoError(t, wm.AddNewStuff("a", s))
		assert.Equal(t, []string{"a"}, wm.ListKeys())
	})

	t.Run("different stuff replaces", func(t *testing.T) {
		wm := New(nil)
		require.NoError(t, wm.AddNewStuff("a", textStuff("a", "x")))
		require.NoError(t, wm.AddNewStuff("a", textStuff("a", "y")))
		got, err := wm.GetStuff("a")
		require.NoError(t, err)
		assert.Equal(t, "y", got.Rendered())
		assert.Equal(t, 1, wm.Len())
	})

	t.Run("duplicate code under another name is rejected", func(t *testing.T) {
		wm := New(nil)
		s := textStuff("a", "x")
		require.NoError(t, wm.AddNewStuff("a", s))
		err := wm.AddNewStuff("b", s.WithName("b"))
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrConsistency))
		assert.True(t, wm.IsStuffCodeUsed(s.Code()))
	})
}

func TestWorkingMemory_SetNewMainStuff(t *testing.T) {
	t.Run("named main is aliased", func(t *testing.T) {
		wm := New(nil)
		first := textStuff("first", "1")
		require.NoError(t, wm.SetNewMainStuff(first, "first"))
		assert.Equal(t, map[string]string{MainStuffName: "first"}, wm.Aliases())

		second := textStuff("second", "2")
		require.NoError(t, wm.SetNewMainStuff(second, "second"))
		main, err := wm.GetMainStuff()
		require.NoError(t, err)
		assert.Same(t, second, main)
		assert.Equal(t, []string{"first", "second"}, wm.ListKeys())
		assert.Equal(t, []string{MainStuffName}, wm.AliasesFor("second"))
		assert.Empty(t, wm.AliasesFor("first"))
	})

	t.Run("unnamed main is stored directly", func(t *testing.T) {
		wm := New(nil)
		require.NoError(t, wm.SetNewMainStuff(textStuff("named", "1"), "named"))
		unnamed := textStuff("", "2")
		require.NoError(t, wm.SetNewMainStuff(unnamed, ""))
		assert.Empty(t, wm.Aliases())
		assert.Equal(t, []string{"named", MainStuffName}, wm.ListKeys())
		main, err := wm.GetMainStuff()
		require.NoError(t, err)
		assert.Same(t, unnamed, main)
	})

	t.Run("named main replaces direct main", func(t *testing.T) {
		wm := New(nil)
		require.NoError(t, wm.SetNewMainStuff(textStuff("", "1"), ""))
		require.NoError(t, wm.SetNewMainStuff(textStuff("out", "2"), "out"))
		assert.Equal(t, []string{"out"}, wm.ListKeys())
		main, err := wm.GetMainStuff()
		require.NoError(t, err)
		assert.Equal(t, "2", main.Rendered())
	})

	t.Run("rejected main leaves memory unchanged", func(t *testing.T) {
		for _, direct := range []bool{false, true} {
			wm := New(nil)
			kept := textStuff("kept", "1")
			if direct {
				require.NoError(t, wm.SetNewMainStuff(kept, ""))
			} else {
				require.NoError(t, wm.SetNewMainStuff(kept, "kept"))
			}
			other := textStuff("other", "2")
			require.NoError(t, wm.AddNewStuff("other", other))
			keys, aliases := wm.ListKeys(), wm.Aliases()

			for _, name := range []string{"clash", ""} {
				err := wm.SetNewMainStuff(other.WithName("clash"), name)
				assert.ErrorIs(t, err, ErrConsistency, "direct=%v name=%q", direct, name)
				main, err := wm.GetMainStuff()
				require.NoError(t, err, "direct=%v name=%q", direct, name)
				assert.Same(t, kept, main)
				assert.Equal(t, keys, wm.ListKeys())
				assert.Equal(t, aliases, wm.Aliases())
			}
		}
	})

	t.Run("nil stuff", func(t *testing.T) {
		wm := New(nil)
		require.NoError(t, wm.SetNewMainStuff(textStuff("kept", "1"), "kept"))
		for _, name := range []string{"", "out"} {
			assert.ErrorIs(t, wm.SetNewMainStuff(nil, name), ErrConsistency)
		}
		assert.Equal(t, map[string]string{MainStuffName: "kept"}, wm.Aliases())
	})
}

func TestWorkingMemory_StuffAs(t *testing.T) {
	wm := New(nil)
	require.NoError(t, wm.AddNewStuff("n", MakeStuff("native.Number", "n", &NumberContent{Number: 3})))

	n, err := StuffAs[*NumberContent](wm, "n")
	require.NoError(t, err)
	assert.Equal(t, 3.0, n.Number)

	_, err = StuffAs[*TextContent](wm, "n")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTypeMismatch))
	var tm *TypeMismatchError
	require.True(t, errors.As(err, &tm))
	assert.Equal(t, KindNumber, tm.Got)

	_, err = StuffAs[*TextContent](wm, "missing")
	assert.True(t, errors.Is(err, ErrStuffNotFound))
}

func TestWorkingMemory_GetStuffOrAttribute(t *testing.T) {
	wm := New(nil)
	page := &PageContent{TextAndImages: TextAndImagesContent{
		Text:   &TextContent{Text: "hello"},
		Images: []ImageContent{{URL: "http://img/1"}},
	}}
	require.NoError(t, wm.AddNewStuff("page", MakeStuff("native.Page", "page", page)))

	v, err := wm.GetStuffOrAttribute("page.text_and_images.text.text")
	require.NoError(t, err)
	assert.Equal(t, "hello", v)

	v, err = wm.GetStuffOrAttribute("page.text_and_images.images.0.url")
	require.NoError(t, err)
	assert.Equal(t, "http://img/1", v)

	v, err = wm.GetStuffOrAttribute("page")
	require.NoError(t, err)
	assert.IsType(t, &Stuff{}, v)

	_, err = wm.GetStuffOrAttribute("page.nope")
	assert.True(t, errors.Is(err, ErrStuffNotFound))
}

func TestWorkingMemory_ContentDictFlattensAliases(t *testing.T) {
	wm := New(nil)
	require.NoError(t, wm.SetNewMainStuff(textStuff("answer", "42"), "answer"))

	dict := wm.ContentDict()
	require.Len(t, dict, 2)
	assert.Equal(t, "42", dict["answer"].Rendered())
	assert.Equal(t, "42", dict[MainStuffName].Rendered())

	values := wm.TemplateValues()
	assert.Equal(t, "42", values[MainStuffName])
}

func TestWorkingMemory_RemoveStuffDropsAliases(t *testing.T) {
	wm := New(nil)
	require.NoError(t, wm.AddNewStuff("a", textStuff("a", "x"), "alias1", "alias2"))
	wm.RemoveStuff("a")
	assert.Empty(t, wm.Aliases())
	assert.True(t, wm.IsEmpty())
}

func TestWorkingMemory_DeepCopyIsolation(t *testing.T) {
	parent := New(nil)
	require.NoError(t, parent.SetNewMainStuff(textStuff("in", "parent"), "in"))

	child := parent.MakeDeepCopy()
	require.NoError(t, child.SetNewMainStuff(textStuff("out", "child"), "out"))
	child.RemoveStuff("in")

	assert.Equal(t, []string{"in"}, parent.ListKeys())
	main, err := parent.GetMainStuff()
	require.NoError(t, err)
	assert.Equal(t, "parent", main.Rendered())

	// Writing on the parent after the fork must not leak into the child.
	require.NoError(t, parent.AddNewStuff("late", textStuff("late", "x")))
	assert.Nil(t, child.GetOptionalStuff("late"))
	assert.Equal(t, []string{"out"}, child.ListKeys())
}

func TestWorkingMemory_ConcurrentBranchesAreIsolated(t *testing.T) {
	parent := New(nil)
	require.NoError(t, parent.SetNewMainStuff(textStuff("seed", "seed"), "seed"))

	const branches = 16
	forks := make([]*WorkingMemory, branches)
	for i := range forks {
		forks[i] = parent.MakeDeepCopy()
	}

	var wg sync.WaitGroup
	for i, fork := range forks {
		wg.Add(1)
		go func(i int, wm *WorkingMemory) {
			defer wg.Done()
			name := fmt.Sprintf("branch_%d", i)
			_ = wm.SetNewMainStuff(textStuff(name, name), name)
		}(i, fork)
	}
	wg.Wait()

	for i, fork := range forks {
		main, err := fork.GetMainStuff()
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("branch_%d", i), main.Rendered())
		assert.Len(t, fork.ListKeys(), 2)
	}
	assert.Equal(t, []string{"seed"}, parent.ListKeys())
}

func TestStuff_ContentIsCopied(t *testing.T) {
	list := &ListContent{Items: []Content{&TextContent{Text: "a"}}}
	s := MakeStuff("native.Text", "l", list)
	list.Items[0] = &TextContent{Text: "mutated"}

	got := s.Content().(*ListContent)
	assert.Equal(t, "a", got.Items[0].Rendered())
	got.Items = nil
	assert.Equal(t, "a", s.Rendered())
}
