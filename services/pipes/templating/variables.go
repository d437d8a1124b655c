// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package templating

import (
	"fmt"
	"sort"

	"github.com/nikolalohinski/gonja/config"
	"github.com/nikolalohinski/gonja/nodes"
	"github.com/nikolalohinski/gonja/parser"
	"github.com/nikolalohinski/gonja/tokens"
)

// ScanVariables returns the sorted root variable names a Jinja2 template
// reads from its context. Attribute paths contribute their root
// ("page.text" yields "page"). Names bound inside the template (loop
// targets, set and with targets, macro parameters) count only where they
// are out of scope. Raw blocks, comments, filters, tests and called
// function names are never reported.
func ScanVariables(tmpl string) (vars []string, err error) {
	defer func() {
		// gonja's parser dereferences missing tokens on some truncated input.
		if r := recover(); r != nil {
			vars, err = nil, fmt.Errorf("%w: %v", ErrSyntax, r)
		}
	}()

	root, err := parseTemplate(tmpl)
	if err != nil {
		return nil, err
	}

	s := &scanner{found: map[string]bool{}}
	s.push()
	s.walk(root.Nodes)

	out := make([]string, 0, len(s.found))
	for name := range s.found {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

func parseTemplate(tmpl string) (*nodes.Template, error) {
	stream, err := lex(tmpl)
	if err != nil {
		return nil, err
	}
	p := parser.NewParser("scan", config.DefaultConfig, stream)
	p.Statements = scanStatements
	root, err := p.Parse()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSyntax, err)
	}
	return root, nil
}

// lex drains the lexer into a slice so an early parse failure never
// strands the lexing goroutine on its unbuffered channel.
func lex(tmpl string) (*tokens.Stream, error) {
	l := tokens.NewLexer(tmpl)
	go l.Run()

	var (
		toks    []*tokens.Token
		lexFail *tokens.Token
	)
	for tok := range l.Tokens {
		if tok.Type == tokens.Error && lexFail == nil {
			lexFail = tok
		}
		toks = append(toks, tok)
	}
	if lexFail != nil {
		return nil, fmt.Errorf("%w: %s at offset %d", ErrSyntax, lexFail.Val, lexFail.Pos)
	}
	return tokens.NewStream(toks), nil
}

type scanner struct {
	found  map[string]bool
	scopes []map[string]bool
}

func (s *scanner) push() { s.scopes = append(s.scopes, map[string]bool{}) }

func (s *scanner) pop() { s.scopes = s.scopes[:len(s.scopes)-1] }

func (s *scanner) bind(names ...string) {
	top := s.scopes[len(s.scopes)-1]
	for _, name := range names {
		top[name] = true
	}
}

func (s *scanner) read(name string) {
	if name == "none" {
		return
	}
	for i := len(s.scopes) - 1; i >= 0; i-- {
		if s.scopes[i][name] {
			return
		}
	}
	s.found[name] = true
}

func (s *scanner) walk(list []nodes.Node) {
	for _, n := range list {
		switch n := n.(type) {
		case *nodes.Output:
			s.expr(n.Expression)
			s.expr(n.Condition)
			s.expr(n.Alternative)
		case *nodes.StatementBlock:
			s.statement(n.Stmt)
		}
	}
}

func (s *scanner) scoped(w *nodes.Wrapper, names ...string) {
	if w == nil {
		return
	}
	s.push()
	s.bind(names...)
	s.walk(w.Nodes)
	s.pop()
}

func (s *scanner) statement(stmt nodes.Statement) {
	switch st := stmt.(type) {
	case *forBlock:
		s.expr(st.iter)
		s.push()
		s.bind(st.targets...)
		s.bind("loop")
		s.expr(st.cond)
		s.walk(st.body.Nodes)
		s.pop()
		s.scoped(st.alt)
	case *ifBlock:
		for _, c := range st.conds {
			s.expr(c)
		}
		// if branches share the enclosing scope, so a set inside one is
		// visible after endif.
		for _, w := range st.branches {
			s.walk(w.Nodes)
		}
	case *setBlock:
		s.expr(st.value)
		s.scoped(st.body)
		if name, ok := st.target.(*nodes.Name); ok {
			s.bind(name.Name.Val)
		} else {
			s.expr(st.target)
		}
	case *withBlock:
		for _, v := range st.values {
			s.expr(v)
		}
		s.scoped(st.body, st.names...)
	case *macroBlock:
		for _, d := range st.defaults {
			s.expr(d)
		}
		s.bind(st.name)
		params := append([]string{"caller", "varargs", "kwargs"}, st.params...)
		s.scoped(st.body, params...)
	case *filterBlock:
		for _, f := range st.filters {
			s.args(f.Args, f.Kwargs)
		}
		s.walk(st.body.Nodes)
	case *wrapBlock:
		s.walk(st.body.Nodes)
	}
}

func (s *scanner) args(args []nodes.Expression, kwargs map[string]nodes.Expression) {
	for _, a := range args {
		s.expr(a)
	}
	for _, v := range kwargs {
		s.expr(v)
	}
}

func (s *scanner) expr(n nodes.Node) {
	switch n := n.(type) {
	case *nodes.Name:
		s.read(n.Name.Val)
	case *nodes.Getattr:
		s.expr(n.Node)
	case *nodes.Getitem:
		s.expr(n.Node)
		s.expr(n.Arg)
	case *nodes.Call:
		if _, named := n.Func.(*nodes.Name); !named {
			s.expr(n.Func)
		}
		s.args(n.Args, n.Kwargs)
	case *nodes.FilteredExpression:
		s.expr(n.Expression)
		for _, f := range n.Filters {
			s.args(f.Args, f.Kwargs)
		}
	case *nodes.TestExpression:
		s.expr(n.Expression)
		if n.Test != nil {
			s.args(n.Test.Args, n.Test.Kwargs)
		}
	case *nodes.List:
		for _, v := range n.Val {
			s.expr(v)
		}
	case *nodes.Tuple:
		for _, v := range n.Val {
			s.expr(v)
		}
	case *nodes.Dict:
		for _, pair := range n.Pairs {
			s.expr(pair.Key)
			s.expr(pair.Value)
		}
	case *nodes.Negation:
		s.expr(n.Term)
	case *nodes.UnaryExpression:
		s.expr(n.Term)
	case *nodes.BinaryExpression:
		s.expr(n.Left)
		s.expr(n.Right)
	}
}
