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

	"github.com/nikolalohinski/gonja/nodes"
	"github.com/nikolalohinski/gonja/parser"
	"github.com/nikolalohinski/gonja/tokens"
)

// Statement parsers used by ScanVariables. gonja's builtin statements keep
// their loop targets and branches unexported, so the scan registers its own
// parsers that record what it needs to track scopes.
var scanStatements = map[string]parser.StatementParser{
	"for":        parseFor,
	"if":         parseIf,
	"set":        parseSet,
	"with":       parseWith,
	"macro":      parseMacro,
	"filter":     parseFilter,
	"raw":        parseRaw,
	"autoescape": wrapUntil("endautoescape"),
	"block":      wrapUntil("endblock"),
}

type block struct {
	at   *tokens.Token
	kind string
}

func (b *block) Position() *tokens.Token { return b.at }

func (b *block) String() string {
	if b.at == nil {
		return b.kind
	}
	return fmt.Sprintf("%s(Line=%d Col=%d)", b.kind, b.at.Line, b.at.Col)
}

type forBlock struct {
	block
	targets []string
	iter    nodes.Expression
	cond    nodes.Expression
	body    *nodes.Wrapper
	alt     *nodes.Wrapper
}

type ifBlock struct {
	block
	conds    []nodes.Expression
	branches []*nodes.Wrapper
}

type setBlock struct {
	block
	target nodes.Expression
	value  nodes.Expression
	body   *nodes.Wrapper
}

type withBlock struct {
	block
	names  []string
	values []nodes.Expression
	body   *nodes.Wrapper
}

type macroBlock struct {
	block
	name     string
	params   []string
	defaults []nodes.Expression
	body     *nodes.Wrapper
}

type filterBlock struct {
	block
	filters []*nodes.FilterCall
	body    *nodes.Wrapper
}

type wrapBlock struct {
	block
	body *nodes.Wrapper
}

type rawBlock struct {
	block
}

func parseFor(p *parser.Parser, args *parser.Parser) (nodes.Statement, error) {
	stmt := &forBlock{block: block{at: p.Current(), kind: "for"}}
	for {
		target := args.Match(tokens.Name)
		if target == nil {
			return nil, args.Error("Expected a loop target.", args.Current())
		}
		stmt.targets = append(stmt.targets, target.Val)
		if args.Match(tokens.Comma) == nil {
			break
		}
	}
	if args.Match(tokens.In) == nil {
		return nil, args.Error("Expected keyword 'in'.", args.Current())
	}

	var err error
	if stmt.iter, err = args.ParseExpression(); err != nil {
		return nil, err
	}
	if args.MatchName("if") != nil {
		if stmt.cond, err = args.ParseExpression(); err != nil {
			return nil, err
		}
	}
	if !args.End() {
		return nil, args.Error("Malformed for-loop args.", args.Current())
	}

	body, end, err := p.WrapUntil("else", "endfor")
	if err != nil {
		return nil, err
	}
	stmt.body = body
	if body.EndTag == "else" {
		if stmt.alt, end, err = p.WrapUntil("endfor"); err != nil {
			return nil, err
		}
	}
	if !end.End() {
		return nil, end.Error("Arguments not allowed here.", end.Current())
	}
	return stmt, nil
}

func parseIf(p *parser.Parser, args *parser.Parser) (nodes.Statement, error) {
	stmt := &ifBlock{block: block{at: args.Current(), kind: "if"}}

	cond, err := args.ParseExpression()
	if err != nil {
		return nil, err
	}
	if !args.End() {
		return nil, args.Error("If-condition is malformed.", args.Current())
	}
	stmt.conds = append(stmt.conds, cond)

	for {
		branch, tagArgs, err := p.WrapUntil("elif", "else", "endif")
		if err != nil {
			return nil, err
		}
		stmt.branches = append(stmt.branches, branch)

		if branch.EndTag == "elif" {
			cond, err := tagArgs.ParseExpression()
			if err != nil {
				return nil, err
			}
			stmt.conds = append(stmt.conds, cond)
		}
		if !tagArgs.End() {
			return nil, tagArgs.Error("Malformed if-branch.", tagArgs.Current())
		}
		if branch.EndTag == "endif" {
			return stmt, nil
		}
	}
}

func parseSet(p *parser.Parser, args *parser.Parser) (nodes.Statement, error) {
	stmt := &setBlock{block: block{at: p.Current(), kind: "set"}}

	target, err := args.ParseVariable()
	if err != nil {
		return nil, err
	}
	stmt.target = target

	if args.End() {
		body, end, err := p.WrapUntil("endset")
		if err != nil {
			return nil, err
		}
		if !end.End() {
			return nil, end.Error("Arguments not allowed here.", end.Current())
		}
		stmt.body = body
		return stmt, nil
	}

	if args.Match(tokens.Assign) == nil {
		return nil, args.Error("Expected '='.", args.Current())
	}
	if stmt.value, err = args.ParseExpression(); err != nil {
		return nil, err
	}
	if !args.End() {
		return nil, args.Error("Malformed 'set'-tag args.", args.Current())
	}
	return stmt, nil
}

func parseWith(p *parser.Parser, args *parser.Parser) (nodes.Statement, error) {
	stmt := &withBlock{block: block{at: p.Current(), kind: "with"}}

	for !args.End() {
		key := args.Match(tokens.Name)
		if key == nil {
			return nil, args.Error("Expected an identifier.", args.Current())
		}
		if args.Match(tokens.Assign) == nil {
			return nil, args.Error("Expected '='.", args.Current())
		}
		value, err := args.ParseExpression()
		if err != nil {
			return nil, err
		}
		stmt.names = append(stmt.names, key.Val)
		stmt.values = append(stmt.values, value)
		if args.Match(tokens.Comma) == nil {
			break
		}
	}
	if !args.End() {
		return nil, args.Error("Malformed 'with'-tag args.", args.Current())
	}

	body, end, err := p.WrapUntil("endwith")
	if err != nil {
		return nil, err
	}
	if !end.End() {
		return nil, end.Error("Arguments not allowed here.", end.Current())
	}
	stmt.body = body
	return stmt, nil
}

func parseMacro(p *parser.Parser, args *parser.Parser) (nodes.Statement, error) {
	stmt := &macroBlock{block: block{at: p.Current(), kind: "macro"}}

	name := args.Match(tokens.Name)
	if name == nil {
		return nil, args.Error("Macro-tag needs an identifier as name.", args.Current())
	}
	stmt.name = name.Val
	if args.Match(tokens.Lparen) == nil {
		return nil, args.Error("Expected '('.", args.Current())
	}
	for args.Match(tokens.Rparen) == nil {
		param := args.Match(tokens.Name)
		if param == nil {
			return nil, args.Error("Expected argument name as identifier.", args.Current())
		}
		stmt.params = append(stmt.params, param.Val)
		if args.Match(tokens.Assign) != nil {
			def, err := args.ParseExpression()
			if err != nil {
				return nil, err
			}
			stmt.defaults = append(stmt.defaults, def)
		}
		if args.Match(tokens.Rparen) != nil {
			break
		}
		if args.Match(tokens.Comma) == nil {
			return nil, args.Error("Expected ',' or ')'.", args.Current())
		}
	}
	if !args.End() {
		return nil, args.Error("Malformed macro-tag.", args.Current())
	}

	body, end, err := p.WrapUntil("endmacro")
	if err != nil {
		return nil, err
	}
	if !end.End() {
		return nil, end.Error("Arguments not allowed here.", end.Current())
	}
	stmt.body = body
	return stmt, nil
}

func parseFilter(p *parser.Parser, args *parser.Parser) (nodes.Statement, error) {
	stmt := &filterBlock{block: block{at: p.Current(), kind: "filter"}}

	for !args.End() {
		call, err := args.ParseFilter()
		if err != nil {
			return nil, err
		}
		stmt.filters = append(stmt.filters, call)
		if args.Match(tokens.Pipe) == nil {
			break
		}
	}
	if !args.End() {
		return nil, args.Error("Malformed filter-tag args.", args.Current())
	}

	body, _, err := p.WrapUntil("endfilter")
	if err != nil {
		return nil, err
	}
	stmt.body = body
	return stmt, nil
}

// parseRaw consumes the block and drops its content; the lexer already
// delivers everything up to endraw as a single data token.
func parseRaw(p *parser.Parser, args *parser.Parser) (nodes.Statement, error) {
	stmt := &rawBlock{block: block{at: p.Current(), kind: "raw"}}
	if !args.End() {
		return nil, args.Error("raw statement doesn't accept parameters.", args.Current())
	}
	if _, _, err := p.WrapUntil("endraw"); err != nil {
		return nil, err
	}
	return stmt, nil
}

func wrapUntil(endTag string) parser.StatementParser {
	return func(p *parser.Parser, args *parser.Parser) (nodes.Statement, error) {
		body, _, err := p.WrapUntil(endTag)
		if err != nil {
			return nil, err
		}
		return &wrapBlock{block: block{at: p.Current(), kind: endTag}, body: body}, nil
	}
}
