package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/forgeworks/forge/buildfile"
	"github.com/forgeworks/forge/query"
)

// QueryCmd evaluates a query expression over the graph loaded from the
// patterns it mentions.
// The expression grammar is deliberately small: target patterns/labels as
// leaves, `deps(expr)` / `rdeps(expr)` / `somepath(from, to)` as
// the named functions, and `+` / `^` / `-` as union/intersect/difference,
// left-associative, evaluated left to right (no operator precedence
// beyond function-call nesting).
type QueryCmd struct {
	BuildFile string `default:"build.json" placeholder:"<path>" help:"serialized action description"`
	Expr      string `arg:"" help:"query expression"`
}

func (c *QueryCmd) Run(cctx *Context) error {
	f, err := buildfile.Load(c.BuildFile)
	if err != nil {
		return err
	}

	expr, patterns, err := parseQuery(c.Expr)
	if err != nil {
		return err
	}

	loader := query.NewLoader(f.Provider(), nil, nil)
	g, err := loader.Load(context.Background(), patterns)
	if err != nil {
		return fmt.Errorf("forge: loading query patterns: %w", err)
	}

	result, err := expr.Eval(context.Background(), g)
	if err != nil {
		return err
	}
	for _, label := range result.Sorted() {
		fmt.Println(label)
	}
	return nil
}

// parseQuery parses a query expression and returns both the expression
// tree and the flat list of target patterns it references, needed up
// front to load the graph the expression will be evaluated against.
func parseQuery(s string) (query.Expr, []string, error) {
	p := &queryParser{input: s}
	expr, err := p.parseExpr()
	if err != nil {
		return nil, nil, err
	}
	p.skipSpace()
	if p.pos != len(p.input) {
		return nil, nil, fmt.Errorf("forge: unexpected trailing input at %d: %q", p.pos, p.input[p.pos:])
	}
	return expr, p.patterns, nil
}

type queryParser struct {
	input    string
	pos      int
	patterns []string
}

func (p *queryParser) skipSpace() {
	for p.pos < len(p.input) && (p.input[p.pos] == ' ' || p.input[p.pos] == '\t') {
		p.pos++
	}
}

func (p *queryParser) parseExpr() (query.Expr, error) {
	left, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	for {
		p.skipSpace()
		if p.pos >= len(p.input) {
			return left, nil
		}
		op := p.input[p.pos]
		if op != '+' && op != '^' && op != '-' {
			return left, nil
		}
		p.pos++
		right, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		switch op {
		case '+':
			left = query.Union{Operands: []query.Expr{left, right}}
		case '^':
			left = query.Intersect{Left: left, Right: right}
		case '-':
			left = query.Difference{Left: left, Right: []query.Expr{right}}
		}
	}
}

func (p *queryParser) parseTerm() (query.Expr, error) {
	p.skipSpace()
	if p.pos >= len(p.input) {
		return nil, fmt.Errorf("forge: unexpected end of query expression")
	}

	name, ok := p.peekFunctionName()
	if ok {
		switch name {
		case "deps":
			args, err := p.parseArgs(1)
			if err != nil {
				return nil, err
			}
			return query.Deps{Operand: args[0]}, nil
		case "rdeps":
			args, err := p.parseArgs(1)
			if err != nil {
				return nil, err
			}
			return query.RDeps{Operand: args[0]}, nil
		case "somepath":
			args, err := p.parseArgs(2)
			if err != nil {
				return nil, err
			}
			return query.SomePath{From: args[0], To: args[1]}, nil
		}
	}

	if p.input[p.pos] == '(' {
		p.pos++
		inner, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		p.skipSpace()
		if p.pos >= len(p.input) || p.input[p.pos] != ')' {
			return nil, fmt.Errorf("forge: expected ) at %d", p.pos)
		}
		p.pos++
		return inner, nil
	}

	return p.parseLabel()
}

func (p *queryParser) peekFunctionName() (string, bool) {
	rest := p.input[p.pos:]
	for _, name := range []string{"deps", "rdeps", "somepath"} {
		if strings.HasPrefix(rest, name+"(") {
			return name, true
		}
	}
	return "", false
}

func (p *queryParser) parseArgs(n int) ([]query.Expr, error) {
	name, _ := p.peekFunctionName()
	p.pos += len(name) + 1 // skip "name("
	var args []query.Expr
	for i := 0; i < n; i++ {
		arg, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
		p.skipSpace()
		if i < n-1 {
			if p.pos >= len(p.input) || p.input[p.pos] != ',' {
				return nil, fmt.Errorf("forge: %s() expects %d comma-separated arguments", name, n)
			}
			p.pos++
		}
	}
	p.skipSpace()
	if p.pos >= len(p.input) || p.input[p.pos] != ')' {
		return nil, fmt.Errorf("forge: expected ) closing %s(...)", name)
	}
	p.pos++
	return args, nil
}

func (p *queryParser) parseLabel() (query.Expr, error) {
	start := p.pos
	for p.pos < len(p.input) {
		c := p.input[p.pos]
		if c == '(' || c == ')' || c == ',' || c == '+' || c == '^' || c == '-' || c == ' ' || c == '\t' {
			break
		}
		p.pos++
	}
	if p.pos == start {
		return nil, fmt.Errorf("forge: expected a target pattern at %d", start)
	}
	label := strings.TrimSpace(p.input[start:p.pos])
	seen := false
	for _, existing := range p.patterns {
		if existing == label {
			seen = true
			break
		}
	}
	if !seen {
		p.patterns = append(p.patterns, label)
	}
	return query.TargetPattern{Pattern: query.Label(label)}, nil
}
