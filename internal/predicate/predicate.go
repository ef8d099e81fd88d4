// Package predicate compiles small boolean filter expressions used to decide
// whether a snapshotter applies to an event.
//
//	fields.kind == "sale" AND fields.amount >= 10
//	NOT (event.aggregation_key matches "^test-") OR fields.vip exists
//
// Clauses compare a dotted path against a literal. A clause on a missing path
// is false; type mismatches are false rather than errors.
package predicate

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"text/scanner"
)

// Env resolves dotted paths to values.
type Env interface {
	Lookup(path []string) (any, bool)
}

// Predicate is a compiled expression. It is immutable and safe for
// concurrent use.
type Predicate struct {
	src  string
	root node
}

// String returns the source expression.
func (p *Predicate) String() string { return p.src }

// Match evaluates the predicate against env.
func (p *Predicate) Match(env Env) bool { return p.root.eval(env) }

// Compile parses expr.
func Compile(expr string) (*Predicate, error) {
	c := &compiler{}
	c.s.Init(strings.NewReader(expr))
	c.s.Mode = scanner.ScanIdents | scanner.ScanInts | scanner.ScanFloats | scanner.ScanStrings | scanner.ScanRawStrings
	c.s.Error = func(_ *scanner.Scanner, msg string) { c.scanErr = msg }
	c.next()

	root, err := c.or()
	if err != nil {
		return nil, fmt.Errorf("predicate %q: %w", expr, err)
	}
	if c.tok != scanner.EOF {
		return nil, fmt.Errorf("predicate %q: unexpected %q at %s", expr, c.text, c.s.Position)
	}
	if c.scanErr != "" {
		return nil, fmt.Errorf("predicate %q: %s", expr, c.scanErr)
	}
	return &Predicate{src: expr, root: root}, nil
}

// MustCompile is Compile that panics on error.
func MustCompile(expr string) *Predicate {
	p, err := Compile(expr)
	if err != nil {
		panic(err)
	}
	return p
}

type compiler struct {
	s       scanner.Scanner
	tok     rune
	text    string
	scanErr string
}

func (c *compiler) next() {
	c.tok = c.s.Scan()
	c.text = c.s.TokenText()
}

func (c *compiler) keyword(kw string) bool {
	return c.tok == scanner.Ident && strings.EqualFold(c.text, kw)
}

func (c *compiler) or() (node, error) {
	left, err := c.and()
	if err != nil {
		return nil, err
	}
	for c.keyword("OR") {
		c.next()
		right, err := c.and()
		if err != nil {
			return nil, err
		}
		left = orNode{left, right}
	}
	return left, nil
}

func (c *compiler) and() (node, error) {
	left, err := c.unary()
	if err != nil {
		return nil, err
	}
	for c.keyword("AND") {
		c.next()
		right, err := c.unary()
		if err != nil {
			return nil, err
		}
		left = andNode{left, right}
	}
	return left, nil
}

func (c *compiler) unary() (node, error) {
	switch {
	case c.keyword("NOT"):
		c.next()
		inner, err := c.unary()
		if err != nil {
			return nil, err
		}
		return notNode{inner}, nil
	case c.tok == '(':
		c.next()
		inner, err := c.or()
		if err != nil {
			return nil, err
		}
		if c.tok != ')' {
			return nil, fmt.Errorf("expected ) but got %q", c.text)
		}
		c.next()
		return inner, nil
	}
	return c.clause()
}

func (c *compiler) clause() (node, error) {
	path, err := c.path()
	if err != nil {
		return nil, err
	}
	if c.keyword("exists") {
		c.next()
		return existsNode{path}, nil
	}
	op, err := c.operator()
	if err != nil {
		return nil, err
	}
	lit, err := c.literal()
	if err != nil {
		return nil, err
	}
	cmp := compareNode{path: path, op: op, lit: lit}
	if op == opMatches {
		s, ok := lit.(string)
		if !ok {
			return nil, fmt.Errorf("matches needs a string pattern, got %T", lit)
		}
		re, err := regexp.Compile(s)
		if err != nil {
			return nil, fmt.Errorf("matches: %w", err)
		}
		cmp.re = re
	}
	return cmp, nil
}

func (c *compiler) path() ([]string, error) {
	if c.tok != scanner.Ident {
		return nil, fmt.Errorf("expected field path but got %q", c.text)
	}
	path := []string{c.text}
	c.next()
	for c.tok == '.' {
		c.next()
		if c.tok != scanner.Ident {
			return nil, fmt.Errorf("expected path segment after . but got %q", c.text)
		}
		path = append(path, c.text)
		c.next()
	}
	return path, nil
}

func (c *compiler) operator() (op, error) {
	switch c.tok {
	case '=', '!', '>', '<':
		first := c.tok
		if c.s.Peek() == '=' {
			c.s.Next()
			c.next()
			switch first {
			case '=':
				return opEq, nil
			case '!':
				return opNeq, nil
			case '>':
				return opGte, nil
			default:
				return opLte, nil
			}
		}
		c.next()
		switch first {
		case '>':
			return opGt, nil
		case '<':
			return opLt, nil
		}
		return 0, fmt.Errorf("unknown operator %q", string(first))
	case scanner.Ident:
		switch strings.ToLower(c.text) {
		case "contains":
			c.next()
			return opContains, nil
		case "matches":
			c.next()
			return opMatches, nil
		}
	}
	return 0, fmt.Errorf("expected comparison operator but got %q", c.text)
}

func (c *compiler) literal() (any, error) {
	neg := false
	if c.tok == '-' {
		neg = true
		c.next()
	}
	text := c.text
	switch c.tok {
	case scanner.Int, scanner.Float:
		c.next()
		f, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", text)
		}
		if neg {
			f = -f
		}
		return f, nil
	case scanner.String, scanner.RawString:
		if neg {
			break
		}
		c.next()
		s, err := strconv.Unquote(text)
		if err != nil {
			return nil, fmt.Errorf("invalid string %s", text)
		}
		return s, nil
	case scanner.Ident:
		if neg {
			break
		}
		switch strings.ToLower(text) {
		case "true":
			c.next()
			return true, nil
		case "false":
			c.next()
			return false, nil
		case "null":
			c.next()
			return nil, nil
		}
	}
	return nil, fmt.Errorf("expected literal but got %q", text)
}
