// Package expr compiles filter and having clauses into typed
// expression trees.
//
// Compilation validates syntax and field references once, up front, so
// a bad expression aborts startup instead of failing on every record.
// Evaluation is dynamically typed over strings and numbers: values that
// look numeric are coerced at comparison and arithmetic sites, and a
// value that cannot be coerced makes that single evaluation fail
// without aborting the run.
package expr

import (
	"fmt"
	"strconv"
	"strings"
)

// Env supplies field values during evaluation. model.Record and
// model.Row both satisfy it.
type Env interface {
	Field(name string) (any, bool)
}

// ExpressionError reports an expression that cannot be compiled.
type ExpressionError struct {
	Expr   string
	Reason string
}

func (e *ExpressionError) Error() string {
	return fmt.Sprintf("invalid expression %q: %s", e.Expr, e.Reason)
}

// Program is a compiled expression, reusable and safe for concurrent
// evaluation.
type Program struct {
	text string
	root node
}

// Compile parses text into an expression tree. Every field reference
// must be present in known, or compilation fails.
func Compile(text string, known map[string]bool) (*Program, error) {
	p := &parser{lexer: lexer{input: text}, known: known}
	p.next()
	root, err := p.parseOr()
	if err != nil {
		return nil, &ExpressionError{Expr: text, Reason: err.Error()}
	}
	if p.tok.kind != tokEOF {
		return nil, &ExpressionError{Expr: text, Reason: fmt.Sprintf("unexpected %q", p.tok.text)}
	}
	return &Program{text: text, root: root}, nil
}

// Text returns the source text the program was compiled from.
func (p *Program) Text() string { return p.text }

// Eval walks the tree against env. The error return marks a per-record
// evaluation failure (non-coercible operand, missing field); callers
// treat it as "excluded", never as fatal.
func (p *Program) Eval(env Env) (any, error) {
	return p.root.eval(env)
}

// Truthy evaluates the program as a condition. Evaluation failures
// count as false, so one bad record cannot abort a session.
func (p *Program) Truthy(env Env) bool {
	v, err := p.root.eval(env)
	if err != nil {
		return false
	}
	return truthy(v)
}

// ---- tree ----

type node interface {
	eval(env Env) (any, error)
}

type literalNode struct{ val any }

func (n literalNode) eval(Env) (any, error) { return n.val, nil }

type fieldNode struct{ name string }

func (n fieldNode) eval(env Env) (any, error) {
	v, ok := env.Field(n.name)
	if !ok {
		return nil, fmt.Errorf("field %q has no value", n.name)
	}
	return v, nil
}

type unaryNode struct {
	op      string
	operand node
}

func (n unaryNode) eval(env Env) (any, error) {
	v, err := n.operand.eval(env)
	if err != nil {
		return nil, err
	}
	switch n.op {
	case "not":
		return !truthy(v), nil
	case "-":
		f, err := toNumber(v)
		if err != nil {
			return nil, err
		}
		return -f, nil
	}
	return nil, fmt.Errorf("unknown unary operator %q", n.op)
}

type binaryNode struct {
	op          string
	left, right node
}

func (n binaryNode) eval(env Env) (any, error) {
	// Short-circuit the boolean operators.
	switch n.op {
	case "and", "or":
		l, err := n.left.eval(env)
		if err != nil {
			return nil, err
		}
		if n.op == "and" && !truthy(l) {
			return false, nil
		}
		if n.op == "or" && truthy(l) {
			return true, nil
		}
		r, err := n.right.eval(env)
		if err != nil {
			return nil, err
		}
		return truthy(r), nil
	}

	l, err := n.left.eval(env)
	if err != nil {
		return nil, err
	}
	r, err := n.right.eval(env)
	if err != nil {
		return nil, err
	}

	switch n.op {
	case "==":
		return equals(l, r), nil
	case "!=":
		return !equals(l, r), nil
	}

	// Ordering and arithmetic are numeric-only.
	lf, err := toNumber(l)
	if err != nil {
		return nil, err
	}
	rf, err := toNumber(r)
	if err != nil {
		return nil, err
	}
	switch n.op {
	case "<":
		return lf < rf, nil
	case "<=":
		return lf <= rf, nil
	case ">":
		return lf > rf, nil
	case ">=":
		return lf >= rf, nil
	case "+":
		return lf + rf, nil
	case "-":
		return lf - rf, nil
	case "*":
		return lf * rf, nil
	case "/":
		if rf == 0 {
			return nil, fmt.Errorf("division by zero")
		}
		return lf / rf, nil
	}
	return nil, fmt.Errorf("unknown operator %q", n.op)
}

// equals compares numerically when both sides coerce, by string
// otherwise.
func equals(l, r any) bool {
	lf, lerr := toNumber(l)
	rf, rerr := toNumber(r)
	if lerr == nil && rerr == nil {
		return lf == rf
	}
	return stringify(l) == stringify(r)
}

func toNumber(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case bool:
		if x {
			return 1, nil
		}
		return 0, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, fmt.Errorf("value %q is not numeric", x)
		}
		return f, nil
	}
	return 0, fmt.Errorf("value %v is not numeric", v)
}

func stringify(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		if x {
			return "1"
		}
		return "0"
	}
	return fmt.Sprint(v)
}

func truthy(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case float64:
		return x != 0
	case string:
		if f, err := strconv.ParseFloat(x, 64); err == nil {
			return f != 0
		}
		return x != ""
	}
	return v != nil
}

// ---- lexer ----

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokNumber
	tokString
	tokOp
	tokLParen
	tokRParen
)

type token struct {
	kind tokenKind
	text string
}

type lexer struct {
	input string
	pos   int
}

func (l *lexer) lex() (token, error) {
	for l.pos < len(l.input) && l.input[l.pos] == ' ' {
		l.pos++
	}
	if l.pos >= len(l.input) {
		return token{kind: tokEOF}, nil
	}
	c := l.input[l.pos]
	switch {
	case c == '(':
		l.pos++
		return token{kind: tokLParen, text: "("}, nil
	case c == ')':
		l.pos++
		return token{kind: tokRParen, text: ")"}, nil
	case c == '\'' || c == '"':
		return l.lexString(c)
	case c >= '0' && c <= '9' || c == '.':
		return l.lexNumber()
	case isIdentByte(c):
		start := l.pos
		for l.pos < len(l.input) && isIdentByte(l.input[l.pos]) {
			l.pos++
		}
		return token{kind: tokIdent, text: l.input[start:l.pos]}, nil
	}
	for _, op := range []string{"==", "!=", "<=", ">=", "<", ">", "+", "-", "*", "/"} {
		if strings.HasPrefix(l.input[l.pos:], op) {
			l.pos += len(op)
			return token{kind: tokOp, text: op}, nil
		}
	}
	return token{}, fmt.Errorf("unexpected character %q at offset %d", c, l.pos)
}

func (l *lexer) lexString(quote byte) (token, error) {
	start := l.pos
	l.pos++
	for l.pos < len(l.input) {
		if l.input[l.pos] == quote {
			text := l.input[start+1 : l.pos]
			l.pos++
			return token{kind: tokString, text: text}, nil
		}
		l.pos++
	}
	return token{}, fmt.Errorf("unterminated string at offset %d", start)
}

func (l *lexer) lexNumber() (token, error) {
	start := l.pos
	for l.pos < len(l.input) {
		c := l.input[l.pos]
		if c >= '0' && c <= '9' || c == '.' {
			l.pos++
			continue
		}
		break
	}
	text := l.input[start:l.pos]
	if _, err := strconv.ParseFloat(text, 64); err != nil {
		return token{}, fmt.Errorf("bad number %q at offset %d", text, start)
	}
	return token{kind: tokNumber, text: text}, nil
}

func isIdentByte(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_'
}

// ---- parser ----

type parser struct {
	lexer
	known map[string]bool
	tok   token
	err   error
}

func (p *parser) next() {
	if p.err != nil {
		return
	}
	p.tok, p.err = p.lex()
}

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.tok.kind == tokIdent && p.tok.text == "or" {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = binaryNode{op: "or", left: left, right: right}
	}
	return left, p.err
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.tok.kind == tokIdent && p.tok.text == "and" {
		p.next()
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = binaryNode{op: "and", left: left, right: right}
	}
	return left, p.err
}

func (p *parser) parseNot() (node, error) {
	if p.tok.kind == tokIdent && p.tok.text == "not" {
		p.next()
		operand, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return unaryNode{op: "not", operand: operand}, p.err
	}
	return p.parseComparison()
}

func (p *parser) parseComparison() (node, error) {
	left, err := p.parseSum()
	if err != nil {
		return nil, err
	}
	if p.tok.kind == tokOp {
		switch p.tok.text {
		case "==", "!=", "<", "<=", ">", ">=":
			op := p.tok.text
			p.next()
			right, err := p.parseSum()
			if err != nil {
				return nil, err
			}
			return binaryNode{op: op, left: left, right: right}, p.err
		}
	}
	return left, p.err
}

func (p *parser) parseSum() (node, error) {
	left, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	for p.tok.kind == tokOp && (p.tok.text == "+" || p.tok.text == "-") {
		op := p.tok.text
		p.next()
		right, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		left = binaryNode{op: op, left: left, right: right}
	}
	return left, p.err
}

func (p *parser) parseTerm() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.tok.kind == tokOp && (p.tok.text == "*" || p.tok.text == "/") {
		op := p.tok.text
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = binaryNode{op: op, left: left, right: right}
	}
	return left, p.err
}

func (p *parser) parseUnary() (node, error) {
	if p.tok.kind == tokOp && p.tok.text == "-" {
		p.next()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return unaryNode{op: "-", operand: operand}, p.err
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (node, error) {
	if p.err != nil {
		return nil, p.err
	}
	switch p.tok.kind {
	case tokNumber:
		f, _ := strconv.ParseFloat(p.tok.text, 64)
		p.next()
		return literalNode{val: f}, p.err
	case tokString:
		s := p.tok.text
		p.next()
		return literalNode{val: s}, p.err
	case tokIdent:
		name := p.tok.text
		if name == "and" || name == "or" || name == "not" {
			return nil, fmt.Errorf("unexpected keyword %q", name)
		}
		if !p.known[name] {
			return nil, fmt.Errorf("unknown field %q", name)
		}
		p.next()
		return fieldNode{name: name}, p.err
	case tokLParen:
		p.next()
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.tok.kind != tokRParen {
			return nil, fmt.Errorf("missing closing parenthesis")
		}
		p.next()
		return inner, p.err
	case tokEOF:
		return nil, fmt.Errorf("unexpected end of expression")
	}
	return nil, fmt.Errorf("unexpected token %q", p.tok.text)
}
