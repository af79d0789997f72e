package shape

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Truth is the result of evaluating a predicate under SQL's three valued logic.
type Truth int

const (
	// Unknown means the predicate could not be decided for the row.
	Unknown Truth = iota
	// True means the row matches.
	True
	// False means the row does not match.
	False
)

func (t Truth) String() string {
	switch t {
	case True:
		return "true"
	case False:
		return "false"
	default:
		return "unknown"
	}
}

func (t Truth) not() Truth {
	switch t {
	case True:
		return False
	case False:
		return True
	default:
		return Unknown
	}
}

// Predicate is a client side evaluation of a shape's where clause. Only a
// subset of SQL is understood: comparisons between columns and literals,
// IS [NOT] NULL, AND, OR, NOT and parentheses. Clauses outside of that subset
// evaluate to Unknown for every row so that the server stays authoritative.
type Predicate struct {
	source string
	root   node
	err    error
}

// ParsePredicate parses a where clause. It never fails: unsupported clauses
// produce a predicate that always evaluates to Unknown, see Err.
func ParsePredicate(where string) *Predicate {
	p := &Predicate{source: where}

	tokens, err := lex(where)
	if err != nil {
		p.err = err
		return p
	}

	parser := &predicateParser{tokens: tokens}
	root, err := parser.parseOr()
	if err == nil && !parser.done() {
		err = fmt.Errorf("unexpected %q", parser.peek().text)
	}
	if err != nil {
		p.err = err
		return p
	}

	p.root = root
	return p
}

// Err returns why the predicate cannot be evaluated client side, if it can't.
func (p *Predicate) Err() error {
	if p == nil {
		return nil
	}
	return p.err
}

// Evaluate evaluates the predicate against a full row.
func (p *Predicate) Evaluate(row map[string]interface{}) Truth {
	if p == nil || p.root == nil {
		return Unknown
	}
	return p.root.eval(row)
}

func (p *Predicate) String() string {
	if p == nil {
		return ""
	}
	return p.source
}

type node interface {
	eval(row map[string]interface{}) Truth
}

type andNode struct{ left, right node }

func (n andNode) eval(row map[string]interface{}) Truth {
	l, r := n.left.eval(row), n.right.eval(row)
	switch {
	case l == False || r == False:
		return False
	case l == True && r == True:
		return True
	default:
		return Unknown
	}
}

type orNode struct{ left, right node }

func (n orNode) eval(row map[string]interface{}) Truth {
	l, r := n.left.eval(row), n.right.eval(row)
	switch {
	case l == True || r == True:
		return True
	case l == False && r == False:
		return False
	default:
		return Unknown
	}
}

type notNode struct{ inner node }

func (n notNode) eval(row map[string]interface{}) Truth { return n.inner.eval(row).not() }

type operand struct {
	column  string
	literal interface{}
	isNull  bool
}

// resolve returns the operand's value. ok is false if a referenced column is
// not part of the row, e.g. because it is not in the shape's projection.
func (o operand) resolve(row map[string]interface{}) (value interface{}, ok bool) {
	if o.column == "" {
		if o.isNull {
			return nil, true
		}
		return o.literal, true
	}
	value, ok = row[o.column]
	return value, ok
}

type nullCheckNode struct {
	operand operand
	negate  bool
}

func (n nullCheckNode) eval(row map[string]interface{}) Truth {
	value, ok := n.operand.resolve(row)
	if !ok {
		return Unknown
	}

	result := False
	if value == nil {
		result = True
	}
	if n.negate {
		return result.not()
	}
	return result
}

type comparisonNode struct {
	left, right operand
	op          string
}

func (n comparisonNode) eval(row map[string]interface{}) Truth {
	left, ok := n.left.resolve(row)
	if !ok {
		return Unknown
	}
	right, ok := n.right.resolve(row)
	if !ok {
		return Unknown
	}

	if left == nil || right == nil {
		return Unknown
	}

	cmp, ok := compareValues(left, right)
	if !ok {
		return Unknown
	}

	var result bool
	switch n.op {
	case "=":
		result = cmp == 0
	case "!=", "<>":
		result = cmp != 0
	case "<":
		result = cmp < 0
	case "<=":
		result = cmp <= 0
	case ">":
		result = cmp > 0
	case ">=":
		result = cmp >= 0
	default:
		return Unknown
	}

	if result {
		return True
	}
	return False
}

// compareValues compares two column values. Values arrive either typed (JSON
// numbers and booleans) or in their Postgres text encoding, so numbers and
// booleans are also recognized in strings.
func compareValues(a, b interface{}) (int, bool) {
	if ab, ok := asBool(a); ok {
		if bb, ok := asBool(b); ok {
			switch {
			case ab == bb:
				return 0, true
			case !ab:
				return -1, true
			default:
				return 1, true
			}
		}
	}

	if af, ok := asFloat(a); ok {
		if bf, ok := asFloat(b); ok {
			switch {
			case af < bf:
				return -1, true
			case af > bf:
				return 1, true
			default:
				return 0, true
			}
		}
	}

	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return strings.Compare(as, bs), true
	}

	return 0, false
}

func asBool(v interface{}) (bool, bool) {
	switch value := v.(type) {
	case bool:
		return value, true
	case string:
		switch strings.ToLower(value) {
		case "t", "true":
			return true, true
		case "f", "false":
			return false, true
		}
	}
	return false, false
}

func asFloat(v interface{}) (float64, bool) {
	switch value := v.(type) {
	case int:
		return float64(value), true
	case int64:
		return float64(value), true
	case float64:
		return value, true
	case string:
		f, err := strconv.ParseFloat(value, 64)
		return f, err == nil
	}
	return 0, false
}

type tokenKind int

const (
	tokenIdent tokenKind = iota
	tokenString
	tokenNumber
	tokenOperator
	tokenLParen
	tokenRParen
)

type token struct {
	kind tokenKind
	text string
}

var errUnterminated = errors.New("unterminated quoted token")

func lex(input string) ([]token, error) {
	var tokens []token
	runes := []rune(input)

	for i := 0; i < len(runes); {
		r := runes[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r == '(':
			tokens = append(tokens, token{kind: tokenLParen, text: "("})
			i++
		case r == ')':
			tokens = append(tokens, token{kind: tokenRParen, text: ")"})
			i++
		case r == '\'' || r == '"':
			text, next, err := lexQuoted(runes, i)
			if err != nil {
				return nil, err
			}
			kind := tokenString
			if r == '"' {
				kind = tokenIdent
			}
			tokens = append(tokens, token{kind: kind, text: text})
			i = next
		case strings.ContainsRune("=<>!", r):
			j := i + 1
			if j < len(runes) && strings.ContainsRune("=>", runes[j]) {
				j++
			}
			op := string(runes[i:j])
			switch op {
			case "=", "!=", "<>", "<", "<=", ">", ">=":
			default:
				return nil, fmt.Errorf("unsupported operator %q", op)
			}
			tokens = append(tokens, token{kind: tokenOperator, text: op})
			i = j
		case unicode.IsDigit(r) || (r == '-' && i+1 < len(runes) && unicode.IsDigit(runes[i+1])):
			j := i + 1
			for j < len(runes) && (unicode.IsDigit(runes[j]) || runes[j] == '.') {
				j++
			}
			tokens = append(tokens, token{kind: tokenNumber, text: string(runes[i:j])})
			i = j
		case unicode.IsLetter(r) || r == '_':
			j := i + 1
			for j < len(runes) && (unicode.IsLetter(runes[j]) || unicode.IsDigit(runes[j]) || runes[j] == '_') {
				j++
			}
			tokens = append(tokens, token{kind: tokenIdent, text: string(runes[i:j])})
			i = j
		default:
			return nil, fmt.Errorf("unsupported character %q", r)
		}
	}

	return tokens, nil
}

// lexQuoted reads a quoted token starting at runes[start]. A doubled quote
// inside the token stands for the quote itself.
func lexQuoted(runes []rune, start int) (string, int, error) {
	quote := runes[start]
	var b strings.Builder

	for i := start + 1; i < len(runes); i++ {
		if runes[i] != quote {
			b.WriteRune(runes[i])
			continue
		}
		if i+1 < len(runes) && runes[i+1] == quote {
			b.WriteRune(quote)
			i++
			continue
		}
		return b.String(), i + 1, nil
	}

	return "", 0, errUnterminated
}

type predicateParser struct {
	tokens []token
	pos    int
}

func (p *predicateParser) done() bool { return p.pos >= len(p.tokens) }

func (p *predicateParser) peek() token {
	if p.done() {
		return token{}
	}
	return p.tokens[p.pos]
}

func (p *predicateParser) keyword(word string) bool {
	t := p.peek()
	if !p.done() && t.kind == tokenIdent && strings.EqualFold(t.text, word) {
		p.pos++
		return true
	}
	return false
}

func (p *predicateParser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.keyword("OR") {
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = orNode{left: left, right: right}
	}
	return left, nil
}

func (p *predicateParser) parseAnd() (node, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.keyword("AND") {
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = andNode{left: left, right: right}
	}
	return left, nil
}

func (p *predicateParser) parseNot() (node, error) {
	if p.keyword("NOT") {
		inner, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return notNode{inner: inner}, nil
	}
	return p.parsePrimary()
}

func (p *predicateParser) parsePrimary() (node, error) {
	if p.peek().kind == tokenLParen && !p.done() {
		p.pos++
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.done() || p.peek().kind != tokenRParen {
			return nil, errors.New("missing closing parenthesis")
		}
		p.pos++
		return inner, nil
	}

	left, err := p.parseOperand()
	if err != nil {
		return nil, err
	}

	if p.keyword("IS") {
		negate := p.keyword("NOT")
		if !p.keyword("NULL") {
			return nil, errors.New("expected NULL after IS")
		}
		return nullCheckNode{operand: left, negate: negate}, nil
	}

	// A bare boolean column, e.g. "WHERE completed".
	if p.done() || p.peek().kind != tokenOperator {
		if left.column == "" {
			return nil, errors.New("expected comparison")
		}
		return comparisonNode{left: left, op: "=", right: operand{literal: true}}, nil
	}

	op := p.peek().text
	p.pos++

	right, err := p.parseOperand()
	if err != nil {
		return nil, err
	}

	return comparisonNode{left: left, op: op, right: right}, nil
}

func (p *predicateParser) parseOperand() (operand, error) {
	if p.done() {
		return operand{}, errors.New("unexpected end of predicate")
	}

	t := p.tokens[p.pos]
	p.pos++

	switch t.kind {
	case tokenString:
		return operand{literal: t.text}, nil
	case tokenNumber:
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return operand{}, fmt.Errorf("invalid number %q", t.text)
		}
		return operand{literal: f}, nil
	case tokenIdent:
		switch strings.ToUpper(t.text) {
		case "TRUE":
			return operand{literal: true}, nil
		case "FALSE":
			return operand{literal: false}, nil
		case "NULL":
			return operand{isNull: true}, nil
		case "AND", "OR", "NOT", "IS":
			return operand{}, fmt.Errorf("unexpected keyword %q", t.text)
		}
		return operand{column: t.text}, nil
	default:
		return operand{}, fmt.Errorf("unexpected %q", t.text)
	}
}
