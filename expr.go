package shield

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Restricted boolean expression evaluation for custom_expression
// conditions. The grammar is comparisons combined with and/or/not plus
// parentheses; operands are numbers, quoted strings, true/false, or
// dotted identifiers resolved against the supplied variable map. There
// is no function call syntax and no assignment, so stored expressions
// cannot execute anything.
//
//	expr    = or
//	or      = and { "or" and }
//	and     = not { "and" not }
//	not     = "not" not | cmp
//	cmp     = operand [ ("==" | "!=" | ">" | ">=" | "<" | "<=") operand ]
//	operand = number | string | "true" | "false" | ident | "(" expr ")"

type exprTokenKind int

const (
	tokIdent exprTokenKind = iota
	tokNumber
	tokString
	tokOp // == != > >= < <=
	tokAnd
	tokOr
	tokNot
	tokTrue
	tokFalse
	tokLParen
	tokRParen
	tokEOF
)

type exprToken struct {
	kind exprTokenKind
	text string
	num  float64
}

// EvalExpr evaluates a restricted boolean expression against vars.
// Unknown identifiers resolve to nil; comparisons against nil are false.
// Any lexical or syntactic defect returns an error so callers can treat
// the condition as misconfigured instead of silently passing.
func EvalExpr(input string, vars map[string]any) (bool, error) {
	toks, err := lexExpr(input)
	if err != nil {
		return false, err
	}
	p := &exprParser{toks: toks, vars: vars}
	v, err := p.parseOr()
	if err != nil {
		return false, err
	}
	if p.peek().kind != tokEOF {
		return false, fmt.Errorf("unexpected token %q", p.peek().text)
	}
	return truthy(v), nil
}

func lexExpr(input string) ([]exprToken, error) {
	toks := make([]exprToken, 0, 16)
	i := 0
	n := len(input)
	for i < n {
		c := input[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '(':
			toks = append(toks, exprToken{kind: tokLParen, text: "("})
			i++
		case c == ')':
			toks = append(toks, exprToken{kind: tokRParen, text: ")"})
			i++
		case c == '\'' || c == '"':
			quote := c
			j := i + 1
			for j < n && input[j] != quote {
				j++
			}
			if j >= n {
				return nil, fmt.Errorf("unterminated string at %d", i)
			}
			toks = append(toks, exprToken{kind: tokString, text: input[i+1 : j]})
			i = j + 1
		case c == '=' || c == '!' || c == '<' || c == '>':
			j := i + 1
			if j < n && input[j] == '=' {
				j++
			}
			op := input[i:j]
			if op == "=" || op == "!" {
				return nil, fmt.Errorf("invalid operator %q", op)
			}
			toks = append(toks, exprToken{kind: tokOp, text: op})
			i = j
		case c >= '0' && c <= '9' || c == '-' && i+1 < n && input[i+1] >= '0' && input[i+1] <= '9':
			j := i + 1
			for j < n && (input[j] >= '0' && input[j] <= '9' || input[j] == '.') {
				j++
			}
			f, err := strconv.ParseFloat(input[i:j], 64)
			if err != nil {
				return nil, fmt.Errorf("bad number %q", input[i:j])
			}
			toks = append(toks, exprToken{kind: tokNumber, num: f, text: input[i:j]})
			i = j
		case isIdentStart(rune(c)):
			j := i + 1
			for j < n && isIdentPart(rune(input[j])) {
				j++
			}
			word := input[i:j]
			switch strings.ToLower(word) {
			case "and":
				toks = append(toks, exprToken{kind: tokAnd, text: word})
			case "or":
				toks = append(toks, exprToken{kind: tokOr, text: word})
			case "not":
				toks = append(toks, exprToken{kind: tokNot, text: word})
			case "true":
				toks = append(toks, exprToken{kind: tokTrue, text: word})
			case "false":
				toks = append(toks, exprToken{kind: tokFalse, text: word})
			default:
				toks = append(toks, exprToken{kind: tokIdent, text: word})
			}
			i = j
		default:
			return nil, fmt.Errorf("disallowed character %q at %d", c, i)
		}
	}
	toks = append(toks, exprToken{kind: tokEOF})
	return toks, nil
}

func isIdentStart(r rune) bool {
	return unicode.IsLetter(r) || r == '_'
}

func isIdentPart(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '.'
}

type exprParser struct {
	toks []exprToken
	pos  int
	vars map[string]any
}

func (p *exprParser) peek() exprToken { return p.toks[p.pos] }

func (p *exprParser) next() exprToken {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *exprParser) parseOr() (any, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokOr {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = truthy(left) || truthy(right)
	}
	return left, nil
}

func (p *exprParser) parseAnd() (any, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokAnd {
		p.next()
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = truthy(left) && truthy(right)
	}
	return left, nil
}

func (p *exprParser) parseNot() (any, error) {
	if p.peek().kind == tokNot {
		p.next()
		v, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return !truthy(v), nil
	}
	return p.parseCmp()
}

func (p *exprParser) parseCmp() (any, error) {
	left, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokOp {
		return left, nil
	}
	op := p.next().text
	right, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	return applyCmp(op, left, right), nil
}

func (p *exprParser) parseOperand() (any, error) {
	t := p.next()
	switch t.kind {
	case tokNumber:
		return t.num, nil
	case tokString:
		return t.text, nil
	case tokTrue:
		return true, nil
	case tokFalse:
		return false, nil
	case tokIdent:
		return lookupPath(p.vars, t.text), nil
	case tokLParen:
		v, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.next().kind != tokRParen {
			return nil, fmt.Errorf("missing closing parenthesis")
		}
		return v, nil
	default:
		return nil, fmt.Errorf("unexpected token %q", t.text)
	}
}

// lookupPath resolves a dotted identifier ("user.department") through
// nested maps. Missing segments yield nil.
func lookupPath(vars map[string]any, path string) any {
	if vars == nil {
		return nil
	}
	if v, ok := vars[path]; ok {
		return v
	}
	cur := any(vars)
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur, ok = m[seg]
		if !ok {
			return nil
		}
	}
	return cur
}

func applyCmp(op string, a, b any) bool {
	switch op {
	case "==":
		eq, ok := valuesEqual(a, b)
		return ok && eq
	case "!=":
		eq, ok := valuesEqual(a, b)
		return ok && !eq
	}
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		switch op {
		case ">":
			return af > bf
		case ">=":
			return af >= bf
		case "<":
			return af < bf
		case "<=":
			return af <= bf
		}
		return false
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		switch op {
		case ">":
			return as > bs
		case ">=":
			return as >= bs
		case "<":
			return as < bs
		case "<=":
			return as <= bs
		}
	}
	return false
}

// valuesEqual reports equality and whether the two values were comparable
// at all; nil on either side is never equal to anything.
func valuesEqual(a, b any) (bool, bool) {
	if a == nil || b == nil {
		return false, false
	}
	if af, ok := toFloat(a); ok {
		if bf, ok2 := toFloat(b); ok2 {
			return af == bf, true
		}
		return false, true
	}
	if ab, ok := a.(bool); ok {
		if bb, ok2 := b.(bool); ok2 {
			return ab == bb, true
		}
		return false, true
	}
	return fmt.Sprint(a) == fmt.Sprint(b), true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	}
	return 0, false
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	default:
		return false
	}
}
