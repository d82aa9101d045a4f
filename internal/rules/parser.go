package rules

import (
	"strings"

	"github.com/rendis/flowpilot/pkg/schema"
)

// Parse turns an expression into an AST. Malformed input yields PARSE_ERROR;
// an operator outside the supported set yields UNSUPPORTED_OPERATOR.
func Parse(expr string) (Node, error) {
	if strings.TrimSpace(expr) == "" {
		return nil, schema.NewError(schema.ErrCodeParse, "empty expression").
			WithDetails(map[string]any{"expression": expr})
	}
	toks, err := lex(expr)
	if err != nil {
		return nil, err
	}
	p := &parser{expr: expr, toks: toks}
	n, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if tok := p.peek(); tok.kind != tokEOF {
		return nil, p.unexpectedAfterOperand(tok)
	}
	return n, nil
}

type parser struct {
	expr string
	toks []token
	pos  int
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

// matchOp consumes the next token if it is one of ops.
func (p *parser) matchOp(ops ...string) (string, bool) {
	t := p.peek()
	if t.kind != tokOp {
		return "", false
	}
	for _, op := range ops {
		if t.text == op {
			p.pos++
			return op, true
		}
	}
	return "", false
}

func (p *parser) parseOr() (Node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for {
		if _, ok := p.matchOp(OpOr); !ok {
			return left, nil
		}
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = LogicalOp{Op: OpOr, Left: left, Right: right}
	}
}

func (p *parser) parseAnd() (Node, error) {
	left, err := p.parseEquality()
	if err != nil {
		return nil, err
	}
	for {
		if _, ok := p.matchOp(OpAnd); !ok {
			return left, nil
		}
		right, err := p.parseEquality()
		if err != nil {
			return nil, err
		}
		left = LogicalOp{Op: OpAnd, Left: left, Right: right}
	}
}

func (p *parser) parseEquality() (Node, error) {
	return p.parseBinary(p.parseRelational, OpStrictEq, OpStrictNeq, OpEq, OpNeq)
}

func (p *parser) parseRelational() (Node, error) {
	return p.parseBinary(p.parseAdditive, OpLte, OpGte, OpLt, OpGt, OpContains, OpStartsWith, OpEndsWith)
}

func (p *parser) parseAdditive() (Node, error) {
	return p.parseBinary(p.parseMultiplicative, OpAdd, OpSub)
}

func (p *parser) parseMultiplicative() (Node, error) {
	return p.parseBinary(p.parseUnary, OpMul, OpDiv, OpMod)
}

// parseBinary parses a left-associative chain of operators at one precedence level.
func (p *parser) parseBinary(operand func() (Node, error), ops ...string) (Node, error) {
	left, err := operand()
	if err != nil {
		return nil, err
	}
	for {
		op, ok := p.matchOp(ops...)
		if !ok {
			return left, nil
		}
		right, err := operand()
		if err != nil {
			return nil, err
		}
		left = BinaryOp{Op: op, Left: left, Right: right}
	}
}

func (p *parser) parseUnary() (Node, error) {
	if op, ok := p.matchOp(OpNot, OpSub); ok {
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return UnaryOp{Op: op, Operand: operand}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (Node, error) {
	tok := p.next()
	switch tok.kind {
	case tokLiteral:
		return Literal{Value: tok.value}, nil
	case tokVar:
		return VariablePath{Path: tok.text}, nil
	case tokLParen:
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		closing := p.peek()
		if closing.kind != tokRParen {
			return nil, p.unexpectedAfterOperand(closing)
		}
		p.next()
		return inner, nil
	case tokEOF:
		return nil, parseErr(p.expr, tok.pos, "unexpected end of expression")
	case tokBadOp:
		if tok.word {
			return nil, parseErr(p.expr, tok.pos, "unexpected identifier "+quote(tok.text)+"; reference variables as ${name}")
		}
		return nil, parseErr(p.expr, tok.pos, "unexpected "+quote(tok.text))
	default:
		return nil, parseErr(p.expr, tok.pos, "unexpected "+quote(tok.text))
	}
}

// unexpectedAfterOperand reports a token found where an operator or the end
// of the expression was expected.
func (p *parser) unexpectedAfterOperand(tok token) error {
	if tok.kind == tokBadOp {
		return schema.NewErrorf(schema.ErrCodeUnsupportedOperator,
			"unsupported operator %q at position %d in %q", tok.text, tok.pos, p.expr).
			WithDetails(map[string]any{"expression": p.expr, "operator": tok.text, "position": tok.pos})
	}
	if tok.kind == tokEOF {
		return parseErr(p.expr, tok.pos, "missing closing parenthesis")
	}
	return parseErr(p.expr, tok.pos, "unexpected "+quote(tok.text))
}

func quote(s string) string { return "'" + s + "'" }
