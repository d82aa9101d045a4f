package rules

import (
	"strconv"
	"strings"
	"unicode"

	"github.com/rendis/flowpilot/pkg/schema"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokVar
	tokLiteral
	tokOp
	tokBadOp // operator-like text outside the supported set
	tokLParen
	tokRParen
)

type token struct {
	kind  tokenKind
	text  string
	value any
	pos   int
	word  bool // bad op made of letters rather than symbols
}

// symbolOps is ordered longest first so the lexer takes the longest match.
var symbolOps = []string{"===", "!==", "==", "!=", "<=", ">=", "&&", "||", "<", ">", "!", "+", "-", "*", "/", "%"}

var wordOps = map[string]bool{
	OpContains:   true,
	OpStartsWith: true,
	OpEndsWith:   true,
}

var literalWords = map[string]any{
	"true":      true,
	"false":     false,
	"null":      nil,
	"undefined": nil,
}

// badOpChars start operator text that is never valid on its own.
const badOpChars = "=&|^~?:"

func lex(expr string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(expr) {
		c := expr[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++

		case c == '$' && i+1 < len(expr) && expr[i+1] == '{':
			end := strings.IndexByte(expr[i+2:], '}')
			if end < 0 {
				return nil, parseErr(expr, i, "unterminated placeholder")
			}
			path := strings.TrimSpace(expr[i+2 : i+2+end])
			if path == "" {
				return nil, parseErr(expr, i, "empty placeholder")
			}
			toks = append(toks, token{kind: tokVar, text: path, pos: i})
			i += end + 3

		case isDigit(c) || (c == '.' && i+1 < len(expr) && isDigit(expr[i+1])):
			start := i
			i = scanNumber(expr, i)
			n, err := strconv.ParseFloat(expr[start:i], 64)
			if err != nil {
				return nil, parseErr(expr, start, "invalid number "+strconv.Quote(expr[start:i]))
			}
			toks = append(toks, token{kind: tokLiteral, text: expr[start:i], value: n, pos: start})

		case c == '"' || c == '\'':
			s, next, err := scanString(expr, i)
			if err != nil {
				return nil, err
			}
			toks = append(toks, token{kind: tokLiteral, text: expr[i:next], value: s, pos: i})
			i = next

		case c == '_' || unicode.IsLetter(rune(c)):
			start := i
			for i < len(expr) && (expr[i] == '_' || unicode.IsLetter(rune(expr[i])) || isDigit(expr[i])) {
				i++
			}
			word := expr[start:i]
			if v, ok := literalWords[word]; ok {
				toks = append(toks, token{kind: tokLiteral, text: word, value: v, pos: start})
			} else if wordOps[word] {
				toks = append(toks, token{kind: tokOp, text: word, pos: start})
			} else {
				toks = append(toks, token{kind: tokBadOp, text: word, pos: start, word: true})
			}

		case c == '(':
			toks = append(toks, token{kind: tokLParen, text: "(", pos: i})
			i++
		case c == ')':
			toks = append(toks, token{kind: tokRParen, text: ")", pos: i})
			i++

		default:
			if op := matchSymbolOp(expr[i:]); op != "" {
				toks = append(toks, token{kind: tokOp, text: op, pos: i})
				i += len(op)
				continue
			}
			if strings.IndexByte(badOpChars, c) >= 0 {
				start := i
				for i < len(expr) && strings.IndexByte(badOpChars+"<>!", expr[i]) >= 0 {
					i++
				}
				toks = append(toks, token{kind: tokBadOp, text: expr[start:i], pos: start})
				continue
			}
			return nil, parseErr(expr, i, "unexpected character "+strconv.QuoteRune(rune(c)))
		}
	}
	toks = append(toks, token{kind: tokEOF, pos: len(expr)})
	return toks, nil
}

func matchSymbolOp(s string) string {
	for _, op := range symbolOps {
		if strings.HasPrefix(s, op) {
			return op
		}
	}
	return ""
}

func scanNumber(s string, i int) int {
	for i < len(s) && isDigit(s[i]) {
		i++
	}
	if i < len(s) && s[i] == '.' {
		i++
		for i < len(s) && isDigit(s[i]) {
			i++
		}
	}
	if i < len(s) && (s[i] == 'e' || s[i] == 'E') {
		j := i + 1
		if j < len(s) && (s[j] == '+' || s[j] == '-') {
			j++
		}
		if j < len(s) && isDigit(s[j]) {
			i = j
			for i < len(s) && isDigit(s[i]) {
				i++
			}
		}
	}
	return i
}

func scanString(expr string, start int) (string, int, error) {
	quote := expr[start]
	var b strings.Builder
	for i := start + 1; i < len(expr); i++ {
		c := expr[i]
		switch {
		case c == quote:
			return b.String(), i + 1, nil
		case c == '\\' && i+1 < len(expr):
			i++
			switch expr[i] {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			default:
				b.WriteByte(expr[i])
			}
		default:
			b.WriteByte(c)
		}
	}
	return "", 0, parseErr(expr, start, "unterminated string literal")
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func parseErr(expr string, pos int, msg string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeParse, "%s at position %d in %q", msg, pos, expr).
		WithDetails(map[string]any{"expression": expr, "position": pos})
}
