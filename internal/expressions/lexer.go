package expressions

import (
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/rendis/deriva/pkg/schema"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokNumber
	tokString
	tokIdent
	tokPunct
)

type token struct {
	kind tokenKind
	text string  // operator/punctuation text or identifier name
	num  float64 // tokNumber
	str  string  // tokString (unescaped)
	pos  int
}

// operators ordered longest first so that maximal munch works.
var operators = []string{
	"===", "!==",
	"**", "&&", "||", "==", "!=", "<=", ">=",
	"+", "-", "*", "/", "%", "!", "<", ">", "?", ":", "(", ")", ",",
}

// lex splits normalized formula text into tokens.
func lex(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++

		case c >= '0' && c <= '9', c == '.' && i+1 < len(src) && src[i+1] >= '0' && src[i+1] <= '9':
			n, end, err := lexNumber(src, i)
			if err != nil {
				return nil, err
			}
			toks = append(toks, token{kind: tokNumber, num: n, text: src[i:end], pos: i})
			i = end

		case c == '"' || c == '\'':
			s, end, err := lexString(src, i)
			if err != nil {
				return nil, err
			}
			toks = append(toks, token{kind: tokString, str: s, text: src[i:end], pos: i})
			i = end

		case isIdentStart(c):
			j := i + 1
			for j < len(src) && isIdentPart(src[j]) {
				j++
			}
			toks = append(toks, token{kind: tokIdent, text: src[i:j], pos: i})
			i = j

		default:
			op := matchOperator(src[i:])
			if op == "" {
				r, _ := utf8.DecodeRuneInString(src[i:])
				return nil, syntaxErrorf(i, "unexpected character %q", r)
			}
			toks = append(toks, token{kind: tokPunct, text: op, pos: i})
			i += len(op)
		}
	}
	toks = append(toks, token{kind: tokEOF, pos: len(src)})
	return toks, nil
}

func matchOperator(rest string) string {
	for _, op := range operators {
		if strings.HasPrefix(rest, op) {
			return op
		}
	}
	return ""
}

func lexNumber(src string, start int) (float64, int, error) {
	i := start
	if src[i] == '0' && i+1 < len(src) && (src[i+1] == 'x' || src[i+1] == 'X') {
		j := i + 2
		for j < len(src) && isHexDigit(src[j]) {
			j++
		}
		if j == i+2 {
			return 0, 0, syntaxErrorf(start, "malformed hex literal")
		}
		u, err := strconv.ParseUint(src[i+2:j], 16, 64)
		if err != nil {
			return 0, 0, syntaxErrorf(start, "malformed hex literal")
		}
		if j < len(src) && isIdentPart(src[j]) {
			return 0, 0, syntaxErrorf(j, "identifier directly after number")
		}
		return float64(u), j, nil
	}

	for i < len(src) && isDigit(src[i]) {
		i++
	}
	if i < len(src) && src[i] == '.' {
		i++
		for i < len(src) && isDigit(src[i]) {
			i++
		}
	}
	if i < len(src) && (src[i] == 'e' || src[i] == 'E') {
		j := i + 1
		if j < len(src) && (src[j] == '+' || src[j] == '-') {
			j++
		}
		if j >= len(src) || !isDigit(src[j]) {
			return 0, 0, syntaxErrorf(i, "malformed exponent")
		}
		for j < len(src) && isDigit(src[j]) {
			j++
		}
		i = j
	}
	if i < len(src) && (isIdentPart(src[i]) || src[i] == '.') {
		return 0, 0, syntaxErrorf(i, "unexpected character %q after number", src[i])
	}
	n, err := strconv.ParseFloat(src[start:i], 64)
	if err != nil {
		// ParseFloat only fails on range here; JS yields Infinity.
		if ne, ok := err.(*strconv.NumError); ok && ne.Err == strconv.ErrRange {
			return n, i, nil
		}
		return 0, 0, syntaxErrorf(start, "malformed number")
	}
	return n, i, nil
}

func lexString(src string, start int) (string, int, error) {
	quote := src[start]
	var b strings.Builder
	i := start + 1
	for i < len(src) {
		c := src[i]
		switch {
		case c == quote:
			return b.String(), i + 1, nil
		case c == '\\':
			if i+1 >= len(src) {
				return "", 0, syntaxErrorf(i, "unterminated string literal")
			}
			i++
			switch e := src[i]; e {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			case 'r':
				b.WriteByte('\r')
			case 'b':
				b.WriteByte('\b')
			case 'f':
				b.WriteByte('\f')
			case 'v':
				b.WriteByte('\v')
			case '0':
				b.WriteByte(0)
			case 'u':
				if i+4 >= len(src) {
					return "", 0, syntaxErrorf(i, "malformed unicode escape")
				}
				code, err := strconv.ParseUint(src[i+1:i+5], 16, 32)
				if err != nil {
					return "", 0, syntaxErrorf(i, "malformed unicode escape")
				}
				b.WriteRune(rune(code))
				i += 4
			default:
				b.WriteByte(e)
			}
			i++
		default:
			b.WriteByte(c)
			i++
		}
	}
	return "", 0, syntaxErrorf(start, "unterminated string literal")
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isHexDigit(c byte) bool {
	return isDigit(c) || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

func syntaxErrorf(pos int, format string, args ...any) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeSyntax, format+" at position %d", append(args, pos)...).
		WithDetails(map[string]any{"position": pos})
}
