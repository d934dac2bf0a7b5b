package expressions

import "strings"

// wordOperators maps case-insensitive word spellings to canonical operators.
var wordOperators = map[string]string{
	"and": "&&",
	"or":  "||",
	"not": "!",
}

// Normalize rewrites alternate operator spellings into canonical form:
// AND/OR/NOT (any case, whole words) become &&, || and !, and a bare = becomes ==.
// Text inside single- or double-quoted literals is copied verbatim.
// Normalize(Normalize(x)) == Normalize(x).
func Normalize(text string) string {
	var b strings.Builder
	b.Grow(len(text) + 8)

	var quote byte
	escaped := false

	for i := 0; i < len(text); {
		c := text[i]

		if quote != 0 {
			b.WriteByte(c)
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == quote:
				quote = 0
			}
			i++
			continue
		}

		switch {
		case c == '"' || c == '\'':
			quote = c
			b.WriteByte(c)
			i++

		case isIdentStart(c):
			j := i + 1
			for j < len(text) && isIdentPart(text[j]) {
				j++
			}
			word := text[i:j]
			if op, ok := wordOperators[strings.ToLower(word)]; ok {
				b.WriteString(op)
			} else {
				b.WriteString(word)
			}
			i = j

		case c >= '0' && c <= '9':
			// Numbers may contain letters (1e5, 0x1F); never treat them as words.
			j := i + 1
			for j < len(text) && (isIdentPart(text[j]) || text[j] == '.') {
				j++
			}
			b.WriteString(text[i:j])
			i = j

		case c == '=':
			prev := byte(0)
			if i > 0 {
				prev = text[i-1]
			}
			next := byte(0)
			if i+1 < len(text) {
				next = text[i+1]
			}
			if prev != '=' && prev != '!' && prev != '<' && prev != '>' && next != '=' {
				b.WriteString("==")
			} else {
				b.WriteByte(c)
			}
			i++

		default:
			b.WriteByte(c)
			i++
		}
	}
	return b.String()
}

func isIdentStart(c byte) bool {
	return c == '_' || c == '$' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}
