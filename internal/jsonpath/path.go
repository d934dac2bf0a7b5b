// Package jsonpath resolves a restricted JSONPath subset against decoded JSON.
//
// Supported: $ root (a leading "." implies $), .name with bareword characters,
// ['name'] / ["name"] with backslash escapes, and [n] non-negative indexes.
// There are no wildcards, filters, unions, slices or recursive descent.
// Resolution never fails loudly: every problem yields "undefined".
package jsonpath

import (
	"strconv"
	"strings"

	"github.com/rendis/deriva/pkg/schema"
)

// deniedKeys are never traversed.
var deniedKeys = map[string]bool{
	"__proto__":   true,
	"prototype":   true,
	"constructor": true,
}

// Segment is one step of a path: a member key or an array index.
type Segment struct {
	Key     string
	Index   int
	IsIndex bool
}

// Path is a parsed JSONPath-subset expression.
type Path []Segment

// String renders the path in canonical bracket-free form where possible.
func (p Path) String() string {
	var b strings.Builder
	b.WriteByte('$')
	for _, s := range p {
		switch {
		case s.IsIndex:
			b.WriteString("[" + strconv.Itoa(s.Index) + "]")
		case isBareword(s.Key):
			b.WriteString("." + s.Key)
		default:
			b.WriteString("[" + strconv.Quote(s.Key) + "]")
		}
	}
	return b.String()
}

// Parse parses a path expression.
func Parse(expr string) (Path, error) {
	expr = strings.TrimSpace(expr)
	if strings.HasPrefix(expr, ".") {
		expr = "$" + expr
	}
	if !strings.HasPrefix(expr, "$") {
		return nil, pathErrorf(expr, 0, "path must start with $")
	}

	var path Path
	i := 1
	for i < len(expr) {
		switch expr[i] {
		case '.':
			j := i + 1
			for j < len(expr) && isBarewordChar(expr[j]) {
				j++
			}
			if j == i+1 {
				return nil, pathErrorf(expr, i, "expected member name after '.'")
			}
			path = append(path, Segment{Key: expr[i+1 : j]})
			i = j

		case '[':
			seg, end, err := parseBracket(expr, i)
			if err != nil {
				return nil, err
			}
			path = append(path, seg)
			i = end

		default:
			return nil, pathErrorf(expr, i, "unexpected character %q", expr[i])
		}
	}
	return path, nil
}

func parseBracket(expr string, start int) (Segment, int, error) {
	i := start + 1
	if i >= len(expr) {
		return Segment{}, 0, pathErrorf(expr, start, "unterminated '['")
	}

	if q := expr[i]; q == '\'' || q == '"' {
		var b strings.Builder
		i++
		for {
			if i >= len(expr) {
				return Segment{}, 0, pathErrorf(expr, start, "unterminated quoted key")
			}
			c := expr[i]
			if c == '\\' {
				if i+1 >= len(expr) {
					return Segment{}, 0, pathErrorf(expr, i, "dangling escape")
				}
				b.WriteByte(expr[i+1])
				i += 2
				continue
			}
			if c == q {
				i++
				break
			}
			b.WriteByte(c)
			i++
		}
		if i >= len(expr) || expr[i] != ']' {
			return Segment{}, 0, pathErrorf(expr, i, "expected ']'")
		}
		return Segment{Key: b.String()}, i + 1, nil
	}

	j := i
	for j < len(expr) && expr[j] >= '0' && expr[j] <= '9' {
		j++
	}
	if j == i || j >= len(expr) || expr[j] != ']' {
		return Segment{}, 0, pathErrorf(expr, i, "expected quoted key or non-negative index")
	}
	n, err := strconv.Atoi(expr[i:j])
	if err != nil {
		return Segment{}, 0, pathErrorf(expr, i, "index out of range")
	}
	return Segment{Index: n, IsIndex: true}, j + 1, nil
}

// Resolve walks value along path. It reports false for undefined results:
// null intermediates, denied keys, missing members, non-arrays before an
// index, out-of-range indexes and a null final value.
func Resolve(value any, path Path) (any, bool) {
	cur := value
	for _, seg := range path {
		if cur == nil {
			return nil, false
		}
		if seg.IsIndex {
			arr, ok := cur.([]any)
			if !ok || seg.Index >= len(arr) {
				return nil, false
			}
			cur = arr[seg.Index]
			continue
		}
		if deniedKeys[seg.Key] {
			return nil, false
		}
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		next, ok := obj[seg.Key]
		if !ok {
			return nil, false
		}
		cur = next
	}
	if cur == nil {
		return nil, false
	}
	return cur, true
}

// Lookup parses expr and resolves it against value. Parse failures are
// reported as undefined.
func Lookup(value any, expr string) (any, bool) {
	path, err := Parse(expr)
	if err != nil {
		return nil, false
	}
	return Resolve(value, path)
}

func isBarewordChar(c byte) bool {
	return c == '_' || c == '$' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

func isBareword(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !isBarewordChar(s[i]) {
			return false
		}
	}
	return true
}

func pathErrorf(expr string, pos int, format string, args ...any) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeValidation, "invalid JSONPath: "+format, args...).
		WithDetails(map[string]any{"path": expr, "position": pos})
}
