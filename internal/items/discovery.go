package items

import (
	"regexp"
	"strings"

	"github.com/rendis/deriva/internal/expressions"
)

// readCallPattern matches read calls such as s("id"), v('id') and
// jp("id", ...) whose first argument is a lone string literal. Ids computed at
// runtime (concatenation, variables) are not discoverable.
var readCallPattern = regexp.MustCompile(`\b(?:` + strings.Join(expressions.ReadFunctions, "|") + `)\s*\(\s*(?:"((?:[^"\\]|\\.)*)"|'((?:[^'\\]|\\.)*)')\s*[,)]`)

var unescaper = regexp.MustCompile(`\\(.)`)

// DiscoverSourceIDs scans formula text for read-call ids, in order of first
// appearance. At most max ids are returned; truncated reports whether more
// were present.
func DiscoverSourceIDs(formula string, max int) (ids []string, truncated bool) {
	if max <= 0 {
		max = DefaultMaxDiscoveredIDs
	}
	seen := make(map[string]struct{})
	for _, m := range readCallPattern.FindAllStringSubmatch(formula, -1) {
		raw := m[1]
		if raw == "" {
			raw = m[2]
		}
		id := strings.TrimSpace(unescaper.ReplaceAllString(raw, "$1"))
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		if len(ids) == max {
			return ids, true
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids, false
}
