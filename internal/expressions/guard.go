package expressions

import "github.com/rendis/deriva/pkg/schema"

// Default complexity and size limits.
const (
	DefaultMaxNodes         = 2000
	DefaultMaxDepth         = 60
	DefaultMaxFormulaLength = 8000
)

// Limits bounds what a formula may cost before it is allowed to run.
type Limits struct {
	MaxNodes  int
	MaxDepth  int
	MaxLength int
}

// DefaultLimits returns the stock limits.
func DefaultLimits() Limits {
	return Limits{
		MaxNodes:  DefaultMaxNodes,
		MaxDepth:  DefaultMaxDepth,
		MaxLength: DefaultMaxFormulaLength,
	}
}

func (l Limits) withDefaults() Limits {
	if l.MaxNodes <= 0 {
		l.MaxNodes = DefaultMaxNodes
	}
	if l.MaxDepth <= 0 {
		l.MaxDepth = DefaultMaxDepth
	}
	if l.MaxLength <= 0 {
		l.MaxLength = DefaultMaxFormulaLength
	}
	return l
}

// CheckComplexity walks the AST with an explicit stack and fails as soon as
// the node count or nesting depth exceeds the limits. The root is depth 1.
func CheckComplexity(root Node, limits Limits) error {
	limits = limits.withDefaults()

	type frame struct {
		node  Node
		depth int
	}
	stack := []frame{{node: root, depth: 1}}
	count := 0

	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if f.node == nil {
			continue
		}

		count++
		if count > limits.MaxNodes {
			return schema.NewErrorf(schema.ErrCodeCompile,
				"expression too complex: more than %d nodes", limits.MaxNodes).
				WithDetails(map[string]any{"max_nodes": limits.MaxNodes})
		}
		if f.depth > limits.MaxDepth {
			return schema.NewErrorf(schema.ErrCodeCompile,
				"expression too deeply nested: depth exceeds %d", limits.MaxDepth).
				WithDetails(map[string]any{"max_depth": limits.MaxDepth})
		}

		for _, child := range f.node.Children() {
			stack = append(stack, frame{node: child, depth: f.depth + 1})
		}
	}
	return nil
}
