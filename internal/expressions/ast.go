package expressions

// NodeKind names an AST node type. The set is closed: the evaluator rejects
// anything else.
type NodeKind string

const (
	KindLiteral     NodeKind = "Literal"
	KindIdentifier  NodeKind = "Identifier"
	KindUnary       NodeKind = "UnaryExpression"
	KindBinary      NodeKind = "BinaryExpression"
	KindLogical     NodeKind = "LogicalExpression"
	KindConditional NodeKind = "ConditionalExpression"
	KindCall        NodeKind = "CallExpression"
)

// Node is a formula AST node.
type Node interface {
	Kind() NodeKind
	Children() []Node
}

// Literal is a number, string or boolean constant.
type Literal struct {
	Value Value
	Raw   string
}

// Identifier references a variable binding or, as a callee, a function.
type Identifier struct {
	Name string
}

// UnaryExpression applies +, - or ! to its argument.
type UnaryExpression struct {
	Operator string
	Argument Node
}

// BinaryExpression covers arithmetic, comparison and logical operators.
// Logical reports KindLogical for && and ||.
type BinaryExpression struct {
	Operator string
	Left     Node
	Right    Node
}

// ConditionalExpression is test ? consequent : alternate.
type ConditionalExpression struct {
	Test       Node
	Consequent Node
	Alternate  Node
}

// CallExpression calls a whitelisted function by bare name.
type CallExpression struct {
	Callee    *Identifier
	Arguments []Node
}

func (*Literal) Kind() NodeKind               { return KindLiteral }
func (*Identifier) Kind() NodeKind            { return KindIdentifier }
func (*UnaryExpression) Kind() NodeKind       { return KindUnary }
func (*ConditionalExpression) Kind() NodeKind { return KindConditional }
func (*CallExpression) Kind() NodeKind        { return KindCall }

func (n *BinaryExpression) Kind() NodeKind {
	if n.Operator == "&&" || n.Operator == "||" {
		return KindLogical
	}
	return KindBinary
}

func (*Literal) Children() []Node    { return nil }
func (*Identifier) Children() []Node { return nil }

func (n *UnaryExpression) Children() []Node { return []Node{n.Argument} }

func (n *BinaryExpression) Children() []Node { return []Node{n.Left, n.Right} }

func (n *ConditionalExpression) Children() []Node {
	return []Node{n.Test, n.Consequent, n.Alternate}
}

func (n *CallExpression) Children() []Node {
	out := make([]Node, 0, len(n.Arguments)+1)
	if n.Callee != nil {
		out = append(out, n.Callee)
	}
	return append(out, n.Arguments...)
}
