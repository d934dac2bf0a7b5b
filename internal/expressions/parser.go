package expressions

import "fmt"

// maxParseNesting bounds parser recursion independently of the complexity
// guard, so hostile input cannot grow the call stack before the guard runs.
const maxParseNesting = 256

// binaryPrecedence lists left-associative binary operators by binding power.
// ** is handled separately (right-associative, above unary).
var binaryPrecedence = map[string]int{
	"||":  1,
	"&&":  2,
	"==":  3,
	"!=":  3,
	"===": 3,
	"!==": 3,
	"<":   4,
	"<=":  4,
	">":   4,
	">=":  4,
	"+":   5,
	"-":   5,
	"*":   6,
	"/":   6,
	"%":   6,
}

// reservedWords cannot be used as identifiers. They name constructs the
// grammar deliberately does not have.
var reservedWords = map[string]bool{
	"this":       true,
	"new":        true,
	"delete":     true,
	"typeof":     true,
	"function":   true,
	"void":       true,
	"in":         true,
	"instanceof": true,
}

type parser struct {
	toks    []token
	pos     int
	nesting int
}

// Parse turns normalized formula text into an AST. Input is expected to have
// passed through Normalize; word operators are not recognised here.
func Parse(src string) (Node, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	if p.peek().kind == tokEOF {
		return nil, syntaxErrorf(0, "empty expression")
	}
	node, err := p.parseConditional()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, syntaxErrorf(t.pos, "unexpected %s", describe(t))
	}
	return node, nil
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) isPunct(text string) bool {
	t := p.peek()
	return t.kind == tokPunct && t.text == text
}

func (p *parser) expect(text string) error {
	t := p.next()
	if t.kind != tokPunct || t.text != text {
		return syntaxErrorf(t.pos, "expected %q, found %s", text, describe(t))
	}
	return nil
}

func (p *parser) enter() error {
	p.nesting++
	if p.nesting > maxParseNesting {
		return syntaxErrorf(p.peek().pos, "expression nested too deeply")
	}
	return nil
}

func (p *parser) leave() { p.nesting-- }

// parseConditional: binary ('?' conditional ':' conditional)?
func (p *parser) parseConditional() (Node, error) {
	if err := p.enter(); err != nil {
		return nil, err
	}
	defer p.leave()

	test, err := p.parseBinary(1)
	if err != nil {
		return nil, err
	}
	if !p.isPunct("?") {
		return test, nil
	}
	p.next()
	consequent, err := p.parseConditional()
	if err != nil {
		return nil, err
	}
	if err := p.expect(":"); err != nil {
		return nil, err
	}
	alternate, err := p.parseConditional()
	if err != nil {
		return nil, err
	}
	return &ConditionalExpression{Test: test, Consequent: consequent, Alternate: alternate}, nil
}

// parseBinary is precedence climbing over binaryPrecedence.
func (p *parser) parseBinary(minPrec int) (Node, error) {
	left, err := p.parseExponent()
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		if t.kind != tokPunct {
			return left, nil
		}
		prec, ok := binaryPrecedence[t.text]
		if !ok || prec < minPrec {
			return left, nil
		}
		p.next()
		right, err := p.parseBinary(prec + 1)
		if err != nil {
			return nil, err
		}
		left = &BinaryExpression{Operator: t.text, Left: left, Right: right}
	}
}

// parseExponent: unary ('**' exponent)?
func (p *parser) parseExponent() (Node, error) {
	base, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	if !p.isPunct("**") {
		return base, nil
	}
	p.next()
	if err := p.enter(); err != nil {
		return nil, err
	}
	defer p.leave()
	exp, err := p.parseExponent()
	if err != nil {
		return nil, err
	}
	return &BinaryExpression{Operator: "**", Left: base, Right: exp}, nil
}

func (p *parser) parseUnary() (Node, error) {
	t := p.peek()
	if t.kind == tokPunct && (t.text == "+" || t.text == "-" || t.text == "!") {
		p.next()
		if err := p.enter(); err != nil {
			return nil, err
		}
		defer p.leave()
		arg, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &UnaryExpression{Operator: t.text, Argument: arg}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (Node, error) {
	t := p.next()
	switch t.kind {
	case tokNumber:
		return &Literal{Value: t.num, Raw: t.text}, nil
	case tokString:
		return &Literal{Value: t.str, Raw: t.text}, nil
	case tokIdent:
		switch t.text {
		case "true":
			return &Literal{Value: true, Raw: t.text}, nil
		case "false":
			return &Literal{Value: false, Raw: t.text}, nil
		}
		if reservedWords[t.text] {
			return nil, syntaxErrorf(t.pos, "reserved word %q is not allowed", t.text)
		}
		ident := &Identifier{Name: t.text}
		if p.isPunct("(") {
			return p.parseCall(ident)
		}
		return ident, nil
	case tokPunct:
		if t.text == "(" {
			inner, err := p.parseConditional()
			if err != nil {
				return nil, err
			}
			if err := p.expect(")"); err != nil {
				return nil, err
			}
			return inner, nil
		}
	}
	return nil, syntaxErrorf(t.pos, "unexpected %s", describe(t))
}

func (p *parser) parseCall(callee *Identifier) (Node, error) {
	p.next() // (
	call := &CallExpression{Callee: callee}
	if p.isPunct(")") {
		p.next()
		return call, nil
	}
	for {
		arg, err := p.parseConditional()
		if err != nil {
			return nil, err
		}
		call.Arguments = append(call.Arguments, arg)
		if p.isPunct(",") {
			p.next()
			continue
		}
		if err := p.expect(")"); err != nil {
			return nil, err
		}
		return call, nil
	}
}

func describe(t token) string {
	switch t.kind {
	case tokEOF:
		return "end of expression"
	case tokNumber:
		return fmt.Sprintf("number %s", t.text)
	case tokString:
		return fmt.Sprintf("string %s", t.text)
	case tokIdent:
		return fmt.Sprintf("identifier %q", t.text)
	default:
		return fmt.Sprintf("%q", t.text)
	}
}
