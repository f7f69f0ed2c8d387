package gml

import "strings"

// Parse parses a GML script. Positions in errors are byte offsets into text.
func Parse(text string) (*Program, error) {
	tokens, err := tokenize(text, 0)
	if err != nil {
		return nil, err
	}
	p := &parser{tokens: tokens}
	prog := &Program{Source: text}
	for !p.at(tokEOF) {
		st, err := p.statement()
		if err != nil {
			return nil, err
		}
		prog.Statements = append(prog.Statements, st)
		for p.at(tokComma) {
			p.advance()
		}
	}
	return prog, nil
}

// ParseExpr parses a single expression and rejects trailing input.
func ParseExpr(text string) (Expr, error) {
	return parseExprAt(text, 0)
}

func parseExprAt(text string, base int) (Expr, error) {
	tokens, err := tokenize(text, base)
	if err != nil {
		return nil, err
	}
	p := &parser{tokens: tokens}
	x, err := p.expression()
	if err != nil {
		return nil, err
	}
	if !p.at(tokEOF) {
		return nil, p.unexpected()
	}
	return x, nil
}

type parser struct {
	tokens []token
	pos    int
}

func (p *parser) peek() token { return p.tokens[p.pos] }

func (p *parser) peekAt(off int) token {
	if p.pos+off < len(p.tokens) {
		return p.tokens[p.pos+off]
	}
	return p.tokens[len(p.tokens)-1]
}

func (p *parser) at(kind tokenKind) bool { return p.tokens[p.pos].kind == kind }

func (p *parser) advance() token {
	t := p.tokens[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) expect(kind tokenKind) (token, error) {
	if !p.at(kind) {
		t := p.peek()
		return t, parseError(t.pos, "expected %s, found %s", kind, describe(t))
	}
	return p.advance(), nil
}

func (p *parser) unexpected() error {
	t := p.peek()
	return parseError(t.pos, "unexpected %s", describe(t))
}

func describe(t token) string {
	if t.text != "" && t.kind != tokString && t.kind != tokTemplate {
		return "'" + t.text + "'"
	}
	return t.kind.String()
}

func (p *parser) statement() (Stmt, error) {
	if p.at(tokReturn) {
		p.advance()
		x, err := p.expression()
		if err != nil {
			return nil, err
		}
		return &Return{X: x}, nil
	}
	if path, ok := p.assignTarget(); ok {
		x, err := p.expression()
		if err != nil {
			return nil, err
		}
		return &Assign{Path: path, Temp: strings.HasPrefix(path[0], "$"), Value: x}, nil
	}
	x, err := p.expression()
	if err != nil {
		return nil, err
	}
	return &ExprStmt{X: x}, nil
}

// assignTarget consumes "name(.name)* =" when present.
func (p *parser) assignTarget() ([]string, bool) {
	if !p.at(tokIdent) {
		return nil, false
	}
	i := p.pos
	path := []string{p.tokens[i].text}
	i++
	for p.tokens[i].kind == tokDot && isNameToken(p.tokens[i+1]) {
		path = append(path, p.tokens[i+1].text)
		i += 2
	}
	if p.tokens[i].kind != tokAssign {
		return nil, false
	}
	p.pos = i + 1
	return path, true
}

func isNameToken(t token) bool {
	if t.kind == tokIdent {
		return true
	}
	return t.kind >= tokNull && t.kind <= tokEnd
}

func (p *parser) expression() (Expr, error) {
	cond, err := p.or()
	if err != nil {
		return nil, err
	}
	if !p.at(tokQuestion) {
		return cond, nil
	}
	q := p.advance()
	then, err := p.expression()
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(tokColon); err != nil {
		return nil, err
	}
	els, err := p.expression()
	if err != nil {
		return nil, err
	}
	return &Ternary{At: q.pos, Cond: cond, Then: then, Else: els}, nil
}

// binaryLevel parses a left-associative chain of the given operators.
func (p *parser) binaryLevel(next func() (Expr, error), ops ...tokenKind) (Expr, error) {
	left, err := next()
	if err != nil {
		return nil, err
	}
	for {
		op := p.peek()
		matched := false
		for _, k := range ops {
			if op.kind == k {
				matched = true
				break
			}
		}
		if !matched {
			return left, nil
		}
		p.advance()
		right, err := next()
		if err != nil {
			return nil, err
		}
		left = &Binary{At: op.pos, Op: op.kind, Left: left, Right: right}
	}
}

func (p *parser) or() (Expr, error) { return p.binaryLevel(p.and, tokOr, tokCoalesce) }

func (p *parser) and() (Expr, error) { return p.binaryLevel(p.equality, tokAnd) }

func (p *parser) equality() (Expr, error) {
	return p.binaryLevel(p.comparison, tokEqEq, tokNotEq)
}

func (p *parser) comparison() (Expr, error) {
	return p.binaryLevel(p.additive, tokLt, tokLe, tokGt, tokGe)
}

func (p *parser) additive() (Expr, error) {
	return p.binaryLevel(p.multiplicative, tokPlus, tokMinus)
}

func (p *parser) multiplicative() (Expr, error) {
	return p.binaryLevel(p.unary, tokStar, tokSlash, tokPercent)
}

func (p *parser) unary() (Expr, error) {
	if p.at(tokNot) || p.at(tokMinus) {
		op := p.advance()
		x, err := p.unary()
		if err != nil {
			return nil, err
		}
		return &Unary{At: op.pos, Op: op.kind, X: x}, nil
	}
	return p.postfix()
}

func (p *parser) postfix() (Expr, error) {
	x, err := p.primary()
	if err != nil {
		return nil, err
	}
	for {
		switch {
		case p.at(tokDot):
			dot := p.advance()
			name := p.peek()
			if !isNameToken(name) {
				return nil, parseError(name.pos, "expected member name after '.', found %s", describe(name))
			}
			p.advance()
			if p.at(tokLParen) {
				args, err := p.args()
				if err != nil {
					return nil, err
				}
				x = &MethodCall{At: dot.pos, Target: x, Name: name.text, Args: args}
			} else {
				x = &Member{At: dot.pos, Target: x, Name: name.text}
			}
		case p.at(tokLBracket):
			lb := p.advance()
			if p.at(tokHash) {
				p.advance()
				if _, err := p.expect(tokRBracket); err != nil {
					return nil, err
				}
				x = &Index{At: lb.pos, Target: x, Last: true}
				continue
			}
			idx, err := p.expression()
			if err != nil {
				return nil, err
			}
			if _, err := p.expect(tokRBracket); err != nil {
				return nil, err
			}
			x = &Index{At: lb.pos, Target: x, Index: idx}
		default:
			return x, nil
		}
	}
}

func (p *parser) args() ([]Expr, error) {
	if _, err := p.expect(tokLParen); err != nil {
		return nil, err
	}
	var args []Expr
	for !p.at(tokRParen) {
		var arg Expr
		var err error
		if p.at(tokSpread) {
			arg, err = p.spread()
		} else {
			arg, err = p.expression()
		}
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
		if !p.at(tokRParen) {
			if _, err := p.expect(tokComma); err != nil {
				return nil, err
			}
		}
	}
	p.advance()
	return args, nil
}

func (p *parser) spread() (Expr, error) {
	t := p.advance()
	x, err := p.expression()
	if err != nil {
		return nil, err
	}
	return &Spread{At: t.pos, X: x}, nil
}

func (p *parser) primary() (Expr, error) {
	t := p.peek()
	switch t.kind {
	case tokNull:
		p.advance()
		return &Literal{At: t.pos, Value: nil}, nil
	case tokTrue, tokFalse:
		p.advance()
		return &Literal{At: t.pos, Value: t.kind == tokTrue}, nil
	case tokInt:
		p.advance()
		return &Literal{At: t.pos, Value: t.i}, nil
	case tokFloat:
		p.advance()
		return &Literal{At: t.pos, Value: t.f}, nil
	case tokString:
		p.advance()
		return &Literal{At: t.pos, Value: t.text}, nil
	case tokTemplate:
		p.advance()
		return parseTemplate(t)
	case tokThis:
		p.advance()
		return &This{At: t.pos}, nil
	case tokSpread:
		return p.spread()
	case tokCase:
		return p.caseExpr()
	case tokIdent:
		p.advance()
		switch {
		case p.at(tokArrow):
			p.advance()
			body, err := p.expression()
			if err != nil {
				return nil, err
			}
			return &Lambda{At: t.pos, Params: []string{t.text}, Body: body}, nil
		case p.at(tokLParen):
			args, err := p.args()
			if err != nil {
				return nil, err
			}
			return &Call{At: t.pos, Name: t.text, Args: args}, nil
		}
		return &Ident{At: t.pos, Name: t.text}, nil
	case tokLParen:
		if params, ok := p.lambdaParams(); ok {
			body, err := p.expression()
			if err != nil {
				return nil, err
			}
			return &Lambda{At: t.pos, Params: params, Body: body}, nil
		}
		p.advance()
		x, err := p.expression()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRParen); err != nil {
			return nil, err
		}
		return x, nil
	case tokLBracket:
		return p.arrayLit()
	case tokLBrace:
		return p.objectLit()
	case tokEOF:
		return nil, parseError(t.pos, "unexpected end of input")
	}
	return nil, p.unexpected()
}

// lambdaParams consumes "(a, b) =>" when the tokens ahead form a parameter list.
func (p *parser) lambdaParams() ([]string, bool) {
	i := p.pos + 1
	var params []string
	for p.tokens[i].kind == tokIdent {
		params = append(params, p.tokens[i].text)
		i++
		if p.tokens[i].kind != tokComma {
			break
		}
		i++
	}
	if p.tokens[i].kind != tokRParen || p.tokens[i+1].kind != tokArrow {
		return nil, false
	}
	p.pos = i + 2
	return params, true
}

func (p *parser) caseExpr() (Expr, error) {
	start := p.advance()
	c := &CaseExpr{At: start.pos}
	for p.at(tokWhen) {
		p.advance()
		cond, err := p.expression()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokThen); err != nil {
			return nil, err
		}
		val, err := p.expression()
		if err != nil {
			return nil, err
		}
		c.Branches = append(c.Branches, CaseBranch{Cond: cond, Value: val})
	}
	if len(c.Branches) == 0 {
		return nil, parseError(p.peek().pos, "CASE requires at least one WHEN branch")
	}
	if p.at(tokElse) {
		p.advance()
		els, err := p.expression()
		if err != nil {
			return nil, err
		}
		c.Else = els
	}
	if _, err := p.expect(tokEnd); err != nil {
		return nil, err
	}
	return c, nil
}

func (p *parser) arrayLit() (Expr, error) {
	lb := p.advance()
	arr := &ArrayLit{At: lb.pos}
	for !p.at(tokRBracket) {
		var el Expr
		var err error
		if p.at(tokSpread) {
			el, err = p.spread()
		} else {
			el, err = p.expression()
		}
		if err != nil {
			return nil, err
		}
		arr.Elems = append(arr.Elems, el)
		if !p.at(tokRBracket) {
			if _, err := p.expect(tokComma); err != nil {
				return nil, err
			}
		}
	}
	p.advance()
	return arr, nil
}

func (p *parser) objectLit() (Expr, error) {
	lb := p.advance()
	obj := &ObjectLit{At: lb.pos}
	for !p.at(tokRBrace) {
		if p.at(tokSpread) {
			sp := p.advance()
			x, err := p.expression()
			if err != nil {
				return nil, err
			}
			obj.Fields = append(obj.Fields, ObjectField{Value: &Spread{At: sp.pos, X: x}, Spread: true})
		} else {
			key := p.peek()
			if !isNameToken(key) && key.kind != tokString {
				return nil, parseError(key.pos, "expected field name, found %s", describe(key))
			}
			p.advance()
			if p.at(tokAssign) || p.at(tokColon) {
				p.advance()
				x, err := p.expression()
				if err != nil {
					return nil, err
				}
				obj.Fields = append(obj.Fields, ObjectField{Key: key.text, Value: x})
			} else {
				obj.Fields = append(obj.Fields, ObjectField{Key: key.text, Value: &Ident{At: key.pos, Name: key.text}})
			}
		}
		for p.at(tokComma) {
			p.advance()
		}
	}
	p.advance()
	return obj, nil
}

func parseTemplate(t token) (Expr, error) {
	tpl := &Template{At: t.pos}
	src := t.text
	var lit strings.Builder
	flush := func() {
		if lit.Len() > 0 {
			tpl.Parts = append(tpl.Parts, TemplatePart{Lit: lit.String()})
			lit.Reset()
		}
	}
	for i := 0; i < len(src); i++ {
		c := src[i]
		if c == '\\' && i+1 < len(src) {
			i++
			lit.WriteByte(unescape(src[i]))
			continue
		}
		if c == '$' && i+1 < len(src) && src[i+1] == '{' {
			end, err := matchBrace(src, i+2, t.pos)
			if err != nil {
				return nil, err
			}
			x, err := parseExprAt(src[i+2:end], t.pos+i+2)
			if err != nil {
				return nil, err
			}
			flush()
			tpl.Parts = append(tpl.Parts, TemplatePart{Expr: x})
			i = end
			continue
		}
		lit.WriteByte(c)
	}
	flush()
	return tpl, nil
}

// matchBrace returns the index of the '}' closing an interpolation opened before start.
func matchBrace(src string, start, base int) (int, error) {
	depth := 0
	var quote byte
	for i := start; i < len(src); i++ {
		c := src[i]
		if quote != 0 {
			if c == '\\' {
				i++
			} else if c == quote {
				quote = 0
			}
			continue
		}
		switch c {
		case '\'', '"':
			quote = c
		case '{':
			depth++
		case '}':
			if depth == 0 {
				return i, nil
			}
			depth--
		}
	}
	return 0, parseError(base+start, "unterminated ${ in template")
}
