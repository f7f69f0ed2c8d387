package gml

import (
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/rendis/flowcore/pkg/schema"
)

// lexer turns GML source into a token slice. base offsets positions for
// expressions embedded in template strings.
type lexer struct {
	src    string
	pos    int
	base   int
	tokens []token
}

func tokenize(src string, base int) ([]token, error) {
	lx := &lexer{src: src, base: base}
	for {
		tok, err := lx.next()
		if err != nil {
			return nil, err
		}
		lx.tokens = append(lx.tokens, tok)
		if tok.kind == tokEOF {
			return lx.tokens, nil
		}
	}
}

func (lx *lexer) errorf(pos int, format string, args ...any) error {
	return parseError(lx.base+pos, format, args...)
}

func (lx *lexer) peekByte(off int) byte {
	if lx.pos+off < len(lx.src) {
		return lx.src[lx.pos+off]
	}
	return 0
}

func (lx *lexer) lastKind() tokenKind {
	if len(lx.tokens) == 0 {
		return tokEOF
	}
	return lx.tokens[len(lx.tokens)-1].kind
}

// skipSpace consumes whitespace and '#' line comments. A '#' directly inside
// brackets ("arr[#]") is the last-element marker and is left alone.
func (lx *lexer) skipSpace() {
	for lx.pos < len(lx.src) {
		c := lx.src[lx.pos]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			lx.pos++
		case c == '#':
			if lx.lastKind() == tokLBracket && strings.HasPrefix(strings.TrimLeft(lx.src[lx.pos+1:], " \t"), "]") {
				return
			}
			for lx.pos < len(lx.src) && lx.src[lx.pos] != '\n' {
				lx.pos++
			}
		default:
			return
		}
	}
}

func (lx *lexer) next() (token, error) {
	lx.skipSpace()
	start := lx.pos
	if lx.pos >= len(lx.src) {
		return token{kind: tokEOF, pos: lx.base + start}, nil
	}
	c := lx.src[lx.pos]
	emit := func(kind tokenKind, width int) (token, error) {
		lx.pos += width
		return token{kind: kind, text: lx.src[start:lx.pos], pos: lx.base + start}, nil
	}

	switch {
	case isDigit(c):
		return lx.number()
	case c == '\'' || c == '"':
		return lx.quoted(c)
	case c == '`':
		return lx.template()
	case c == '$' || isIdentStart(rune(c)) || c >= utf8.RuneSelf:
		return lx.ident()
	}

	two := ""
	if lx.pos+1 < len(lx.src) {
		two = lx.src[lx.pos : lx.pos+2]
	}
	switch two {
	case "==":
		return emit(tokEqEq, 2)
	case "!=":
		return emit(tokNotEq, 2)
	case "<=":
		return emit(tokLe, 2)
	case ">=":
		return emit(tokGe, 2)
	case "&&":
		return emit(tokAnd, 2)
	case "||":
		return emit(tokOr, 2)
	case "??":
		return emit(tokCoalesce, 2)
	case "=>":
		return emit(tokArrow, 2)
	case "..":
		if lx.peekByte(2) == '.' {
			return emit(tokSpread, 3)
		}
	}

	switch c {
	case '+':
		return emit(tokPlus, 1)
	case '-':
		return emit(tokMinus, 1)
	case '*':
		return emit(tokStar, 1)
	case '/':
		return emit(tokSlash, 1)
	case '%':
		return emit(tokPercent, 1)
	case '<':
		return emit(tokLt, 1)
	case '>':
		return emit(tokGt, 1)
	case '!':
		return emit(tokNot, 1)
	case '=':
		return emit(tokAssign, 1)
	case '?':
		return emit(tokQuestion, 1)
	case ':':
		return emit(tokColon, 1)
	case ',', ';':
		return emit(tokComma, 1)
	case '.':
		return emit(tokDot, 1)
	case '#':
		return emit(tokHash, 1)
	case '(':
		return emit(tokLParen, 1)
	case ')':
		return emit(tokRParen, 1)
	case '[':
		return emit(tokLBracket, 1)
	case ']':
		return emit(tokRBracket, 1)
	case '{':
		return emit(tokLBrace, 1)
	case '}':
		return emit(tokRBrace, 1)
	}
	return token{}, lx.errorf(start, "unexpected character %q", c)
}

func (lx *lexer) number() (token, error) {
	start := lx.pos
	for lx.pos < len(lx.src) && isDigit(lx.src[lx.pos]) {
		lx.pos++
	}
	isFloat := false
	if lx.peekByte(0) == '.' && isDigit(lx.peekByte(1)) {
		isFloat = true
		lx.pos++
		for lx.pos < len(lx.src) && isDigit(lx.src[lx.pos]) {
			lx.pos++
		}
	}
	if c := lx.peekByte(0); c == 'e' || c == 'E' {
		off := 1
		if s := lx.peekByte(1); s == '+' || s == '-' {
			off = 2
		}
		if isDigit(lx.peekByte(off)) {
			isFloat = true
			lx.pos += off
			for lx.pos < len(lx.src) && isDigit(lx.src[lx.pos]) {
				lx.pos++
			}
		}
	}
	text := lx.src[start:lx.pos]
	if isFloat {
		f, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return token{}, lx.errorf(start, "invalid number %q", text)
		}
		return token{kind: tokFloat, text: text, pos: lx.base + start, f: f}, nil
	}
	i, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		f, ferr := strconv.ParseFloat(text, 64)
		if ferr != nil {
			return token{}, lx.errorf(start, "invalid number %q", text)
		}
		return token{kind: tokFloat, text: text, pos: lx.base + start, f: f}, nil
	}
	return token{kind: tokInt, text: text, pos: lx.base + start, i: i}, nil
}

func (lx *lexer) quoted(quote byte) (token, error) {
	start := lx.pos
	lx.pos++
	var b strings.Builder
	for lx.pos < len(lx.src) {
		c := lx.src[lx.pos]
		switch {
		case c == quote:
			lx.pos++
			return token{kind: tokString, text: b.String(), pos: lx.base + start}, nil
		case c == '\\' && lx.pos+1 < len(lx.src):
			lx.pos++
			b.WriteByte(unescape(lx.src[lx.pos]))
			lx.pos++
		default:
			b.WriteByte(c)
			lx.pos++
		}
	}
	return token{}, lx.errorf(start, "unterminated string")
}

// template keeps the raw body; the parser splits it into literal and ${...} parts.
func (lx *lexer) template() (token, error) {
	start := lx.pos
	lx.pos++
	for lx.pos < len(lx.src) {
		switch lx.src[lx.pos] {
		case '\\':
			lx.pos += 2
		case '`':
			lx.pos++
			return token{kind: tokTemplate, text: lx.src[start+1 : lx.pos-1], pos: lx.base + start + 1}, nil
		default:
			lx.pos++
		}
	}
	return token{}, lx.errorf(start, "unterminated template string")
}

func (lx *lexer) ident() (token, error) {
	start := lx.pos
	if lx.src[lx.pos] == '$' {
		lx.pos++
	}
	for lx.pos < len(lx.src) {
		r, w := utf8.DecodeRuneInString(lx.src[lx.pos:])
		if !isIdentPart(r) {
			break
		}
		lx.pos += w
	}
	text := lx.src[start:lx.pos]
	if text == "" {
		r, _ := utf8.DecodeRuneInString(lx.src[start:])
		return token{}, lx.errorf(start, "unexpected character %q", r)
	}
	if text == "$" {
		return token{}, lx.errorf(start, "expected identifier after '$'")
	}
	if kind, ok := keywords[text]; ok {
		return token{kind: kind, text: text, pos: lx.base + start}, nil
	}
	return token{kind: tokIdent, text: text, pos: lx.base + start}, nil
}

func unescape(c byte) byte {
	switch c {
	case 'n':
		return '\n'
	case 't':
		return '\t'
	case 'r':
		return '\r'
	case '0':
		return 0
	}
	return c
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isIdentStart(r rune) bool { return r == '_' || unicode.IsLetter(r) }

func isIdentPart(r rune) bool { return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r) }

func parseError(pos int, format string, args ...any) error {
	return schema.NewErrorf(schema.ErrCodeParse, format, args...).
		WithDetails(map[string]any{"position": pos})
}
