package gml

import "fmt"

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokInt
	tokFloat
	tokString
	tokTemplate

	tokNull
	tokTrue
	tokFalse
	tokThis
	tokReturn
	tokCase
	tokWhen
	tokThen
	tokElse
	tokEnd

	tokPlus
	tokMinus
	tokStar
	tokSlash
	tokPercent
	tokEqEq
	tokNotEq
	tokLt
	tokLe
	tokGt
	tokGe
	tokAnd
	tokOr
	tokCoalesce
	tokNot
	tokAssign
	tokArrow
	tokQuestion
	tokColon
	tokComma
	tokDot
	tokSpread
	tokHash
	tokLParen
	tokRParen
	tokLBracket
	tokRBracket
	tokLBrace
	tokRBrace
)

var keywords = map[string]tokenKind{
	"null":   tokNull,
	"true":   tokTrue,
	"false":  tokFalse,
	"this":   tokThis,
	"return": tokReturn,
	"CASE":   tokCase,
	"WHEN":   tokWhen,
	"THEN":   tokThen,
	"ELSE":   tokElse,
	"END":    tokEnd,
}

var tokenNames = map[tokenKind]string{
	tokEOF: "end of input", tokIdent: "identifier", tokInt: "integer", tokFloat: "number",
	tokString: "string", tokTemplate: "template", tokNull: "null", tokTrue: "true",
	tokFalse: "false", tokThis: "this", tokReturn: "return", tokCase: "CASE", tokWhen: "WHEN",
	tokThen: "THEN", tokElse: "ELSE", tokEnd: "END", tokPlus: "'+'", tokMinus: "'-'",
	tokStar: "'*'", tokSlash: "'/'", tokPercent: "'%'", tokEqEq: "'=='", tokNotEq: "'!='",
	tokLt: "'<'", tokLe: "'<='", tokGt: "'>'", tokGe: "'>='", tokAnd: "'&&'", tokOr: "'||'",
	tokCoalesce: "'??'", tokNot: "'!'", tokAssign: "'='", tokArrow: "'=>'", tokQuestion: "'?'",
	tokColon: "':'", tokComma: "','", tokDot: "'.'", tokSpread: "'...'", tokHash: "'#'",
	tokLParen: "'('", tokRParen: "')'", tokLBracket: "'['", tokRBracket: "']'",
	tokLBrace: "'{'", tokRBrace: "'}'",
}

func (k tokenKind) String() string {
	if s, ok := tokenNames[k]; ok {
		return s
	}
	return fmt.Sprintf("token(%d)", int(k))
}

type token struct {
	kind tokenKind
	text string
	pos  int
	i    int64
	f    float64
}
