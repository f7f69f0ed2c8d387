package gml

// Program is a parsed GML script: a sequence of statements.
type Program struct {
	Source     string
	Statements []Stmt
}

// Stmt is a script statement.
type Stmt interface{ stmt() }

// Assign binds Path (a dotted name) to Value. Temp assignments ($name) are
// visible to later statements but excluded from the script result.
type Assign struct {
	Path  []string
	Temp  bool
	Value Expr
}

// ExprStmt is a bare expression; a spread expression statement merges its
// object into the result.
type ExprStmt struct {
	X Expr
}

// Return ends the script with the value of X.
type Return struct {
	X Expr
}

func (*Assign) stmt()   {}
func (*ExprStmt) stmt() {}
func (*Return) stmt()   {}

// Expr is an expression node.
type Expr interface{ Pos() int }

type (
	Literal struct {
		At    int
		Value any
	}

	Ident struct {
		At   int
		Name string
	}

	This struct {
		At int
	}

	Member struct {
		At     int
		Target Expr
		Name   string
	}

	// Index addresses an element; Last is set for "[#]".
	Index struct {
		At     int
		Target Expr
		Index  Expr
		Last   bool
	}

	Unary struct {
		At int
		Op tokenKind
		X  Expr
	}

	Binary struct {
		At    int
		Op    tokenKind
		Left  Expr
		Right Expr
	}

	Ternary struct {
		At   int
		Cond Expr
		Then Expr
		Else Expr
	}

	CaseExpr struct {
		At       int
		Branches []CaseBranch
		Else     Expr
	}

	Call struct {
		At   int
		Name string
		Args []Expr
	}

	MethodCall struct {
		At     int
		Target Expr
		Name   string
		Args   []Expr
	}

	Lambda struct {
		At     int
		Params []string
		Body   Expr
	}

	ObjectLit struct {
		At     int
		Fields []ObjectField
	}

	ArrayLit struct {
		At    int
		Elems []Expr
	}

	Spread struct {
		At int
		X  Expr
	}

	Template struct {
		At    int
		Parts []TemplatePart
	}
)

type CaseBranch struct {
	Cond  Expr
	Value Expr
}

// ObjectField is "key = value", a shorthand "key", or "...spread".
type ObjectField struct {
	Key    string
	Value  Expr
	Spread bool
}

// TemplatePart is either a literal chunk or an interpolated expression.
type TemplatePart struct {
	Lit  string
	Expr Expr
}

func (e *Literal) Pos() int    { return e.At }
func (e *Ident) Pos() int      { return e.At }
func (e *This) Pos() int       { return e.At }
func (e *Member) Pos() int     { return e.At }
func (e *Index) Pos() int      { return e.At }
func (e *Unary) Pos() int      { return e.At }
func (e *Binary) Pos() int     { return e.At }
func (e *Ternary) Pos() int    { return e.At }
func (e *CaseExpr) Pos() int   { return e.At }
func (e *Call) Pos() int       { return e.At }
func (e *MethodCall) Pos() int { return e.At }
func (e *Lambda) Pos() int     { return e.At }
func (e *ObjectLit) Pos() int  { return e.At }
func (e *ArrayLit) Pos() int   { return e.At }
func (e *Spread) Pos() int     { return e.At }
func (e *Template) Pos() int   { return e.At }
