package gml

import (
	"errors"
	"math"
	"strings"

	"github.com/rendis/flowcore/pkg/schema"
)

// Evaluator runs parsed programs against a read-only variable map. It never
// mutates vars; assignments only shape the script result.
type Evaluator struct {
	funcs *Registry
}

// NewEvaluator creates an evaluator dispatching calls through funcs.
// A nil registry means the built-in functions only.
func NewEvaluator(funcs *Registry) *Evaluator {
	if funcs == nil {
		funcs = NewRegistry()
	}
	return &Evaluator{funcs: funcs}
}

// Functions returns the registry used for function calls.
func (ev *Evaluator) Functions() *Registry { return ev.funcs }

// Run evaluates a program. A script containing assignments yields an object
// of its non-temporary fields; otherwise it yields the last expression value.
func (ev *Evaluator) Run(p *Program, vars map[string]any) (any, error) {
	e := &env{ev: ev, vars: vars, locals: map[string]any{}}
	var result any
	assigned := false
	for _, st := range p.Statements {
		switch s := st.(type) {
		case *Return:
			return e.eval(s.X)
		case *Assign:
			v, err := e.eval(s.Value)
			if err != nil {
				return nil, err
			}
			assigned = true
			e.assign(s.Path, v)
		case *ExprStmt:
			if sp, ok := s.X.(*Spread); ok {
				v, err := e.eval(sp.X)
				if err != nil {
					return nil, err
				}
				if obj, ok := asObject(v); ok {
					assigned = true
					for k, fv := range obj {
						e.locals[k] = fv
					}
				}
				continue
			}
			v, err := e.eval(s.X)
			if err != nil {
				return nil, err
			}
			result = v
		}
	}
	if !assigned {
		return result, nil
	}
	out := make(map[string]any, len(e.locals))
	for k, v := range e.locals {
		if !strings.HasPrefix(k, "$") {
			out[k] = v
		}
	}
	if len(out) == 0 {
		return result, nil
	}
	return out, nil
}

// Eval evaluates a single expression.
func (ev *Evaluator) Eval(x Expr, vars map[string]any) (any, error) {
	e := &env{ev: ev, vars: vars, locals: map[string]any{}}
	return e.eval(x)
}

type frame struct {
	names  map[string]any
	parent *frame
}

type closure struct {
	params []string
	body   Expr
	env    *env
}

type env struct {
	ev     *Evaluator
	vars   map[string]any
	locals map[string]any
	frame  *frame
}

func (e *env) lookup(name string) any {
	for f := e.frame; f != nil; f = f.parent {
		if v, ok := f.names[name]; ok {
			return Normalize(v)
		}
	}
	if v, ok := e.locals[name]; ok {
		return Normalize(v)
	}
	if v, ok := e.vars[name]; ok {
		return Normalize(v)
	}
	return nil
}

// assign writes a dotted path into the script locals, copying any object it
// descends through so that values shared with vars stay untouched.
func (e *env) assign(path []string, v any) {
	if len(path) == 1 {
		e.locals[path[0]] = v
		return
	}
	root, _ := asObject(e.lookup(path[0]))
	e.locals[path[0]] = setPath(root, path[1:], v)
}

func setPath(obj map[string]any, path []string, v any) map[string]any {
	out := make(map[string]any, len(obj)+1)
	for k, fv := range obj {
		out[k] = fv
	}
	if len(path) == 1 {
		out[path[0]] = v
		return out
	}
	child, _ := asObject(out[path[0]])
	out[path[0]] = setPath(child, path[1:], v)
	return out
}

func (e *env) call(fn *closure, args ...any) (any, error) {
	names := make(map[string]any, len(fn.params))
	for i, p := range fn.params {
		if i < len(args) {
			names[p] = args[i]
		} else {
			names[p] = nil
		}
	}
	inner := &env{ev: fn.env.ev, vars: fn.env.vars, locals: fn.env.locals, frame: &frame{names: names, parent: fn.env.frame}}
	return inner.eval(fn.body)
}

func (e *env) this() map[string]any {
	if len(e.locals) == 0 {
		return e.vars
	}
	out := make(map[string]any, len(e.vars)+len(e.locals))
	for k, v := range e.vars {
		out[k] = v
	}
	for k, v := range e.locals {
		out[k] = v
	}
	return out
}

func (e *env) eval(x Expr) (any, error) {
	switch n := x.(type) {
	case *Literal:
		return n.Value, nil
	case *Ident:
		return e.lookup(n.Name), nil
	case *This:
		return e.this(), nil
	case *Member:
		target, err := e.eval(n.Target)
		if err != nil {
			return nil, err
		}
		v, err := member(target, n.Name)
		return v, withPos(err, n.At)
	case *Index:
		return e.index(n)
	case *Unary:
		return e.unary(n)
	case *Binary:
		return e.binary(n)
	case *Ternary:
		c, err := e.eval(n.Cond)
		if err != nil {
			return nil, err
		}
		if Truthy(c) {
			return e.eval(n.Then)
		}
		return e.eval(n.Else)
	case *CaseExpr:
		for _, b := range n.Branches {
			c, err := e.eval(b.Cond)
			if err != nil {
				return nil, err
			}
			if Truthy(c) {
				return e.eval(b.Value)
			}
		}
		if n.Else != nil {
			return e.eval(n.Else)
		}
		return nil, nil
	case *Call:
		args, err := e.evalList(n.Args)
		if err != nil {
			return nil, err
		}
		fn, ok := e.ev.funcs.Lookup(n.Name)
		if !ok {
			return nil, withPos(evalError("undefined_function", "undefined function %s", n.Name), n.At)
		}
		v, err := fn(args)
		if err != nil {
			return nil, withPos(wrapCallError(n.Name, err), n.At)
		}
		return v, nil
	case *MethodCall:
		target, err := e.eval(n.Target)
		if err != nil {
			return nil, err
		}
		if target == nil {
			return nil, nil
		}
		args, err := e.evalList(n.Args)
		if err != nil {
			return nil, err
		}
		v, err := e.method(Normalize(target), n.Name, args)
		return v, withPos(err, n.At)
	case *Lambda:
		return &closure{params: n.Params, body: n.Body, env: e}, nil
	case *ObjectLit:
		out := make(map[string]any, len(n.Fields))
		for _, f := range n.Fields {
			if f.Spread {
				v, err := e.eval(f.Value.(*Spread).X)
				if err != nil {
					return nil, err
				}
				if v == nil {
					continue
				}
				obj, ok := asObject(v)
				if !ok {
					return nil, withPos(typeMismatch("cannot spread %s into an object", TypeName(v)), f.Value.Pos())
				}
				for k, fv := range obj {
					out[k] = fv
				}
				continue
			}
			v, err := e.eval(f.Value)
			if err != nil {
				return nil, err
			}
			out[f.Key] = v
		}
		return out, nil
	case *ArrayLit:
		return e.evalList(n.Elems)
	case *Spread:
		return e.eval(n.X)
	case *Template:
		var b strings.Builder
		for _, part := range n.Parts {
			if part.Expr == nil {
				b.WriteString(part.Lit)
				continue
			}
			v, err := e.eval(part.Expr)
			if err != nil {
				return nil, err
			}
			b.WriteString(ToString(v))
		}
		return b.String(), nil
	}
	return nil, evalError("invalid_argument", "unsupported expression %T", x)
}

// evalList evaluates expressions, expanding spread elements in place.
func (e *env) evalList(xs []Expr) ([]any, error) {
	out := make([]any, 0, len(xs))
	for _, x := range xs {
		if sp, ok := x.(*Spread); ok {
			v, err := e.eval(sp.X)
			if err != nil {
				return nil, err
			}
			if v == nil {
				continue
			}
			arr, ok := asArray(v)
			if !ok {
				return nil, withPos(typeMismatch("cannot spread %s into a list", TypeName(v)), sp.At)
			}
			out = append(out, arr...)
			continue
		}
		v, err := e.eval(x)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func member(target any, name string) (any, error) {
	switch t := Normalize(target).(type) {
	case nil:
		return nil, nil
	case map[string]any:
		return Normalize(t[name]), nil
	case []any:
		if name == "length" {
			return int64(len(t)), nil
		}
	case string:
		if name == "length" {
			return int64(len([]rune(t))), nil
		}
	}
	return nil, typeMismatch("cannot access field %q on %s", name, TypeName(target))
}

func (e *env) index(n *Index) (any, error) {
	target, err := e.eval(n.Target)
	if err != nil {
		return nil, err
	}
	target = Normalize(target)
	if target == nil {
		return nil, nil
	}
	if n.Last {
		switch t := target.(type) {
		case []any:
			if len(t) == 0 {
				return nil, nil
			}
			return Normalize(t[len(t)-1]), nil
		case string:
			r := []rune(t)
			if len(r) == 0 {
				return nil, nil
			}
			return string(r[len(r)-1]), nil
		}
		return nil, withPos(typeMismatch("cannot index %s", TypeName(target)), n.At)
	}
	idx, err := e.eval(n.Index)
	if err != nil {
		return nil, err
	}
	switch t := target.(type) {
	case map[string]any:
		return Normalize(t[ToString(idx)]), nil
	case []any:
		i, ok := ToInt(idx)
		if !ok {
			return nil, withPos(typeMismatch("array index must be a number, got %s", TypeName(idx)), n.At)
		}
		if i < 0 {
			i += len(t)
		}
		if i < 0 || i >= len(t) {
			return nil, nil
		}
		return Normalize(t[i]), nil
	case string:
		i, ok := ToInt(idx)
		if !ok {
			return nil, withPos(typeMismatch("string index must be a number, got %s", TypeName(idx)), n.At)
		}
		r := []rune(t)
		if i < 0 {
			i += len(r)
		}
		if i < 0 || i >= len(r) {
			return nil, nil
		}
		return string(r[i]), nil
	}
	return nil, withPos(typeMismatch("cannot index %s", TypeName(target)), n.At)
}

func (e *env) unary(n *Unary) (any, error) {
	v, err := e.eval(n.X)
	if err != nil {
		return nil, err
	}
	if n.Op == tokNot {
		return !Truthy(v), nil
	}
	num, ok := toNumber(v)
	if !ok {
		return nil, withPos(typeMismatch("cannot negate %s", TypeName(v)), n.At)
	}
	if num.isFloat {
		return -num.f, nil
	}
	return -num.i, nil
}

func (e *env) binary(n *Binary) (any, error) {
	left, err := e.eval(n.Left)
	if err != nil {
		return nil, err
	}
	switch n.Op {
	case tokAnd:
		if !Truthy(left) {
			return false, nil
		}
		right, err := e.eval(n.Right)
		if err != nil {
			return nil, err
		}
		return Truthy(right), nil
	case tokOr:
		if Truthy(left) {
			return left, nil
		}
		return e.eval(n.Right)
	case tokCoalesce:
		if left != nil {
			return left, nil
		}
		return e.eval(n.Right)
	}
	right, err := e.eval(n.Right)
	if err != nil {
		return nil, err
	}
	v, err := binaryOp(n.Op, Normalize(left), Normalize(right))
	return v, withPos(err, n.At)
}

func binaryOp(op tokenKind, left, right any) (any, error) {
	switch op {
	case tokEqEq:
		return Equal(left, right), nil
	case tokNotEq:
		return !Equal(left, right), nil
	case tokLt, tokLe, tokGt, tokGe:
		if left == nil || right == nil {
			return false, nil
		}
		c, ok := Compare(left, right)
		if !ok {
			return nil, typeMismatch("cannot compare %s with %s", TypeName(left), TypeName(right))
		}
		switch op {
		case tokLt:
			return c < 0, nil
		case tokLe:
			return c <= 0, nil
		case tokGt:
			return c > 0, nil
		}
		return c >= 0, nil
	case tokPlus:
		return add(left, right)
	}
	return arithmetic(op, left, right)
}

func add(left, right any) (any, error) {
	if a, ok := left.([]any); ok {
		if b, ok := right.([]any); ok {
			out := make([]any, 0, len(a)+len(b))
			return append(append(out, a...), b...), nil
		}
	}
	if a, ok := left.(map[string]any); ok {
		if b, ok := right.(map[string]any); ok {
			return mergeObjects(a, b), nil
		}
	}
	ls, lok := left.(string)
	rs, rok := right.(string)
	if lok && rok {
		return ls + rs, nil
	}
	if lok || rok {
		return nil, typeMismatch("operator + cannot join %s and %s; use a template", TypeName(left), TypeName(right))
	}
	return arithmetic(tokPlus, left, right)
}

func arithmetic(op tokenKind, left, right any) (any, error) {
	a, ok1 := toNumber(left)
	b, ok2 := toNumber(right)
	if !ok1 || !ok2 {
		return nil, typeMismatch("operator %s expects numbers, got %s and %s", op, TypeName(left), TypeName(right))
	}
	if !a.isFloat && !b.isFloat {
		switch op {
		case tokPlus:
			return a.i + b.i, nil
		case tokMinus:
			return a.i - b.i, nil
		case tokStar:
			return a.i * b.i, nil
		case tokSlash:
			if b.i == 0 {
				return nil, evalError("division_by_zero", "division by zero")
			}
			return a.i / b.i, nil
		case tokPercent:
			if b.i == 0 {
				return nil, evalError("division_by_zero", "modulo by zero")
			}
			return a.i % b.i, nil
		}
	}
	x, y := a.float(), b.float()
	switch op {
	case tokPlus:
		return x + y, nil
	case tokMinus:
		return x - y, nil
	case tokStar:
		return x * y, nil
	case tokSlash:
		return x / y, nil
	case tokPercent:
		return math.Mod(x, y), nil
	}
	return nil, evalError("invalid_argument", "unsupported operator %s", op)
}

func mergeObjects(a, b map[string]any) map[string]any {
	out := make(map[string]any, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}

func withPos(err error, pos int) error {
	if err == nil {
		return nil
	}
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		if _, ok := fe.Details["position"]; !ok {
			fe.WithDetails(map[string]any{"position": pos})
		}
	}
	return err
}

func wrapCallError(name string, err error) error {
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		return err
	}
	return evalError("invalid_argument", "%s: %s", name, err.Error()).WithCause(err)
}
