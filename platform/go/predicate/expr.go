// Package predicate holds row-level permission expressions.
//
// An Expr is data: a tree of field comparisons, relation traversals and boolean
// combinators. The same tree is interpreted in memory by Eval and compiled to a
// parameterized SQL boolean by Compile, so every read path filters identically.
package predicate

// Op is a comparison operator.
type Op string

const (
	OpEq  Op = "eq"
	OpNeq Op = "neq"
	OpIn  Op = "in"
)

// NoPrincipal stands in for an absent principal. It can never equal a stored identifier,
// so identity comparisons for anonymous callers never match, not even a NULL column.
const NoPrincipal = "\x01anonymous"

// Principal is the identity a predicate is evaluated for.
type Principal interface {
	ID() (string, bool)
}

// Row is a column map keyed by column name.
type Row = map[string]any

// Expr is one node of a predicate tree.
type Expr interface {
	isExpr()
}

// Operand is the right-hand side of a Compare.
type Operand interface {
	isOperand()
}

// Literal is a constant operand. For OpIn its Value is a []any.
type Literal struct {
	Value any
}

// PrincipalRef resolves to the principal's identifier at evaluation time.
type PrincipalRef struct{}

// Compare tests a column of the current row.
type Compare struct {
	Field string
	Op    Op
	Value Operand
}

// Exists holds when at least one row reachable through Relation satisfies Where.
// A nil Where matches any related row.
type Exists struct {
	Relation string
	Where    Expr
}

// Or holds when any child holds. An empty Or is false.
type Or []Expr

// And holds when every child holds. An empty And is true.
type And []Expr

// Authenticated holds when a principal is present.
type Authenticated struct{}

func (Literal) isOperand()      {}
func (PrincipalRef) isOperand() {}

func (Compare) isExpr()       {}
func (Exists) isExpr()        {}
func (Or) isExpr()            {}
func (And) isExpr()           {}
func (Authenticated) isExpr() {}

// Eq compares a column to a constant.
func Eq(field string, value any) Compare {
	return Compare{Field: field, Op: OpEq, Value: Literal{Value: value}}
}

// Neq compares a column to a constant.
func Neq(field string, value any) Compare {
	return Compare{Field: field, Op: OpNeq, Value: Literal{Value: value}}
}

// In matches a column against a set of constants.
func In(field string, values ...any) Compare {
	return Compare{Field: field, Op: OpIn, Value: Literal{Value: values}}
}

// IsPrincipal matches rows whose column holds the principal's identifier.
func IsPrincipal(field string) Compare {
	return Compare{Field: field, Op: OpEq, Value: PrincipalRef{}}
}

// Related traverses a named relation.
func Related(relation string, where Expr) Exists {
	return Exists{Relation: relation, Where: where}
}

// Through chains relations; Through([]string{"board", "organization", "members"}, w)
// is Related("board", Related("organization", Related("members", w))).
func Through(relations []string, where Expr) Expr {
	expr := where
	for i := len(relations) - 1; i >= 0; i-- {
		expr = Exists{Relation: relations[i], Where: expr}
	}
	return expr
}

func subject(p Principal) (string, bool) {
	if p == nil {
		return NoPrincipal, false
	}
	id, ok := p.ID()
	if !ok || id == "" {
		return NoPrincipal, false
	}
	return id, true
}
