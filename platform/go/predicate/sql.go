package predicate

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
)

// Params collects positional query arguments shared between a statement and its predicates.
type Params struct {
	args []any
}

// Add appends v and returns its placeholder.
func (p *Params) Add(v any) string {
	p.args = append(p.args, v)
	return "$" + strconv.Itoa(len(p.args))
}

// Args returns the collected arguments in placeholder order.
func (p *Params) Args() []any {
	return p.args
}

// Ident quotes a SQL identifier.
func Ident(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

// Column renders alias.column.
func Column(alias, column string) string {
	return alias + "." + Ident(column)
}

// Compile renders expr as a SQL boolean over rows of table bound to alias.
// Relation traversals become correlated EXISTS subqueries with aliases t1, t2, ...
// by depth; every value is bound through params.
func Compile(s *Schema, table, alias string, expr Expr, p Principal, params *Params) (string, error) {
	c := compiler{schema: s, principal: p, params: params}
	return c.compile(table, alias, 0, expr)
}

type compiler struct {
	schema    *Schema
	principal Principal
	params    *Params
}

func (c compiler) compile(table, alias string, depth int, expr Expr) (string, error) {
	t, ok := c.schema.Table(table)
	if !ok {
		return "", fmt.Errorf("unknown table %s", table)
	}

	switch e := expr.(type) {
	case nil:
		return "TRUE", nil
	case Authenticated:
		if _, ok := subject(c.principal); ok {
			return "TRUE", nil
		}
		return "FALSE", nil
	case Compare:
		if !t.HasColumn(e.Field) {
			return "", fmt.Errorf("table %s has no column %s", table, e.Field)
		}
		return c.compare(table, alias, e)
	case Exists:
		rel, ok := t.Relations[e.Relation]
		if !ok {
			return "", fmt.Errorf("table %s has no relation %s", table, e.Relation)
		}
		child := "t" + strconv.Itoa(depth+1)
		var b strings.Builder
		b.WriteString("EXISTS (SELECT 1 FROM ")
		b.WriteString(Ident(rel.Table))
		b.WriteString(" AS ")
		b.WriteString(child)
		b.WriteString(" WHERE ")
		b.WriteString(Column(child, rel.To))
		b.WriteString(" = ")
		b.WriteString(Column(alias, rel.From))
		if e.Where != nil {
			inner, err := c.compile(rel.Table, child, depth+1, e.Where)
			if err != nil {
				return "", err
			}
			b.WriteString(" AND ")
			b.WriteString(inner)
		}
		b.WriteString(")")
		return b.String(), nil
	case Or:
		return c.join(table, alias, depth, []Expr(e), " OR ", "FALSE")
	case And:
		return c.join(table, alias, depth, []Expr(e), " AND ", "TRUE")
	default:
		return "", fmt.Errorf("unsupported expression %T", expr)
	}
}

func (c compiler) join(table, alias string, depth int, children []Expr, sep, empty string) (string, error) {
	if len(children) == 0 {
		return empty, nil
	}
	parts := make([]string, 0, len(children))
	for _, child := range children {
		part, err := c.compile(table, alias, depth, child)
		if err != nil {
			return "", err
		}
		parts = append(parts, part)
	}
	if len(parts) == 1 {
		return parts[0], nil
	}
	return "(" + strings.Join(parts, sep) + ")", nil
}

func (c compiler) compare(table, alias string, e Compare) (string, error) {
	col := Column(alias, e.Field)

	switch operand := e.Value.(type) {
	case PrincipalRef:
		id, present := subject(c.principal)
		switch e.Op {
		case OpEq:
			return col + " = " + c.params.Add(id), nil
		case OpNeq:
			if !present {
				return "FALSE", nil
			}
			return col + " <> " + c.params.Add(id), nil
		default:
			return "", fmt.Errorf("%s.%s: operator %s does not accept the principal", table, e.Field, e.Op)
		}
	case Literal:
		switch e.Op {
		case OpEq:
			if operand.Value == nil {
				return col + " IS NULL", nil
			}
			return col + " = " + c.params.Add(operand.Value), nil
		case OpNeq:
			if operand.Value == nil {
				return col + " IS NOT NULL", nil
			}
			return col + " <> " + c.params.Add(operand.Value), nil
		case OpIn:
			values, ok := operand.Value.([]any)
			if !ok {
				return "", fmt.Errorf("%s.%s: in requires a literal list", table, e.Field)
			}
			placeholders := make([]string, 0, len(values))
			for _, v := range values {
				if v == nil {
					continue
				}
				placeholders = append(placeholders, c.params.Add(v))
			}
			if len(placeholders) == 0 {
				return "FALSE", nil
			}
			return col + " IN (" + strings.Join(placeholders, ", ") + ")", nil
		default:
			return "", fmt.Errorf("%s.%s: unknown operator %s", table, e.Field, e.Op)
		}
	default:
		return "", fmt.Errorf("%s.%s: unsupported operand %T", table, e.Field, e.Value)
	}
}
