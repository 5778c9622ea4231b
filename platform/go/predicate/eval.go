package predicate

import (
	"context"
	"fmt"
	"math"
)

// RowLoader fetches the rows of table whose column equals value.
type RowLoader interface {
	RowsWhere(ctx context.Context, table, column string, value any) ([]Row, error)
}

// Eval interprets expr against a row of table for the given principal.
// A NULL column never satisfies a comparison with a non-NULL operand, matching Compile.
func Eval(ctx context.Context, s *Schema, table string, row Row, expr Expr, p Principal, loader RowLoader) (bool, error) {
	switch e := expr.(type) {
	case nil:
		return true, nil
	case Authenticated:
		_, ok := subject(p)
		return ok, nil
	case Compare:
		return evalCompare(table, row, e, p)
	case Exists:
		t, ok := s.Table(table)
		if !ok {
			return false, fmt.Errorf("unknown table %s", table)
		}
		rel, ok := t.Relations[e.Relation]
		if !ok {
			return false, fmt.Errorf("table %s has no relation %s", table, e.Relation)
		}
		from := row[rel.From]
		if from == nil {
			return false, nil
		}
		related, err := loader.RowsWhere(ctx, rel.Table, rel.To, from)
		if err != nil {
			return false, err
		}
		for _, r := range related {
			ok, err := Eval(ctx, s, rel.Table, r, e.Where, p, loader)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case Or:
		for _, child := range e {
			ok, err := Eval(ctx, s, table, row, child, p, loader)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case And:
		for _, child := range e {
			ok, err := Eval(ctx, s, table, row, child, p, loader)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil
	default:
		return false, fmt.Errorf("unsupported expression %T", expr)
	}
}

func evalCompare(table string, row Row, c Compare, p Principal) (bool, error) {
	actual := row[c.Field]

	switch operand := c.Value.(type) {
	case PrincipalRef:
		id, present := subject(p)
		switch c.Op {
		case OpEq:
			return actual != nil && Equal(actual, id), nil
		case OpNeq:
			return present && actual != nil && !Equal(actual, id), nil
		default:
			return false, fmt.Errorf("%s.%s: operator %s does not accept the principal", table, c.Field, c.Op)
		}
	case Literal:
		switch c.Op {
		case OpEq:
			if operand.Value == nil {
				return actual == nil, nil
			}
			return actual != nil && Equal(actual, operand.Value), nil
		case OpNeq:
			if operand.Value == nil {
				return actual != nil, nil
			}
			return actual != nil && !Equal(actual, operand.Value), nil
		case OpIn:
			values, ok := operand.Value.([]any)
			if !ok {
				return false, fmt.Errorf("%s.%s: in requires a literal list", table, c.Field)
			}
			if actual == nil {
				return false, nil
			}
			for _, v := range values {
				if v != nil && Equal(actual, v) {
					return true, nil
				}
			}
			return false, nil
		default:
			return false, fmt.Errorf("%s.%s: unknown operator %s", table, c.Field, c.Op)
		}
	default:
		return false, fmt.Errorf("%s.%s: unsupported operand %T", table, c.Field, c.Value)
	}
}

// Equal compares column values, treating every integer width and integral float as one number.
func Equal(a, b any) bool {
	if ai, ok := Integer(a); ok {
		bi, ok := Integer(b)
		return ok && ai == bi
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case float64:
		bv, ok := b.(float64)
		return ok && av == bv
	}
	return a == b
}

// Integer normalizes integer-like values to int64.
func Integer(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case float64:
		if n == math.Trunc(n) && !math.IsInf(n, 0) {
			return int64(n), true
		}
	case float32:
		f := float64(n)
		if f == math.Trunc(f) && !math.IsInf(f, 0) {
			return int64(f), true
		}
	}
	return 0, false
}
