// Package rowstore defines the transactional row interface that mutators, queries and
// the billing reconciler share. Postgres and in-memory implementations live behind it.
package rowstore

import (
	"context"
	"errors"

	"github.com/damien-schneider/reflect-os/platform/go/predicate"
)

// Row is a column map keyed by snake_case column name.
type Row = predicate.Row

var (
	ErrRowNotFound = errors.New("row not found")
	ErrDuplicate   = errors.New("duplicate row")
	ErrReference   = errors.New("referenced row missing")
	ErrConstraint  = errors.New("constraint violated")
)

// Order sorts a selection by one column.
type Order struct {
	Column string
	Desc   bool
}

// Page bounds and orders a selection. A zero Limit means no limit.
type Page struct {
	OrderBy []Order
	Limit   int
}

// Tx is one unit of work. Filters are predicate expressions evaluated for the principal.
type Tx interface {
	Get(ctx context.Context, table, id string) (Row, error)
	// Lock reads a row and holds it until the transaction ends.
	Lock(ctx context.Context, table, id string) (Row, error)
	Select(ctx context.Context, table string, where predicate.Expr, p predicate.Principal, page Page) ([]Row, error)
	Count(ctx context.Context, table string, where predicate.Expr) (int, error)
	// Check reports whether the row identified by id satisfies expr. A missing row is false.
	Check(ctx context.Context, table, id string, expr predicate.Expr, p predicate.Principal) (bool, error)
	Insert(ctx context.Context, table string, row Row) error
	Update(ctx context.Context, table, id string, changes Row) (Row, error)
	// Upsert inserts row or overwrites the given columns of the row sharing its key.
	Upsert(ctx context.Context, table string, row Row) error
	Delete(ctx context.Context, table, id string) error
	DeleteWhere(ctx context.Context, table string, where predicate.Expr) (int, error)
}

// Store opens transactions. WithTx commits when fn returns nil and rolls back otherwise.
type Store interface {
	Schema() *predicate.Schema
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	WithReadTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}
