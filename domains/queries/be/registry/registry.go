// Package registry holds the named queries a client may subscribe to. A query names one
// table and a filter built from its arguments; row visibility is added by the caller.
package registry

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/damien-schneider/reflect-os/platform/go/apperr"
	"github.com/damien-schneider/reflect-os/platform/go/predicate"
	"github.com/damien-schneider/reflect-os/platform/go/rowstore"
	"github.com/damien-schneider/reflect-os/platform/go/validation"
)

// Query is one named read.
type Query struct {
	Name        string
	Table       string
	RequireAuth bool
	Schema      []byte
	// Filter narrows the table from validated args. Nil selects every visible row.
	Filter  func(args json.RawMessage) (predicate.Expr, error)
	OrderBy []rowstore.Order
	Limit   int
}

// Registry maps names to queries.
type Registry struct {
	queries   map[string]Query
	validator *validation.SchemaValidator
}

// New registers queries, validating every filter table against schema.
func New(schema *predicate.Schema, queries ...Query) (*Registry, error) {
	r := &Registry{
		queries:   make(map[string]Query, len(queries)),
		validator: validation.NewSchemaValidator(),
	}
	for _, q := range queries {
		if q.Name == "" {
			return nil, fmt.Errorf("query name is required")
		}
		if _, exists := r.queries[q.Name]; exists {
			return nil, fmt.Errorf("query %s registered twice", q.Name)
		}
		if _, ok := schema.Table(q.Table); !ok {
			return nil, fmt.Errorf("query %s: unknown table %s", q.Name, q.Table)
		}
		if len(q.Schema) > 0 {
			if err := r.validator.Register(q.Name, q.Schema); err != nil {
				return nil, err
			}
		}
		r.queries[q.Name] = q
	}
	return r, nil
}

// Lookup returns the query registered under name.
func (r *Registry) Lookup(name string) (Query, error) {
	q, ok := r.queries[name]
	if !ok {
		return Query{}, fmt.Errorf("query %q: %w", name, apperr.ErrUnknownName)
	}
	return q, nil
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.queries))
	for name := range r.queries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks args against the query's schema.
func (r *Registry) Validate(name string, args json.RawMessage) error {
	if !r.validator.Has(name) {
		return nil
	}
	if err := r.validator.Validate(name, args); err != nil {
		return &apperr.ArgsError{Name: name, Err: err}
	}
	return nil
}

// Where decodes args and returns the query's filter.
func (q Query) Where(args json.RawMessage) (predicate.Expr, error) {
	if q.Filter == nil {
		return predicate.And{}, nil
	}
	expr, err := q.Filter(args)
	if err != nil {
		return nil, &apperr.ArgsError{Name: q.Name, Err: err}
	}
	return expr, nil
}
