// Package registry holds named mutators. A registry is built explicitly from definitions and
// can be derived into a server registry by wrapping every mutator with guards.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/damien-schneider/reflect-os/platform/go/apperr"
	platformauth "github.com/damien-schneider/reflect-os/platform/go/auth"
	"github.com/damien-schneider/reflect-os/platform/go/rowstore"
	"github.com/damien-schneider/reflect-os/platform/go/validation"
)

// Mutator applies one named mutation inside tx on behalf of p.
type Mutator func(ctx context.Context, tx rowstore.Tx, p platformauth.Principal, args json.RawMessage) error

// Middleware decorates the mutator registered under name.
type Middleware func(name string, next Mutator) Mutator

// Definition is one named mutator with the JSON Schema of its arguments.
type Definition struct {
	Name   string
	Schema []byte
	Mutate Mutator
}

// Registry maps names to definitions.
type Registry struct {
	defs      map[string]Definition
	validator *validation.SchemaValidator
}

// New registers defs. Names must be unique and every schema must compile.
func New(defs ...Definition) (*Registry, error) {
	r := &Registry{
		defs:      make(map[string]Definition, len(defs)),
		validator: validation.NewSchemaValidator(),
	}
	for _, def := range defs {
		if def.Name == "" {
			return nil, fmt.Errorf("mutator name is required")
		}
		if def.Mutate == nil {
			return nil, fmt.Errorf("mutator %s: implementation is required", def.Name)
		}
		if _, exists := r.defs[def.Name]; exists {
			return nil, fmt.Errorf("mutator %s registered twice", def.Name)
		}
		if len(def.Schema) > 0 {
			if err := r.validator.Register(def.Name, def.Schema); err != nil {
				return nil, err
			}
		}
		r.defs[def.Name] = def
	}
	return r, nil
}

// Lookup returns the definition registered under name.
func (r *Registry) Lookup(name string) (Definition, error) {
	def, ok := r.defs[name]
	if !ok {
		return Definition{}, fmt.Errorf("mutator %q: %w", name, apperr.ErrUnknownName)
	}
	return def, nil
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks args against the schema of name. Mutators without a schema accept anything.
func (r *Registry) Validate(name string, args json.RawMessage) error {
	if _, err := r.Lookup(name); err != nil {
		return err
	}
	if !r.validator.Has(name) {
		return nil
	}
	if err := r.validator.Validate(name, args); err != nil {
		return &apperr.ArgsError{Name: name, Err: err}
	}
	return nil
}

// Derive returns a registry whose mutators are wrapped by guards. Every registered name needs
// an entry, so a shared mutator can never reach the server unguarded. A nil entry means the
// mutator runs as is.
func (r *Registry) Derive(guards map[string]Middleware) (*Registry, error) {
	var missing []string
	for _, name := range r.Names() {
		if _, ok := guards[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("no guard declared for %v", missing)
	}
	for name := range guards {
		if _, ok := r.defs[name]; !ok {
			return nil, fmt.Errorf("guard declared for unknown mutator %s", name)
		}
	}

	derived := &Registry{
		defs:      make(map[string]Definition, len(r.defs)),
		validator: r.validator,
	}
	for name, def := range r.defs {
		if guard := guards[name]; guard != nil {
			def.Mutate = guard(name, def.Mutate)
		}
		derived.defs[name] = def
	}
	return derived, nil
}

// Chain composes middlewares; the first one runs outermost.
func Chain(mws ...Middleware) Middleware {
	return func(name string, next Mutator) Mutator {
		for i := len(mws) - 1; i >= 0; i-- {
			next = mws[i](name, next)
		}
		return next
	}
}

// RequireAuth rejects anonymous principals before the mutator runs.
func RequireAuth(_ string, next Mutator) Mutator {
	return func(ctx context.Context, tx rowstore.Tx, p platformauth.Principal, args json.RawMessage) error {
		if !p.Authenticated() {
			return apperr.ErrUnauthenticated
		}
		return next(ctx, tx, p, args)
	}
}

// Decode unmarshals args into T. Empty args decode as the zero value.
func Decode[T any](name string, args json.RawMessage) (T, error) {
	var out T
	if len(args) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(args, &out); err != nil {
		return out, &apperr.ArgsError{Name: name, Err: err}
	}
	return out, nil
}
