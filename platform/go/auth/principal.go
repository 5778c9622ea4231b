package auth

import (
	"context"
	"strings"
)

type ctxKey string

const (
	ctxPrincipal ctxKey = "REFLECT_PRINCIPAL"
)

// Principal is the identity attributed to one request or mutation batch.
// It carries at most one identifier and is immutable once built.
type Principal struct {
	id string
}

// Anonymous returns the principal of an unauthenticated request.
func Anonymous() Principal {
	return Principal{}
}

// NewPrincipal wraps a user identifier. Blank identifiers yield the anonymous principal.
func NewPrincipal(id string) Principal {
	return Principal{id: strings.TrimSpace(id)}
}

// ID returns the identifier and whether the principal is authenticated.
func (p Principal) ID() (string, bool) {
	return p.id, p.id != ""
}

func (p Principal) Authenticated() bool {
	return p.id != ""
}

func (p Principal) String() string {
	if p.id == "" {
		return "anonymous"
	}
	return p.id
}

// WithPrincipal stores the principal on the context.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, ctxPrincipal, p)
}

// PrincipalFromContext returns the request principal, or the anonymous principal when none was resolved.
func PrincipalFromContext(ctx context.Context) Principal {
	if ctx == nil {
		return Anonymous()
	}
	p, ok := ctx.Value(ctxPrincipal).(Principal)
	if !ok {
		return Anonymous()
	}
	return p
}
