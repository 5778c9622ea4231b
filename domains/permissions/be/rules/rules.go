// Package rules declares the row-level permission predicates of every synced table and
// checks them through the predicate engine.
package rules

import (
	"context"
	"fmt"

	sqlassets "github.com/damien-schneider/reflect-os/database"
	"github.com/damien-schneider/reflect-os/platform/go/apperr"
	"github.com/damien-schneider/reflect-os/platform/go/predicate"
	"github.com/damien-schneider/reflect-os/platform/go/rowstore"
)

// Operation is the kind of access a rule guards.
type Operation string

const (
	OpSelect Operation = "select"
	OpInsert Operation = "insert"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Phase picks the pre-write or post-write rule set. Inserts are checked after the write,
// deletes before it, updates on both sides.
type Phase int

const (
	Before Phase = iota
	After
)

// PermissionSet is the rule sets of one table. Each set is OR'd; an empty set denies.
type PermissionSet struct {
	Select     []predicate.Expr
	Insert     []predicate.Expr
	UpdatePre  []predicate.Expr
	UpdatePost []predicate.Expr
	Delete     []predicate.Expr
}

// Rules maps table names to their permission sets.
type Rules map[string]PermissionSet

// Engine evaluates Rules against rows for a principal.
type Engine struct {
	schema *predicate.Schema
	rules  Rules
}

// NewEngine validates every rule against schema.
func NewEngine(schema *predicate.Schema, rules Rules) (*Engine, error) {
	if schema == nil {
		return nil, fmt.Errorf("schema is required")
	}
	for table, set := range rules {
		for _, group := range [][]predicate.Expr{set.Select, set.Insert, set.UpdatePre, set.UpdatePost, set.Delete} {
			for _, expr := range group {
				if err := schema.Validate(table, expr); err != nil {
					return nil, fmt.Errorf("rules for %s: %w", table, err)
				}
			}
		}
	}
	return &Engine{schema: schema, rules: rules}, nil
}

// MustEngine is NewEngine for wiring code where a broken rule is a programming error.
func MustEngine(schema *predicate.Schema, rules Rules) *Engine {
	e, err := NewEngine(schema, rules)
	if err != nil {
		panic(err)
	}
	return e
}

// Rule returns the OR of the rule set for table, op and phase.
func (e *Engine) Rule(table string, op Operation, phase Phase) predicate.Expr {
	set := e.rules[table]
	switch op {
	case OpSelect:
		return predicate.Or(set.Select)
	case OpInsert:
		return predicate.Or(set.Insert)
	case OpUpdate:
		if phase == After {
			return predicate.Or(set.UpdatePost)
		}
		return predicate.Or(set.UpdatePre)
	case OpDelete:
		return predicate.Or(set.Delete)
	default:
		return predicate.Or{}
	}
}

// SelectFilter is the read predicate every query and sync read path applies to table.
func (e *Engine) SelectFilter(table string) predicate.Expr {
	return e.Rule(table, OpSelect, Before)
}

// Check verifies the stored row id of table against the rule for op and phase inside tx.
func (e *Engine) Check(ctx context.Context, tx rowstore.Tx, p predicate.Principal, table, id string, op Operation, phase Phase) error {
	ok, err := tx.Check(ctx, table, id, e.Rule(table, op, phase), p)
	if err != nil {
		return fmt.Errorf("check %s %s: %w", op, table, err)
	}
	if !ok {
		return &apperr.UnauthorizedError{Table: table, Operation: string(op)}
	}
	return nil
}

// CanSelect evaluates the read rule against an in-memory row. It is what a client can run
// speculatively against its local replica; the server never grants access based on it.
func (e *Engine) CanSelect(ctx context.Context, p predicate.Principal, table string, row rowstore.Row, loader predicate.RowLoader) (bool, error) {
	return predicate.Eval(ctx, e.schema, table, row, e.SelectFilter(table), p, loader)
}

// Roles.
const (
	RoleOwner  = "owner"
	RoleAdmin  = "admin"
	RoleMember = "member"
)

func isMember() predicate.Expr {
	return predicate.Related("members", predicate.IsPrincipal("user_id"))
}

func hasRole(roles ...string) predicate.Expr {
	values := make([]any, len(roles))
	for i, r := range roles {
		values[i] = r
	}
	return predicate.Related("members", predicate.And{
		predicate.IsPrincipal("user_id"),
		predicate.In("role", values...),
	})
}

// Organization-level predicates, evaluated from the organization row.
var (
	OrgMember = isMember()
	OrgAdmin  = hasRole(RoleOwner, RoleAdmin)
	OrgOwner  = hasRole(RoleOwner)
)

var (
	publicBoard     = predicate.Eq("is_public", true)
	boardVisible    = predicate.Or{publicBoard, predicate.Related("organization", OrgMember)}
	feedbackVisible = predicate.Related("board", boardVisible)
	feedbackAdmin   = predicate.Through([]string{"board", "organization"}, OrgAdmin)
)

// Default is the rule table of the product.
func Default() Rules {
	viaOrg := func(expr predicate.Expr) predicate.Expr { return predicate.Related("organization", expr) }

	return Rules{
		sqlassets.Organization: {
			Select:     []predicate.Expr{predicate.Eq("is_public", true), OrgMember},
			Insert:     []predicate.Expr{OrgOwner},
			UpdatePre:  []predicate.Expr{OrgAdmin},
			UpdatePost: []predicate.Expr{OrgAdmin},
			Delete:     []predicate.Expr{OrgOwner},
		},
		sqlassets.Member: {
			Select:     []predicate.Expr{viaOrg(OrgMember)},
			Insert:     []predicate.Expr{viaOrg(OrgAdmin)},
			UpdatePre:  []predicate.Expr{viaOrg(OrgAdmin)},
			UpdatePost: []predicate.Expr{viaOrg(OrgAdmin)},
			Delete:     []predicate.Expr{viaOrg(OrgAdmin), predicate.IsPrincipal("user_id")},
		},
		sqlassets.Invitation: {
			Select: []predicate.Expr{viaOrg(OrgAdmin)},
			Insert: []predicate.Expr{viaOrg(OrgAdmin)},
			// Holding the invitation id is what entitles a signed-in user to accept it.
			UpdatePre: []predicate.Expr{
				viaOrg(OrgAdmin),
				predicate.And{predicate.Authenticated{}, predicate.Eq("status", "pending")},
			},
			UpdatePost: []predicate.Expr{
				viaOrg(OrgAdmin),
				predicate.And{predicate.Authenticated{}, predicate.Eq("status", "accepted")},
			},
			Delete: []predicate.Expr{viaOrg(OrgAdmin)},
		},
		sqlassets.Board: {
			Select:     []predicate.Expr{publicBoard, viaOrg(OrgMember)},
			Insert:     []predicate.Expr{viaOrg(OrgAdmin)},
			UpdatePre:  []predicate.Expr{viaOrg(OrgAdmin)},
			UpdatePost: []predicate.Expr{viaOrg(OrgAdmin)},
			Delete:     []predicate.Expr{viaOrg(OrgAdmin)},
		},
		sqlassets.Feedback: {
			Select:     []predicate.Expr{feedbackVisible},
			Insert:     []predicate.Expr{predicate.And{predicate.IsPrincipal("author_id"), feedbackVisible}},
			UpdatePre:  []predicate.Expr{predicate.IsPrincipal("author_id"), feedbackAdmin},
			UpdatePost: []predicate.Expr{predicate.IsPrincipal("author_id"), feedbackAdmin},
			Delete:     []predicate.Expr{predicate.IsPrincipal("author_id"), feedbackAdmin},
		},
		sqlassets.Vote: {
			Select: []predicate.Expr{predicate.Related("feedback", feedbackVisible)},
			Insert: []predicate.Expr{predicate.And{predicate.IsPrincipal("user_id"), predicate.Related("feedback", feedbackVisible)}},
			Delete: []predicate.Expr{predicate.IsPrincipal("user_id")},
		},
		sqlassets.Subscription: {
			Select: []predicate.Expr{viaOrg(OrgAdmin)},
		},
	}
}
