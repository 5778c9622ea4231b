// Package server wraps the shared mutators with the authoritative checks: authentication,
// row permissions evaluated inside the mutation transaction, and the resource limit gate.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sqlassets "github.com/damien-schneider/reflect-os/database"
	limits "github.com/damien-schneider/reflect-os/domains/limits/be/service"
	"github.com/damien-schneider/reflect-os/domains/mutations/be/registry"
	"github.com/damien-schneider/reflect-os/domains/mutations/be/shared"
	"github.com/damien-schneider/reflect-os/domains/permissions/be/rules"
	"github.com/damien-schneider/reflect-os/platform/go/apperr"
	platformauth "github.com/damien-schneider/reflect-os/platform/go/auth"
	"github.com/damien-schneider/reflect-os/platform/go/predicate"
	"github.com/damien-schneider/reflect-os/platform/go/rowstore"
)

// Guards builds server-side checks for the mutators of one registry.
type Guards struct {
	engine *rules.Engine
	gate   *limits.Gate
}

func NewGuards(engine *rules.Engine, gate *limits.Gate) *Guards {
	if engine == nil {
		panic("permission engine is required")
	}
	if gate == nil {
		panic("limit gate is required")
	}
	return &Guards{engine: engine, gate: gate}
}

type rowArgs struct {
	ID             string `json:"id"`
	OrganizationID string `json:"organizationId"`
}

func decodeRow(name string, args json.RawMessage) (rowArgs, error) {
	out, err := registry.Decode[rowArgs](name, args)
	if err != nil {
		return out, err
	}
	if out.ID == "" {
		return out, &apperr.ArgsError{Name: name, Err: errors.New("id is required")}
	}
	return out, nil
}

// AuthorizeRow checks the stored row named by args.id against the pre-write rule of op.
func (g *Guards) AuthorizeRow(table string, op rules.Operation) registry.Middleware {
	return func(name string, next registry.Mutator) registry.Mutator {
		return func(ctx context.Context, tx rowstore.Tx, p platformauth.Principal, args json.RawMessage) error {
			row, err := decodeRow(name, args)
			if err != nil {
				return err
			}
			if err := g.engine.Check(ctx, tx, p, table, row.ID, op, rules.Before); err != nil {
				return err
			}
			return next(ctx, tx, p, args)
		}
	}
}

// AuthorizeInsert runs the write, then checks the inserted row against the insert rule in the
// same transaction. A denied insert fails the mutation and the transaction rolls back.
func (g *Guards) AuthorizeInsert(table string) registry.Middleware {
	return func(name string, next registry.Mutator) registry.Mutator {
		return func(ctx context.Context, tx rowstore.Tx, p platformauth.Principal, args json.RawMessage) error {
			row, err := decodeRow(name, args)
			if err != nil {
				return err
			}
			if err := next(ctx, tx, p, args); err != nil {
				return err
			}
			return g.engine.Check(ctx, tx, p, table, row.ID, rules.OpInsert, rules.After)
		}
	}
}

// AuthorizeUpdate checks the pre-update rule on the stored row and the post-update rule on
// the written row.
func (g *Guards) AuthorizeUpdate(table string) registry.Middleware {
	return func(name string, next registry.Mutator) registry.Mutator {
		return func(ctx context.Context, tx rowstore.Tx, p platformauth.Principal, args json.RawMessage) error {
			row, err := decodeRow(name, args)
			if err != nil {
				return err
			}
			if err := g.engine.Check(ctx, tx, p, table, row.ID, rules.OpUpdate, rules.Before); err != nil {
				return err
			}
			if err := next(ctx, tx, p, args); err != nil {
				return err
			}
			return g.engine.Check(ctx, tx, p, table, row.ID, rules.OpUpdate, rules.After)
		}
	}
}

// AuthorizeOrganization requires the organization named by args.organizationId to satisfy
// expr before anything else is read for it, so a quota answer never leaks to outsiders.
func (g *Guards) AuthorizeOrganization(expr predicate.Expr) registry.Middleware {
	return func(name string, next registry.Mutator) registry.Mutator {
		return func(ctx context.Context, tx rowstore.Tx, p platformauth.Principal, args json.RawMessage) error {
			row, err := decodeRow(name, args)
			if err != nil {
				return err
			}
			ok, err := tx.Check(ctx, sqlassets.Organization, row.OrganizationID, expr, p)
			if err != nil {
				return fmt.Errorf("check organization: %w", err)
			}
			if !ok {
				return &apperr.UnauthorizedError{Table: sqlassets.Organization, Operation: name}
			}
			return next(ctx, tx, p, args)
		}
	}
}

// EnforceLimit runs the limit gate for the organization named by args.organizationId.
func (g *Guards) EnforceLimit(resource limits.Resource) registry.Middleware {
	return func(name string, next registry.Mutator) registry.Mutator {
		return func(ctx context.Context, tx rowstore.Tx, p platformauth.Principal, args json.RawMessage) error {
			row, err := decodeRow(name, args)
			if err != nil {
				return err
			}
			if row.OrganizationID == "" {
				return &apperr.ArgsError{Name: name, Err: errors.New("organizationId is required")}
			}
			if _, err := g.gate.CheckLimit(ctx, tx, row.OrganizationID, resource); err != nil {
				return err
			}
			return next(ctx, tx, p, args)
		}
	}
}

// AuthorizeVoteToggle checks the delete rule when the caller's vote exists and the insert rule
// on the written vote otherwise.
func (g *Guards) AuthorizeVoteToggle(name string, next registry.Mutator) registry.Mutator {
	type toggleArgs struct {
		FeedbackID string `json:"feedbackId"`
	}
	return func(ctx context.Context, tx rowstore.Tx, p platformauth.Principal, args json.RawMessage) error {
		in, err := registry.Decode[toggleArgs](name, args)
		if err != nil {
			return err
		}
		userID, _ := p.ID()
		voteID := shared.VoteID(in.FeedbackID, userID)

		_, err = tx.Get(ctx, sqlassets.Vote, voteID)
		switch {
		case err == nil:
			if err := g.engine.Check(ctx, tx, p, sqlassets.Vote, voteID, rules.OpDelete, rules.Before); err != nil {
				return err
			}
			return next(ctx, tx, p, args)
		case errors.Is(err, rowstore.ErrRowNotFound):
			if err := next(ctx, tx, p, args); err != nil {
				return err
			}
			return g.engine.Check(ctx, tx, p, sqlassets.Vote, voteID, rules.OpInsert, rules.After)
		default:
			return fmt.Errorf("get vote: %w", err)
		}
	}
}

// Table maps every shared mutator to its guard chain. Authentication runs first, then
// pre-write authorization, then the limit gate, then the write and its post-write checks.
func (g *Guards) Table() map[string]registry.Middleware {
	auth := registry.RequireAuth
	return map[string]registry.Middleware{
		shared.OrganizationCreate: registry.Chain(auth, g.AuthorizeInsert(sqlassets.Organization)),
		shared.OrganizationUpdate: registry.Chain(auth, g.AuthorizeUpdate(sqlassets.Organization)),
		shared.MemberUpdateRole:   registry.Chain(auth, g.AuthorizeUpdate(sqlassets.Member)),
		shared.MemberRemove:       registry.Chain(auth, g.AuthorizeRow(sqlassets.Member, rules.OpDelete)),
		shared.InvitationCreate: registry.Chain(auth,
			g.AuthorizeOrganization(rules.OrgAdmin),
			g.EnforceLimit(limits.ResourceMembers),
			g.AuthorizeInsert(sqlassets.Invitation)),
		shared.InvitationAccept: registry.Chain(auth, g.AuthorizeUpdate(sqlassets.Invitation)),
		shared.InvitationRevoke: registry.Chain(auth, g.AuthorizeUpdate(sqlassets.Invitation)),
		shared.BoardCreate: registry.Chain(auth,
			g.AuthorizeOrganization(rules.OrgAdmin),
			g.EnforceLimit(limits.ResourceBoards),
			g.AuthorizeInsert(sqlassets.Board)),
		shared.BoardUpdate:    registry.Chain(auth, g.AuthorizeUpdate(sqlassets.Board)),
		shared.BoardDelete:    registry.Chain(auth, g.AuthorizeRow(sqlassets.Board, rules.OpDelete)),
		shared.FeedbackCreate: registry.Chain(auth, g.AuthorizeInsert(sqlassets.Feedback)),
		shared.FeedbackUpdate: registry.Chain(auth, g.AuthorizeUpdate(sqlassets.Feedback)),
		shared.FeedbackDelete: registry.Chain(auth, g.AuthorizeRow(sqlassets.Feedback, rules.OpDelete)),
		shared.VoteToggle:     registry.Chain(auth, g.AuthorizeVoteToggle),
	}
}

// NewRegistry derives the server registry from the shared mutators.
func NewRegistry(mutators *shared.Mutators, engine *rules.Engine, gate *limits.Gate) (*registry.Registry, error) {
	base, err := mutators.Registry()
	if err != nil {
		return nil, fmt.Errorf("shared registry: %w", err)
	}
	return base.Derive(NewGuards(engine, gate).Table())
}
