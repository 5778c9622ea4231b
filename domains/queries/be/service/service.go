package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/damien-schneider/reflect-os/domains/permissions/be/rules"
	"github.com/damien-schneider/reflect-os/domains/queries/be/registry"
	"github.com/damien-schneider/reflect-os/platform/go/apperr"
	platformauth "github.com/damien-schneider/reflect-os/platform/go/auth"
	"github.com/damien-schneider/reflect-os/platform/go/predicate"
	"github.com/damien-schneider/reflect-os/platform/go/rowstore"
	"github.com/damien-schneider/reflect-os/platform/go/telemetry"
)

// Result is the resolved rows of a named query.
type Result struct {
	Name  string         `json:"name"`
	Table string         `json:"table"`
	Rows  []rowstore.Row `json:"rows"`
}

// Service resolves named queries.
type Service interface {
	Resolve(ctx context.Context, p platformauth.Principal, name string, args json.RawMessage) (Result, error)
}

type service struct {
	registry *registry.Registry
	store    rowstore.Store
	engine   *rules.Engine
	metrics  *telemetry.Metrics
}

// New creates a query Service. Every query is filtered with the same select rule the sync
// read path applies.
func New(reg *registry.Registry, store rowstore.Store, engine *rules.Engine, metrics *telemetry.Metrics) Service {
	if reg == nil {
		panic("query registry is required")
	}
	if store == nil {
		panic("row store is required")
	}
	if engine == nil {
		panic("permission engine is required")
	}
	return &service{registry: reg, store: store, engine: engine, metrics: metrics}
}

func (s *service) Resolve(ctx context.Context, p platformauth.Principal, name string, args json.RawMessage) (Result, error) {
	result, err := s.resolve(ctx, p, name, args)
	outcome := "ok"
	if err != nil {
		outcome = string(apperr.Classify(err).Kind)
	}
	s.metrics.RecordQuery(ctx, name, outcome)
	return result, err
}

func (s *service) resolve(ctx context.Context, p platformauth.Principal, name string, args json.RawMessage) (Result, error) {
	q, err := s.registry.Lookup(name)
	if err != nil {
		return Result{}, err
	}
	if q.RequireAuth && !p.Authenticated() {
		return Result{}, apperr.ErrUnauthenticated
	}
	if err := s.registry.Validate(name, args); err != nil {
		return Result{}, err
	}
	where, err := q.Where(args)
	if err != nil {
		return Result{}, err
	}

	filter := predicate.And{where, s.engine.SelectFilter(q.Table)}
	page := rowstore.Page{OrderBy: q.OrderBy, Limit: q.Limit}

	var rows []rowstore.Row
	err = s.store.WithReadTx(ctx, func(ctx context.Context, tx rowstore.Tx) error {
		var err error
		rows, err = tx.Select(ctx, q.Table, filter, p, page)
		return err
	})
	if err != nil {
		return Result{}, fmt.Errorf("resolve %s: %w", name, err)
	}
	if rows == nil {
		rows = []rowstore.Row{}
	}
	return Result{Name: name, Table: q.Table, Rows: rows}, nil
}
