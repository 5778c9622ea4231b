// Package replay executes a pushed batch of mutator invocations, one transaction per
// invocation, in client order.
package replay

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/damien-schneider/reflect-os/domains/mutations/be/registry"
	"github.com/damien-schneider/reflect-os/platform/go/apperr"
	platformauth "github.com/damien-schneider/reflect-os/platform/go/auth"
	"github.com/damien-schneider/reflect-os/platform/go/rowstore"
	"github.com/damien-schneider/reflect-os/platform/go/telemetry"
)

// Invocation is one client-recorded mutation.
type Invocation struct {
	ID   int64           `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

// Failure is the client-facing error of one invocation.
type Failure struct {
	Kind    apperr.Kind    `json:"kind"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Result is the outcome of one invocation.
type Result struct {
	ID    int64    `json:"id"`
	Name  string   `json:"name"`
	OK    bool     `json:"ok"`
	Error *Failure `json:"error,omitempty"`
}

// Executor replays invocations against a store through a server registry.
type Executor struct {
	registry *registry.Registry
	store    rowstore.Store
	metrics  *telemetry.Metrics
	logger   *zap.Logger
}

func NewExecutor(reg *registry.Registry, store rowstore.Store, metrics *telemetry.Metrics, logger *zap.Logger) *Executor {
	if reg == nil {
		panic("mutator registry is required")
	}
	if store == nil {
		panic("row store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{registry: reg, store: store, metrics: metrics, logger: logger}
}

// Replay applies invocations in order. A failed invocation rolls back only its own
// transaction; later invocations still run. The whole batch is refused without a principal.
func (e *Executor) Replay(ctx context.Context, p platformauth.Principal, invocations []Invocation) ([]Result, error) {
	if !p.Authenticated() {
		return nil, apperr.ErrUnauthenticated
	}

	results := make([]Result, 0, len(invocations))
	for _, inv := range invocations {
		result := Result{ID: inv.ID, Name: inv.Name, OK: true}
		if err := e.Apply(ctx, p, inv); err != nil {
			result.OK = false
			result.Error = e.failure(inv, err)
		}
		outcome := "ok"
		if result.Error != nil {
			outcome = string(result.Error.Kind)
		}
		e.metrics.RecordMutation(ctx, inv.Name, outcome)
		results = append(results, result)
	}
	return results, nil
}

// Apply runs one invocation in its own transaction.
func (e *Executor) Apply(ctx context.Context, p platformauth.Principal, inv Invocation) error {
	def, err := e.registry.Lookup(inv.Name)
	if err != nil {
		return err
	}
	if err := e.registry.Validate(inv.Name, inv.Args); err != nil {
		return err
	}
	return e.store.WithTx(ctx, func(ctx context.Context, tx rowstore.Tx) error {
		return def.Mutate(ctx, tx, p, inv.Args)
	})
}

func (e *Executor) failure(inv Invocation, err error) *Failure {
	c := apperr.Classify(err)
	fields := []zap.Field{
		zap.Int64("mutation_id", inv.ID),
		zap.String("mutator", inv.Name),
		zap.String("kind", string(c.Kind)),
	}
	if c.Kind == apperr.KindInternal {
		e.logger.Error("mutation failed", append(fields, zap.Error(err))...)
	} else {
		e.logger.Info("mutation rejected", append(fields, zap.String("reason", err.Error()))...)
	}
	return &Failure{Kind: c.Kind, Message: c.Detail, Details: c.Details}
}
