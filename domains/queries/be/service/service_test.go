package service

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	sqlassets "github.com/damien-schneider/reflect-os/database"
	"github.com/damien-schneider/reflect-os/domains/permissions/be/rules"
	"github.com/damien-schneider/reflect-os/domains/queries/be/registry"
	"github.com/damien-schneider/reflect-os/platform/go/apperr"
	platformauth "github.com/damien-schneider/reflect-os/platform/go/auth"
	"github.com/damien-schneider/reflect-os/platform/go/predicate"
	"github.com/damien-schneider/reflect-os/platform/go/rowstore"
)

// countingStore fails the test if any transaction is opened.
type countingStore struct {
	rowstore.Store
	opened int
}

func (c *countingStore) WithReadTx(ctx context.Context, fn func(ctx context.Context, tx rowstore.Tx) error) error {
	c.opened++
	return c.Store.WithReadTx(ctx, fn)
}

func seed(t *testing.T) *rowstore.MemoryStore {
	t.Helper()
	store := rowstore.NewMemoryStore(sqlassets.Schema())
	require.NoError(t, store.WithTx(context.Background(), func(ctx context.Context, tx rowstore.Tx) error {
		rows := []struct {
			table string
			row   rowstore.Row
		}{
			{sqlassets.Organization, rowstore.Row{"id": "acme", "name": "Acme", "slug": "acme", "is_public": true, "subscription_tier": "free", "subscription_status": "none", "created_at": 1}},
			{sqlassets.Organization, rowstore.Row{"id": "zeta", "name": "Zeta", "slug": "zeta", "is_public": false, "subscription_tier": "free", "subscription_status": "none", "created_at": 2}},
			{sqlassets.Member, rowstore.Row{"id": "m1", "organization_id": "acme", "user_id": "alice", "role": "owner", "created_at": 1}},
			{sqlassets.Member, rowstore.Row{"id": "m2", "organization_id": "zeta", "user_id": "alice", "role": "member", "created_at": 1}},
			{sqlassets.Board, rowstore.Row{"id": "b1", "organization_id": "acme", "name": "Ideas", "slug": "ideas", "is_public": true, "created_at": 1}},
			{sqlassets.Board, rowstore.Row{"id": "b2", "organization_id": "acme", "name": "Internal", "slug": "internal", "is_public": false, "created_at": 2}},
			{sqlassets.Subscription, rowstore.Row{"id": "sub_1", "organization_id": "acme", "customer_id": "cus_1", "product_id": "prod_pro", "product_name": "Pro", "status": "active", "cancel_at_period_end": false, "modified_at": 5}},
		}
		for _, r := range rows {
			if err := tx.Insert(ctx, r.table, r.row); err != nil {
				return err
			}
		}
		return nil
	}))
	return store
}

func newService(t *testing.T, store rowstore.Store) Service {
	t.Helper()
	reg, err := registry.New(sqlassets.Schema(), registry.Default()...)
	require.NoError(t, err)
	return New(reg, store, rules.MustEngine(sqlassets.Schema(), rules.Default()), nil)
}

func ids(rows []rowstore.Row) []string {
	out := make([]string, 0, len(rows))
	for _, row := range rows {
		out = append(out, row["id"].(string))
	}
	return out
}

func TestBoardListAppliesVisibility(t *testing.T) {
	svc := newService(t, seed(t))
	args := json.RawMessage(`{"organizationId":"acme"}`)

	anon, err := svc.Resolve(context.Background(), platformauth.Anonymous(), "board.list", args)
	require.NoError(t, err)
	require.Equal(t, "board", anon.Table)
	require.Equal(t, []string{"b1"}, ids(anon.Rows))

	member, err := svc.Resolve(context.Background(), platformauth.NewPrincipal("alice"), "board.list", args)
	require.NoError(t, err)
	require.Equal(t, []string{"b1", "b2"}, ids(member.Rows))
}

func TestRequireAuthFailsBeforeTouchingStore(t *testing.T) {
	store := &countingStore{Store: seed(t)}
	svc := newService(t, store)

	_, err := svc.Resolve(context.Background(), platformauth.Anonymous(), "member.list", json.RawMessage(`{"organizationId":"acme"}`))
	require.ErrorIs(t, err, apperr.ErrUnauthenticated)
	require.Zero(t, store.opened)
}

func TestOrganizationListReturnsMemberships(t *testing.T) {
	svc := newService(t, seed(t))

	res, err := svc.Resolve(context.Background(), platformauth.NewPrincipal("alice"), "organization.list", nil)
	require.NoError(t, err)
	require.Equal(t, []string{"acme", "zeta"}, ids(res.Rows))

	res, err = svc.Resolve(context.Background(), platformauth.NewPrincipal("bob"), "organization.list", nil)
	require.NoError(t, err)
	require.Empty(t, res.Rows)
	require.NotNil(t, res.Rows)
}

func TestSubscriptionVisibleToAdminsOnly(t *testing.T) {
	store := seed(t)
	require.NoError(t, store.WithTx(context.Background(), func(ctx context.Context, tx rowstore.Tx) error {
		return tx.Insert(ctx, sqlassets.Member, rowstore.Row{"id": "m3", "organization_id": "acme", "user_id": "bob", "role": "member", "created_at": 3})
	}))
	svc := newService(t, store)
	args := json.RawMessage(`{"organizationId":"acme"}`)

	res, err := svc.Resolve(context.Background(), platformauth.NewPrincipal("alice"), "subscription.byOrganization", args)
	require.NoError(t, err)
	require.Equal(t, []string{"sub_1"}, ids(res.Rows))

	res, err = svc.Resolve(context.Background(), platformauth.NewPrincipal("bob"), "subscription.byOrganization", args)
	require.NoError(t, err)
	require.Empty(t, res.Rows)
}

func TestResolveUnknownAndInvalid(t *testing.T) {
	svc := newService(t, seed(t))

	_, err := svc.Resolve(context.Background(), platformauth.Anonymous(), "board.search", nil)
	require.ErrorIs(t, err, apperr.ErrUnknownName)

	_, err = svc.Resolve(context.Background(), platformauth.Anonymous(), "board.list", json.RawMessage(`{}`))
	var argsErr *apperr.ArgsError
	require.ErrorAs(t, err, &argsErr)
}

func TestQueryRowsMatchSyncVisibility(t *testing.T) {
	store := seed(t)
	svc := newService(t, store)
	engine := rules.MustEngine(sqlassets.Schema(), rules.Default())

	for _, user := range []string{"", "alice", "bob"} {
		p := platformauth.NewPrincipal(user)
		res, err := svc.Resolve(context.Background(), p, "board.list", json.RawMessage(`{"organizationId":"acme"}`))
		require.NoError(t, err)

		var expected []string
		require.NoError(t, store.WithReadTx(context.Background(), func(ctx context.Context, tx rowstore.Tx) error {
			all, err := tx.Select(ctx, sqlassets.Board, predicate.And{}, nil, rowstore.Page{OrderBy: []rowstore.Order{{Column: "created_at"}}})
			if err != nil {
				return err
			}
			loader := tx.(predicate.RowLoader)
			for _, row := range all {
				ok, err := engine.CanSelect(ctx, p, sqlassets.Board, row, loader)
				if err != nil {
					return err
				}
				if ok {
					expected = append(expected, row["id"].(string))
				}
			}
			return nil
		}))
		require.Equal(t, expected, ids(res.Rows), "principal %q", user)
	}
}
