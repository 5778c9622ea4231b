package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	sqlassets "github.com/damien-schneider/reflect-os/database"
	"github.com/damien-schneider/reflect-os/platform/go/apperr"
	"github.com/damien-schneider/reflect-os/platform/go/rowstore"
)

func newOrgStore(t *testing.T, tier Tier) *rowstore.MemoryStore {
	t.Helper()
	store := rowstore.NewMemoryStore(sqlassets.Schema())
	require.NoError(t, store.WithTx(context.Background(), func(ctx context.Context, tx rowstore.Tx) error {
		return tx.Insert(ctx, sqlassets.Organization, rowstore.Row{
			"id": "acme", "name": "Acme", "slug": "acme", "is_public": false,
			"subscription_tier": string(tier), "subscription_status": "none", "created_at": 1,
		})
	}))
	return store
}

func createBoard(ctx context.Context, store rowstore.Store, gate *Gate, id string) error {
	return store.WithTx(ctx, func(ctx context.Context, tx rowstore.Tx) error {
		if _, err := gate.CheckLimit(ctx, tx, "acme", ResourceBoards); err != nil {
			return err
		}
		return tx.Insert(ctx, sqlassets.Board, rowstore.Row{
			"id": id, "organization_id": "acme", "name": id, "slug": id, "is_public": true, "created_at": 1,
		})
	})
}

func TestCheckLimitAllowsExactlyMax(t *testing.T) {
	ctx := context.Background()
	store := newOrgStore(t, TierPro)
	gate := NewGate(nil, nil)

	for i := range 5 {
		require.NoError(t, createBoard(ctx, store, gate, fmt.Sprintf("b%d", i)))
	}

	err := createBoard(ctx, store, gate, "b5")
	var quota *apperr.QuotaExceededError
	require.ErrorAs(t, err, &quota)
	require.Equal(t, &apperr.QuotaExceededError{Resource: "boards", Tier: "pro", Current: 5, Max: 5}, quota)
}

func TestCheckLimitReadsTierAtCheckTime(t *testing.T) {
	ctx := context.Background()
	store := newOrgStore(t, TierFree)
	gate := NewGate(nil, nil)

	require.NoError(t, createBoard(ctx, store, gate, "b0"))
	require.Error(t, createBoard(ctx, store, gate, "b1"))

	require.NoError(t, store.WithTx(ctx, func(ctx context.Context, tx rowstore.Tx) error {
		_, err := tx.Update(ctx, sqlassets.Organization, "acme", rowstore.Row{"subscription_tier": "pro", "subscription_status": "active"})
		return err
	}))
	require.NoError(t, createBoard(ctx, store, gate, "b1"))
}

func TestCheckLimitCountsPendingInvitations(t *testing.T) {
	ctx := context.Background()
	store := newOrgStore(t, TierFree)
	gate := NewGate(nil, nil)

	require.NoError(t, store.WithTx(ctx, func(ctx context.Context, tx rowstore.Tx) error {
		if err := tx.Insert(ctx, sqlassets.Member, rowstore.Row{"id": "m1", "organization_id": "acme", "user_id": "alice", "role": "owner", "created_at": 1}); err != nil {
			return err
		}
		for i, status := range []string{"pending", "accepted", "revoked"} {
			if err := tx.Insert(ctx, sqlassets.Invitation, rowstore.Row{
				"id": fmt.Sprintf("inv%d", i), "organization_id": "acme", "email": fmt.Sprintf("u%d@example.com", i),
				"role": "member", "status": status, "inviter_id": "alice", "created_at": 1,
			}); err != nil {
				return err
			}
		}
		return nil
	}))

	require.NoError(t, store.WithReadTx(ctx, func(ctx context.Context, tx rowstore.Tx) error {
		usage, err := gate.Usage(ctx, tx, "acme", ResourceMembers)
		require.NoError(t, err)
		require.Equal(t, Usage{Tier: TierFree, Current: 2, Max: 3}, usage)
		return nil
	}))
}

func TestCheckLimitUnlimitedTier(t *testing.T) {
	ctx := context.Background()
	store := newOrgStore(t, TierTeam)
	gate := NewGate(nil, nil)

	for i := range 20 {
		require.NoError(t, createBoard(ctx, store, gate, fmt.Sprintf("b%02d", i)))
	}
}

func TestCheckLimitUnknownOrganization(t *testing.T) {
	store := newOrgStore(t, TierFree)
	gate := NewGate(nil, nil)

	err := store.WithTx(context.Background(), func(ctx context.Context, tx rowstore.Tx) error {
		_, err := gate.CheckLimit(ctx, tx, "nope", ResourceBoards)
		return err
	})
	var invariant *apperr.InvariantError
	require.ErrorAs(t, err, &invariant)
}

func TestCheckLimitConcurrentCreatesAtMaxMinusOne(t *testing.T) {
	ctx := context.Background()
	store := newOrgStore(t, TierPro)
	gate := NewGate(nil, nil)
	for i := range 4 {
		require.NoError(t, createBoard(ctx, store, gate, fmt.Sprintf("seed%d", i)))
	}

	const racers = 10
	var ok, rejected atomic.Int32
	var wg sync.WaitGroup
	wg.Add(racers)
	for i := range racers {
		go func() {
			defer wg.Done()
			err := createBoard(ctx, store, gate, fmt.Sprintf("race%d", i))
			if err == nil {
				ok.Add(1)
				return
			}
			var quota *apperr.QuotaExceededError
			if errors.As(err, &quota) {
				rejected.Add(1)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, int32(1), ok.Load())
	require.Equal(t, int32(racers-1), rejected.Load())
}

func TestLimitsFallBackToFree(t *testing.T) {
	limits := DefaultLimits()
	require.Equal(t, 1, limits.Max(Tier("enterprise"), ResourceBoards))
	require.Equal(t, Unlimited, limits.Max(TierTeam, ResourceMembers))
	require.Equal(t, TierFree, ParseTier(""))
	require.Equal(t, TierTeam, ParseTier("team"))
}
