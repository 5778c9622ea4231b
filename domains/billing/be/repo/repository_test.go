package repo

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	sqlassets "github.com/damien-schneider/reflect-os/database"
	"github.com/damien-schneider/reflect-os/domains/billing/be/provider"
	"github.com/damien-schneider/reflect-os/platform/go/rowstore"
)

func seed(t *testing.T, rows map[string][]rowstore.Row) *rowstore.MemoryStore {
	t.Helper()
	store := rowstore.NewMemoryStore(sqlassets.Schema())
	require.NoError(t, store.WithTx(context.Background(), func(ctx context.Context, tx rowstore.Tx) error {
		for _, table := range []string{sqlassets.Organization, sqlassets.Subscription} {
			for _, row := range rows[table] {
				if err := tx.Insert(ctx, table, row); err != nil {
					return err
				}
			}
		}
		return nil
	}))
	return store
}

func org(id, customerID string, createdAt int64) rowstore.Row {
	return rowstore.Row{
		"id": id, "name": id, "slug": id, "is_public": false, "subscription_tier": "free",
		"subscription_status": "none", "billing_customer_id": customerID, "created_at": createdAt,
	}
}

func TestResolveOrganizationOrder(t *testing.T) {
	store := seed(t, map[string][]rowstore.Row{
		sqlassets.Organization: {org("acme", "", 1), org("globex", "cus_9", 2)},
		sqlassets.Subscription: {{"id": "sub_known", "organization_id": "acme", "status": "active"}},
	})

	tests := []struct {
		name  string
		sub   provider.Subscription
		want  string
		found bool
	}{
		{"metadata wins", provider.Subscription{ID: "sub_x", Metadata: map[string]string{"organizationId": "globex"}, Customer: provider.Customer{ExternalID: "acme"}}, "globex", true},
		{"external id", provider.Subscription{ID: "sub_x", Customer: provider.Customer{ExternalID: "acme"}}, "acme", true},
		{"stale metadata falls through", provider.Subscription{ID: "sub_x", Metadata: map[string]string{"organizationId": "deleted"}, Customer: provider.Customer{ExternalID: "acme"}}, "acme", true},
		{"existing projection", provider.Subscription{ID: "sub_known"}, "acme", true},
		{"linked customer", provider.Subscription{ID: "sub_x", CustomerID: "cus_9"}, "globex", true},
		{"unknown", provider.Subscription{ID: "sub_x", CustomerID: "cus_0"}, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, store.WithReadTx(context.Background(), func(ctx context.Context, tx rowstore.Tx) error {
				orgID, found, err := ResolveOrganization(ctx, tx, tt.sub)
				require.NoError(t, err)
				require.Equal(t, tt.found, found)
				require.Equal(t, tt.want, orgID)
				return nil
			}))
		})
	}
}

func TestSetSubscriptionStatusKeepsPeriods(t *testing.T) {
	store := seed(t, map[string][]rowstore.Row{sqlassets.Organization: {org("acme", "", 1)}})
	start := time.UnixMilli(1_000)
	end := time.UnixMilli(2_000)
	sub := provider.Subscription{
		ID: "sub_1", Status: "active", CustomerID: "cus_1", ProductID: "prod_pro",
		CurrentPeriodStart: &start, CurrentPeriodEnd: &end, CancelAtPeriodEnd: true,
		CreatedAt: start, Product: provider.Product{Name: "Pro"},
	}

	ctx := context.Background()
	require.NoError(t, store.WithTx(ctx, func(ctx context.Context, tx rowstore.Tx) error {
		if err := UpsertSubscription(ctx, tx, ProjectionRow("acme", sub)); err != nil {
			return err
		}
		_, err := SetSubscriptionStatus(ctx, tx, ProjectionRow("acme", provider.Subscription{ID: "sub_1", ProductID: "prod_pro", CreatedAt: end}), "canceled")
		return err
	}))

	require.NoError(t, store.WithReadTx(ctx, func(ctx context.Context, tx rowstore.Tx) error {
		row, found, err := LatestSubscription(ctx, tx, "acme")
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, "canceled", row["status"])
		require.Equal(t, int64(2_000), row["current_period_end"])
		require.Equal(t, true, row["cancel_at_period_end"])
		require.Equal(t, int64(2_000), row["modified_at"])
		return nil
	}))
}

func TestSetSubscriptionStatusKeepsStoredProduct(t *testing.T) {
	store := seed(t, map[string][]rowstore.Row{sqlassets.Organization: {org("acme", "", 1)}})
	ctx := context.Background()
	created := time.UnixMilli(5_000)
	full := provider.Subscription{
		ID: "sub_1", Status: "active", CustomerID: "cus_1", ProductID: "prod_pro",
		CreatedAt: created, Product: provider.Product{Name: "Reflect Pro"},
	}
	sparse := provider.Subscription{ID: "sub_1", Status: "canceled", CustomerID: "cus_1"}

	require.NoError(t, store.WithTx(ctx, func(ctx context.Context, tx rowstore.Tx) error {
		if err := UpsertSubscription(ctx, tx, ProjectionRow("acme", full)); err != nil {
			return err
		}
		stored, err := SetSubscriptionStatus(ctx, tx, ProjectionRow("acme", sparse), "none")
		require.NoError(t, err)
		require.Equal(t, "Reflect Pro", stored["product_name"])
		return nil
	}))

	require.NoError(t, store.WithReadTx(ctx, func(ctx context.Context, tx rowstore.Tx) error {
		row, err := tx.Get(ctx, sqlassets.Subscription, "sub_1")
		require.NoError(t, err)
		require.Equal(t, "none", row["status"])
		require.Equal(t, "prod_pro", row["product_id"])
		require.Equal(t, "Reflect Pro", row["product_name"])
		require.Equal(t, "cus_1", row["customer_id"])
		require.Equal(t, int64(5_000), row["modified_at"])
		return nil
	}))
}

func TestSetSubscriptionStatusInsertsUnknownRow(t *testing.T) {
	store := seed(t, map[string][]rowstore.Row{sqlassets.Organization: {org("acme", "", 1)}})
	ctx := context.Background()
	sub := provider.Subscription{
		ID: "sub_2", CustomerID: "cus_2", ProductID: "prod_team",
		CreatedAt: time.UnixMilli(7_000), Product: provider.Product{Name: "Team"},
	}

	require.NoError(t, store.WithTx(ctx, func(ctx context.Context, tx rowstore.Tx) error {
		_, err := SetSubscriptionStatus(ctx, tx, ProjectionRow("acme", sub), "active")
		return err
	}))
	require.NoError(t, store.WithReadTx(ctx, func(ctx context.Context, tx rowstore.Tx) error {
		row, err := tx.Get(ctx, sqlassets.Subscription, "sub_2")
		require.NoError(t, err)
		require.Equal(t, "active", row["status"])
		require.Equal(t, "acme", row["organization_id"])
		require.Equal(t, "Team", row["product_name"])
		require.Equal(t, int64(7_000), row["modified_at"])
		return nil
	}))
}

func TestSetOrganizationBillingKeepsTierWhenEmpty(t *testing.T) {
	store := seed(t, map[string][]rowstore.Row{sqlassets.Organization: {org("acme", "", 1)}})
	ctx := context.Background()

	require.NoError(t, store.WithTx(ctx, func(ctx context.Context, tx rowstore.Tx) error {
		if err := SetOrganizationBilling(ctx, tx, "acme", OrganizationBilling{Tier: "pro", Status: "active", SubscriptionID: "sub_1", CustomerID: "cus_1"}); err != nil {
			return err
		}
		return SetOrganizationBilling(ctx, tx, "acme", OrganizationBilling{Status: "canceled"})
	}))
	require.NoError(t, store.WithReadTx(ctx, func(ctx context.Context, tx rowstore.Tx) error {
		row, err := tx.Get(ctx, sqlassets.Organization, "acme")
		require.NoError(t, err)
		require.Equal(t, "pro", row["subscription_tier"])
		require.Equal(t, "canceled", row["subscription_status"])
		require.Equal(t, "sub_1", row["subscription_id"])
		return nil
	}))
}
