// Package repo reads and writes the subscription projection and the organization's
// denormalized billing columns. Every write is a single upsert or update statement.
package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	sqlassets "github.com/damien-schneider/reflect-os/database"
	"github.com/damien-schneider/reflect-os/domains/billing/be/provider"
	"github.com/damien-schneider/reflect-os/platform/go/predicate"
	"github.com/damien-schneider/reflect-os/platform/go/rowstore"
)

// Projection columns that identify a subscription and its product. A status event inserts
// them when the row is new and otherwise only fills the ones still blank.
var identityColumns = []string{"organization_id", "customer_id", "product_id", "product_name"}

// ProjectionRow maps a provider subscription onto the full projection row.
func ProjectionRow(orgID string, sub provider.Subscription) rowstore.Row {
	return rowstore.Row{
		"id":                   sub.ID,
		"organization_id":      orgID,
		"customer_id":          sub.CustomerID,
		"product_id":           sub.ProductID,
		"product_name":         sub.ProductName(),
		"status":               sub.Status,
		"current_period_start": millis(sub.CurrentPeriodStart),
		"current_period_end":   millis(sub.CurrentPeriodEnd),
		"cancel_at_period_end": sub.CancelAtPeriodEnd,
		"modified_at":          sub.LastModified().UnixMilli(),
	}
}

func millis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

// UpsertSubscription overwrites every projection column of the row.
func UpsertSubscription(ctx context.Context, tx rowstore.Tx, row rowstore.Row) error {
	if err := tx.Upsert(ctx, sqlassets.Subscription, row); err != nil {
		return fmt.Errorf("upsert subscription: %w", err)
	}
	return nil
}

// SetSubscriptionStatus changes the status of the projection row and returns the stored row.
// Product, customer and period columns already stored are kept; row only fills blanks, and
// modified_at only moves forward.
func SetSubscriptionStatus(ctx context.Context, tx rowstore.Tx, row rowstore.Row, status string) (rowstore.Row, error) {
	id, _ := row["id"].(string)
	stored, err := tx.Get(ctx, sqlassets.Subscription, id)
	if errors.Is(err, rowstore.ErrRowNotFound) {
		fresh := rowstore.Row{"id": id, "status": status, "modified_at": row["modified_at"]}
		for _, col := range identityColumns {
			fresh[col] = row[col]
		}
		if err := tx.Insert(ctx, sqlassets.Subscription, fresh); err != nil {
			return nil, fmt.Errorf("insert subscription status: %w", err)
		}
		return fresh, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}

	changes := rowstore.Row{"status": status}
	for _, col := range identityColumns {
		if blank(stored[col]) && !blank(row[col]) {
			changes[col] = row[col]
		}
	}
	if next, ok := row["modified_at"].(int64); ok {
		if prev, _ := stored["modified_at"].(int64); next > prev {
			changes["modified_at"] = next
		}
	}
	updated, err := tx.Update(ctx, sqlassets.Subscription, id, changes)
	if err != nil {
		return nil, fmt.Errorf("update subscription status: %w", err)
	}
	return updated, nil
}

func blank(v any) bool {
	s, ok := v.(string)
	return v == nil || (ok && s == "")
}

// OrganizationBilling is the organization's denormalized billing state. An empty Tier leaves
// the stored tier untouched.
type OrganizationBilling struct {
	Tier           string
	Status         string
	SubscriptionID string
	CustomerID     string
}

// SetOrganizationBilling writes the denormalized columns in one update.
func SetOrganizationBilling(ctx context.Context, tx rowstore.Tx, orgID string, b OrganizationBilling) error {
	changes := rowstore.Row{"subscription_status": b.Status}
	if b.Tier != "" {
		changes["subscription_tier"] = b.Tier
	}
	if b.SubscriptionID != "" {
		changes["subscription_id"] = b.SubscriptionID
	}
	if b.CustomerID != "" {
		changes["billing_customer_id"] = b.CustomerID
	}
	if _, err := tx.Update(ctx, sqlassets.Organization, orgID, changes); err != nil {
		return fmt.Errorf("update organization billing: %w", err)
	}
	return nil
}

// ResolveOrganization finds the organization a subscription belongs to: checkout metadata,
// then the customer's external id, then an existing projection row, then the organization
// already linked to the customer. It reports false when none of them names an existing
// organization.
func ResolveOrganization(ctx context.Context, tx rowstore.Tx, sub provider.Subscription) (string, bool, error) {
	candidates := []string{sub.Metadata["organizationId"], sub.Customer.ExternalID}

	existing, err := tx.Get(ctx, sqlassets.Subscription, sub.ID)
	switch {
	case err == nil:
		orgID, _ := existing["organization_id"].(string)
		candidates = append(candidates, orgID)
	case !errors.Is(err, rowstore.ErrRowNotFound):
		return "", false, fmt.Errorf("get subscription: %w", err)
	}

	for _, orgID := range candidates {
		if orgID == "" {
			continue
		}
		_, err := tx.Get(ctx, sqlassets.Organization, orgID)
		if err == nil {
			return orgID, true, nil
		}
		if !errors.Is(err, rowstore.ErrRowNotFound) {
			return "", false, fmt.Errorf("get organization: %w", err)
		}
	}

	if sub.CustomerID == "" {
		return "", false, nil
	}
	linked, err := tx.Select(ctx, sqlassets.Organization, predicate.Eq("billing_customer_id", sub.CustomerID), nil,
		rowstore.Page{OrderBy: []rowstore.Order{{Column: "created_at"}}, Limit: 1})
	if err != nil {
		return "", false, fmt.Errorf("find organization by customer: %w", err)
	}
	if len(linked) == 0 {
		return "", false, nil
	}
	orgID, _ := linked[0]["id"].(string)
	return orgID, orgID != "", nil
}

// LatestSubscription returns the most recently modified projection row of an organization.
func LatestSubscription(ctx context.Context, tx rowstore.Tx, orgID string) (rowstore.Row, bool, error) {
	rows, err := tx.Select(ctx, sqlassets.Subscription, predicate.Eq("organization_id", orgID), nil,
		rowstore.Page{OrderBy: []rowstore.Order{{Column: "modified_at", Desc: true}}, Limit: 1})
	if err != nil {
		return nil, false, fmt.Errorf("latest subscription: %w", err)
	}
	if len(rows) == 0 {
		return nil, false, nil
	}
	return rows[0], true, nil
}
