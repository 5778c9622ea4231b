// Package service is the billing webhook reconciler. It verifies provider deliveries, applies
// subscription events to the projection and the organization's denormalized tier/status,
// and re-applies the provider's state on demand.
package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"
	"unicode"

	"go.uber.org/zap"

	sqlassets "github.com/damien-schneider/reflect-os/database"
	"github.com/damien-schneider/reflect-os/domains/billing/be/provider"
	"github.com/damien-schneider/reflect-os/domains/billing/be/repo"
	limits "github.com/damien-schneider/reflect-os/domains/limits/be/service"
	"github.com/damien-schneider/reflect-os/domains/permissions/be/rules"
	"github.com/damien-schneider/reflect-os/platform/go/apperr"
	platformauth "github.com/damien-schneider/reflect-os/platform/go/auth"
	"github.com/damien-schneider/reflect-os/platform/go/ratelimit"
	"github.com/damien-schneider/reflect-os/platform/go/rowstore"
	"github.com/damien-schneider/reflect-os/platform/go/storage"
	"github.com/damien-schneider/reflect-os/platform/go/tasks"
	"github.com/damien-schneider/reflect-os/platform/go/telemetry"
)

// Outcome describes what a webhook delivery did.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeUnmatched Outcome = "unmatched"
)

// Organization-side statuses.
const (
	StatusActive   = "active"
	StatusTrialing = "trialing"
	StatusPastDue  = "past_due"
	StatusCanceled = "canceled"
	StatusNone     = "none"
)

// Enqueuer schedules background work.
type Enqueuer interface {
	Enqueue(t tasks.Task) bool
}

// ReconcileResult is the outcome of a manual reconciliation.
type ReconcileResult struct {
	Synced       bool         `json:"synced"`
	Subscription rowstore.Row `json:"subscription,omitempty"`
	Message      string       `json:"message,omitempty"`
}

// Config wires the reconciler. Queue, Archive and Metrics are optional. Without a Verifier
// every webhook delivery is rejected.
type Config struct {
	Store    rowstore.Store
	Provider provider.Provider
	Verifier *Verifier
	Cooldown ratelimit.Cooldown
	Queue    Enqueuer
	Archive  storage.Archive
	Metrics  *telemetry.Metrics
	Logger   *zap.Logger
	// ProductTiers overrides name-based tier detection by product id.
	ProductTiers map[string]limits.Tier
	SuccessURL   string
	Now          func() time.Time
}

// Service reconciles billing state.
type Service struct {
	cfg    Config
	logger *zap.Logger
}

func New(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("row store is required")
	}
	if cfg.Provider == nil {
		return nil, fmt.Errorf("billing provider is required")
	}
	if cfg.Cooldown == nil {
		cfg.Cooldown = ratelimit.NewMemory(0)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{cfg: cfg, logger: logger.With(zap.String("component", "billing"))}, nil
}

// TierForProduct maps a product to a plan tier: configured ids first, then a "team" or
// "pro" word in the product name. Anything else is free.
func (s *Service) TierForProduct(productID, productName string) limits.Tier {
	if tier, ok := s.cfg.ProductTiers[productID]; ok {
		return tier
	}
	words := strings.FieldsFunc(strings.ToLower(productName), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	tier := limits.TierFree
	for _, w := range words {
		switch w {
		case "team":
			return limits.TierTeam
		case "pro":
			tier = limits.TierPro
		}
	}
	return tier
}

// HandleWebhook verifies and applies one delivery. Only signature failures and store
// failures return an error; everything else is acknowledged.
func (s *Service) HandleWebhook(ctx context.Context, header http.Header, body []byte) (Outcome, error) {
	if s.cfg.Verifier == nil {
		return "", fmt.Errorf("webhook secret not configured: %w", apperr.ErrSignatureInvalid)
	}
	if err := s.cfg.Verifier.Verify(header, body); err != nil {
		s.cfg.Metrics.RecordWebhookEvent(ctx, "unknown", "invalid_signature")
		return "", err
	}

	webhookID := header.Get(HeaderWebhookID)
	s.archive(webhookID, body)

	event, err := provider.DecodeEvent(body)
	if err != nil {
		s.logger.Warn("undecodable webhook ignored", zap.String("webhook_id", webhookID), zap.Error(err))
		s.cfg.Metrics.RecordWebhookEvent(ctx, "unknown", string(OutcomeIgnored))
		return OutcomeIgnored, nil
	}

	outcome, err := s.ApplyEvent(ctx, event)
	if err != nil {
		s.cfg.Metrics.RecordWebhookEvent(ctx, event.Type, "error")
		return "", err
	}
	s.cfg.Metrics.RecordWebhookEvent(ctx, event.Type, string(outcome))
	s.logger.Info("webhook processed",
		zap.String("webhook_id", webhookID),
		zap.String("event_type", event.Type),
		zap.String("subscription_id", event.Subscription.ID),
		zap.String("outcome", string(outcome)))
	return outcome, nil
}

// ApplyEvent applies a decoded event in one transaction. Events are applied in arrival order.
func (s *Service) ApplyEvent(ctx context.Context, event provider.Event) (Outcome, error) {
	if !event.Handled() {
		return OutcomeIgnored, nil
	}

	outcome := OutcomeApplied
	err := s.cfg.Store.WithTx(ctx, func(ctx context.Context, tx rowstore.Tx) error {
		orgID, ok, err := repo.ResolveOrganization(ctx, tx, event.Subscription)
		if err != nil {
			return err
		}
		if !ok {
			outcome = OutcomeUnmatched
			return nil
		}
		return s.apply(ctx, tx, orgID, event.Type, event.Subscription)
	})
	if err != nil {
		return "", fmt.Errorf("apply %s %s: %w", event.Type, event.Subscription.ID, err)
	}
	if outcome == OutcomeUnmatched {
		s.logger.Warn("subscription without organization",
			zap.String("event_type", event.Type),
			zap.String("subscription_id", event.Subscription.ID),
			zap.String("customer_id", event.Subscription.CustomerID))
	}
	return outcome, nil
}

func (s *Service) apply(ctx context.Context, tx rowstore.Tx, orgID, eventType string, sub provider.Subscription) error {
	row := repo.ProjectionRow(orgID, sub)
	productTier := string(s.TierForProduct(sub.ProductID, sub.ProductName()))
	billing := repo.OrganizationBilling{SubscriptionID: sub.ID, CustomerID: sub.CustomerID}

	var err error
	switch eventType {
	case provider.EventSubscriptionCreated, provider.EventSubscriptionUpdated:
		err = repo.UpsertSubscription(ctx, tx, row)
		billing.Tier, billing.Status = organizationState(sub.Status, productTier)
	case provider.EventSubscriptionActive:
		var stored rowstore.Row
		stored, err = repo.SetSubscriptionStatus(ctx, tx, row, StatusActive)
		if err == nil {
			productID, _ := stored["product_id"].(string)
			productName, _ := stored["product_name"].(string)
			productTier = string(s.TierForProduct(productID, productName))
		}
		billing.Tier, billing.Status = productTier, StatusActive
	case provider.EventSubscriptionCanceled:
		// Access lasts until the period ends, so the tier stays.
		_, err = repo.SetSubscriptionStatus(ctx, tx, row, StatusCanceled)
		billing.Status = StatusCanceled
	case provider.EventSubscriptionRevoked:
		_, err = repo.SetSubscriptionStatus(ctx, tx, row, StatusNone)
		billing.Tier, billing.Status = string(limits.TierFree), StatusNone
	default:
		return fmt.Errorf("unhandled event type %s", eventType)
	}
	if err != nil {
		return err
	}
	return repo.SetOrganizationBilling(ctx, tx, orgID, billing)
}

// organizationState derives the organization's tier and status from a full subscription
// status. An empty tier keeps the stored one.
func organizationState(status, productTier string) (string, string) {
	switch status {
	case StatusActive, StatusTrialing, StatusPastDue:
		return productTier, status
	case StatusCanceled:
		return "", StatusCanceled
	default:
		return string(limits.TierFree), StatusNone
	}
}

// Reconcile re-applies the provider's state for an organization the caller administers.
func (s *Service) Reconcile(ctx context.Context, p platformauth.Principal, orgID string) (ReconcileResult, error) {
	if !p.Authenticated() {
		return ReconcileResult{}, apperr.ErrUnauthenticated
	}
	if _, err := s.authorize(ctx, p, orgID, "reconcile"); err != nil {
		return ReconcileResult{}, err
	}
	return s.ReconcileOrganization(ctx, orgID)
}

// ReconcileOrganization is Reconcile without the caller check. The per-organization
// cooldown starts with the attempt and is checked before the provider is contacted.
func (s *Service) ReconcileOrganization(ctx context.Context, orgID string) (ReconcileResult, error) {
	decision := s.cfg.Cooldown.Acquire(ctx, "reconcile:"+orgID)
	if !decision.Allowed {
		s.cfg.Metrics.RecordReconcile(ctx, "cooldown")
		return ReconcileResult{}, &apperr.CooldownError{RetryAfter: decision.RetryAfter}
	}

	result, err := s.sync(ctx, orgID)
	outcome := "synced"
	switch {
	case err != nil:
		outcome = "error"
	case !result.Synced:
		outcome = "no_customer"
	}
	s.cfg.Metrics.RecordReconcile(ctx, outcome)
	return result, err
}

func (s *Service) sync(ctx context.Context, orgID string) (ReconcileResult, error) {
	customer, err := s.cfg.Provider.GetCustomerByExternalID(ctx, orgID)
	if errors.Is(err, provider.ErrNotFound) {
		return ReconcileResult{Synced: false, Message: "no billing customer for this organization"}, nil
	}
	if err != nil {
		return ReconcileResult{}, fmt.Errorf("fetch billing customer: %w", err)
	}

	subs, err := s.cfg.Provider.ListSubscriptions(ctx, customer.ID)
	if err != nil {
		return ReconcileResult{}, fmt.Errorf("list subscriptions: %w", err)
	}
	sub, found := pickSubscription(subs)

	var result ReconcileResult
	err = s.cfg.Store.WithTx(ctx, func(ctx context.Context, tx rowstore.Tx) error {
		if _, err := tx.Get(ctx, sqlassets.Organization, orgID); err != nil {
			if errors.Is(err, rowstore.ErrRowNotFound) {
				return fmt.Errorf("organization %s: %w", orgID, apperr.ErrNotFound)
			}
			return err
		}
		if !found {
			result = ReconcileResult{Synced: true, Message: "no subscription found; organization is on the free plan"}
			return repo.SetOrganizationBilling(ctx, tx, orgID, repo.OrganizationBilling{
				Tier: string(limits.TierFree), Status: StatusNone, CustomerID: customer.ID,
			})
		}

		eventType := provider.EventSubscriptionUpdated
		if sub.Status == StatusCanceled && periodOver(sub, s.cfg.Now()) {
			eventType = provider.EventSubscriptionRevoked
		}
		if err := s.apply(ctx, tx, orgID, eventType, sub); err != nil {
			return err
		}
		row, _, err := repo.LatestSubscription(ctx, tx, orgID)
		result = ReconcileResult{Synced: true, Subscription: row}
		return err
	})
	if err != nil {
		return ReconcileResult{}, fmt.Errorf("apply reconciled state: %w", err)
	}
	return result, nil
}

func isLive(status string) bool {
	return status == StatusActive || status == StatusTrialing || status == StatusPastDue
}

func periodOver(sub provider.Subscription, now time.Time) bool {
	return sub.CurrentPeriodEnd == nil || !sub.CurrentPeriodEnd.After(now)
}

// pickSubscription prefers live subscriptions, then the most recently modified one.
func pickSubscription(subs []provider.Subscription) (provider.Subscription, bool) {
	if len(subs) == 0 {
		return provider.Subscription{}, false
	}
	sorted := append([]provider.Subscription(nil), subs...)
	sort.SliceStable(sorted, func(i, j int) bool {
		li, lj := isLive(sorted[i].Status), isLive(sorted[j].Status)
		if li != lj {
			return li
		}
		return sorted[i].LastModified().After(sorted[j].LastModified())
	})
	return sorted[0], true
}

// CreateCheckout starts a checkout for tier on behalf of an organization admin. When the
// provider fails, a background resync is queued so a half-finished purchase still lands.
func (s *Service) CreateCheckout(ctx context.Context, p platformauth.Principal, orgID string, tier limits.Tier) (provider.Checkout, error) {
	if !p.Authenticated() {
		return provider.Checkout{}, apperr.ErrUnauthenticated
	}
	if tier != limits.TierPro && tier != limits.TierTeam {
		return provider.Checkout{}, &apperr.ArgsError{Name: "checkout", Err: fmt.Errorf("tier %q cannot be purchased", tier)}
	}
	org, err := s.authorize(ctx, p, orgID, "checkout")
	if err != nil {
		return provider.Checkout{}, err
	}

	checkout, err := s.checkout(ctx, orgID, org, tier)
	if err != nil {
		var invariant *apperr.InvariantError
		if !errors.As(err, &invariant) {
			s.enqueueResync(orgID)
		}
		return provider.Checkout{}, err
	}
	return checkout, nil
}

func (s *Service) checkout(ctx context.Context, orgID string, org rowstore.Row, tier limits.Tier) (provider.Checkout, error) {
	customer, err := s.cfg.Provider.GetCustomerByExternalID(ctx, orgID)
	if errors.Is(err, provider.ErrNotFound) {
		name, _ := org["name"].(string)
		customer, err = s.cfg.Provider.CreateCustomer(ctx, orgID, name)
	}
	if err != nil {
		return provider.Checkout{}, fmt.Errorf("ensure billing customer: %w", err)
	}

	products, err := s.cfg.Provider.ListProducts(ctx)
	if err != nil {
		return provider.Checkout{}, fmt.Errorf("list products: %w", err)
	}
	var productID string
	for _, product := range products {
		if !product.IsArchived && s.TierForProduct(product.ID, product.Name) == tier {
			productID = product.ID
			break
		}
	}
	if productID == "" {
		return provider.Checkout{}, apperr.Invariantf("no product is configured for the %s plan", tier)
	}

	if err := s.cfg.Store.WithTx(ctx, func(ctx context.Context, tx rowstore.Tx) error {
		_, err := tx.Update(ctx, sqlassets.Organization, orgID, rowstore.Row{"billing_customer_id": customer.ID})
		return err
	}); err != nil {
		return provider.Checkout{}, fmt.Errorf("link billing customer: %w", err)
	}

	checkout, err := s.cfg.Provider.CreateCheckout(ctx, provider.CheckoutInput{
		ProductID:  productID,
		CustomerID: customer.ID,
		SuccessURL: s.cfg.SuccessURL,
		Metadata:   map[string]string{"organizationId": orgID},
	})
	if err != nil {
		return provider.Checkout{}, fmt.Errorf("create checkout: %w", err)
	}
	return checkout, nil
}

// authorize requires p to be an owner or admin of orgID and returns the organization row.
func (s *Service) authorize(ctx context.Context, p platformauth.Principal, orgID, operation string) (rowstore.Row, error) {
	var org rowstore.Row
	err := s.cfg.Store.WithReadTx(ctx, func(ctx context.Context, tx rowstore.Tx) error {
		ok, err := tx.Check(ctx, sqlassets.Organization, orgID, rules.OrgAdmin, p)
		if err != nil {
			return err
		}
		if !ok {
			return &apperr.UnauthorizedError{Table: sqlassets.Organization, Operation: operation}
		}
		org, err = tx.Get(ctx, sqlassets.Organization, orgID)
		return err
	})
	return org, err
}

func (s *Service) enqueueResync(orgID string) {
	if s.cfg.Queue == nil {
		return
	}
	s.cfg.Queue.Enqueue(tasks.Task{
		Name: "billing.resync:" + orgID,
		Run: func(ctx context.Context) error {
			_, err := s.sync(ctx, orgID)
			return err
		},
	})
}

func (s *Service) archive(webhookID string, body []byte) {
	if s.cfg.Queue == nil || s.cfg.Archive == nil {
		return
	}
	key := storage.WebhookKey(s.cfg.Now(), webhookID)
	payload := append([]byte(nil), body...)
	s.cfg.Queue.Enqueue(tasks.Task{
		Name: "billing.archive:" + webhookID,
		Run: func(ctx context.Context) error {
			return s.cfg.Archive.Put(ctx, key, payload)
		},
	})
}
