// Package provider is the billing provider collaborator: its subscription model, its webhook
// event payloads and an HTTP client for its REST API.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotFound is returned when the provider has no such object.
var ErrNotFound = errors.New("billing object not found")

// Event types delivered by webhook.
const (
	EventSubscriptionCreated  = "subscription.created"
	EventSubscriptionUpdated  = "subscription.updated"
	EventSubscriptionActive   = "subscription.active"
	EventSubscriptionCanceled = "subscription.canceled"
	EventSubscriptionRevoked  = "subscription.revoked"
)

// Customer is a provider customer. ExternalID holds the organization id.
type Customer struct {
	ID         string `json:"id"`
	ExternalID string `json:"external_id"`
	Email      string `json:"email,omitempty"`
	Name       string `json:"name,omitempty"`
}

// Product is a purchasable plan.
type Product struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	IsArchived bool   `json:"is_archived"`
}

// Subscription is the provider's view of one subscription.
type Subscription struct {
	ID                 string            `json:"id"`
	Status             string            `json:"status"`
	CustomerID         string            `json:"customer_id"`
	ProductID          string            `json:"product_id"`
	CurrentPeriodStart *time.Time        `json:"current_period_start"`
	CurrentPeriodEnd   *time.Time        `json:"current_period_end"`
	CancelAtPeriodEnd  bool              `json:"cancel_at_period_end"`
	CreatedAt          time.Time         `json:"created_at"`
	ModifiedAt         *time.Time        `json:"modified_at"`
	Metadata           map[string]string `json:"metadata"`
	Product            Product           `json:"product"`
	Customer           Customer          `json:"customer"`
}

// ProductName falls back to the product id when the embedded product is missing.
func (s Subscription) ProductName() string {
	if s.Product.Name != "" {
		return s.Product.Name
	}
	return s.ProductID
}

// LastModified is the modification time, or the creation time for never-modified rows.
func (s Subscription) LastModified() time.Time {
	if s.ModifiedAt != nil {
		return *s.ModifiedAt
	}
	return s.CreatedAt
}

// Event is a decoded webhook delivery.
type Event struct {
	Type         string
	Subscription Subscription
}

// Handled reports whether the event type is one the reconciler applies.
func (e Event) Handled() bool {
	switch e.Type {
	case EventSubscriptionCreated, EventSubscriptionUpdated, EventSubscriptionActive,
		EventSubscriptionCanceled, EventSubscriptionRevoked:
		return true
	}
	return false
}

// DecodeEvent parses a webhook body. Non-subscription events decode with an empty subscription.
func DecodeEvent(body []byte) (Event, error) {
	var envelope struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	event := Event{Type: strings.TrimSpace(envelope.Type)}
	if !event.Handled() {
		return event, nil
	}
	if err := json.Unmarshal(envelope.Data, &event.Subscription); err != nil {
		return Event{}, fmt.Errorf("decode %s: %w", event.Type, err)
	}
	if event.Subscription.ID == "" {
		return Event{}, fmt.Errorf("decode %s: subscription id is missing", event.Type)
	}
	return event, nil
}

// CheckoutInput starts a hosted checkout.
type CheckoutInput struct {
	ProductID  string
	CustomerID string
	SuccessURL string
	Metadata   map[string]string
}

// Checkout is a created checkout session.
type Checkout struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// Provider is the subset of the billing API the reconciler uses.
type Provider interface {
	GetCustomerByExternalID(ctx context.Context, externalID string) (Customer, error)
	CreateCustomer(ctx context.Context, externalID, name string) (Customer, error)
	ListSubscriptions(ctx context.Context, customerID string) ([]Subscription, error)
	ListProducts(ctx context.Context) ([]Product, error)
	CreateCheckout(ctx context.Context, in CheckoutInput) (Checkout, error)
}
