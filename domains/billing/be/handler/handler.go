package handler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/damien-schneider/reflect-os/domains/billing/be/provider"
	"github.com/damien-schneider/reflect-os/domains/billing/be/service"
	limits "github.com/damien-schneider/reflect-os/domains/limits/be/service"
	"github.com/damien-schneider/reflect-os/platform/go/apperr"
	platformauth "github.com/damien-schneider/reflect-os/platform/go/auth"
	platformlogging "github.com/damien-schneider/reflect-os/platform/go/logging"
)

const (
	maxWebhookBytes = 1 << 20
	maxRequestBytes = 16 << 10
)

// Service is the billing surface the handler drives.
type Service interface {
	HandleWebhook(ctx context.Context, header http.Header, body []byte) (service.Outcome, error)
	Reconcile(ctx context.Context, p platformauth.Principal, orgID string) (service.ReconcileResult, error)
	CreateCheckout(ctx context.Context, p platformauth.Principal, orgID string, tier limits.Tier) (provider.Checkout, error)
}

// OrganizationRequest names the organization to reconcile.
type OrganizationRequest struct {
	OrganizationID string `json:"organizationId"`
}

// CheckoutRequest asks for a checkout of a paid tier.
type CheckoutRequest struct {
	OrganizationID string `json:"organizationId"`
	Tier           string `json:"tier"`
}

// CheckoutResponse carries the hosted checkout URL.
type CheckoutResponse struct {
	URL string `json:"url"`
}

// WebhookResponse acknowledges a delivery.
type WebhookResponse struct {
	Outcome service.Outcome `json:"outcome"`
}

// Handler serves the billing endpoints.
type Handler struct {
	svc    Service
	logger *zap.Logger
}

// New constructs a Handler instance.
func New(svc Service, logger *zap.Logger) *Handler {
	if svc == nil {
		panic("billing service is required")
	}
	if logger == nil {
		panic("logger is required")
	}
	return &Handler{svc: svc, logger: logger}
}

// Webhook receives provider deliveries. The body is read raw because the signature covers
// the exact bytes.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		apperr.WriteProblem(w, apperr.ProblemFor(&apperr.ArgsError{Name: "webhook", Err: err}))
		return
	}

	outcome, err := h.svc.HandleWebhook(ctx, r.Header, body)
	if err != nil {
		h.logFailure(ctx, "webhook", err)
		apperr.WriteProblem(w, apperr.ProblemFor(err))
		return
	}
	apperr.WriteJSON(w, http.StatusAccepted, WebhookResponse{Outcome: outcome})
}

// Reconcile re-applies the provider's state for an organization the caller administers.
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req OrganizationRequest
	if !h.decode(w, r, "reconcile", &req) {
		return
	}

	result, err := h.svc.Reconcile(ctx, platformauth.PrincipalFromContext(ctx), req.OrganizationID)
	if err != nil {
		h.logFailure(ctx, "reconcile", err)
		apperr.WriteProblem(w, apperr.ProblemFor(err))
		return
	}
	apperr.WriteJSON(w, http.StatusOK, result)
}

// Checkout starts a hosted checkout.
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req CheckoutRequest
	if !h.decode(w, r, "checkout", &req) {
		return
	}

	checkout, err := h.svc.CreateCheckout(ctx, platformauth.PrincipalFromContext(ctx), req.OrganizationID, limits.Tier(req.Tier))
	if err != nil {
		h.logFailure(ctx, "checkout", err)
		apperr.WriteProblem(w, apperr.ProblemFor(err))
		return
	}
	apperr.WriteJSON(w, http.StatusOK, CheckoutResponse{URL: checkout.URL})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, name string, dst any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(dst); err != nil {
		apperr.WriteProblem(w, apperr.ProblemFor(&apperr.ArgsError{Name: name, Err: err}))
		return false
	}
	return true
}

func (h *Handler) logFailure(ctx context.Context, operation string, err error) {
	logger := platformlogging.FromContextOr(ctx, h.logger)
	if kind := apperr.Classify(err).Kind; kind == apperr.KindInternal || kind == apperr.KindUpstream {
		logger.Error("billing request failed", zap.String("operation", operation), zap.Error(err))
		return
	}
	logger.Info("billing request rejected", zap.String("operation", operation), zap.String("reason", err.Error()))
}
