package main

import (
	"context"
	"net/http"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	billinghandler "github.com/damien-schneider/reflect-os/domains/billing/be/handler"
	mutationshandler "github.com/damien-schneider/reflect-os/domains/mutations/be/handler"
	querieshandler "github.com/damien-schneider/reflect-os/domains/queries/be/handler"
	platformlogging "github.com/damien-schneider/reflect-os/platform/go/logging"
	platformmiddleware "github.com/damien-schneider/reflect-os/platform/go/middleware"
)

type routerDeps struct {
	Logger         *zap.Logger
	Doc            *openapi3.T
	Auth           func(http.Handler) http.Handler
	CORSOrigins    []string
	RequestTimeout time.Duration
	Ready          func(ctx context.Context) error

	Push    *mutationshandler.Handler
	Query   *querieshandler.Handler
	Billing *billinghandler.Handler
}

func newRouter(d routerDeps) http.Handler {
	rootRouter := chi.NewRouter()

	rootRouter.Use(
		chimw.RequestID,
		chimw.RealIP,
		chimw.Recoverer,
		chimw.Timeout(d.RequestTimeout),
		platformmiddleware.CORS(d.CORSOrigins),
	)
	rootRouter.Use(platformlogging.RequestLogger(d.Logger))

	rootRouter.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	rootRouter.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if d.Ready != nil {
			if err := d.Ready(r.Context()); err != nil {
				platformlogging.FromContextOr(r.Context(), d.Logger).Warn("readiness check failed", zap.Error(err))
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
	})

	// ---- Swagger UI + OpenAPI JSON (public) ----
	registerDocsRoutes(rootRouter, d.Doc, d.Logger)

	apiRouter := chi.NewRouter()

	// Deliveries carry no principal; the signature authenticates them.
	apiRouter.Post("/billing/webhook", d.Billing.Webhook)

	apiRouter.Group(func(r chi.Router) {
		r.Use(d.Auth)
		r.Use(platformmiddleware.RequestTrace)
		r.Use(platformmiddleware.OpenAPIValidator(d.Doc))

		r.Post("/sync/push", d.Push.Push)
		r.Post("/sync/query", d.Query.Query)
		r.Post("/billing/reconcile", d.Billing.Reconcile)
		r.Post("/billing/checkout", d.Billing.Checkout)
	})

	rootRouter.Mount("/api/v1", apiRouter)
	return rootRouter
}
