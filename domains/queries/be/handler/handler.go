package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/damien-schneider/reflect-os/domains/queries/be/service"
	"github.com/damien-schneider/reflect-os/platform/go/apperr"
	platformauth "github.com/damien-schneider/reflect-os/platform/go/auth"
	platformlogging "github.com/damien-schneider/reflect-os/platform/go/logging"
)

const maxQueryBytes = 64 << 10

// QueryRequest names a query and its arguments.
type QueryRequest struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

// Handler serves the query endpoint.
type Handler struct {
	svc    service.Service
	logger *zap.Logger
}

// New constructs a Handler instance.
func New(svc service.Service, logger *zap.Logger) *Handler {
	if svc == nil {
		panic("query service is required")
	}
	if logger == nil {
		panic("logger is required")
	}
	return &Handler{svc: svc, logger: logger}
}

// Query resolves a named query for the request principal, which may be anonymous.
func (h *Handler) Query(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req QueryRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxQueryBytes)).Decode(&req); err != nil {
		apperr.WriteProblem(w, apperr.ProblemFor(&apperr.ArgsError{Name: "query", Err: err}))
		return
	}

	result, err := h.svc.Resolve(ctx, platformauth.PrincipalFromContext(ctx), req.Name, req.Args)
	if err != nil {
		h.logFailure(ctx, req.Name, err)
		apperr.WriteProblem(w, apperr.ProblemFor(err))
		return
	}

	apperr.WriteJSON(w, http.StatusOK, result)
}

func (h *Handler) logFailure(ctx context.Context, name string, err error) {
	logger := platformlogging.FromContextOr(ctx, h.logger)
	if apperr.Classify(err).Kind == apperr.KindInternal {
		logger.Error("query failed", zap.String("query", name), zap.Error(err))
		return
	}
	logger.Debug("query rejected", zap.String("query", name), zap.String("reason", err.Error()))
}
