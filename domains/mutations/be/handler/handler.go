package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/damien-schneider/reflect-os/domains/mutations/be/replay"
	"github.com/damien-schneider/reflect-os/platform/go/apperr"
	platformauth "github.com/damien-schneider/reflect-os/platform/go/auth"
	platformlogging "github.com/damien-schneider/reflect-os/platform/go/logging"
)

const maxPushBytes = 4 << 20

// Replayer is the part of the executor the handler needs.
type Replayer interface {
	Replay(ctx context.Context, p platformauth.Principal, invocations []replay.Invocation) ([]replay.Result, error)
}

// PushRequest is a batch of client mutations.
type PushRequest struct {
	ClientGroupID string              `json:"clientGroupID,omitempty"`
	Mutations     []replay.Invocation `json:"mutations"`
}

// PushResponse carries one result per invocation, in request order.
type PushResponse struct {
	Results []replay.Result `json:"results"`
}

// Handler serves the push endpoint.
type Handler struct {
	replayer Replayer
	logger   *zap.Logger
}

// New constructs a Handler instance.
func New(replayer Replayer, logger *zap.Logger) *Handler {
	if replayer == nil {
		panic("replayer is required")
	}
	if logger == nil {
		panic("logger is required")
	}
	return &Handler{replayer: replayer, logger: logger}
}

// Push replays the posted batch for the request principal.
func (h *Handler) Push(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := platformlogging.FromContextOr(ctx, h.logger)
	principal := platformauth.PrincipalFromContext(ctx)
	if !principal.Authenticated() {
		apperr.WriteProblem(w, apperr.ProblemFor(apperr.ErrUnauthenticated))
		return
	}

	var req PushRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPushBytes))
	if err := decoder.Decode(&req); err != nil {
		apperr.WriteProblem(w, apperr.ProblemFor(&apperr.ArgsError{Name: "push", Err: err}))
		return
	}

	results, err := h.replayer.Replay(ctx, principal, req.Mutations)
	if err != nil {
		if apperr.Classify(err).Kind == apperr.KindInternal && !errors.Is(err, context.Canceled) {
			logger.Error("push failed", zap.Error(err))
		}
		apperr.WriteProblem(w, apperr.ProblemFor(err))
		return
	}

	failed := 0
	for _, result := range results {
		if !result.OK {
			failed++
		}
	}
	logger.Info("push replayed",
		zap.String("client_group_id", req.ClientGroupID),
		zap.Int("mutations", len(results)),
		zap.Int("failed", failed),
	)

	apperr.WriteJSON(w, http.StatusOK, PushResponse{Results: results})
}
