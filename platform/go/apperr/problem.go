package apperr

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
)

const (
	ProblemTypeValidation      = "https://reflect.app/problems/validation-error"
	ProblemTypeUnauthenticated = "https://reflect.app/problems/unauthenticated"
	ProblemTypeUnauthorized    = "https://reflect.app/problems/unauthorized"
	ProblemTypeQuotaExceeded   = "https://reflect.app/problems/quota-exceeded"
	ProblemTypeInvariant       = "https://reflect.app/problems/invariant-violation"
	ProblemTypeNotFound        = "https://reflect.app/problems/not-found"
	ProblemTypeSignature       = "https://reflect.app/problems/invalid-signature"
	ProblemTypeCooldown        = "https://reflect.app/problems/cooldown"
	ProblemTypeUpstream        = "https://reflect.app/problems/upstream-error"
	ProblemTypeInternal        = "https://reflect.app/problems/internal-error"
)

// Kind is the stable, client-facing error category.
type Kind string

const (
	KindUnauthenticated Kind = "unauthenticated"
	KindUnauthorized    Kind = "unauthorized"
	KindQuotaExceeded   Kind = "quota_exceeded"
	KindInvariant       Kind = "invariant_violation"
	KindInvalidArgs     Kind = "invalid_arguments"
	KindNotFound        Kind = "not_found"
	KindSignature       Kind = "invalid_signature"
	KindCooldown        Kind = "cooldown"
	KindUpstream        Kind = "upstream_error"
	KindInternal        Kind = "internal"
)

// Classification is the transport view of an error.
type Classification struct {
	Kind    Kind
	Status  int
	Title   string
	Type    string
	Detail  string
	Details map[string]any
}

// Problem is an RFC 7807 problem document.
type Problem struct {
	Type    string         `json:"type,omitempty"`
	Title   string         `json:"title"`
	Status  int            `json:"status"`
	Detail  string         `json:"detail,omitempty"`
	Kind    Kind           `json:"kind"`
	Details map[string]any `json:"details,omitempty"`
}

// Classify maps an error from any layer to its kind, HTTP status and structured details.
func Classify(err error) Classification {
	var (
		unauthorized *UnauthorizedError
		quota        *QuotaExceededError
		invariant    *InvariantError
		argsErr      *ArgsError
		cooldown     *CooldownError
	)

	switch {
	case errors.Is(err, ErrUnauthenticated):
		return Classification{Kind: KindUnauthenticated, Status: http.StatusUnauthorized, Title: "Authentication required",
			Type: ProblemTypeUnauthenticated, Detail: err.Error()}
	case errors.As(err, &unauthorized):
		return Classification{Kind: KindUnauthorized, Status: http.StatusForbidden, Title: "Forbidden",
			Type: ProblemTypeUnauthorized, Detail: unauthorized.Error(),
			Details: map[string]any{"table": unauthorized.Table, "operation": unauthorized.Operation}}
	case errors.As(err, &quota):
		return Classification{Kind: KindQuotaExceeded, Status: http.StatusPaymentRequired, Title: "Plan limit reached",
			Type: ProblemTypeQuotaExceeded, Detail: quota.Error(),
			Details: map[string]any{"resource": quota.Resource, "tier": quota.Tier, "current": quota.Current, "max": quota.Max}}
	case errors.As(err, &cooldown):
		return Classification{Kind: KindCooldown, Status: http.StatusTooManyRequests, Title: "Too many requests",
			Type: ProblemTypeCooldown, Detail: cooldown.Error(),
			Details: map[string]any{"retryAfterSeconds": cooldown.Seconds()}}
	case errors.As(err, &argsErr):
		return Classification{Kind: KindInvalidArgs, Status: http.StatusBadRequest, Title: "Invalid arguments",
			Type: ProblemTypeValidation, Detail: argsErr.Error()}
	case errors.As(err, &invariant):
		return Classification{Kind: KindInvariant, Status: http.StatusUnprocessableEntity, Title: "Mutation rejected",
			Type: ProblemTypeInvariant, Detail: invariant.Error()}
	case errors.Is(err, ErrUnknownName), errors.Is(err, ErrNotFound):
		return Classification{Kind: KindNotFound, Status: http.StatusNotFound, Title: "Not found",
			Type: ProblemTypeNotFound, Detail: err.Error()}
	case errors.Is(err, ErrSignatureInvalid):
		return Classification{Kind: KindSignature, Status: http.StatusForbidden, Title: "Invalid signature",
			Type: ProblemTypeSignature, Detail: err.Error()}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return Classification{Kind: KindInternal, Status: http.StatusServiceUnavailable, Title: "Request aborted",
			Type: ProblemTypeInternal, Detail: err.Error()}
	case errors.Is(err, ErrUpstream):
		return Classification{Kind: KindUpstream, Status: http.StatusBadGateway, Title: "Upstream service error",
			Type: ProblemTypeUpstream, Detail: err.Error()}
	default:
		return Classification{Kind: KindInternal, Status: http.StatusInternalServerError, Title: "Internal server error",
			Type: ProblemTypeInternal, Detail: "an unexpected error occurred"}
	}
}

// ProblemFor builds the problem document for err.
func ProblemFor(err error) Problem {
	c := Classify(err)
	return Problem{Type: c.Type, Title: c.Title, Status: c.Status, Detail: c.Detail, Kind: c.Kind, Details: c.Details}
}

// WriteProblem writes the problem document with the matching status code.
func WriteProblem(w http.ResponseWriter, problem Problem) {
	if retry, ok := problem.Details["retryAfterSeconds"].(int); ok && problem.Kind == KindCooldown {
		w.Header().Set("Retry-After", strconv.Itoa(retry))
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(problem.Status)
	_ = json.NewEncoder(w).Encode(problem)
}

// WriteJSON writes body as JSON with the given status.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
