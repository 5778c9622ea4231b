package middleware

import (
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	platformauth "github.com/damien-schneider/reflect-os/platform/go/auth"
	platformlogging "github.com/damien-schneider/reflect-os/platform/go/logging"
	"github.com/damien-schneider/reflect-os/platform/go/requesttrace"
)

// RequestTrace populates the context with request-scoped AuditInfo and tags the request logger with the actor.
// It must run after auth.Resolve so the principal is available.
func RequestTrace(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := middleware.GetReqID(r.Context())
		audit := requesttrace.FromPrincipal(platformauth.PrincipalFromContext(r.Context()), requestID)

		ctx := requesttrace.IntoContext(r.Context(), audit)
		if logger, ok := platformlogging.FromContext(ctx); ok {
			fields := []zap.Field{zap.String("actor_kind", string(audit.ActorKind))}
			if audit.UserID != nil {
				fields = append(fields, zap.String("user_id", *audit.UserID))
			}
			ctx = platformlogging.WithLogger(ctx, logger.With(fields...))
		}

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
