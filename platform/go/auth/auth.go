package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"firebase.google.com/go/v4/auth"
	"go.uber.org/zap"

	"github.com/damien-schneider/reflect-os/platform/go/apperr"
	platformlogging "github.com/damien-schneider/reflect-os/platform/go/logging"
)

// VerifyFunc validates the incoming bearer token and returns its claims map.
type VerifyFunc func(ctx context.Context, token string) (map[string]interface{}, error)

// ExtractFunc converts a claims map into a principal identifier.
type ExtractFunc func(claims map[string]interface{}) (string, error)

// ResolverConfig wires the two ways a request can carry an identity.
type ResolverConfig struct {
	// Verify validates bearer tokens. Required.
	Verify VerifyFunc
	// Extract maps claims to a principal id; defaults to SubjectFromClaims.
	Extract ExtractFunc
	// Sessions resolves forwarded session cookies; optional.
	Sessions SessionLookup
	// CookieName is the session cookie to read when Sessions is set.
	CookieName string
	// CookieSecret, when set, is required to have signed the session cookie.
	CookieSecret []byte
}

// Resolve parses the request and stores the resulting Principal on the context.
// A bearer token wins over a session cookie. Requests with neither continue anonymously;
// an invalid bearer token is rejected with 401 so clients can re-authenticate.
func Resolve(cfg ResolverConfig) func(http.Handler) http.Handler {
	if cfg.Verify == nil {
		panic("auth.Resolve: verify func must not be nil")
	}
	if cfg.Extract == nil {
		cfg.Extract = SubjectFromClaims
	}
	if cfg.CookieName == "" {
		cfg.CookieName = DefaultSessionCookie
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			if token, found := ExtractBearerToken(r); found && token != "" {
				principal, err := principalFromToken(r.Context(), cfg, token)
				if err != nil {
					w.Header().Set("WWW-Authenticate", fmt.Sprintf(`Bearer realm="api", error="invalid_token", error_description=%q`, err.Error()))
					apperr.WriteProblem(w, apperr.ProblemFor(apperr.ErrUnauthenticated))
					return
				}
				next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
				return
			}

			if cfg.Sessions != nil {
				if sessionToken, found := ExtractSessionToken(r, cfg.CookieName, cfg.CookieSecret); found {
					userID, err := cfg.Sessions.LookupSession(r.Context(), sessionToken)
					switch {
					case err == nil:
						next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), NewPrincipal(userID))))
						return
					case errors.Is(err, ErrSessionNotFound):
						// stale cookie: fall through as anonymous
					default:
						if logger, ok := platformlogging.FromContext(r.Context()); ok {
							logger.Error("session lookup failed", zap.Error(err))
						}
						apperr.WriteProblem(w, apperr.ProblemFor(err))
						return
					}
				}
			}

			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), Anonymous())))
		})
	}
}

func principalFromToken(ctx context.Context, cfg ResolverConfig, token string) (Principal, error) {
	claims, err := cfg.Verify(ctx, token)
	if err != nil {
		return Anonymous(), err
	}
	id, err := cfg.Extract(claims)
	if err != nil {
		return Anonymous(), err
	}
	principal := NewPrincipal(id)
	if !principal.Authenticated() {
		return Anonymous(), errors.New("token has no subject")
	}
	return principal, nil
}

// RequireAuthenticated rejects anonymous requests with a 401 problem.
func RequireAuthenticated(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !PrincipalFromContext(r.Context()).Authenticated() {
			apperr.WriteProblem(w, apperr.ProblemFor(apperr.ErrUnauthenticated))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// SubjectFromClaims returns the first non-empty identifier claim.
func SubjectFromClaims(claims map[string]interface{}) (string, error) {
	if claims == nil {
		return "", errors.New("missing claims")
	}
	for _, key := range []string{"sub", "uid", "user_id"} {
		if v := extractStringClaim(claims, key); v != "" {
			return v, nil
		}
	}
	return "", errors.New("missing subject claim")
}

func extractStringClaim(claims map[string]interface{}, key string) string {
	if v, ok := claims[key]; ok {
		if strVal, valid := v.(string); valid {
			return strings.TrimSpace(strVal)
		}
	}
	return ""
}

func parseUnsignedJWTClaims(token string) (map[string]interface{}, error) {
	parts := strings.Split(token, ".")
	if len(parts) < 2 {
		return nil, errors.New("invalid token format")
	}

	decoded, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(parts[1], "="))
	if err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}

	claims := make(map[string]interface{})
	if err := json.Unmarshal(decoded, &claims); err != nil {
		return nil, fmt.Errorf("unmarshal claims: %w", err)
	}

	return claims, nil
}

// FirebaseTokenVerifier returns a VerifyFunc that validates ID tokens via Firebase Auth.
func FirebaseTokenVerifier(fbAuth *auth.Client) VerifyFunc {
	return func(ctx context.Context, token string) (map[string]interface{}, error) {
		t, err := fbAuth.VerifyIDToken(ctx, token)
		if err != nil {
			return nil, err
		}

		claims := make(map[string]interface{}, len(t.Claims)+2)
		for k, v := range t.Claims {
			claims[k] = v
		}
		claims["uid"] = t.UID
		claims["sub"] = t.Subject
		return claims, nil
	}
}

// UnsignedTokenVerifier decodes JWT payloads without checking the signature. Local development only.
func UnsignedTokenVerifier() VerifyFunc {
	return func(ctx context.Context, token string) (map[string]interface{}, error) {
		return parseUnsignedJWTClaims(token)
	}
}
