package main

import (
	"context"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	platformauth "github.com/damien-schneider/reflect-os/platform/go/auth"
	"github.com/damien-schneider/reflect-os/platform/go/gcp"
)

// buildTokenVerifier selects how bearer tokens are validated.
func buildTokenVerifier(ctx context.Context, cfg config, logger *zap.Logger) (platformauth.VerifyFunc, error) {
	switch cfg.AuthProvider {
	case "firebase":
		fbAuth, err := gcp.InitFirebaseAuth(ctx, gcp.FirebaseConfig{
			CredentialsFile: cfg.FirebaseCredentials,
			ProjectID:       cfg.FirebaseProjectID,
		})
		if err != nil {
			return nil, err
		}
		return platformauth.FirebaseTokenVerifier(fbAuth), nil
	case "jwks":
		return platformauth.JWKSTokenVerifier(ctx, cfg.AuthJWKSURL, cfg.AuthIssuer)
	case "hmac":
		if cfg.AuthHMACSecret == "" {
			return nil, fmt.Errorf("AUTH_HMAC_SECRET is required when AUTH_PROVIDER=hmac")
		}
		return platformauth.HMACTokenVerifier([]byte(cfg.AuthHMACSecret), cfg.AuthIssuer), nil
	case "dev":
		logger.Warn("using dev auth middleware; do not use in production")
		return platformauth.UnsignedTokenVerifier(), nil
	default:
		return nil, fmt.Errorf("unsupported auth provider %q", cfg.AuthProvider)
	}
}

// buildAuthMiddleware resolves the request principal from a bearer token or a forwarded session cookie.
func buildAuthMiddleware(verify platformauth.VerifyFunc, sessions platformauth.SessionLookup, cookieName, cookieSecret string) func(http.Handler) http.Handler {
	cfg := platformauth.ResolverConfig{
		Verify:     verify,
		Sessions:   sessions,
		CookieName: cookieName,
	}
	if cookieSecret != "" {
		cfg.CookieSecret = []byte(cookieSecret)
	}
	return platformauth.Resolve(cfg)
}
