package auth_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/damien-schneider/reflect-os/platform/go/auth"
	"github.com/damien-schneider/reflect-os/platform/go/auth/devtoken"
)

type fakeSessions struct {
	byToken map[string]string
}

func (f fakeSessions) LookupSession(_ context.Context, token string) (string, error) {
	if id, ok := f.byToken[token]; ok {
		return id, nil
	}
	return "", auth.ErrSessionNotFound
}

func resolveWith(t *testing.T, cfg auth.ResolverConfig, req *http.Request) (auth.Principal, int) {
	t.Helper()

	var seen auth.Principal
	handler := auth.Resolve(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = auth.PrincipalFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return seen, rec.Code
}

func TestResolveBearerToken(t *testing.T) {
	t.Parallel()

	token, err := devtoken.BuildUnsignedToken(devtoken.Params{UserID: "user-123"}, time.Now())
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/sync/push", nil)
	req.Header.Set("Authorization", "bearer "+token)

	principal, status := resolveWith(t, auth.ResolverConfig{Verify: auth.UnsignedTokenVerifier()}, req)
	require.Equal(t, http.StatusNoContent, status)
	id, ok := principal.ID()
	require.True(t, ok)
	require.Equal(t, "user-123", id)
}

func TestResolveRejectsInvalidToken(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodPost, "/sync/push", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")

	rec := httptest.NewRecorder()
	auth.Resolve(auth.ResolverConfig{Verify: auth.UnsignedTokenVerifier()})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	})).ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Contains(t, rec.Header().Get("WWW-Authenticate"), "invalid_token")
}

func TestResolveSessionCookie(t *testing.T) {
	t.Parallel()

	cfg := auth.ResolverConfig{
		Verify:   auth.UnsignedTokenVerifier(),
		Sessions: fakeSessions{byToken: map[string]string{"tok-1": "user-7"}},
	}

	req := httptest.NewRequest(http.MethodPost, "/sync/query", nil)
	req.AddCookie(&http.Cookie{Name: auth.DefaultSessionCookie, Value: "tok-1.signature"})

	principal, status := resolveWith(t, cfg, req)
	require.Equal(t, http.StatusNoContent, status)
	require.Equal(t, "user-7", principal.String())
}

func TestResolveSignedSessionCookie(t *testing.T) {
	t.Parallel()

	secret := []byte("cookie-secret")
	cfg := auth.ResolverConfig{
		Verify:       auth.UnsignedTokenVerifier(),
		Sessions:     fakeSessions{byToken: map[string]string{"tok-1": "user-7"}},
		CookieSecret: secret,
	}

	cases := map[string]struct {
		value string
		user  string
	}{
		"valid signature":   {value: url.PathEscape("tok-1." + auth.SignSessionToken("tok-1", secret)), user: "user-7"},
		"forged signature":  {value: "tok-1.c2lnbmF0dXJl", user: ""},
		"other secret":      {value: "tok-1." + auth.SignSessionToken("tok-1", []byte("other")), user: ""},
		"missing signature": {value: "tok-1", user: ""},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/sync/query", nil)
			req.AddCookie(&http.Cookie{Name: auth.DefaultSessionCookie, Value: tc.value})

			principal, status := resolveWith(t, cfg, req)
			require.Equal(t, http.StatusNoContent, status)
			id, _ := principal.ID()
			require.Equal(t, tc.user, id)
		})
	}
}

func TestResolveUnknownSessionIsAnonymous(t *testing.T) {
	t.Parallel()

	cfg := auth.ResolverConfig{
		Verify:   auth.UnsignedTokenVerifier(),
		Sessions: fakeSessions{byToken: map[string]string{}},
	}

	req := httptest.NewRequest(http.MethodPost, "/sync/query", nil)
	req.AddCookie(&http.Cookie{Name: auth.DefaultSessionCookie, Value: "expired"})

	principal, status := resolveWith(t, cfg, req)
	require.Equal(t, http.StatusNoContent, status)
	require.False(t, principal.Authenticated())
}

func TestRequireAuthenticated(t *testing.T) {
	t.Parallel()

	handler := auth.RequireAuthenticated(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(auth.WithPrincipal(req.Context(), auth.NewPrincipal("user-1")))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestPrincipalBlankIDIsAnonymous(t *testing.T) {
	t.Parallel()

	p := auth.NewPrincipal("   ")
	_, ok := p.ID()
	require.False(t, ok)
	require.Equal(t, "anonymous", p.String())
	require.False(t, auth.PrincipalFromContext(context.Background()).Authenticated())
}
