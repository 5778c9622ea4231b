package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/damien-schneider/reflect-os/contracts"
	"github.com/damien-schneider/reflect-os/platform/go/apperr"
	platformauth "github.com/damien-schneider/reflect-os/platform/go/auth"
)

func newValidatedHandler(t *testing.T) http.Handler {
	t.Helper()

	doc, err := contracts.Load(context.Background())
	require.NoError(t, err)

	return OpenAPIValidator(doc)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
}

func TestOpenAPIValidatorAcceptsValidPush(t *testing.T) {
	handler := newValidatedHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/sync/push",
		strings.NewReader(`{"mutations":[{"id":1,"name":"board.create","args":{"id":"b1"}}]}`))
	req.Header.Set("Content-Type", "application/json")
	req = req.WithContext(platformauth.WithPrincipal(req.Context(), platformauth.NewPrincipal("user-1")))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestOpenAPIValidatorRejectsMalformedPush(t *testing.T) {
	handler := newValidatedHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/sync/push", strings.NewReader(`{"mutations":[{"name":""}]}`))
	req.Header.Set("Content-Type", "application/json")
	req = req.WithContext(platformauth.WithPrincipal(req.Context(), platformauth.NewPrincipal("user-1")))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
}

func TestOpenAPIValidatorRequiresPrincipalForPush(t *testing.T) {
	handler := newValidatedHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/sync/push", strings.NewReader(`{"mutations":[]}`))
	req.Header.Set("Content-Type", "application/json")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Contains(t, rec.Body.String(), string(apperr.KindUnauthenticated))
}

func TestOpenAPIValidatorAllowsAnonymousQuery(t *testing.T) {
	handler := newValidatedHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/sync/query", strings.NewReader(`{"name":"board.list","args":{"organizationId":"o1"}}`))
	req.Header.Set("Content-Type", "application/json")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestCORSWithCredentials(t *testing.T) {
	handler := CORS([]string{"https://app.reflect.test"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/sync/push", nil)
	req.Header.Set("Origin", "https://app.reflect.test")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "https://app.reflect.test", rec.Header().Get("Access-Control-Allow-Origin"))
	require.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://evil.test")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}
