package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"net/http"
	"net/url"
	"strings"
)

// DefaultSessionCookie is the cookie forwarded by the web app.
const DefaultSessionCookie = "reflect.session_token"

// ErrSessionNotFound is returned when a session token is unknown or expired.
var ErrSessionNotFound = errors.New("session not found")

// SessionLookup resolves a session token to the user id that owns it.
type SessionLookup interface {
	LookupSession(ctx context.Context, token string) (string, error)
}

// ExtractSessionToken reads the session cookie. Signed cookies have the form
// "<token>.<signature>" where signature is the base64 HMAC-SHA256 of token.
// With a secret the signature must match. Without one the signature part is dropped and
// the session table lookup alone authenticates the token.
func ExtractSessionToken(r *http.Request, cookieName string, secret []byte) (string, bool) {
	cookie, err := r.Cookie(cookieName)
	if err != nil {
		return "", false
	}
	value, err := url.PathUnescape(strings.TrimSpace(cookie.Value))
	if err != nil {
		return "", false
	}

	token, signature, signed := value, "", false
	if idx := strings.LastIndexByte(value, '.'); idx > 0 {
		token, signature, signed = value[:idx], value[idx+1:], true
	}
	if len(secret) > 0 && (!signed || !hmac.Equal([]byte(signature), []byte(SignSessionToken(token, secret)))) {
		return "", false
	}
	return token, token != ""
}

// SignSessionToken returns the cookie signature of token.
func SignSessionToken(token string, secret []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(token))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
