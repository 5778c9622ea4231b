package service

import (
	"encoding/base64"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/damien-schneider/reflect-os/platform/go/apperr"
)

func signedHeader(t *testing.T, v *Verifier, id string, at time.Time, body []byte) http.Header {
	t.Helper()
	signature, err := v.Sign(id, at, body)
	require.NoError(t, err)
	h := http.Header{}
	h.Set(HeaderWebhookID, id)
	h.Set(HeaderWebhookTimestamp, strconv.FormatInt(at.Unix(), 10))
	h.Set(HeaderWebhookSignature, signature)
	return h
}

func TestVerifierAcceptsValidSignature(t *testing.T) {
	secret := "whsec_" + base64.StdEncoding.EncodeToString([]byte("test-secret"))
	v, err := NewVerifier(secret, 0)
	require.NoError(t, err)
	now := time.Unix(1_700_000_000, 0)
	v.now = func() time.Time { return now }

	body := []byte(`{"type":"subscription.active"}`)
	h := signedHeader(t, v, "msg_1", now, body)
	require.NoError(t, v.Verify(h, body))

	// rotated secrets send several signatures
	h.Set(HeaderWebhookSignature, "v1,bm9wZQ== "+h.Get(HeaderWebhookSignature))
	require.NoError(t, v.Verify(h, body))
}

func TestVerifierRejects(t *testing.T) {
	v, err := NewVerifier("raw-secret", time.Minute)
	require.NoError(t, err)
	now := time.Unix(1_700_000_000, 0)
	v.now = func() time.Time { return now }
	body := []byte(`{}`)

	tests := []struct {
		name   string
		header func() http.Header
		body   []byte
	}{
		{"missing headers", func() http.Header { return http.Header{} }, body},
		{"tampered body", func() http.Header { return signedHeader(t, v, "msg_1", now, body) }, []byte(`{"x":1}`)},
		{"expired", func() http.Header { return signedHeader(t, v, "msg_1", now.Add(-2*time.Minute), body) }, body},
		{"future", func() http.Header { return signedHeader(t, v, "msg_1", now.Add(2*time.Minute), body) }, body},
		{"malformed timestamp", func() http.Header {
			h := signedHeader(t, v, "msg_1", now, body)
			h.Set(HeaderWebhookTimestamp, "yesterday")
			return h
		}, body},
		{"other secret", func() http.Header {
			other, _ := NewVerifier("another-secret", 0)
			return signedHeader(t, other, "msg_1", now, body)
		}, body},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.ErrorIs(t, v.Verify(tt.header(), tt.body), apperr.ErrSignatureInvalid)
		})
	}
}

func TestVerifierMatchesPrefixedAndRawSecrets(t *testing.T) {
	key := []byte("shared-key")
	prefixed, err := NewVerifier("whsec_"+base64.StdEncoding.EncodeToString(key), 0)
	require.NoError(t, err)
	raw, err := NewVerifier(string(key), 0)
	require.NoError(t, err)

	at := time.Now()
	body := []byte(`{"type":"subscription.revoked"}`)
	require.NoError(t, raw.Verify(signedHeader(t, prefixed, "msg_9", at, body), body))
}

func TestNewVerifierValidatesSecret(t *testing.T) {
	_, err := NewVerifier("  ", 0)
	require.Error(t, err)
	_, err = NewVerifier("whsec_***", 0)
	require.Error(t, err)
}
