package auth

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   string
		found  bool
	}{
		{name: "standard", header: "Bearer abc.def", want: "abc.def", found: true},
		{name: "case insensitive", header: "bEaReR   xyz ", want: "xyz", found: true},
		{name: "basic scheme", header: "Basic Zm9vOmJhcg==", found: false},
		{name: "missing", header: "", found: false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			got, found := ExtractBearerToken(req)
			require.Equal(t, tc.found, found)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestHMACTokenVerifier(t *testing.T) {
	secret := []byte("s3cret")
	verify := HMACTokenVerifier(secret, "reflect")

	sign := func(claims jwt.MapClaims, key []byte) string {
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
		require.NoError(t, err)
		return token
	}

	valid := sign(jwt.MapClaims{"sub": "user-1", "iss": "reflect", "exp": time.Now().Add(time.Hour).Unix()}, secret)
	claims, err := verify(context.Background(), valid)
	require.NoError(t, err)
	sub, err := SubjectFromClaims(claims)
	require.NoError(t, err)
	require.Equal(t, "user-1", sub)

	wrongKey := sign(jwt.MapClaims{"sub": "user-1", "iss": "reflect", "exp": time.Now().Add(time.Hour).Unix()}, []byte("other"))
	_, err = verify(context.Background(), wrongKey)
	require.Error(t, err)

	wrongIssuer := sign(jwt.MapClaims{"sub": "user-1", "iss": "someone", "exp": time.Now().Add(time.Hour).Unix()}, secret)
	_, err = verify(context.Background(), wrongIssuer)
	require.Error(t, err)

	noExpiry := sign(jwt.MapClaims{"sub": "user-1", "iss": "reflect"}, secret)
	_, err = verify(context.Background(), noExpiry)
	require.Error(t, err)
}

func TestSubjectFromClaimsFallbacks(t *testing.T) {
	id, err := SubjectFromClaims(map[string]interface{}{"uid": "firebase-uid"})
	require.NoError(t, err)
	require.Equal(t, "firebase-uid", id)

	_, err = SubjectFromClaims(map[string]interface{}{"email": "x@example.com"})
	require.Error(t, err)
}
