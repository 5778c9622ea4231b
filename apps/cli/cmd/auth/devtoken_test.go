package auth

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	platformauth "github.com/damien-schneider/reflect-os/platform/go/auth"
)

func runDevToken(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := Command()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"devtoken"}, args...))
	err := cmd.Execute()
	return strings.TrimSpace(out.String()), err
}

func TestDevTokenSigned(t *testing.T) {
	token, err := runDevToken(t, "--user-id", "alice", "--secret", "s3cret", "--issuer", "reflect-dev")
	require.NoError(t, err)

	claims, err := platformauth.HMACTokenVerifier([]byte("s3cret"), "reflect-dev")(context.Background(), token)
	require.NoError(t, err)
	subject, err := platformauth.SubjectFromClaims(claims)
	require.NoError(t, err)
	require.Equal(t, "alice", subject)
}

func TestDevTokenUnsigned(t *testing.T) {
	token, err := runDevToken(t, "--user-id", "bob", "--secret", "")
	require.NoError(t, err)
	require.True(t, strings.HasSuffix(token, "."))

	claims, err := platformauth.UnsignedTokenVerifier()(context.Background(), token)
	require.NoError(t, err)
	require.Equal(t, "bob", claims["sub"])
}

func TestDevTokenRequiresUser(t *testing.T) {
	_, err := runDevToken(t)
	require.Error(t, err)
}
