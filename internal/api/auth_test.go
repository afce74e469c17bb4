package api

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pvestal/tower-anime-orchestrator/internal/config"
)

func newLocalAuthenticator(t *testing.T, secret string) *authenticator {
	t.Helper()
	t.Setenv("TEST_AUTH_SECRET", secret)
	return newAuthenticator(config.AuthConfig{JWTSecretEnv: "TEST_AUTH_SECRET"})
}

func TestIssueTokenAndVerifyLocalRoundTrip(t *testing.T) {
	auth := newLocalAuthenticator(t, "super-secret")

	token, err := IssueToken("super-secret", "operator-1", time.Hour)
	require.NoError(t, err)

	subject, err := auth.verifyLocal(token)
	require.NoError(t, err)
	assert.Equal(t, "operator-1", subject)
}

func TestVerifyLocalRejectsTamperedSignature(t *testing.T) {
	auth := newLocalAuthenticator(t, "super-secret")

	token, err := IssueToken("super-secret", "operator-1", time.Hour)
	require.NoError(t, err)

	i := strings.LastIndex(token, ".") + 1
	flipped := "A"
	if token[i] == 'A' {
		flipped = "B"
	}
	tampered := token[:i] + flipped + token[i+1:]
	_, err = auth.verifyLocal(tampered)
	assert.ErrorIs(t, err, errAuth)
}

func TestVerifyLocalRejectsWrongSecret(t *testing.T) {
	auth := newLocalAuthenticator(t, "the-real-secret")

	token, err := IssueToken("a-different-secret", "operator-1", time.Hour)
	require.NoError(t, err)

	_, err = auth.verifyLocal(token)
	assert.ErrorIs(t, err, errAuth)
}

func TestVerifyLocalRejectsExpiredToken(t *testing.T) {
	auth := newLocalAuthenticator(t, "super-secret")

	token, err := IssueToken("super-secret", "operator-1", -time.Minute)
	require.NoError(t, err)

	_, err = auth.verifyLocal(token)
	assert.ErrorIs(t, err, errAuth)
}

func TestVerifyLocalRejectsMalformedToken(t *testing.T) {
	auth := newLocalAuthenticator(t, "super-secret")

	_, err := auth.verifyLocal("not-a-valid-token")
	assert.ErrorIs(t, err, errAuth)
}

func TestIsTrustedMatchesConfiguredSubnet(t *testing.T) {
	auth := newAuthenticator(config.AuthConfig{TrustedSubnets: []string{"10.0.0.0/8"}})

	assert.True(t, auth.isTrusted("10.1.2.3:54321"))
	assert.False(t, auth.isTrusted("203.0.113.5:54321"))
}

func TestIsTrustedWithNoConfiguredSubnetsDeniesEverything(t *testing.T) {
	auth := newAuthenticator(config.AuthConfig{})
	assert.False(t, auth.isTrusted("127.0.0.1:1234"))
}
