package oauth_test

import (
	"crypto/sha256"
	"encoding/base64"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/percolationlabs/percolate/internal/auth"
	"github.com/percolationlabs/percolate/internal/oauth"
	"github.com/percolationlabs/percolate/pkg/models"
)

const (
	testClientID    = "mcp-client"
	testRedirectURI = "http://localhost:8123/callback"
	testVerifier    = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
)

func challenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func newTestServer(t *testing.T) (*oauth.Server, *auth.Context) {
	t.Helper()
	issuer := auth.NewTokenIssuer("test-secret", "percolate", "percolate-clients", time.Hour)
	identity := &auth.Context{
		UserID:    uuid.New(),
		Email:     "pkce@example.com",
		RoleLevel: models.RoleLevelInternal,
	}
	return oauth.NewServer(issuer), identity
}

func TestAuthorizationCodeFlow(t *testing.T) {
	srv, identity := newTestServer(t)

	code, err := srv.IssueCode(identity, testClientID, testRedirectURI, challenge(testVerifier))
	require.NoError(t, err)
	require.NotEmpty(t, code)

	resp, err := srv.Exchange(code, testVerifier, testClientID, testRedirectURI)
	require.NoError(t, err)
	assert.Equal(t, "Bearer", resp.TokenType)
	assert.NotEmpty(t, resp.AccessToken)
	assert.NotEmpty(t, resp.RefreshToken)
	assert.Equal(t, int(time.Hour.Seconds()), resp.ExpiresIn)

	intro := srv.Introspect(resp.AccessToken)
	assert.True(t, intro.Active)
	assert.Equal(t, identity.UserID.String(), intro.Subject)
	assert.Equal(t, identity.Email, intro.Email)
}

func TestIssueCodeRequiresChallenge(t *testing.T) {
	srv, identity := newTestServer(t)

	_, err := srv.IssueCode(identity, testClientID, testRedirectURI, "")
	assert.ErrorIs(t, err, oauth.ErrInvalidRequest)
}

func TestExchangeRejectsWrongVerifier(t *testing.T) {
	srv, identity := newTestServer(t)
	code, err := srv.IssueCode(identity, testClientID, testRedirectURI, challenge(testVerifier))
	require.NoError(t, err)

	_, err = srv.Exchange(code, "not-the-verifier", testClientID, testRedirectURI)
	assert.ErrorIs(t, err, oauth.ErrInvalidGrant)

	// the code was consumed by the failed attempt
	_, err = srv.Exchange(code, testVerifier, testClientID, testRedirectURI)
	assert.ErrorIs(t, err, oauth.ErrInvalidGrant)
}

func TestExchangeIsSingleUse(t *testing.T) {
	srv, identity := newTestServer(t)
	code, err := srv.IssueCode(identity, testClientID, testRedirectURI, challenge(testVerifier))
	require.NoError(t, err)

	_, err = srv.Exchange(code, testVerifier, testClientID, testRedirectURI)
	require.NoError(t, err)

	_, err = srv.Exchange(code, testVerifier, testClientID, testRedirectURI)
	assert.ErrorIs(t, err, oauth.ErrInvalidGrant)
}

func TestExchangeChecksBinding(t *testing.T) {
	srv, identity := newTestServer(t)

	tests := []struct {
		name        string
		clientID    string
		redirectURI string
	}{
		{"wrong client", "other-client", testRedirectURI},
		{"wrong redirect", testClientID, "http://evil.example.com/callback"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, err := srv.IssueCode(identity, testClientID, testRedirectURI, challenge(testVerifier))
			require.NoError(t, err)

			_, err = srv.Exchange(code, testVerifier, tt.clientID, tt.redirectURI)
			assert.ErrorIs(t, err, oauth.ErrInvalidGrant)
		})
	}
}

func TestRefreshRotates(t *testing.T) {
	srv, identity := newTestServer(t)
	code, err := srv.IssueCode(identity, testClientID, testRedirectURI, challenge(testVerifier))
	require.NoError(t, err)
	first, err := srv.Exchange(code, testVerifier, testClientID, testRedirectURI)
	require.NoError(t, err)

	second, err := srv.Refresh(first.RefreshToken, testClientID)
	require.NoError(t, err)
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)

	// the old refresh token no longer works
	_, err = srv.Refresh(first.RefreshToken, testClientID)
	assert.ErrorIs(t, err, oauth.ErrInvalidGrant)
}

func TestRefreshChecksClient(t *testing.T) {
	srv, identity := newTestServer(t)
	code, err := srv.IssueCode(identity, testClientID, testRedirectURI, challenge(testVerifier))
	require.NoError(t, err)
	resp, err := srv.Exchange(code, testVerifier, testClientID, testRedirectURI)
	require.NoError(t, err)

	_, err = srv.Refresh(resp.RefreshToken, "other-client")
	assert.ErrorIs(t, err, oauth.ErrInvalidGrant)
}

func TestIntrospectReportsTokenExpiry(t *testing.T) {
	srv, _ := newTestServer(t)

	// sign a token living 30 minutes, half the issuer's configured TTL
	exp := time.Now().Add(30 * time.Minute)
	raw := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":        uuid.New().String(),
		"email":      "short@example.com",
		"role_level": models.RoleLevelInternal,
		"iat":        time.Now().Unix(),
		"exp":        exp.Unix(),
		"iss":        "percolate",
		"aud":        "percolate-clients",
	})
	signed, err := raw.SignedString([]byte("test-secret"))
	require.NoError(t, err)

	intro := srv.Introspect(signed)
	require.True(t, intro.Active)
	assert.Equal(t, exp.Unix(), intro.ExpiresAt)
}

func TestIntrospectInactiveToken(t *testing.T) {
	srv, _ := newTestServer(t)
	intro := srv.Introspect("not-a-real-token")
	assert.False(t, intro.Active)
	assert.Empty(t, intro.Subject)
}

func TestMetadataEndpoints(t *testing.T) {
	md := oauth.NewMetadata("https://api.example.com")
	assert.Equal(t, "https://api.example.com", md.Issuer)
	assert.Equal(t, "https://api.example.com/auth/authorize", md.AuthorizationEndpoint)
	assert.Equal(t, "https://api.example.com/auth/token", md.TokenEndpoint)
	assert.Equal(t, []string{"S256"}, md.CodeChallengeMethodsSupported)
	assert.Equal(t, []string{"none"}, md.TokenEndpointAuthMethodsSupported)
}
