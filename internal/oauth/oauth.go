// Package oauth implements the embedded OAuth 2.1 authorization server:
// PKCE-only authorization codes, token exchange minting platform JWTs, and
// RFC 8414 server metadata. Codes and refresh tokens are held in memory;
// a restart invalidates in-flight flows, which clients recover from by
// re-authorizing.
package oauth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/percolationlabs/percolate/internal/auth"
)

// CodeTTL bounds how long an authorization code stays exchangeable.
const CodeTTL = 10 * time.Minute

// RefreshTTL bounds refresh token lifetime.
const RefreshTTL = 30 * 24 * time.Hour

var (
	ErrInvalidGrant   = errors.New("invalid_grant")
	ErrInvalidRequest = errors.New("invalid_request")
)

// Metadata is the RFC 8414 authorization server metadata document.
type Metadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	IntrospectionEndpoint             string   `json:"introspection_endpoint"`
	RegistrationEndpoint              string   `json:"registration_endpoint,omitempty"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
}

// NewMetadata builds the metadata document for the given external base URL.
func NewMetadata(baseURL string) Metadata {
	return Metadata{
		Issuer:                            baseURL,
		AuthorizationEndpoint:             baseURL + "/auth/authorize",
		TokenEndpoint:                     baseURL + "/auth/token",
		IntrospectionEndpoint:             baseURL + "/auth/introspect",
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               []string{"authorization_code", "refresh_token"},
		CodeChallengeMethodsSupported:     []string{"S256"},
		TokenEndpointAuthMethodsSupported: []string{"none"},
	}
}

// authCode is a pending authorization grant bound to the PKCE challenge.
type authCode struct {
	identity      auth.Context
	clientID      string
	redirectURI   string
	codeChallenge string
	expiresAt     time.Time
}

// refreshGrant is a stored refresh token's backing identity.
type refreshGrant struct {
	identity  auth.Context
	clientID  string
	expiresAt time.Time
}

// Server issues and exchanges authorization codes. One mutex guards both
// maps; the flows are short and low-volume.
type Server struct {
	issuer *auth.TokenIssuer

	mu      sync.Mutex
	codes   map[string]authCode
	refresh map[string]refreshGrant
	now     func() time.Time
}

// NewServer builds the authorization server on the platform token issuer.
func NewServer(issuer *auth.TokenIssuer) *Server {
	return &Server{
		issuer:  issuer,
		codes:   make(map[string]authCode),
		refresh: make(map[string]refreshGrant),
		now:     time.Now,
	}
}

// IssueCode mints a single-use authorization code for an authenticated user.
// codeChallenge is the S256 challenge the token exchange must answer.
func (s *Server) IssueCode(identity *auth.Context, clientID, redirectURI, codeChallenge string) (string, error) {
	if codeChallenge == "" {
		return "", ErrInvalidRequest
	}
	code := randomToken()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked()
	s.codes[code] = authCode{
		identity:      *identity,
		clientID:      clientID,
		redirectURI:   redirectURI,
		codeChallenge: codeChallenge,
		expiresAt:     s.now().Add(CodeTTL),
	}
	return code, nil
}

// TokenResponse is the /auth/token success body.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// Exchange trades an authorization code plus PKCE verifier for tokens. The
// code is consumed whether or not the exchange succeeds; a replayed or
// mismatched code always fails with ErrInvalidGrant.
func (s *Server) Exchange(code, verifier, clientID, redirectURI string) (*TokenResponse, error) {
	s.mu.Lock()
	grant, ok := s.codes[code]
	delete(s.codes, code)
	s.mu.Unlock()

	if !ok || s.now().After(grant.expiresAt) {
		return nil, ErrInvalidGrant
	}
	if grant.clientID != clientID || grant.redirectURI != redirectURI {
		return nil, ErrInvalidGrant
	}
	if !verifyPKCE(verifier, grant.codeChallenge) {
		return nil, ErrInvalidGrant
	}
	return s.mint(&grant.identity, clientID)
}

// Refresh trades a refresh token for a fresh token pair. The old refresh
// token is rotated out.
func (s *Server) Refresh(refreshToken, clientID string) (*TokenResponse, error) {
	s.mu.Lock()
	grant, ok := s.refresh[refreshToken]
	delete(s.refresh, refreshToken)
	s.mu.Unlock()

	if !ok || s.now().After(grant.expiresAt) {
		return nil, ErrInvalidGrant
	}
	if grant.clientID != clientID {
		return nil, ErrInvalidGrant
	}
	return s.mint(&grant.identity, clientID)
}

// Introspection is the RFC 7662 response body.
type Introspection struct {
	Active    bool   `json:"active"`
	Subject   string `json:"sub,omitempty"`
	Email     string `json:"email,omitempty"`
	RoleLevel int    `json:"role_level,omitempty"`
	ExpiresAt int64  `json:"exp,omitempty"`
}

// Introspect reports whether an access token is live and who it belongs to.
// ExpiresAt is the token's own exp claim, not a fresh TTL window.
func (s *Server) Introspect(accessToken string) Introspection {
	identity, expiresAt, err := s.issuer.Inspect(accessToken)
	if err != nil {
		return Introspection{Active: false}
	}
	return Introspection{
		Active:    true,
		Subject:   identity.UserID.String(),
		Email:     identity.Email,
		RoleLevel: identity.RoleLevel,
		ExpiresAt: expiresAt.Unix(),
	}
}

func (s *Server) mint(identity *auth.Context, clientID string) (*TokenResponse, error) {
	access, err := s.issuer.Issue(identity)
	if err != nil {
		return nil, err
	}
	refresh := randomToken()
	s.mu.Lock()
	s.refresh[refresh] = refreshGrant{
		identity:  *identity,
		clientID:  clientID,
		expiresAt: s.now().Add(RefreshTTL),
	}
	s.mu.Unlock()
	return &TokenResponse{
		AccessToken:  access,
		TokenType:    "Bearer",
		ExpiresIn:    int(s.issuer.TTL().Seconds()),
		RefreshToken: refresh,
	}, nil
}

// pruneLocked drops expired codes. Called opportunistically under the lock.
func (s *Server) pruneLocked() {
	now := s.now()
	for code, grant := range s.codes {
		if now.After(grant.expiresAt) {
			delete(s.codes, code)
		}
	}
}

// verifyPKCE checks BASE64URL(SHA256(verifier)) == challenge in constant
// time.
func verifyPKCE(verifier, challenge string) bool {
	if verifier == "" {
		return false
	}
	sum := sha256.Sum256([]byte(verifier))
	computed := base64.RawURLEncoding.EncodeToString(sum[:])
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}

func randomToken() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms
		return uuid.NewString()
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}
