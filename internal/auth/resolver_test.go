package auth_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/percolationlabs/percolate/internal/auth"
	"github.com/percolationlabs/percolate/internal/config"
	"github.com/percolationlabs/percolate/internal/store"
	"github.com/percolationlabs/percolate/pkg/models"
)

const testSystemToken = "postgres-bootstrap-token"

func testAuthConfig() config.AuthConfig {
	return config.AuthConfig{
		SystemToken: testSystemToken,
		JWTSecret:   "test-secret",
		Issuer:      "percolate",
		Audience:    "percolate-clients",
		TokenTTL:    time.Hour,
		SessionTTL:  time.Hour,
	}
}

func newTestResolver(t *testing.T, cfg config.AuthConfig) (*auth.Resolver, store.Store) {
	t.Helper()
	st := store.NewMemoryStore()
	t.Cleanup(func() { st.Close() })

	issuer := auth.NewTokenIssuer(cfg.JWTSecret, cfg.Issuer, cfg.Audience, cfg.TokenTTL)
	sessions := auth.NewSessions(make([]byte, 32), cfg.SessionTTL)
	return auth.NewResolver(st, cfg, issuer, sessions), st
}

func seedUser(t *testing.T, st store.Store, email string, roleLevel int, token string) *models.User {
	t.Helper()
	user := &models.User{
		ID:        models.UserIDForEmail(email),
		Email:     email,
		RoleLevel: roleLevel,
		Groups:    []string{"engineering"},
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	if token != "" {
		expiry := time.Now().Add(time.Hour)
		user.Token = &token
		user.TokenExpiry = &expiry
	}
	sysCtx := store.WithUserContext(t.Context(), store.UserContext{RoleLevel: models.RoleLevelAdmin})
	require.NoError(t, st.UpsertUser(sysCtx, user))
	return user
}

func bearerRequest(token string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/auth/ping", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

// ─── Mode 1: system token ────────────────────────────────────

func TestResolveSystemTokenMaterializesAdmin(t *testing.T) {
	resolver, st := newTestResolver(t, testAuthConfig())

	req := bearerRequest(testSystemToken)
	req.Header.Set("X-User-Email", "Admin@Example.com")

	ac, err := resolver.Resolve(req)
	require.NoError(t, err)
	assert.Equal(t, "admin@example.com", ac.Email)
	assert.Equal(t, models.RoleLevelAdmin, ac.RoleLevel)
	assert.Equal(t, models.UserIDForEmail("admin@example.com"), ac.UserID)

	// the user row was written so later lookups see it
	sysCtx := store.WithUserContext(t.Context(), store.UserContext{RoleLevel: models.RoleLevelAdmin})
	user, err := st.GetUserByEmail(sysCtx, "admin@example.com")
	require.NoError(t, err)
	assert.Equal(t, models.RoleLevelAdmin, user.RoleLevel)
}

func TestResolveSystemTokenWithoutEmailFails(t *testing.T) {
	resolver, _ := newTestResolver(t, testAuthConfig())

	_, err := resolver.Resolve(bearerRequest(testSystemToken))
	assert.True(t, auth.IsKind(err, auth.KindInvalidToken))
}

func TestResolveSystemTokenHeaderWinsOverFallback(t *testing.T) {
	cfg := testAuthConfig()
	cfg.FallbackEmail = "fallback@example.com"
	resolver, _ := newTestResolver(t, cfg)

	req := bearerRequest(testSystemToken)
	req.Header.Set("X-User-Email", "header@example.com")

	ac, err := resolver.Resolve(req)
	require.NoError(t, err)
	assert.Equal(t, "header@example.com", ac.Email)
}

func TestResolveOpenWebUIEmailHeader(t *testing.T) {
	resolver, _ := newTestResolver(t, testAuthConfig())

	req := bearerRequest(testSystemToken)
	req.Header.Set("X-OpenWebUI-User-Email", "webui@example.com")

	ac, err := resolver.Resolve(req)
	require.NoError(t, err)
	assert.Equal(t, "webui@example.com", ac.Email)
}

func TestResolveEmailHeaderPrecedence(t *testing.T) {
	resolver, _ := newTestResolver(t, testAuthConfig())

	req := bearerRequest(testSystemToken)
	req.Header.Set("X-User-Email", "direct@example.com")
	req.Header.Set("X-OpenWebUI-User-Email", "webui@example.com")

	ac, err := resolver.Resolve(req)
	require.NoError(t, err)
	assert.Equal(t, "direct@example.com", ac.Email)
}

// ─── Mode 2: platform JWT ────────────────────────────────────

func TestResolvePlatformJWT(t *testing.T) {
	resolver, _ := newTestResolver(t, testAuthConfig())

	identity := &auth.Context{
		UserID:    uuid.New(),
		Email:     "jwt@example.com",
		RoleLevel: models.RoleLevelInternal,
		Groups:    []string{"engineering"},
	}
	token, err := resolver.Issuer().Issue(identity)
	require.NoError(t, err)

	ac, err := resolver.Resolve(bearerRequest(token))
	require.NoError(t, err)
	assert.Equal(t, identity.UserID, ac.UserID)
	assert.Equal(t, identity.Email, ac.Email)
	assert.Equal(t, identity.RoleLevel, ac.RoleLevel)
	assert.Equal(t, identity.Groups, ac.Groups)
}

func TestResolveExpiredJWT(t *testing.T) {
	cfg := testAuthConfig()
	resolver, _ := newTestResolver(t, cfg)

	expired := auth.NewTokenIssuer(cfg.JWTSecret, cfg.Issuer, cfg.Audience, -time.Minute)
	token, err := expired.Issue(&auth.Context{UserID: uuid.New(), Email: "old@example.com", RoleLevel: models.RoleLevelPublic})
	require.NoError(t, err)

	_, err = resolver.Resolve(bearerRequest(token))
	assert.True(t, auth.IsKind(err, auth.KindTokenExpired))
}

func TestVerifyJWTWithoutRoleLevelIsPublic(t *testing.T) {
	cfg := testAuthConfig()
	resolver, _ := newTestResolver(t, cfg)

	// a token minted elsewhere may omit role_level entirely
	raw := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, jwtlib.MapClaims{
		"sub":   uuid.New().String(),
		"email": "norole@example.com",
		"iat":   time.Now().Unix(),
		"exp":   time.Now().Add(time.Hour).Unix(),
		"iss":   cfg.Issuer,
		"aud":   cfg.Audience,
	})
	token, err := raw.SignedString([]byte(cfg.JWTSecret))
	require.NoError(t, err)

	ac, err := resolver.Resolve(bearerRequest(token))
	require.NoError(t, err)
	assert.Equal(t, models.RoleLevelPublic, ac.RoleLevel)
}

func TestResolveCarriesPresentedBearer(t *testing.T) {
	resolver, st := newTestResolver(t, testAuthConfig())
	seedUser(t, st, "stored@example.com", models.RoleLevelInternal, "opaque-stored-token")

	ac, err := resolver.Resolve(bearerRequest("opaque-stored-token"))
	require.NoError(t, err)
	assert.Equal(t, "opaque-stored-token", ac.Token)
}

func TestJWTShapedTokenNeverFallsThrough(t *testing.T) {
	// a malformed three-segment token is a bad platform token, not a
	// candidate for upstream relay
	resolver, _ := newTestResolver(t, testAuthConfig())

	_, err := resolver.Resolve(bearerRequest("aaa.bbb.ccc"))
	require.Error(t, err)
	assert.True(t, auth.IsKind(err, auth.KindInvalidToken))
}

// ─── Stored tokens ───────────────────────────────────────────

func TestResolveStoredToken(t *testing.T) {
	resolver, st := newTestResolver(t, testAuthConfig())
	seedUser(t, st, "stored@example.com", models.RoleLevelInternal, "opaque-stored-token")

	ac, err := resolver.Resolve(bearerRequest("opaque-stored-token"))
	require.NoError(t, err)
	assert.Equal(t, "stored@example.com", ac.Email)
	assert.Equal(t, models.RoleLevelInternal, ac.RoleLevel)
}

func TestResolveStoredTokenEmailMismatch(t *testing.T) {
	resolver, st := newTestResolver(t, testAuthConfig())
	seedUser(t, st, "stored@example.com", models.RoleLevelInternal, "opaque-stored-token")

	req := bearerRequest("opaque-stored-token")
	req.Header.Set("X-User-Email", "someone-else@example.com")

	_, err := resolver.Resolve(req)
	assert.True(t, auth.IsKind(err, auth.KindEmailMismatch))
}

func TestResolveStoredTokenExpired(t *testing.T) {
	resolver, st := newTestResolver(t, testAuthConfig())
	user := seedUser(t, st, "stale@example.com", models.RoleLevelInternal, "stale-token")
	past := time.Now().Add(-time.Hour)
	user.TokenExpiry = &past
	sysCtx := store.WithUserContext(t.Context(), store.UserContext{RoleLevel: models.RoleLevelAdmin})
	require.NoError(t, st.UpsertUser(sysCtx, user))

	_, err := resolver.Resolve(bearerRequest("stale-token"))
	assert.True(t, auth.IsKind(err, auth.KindTokenExpired))
}

// ─── Mode 3: relayed external tokens ─────────────────────────

func fakeTokenInfo(t *testing.T, email string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("access_token") == "" {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]string{"error": "invalid_token"})
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"email": email})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestResolveRelayExistingUser(t *testing.T) {
	cfg := testAuthConfig()
	cfg.GoogleTokenInfoURL = fakeTokenInfo(t, "relay@example.com").URL
	resolver, st := newTestResolver(t, cfg)
	seedUser(t, st, "relay@example.com", models.RoleLevelInternal, "")

	ac, err := resolver.Resolve(bearerRequest("ya29-opaque-google-token"))
	require.NoError(t, err)
	assert.Equal(t, "relay@example.com", ac.Email)
	assert.Equal(t, models.RoleLevelInternal, ac.RoleLevel)
}

func TestResolveRelayUnknownUserRejectedByDefault(t *testing.T) {
	cfg := testAuthConfig()
	cfg.GoogleTokenInfoURL = fakeTokenInfo(t, "nobody@example.com").URL
	resolver, _ := newTestResolver(t, cfg)

	_, err := resolver.Resolve(bearerRequest("ya29-opaque-google-token"))
	assert.True(t, auth.IsKind(err, auth.KindUnknownUser))
}

func TestResolveRelayCreatesUserWhenAllowed(t *testing.T) {
	cfg := testAuthConfig()
	cfg.GoogleTokenInfoURL = fakeTokenInfo(t, "new@example.com").URL
	cfg.OAuthAllowNewUsers = true
	resolver, _ := newTestResolver(t, cfg)

	ac, err := resolver.Resolve(bearerRequest("ya29-opaque-google-token"))
	require.NoError(t, err)
	assert.Equal(t, "new@example.com", ac.Email)
	assert.Equal(t, models.RoleLevelPublic, ac.RoleLevel)
	assert.Contains(t, ac.Groups, auth.OAuthUsersGroup)
}

func TestResolveRelayEmailMismatch(t *testing.T) {
	cfg := testAuthConfig()
	cfg.GoogleTokenInfoURL = fakeTokenInfo(t, "verified@example.com").URL
	resolver, st := newTestResolver(t, cfg)
	seedUser(t, st, "verified@example.com", models.RoleLevelInternal, "")

	req := bearerRequest("ya29-opaque-google-token")
	req.Header.Set("X-User-Email", "imposter@example.com")

	_, err := resolver.Resolve(req)
	assert.True(t, auth.IsKind(err, auth.KindEmailMismatch))
}

// ─── Sessions and query params ───────────────────────────────

func TestResolveSessionCookie(t *testing.T) {
	resolver, st := newTestResolver(t, testAuthConfig())
	user := seedUser(t, st, "cookie@example.com", models.RoleLevelInternal, "")

	rec := httptest.NewRecorder()
	require.NoError(t, resolver.SessionStore().Issue(rec, user.ID))

	req := httptest.NewRequest(http.MethodGet, "/auth/ping", nil)
	for _, c := range rec.Result().Cookies() {
		req.AddCookie(c)
	}

	ac, err := resolver.Resolve(req)
	require.NoError(t, err)
	assert.Equal(t, user.ID, ac.UserID)
}

func TestResolveQueryParamOffByDefault(t *testing.T) {
	resolver, st := newTestResolver(t, testAuthConfig())
	user := seedUser(t, st, "query@example.com", models.RoleLevelInternal, "")

	req := httptest.NewRequest(http.MethodGet, "/entities/?user_id="+user.ID.String(), nil)
	_, err := resolver.Resolve(req)
	assert.True(t, auth.IsKind(err, auth.KindNoCredentials))

	resolver.AllowQueryParam = true
	ac, err := resolver.Resolve(req)
	require.NoError(t, err)
	assert.Equal(t, user.ID, ac.UserID)
}

func TestResolveOptionalAnonymous(t *testing.T) {
	resolver, _ := newTestResolver(t, testAuthConfig())

	ac, err := resolver.ResolveOptional(httptest.NewRequest(http.MethodGet, "/chat/completions", nil))
	require.NoError(t, err)
	assert.Nil(t, ac)
}
