package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/percolationlabs/percolate/internal/config"
	"github.com/percolationlabs/percolate/internal/store"
	"github.com/percolationlabs/percolate/pkg/models"
)

// OAuthUsersGroup is attached to users created through relayed OAuth logins.
const OAuthUsersGroup = "oauth_users"

// Resolver turns request credentials into an identity. Resolution order:
// bearer token (platform JWT, stored token, system token, or relayed
// external token), then session cookie, then an opt-in user_id query
// parameter for embedded deployments.
type Resolver struct {
	store    store.Store
	cfg      config.AuthConfig
	issuer   *TokenIssuer
	sessions *Sessions
	google   *GoogleVerifier

	// AllowQueryParam enables ?user_id= resolution. Off by default; only
	// embedded single-tenant deployments turn it on.
	AllowQueryParam bool
}

// NewResolver wires the resolver against the identity store.
func NewResolver(st store.Store, cfg config.AuthConfig, issuer *TokenIssuer, sessions *Sessions) *Resolver {
	return &Resolver{
		store:    st,
		cfg:      cfg,
		issuer:   issuer,
		sessions: sessions,
		google:   NewGoogleVerifier(cfg.GoogleTokenInfoURL),
	}
}

// Issuer exposes the token issuer for the OAuth endpoints.
func (r *Resolver) Issuer() *TokenIssuer { return r.issuer }

// SessionStore exposes the cookie codec for the login handlers.
func (r *Resolver) SessionStore() *Sessions { return r.sessions }

// Resolve authenticates the request, failing with a typed *Error when no
// usable credential is present.
func (r *Resolver) Resolve(req *http.Request) (*Context, error) {
	bearer := bearerToken(req)
	headerEmail := strings.TrimSpace(req.Header.Get("X-User-Email"))
	if headerEmail == "" {
		// Open WebUI forwards the signed-in user under its own header name.
		headerEmail = strings.TrimSpace(req.Header.Get("X-OpenWebUI-User-Email"))
	}

	if bearer != "" {
		ac, err := r.resolveBearer(req.Context(), bearer, headerEmail)
		if err != nil {
			return nil, err
		}
		ac.Token = bearer
		return ac, nil
	}

	if r.sessions != nil {
		userID, err := r.sessions.Verify(req)
		if err == nil {
			return r.contextForUserID(req.Context(), userID)
		}
		if !IsKind(err, KindNoCredentials) {
			return nil, err
		}
	}

	if r.AllowQueryParam {
		if raw := req.URL.Query().Get("user_id"); raw != "" {
			userID, err := uuid.Parse(raw)
			if err != nil {
				return nil, &Error{Kind: KindInvalidToken, Detail: "invalid user_id parameter"}
			}
			return r.contextForUserID(req.Context(), userID)
		}
	}

	return nil, &Error{Kind: KindNoCredentials, Detail: "no credentials presented"}
}

// ResolveOptional is Resolve with a soft landing: requests with no
// credentials at all pass through as anonymous (nil, nil). Bad credentials
// still fail.
func (r *Resolver) ResolveOptional(req *http.Request) (*Context, error) {
	ac, err := r.Resolve(req)
	if err != nil && IsKind(err, KindNoCredentials) {
		return nil, nil
	}
	return ac, err
}

// resolveBearer dispatches a bearer token through the three token modes.
// JWT-shaped tokens never fall through to relay; a bad platform token is a
// bad platform token.
func (r *Resolver) resolveBearer(ctx context.Context, bearer, headerEmail string) (*Context, error) {
	if looksLikeJWT(bearer) {
		return r.issuer.Verify(bearer)
	}

	if r.cfg.SystemToken != "" && bearer == r.cfg.SystemToken {
		return r.resolveSystemToken(ctx, headerEmail)
	}

	user, err := r.store.FindUserByToken(ctx, bearer)
	switch {
	case err == nil:
		if headerEmail != "" && !strings.EqualFold(headerEmail, user.Email) {
			return nil, &Error{Kind: KindEmailMismatch, Detail: "token does not belong to the presented email"}
		}
		return contextForUser(user), nil
	case errors.Is(err, store.ErrTokenExpired):
		return nil, &Error{Kind: KindTokenExpired, Detail: "stored token expired"}
	case store.IsNotFound(err):
		return r.resolveRelay(ctx, bearer, headerEmail)
	default:
		return nil, err
	}
}

// resolveSystemToken authenticates the DB bootstrap token as the presented
// email, materializing the user row on first contact. The header email wins
// over the configured fallback.
func (r *Resolver) resolveSystemToken(ctx context.Context, headerEmail string) (*Context, error) {
	email := headerEmail
	if email == "" {
		email = r.cfg.FallbackEmail
	}
	if email == "" {
		return nil, &Error{Kind: KindInvalidToken, Detail: "system token requires an email"}
	}

	sysCtx := systemScope(ctx)
	user, err := r.store.GetUserByEmail(sysCtx, email)
	if store.IsNotFound(err) {
		user = &models.User{
			ID:        models.UserIDForEmail(email),
			Email:     strings.ToLower(strings.TrimSpace(email)),
			RoleLevel: models.RoleLevelAdmin,
			CreatedAt: time.Now().UTC(),
			UpdatedAt: time.Now().UTC(),
		}
		if err := r.store.UpsertUser(sysCtx, user); err != nil {
			return nil, err
		}
		log.Info().Str("email", user.Email).Msg("materialized user via system token")
	} else if err != nil {
		return nil, err
	}
	return contextForUser(user), nil
}

// resolveRelay validates an opaque token upstream (Google tokeninfo) and
// maps the verified email to a local user, creating one when the deployment
// allows it.
func (r *Resolver) resolveRelay(ctx context.Context, bearer, headerEmail string) (*Context, error) {
	email, err := r.google.Verify(ctx, bearer)
	if err != nil {
		return nil, err
	}
	if headerEmail != "" && !strings.EqualFold(headerEmail, email) {
		return nil, &Error{Kind: KindEmailMismatch, Detail: "verified email does not match the presented email"}
	}

	sysCtx := systemScope(ctx)
	user, err := r.store.GetUserByEmail(sysCtx, email)
	if store.IsNotFound(err) {
		if !r.cfg.OAuthAllowNewUsers {
			return nil, &Error{Kind: KindUnknownUser, Detail: "no account for " + email}
		}
		user = &models.User{
			ID:        models.UserIDForEmail(email),
			Email:     strings.ToLower(strings.TrimSpace(email)),
			RoleLevel: models.RoleLevelPublic,
			Groups:    []string{OAuthUsersGroup},
			CreatedAt: time.Now().UTC(),
			UpdatedAt: time.Now().UTC(),
		}
		if err := r.store.UpsertUser(sysCtx, user); err != nil {
			return nil, err
		}
		log.Info().Str("email", user.Email).Msg("created user via relayed oauth login")
	} else if err != nil {
		return nil, err
	}
	return contextForUser(user), nil
}

func (r *Resolver) contextForUserID(ctx context.Context, userID uuid.UUID) (*Context, error) {
	user, err := r.store.GetUserByID(systemScope(ctx), userID)
	if store.IsNotFound(err) {
		return nil, &Error{Kind: KindUnknownUser, Detail: "no such user"}
	}
	if err != nil {
		return nil, err
	}
	return contextForUser(user), nil
}

func contextForUser(u *models.User) *Context {
	return &Context{
		UserID:    u.ID,
		Email:     u.Email,
		RoleLevel: u.RoleLevel,
		Groups:    u.Groups,
	}
}

// systemScope runs identity lookups with admin-level row scope. The request
// is not authenticated yet at this point, so the store must see the user
// rows regardless of who turns out to be calling.
func systemScope(ctx context.Context) context.Context {
	return store.WithUserContext(ctx, store.UserContext{RoleLevel: models.RoleLevelAdmin})
}

func bearerToken(req *http.Request) string {
	h := req.Header.Get("Authorization")
	if h == "" {
		return ""
	}
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// looksLikeJWT detects the three-segment structure of a signed JWT.
// Relayed provider access tokens are opaque and never match.
func looksLikeJWT(token string) bool {
	return strings.Count(token, ".") == 2
}
