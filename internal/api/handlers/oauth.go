package handlers

import (
	"net/http"
	"net/url"

	"github.com/rs/zerolog/log"

	"github.com/percolationlabs/percolate/internal/oauth"
)

// ── Discovery ───────────────────────────────────────────────

// AuthorizationServerMetadata serves the RFC 8414 discovery document.
func (h *Handlers) AuthorizationServerMetadata(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, oauth.NewMetadata(h.Config.BaseURL))
}

// ProtectedResourceMetadata serves the RFC 9728 resource document that
// WWW-Authenticate challenges point MCP clients at.
func (h *Handlers) ProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"resource":                 h.Config.BaseURL,
		"authorization_servers":    []string{h.Config.BaseURL},
		"bearer_methods_supported": []string{"header"},
	})
}

// ── Authorization code flow ─────────────────────────────────

// Authorize serves GET /auth/authorize. The caller must already be
// authenticated; the handler mints a single-use code bound to the PKCE
// challenge and redirects back with it.
func (h *Handlers) Authorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("response_type") != "code" {
		respondError(w, http.StatusUnprocessableEntity, "validation", "response_type must be code")
		return
	}
	redirectURI := q.Get("redirect_uri")
	if redirectURI == "" {
		respondError(w, http.StatusUnprocessableEntity, "validation", "redirect_uri required")
		return
	}
	if _, err := url.ParseRequestURI(redirectURI); err != nil {
		respondError(w, http.StatusUnprocessableEntity, "validation", "redirect_uri must be absolute")
		return
	}
	if method := q.Get("code_challenge_method"); method != "" && method != "S256" {
		respondError(w, http.StatusUnprocessableEntity, "validation", "only S256 code challenges are supported")
		return
	}

	ac := identity(r)
	code, err := h.OAuth.IssueCode(ac, q.Get("client_id"), redirectURI, q.Get("code_challenge"))
	if err != nil {
		respondError(w, http.StatusUnprocessableEntity, "validation", "code_challenge required")
		return
	}

	// keep the browser logged in for subsequent authorize round-trips
	if h.Resolver.SessionStore() != nil {
		_ = h.Resolver.SessionStore().Issue(w, ac.UserID)
	}

	target, _ := url.Parse(redirectURI)
	values := target.Query()
	values.Set("code", code)
	if state := q.Get("state"); state != "" {
		values.Set("state", state)
	}
	target.RawQuery = values.Encode()

	log.Info().Str("client_id", q.Get("client_id")).Str("email", ac.Email).Msg("authorization code issued")
	http.Redirect(w, r, target.String(), http.StatusFound)
}

// oauthError is the RFC 6749 token error body.
type oauthError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// Token serves POST /auth/token, form-encoded per RFC 6749.
func (h *Handlers) Token(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		respondJSON(w, http.StatusBadRequest, oauthError{Error: "invalid_request"})
		return
	}

	var (
		resp *oauth.TokenResponse
		err  error
	)
	switch grantType := r.PostFormValue("grant_type"); grantType {
	case "authorization_code":
		resp, err = h.OAuth.Exchange(
			r.PostFormValue("code"),
			r.PostFormValue("code_verifier"),
			r.PostFormValue("client_id"),
			r.PostFormValue("redirect_uri"),
		)
	case "refresh_token":
		resp, err = h.OAuth.Refresh(r.PostFormValue("refresh_token"), r.PostFormValue("client_id"))
	default:
		respondJSON(w, http.StatusBadRequest, oauthError{Error: "unsupported_grant_type"})
		return
	}

	if err != nil {
		respondJSON(w, http.StatusBadRequest, oauthError{Error: "invalid_grant", ErrorDescription: err.Error()})
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	respondJSON(w, http.StatusOK, resp)
}

// Introspect serves POST /auth/introspect. Inactive tokens still return
// 200 with active=false, per RFC 7662.
func (h *Handlers) Introspect(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		respondJSON(w, http.StatusBadRequest, oauthError{Error: "invalid_request"})
		return
	}
	respondJSON(w, http.StatusOK, h.OAuth.Introspect(r.PostFormValue("token")))
}

// ── Session endpoints ───────────────────────────────────────

// Ping echoes the resolved identity so clients can verify credentials.
func (h *Handlers) Ping(w http.ResponseWriter, r *http.Request) {
	ac := identity(r)
	respondJSON(w, http.StatusOK, map[string]any{
		"user_id":    ac.UserID,
		"email":      ac.Email,
		"role_level": ac.RoleLevel,
		"groups":     ac.Groups,
	})
}

// Logout clears the session cookie.
func (h *Handlers) Logout(w http.ResponseWriter, r *http.Request) {
	if h.Resolver.SessionStore() != nil {
		h.Resolver.SessionStore().Clear(w)
	}
	w.WriteHeader(http.StatusNoContent)
}
