package middleware

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/percolationlabs/percolate/internal/auth"
)

// Require authenticates the request through the resolver and rejects
// requests without a valid identity. The resolved identity and its
// row-level scope land on the request context.
func Require(resolver *auth.Resolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ac, err := resolver.Resolve(r)
			if err != nil {
				writeAuthError(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(auth.NewContext(r.Context(), ac)))
		})
	}
}

// Optional resolves credentials when present; anonymous requests pass
// through, but bad credentials still fail.
func Optional(resolver *auth.Resolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ac, err := resolver.ResolveOptional(r)
			if err != nil {
				writeAuthError(w, r, err)
				return
			}
			if ac != nil {
				r = r.WithContext(auth.NewContext(r.Context(), ac))
			}
			next.ServeHTTP(w, r)
		})
	}
}

// writeAuthError writes a 401 for every resolution failure. Failure kinds
// (unknown_user, token_expired, ...) surface in the message; 403 is reserved
// for authorization checks on a resolved identity. MCP clients key the OAuth
// discovery flow off WWW-Authenticate, so 401s always carry it.
func writeAuthError(w http.ResponseWriter, r *http.Request, err error) {
	kind := auth.KindInvalidToken
	detail := ""
	if ae, ok := err.(*auth.Error); ok {
		kind = ae.Kind
		detail = ae.Detail
	}
	realm := fmt.Sprintf(`Bearer realm=%q, resource_metadata=%q`,
		baseURL(r), baseURL(r)+"/.well-known/oauth-protected-resource")
	w.Header().Set("WWW-Authenticate", realm)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Detail  string `json:"detail,omitempty"`
	}{Code: "unauthorized", Message: string(kind), Detail: detail})
}

func baseURL(r *http.Request) string {
	return scheme(r) + "://" + r.Host
}
