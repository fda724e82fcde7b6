package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/percolationlabs/percolate/pkg/models"
)

// TokenIssuer mints and verifies Percolate access tokens (HS256). The same
// secret signs OAuth-issued tokens and tokens handed out by the admin API.
type TokenIssuer struct {
	secret   []byte
	issuer   string
	audience string
	ttl      time.Duration
}

// NewTokenIssuer builds an issuer with the configured signing secret.
func NewTokenIssuer(secret, issuer, audience string, ttl time.Duration) *TokenIssuer {
	return &TokenIssuer{
		secret:   []byte(secret),
		issuer:   issuer,
		audience: audience,
		ttl:      ttl,
	}
}

// TTL returns the configured access token lifetime.
func (t *TokenIssuer) TTL() time.Duration { return t.ttl }

// Issue mints a signed access token for the given identity.
func (t *TokenIssuer) Issue(ac *Context) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":        ac.UserID.String(),
		"email":      ac.Email,
		"role_level": ac.RoleLevel,
		"groups":     ac.Groups,
		"iat":        now.Unix(),
		"exp":        now.Add(t.ttl).Unix(),
		"iss":        t.issuer,
		"aud":        t.audience,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a token, returning the embedded identity.
// Expired tokens fail with KindTokenExpired so callers can distinguish
// refresh-worthy failures from garbage.
func (t *TokenIssuer) Verify(tokenString string) (*Context, error) {
	ac, _, err := t.Inspect(tokenString)
	return ac, err
}

// Inspect is Verify plus the token's expiry, for introspection responses.
func (t *TokenIssuer) Inspect(tokenString string) (*Context, time.Time, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return t.secret, nil
	},
		jwt.WithIssuer(t.issuer),
		jwt.WithAudience(t.audience),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, time.Time{}, &Error{Kind: KindTokenExpired, Detail: "access token expired"}
		}
		return nil, time.Time{}, &Error{Kind: KindInvalidToken, Detail: err.Error()}
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, time.Time{}, &Error{Kind: KindInvalidToken, Detail: "invalid claims"}
	}

	sub, _ := claims["sub"].(string)
	userID, err := uuid.Parse(sub)
	if err != nil {
		return nil, time.Time{}, &Error{Kind: KindInvalidToken, Detail: "invalid subject"}
	}
	email, _ := claims["email"].(string)

	// a token that says nothing about role gets the least privileged class
	roleLevel := models.RoleLevelPublic
	if rl, ok := claims["role_level"].(float64); ok && rl > 0 {
		roleLevel = int(rl)
	}

	var groups []string
	if raw, ok := claims["groups"].([]any); ok {
		for _, g := range raw {
			if s, ok := g.(string); ok {
				groups = append(groups, s)
			}
		}
	}

	var expiresAt time.Time
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		expiresAt = exp.Time
	}

	return &Context{UserID: userID, Email: email, RoleLevel: roleLevel, Groups: groups}, expiresAt, nil
}
