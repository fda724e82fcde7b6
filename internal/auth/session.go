package auth

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/securecookie"
	"github.com/rs/zerolog/log"
)

// SessionCookieName is the browser session cookie.
const SessionCookieName = "p8_session"

// sessionPayload is what the signed cookie carries.
type sessionPayload struct {
	SessionID string    `json:"sid"`
	UserID    uuid.UUID `json:"uid"`
	ExpiresAt time.Time `json:"exp"`
}

// Sessions signs and verifies browser session cookies. The signing key is
// stable across restarts so sessions survive deploys.
type Sessions struct {
	codec *securecookie.SecureCookie
	ttl   time.Duration
}

// NewSessions builds the cookie codec. key comes from SESSION_KEY or the
// persisted key file; ttl bounds session lifetime server-side.
func NewSessions(key []byte, ttl time.Duration) *Sessions {
	sc := securecookie.New(key, nil)
	sc.MaxAge(int(ttl.Seconds()))
	return &Sessions{codec: sc, ttl: ttl}
}

// Issue writes a fresh signed session cookie for the user.
func (s *Sessions) Issue(w http.ResponseWriter, userID uuid.UUID) error {
	payload := sessionPayload{
		SessionID: uuid.NewString(),
		UserID:    userID,
		ExpiresAt: time.Now().Add(s.ttl),
	}
	encoded, err := s.codec.Encode(SessionCookieName, payload)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    encoded,
		Path:     "/",
		MaxAge:   int(s.ttl.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// Verify decodes the session cookie from the request, returning the user ID
// it was issued for.
func (s *Sessions) Verify(r *http.Request) (uuid.UUID, error) {
	cookie, err := r.Cookie(SessionCookieName)
	if err != nil {
		return uuid.Nil, &Error{Kind: KindNoCredentials, Detail: "no session cookie"}
	}
	var payload sessionPayload
	if err := s.codec.Decode(SessionCookieName, cookie.Value, &payload); err != nil {
		return uuid.Nil, &Error{Kind: KindInvalidToken, Detail: "invalid session cookie"}
	}
	if time.Now().After(payload.ExpiresAt) {
		return uuid.Nil, &Error{Kind: KindTokenExpired, Detail: "session expired"}
	}
	return payload.UserID, nil
}

// Clear expires the session cookie.
func (s *Sessions) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

type keyFile struct {
	Key       string    `json:"key"`
	CreatedAt time.Time `json:"created_at"`
}

// LoadOrCreateSessionKey returns the cookie signing key. Order: the
// configured value, then the persisted key file under dataDir/auth,
// generating and persisting a new key (0600) on first boot.
func LoadOrCreateSessionKey(configured, dataDir string) ([]byte, error) {
	if configured != "" {
		return []byte(configured), nil
	}

	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home dir: %w", err)
		}
		dataDir = filepath.Join(home, ".percolate")
	}
	path := filepath.Join(dataDir, "auth", "session_key.json")

	if raw, err := os.ReadFile(path); err == nil {
		var kf keyFile
		if err := json.Unmarshal(raw, &kf); err == nil && kf.Key != "" {
			if key, err := hex.DecodeString(kf.Key); err == nil {
				return key, nil
			}
		}
		log.Warn().Str("path", path).Msg("session key file unreadable, regenerating")
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate session key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create key dir: %w", err)
	}
	raw, _ := json.Marshal(keyFile{Key: hex.EncodeToString(key), CreatedAt: time.Now().UTC()})
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return nil, fmt.Errorf("persist session key: %w", err)
	}
	log.Info().Str("path", path).Msg("generated new session signing key")
	return key, nil
}
