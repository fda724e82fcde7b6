package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// GoogleVerifier validates relayed Google access tokens against the
// upstream tokeninfo endpoint. The endpoint URL is injectable for tests.
type GoogleVerifier struct {
	tokenInfoURL string
	httpClient   *http.Client
}

// NewGoogleVerifier builds a verifier against the given tokeninfo URL.
func NewGoogleVerifier(tokenInfoURL string) *GoogleVerifier {
	return &GoogleVerifier{
		tokenInfoURL: tokenInfoURL,
		httpClient:   &http.Client{Timeout: 10 * time.Second},
	}
}

// TokenInfo is the subset of the tokeninfo response we rely on.
type TokenInfo struct {
	Email         string `json:"email"`
	EmailVerified string `json:"email_verified"`
	ExpiresIn     string `json:"expires_in"`
	Error         string `json:"error,omitempty"`
}

// Verify checks the access token upstream and returns the verified email.
func (v *GoogleVerifier) Verify(ctx context.Context, accessToken string) (string, error) {
	endpoint := v.tokenInfoURL + "?access_token=" + url.QueryEscape(accessToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("create tokeninfo request: %w", err)
	}

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("tokeninfo request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read tokeninfo response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", &Error{Kind: KindInvalidToken, Detail: fmt.Sprintf("tokeninfo returned %d", resp.StatusCode)}
	}

	var info TokenInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return "", fmt.Errorf("unmarshal tokeninfo: %w", err)
	}
	if info.Error != "" {
		return "", &Error{Kind: KindInvalidToken, Detail: info.Error}
	}
	if info.Email == "" {
		return "", &Error{Kind: KindInvalidToken, Detail: "tokeninfo response missing email"}
	}
	return info.Email, nil
}
