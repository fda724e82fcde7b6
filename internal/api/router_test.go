package api_test

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/percolationlabs/percolate/internal/config"
	"github.com/percolationlabs/percolate/pkg/models"
	"github.com/percolationlabs/percolate/pkg/server"
)

const (
	systemToken = "test-system-token"
	adminEmail  = "admin@example.com"
)

// fakeUpstream serves the OpenAI-compatible endpoints the server dials out
// to: streaming chat completions and embeddings.
func fakeUpstream() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		chunks := []string{
			`{"id":"chatcmpl-1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"role":"assistant","content":"Hello"}}]}`,
			`{"id":"chatcmpl-1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":" there"}}]}`,
			`{"id":"chatcmpl-1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
			`{"id":"chatcmpl-1","object":"chat.completion.chunk","choices":[],"usage":{"prompt_tokens":7,"completion_tokens":2,"total_tokens":9}}`,
		}
		for _, c := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", c)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	})
	mux.HandleFunc("/embeddings", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Input []string `json:"input"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		data := make([]map[string]any, len(req.Input))
		for i := range req.Input {
			data[i] = map[string]any{"embedding": []float32{0.1, 0.2, 0.3, 0.4}, "index": i}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"data": data})
	})
	return mux
}

// newTestServer boots the full composition root against an in-memory store
// (the Postgres URL is unreachable on purpose) and a fake LLM upstream.
func newTestServer(t *testing.T) *server.Server {
	t.Helper()

	upstream := httptest.NewServer(fakeUpstream())
	t.Cleanup(upstream.Close)

	cfg := &config.Config{
		Port:    5008,
		BaseURL: "http://localhost:5008",
		Version: "test",
		DataDir: t.TempDir(),
		Database: config.DatabaseConfig{
			URL:            "postgres://127.0.0.1:1/percolate?connect_timeout=1&sslmode=disable",
			MaxConnections: 2,
		},
		Auth: config.AuthConfig{
			SystemToken: systemToken,
			Issuer:      "percolate",
			Audience:    "percolate-clients",
			TokenTTL:    time.Hour,
			SessionTTL:  time.Hour,
		},
		LLM: config.LLMConfig{
			OpenAIBaseURL:  upstream.URL,
			DefaultModel:   "gpt-4.1-mini",
			StreamIdle:     5 * time.Second,
			ToolTimeout:    5 * time.Second,
			EmbeddingModel: "text-embedding-3-small",
			EmbeddingDims:  4,
		},
		TUS: config.TUSConfig{
			StagingDir:   t.TempDir(),
			UploadTTL:    time.Hour,
			PatchTimeout: time.Minute,
			MaxSize:      1 << 20,
		},
		Scheduler: config.SchedulerConfig{Enabled: false},
	}

	srv, err := server.NewWithConfig(t.Context(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.ShutdownFunc(context.Background()) })
	return srv
}

// do runs a request through the router and returns the recorder.
func do(t *testing.T, srv *server.Server, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, req)
	return rec
}

// authed stamps system-token credentials on the request.
func authed(req *http.Request) *http.Request {
	req.Header.Set("Authorization", "Bearer "+systemToken)
	req.Header.Set("X-User-Email", adminEmail)
	return req
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
}

func TestHealthAndVersion(t *testing.T) {
	srv := newTestServer(t)

	rec := do(t, srv, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	decodeBody(t, rec, &body)
	assert.Equal(t, "healthy", body["status"])

	rec = do(t, srv, httptest.NewRequest(http.MethodGet, "/version", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &body)
	assert.Equal(t, "test", body["version"])
}

func TestUnauthenticatedRequestGetsChallenge(t *testing.T) {
	srv := newTestServer(t)

	rec := do(t, srv, httptest.NewRequest(http.MethodGet, "/memory/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "oauth-protected-resource")

	// bad credentials on an optional route still fail
	req := httptest.NewRequest(http.MethodGet, "/entities/", nil)
	req.Header.Set("Authorization", "Bearer not.a.jwt")
	rec = do(t, srv, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSystemTokenPing(t *testing.T) {
	srv := newTestServer(t)

	rec := do(t, srv, authed(httptest.NewRequest(http.MethodGet, "/auth/ping", nil)))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		UserID    string `json:"user_id"`
		Email     string `json:"email"`
		RoleLevel int    `json:"role_level"`
	}
	decodeBody(t, rec, &body)
	assert.Equal(t, adminEmail, body.Email)
	assert.Equal(t, models.RoleLevelAdmin, body.RoleLevel)
	assert.Equal(t, models.UserIDForEmail(adminEmail).String(), body.UserID)
}

func TestMemoryCRUD(t *testing.T) {
	srv := newTestServer(t)

	create := httptest.NewRequest(http.MethodPost, "/memory/",
		strings.NewReader(`{"name":"favorite-color","content":"The user prefers green."}`))
	rec := do(t, srv, authed(create))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = do(t, srv, authed(httptest.NewRequest(http.MethodGet, "/memory/favorite-color", nil)))
	require.Equal(t, http.StatusOK, rec.Code)
	var memory models.Memory
	decodeBody(t, rec, &memory)
	assert.Equal(t, "The user prefers green.", memory.Content)
	assert.Equal(t, models.DefaultMemoryCategory, memory.Category)

	rec = do(t, srv, authed(httptest.NewRequest(http.MethodGet, "/memory/", nil)))
	require.Equal(t, http.StatusOK, rec.Code)
	var memories []models.Memory
	decodeBody(t, rec, &memories)
	assert.Len(t, memories, 1)

	rec = do(t, srv, authed(httptest.NewRequest(http.MethodDelete, "/memory/favorite-color", nil)))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, srv, authed(httptest.NewRequest(http.MethodGet, "/memory/favorite-color", nil)))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestOAuthDiscoveryAndCodeFlow(t *testing.T) {
	srv := newTestServer(t)

	rec := do(t, srv, httptest.NewRequest(http.MethodGet, "/.well-known/oauth-authorization-server", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var meta struct {
		Issuer        string `json:"issuer"`
		TokenEndpoint string `json:"token_endpoint"`
	}
	decodeBody(t, rec, &meta)
	assert.Equal(t, "http://localhost:5008", meta.Issuer)
	assert.Contains(t, meta.TokenEndpoint, "/auth/token")

	// authorize with a PKCE challenge
	verifier := "e2e-code-verifier-0123456789abcdef0123456789abcdef"
	sum := sha256.Sum256([]byte(verifier))
	challenge := base64.RawURLEncoding.EncodeToString(sum[:])

	authorize := httptest.NewRequest(http.MethodGet,
		"/auth/authorize?response_type=code&client_id=test-client"+
			"&redirect_uri="+url.QueryEscape("http://localhost:3000/callback")+
			"&code_challenge="+challenge+"&code_challenge_method=S256&state=xyz", nil)
	rec = do(t, srv, authed(authorize))
	require.Equal(t, http.StatusFound, rec.Code)

	redirect, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	code := redirect.Query().Get("code")
	require.NotEmpty(t, code)
	assert.Equal(t, "xyz", redirect.Query().Get("state"))

	// exchange the code for tokens
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"code_verifier": {verifier},
		"client_id":     {"test-client"},
		"redirect_uri":  {"http://localhost:3000/callback"},
	}
	tokenReq := httptest.NewRequest(http.MethodPost, "/auth/token", strings.NewReader(form.Encode()))
	tokenReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec = do(t, srv, tokenReq)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

	var token struct {
		AccessToken  string `json:"access_token"`
		TokenType    string `json:"token_type"`
		RefreshToken string `json:"refresh_token"`
	}
	decodeBody(t, rec, &token)
	require.NotEmpty(t, token.AccessToken)
	assert.Equal(t, "Bearer", token.TokenType)
	assert.NotEmpty(t, token.RefreshToken)

	// the minted JWT authenticates as the original user
	ping := httptest.NewRequest(http.MethodGet, "/auth/ping", nil)
	ping.Header.Set("Authorization", "Bearer "+token.AccessToken)
	rec = do(t, srv, ping)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Email string `json:"email"`
	}
	decodeBody(t, rec, &body)
	assert.Equal(t, adminEmail, body.Email)
}

func TestTokenRejectsBadGrants(t *testing.T) {
	srv := newTestServer(t)

	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {"bogus"},
		"code_verifier": {"whatever"},
		"client_id":     {"test-client"},
		"redirect_uri":  {"http://localhost:3000/callback"},
	}
	req := httptest.NewRequest(http.MethodPost, "/auth/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := do(t, srv, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	var body struct {
		Error string `json:"error"`
	}
	decodeBody(t, rec, &body)
	assert.Equal(t, "invalid_grant", body.Error)

	form = url.Values{"grant_type": {"password"}}
	req = httptest.NewRequest(http.MethodPost, "/auth/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec = do(t, srv, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	decodeBody(t, rec, &body)
	assert.Equal(t, "unsupported_grant_type", body.Error)
}

func TestTUSLifecycle(t *testing.T) {
	srv := newTestServer(t)
	content := "resumable upload over the wire"

	create := httptest.NewRequest(http.MethodPost, "/tus/", nil)
	create.Header.Set("Tus-Resumable", "1.0.0")
	create.Header.Set("Upload-Length", fmt.Sprint(len(content)))
	create.Header.Set("Upload-Metadata",
		"filename "+base64.StdEncoding.EncodeToString([]byte("notes.txt")))
	rec := do(t, srv, authed(create))
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "1.0.0", rec.Header().Get("Tus-Resumable"))

	location := rec.Header().Get("Location")
	require.True(t, strings.HasPrefix(location, "/tus/"))

	// wrong content type is rejected before touching the upload
	patch := httptest.NewRequest(http.MethodPatch, location, strings.NewReader(content))
	patch.Header.Set("Upload-Offset", "0")
	patch.Header.Set("Content-Type", "text/plain")
	rec = do(t, srv, authed(patch))
	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)

	patch = httptest.NewRequest(http.MethodPatch, location, strings.NewReader(content))
	patch.Header.Set("Upload-Offset", "0")
	patch.Header.Set("Content-Type", "application/offset+octet-stream")
	rec = do(t, srv, authed(patch))
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, fmt.Sprint(len(content)), rec.Header().Get("Upload-Offset"))

	head := httptest.NewRequest(http.MethodHead, location, nil)
	rec = do(t, srv, authed(head))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, fmt.Sprint(len(content)), rec.Header().Get("Upload-Offset"))
	assert.Equal(t, fmt.Sprint(len(content)), rec.Header().Get("Upload-Length"))

	// finalization runs on the worker pool
	require.Eventually(t, func() bool {
		rec := do(t, srv, authed(httptest.NewRequest(http.MethodGet, location+"/status", nil)))
		if rec.Code != http.StatusOK {
			return false
		}
		var up models.Upload
		if err := json.Unmarshal(rec.Body.Bytes(), &up); err != nil {
			return false
		}
		return up.Status == models.UploadIngested
	}, 5*time.Second, 20*time.Millisecond)
}

func TestMCPToolDiscovery(t *testing.T) {
	srv := newTestServer(t)

	rpc := func(body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		return do(t, srv, authed(req))
	}

	rec := rpc(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var init struct {
		Result struct {
			ProtocolVersion string `json:"protocolVersion"`
			ServerInfo      struct {
				Name string `json:"name"`
			} `json:"serverInfo"`
		} `json:"result"`
	}
	decodeBody(t, rec, &init)
	assert.Equal(t, "2025-03-26", init.Result.ProtocolVersion)
	assert.Equal(t, "percolate", init.Result.ServerInfo.Name)

	rec = rpc(`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Result struct {
			Tools []struct {
				Name string `json:"name"`
			} `json:"tools"`
		} `json:"result"`
	}
	decodeBody(t, rec, &list)

	names := map[string]bool{}
	for _, tool := range list.Result.Tools {
		names[tool.Name] = true
	}
	assert.True(t, names["web_search"], "built-in tools are discoverable")
	assert.True(t, names["web_fetch"])

	rec = rpc(`{"jsonrpc":"2.0","id":3,"method":"no/such/method"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var fail struct {
		Error *struct {
			Code int `json:"code"`
		} `json:"error"`
	}
	decodeBody(t, rec, &fail)
	require.NotNil(t, fail.Error)
	assert.Equal(t, -32601, fail.Error.Code)
}

func TestChatCompletions(t *testing.T) {
	srv := newTestServer(t)

	body := `{"model":"gpt-4.1-mini","messages":[{"role":"user","content":"hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/chat/completions", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := do(t, srv, authed(req))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Object  string `json:"object"`
		Choices []struct {
			Message      models.ChatMessage `json:"message"`
			FinishReason string             `json:"finish_reason"`
		} `json:"choices"`
		Usage models.Usage `json:"usage"`
	}
	decodeBody(t, rec, &resp)
	assert.Equal(t, "chat.completion", resp.Object)
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "Hello there", resp.Choices[0].Message.Content)
	assert.Equal(t, 9, resp.Usage.TotalTokens)
}

func TestChatCompletionsStreaming(t *testing.T) {
	srv := newTestServer(t)

	body := `{"model":"gpt-4.1-mini","stream":true,"messages":[{"role":"user","content":"hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/chat/completions", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := do(t, srv, authed(req))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/event-stream")

	raw, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "Hello")
	assert.Contains(t, string(raw), "[DONE]")
}

func TestValidationErrors(t *testing.T) {
	srv := newTestServer(t)

	// empty message list
	req := httptest.NewRequest(http.MethodPost, "/chat/completions", strings.NewReader(`{"model":"gpt-4.1-mini"}`))
	rec := do(t, srv, authed(req))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	// TUS creation without a length
	create := httptest.NewRequest(http.MethodPost, "/tus/", nil)
	rec = do(t, srv, authed(create))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}
