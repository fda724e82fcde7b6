package tools_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/percolationlabs/percolate/internal/auth"
	"github.com/percolationlabs/percolate/internal/store"
	"github.com/percolationlabs/percolate/internal/tools"
	"github.com/percolationlabs/percolate/internal/vectorstore"
	"github.com/percolationlabs/percolate/pkg/models"
)

// fakeEmbedder maps each text to a deterministic low-dimensional vector so
// similarity ordering is predictable in tests.
type fakeEmbedder struct{}

func (fakeEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		v := make([]float32, 4)
		for j, r := range text {
			v[j%4] += float32(r)
		}
		out[i] = v
	}
	return out, nil
}

func (fakeEmbedder) Dimensions() int { return 4 }

func newTestRegistry(t *testing.T) (*tools.Registry, store.Store) {
	t.Helper()
	st := store.NewMemoryStore()
	t.Cleanup(func() { st.Close() })
	index := vectorstore.NewEmbeddedIndex()
	return tools.NewRegistry(st, index, fakeEmbedder{}, 5*time.Second), st
}

func registerFunc(t *testing.T, reg *tools.Registry, name, description string, access int, impl tools.NativeFunc) {
	t.Helper()
	fn := &models.Function{
		Name:           name,
		Description:    description,
		AccessRequired: access,
		FunctionSpec:   map[string]any{"type": "object"},
		CreatedAt:      time.Now().UTC(),
		UpdatedAt:      time.Now().UTC(),
	}
	require.NoError(t, reg.Register(t.Context(), fn, impl))
}

func callFor(name, args string) models.ToolCall {
	return models.ToolCall{
		ID:       "call_1",
		Type:     "function",
		Function: models.FunctionCall{Name: name, Arguments: args},
	}
}

func TestInvokeNative(t *testing.T) {
	reg, _ := newTestRegistry(t)
	registerFunc(t, reg, "echo", "echoes its input", models.RoleLevelPublic,
		func(ctx context.Context, args map[string]any) (any, error) {
			return map[string]any{"echo": args["msg"]}, nil
		})

	result, err := reg.Invoke(t.Context(), callFor("echo", `{"msg":"hi"}`), models.RoleLevelPublic, 0)
	require.NoError(t, err)
	assert.JSONEq(t, `{"echo":"hi"}`, result)
}

func TestInvokeRespectsRoleLevel(t *testing.T) {
	reg, _ := newTestRegistry(t)
	registerFunc(t, reg, "internal_tool", "staff only", models.RoleLevelInternal,
		func(ctx context.Context, args map[string]any) (any, error) { return "ok", nil })

	// public caller (level 100) may not use an internal (level 10) tool
	_, err := reg.Invoke(t.Context(), callFor("internal_tool", "{}"), models.RoleLevelPublic, 0)
	assert.ErrorIs(t, err, tools.ErrForbidden)

	// an admin caller (level 1) may
	result, err := reg.Invoke(t.Context(), callFor("internal_tool", "{}"), models.RoleLevelAdmin, 0)
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
}

func TestInvokeHTTPProxy(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		fmt.Fprint(w, `{"status":"proxied"}`)
	}))
	defer upstream.Close()

	reg, _ := newTestRegistry(t)
	fn := &models.Function{
		Name:           "remote",
		Description:    "remote proxy",
		ProxyURI:       upstream.URL,
		AccessRequired: models.RoleLevelPublic,
	}
	require.NoError(t, reg.Register(t.Context(), fn, nil))

	result, err := reg.Invoke(t.Context(), callFor("remote", `{"x":1}`), models.RoleLevelPublic, 0)
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"proxied"}`, result)
}

func TestInvokeHTTPProxyForwardsCallerAuth(t *testing.T) {
	var gotAuth, gotEmail string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotEmail = r.Header.Get("X-User-Email")
		fmt.Fprint(w, `{}`)
	}))
	defer upstream.Close()

	reg, _ := newTestRegistry(t)
	fn := &models.Function{Name: "scoped", ProxyURI: upstream.URL, AccessRequired: models.RoleLevelPublic}
	require.NoError(t, reg.Register(t.Context(), fn, nil))

	ctx := auth.NewContext(t.Context(), &auth.Context{
		UserID:    models.UserIDForEmail("caller@example.com"),
		Email:     "caller@example.com",
		RoleLevel: models.RoleLevelInternal,
		Token:     "caller-bearer-token",
	})
	_, err := reg.Invoke(ctx, callFor("scoped", "{}"), models.RoleLevelInternal, 0)
	require.NoError(t, err)

	assert.Equal(t, "Bearer caller-bearer-token", gotAuth)
	assert.Equal(t, "caller@example.com", gotEmail)
}

func TestInvokeHTTPProxyUpstreamError(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer upstream.Close()

	reg, _ := newTestRegistry(t)
	fn := &models.Function{Name: "broken", ProxyURI: upstream.URL, AccessRequired: models.RoleLevelPublic}
	require.NoError(t, reg.Register(t.Context(), fn, nil))

	_, err := reg.Invoke(t.Context(), callFor("broken", "{}"), models.RoleLevelPublic, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

// fakeInvoker records agent-proxy dispatches.
type fakeInvoker struct {
	agentName string
	prompt    string
	depth     int
}

func (f *fakeInvoker) InvokeAgent(ctx context.Context, agentName, prompt string, depth int) (string, error) {
	f.agentName = agentName
	f.prompt = prompt
	f.depth = depth
	return "agent says hi", nil
}

func TestInvokeAgentProxy(t *testing.T) {
	reg, _ := newTestRegistry(t)
	inv := &fakeInvoker{}
	reg.BindAgentInvoker(inv)

	fn := &models.Function{
		Name:           "public_helper_run",
		ProxyURI:       models.AgentProxyPrefix + "public.helper",
		AccessRequired: models.RoleLevelPublic,
	}
	require.NoError(t, reg.Register(t.Context(), fn, nil))

	result, err := reg.Invoke(t.Context(), callFor("public_helper_run", `{"prompt":"help me"}`), models.RoleLevelPublic, 0)
	require.NoError(t, err)
	assert.Equal(t, "agent says hi", result)
	assert.Equal(t, "public.helper", inv.agentName)
	assert.Equal(t, "help me", inv.prompt)
	assert.Equal(t, 1, inv.depth)
}

func TestInvokeAgentProxyDepthCap(t *testing.T) {
	reg, _ := newTestRegistry(t)
	reg.BindAgentInvoker(&fakeInvoker{})

	fn := &models.Function{
		Name:           "deep_run",
		ProxyURI:       models.AgentProxyPrefix + "public.deep",
		AccessRequired: models.RoleLevelPublic,
	}
	require.NoError(t, reg.Register(t.Context(), fn, nil))

	_, err := reg.Invoke(t.Context(), callFor("deep_run", `{"prompt":"x"}`), models.RoleLevelPublic, tools.MaxAgentDepth)
	assert.ErrorIs(t, err, tools.ErrDepthExceeded)
}

func TestSearchHybridDedupesAndFilters(t *testing.T) {
	reg, _ := newTestRegistry(t)
	noop := func(ctx context.Context, args map[string]any) (any, error) { return "", nil }
	registerFunc(t, reg, "web_search", "search the public web", models.RoleLevelPublic, noop)
	registerFunc(t, reg, "db_admin", "administer the database", models.RoleLevelAdmin, noop)

	results, err := reg.Search(t.Context(), "search", models.RoleLevelPublic, 10)
	require.NoError(t, err)

	names := map[string]int{}
	for _, fn := range results {
		names[fn.Name]++
	}
	assert.Equal(t, 1, names["web_search"], "hybrid halves must dedupe")
	assert.Zero(t, names["db_admin"], "admin tools hidden from public callers")
}

func TestSpecsForDropsUnknownAndForbidden(t *testing.T) {
	reg, _ := newTestRegistry(t)
	noop := func(ctx context.Context, args map[string]any) (any, error) { return "", nil }
	registerFunc(t, reg, "allowed", "open tool", models.RoleLevelPublic, noop)
	registerFunc(t, reg, "restricted", "staff tool", models.RoleLevelInternal, noop)

	specs, err := reg.SpecsFor(t.Context(), map[string]string{
		"allowed":    "use this freely",
		"restricted": "",
		"ghost":      "",
	}, models.RoleLevelPublic)
	require.NoError(t, err)

	require.Len(t, specs, 1)
	assert.Equal(t, "allowed", specs[0].Function.Name)
	assert.Equal(t, "use this freely", specs[0].Function.Description, "declared description overrides")
}
