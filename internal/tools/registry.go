// Package tools manages the function registry: registration with embedded
// descriptions, hybrid discovery (vector similarity unioned with keyword
// match), role-gated listing, and invocation across the three function
// kinds (native, HTTP proxy, agent proxy).
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/percolationlabs/percolate/internal/auth"
	"github.com/percolationlabs/percolate/internal/embeddings"
	"github.com/percolationlabs/percolate/internal/store"
	"github.com/percolationlabs/percolate/internal/vectorstore"
	"github.com/percolationlabs/percolate/pkg/models"
)

// MaxAgentDepth caps agent-proxy recursion. A depth-4 dispatch fails
// rather than silently truncating.
const MaxAgentDepth = 3

var (
	ErrForbidden     = errors.New("function not allowed for role level")
	ErrDepthExceeded = errors.New("agent proxy depth exceeded")
)

// NativeFunc is an in-process function implementation.
type NativeFunc func(ctx context.Context, args map[string]any) (any, error)

// AgentInvoker dispatches an agent-proxy call back into the agent runtime.
// Bound after construction to break the package cycle with the runtime.
type AgentInvoker interface {
	InvokeAgent(ctx context.Context, agentName, prompt string, depth int) (string, error)
}

// Registry is the function catalog and dispatcher.
type Registry struct {
	store       store.Store
	index       vectorstore.Index
	embedder    embeddings.Embedder
	httpClient  *http.Client
	toolTimeout time.Duration

	mu     sync.RWMutex
	native map[string]NativeFunc

	agentInvoker AgentInvoker
}

// NewRegistry wires the registry. embedder may be nil; discovery then
// degrades to keyword-only search.
func NewRegistry(st store.Store, index vectorstore.Index, embedder embeddings.Embedder, toolTimeout time.Duration) *Registry {
	return &Registry{
		store:       st,
		index:       index,
		embedder:    embedder,
		httpClient:  &http.Client{Timeout: toolTimeout},
		toolTimeout: toolTimeout,
		native:      map[string]NativeFunc{},
	}
}

// BindAgentInvoker attaches the agent runtime for proxy dispatch.
func (r *Registry) BindAgentInvoker(inv AgentInvoker) {
	r.agentInvoker = inv
}

// Register persists the function and indexes its description for
// discovery. A non-nil impl registers the in-process implementation under
// the function's name.
func (r *Registry) Register(ctx context.Context, fn *models.Function, impl NativeFunc) error {
	if fn.Name == "" {
		return errors.New("function name required")
	}
	if err := r.store.UpsertFunction(ctx, fn); err != nil {
		return fmt.Errorf("upsert function: %w", err)
	}
	if impl != nil {
		r.mu.Lock()
		r.native[fn.Name] = impl
		r.mu.Unlock()
	}
	r.indexDescription(ctx, fn)
	return nil
}

// indexDescription embeds the function description. Failures log and move
// on; the keyword half of hybrid search still finds the function.
func (r *Registry) indexDescription(ctx context.Context, fn *models.Function) {
	if r.embedder == nil || r.index == nil || fn.Description == "" {
		return
	}
	vectors, err := r.embedder.Embed(ctx, []string{fn.Description})
	if err != nil || len(vectors) == 0 {
		log.Warn().Err(err).Str("function", fn.Name).Msg("embed function description failed")
		return
	}
	if err := r.index.IndexFunction(ctx, fn.Name, vectors[0]); err != nil {
		log.Warn().Err(err).Str("function", fn.Name).Msg("index function failed")
	}
}

// Search runs hybrid discovery: vector similarity over descriptions
// unioned with keyword match over names and descriptions, deduplicated by
// name, filtered to functions the caller's role level may use.
func (r *Registry) Search(ctx context.Context, query string, roleLevel, limit int) ([]models.Function, error) {
	if limit <= 0 {
		limit = 10
	}

	seen := map[string]bool{}
	var out []models.Function

	if r.embedder != nil && r.index != nil && query != "" {
		vectors, err := r.embedder.Embed(ctx, []string{query})
		if err == nil && len(vectors) > 0 {
			matches, err := r.index.SearchFunctions(ctx, vectors[0], limit)
			if err != nil {
				return nil, fmt.Errorf("vector search: %w", err)
			}
			for _, m := range matches {
				fn, err := r.store.GetFunction(ctx, m.Name)
				if err != nil {
					continue
				}
				if fn.AllowedFor(roleLevel) && !seen[fn.Name] {
					seen[fn.Name] = true
					out = append(out, *fn)
				}
			}
		} else if err != nil {
			log.Warn().Err(err).Msg("embed search query failed, keyword only")
		}
	}

	keyword, err := r.store.SearchFunctions(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}
	for _, fn := range keyword {
		if fn.AllowedFor(roleLevel) && !seen[fn.Name] {
			seen[fn.Name] = true
			out = append(out, fn)
		}
	}

	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SpecsFor resolves an agent's declared functions into tool specs for the
// model, silently dropping functions the caller may not use.
func (r *Registry) SpecsFor(ctx context.Context, declared map[string]string, roleLevel int) ([]models.ToolSpec, error) {
	specs := make([]models.ToolSpec, 0, len(declared))
	for name, description := range declared {
		fn, err := r.store.GetFunction(ctx, name)
		if store.IsNotFound(err) {
			log.Warn().Str("function", name).Msg("agent declares unknown function")
			continue
		}
		if err != nil {
			return nil, err
		}
		if !fn.AllowedFor(roleLevel) {
			continue
		}
		if description == "" {
			description = fn.Description
		}
		specs = append(specs, models.ToolSpec{
			Type: "function",
			Function: models.ToolFunction{
				Name:        fn.Name,
				Description: description,
				Parameters:  fn.FunctionSpec,
			},
		})
	}
	return specs, nil
}

// Invoke dispatches one tool call. depth is the current agent-proxy
// nesting level of the caller.
func (r *Registry) Invoke(ctx context.Context, call models.ToolCall, roleLevel, depth int) (string, error) {
	fn, err := r.store.GetFunction(ctx, call.Function.Name)
	if err != nil {
		return "", fmt.Errorf("resolve function %q: %w", call.Function.Name, err)
	}
	if !fn.AllowedFor(roleLevel) {
		return "", fmt.Errorf("%w: %s requires level %d", ErrForbidden, fn.Name, fn.AccessRequired)
	}

	args, err := call.Function.ParsedArguments()
	if err != nil {
		return "", fmt.Errorf("parse arguments for %q: %w", fn.Name, err)
	}

	switch {
	case r.nativeImpl(fn.Name) != nil:
		return r.invokeNative(ctx, fn.Name, args)
	case fn.IsAgentProxy():
		return r.invokeAgentProxy(ctx, fn, args, depth)
	case fn.ProxyURI != "":
		return r.invokeHTTP(ctx, fn, args)
	default:
		return "", fmt.Errorf("function %q has no implementation", fn.Name)
	}
}

func (r *Registry) nativeImpl(name string) NativeFunc {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.native[name]
}

func (r *Registry) invokeNative(ctx context.Context, name string, args map[string]any) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.toolTimeout)
	defer cancel()

	result, err := r.nativeImpl(name)(ctx, args)
	if err != nil {
		return "", err
	}
	return encodeResult(result)
}

// invokeHTTP POSTs the arguments to the proxy endpoint, forwarding the
// caller's bearer credential so the downstream service sees the same
// identity.
func (r *Registry) invokeHTTP(ctx context.Context, fn *models.Function, args map[string]any) (string, error) {
	body, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("encode arguments: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, r.toolTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fn.ProxyURI, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create proxy request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if ac := auth.FromContext(ctx); ac != nil {
		if ac.Token != "" {
			req.Header.Set("Authorization", "Bearer "+ac.Token)
		}
		if ac.Email != "" {
			req.Header.Set("X-User-Email", ac.Email)
		}
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("proxy %s: %w", fn.Name, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", fmt.Errorf("read proxy response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("proxy %s returned %d: %s", fn.Name, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return string(raw), nil
}

// invokeAgentProxy recurses into the named agent with the call arguments
// as the prompt.
func (r *Registry) invokeAgentProxy(ctx context.Context, fn *models.Function, args map[string]any, depth int) (string, error) {
	if r.agentInvoker == nil {
		return "", errors.New("agent invoker not bound")
	}
	if depth+1 > MaxAgentDepth {
		return "", fmt.Errorf("%w: %s at depth %d", ErrDepthExceeded, fn.Name, depth+1)
	}

	agentName := strings.TrimPrefix(fn.ProxyURI, models.AgentProxyPrefix)
	prompt, _ := args["prompt"].(string)
	if prompt == "" {
		// fall back to the full argument payload as the prompt
		raw, err := json.Marshal(args)
		if err != nil {
			return "", fmt.Errorf("encode agent prompt: %w", err)
		}
		prompt = string(raw)
	}
	return r.agentInvoker.InvokeAgent(ctx, agentName, prompt, depth+1)
}

func encodeResult(result any) (string, error) {
	switch v := result.(type) {
	case string:
		return v, nil
	case nil:
		return "", nil
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("encode result: %w", err)
		}
		return string(raw), nil
	}
}
