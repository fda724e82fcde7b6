// Package handlers implements the HTTP handlers for the Percolate core
// server. All handlers go through the Store interface and the auth
// resolver; identity and row-level scope arrive on the request context.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/percolationlabs/percolate/internal/agent"
	"github.com/percolationlabs/percolate/internal/auth"
	"github.com/percolationlabs/percolate/internal/config"
	"github.com/percolationlabs/percolate/internal/ingest"
	"github.com/percolationlabs/percolate/internal/integrations"
	"github.com/percolationlabs/percolate/internal/llm"
	"github.com/percolationlabs/percolate/internal/oauth"
	"github.com/percolationlabs/percolate/internal/store"
	"github.com/percolationlabs/percolate/internal/tools"
	"github.com/percolationlabs/percolate/internal/tus"
)

// Handlers holds all handler dependencies.
type Handlers struct {
	Store    store.Store
	Config   *config.Config
	Resolver *auth.Resolver
	OAuth    *oauth.Server
	Runtime  *agent.Runtime
	Tools    *tools.Registry
	Uploads  *tus.Manager
	Pipeline *ingest.Pipeline
	Web      *integrations.WebClient
	Mail     integrations.MailProvider
}

// New creates a Handlers instance with all dependencies.
func New(st store.Store, cfg *config.Config, resolver *auth.Resolver, oauthSrv *oauth.Server, runtime *agent.Runtime, registry *tools.Registry, uploads *tus.Manager, pipeline *ingest.Pipeline, web *integrations.WebClient, mail integrations.MailProvider) *Handlers {
	if mail == nil {
		mail = integrations.NoopMailProvider{}
	}
	return &Handlers{
		Store:    st,
		Config:   cfg,
		Resolver: resolver,
		OAuth:    oauthSrv,
		Runtime:  runtime,
		Tools:    registry,
		Uploads:  uploads,
		Pipeline: pipeline,
		Web:      web,
		Mail:     mail,
	}
}

// ── Health & info ───────────────────────────────────────────

func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	code := http.StatusOK
	if err := h.Store.Ping(r.Context()); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	respondJSON(w, code, map[string]string{
		"status":  status,
		"service": "percolate-server",
	})
}

func (h *Handlers) Version(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"version": h.Config.Version,
		"service": "percolate-server",
	})
}

// ── Response envelope ───────────────────────────────────────

// errorBody is the uniform error envelope.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorBody{Code: code, Message: message})
}

// respondStoreError maps store and auth errors onto the envelope.
func respondStoreError(w http.ResponseWriter, err error) {
	switch {
	case store.IsNotFound(err):
		respondError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, tools.ErrForbidden):
		respondError(w, http.StatusForbidden, "forbidden", err.Error())
	case errors.Is(err, llm.ErrNoProvider):
		respondError(w, http.StatusBadRequest, "validation", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

// identity returns the resolved identity or nil.
func identity(r *http.Request) *auth.Context {
	return auth.FromContext(r.Context())
}
