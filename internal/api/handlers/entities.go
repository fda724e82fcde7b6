package handlers

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/percolationlabs/percolate/internal/vectorstore"
	"github.com/percolationlabs/percolate/pkg/models"
)

// ── Agents ──────────────────────────────────────────────────

func (h *Handlers) ListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := h.Store.ListAgents(r.Context())
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if agents == nil {
		agents = []models.Agent{}
	}
	respondJSON(w, http.StatusOK, agents)
}

// RegisterAgent upserts an agent and its discoverable companion function
// in one transaction.
func (h *Handlers) RegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req models.Agent
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusUnprocessableEntity, "validation", "invalid request body")
		return
	}
	if req.Name == "" {
		respondError(w, http.StatusUnprocessableEntity, "validation", "agent name required")
		return
	}

	req.Name = models.QualifyName(req.Name)
	req.ID = models.AgentIDForName(req.Name)
	now := time.Now().UTC()
	req.CreatedAt = now
	req.UpdatedAt = now

	companion := companionFunction(&req)
	if err := h.Store.RegisterAgent(r.Context(), &req, companion); err != nil {
		respondStoreError(w, err)
		return
	}

	log.Info().Str("agent", req.Name).Msg("agent registered")
	respondJSON(w, http.StatusCreated, req)
}

func (h *Handlers) GetAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := h.Store.GetAgent(r.Context(), models.QualifyName(chi.URLParam(r, "name")))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, agent)
}

func (h *Handlers) DeleteAgent(w http.ResponseWriter, r *http.Request) {
	name := models.QualifyName(chi.URLParam(r, "name"))
	if err := h.Store.DeleteAgent(r.Context(), name); err != nil {
		respondStoreError(w, err)
		return
	}
	log.Info().Str("agent", name).Msg("agent deleted")
	w.WriteHeader(http.StatusNoContent)
}

// companionFunction builds the discoverable proxy that lets other agents
// dispatch to this one by tool call.
func companionFunction(agent *models.Agent) *models.Function {
	name := strings.ReplaceAll(agent.Name, ".", "_") + "_run"
	description := agent.Description
	if description == "" {
		description = "Run the " + agent.Name + " agent with a prompt."
	}
	now := time.Now().UTC()
	return &models.Function{
		Name:        name,
		Description: description,
		ProxyURI:    models.AgentProxyPrefix + agent.Name,
		FunctionSpec: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"prompt": map[string]any{"type": "string"},
			},
			"required": []string{"prompt"},
		},
		AccessRequired: models.RoleLevelPublic,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// ── Semantic search ─────────────────────────────────────────

type searchRequest struct {
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"`
}

// SearchEntities runs scoped semantic search over resources.
func (h *Handlers) SearchEntities(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Query == "" {
		respondError(w, http.StatusUnprocessableEntity, "validation", "query required")
		return
	}

	scope := vectorstore.Scope{RoleLevel: models.RoleLevelPublic}
	if ac := identity(r); ac != nil {
		scope = vectorstore.Scope{
			UserID:    ac.UserID.String(),
			Groups:    ac.Groups,
			RoleLevel: ac.RoleLevel,
		}
	}

	results, err := h.Pipeline.Search(r.Context(), req.Query, scope, req.Limit)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if results == nil {
		results = []models.Resource{}
	}
	respondJSON(w, http.StatusOK, results)
}

// SearchFunctions runs hybrid tool discovery filtered to the caller's
// role level.
func (h *Handlers) SearchFunctions(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("query")
	roleLevel := models.RoleLevelPublic
	if ac := identity(r); ac != nil {
		roleLevel = ac.RoleLevel
	}

	functions, err := h.Tools.Search(r.Context(), query, roleLevel, 10)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if functions == nil {
		functions = []models.Function{}
	}
	respondJSON(w, http.StatusOK, functions)
}
