package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/percolationlabs/percolate/pkg/models"
)

type memoryRequest struct {
	Name     string         `json:"name,omitempty"`
	Category string         `json:"category,omitempty"`
	Content  string         `json:"content"`
	Summary  string         `json:"summary,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// CreateMemory writes a memory for the caller. Names are auto-generated
// as <email_prefix>_<ts> when absent.
func (h *Handlers) CreateMemory(w http.ResponseWriter, r *http.Request) {
	ac := identity(r)
	var req memoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Content == "" {
		respondError(w, http.StatusUnprocessableEntity, "validation", "content required")
		return
	}

	name := req.Name
	if name == "" {
		prefix, _, _ := strings.Cut(ac.Email, "@")
		name = fmt.Sprintf("%s_%d", prefix, time.Now().Unix())
	}
	category := req.Category
	if category == "" {
		category = models.DefaultMemoryCategory
	}

	now := time.Now().UTC()
	memory := &models.Memory{
		ID:        uuid.New(),
		UserID:    ac.UserID,
		Name:      name,
		Category:  category,
		Content:   req.Content,
		Summary:   req.Summary,
		Metadata:  req.Metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := h.Store.UpsertMemory(r.Context(), memory); err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, memory)
}

func (h *Handlers) ListMemories(w http.ResponseWriter, r *http.Request) {
	ac := identity(r)
	memories, err := h.Store.ListMemories(r.Context(), ac.UserID, 100)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if memories == nil {
		memories = []models.Memory{}
	}
	respondJSON(w, http.StatusOK, memories)
}

func (h *Handlers) GetMemory(w http.ResponseWriter, r *http.Request) {
	ac := identity(r)
	memory, err := h.Store.GetMemory(r.Context(), ac.UserID, chi.URLParam(r, "name"))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, memory)
}

func (h *Handlers) DeleteMemory(w http.ResponseWriter, r *http.Request) {
	ac := identity(r)
	if err := h.Store.DeleteMemory(r.Context(), ac.UserID, chi.URLParam(r, "name")); err != nil {
		respondStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
