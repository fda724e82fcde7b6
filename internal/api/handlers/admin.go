package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/percolationlabs/percolate/internal/ingest"
	"github.com/percolationlabs/percolate/internal/store"
	"github.com/percolationlabs/percolate/pkg/models"
)

// requireAdmin gates the /admin surface on role level.
func (h *Handlers) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	ac := identity(r)
	if ac == nil || ac.RoleLevel > models.RoleLevelInternal {
		respondError(w, http.StatusForbidden, "forbidden", "admin access required")
		return false
	}
	return true
}

// ── Audit ───────────────────────────────────────────────────

func (h *Handlers) ListAudit(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}

	filter := store.AuditFilter{
		SessionID: r.URL.Query().Get("session_id"),
		Limit:     100,
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			filter.Limit = n
		}
	}
	if raw := r.URL.Query().Get("user_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			respondError(w, http.StatusUnprocessableEntity, "validation", "invalid user_id")
			return
		}
		filter.UserID = &id
	}
	if raw := r.URL.Query().Get("since"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			respondError(w, http.StatusUnprocessableEntity, "validation", "invalid since timestamp")
			return
		}
		filter.Since = &ts
	}

	rows, err := h.Store.ListAIResponses(r.Context(), filter)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if rows == nil {
		rows = []models.AIResponse{}
	}
	respondJSON(w, http.StatusOK, rows)
}

// ── Single-shot upload ──────────────────────────────────────

type contentUploadRequest struct {
	URI      string         `json:"uri"`
	Name     string         `json:"name,omitempty"`
	Content  string         `json:"content"`
	Category string         `json:"category,omitempty"`
	GroupID  string         `json:"groupid,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// UploadContent ingests one document directly, sharing the pipeline with
// the resumable upload path.
func (h *Handlers) UploadContent(w http.ResponseWriter, r *http.Request) {
	var req contentUploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Content == "" {
		respondError(w, http.StatusUnprocessableEntity, "validation", "content required")
		return
	}

	doc := ingest.Document{
		URI:      req.URI,
		Name:     req.Name,
		Content:  req.Content,
		Category: req.Category,
		GroupID:  req.GroupID,
		Metadata: req.Metadata,
	}
	if ac := identity(r); ac != nil {
		id := ac.UserID
		doc.UserID = &id
	}
	if doc.URI == "" {
		doc.URI = "content://" + uuid.NewString()
	}

	chunks, err := h.Pipeline.Ingest(r.Context(), doc)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{
		"uri":    doc.URI,
		"chunks": chunks,
	})
}

// ── Schedules ───────────────────────────────────────────────

func (h *Handlers) ListSchedules(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}
	schedules, err := h.Store.ListSchedules(r.Context(), false)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if schedules == nil {
		schedules = []models.Schedule{}
	}
	respondJSON(w, http.StatusOK, schedules)
}

type scheduleRequest struct {
	Name string         `json:"name"`
	Cron string         `json:"cron"`
	Spec map[string]any `json:"spec"`
}

func (h *Handlers) CreateSchedule(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}
	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" || req.Cron == "" {
		respondError(w, http.StatusUnprocessableEntity, "validation", "name and cron required")
		return
	}
	if req.Spec == nil {
		req.Spec = map[string]any{}
	}

	now := time.Now().UTC()
	sched := &models.Schedule{
		ID:        uuid.NewSHA1(models.IdentityNamespace, []byte("schedule:"+req.Name)),
		Name:      req.Name,
		Cron:      req.Cron,
		Spec:      req.Spec,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if ac := identity(r); ac != nil {
		id := ac.UserID
		sched.UserID = &id
	}

	if err := h.Store.UpsertSchedule(r.Context(), sched); err != nil {
		respondStoreError(w, err)
		return
	}
	log.Info().Str("schedule", sched.Name).Str("cron", sched.Cron).Msg("schedule created")
	respondJSON(w, http.StatusCreated, sched)
}
