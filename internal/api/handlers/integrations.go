package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/percolationlabs/percolate/internal/integrations"
)

type webSearchRequest struct {
	Query      string `json:"query"`
	MaxResults int    `json:"max_results,omitempty"`
}

// WebSearch serves POST /x/web/search.
func (h *Handlers) WebSearch(w http.ResponseWriter, r *http.Request) {
	var req webSearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Query == "" {
		respondError(w, http.StatusUnprocessableEntity, "validation", "query required")
		return
	}

	results, err := h.Web.Search(r.Context(), req.Query, req.MaxResults)
	if err != nil {
		respondError(w, http.StatusBadGateway, "upstream", err.Error())
		return
	}
	if results == nil {
		results = []integrations.SearchResult{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"results": results})
}

type webFetchRequest struct {
	URL string `json:"url"`
}

// WebFetch serves POST /x/web/fetch.
func (h *Handlers) WebFetch(w http.ResponseWriter, r *http.Request) {
	var req webFetchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.URL == "" {
		respondError(w, http.StatusUnprocessableEntity, "validation", "url required")
		return
	}

	content, err := h.Web.Fetch(r.Context(), req.URL)
	if err != nil {
		respondError(w, http.StatusBadGateway, "upstream", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"url":     req.URL,
		"content": content,
	})
}

type mailFetchRequest struct {
	Limit int `json:"limit,omitempty"`
}

// MailFetch serves POST /x/mail/fetch for the calling user's mailbox.
func (h *Handlers) MailFetch(w http.ResponseWriter, r *http.Request) {
	var req mailFetchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusUnprocessableEntity, "validation", "invalid request body")
		return
	}
	if req.Limit <= 0 {
		req.Limit = 20
	}

	messages, err := h.Mail.Fetch(r.Context(), identity(r).Email, req.Limit)
	if err != nil {
		if errors.Is(err, integrations.ErrMailNotConfigured) {
			respondError(w, http.StatusNotImplemented, "validation", err.Error())
			return
		}
		respondError(w, http.StatusBadGateway, "upstream", err.Error())
		return
	}
	if messages == nil {
		messages = []integrations.MailMessage{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"messages": messages})
}
