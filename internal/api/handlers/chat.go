package handlers

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/percolationlabs/percolate/internal/agent"
	"github.com/percolationlabs/percolate/internal/stream"
	"github.com/percolationlabs/percolate/pkg/models"
)

// ChatCompletions serves POST /chat/completions. A model of the form
// "p8agent/<name>" dispatches to that agent; anything else runs the
// abstract agent against the named upstream model.
func (h *Handlers) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req models.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusUnprocessableEntity, "validation", "invalid request body")
		return
	}

	agentName := ""
	if strings.HasPrefix(req.Model, models.AgentProxyPrefix) {
		agentName = strings.TrimPrefix(req.Model, models.AgentProxyPrefix)
		req.Model = ""
	}
	h.runCompletion(w, r, agentName, &req)
}

// AgentCompletions serves POST /chat/agent/{name}/completions.
func (h *Handlers) AgentCompletions(w http.ResponseWriter, r *http.Request) {
	var req models.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusUnprocessableEntity, "validation", "invalid request body")
		return
	}
	h.runCompletion(w, r, chi.URLParam(r, "name"), &req)
}

func (h *Handlers) runCompletion(w http.ResponseWriter, r *http.Request, agentName string, req *models.ChatRequest) {
	if len(req.Messages) == 0 {
		respondError(w, http.StatusUnprocessableEntity, "validation", "messages required")
		return
	}

	loaded, err := h.Runtime.Loader().Load(r.Context(), orDefault(agentName))
	if err != nil {
		respondStoreError(w, err)
		return
	}

	opts := agent.RunOptions{
		SessionID: sessionID(r, req),
		Relay: stream.RelayOptions{
			RelayToolUseEvents: metaBool(req.Metadata, "relay_tool_use_events"),
		},
	}

	if req.Stream {
		writer, err := stream.NewSSEWriter(w)
		if err != nil {
			respondError(w, http.StatusInternalServerError, "internal", err.Error())
			return
		}
		opts.Writer = writer

		if _, err := h.Runtime.Run(r.Context(), loaded, req, identity(r), opts); err != nil {
			// headers are gone; surface the failure as a terminal event
			log.Warn().Err(err).Str("agent", loaded.Name).Msg("streaming completion failed")
			_ = writer.SendNamed("error", errorBody{Code: "upstream", Message: err.Error()})
		}
		_ = writer.SendDone()
		return
	}

	result, err := h.Runtime.Run(r.Context(), loaded, req, identity(r), opts)
	if err != nil {
		respondError(w, http.StatusBadGateway, "upstream", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, completionResponse(loaded.Name, result))
}

// completionResponse shapes a non-streaming result as an OpenAI chat
// completion object.
func completionResponse(model string, result *agent.Result) map[string]any {
	finish := models.FinishStop
	return map[string]any{
		"id":      "chatcmpl-" + uuid.NewString(),
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   model,
		"choices": []map[string]any{{
			"index":         0,
			"message":       models.ChatMessage{Role: "assistant", Content: result.Content},
			"finish_reason": finish,
		}},
		"usage": result.Usage,
	}
}

func sessionID(r *http.Request, req *models.ChatRequest) string {
	if sid, ok := req.Metadata["session_id"].(string); ok && sid != "" {
		return sid
	}
	if sid := r.Header.Get("X-Session-Id"); sid != "" {
		return sid
	}
	return ""
}

func metaBool(meta map[string]any, key string) bool {
	v, _ := meta[key].(bool)
	return v
}

func orDefault(agentName string) string {
	if agentName == "" {
		return "public.default"
	}
	return agentName
}
