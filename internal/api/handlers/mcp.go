package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/percolationlabs/percolate/internal/tools"
	"github.com/percolationlabs/percolate/pkg/models"
)

// JSON-RPC 2.0 over a single POST endpoint, the MCP streamable HTTP
// transport in its simplest form. Tool discovery and invocation map onto
// the function registry; auth and role filtering are the same as the REST
// surface.

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

const (
	rpcParseError     = -32700
	rpcInvalidRequest = -32600
	rpcMethodNotFound = -32601
	rpcInvalidParams  = -32602
	rpcInternalError  = -32603
)

// MCP serves POST /mcp.
func (h *Handlers) MCP(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondJSON(w, http.StatusOK, rpcResponse{JSONRPC: "2.0", Error: &rpcError{Code: rpcParseError, Message: "parse error"}})
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		h.rpcFail(w, req.ID, rpcInvalidRequest, "invalid request")
		return
	}

	switch req.Method {
	case "initialize":
		h.rpcOK(w, req.ID, map[string]any{
			"protocolVersion": "2025-03-26",
			"capabilities":    map[string]any{"tools": map[string]any{}},
			"serverInfo": map[string]any{
				"name":    "percolate",
				"version": h.Config.Version,
			},
		})
	case "notifications/initialized":
		w.WriteHeader(http.StatusAccepted)
	case "ping":
		h.rpcOK(w, req.ID, map[string]any{})
	case "tools/list":
		h.mcpListTools(w, r, req.ID)
	case "tools/call":
		h.mcpCallTool(w, r, req.ID, req.Params)
	default:
		h.rpcFail(w, req.ID, rpcMethodNotFound, "method not found: "+req.Method)
	}
}

func (h *Handlers) mcpListTools(w http.ResponseWriter, r *http.Request, id json.RawMessage) {
	functions, err := h.Store.ListFunctions(r.Context())
	if err != nil {
		h.rpcFail(w, id, rpcInternalError, err.Error())
		return
	}

	roleLevel := identity(r).RoleLevel
	mcpTools := make([]map[string]any, 0, len(functions))
	for _, fn := range functions {
		if !fn.AllowedFor(roleLevel) {
			continue
		}
		schema := fn.FunctionSpec
		if schema == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		mcpTools = append(mcpTools, map[string]any{
			"name":        fn.Name,
			"description": fn.Description,
			"inputSchema": schema,
		})
	}
	h.rpcOK(w, id, map[string]any{"tools": mcpTools})
}

type mcpCallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

func (h *Handlers) mcpCallTool(w http.ResponseWriter, r *http.Request, id, raw json.RawMessage) {
	var params mcpCallParams
	if err := json.Unmarshal(raw, &params); err != nil || params.Name == "" {
		h.rpcFail(w, id, rpcInvalidParams, "tool name required")
		return
	}

	args, err := json.Marshal(params.Arguments)
	if err != nil {
		h.rpcFail(w, id, rpcInvalidParams, err.Error())
		return
	}
	call := models.ToolCall{
		ID:   "mcp",
		Type: "function",
		Function: models.FunctionCall{
			Name:      params.Name,
			Arguments: string(args),
		},
	}

	result, err := h.Tools.Invoke(r.Context(), call, identity(r).RoleLevel, 0)
	if err != nil {
		if errors.Is(err, tools.ErrForbidden) {
			h.rpcFail(w, id, rpcInvalidParams, err.Error())
			return
		}
		// tool-level failures are results with isError, not protocol errors
		h.rpcOK(w, id, map[string]any{
			"content": []map[string]any{{"type": "text", "text": err.Error()}},
			"isError": true,
		})
		return
	}

	h.rpcOK(w, id, map[string]any{
		"content": []map[string]any{{"type": "text", "text": result}},
		"isError": false,
	})
}

func (h *Handlers) rpcOK(w http.ResponseWriter, id json.RawMessage, result any) {
	respondJSON(w, http.StatusOK, rpcResponse{JSONRPC: "2.0", ID: id, Result: result})
}

func (h *Handlers) rpcFail(w http.ResponseWriter, id json.RawMessage, code int, message string) {
	respondJSON(w, http.StatusOK, rpcResponse{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: code, Message: message}})
}
