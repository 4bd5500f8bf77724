package api

import (
	"encoding/json"
	"net/http"

	"github.com/harveyng/polly/internal/log"
	"github.com/harveyng/polly/internal/mcpclient"
)

// ToolsHandler exposes the discovered tool catalog and a diagnostic
// invocation endpoint.
type ToolsHandler struct {
	session *mcpclient.Session
	logger  log.Logger
}

// NewToolsHandler creates a tools handler over the session.
func NewToolsHandler(session *mcpclient.Session, logger log.Logger) *ToolsHandler {
	return &ToolsHandler{session: session, logger: logger}
}

// RegisterRoutes registers tool routes on the given mux.
func (h *ToolsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/tools", h.handleList)
	mux.HandleFunc("GET /api/tools/health", h.handleHealth)
	mux.HandleFunc("POST /api/tools/call", h.handleCall)
}

func (h *ToolsHandler) handleList(w http.ResponseWriter, r *http.Request) {
	if h.session == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "tool session not configured")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"state": h.session.State().String(),
		"tools": h.session.Tools(),
	})
}

// handleHealth runs the end-to-end session diagnostic, including a probe
// call against the tool server when connected.
func (h *ToolsHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if h.session == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "tool session not configured")
		return
	}
	writeJSON(w, http.StatusOK, h.session.Health(r.Context()))
}

// ToolCallRequest names a tool and its arguments.
type ToolCallRequest struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// ToolCallResponse mirrors the safe invocation result: ok with a payload,
// or a failure message. The endpoint itself never fails on tool errors.
type ToolCallResponse struct {
	OK      bool   `json:"ok"`
	Payload string `json:"payload,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (h *ToolsHandler) handleCall(w http.ResponseWriter, r *http.Request) {
	if h.session == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "tool session not configured")
		return
	}

	var req ToolCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "request body must be JSON")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "tool name is required")
		return
	}

	result := h.session.CallToolSafe(r.Context(), req.Name, req.Arguments)
	resp := ToolCallResponse{OK: result.OK, Payload: result.Payload}
	if result.Err != nil {
		resp.Error = result.Err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}
