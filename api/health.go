package api

import (
	"net/http"

	"github.com/harveyng/polly/internal/log"
	"github.com/harveyng/polly/internal/mcpclient"
	"github.com/harveyng/polly/internal/postgres"
)

// HealthHandler serves the liveness and readiness probes.
type HealthHandler struct {
	pool    *postgres.Pool
	session *mcpclient.Session
	logger  log.Logger
}

// NewHealthHandler creates a health handler over the pool and tool session.
func NewHealthHandler(pool *postgres.Pool, session *mcpclient.Session, logger log.Logger) *HealthHandler {
	return &HealthHandler{pool: pool, session: session, logger: logger}
}

// RegisterRoutes registers health routes on the given mux.
func (h *HealthHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.liveness)
	mux.HandleFunc("GET /ready", h.readiness)
}

// liveness returns 200 while the process is alive.
func (h *HealthHandler) liveness(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// readinessResponse reports per-dependency status. The tool session being
// down does not fail readiness: inquiries degrade to fallback answers.
type readinessResponse struct {
	Status   string `json:"status"`
	Database string `json:"database"`
	Tools    string `json:"tools"`
}

func (h *HealthHandler) readiness(w http.ResponseWriter, r *http.Request) {
	resp := readinessResponse{Status: "ready", Database: "ok"}

	if h.pool == nil {
		writeJSON(w, http.StatusServiceUnavailable, readinessResponse{
			Status: "unavailable", Database: "not configured",
		})
		return
	}
	if err := h.pool.Ping(r.Context()); err != nil {
		h.logger.Error("readiness check failed", "error", err)
		resp.Status = "unavailable"
		resp.Database = "unreachable"
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}

	if h.session != nil {
		resp.Tools = h.session.State().String()
		if !h.session.Connected() {
			resp.Status = "degraded"
		}
	} else {
		resp.Tools = "not configured"
		resp.Status = "degraded"
	}

	writeJSON(w, http.StatusOK, resp)
}
