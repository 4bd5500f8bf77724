package api

import (
	"errors"
	"net/http"

	"github.com/harveyng/polly/internal/insurance"
	"github.com/harveyng/polly/internal/log"
	"github.com/harveyng/polly/internal/mcpclient"
	"github.com/harveyng/polly/internal/store"
)

// DocumentsHandler serves the product document catalog. Listing and content
// go through the tool server; search runs on the local document store.
type DocumentsHandler struct {
	client    *insurance.Client
	documents *store.Documents
	logger    log.Logger
}

// NewDocumentsHandler creates a documents handler. Either dependency may be
// nil; the affected endpoints then answer 503.
func NewDocumentsHandler(client *insurance.Client, documents *store.Documents, logger log.Logger) *DocumentsHandler {
	return &DocumentsHandler{client: client, documents: documents, logger: logger}
}

// RegisterRoutes registers document routes on the given mux.
func (h *DocumentsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/documents", h.handleList)
	mux.HandleFunc("GET /api/documents/search", h.handleSearch)
	mux.HandleFunc("GET /api/documents/{code}", h.handleContent)
}

func (h *DocumentsHandler) handleList(w http.ResponseWriter, r *http.Request) {
	if h.client == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "tool client not configured")
		return
	}

	docs, err := h.client.ListDocuments(r.Context())
	if err != nil {
		h.logger.Error("document listing failed", "error", err)
		writeError(w, http.StatusBadGateway, "upstream_failed", "tool server unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": docs})
}

func (h *DocumentsHandler) handleContent(w http.ResponseWriter, r *http.Request) {
	if h.client == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "tool client not configured")
		return
	}

	code := r.PathValue("code")
	content, err := h.client.DocumentContent(r.Context(), code)
	if err != nil {
		if errors.Is(err, insurance.ErrDocumentNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "no document for code "+code)
			return
		}
		var unknownErr *mcpclient.UnknownToolError
		if errors.As(err, &unknownErr) {
			writeError(w, http.StatusBadGateway, "upstream_failed", "tool server lacks document tools")
			return
		}
		h.logger.Error("document fetch failed", "code", code, "error", err)
		writeError(w, http.StatusBadGateway, "upstream_failed", "tool server unavailable")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"code":    code,
		"content": content,
	})
}

func (h *DocumentsHandler) handleSearch(w http.ResponseWriter, r *http.Request) {
	if h.documents == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "document store not configured")
		return
	}

	term := r.URL.Query().Get("q")
	if term == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "query parameter q is required")
		return
	}

	matches, err := h.documents.Search(r.Context(), term, 50)
	if err != nil {
		h.logger.Error("document search failed", "term", term, "error", err)
		writeError(w, http.StatusInternalServerError, "search_failed", "could not search documents")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": matches})
}
